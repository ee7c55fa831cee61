package gossip

import (
	"github.com/Fantom-foundation/lachesis-base/hash"
	lru "github.com/hashicorp/golang-lru"
)

// Filter remembers the IDs of recent messages so that duplicates can be
// dropped before they reach the engine.
type Filter struct {
	seen *lru.Cache
}

// NewFilter keeps the last size message IDs.
func NewFilter(size int) (*Filter, error) {
	c, err := lru.New(size)
	if err != nil {
		return nil, err
	}
	return &Filter{seen: c}, nil
}

// Seen reports whether id was seen before and remembers it.
func (f *Filter) Seen(id hash.Hash) bool {
	known, _ := f.seen.ContainsOrAdd(id, struct{}{})
	return known
}

// Forget drops id, so that a message that could not be handled yet is
// accepted when it arrives again.
func (f *Filter) Forget(id hash.Hash) {
	f.seen.Remove(id)
}

func (f *Filter) Len() int {
	return f.seen.Len()
}
