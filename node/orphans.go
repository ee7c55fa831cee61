package node

import (
	"github.com/Fantom-foundation/lachesis-base/hash"
	lru "github.com/hashicorp/golang-lru"

	"github.com/oib/aitbc-chain/inter"
)

// orphans buffers blocks whose parent is not known yet. The oldest are
// evicted first.
type orphans struct {
	cache *lru.Cache
}

func newOrphans(size int) (*orphans, error) {
	c, err := lru.New(size)
	if err != nil {
		return nil, err
	}
	return &orphans{cache: c}, nil
}

func (o *orphans) add(b *inter.Block) {
	o.cache.Add(b.ID(), b)
}

// children removes and returns the buffered blocks built on parent.
func (o *orphans) children(parent hash.Hash) []*inter.Block {
	var res []*inter.Block
	for _, k := range o.cache.Keys() {
		v, ok := o.cache.Peek(k)
		if !ok {
			continue
		}
		if b := v.(*inter.Block); b.Parent == parent {
			res = append(res, b)
			o.cache.Remove(k)
		}
	}
	return res
}

func (o *orphans) len() int {
	return o.cache.Len()
}
