// Package store persists the canonical chain in pebble: blocks by height,
// the state after the head block and every checkpoint.
package store

import (
	"errors"
	"fmt"

	"github.com/Fantom-foundation/lachesis-base/common/bigendian"
	"github.com/Fantom-foundation/lachesis-base/inter/idx"
	"github.com/cockroachdb/pebble"
	"github.com/cockroachdb/pebble/vfs"
	"github.com/sirupsen/logrus"

	"github.com/oib/aitbc-chain/inter"
	"github.com/oib/aitbc-chain/inter/iblockproc"
)

var ErrNotFound = errors.New("not found")

// key prefixes
var (
	blockPrefix      = []byte("b")
	checkpointPrefix = []byte("c")
	headStateKey     = []byte("s")
	headHeightKey    = []byte("h")
)

// Store is a pebble backed chain store. It implements engine.Persister.
type Store struct {
	db  *pebble.DB
	log logrus.FieldLogger
}

// Open opens or creates the database at path.
func Open(path string, log logrus.FieldLogger) (*Store, error) {
	return open(path, &pebble.Options{}, log)
}

// OpenWithCache opens the database at path with a block cache of cacheMB
// megabytes.
func OpenWithCache(path string, cacheMB int, log logrus.FieldLogger) (*Store, error) {
	cache := pebble.NewCache(int64(cacheMB) << 20)
	defer cache.Unref()
	return open(path, &pebble.Options{Cache: cache}, log)
}

// OpenInMemory opens a store that lives in memory only.
func OpenInMemory(log logrus.FieldLogger) (*Store, error) {
	return open("aitbc", &pebble.Options{FS: vfs.NewMem()}, log)
}

func open(path string, opts *pebble.Options, log logrus.FieldLogger) (*Store, error) {
	if log == nil {
		log = logrus.StandardLogger()
	}
	db, err := pebble.Open(path, opts)
	if err != nil {
		return nil, fmt.Errorf("open store: %w", err)
	}
	return &Store{db: db, log: log.WithField("module", "store")}, nil
}

func heightKey(prefix []byte, h idx.Block) []byte {
	return append(append([]byte{}, prefix...), bigendian.Uint64ToBytes(uint64(h))...)
}

// Commit writes a canonical block, the state after it and its checkpoint in
// one batch. Blocks of a replaced branch are overwritten by height.
func (s *Store) Commit(b *inter.Block, st *iblockproc.State, cp *inter.Checkpoint) error {
	raw, err := b.MarshalBinary()
	if err != nil {
		return fmt.Errorf("encode block %d: %w", b.Height, err)
	}
	state, err := st.Encode()
	if err != nil {
		return fmt.Errorf("encode state at %d: %w", b.Height, err)
	}
	batch := s.db.NewBatch()
	defer batch.Close()
	if err := batch.Set(heightKey(blockPrefix, b.Height), raw, nil); err != nil {
		return err
	}
	if err := batch.Set(headStateKey, state, nil); err != nil {
		return err
	}
	if err := batch.Set(headHeightKey, bigendian.Uint64ToBytes(uint64(b.Height)), nil); err != nil {
		return err
	}
	// a shorter branch may have left checkpoints above a reorg point
	if err := batch.DeleteRange(heightKey(checkpointPrefix, b.Height), heightKey(checkpointPrefix, idx.Block(^uint64(0))), nil); err != nil {
		return err
	}
	if cp != nil {
		enc, err := cp.MarshalBinary()
		if err != nil {
			return err
		}
		if err := batch.Set(heightKey(checkpointPrefix, cp.Height), enc, nil); err != nil {
			return err
		}
	}
	if err := batch.Commit(pebble.Sync); err != nil {
		return err
	}
	if cp != nil {
		s.log.WithFields(logrus.Fields{"height": cp.Height, "root": cp.StateRoot}).Info("Checkpoint stored")
	}
	return nil
}

func (s *Store) get(key []byte) ([]byte, error) {
	v, closer, err := s.db.Get(key)
	if errors.Is(err, pebble.ErrNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	defer closer.Close()
	return append([]byte(nil), v...), nil
}

// HeadHeight returns the height of the last committed block.
func (s *Store) HeadHeight() (idx.Block, error) {
	v, err := s.get(headHeightKey)
	if err != nil {
		return 0, err
	}
	return idx.Block(bigendian.BytesToUint64(v)), nil
}

// Block returns the canonical block at height.
func (s *Store) Block(height idx.Block) (*inter.Block, error) {
	head, err := s.HeadHeight()
	if err != nil {
		return nil, err
	}
	if height > head {
		return nil, ErrNotFound
	}
	raw, err := s.get(heightKey(blockPrefix, height))
	if err != nil {
		return nil, err
	}
	b := new(inter.Block)
	if err := b.UnmarshalBinary(raw); err != nil {
		return nil, fmt.Errorf("decode block %d: %w", height, err)
	}
	return b, nil
}

// HeadState returns the state after the last committed block.
func (s *Store) HeadState() (*iblockproc.State, error) {
	raw, err := s.get(headStateKey)
	if err != nil {
		return nil, err
	}
	return iblockproc.DecodeState(raw)
}

// Checkpoints lists stored checkpoints in height order.
func (s *Store) Checkpoints() ([]inter.Checkpoint, error) {
	it, err := s.db.NewIter(&pebble.IterOptions{
		LowerBound: checkpointPrefix,
		UpperBound: []byte{checkpointPrefix[0] + 1},
	})
	if err != nil {
		return nil, err
	}
	defer it.Close()
	var res []inter.Checkpoint
	for it.First(); it.Valid(); it.Next() {
		var cp inter.Checkpoint
		if err := cp.UnmarshalBinary(it.Value()); err != nil {
			return nil, fmt.Errorf("decode checkpoint: %w", err)
		}
		res = append(res, cp)
	}
	return res, it.Error()
}

func (s *Store) Close() error {
	return s.db.Close()
}
