package node

import (
	"sync"

	"github.com/Fantom-foundation/lachesis-base/hash"
	mapset "github.com/deckarep/golang-set/v2"

	"github.com/oib/aitbc-chain/inter"
)

// TxPool queues opaque transactions for inclusion in FIFO order.
type TxPool struct {
	mu    sync.Mutex
	limit int
	queue []inter.Tx
	known mapset.Set[hash.Hash]
}

func NewTxPool(limit int) *TxPool {
	return &TxPool{limit: limit, known: mapset.NewThreadUnsafeSet[hash.Hash]()}
}

func txID(tx inter.Tx) hash.Hash {
	return hash.Of(tx.Payload)
}

// Add queues txs, skipping duplicates and malformed entries, and returns
// how many were queued. Txs beyond the limit are dropped.
func (p *TxPool) Add(txs []inter.Tx) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	added := 0
	for _, tx := range txs {
		if len(p.queue) >= p.limit {
			break
		}
		if uint64(len(tx.Payload)) > uint64(tx.Size) {
			continue
		}
		if !p.known.Add(txID(tx)) {
			continue
		}
		p.queue = append(p.queue, tx)
		added++
	}
	return added
}

// Pending returns the oldest txs fitting the block limits.
func (p *TxPool) Pending(maxTxs uint32, maxBytes uint64) []inter.Tx {
	p.mu.Lock()
	defer p.mu.Unlock()
	var (
		res  []inter.Tx
		size uint64
	)
	for _, tx := range p.queue {
		if uint32(len(res)) >= maxTxs || size+uint64(tx.Size) > maxBytes {
			break
		}
		size += uint64(tx.Size)
		res = append(res, tx)
	}
	return res
}

// Remove drops txs included in a committed block.
func (p *TxPool) Remove(txs []inter.Tx) {
	if len(txs) == 0 {
		return
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	gone := mapset.NewThreadUnsafeSet[hash.Hash]()
	for _, tx := range txs {
		gone.Add(txID(tx))
	}
	kept := p.queue[:0]
	for _, tx := range p.queue {
		id := txID(tx)
		if gone.Contains(id) {
			p.known.Remove(id)
			continue
		}
		kept = append(kept, tx)
	}
	p.queue = kept
}

func (p *TxPool) Len() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.queue)
}
