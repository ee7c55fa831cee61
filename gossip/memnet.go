package gossip

import (
	"context"
	"math/rand"
	"sync"
	"sync/atomic"
	"time"
)

// HubConfig sets the faults an in-memory hub injects.
type HubConfig struct {
	// Duplicate is the chance a delivery is repeated.
	Duplicate float64
	// Drop is the chance a delivery is lost.
	Drop float64
	// MaxDelay spreads deliveries over [0, MaxDelay), which reorders them.
	MaxDelay time.Duration
	// QueueSize is the inbox capacity of each peer; deliveries to a full
	// inbox are lost.
	QueueSize int
	Seed      int64
}

// Hub is an in-memory broadcast network connecting local peers. Every
// message goes through the wire codec.
type Hub struct {
	cfg HubConfig

	mu    sync.Mutex
	rng   *rand.Rand
	peers []*Peer
}

func NewHub(cfg HubConfig) *Hub {
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 1024
	}
	return &Hub{cfg: cfg, rng: rand.New(rand.NewSource(cfg.Seed))}
}

// Join attaches a new peer.
func (h *Hub) Join(name string) *Peer {
	p := &Peer{hub: h, name: name, in: make(chan *Message, h.cfg.QueueSize)}
	h.mu.Lock()
	h.peers = append(h.peers, p)
	h.mu.Unlock()
	return p
}

func (h *Hub) broadcast(from *Peer, data []byte) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for _, to := range h.peers {
		if to == from || to.silent.Load() {
			continue
		}
		if h.rng.Float64() < h.cfg.Drop {
			continue
		}
		copies := 1
		if h.rng.Float64() < h.cfg.Duplicate {
			copies = 2
		}
		for i := 0; i < copies; i++ {
			var delay time.Duration
			if h.cfg.MaxDelay > 0 {
				delay = time.Duration(h.rng.Int63n(int64(h.cfg.MaxDelay)))
			}
			to := to
			if delay == 0 {
				to.deliver(data, from.name)
				continue
			}
			time.AfterFunc(delay, func() { to.deliver(data, from.name) })
		}
	}
}

// Peer is one endpoint of a Hub. It implements Network.
type Peer struct {
	hub  *Hub
	name string
	in   chan *Message

	mu     sync.Mutex
	closed bool

	silent atomic.Bool
}

var _ Network = (*Peer)(nil)

func (p *Peer) Name() string {
	return p.name
}

// Silence cuts the peer off in both directions while set, like a crashed
// node.
func (p *Peer) Silence(v bool) {
	p.silent.Store(v)
}

func (p *Peer) Publish(_ context.Context, m *Message) error {
	p.mu.Lock()
	closed := p.closed
	p.mu.Unlock()
	if closed {
		return ErrClosed
	}
	data, err := Encode(m)
	if err != nil {
		return err
	}
	if p.silent.Load() {
		return nil
	}
	p.hub.broadcast(p, data)
	return nil
}

func (p *Peer) deliver(data []byte, from string) {
	m, err := Decode(data)
	if err != nil {
		return
	}
	m.From = from
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed || p.silent.Load() {
		return
	}
	select {
	case p.in <- m:
	default:
	}
}

func (p *Peer) Messages() <-chan *Message {
	return p.in
}

func (p *Peer) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.closed {
		p.closed = true
		close(p.in)
	}
	return nil
}
