package node

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/Fantom-foundation/lachesis-base/inter/idx"
	"github.com/sirupsen/logrus"
	"github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/oib/aitbc-chain/aitbc"
	"github.com/oib/aitbc-chain/aitbc/genesis"
	"github.com/oib/aitbc-chain/consensus/engine"
	"github.com/oib/aitbc-chain/gossip"
	"github.com/oib/aitbc-chain/inter"
)

// fastRules run 50ms slots.
func fastRules() aitbc.Rules {
	r := aitbc.FakeNetRules()
	r.Slots.NetworkDelay = 5 * time.Millisecond
	r.Slots.SafetyFactor = 10
	return r
}

type cluster struct {
	t     *testing.T
	nodes []*Node
	peers []*gossip.Peer

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// newCluster starts one node per validator plus observers. Genesis is put
// on the next whole second so no slot is missed before the nodes run.
func newCluster(t *testing.T, validators, observers int, hubCfg gossip.HubConfig) *cluster {
	rules := fastRules()
	start := time.Now().Truncate(time.Second).Add(time.Second)
	g := genesis.FakeGenesis(rules, validators, 0, 0, start)
	keys := genesis.FakeKeys(validators)
	hub := gossip.NewHub(hubCfg)

	log, _ := test.NewNullLogger()
	log.SetLevel(logrus.DebugLevel)

	c := &cluster{t: t}
	for i := 1; i <= validators+observers; i++ {
		st, err := g.State(rules)
		require.NoError(t, err)
		e, err := engine.New(engine.Config{Rules: rules, Log: log}, st)
		require.NoError(t, err)

		cfg := DefaultConfig()
		if i <= validators {
			cfg.Validator = idx.ValidatorID(i)
			cfg.Key = keys[cfg.Validator]
		}
		peer := hub.Join(fmt.Sprintf("node%d", i))
		n, err := New(cfg, e, peer, nil, log)
		require.NoError(t, err)
		c.nodes = append(c.nodes, n)
		c.peers = append(c.peers, peer)
	}

	ctx, cancel := context.WithCancel(context.Background())
	c.cancel = cancel
	for _, n := range c.nodes {
		c.wg.Add(1)
		go func(n *Node) {
			defer c.wg.Done()
			assert.NoError(t, n.Run(ctx))
		}(n)
	}
	return c
}

func (c *cluster) stop() {
	c.cancel()
	c.wg.Wait()
	for _, p := range c.peers {
		require.NoError(c.t, p.Close())
	}
}

func (c *cluster) waitHeight(h idx.Block, nodes ...*Node) {
	require.Eventually(c.t, func() bool {
		for _, n := range nodes {
			if n.Engine().Head().Height < h {
				return false
			}
		}
		return true
	}, 20*time.Second, 20*time.Millisecond, "height %d not reached", h)
}

func lowestHead(nodes ...*Node) idx.Block {
	low := nodes[0].Engine().Head().Height
	for _, n := range nodes[1:] {
		if h := n.Engine().Head().Height; h < low {
			low = h
		}
	}
	return low
}

func TestClusterWithSilentValidator(t *testing.T) {
	c := newCluster(t, 4, 1, gossip.HubConfig{Duplicate: 0.3, MaxDelay: 3 * time.Millisecond, Seed: 1})
	c.peers[3].Silence(true)
	live := []*Node{c.nodes[0], c.nodes[1], c.nodes[2], c.nodes[4]}

	c.waitHeight(25, live...)
	c.stop()

	// duplicated deliveries never fork the prefix
	low := lowestHead(live...)
	for h := idx.Block(1); h+5 <= low; h++ {
		want, ok := live[0].Engine().BlockAt(h)
		require.True(t, ok)
		for _, n := range live[1:] {
			got, ok := n.Engine().BlockAt(h)
			require.True(t, ok)
			require.Equal(t, want.ID(), got.ID(), "height %d", h)
		}
	}
	for _, n := range live {
		require.Positive(t, n.Engine().MissedSlots())
	}
	// the silent validator saw nothing
	require.Equal(t, idx.Block(0), c.nodes[3].Engine().Head().Height)
}

func TestTxsReachEveryChain(t *testing.T) {
	c := newCluster(t, 4, 0, gossip.HubConfig{MaxDelay: 2 * time.Millisecond, Seed: 2})
	defer c.stop()

	ctx := context.Background()
	txs := []inter.Tx{{Payload: []byte("transfer 1"), Size: 10}, {Payload: []byte("transfer 2"), Size: 10}}
	require.Equal(t, 2, c.nodes[1].SubmitTxs(ctx, txs))

	included := func(n *Node) map[string]bool {
		found := make(map[string]bool)
		head := n.Engine().Head().Height
		for h := idx.Block(1); h <= head; h++ {
			b, ok := n.Engine().BlockAt(h)
			if !ok {
				continue
			}
			for _, tx := range b.Txs {
				found[string(tx.Payload)] = true
			}
		}
		return found
	}
	require.Eventually(t, func() bool {
		for _, n := range c.nodes {
			if got := included(n); !got["transfer 1"] || !got["transfer 2"] || n.TxPool().Len() != 0 {
				return false
			}
		}
		return true
	}, 20*time.Second, 20*time.Millisecond)
}

func TestObserverRejectsDuties(t *testing.T) {
	_, err := New(Config{Validator: 1}, nil, nil, nil, nil)
	require.Error(t, err)
}

func TestGossipedAnnounceIgnored(t *testing.T) {
	rules := fastRules()
	g := genesis.FakeGenesis(rules, 4, 0, 0, time.Now())
	st, err := g.State(rules)
	require.NoError(t, err)
	e, err := engine.New(engine.Config{Rules: rules}, st)
	require.NoError(t, err)
	n, err := New(DefaultConfig(), e, gossip.NewHub(gossip.HubConfig{}).Join("observer"), nil, nil)
	require.NoError(t, err)

	require.Equal(t, inter.ModeFast, n.Controller().Target())
	n.handle(context.Background(), gossip.NewAnnounce(&inter.ModeTransitionAnnounce{
		StartHeight: 3,
		From:        inter.ModeFast,
		Target:      inter.ModeSecure,
	}))
	require.Equal(t, inter.ModeFast, n.Controller().Target())
}
