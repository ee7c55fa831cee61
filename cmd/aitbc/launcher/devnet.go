package launcher

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/Fantom-foundation/lachesis-base/inter/idx"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"
	"gopkg.in/urfave/cli.v1"

	"github.com/oib/aitbc-chain/aitbc"
	"github.com/oib/aitbc-chain/aitbc/genesis"
	"github.com/oib/aitbc-chain/consensus/engine"
	"github.com/oib/aitbc-chain/gossip"
	"github.com/oib/aitbc-chain/metrics"
	"github.com/oib/aitbc-chain/node"
	"github.com/oib/aitbc-chain/store"
)

type devnetConfig struct {
	authorities, stakers int
	stake                uint64
	duration             time.Duration
	silent               map[idx.ValidatorID]bool
}

func devnetFromFlags(ctx *cli.Context) (devnetConfig, error) {
	dc := devnetConfig{
		authorities: ctx.Int("devnet.authorities"),
		stakers:     ctx.Int("devnet.stakers"),
		stake:       ctx.Uint64("devnet.stake"),
		duration:    ctx.Duration("devnet.duration"),
		silent:      make(map[idx.ValidatorID]bool),
	}
	if dc.authorities <= 0 {
		return dc, fmt.Errorf("need at least one authority, got %d", dc.authorities)
	}
	for _, s := range ctx.StringSlice("devnet.silent") {
		id, err := strconv.ParseUint(s, 10, 32)
		if err != nil || id == 0 || int(id) > dc.authorities+dc.stakers {
			return dc, fmt.Errorf("bad silent validator %q", s)
		}
		dc.silent[idx.ValidatorID(id)] = true
	}
	return dc, nil
}

// runDevnet runs every validator of a fake genesis in this process over an
// in-memory gossip hub. Metrics, when enabled, describe validator 1.
func runDevnet(ctx *cli.Context) error {
	cfg, err := MakeAllConfigs(ctx)
	if err != nil {
		return err
	}
	log, err := setupLogging(cfg.Logging, nil)
	if err != nil {
		return err
	}
	dc, err := devnetFromFlags(ctx)
	if err != nil {
		return err
	}

	rules := aitbc.FakeNetRules()
	total := dc.authorities + dc.stakers
	g := genesis.FakeGenesis(rules, dc.authorities, dc.stakers, dc.stake, time.Now().Truncate(time.Second).Add(time.Second))
	keys := genesis.FakeKeys(total)
	hub := gossip.NewHub(gossip.HubConfig{MaxDelay: rules.Slots.NetworkDelay / 4, Seed: time.Now().UnixNano()})

	reg := prometheus.NewRegistry()
	m, err := metrics.New(reg)
	if err != nil {
		return err
	}
	if cfg.Metrics.Enable {
		srv := startMetrics(cfg.Metrics, reg, log)
		defer srv.Close()
	}

	runCtx, stop := signalContext()
	defer stop()
	if dc.duration > 0 {
		var cancel context.CancelFunc
		runCtx, cancel = context.WithTimeout(runCtx, dc.duration)
		defer cancel()
	}

	group, runCtx := errgroup.WithContext(runCtx)
	for i := 1; i <= total; i++ {
		id := idx.ValidatorID(i)
		nlog := log.WithField("name", fmt.Sprintf("node%d", i))
		db, err := store.OpenInMemory(nlog)
		if err != nil {
			return err
		}
		defer db.Close()
		st, err := g.State(rules)
		if err != nil {
			return err
		}
		e, err := engine.New(engine.Config{Rules: rules, Log: nlog, Persister: db}, st)
		if err != nil {
			return err
		}
		peer := hub.Join(fmt.Sprintf("node%d", i))
		defer peer.Close()
		peer.Silence(dc.silent[id])

		nc := cfg.Runtime.NodeConfig()
		nc.Validator, nc.Key = id, keys[id]
		var nm *metrics.Metrics
		if i == 1 {
			nm = m
		}
		n, err := node.New(nc, e, peer, nm, nlog)
		if err != nil {
			return err
		}
		group.Go(func() error { return n.Run(runCtx) })
	}
	log.WithFields(logrus.Fields{"authorities": dc.authorities, "stakers": dc.stakers, "silent": len(dc.silent)}).Info("Devnet started")
	return group.Wait()
}

// writeGenesis writes genesis.yaml and one key file per validator to dir.
func writeGenesis(ctx *cli.Context) error {
	if ctx.NArg() != 1 {
		return fmt.Errorf("usage: %s", ctx.Command.ArgsUsage)
	}
	dir := ctx.Args().First()
	dc, err := devnetFromFlags(ctx)
	if err != nil {
		return err
	}
	if err := ensureDir(dir); err != nil {
		return err
	}
	rules := aitbc.FakeNetRules()
	start := time.Now().Add(ctx.Duration("genesis.delay")).Truncate(time.Second)
	g := genesis.FakeGenesis(rules, dc.authorities, dc.stakers, dc.stake, start)
	if err := g.Save(filepath.Join(dir, "genesis.yaml")); err != nil {
		return err
	}
	for id, key := range genesis.FakeKeys(dc.authorities + dc.stakers) {
		path := filepath.Join(dir, fmt.Sprintf("validator-%d.key", id))
		if err := crypto.SaveECDSA(path, key); err != nil {
			return err
		}
	}
	fmt.Fprintf(os.Stdout, "Wrote genesis with %d validators to %s\n", dc.authorities+dc.stakers, dir)
	return nil
}
