package launcher

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"syscall"
	"time"

	"github.com/Fantom-foundation/lachesis-base/inter/idx"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/sirupsen/logrus"
	"gopkg.in/urfave/cli.v1"

	"github.com/oib/aitbc-chain/aitbc/genesis"
	"github.com/oib/aitbc-chain/consensus/engine"
	"github.com/oib/aitbc-chain/gossip/p2p"
	"github.com/oib/aitbc-chain/inter/iblockproc"
	"github.com/oib/aitbc-chain/inter/validatorpk"
	"github.com/oib/aitbc-chain/metrics"
	"github.com/oib/aitbc-chain/node"
	"github.com/oib/aitbc-chain/store"
)

func signalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
}

// openStore opens the chain database and returns the state to resume from:
// the stored head, or the genesis state of an empty database.
func openStore(cfg *Config, g *genesis.Genesis, log logrus.FieldLogger) (*store.Store, *iblockproc.State, error) {
	rules, err := g.Rules()
	if err != nil {
		return nil, nil, err
	}
	var db *store.Store
	if cfg.Runtime.InMemory {
		db, err = store.OpenInMemory(log)
	} else {
		db, err = store.OpenWithCache(filepath.Join(cfg.Node.DataDir, "chaindata"), cfg.Runtime.CacheMB, log)
	}
	if err != nil {
		return nil, nil, err
	}
	st, err := db.HeadState()
	if errors.Is(err, store.ErrNotFound) {
		st, err = g.State(rules)
	}
	if err != nil {
		db.Close()
		return nil, nil, err
	}
	return db, st, nil
}

// validatorKey loads the validator key and checks it matches the registry.
func validatorKey(cfg *Config, st *iblockproc.State, nc *node.Config) error {
	if cfg.Node.ValidatorID == 0 {
		return nil
	}
	if cfg.Node.ValidatorKey == "" {
		return fmt.Errorf("validator %d needs --validator.key", cfg.Node.ValidatorID)
	}
	key, err := crypto.LoadECDSA(cfg.Node.ValidatorKey)
	if err != nil {
		return fmt.Errorf("load validator key: %w", err)
	}
	id := idx.ValidatorID(cfg.Node.ValidatorID)
	if v, ok := st.Validator(id); ok && !v.PubKey.Equal(validatorpk.FromECDSA(&key.PublicKey)) {
		return fmt.Errorf("key does not match validator %d", id)
	}
	nc.Validator, nc.Key = id, key
	return nil
}

// startMetrics serves the registry until the returned server is closed.
func startMetrics(cfg MetricsConfig, reg *prometheus.Registry, log logrus.FieldLogger) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", metrics.Handler(reg))
	srv := &http.Server{
		Addr:              net.JoinHostPort(cfg.HTTPAddr, strconv.Itoa(cfg.HTTPPort)),
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		log.WithField("addr", srv.Addr).Info("Starting metrics server")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.WithError(err).Error("Metrics server failed")
		}
	}()
	return srv
}

func runNode(ctx *cli.Context) error {
	cfg, err := MakeAllConfigs(ctx)
	if err != nil {
		return err
	}
	log, err := setupLogging(cfg.Logging, nil)
	if err != nil {
		return err
	}
	if cfg.Node.Genesis == "" {
		return errors.New("no genesis, use --genesis")
	}
	g, err := genesis.Load(cfg.Node.Genesis)
	if err != nil {
		return err
	}
	rules, err := g.Rules()
	if err != nil {
		return err
	}
	db, st, err := openStore(&cfg, g, log)
	if err != nil {
		return err
	}
	defer db.Close()

	nc := cfg.Runtime.NodeConfig()
	if err := validatorKey(&cfg, st, &nc); err != nil {
		return err
	}
	e, err := engine.New(engine.Config{Rules: rules, Log: log, Persister: db}, st)
	if err != nil {
		return err
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(prometheus.NewGoCollector())
	m, err := metrics.New(reg)
	if err != nil {
		return err
	}
	if cfg.Metrics.Enable {
		srv := startMetrics(cfg.Metrics, reg, log)
		defer srv.Close()
	}

	pc := p2p.DefaultConfig()
	pc.Network = rules.Name
	pc.ListenAddr = cfg.listenMultiaddr()
	pc.KeyPath = cfg.nodeKeyPath()
	pc.Bootnodes = cfg.P2P.Bootnodes
	host, err := p2p.New(pc, log)
	if err != nil {
		return err
	}
	defer host.Close()

	n, err := node.New(nc, e, host, m, log.WithField("name", cfg.Node.Name))
	if err != nil {
		return err
	}
	runCtx, stop := signalContext()
	defer stop()
	log.WithFields(logrus.Fields{"network": rules.Name, "height": st.Head.Height, "validator": nc.Validator, "addrs": host.Addrs()}).Info("Starting node")
	return n.Run(runCtx)
}
