// Package metrics exposes consensus progress as prometheus collectors.
package metrics

import (
	"errors"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/oib/aitbc-chain/inter"
)

const namespace = "aitbc"

const (
	modeLabel   = "mode"
	reasonLabel = "reason"
	fromLabel   = "from"
	toLabel     = "to"
	kindLabel   = "kind"
)

// Metrics holds the node collectors. A nil *Metrics records nothing.
type Metrics struct {
	height      prometheus.Gauge
	slot        prometheus.Gauge
	mode        prometheus.Gauge
	peers       prometheus.Gauge
	committed   *prometheus.CounterVec
	missed      prometheus.Counter
	reorgs      prometheus.Counter
	slashes     *prometheus.CounterVec
	slashed     prometheus.Counter
	rewards     prometheus.Counter
	transitions *prometheus.CounterVec
	gossip      *prometheus.CounterVec
	validation  prometheus.Histogram
}

// New creates the collectors and registers them with registerer.
func New(registerer prometheus.Registerer) (*Metrics, error) {
	m := &Metrics{
		height: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "head_height",
			Help:      "Height of the canonical head block",
		}),
		slot: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "current_slot",
			Help:      "Slot the node is working on",
		}),
		mode: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "mode",
			Help:      "Mode tag of the head block: 1 fast, 2 balanced, 3 secure",
		}),
		peers: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "peers",
			Help:      "Number of connected gossip peers",
		}),
		committed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "blocks_committed_total",
			Help:      "Blocks that became canonical, by mode tag",
		}, []string{modeLabel}),
		missed: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "slots_missed_total",
			Help:      "Slots that ended without a committed block",
		}),
		reorgs: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "reorgs_total",
			Help:      "Switches to a longer branch",
		}),
		slashes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "slashes_total",
			Help:      "Applied slashing events, by offence",
		}, []string{reasonLabel}),
		slashed: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "slashed_stake_total",
			Help:      "Stake removed by slashing",
		}),
		rewards: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "rewards_total",
			Help:      "Rewards credited to validators",
		}),
		transitions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "mode_transitions_total",
			Help:      "Announced mode transitions",
		}, []string{fromLabel, toLabel}),
		gossip: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "gossip_messages_total",
			Help:      "Gossip messages received, by kind",
		}, []string{kindLabel}),
		validation: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "block_validation_seconds",
			Help:      "Time spent validating a received block",
			Buckets:   prometheus.ExponentialBuckets(0.0005, 2, 12),
		}),
	}
	err := errors.Join(
		registerer.Register(m.height),
		registerer.Register(m.slot),
		registerer.Register(m.mode),
		registerer.Register(m.peers),
		registerer.Register(m.committed),
		registerer.Register(m.missed),
		registerer.Register(m.reorgs),
		registerer.Register(m.slashes),
		registerer.Register(m.slashed),
		registerer.Register(m.rewards),
		registerer.Register(m.transitions),
		registerer.Register(m.gossip),
		registerer.Register(m.validation),
	)
	if err != nil {
		return nil, err
	}
	return m, nil
}

// Committed records a block that became canonical.
func (m *Metrics) Committed(ev inter.Committed) {
	if m == nil {
		return
	}
	m.height.Set(float64(ev.Height))
	m.mode.Set(float64(ev.Mode))
	m.committed.WithLabelValues(ev.Mode.String()).Inc()
	for _, r := range ev.Rewards {
		m.rewards.Add(float64(r.Amount))
	}
	for _, s := range ev.Slashes {
		m.slashes.WithLabelValues(s.Reason.String()).Inc()
		m.slashed.Add(float64(s.Amount))
	}
	if a := ev.Block.Announce; a != nil {
		m.transitions.WithLabelValues(a.From.String(), a.Target.String()).Inc()
	}
}

// Reorg records a switch to a longer branch.
func (m *Metrics) Reorg() {
	if m == nil {
		return
	}
	m.reorgs.Inc()
}

func (m *Metrics) Slot(s inter.Slot) {
	if m == nil {
		return
	}
	m.slot.Set(float64(s))
}

func (m *Metrics) SlotMissed() {
	if m == nil {
		return
	}
	m.missed.Inc()
}

func (m *Metrics) Peers(n int) {
	if m == nil {
		return
	}
	m.peers.Set(float64(n))
}

func (m *Metrics) Gossip(kind string) {
	if m == nil {
		return
	}
	m.gossip.WithLabelValues(kind).Inc()
}

func (m *Metrics) Validation(d time.Duration) {
	if m == nil {
		return
	}
	m.validation.Observe(d.Seconds())
}

// Handler serves the collectors of gatherer in the text exposition format.
func Handler(gatherer prometheus.Gatherer) http.Handler {
	return promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{})
}
