// Package p2p runs the gossip network over libp2p gossipsub, one topic per
// message kind.
package p2p

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"encoding/binary"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/golang/snappy"
	"github.com/libp2p/go-libp2p"
	pubsub "github.com/libp2p/go-libp2p-pubsub"
	pb "github.com/libp2p/go-libp2p-pubsub/pb"
	"github.com/libp2p/go-libp2p/core/crypto"
	"github.com/libp2p/go-libp2p/core/host"
	"github.com/libp2p/go-libp2p/core/peer"
	"github.com/multiformats/go-multiaddr"
	"github.com/sirupsen/logrus"

	"github.com/oib/aitbc-chain/gossip"
)

// TopicFmt is formatted with the network name and the message kind.
const TopicFmt = "/aitbc/%s/%s/cser_snappy"

// Config configures a Host.
type Config struct {
	// Network names the chain; it is part of every topic.
	Network    string
	ListenAddr string
	// KeyPath holds the node identity. An empty path uses a fresh identity,
	// a missing file is created.
	KeyPath   string
	Bootnodes []string
	// QueueSize is the capacity of the inbound message channel.
	QueueSize int
}

func DefaultConfig() Config {
	return Config{
		ListenAddr: "/ip4/0.0.0.0/tcp/5050",
		QueueSize:  4096,
	}
}

// Host is a libp2p node publishing and receiving gossip messages. It
// implements gossip.Network.
type Host struct {
	log    logrus.FieldLogger
	p2p    host.Host
	ps     *pubsub.PubSub
	topics map[gossip.Kind]*pubsub.Topic
	subs   []*pubsub.Subscription
	out    chan *gossip.Message

	cancel context.CancelFunc
	wg     sync.WaitGroup
	once   sync.Once
}

var _ gossip.Network = (*Host)(nil)

// New starts a host, joins every topic and dials the bootnodes.
func New(cfg Config, log logrus.FieldLogger) (*Host, error) {
	if log == nil {
		log = logrus.StandardLogger()
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = DefaultConfig().QueueSize
	}
	priv, err := loadOrGenerateKey(cfg.KeyPath)
	if err != nil {
		return nil, fmt.Errorf("load key: %w", err)
	}
	addr, err := multiaddr.NewMultiaddr(cfg.ListenAddr)
	if err != nil {
		return nil, fmt.Errorf("parse listen addr: %w", err)
	}
	h, err := libp2p.New(libp2p.Identity(priv), libp2p.ListenAddrs(addr))
	if err != nil {
		return nil, fmt.Errorf("new host: %w", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	ps, err := newGossipSub(ctx, h)
	if err != nil {
		cancel()
		h.Close()
		return nil, fmt.Errorf("gossipsub: %w", err)
	}
	n := &Host{
		log:    log.WithFields(logrus.Fields{"module": "p2p", "peer": h.ID().String()}),
		p2p:    h,
		ps:     ps,
		topics: make(map[gossip.Kind]*pubsub.Topic),
		out:    make(chan *gossip.Message, cfg.QueueSize),
		cancel: cancel,
	}
	for _, kind := range gossip.Kinds {
		topic, err := ps.Join(fmt.Sprintf(TopicFmt, cfg.Network, kind))
		if err != nil {
			n.Close()
			return nil, fmt.Errorf("join %s topic: %w", kind, err)
		}
		sub, err := topic.Subscribe()
		if err != nil {
			n.Close()
			return nil, fmt.Errorf("subscribe %s topic: %w", kind, err)
		}
		n.topics[kind] = topic
		n.subs = append(n.subs, sub)
	}
	for i, sub := range n.subs {
		n.wg.Add(1)
		go n.read(ctx, gossip.Kinds[i], sub)
	}
	n.Connect(ctx, cfg.Bootnodes)
	return n, nil
}

func newGossipSub(ctx context.Context, h host.Host) (*pubsub.PubSub, error) {
	params := pubsub.DefaultGossipSubParams()
	params.HeartbeatInterval = 500 * time.Millisecond
	params.HistoryLength = 6
	params.HistoryGossip = 3
	return pubsub.NewGossipSub(ctx, h,
		pubsub.WithMessageSignaturePolicy(pubsub.StrictNoSign),
		pubsub.WithGossipSubParams(params),
		pubsub.WithSeenMessagesTTL(2*time.Minute),
		pubsub.WithMessageIdFn(ComputeMessageID),
	)
}

// Message ID domains, so that payloads failing snappy decoding cannot
// collide with valid ones.
var (
	domainInvalidSnappy = [4]byte{0x00, 0x00, 0x00, 0x00}
	domainValidSnappy   = [4]byte{0x01, 0x00, 0x00, 0x00}
)

// ComputeMessageID is SHA256(domain | uint64_le(len(topic)) | topic |
// data)[:20], where data is the snappy decoded payload when it decodes.
func ComputeMessageID(m *pb.Message) string {
	domain, data := domainInvalidSnappy, m.Data
	if decoded, err := snappy.Decode(nil, m.Data); err == nil {
		domain, data = domainValidSnappy, decoded
	}
	topic := m.GetTopic()
	var topicLen [8]byte
	binary.LittleEndian.PutUint64(topicLen[:], uint64(len(topic)))

	h := sha256.New()
	h.Write(domain[:])
	h.Write(topicLen[:])
	h.Write([]byte(topic))
	h.Write(data)
	return string(h.Sum(nil)[:20])
}

func (n *Host) read(ctx context.Context, kind gossip.Kind, sub *pubsub.Subscription) {
	defer n.wg.Done()
	for {
		msg, err := sub.Next(ctx)
		if err != nil {
			return
		}
		if msg.ReceivedFrom == n.p2p.ID() {
			continue
		}
		m, err := gossip.Decode(msg.Data)
		if err != nil || m.Kind != kind {
			n.log.WithError(err).WithField("from", msg.ReceivedFrom).Debug("Dropped gossip message")
			continue
		}
		m.From = msg.ReceivedFrom.String()
		select {
		case n.out <- m:
		case <-ctx.Done():
			return
		default:
			n.log.WithField("kind", kind).Warn("Inbound gossip queue full, message dropped")
		}
	}
}

// Publish broadcasts m on its kind's topic.
func (n *Host) Publish(ctx context.Context, m *gossip.Message) error {
	topic, ok := n.topics[m.Kind]
	if !ok {
		return fmt.Errorf("%w: %d", gossip.ErrUnknownKind, uint8(m.Kind))
	}
	data, err := gossip.Encode(m)
	if err != nil {
		return err
	}
	return topic.Publish(ctx, data)
}

func (n *Host) Messages() <-chan *gossip.Message {
	return n.out
}

// ID returns the libp2p peer ID.
func (n *Host) ID() peer.ID {
	return n.p2p.ID()
}

// Addrs returns the dialable addresses of the host, with its peer ID.
func (n *Host) Addrs() []string {
	addrs, err := peer.AddrInfoToP2pAddrs(&peer.AddrInfo{ID: n.p2p.ID(), Addrs: n.p2p.Addrs()})
	if err != nil {
		return nil
	}
	res := make([]string, 0, len(addrs))
	for _, a := range addrs {
		res = append(res, a.String())
	}
	return res
}

// Peers counts connected peers.
func (n *Host) Peers() int {
	return len(n.p2p.Network().Peers())
}

// Connect dials every address. Bad or unreachable addresses are logged and
// skipped.
func (n *Host) Connect(ctx context.Context, addrs []string) {
	for _, addr := range addrs {
		ma, err := multiaddr.NewMultiaddr(addr)
		if err != nil {
			n.log.WithError(err).WithField("addr", addr).Warn("Invalid bootnode address")
			continue
		}
		pi, err := peer.AddrInfoFromP2pAddr(ma)
		if err != nil {
			n.log.WithError(err).WithField("addr", addr).Warn("Invalid bootnode peer info")
			continue
		}
		if pi.ID == n.p2p.ID() {
			continue
		}
		if err := n.p2p.Connect(ctx, *pi); err != nil {
			n.log.WithError(err).WithField("peer", pi.ID).Warn("Failed to connect to bootnode")
			continue
		}
		n.log.WithField("peer", pi.ID).Info("Connected to bootnode")
	}
}

// Close leaves every topic and shuts the host down.
func (n *Host) Close() error {
	var err error
	n.once.Do(func() {
		n.cancel()
		for _, sub := range n.subs {
			sub.Cancel()
		}
		n.wg.Wait()
		for _, t := range n.topics {
			t.Close()
		}
		err = n.p2p.Close()
		close(n.out)
	})
	return err
}

func loadOrGenerateKey(path string) (crypto.PrivKey, error) {
	if path == "" {
		priv, _, err := crypto.GenerateSecp256k1Key(rand.Reader)
		return priv, err
	}
	if data, err := os.ReadFile(path); err == nil {
		return crypto.UnmarshalPrivateKey(data)
	}
	priv, _, err := crypto.GenerateSecp256k1Key(rand.Reader)
	if err != nil {
		return nil, err
	}
	raw, err := crypto.MarshalPrivateKey(priv)
	if err != nil {
		return nil, err
	}
	if err := os.WriteFile(path, raw, 0600); err != nil {
		return nil, fmt.Errorf("save key: %w", err)
	}
	return priv, nil
}
