package transport

import (
	"context"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/libp2p/go-libp2p"
	pubsub "github.com/libp2p/go-libp2p-pubsub"
	"github.com/libp2p/go-libp2p/core/crypto"
	"github.com/libp2p/go-libp2p/core/host"
	"github.com/libp2p/go-libp2p/core/network"
	"github.com/libp2p/go-libp2p/core/peer"
	"github.com/libp2p/go-libp2p/core/protocol"
	"github.com/libp2p/go-libp2p/p2p/discovery/mdns"
	"github.com/multiformats/go-multiaddr"
	"github.com/rs/zerolog"
)

const (
	// GossipTopic carries heartbeat broadcasts for the whole mesh.
	GossipTopic = "vesselmesh:heartbeat"
	// MsgProtocol carries point-to-point envelopes (fragment delivery,
	// re-encryption requests and responses).
	MsgProtocol = protocol.ID("/vesselmesh/msg/1.0.0")

	mdnsServiceTag = "vesselmesh"
	maxMessageSize = 1 << 22 // 4 MiB: model-weight reveries are delivered in one envelope
	connectTimeout = 10 * time.Second
)

// Libp2pTransport runs a libp2p host with a gossipsub heartbeat topic, a
// direct-message stream protocol, and mDNS LAN discovery.
type Libp2pTransport struct {
	host    host.Host
	topic   *pubsub.Topic
	sub     *pubsub.Subscription
	handler Handler
	log     zerolog.Logger
	cancel  context.CancelFunc
}

// NewLibp2p starts the host. bootstrap is a comma-separated multiaddr list;
// empty means mDNS-only discovery.
func NewLibp2p(priv crypto.PrivKey, listenAddr, bootstrap string, log zerolog.Logger) (*Libp2pTransport, error) {
	ctx, cancel := context.WithCancel(context.Background())

	h, err := libp2p.New(
		libp2p.ListenAddrStrings(listenAddr),
		libp2p.Identity(priv),
		libp2p.NATPortMap(),
	)
	if err != nil {
		cancel()
		return nil, fmt.Errorf("create host: %w", err)
	}

	ps, err := pubsub.NewGossipSub(ctx, h)
	if err != nil {
		cancel()
		h.Close()
		return nil, fmt.Errorf("create gossipsub: %w", err)
	}
	topic, err := ps.Join(GossipTopic)
	if err != nil {
		cancel()
		h.Close()
		return nil, fmt.Errorf("join %s: %w", GossipTopic, err)
	}
	sub, err := topic.Subscribe()
	if err != nil {
		cancel()
		h.Close()
		return nil, fmt.Errorf("subscribe %s: %w", GossipTopic, err)
	}

	t := &Libp2pTransport{
		host:   h,
		topic:  topic,
		sub:    sub,
		log:    log.With().Str("component", "transport").Logger(),
		cancel: cancel,
	}

	h.SetStreamHandler(MsgProtocol, t.handleStream)
	go t.gossipLoop(ctx)

	svc := mdns.NewMdnsService(h, mdnsServiceTag, &mdnsNotifee{h: h, log: t.log})
	if err := svc.Start(); err != nil {
		t.log.Warn().Err(err).Msg("mdns unavailable, LAN discovery disabled")
	}

	t.connectBootstrap(ctx, bootstrap)
	return t, nil
}

func (t *Libp2pTransport) Self() string { return t.host.ID().String() }

func (t *Libp2pTransport) SetHandler(h Handler) { t.handler = h }

// Addrs returns the host's listen multiaddrs, annotated with the peer ID so
// they can be handed to other nodes as bootstrap entries.
func (t *Libp2pTransport) Addrs() []string {
	out := make([]string, 0, len(t.host.Addrs()))
	for _, a := range t.host.Addrs() {
		out = append(out, fmt.Sprintf("%s/p2p/%s", a, t.host.ID()))
	}
	return out
}

func (t *Libp2pTransport) Broadcast(ctx context.Context, data []byte) error {
	return t.topic.Publish(ctx, data)
}

func (t *Libp2pTransport) Send(ctx context.Context, peerID string, data []byte) error {
	pid, err := peer.Decode(peerID)
	if err != nil {
		return fmt.Errorf("decode peer id %q: %w", peerID, err)
	}
	sctx, cancel := context.WithTimeout(ctx, connectTimeout)
	defer cancel()

	s, err := t.host.NewStream(sctx, pid, MsgProtocol)
	if err != nil {
		return fmt.Errorf("%w: %s: %v", ErrConnectionUnavailable, peerID, err)
	}
	defer s.Close()
	if _, err := s.Write(data); err != nil {
		return fmt.Errorf("%w: %s: %v", ErrConnectionUnavailable, peerID, err)
	}
	return s.CloseWrite()
}

func (t *Libp2pTransport) Close() error {
	t.cancel()
	t.sub.Cancel()
	return t.host.Close()
}

func (t *Libp2pTransport) handleStream(s network.Stream) {
	defer s.Close()
	data, err := io.ReadAll(io.LimitReader(s, maxMessageSize))
	if err != nil {
		t.log.Debug().Err(err).Msg("stream read failed")
		return
	}
	if t.handler != nil {
		t.handler(s.Conn().RemotePeer().String(), data)
	}
}

func (t *Libp2pTransport) gossipLoop(ctx context.Context) {
	for {
		msg, err := t.sub.Next(ctx)
		if err != nil {
			return // subscription cancelled
		}
		if msg.ReceivedFrom == t.host.ID() {
			continue
		}
		if t.handler != nil {
			t.handler(msg.ReceivedFrom.String(), msg.Data)
		}
	}
}

func (t *Libp2pTransport) connectBootstrap(ctx context.Context, bootstrap string) {
	if bootstrap == "" {
		return
	}
	for _, s := range strings.Split(bootstrap, ",") {
		addr, err := multiaddr.NewMultiaddr(strings.TrimSpace(s))
		if err != nil {
			t.log.Warn().Str("addr", s).Err(err).Msg("invalid bootstrap multiaddr")
			continue
		}
		info, err := peer.AddrInfoFromP2pAddr(addr)
		if err != nil {
			t.log.Warn().Str("addr", s).Err(err).Msg("bootstrap addr missing peer id")
			continue
		}
		cctx, cancel := context.WithTimeout(ctx, connectTimeout)
		if err := t.host.Connect(cctx, *info); err != nil {
			t.log.Warn().Stringer("peer", info.ID).Err(err).Msg("bootstrap connect failed")
		}
		cancel()
	}
}

type mdnsNotifee struct {
	h   host.Host
	log zerolog.Logger
}

func (m *mdnsNotifee) HandlePeerFound(pi peer.AddrInfo) {
	ctx, cancel := context.WithTimeout(context.Background(), connectTimeout)
	defer cancel()
	if err := m.h.Connect(ctx, pi); err != nil {
		m.log.Debug().Stringer("peer", pi.ID).Err(err).Msg("mdns connect failed")
	}
}
