package p2p

import (
	"bufio"
	"context"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"
	"time"

	"github.com/libp2p/go-libp2p"
	dht "github.com/libp2p/go-libp2p-kad-dht"
	pubsub "github.com/libp2p/go-libp2p-pubsub"
	"github.com/libp2p/go-libp2p/core/host"
	"github.com/libp2p/go-libp2p/core/network"
	"github.com/libp2p/go-libp2p/core/peer"
	"github.com/libp2p/go-libp2p/core/protocol"
	"github.com/libp2p/go-libp2p/p2p/discovery/mdns"
	"github.com/multiformats/go-multiaddr"
	"go.uber.org/zap"

	"github.com/3FT-io/plategen/pkg/cache"
	"github.com/3FT-io/plategen/pkg/config"
	"github.com/3FT-io/plategen/pkg/plate"
)

const (
	ProtocolID         = "/plategen/1.0.0"
	ArtifactProtocolID = "/plategen/artifacts/1.0.0"
	DiscoveryNamespace = "plategen-network"
	PubsubTopic        = "plategen-artifacts"
	ConnectionTimeout  = 10 * time.Second
	StreamTimeout      = 30 * time.Second

	// maxFingerprintLength bounds an artifact request line.
	maxFingerprintLength = 128
)

// Artifact stream response status.
const (
	statusOK byte = iota
	statusNotFound
	statusError
)

// Network announces cached fingerprints to peers and serves artifact sets
// from the local cache over ArtifactProtocolID.
type Network struct {
	cfg    *config.Config
	local  cache.Cache
	logger *zap.Logger

	host         host.Host
	dht          *dht.IpfsDHT
	pubsub       *pubsub.PubSub
	topic        *pubsub.Topic
	subscription *pubsub.Subscription
	mdns         mdns.Service

	peers   map[peer.ID]peer.AddrInfo
	holders map[string]map[peer.ID]struct{}
	mu      sync.RWMutex
}

// NewNetwork creates a stopped network serving entries from local.
func NewNetwork(cfg *config.Config, local cache.Cache, logger *zap.Logger) (*Network, error) {
	if local == nil {
		return nil, errors.New("p2p: local cache is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Network{
		cfg:     cfg,
		local:   local,
		logger:  logger,
		peers:   make(map[peer.ID]peer.AddrInfo),
		holders: make(map[string]map[peer.ID]struct{}),
	}, nil
}

func (n *Network) Start(ctx context.Context) error {
	// Create libp2p host
	h, err := n.createHost()
	if err != nil {
		return fmt.Errorf("failed to create host: %w", err)
	}
	n.host = h
	n.host.SetStreamHandler(protocol.ID(ArtifactProtocolID), n.handleArtifactStream)

	// Initialize DHT
	if err := n.initDHT(ctx); err != nil {
		return fmt.Errorf("failed to initialize DHT: %w", err)
	}

	// Initialize PubSub
	if err := n.initPubSub(ctx); err != nil {
		return fmt.Errorf("failed to initialize PubSub: %w", err)
	}

	if n.cfg.MDNSEnabled {
		if err := n.initMDNS(); err != nil {
			return fmt.Errorf("failed to initialize mDNS: %w", err)
		}
	}

	if err := n.connectToBootstrapPeers(ctx); err != nil {
		return fmt.Errorf("failed to connect to bootstrap peers: %w", err)
	}

	go n.handleMessages(ctx, n.subscription, n.host.ID())

	n.logger.Info("P2P network started",
		zap.String("peer_id", n.host.ID().String()),
		zap.Any("addrs", n.host.Addrs()))
	return nil
}

func (n *Network) createHost() (host.Host, error) {
	addr, err := multiaddr.NewMultiaddr(fmt.Sprintf("/ip4/%s/tcp/%d", n.cfg.ListenAddress, n.cfg.Port))
	if err != nil {
		return nil, err
	}

	opts := []libp2p.Option{
		libp2p.ListenAddrs(addr),
		libp2p.EnableNATService(),
	}

	// Only enable auto relay if we have bootstrap peers configured
	if len(n.cfg.BootstrapPeers) > 0 {
		opts = append(opts, libp2p.EnableAutoRelay())
	}

	return libp2p.New(opts...)
}

func (n *Network) initDHT(ctx context.Context) error {
	var err error
	n.dht, err = dht.New(ctx, n.host,
		dht.Mode(dht.ModeServer),
		dht.ProtocolPrefix(protocol.ID(ProtocolID)),
	)
	if err != nil {
		return err
	}

	return n.dht.Bootstrap(ctx)
}

func (n *Network) initPubSub(ctx context.Context) error {
	var err error
	n.pubsub, err = pubsub.NewGossipSub(ctx, n.host)
	if err != nil {
		return err
	}

	n.topic, err = n.pubsub.Join(PubsubTopic)
	if err != nil {
		return err
	}

	n.subscription, err = n.topic.Subscribe()
	return err
}

func (n *Network) initMDNS() error {
	n.mdns = mdns.NewMdnsService(n.host, DiscoveryNamespace, n)
	return n.mdns.Start()
}

// HandlePeerFound implements the mdns.Notifee interface
func (n *Network) HandlePeerFound(pi peer.AddrInfo) {
	if pi.ID == n.host.ID() {
		return
	}
	if err := n.connectToPeer(context.Background(), pi); err != nil {
		n.logger.Debug("Failed to connect to discovered peer", zap.String("peer_id", pi.ID.String()), zap.Error(err))
	}
}

func (n *Network) connectToBootstrapPeers(ctx context.Context) error {
	for _, addr := range n.cfg.BootstrapPeers {
		maddr, err := multiaddr.NewMultiaddr(addr)
		if err != nil {
			n.logger.Warn("Invalid bootstrap address", zap.String("addr", addr), zap.Error(err))
			continue
		}

		peerInfo, err := peer.AddrInfoFromP2pAddr(maddr)
		if err != nil {
			n.logger.Warn("Invalid bootstrap peer", zap.String("addr", addr), zap.Error(err))
			continue
		}

		if err := n.connectToPeerWithBackoff(ctx, *peerInfo); err != nil {
			n.logger.Warn("Failed to reach bootstrap peer", zap.String("addr", addr), zap.Error(err))
		}
	}
	return nil
}

func (n *Network) connectToPeer(ctx context.Context, peerInfo peer.AddrInfo) error {
	ctx, cancel := context.WithTimeout(ctx, ConnectionTimeout)
	defer cancel()

	if err := n.host.Connect(ctx, peerInfo); err != nil {
		return err
	}

	n.mu.Lock()
	n.peers[peerInfo.ID] = peerInfo
	n.mu.Unlock()

	return nil
}

func (n *Network) connectToPeerWithBackoff(ctx context.Context, peerInfo peer.AddrInfo) error {
	backoff := time.Second
	maxBackoff := time.Minute

	for {
		err := n.connectToPeer(ctx, peerInfo)
		if err == nil {
			return nil
		}
		if backoff > maxBackoff {
			return fmt.Errorf("max backoff reached: %w", err)
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(backoff):
		}
		backoff *= 2
	}
}

// MessageType tags a gossip message.
type MessageType int

const (
	MessageTypeArtifactAnnouncement MessageType = iota
)

type Message struct {
	Type        MessageType `json:"type"`
	Fingerprint string      `json:"fingerprint"`
}

func (n *Network) handleMessages(ctx context.Context, sub *pubsub.Subscription, self peer.ID) {
	for {
		msg, err := sub.Next(ctx)
		if err != nil {
			// subscription cancelled or context done
			if ctx.Err() != nil || errors.Is(err, pubsub.ErrSubscriptionCancelled) {
				return
			}
			continue
		}

		// Skip messages from ourselves
		if msg.GetFrom() == self {
			continue
		}

		n.processMessage(msg)
	}
}

func (n *Network) processMessage(msg *pubsub.Message) {
	var m Message
	if err := json.Unmarshal(msg.Data, &m); err != nil {
		n.logger.Debug("Dropping malformed message", zap.String("peer_id", msg.GetFrom().String()), zap.Error(err))
		return
	}

	switch m.Type {
	case MessageTypeArtifactAnnouncement:
		if !plate.ValidFingerprint(m.Fingerprint) {
			n.logger.Debug("Dropping announcement with invalid fingerprint", zap.String("peer_id", msg.GetFrom().String()))
			return
		}
		n.RecordHolder(m.Fingerprint, msg.GetFrom())
	}
}

// Announce tells peers that the local cache holds fingerprint.
func (n *Network) Announce(ctx context.Context, fingerprint string) error {
	data, err := json.Marshal(Message{Type: MessageTypeArtifactAnnouncement, Fingerprint: fingerprint})
	if err != nil {
		return err
	}
	return n.topic.Publish(ctx, data)
}

// RecordHolder remembers that id announced fingerprint.
func (n *Network) RecordHolder(fingerprint string, id peer.ID) {
	n.mu.Lock()
	defer n.mu.Unlock()

	holders, ok := n.holders[fingerprint]
	if !ok {
		holders = make(map[peer.ID]struct{})
		n.holders[fingerprint] = holders
	}
	holders[id] = struct{}{}
}

// ForgetHolder drops id after it failed to serve fingerprint.
func (n *Network) ForgetHolder(fingerprint string, id peer.ID) {
	n.mu.Lock()
	defer n.mu.Unlock()

	holders := n.holders[fingerprint]
	delete(holders, id)
	if len(holders) == 0 {
		delete(n.holders, fingerprint)
	}
}

// Holders returns the peers known to hold fingerprint.
func (n *Network) Holders(fingerprint string) []peer.ID {
	n.mu.RLock()
	defer n.mu.RUnlock()

	ids := make([]peer.ID, 0, len(n.holders[fingerprint]))
	for id := range n.holders[fingerprint] {
		ids = append(ids, id)
	}
	return ids
}

// handleArtifactStream answers one request: a fingerprint terminated by a
// newline. The reply is a status byte followed, on success, by the STEP and
// glTF payloads, each prefixed with a big-endian uint32 length.
func (n *Network) handleArtifactStream(s network.Stream) {
	defer s.Close()
	_ = s.SetDeadline(time.Now().Add(StreamTimeout))

	line, err := bufio.NewReader(io.LimitReader(s, maxFingerprintLength+1)).ReadString('\n')
	if err != nil {
		s.Reset()
		return
	}
	fingerprint := strings.TrimSpace(line)
	if !plate.ValidFingerprint(fingerprint) {
		_, _ = s.Write([]byte{statusNotFound})
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), StreamTimeout)
	defer cancel()

	set, err := n.local.Get(ctx, fingerprint)
	switch {
	case cache.IsNotFound(err):
		_, _ = s.Write([]byte{statusNotFound})
		return
	case err != nil:
		n.logger.Warn("Failed to serve artifacts to peer",
			zap.String("fingerprint", fingerprint),
			zap.String("peer_id", s.Conn().RemotePeer().String()),
			zap.Error(err))
		_, _ = s.Write([]byte{statusError})
		return
	}

	w := bufio.NewWriter(s)
	_ = w.WriteByte(statusOK)
	for _, kind := range cache.ArtifactKinds() {
		if err := writeFrame(w, set.Bytes(kind)); err != nil {
			s.Reset()
			return
		}
	}
	if err := w.Flush(); err != nil {
		s.Reset()
	}
}

// FetchArtifacts asks id for the artifact set of fingerprint. A peer that
// no longer has it yields cache.ErrNotFound.
func (n *Network) FetchArtifacts(ctx context.Context, id peer.ID, fingerprint string) (cache.ArtifactSet, error) {
	ctx, cancel := context.WithTimeout(ctx, StreamTimeout)
	defer cancel()

	s, err := n.host.NewStream(ctx, id, protocol.ID(ArtifactProtocolID))
	if err != nil {
		return cache.ArtifactSet{}, fmt.Errorf("p2p: open stream: %w", err)
	}
	defer s.Close()
	if deadline, ok := ctx.Deadline(); ok {
		_ = s.SetDeadline(deadline)
	}

	if _, err := s.Write([]byte(fingerprint + "\n")); err != nil {
		s.Reset()
		return cache.ArtifactSet{}, fmt.Errorf("p2p: send request: %w", err)
	}
	if err := s.CloseWrite(); err != nil {
		s.Reset()
		return cache.ArtifactSet{}, fmt.Errorf("p2p: send request: %w", err)
	}

	r := bufio.NewReader(s)
	status, err := r.ReadByte()
	if err != nil {
		s.Reset()
		return cache.ArtifactSet{}, fmt.Errorf("p2p: read status: %w", err)
	}
	switch status {
	case statusOK:
	case statusNotFound:
		return cache.ArtifactSet{}, cache.ErrNotFound
	default:
		return cache.ArtifactSet{}, fmt.Errorf("p2p: peer %s failed to read %s", id, fingerprint)
	}

	var set cache.ArtifactSet
	if set.Step, err = readFrame(r, n.cfg.MaxArtifactSize); err != nil {
		s.Reset()
		return cache.ArtifactSet{}, fmt.Errorf("p2p: read step: %w", err)
	}
	if set.GLTF, err = readFrame(r, n.cfg.MaxArtifactSize); err != nil {
		s.Reset()
		return cache.ArtifactSet{}, fmt.Errorf("p2p: read gltf: %w", err)
	}
	return set, nil
}

func writeFrame(w io.Writer, data []byte) error {
	var size [4]byte
	binary.BigEndian.PutUint32(size[:], uint32(len(data)))
	if _, err := w.Write(size[:]); err != nil {
		return err
	}
	_, err := w.Write(data)
	return err
}

func readFrame(r io.Reader, limit int64) ([]byte, error) {
	var size [4]byte
	if _, err := io.ReadFull(r, size[:]); err != nil {
		return nil, err
	}
	n := int64(binary.BigEndian.Uint32(size[:]))
	if limit > 0 && n > limit {
		return nil, fmt.Errorf("artifact of %d bytes exceeds limit of %d", n, limit)
	}
	data := make([]byte, n)
	if _, err := io.ReadFull(r, data); err != nil {
		return nil, err
	}
	return data, nil
}

func (n *Network) GetPeers() []peer.ID {
	n.mu.RLock()
	defer n.mu.RUnlock()

	peers := make([]peer.ID, 0, len(n.peers))
	for id := range n.peers {
		peers = append(peers, id)
	}
	return peers
}

func (n *Network) GetHost() host.Host {
	return n.host
}

// ConnectToPeer exports the peer connection functionality
func (n *Network) ConnectToPeer(ctx context.Context, peerInfo peer.AddrInfo) error {
	return n.connectToPeer(ctx, peerInfo)
}

func (n *Network) Stop() error {
	if n.mdns != nil {
		_ = n.mdns.Close()
		n.mdns = nil
	}

	if n.subscription != nil {
		n.subscription.Cancel()
		n.subscription = nil
	}

	if n.topic != nil {
		_ = n.topic.Close()
		n.topic = nil
	}

	if n.dht != nil {
		if err := n.dht.Close(); err != nil {
			return err
		}
		n.dht = nil
	}

	if n.host != nil {
		err := n.host.Close()
		n.host = nil
		return err
	}

	return nil
}
