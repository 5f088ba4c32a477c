// Package vnetwork implements the validator network transport (A5): a
// libp2p host running GossipSub over one topic per validator message kind,
// adapted from the teacher's general-purpose tx/block gossip node to the
// validator core's own message set (fork proofs, view-change and PBFT
// contributions, macro proposals, micro blocks, and validator-info
// announcements).
package vnetwork

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/Klingon-tech/klingnet-chain/internal/aggregator"
	klog "github.com/Klingon-tech/klingnet-chain/internal/log"
	"github.com/Klingon-tech/klingnet-chain/pkg/albatross"
	"github.com/Klingon-tech/klingnet-chain/pkg/crypto"
	"github.com/libp2p/go-libp2p"
	dht "github.com/libp2p/go-libp2p-kad-dht"
	pubsub "github.com/libp2p/go-libp2p-pubsub"
	libp2pcrypto "github.com/libp2p/go-libp2p/core/crypto"
	"github.com/libp2p/go-libp2p/core/host"
	"github.com/libp2p/go-libp2p/core/peer"
	"github.com/libp2p/go-libp2p/p2p/discovery/mdns"
	drouting "github.com/libp2p/go-libp2p/p2p/discovery/routing"
	dutil "github.com/libp2p/go-libp2p/p2p/discovery/util"
)

const (
	dhtRendezvousFallback = "klingnet-validator"
	dhtDiscoveryInterval  = 30 * time.Second
)

// Config holds validator network configuration.
type Config struct {
	ListenAddr string
	Port       int
	Seeds      []string
	NoDiscover bool
	DHTServer  bool
	NetworkID  string
	DataDir    string // persists the node's libp2p identity across restarts
}

// Network is a libp2p GossipSub transport dedicated to validator traffic.
type Network struct {
	config Config
	ctx    context.Context
	cancel context.CancelFunc

	host   host.Host
	pubsub *pubsub.PubSub
	dht    *dht.IpfsDHT

	topics map[string]*pubsub.Topic
	subs   map[string]*pubsub.Subscription

	mu                   sync.RWMutex
	microBlockHandler    func(peer.ID, *albatross.MicroBlock)
	macroProposalHandler func(peer.ID, *albatross.SignedPbftProposal)
	forkProofHandler     func(peer.ID, *albatross.ForkProof)
	viewChangeHandler    func(peer.ID, blockNumber uint32, c aggregator.Contribution)
	pbftPrepareHandler   func(peer.ID, blockHash [32]byte, c aggregator.Contribution)
	pbftCommitHandler    func(peer.ID, blockHash [32]byte, c aggregator.Contribution)
	validatorInfoHandler func(peer.ID, *albatross.ValidatorInfo)
}

// New constructs a Network in the stopped state; call Start to bring up the
// libp2p host and join topics.
func New(cfg Config) *Network {
	ctx, cancel := context.WithCancel(context.Background())
	return &Network{
		config: cfg,
		ctx:    ctx,
		cancel: cancel,
		topics: make(map[string]*pubsub.Topic),
		subs:   make(map[string]*pubsub.Subscription),
	}
}

func (n *Network) rendezvous() string {
	if n.config.NetworkID != "" {
		return "klingnet-validator/" + n.config.NetworkID
	}
	return dhtRendezvousFallback
}

// Start brings up the libp2p host, joins every validator topic, and begins
// peer discovery.
func (n *Network) Start() error {
	addr := fmt.Sprintf("/ip4/%s/tcp/%d", n.config.ListenAddr, n.config.Port)
	opts := []libp2p.Option{libp2p.ListenAddrStrings(addr)}

	if n.config.DataDir != "" {
		priv, err := loadOrCreateIdentity(n.config.DataDir)
		if err != nil {
			return fmt.Errorf("vnetwork: load identity: %w", err)
		}
		opts = append(opts, libp2p.Identity(priv))
	}

	h, err := libp2p.New(opts...)
	if err != nil {
		return fmt.Errorf("vnetwork: create libp2p host: %w", err)
	}
	n.host = h

	if !n.config.NoDiscover {
		if err := n.initDHT(); err != nil {
			h.Close()
			return fmt.Errorf("vnetwork: init dht: %w", err)
		}
	}

	ps, err := pubsub.NewGossipSub(n.ctx, h)
	if err != nil {
		n.closeDHT()
		h.Close()
		return fmt.Errorf("vnetwork: create pubsub: %w", err)
	}
	n.pubsub = ps

	if err := n.joinAll(); err != nil {
		n.closeDHT()
		h.Close()
		return err
	}

	n.connectSeeds()
	if !n.config.NoDiscover {
		n.startMDNS()
		go n.runDHTDiscovery()
	}

	klog.WithComponent("vnetwork").Info().Str("peer_id", h.ID().String()).Msg("Validator network started")
	return nil
}

// Stop cancels all subscriptions and closes the host.
func (n *Network) Stop() error {
	n.cancel()
	for _, sub := range n.subs {
		sub.Cancel()
	}
	n.closeDHT()
	if n.host != nil {
		return n.host.Close()
	}
	return nil
}

// ID returns this network's libp2p peer ID, used to fill in the PeerAddress
// of a gossiped ValidatorInfo.
func (n *Network) ID() peer.ID {
	if n.host == nil {
		return ""
	}
	return n.host.ID()
}

// PeerCount returns the number of peers currently connected to this host.
func (n *Network) PeerCount() int {
	if n.host == nil {
		return 0
	}
	return len(n.host.Network().Peers())
}

// Addrs returns this node's dialable multiaddresses.
func (n *Network) Addrs() []string {
	if n.host == nil {
		return nil
	}
	var out []string
	for _, a := range n.host.Addrs() {
		out = append(out, fmt.Sprintf("%s/p2p/%s", a, n.host.ID()))
	}
	return out
}

func (n *Network) joinAll() error {
	names := []string{
		TopicMicroBlocks, TopicMacroProposals, TopicForkProofs,
		TopicViewChange, TopicPbftPrepare, TopicPbftCommit, TopicValidatorInfo,
	}
	for _, name := range names {
		topic, err := n.pubsub.Join(name)
		if err != nil {
			return fmt.Errorf("vnetwork: join topic %s: %w", name, err)
		}
		sub, err := topic.Subscribe()
		if err != nil {
			return fmt.Errorf("vnetwork: subscribe %s: %w", name, err)
		}
		n.topics[name] = topic
		n.subs[name] = sub
		go n.readLoop(name, sub)
	}
	return nil
}

func (n *Network) readLoop(topic string, sub *pubsub.Subscription) {
	for {
		msg, err := sub.Next(n.ctx)
		if err != nil {
			return // context cancelled
		}
		if msg.ReceivedFrom == n.host.ID() {
			continue // skip our own publications
		}
		n.dispatch(topic, msg.ReceivedFrom, msg.Data)
	}
}

func (n *Network) dispatch(topic string, from peer.ID, data []byte) {
	logger := klog.WithComponent("vnetwork")
	defer func() {
		if r := recover(); r != nil {
			logger.Warn().Str("topic", topic).Interface("panic", r).Msg("Recovered from gossip handler panic")
		}
	}()

	switch topic {
	case TopicMicroBlocks:
		var block albatross.MicroBlock
		if err := json.Unmarshal(data, &block); err != nil {
			return
		}
		if h := n.getMicroBlockHandler(); h != nil {
			h(from, &block)
		}
	case TopicMacroProposals:
		var proposal albatross.SignedPbftProposal
		if err := json.Unmarshal(data, &proposal); err != nil {
			return
		}
		if h := n.getMacroProposalHandler(); h != nil {
			h(from, &proposal)
		}
	case TopicForkProofs:
		var fp albatross.ForkProof
		if err := json.Unmarshal(data, &fp); err != nil {
			return
		}
		if h := n.getForkProofHandler(); h != nil {
			h(from, &fp)
		}
	case TopicViewChange:
		var w viewChangeWire
		if err := json.Unmarshal(data, &w); err != nil {
			return
		}
		c, err := w.Contribution.decode()
		if err != nil {
			return
		}
		if h := n.getViewChangeHandler(); h != nil {
			h(from, w.BlockNumber, c)
		}
	case TopicPbftPrepare:
		var w pbftContributionWire
		if err := json.Unmarshal(data, &w); err != nil {
			return
		}
		c, err := w.Contribution.decode()
		if err != nil {
			return
		}
		if h := n.getPbftPrepareHandler(); h != nil {
			h(from, w.BlockHash, c)
		}
	case TopicPbftCommit:
		var w pbftContributionWire
		if err := json.Unmarshal(data, &w); err != nil {
			return
		}
		c, err := w.Contribution.decode()
		if err != nil {
			return
		}
		if h := n.getPbftCommitHandler(); h != nil {
			h(from, w.BlockHash, c)
		}
	case TopicValidatorInfo:
		var w validatorInfoWire
		if err := json.Unmarshal(data, &w); err != nil {
			return
		}
		pk, err := crypto.BLSPublicKeyFromBytes(w.Info.PublicKey)
		if err != nil {
			return
		}
		sig, err := crypto.BLSSignatureFromBytes(w.Signature)
		if err != nil {
			return
		}
		if !crypto.VerifyBLS(pk, w.Info.SigningBytes(), sig) {
			logger.Warn().Str("peer", from.String()).Msg("Dropped validator-info with invalid signature")
			return
		}
		if h := n.getValidatorInfoHandler(); h != nil {
			h(from, &w.Info)
		}
	}
}

func (n *Network) publish(topic string, payload any) error {
	t, ok := n.topics[topic]
	if !ok {
		return fmt.Errorf("vnetwork: topic %s not joined", topic)
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("vnetwork: marshal %s payload: %w", topic, err)
	}
	return t.Publish(n.ctx, data)
}

// BroadcastMicroBlock gossips a newly produced micro block.
func (n *Network) BroadcastMicroBlock(b *albatross.MicroBlock) error {
	return n.publish(TopicMicroBlocks, b)
}

// BroadcastMacroProposal gossips this slot's macro block proposal.
func (n *Network) BroadcastMacroProposal(p *albatross.SignedPbftProposal) error {
	return n.publish(TopicMacroProposals, p)
}

// BroadcastForkProof gossips evidence of a leader double-signing.
func (n *Network) BroadcastForkProof(fp *albatross.ForkProof) error {
	return n.publish(TopicForkProofs, fp)
}

// BroadcastViewChangeContribution gossips this validator's signature over a
// view-change vote targeting the block height following blockNumber.
func (n *Network) BroadcastViewChangeContribution(blockNumber uint32, c aggregator.Contribution) error {
	return n.publish(TopicViewChange, viewChangeWire{BlockNumber: blockNumber, Contribution: encodeContribution(c)})
}

// BroadcastPbftPrepare gossips this validator's PBFT prepare contribution
// for the macro block hash.
func (n *Network) BroadcastPbftPrepare(hash [32]byte, c aggregator.Contribution) error {
	return n.publish(TopicPbftPrepare, pbftContributionWire{BlockHash: hash, Contribution: encodeContribution(c)})
}

// BroadcastPbftCommit gossips this validator's PBFT commit contribution for
// the macro block hash.
func (n *Network) BroadcastPbftCommit(hash [32]byte, c aggregator.Contribution) error {
	return n.publish(TopicPbftCommit, pbftContributionWire{BlockHash: hash, Contribution: encodeContribution(c)})
}

// BroadcastValidatorInfo gossips a signed slot->address announcement.
func (n *Network) BroadcastValidatorInfo(info *albatross.ValidatorInfo, sk *crypto.BLSSecretKey) error {
	sig := sk.Sign(info.SigningBytes())
	return n.publish(TopicValidatorInfo, validatorInfoWire{Info: *info, Signature: sig.Compress()})
}

func (n *Network) SetMicroBlockHandler(fn func(peer.ID, *albatross.MicroBlock)) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.microBlockHandler = fn
}

func (n *Network) SetMacroProposalHandler(fn func(peer.ID, *albatross.SignedPbftProposal)) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.macroProposalHandler = fn
}

func (n *Network) SetForkProofHandler(fn func(peer.ID, *albatross.ForkProof)) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.forkProofHandler = fn
}

func (n *Network) SetViewChangeHandler(fn func(peer.ID, uint32, aggregator.Contribution)) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.viewChangeHandler = fn
}

func (n *Network) SetPbftPrepareHandler(fn func(peer.ID, [32]byte, aggregator.Contribution)) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.pbftPrepareHandler = fn
}

func (n *Network) SetPbftCommitHandler(fn func(peer.ID, [32]byte, aggregator.Contribution)) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.pbftCommitHandler = fn
}

func (n *Network) SetValidatorInfoHandler(fn func(peer.ID, *albatross.ValidatorInfo)) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.validatorInfoHandler = fn
}

func (n *Network) getMicroBlockHandler() func(peer.ID, *albatross.MicroBlock) {
	n.mu.RLock()
	defer n.mu.RUnlock()
	return n.microBlockHandler
}

func (n *Network) getMacroProposalHandler() func(peer.ID, *albatross.SignedPbftProposal) {
	n.mu.RLock()
	defer n.mu.RUnlock()
	return n.macroProposalHandler
}

func (n *Network) getForkProofHandler() func(peer.ID, *albatross.ForkProof) {
	n.mu.RLock()
	defer n.mu.RUnlock()
	return n.forkProofHandler
}

func (n *Network) getViewChangeHandler() func(peer.ID, uint32, aggregator.Contribution) {
	n.mu.RLock()
	defer n.mu.RUnlock()
	return n.viewChangeHandler
}

func (n *Network) getPbftPrepareHandler() func(peer.ID, [32]byte, aggregator.Contribution) {
	n.mu.RLock()
	defer n.mu.RUnlock()
	return n.pbftPrepareHandler
}

func (n *Network) getPbftCommitHandler() func(peer.ID, [32]byte, aggregator.Contribution) {
	n.mu.RLock()
	defer n.mu.RUnlock()
	return n.pbftCommitHandler
}

func (n *Network) getValidatorInfoHandler() func(peer.ID, *albatross.ValidatorInfo) {
	n.mu.RLock()
	defer n.mu.RUnlock()
	return n.validatorInfoHandler
}

func (n *Network) initDHT() error {
	mode := dht.ModeClient
	if n.config.DHTServer {
		mode = dht.ModeServer
	}
	kadDHT, err := dht.New(n.ctx, n.host, dht.Mode(mode))
	if err != nil {
		return err
	}
	n.dht = kadDHT
	return kadDHT.Bootstrap(n.ctx)
}

func (n *Network) closeDHT() {
	if n.dht != nil {
		n.dht.Close()
		n.dht = nil
	}
}

func (n *Network) startMDNS() {
	svc := mdns.NewMdnsService(n.host, n.rendezvous(), &discoveryNotifee{net: n})
	_ = svc.Start() // mDNS failure is non-fatal; DHT/seeds still work
}

func (n *Network) runDHTDiscovery() {
	if n.dht == nil {
		return
	}
	routingDiscovery := drouting.NewRoutingDiscovery(n.dht)
	dutil.Advertise(n.ctx, routingDiscovery, n.rendezvous())

	ticker := time.NewTicker(dhtDiscoveryInterval)
	defer ticker.Stop()
	for {
		select {
		case <-n.ctx.Done():
			return
		case <-ticker.C:
			n.findDHTPeers(routingDiscovery)
		}
	}
}

func (n *Network) findDHTPeers(routingDiscovery *drouting.RoutingDiscovery) {
	ctx, cancel := context.WithTimeout(n.ctx, 20*time.Second)
	defer cancel()
	peerCh, err := routingDiscovery.FindPeers(ctx, n.rendezvous())
	if err != nil {
		return
	}
	for p := range peerCh {
		if p.ID == n.host.ID() || len(p.Addrs) == 0 {
			continue
		}
		connectCtx, connectCancel := context.WithTimeout(n.ctx, 5*time.Second)
		_ = n.host.Connect(connectCtx, p)
		connectCancel()
	}
}

func (n *Network) connectSeeds() {
	if len(n.config.Seeds) == 0 {
		return
	}
	logger := klog.WithComponent("vnetwork")
	for _, addr := range n.config.Seeds {
		info, err := peer.AddrInfoFromString(addr)
		if err != nil {
			logger.Warn().Str("addr", addr).Err(err).Msg("Bad seed address")
			continue
		}
		ctx, cancel := context.WithTimeout(n.ctx, 10*time.Second)
		err = n.host.Connect(ctx, *info)
		cancel()
		if err != nil {
			logger.Warn().Str("addr", addr).Err(err).Msg("Failed to connect to seed")
		}
	}
}

type discoveryNotifee struct {
	net *Network
}

func (d *discoveryNotifee) HandlePeerFound(pi peer.AddrInfo) {
	if pi.ID == d.net.host.ID() {
		return
	}
	ctx, cancel := context.WithTimeout(d.net.ctx, 5*time.Second)
	defer cancel()
	_ = d.net.host.Connect(ctx, pi)
}

func loadOrCreateIdentity(dataDir string) (libp2pcrypto.PrivKey, error) {
	keyPath := filepath.Join(dataDir, "vnetwork.key")

	if data, err := os.ReadFile(keyPath); err == nil {
		raw, err := hex.DecodeString(string(data))
		if err != nil {
			return nil, fmt.Errorf("decode identity key: %w", err)
		}
		return libp2pcrypto.UnmarshalEd25519PrivateKey(raw)
	}

	priv, _, err := libp2pcrypto.GenerateEd25519Key(rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("generate identity key: %w", err)
	}
	raw, err := priv.Raw()
	if err != nil {
		return nil, fmt.Errorf("marshal identity key: %w", err)
	}
	if err := os.MkdirAll(dataDir, 0700); err != nil {
		return nil, fmt.Errorf("create data dir: %w", err)
	}
	if err := os.WriteFile(keyPath, []byte(hex.EncodeToString(raw)), 0600); err != nil {
		return nil, fmt.Errorf("save identity key: %w", err)
	}
	return priv, nil
}
