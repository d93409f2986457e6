// Package p2p carries consensus payloads and transactions between
// validators over libp2p gossipsub. Trust and peer scoring live in State;
// topic wiring to the consensus engine lives in the bridge.
package p2p

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strings"
	"sync"
	"time"

	libp2p "github.com/libp2p/go-libp2p"
	dht "github.com/libp2p/go-libp2p-kad-dht"
	pubsub "github.com/libp2p/go-libp2p-pubsub"
	"github.com/libp2p/go-libp2p/core/control"
	"github.com/libp2p/go-libp2p/core/crypto"
	"github.com/libp2p/go-libp2p/core/discovery"
	"github.com/libp2p/go-libp2p/core/host"
	"github.com/libp2p/go-libp2p/core/network"
	"github.com/libp2p/go-libp2p/core/peer"
	"github.com/libp2p/go-libp2p/core/protocol"
	mdns "github.com/libp2p/go-libp2p/p2p/discovery/mdns"
	drouting "github.com/libp2p/go-libp2p/p2p/discovery/routing"
	connmgr "github.com/libp2p/go-libp2p/p2p/net/connmgr"
	noise "github.com/libp2p/go-libp2p/p2p/security/noise"
	tlsp2p "github.com/libp2p/go-libp2p/p2p/security/tls"
	multiaddr "github.com/multiformats/go-multiaddr"
	manet "github.com/multiformats/go-multiaddr/net"

	"github.com/r3e-network/neo-dbft/pkg/config"
	"github.com/r3e-network/neo-dbft/pkg/consensus/types"
	"github.com/r3e-network/neo-dbft/pkg/utils"
)

// Handler is the callback signature for delivered messages on a topic.
type Handler func(ctx context.Context, from peer.ID, data []byte) error

// Router owns the libp2p host, the DHT used for discovery and the
// gossipsub instance.
type Router struct {
	ctx    context.Context
	cancel context.CancelFunc
	log    *utils.Logger
	audit  types.AuditLogger

	Host      host.Host
	DHT       *dht.IpfsDHT
	Gossip    *pubsub.PubSub
	Discovery discovery.Discovery

	cfg   *config.P2PConfig
	state *State

	mu       sync.RWMutex
	topics   map[string]*pubsub.Topic
	subs     map[string]*pubsub.Subscription
	handlers map[string][]Handler
	// ordered topics run their handlers inline, in arrival order
	ordered  map[string]bool

	handlerSem chan struct{}
	validator  pubsub.ValidatorEx
}

// RouterOptions carries what the config does not: identity material and
// collaborators.
type RouterOptions struct {
	// PrivKey overrides cfg.IdentitySeed.
	PrivKey crypto.PrivKey
	// AllowRandomIdentity permits an ephemeral identity when no seed is set.
	AllowRandomIdentity bool
	Audit               types.AuditLogger
	// GossipParams replaces the tuned defaults; nil keeps them.
	GossipParams *pubsub.GossipSubParams
}

// NewRouter starts a libp2p host listening on cfg.ListenPort and joins the
// gossip network. Topics are joined later through Subscribe.
func NewRouter(parent context.Context, cfg *config.P2PConfig, st *State, log *utils.Logger, opts RouterOptions) (*Router, error) {
	if cfg == nil || log == nil {
		return nil, fmt.Errorf("p2p: nil inputs: cfg=%v log=%v", cfg != nil, log != nil)
	}
	allowed, err := config.ParseCIDRs(cfg.AllowedCIDRs)
	if err != nil {
		return nil, fmt.Errorf("p2p: allowed cidrs: %w", err)
	}
	priv, pid, err := resolveIdentity(cfg, opts)
	if err != nil {
		return nil, fmt.Errorf("p2p: identity: %w", err)
	}
	log.Info("p2p identity derived", utils.ZapString("peer_id", pid.String()))

	ctx, cancel := context.WithCancel(parent)
	gater := &connGater{
		allowed: allowed,
		trusted: parsePeerIDs(cfg.TrustedPeers),
		state:   st,
		log:     log,
	}

	var secOpts []libp2p.Option
	secOpts = append(secOpts, libp2p.Security(noise.ID, noise.New))
	if cfg.EnableTLS {
		secOpts = append(secOpts, libp2p.Security(tlsp2p.ID, tlsp2p.New))
	}

	listenAddrs := []string{fmt.Sprintf("/ip4/0.0.0.0/tcp/%d", cfg.ListenPort)}
	if hasIPv6() {
		listenAddrs = append(listenAddrs, fmt.Sprintf("/ip6/::/tcp/%d", cfg.ListenPort))
	}

	cm, err := connmgr.NewConnManager(cfg.ConnLow, cfg.ConnHigh, connmgr.WithGracePeriod(cfg.ConnGracePeriod))
	if err != nil {
		cancel()
		return nil, fmt.Errorf("p2p: connmgr: %w", err)
	}

	hostOpts := []libp2p.Option{
		libp2p.Identity(priv),
		libp2p.ListenAddrStrings(listenAddrs...),
		libp2p.ConnectionManager(cm),
		libp2p.ConnectionGater(gater),
	}
	h, err := libp2p.New(append(hostOpts, secOpts...)...)
	if err != nil {
		cancel()
		return nil, fmt.Errorf("p2p: libp2p host: %w", err)
	}

	kad, err := dht.New(ctx, h,
		dht.ProtocolPrefix(protocol.ID(cfg.ProtocolPrefix+"/kad")),
		dht.Mode(dht.ModeAuto),
		dht.BootstrapPeers(),
	)
	if err != nil {
		_ = h.Close()
		cancel()
		return nil, fmt.Errorf("p2p: dht: %w", err)
	}
	rd := drouting.NewRoutingDiscovery(kad)

	if cfg.EnableMDNS {
		svc := mdns.NewMdnsService(h, cfg.Rendezvous, &mdnsNotifee{h: h, log: log})
		if err := svc.Start(); err != nil {
			log.Warn("mDNS service failed to start", utils.ZapError(err))
		}
	}

	ps, err := pubsub.NewGossipSub(ctx, h,
		pubsub.WithMessageSigning(true),
		pubsub.WithStrictSignatureVerification(true),
		pubsub.WithMaxMessageSize(cfg.MaxMessageSize),
		pubsub.WithGossipSubParams(gossipParams(opts.GossipParams)),
		pubsub.WithPeerScore(peerScoreParams(st), peerScoreThresholds()),
	)
	if err != nil {
		_ = kad.Close()
		_ = h.Close()
		cancel()
		return nil, fmt.Errorf("p2p: gossipsub: %w", err)
	}

	r := &Router{
		ctx:        ctx,
		cancel:     cancel,
		log:        log,
		audit:      opts.Audit,
		Host:       h,
		DHT:        kad,
		Gossip:     ps,
		Discovery:  rd,
		cfg:        cfg,
		state:      st,
		topics:     map[string]*pubsub.Topic{},
		subs:       map[string]*pubsub.Subscription{},
		handlers:   map[string][]Handler{},
		ordered:    map[string]bool{},
		handlerSem: make(chan struct{}, cfg.MaxHandlers),
	}
	r.validator = r.validate
	h.Network().Notify(&netNotifiee{r: r})

	if err := r.dialBootstrapPeers(); err != nil {
		log.Warn("bootstrap dialing issues", utils.ZapError(err))
	}
	go r.advertiseLoop(rd)
	go r.discoveryLoop()

	if r.audit != nil {
		_ = r.audit.Security("p2p_router_initialized", map[string]interface{}{
			"peer_id":     pid.String(),
			"listen_port": cfg.ListenPort,
		})
	}
	return r, nil
}

// Subscribe joins topic and installs handler. Repeated calls add handlers.
func (r *Router) Subscribe(topic string, handler Handler) error {
	return r.subscribe(topic, handler, false)
}

// SubscribeOrdered is Subscribe for topics whose handler must see messages
// one at a time in the order they arrived.
func (r *Router) SubscribeOrdered(topic string, handler Handler) error {
	return r.subscribe(topic, handler, true)
}

func (r *Router) subscribe(topic string, handler Handler, ordered bool) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if ordered {
		r.ordered[topic] = true
	}

	t, ok := r.topics[topic]
	if !ok {
		if err := r.Gossip.RegisterTopicValidator(topic, r.validator); err != nil {
			return fmt.Errorf("register validator %s: %w", topic, err)
		}
		var err error
		if t, err = r.Gossip.Join(topic); err != nil {
			return fmt.Errorf("join topic %s: %w", topic, err)
		}
		r.topics[topic] = t
	}
	if _, ok := r.subs[topic]; !ok {
		sub, err := t.Subscribe()
		if err != nil {
			return fmt.Errorf("subscribe topic %s: %w", topic, err)
		}
		r.subs[topic] = sub
		go r.consume(topic, sub)
	}
	if handler != nil {
		r.handlers[topic] = append(r.handlers[topic], handler)
	}
	r.log.Info("p2p topic subscribed", utils.ZapString("topic", topic))
	return nil
}

// Publish broadcasts data on a joined topic.
func (r *Router) Publish(ctx context.Context, topic string, data []byte) error {
	r.mu.RLock()
	t, ok := r.topics[topic]
	r.mu.RUnlock()
	if !ok {
		return fmt.Errorf("topic %s not joined", topic)
	}
	if len(data) > r.cfg.MaxMessageSize {
		return fmt.Errorf("message size %d exceeds maximum %d", len(data), r.cfg.MaxMessageSize)
	}
	if err := t.Publish(ctx, data); err != nil {
		r.log.Warn("publish failed", utils.ZapString("topic", topic), utils.ZapError(err))
		return err
	}
	return nil
}

// ID returns the local peer id.
func (r *Router) ID() peer.ID { return r.Host.ID() }

// Addrs returns dialable multiaddrs of this host including its peer id.
func (r *Router) Addrs() []string {
	out := make([]string, 0, len(r.Host.Addrs()))
	for _, a := range r.Host.Addrs() {
		out = append(out, fmt.Sprintf("%s/p2p/%s", a, r.Host.ID()))
	}
	return out
}

// GetConnectedPeerCount returns connected, non-quarantined peers.
func (r *Router) GetConnectedPeerCount() int {
	if r.state == nil {
		return len(r.Host.Network().Peers())
	}
	return r.state.GetConnectedPeerCount()
}

// Close shuts everything down.
func (r *Router) Close() error {
	r.cancel()
	if r.DHT != nil {
		_ = r.DHT.Close()
	}
	if r.Host != nil {
		return r.Host.Close()
	}
	return nil
}

// --- internal ---

func (r *Router) validate(_ context.Context, id peer.ID, msg *pubsub.Message) pubsub.ValidationResult {
	if r.state != nil && r.state.IsQuarantined(id) {
		return pubsub.ValidationReject
	}
	if len(msg.Data) == 0 || len(msg.Data) > r.cfg.MaxMessageSize {
		return pubsub.ValidationReject
	}
	return pubsub.ValidationAccept
}

func (r *Router) consume(topic string, sub *pubsub.Subscription) {
	self := r.Host.ID()
	for {
		msg, err := sub.Next(r.ctx)
		if err != nil {
			if !errors.Is(err, context.Canceled) {
				r.log.Warn("topic consumer stopped", utils.ZapString("topic", topic), utils.ZapError(err))
			}
			return
		}
		// gossipsub echoes our own publications
		if msg.ReceivedFrom == self || msg.ReceivedFrom == "" {
			continue
		}
		from := msg.ReceivedFrom
		if r.state != nil {
			r.state.OnMessage(topic, from, len(msg.Data))
		}
		if !r.deliver(topic, from, msg.Data) {
			return
		}
	}
}

// deliver hands data to the topic's handlers. It reports false once the
// router is shutting down.
func (r *Router) deliver(topic string, from peer.ID, data []byte) bool {
	r.mu.RLock()
	hs := append([]Handler(nil), r.handlers[topic]...)
	ordered := r.ordered[topic]
	r.mu.RUnlock()
	for _, h := range hs {
		select {
		case r.handlerSem <- struct{}{}:
		case <-r.ctx.Done():
			return false
		}
		if ordered {
			r.dispatch(topic, from, data, h)
			continue
		}
		go r.dispatch(topic, from, data, h)
	}
	return true
}

func (r *Router) dispatch(topic string, from peer.ID, data []byte, h Handler) {
	defer func() { <-r.handlerSem }()
	defer func() {
		if rec := recover(); rec != nil {
			r.log.Error("handler panic",
				utils.ZapString("topic", topic),
				utils.ZapAny("panic", rec))
		}
	}()

	err := h(r.ctx, from, data)
	if err == nil || r.state == nil || utils.IsRetryable(err) {
		return
	}
	r.state.Penalize(from, 1.0, "invalid_"+topicSuffix(topic))
}

func (r *Router) dialBootstrapPeers() error {
	var errs []string
	for _, addr := range r.cfg.BootstrapPeers {
		addr = strings.TrimSpace(addr)
		if addr == "" {
			continue
		}
		maddr, err := multiaddr.NewMultiaddr(addr)
		if err != nil {
			errs = append(errs, fmt.Sprintf("%s: invalid multiaddr: %v", addr, err))
			continue
		}
		info, err := peer.AddrInfoFromP2pAddr(maddr)
		if err != nil {
			errs = append(errs, fmt.Sprintf("%s: no peer id: %v", addr, err))
			continue
		}
		if info.ID == r.Host.ID() {
			continue
		}
		ctx, cancel := context.WithTimeout(r.ctx, 10*time.Second)
		err = r.Host.Connect(ctx, *info)
		cancel()
		if err != nil {
			r.log.Debug("bootstrap connection failed",
				utils.ZapString("peer", info.ID.String()),
				utils.ZapError(err))
			continue
		}
		// committee members stay connected
		r.Host.ConnManager().Protect(info.ID, "bootstrap")
		r.log.Info("bootstrap connection successful", utils.ZapString("peer", info.ID.String()))
	}
	if len(errs) > 0 {
		return fmt.Errorf("bootstrap: %s", strings.Join(errs, "; "))
	}
	return nil
}

func (r *Router) advertiseLoop(rd *drouting.RoutingDiscovery) {
	t := time.NewTicker(30 * time.Second)
	defer t.Stop()
	for {
		select {
		case <-r.ctx.Done():
			return
		case <-t.C:
			_, _ = rd.Advertise(r.ctx, r.cfg.Rendezvous)
		}
	}
}

func (r *Router) discoveryLoop() {
	t := time.NewTicker(r.cfg.DiscoveryInterval)
	defer t.Stop()
	for {
		select {
		case <-r.ctx.Done():
			return
		case <-t.C:
			peerCh, err := r.Discovery.FindPeers(r.ctx, r.cfg.Rendezvous)
			if err != nil {
				r.log.Debug("discovery error", utils.ZapError(err))
				continue
			}
			for p := range peerCh {
				if p.ID == "" || p.ID == r.Host.ID() {
					continue
				}
				if r.state != nil && r.state.IsQuarantined(p.ID) {
					continue
				}
				_ = r.Host.Connect(r.ctx, p)
			}
		}
	}
}

// --- gossip tuning ---

// gossipParams sizes the mesh for committees of 4 to 21 validators.
func gossipParams(override *pubsub.GossipSubParams) pubsub.GossipSubParams {
	if override != nil {
		return *override
	}
	p := pubsub.DefaultGossipSubParams()
	p.D = 4
	p.Dlo = 3
	p.Dhi = 8
	p.Dlazy = 6
	p.HeartbeatInterval = time.Second
	return p
}

func peerScoreParams(st *State) *pubsub.PeerScoreParams {
	return &pubsub.PeerScoreParams{
		AppSpecificScore: func(p peer.ID) float64 {
			if st == nil {
				return 0
			}
			return st.ScoreFor(p)
		},
		AppSpecificWeight: 1,
		DecayInterval:     10 * time.Second,
		DecayToZero:       0.01,
		RetainScore:       15 * time.Minute,

		// validators commonly share hosts in test networks
		IPColocationFactorWeight:    0,
		IPColocationFactorThreshold: 100,
		BehaviourPenaltyWeight:      -10,
		BehaviourPenaltyThreshold:   10,
		BehaviourPenaltyDecay:       0.9,
		Topics:                      make(map[string]*pubsub.TopicScoreParams),
	}
}

func peerScoreThresholds() *pubsub.PeerScoreThresholds {
	return &pubsub.PeerScoreThresholds{
		GossipThreshold:             -100,
		PublishThreshold:            -200,
		GraylistThreshold:           -500,
		AcceptPXThreshold:           5,
		OpportunisticGraftThreshold: 10,
	}
}

// netNotifiee relays connection events into State.
type netNotifiee struct{ r *Router }

func (n *netNotifiee) Listen(network.Network, multiaddr.Multiaddr)      {}
func (n *netNotifiee) ListenClose(network.Network, multiaddr.Multiaddr) {}
func (n *netNotifiee) Connected(_ network.Network, c network.Conn) {
	if n.r.state == nil {
		return
	}
	n.r.state.OnConnect(c.RemotePeer(), map[string]string{
		"direction": c.Stat().Direction.String(),
		"remote":    c.RemoteMultiaddr().String(),
	})
}
func (n *netNotifiee) Disconnected(_ network.Network, c network.Conn) {
	if n.r.state == nil {
		return
	}
	n.r.state.OnDisconnect(c.RemotePeer())
}

// connGater enforces the IP allowlist and State quarantine at the transport.
type connGater struct {
	allowed []net.IPNet
	trusted map[peer.ID]bool
	state   *State
	log     *utils.Logger
}

func (g *connGater) allowIP(addr multiaddr.Multiaddr) bool {
	if len(g.allowed) == 0 {
		return true
	}
	ip, err := manet.ToIP(addr)
	if err != nil {
		return false
	}
	for _, n := range g.allowed {
		if n.Contains(ip) {
			return true
		}
	}
	return false
}

func (g *connGater) blocked(p peer.ID) bool {
	return g.state != nil && g.state.IsQuarantined(p) && !g.trusted[p]
}

func (g *connGater) InterceptAddrDial(_ peer.ID, addr multiaddr.Multiaddr) bool {
	return g.allowIP(addr)
}

func (g *connGater) InterceptPeerDial(p peer.ID) bool {
	if g.blocked(p) {
		g.log.Debug("gater: quarantined peer dial blocked", utils.ZapString("peer", p.String()))
		return false
	}
	return true
}

func (g *connGater) InterceptAccept(addr network.ConnMultiaddrs) bool {
	return g.allowIP(addr.RemoteMultiaddr())
}

func (g *connGater) InterceptSecured(_ network.Direction, p peer.ID, addr network.ConnMultiaddrs) bool {
	return g.allowIP(addr.RemoteMultiaddr()) && !g.blocked(p)
}

func (g *connGater) InterceptUpgraded(network.Conn) (bool, control.DisconnectReason) {
	return true, 0
}

// --- misc helpers ---

func hasIPv6() bool {
	ifcs, _ := net.Interfaces()
	for _, ifc := range ifcs {
		addrs, _ := ifc.Addrs()
		for _, a := range addrs {
			if ipnet, ok := a.(*net.IPNet); ok && ipnet.IP.To4() == nil && !ipnet.IP.IsLinkLocalUnicast() {
				return true
			}
		}
	}
	return false
}

func parsePeerIDs(list []string) map[peer.ID]bool {
	m := make(map[peer.ID]bool, len(list))
	for _, s := range list {
		if id, err := peer.Decode(strings.TrimSpace(s)); err == nil {
			m[id] = true
		}
	}
	return m
}

func topicSuffix(topic string) string {
	if i := strings.LastIndexByte(topic, '/'); i >= 0 {
		return topic[i+1:]
	}
	return topic
}

// mdnsNotifee connects to peers found on the local network.
type mdnsNotifee struct {
	h   host.Host
	log *utils.Logger
}

func (n *mdnsNotifee) HandlePeerFound(pi peer.AddrInfo) {
	if pi.ID == n.h.ID() {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := n.h.Connect(ctx, pi); err != nil {
		n.log.Debug("failed to connect to mDNS peer", utils.ZapString("peer_id", pi.ID.String()), utils.ZapError(err))
		return
	}
	n.log.Info("connected to mDNS peer", utils.ZapString("peer_id", pi.ID.String()))
	n.h.ConnManager().Protect(pi.ID, "mdns")
}
