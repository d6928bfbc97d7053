package p2p

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"fastp2p/observability"
	"fastp2p/observability/logging"
	"fastp2p/p2p/discovery"
	"fastp2p/p2p/gossip"
	"fastp2p/p2p/peeraddr"
	"fastp2p/p2p/peerbook"
	"fastp2p/p2p/rpc"
	"fastp2p/p2p/wire"
)

const (
	DefaultMaxConnections   = 200
	DefaultMaxParallelDials = 50
	defaultDialTimeout      = 10 * time.Second
	defaultListenHost       = "0.0.0.0"
)

// Config captures the knobs of a Node. Zero values select defaults.
type Config struct {
	ID         string
	ListenHost string
	Port       int
	PublicIP   string

	MaxConnections   int
	MaxParallelDials int

	IdentifyTimeout   time.Duration
	HeartbeatInterval time.Duration
	DialTimeout       time.Duration
	WriteTimeout      time.Duration
	MaxFrameSize      int

	// AcceptRate and AcceptBurst bound inbound sockets per second overall;
	// AcceptRatePerIP and AcceptBurstPerIP bound them per remote IP. Zero
	// disables the respective limit.
	AcceptRate       float64
	AcceptBurst      int
	AcceptRatePerIP  float64
	AcceptBurstPerIP int

	RPC       rpc.Config
	Gossip    gossip.Config
	PeerBook  peerbook.Config
	Discovery discovery.Config

	Logger *slog.Logger
}

type dialFunc func(ctx context.Context, network, addr string) (net.Conn, error)

// Option customises a Node at construction.
type Option func(*Node)

// WithPeerStore sets the peer book's backing store. The node closes it on Stop.
func WithPeerStore(store peerbook.Store) Option {
	return func(n *Node) { n.store = store }
}

// WithDialer replaces the outbound dialer.
func WithDialer(fn func(ctx context.Context, network, addr string) (net.Conn, error)) Option {
	return func(n *Node) {
		if fn != nil {
			n.dialFn = fn
		}
	}
}

// Node owns the listening socket, the connection registry and the
// sub-protocols layered on top of it.
type Node struct {
	cfg     Config
	id      string
	logger  *slog.Logger
	metrics *observability.P2PMetrics
	dialFn  dialFunc
	limiter *acceptLimiter
	store   peerbook.Store

	rpc       *rpc.Service
	gossip    *gossip.Service
	book      *peerbook.PeerBook
	discovery *discovery.Service

	mu         sync.Mutex
	peers      map[string]*Connection
	connecting map[string]uint64
	conns      map[*Connection]struct{}
	dialSeq    uint64
	listener   net.Listener
	stopping   bool

	handlersMu sync.RWMutex
	handlers   []MessageHandler
	observers  []PeerObserver

	wg       sync.WaitGroup
	stopOnce sync.Once
}

// NewNode builds a Node and its RPC, gossip, peer book and discovery
// services. A missing ID is replaced by a random UUID.
func NewNode(cfg Config, opts ...Option) (*Node, error) {
	if cfg.ID == "" {
		cfg.ID = uuid.NewString()
	}
	if strings.Contains(cfg.ID, "/") {
		return nil, fmt.Errorf("p2p: node id %q must not contain '/'", cfg.ID)
	}
	if cfg.Port < 0 || cfg.Port > 65535 {
		return nil, fmt.Errorf("p2p: invalid port %d", cfg.Port)
	}
	if cfg.ListenHost == "" {
		cfg.ListenHost = defaultListenHost
	}
	if cfg.MaxConnections <= 0 {
		cfg.MaxConnections = DefaultMaxConnections
	}
	if cfg.MaxParallelDials <= 0 {
		cfg.MaxParallelDials = DefaultMaxParallelDials
	}
	if cfg.DialTimeout <= 0 {
		cfg.DialTimeout = defaultDialTimeout
	}
	logger := cfg.Logger
	if logger == nil {
		logger = logging.Component("p2p_node")
	}

	n := &Node{
		cfg:        cfg,
		id:         cfg.ID,
		logger:     logger,
		metrics:    observability.P2P(),
		limiter:    newAcceptLimiter(cfg.AcceptRate, cfg.AcceptBurst, cfg.AcceptRatePerIP, cfg.AcceptBurstPerIP),
		peers:      make(map[string]*Connection),
		connecting: make(map[string]uint64),
		conns:      make(map[*Connection]struct{}),
	}
	n.dialFn = func(ctx context.Context, network, addr string) (net.Conn, error) {
		d := &net.Dialer{Timeout: n.cfg.DialTimeout}
		return d.DialContext(ctx, network, addr)
	}
	for _, opt := range opts {
		opt(n)
	}

	n.rpc = rpc.New(n, cfg.RPC)
	n.gossip = gossip.New(n.id, n, cfg.Gossip)
	n.book = peerbook.New(n.store, cfg.PeerBook)
	n.discovery = discovery.New(n, n.rpc, n.book, cfg.Discovery)

	n.AddMessageHandler(n.rpc)
	n.AddMessageHandler(n.gossip)
	n.AddPeerObserver(n.discovery)
	return n, nil
}

// Initialize loads persisted peers and registers the discovery methods.
func (n *Node) Initialize(ctx context.Context) error {
	return n.discovery.Initialize(ctx)
}

// Start opens the listener and launches every background loop.
func (n *Node) Start(ctx context.Context) error {
	addr := net.JoinHostPort(n.cfg.ListenHost, strconv.Itoa(n.cfg.Port))
	var lc net.ListenConfig
	ln, err := lc.Listen(ctx, "tcp", addr)
	if err != nil {
		return fmt.Errorf("p2p: listen on %s: %w", addr, err)
	}

	n.mu.Lock()
	if n.stopping {
		n.mu.Unlock()
		_ = ln.Close()
		return ErrNodeStopped
	}
	n.listener = ln
	n.mu.Unlock()

	n.logger.Info("P2P node listening",
		logging.MaskField("listen_address", ln.Addr().String()),
		slog.String("node_id", n.id),
		logging.MaskField("public_address", n.PublicAddr()))

	n.rpc.Start()
	n.gossip.Start()
	n.book.Start()

	n.wg.Add(1)
	go n.acceptLoop(ln)

	n.discovery.Start()
	return nil
}

// Stop halts every loop, destroys all connections and closes the peer book.
func (n *Node) Stop() {
	n.stopOnce.Do(func() {
		n.mu.Lock()
		n.stopping = true
		ln := n.listener
		conns := make([]*Connection, 0, len(n.conns))
		for c := range n.conns {
			conns = append(conns, c)
		}
		n.mu.Unlock()

		if ln != nil {
			_ = ln.Close()
		}
		n.discovery.Stop()
		n.gossip.Stop()
		n.rpc.Stop()
		for _, c := range conns {
			c.Destroy()
		}
		n.wg.Wait()
		if err := n.book.Close(); err != nil {
			n.logger.Warn("Close peer book failed", slog.Any("error", err))
		}
		n.metrics.SetConnectedPeers(0)
		n.logger.Info("P2P node stopped")
	})
}

// ID returns the local node id.
func (n *Node) ID() string { return n.id }

// RPC returns the request/response service.
func (n *Node) RPC() *rpc.Service { return n.rpc }

// Gossip returns the gossip service.
func (n *Node) Gossip() *gossip.Service { return n.gossip }

// PeerBook returns the peer book.
func (n *Node) PeerBook() *peerbook.PeerBook { return n.book }

// ListenAddr returns the bound listen address, or "" before Start.
func (n *Node) ListenAddr() string {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.listener == nil {
		return ""
	}
	return n.listener.Addr().String()
}

// PublicAddr returns the locator other nodes should dial, or "" when no
// public IP is configured.
func (n *Node) PublicAddr() string {
	if n.cfg.PublicIP == "" {
		return ""
	}
	port := n.cfg.Port
	if port == 0 {
		n.mu.Lock()
		if tcp, ok := listenerTCPAddr(n.listener); ok {
			port = tcp.Port
		}
		n.mu.Unlock()
	}
	family := "ipv4"
	if ip := net.ParseIP(n.cfg.PublicIP); ip != nil && ip.To4() == nil {
		family = "ipv6"
	}
	return peeraddr.Format(family, n.cfg.PublicIP, "tcp", strconv.Itoa(port), n.id)
}

func listenerTCPAddr(ln net.Listener) (*net.TCPAddr, bool) {
	if ln == nil {
		return nil, false
	}
	tcp, ok := ln.Addr().(*net.TCPAddr)
	return tcp, ok
}

// Peers returns the ids of registered peers, sorted.
func (n *Node) Peers() []string {
	n.mu.Lock()
	ids := make([]string, 0, len(n.peers))
	for id := range n.peers {
		ids = append(ids, id)
	}
	n.mu.Unlock()
	sort.Strings(ids)
	return ids
}

// PeerInfo describes one registered connection.
type PeerInfo struct {
	ID           string `json:"id"`
	ObservedAddr string `json:"observedAddr"`
	Inbound      bool   `json:"inbound"`
}

// PeerInfos returns details for registered peers, sorted by id.
func (n *Node) PeerInfos() []PeerInfo {
	n.mu.Lock()
	infos := make([]PeerInfo, 0, len(n.peers))
	for id, c := range n.peers {
		infos = append(infos, PeerInfo{ID: id, ObservedAddr: c.ObservedAddr(), Inbound: c.Inbound()})
	}
	n.mu.Unlock()
	sort.Slice(infos, func(i, j int) bool { return infos[i].ID < infos[j].ID })
	return infos
}

// Send queues msg for peerID. Messages for unknown peers are dropped silently.
func (n *Node) Send(peerID string, msg any) error {
	n.mu.Lock()
	c := n.peers[peerID]
	n.mu.Unlock()
	if c == nil {
		return nil
	}
	return c.Send(msg)
}

// AddMessageHandler appends h to the message bus.
func (n *Node) AddMessageHandler(h MessageHandler) {
	n.handlersMu.Lock()
	defer n.handlersMu.Unlock()
	n.handlers = append(n.handlers, h)
}

// AddPeerObserver appends o to the registry observers.
func (n *Node) AddPeerObserver(o PeerObserver) {
	n.handlersMu.Lock()
	defer n.handlersMu.Unlock()
	n.observers = append(n.observers, o)
}

// Connect dials addr in the background. Self-dials and ids that are already
// registered or being dialed are ignored. At capacity the call is rejected
// with ErrTooManyConnections or ErrTooManyDials; nothing is queued.
func (n *Node) Connect(addr string) error {
	pa, err := peeraddr.Parse(addr)
	if err != nil {
		return err
	}
	if pa.ID == n.id {
		return nil
	}

	n.mu.Lock()
	if n.stopping {
		n.mu.Unlock()
		return ErrNodeStopped
	}
	if _, ok := n.peers[pa.ID]; ok {
		n.mu.Unlock()
		return nil
	}
	if _, ok := n.connecting[pa.ID]; ok {
		n.mu.Unlock()
		return nil
	}
	if len(n.peers) >= n.cfg.MaxConnections {
		n.mu.Unlock()
		n.metrics.RecordDial("rejected")
		n.logger.Debug("Dial rejected: connection limit", logging.MaskField("peer_id", pa.ID))
		return ErrTooManyConnections
	}
	if len(n.connecting) >= n.cfg.MaxParallelDials {
		n.mu.Unlock()
		n.metrics.RecordDial("rejected")
		n.logger.Debug("Dial rejected: parallel dial limit", logging.MaskField("peer_id", pa.ID))
		return ErrTooManyDials
	}
	n.dialSeq++
	token := n.dialSeq
	n.connecting[pa.ID] = token
	n.wg.Add(1)
	n.mu.Unlock()

	go n.dial(pa, token)
	return nil
}

func (n *Node) dial(pa peeraddr.PeerAddress, token uint64) {
	defer n.wg.Done()
	ctx, cancel := context.WithTimeout(context.Background(), n.cfg.DialTimeout)
	defer cancel()

	conn, err := n.dialFn(ctx, pa.Network(), pa.DialAddress())
	if err != nil {
		n.metrics.RecordDial("failure")
		n.logger.Debug("Dial failed",
			logging.MaskField("peer_id", pa.ID),
			logging.MaskField("peer_address", pa.Addr),
			slog.Any("error", err))
		n.mu.Lock()
		if n.connecting[pa.ID] == token {
			delete(n.connecting, pa.ID)
		}
		stopping := n.stopping
		n.mu.Unlock()
		if !stopping {
			n.notifyConnectFailed(pa.ID)
		}
		return
	}
	n.metrics.RecordDial("success")
	c := newConnection(conn, n, n.connOptions(false, pa.ID, token))
	if !n.track(c) {
		_ = conn.Close()
		return
	}
	c.Start()
}

func (n *Node) acceptLoop(ln net.Listener) {
	defer n.wg.Done()
	for {
		conn, err := ln.Accept()
		if err != nil {
			n.mu.Lock()
			stopping := n.stopping
			n.mu.Unlock()
			if stopping || errors.Is(err, net.ErrClosed) {
				return
			}
			n.logger.Warn("Accept failed", slog.Any("error", err))
			time.Sleep(50 * time.Millisecond)
			continue
		}
		if !n.admitInbound(conn.RemoteAddr()) {
			n.metrics.RecordAcceptDenied()
			n.logger.Debug("Inbound connection rejected",
				logging.MaskField("peer_address", conn.RemoteAddr().String()))
			_ = conn.Close()
			continue
		}
		c := newConnection(conn, n, n.connOptions(true, "", 0))
		if !n.track(c) {
			_ = conn.Close()
			return
		}
		c.Start()
	}
}

func (n *Node) admitInbound(remote net.Addr) bool {
	n.mu.Lock()
	full := len(n.peers) >= n.cfg.MaxConnections
	n.mu.Unlock()
	if full {
		return false
	}
	return n.limiter.allow(remote)
}

func (n *Node) connOptions(inbound bool, dialID string, token uint64) connOptions {
	return connOptions{
		localID:           n.id,
		inbound:           inbound,
		dialID:            dialID,
		dialToken:         token,
		identifyTimeout:   n.cfg.IdentifyTimeout,
		heartbeatInterval: n.cfg.HeartbeatInterval,
		writeTimeout:      n.cfg.WriteTimeout,
		maxFrameSize:      n.cfg.MaxFrameSize,
		logger:            n.logger,
		metrics:           n.metrics,
	}
}

// track records c for Stop. It reports false once the node is stopping.
func (n *Node) track(c *Connection) bool {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.stopping {
		if c.opts.dialID != "" && n.connecting[c.opts.dialID] == c.opts.dialToken {
			delete(n.connecting, c.opts.dialID)
		}
		return false
	}
	n.conns[c] = struct{}{}
	return true
}

func (n *Node) connIdentified(c *Connection) {
	id := c.RemoteID()

	n.mu.Lock()
	if id == n.id {
		n.mu.Unlock()
		n.logger.Debug("Dropping connection to self", logging.MaskField("peer_address", c.ObservedAddr()))
		c.markDuplicate()
		c.Destroy()
		return
	}
	if _, exists := n.peers[id]; exists {
		n.mu.Unlock()
		n.logger.Debug("Dropping duplicate connection", logging.MaskField("peer_id", id))
		c.markDuplicate()
		c.Destroy()
		return
	}
	n.peers[id] = c
	delete(n.connecting, id)
	if c.opts.dialID != "" && n.connecting[c.opts.dialID] == c.opts.dialToken {
		delete(n.connecting, c.opts.dialID)
	}
	count := len(n.peers)
	n.mu.Unlock()

	n.metrics.SetConnectedPeers(count)
	n.logger.Info("Peer connected",
		logging.MaskField("peer_id", id),
		logging.MaskField("peer_address", c.ObservedAddr()),
		slog.Bool("inbound", c.Inbound()))
	for _, o := range n.observerSnapshot() {
		o.PeerConnected(id)
	}
}

func (n *Node) connMessage(c *Connection, msg *wire.Message) {
	if !c.Identified() {
		return
	}
	from := c.RemoteID()
	n.mu.Lock()
	registered := n.peers[from] == c
	n.mu.Unlock()
	if !registered {
		return
	}
	n.handlersMu.RLock()
	handlers := append([]MessageHandler(nil), n.handlers...)
	n.handlersMu.RUnlock()
	for _, h := range handlers {
		h.HandleMessage(msg, from)
	}
}

func (n *Node) connError(c *Connection, err error) {
	n.logger.Debug("Connection error",
		logging.MaskField("peer_id", c.RemoteID()),
		logging.MaskField("peer_address", c.ObservedAddr()),
		slog.Any("error", err))
}

func (n *Node) connIdentifyFailed(c *Connection) {
	n.logger.Debug("Identify timed out",
		logging.MaskField("peer_address", c.ObservedAddr()),
		slog.Bool("inbound", c.Inbound()))
}

func (n *Node) connClosed(c *Connection, reason string) {
	id := c.RemoteID()

	n.mu.Lock()
	delete(n.conns, c)
	registered := id != "" && n.peers[id] == c
	if registered {
		delete(n.peers, id)
	}
	if c.opts.dialID != "" && n.connecting[c.opts.dialID] == c.opts.dialToken {
		delete(n.connecting, c.opts.dialID)
	}
	count := len(n.peers)
	stopping := n.stopping
	n.mu.Unlock()

	if registered {
		n.metrics.SetConnectedPeers(count)
		n.logger.Info("Peer disconnected",
			logging.MaskField("peer_id", id),
			slog.String("reason", reason))
	}
	if stopping {
		return
	}
	switch {
	case registered:
		for _, o := range n.observerSnapshot() {
			o.PeerDisconnected(id)
		}
	case !c.Inbound() && !c.isDuplicate():
		n.notifyConnectFailed(c.opts.dialID)
	}
}

func (n *Node) notifyConnectFailed(id string) {
	for _, o := range n.observerSnapshot() {
		o.PeerConnectFailed(id)
	}
}

func (n *Node) observerSnapshot() []PeerObserver {
	n.handlersMu.RLock()
	defer n.handlersMu.RUnlock()
	return append([]PeerObserver(nil), n.observers...)
}
