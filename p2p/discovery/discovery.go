// Package discovery keeps the node connected: it seeds the peer book, dials
// every unbanned known peer on a timer, asks random neighbours for more
// addresses, and turns connection outcomes into bans and unbans.
package discovery

import (
	"context"
	"encoding/json"
	"log/slog"
	"math/rand"
	"strings"
	"sync"
	"time"

	"fastp2p/observability/logging"
	"fastp2p/p2p/peeraddr"
	"fastp2p/p2p/peerbook"
	"fastp2p/p2p/rpc"
)

// RPC method names served by every node.
const (
	MethodAnnouncePublic = "announcePublic"
	MethodFindPeers      = "findPeers"
)

const (
	DefaultProvideInterval = 10 * time.Second
	DefaultFindInterval    = 10 * time.Second
)

// Host is the part of the node discovery drives.
type Host interface {
	ID() string
	PublicAddr() string
	Peers() []string
	Connect(addr string) error
}

// Config lists seeds and loop intervals.
type Config struct {
	Seeds           []string
	DNSSeeds        []string
	DNSServer       string
	DNSTimeout      time.Duration
	ProvideInterval time.Duration
	FindInterval    time.Duration
	Logger          *slog.Logger
	// Resolver overrides the DNS client used for DNSSeeds.
	Resolver Resolver
}

type announceParams struct {
	Addr string `json:"addr"`
}

// Service implements the node's peer observer interface.
type Service struct {
	host   Host
	rpc    *rpc.Service
	book   *peerbook.PeerBook
	cfg    Config
	logger *slog.Logger

	rngMu sync.Mutex
	rng   *rand.Rand

	quit      chan struct{}
	wg        sync.WaitGroup
	startOnce sync.Once
	stopOnce  sync.Once
}

// New wires discovery to the node's host view, RPC service and peer book.
func New(host Host, rpcSvc *rpc.Service, book *peerbook.PeerBook, cfg Config) *Service {
	if cfg.ProvideInterval <= 0 {
		cfg.ProvideInterval = DefaultProvideInterval
	}
	if cfg.FindInterval <= 0 {
		cfg.FindInterval = DefaultFindInterval
	}
	logger := cfg.Logger
	if logger == nil {
		logger = logging.Component("p2p_discovery")
	}
	return &Service{
		host:   host,
		rpc:    rpcSvc,
		book:   book,
		cfg:    cfg,
		logger: logger,
		rng:    rand.New(rand.NewSource(time.Now().UnixNano())),
		quit:   make(chan struct{}),
	}
}

// Initialize loads the peer book, registers the discovery RPC methods and
// adds static and DNS seeds.
func (s *Service) Initialize(ctx context.Context) error {
	if err := s.book.Load(); err != nil {
		return err
	}
	s.rpc.ServeNotification(MethodAnnouncePublic, s.handleAnnouncePublic)
	s.rpc.Serve(MethodFindPeers, s.handleFindPeers)

	for _, seed := range s.cfg.Seeds {
		s.addAddress(seed)
	}
	if len(s.cfg.DNSSeeds) > 0 {
		for _, addr := range s.resolveDNSSeeds(ctx) {
			s.addAddress(addr)
		}
	}
	return nil
}

// Start dials known peers immediately and then runs the provide and find loops.
func (s *Service) Start() {
	s.startOnce.Do(func() {
		s.providePeers()
		s.wg.Add(1)
		go s.loop()
	})
}

// Stop halts the loops.
func (s *Service) Stop() {
	s.stopOnce.Do(func() { close(s.quit) })
	s.wg.Wait()
}

func (s *Service) loop() {
	defer s.wg.Done()
	provide := time.NewTicker(s.cfg.ProvideInterval)
	defer provide.Stop()
	find := time.NewTicker(s.cfg.FindInterval)
	defer find.Stop()
	for {
		select {
		case <-s.quit:
			return
		case <-provide.C:
			s.providePeers()
		case <-find.C:
			s.findPeers()
		}
	}
}

// providePeers offers every unbanned address to the node. The node drops
// duplicates and enforces its own admission limits.
func (s *Service) providePeers() {
	s.book.ForEachUnbanned(func(id string, st peerbook.PeerStatus) {
		if err := s.host.Connect(st.Addr); err != nil {
			s.logger.Debug("Connect to known peer skipped",
				logging.MaskField("peer_id", id),
				slog.Any("error", err))
		}
	})
}

// findPeers asks one random connected peer for its unbanned addresses.
func (s *Service) findPeers() {
	peers := s.host.Peers()
	if len(peers) == 0 {
		return
	}
	s.rngMu.Lock()
	target := peers[s.rng.Intn(len(peers))]
	s.rngMu.Unlock()

	err := s.rpc.Request(target, MethodFindPeers, nil, func(result json.RawMessage, err error) {
		if err != nil {
			s.logger.Debug("findPeers failed", logging.MaskField("peer_id", target), slog.Any("error", err))
			return
		}
		var addrs []string
		if err := json.Unmarshal(result, &addrs); err != nil {
			s.logger.Debug("findPeers returned malformed result", logging.MaskField("peer_id", target), slog.Any("error", err))
			return
		}
		for _, addr := range addrs {
			s.addAddress(addr)
		}
	})
	if err != nil {
		s.logger.Debug("findPeers request not sent", logging.MaskField("peer_id", target), slog.Any("error", err))
	}
}

func (s *Service) handleFindPeers(_ rpc.Request, done func(any, error)) {
	unbanned := s.book.UnbannedPeers()
	addrs := make([]string, 0, len(unbanned))
	for _, e := range unbanned {
		addrs = append(addrs, e.Addr)
	}
	done(addrs, nil)
}

func (s *Service) handleAnnouncePublic(req rpc.Request) {
	var params announceParams
	if err := json.Unmarshal(req.Params, &params); err != nil {
		s.logger.Debug("Malformed announcePublic", logging.MaskField("peer_id", req.Peer), slog.Any("error", err))
		return
	}
	s.addAddress(params.Addr)
}

// addAddress parses addr and records it unless it names this node.
func (s *Service) addAddress(addr string) {
	addr = strings.TrimSpace(addr)
	pa, err := peeraddr.Parse(addr)
	if err != nil {
		s.logger.Debug("Ignoring malformed peer address",
			logging.MaskField("peer_address", addr),
			slog.Any("error", err))
		return
	}
	if pa.ID == s.host.ID() {
		return
	}
	s.book.Add(pa.ID, addr)
}

func (s *Service) resolveDNSSeeds(ctx context.Context) []string {
	resolver := s.cfg.Resolver
	if resolver == nil {
		r, err := NewDNSResolver(s.cfg.DNSServer, s.cfg.DNSTimeout)
		if err != nil {
			s.logger.Warn("DNS seeds disabled", slog.Any("error", err))
			return nil
		}
		resolver = r
	}
	timeout := s.cfg.DNSTimeout
	if timeout <= 0 {
		timeout = defaultDNSTimeout
	}
	var out []string
	for _, name := range s.cfg.DNSSeeds {
		lookupCtx, cancel := context.WithTimeout(ctx, timeout)
		records, err := resolver.LookupTXT(lookupCtx, name)
		cancel()
		if err != nil {
			s.logger.Warn("DNS seed lookup failed", slog.String("name", name), slog.Any("error", err))
			continue
		}
		for _, rec := range records {
			if _, err := peeraddr.Parse(rec); err != nil {
				s.logger.Debug("DNS seed record rejected", slog.String("name", name), slog.Any("error", err))
				continue
			}
			out = append(out, rec)
		}
		s.logger.Info("Resolved DNS seeds", slog.String("name", name), slog.Int("records", len(records)))
	}
	return out
}

// PeerConnected announces this node's public address to the new peer and
// forgives any previous bans.
func (s *Service) PeerConnected(id string) {
	if addr := s.host.PublicAddr(); addr != "" {
		if err := s.rpc.Request(id, MethodAnnouncePublic, announceParams{Addr: addr}, nil); err != nil {
			s.logger.Debug("announcePublic not sent", logging.MaskField("peer_id", id), slog.Any("error", err))
		}
	}
	s.book.Unban(id)
}

// PeerDisconnected bans the peer.
func (s *Service) PeerDisconnected(id string) {
	s.book.Ban(id)
}

// PeerConnectFailed bans the peer.
func (s *Service) PeerConnectFailed(id string) {
	s.book.Ban(id)
}
