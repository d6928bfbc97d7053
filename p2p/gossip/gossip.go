// Package gossip floods topic messages across the overlay. Each message is
// forwarded to a bounded random subset of connected peers that are not known
// to hold it already, and receivers suppress duplicates with a TTL cache.
package gossip

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"math/rand"
	"sync"
	"time"

	"fastp2p/observability"
	"fastp2p/observability/logging"
	"fastp2p/p2p/wire"
)

const (
	DefaultPublishLimit  = 15
	DefaultCacheSize     = 100_000
	DefaultCacheTTL      = 30 * time.Minute
	DefaultPruneInterval = time.Minute

	// maxSeq is the largest integer a JSON number carries exactly.
	maxSeq = 1<<53 - 1
)

// Transport is the view of the node the gossip layer needs.
type Transport interface {
	Peers() []string
	Send(peerID string, msg any) error
}

// Message is the /gossip/0.1.0 envelope.
type Message struct {
	Protocol string          `json:"protocol"`
	Source   string          `json:"source"`
	Topic    string          `json:"topic"`
	Data     json.RawMessage `json:"data"`
	Seq      uint64          `json:"seq"`
}

// ProtocolTag reports the envelope's protocol.
func (m *Message) ProtocolTag() string { return m.Protocol }

func (m *Message) id() messageID {
	return messageID{source: m.Source, seq: m.Seq}
}

// Handler receives a newly seen message together with the peer it came from.
type Handler func(msg *Message, from string)

// Config tunes dissemination and the duplicate cache.
type Config struct {
	PublishLimit  int
	CacheSize     int
	CacheTTL      time.Duration
	PruneInterval time.Duration
	Logger        *slog.Logger
}

// Service publishes, forwards and receives gossip.
type Service struct {
	localID   string
	transport Transport
	cfg       Config
	logger    *slog.Logger
	metrics   *observability.P2PMetrics
	now       func() time.Time

	mu          sync.Mutex
	seq         uint64
	cache       *seenCache
	subscribers map[string][]Handler
	rng         *rand.Rand

	quit      chan struct{}
	wg        sync.WaitGroup
	startOnce sync.Once
	stopOnce  sync.Once
}

// New constructs a Service for the node identified by localID.
func New(localID string, transport Transport, cfg Config) *Service {
	if cfg.PublishLimit <= 0 {
		cfg.PublishLimit = DefaultPublishLimit
	}
	if cfg.CacheSize <= 0 {
		cfg.CacheSize = DefaultCacheSize
	}
	if cfg.CacheTTL <= 0 {
		cfg.CacheTTL = DefaultCacheTTL
	}
	if cfg.PruneInterval <= 0 {
		cfg.PruneInterval = DefaultPruneInterval
	}
	logger := cfg.Logger
	if logger == nil {
		logger = logging.Component("p2p_gossip")
	}
	now := time.Now()
	return &Service{
		localID:     localID,
		transport:   transport,
		cfg:         cfg,
		logger:      logger,
		metrics:     observability.P2P(),
		now:         time.Now,
		seq:         uint64(now.UnixMilli()) % maxSeq,
		cache:       newSeenCache(cfg.CacheSize, cfg.CacheTTL),
		subscribers: make(map[string][]Handler),
		rng:         rand.New(rand.NewSource(now.UnixNano())),
		quit:        make(chan struct{}),
	}
}

// Start launches the periodic cache prune.
func (s *Service) Start() {
	s.startOnce.Do(func() {
		s.wg.Add(1)
		go s.pruneLoop()
	})
}

// Stop halts the prune loop.
func (s *Service) Stop() {
	s.stopOnce.Do(func() { close(s.quit) })
	s.wg.Wait()
}

// Subscribe adds handler for topic. Handlers run synchronously in
// subscription order.
func (s *Service) Subscribe(topic string, handler Handler) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.subscribers[topic] = append(s.subscribers[topic], handler)
}

// Publish originates a message on topic and sends it to a random subset of
// connected peers. The message is recorded as seen so echoes are suppressed.
func (s *Service) Publish(topic string, data any) (*Message, error) {
	raw, err := json.Marshal(data)
	if err != nil {
		return nil, fmt.Errorf("gossip: encode data for %s: %w", topic, err)
	}
	s.mu.Lock()
	s.seq = nextSeq(s.seq)
	msg := &Message{
		Protocol: wire.ProtocolGossip,
		Source:   s.localID,
		Topic:    topic,
		Data:     raw,
		Seq:      s.seq,
	}
	s.cache.insert(msg.id(), s.now())
	s.mu.Unlock()

	s.metrics.RecordGossip("published")
	s.disseminate(msg)
	return msg, nil
}

// Forward relays msg to connected peers that are not known to have it.
func (s *Service) Forward(msg *Message) {
	if msg == nil {
		return
	}
	s.metrics.RecordGossip("forwarded")
	s.disseminate(msg)
}

func (s *Service) disseminate(msg *Message) {
	targets := s.selectPeers(msg)
	for _, peer := range targets {
		if err := s.transport.Send(peer, msg); err != nil {
			s.logger.Debug("Gossip send failed",
				logging.MaskField("peer_id", peer),
				slog.String("topic", msg.Topic),
				slog.Any("error", err))
		}
	}
}

// selectPeers picks up to PublishLimit connected peers, excluding the source
// and peers already recorded for the message, and records the picks.
func (s *Service) selectPeers(msg *Message) []string {
	connected := s.transport.Peers()

	s.mu.Lock()
	defer s.mu.Unlock()
	id := msg.id()
	now := s.now()
	entry, ok := s.cache.lookup(id, now)
	if !ok {
		entry = s.cache.insert(id, now)
	}

	candidates := make([]string, 0, len(connected))
	for _, peer := range connected {
		if peer == msg.Source {
			continue
		}
		if _, has := entry.peers[peer]; has {
			continue
		}
		candidates = append(candidates, peer)
	}
	s.rng.Shuffle(len(candidates), func(i, j int) {
		candidates[i], candidates[j] = candidates[j], candidates[i]
	})
	if len(candidates) > s.cfg.PublishLimit {
		candidates = candidates[:s.cfg.PublishLimit]
	}
	for _, peer := range candidates {
		entry.peers[peer] = struct{}{}
	}
	return candidates
}

// HandleMessage consumes /gossip/0.1.0 envelopes. A message seen before only
// records the sender; a new one is delivered to the topic's subscribers.
func (s *Service) HandleMessage(raw *wire.Message, from string) {
	if raw == nil || raw.Protocol != wire.ProtocolGossip {
		return
	}
	var msg Message
	if err := raw.Unmarshal(&msg); err != nil {
		s.logger.Debug("Malformed gossip envelope", logging.MaskField("peer_id", from), slog.Any("error", err))
		return
	}

	s.mu.Lock()
	now := s.now()
	if entry, ok := s.cache.lookup(msg.id(), now); ok {
		entry.peers[from] = struct{}{}
		s.mu.Unlock()
		s.metrics.RecordGossip("duplicate")
		return
	}
	s.cache.insert(msg.id(), now, from)
	handlers := append([]Handler(nil), s.subscribers[msg.Topic]...)
	s.mu.Unlock()

	s.metrics.RecordGossip("delivered")
	for _, h := range handlers {
		h(&msg, from)
	}
}

// CacheLen returns the number of identities currently cached.
func (s *Service) CacheLen() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cache.len()
}

func (s *Service) pruneLoop() {
	defer s.wg.Done()
	ticker := time.NewTicker(s.cfg.PruneInterval)
	defer ticker.Stop()
	for {
		select {
		case <-s.quit:
			return
		case <-ticker.C:
			s.mu.Lock()
			removed := s.cache.prune(s.now())
			s.mu.Unlock()
			if removed > 0 {
				s.logger.Debug("Pruned gossip cache", slog.Int("removed", removed))
			}
		}
	}
}

func nextSeq(seq uint64) uint64 {
	if seq >= maxSeq {
		return 1
	}
	return seq + 1
}
