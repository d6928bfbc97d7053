// Package peerbook tracks known peer addresses together with their ban state.
// Memory is authoritative; the backing Store only receives fire-and-forget
// upserts and deletes so that a restarted node can reload its address list.
package peerbook

import (
	"fmt"
	"log/slog"
	"math"
	"math/rand"
	"sort"
	"sync"
	"time"

	"fastp2p/observability"
	"fastp2p/observability/logging"
)

const (
	DefaultMaxBanAttempts  = 8
	DefaultBanTTL          = 30 * time.Second
	DefaultCompactInterval = 30 * time.Second

	DefaultWriteQueueSize = 1024

	banJitter = 0.1
)

// Config tunes ban policy and store maintenance.
type Config struct {
	MaxBanAttempts  int
	BanTTL          time.Duration
	CompactInterval time.Duration
	// WriteQueueSize bounds pending store writes. Writes beyond it are dropped.
	WriteQueueSize int
	Logger         *slog.Logger
}

// PeerStatus is the in-memory state for one peer. Zero BanCount and UnbanTime
// mean the peer has never been banned or has been forgiven.
type PeerStatus struct {
	Addr      string    `json:"addr"`
	BanCount  int       `json:"banCount"`
	UnbanTime time.Time `json:"unbanTime,omitempty"`
}

// Banned reports whether the status is serving a ban at now.
func (s PeerStatus) Banned(now time.Time) bool {
	return !s.UnbanTime.IsZero() && s.UnbanTime.After(now)
}

// Entry pairs a peer id with its status.
type Entry struct {
	ID string `json:"id"`
	PeerStatus
}

type writeKind int

const (
	writeUpsert writeKind = iota
	writeDelete
)

func (k writeKind) String() string {
	if k == writeDelete {
		return "delete"
	}
	return "upsert"
}

type writeOp struct {
	kind writeKind
	rec  Record
}

// PeerBook is safe for concurrent use.
type PeerBook struct {
	cfg     Config
	store   Store
	logger  *slog.Logger
	metrics *observability.P2PMetrics

	mu      sync.RWMutex
	entries map[string]*PeerStatus

	now  func() time.Time
	rand func() float64

	writes     chan writeOp
	quit       chan struct{}
	writerDone chan struct{}
	wg         sync.WaitGroup
	startOnce  sync.Once
	closeOnce  sync.Once
	closeErr   error
}

// New builds a PeerBook over store and starts its background writer. A nil
// store keeps everything in memory.
func New(store Store, cfg Config) *PeerBook {
	if cfg.MaxBanAttempts <= 0 {
		cfg.MaxBanAttempts = DefaultMaxBanAttempts
	}
	if cfg.BanTTL <= 0 {
		cfg.BanTTL = DefaultBanTTL
	}
	if cfg.CompactInterval <= 0 {
		cfg.CompactInterval = DefaultCompactInterval
	}
	if cfg.WriteQueueSize <= 0 {
		cfg.WriteQueueSize = DefaultWriteQueueSize
	}
	if store == nil {
		store = NewMemoryStore()
	}
	logger := cfg.Logger
	if logger == nil {
		logger = logging.Component("peerbook")
	}
	b := &PeerBook{
		cfg:        cfg,
		store:      store,
		logger:     logger,
		metrics:    observability.P2P(),
		entries:    make(map[string]*PeerStatus),
		now:        time.Now,
		rand:       rand.Float64,
		writes:     make(chan writeOp, cfg.WriteQueueSize),
		quit:       make(chan struct{}),
		writerDone: make(chan struct{}),
	}
	go b.writeLoop()
	return b
}

// SetClock overrides the time source.
func (b *PeerBook) SetClock(now func() time.Time) {
	if now != nil {
		b.now = now
	}
}

// SetRand overrides the jitter source. fn must return values in [0, 1).
func (b *PeerBook) SetRand(fn func() float64) {
	if fn != nil {
		b.rand = fn
	}
}

// Load reads every stored record into memory. It is meant to be called once
// before the book is used.
func (b *PeerBook) Load() error {
	loaded := 0
	err := b.store.Scan(func(rec Record) error {
		if rec.ID == "" {
			return nil
		}
		b.mu.Lock()
		if _, exists := b.entries[rec.ID]; !exists {
			b.entries[rec.ID] = &PeerStatus{Addr: rec.Addr}
			loaded++
		}
		b.mu.Unlock()
		return nil
	})
	if err != nil {
		return fmt.Errorf("load peer book: %w", err)
	}
	b.logger.Info("Peer book loaded", slog.Int("peers", loaded))
	b.publishMetrics()
	return nil
}

// Start launches periodic store compaction.
func (b *PeerBook) Start() {
	b.startOnce.Do(func() {
		b.wg.Add(1)
		go b.compactLoop()
	})
}

// Add records addr for id if id is unknown. It reports whether a new entry
// was created.
func (b *PeerBook) Add(id, addr string) bool {
	if id == "" {
		return false
	}
	b.mu.Lock()
	if _, exists := b.entries[id]; exists {
		b.mu.Unlock()
		return false
	}
	b.entries[id] = &PeerStatus{Addr: addr}
	b.mu.Unlock()

	b.enqueue(writeOp{kind: writeUpsert, rec: Record{ID: id, Addr: addr}})
	return true
}

// Get returns the status for id.
func (b *PeerBook) Get(id string) (PeerStatus, bool) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	st, ok := b.entries[id]
	if !ok {
		return PeerStatus{}, false
	}
	return *st, true
}

// Remove forgets id in memory and in the store.
func (b *PeerBook) Remove(id string) {
	b.mu.Lock()
	_, exists := b.entries[id]
	delete(b.entries, id)
	b.mu.Unlock()
	if exists {
		b.enqueue(writeOp{kind: writeDelete, rec: Record{ID: id}})
	}
}

// Ban escalates the ban for id. The duration doubles with every ban starting
// at BanTTL with ±10% jitter; once BanCount exceeds MaxBanAttempts the peer is
// removed. Unknown ids are ignored.
func (b *PeerBook) Ban(id string) {
	b.mu.Lock()
	st, ok := b.entries[id]
	if !ok {
		b.mu.Unlock()
		return
	}
	st.BanCount++
	if st.BanCount > b.cfg.MaxBanAttempts {
		delete(b.entries, id)
		b.mu.Unlock()
		b.logger.Info("Peer removed after repeated bans", logging.MaskField("peer_id", id))
		b.enqueue(writeOp{kind: writeDelete, rec: Record{ID: id}})
		return
	}
	duration := b.banDuration(st.BanCount)
	st.UnbanTime = b.now().Add(duration)
	count := st.BanCount
	b.mu.Unlock()

	b.logger.Debug("Peer banned",
		logging.MaskField("peer_id", id),
		slog.Int("ban_count", count),
		slog.Duration("duration", duration))
}

func (b *PeerBook) banDuration(count int) time.Duration {
	base := float64(b.cfg.BanTTL) * math.Pow(2, float64(count-1))
	lo := base * (1 - banJitter)
	hi := base * (1 + banJitter)
	return time.Duration(math.Floor(b.rand()*(hi-lo) + lo))
}

// Unban clears the ban state of id.
func (b *PeerBook) Unban(id string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if st, ok := b.entries[id]; ok {
		st.BanCount = 0
		st.UnbanTime = time.Time{}
	}
}

// UnbannedPeers returns every entry not currently serving a ban, sorted by id.
func (b *PeerBook) UnbannedPeers() []Entry {
	var out []Entry
	b.ForEachUnbanned(func(id string, st PeerStatus) {
		out = append(out, Entry{ID: id, PeerStatus: st})
	})
	sortEntries(out)
	return out
}

// ForEachUnbanned calls fn for each entry not serving a ban. fn runs without
// the book's lock held.
func (b *PeerBook) ForEachUnbanned(fn func(id string, st PeerStatus)) {
	now := b.now()
	b.mu.RLock()
	snapshot := make([]Entry, 0, len(b.entries))
	for id, st := range b.entries {
		if st.Banned(now) {
			continue
		}
		snapshot = append(snapshot, Entry{ID: id, PeerStatus: *st})
	}
	b.mu.RUnlock()
	for _, e := range snapshot {
		fn(e.ID, e.PeerStatus)
	}
}

// AllPeers returns every entry sorted by id.
func (b *PeerBook) AllPeers() []Entry {
	b.mu.RLock()
	out := make([]Entry, 0, len(b.entries))
	for id, st := range b.entries {
		out = append(out, Entry{ID: id, PeerStatus: *st})
	}
	b.mu.RUnlock()
	sortEntries(out)
	return out
}

// Len returns the number of known peers.
func (b *PeerBook) Len() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.entries)
}

// Close stops compaction, drains queued writes and closes the store.
func (b *PeerBook) Close() error {
	b.closeOnce.Do(func() {
		close(b.quit)
		b.wg.Wait()
		<-b.writerDone
		b.closeErr = b.store.Close()
	})
	return b.closeErr
}

// enqueue never blocks. The in-memory book stays authoritative when the store
// falls behind and a write is dropped.
func (b *PeerBook) enqueue(op writeOp) {
	select {
	case <-b.quit:
		b.logger.Debug("Peer book closed; dropping write", logging.MaskField("peer_id", op.rec.ID))
		return
	default:
	}
	select {
	case b.writes <- op:
	default:
		b.metrics.RecordStoreError("queue_full")
		b.logger.Warn("Peer store write queue full; dropping write",
			slog.String("op", op.kind.String()),
			logging.MaskField("peer_id", op.rec.ID))
	}
}

func (b *PeerBook) writeLoop() {
	defer close(b.writerDone)
	for {
		select {
		case op := <-b.writes:
			b.apply(op)
		case <-b.quit:
			for {
				select {
				case op := <-b.writes:
					b.apply(op)
				default:
					return
				}
			}
		}
	}
}

func (b *PeerBook) apply(op writeOp) {
	var (
		err  error
		name string
	)
	switch op.kind {
	case writeUpsert:
		name = "upsert"
		err = b.store.Upsert(op.rec)
	case writeDelete:
		name = "delete"
		err = b.store.Delete(op.rec.ID)
	}
	if err != nil {
		b.metrics.RecordStoreError(name)
		b.logger.Warn("Peer store write failed",
			slog.String("op", name),
			logging.MaskField("peer_id", op.rec.ID),
			slog.Any("error", err))
	}
}

func (b *PeerBook) compactLoop() {
	defer b.wg.Done()
	ticker := time.NewTicker(b.cfg.CompactInterval)
	defer ticker.Stop()
	for {
		select {
		case <-b.quit:
			return
		case <-ticker.C:
			if err := b.store.Compact(); err != nil {
				b.metrics.RecordStoreError("compact")
				b.logger.Warn("Peer store compaction failed", slog.Any("error", err))
			}
			b.publishMetrics()
		}
	}
}

func (b *PeerBook) publishMetrics() {
	now := b.now()
	b.mu.RLock()
	known := len(b.entries)
	banned := 0
	for _, st := range b.entries {
		if st.Banned(now) {
			banned++
		}
	}
	b.mu.RUnlock()
	b.metrics.SetPeerBook(known, banned)
}

func sortEntries(entries []Entry) {
	sort.Slice(entries, func(i, j int) bool { return entries[i].ID < entries[j].ID })
}
