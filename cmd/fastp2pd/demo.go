package main

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"log/slog"
	"math/rand"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common/lru"
	"lukechampine.com/blake3"

	"fastp2p/observability/logging"
	"fastp2p/p2p/gossip"
	"fastp2p/p2p/rpc"
)

const (
	transactionTopic   = "transaction"
	slowServiceMethod  = "slowService"
	defaultSlowExec    = time.Second
	seenTransactionCap = 100_000
	nameLetters        = "ABCDEFGHIJKLMNOPQRSTUVWXYZabcdefghijklmnopqrstuvwxyz"
)

type transaction struct {
	ID        string `json:"id"`
	Timestamp int64  `json:"timestamp"`
	Amount    int64  `json:"amount"`
	Sender    string `json:"sender"`
	Receiver  string `json:"receiver"`
}

func transactionID(t transaction) string {
	sum := blake3.Sum256([]byte(fmt.Sprintf("%d:%d:%s:%s", t.Timestamp, t.Amount, t.Sender, t.Receiver)))
	return hex.EncodeToString(sum[:])
}

func randomName(rng *rand.Rand) string {
	size := rng.Intn(5) + 5
	buf := make([]byte, size)
	for i := range buf {
		buf[i] = nameLetters[rng.Intn(len(nameLetters))]
	}
	return string(buf)
}

func newTransaction(rng *rand.Rand, now time.Time) transaction {
	t := transaction{
		Timestamp: now.UnixMilli(),
		Amount:    rng.Int63n(100_000),
		Sender:    randomName(rng),
		Receiver:  randomName(rng),
	}
	t.ID = transactionID(t)
	return t
}

type slowParams struct {
	ExpectExeTime int64 `json:"expectExeTime"`
	Q             int   `json:"q"`
}

type gossiper interface {
	Publish(topic string, data any) (*gossip.Message, error)
	Forward(msg *gossip.Message)
	Subscribe(topic string, handler gossip.Handler)
}

type requester interface {
	Serve(method string, handler rpc.Handler)
	Request(peer, method string, params any, cb rpc.Callback, opts ...rpc.RequestOption) error
}

type demoConfig struct {
	PublishInterval time.Duration
	StatsInterval   time.Duration
	Logger          *slog.Logger
}

// demo publishes random transactions, relays the ones it has not seen and
// periodically exercises slowService against a connected peer.
type demo struct {
	gossip gossiper
	rpc    requester
	peers  func() []string
	cfg    demoConfig
	logger *slog.Logger

	mu       sync.Mutex
	rng      *rand.Rand
	seen     lru.BasicLRU[string, struct{}]
	received int
	dedup    int
}

type demoStats struct {
	Peers         []string `json:"peers"`
	Transactions  int      `json:"transactions"`
	Received      int      `json:"recentlyReceived"`
	ReceivedDedup int      `json:"recentlyReceivedDedup"`
}

func newDemo(g gossiper, r requester, peers func() []string, cfg demoConfig) *demo {
	if cfg.PublishInterval <= 0 {
		cfg.PublishInterval = time.Second
	}
	if cfg.StatsInterval <= 0 {
		cfg.StatsInterval = 10 * time.Second
	}
	logger := cfg.Logger
	if logger == nil {
		logger = logging.Component("demo")
	}
	return &demo{
		gossip: g,
		rpc:    r,
		peers:  peers,
		cfg:    cfg,
		logger: logger,
		rng:    rand.New(rand.NewSource(time.Now().UnixNano())),
		seen:   lru.NewBasicLRU[string, struct{}](seenTransactionCap),
	}
}

// register installs the subscriber and the slowService handler.
func (d *demo) register() {
	d.rpc.Serve(slowServiceMethod, d.serveSlow)
	d.gossip.Subscribe(transactionTopic, d.handleTransaction)
}

func (d *demo) run(ctx context.Context) {
	publish := time.NewTicker(d.cfg.PublishInterval)
	defer publish.Stop()
	stats := time.NewTicker(d.cfg.StatsInterval)
	defer stats.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-publish.C:
			d.publish()
		case <-stats.C:
			d.report()
		}
	}
}

func (d *demo) publish() {
	d.mu.Lock()
	t := newTransaction(d.rng, time.Now())
	d.mu.Unlock()
	if _, err := d.gossip.Publish(transactionTopic, t); err != nil {
		d.logger.Warn("publish transaction failed", slog.Any("error", err))
	}
}

func (d *demo) handleTransaction(msg *gossip.Message, from string) {
	d.mu.Lock()
	d.received++
	var t transaction
	if err := json.Unmarshal(msg.Data, &t); err != nil || t.ID == "" {
		d.mu.Unlock()
		d.logger.Debug("ignoring malformed transaction", slog.String("peer", from))
		return
	}
	if _, ok := d.seen.Peek(t.ID); ok {
		d.mu.Unlock()
		return
	}
	d.seen.Add(t.ID, struct{}{})
	d.dedup++
	d.mu.Unlock()

	d.logger.Debug("received transaction", slog.String("tx", t.ID), slog.String("peer", from))
	d.gossip.Forward(msg)
}

func (d *demo) serveSlow(req rpc.Request, done func(any, error)) {
	var params slowParams
	if len(req.Params) > 0 {
		if err := json.Unmarshal(req.Params, &params); err != nil {
			done(nil, rpc.InvalidParams(err))
			return
		}
	}
	delay := defaultSlowExec
	if params.ExpectExeTime > 0 {
		delay = time.Duration(params.ExpectExeTime) * time.Millisecond
	}
	d.logger.Debug("slowService request", slog.String("peer", req.Peer), slog.Int("q", params.Q))
	time.AfterFunc(delay, func() { done("haha haha", nil) })
}

// snapshot returns the current counters and resets the per-interval ones.
func (d *demo) snapshot() demoStats {
	peers := d.peers()
	d.mu.Lock()
	defer d.mu.Unlock()
	st := demoStats{
		Peers:         peers,
		Transactions:  d.seen.Len(),
		Received:      d.received,
		ReceivedDedup: d.dedup,
	}
	d.received = 0
	d.dedup = 0
	return st
}

func (d *demo) report() {
	st := d.snapshot()
	d.logger.Info("demo stats",
		slog.Int("peers", len(st.Peers)),
		slog.Int("transactions", st.Transactions),
		slog.Int("recently_received", st.Received),
		slog.Int("recently_received_dedup", st.ReceivedDedup))
	if len(st.Peers) == 0 {
		return
	}
	peer := st.Peers[0]
	d.slowQuery(peer, 1, slowParams{Q: 1})
	d.slowQuery(peer, 2, slowParams{ExpectExeTime: 6000, Q: 2}, rpc.WithTimeout(5*time.Second))
	d.slowQuery(peer, 3, slowParams{ExpectExeTime: 5000, Q: 3})
}

func (d *demo) slowQuery(peer string, q int, params slowParams, opts ...rpc.RequestOption) {
	err := d.rpc.Request(peer, slowServiceMethod, params, func(result json.RawMessage, err error) {
		if err != nil {
			d.logger.Info("slowService response", slog.Int("q", q), slog.Any("error", err))
			return
		}
		d.logger.Info("slowService response", slog.Int("q", q), slog.String("result", string(result)))
	}, opts...)
	if err != nil {
		d.logger.Warn("slowService request failed", slog.Int("q", q), slog.Any("error", err))
	}
}
