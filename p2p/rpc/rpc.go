// Package rpc correlates requests and responses exchanged between peers over
// the /rpc/0.1.0 protocol. A single pending table keyed by sequence number
// covers every peer; requests are answered or time out, never cancelled.
package rpc

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"math"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"fastp2p/observability"
	"fastp2p/observability/logging"
	"fastp2p/p2p/wire"
)

const (
	DefaultTimeout       = 4 * time.Second
	DefaultSweepInterval = time.Second
	DefaultMaxSeq        = math.MaxUint32
)

// Transport delivers envelopes to a connected peer.
type Transport interface {
	Send(peerID string, msg any) error
}

// Callback receives either the raw result or an error. It runs at most once.
type Callback func(result json.RawMessage, err error)

// Request is what a Handler sees.
type Request struct {
	Context context.Context
	Method  string
	Params  json.RawMessage
	Peer    string
}

// Handler serves one method. It must eventually call done exactly once;
// later calls are ignored. done may be called from any goroutine.
type Handler func(req Request, done func(result any, err error))

// Config tunes the service.
type Config struct {
	DefaultTimeout time.Duration
	SweepInterval  time.Duration
	MaxSeq         uint32
	Logger         *slog.Logger
}

type pendingRequest struct {
	started  time.Time
	timeout  time.Duration
	callback Callback
}

type envelope struct {
	Protocol string          `json:"protocol"`
	Method   string          `json:"method,omitempty"`
	Params   json.RawMessage `json:"params,omitempty"`
	Seq      uint32          `json:"seq"`
	Error    *Error          `json:"error,omitempty"`
	Result   json.RawMessage `json:"result,omitempty"`
}

func (e *envelope) ProtocolTag() string { return e.Protocol }

// Service is the RPC engine. It implements the node's message handler
// interface.
type Service struct {
	transport Transport
	cfg       Config
	logger    *slog.Logger
	metrics   *observability.P2PMetrics
	tracer    trace.Tracer
	now       func() time.Time

	mu       sync.Mutex
	seq      uint32
	pending  map[uint32]*pendingRequest
	handlers map[string]Handler

	quit      chan struct{}
	wg        sync.WaitGroup
	startOnce sync.Once
	stopOnce  sync.Once
}

// New constructs a Service bound to transport.
func New(transport Transport, cfg Config) *Service {
	if cfg.DefaultTimeout <= 0 {
		cfg.DefaultTimeout = DefaultTimeout
	}
	if cfg.SweepInterval <= 0 {
		cfg.SweepInterval = DefaultSweepInterval
	}
	if cfg.MaxSeq == 0 {
		cfg.MaxSeq = DefaultMaxSeq
	}
	logger := cfg.Logger
	if logger == nil {
		logger = logging.Component("p2p_rpc")
	}
	return &Service{
		transport: transport,
		cfg:       cfg,
		logger:    logger,
		metrics:   observability.P2P(),
		tracer:    otel.Tracer("fastp2p/p2p/rpc"),
		now:       time.Now,
		pending:   make(map[uint32]*pendingRequest),
		handlers:  make(map[string]Handler),
		quit:      make(chan struct{}),
	}
}

// Start launches the timeout sweep.
func (s *Service) Start() {
	s.startOnce.Do(func() {
		s.wg.Add(1)
		go s.sweepLoop()
	})
}

// Stop halts the sweep. Pending requests are left untouched.
func (s *Service) Stop() {
	s.stopOnce.Do(func() {
		close(s.quit)
	})
	s.wg.Wait()
}

// RequestOption customises a single request.
type RequestOption func(*pendingRequest)

// WithTimeout overrides the default timeout for one request.
func WithTimeout(d time.Duration) RequestOption {
	return func(p *pendingRequest) {
		if d > 0 {
			p.timeout = d
		}
	}
}

// Serve registers handler for method, replacing any previous handler.
func (s *Service) Serve(method string, handler Handler) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.handlers[method] = handler
}

// ServeNotification registers a handler for method that never answers. The
// caller's request is expected to be fire-and-forget.
func (s *Service) ServeNotification(method string, handler func(req Request)) {
	s.Serve(method, func(req Request, done func(any, error)) {
		handler(req)
		s.finishSpan(req.Context)
	})
}

// Request sends method(params) to peer. A nil callback makes the request a
// notification: nothing is tracked and any response is dropped. When Request
// returns an error the callback will not be invoked.
func (s *Service) Request(peer, method string, params any, cb Callback, opts ...RequestOption) error {
	rawParams, err := marshalOptional(params)
	if err != nil {
		return fmt.Errorf("rpc: encode params for %s: %w", method, err)
	}

	s.mu.Lock()
	seq := s.nextSeqLocked()
	if cb != nil {
		p := &pendingRequest{started: s.now(), timeout: s.cfg.DefaultTimeout, callback: cb}
		for _, opt := range opts {
			opt(p)
		}
		s.pending[seq] = p
	}
	pendingCount := len(s.pending)
	s.mu.Unlock()
	s.metrics.SetPendingRequests(pendingCount)

	env := &envelope{Protocol: wire.ProtocolRPC, Method: method, Params: rawParams, Seq: seq}
	if err := s.transport.Send(peer, env); err != nil {
		if cb != nil {
			s.mu.Lock()
			delete(s.pending, seq)
			s.mu.Unlock()
		}
		s.metrics.RecordRPC("client", "send_failed")
		return fmt.Errorf("rpc: send %s to peer: %w", method, err)
	}
	s.metrics.RecordRPC("client", "sent")
	return nil
}

type callResult struct {
	result json.RawMessage
	err    error
}

// Call is a blocking form of Request. A context deadline shorter than the
// default timeout becomes the request timeout.
func (s *Service) Call(ctx context.Context, peer, method string, params any, opts ...RequestOption) (json.RawMessage, error) {
	if deadline, ok := ctx.Deadline(); ok {
		if remaining := time.Until(deadline); remaining > 0 && remaining < s.cfg.DefaultTimeout {
			opts = append([]RequestOption{WithTimeout(remaining)}, opts...)
		}
	}
	ch := make(chan callResult, 1)
	err := s.Request(peer, method, params, func(result json.RawMessage, err error) {
		ch <- callResult{result: result, err: err}
	}, opts...)
	if err != nil {
		return nil, err
	}
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case res := <-ch:
		return res.result, res.err
	}
}

// PendingCount returns the number of outstanding requests.
func (s *Service) PendingCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.pending)
}

// HandleMessage consumes /rpc/0.1.0 envelopes and ignores everything else.
func (s *Service) HandleMessage(msg *wire.Message, peer string) {
	if msg == nil || msg.Protocol != wire.ProtocolRPC {
		return
	}
	var env envelope
	if err := msg.Unmarshal(&env); err != nil {
		s.logger.Debug("Malformed rpc envelope", logging.MaskField("peer_id", peer), slog.Any("error", err))
		if seq, ok := malformedRequestSeq(msg); ok {
			s.respond(peer, seq, nil, NewError(CodeParseError, "Parse error"))
		}
		return
	}
	if env.Method != "" {
		s.handleRequest(peer, &env)
		return
	}
	s.handleResponse(&env)
}

// malformedRequestSeq returns the seq to answer with a parse error. Only
// envelopes carrying a method are requests; a broken response is dropped.
func malformedRequestSeq(msg *wire.Message) (uint32, bool) {
	var fields map[string]json.RawMessage
	if err := msg.Unmarshal(&fields); err != nil {
		return 0, false
	}
	method, ok := fields["method"]
	if !ok {
		return 0, false
	}
	if m := string(method); m == "null" || m == `""` {
		return 0, false
	}
	var seq uint32
	if err := json.Unmarshal(fields["seq"], &seq); err != nil || seq == 0 {
		return 0, false
	}
	return seq, true
}

func (s *Service) handleRequest(peer string, env *envelope) {
	s.mu.Lock()
	handler := s.handlers[env.Method]
	s.mu.Unlock()

	if handler == nil {
		s.metrics.RecordRPC("server", "method_not_found")
		s.respond(peer, env.Seq, nil, methodNotFound(env.Method))
		return
	}

	ctx, span := s.tracer.Start(context.Background(), "rpc.serve "+env.Method,
		trace.WithSpanKind(trace.SpanKindServer),
		trace.WithAttributes(
			attribute.String("rpc.method", env.Method),
			attribute.Int64("rpc.seq", int64(env.Seq)),
		))

	var once sync.Once
	done := func(result any, err error) {
		once.Do(func() {
			defer span.End()
			if err != nil {
				span.RecordError(err)
				span.SetStatus(codes.Error, err.Error())
				s.metrics.RecordRPC("server", "error")
				s.respond(peer, env.Seq, nil, asWireError(err))
				return
			}
			raw, encErr := marshalOptional(result)
			if encErr != nil {
				span.SetStatus(codes.Error, encErr.Error())
				s.metrics.RecordRPC("server", "error")
				s.respond(peer, env.Seq, nil, internalError(encErr.Error()))
				return
			}
			s.metrics.RecordRPC("server", "ok")
			s.respond(peer, env.Seq, raw, nil)
		})
	}

	req := Request{Context: ctx, Method: env.Method, Params: env.Params, Peer: peer}
	s.invoke(handler, req, done)
}

func (s *Service) finishSpan(ctx context.Context) {
	trace.SpanFromContext(ctx).End()
}

func (s *Service) invoke(handler Handler, req Request, done func(any, error)) {
	defer func() {
		if r := recover(); r != nil {
			s.logger.Error("RPC handler panicked",
				slog.String("method", req.Method),
				slog.Any("panic", r))
			done(nil, internalError(fmt.Sprint(r)))
		}
	}()
	handler(req, done)
}

func (s *Service) respond(peer string, seq uint32, result json.RawMessage, rpcErr *Error) {
	env := &envelope{Protocol: wire.ProtocolRPC, Seq: seq, Error: rpcErr}
	if rpcErr == nil {
		env.Result = result
	}
	if err := s.transport.Send(peer, env); err != nil {
		s.logger.Debug("Send rpc response failed",
			logging.MaskField("peer_id", peer),
			slog.Any("error", err))
	}
}

func (s *Service) handleResponse(env *envelope) {
	if env.Seq == 0 {
		return
	}
	s.mu.Lock()
	p, ok := s.pending[env.Seq]
	if ok {
		delete(s.pending, env.Seq)
	}
	pendingCount := len(s.pending)
	s.mu.Unlock()
	if !ok {
		return
	}
	s.metrics.SetPendingRequests(pendingCount)

	if env.Error != nil {
		s.metrics.RecordRPC("client", "error")
		p.callback(nil, env.Error)
		return
	}
	s.metrics.RecordRPC("client", "ok")
	p.callback(env.Result, nil)
}

// nextSeqLocked advances the sequence, wrapping from MaxSeq back to 1 and
// skipping numbers still awaiting a response.
func (s *Service) nextSeqLocked() uint32 {
	for i := 0; i <= len(s.pending); i++ {
		if s.seq >= s.cfg.MaxSeq {
			s.seq = 1
		} else {
			s.seq++
		}
		if _, busy := s.pending[s.seq]; !busy {
			break
		}
	}
	return s.seq
}

func (s *Service) sweepLoop() {
	defer s.wg.Done()
	ticker := time.NewTicker(s.cfg.SweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-s.quit:
			return
		case <-ticker.C:
			s.sweep()
		}
	}
}

// sweep expires every pending request older than its timeout.
func (s *Service) sweep() {
	now := s.now()
	var expired []*pendingRequest
	s.mu.Lock()
	for seq, p := range s.pending {
		if now.Sub(p.started) > p.timeout {
			delete(s.pending, seq)
			expired = append(expired, p)
		}
	}
	pendingCount := len(s.pending)
	s.mu.Unlock()

	if len(expired) == 0 {
		return
	}
	s.metrics.SetPendingRequests(pendingCount)
	for _, p := range expired {
		s.metrics.RecordRPC("client", "timeout")
		p.callback(nil, ErrRequestTimeout)
	}
}

func marshalOptional(v any) (json.RawMessage, error) {
	switch val := v.(type) {
	case nil:
		return nil, nil
	case json.RawMessage:
		return val, nil
	}
	return json.Marshal(v)
}
