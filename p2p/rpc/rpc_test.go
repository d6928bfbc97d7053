package rpc

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"fastp2p/p2p/wire"
)

// pipeTransport delivers envelopes to the service registered under the peer
// id, round-tripping them through the wire codec.
type pipeTransport struct {
	self string

	mu      sync.Mutex
	peers   map[string]*Service
	sent    []*envelope
	drop    bool
	sendErr error
}

func (p *pipeTransport) Send(peerID string, msg any) error {
	p.mu.Lock()
	if p.sendErr != nil {
		p.mu.Unlock()
		return p.sendErr
	}
	target := p.peers[peerID]
	if env, ok := msg.(*envelope); ok {
		cp := *env
		p.sent = append(p.sent, &cp)
	}
	drop := p.drop
	p.mu.Unlock()

	if target == nil || drop {
		return nil
	}
	payload, err := wire.Encode(msg)
	if err != nil {
		return err
	}
	decoded, err := wire.Decode(payload)
	if err != nil {
		return err
	}
	go target.HandleMessage(decoded, p.self)
	return nil
}

func (p *pipeTransport) sentEnvelopes() []*envelope {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]*envelope(nil), p.sent...)
}

func newPair(t *testing.T, cfg Config) (*Service, *pipeTransport, *Service, *pipeTransport) {
	t.Helper()
	ta := &pipeTransport{self: "a", peers: map[string]*Service{}}
	tb := &pipeTransport{self: "b", peers: map[string]*Service{}}
	a := New(ta, cfg)
	b := New(tb, cfg)
	ta.peers["b"] = b
	tb.peers["a"] = a
	a.Start()
	b.Start()
	t.Cleanup(func() {
		a.Stop()
		b.Stop()
	})
	return a, ta, b, tb
}

func TestRequestResponse(t *testing.T) {
	a, _, b, _ := newPair(t, Config{})
	b.Serve("echo", func(req Request, done func(any, error)) {
		var in map[string]string
		if err := json.Unmarshal(req.Params, &in); err != nil {
			done(nil, InvalidParams(err))
			return
		}
		done(map[string]string{"echo": in["msg"], "from": req.Peer}, nil)
	})

	raw, err := a.Call(context.Background(), "b", "echo", map[string]string{"msg": "hi"})
	require.NoError(t, err)
	var out map[string]string
	require.NoError(t, json.Unmarshal(raw, &out))
	require.Equal(t, "hi", out["echo"])
	require.Equal(t, "a", out["from"])
	require.Zero(t, a.PendingCount())
}

func TestMethodNotFound(t *testing.T) {
	a, _, _, _ := newPair(t, Config{})
	_, err := a.Call(context.Background(), "b", "missing", nil)
	var rpcErr *Error
	require.ErrorAs(t, err, &rpcErr)
	require.Equal(t, CodeMethodNotFound, rpcErr.Code)
}

func TestHandlerErrorBecomesServerError(t *testing.T) {
	a, _, b, _ := newPair(t, Config{})
	b.Serve("fail", func(_ Request, done func(any, error)) {
		done(nil, errors.New("boom"))
	})
	_, err := a.Call(context.Background(), "b", "fail", nil)
	var rpcErr *Error
	require.ErrorAs(t, err, &rpcErr)
	require.Equal(t, CodeServerError, rpcErr.Code)
	require.Equal(t, "Server error", rpcErr.Message)
	var detail string
	require.NoError(t, json.Unmarshal(rpcErr.Data, &detail))
	require.Equal(t, "boom", detail)
}

func TestHandlerPanicBecomesInternalError(t *testing.T) {
	a, _, b, _ := newPair(t, Config{})
	b.Serve("panic", func(Request, func(any, error)) {
		panic("kaboom")
	})
	_, err := a.Call(context.Background(), "b", "panic", nil)
	var rpcErr *Error
	require.ErrorAs(t, err, &rpcErr)
	require.Equal(t, CodeInternalError, rpcErr.Code)
}

func TestServeOverwritesHandler(t *testing.T) {
	a, _, b, _ := newPair(t, Config{})
	b.Serve("v", func(_ Request, done func(any, error)) { done(1, nil) })
	b.Serve("v", func(_ Request, done func(any, error)) { done(2, nil) })
	raw, err := a.Call(context.Background(), "b", "v", nil)
	require.NoError(t, err)
	require.JSONEq(t, "2", string(raw))
}

func TestTimeoutDropsLateResponse(t *testing.T) {
	a, _, b, _ := newPair(t, Config{SweepInterval: 10 * time.Millisecond})
	release := make(chan struct{})
	b.Serve("slow", func(_ Request, done func(any, error)) {
		go func() {
			<-release
			done("late", nil)
		}()
	})

	var (
		mu    sync.Mutex
		calls []error
	)
	finished := make(chan struct{}, 2)
	start := time.Now()
	err := a.Request("b", "slow", nil, func(_ json.RawMessage, err error) {
		mu.Lock()
		calls = append(calls, err)
		mu.Unlock()
		finished <- struct{}{}
	}, WithTimeout(100*time.Millisecond))
	require.NoError(t, err)

	select {
	case <-finished:
	case <-time.After(2 * time.Second):
		t.Fatalf("callback not invoked")
	}
	elapsed := time.Since(start)
	require.GreaterOrEqual(t, elapsed, 100*time.Millisecond)
	require.Less(t, elapsed, time.Second)

	close(release)
	select {
	case <-finished:
		t.Fatalf("late response must be dropped")
	case <-time.After(200 * time.Millisecond):
	}
	mu.Lock()
	defer mu.Unlock()
	require.Len(t, calls, 1)
	require.ErrorIs(t, calls[0], ErrRequestTimeout)
}

func TestSequenceWrapsToOne(t *testing.T) {
	transport := &pipeTransport{self: "a", peers: map[string]*Service{}}
	svc := New(transport, Config{MaxSeq: 3})
	for i := 0; i < 5; i++ {
		require.NoError(t, svc.Request("b", "ping", nil, nil))
	}
	var seqs []uint32
	for _, env := range transport.sentEnvelopes() {
		seqs = append(seqs, env.Seq)
	}
	require.Equal(t, []uint32{1, 2, 3, 1, 2}, seqs)
}

func TestSequenceSkipsPendingNumbers(t *testing.T) {
	transport := &pipeTransport{self: "a", peers: map[string]*Service{}}
	svc := New(transport, Config{MaxSeq: 3})
	noop := func(json.RawMessage, error) {}
	require.NoError(t, svc.Request("b", "ping", nil, noop))
	require.NoError(t, svc.Request("b", "ping", nil, nil))
	require.NoError(t, svc.Request("b", "ping", nil, nil))
	require.NoError(t, svc.Request("b", "ping", nil, nil))

	envs := transport.sentEnvelopes()
	require.Equal(t, uint32(2), envs[3].Seq, "seq 1 is still pending and must be skipped")
}

func TestDefaultMaxSeqWraps(t *testing.T) {
	transport := &pipeTransport{self: "a", peers: map[string]*Service{}}
	svc := New(transport, Config{})
	svc.seq = DefaultMaxSeq - 1
	require.NoError(t, svc.Request("b", "ping", nil, nil))
	require.NoError(t, svc.Request("b", "ping", nil, nil))
	envs := transport.sentEnvelopes()
	require.Equal(t, uint32(DefaultMaxSeq), envs[0].Seq)
	require.Equal(t, uint32(1), envs[1].Seq)
}

func TestUnknownAndZeroSeqResponsesIgnored(t *testing.T) {
	transport := &pipeTransport{self: "a", peers: map[string]*Service{}}
	svc := New(transport, Config{})
	called := false
	require.NoError(t, svc.Request("b", "ping", nil, func(json.RawMessage, error) { called = true }))

	for _, raw := range []string{
		`{"protocol":"/rpc/0.1.0","seq":0,"result":1}`,
		`{"protocol":"/rpc/0.1.0","seq":99,"result":1}`,
		`{"protocol":"/gossip/0.1.0","seq":1}`,
	} {
		msg, err := wire.Decode([]byte(raw))
		require.NoError(t, err)
		svc.HandleMessage(msg, "b")
	}
	require.False(t, called)
	require.Equal(t, 1, svc.PendingCount())
}

func TestMalformedResponseIsNotAnswered(t *testing.T) {
	transport := &pipeTransport{self: "a", peers: map[string]*Service{}}
	svc := New(transport, Config{})
	called := false
	require.NoError(t, svc.Request("b", "ping", nil, func(json.RawMessage, error) { called = true }))

	msg, err := wire.Decode([]byte(`{"protocol":"/rpc/0.1.0","seq":1,"error":"boom"}`))
	require.NoError(t, err)
	svc.HandleMessage(msg, "b")

	require.Len(t, transport.sentEnvelopes(), 1)
	require.False(t, called)
	require.Equal(t, 1, svc.PendingCount())
}

func TestMalformedRequestGetsParseError(t *testing.T) {
	transport := &pipeTransport{self: "b", peers: map[string]*Service{}}
	svc := New(transport, Config{})

	msg, err := wire.Decode([]byte(`{"protocol":"/rpc/0.1.0","method":"ping","seq":7,"error":"boom"}`))
	require.NoError(t, err)
	svc.HandleMessage(msg, "a")

	envs := transport.sentEnvelopes()
	require.Len(t, envs, 1)
	require.Equal(t, uint32(7), envs[0].Seq)
	require.NotNil(t, envs[0].Error)
	require.Equal(t, CodeParseError, envs[0].Error.Code)
}

func TestSendFailureSkipsCallback(t *testing.T) {
	transport := &pipeTransport{self: "a", peers: map[string]*Service{}, sendErr: errors.New("queue full")}
	svc := New(transport, Config{})
	err := svc.Request("b", "ping", nil, func(json.RawMessage, error) {
		t.Fatalf("callback must not run")
	})
	require.Error(t, err)
	require.Zero(t, svc.PendingCount())
}

func TestCallHonoursContextCancel(t *testing.T) {
	transport := &pipeTransport{self: "a", peers: map[string]*Service{}, drop: true}
	svc := New(transport, Config{})
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err := svc.Call(ctx, "b", "ping", nil)
	require.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestServeNotificationSendsNoResponse(t *testing.T) {
	a, ta, b, tb := newPair(t, Config{})
	got := make(chan string, 1)
	b.ServeNotification("announce", func(req Request) {
		got <- string(req.Params)
	})
	require.NoError(t, a.Request("b", "announce", map[string]string{"addr": "x"}, nil))

	select {
	case params := <-got:
		require.JSONEq(t, `{"addr":"x"}`, params)
	case <-time.After(time.Second):
		t.Fatalf("notification not delivered")
	}
	require.Len(t, ta.sentEnvelopes(), 1)
	require.Empty(t, tb.sentEnvelopes())
}
