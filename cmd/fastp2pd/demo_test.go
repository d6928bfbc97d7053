package main

import (
	"encoding/json"
	"math/rand"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"fastp2p/p2p/gossip"
	"fastp2p/p2p/rpc"
)

type fakeGossip struct {
	mu        sync.Mutex
	published []any
	forwarded []*gossip.Message
	handlers  map[string]gossip.Handler
}

func (f *fakeGossip) Publish(topic string, data any) (*gossip.Message, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.published = append(f.published, data)
	return &gossip.Message{Topic: topic}, nil
}

func (f *fakeGossip) Forward(msg *gossip.Message) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.forwarded = append(f.forwarded, msg)
}

func (f *fakeGossip) Subscribe(topic string, handler gossip.Handler) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.handlers == nil {
		f.handlers = make(map[string]gossip.Handler)
	}
	f.handlers[topic] = handler
}

type sentRequest struct {
	peer    string
	method  string
	params  any
	options int
}

type fakeRPC struct {
	mu       sync.Mutex
	handlers map[string]rpc.Handler
	requests []sentRequest
}

func (f *fakeRPC) Serve(method string, handler rpc.Handler) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.handlers == nil {
		f.handlers = make(map[string]rpc.Handler)
	}
	f.handlers[method] = handler
}

func (f *fakeRPC) Request(peer, method string, params any, _ rpc.Callback, opts ...rpc.RequestOption) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.requests = append(f.requests, sentRequest{peer: peer, method: method, params: params, options: len(opts)})
	return nil
}

func newTestDemo(peers ...string) (*demo, *fakeGossip, *fakeRPC) {
	g := &fakeGossip{}
	r := &fakeRPC{}
	d := newDemo(g, r, func() []string { return peers }, demoConfig{})
	d.register()
	return d, g, r
}

func transactionMessage(t *testing.T, tx transaction) *gossip.Message {
	t.Helper()
	raw, err := json.Marshal(tx)
	require.NoError(t, err)
	return &gossip.Message{Topic: transactionTopic, Source: "peer-a", Data: raw, Seq: 1}
}

func TestTransactionIDIsDeterministic(t *testing.T) {
	rng := rand.New(rand.NewSource(7))
	tx := newTransaction(rng, time.UnixMilli(1_700_000_000_000))
	require.Len(t, tx.ID, 64)
	require.Equal(t, tx.ID, transactionID(tx))
	require.GreaterOrEqual(t, len(tx.Sender), 5)
	require.LessOrEqual(t, len(tx.Sender), 9)

	changed := tx
	changed.Amount++
	require.NotEqual(t, tx.ID, transactionID(changed))
}

func TestRegisterInstallsHandlers(t *testing.T) {
	_, g, r := newTestDemo()
	require.Contains(t, g.handlers, transactionTopic)
	require.Contains(t, r.handlers, slowServiceMethod)
}

func TestHandleTransactionForwardsOnce(t *testing.T) {
	d, g, _ := newTestDemo()
	tx := newTransaction(rand.New(rand.NewSource(1)), time.Now())
	msg := transactionMessage(t, tx)

	g.handlers[transactionTopic](msg, "peer-a")
	g.handlers[transactionTopic](msg, "peer-b")

	require.Len(t, g.forwarded, 1)
	require.Same(t, msg, g.forwarded[0])

	st := d.snapshot()
	require.Equal(t, 1, st.Transactions)
	require.Equal(t, 2, st.Received)
	require.Equal(t, 1, st.ReceivedDedup)

	st = d.snapshot()
	require.Equal(t, 1, st.Transactions)
	require.Zero(t, st.Received)
	require.Zero(t, st.ReceivedDedup)
}

func TestHandleTransactionIgnoresMalformed(t *testing.T) {
	d, g, _ := newTestDemo()
	g.handlers[transactionTopic](&gossip.Message{Topic: transactionTopic, Data: json.RawMessage(`"nope"`)}, "peer-a")
	require.Empty(t, g.forwarded)
	require.Equal(t, 1, d.snapshot().Received)
}

func TestPublishUsesTransactionTopic(t *testing.T) {
	d, g, _ := newTestDemo()
	d.publish()
	require.Len(t, g.published, 1)
	tx, ok := g.published[0].(transaction)
	require.True(t, ok)
	require.Equal(t, transactionID(tx), tx.ID)
}

func TestSlowServiceAnswersAfterDelay(t *testing.T) {
	_, _, r := newTestDemo()
	params, err := json.Marshal(slowParams{ExpectExeTime: 20, Q: 1})
	require.NoError(t, err)

	type answer struct {
		result any
		err    error
	}
	got := make(chan answer, 1)
	start := time.Now()
	r.handlers[slowServiceMethod](rpc.Request{Method: slowServiceMethod, Params: params, Peer: "peer-a"}, func(result any, err error) {
		got <- answer{result, err}
	})

	select {
	case a := <-got:
		require.NoError(t, a.err)
		require.Equal(t, "haha haha", a.result)
		require.GreaterOrEqual(t, time.Since(start), 20*time.Millisecond)
	case <-time.After(2 * time.Second):
		t.Fatal("slowService never answered")
	}
}

func TestSlowServiceRejectsBadParams(t *testing.T) {
	_, _, r := newTestDemo()
	var gotErr error
	r.handlers[slowServiceMethod](rpc.Request{Params: json.RawMessage(`[1]`)}, func(_ any, err error) {
		gotErr = err
	})
	var rpcErr *rpc.Error
	require.ErrorAs(t, gotErr, &rpcErr)
	require.Equal(t, rpc.CodeInvalidParams, rpcErr.Code)
}

func TestReportQueriesFirstPeer(t *testing.T) {
	d, _, r := newTestDemo("peer-a", "peer-b")
	d.report()
	require.Len(t, r.requests, 3)
	for _, req := range r.requests {
		require.Equal(t, "peer-a", req.peer)
		require.Equal(t, slowServiceMethod, req.method)
	}
	require.Equal(t, 1, r.requests[1].options)
}

func TestReportWithoutPeersSendsNothing(t *testing.T) {
	d, _, r := newTestDemo()
	d.report()
	require.Empty(t, r.requests)
}
