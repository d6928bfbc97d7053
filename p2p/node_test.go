package p2p

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"strconv"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"fastp2p/p2p/gossip"
	"fastp2p/p2p/peeraddr"
	"fastp2p/p2p/rpc"
	"fastp2p/p2p/wire"
)

type observerRecorder struct {
	mu           sync.Mutex
	connected    []string
	disconnected []string
	failed       []string
}

func (o *observerRecorder) PeerConnected(id string) {
	o.mu.Lock()
	o.connected = append(o.connected, id)
	o.mu.Unlock()
}

func (o *observerRecorder) PeerDisconnected(id string) {
	o.mu.Lock()
	o.disconnected = append(o.disconnected, id)
	o.mu.Unlock()
}

func (o *observerRecorder) PeerConnectFailed(id string) {
	o.mu.Lock()
	o.failed = append(o.failed, id)
	o.mu.Unlock()
}

func (o *observerRecorder) failures() []string {
	o.mu.Lock()
	defer o.mu.Unlock()
	return append([]string(nil), o.failed...)
}

func (o *observerRecorder) disconnects() []string {
	o.mu.Lock()
	defer o.mu.Unlock()
	return append([]string(nil), o.disconnected...)
}

func newTestNode(t *testing.T, id string, cfg Config, opts ...Option) *Node {
	t.Helper()
	cfg.ID = id
	cfg.ListenHost = "127.0.0.1"
	if cfg.Discovery.ProvideInterval == 0 {
		cfg.Discovery.ProvideInterval = time.Hour
		cfg.Discovery.FindInterval = time.Hour
	}
	node, err := NewNode(cfg, opts...)
	require.NoError(t, err)
	require.NoError(t, node.Initialize(context.Background()))
	require.NoError(t, node.Start(context.Background()))
	t.Cleanup(node.Stop)
	return node
}

func locator(t *testing.T, n *Node) string {
	t.Helper()
	host, port, err := net.SplitHostPort(n.ListenAddr())
	require.NoError(t, err)
	return peeraddr.Format("ipv4", host, "tcp", port, n.ID())
}

func dialRaw(t *testing.T, n *Node) *rawPeer {
	t.Helper()
	conn, err := net.Dial("tcp", n.ListenAddr())
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })
	return newRawPeer(conn)
}

func TestNodesConnectRPCAndGossip(t *testing.T) {
	a := newTestNode(t, "a", Config{})
	b := newTestNode(t, "b", Config{})

	b.RPC().Serve("echo", func(req rpc.Request, done func(any, error)) {
		done(map[string]string{"from": req.Peer, "params": string(req.Params)}, nil)
	})
	received := make(chan *gossip.Message, 1)
	b.Gossip().Subscribe("transaction", func(msg *gossip.Message, from string) {
		received <- msg
	})

	require.NoError(t, a.Connect(locator(t, b)))
	require.Eventually(t, func() bool {
		return len(a.Peers()) == 1 && len(b.Peers()) == 1
	}, 2*time.Second, 10*time.Millisecond)
	require.Equal(t, []string{"b"}, a.Peers())
	require.Equal(t, []string{"a"}, b.Peers())

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	raw, err := a.RPC().Call(ctx, "b", "echo", 42)
	require.NoError(t, err)
	var out map[string]string
	require.NoError(t, json.Unmarshal(raw, &out))
	require.Equal(t, "a", out["from"])
	require.Equal(t, "42", out["params"])

	_, err = a.Gossip().Publish("transaction", map[string]string{"id": "tx1"})
	require.NoError(t, err)
	select {
	case msg := <-received:
		require.Equal(t, "a", msg.Source)
		require.JSONEq(t, `{"id":"tx1"}`, string(msg.Data))
	case <-time.After(2 * time.Second):
		t.Fatalf("gossip not delivered")
	}
}

func TestDuplicateIdentityKeepsFirst(t *testing.T) {
	node := newTestNode(t, "hub", Config{})
	first := dialRaw(t, node)
	first.send(t, wire.NewIdentify("X"))
	require.Eventually(t, func() bool { return len(node.Peers()) == 1 }, 2*time.Second, 10*time.Millisecond)

	second := dialRaw(t, node)
	second.send(t, wire.NewIdentify("X"))
	second.waitClosed(t)

	require.Equal(t, []string{"X"}, node.Peers())
	first.send(t, wire.NewHeartbeat())
	require.Equal(t, []string{"X"}, node.Peers())
}

// closedWithin reports whether the raw side sees end of stream before d.
func closedWithin(p *rawPeer, d time.Duration) bool {
	deadline := time.After(d)
	for {
		select {
		case _, ok := <-p.frames:
			if !ok {
				return true
			}
		case <-deadline:
			return false
		}
	}
}

func TestConcurrentDuplicateIdentityKeepsOne(t *testing.T) {
	node := newTestNode(t, "hub", Config{})
	peers := []*rawPeer{dialRaw(t, node), dialRaw(t, node)}
	for _, p := range peers {
		p.expect(t, wire.ProtocolIdentify)
	}

	payload, err := wire.Encode(wire.NewIdentify("X"))
	require.NoError(t, err)
	start := make(chan struct{})
	errs := make(chan error, len(peers))
	var wg sync.WaitGroup
	for _, p := range peers {
		wg.Add(1)
		go func(p *rawPeer) {
			defer wg.Done()
			<-start
			errs <- wire.WriteFrame(p.conn, payload)
		}(p)
	}
	close(start)
	wg.Wait()
	close(errs)
	for err := range errs {
		require.NoError(t, err)
	}

	require.Eventually(t, func() bool { return len(node.Peers()) == 1 }, 2*time.Second, 10*time.Millisecond)
	require.Equal(t, []string{"X"}, node.Peers())

	closed := make(chan bool, len(peers))
	for _, p := range peers {
		go func(p *rawPeer) { closed <- closedWithin(p, time.Second) }(p)
	}
	count := 0
	for range peers {
		if <-closed {
			count++
		}
	}
	require.Equal(t, 1, count)
	require.Equal(t, []string{"X"}, node.Peers())
}

func TestDuplicateConnectionTrafficIsDropped(t *testing.T) {
	node := newTestNode(t, "hub", Config{})
	sources := make(chan string, 4)
	node.Gossip().Subscribe("t", func(msg *gossip.Message, _ string) {
		sources <- msg.Source
	})

	first := dialRaw(t, node)
	first.send(t, wire.NewIdentify("X"))
	require.Eventually(t, func() bool { return len(node.Peers()) == 1 }, 2*time.Second, 10*time.Millisecond)

	ident, err := wire.Encode(wire.NewIdentify("X"))
	require.NoError(t, err)
	dup, err := wire.Encode(&gossip.Message{Protocol: wire.ProtocolGossip, Source: "Z", Topic: "t", Data: json.RawMessage(`1`), Seq: 1})
	require.NoError(t, err)
	second := dialRaw(t, node)
	_, err = second.conn.Write(wire.AppendFrame(wire.AppendFrame(nil, ident), dup))
	require.NoError(t, err)
	second.waitClosed(t)

	first.send(t, &gossip.Message{Protocol: wire.ProtocolGossip, Source: "Y", Topic: "t", Data: json.RawMessage(`2`), Seq: 2})
	select {
	case src := <-sources:
		require.Equal(t, "Y", src)
	case <-time.After(2 * time.Second):
		t.Fatalf("gossip from the registered connection not delivered")
	}
	select {
	case src := <-sources:
		t.Fatalf("unexpected gossip from %s", src)
	case <-time.After(100 * time.Millisecond):
	}
}

func TestSelfIdentifyRejected(t *testing.T) {
	node := newTestNode(t, "me", Config{})
	raw := dialRaw(t, node)
	raw.send(t, wire.NewIdentify("me"))
	raw.waitClosed(t)
	require.Empty(t, node.Peers())
}

type blockingDialer struct {
	calls   atomic.Int32
	release chan struct{}
	err     error
}

func (d *blockingDialer) dial(ctx context.Context, network, addr string) (net.Conn, error) {
	d.calls.Add(1)
	select {
	case <-d.release:
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	if d.err != nil {
		return nil, d.err
	}
	return nil, errors.New("no route")
}

func TestConcurrentDialsCollapse(t *testing.T) {
	dialer := &blockingDialer{release: make(chan struct{})}
	node := newTestNode(t, "a", Config{}, WithDialer(dialer.dial))

	addr := "/ipv4/10.9.9.9/tcp/7000/X"
	require.NoError(t, node.Connect(addr))
	require.NoError(t, node.Connect(addr))
	close(dialer.release)

	require.Eventually(t, func() bool {
		node.mu.Lock()
		defer node.mu.Unlock()
		return len(node.connecting) == 0
	}, 2*time.Second, 10*time.Millisecond)
	require.Equal(t, int32(1), dialer.calls.Load())
}

func TestSelfDialIgnored(t *testing.T) {
	dialer := &blockingDialer{release: make(chan struct{})}
	node := newTestNode(t, "a", Config{}, WithDialer(dialer.dial))
	require.NoError(t, node.Connect("/ipv4/127.0.0.1/tcp/7000/a"))
	require.Zero(t, dialer.calls.Load())
}

func TestConnectRejectsMalformedAddress(t *testing.T) {
	node := newTestNode(t, "a", Config{})
	err := node.Connect("/ipv4/127.0.0.1")
	require.ErrorIs(t, err, peeraddr.ErrMalformedAddress)
}

func TestParallelDialLimit(t *testing.T) {
	dialer := &blockingDialer{release: make(chan struct{})}
	node := newTestNode(t, "a", Config{MaxParallelDials: 1}, WithDialer(dialer.dial))
	defer close(dialer.release)

	require.NoError(t, node.Connect("/ipv4/10.0.0.1/tcp/7000/x"))
	err := node.Connect("/ipv4/10.0.0.2/tcp/7000/y")
	require.ErrorIs(t, err, ErrTooManyDials)
	require.True(t, IsCapacityError(err))
}

func TestConnectionLimit(t *testing.T) {
	node := newTestNode(t, "a", Config{MaxConnections: 1})
	first := dialRaw(t, node)
	first.send(t, wire.NewIdentify("x"))
	require.Eventually(t, func() bool { return len(node.Peers()) == 1 }, 2*time.Second, 10*time.Millisecond)

	err := node.Connect("/ipv4/10.0.0.2/tcp/7000/y")
	require.ErrorIs(t, err, ErrTooManyConnections)

	second := dialRaw(t, node)
	second.waitClosed(t)
}

func TestDialFailureNotifiesObservers(t *testing.T) {
	dialer := &blockingDialer{release: make(chan struct{}), err: errors.New("refused")}
	close(dialer.release)
	node := newTestNode(t, "a", Config{}, WithDialer(dialer.dial))
	obs := &observerRecorder{}
	node.AddPeerObserver(obs)

	require.NoError(t, node.Connect("/ipv4/10.0.0.1/tcp/7000/x"))
	require.Eventually(t, func() bool { return len(obs.failures()) == 1 }, 2*time.Second, 10*time.Millisecond)
	require.Equal(t, []string{"x"}, obs.failures())
	_, known := node.PeerBook().Get("x")
	require.False(t, known, "a ban never adds unknown peers")
}

func TestOutboundIdentifyTimeoutNotifiesConnectFailed(t *testing.T) {
	pipes := make(chan net.Conn, 1)
	dialer := func(ctx context.Context, network, addr string) (net.Conn, error) {
		local, remote := net.Pipe()
		pipes <- remote
		return local, nil
	}
	node := newTestNode(t, "a", Config{IdentifyTimeout: 50 * time.Millisecond}, WithDialer(dialer))
	obs := &observerRecorder{}
	node.AddPeerObserver(obs)

	require.NoError(t, node.Connect("/ipv4/10.0.0.1/tcp/7000/silent"))
	remote := <-pipes
	defer remote.Close()
	raw := newRawPeer(remote)
	raw.waitClosed(t)

	require.Eventually(t, func() bool { return len(obs.failures()) == 1 }, 2*time.Second, 10*time.Millisecond)
	require.Equal(t, []string{"silent"}, obs.failures())
}

func TestDisconnectNotifiesObservers(t *testing.T) {
	node := newTestNode(t, "a", Config{})
	obs := &observerRecorder{}
	node.AddPeerObserver(obs)

	raw := dialRaw(t, node)
	raw.send(t, wire.NewIdentify("x"))
	require.Eventually(t, func() bool { return len(node.Peers()) == 1 }, 2*time.Second, 10*time.Millisecond)
	_ = raw.conn.Close()

	require.Eventually(t, func() bool { return len(obs.disconnects()) == 1 }, 2*time.Second, 10*time.Millisecond)
	require.Empty(t, node.Peers())
	require.Empty(t, obs.failures(), "inbound connections never report connect failures")
}

func TestMessageBusIncludesHeartbeatsAndSkipsUnidentified(t *testing.T) {
	node := newTestNode(t, "a", Config{})
	var (
		mu   sync.Mutex
		seen []string
	)
	node.AddMessageHandler(MessageHandlerFunc(func(msg *wire.Message, peer string) {
		mu.Lock()
		seen = append(seen, fmt.Sprintf("%s@%s", msg.Protocol, peer))
		mu.Unlock()
	}))

	raw := dialRaw(t, node)
	raw.send(t, map[string]string{"protocol": "/early"})
	raw.send(t, wire.NewIdentify("x"))
	raw.send(t, wire.NewHeartbeat())
	raw.send(t, map[string]string{"protocol": "/custom"})

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(seen) == 2
	}, 2*time.Second, 10*time.Millisecond)
	mu.Lock()
	defer mu.Unlock()
	require.Equal(t, []string{"/_hb_@x", "/custom@x"}, seen)
}

func TestSendToUnknownPeerIsDropped(t *testing.T) {
	node := newTestNode(t, "a", Config{})
	require.NoError(t, node.Send("nobody", wire.NewHeartbeat()))
}

func TestPublicAddr(t *testing.T) {
	node, err := NewNode(Config{ID: "n1", Port: 7100, PublicIP: "203.0.113.5"})
	require.NoError(t, err)
	defer node.Stop()
	require.Equal(t, "/ipv4/203.0.113.5/tcp/7100/n1", node.PublicAddr())

	v6, err := NewNode(Config{ID: "n2", Port: 7100, PublicIP: "2001:db8::1"})
	require.NoError(t, err)
	defer v6.Stop()
	require.Equal(t, "/ipv6/2001:db8::1/tcp/7100/n2", v6.PublicAddr())

	none, err := NewNode(Config{ID: "n3"})
	require.NoError(t, err)
	defer none.Stop()
	require.Empty(t, none.PublicAddr())
}

func TestNewNodeGeneratesID(t *testing.T) {
	node, err := NewNode(Config{})
	require.NoError(t, err)
	defer node.Stop()
	require.Len(t, node.ID(), 36)

	_, err = NewNode(Config{ID: "bad/id"})
	require.Error(t, err)
}

func TestListenAddrAfterStart(t *testing.T) {
	node := newTestNode(t, "a", Config{})
	_, port, err := net.SplitHostPort(node.ListenAddr())
	require.NoError(t, err)
	p, err := strconv.Atoi(port)
	require.NoError(t, err)
	require.Positive(t, p)
}
