package relay

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/pairwire/pairwire-go/errs"
)

// fakeConn is a scriptable in-memory Conn. Frames pushed to in are
// delivered to the pump; client writes are recorded and optionally
// intercepted.
type fakeConn struct {
	in     chan []byte
	closed chan struct{}
	once   sync.Once

	mu      sync.Mutex
	writes  [][]byte
	onWrite func([]byte) error
	pong    func()
}

func newFakeConn() *fakeConn {
	return &fakeConn{
		in:     make(chan []byte, 64),
		closed: make(chan struct{}),
	}
}

func (c *fakeConn) ReadMessage() ([]byte, error) {
	select {
	case data := <-c.in:
		return data, nil
	case <-c.closed:
		return nil, errors.New("connection closed")
	}
}

func (c *fakeConn) WriteMessage(data []byte) error {
	c.mu.Lock()
	hook := c.onWrite
	c.mu.Unlock()
	if hook != nil {
		if err := hook(data); err != nil {
			return err
		}
	}
	c.mu.Lock()
	c.writes = append(c.writes, data)
	c.mu.Unlock()
	return nil
}

func (c *fakeConn) Ping(time.Duration) error {
	c.mu.Lock()
	pong := c.pong
	c.mu.Unlock()
	if pong != nil {
		pong()
	}
	return nil
}

func (c *fakeConn) SetPongHandler(fn func()) {
	c.mu.Lock()
	c.pong = fn
	c.mu.Unlock()
}

func (c *fakeConn) Close() error {
	c.once.Do(func() { close(c.closed) })
	return nil
}

func (c *fakeConn) writtenFrames(t *testing.T) []rpcFrame {
	t.Helper()
	c.mu.Lock()
	defer c.mu.Unlock()
	frames := make([]rpcFrame, 0, len(c.writes))
	for _, data := range c.writes {
		var f rpcFrame
		if err := json.Unmarshal(data, &f); err != nil {
			t.Fatalf("client wrote invalid JSON: %s", data)
		}
		frames = append(frames, f)
	}
	return frames
}

// autoRespond answers every request frame the client writes.
func autoRespond(c *fakeConn, handle func(req rpcFrame) (any, *rpcError)) {
	c.mu.Lock()
	c.onWrite = func(data []byte) error {
		var req rpcFrame
		if json.Unmarshal(data, &req) != nil || req.Method == "" {
			return nil
		}
		id, err := req.ID.Int64()
		if err != nil {
			return nil
		}
		result, rpcErr := handle(req)
		resp := map[string]any{"jsonrpc": "2.0", "id": id}
		if rpcErr != nil {
			resp["error"] = rpcErr
		} else {
			resp["result"] = result
		}
		b, _ := json.Marshal(resp)
		c.in <- b
		return nil
	}
	c.mu.Unlock()
}

type fakeDialer struct {
	mu        sync.Mutex
	dials     int
	failFirst int
	lastURL   string
	onConn    func(*fakeConn)
	conns     []*fakeConn
	block     chan struct{} // when set, Dial waits here mid-flight
}

func (d *fakeDialer) Dial(_ context.Context, rawURL string) (Conn, error) {
	d.mu.Lock()
	d.dials++
	d.lastURL = rawURL
	refused := d.dials <= d.failFirst
	block := d.block
	d.mu.Unlock()

	if block != nil {
		<-block
	}
	if refused {
		return nil, errs.New(errs.KindConnection, "dial refused")
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	c := newFakeConn()
	if d.onConn != nil {
		d.onConn(c)
	}
	d.conns = append(d.conns, c)
	return c, nil
}

func (d *fakeDialer) dialCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.dials
}

func (d *fakeDialer) connAt(i int) *fakeConn {
	d.mu.Lock()
	defer d.mu.Unlock()
	if i >= len(d.conns) {
		return nil
	}
	return d.conns[i]
}

type stubSigner struct{}

func (stubSigner) SignAuthToken(string) (string, error) { return "signed-token", nil }

func testConfig() Config {
	return Config{
		URL:                   "wss://relay.test",
		ProjectID:             "proj1",
		RequestTimeout:        200 * time.Millisecond,
		ReconnectInitialDelay: 5 * time.Millisecond,
		ReconnectMaxDelay:     20 * time.Millisecond,
	}
}

func ackSubscriptions(req rpcFrame) (any, *rpcError) {
	switch req.Method {
	case methodSubscribe:
		return "sub-id-1", nil
	case methodUnsubscribe, methodPublish:
		return true, nil
	default:
		return nil, &rpcError{Code: -32601, Message: "unknown method"}
	}
}

func waitForEvent(t *testing.T, ch <-chan Event, kind EventKind) Event {
	t.Helper()
	deadline := time.After(2 * time.Second)
	for {
		select {
		case ev := <-ch:
			if ev.Kind == kind {
				return ev
			}
		case <-deadline:
			t.Fatalf("timed out waiting for event kind %d", kind)
		}
	}
}

func TestConnectBuildsAuthenticatedURL(t *testing.T) {
	dialer := &fakeDialer{onConn: func(c *fakeConn) { autoRespond(c, ackSubscriptions) }}
	tr := New(testConfig(), dialer, stubSigner{}, zerolog.Nop())
	defer tr.Disconnect()

	_, ch := tr.Events().Subscribe()
	if err := tr.Connect(context.Background(), ""); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	waitForEvent(t, ch, EventConnect)

	if tr.State() != Connected {
		t.Errorf("state = %s, want connected", tr.State())
	}

	u, err := url.Parse(dialer.lastURL)
	if err != nil {
		t.Fatalf("dial URL unparseable: %v", err)
	}
	q := u.Query()
	if q.Get("auth") != "signed-token" {
		t.Errorf("auth param = %q", q.Get("auth"))
	}
	if q.Get("ua") == "" {
		t.Error("missing ua param")
	}
	if q.Get("projectId") != "proj1" {
		t.Errorf("projectId param = %q", q.Get("projectId"))
	}

	// Connect is a no-op while connected.
	if err := tr.Connect(context.Background(), ""); err != nil {
		t.Errorf("repeat Connect: %v", err)
	}
	if dialer.dialCount() != 1 {
		t.Errorf("expected 1 dial, got %d", dialer.dialCount())
	}
}

func TestSubscribeIdempotent(t *testing.T) {
	dialer := &fakeDialer{onConn: func(c *fakeConn) { autoRespond(c, ackSubscriptions) }}
	tr := New(testConfig(), dialer, stubSigner{}, zerolog.Nop())
	defer tr.Disconnect()

	if err := tr.Connect(context.Background(), ""); err != nil {
		t.Fatalf("Connect: %v", err)
	}

	id1, err := tr.Subscribe(context.Background(), "topicA")
	if err != nil {
		t.Fatalf("Subscribe: %v", err)
	}
	if id1 != "sub-id-1" {
		t.Errorf("subscription id = %q", id1)
	}

	id2, err := tr.Subscribe(context.Background(), "topicA")
	if err != nil {
		t.Fatalf("repeat Subscribe: %v", err)
	}
	if id2 != id1 {
		t.Errorf("repeat subscribe returned %q, want %q", id2, id1)
	}

	// Exactly one subscribe frame on the wire.
	count := 0
	for _, f := range dialer.conns[0].writtenFrames(t) {
		if f.Method == methodSubscribe {
			count++
		}
	}
	if count != 1 {
		t.Errorf("subscribe frames on wire = %d, want 1", count)
	}
}

func TestUnsubscribeNoOpWhenNotSubscribed(t *testing.T) {
	dialer := &fakeDialer{onConn: func(c *fakeConn) { autoRespond(c, ackSubscriptions) }}
	tr := New(testConfig(), dialer, stubSigner{}, zerolog.Nop())
	defer tr.Disconnect()

	if err := tr.Connect(context.Background(), ""); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	if err := tr.Unsubscribe(context.Background(), "never-subscribed"); err != nil {
		t.Errorf("Unsubscribe should be a no-op, got %v", err)
	}

	if _, err := tr.Subscribe(context.Background(), "topicA"); err != nil {
		t.Fatalf("Subscribe: %v", err)
	}
	if err := tr.Unsubscribe(context.Background(), "topicA"); err != nil {
		t.Fatalf("Unsubscribe: %v", err)
	}
	if _, ok := tr.Subscription("topicA"); ok {
		t.Error("subscription bookkeeping survived unsubscribe")
	}
}

func TestRequestFailsFastWhenDisconnected(t *testing.T) {
	tr := New(testConfig(), &fakeDialer{}, stubSigner{}, zerolog.Nop())

	_, err := tr.Request(context.Background(), methodSubscribe, SubscribeParams{Topic: "t"})
	if !errs.IsKind(err, errs.KindConnection) {
		t.Errorf("expected connection error, got %v", err)
	}
}

func TestRequestTimesOut(t *testing.T) {
	// No responder: frames are swallowed.
	dialer := &fakeDialer{}
	tr := New(testConfig(), dialer, stubSigner{}, zerolog.Nop())
	defer tr.Disconnect()

	if err := tr.Connect(context.Background(), ""); err != nil {
		t.Fatalf("Connect: %v", err)
	}

	start := time.Now()
	_, err := tr.Request(context.Background(), methodSubscribe, SubscribeParams{Topic: "t"})
	if !errs.IsKind(err, errs.KindTimeout) {
		t.Fatalf("expected timeout error, got %v", err)
	}
	if time.Since(start) < 150*time.Millisecond {
		t.Error("request returned before the timeout window")
	}
}

func TestRelayErrorSurfacesAsProtocolError(t *testing.T) {
	dialer := &fakeDialer{onConn: func(c *fakeConn) {
		autoRespond(c, func(rpcFrame) (any, *rpcError) {
			return nil, &rpcError{Code: 4001, Message: "subscription limit"}
		})
	}}
	tr := New(testConfig(), dialer, stubSigner{}, zerolog.Nop())
	defer tr.Disconnect()

	if err := tr.Connect(context.Background(), ""); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	_, err := tr.Subscribe(context.Background(), "topicA")
	if !errs.IsKind(err, errs.KindProtocol) {
		t.Errorf("expected protocol error, got %v", err)
	}
}

func TestInboundNotificationEmitsMessageEvent(t *testing.T) {
	dialer := &fakeDialer{onConn: func(c *fakeConn) { autoRespond(c, ackSubscriptions) }}
	tr := New(testConfig(), dialer, stubSigner{}, zerolog.Nop())
	defer tr.Disconnect()

	_, ch := tr.Events().Subscribe()
	if err := tr.Connect(context.Background(), ""); err != nil {
		t.Fatalf("Connect: %v", err)
	}

	conn := dialer.conns[0]
	// Garbage first: the pump must log and keep going.
	conn.in <- []byte("{not json")
	conn.in <- []byte(`{"jsonrpc":"2.0","id":12.5,"result":true}`)

	notification := `{"jsonrpc":"2.0","id":777,"method":"irn_subscription",` +
		`"params":{"id":"sub-id-1","data":{"topic":"topicA","message":"ciphertext","publishedAt":1700000000}}}`
	conn.in <- []byte(notification)

	ev := waitForEvent(t, ch, EventMessage)
	if ev.Topic != "topicA" || ev.Message != "ciphertext" {
		t.Errorf("unexpected message event: %+v", ev)
	}
	if ev.PublishedAt != 1700000000 {
		t.Errorf("publishedAt = %d", ev.PublishedAt)
	}

	// The notification was acked.
	acked := false
	for _, data := range func() [][]byte { conn.mu.Lock(); defer conn.mu.Unlock(); return append([][]byte(nil), conn.writes...) }() {
		var ack rpcAck
		if json.Unmarshal(data, &ack) == nil && ack.ID == 777 && ack.Result {
			acked = true
		}
	}
	if !acked {
		t.Error("inbound notification was not acknowledged")
	}
}

func TestPublishRetriesUntilSuccess(t *testing.T) {
	var mu sync.Mutex
	attempts := 0

	dialer := &fakeDialer{onConn: func(c *fakeConn) {
		autoRespond(c, func(req rpcFrame) (any, *rpcError) {
			if req.Method != methodPublish {
				return true, nil
			}
			mu.Lock()
			attempts++
			n := attempts
			mu.Unlock()
			if n < 3 {
				return nil, &rpcError{Code: -32000, Message: "relay unavailable"}
			}
			return true, nil
		})
	}}
	tr := New(testConfig(), dialer, stubSigner{}, zerolog.Nop())
	defer tr.Disconnect()

	if err := tr.Connect(context.Background(), ""); err != nil {
		t.Fatalf("Connect: %v", err)
	}

	err := tr.Publish(context.Background(), "topicA", "msg", PublishOptions{
		MaxRetries: 3,
		RetryDelay: 5 * time.Millisecond,
	})
	if err != nil {
		t.Fatalf("Publish should succeed on third attempt: %v", err)
	}

	mu.Lock()
	defer mu.Unlock()
	if attempts != 3 {
		t.Errorf("publish attempts = %d, want exactly 3", attempts)
	}
}

func TestPublishExhaustsRetries(t *testing.T) {
	dialer := &fakeDialer{onConn: func(c *fakeConn) {
		autoRespond(c, func(req rpcFrame) (any, *rpcError) {
			return nil, &rpcError{Code: -32000, Message: "relay unavailable"}
		})
	}}
	tr := New(testConfig(), dialer, stubSigner{}, zerolog.Nop())
	defer tr.Disconnect()

	if err := tr.Connect(context.Background(), ""); err != nil {
		t.Fatalf("Connect: %v", err)
	}

	err := tr.Publish(context.Background(), "topicA", "msg", PublishOptions{
		MaxRetries: 2,
		RetryDelay: time.Millisecond,
	})
	if err == nil {
		t.Fatal("expected the last error to surface")
	}
	if !errs.IsKind(err, errs.KindProtocol) {
		t.Errorf("unexpected error kind: %v", err)
	}
}

func TestReconnectAfterDrop(t *testing.T) {
	dialer := &fakeDialer{onConn: func(c *fakeConn) { autoRespond(c, ackSubscriptions) }}
	tr := New(testConfig(), dialer, stubSigner{}, zerolog.Nop())
	defer tr.Disconnect()

	_, ch := tr.Events().Subscribe()
	if err := tr.Connect(context.Background(), ""); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	waitForEvent(t, ch, EventConnect)

	// Server drops the socket.
	dialer.conns[0].Close()

	waitForEvent(t, ch, EventDisconnect)
	waitForEvent(t, ch, EventConnect)

	if tr.State() != Connected {
		t.Errorf("state after reconnect = %s", tr.State())
	}
	if dialer.dialCount() != 2 {
		t.Errorf("dials = %d, want 2", dialer.dialCount())
	}
}

func TestReconnectFailedAfterMaxAttempts(t *testing.T) {
	cfg := testConfig()
	cfg.ReconnectMaxAttempts = 3

	dialer := &fakeDialer{onConn: func(c *fakeConn) { autoRespond(c, ackSubscriptions) }}
	tr := New(cfg, dialer, stubSigner{}, zerolog.Nop())
	defer tr.Disconnect()

	_, ch := tr.Events().Subscribe()
	if err := tr.Connect(context.Background(), ""); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	waitForEvent(t, ch, EventConnect)

	// Every redial is refused from now on.
	dialer.mu.Lock()
	dialer.failFirst = 1 << 30
	dialer.mu.Unlock()
	dialer.conns[0].Close()

	ev := waitForEvent(t, ch, EventReconnectFailed)
	if ev.Attempts != 3 {
		t.Errorf("reconnect_failed attempts = %d, want 3", ev.Attempts)
	}
	if tr.State() != Disconnected {
		t.Errorf("state = %s, want disconnected", tr.State())
	}
}

func TestDisconnectDuringDialWins(t *testing.T) {
	dialer := &fakeDialer{
		block:  make(chan struct{}),
		onConn: func(c *fakeConn) { autoRespond(c, ackSubscriptions) },
	}
	tr := New(testConfig(), dialer, stubSigner{}, zerolog.Nop())

	errCh := make(chan error, 1)
	go func() { errCh <- tr.Connect(context.Background(), "") }()

	deadline := time.Now().Add(2 * time.Second)
	for dialer.dialCount() == 0 {
		if time.Now().After(deadline) {
			t.Fatal("dial never started")
		}
		time.Sleep(time.Millisecond)
	}

	tr.Disconnect()
	close(dialer.block)

	if err := <-errCh; err == nil {
		t.Fatal("Connect should fail when Disconnect raced the dial")
	}
	if tr.State() != Disconnected {
		t.Errorf("state = %s, want disconnected", tr.State())
	}

	// The fresh socket was closed, not installed.
	conn := dialer.connAt(0)
	if conn == nil {
		t.Fatal("dial never produced a connection")
	}
	select {
	case <-conn.closed:
	case <-time.After(time.Second):
		t.Error("socket dialed after disconnect was left open")
	}
}

func TestReconnectRestoresSubscriptions(t *testing.T) {
	dialer := &fakeDialer{}
	dialer.onConn = func(c *fakeConn) {
		subID := fmt.Sprintf("sub-%d", len(dialer.conns)+1)
		autoRespond(c, func(req rpcFrame) (any, *rpcError) {
			if req.Method == methodSubscribe {
				return subID, nil
			}
			return true, nil
		})
	}
	tr := New(testConfig(), dialer, stubSigner{}, zerolog.Nop())
	defer tr.Disconnect()

	_, ch := tr.Events().Subscribe()
	if err := tr.Connect(context.Background(), ""); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	waitForEvent(t, ch, EventConnect)

	id, err := tr.Subscribe(context.Background(), "topicA")
	if err != nil {
		t.Fatalf("Subscribe: %v", err)
	}
	if id != "sub-1" {
		t.Fatalf("subscription id = %q", id)
	}

	// Drop the socket; the id held by the old server session dies with it.
	dialer.connAt(0).Close()
	waitForEvent(t, ch, EventDisconnect)
	waitForEvent(t, ch, EventConnect)

	// The topic is re-subscribed on the new socket and the ack replaces
	// the stale id.
	deadline := time.Now().Add(2 * time.Second)
	for {
		if got, ok := tr.Subscription("topicA"); ok && got == "sub-2" {
			break
		}
		if time.Now().After(deadline) {
			got, _ := tr.Subscription("topicA")
			t.Fatalf("subscription never re-established, still %q", got)
		}
		time.Sleep(5 * time.Millisecond)
	}

	// Inbound traffic on the new socket still reaches the consumer.
	notification := `{"jsonrpc":"2.0","id":900,"method":"irn_subscription",` +
		`"params":{"id":"sub-2","data":{"topic":"topicA","message":"after-reconnect"}}}`
	dialer.connAt(1).in <- []byte(notification)

	msg := waitForEvent(t, ch, EventMessage)
	if msg.Topic != "topicA" || msg.Message != "after-reconnect" {
		t.Errorf("message after reconnect = %+v", msg)
	}
}

func TestDisconnectIdempotentAndStopsReconnect(t *testing.T) {
	dialer := &fakeDialer{onConn: func(c *fakeConn) { autoRespond(c, ackSubscriptions) }}
	tr := New(testConfig(), dialer, stubSigner{}, zerolog.Nop())

	if err := tr.Connect(context.Background(), ""); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	tr.Disconnect()
	tr.Disconnect()

	if tr.State() != Disconnected {
		t.Errorf("state = %s", tr.State())
	}
	// Give any stray reconnect loop a moment; none should dial.
	time.Sleep(50 * time.Millisecond)
	if dialer.dialCount() != 1 {
		t.Errorf("reconnect ran after explicit disconnect: %d dials", dialer.dialCount())
	}
}

func TestBackoffDelayBoundedAndNonDecreasing(t *testing.T) {
	initial := time.Second
	max := 30 * time.Second

	prev := time.Duration(0)
	for attempt := 0; attempt < 10; attempt++ {
		d := backoffDelay(attempt, initial, max)
		if d > max {
			t.Fatalf("attempt %d: delay %v exceeds cap %v", attempt, d, max)
		}
		if d < prev {
			t.Fatalf("attempt %d: delay %v decreased from %v", attempt, d, prev)
		}
		prev = d
	}
	if backoffDelay(9, initial, max) != max {
		t.Error("delay should reach the cap")
	}
}

func TestDrainQueuePreservesOrderPastFailure(t *testing.T) {
	tr := New(testConfig(), &fakeDialer{}, stubSigner{}, zerolog.Nop())

	frames := [][]byte{}
	for i := 0; i < 5; i++ {
		frames = append(frames, []byte(fmt.Sprintf(`{"seq":%d}`, i)))
	}
	tr.mu.Lock()
	tr.queue = append(tr.queue, frames...)
	tr.mu.Unlock()

	conn := newFakeConn()
	writes := 0
	conn.onWrite = func([]byte) error {
		writes++
		if writes == 3 {
			return errors.New("socket reset")
		}
		return nil
	}

	tr.drainQueue(conn)

	// Two frames sent, the failed one and the rest re-queued in order.
	tr.mu.Lock()
	defer tr.mu.Unlock()
	if len(tr.queue) != 3 {
		t.Fatalf("requeued = %d frames, want 3", len(tr.queue))
	}
	for i, data := range tr.queue {
		if !strings.Contains(string(data), fmt.Sprintf(`"seq":%d`, i+2)) {
			t.Errorf("requeued frame %d out of order: %s", i, data)
		}
	}
}
