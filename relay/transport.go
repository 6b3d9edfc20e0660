// Package relay implements the relay transport: a long-lived,
// reconnecting, heartbeat-monitored duplex connection that multiplexes
// JSON-RPC requests/responses and inbound pub/sub notifications.
package relay

import (
	"context"
	"encoding/json"
	"net/url"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"github.com/pairwire/pairwire-go/errs"
	"github.com/pairwire/pairwire-go/events"
)

// State of the relay connection.
type State int

const (
	Disconnected State = iota
	Connecting
	Connected
)

func (s State) String() string {
	switch s {
	case Connecting:
		return "connecting"
	case Connected:
		return "connected"
	default:
		return "disconnected"
	}
}

// EventKind enumerates transport notifications.
type EventKind int

const (
	EventConnect EventKind = iota
	EventDisconnect
	EventSubscribe
	EventUnsubscribe
	EventMessage
	EventReconnectFailed
)

// Event crosses the transport boundary to the session/pairing layer.
// Message events carry an encrypted payload for external decryption.
type Event struct {
	Kind           EventKind
	Topic          string
	Message        string
	PublishedAt    int64
	Tag            int64
	SubscriptionID string
	Attempts       int
	Err            error
}

// Signer produces the signed token carried in the connection URL's
// auth parameter.
type Signer interface {
	SignAuthToken(audience string) (string, error)
}

// Config tunes the transport. Zero values take the defaults below.
type Config struct {
	URL       string
	ProjectID string
	UserAgent string

	ConnectTimeout    time.Duration
	RequestTimeout    time.Duration
	HeartbeatInterval time.Duration
	PongTimeout       time.Duration
	LivenessTimeout   time.Duration

	ReconnectMaxAttempts  int
	ReconnectInitialDelay time.Duration
	ReconnectMaxDelay     time.Duration
}

const defaultUserAgent = "pw-2/go"

func (c Config) withDefaults() Config {
	if c.UserAgent == "" {
		c.UserAgent = defaultUserAgent
	}
	if c.ConnectTimeout <= 0 {
		c.ConnectTimeout = 10 * time.Second
	}
	if c.RequestTimeout <= 0 {
		c.RequestTimeout = 15 * time.Second
	}
	if c.HeartbeatInterval <= 0 {
		c.HeartbeatInterval = 30 * time.Second
	}
	if c.PongTimeout <= 0 {
		c.PongTimeout = 10 * time.Second
	}
	if c.LivenessTimeout <= 0 {
		c.LivenessTimeout = 35 * time.Second
	}
	if c.ReconnectMaxAttempts <= 0 {
		c.ReconnectMaxAttempts = 6
	}
	if c.ReconnectInitialDelay <= 0 {
		c.ReconnectInitialDelay = time.Second
	}
	if c.ReconnectMaxDelay <= 0 {
		c.ReconnectMaxDelay = 30 * time.Second
	}
	return c
}

// PublishOptions tune a single publish call.
type PublishOptions struct {
	TTL        time.Duration
	Prompt     bool
	Tag        int64
	MaxRetries int
	RetryDelay time.Duration
}

func (o PublishOptions) withDefaults() PublishOptions {
	if o.TTL <= 0 {
		o.TTL = 6 * time.Hour
	}
	if o.MaxRetries <= 0 {
		o.MaxRetries = 3
	}
	if o.RetryDelay <= 0 {
		o.RetryDelay = time.Second
	}
	return o
}

type rpcOutcome struct {
	result json.RawMessage
	err    error
}

// Transport is the relay client. All public methods are safe for
// concurrent use; the three background loops (inbound pump, heartbeat
// monitor, reconnect loop) communicate only through transport state
// and event emission.
type Transport struct {
	cfg    Config
	dialer Dialer
	signer Signer
	logger zerolog.Logger
	bus    *events.Bus[Event]

	nextID atomic.Int64

	mu            sync.Mutex
	state         State
	conn          Conn
	connDone      chan struct{}
	url           string
	subs          map[string]string
	pending       map[int64]chan rpcOutcome
	queue         [][]byte
	autoReconnect bool
	reconnecting  bool
	lastAlive     time.Time
}

// New creates a transport. A nil dialer defaults to websockets.
func New(cfg Config, dialer Dialer, signer Signer, logger zerolog.Logger) *Transport {
	cfg = cfg.withDefaults()
	if dialer == nil {
		dialer = &WebsocketDialer{HandshakeTimeout: cfg.ConnectTimeout}
	}
	l := logger.With().Str("component", "relay").Logger()
	t := &Transport{
		cfg:     cfg,
		dialer:  dialer,
		signer:  signer,
		logger:  l,
		bus:     events.NewBus[Event](l, 64),
		subs:    make(map[string]string),
		pending: make(map[int64]chan rpcOutcome),
	}
	// Millisecond-seeded ids keep request ids unique across restarts.
	t.nextID.Store(time.Now().UnixMilli() * 1000)
	return t
}

// Events exposes the transport's notification bus.
func (t *Transport) Events() *events.Bus[Event] {
	return t.bus
}

// State returns the current connection state.
func (t *Transport) State() State {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.state
}

// Connect opens the relay connection. A no-op while already connecting
// or connected. An empty url uses the configured one.
func (t *Transport) Connect(ctx context.Context, rawURL string) error {
	t.mu.Lock()
	if t.state != Disconnected {
		t.mu.Unlock()
		return nil
	}
	t.state = Connecting
	if rawURL == "" {
		rawURL = t.cfg.URL
	}
	t.url = rawURL
	t.autoReconnect = true
	t.mu.Unlock()

	if err := t.dial(ctx); err != nil {
		t.mu.Lock()
		t.state = Disconnected
		t.mu.Unlock()
		return err
	}
	return nil
}

// Disconnect disables auto-reconnect, cancels the background loops and
// closes the socket. Idempotent.
func (t *Transport) Disconnect() {
	t.mu.Lock()
	t.autoReconnect = false
	conn := t.conn
	if conn == nil {
		t.state = Disconnected
	}
	t.mu.Unlock()

	if conn != nil {
		t.teardown(conn, nil, false)
	}
}

// Publish sends an encrypted message to a topic, retrying with
// exponential backoff and reconnecting between attempts as needed.
// Auto-connects when called while disconnected.
func (t *Transport) Publish(ctx context.Context, topic, message string, opts PublishOptions) error {
	opts = opts.withDefaults()

	if t.State() == Disconnected {
		if err := t.Connect(ctx, ""); err != nil {
			t.logger.Warn().Err(err).Msg("auto-connect before publish failed")
		}
	}

	params := PublishParams{
		Topic:   topic,
		Message: message,
		TTL:     int64(opts.TTL.Seconds()),
		Prompt:  opts.Prompt,
		Tag:     opts.Tag,
	}

	var lastErr error
	for attempt := 0; attempt < opts.MaxRetries; attempt++ {
		if attempt > 0 {
			delay := backoffDelay(attempt-1, opts.RetryDelay, 0)
			select {
			case <-time.After(delay):
			case <-ctx.Done():
				return errs.Wrap(errs.KindTimeout, "publish cancelled", ctx.Err())
			}
			if t.State() == Disconnected {
				if err := t.Connect(ctx, ""); err != nil {
					t.logger.Warn().Err(err).Int("attempt", attempt).Msg("reconnect between publish retries failed")
				}
			}
		}

		if _, err := t.publishOnce(ctx, params); err != nil {
			lastErr = err
			t.logger.Warn().Err(err).Int("attempt", attempt).Str("topic", topic).Msg("publish attempt failed")
			continue
		}
		return nil
	}
	return lastErr
}

// publishOnce sends a single irn_publish request. Unlike Request it
// tolerates a down socket: the frame is queued and flushed after
// reconnect, with the response awaited under the usual timeout.
func (t *Transport) publishOnce(ctx context.Context, params PublishParams) (json.RawMessage, error) {
	id := t.nextID.Add(1)
	data, err := json.Marshal(rpcRequest{JSONRPC: "2.0", ID: id, Method: methodPublish, Params: params})
	if err != nil {
		return nil, errs.Wrap(errs.KindProtocol, "encode publish", err)
	}

	ch := make(chan rpcOutcome, 1)
	t.mu.Lock()
	t.pending[id] = ch
	conn := t.conn
	connected := t.state == Connected
	if !connected {
		t.queue = append(t.queue, data)
	}
	t.mu.Unlock()

	if connected {
		if err := conn.WriteMessage(data); err != nil {
			t.removePending(id)
			return nil, err
		}
	}
	return t.await(ctx, id, ch, methodPublish)
}

// Subscribe opens a topic subscription, idempotent per topic, and
// returns the relay-assigned subscription id once acknowledged.
func (t *Transport) Subscribe(ctx context.Context, topic string) (string, error) {
	t.mu.Lock()
	if id, ok := t.subs[topic]; ok {
		t.mu.Unlock()
		return id, nil
	}
	t.mu.Unlock()

	result, err := t.Request(ctx, methodSubscribe, SubscribeParams{Topic: topic})
	if err != nil {
		return "", err
	}
	var subID string
	if err := json.Unmarshal(result, &subID); err != nil {
		return "", errs.Wrap(errs.KindProtocol, "decode subscription id", err)
	}

	t.mu.Lock()
	t.subs[topic] = subID
	t.mu.Unlock()

	t.bus.Publish(Event{Kind: EventSubscribe, Topic: topic, SubscriptionID: subID})
	return subID, nil
}

// Unsubscribe closes a topic subscription. A no-op when not
// subscribed.
func (t *Transport) Unsubscribe(ctx context.Context, topic string) error {
	t.mu.Lock()
	subID, ok := t.subs[topic]
	t.mu.Unlock()
	if !ok {
		return nil
	}

	if _, err := t.Request(ctx, methodUnsubscribe, UnsubscribeParams{ID: subID, Topic: topic}); err != nil {
		return err
	}

	t.mu.Lock()
	delete(t.subs, topic)
	t.mu.Unlock()

	t.bus.Publish(Event{Kind: EventUnsubscribe, Topic: topic, SubscriptionID: subID})
	return nil
}

// Subscription returns the subscription id held for a topic.
func (t *Transport) Subscription(topic string) (string, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	id, ok := t.subs[topic]
	return id, ok
}

// Request is the general RPC primitive. It requires a live socket and
// fails fast with a connection error rather than queuing, because the
// caller is waiting on the response.
func (t *Transport) Request(ctx context.Context, method string, params any) (json.RawMessage, error) {
	t.mu.Lock()
	if t.state != Connected || t.conn == nil {
		t.mu.Unlock()
		return nil, errs.New(errs.KindConnection, "not connected to relay")
	}
	conn := t.conn
	id := t.nextID.Add(1)
	ch := make(chan rpcOutcome, 1)
	t.pending[id] = ch
	t.mu.Unlock()

	data, err := json.Marshal(rpcRequest{JSONRPC: "2.0", ID: id, Method: method, Params: params})
	if err != nil {
		t.removePending(id)
		return nil, errs.Wrap(errs.KindProtocol, "encode request", err)
	}
	if err := conn.WriteMessage(data); err != nil {
		t.removePending(id)
		return nil, err
	}
	return t.await(ctx, id, ch, method)
}

// await resolves a pending request slot within the request timeout. A
// late response for a discarded id is harmlessly unmatched.
func (t *Transport) await(ctx context.Context, id int64, ch chan rpcOutcome, method string) (json.RawMessage, error) {
	timer := time.NewTimer(t.cfg.RequestTimeout)
	defer timer.Stop()

	select {
	case out := <-ch:
		if out.err != nil {
			return nil, out.err
		}
		return out.result, nil
	case <-timer.C:
		t.removePending(id)
		return nil, errs.Newf(errs.KindTimeout, "%s request timed out", method)
	case <-ctx.Done():
		t.removePending(id)
		return nil, errs.Wrap(errs.KindTimeout, method+" cancelled", ctx.Err())
	}
}

func (t *Transport) removePending(id int64) {
	t.mu.Lock()
	delete(t.pending, id)
	t.mu.Unlock()
}

// dial opens the socket, installs it and starts the per-connection
// loops. Carries the signed auth token, user agent and project id as
// query parameters.
func (t *Transport) dial(ctx context.Context) error {
	target, err := t.buildURL()
	if err != nil {
		return err
	}

	dialCtx, cancel := context.WithTimeout(ctx, t.cfg.ConnectTimeout)
	defer cancel()

	conn, err := t.dialer.Dial(dialCtx, target)
	if err != nil {
		return err
	}

	done := make(chan struct{})
	t.mu.Lock()
	// Disconnect may have raced the dial; the fresh socket must not be
	// installed after the caller was told the transport is down.
	if !t.autoReconnect {
		t.mu.Unlock()
		conn.Close()
		return errs.New(errs.KindConnection, "transport disconnected during dial")
	}
	t.conn = conn
	t.connDone = done
	t.state = Connected
	t.lastAlive = time.Now()
	t.mu.Unlock()

	conn.SetPongHandler(t.markAlive)
	go t.pump(conn)
	go t.heartbeat(conn, done)
	t.drainQueue(conn)

	t.mu.Lock()
	topics := make([]string, 0, len(t.subs))
	for topic := range t.subs {
		topics = append(topics, topic)
	}
	t.mu.Unlock()
	if len(topics) > 0 {
		go t.resubscribe(topics)
	}

	t.logger.Info().Str("url", t.url).Msg("relay connected")
	t.bus.Publish(Event{Kind: EventConnect})
	return nil
}

// resubscribe re-establishes server-side subscriptions after a redial.
// Subscription ids do not survive the old socket, so each topic gets a
// fresh subscribe request and its bookkeeping updated on the ack.
func (t *Transport) resubscribe(topics []string) {
	for _, topic := range topics {
		result, err := t.Request(context.Background(), methodSubscribe, SubscribeParams{Topic: topic})
		if err != nil {
			t.logger.Warn().Err(err).Str("topic", topic).Msg("resubscribe failed")
			continue
		}
		var subID string
		if err := json.Unmarshal(result, &subID); err != nil {
			t.logger.Warn().Err(err).Str("topic", topic).Msg("resubscribe ack malformed")
			continue
		}
		t.mu.Lock()
		t.subs[topic] = subID
		t.mu.Unlock()
		t.bus.Publish(Event{Kind: EventSubscribe, Topic: topic, SubscriptionID: subID})
	}
}

func (t *Transport) buildURL() (string, error) {
	t.mu.Lock()
	rawURL := t.url
	t.mu.Unlock()

	u, err := url.Parse(rawURL)
	if err != nil {
		return "", errs.Wrap(errs.KindValidation, "parse relay URL", err)
	}
	query := u.Query()
	if t.signer != nil {
		token, err := t.signer.SignAuthToken(rawURL)
		if err != nil {
			return "", err
		}
		query.Set("auth", token)
	}
	query.Set("ua", t.cfg.UserAgent)
	if t.cfg.ProjectID != "" {
		query.Set("projectId", t.cfg.ProjectID)
	}
	u.RawQuery = query.Encode()
	return u.String(), nil
}

// markAlive records inbound traffic for the liveness monitor.
func (t *Transport) markAlive() {
	t.mu.Lock()
	t.lastAlive = time.Now()
	t.mu.Unlock()
}

// pump reads frames until the connection dies. Malformed frames are
// logged and skipped; they never abort the pump.
func (t *Transport) pump(conn Conn) {
	for {
		data, err := conn.ReadMessage()
		if err != nil {
			t.teardown(conn, err, true)
			return
		}
		t.markAlive()
		t.dispatch(conn, data)
	}
}

func (t *Transport) dispatch(conn Conn, data []byte) {
	var frame rpcFrame
	if err := json.Unmarshal(data, &frame); err != nil {
		t.logger.Warn().Err(err).Msg("malformed relay frame dropped")
		return
	}

	if frame.Method == methodSubscription {
		var params SubscriptionParams
		if err := json.Unmarshal(frame.Params, &params); err != nil {
			t.logger.Warn().Err(err).Msg("malformed subscription payload dropped")
			return
		}
		// Best-effort ack; the relay retries unacknowledged messages.
		if frame.ID != "" {
			if id, err := frame.ID.Int64(); err == nil {
				if ack, err := json.Marshal(rpcAck{JSONRPC: "2.0", ID: id, Result: true}); err == nil {
					_ = conn.WriteMessage(ack)
				}
			}
		}
		t.bus.Publish(Event{
			Kind:        EventMessage,
			Topic:       params.Data.Topic,
			Message:     params.Data.Message,
			PublishedAt: params.Data.PublishedAt,
			Tag:         params.Data.Tag,
		})
		return
	}

	if frame.Method != "" {
		t.logger.Debug().Str("method", frame.Method).Msg("unrecognized relay method skipped")
		return
	}
	if frame.ID == "" {
		t.logger.Warn().Msg("relay frame without id or method dropped")
		return
	}

	id, err := frame.ID.Int64()
	if err != nil {
		t.logger.Warn().Str("id", frame.ID.String()).Msg("non-integer response id dropped")
		return
	}

	t.mu.Lock()
	ch, ok := t.pending[id]
	delete(t.pending, id)
	t.mu.Unlock()
	if !ok {
		t.logger.Debug().Int64("id", id).Msg("unmatched response id")
		return
	}

	if frame.Error != nil {
		ch <- rpcOutcome{err: errs.Wrap(errs.KindProtocol, "relay rejected request", frame.Error)}
		return
	}
	ch <- rpcOutcome{result: frame.Result}
}

// heartbeat pings on a fixed interval to generate traffic even when
// idle and force-closes the socket when no liveness signal has been
// observed within the cutoff.
func (t *Transport) heartbeat(conn Conn, done chan struct{}) {
	ticker := time.NewTicker(t.cfg.HeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-done:
			return
		case <-ticker.C:
			if err := conn.Ping(t.cfg.PongTimeout); err != nil {
				t.teardown(conn, err, true)
				return
			}
			t.mu.Lock()
			alive := t.lastAlive
			t.mu.Unlock()
			if time.Since(alive) > t.cfg.LivenessTimeout {
				t.teardown(conn, errs.New(errs.KindConnection, "liveness timeout exceeded"), true)
				return
			}
		}
	}
}

// teardown dismantles one connection exactly once: pending slots are
// discarded with a connection error, the disconnect event is emitted,
// and the reconnect loop starts when allowed.
func (t *Transport) teardown(conn Conn, cause error, allowReconnect bool) {
	t.mu.Lock()
	if t.conn != conn {
		t.mu.Unlock()
		return
	}
	t.conn = nil
	t.state = Disconnected
	if t.connDone != nil {
		close(t.connDone)
		t.connDone = nil
	}
	pending := t.pending
	t.pending = make(map[int64]chan rpcOutcome)
	startReconnect := allowReconnect && t.autoReconnect && !t.reconnecting
	if startReconnect {
		t.reconnecting = true
	}
	t.mu.Unlock()

	conn.Close()
	dropErr := errs.Wrap(errs.KindConnection, "connection closed", cause)
	for _, ch := range pending {
		ch <- rpcOutcome{err: dropErr}
	}

	if cause != nil {
		t.logger.Warn().Err(cause).Msg("relay disconnected")
	}
	t.bus.Publish(Event{Kind: EventDisconnect, Err: cause})

	if startReconnect {
		go t.reconnectLoop()
	}
}

// reconnectLoop retries the connection with capped exponential
// backoff. At most one loop is active; it stops as soon as a dial
// succeeds or auto-reconnect is disabled.
func (t *Transport) reconnectLoop() {
	defer func() {
		t.mu.Lock()
		t.reconnecting = false
		t.mu.Unlock()
	}()

	for attempt := 0; attempt < t.cfg.ReconnectMaxAttempts; attempt++ {
		time.Sleep(backoffDelay(attempt, t.cfg.ReconnectInitialDelay, t.cfg.ReconnectMaxDelay))

		t.mu.Lock()
		if !t.autoReconnect {
			t.mu.Unlock()
			return
		}
		if t.state != Disconnected {
			t.mu.Unlock()
			return
		}
		t.state = Connecting
		t.mu.Unlock()

		err := t.dial(context.Background())
		if err == nil {
			return
		}
		t.mu.Lock()
		t.state = Disconnected
		t.mu.Unlock()
		t.logger.Warn().Err(err).Int("attempt", attempt+1).Msg("reconnect attempt failed")
	}

	t.logger.Error().Int("attempts", t.cfg.ReconnectMaxAttempts).Msg("reconnect attempts exhausted")
	t.bus.Publish(Event{Kind: EventReconnectFailed, Attempts: t.cfg.ReconnectMaxAttempts})
}

// backoffDelay is min(initial * 2^attempt, max); max <= 0 means
// uncapped.
func backoffDelay(attempt int, initial, max time.Duration) time.Duration {
	delay := initial
	for i := 0; i < attempt; i++ {
		delay *= 2
		if max > 0 && delay >= max {
			return max
		}
	}
	if max > 0 && delay > max {
		return max
	}
	return delay
}

// drainQueue flushes messages queued while disconnected, in order. A
// failure mid-drain re-queues the remainder at the front so no message
// is reordered past the failure point.
func (t *Transport) drainQueue(conn Conn) {
	t.mu.Lock()
	queued := t.queue
	t.queue = nil
	t.mu.Unlock()

	for i, data := range queued {
		if err := conn.WriteMessage(data); err != nil {
			t.mu.Lock()
			t.queue = append(queued[i:], t.queue...)
			t.mu.Unlock()
			t.logger.Warn().Err(err).Int("requeued", len(queued)-i).Msg("queue drain interrupted")
			return
		}
	}
}
