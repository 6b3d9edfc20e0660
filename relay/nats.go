package relay

import (
	"context"
	"net/url"
	"sync"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/pairwire/pairwire-go/errs"
)

// defaultIngressSubject is where the NATS-fronted relay listens for
// JSON-RPC frames; responses and notifications come back on a
// per-connection inbox.
const defaultIngressSubject = "relay.ingress"

// NATSDialer connects to a relay reachable over NATS instead of a
// public websocket, used for private and development deployments.
// The auth query parameter of the relay URL, when present, is passed
// as the NATS token.
type NATSDialer struct {
	Subject string
	Options []nats.Option
}

func (d *NATSDialer) Dial(ctx context.Context, rawURL string) (Conn, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return nil, errs.Wrap(errs.KindValidation, "parse relay URL", err)
	}
	query := u.Query()
	token := query.Get("auth")
	u.RawQuery = ""

	opts := []nats.Option{nats.Name("pairwire-relay")}
	if token != "" {
		opts = append(opts, nats.Token(token))
	}
	opts = append(opts, d.Options...)

	nc, err := nats.Connect(u.String(), opts...)
	if err != nil {
		return nil, errs.Wrap(errs.KindConnection, "NATS connect", err)
	}

	subject := d.Subject
	if subject == "" {
		subject = defaultIngressSubject
	}

	inbox := nats.NewInbox()
	msgCh := make(chan *nats.Msg, 64)
	sub, err := nc.ChanSubscribe(inbox, msgCh)
	if err != nil {
		nc.Close()
		return nil, errs.Wrap(errs.KindConnection, "NATS inbox subscribe", err)
	}

	return &natsConn{
		nc:      nc,
		sub:     sub,
		subject: subject,
		inbox:   inbox,
		msgCh:   msgCh,
		done:    make(chan struct{}),
	}, nil
}

type natsConn struct {
	nc      *nats.Conn
	sub     *nats.Subscription
	subject string
	inbox   string
	msgCh   chan *nats.Msg

	mu     sync.Mutex
	pongFn func()
	done   chan struct{}
	closed bool
}

func (c *natsConn) ReadMessage() ([]byte, error) {
	select {
	case msg := <-c.msgCh:
		return msg.Data, nil
	case <-c.done:
		return nil, errs.New(errs.KindConnection, "NATS connection closed")
	}
}

func (c *natsConn) WriteMessage(data []byte) error {
	if err := c.nc.PublishRequest(c.subject, c.inbox, data); err != nil {
		return errs.Wrap(errs.KindConnection, "NATS publish", err)
	}
	return nil
}

// Ping flushes the connection; a completed round trip to the server
// doubles as the pong signal.
func (c *natsConn) Ping(timeout time.Duration) error {
	if err := c.nc.FlushTimeout(timeout); err != nil {
		return errs.Wrap(errs.KindConnection, "NATS flush", err)
	}
	c.mu.Lock()
	fn := c.pongFn
	c.mu.Unlock()
	if fn != nil {
		fn()
	}
	return nil
}

func (c *natsConn) SetPongHandler(fn func()) {
	c.mu.Lock()
	c.pongFn = fn
	c.mu.Unlock()
}

func (c *natsConn) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	close(c.done)
	c.mu.Unlock()

	c.sub.Unsubscribe()
	c.nc.Close()
	return nil
}
