package pairing

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"time"

	"github.com/rs/zerolog"

	"github.com/pairwire/pairwire-go/crypto"
	"github.com/pairwire/pairwire-go/errs"
	"github.com/pairwire/pairwire-go/expirer"
	"github.com/pairwire/pairwire-go/relay"
	"github.com/pairwire/pairwire-go/storage"
	"github.com/pairwire/pairwire-go/store"
)

const (
	// ProtocolIRN is the default relay protocol name.
	ProtocolIRN = "irn"

	uriVersion = 2

	// A fresh pairing must be picked up within five minutes; an
	// activated one lives for thirty days.
	inactiveTTL = 5 * time.Minute
	activeTTL   = 30 * 24 * time.Hour
)

// Metadata describes the peer application on a pairing.
type Metadata struct {
	Name        string   `json:"name"`
	Description string   `json:"description,omitempty"`
	URL         string   `json:"url,omitempty"`
	Icons       []string `json:"icons,omitempty"`
}

// Pairing is the persisted record of one channel.
type Pairing struct {
	Topic        string    `json:"topic"`
	URI          string    `json:"uri"`
	Active       bool      `json:"active"`
	Relay        RelayInfo `json:"relay"`
	Methods      []string  `json:"methods,omitempty"`
	Expiry       int64     `json:"expiry"` // unix seconds
	PeerMetadata *Metadata `json:"peerMetadata,omitempty"`
}

// Transport is the slice of the relay client the pairing layer needs.
type Transport interface {
	Subscribe(ctx context.Context, topic string) (string, error)
	Unsubscribe(ctx context.Context, topic string) error
	Publish(ctx context.Context, topic, message string, opts relay.PublishOptions) error
}

// Client manages pairing records end to end: key material in the
// vault, the persisted record, the relay subscription and the tracked
// expiry stay in lockstep for every topic.
type Client struct {
	engine  *crypto.Engine
	relay   Transport
	tracker *expirer.Tracker
	records *store.Store[Pairing]
	logger  zerolog.Logger
}

// NewClient wires a pairing client over shared infrastructure. The
// record store is created here and owned by the client.
func NewClient(engine *crypto.Engine, transport Transport, tracker *expirer.Tracker, db storage.Storage, logger zerolog.Logger) *Client {
	l := logger.With().Str("component", "pairing").Logger()
	records := store.New[Pairing]("pairing", db,
		func(p Pairing) string { return p.Topic },
		mergePairing,
		l)
	return &Client{
		engine:  engine,
		relay:   transport,
		tracker: tracker,
		records: records,
		logger:  l,
	}
}

func mergePairing(existing, partial Pairing) Pairing {
	if partial.URI != "" {
		existing.URI = partial.URI
	}
	if partial.Active {
		existing.Active = true
	}
	if partial.Relay.Protocol != "" {
		existing.Relay = partial.Relay
	}
	if partial.Methods != nil {
		existing.Methods = partial.Methods
	}
	if partial.Expiry != 0 {
		existing.Expiry = partial.Expiry
	}
	if partial.PeerMetadata != nil {
		existing.PeerMetadata = partial.PeerMetadata
	}
	return existing
}

// Init restores persisted records and must run before any operation.
func (c *Client) Init() error {
	return c.records.Init()
}

// Start watches the expiry tracker and cascade-deletes pairing records
// behind expired topics. Returns after wiring; the watcher stops when
// ctx is cancelled.
func (c *Client) Start(ctx context.Context) {
	id, ch := c.tracker.Events().Subscribe()
	go func() {
		defer c.tracker.Events().Unsubscribe(id)
		for {
			select {
			case <-ctx.Done():
				return
			case ev, ok := <-ch:
				if !ok {
					return
				}
				if ev.Kind != expirer.EventExpired {
					continue
				}
				target, err := expirer.ParseTarget(ev.Target)
				if err != nil || target.IsID {
					continue
				}
				if !c.records.Has(target.Topic) {
					continue
				}
				if err := c.Delete(ctx, target.Topic, "expired"); err != nil {
					c.logger.Warn().Err(err).Str("topic", target.Topic).Msg("expiry cascade delete failed")
				}
			}
		}
	}()
}

// Create mints a fresh pairing: new symmetric key, derived topic,
// relay subscription and a five-minute pickup window. The returned
// record carries the shareable URI.
func (c *Client) Create(ctx context.Context) (Pairing, error) {
	symKey := make([]byte, 32)
	if _, err := rand.Read(symKey); err != nil {
		return Pairing{}, errs.Wrap(errs.KindCrypto, "generate pairing key", err)
	}
	topic, err := c.engine.SetSymKey(symKey, "")
	if err != nil {
		return Pairing{}, err
	}

	expiry := time.Now().Add(inactiveTTL).Unix()
	uri := URI{
		Topic:   topic,
		Version: uriVersion,
		SymKey:  hex.EncodeToString(symKey),
		Relay:   RelayInfo{Protocol: ProtocolIRN},
		Expiry:  expiry * 1000,
	}
	record := Pairing{
		Topic:  topic,
		URI:    uri.Format(),
		Relay:  uri.Relay,
		Expiry: expiry,
	}

	if err := c.records.Set(topic, record); err != nil {
		return Pairing{}, err
	}
	if _, err := c.relay.Subscribe(ctx, topic); err != nil {
		return Pairing{}, err
	}
	if err := c.tracker.Set(expirer.TopicTarget(topic), expiry); err != nil {
		return Pairing{}, err
	}

	c.logger.Info().Str("topic", topic).Msg("pairing created")
	return record, nil
}

// Pair joins a pairing from a received URI: the embedded key is bound
// to the embedded topic and the channel is subscribed.
func (c *Client) Pair(ctx context.Context, rawURI string) (Pairing, error) {
	u, err := ParseURI(rawURI)
	if err != nil {
		return Pairing{}, err
	}
	if c.records.Has(u.Topic) {
		return Pairing{}, errs.Newf(errs.KindValidation, "pairing already exists for topic %s", u.Topic)
	}

	symKey, err := hex.DecodeString(u.SymKey)
	if err != nil {
		return Pairing{}, errs.Wrap(errs.KindValidation, "pairing uri symKey", err)
	}
	if _, err := c.engine.SetSymKey(symKey, u.Topic); err != nil {
		return Pairing{}, err
	}

	expiry := u.Expiry / 1000
	if expiry == 0 {
		expiry = time.Now().Add(inactiveTTL).Unix()
	}
	record := Pairing{
		Topic:   u.Topic,
		URI:     u.Format(),
		Relay:   u.Relay,
		Methods: u.Methods,
		Expiry:  expiry,
	}

	if err := c.records.Set(u.Topic, record); err != nil {
		return Pairing{}, err
	}
	if _, err := c.relay.Subscribe(ctx, u.Topic); err != nil {
		return Pairing{}, err
	}
	if err := c.tracker.Set(expirer.TopicTarget(u.Topic), expiry); err != nil {
		return Pairing{}, err
	}

	c.logger.Info().Str("topic", u.Topic).Msg("paired from uri")
	return record, nil
}

// Activate marks a pairing as settled and extends its life to the
// thirty-day window.
func (c *Client) Activate(topic string) error {
	if _, err := c.records.Get(topic); err != nil {
		return err
	}
	expiry := time.Now().Add(activeTTL).Unix()
	if err := c.records.Update(topic, Pairing{Active: true, Expiry: expiry}); err != nil {
		return err
	}
	return c.tracker.Set(expirer.TopicTarget(topic), expiry)
}

// UpdateMetadata attaches peer metadata to an existing pairing.
func (c *Client) UpdateMetadata(topic string, meta Metadata) error {
	return c.records.Update(topic, Pairing{PeerMetadata: &meta})
}

// Delete tears a pairing down: relay subscription, tracked expiry,
// vault key and the record itself.
func (c *Client) Delete(ctx context.Context, topic, reason string) error {
	if _, err := c.records.Get(topic); err != nil {
		return err
	}
	if err := c.relay.Unsubscribe(ctx, topic); err != nil {
		c.logger.Warn().Err(err).Str("topic", topic).Msg("unsubscribe during pairing delete failed")
	}
	if c.tracker.Has(expirer.TopicTarget(topic)) {
		if err := c.tracker.Delete(expirer.TopicTarget(topic)); err != nil {
			return err
		}
	}
	if err := c.engine.DeleteSymKey(topic); err != nil {
		c.logger.Warn().Err(err).Str("topic", topic).Msg("sym key removal during pairing delete failed")
	}
	if err := c.records.Delete(topic, reason); err != nil {
		return err
	}
	c.logger.Info().Str("topic", topic).Str("reason", reason).Msg("pairing deleted")
	return nil
}

// Get returns one pairing record.
func (c *Client) Get(topic string) (Pairing, error) {
	return c.records.Get(topic)
}

// GetAll returns pairing records, optionally filtered.
func (c *Client) GetAll(filter func(Pairing) bool) []Pairing {
	return c.records.GetAll(filter)
}
