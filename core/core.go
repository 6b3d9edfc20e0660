// Package core is the composition root: it assembles storage, the key
// vault, the envelope engine, the relay transport, the expiry tracker
// and the pairing client into one client with a single lifecycle.
package core

import (
	"context"
	"os"
	"sync"

	"github.com/rs/zerolog"

	"github.com/pairwire/pairwire-go/crypto"
	"github.com/pairwire/pairwire-go/errs"
	"github.com/pairwire/pairwire-go/events"
	"github.com/pairwire/pairwire-go/expirer"
	"github.com/pairwire/pairwire-go/keyvault"
	"github.com/pairwire/pairwire-go/pairing"
	"github.com/pairwire/pairwire-go/relay"
	"github.com/pairwire/pairwire-go/storage"
)

// Message is an inbound payload after envelope decryption.
type Message struct {
	Topic       string
	Plaintext   string
	PublishedAt int64
	Tag         int64
}

// Core owns every subsystem. Construct with New, then Start; Close is
// idempotent.
type Core struct {
	cfg    *Config
	logger zerolog.Logger

	db      storage.Storage
	vault   *keyvault.Vault
	engine  *crypto.Engine
	relay   *relay.Transport
	tracker *expirer.Tracker
	pairing *pairing.Client

	messages *events.Bus[Message]

	mu      sync.Mutex
	cancel  context.CancelFunc
	started bool
	closed  bool
}

// New assembles a client from configuration. Nothing touches the
// network or disk state until Start.
func New(cfg *Config) (*Core, error) {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	logger, err := newLogger(cfg.Logging)
	if err != nil {
		return nil, err
	}

	db, err := openStorage(cfg.Storage)
	if err != nil {
		return nil, err
	}

	vault := keyvault.New(db, logger)
	engine := crypto.NewEngine(vault, logger)
	tracker := expirer.New(db, logger)

	durations := cfg.Relay.transportConfig()
	relayCfg := relay.Config{
		URL:                   cfg.Relay.URL,
		ProjectID:             cfg.Relay.ProjectID,
		RequestTimeout:        durations.request,
		HeartbeatInterval:     durations.heartbeat,
		ReconnectMaxAttempts:  cfg.Relay.ReconnectAttempts,
		ReconnectInitialDelay: durations.reconnectInitial,
		ReconnectMaxDelay:     durations.reconnectMax,
	}
	var dialer relay.Dialer
	if cfg.Relay.Transport == "nats" {
		dialer = &relay.NATSDialer{Subject: cfg.Relay.NATSSubject}
	}
	transport := relay.New(relayCfg, dialer, engine, logger)

	return &Core{
		cfg:      cfg,
		logger:   logger,
		db:       db,
		vault:    vault,
		engine:   engine,
		relay:    transport,
		tracker:  tracker,
		pairing:  pairing.NewClient(engine, transport, tracker, db, logger),
		messages: events.NewBus[Message](logger, 64),
	}, nil
}

// Relay exposes the transport layer.
func (c *Core) Relay() *relay.Transport { return c.relay }

// Crypto exposes the envelope engine.
func (c *Core) Crypto() *crypto.Engine { return c.engine }

// Expirer exposes the TTL tracker.
func (c *Core) Expirer() *expirer.Tracker { return c.tracker }

// Pairing exposes the pairing client.
func (c *Core) Pairing() *pairing.Client { return c.pairing }

// Messages is the bus of decrypted inbound payloads.
func (c *Core) Messages() *events.Bus[Message] { return c.messages }

// Start restores persisted state, connects to the relay and launches
// the background loops: TTL sweep, expiry cascade, decrypt pump.
func (c *Core) Start(ctx context.Context) error {
	c.mu.Lock()
	if c.started {
		c.mu.Unlock()
		return errs.New(errs.KindValidation, "core already started")
	}
	c.started = true
	runCtx, cancel := context.WithCancel(context.Background())
	c.cancel = cancel
	c.mu.Unlock()

	if err := c.vault.Init(); err != nil {
		return err
	}
	if err := c.tracker.Init(); err != nil {
		return err
	}
	if err := c.pairing.Init(); err != nil {
		return err
	}

	if err := c.relay.Connect(ctx, ""); err != nil {
		return err
	}

	go c.tracker.Run(runCtx)
	c.pairing.Start(runCtx)
	go c.decryptPump(runCtx)

	c.logger.Info().Msg("core started")
	return nil
}

// decryptPump turns encrypted relay message events into plaintext
// Message events. Undecryptable payloads are logged and dropped; the
// envelope layer already refuses unauthenticated ciphertext.
func (c *Core) decryptPump(ctx context.Context) {
	id, ch := c.relay.Events().Subscribe()
	defer c.relay.Events().Unsubscribe(id)

	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-ch:
			if !ok {
				return
			}
			if ev.Kind != relay.EventMessage {
				continue
			}
			plain, err := c.engine.Decode(ev.Topic, ev.Message, crypto.DecodeOptions{})
			if err != nil {
				c.logger.Warn().Err(err).Str("topic", ev.Topic).Msg("inbound message dropped")
				continue
			}
			c.messages.Publish(Message{
				Topic:       ev.Topic,
				Plaintext:   plain,
				PublishedAt: ev.PublishedAt,
				Tag:         ev.Tag,
			})
		}
	}
}

// Publish encrypts a payload for the topic and hands it to the relay.
func (c *Core) Publish(ctx context.Context, topic, payload string, opts relay.PublishOptions) error {
	wire, err := c.engine.Encode(topic, payload, crypto.EncodeOptions{})
	if err != nil {
		return err
	}
	return c.relay.Publish(ctx, topic, wire, opts)
}

// Close stops the background loops, disconnects the relay and releases
// the storage backend.
func (c *Core) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	cancel := c.cancel
	c.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	c.relay.Disconnect()
	c.messages.Close()

	if closer, ok := c.db.(interface{ Close() error }); ok {
		if err := closer.Close(); err != nil {
			return err
		}
	}
	c.logger.Info().Msg("core closed")
	return nil
}

func openStorage(cfg StorageConfig) (storage.Storage, error) {
	switch cfg.Backend {
	case "", "memory":
		return storage.NewMemory(), nil
	case "sqlite":
		path := cfg.Path
		if path == "" {
			path = DefaultConfig().Storage.Path
		}
		return storage.NewSQLite(path)
	case "s3":
		return storage.NewS3(context.Background(), cfg.S3.Region, cfg.S3.Bucket, cfg.S3.KeyPrefix)
	default:
		return nil, errs.Newf(errs.KindValidation, "unknown storage backend: %s", cfg.Backend)
	}
}

func newLogger(cfg LoggingConfig) (zerolog.Logger, error) {
	level, err := zerolog.ParseLevel(cfg.Level)
	if err != nil || cfg.Level == "" {
		level = zerolog.InfoLevel
	}
	var logger zerolog.Logger
	if cfg.Pretty {
		logger = zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr})
	} else {
		logger = zerolog.New(os.Stderr)
	}
	return logger.Level(level).With().Timestamp().Logger(), nil
}
