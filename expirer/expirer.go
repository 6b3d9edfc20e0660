// Package expirer tracks time-to-live windows for topics and request
// ids. It is persisted the same way as the generic record store and
// runs a one-second sweep that fires expiry events; consumers
// subscribe to cascade-delete the records behind expired targets.
package expirer

import (
	"context"
	"encoding/json"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/pairwire/pairwire-go/errs"
	"github.com/pairwire/pairwire-go/events"
	"github.com/pairwire/pairwire-go/storage"
)

const (
	storageName   = "expirer"
	sweepInterval = time.Second
)

// Target identifies what an expiry is attached to: a topic or a
// numeric request id. String and ParseTarget are exact inverses.
type Target struct {
	Topic string
	ID    int64
	IsID  bool
}

// TopicTarget builds a topic-keyed target.
func TopicTarget(topic string) Target {
	return Target{Topic: topic}
}

// IDTarget builds an id-keyed target.
func IDTarget(id int64) Target {
	return Target{ID: id, IsID: true}
}

// String formats the target as "topic:<topic>" or "id:<n>".
func (t Target) String() string {
	if t.IsID {
		return "id:" + strconv.FormatInt(t.ID, 10)
	}
	return "topic:" + t.Topic
}

// ParseTarget inverts String.
func ParseTarget(s string) (Target, error) {
	kind, value, ok := strings.Cut(s, ":")
	if !ok {
		return Target{}, errs.Newf(errs.KindValidation, "malformed expirer target: %s", s)
	}
	switch kind {
	case "topic":
		if value == "" {
			return Target{}, errs.Newf(errs.KindValidation, "empty topic target: %s", s)
		}
		return TopicTarget(value), nil
	case "id":
		id, err := strconv.ParseInt(value, 10, 64)
		if err != nil {
			return Target{}, errs.Wrap(errs.KindValidation, "non-numeric id target", err)
		}
		return IDTarget(id), nil
	default:
		return Target{}, errs.Newf(errs.KindValidation, "unknown expirer target kind: %s", kind)
	}
}

// Expiration is a tracked TTL window.
type Expiration struct {
	Target string `json:"target"`
	Expiry int64  `json:"expiry"` // unix seconds
}

// EventKind enumerates tracker notifications.
type EventKind int

const (
	EventCreated EventKind = iota
	EventExpired
	EventDeleted
	EventSync
)

// Event is emitted on every tracker state change. Every emission is
// followed by a full re-persist, favoring durability over write
// amplification.
type Event struct {
	Kind       EventKind
	Target     string
	Expiration Expiration
}

// Tracker maps targets to expiry times and sweeps them once a second.
type Tracker struct {
	db     storage.Storage
	bus    *events.Bus[Event]
	logger zerolog.Logger
	now    func() time.Time

	mu          sync.Mutex
	expirations map[string]Expiration
	initialized bool
}

// New creates a tracker over the given storage backend.
func New(db storage.Storage, logger zerolog.Logger) *Tracker {
	l := logger.With().Str("component", "expirer").Logger()
	return &Tracker{
		db:          db,
		bus:         events.NewBus[Event](l, 0),
		logger:      l,
		now:         time.Now,
		expirations: make(map[string]Expiration),
	}
}

// Events exposes the tracker's notification bus.
func (t *Tracker) Events() *events.Bus[Event] {
	return t.bus
}

// Init restores persisted expirations. Same cold-start contract as the
// record store: a non-empty snapshot over a non-empty map fails.
func (t *Tracker) Init() error {
	t.mu.Lock()
	defer t.mu.Unlock()

	data, ok, err := t.db.GetItem(storage.Key(storageName))
	if err != nil {
		return errs.Wrap(errs.KindStorage, "load expirations", err)
	}
	if !ok {
		t.initialized = true
		return nil
	}

	var persisted []Expiration
	if err := json.Unmarshal(data, &persisted); err != nil {
		return errs.Wrap(errs.KindStorage, "decode expirations", err)
	}
	if len(persisted) > 0 && len(t.expirations) > 0 {
		return errs.ErrRestoreOverride
	}
	for _, exp := range persisted {
		t.expirations[exp.Target] = exp
	}
	t.initialized = true
	return nil
}

// Set tracks an expiry for the target and fires immediately if it is
// already past due.
func (t *Tracker) Set(target Target, expiry int64) error {
	key := target.String()
	exp := Expiration{Target: key, Expiry: expiry}

	t.mu.Lock()
	if !t.initialized {
		t.mu.Unlock()
		return errNotInitialized()
	}
	t.expirations[key] = exp
	err := t.persistLocked()
	t.mu.Unlock()
	if err != nil {
		return err
	}
	t.emit(Event{Kind: EventCreated, Target: key, Expiration: exp})

	if expiry <= t.now().Unix() {
		t.expire(exp)
	}
	return nil
}

// Get returns the expiration tracked for the target.
func (t *Tracker) Get(target Target) (Expiration, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if !t.initialized {
		return Expiration{}, errNotInitialized()
	}
	exp, ok := t.expirations[target.String()]
	if !ok {
		return Expiration{}, &errs.NotFoundError{Key: target.String()}
	}
	return exp, nil
}

// Has reports whether the target is tracked.
func (t *Tracker) Has(target Target) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	_, ok := t.expirations[target.String()]
	return ok
}

// Delete untracks the target and emits a deleted event. Unknown
// targets are a no-op.
func (t *Tracker) Delete(target Target) error {
	key := target.String()

	t.mu.Lock()
	if !t.initialized {
		t.mu.Unlock()
		return errNotInitialized()
	}
	exp, ok := t.expirations[key]
	if !ok {
		t.mu.Unlock()
		return nil
	}
	delete(t.expirations, key)
	err := t.persistLocked()
	t.mu.Unlock()
	if err != nil {
		return err
	}
	t.emit(Event{Kind: EventDeleted, Target: key, Expiration: exp})
	return nil
}

// Len returns the number of tracked targets.
func (t *Tracker) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.expirations)
}

// Run owns the sweep loop until the context is cancelled.
func (t *Tracker) Run(ctx context.Context) {
	ticker := time.NewTicker(sweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			t.sweep()
		}
	}
}

// sweep fires every tracked target whose expiry has elapsed.
func (t *Tracker) sweep() {
	now := t.now().Unix()

	t.mu.Lock()
	var due []Expiration
	for _, exp := range t.expirations {
		if exp.Expiry <= now {
			due = append(due, exp)
		}
	}
	t.mu.Unlock()

	for _, exp := range due {
		t.expire(exp)
	}
}

// expire removes the target and emits the expired event.
func (t *Tracker) expire(exp Expiration) {
	t.mu.Lock()
	if _, ok := t.expirations[exp.Target]; !ok {
		t.mu.Unlock()
		return
	}
	delete(t.expirations, exp.Target)
	err := t.persistLocked()
	t.mu.Unlock()
	if err != nil {
		t.logger.Error().Err(err).Str("target", exp.Target).Msg("failed to persist after expiry")
	}
	t.logger.Debug().Str("target", exp.Target).Msg("target expired")
	t.emit(Event{Kind: EventExpired, Target: exp.Target, Expiration: exp})
}

// emit publishes the notification and re-persists, then signals sync.
func (t *Tracker) emit(ev Event) {
	t.bus.Publish(ev)

	t.mu.Lock()
	err := t.persistLocked()
	t.mu.Unlock()
	if err != nil {
		t.logger.Error().Err(err).Msg("failed to persist expirer state")
		return
	}
	t.bus.Publish(Event{Kind: EventSync})
}

func errNotInitialized() error {
	return errs.New(errs.KindValidation, "expirer not initialized")
}

// persistLocked writes the whole expiration set. Callers hold t.mu.
func (t *Tracker) persistLocked() error {
	values := make([]Expiration, 0, len(t.expirations))
	for _, exp := range t.expirations {
		values = append(values, exp)
	}
	data, err := json.Marshal(values)
	if err != nil {
		return errs.Wrap(errs.KindStorage, "encode expirations", err)
	}
	if err := t.db.SetItem(storage.Key(storageName), data); err != nil {
		return errs.Wrap(errs.KindStorage, "persist expirations", err)
	}
	return nil
}
