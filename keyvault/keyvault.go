// Package keyvault implements the tag → secret-material ledger backing
// envelope crypto. It performs no cryptographic operations itself:
// tags are public-key hex strings (private key lookup), topic hex
// strings (symmetric key lookup) or well-known tags such as the client
// seed.
package keyvault

import (
	"bytes"
	"sync"

	"github.com/fxamacker/cbor/v2"
	"github.com/rs/zerolog"

	"github.com/pairwire/pairwire-go/errs"
	"github.com/pairwire/pairwire-go/storage"
)

const storageName = "keychain"

// Vault is the secret-material ledger. Every mutation writes the full
// tag → secret map through to durable storage. All operations fail
// fast until Init has loaded the persisted snapshot.
type Vault struct {
	db     storage.Storage
	logger zerolog.Logger

	mu          sync.Mutex
	secrets     map[string][]byte
	initialized bool
}

// New creates a vault over the given storage backend. Call Init before
// any other operation.
func New(db storage.Storage, logger zerolog.Logger) *Vault {
	return &Vault{
		db:      db,
		logger:  logger.With().Str("component", "keyvault").Logger(),
		secrets: make(map[string][]byte),
	}
}

// Init loads the persisted snapshot. Idempotent.
func (v *Vault) Init() error {
	v.mu.Lock()
	defer v.mu.Unlock()

	if v.initialized {
		return nil
	}

	data, ok, err := v.db.GetItem(storage.Key(storageName))
	if err != nil {
		return errs.Wrap(errs.KindStorage, "load keychain", err)
	}
	if ok {
		if err := cbor.Unmarshal(data, &v.secrets); err != nil {
			return errs.Wrap(errs.KindStorage, "decode keychain snapshot", err)
		}
	}
	v.initialized = true
	v.logger.Debug().Int("tags", len(v.secrets)).Msg("keychain initialized")
	return nil
}

// Has reports whether a tag is present.
func (v *Vault) Has(tag string) (bool, error) {
	v.mu.Lock()
	defer v.mu.Unlock()

	if !v.initialized {
		return false, errNotInitialized()
	}
	_, ok := v.secrets[tag]
	return ok, nil
}

// Set stores secret material under tag and persists. A tag, once set,
// is immutable until deleted: re-setting with identical material is a
// no-op, different material is rejected.
func (v *Vault) Set(tag string, secret []byte) error {
	v.mu.Lock()
	defer v.mu.Unlock()

	if !v.initialized {
		return errNotInitialized()
	}
	if existing, ok := v.secrets[tag]; ok {
		if bytes.Equal(existing, secret) {
			return nil
		}
		return errs.Newf(errs.KindValidation, "tag already holds different material: %s", tag)
	}

	cp := make([]byte, len(secret))
	copy(cp, secret)
	v.secrets[tag] = cp
	return v.persist()
}

// Get returns the secret stored under tag.
func (v *Vault) Get(tag string) ([]byte, error) {
	v.mu.Lock()
	defer v.mu.Unlock()

	if !v.initialized {
		return nil, errNotInitialized()
	}
	secret, ok := v.secrets[tag]
	if !ok {
		return nil, &errs.NotFoundError{Key: tag}
	}
	cp := make([]byte, len(secret))
	copy(cp, secret)
	return cp, nil
}

// Delete removes a tag and persists. Deleting an absent tag fails with
// NotFoundError.
func (v *Vault) Delete(tag string) error {
	v.mu.Lock()
	defer v.mu.Unlock()

	if !v.initialized {
		return errNotInitialized()
	}
	if _, ok := v.secrets[tag]; !ok {
		return &errs.NotFoundError{Key: tag}
	}
	delete(v.secrets, tag)
	return v.persist()
}

// persist writes the whole map through. CBOR keeps raw key material
// compact; JSON would base64-inflate every secret.
func (v *Vault) persist() error {
	data, err := cbor.Marshal(v.secrets)
	if err != nil {
		return errs.Wrap(errs.KindStorage, "encode keychain snapshot", err)
	}
	if err := v.db.SetItem(storage.Key(storageName), data); err != nil {
		return errs.Wrap(errs.KindStorage, "persist keychain", err)
	}
	return nil
}

func errNotInitialized() error {
	return errs.New(errs.KindValidation, "keychain not initialized")
}
