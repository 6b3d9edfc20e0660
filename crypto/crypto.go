// Package crypto translates between plaintext protocol messages and
// wire envelopes, and manages the keypair/symmetric-key lifecycle that
// backs topics. Key material lives in the keyvault; this package holds
// nothing in memory between calls.
package crypto

import (
	"bytes"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"io"

	"github.com/rs/zerolog"
	"golang.org/x/crypto/chacha20poly1305"
	"golang.org/x/crypto/curve25519"
	"golang.org/x/crypto/hkdf"

	"github.com/pairwire/pairwire-go/errs"
	"github.com/pairwire/pairwire-go/keyvault"
)

const symKeySize = 32

// Engine performs envelope encode/decode and key derivation against a
// vault. Topics, public keys and symmetric keys cross the API as hex
// strings; raw bytes stay inside.
type Engine struct {
	vault  *keyvault.Vault
	logger zerolog.Logger
}

// NewEngine creates an engine over an initialized vault.
func NewEngine(vault *keyvault.Vault, logger zerolog.Logger) *Engine {
	return &Engine{
		vault:  vault,
		logger: logger.With().Str("component", "crypto").Logger(),
	}
}

// GenerateKeyPair generates an X25519 keypair, stores the private half
// in the vault keyed by the hex public key, and returns that hex
// public key.
func (e *Engine) GenerateKeyPair() (string, error) {
	priv := make([]byte, curve25519.ScalarSize)
	if _, err := rand.Read(priv); err != nil {
		return "", errs.Wrap(errs.KindCrypto, "generate private key", err)
	}
	pub, err := curve25519.X25519(priv, curve25519.Basepoint)
	if err != nil {
		return "", errs.Wrap(errs.KindCrypto, "derive public key", err)
	}
	defer zeroBytes(priv)

	pubHex := hex.EncodeToString(pub)
	if err := e.vault.Set(pubHex, priv); err != nil {
		return "", err
	}
	return pubHex, nil
}

// GenerateSharedKey performs X25519 between the stored private key for
// selfPub and the peer public key, derives a 32-byte symmetric key via
// HKDF-SHA256 (no salt, no info), and binds it to a topic. The
// exchange is commutative: (A-priv, B-pub) and (B-priv, A-pub) yield
// the same key.
func (e *Engine) GenerateSharedKey(selfPub, peerPub, overrideTopic string) (string, error) {
	priv, err := e.vault.Get(selfPub)
	if err != nil {
		return "", err
	}
	defer zeroBytes(priv)

	peer, err := hex.DecodeString(peerPub)
	if err != nil {
		return "", errs.Wrap(errs.KindValidation, "peer public key is not hex", err)
	}
	if len(peer) != curve25519.PointSize {
		return "", errs.Newf(errs.KindValidation, "peer public key must be %d bytes", curve25519.PointSize)
	}

	shared, err := curve25519.X25519(priv, peer)
	if err != nil {
		return "", errs.Wrap(errs.KindCrypto, "X25519 exchange", err)
	}
	defer zeroBytes(shared)

	symKey := make([]byte, symKeySize)
	if _, err := io.ReadFull(hkdf.New(sha256.New, shared, nil, nil), symKey); err != nil {
		return "", errs.Wrap(errs.KindCrypto, "HKDF derivation", err)
	}
	return e.SetSymKey(symKey, overrideTopic)
}

// SetSymKey binds a symmetric key to a topic and returns the topic.
// Without an override the topic is the hex SHA-256 of the key, so the
// same key always yields the same topic. Re-binding a topic that
// already holds different material replaces it: a type 1 handshake
// installs a fresh shared key over whatever the topic held. The vault
// keeps tags immutable, so the replacement is an explicit
// delete-then-set.
func (e *Engine) SetSymKey(symKey []byte, overrideTopic string) (string, error) {
	if len(symKey) != symKeySize {
		return "", errs.Newf(errs.KindValidation, "symmetric key must be %d bytes", symKeySize)
	}
	topic := overrideTopic
	if topic == "" {
		sum := sha256.Sum256(symKey)
		topic = hex.EncodeToString(sum[:])
	}

	existing, err := e.vault.Get(topic)
	switch {
	case err == nil:
		same := bytes.Equal(existing, symKey)
		zeroBytes(existing)
		if same {
			return topic, nil
		}
		if err := e.vault.Delete(topic); err != nil {
			return "", err
		}
	default:
		var nf *errs.NotFoundError
		if !errors.As(err, &nf) {
			return "", err
		}
	}

	if err := e.vault.Set(topic, symKey); err != nil {
		return "", err
	}
	return topic, nil
}

// HasKeys reports whether key material is bound to the tag.
func (e *Engine) HasKeys(tag string) (bool, error) {
	return e.vault.Has(tag)
}

// DeleteKeyPair removes the private key stored for a public key.
func (e *Engine) DeleteKeyPair(pubKey string) error {
	return e.vault.Delete(pubKey)
}

// DeleteSymKey removes the symmetric key bound to a topic.
func (e *Engine) DeleteSymKey(topic string) error {
	return e.vault.Delete(topic)
}

// EncodeOptions control the envelope variant and output alphabet.
type EncodeOptions struct {
	Type              byte
	Encoding          Encoding
	SenderPublicKey   string // type 1
	ReceiverPublicKey string // type 1
}

// DecodeOptions carry the receiver key needed for type 1 envelopes.
type DecodeOptions struct {
	ReceiverPublicKey string
}

// Encode wraps an already-serialized JSON message into a wire
// envelope. Type 0 (default) encrypts with the symmetric key bound to
// topic; type 1 derives the key from the option keypair first,
// re-binding topic; type 2 passes the message through unencrypted.
func (e *Engine) Encode(topic, message string, opts EncodeOptions) (string, error) {
	switch opts.Type {
	case EnvelopeTypeTwo:
		env := &Envelope{Type: EnvelopeTypeTwo, Sealed: []byte(message)}
		return env.Serialize(opts.Encoding)

	case EnvelopeTypeOne:
		if opts.SenderPublicKey == "" || opts.ReceiverPublicKey == "" {
			return "", errs.New(errs.KindValidation, "type 1 envelope requires sender and receiver public keys")
		}
		if _, err := e.GenerateSharedKey(opts.SenderPublicKey, opts.ReceiverPublicKey, topic); err != nil {
			return "", err
		}
		iv, sealed, err := e.seal(topic, message)
		if err != nil {
			return "", err
		}
		senderPub, err := hex.DecodeString(opts.SenderPublicKey)
		if err != nil {
			return "", errs.Wrap(errs.KindValidation, "sender public key is not hex", err)
		}
		env := &Envelope{Type: EnvelopeTypeOne, SenderPublicKey: senderPub, IV: iv, Sealed: sealed}
		return env.Serialize(opts.Encoding)

	case EnvelopeTypeZero:
		iv, sealed, err := e.seal(topic, message)
		if err != nil {
			return "", err
		}
		env := &Envelope{Type: EnvelopeTypeZero, IV: iv, Sealed: sealed}
		return env.Serialize(opts.Encoding)

	default:
		return "", errs.Newf(errs.KindValidation, "unknown envelope type %d", opts.Type)
	}
}

// Decode unwraps a wire envelope back to the plaintext message. For
// type 1 the topic is re-derived from the embedded sender public key
// and the caller-supplied receiver public key before decrypting.
func (e *Engine) Decode(topic, wire string, opts DecodeOptions) (string, error) {
	env, err := DeserializeEnvelope(wire)
	if err != nil {
		return "", err
	}

	switch env.Type {
	case EnvelopeTypeTwo:
		return string(env.Sealed), nil

	case EnvelopeTypeOne:
		if opts.ReceiverPublicKey == "" {
			return "", errs.New(errs.KindValidation, "type 1 envelope requires receiver public key")
		}
		senderPub := hex.EncodeToString(env.SenderPublicKey)
		derived, err := e.GenerateSharedKey(opts.ReceiverPublicKey, senderPub, "")
		if err != nil {
			return "", err
		}
		return e.open(derived, env)

	case EnvelopeTypeZero:
		return e.open(topic, env)

	default:
		return "", errs.Newf(errs.KindValidation, "unknown envelope type %d", env.Type)
	}
}

// seal encrypts message with the symmetric key bound to topic using a
// fresh random 12-byte nonce. No additional authenticated data.
func (e *Engine) seal(topic, message string) (iv, sealed []byte, err error) {
	symKey, err := e.vault.Get(topic)
	if err != nil {
		return nil, nil, err
	}
	defer zeroBytes(symKey)

	aead, err := chacha20poly1305.New(symKey)
	if err != nil {
		return nil, nil, errs.Wrap(errs.KindCrypto, "create AEAD", err)
	}
	iv = make([]byte, aead.NonceSize())
	if _, err := rand.Read(iv); err != nil {
		return nil, nil, errs.Wrap(errs.KindCrypto, "generate nonce", err)
	}
	return iv, aead.Seal(nil, iv, []byte(message), nil), nil
}

// open decrypts an envelope body. An authentication failure surfaces
// as a crypto error with the topic and client id in the log, never the
// key material.
func (e *Engine) open(topic string, env *Envelope) (string, error) {
	symKey, err := e.vault.Get(topic)
	if err != nil {
		return "", err
	}
	defer zeroBytes(symKey)

	aead, err := chacha20poly1305.New(symKey)
	if err != nil {
		return "", errs.Wrap(errs.KindCrypto, "create AEAD", err)
	}
	plaintext, err := aead.Open(nil, env.IV, env.Sealed, nil)
	if err != nil {
		clientID, _ := e.GetClientID()
		e.logger.Error().
			Str("topic", topic).
			Str("client_id", clientID).
			Msg("envelope authentication failed")
		return "", errs.Wrap(errs.KindCrypto, "envelope authentication failed", err)
	}
	return string(plaintext), nil
}

// zeroBytes overwrites key material after use.
func zeroBytes(b []byte) {
	for i := range b {
		b[i] = 0
	}
}
