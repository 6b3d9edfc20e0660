package crypto

import (
	"crypto/ed25519"
	"crypto/rand"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/pairwire/pairwire-go/errs"
)

// clientSeedTag is the well-known vault tag holding the 32-byte
// Ed25519 seed the stable client identity derives from. Generated once
// per vault, never rotated.
const clientSeedTag = "client_ed25519_seed"

const authTokenTTL = time.Hour

// clientSeed loads the persisted seed, generating it on first use.
func (e *Engine) clientSeed() ([]byte, error) {
	seed, err := e.vault.Get(clientSeedTag)
	if err == nil {
		return seed, nil
	}
	var nf *errs.NotFoundError
	if !errors.As(err, &nf) {
		return nil, err
	}

	seed = make([]byte, ed25519.SeedSize)
	if _, err := rand.Read(seed); err != nil {
		return nil, errs.Wrap(errs.KindCrypto, "generate client seed", err)
	}
	if err := e.vault.Set(clientSeedTag, seed); err != nil {
		return nil, err
	}
	return seed, nil
}

// GetClientID returns a stable identifier derived from the persisted
// client seed. Used only for diagnostics and the relay auth token
// issuer, never as key material.
func (e *Engine) GetClientID() (string, error) {
	seed, err := e.clientSeed()
	if err != nil {
		return "", err
	}
	defer zeroBytes(seed)

	pub := ed25519.NewKeyFromSeed(seed).Public().(ed25519.PublicKey)
	return "client:" + base64.RawURLEncoding.EncodeToString(pub), nil
}

// SignAuthToken issues the EdDSA-signed token the relay expects in the
// connection URL's auth parameter. The audience is the relay URL.
func (e *Engine) SignAuthToken(audience string) (string, error) {
	seed, err := e.clientSeed()
	if err != nil {
		return "", err
	}
	defer zeroBytes(seed)

	priv := ed25519.NewKeyFromSeed(seed)
	clientID := "client:" + base64.RawURLEncoding.EncodeToString(priv.Public().(ed25519.PublicKey))

	nonce := make([]byte, 16)
	if _, err := rand.Read(nonce); err != nil {
		return "", errs.Wrap(errs.KindCrypto, "generate token nonce", err)
	}

	now := time.Now()
	claims := jwt.RegisteredClaims{
		Issuer:    clientID,
		Subject:   hex.EncodeToString(nonce),
		Audience:  jwt.ClaimStrings{audience},
		IssuedAt:  jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(now.Add(authTokenTTL)),
	}

	token, err := jwt.NewWithClaims(jwt.SigningMethodEdDSA, claims).SignedString(priv)
	if err != nil {
		return "", errs.Wrap(errs.KindCrypto, "sign auth token", err)
	}
	return token, nil
}
