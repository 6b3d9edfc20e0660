package crypto

import (
	"encoding/base64"

	"github.com/pairwire/pairwire-go/errs"
)

// Envelope wire layout, one byte layout per type:
//
//	type 0: 0x00 || iv[12] || sealed            (symmetric, steady state)
//	type 1: 0x01 || senderPub[32] || iv[12] || sealed  (one-shot handshake)
//	type 2: 0x02 || plaintext                   (passthrough, no key)
//
// The whole buffer is base64-encoded; sealed carries the 16-byte
// Poly1305 tag and must never be split off.
const (
	EnvelopeTypeZero byte = 0
	EnvelopeTypeOne  byte = 1
	EnvelopeTypeTwo  byte = 2

	publicKeySize = 32
	nonceSize     = 12
	tagSize       = 16
)

// Encoding selects the base64 alphabet of the serialized envelope.
type Encoding int

const (
	// EncodingBase64 is standard base64 with padding (default).
	EncodingBase64 Encoding = iota
	// EncodingBase64URL is URL-safe base64 with padding stripped.
	EncodingBase64URL
)

// Envelope is the parsed wire form of a protocol message.
type Envelope struct {
	Type            byte
	SenderPublicKey []byte // type 1 only
	IV              []byte // types 0 and 1
	Sealed          []byte // ciphertext+tag (types 0/1) or plaintext (type 2)
}

// Serialize renders the envelope with the requested base64 alphabet.
func (e *Envelope) Serialize(enc Encoding) (string, error) {
	var buf []byte
	switch e.Type {
	case EnvelopeTypeZero:
		buf = make([]byte, 0, 1+len(e.IV)+len(e.Sealed))
		buf = append(buf, EnvelopeTypeZero)
		buf = append(buf, e.IV...)
		buf = append(buf, e.Sealed...)
	case EnvelopeTypeOne:
		buf = make([]byte, 0, 1+len(e.SenderPublicKey)+len(e.IV)+len(e.Sealed))
		buf = append(buf, EnvelopeTypeOne)
		buf = append(buf, e.SenderPublicKey...)
		buf = append(buf, e.IV...)
		buf = append(buf, e.Sealed...)
	case EnvelopeTypeTwo:
		buf = make([]byte, 0, 1+len(e.Sealed))
		buf = append(buf, EnvelopeTypeTwo)
		buf = append(buf, e.Sealed...)
	default:
		return "", errs.Newf(errs.KindValidation, "unknown envelope type %d", e.Type)
	}

	if enc == EncodingBase64URL {
		return base64.RawURLEncoding.EncodeToString(buf), nil
	}
	return base64.StdEncoding.EncodeToString(buf), nil
}

// DeserializeEnvelope parses a wire string produced by Serialize,
// accepting either base64 alphabet. Truncated input is rejected.
func DeserializeEnvelope(wire string) (*Envelope, error) {
	buf, err := base64.StdEncoding.DecodeString(wire)
	if err != nil {
		buf, err = base64.RawURLEncoding.DecodeString(wire)
		if err != nil {
			return nil, errs.Wrap(errs.KindValidation, "envelope is not valid base64", err)
		}
	}
	if len(buf) == 0 {
		return nil, errs.New(errs.KindValidation, "empty envelope")
	}

	env := &Envelope{Type: buf[0]}
	body := buf[1:]

	switch env.Type {
	case EnvelopeTypeZero:
		if len(body) < nonceSize+tagSize {
			return nil, errs.Newf(errs.KindValidation, "type 0 envelope truncated: %d bytes", len(body))
		}
		env.IV = body[:nonceSize]
		env.Sealed = body[nonceSize:]
	case EnvelopeTypeOne:
		if len(body) < publicKeySize+nonceSize+tagSize {
			return nil, errs.Newf(errs.KindValidation, "type 1 envelope truncated: %d bytes", len(body))
		}
		env.SenderPublicKey = body[:publicKeySize]
		env.IV = body[publicKeySize : publicKeySize+nonceSize]
		env.Sealed = body[publicKeySize+nonceSize:]
	case EnvelopeTypeTwo:
		env.Sealed = body
	default:
		return nil, errs.Newf(errs.KindValidation, "unknown envelope type %d", env.Type)
	}
	return env, nil
}

// PayloadType returns the envelope type byte without decrypting.
func PayloadType(wire string) (byte, error) {
	env, err := DeserializeEnvelope(wire)
	if err != nil {
		return 0, err
	}
	return env.Type, nil
}
