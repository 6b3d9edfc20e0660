package crypto

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"strings"
	"testing"

	"github.com/rs/zerolog"

	"github.com/pairwire/pairwire-go/errs"
	"github.com/pairwire/pairwire-go/keyvault"
	"github.com/pairwire/pairwire-go/storage"
)

func newEngine(t *testing.T) *Engine {
	t.Helper()
	vault := keyvault.New(storage.NewMemory(), zerolog.Nop())
	if err := vault.Init(); err != nil {
		t.Fatalf("Failed to init vault: %v", err)
	}
	return NewEngine(vault, zerolog.Nop())
}

func randomSymKey(t *testing.T) []byte {
	t.Helper()
	key := make([]byte, 32)
	if _, err := rand.Read(key); err != nil {
		t.Fatalf("Failed to generate key: %v", err)
	}
	return key
}

func TestTopicDeterminism(t *testing.T) {
	e := newEngine(t)
	key := randomSymKey(t)

	topic, err := e.SetSymKey(key, "")
	if err != nil {
		t.Fatalf("SetSymKey: %v", err)
	}
	sum := sha256.Sum256(key)
	if topic != hex.EncodeToString(sum[:]) {
		t.Errorf("topic %s is not SHA256 of key", topic)
	}

	// Same key, same topic, every time.
	topic2, err := e.SetSymKey(key, "")
	if err != nil {
		t.Fatalf("repeat SetSymKey: %v", err)
	}
	if topic2 != topic {
		t.Errorf("identical key produced different topics: %s vs %s", topic, topic2)
	}
}

func TestSetSymKeyOverrideTopic(t *testing.T) {
	e := newEngine(t)
	topic, err := e.SetSymKey(randomSymKey(t), "deadbeef")
	if err != nil {
		t.Fatalf("SetSymKey: %v", err)
	}
	if topic != "deadbeef" {
		t.Errorf("override topic not honored: %s", topic)
	}
}

func TestSetSymKeyRebindsBoundTopic(t *testing.T) {
	message := `{"jsonrpc":"2.0","id":7,"method":"ping"}`

	e := newEngine(t)
	topic, err := e.SetSymKey(randomSymKey(t), "")
	if err != nil {
		t.Fatalf("SetSymKey: %v", err)
	}
	staleWire, err := e.Encode(topic, message, EncodeOptions{})
	if err != nil {
		t.Fatalf("Encode with original key: %v", err)
	}

	// A handshake installs a fresh shared key over the same topic.
	pubA, err := e.GenerateKeyPair()
	if err != nil {
		t.Fatalf("GenerateKeyPair A: %v", err)
	}
	pubB, err := e.GenerateKeyPair()
	if err != nil {
		t.Fatalf("GenerateKeyPair B: %v", err)
	}
	rebound, err := e.GenerateSharedKey(pubA, pubB, topic)
	if err != nil {
		t.Fatalf("re-binding an already bound topic: %v", err)
	}
	if rebound != topic {
		t.Errorf("override topic not honored on rebind: %s", rebound)
	}

	// The new key round-trips on the topic.
	wire, err := e.Encode(topic, message, EncodeOptions{})
	if err != nil {
		t.Fatalf("Encode after rebind: %v", err)
	}
	got, err := e.Decode(topic, wire, DecodeOptions{})
	if err != nil {
		t.Fatalf("Decode after rebind: %v", err)
	}
	if got != message {
		t.Errorf("round trip mismatch after rebind: %q", got)
	}

	// Ciphertext sealed under the replaced key no longer authenticates.
	if _, err := e.Decode(topic, staleWire, DecodeOptions{}); !errs.IsKind(err, errs.KindCrypto) {
		t.Errorf("stale ciphertext should fail authentication, got %v", err)
	}
}

func TestSharedKeyCommutativity(t *testing.T) {
	e := newEngine(t)

	pubA, err := e.GenerateKeyPair()
	if err != nil {
		t.Fatalf("GenerateKeyPair A: %v", err)
	}
	pubB, err := e.GenerateKeyPair()
	if err != nil {
		t.Fatalf("GenerateKeyPair B: %v", err)
	}

	topicAB, err := e.GenerateSharedKey(pubA, pubB, "")
	if err != nil {
		t.Fatalf("GenerateSharedKey(A,B): %v", err)
	}
	topicBA, err := e.GenerateSharedKey(pubB, pubA, "")
	if err != nil {
		t.Fatalf("GenerateSharedKey(B,A): %v", err)
	}

	// Topic is SHA256 of the derived key, so equal topics mean equal keys.
	if topicAB != topicBA {
		t.Errorf("exchange not commutative: %s vs %s", topicAB, topicBA)
	}
}

func TestEncodeDecodeRoundTripAllTypes(t *testing.T) {
	message := `{"jsonrpc":"2.0","id":1,"method":"test"}`

	e := newEngine(t)
	topic, err := e.SetSymKey(randomSymKey(t), "")
	if err != nil {
		t.Fatalf("SetSymKey: %v", err)
	}

	pubA, _ := e.GenerateKeyPair()
	pubB, _ := e.GenerateKeyPair()

	cases := []struct {
		name string
		opts EncodeOptions
		dec  DecodeOptions
	}{
		{"type0", EncodeOptions{Type: EnvelopeTypeZero}, DecodeOptions{}},
		{"type0 url-safe", EncodeOptions{Type: EnvelopeTypeZero, Encoding: EncodingBase64URL}, DecodeOptions{}},
		{"type1", EncodeOptions{Type: EnvelopeTypeOne, SenderPublicKey: pubA, ReceiverPublicKey: pubB}, DecodeOptions{ReceiverPublicKey: pubB}},
		{"type2", EncodeOptions{Type: EnvelopeTypeTwo}, DecodeOptions{}},
	}

	for _, tc := range cases {
		wire, err := e.Encode(topic, message, tc.opts)
		if err != nil {
			t.Fatalf("[%s] Encode: %v", tc.name, err)
		}

		typ, err := PayloadType(wire)
		if err != nil {
			t.Fatalf("[%s] PayloadType: %v", tc.name, err)
		}
		if typ != tc.opts.Type {
			t.Errorf("[%s] payload type = %d, want %d", tc.name, typ, tc.opts.Type)
		}

		got, err := e.Decode(topic, wire, tc.dec)
		if err != nil {
			t.Fatalf("[%s] Decode: %v", tc.name, err)
		}
		if got != message {
			t.Errorf("[%s] round trip mismatch: %q", tc.name, got)
		}
	}
}

func TestURLSafeEncodingHasNoPadding(t *testing.T) {
	e := newEngine(t)
	topic, _ := e.SetSymKey(randomSymKey(t), "")

	wire, err := e.Encode(topic, "hello", EncodeOptions{Encoding: EncodingBase64URL})
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}
	if strings.ContainsAny(wire, "+/=") {
		t.Errorf("URL-safe envelope contains forbidden characters: %s", wire)
	}
}

func TestEncodeRequiresBoundKey(t *testing.T) {
	e := newEngine(t)
	_, err := e.Encode("unbound-topic", "hi", EncodeOptions{})
	if err == nil {
		t.Fatal("expected error for unbound topic")
	}
}

func TestType1RequiresKeys(t *testing.T) {
	e := newEngine(t)
	topic, _ := e.SetSymKey(randomSymKey(t), "")

	if _, err := e.Encode(topic, "hi", EncodeOptions{Type: EnvelopeTypeOne}); !errs.IsKind(err, errs.KindValidation) {
		t.Errorf("expected validation error without option keys, got %v", err)
	}
}

func TestDecodeRejectsTruncatedEnvelopes(t *testing.T) {
	e := newEngine(t)

	// A type 0 header with too little body.
	short := base64.StdEncoding.EncodeToString([]byte{0x00, 1, 2, 3})
	if _, err := e.Decode("any", short, DecodeOptions{}); !errs.IsKind(err, errs.KindValidation) {
		t.Errorf("expected validation error for truncated type 0, got %v", err)
	}

	// A type 1 header missing the sender key.
	short = base64.StdEncoding.EncodeToString(append([]byte{0x01}, make([]byte, 20)...))
	if _, err := e.Decode("any", short, DecodeOptions{}); !errs.IsKind(err, errs.KindValidation) {
		t.Errorf("expected validation error for truncated type 1, got %v", err)
	}

	if _, err := e.Decode("any", "!!!not-base64!!!", DecodeOptions{}); !errs.IsKind(err, errs.KindValidation) {
		t.Errorf("expected validation error for bad base64, got %v", err)
	}
}

func TestDecodeWrongKeyFailsAsCrypto(t *testing.T) {
	e := newEngine(t)
	topic, _ := e.SetSymKey(randomSymKey(t), "")

	wire, err := e.Encode(topic, "secret", EncodeOptions{})
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}

	// Bind a different key to another topic and decode against it.
	other, _ := e.SetSymKey(randomSymKey(t), "")
	if _, err := e.Decode(other, wire, DecodeOptions{}); !errs.IsKind(err, errs.KindCrypto) {
		t.Errorf("expected crypto error for wrong key, got %v", err)
	}
}

func TestClientIDStable(t *testing.T) {
	e := newEngine(t)

	id1, err := e.GetClientID()
	if err != nil {
		t.Fatalf("GetClientID: %v", err)
	}
	id2, err := e.GetClientID()
	if err != nil {
		t.Fatalf("GetClientID again: %v", err)
	}
	if id1 != id2 {
		t.Errorf("client id not stable: %s vs %s", id1, id2)
	}
	if !strings.HasPrefix(id1, "client:") {
		t.Errorf("unexpected client id shape: %s", id1)
	}
}

func TestSignAuthToken(t *testing.T) {
	e := newEngine(t)

	token, err := e.SignAuthToken("wss://relay.example.org")
	if err != nil {
		t.Fatalf("SignAuthToken: %v", err)
	}
	// Compact JWS: three dot-separated segments.
	if parts := strings.Split(token, "."); len(parts) != 3 {
		t.Errorf("auth token is not a compact JWT: %s", token)
	}
}

func TestDeleteKeyMaterial(t *testing.T) {
	e := newEngine(t)

	pub, _ := e.GenerateKeyPair()
	topic, _ := e.SetSymKey(randomSymKey(t), "")

	if err := e.DeleteKeyPair(pub); err != nil {
		t.Fatalf("DeleteKeyPair: %v", err)
	}
	if err := e.DeleteSymKey(topic); err != nil {
		t.Fatalf("DeleteSymKey: %v", err)
	}
	ok, _ := e.HasKeys(topic)
	if ok {
		t.Error("symmetric key survived deletion")
	}
}
