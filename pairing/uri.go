// Package pairing establishes encrypted channels from shared symmetric
// keys: it mints and parses pairing URIs and manages the lifecycle of
// pairing records (create, pair, activate, delete, expiry cascade).
package pairing

import (
	"encoding/base64"
	"fmt"
	"net/url"
	"strconv"
	"strings"

	"github.com/pairwire/pairwire-go/errs"
)

// RelayInfo names the relay protocol a pairing rides on, plus optional
// protocol-specific data.
type RelayInfo struct {
	Protocol string `json:"protocol"`
	Data     string `json:"data,omitempty"`
}

// URI is the out-of-band payload one party hands the other to open a
// pairing channel. Format and ParseURI are exact inverses.
type URI struct {
	Topic   string
	Version int
	SymKey  string // hex
	Relay   RelayInfo
	Methods []string
	Expiry  int64 // unix milliseconds
}

// Format renders the canonical textual form:
//
//	wc:<topic>@<version>?symKey=<hex>&relay-protocol=<name>...
//
// Query parameters keep a fixed order so formatting is deterministic.
func (u URI) Format() string {
	var b strings.Builder
	fmt.Fprintf(&b, "wc:%s@%d?symKey=%s&relay-protocol=%s",
		u.Topic, u.Version, u.SymKey, url.QueryEscape(u.Relay.Protocol))
	if u.Relay.Data != "" {
		fmt.Fprintf(&b, "&relay-data=%s", url.QueryEscape(u.Relay.Data))
	}
	if len(u.Methods) > 0 {
		fmt.Fprintf(&b, "&methods=%s", url.QueryEscape(strings.Join(u.Methods, ",")))
	}
	if u.Expiry > 0 {
		fmt.Fprintf(&b, "&expiryTimestamp=%d", u.Expiry)
	}
	return b.String()
}

// ParseURI decodes a pairing URI. The input may be base64-wrapped; the
// unwrap is attempted first and discarded when the decoded form lacks
// the wc: marker.
func ParseURI(raw string) (URI, error) {
	raw = strings.TrimSpace(raw)
	raw = unwrapBase64(raw)

	rest, ok := strings.CutPrefix(raw, "wc:")
	if !ok {
		return URI{}, errs.New(errs.KindValidation, "pairing uri missing wc: prefix")
	}

	head, query, ok := strings.Cut(rest, "?")
	if !ok {
		return URI{}, errs.New(errs.KindValidation, "pairing uri missing query")
	}
	topic, verStr, ok := strings.Cut(head, "@")
	if !ok || topic == "" {
		return URI{}, errs.New(errs.KindValidation, "pairing uri missing topic@version")
	}
	version, err := strconv.Atoi(verStr)
	if err != nil {
		return URI{}, errs.Wrap(errs.KindValidation, "pairing uri version", err)
	}

	values, err := url.ParseQuery(query)
	if err != nil {
		return URI{}, errs.Wrap(errs.KindValidation, "pairing uri query", err)
	}

	u := URI{
		Topic:   topic,
		Version: version,
		SymKey:  values.Get("symKey"),
		Relay: RelayInfo{
			Protocol: values.Get("relay-protocol"),
			Data:     values.Get("relay-data"),
		},
	}
	if u.SymKey == "" {
		return URI{}, errs.New(errs.KindValidation, "pairing uri missing symKey")
	}
	if u.Relay.Protocol == "" {
		return URI{}, errs.New(errs.KindValidation, "pairing uri missing relay-protocol")
	}
	if methods := values.Get("methods"); methods != "" {
		u.Methods = strings.Split(methods, ",")
	}
	if expiry := values.Get("expiryTimestamp"); expiry != "" {
		ms, err := strconv.ParseInt(expiry, 10, 64)
		if err != nil {
			return URI{}, errs.Wrap(errs.KindValidation, "pairing uri expiryTimestamp", err)
		}
		u.Expiry = ms
	}
	return u, nil
}

// unwrapBase64 decodes one optional layer of base64 wrapping. The
// decoded text wins only when it carries the wc: marker.
func unwrapBase64(raw string) string {
	for _, enc := range []*base64.Encoding{base64.StdEncoding, base64.RawURLEncoding} {
		if decoded, err := enc.DecodeString(raw); err == nil {
			if s := string(decoded); strings.Contains(s, "wc:") {
				return s
			}
		}
	}
	return raw
}
