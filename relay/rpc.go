package relay

import (
	"encoding/json"
	"fmt"
)

// JSON-RPC 2.0 methods spoken with the relay.
const (
	methodPublish      = "irn_publish"
	methodSubscribe    = "irn_subscribe"
	methodUnsubscribe  = "irn_unsubscribe"
	methodSubscription = "irn_subscription"
)

// PublishParams carries an encrypted message to a topic.
type PublishParams struct {
	Topic   string `json:"topic"`
	Message string `json:"message"`
	TTL     int64  `json:"ttl"` // seconds
	Prompt  bool   `json:"prompt"`
	Tag     int64  `json:"tag"`
}

// SubscribeParams opens a topic subscription.
type SubscribeParams struct {
	Topic string `json:"topic"`
}

// UnsubscribeParams closes a subscription by relay-assigned id.
type UnsubscribeParams struct {
	ID    string `json:"id"`
	Topic string `json:"topic"`
}

// SubscriptionData is the payload of an inbound irn_subscription
// notification.
type SubscriptionData struct {
	Topic       string `json:"topic"`
	Message     string `json:"message"`
	PublishedAt int64  `json:"publishedAt,omitempty"`
	Tag         int64  `json:"tag,omitempty"`
}

// SubscriptionParams wraps SubscriptionData with the subscription id.
type SubscriptionParams struct {
	ID   string           `json:"id,omitempty"`
	Data SubscriptionData `json:"data"`
}

// rpcRequest is an outbound JSON-RPC request frame. IDs are integers;
// the relay echoes them back as integers.
type rpcRequest struct {
	JSONRPC string `json:"jsonrpc"`
	ID      int64  `json:"id"`
	Method  string `json:"method"`
	Params  any    `json:"params"`
}

// rpcAck acknowledges an inbound relay request.
type rpcAck struct {
	JSONRPC string `json:"jsonrpc"`
	ID      int64  `json:"id"`
	Result  bool   `json:"result"`
}

// rpcError is the error member of a response frame.
type rpcError struct {
	Code    int64  `json:"code"`
	Message string `json:"message"`
}

func (e *rpcError) Error() string {
	return fmt.Sprintf("relay error %d: %s", e.Code, e.Message)
}

// rpcFrame is any inbound frame: a response (id + result/error) or a
// notification (method + params). ID stays a json.Number until
// dispatch so a non-integer id can be rejected as a protocol error
// instead of silently rounding.
type rpcFrame struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      json.Number     `json:"id,omitempty"`
	Method  string          `json:"method,omitempty"`
	Params  json.RawMessage `json:"params,omitempty"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   *rpcError       `json:"error,omitempty"`
}
