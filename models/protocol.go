package models

// ClientRequest is the control frame sent by clients over the websocket.
// Symbols are expanded into one topic per entry. APIKey is only read on
// authenticate.
type ClientRequest struct {
	Action   string   `json:"action"`
	APIKey   string   `json:"api_key,omitempty"`
	Symbols  []string `json:"symbols,omitempty"`
	Exchange string   `json:"exchange,omitempty"`
	Mode     string   `json:"mode,omitempty"`
}

const (
	ActionAuthenticate = "authenticate"
	ActionSubscribe    = "subscribe"
	ActionUnsubscribe  = "unsubscribe"
)

// EventPush is the data frame delivered to subscribed clients.
type EventPush struct {
	Topic     Topic       `json:"topic"`
	Timestamp int64       `json:"timestamp"`
	Sequence  uint64      `json:"sequence"`
	Data      interface{} `json:"data"`
}

// PushFromEvent converts a canonical event into the wire frame. Timestamps
// are delivered as unix milliseconds.
func PushFromEvent(e CanonicalEvent) EventPush {
	return EventPush{
		Topic:     e.Topic,
		Timestamp: e.Timestamp.UnixMilli(),
		Sequence:  e.Sequence,
		Data:      e.Data(),
	}
}

// StatusPush is the error/status frame delivered to clients.
type StatusPush struct {
	Type    string `json:"type"`
	Code    string `json:"code"`
	Message string `json:"message"`
}

const (
	StatusTypeError  = "error"
	StatusTypeStatus = "status"
)

// Status/error codes sent to clients.
const (
	CodeAuthRequired       = "auth_required"
	CodeAuthenticated      = "authenticated"
	CodeAuthFailed         = "auth_failed"
	CodeBadRequest         = "bad_request"
	CodeTopicUnavailable   = "topic_unavailable"
	CodeBrokerDisconnected = "broker_disconnected"
	CodeBrokerReconnected  = "broker_reconnected"
	CodeBrokerAuthRevoked  = "broker_auth_revoked"
	CodeSlowConsumer       = "slow_consumer"
	CodeSubscribed         = "subscribed"
	CodeUnsubscribed       = "unsubscribed"
)
