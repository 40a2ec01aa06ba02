package models

import "time"

// DepthLevel is a single rung of the bid or ask ladder.
type DepthLevel struct {
	Price    float64 `json:"price"`
	Quantity float64 `json:"quantity"`
	Orders   int     `json:"orders,omitempty"`
}

// LTPData carries a last-traded-price tick.
type LTPData struct {
	Price float64 `json:"ltp"`
}

// QuoteData carries OHLC and volume alongside the last trade.
type QuoteData struct {
	Price  float64 `json:"ltp"`
	Open   float64 `json:"open"`
	High   float64 `json:"high"`
	Low    float64 `json:"low"`
	Close  float64 `json:"close"`
	Volume float64 `json:"volume"`
}

// DepthData carries the bid/ask ladder.
type DepthData struct {
	Price float64      `json:"ltp,omitempty"`
	Bids  []DepthLevel `json:"bids"`
	Asks  []DepthLevel `json:"asks"`
}

// CanonicalEvent is the broker-agnostic record produced by broker adapters.
// Exactly one of LTP, Quote or Depth is set, matching Topic.Mode. Sequence is
// assigned by the bus at publish time and is monotonic per topic.
type CanonicalEvent struct {
	Topic     Topic      `json:"topic"`
	Timestamp time.Time  `json:"timestamp"`
	Sequence  uint64     `json:"sequence"`
	LTP       *LTPData   `json:"ltp_data,omitempty"`
	Quote     *QuoteData `json:"quote_data,omitempty"`
	Depth     *DepthData `json:"depth_data,omitempty"`
}

// Data returns the mode-specific payload for the push frame.
func (e CanonicalEvent) Data() interface{} {
	switch {
	case e.LTP != nil:
		return e.LTP
	case e.Quote != nil:
		return e.Quote
	case e.Depth != nil:
		return e.Depth
	default:
		return nil
	}
}

// BrokerState describes the lifecycle of one broker connection.
type BrokerState string

const (
	BrokerDisconnected  BrokerState = "disconnected"
	BrokerConnecting    BrokerState = "connecting"
	BrokerAuthenticated BrokerState = "authenticated"
	BrokerStreaming     BrokerState = "streaming"
	BrokerReconnecting  BrokerState = "reconnecting"
	BrokerClosed        BrokerState = "closed"
)

// BrokerStatusEvent is published on the control stream when a broker
// connection changes state, so sessions subscribed to that broker's topics
// can be notified.
type BrokerStatusEvent struct {
	Exchange  string      `json:"exchange"`
	State     BrokerState `json:"state"`
	Code      string      `json:"code"`
	Message   string      `json:"message"`
	Terminal  bool        `json:"terminal"`
	Timestamp time.Time   `json:"timestamp"`
}
