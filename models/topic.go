package models

import (
	"fmt"
	"strings"
)

// Mode identifies the level of market data carried on a topic.
type Mode string

const (
	ModeLTP   Mode = "LTP"
	ModeQuote Mode = "QUOTE"
	ModeDepth Mode = "DEPTH"
)

// ParseMode returns the canonical Mode for a client-supplied string.
func ParseMode(s string) (Mode, error) {
	switch Mode(strings.ToUpper(strings.TrimSpace(s))) {
	case ModeLTP:
		return ModeLTP, nil
	case ModeQuote:
		return ModeQuote, nil
	case ModeDepth:
		return ModeDepth, nil
	default:
		return "", fmt.Errorf("unknown mode %q", s)
	}
}

// Topic is the canonical addressing unit for one data stream. It is an
// immutable value and safe to use as a map key.
type Topic struct {
	Exchange string `json:"exchange"`
	Symbol   string `json:"symbol"`
	Mode     Mode   `json:"mode"`
}

func NewTopic(exchange, symbol string, mode Mode) Topic {
	return Topic{
		Exchange: strings.ToUpper(strings.TrimSpace(exchange)),
		Symbol:   strings.ToUpper(strings.TrimSpace(symbol)),
		Mode:     mode,
	}
}

// Key renders the topic as EXCHANGE:SYMBOL:MODE, the form used in logs and
// on the status surface.
func (t Topic) Key() string {
	return t.Exchange + ":" + t.Symbol + ":" + string(t.Mode)
}

func (t Topic) String() string { return t.Key() }

// ParseTopicKey is the inverse of Key.
func ParseTopicKey(key string) (Topic, error) {
	parts := strings.Split(key, ":")
	if len(parts) != 3 {
		return Topic{}, fmt.Errorf("malformed topic key %q", key)
	}
	mode, err := ParseMode(parts[2])
	if err != nil {
		return Topic{}, err
	}
	if parts[0] == "" || parts[1] == "" {
		return Topic{}, fmt.Errorf("malformed topic key %q", key)
	}
	return NewTopic(parts[0], parts[1], mode), nil
}
