package models

import (
	"testing"
	"time"
)

func TestTopicKeyRoundTrip(t *testing.T) {
	topic := NewTopic("nse", "reliance", ModeLTP)
	if topic.Key() != "NSE:RELIANCE:LTP" {
		t.Fatalf("unexpected key %q", topic.Key())
	}
	parsed, err := ParseTopicKey(topic.Key())
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if parsed != topic {
		t.Fatalf("round trip mismatch: %+v != %+v", parsed, topic)
	}
}

func TestParseTopicKeyRejectsMalformed(t *testing.T) {
	for _, key := range []string{"", "NSE", "NSE:RELIANCE", "NSE:RELIANCE:TICKS", "::LTP", "NSE::QUOTE"} {
		if _, err := ParseTopicKey(key); err == nil {
			t.Fatalf("expected error for %q", key)
		}
	}
}

func TestParseMode(t *testing.T) {
	mode, err := ParseMode(" depth ")
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if mode != ModeDepth {
		t.Fatalf("expected DEPTH, got %s", mode)
	}
	if _, err := ParseMode("candles"); err == nil {
		t.Fatal("expected error for unknown mode")
	}
}

func TestPushFromEvent(t *testing.T) {
	ts := time.Unix(100, 0)
	ev := CanonicalEvent{
		Topic:     NewTopic("NSE", "RELIANCE", ModeLTP),
		Timestamp: ts,
		Sequence:  7,
		LTP:       &LTPData{Price: 2500},
	}
	push := PushFromEvent(ev)
	if push.Timestamp != ts.UnixMilli() || push.Sequence != 7 {
		t.Fatalf("unexpected push header: %+v", push)
	}
	data, ok := push.Data.(*LTPData)
	if !ok || data.Price != 2500 {
		t.Fatalf("unexpected payload: %+v", push.Data)
	}
}

func TestEventDataSelectsPayload(t *testing.T) {
	ev := CanonicalEvent{Depth: &DepthData{Bids: []DepthLevel{{Price: 1, Quantity: 2}}}}
	if _, ok := ev.Data().(*DepthData); !ok {
		t.Fatalf("expected depth payload, got %T", ev.Data())
	}
	if (CanonicalEvent{}).Data() != nil {
		t.Fatal("empty event should have nil payload")
	}
}
