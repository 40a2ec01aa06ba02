package binance

import (
	"encoding/json"
	"strings"
	"testing"

	appconfig "tickflow/config"
	"tickflow/models"
)

func testDriver() *Driver {
	return New(appconfig.BrokerConfig{Name: "binance", Exchange: "BINANCE"})
}

func TestSubscribeFrameStreamNames(t *testing.T) {
	d := testDriver()
	frames, err := d.SubscribeFrames([]models.Topic{
		models.NewTopic("BINANCE", "BTCUSDT", models.ModeLTP),
		models.NewTopic("BINANCE", "ETHUSDT", models.ModeQuote),
		models.NewTopic("BINANCE", "BTCUSDT", models.ModeDepth),
	})
	if err != nil {
		t.Fatalf("subscribe frames: %v", err)
	}
	if len(frames) != 1 {
		t.Fatalf("expected one batched frame, got %d", len(frames))
	}

	var req struct {
		Method string   `json:"method"`
		Params []string `json:"params"`
		ID     uint64   `json:"id"`
	}
	if err := json.Unmarshal(frames[0], &req); err != nil {
		t.Fatalf("decode frame: %v", err)
	}
	if req.Method != "SUBSCRIBE" || req.ID == 0 {
		t.Fatalf("unexpected frame: %s", frames[0])
	}
	want := []string{"btcusdt@trade", "ethusdt@miniTicker", "btcusdt@depth20@100ms"}
	for i, stream := range want {
		if req.Params[i] != stream {
			t.Fatalf("param %d: got %q want %q", i, req.Params[i], stream)
		}
	}
}

func TestUnsubscribeFrameMethod(t *testing.T) {
	d := testDriver()
	frames, err := d.UnsubscribeFrames([]models.Topic{
		models.NewTopic("BINANCE", "BTCUSDT", models.ModeLTP),
	})
	if err != nil {
		t.Fatalf("unsubscribe frames: %v", err)
	}
	if !strings.Contains(string(frames[0]), `"UNSUBSCRIBE"`) {
		t.Fatalf("unexpected frame: %s", frames[0])
	}
}

func TestDecodeTrade(t *testing.T) {
	d := testDriver()
	frame := []byte(`{"stream":"btcusdt@trade","data":{"e":"trade","E":1700000000000,"s":"BTCUSDT","p":"42000.5"}}`)
	events, err := d.Decode(frame)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(events) != 1 {
		t.Fatalf("expected 1 event, got %d", len(events))
	}
	ev := events[0]
	if ev.Topic.Key() != "BINANCE:BTCUSDT:LTP" {
		t.Fatalf("unexpected topic %s", ev.Topic)
	}
	if ev.LTP == nil || ev.LTP.Price != 42000.5 {
		t.Fatalf("unexpected payload: %+v", ev)
	}
	if ev.Timestamp.UnixMilli() != 1700000000000 {
		t.Fatalf("unexpected timestamp: %v", ev.Timestamp)
	}
}

func TestDecodeMiniTicker(t *testing.T) {
	d := testDriver()
	frame := []byte(`{"stream":"ethusdt@miniTicker","data":{"e":"24hrMiniTicker","E":1700000000000,"c":"2200.1","o":"2100","h":"2250","l":"2050","v":"12345.6"}}`)
	events, err := d.Decode(frame)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	ev := events[0]
	if ev.Quote == nil {
		t.Fatalf("expected quote payload: %+v", ev)
	}
	if ev.Quote.Price != 2200.1 || ev.Quote.Open != 2100 || ev.Quote.High != 2250 ||
		ev.Quote.Low != 2050 || ev.Quote.Volume != 12345.6 {
		t.Fatalf("unexpected quote: %+v", ev.Quote)
	}
}

func TestDecodeDepth(t *testing.T) {
	d := testDriver()
	frame := []byte(`{"stream":"btcusdt@depth20@100ms","data":{"lastUpdateId":7,"bids":[["42000","1.5"],["41999","2"]],"asks":[["42001","0.5"]]}}`)
	events, err := d.Decode(frame)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	depth := events[0].Depth
	if depth == nil || len(depth.Bids) != 2 || len(depth.Asks) != 1 {
		t.Fatalf("unexpected depth: %+v", depth)
	}
	if depth.Bids[0].Price != 42000 || depth.Bids[0].Quantity != 1.5 {
		t.Fatalf("unexpected bid: %+v", depth.Bids[0])
	}
}

func TestDecodeCommandAck(t *testing.T) {
	d := testDriver()
	events, err := d.Decode([]byte(`{"result":null,"id":3}`))
	if err != nil {
		t.Fatalf("ack should be silent: %v", err)
	}
	if len(events) != 0 {
		t.Fatalf("ack produced events: %+v", events)
	}
}

func TestDecodeGarbageFails(t *testing.T) {
	d := testDriver()
	if _, err := d.Decode([]byte(`{"foo":"bar"}`)); err == nil {
		t.Fatal("expected decode error")
	}
	if _, err := d.Decode([]byte(`not json`)); err == nil {
		t.Fatal("expected decode error")
	}
}

func TestInstrumentFilter(t *testing.T) {
	d := testDriver()
	d.instruments = map[string]struct{}{"BTCUSDT": {}}

	frames, err := d.SubscribeFrames([]models.Topic{
		models.NewTopic("BINANCE", "BTCUSDT", models.ModeLTP),
		models.NewTopic("BINANCE", "BOGUS", models.ModeLTP),
	})
	if err != nil {
		t.Fatalf("subscribe frames: %v", err)
	}
	if strings.Contains(string(frames[0]), "bogus") {
		t.Fatalf("unknown instrument not filtered: %s", frames[0])
	}

	// All unknown: no frame at all.
	frames, err = d.SubscribeFrames([]models.Topic{
		models.NewTopic("BINANCE", "BOGUS", models.ModeLTP),
	})
	if err != nil || frames != nil {
		t.Fatalf("expected no frames, got %v (%v)", frames, err)
	}
}
