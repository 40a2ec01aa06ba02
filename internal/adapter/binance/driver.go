package binance

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	gobinance "github.com/adshao/go-binance/v2"

	appconfig "tickflow/config"
	"tickflow/logger"
	"tickflow/models"
)

// Driver speaks the Binance combined-stream protocol. Market data streams are
// public, so there is no auth handshake; the exchange pings at the protocol
// level and the websocket library answers pongs automatically.
type Driver struct {
	cfg  appconfig.BrokerConfig
	log  *logger.Log
	rest *gobinance.Client

	nextID uint64

	mu          sync.RWMutex
	instruments map[string]struct{}
}

func New(cfg appconfig.BrokerConfig) *Driver {
	client := gobinance.NewClient(cfg.APIKey(), cfg.APISecret())
	if cfg.RestURL != "" {
		client.BaseURL = cfg.RestURL
	}
	return &Driver{
		cfg:  cfg,
		log:  logger.GetLogger(),
		rest: client,
	}
}

func (d *Driver) Name() string { return "binance" }

// Prepare loads the tradable symbol list so subscribe frames can skip
// instruments the exchange would reject.
func (d *Driver) Prepare(ctx context.Context) error {
	info, err := d.rest.NewExchangeInfoService().Do(ctx)
	if err != nil {
		return fmt.Errorf("fetch exchange info: %v", err)
	}
	instruments := make(map[string]struct{}, len(info.Symbols))
	for _, sym := range info.Symbols {
		if sym.Status == "TRADING" {
			instruments[strings.ToUpper(sym.Symbol)] = struct{}{}
		}
	}
	d.mu.Lock()
	d.instruments = instruments
	d.mu.Unlock()
	d.log.WithComponent("binance_driver").WithFields(logger.Fields{
		"instruments": len(instruments),
	}).Debug("instrument cache refreshed")
	return nil
}

func (d *Driver) AuthFrames() ([][]byte, error) { return nil, nil }

func (d *Driver) PingFrame() []byte { return nil }

func (d *Driver) SubscribeFrames(topics []models.Topic) ([][]byte, error) {
	return d.methodFrame("SUBSCRIBE", topics)
}

func (d *Driver) UnsubscribeFrames(topics []models.Topic) ([][]byte, error) {
	return d.methodFrame("UNSUBSCRIBE", topics)
}

func (d *Driver) methodFrame(method string, topics []models.Topic) ([][]byte, error) {
	params := make([]string, 0, len(topics))
	for _, topic := range topics {
		if !d.knownInstrument(topic.Symbol) {
			d.log.WithComponent("binance_driver").WithFields(logger.Fields{
				"symbol": topic.Symbol,
			}).Warn("unknown instrument, skipping")
			continue
		}
		params = append(params, streamName(topic))
	}
	if len(params) == 0 {
		return nil, nil
	}
	frame, err := json.Marshal(map[string]interface{}{
		"method": method,
		"params": params,
		"id":     atomic.AddUint64(&d.nextID, 1),
	})
	if err != nil {
		return nil, err
	}
	return [][]byte{frame}, nil
}

// knownInstrument is permissive when the cache is empty: a failed Prepare must
// not block subscriptions, the exchange rejects bad streams itself.
func (d *Driver) knownInstrument(symbol string) bool {
	d.mu.RLock()
	defer d.mu.RUnlock()
	if len(d.instruments) == 0 {
		return true
	}
	_, ok := d.instruments[strings.ToUpper(symbol)]
	return ok
}

func streamName(t models.Topic) string {
	sym := strings.ToLower(t.Symbol)
	switch t.Mode {
	case models.ModeLTP:
		return sym + "@trade"
	case models.ModeQuote:
		return sym + "@miniTicker"
	case models.ModeDepth:
		return sym + "@depth20@100ms"
	}
	return sym + "@trade"
}

type combinedFrame struct {
	Stream string          `json:"stream"`
	Data   json.RawMessage `json:"data"`
}

type tradeEvent struct {
	EventType string `json:"e"`
	EventTime int64  `json:"E"`
	Price     string `json:"p"`
}

type miniTickerEvent struct {
	EventType string `json:"e"`
	EventTime int64  `json:"E"`
	Close     string `json:"c"`
	Open      string `json:"o"`
	High      string `json:"h"`
	Low       string `json:"l"`
	Volume    string `json:"v"`
}

type depthEvent struct {
	LastUpdateID int64      `json:"lastUpdateId"`
	Bids         [][]string `json:"bids"`
	Asks         [][]string `json:"asks"`
}

func (d *Driver) Decode(frame []byte) ([]models.CanonicalEvent, error) {
	var wrapper combinedFrame
	if err := json.Unmarshal(frame, &wrapper); err != nil {
		return nil, fmt.Errorf("decode frame: %v", err)
	}
	if wrapper.Stream == "" {
		// Command acks and errors arrive unwrapped: {"result":null,"id":1}.
		var ack struct {
			ID    *uint64 `json:"id"`
			Error *struct {
				Code int    `json:"code"`
				Msg  string `json:"msg"`
			} `json:"error"`
		}
		if err := json.Unmarshal(frame, &ack); err != nil || ack.ID == nil {
			return nil, fmt.Errorf("unrecognized frame")
		}
		if ack.Error != nil {
			d.log.WithComponent("binance_driver").WithFields(logger.Fields{
				"code": ack.Error.Code,
				"msg":  ack.Error.Msg,
			}).Warn("command rejected")
		}
		return nil, nil
	}

	symbol, mode, err := parseStream(wrapper.Stream)
	if err != nil {
		return nil, err
	}
	topic := models.NewTopic(d.cfg.Exchange, symbol, mode)

	switch mode {
	case models.ModeLTP:
		var ev tradeEvent
		if err := json.Unmarshal(wrapper.Data, &ev); err != nil {
			return nil, fmt.Errorf("decode trade: %v", err)
		}
		price, err := strconv.ParseFloat(ev.Price, 64)
		if err != nil {
			return nil, fmt.Errorf("decode trade price: %v", err)
		}
		return []models.CanonicalEvent{{
			Topic:     topic,
			Timestamp: time.UnixMilli(ev.EventTime),
			LTP:       &models.LTPData{Price: price},
		}}, nil

	case models.ModeQuote:
		var ev miniTickerEvent
		if err := json.Unmarshal(wrapper.Data, &ev); err != nil {
			return nil, fmt.Errorf("decode miniTicker: %v", err)
		}
		quote := &models.QuoteData{}
		for _, field := range []struct {
			raw string
			dst *float64
		}{
			{ev.Close, &quote.Price},
			{ev.Open, &quote.Open},
			{ev.High, &quote.High},
			{ev.Low, &quote.Low},
			{ev.Volume, &quote.Volume},
		} {
			v, err := strconv.ParseFloat(field.raw, 64)
			if err != nil {
				return nil, fmt.Errorf("decode miniTicker field: %v", err)
			}
			*field.dst = v
		}
		quote.Close = quote.Price
		return []models.CanonicalEvent{{
			Topic:     topic,
			Timestamp: time.UnixMilli(ev.EventTime),
			Quote:     quote,
		}}, nil

	case models.ModeDepth:
		var ev depthEvent
		if err := json.Unmarshal(wrapper.Data, &ev); err != nil {
			return nil, fmt.Errorf("decode depth: %v", err)
		}
		depth := &models.DepthData{
			Bids: parseLevels(ev.Bids),
			Asks: parseLevels(ev.Asks),
		}
		return []models.CanonicalEvent{{
			Topic:     topic,
			Timestamp: time.Now(),
			Depth:     depth,
		}}, nil
	}
	return nil, fmt.Errorf("unhandled stream %q", wrapper.Stream)
}

func parseStream(stream string) (string, models.Mode, error) {
	parts := strings.SplitN(stream, "@", 2)
	if len(parts) != 2 {
		return "", "", fmt.Errorf("malformed stream name %q", stream)
	}
	symbol := strings.ToUpper(parts[0])
	switch {
	case parts[1] == "trade":
		return symbol, models.ModeLTP, nil
	case parts[1] == "miniTicker":
		return symbol, models.ModeQuote, nil
	case strings.HasPrefix(parts[1], "depth"):
		return symbol, models.ModeDepth, nil
	}
	return "", "", fmt.Errorf("unknown stream type %q", parts[1])
}

func parseLevels(raw [][]string) []models.DepthLevel {
	levels := make([]models.DepthLevel, 0, len(raw))
	for _, entry := range raw {
		if len(entry) < 2 {
			continue
		}
		price, err1 := strconv.ParseFloat(entry[0], 64)
		qty, err2 := strconv.ParseFloat(entry[1], 64)
		if err1 != nil || err2 != nil {
			continue
		}
		levels = append(levels, models.DepthLevel{Price: price, Quantity: qty})
	}
	return levels
}
