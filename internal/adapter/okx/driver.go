package okx

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	appconfig "tickflow/config"
	"tickflow/internal/adapter"
	"tickflow/logger"
	"tickflow/models"
)

// Driver speaks the OKX v5 websocket protocol. When credentials are
// configured it performs the signed login handshake; OKX expects the client
// to send a textual ping and answers with a textual pong.
type Driver struct {
	cfg        appconfig.BrokerConfig
	log        *logger.Log
	httpClient *http.Client

	mu          sync.RWMutex
	instruments map[string]struct{}

	// LTP and QUOTE share the tickers channel, so wire subscriptions are
	// refcounted per channel. Reset on every connection by Prepare.
	chanMu   sync.Mutex
	chanRefs map[string]int
}

func New(cfg appconfig.BrokerConfig) *Driver {
	timeout := cfg.DialTimeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &Driver{
		cfg:        cfg,
		log:        logger.GetLogger(),
		httpClient: &http.Client{Timeout: timeout},
		chanRefs:   make(map[string]int),
	}
}

func (d *Driver) Name() string { return "okx" }

// Prepare resets the per-connection channel refcounts and refreshes the
// instrument cache from the public REST endpoint.
func (d *Driver) Prepare(ctx context.Context) error {
	d.chanMu.Lock()
	d.chanRefs = make(map[string]int)
	d.chanMu.Unlock()

	if d.cfg.RestURL == "" {
		return nil
	}
	url := strings.TrimRight(d.cfg.RestURL, "/") + "/api/v5/public/instruments?instType=SPOT"
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return fmt.Errorf("build instruments request: %v", err)
	}
	resp, err := d.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("fetch instruments: %v", err)
	}
	defer resp.Body.Close()

	var wrapper struct {
		Data []struct {
			InstID string `json:"instId"`
		} `json:"data"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&wrapper); err != nil {
		return fmt.Errorf("decode instruments: %v", err)
	}
	instruments := make(map[string]struct{}, len(wrapper.Data))
	for _, inst := range wrapper.Data {
		instruments[strings.ToUpper(inst.InstID)] = struct{}{}
	}
	d.mu.Lock()
	d.instruments = instruments
	d.mu.Unlock()
	return nil
}

// AuthFrames builds the signed login frame when credentials are configured.
func (d *Driver) AuthFrames() ([][]byte, error) {
	key := d.cfg.APIKey()
	secret := d.cfg.APISecret()
	if key == "" {
		return nil, nil
	}
	if secret == "" {
		return nil, fmt.Errorf("api key set but secret missing")
	}
	ts := strconv.FormatInt(time.Now().Unix(), 10)
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(ts + "GET" + "/users/self/verify"))
	sign := base64.StdEncoding.EncodeToString(mac.Sum(nil))

	frame, err := json.Marshal(map[string]interface{}{
		"op": "login",
		"args": []map[string]string{{
			"apiKey":    key,
			"timestamp": ts,
			"sign":      sign,
		}},
	})
	if err != nil {
		return nil, err
	}
	return [][]byte{frame}, nil
}

func (d *Driver) PingFrame() []byte { return []byte("ping") }

func (d *Driver) SubscribeFrames(topics []models.Topic) ([][]byte, error) {
	return d.opFrame("subscribe", topics)
}

func (d *Driver) UnsubscribeFrames(topics []models.Topic) ([][]byte, error) {
	return d.opFrame("unsubscribe", topics)
}

func (d *Driver) opFrame(op string, topics []models.Topic) ([][]byte, error) {
	args := make([]map[string]string, 0, len(topics))
	for _, topic := range topics {
		if !d.knownInstrument(topic.Symbol) {
			d.log.WithComponent("okx_driver").WithFields(logger.Fields{
				"symbol": topic.Symbol,
			}).Warn("unknown instrument, skipping")
			continue
		}
		channel := channelFor(topic.Mode)
		if !d.adjustChannelRef(channel, topic.Symbol, op == "subscribe") {
			continue
		}
		args = append(args, map[string]string{
			"channel": channel,
			"instId":  topic.Symbol,
		})
	}
	if len(args) == 0 {
		return nil, nil
	}
	frame, err := json.Marshal(map[string]interface{}{"op": op, "args": args})
	if err != nil {
		return nil, err
	}
	return [][]byte{frame}, nil
}

// adjustChannelRef reports whether the wire frame for this channel should
// actually be sent: only the 0->1 subscribe and the 1->0 unsubscribe go out.
func (d *Driver) adjustChannelRef(channel, instID string, subscribe bool) bool {
	key := channel + "|" + strings.ToUpper(instID)
	d.chanMu.Lock()
	defer d.chanMu.Unlock()
	if subscribe {
		d.chanRefs[key]++
		return d.chanRefs[key] == 1
	}
	if d.chanRefs[key] == 0 {
		return false
	}
	d.chanRefs[key]--
	if d.chanRefs[key] == 0 {
		delete(d.chanRefs, key)
		return true
	}
	return false
}

func (d *Driver) knownInstrument(symbol string) bool {
	d.mu.RLock()
	defer d.mu.RUnlock()
	if len(d.instruments) == 0 {
		return true
	}
	_, ok := d.instruments[strings.ToUpper(symbol)]
	return ok
}

func channelFor(mode models.Mode) string {
	switch mode {
	case models.ModeDepth:
		return "books5"
	default:
		// LTP and QUOTE both ride the tickers channel; the feed fans the
		// decoded event out per topic mode.
		return "tickers"
	}
}

func modeForChannel(channel string) (models.Mode, bool) {
	switch channel {
	case "tickers":
		return models.ModeQuote, true
	case "books5":
		return models.ModeDepth, true
	}
	return "", false
}

type inboundFrame struct {
	Event string `json:"event"`
	Code  string `json:"code"`
	Msg   string `json:"msg"`
	Arg   struct {
		Channel string `json:"channel"`
		InstID  string `json:"instId"`
	} `json:"arg"`
	Data json.RawMessage `json:"data"`
}

type tickerData struct {
	Last   string `json:"last"`
	Open   string `json:"open24h"`
	High   string `json:"high24h"`
	Low    string `json:"low24h"`
	Volume string `json:"vol24h"`
	Ts     string `json:"ts"`
}

type bookData struct {
	Bids [][]string `json:"bids"`
	Asks [][]string `json:"asks"`
	Ts   string     `json:"ts"`
}

// Login failure codes per the OKX v5 API error table.
var authErrorCodes = map[string]struct{}{
	"60005": {}, "60006": {}, "60007": {}, "60009": {}, "60024": {},
}

func (d *Driver) Decode(frame []byte) ([]models.CanonicalEvent, error) {
	if string(frame) == "pong" {
		return nil, nil
	}
	var in inboundFrame
	if err := json.Unmarshal(frame, &in); err != nil {
		return nil, fmt.Errorf("decode frame: %v", err)
	}

	switch in.Event {
	case "subscribe", "unsubscribe", "login":
		return nil, nil
	case "error":
		if _, ok := authErrorCodes[in.Code]; ok {
			return nil, fmt.Errorf("login rejected (code %s): %s: %w", in.Code, in.Msg, adapter.ErrAuthRevoked)
		}
		d.log.WithComponent("okx_driver").WithFields(logger.Fields{
			"code": in.Code,
			"msg":  in.Msg,
		}).Warn("broker error event")
		return nil, nil
	}

	if in.Arg.Channel == "" || len(in.Data) == 0 {
		return nil, fmt.Errorf("unrecognized frame")
	}
	mode, ok := modeForChannel(in.Arg.Channel)
	if !ok {
		return nil, fmt.Errorf("unknown channel %q", in.Arg.Channel)
	}

	switch mode {
	case models.ModeQuote:
		return d.decodeTickers(in)
	case models.ModeDepth:
		return d.decodeBooks(in)
	}
	return nil, nil
}

// decodeTickers fans one ticker out to both the LTP and QUOTE topics, since
// OKX serves both from the same channel.
func (d *Driver) decodeTickers(in inboundFrame) ([]models.CanonicalEvent, error) {
	var data []tickerData
	if err := json.Unmarshal(in.Data, &data); err != nil {
		return nil, fmt.Errorf("decode tickers: %v", err)
	}
	events := make([]models.CanonicalEvent, 0, len(data)*2)
	for _, tick := range data {
		last, err := strconv.ParseFloat(tick.Last, 64)
		if err != nil {
			return nil, fmt.Errorf("decode ticker price: %v", err)
		}
		open, _ := strconv.ParseFloat(tick.Open, 64)
		high, _ := strconv.ParseFloat(tick.High, 64)
		low, _ := strconv.ParseFloat(tick.Low, 64)
		volume, _ := strconv.ParseFloat(tick.Volume, 64)
		ts := parseMillis(tick.Ts)

		events = append(events,
			models.CanonicalEvent{
				Topic:     models.NewTopic(d.cfg.Exchange, in.Arg.InstID, models.ModeLTP),
				Timestamp: ts,
				LTP:       &models.LTPData{Price: last},
			},
			models.CanonicalEvent{
				Topic:     models.NewTopic(d.cfg.Exchange, in.Arg.InstID, models.ModeQuote),
				Timestamp: ts,
				Quote: &models.QuoteData{
					Price:  last,
					Open:   open,
					High:   high,
					Low:    low,
					Close:  last,
					Volume: volume,
				},
			},
		)
	}
	return events, nil
}

func (d *Driver) decodeBooks(in inboundFrame) ([]models.CanonicalEvent, error) {
	var data []bookData
	if err := json.Unmarshal(in.Data, &data); err != nil {
		return nil, fmt.Errorf("decode books: %v", err)
	}
	events := make([]models.CanonicalEvent, 0, len(data))
	for _, book := range data {
		events = append(events, models.CanonicalEvent{
			Topic:     models.NewTopic(d.cfg.Exchange, in.Arg.InstID, models.ModeDepth),
			Timestamp: parseMillis(book.Ts),
			Depth: &models.DepthData{
				Bids: parseLevels(book.Bids),
				Asks: parseLevels(book.Asks),
			},
		})
	}
	return events, nil
}

func parseMillis(raw string) time.Time {
	ms, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || ms == 0 {
		return time.Now()
	}
	return time.UnixMilli(ms)
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
