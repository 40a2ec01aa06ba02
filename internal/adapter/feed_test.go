package adapter

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	appconfig "tickflow/config"
	"tickflow/internal/bus"
	"tickflow/models"
)

// stubDriver speaks a trivial JSON protocol so tests can steer the feed
// without a real exchange.
type stubDriver struct{}

func (stubDriver) Name() string                      { return "stub" }
func (stubDriver) Prepare(ctx context.Context) error { return nil }
func (stubDriver) AuthFrames() ([][]byte, error)     { return nil, nil }
func (stubDriver) PingFrame() []byte                 { return nil }

func (stubDriver) SubscribeFrames(topics []models.Topic) ([][]byte, error) {
	return opFrame("subscribe", topics)
}

func (stubDriver) UnsubscribeFrames(topics []models.Topic) ([][]byte, error) {
	return opFrame("unsubscribe", topics)
}

func opFrame(op string, topics []models.Topic) ([][]byte, error) {
	keys := make([]string, len(topics))
	for i, t := range topics {
		keys[i] = t.Key()
	}
	frame, err := json.Marshal(map[string]interface{}{"op": op, "topics": keys})
	return [][]byte{frame}, err
}

func (stubDriver) Decode(frame []byte) ([]models.CanonicalEvent, error) {
	var msg struct {
		Type   string  `json:"type"`
		Symbol string  `json:"symbol"`
		Price  float64 `json:"price"`
	}
	if err := json.Unmarshal(frame, &msg); err != nil {
		return nil, err
	}
	switch msg.Type {
	case "tick":
		return []models.CanonicalEvent{{
			Topic:     models.NewTopic("TEST", msg.Symbol, models.ModeLTP),
			Timestamp: time.Now(),
			LTP:       &models.LTPData{Price: msg.Price},
		}}, nil
	case "revoke":
		return nil, fmt.Errorf("session terminated: %w", ErrAuthRevoked)
	default:
		return nil, fmt.Errorf("unknown frame type %q", msg.Type)
	}
}

type staticTopics []models.Topic

func (s staticTopics) ActiveTopics(exchange string) []models.Topic { return s }

type wsServer struct {
	frames chan []byte
	conns  chan *websocket.Conn
}

func newWSServer(t *testing.T) (*wsServer, string) {
	t.Helper()
	s := &wsServer{
		frames: make(chan []byte, 64),
		conns:  make(chan *websocket.Conn, 4),
	}
	var upgrader websocket.Upgrader
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		s.conns <- conn
		go func() {
			for {
				_, msg, err := conn.ReadMessage()
				if err != nil {
					return
				}
				s.frames <- msg
			}
		}()
	}))
	t.Cleanup(srv.Close)
	return s, "ws" + strings.TrimPrefix(srv.URL, "http")
}

func (s *wsServer) waitFrame(t *testing.T) []byte {
	t.Helper()
	select {
	case frame := <-s.frames:
		return frame
	case <-time.After(3 * time.Second):
		t.Fatal("timed out waiting for frame from feed")
		return nil
	}
}

func (s *wsServer) waitConn(t *testing.T) *websocket.Conn {
	t.Helper()
	select {
	case conn := <-s.conns:
		return conn
	case <-time.After(3 * time.Second):
		t.Fatal("timed out waiting for feed to connect")
		return nil
	}
}

func testBrokerConfig(url string) appconfig.BrokerConfig {
	return appconfig.BrokerConfig{
		Name:          "stub",
		Driver:        "stub",
		Exchange:      "TEST",
		URL:           url,
		DialTimeout:   2 * time.Second,
		PingInterval:  time.Minute,
		CommandBuffer: 8,
		Backoff: appconfig.BackoffConfig{
			Base:        10 * time.Millisecond,
			Max:         50 * time.Millisecond,
			StableReset: time.Minute,
		},
		SubscribeRate: appconfig.SubscribeRateConfig{RequestsPerSecond: 100, Burst: 100},
	}
}

func waitStatus(t *testing.T, stream *bus.StatusStream, code string) models.BrokerStatusEvent {
	t.Helper()
	deadline := time.After(3 * time.Second)
	for {
		select {
		case ev := <-stream.Events():
			if ev.Code == code {
				return ev
			}
		case <-deadline:
			t.Fatalf("timed out waiting for status %q", code)
		}
	}
}

func TestFeedSubscribesActiveTopicsOnConnect(t *testing.T) {
	server, url := newWSServer(t)
	b := bus.New(64)
	topics := staticTopics{
		models.NewTopic("TEST", "AAA", models.ModeLTP),
		models.NewTopic("TEST", "BBB", models.ModeQuote),
	}

	feed := NewFeed(testBrokerConfig(url), stubDriver{}, b, topics)
	if err := feed.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}
	defer feed.Stop()

	conn := server.waitConn(t)
	frame := server.waitFrame(t)
	var sub struct {
		Op     string   `json:"op"`
		Topics []string `json:"topics"`
	}
	if err := json.Unmarshal(frame, &sub); err != nil {
		t.Fatalf("decode subscribe frame: %v", err)
	}
	if sub.Op != "subscribe" || len(sub.Topics) != 2 {
		t.Fatalf("unexpected subscribe frame: %s", frame)
	}

	stream := b.Subscribe("test")
	defer b.Unsubscribe(stream)
	if err := conn.WriteJSON(map[string]interface{}{"type": "tick", "symbol": "AAA", "price": 101.5}); err != nil {
		t.Fatalf("write tick: %v", err)
	}
	select {
	case ev := <-stream.Events():
		if ev.Topic.Symbol != "AAA" || ev.LTP == nil || ev.LTP.Price != 101.5 {
			t.Fatalf("unexpected event: %+v", ev)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("tick never reached the bus")
	}
}

func TestFeedSendsQueuedCommands(t *testing.T) {
	server, url := newWSServer(t)
	b := bus.New(64)

	feed := NewFeed(testBrokerConfig(url), stubDriver{}, b, staticTopics{})
	if err := feed.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}
	defer feed.Stop()

	server.waitConn(t)
	if err := feed.SubscribeTopic(models.NewTopic("TEST", "CCC", models.ModeLTP)); err != nil {
		t.Fatalf("subscribe topic: %v", err)
	}
	frame := server.waitFrame(t)
	if !strings.Contains(string(frame), "TEST:CCC:LTP") {
		t.Fatalf("subscribe command not forwarded: %s", frame)
	}

	if err := feed.UnsubscribeTopic(models.NewTopic("TEST", "CCC", models.ModeLTP)); err != nil {
		t.Fatalf("unsubscribe topic: %v", err)
	}
	frame = server.waitFrame(t)
	if !strings.Contains(string(frame), "unsubscribe") {
		t.Fatalf("unsubscribe command not forwarded: %s", frame)
	}
}

func TestFeedReconnectsAndResubscribes(t *testing.T) {
	server, url := newWSServer(t)
	b := bus.New(64)
	status := b.SubscribeStatus("test")
	defer b.UnsubscribeStatus(status)

	topics := staticTopics{models.NewTopic("TEST", "AAA", models.ModeLTP)}
	feed := NewFeed(testBrokerConfig(url), stubDriver{}, b, topics)
	if err := feed.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}
	defer feed.Stop()

	conn := server.waitConn(t)
	server.waitFrame(t)
	conn.Close()

	waitStatus(t, status, models.CodeBrokerDisconnected)

	server.waitConn(t)
	frame := server.waitFrame(t)
	if !strings.Contains(string(frame), "TEST:AAA:LTP") {
		t.Fatalf("feed did not resubscribe after reconnect: %s", frame)
	}
	waitStatus(t, status, models.CodeBrokerReconnected)
}

func TestFeedStopsOnAuthRevoked(t *testing.T) {
	server, url := newWSServer(t)
	b := bus.New(64)
	status := b.SubscribeStatus("test")
	defer b.UnsubscribeStatus(status)

	feed := NewFeed(testBrokerConfig(url), stubDriver{}, b, staticTopics{})
	if err := feed.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}
	defer feed.Stop()

	conn := server.waitConn(t)
	if err := conn.WriteJSON(map[string]string{"type": "revoke"}); err != nil {
		t.Fatalf("write revoke: %v", err)
	}

	ev := waitStatus(t, status, models.CodeBrokerAuthRevoked)
	if !ev.Terminal {
		t.Fatal("auth revocation must be terminal")
	}

	// No reconnect follows a terminal failure.
	select {
	case <-server.conns:
		t.Fatal("feed reconnected after credential revocation")
	case <-time.After(300 * time.Millisecond):
	}
	if got := feed.State(); got != models.BrokerClosed {
		t.Fatalf("expected closed state, got %s", got)
	}
}

func TestFeedCommandBufferOverflow(t *testing.T) {
	cfg := testBrokerConfig("ws://127.0.0.1:0")
	cfg.CommandBuffer = 1
	feed := NewFeed(cfg, stubDriver{}, bus.New(4), staticTopics{})

	topic := models.NewTopic("TEST", "AAA", models.ModeLTP)
	if err := feed.SubscribeTopic(topic); err != nil {
		t.Fatalf("first command should queue: %v", err)
	}
	if err := feed.SubscribeTopic(topic); err != ErrCommandBufferFull {
		t.Fatalf("expected ErrCommandBufferFull, got %v", err)
	}
}

func TestBackoffDelayCappedAndJittered(t *testing.T) {
	feed := NewFeed(testBrokerConfig("ws://unused"), stubDriver{}, bus.New(4), staticTopics{})
	for attempt := 1; attempt <= 30; attempt++ {
		d := feed.backoffDelay(attempt)
		if d <= 0 || d > feed.cfg.Backoff.Max {
			t.Fatalf("attempt %d: delay %s outside (0, %s]", attempt, d, feed.cfg.Backoff.Max)
		}
	}
}
