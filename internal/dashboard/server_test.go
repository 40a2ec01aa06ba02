package dashboard

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	appconfig "tickflow/config"
	"tickflow/internal/metrics"
	"tickflow/internal/registry"
	"tickflow/models"
)

type fakeBroker struct {
	exchange   string
	state      models.BrokerState
	reconnects int64
}

func (f fakeBroker) Exchange() string          { return f.exchange }
func (f fakeBroker) State() models.BrokerState { return f.state }
func (f fakeBroker) Reconnects() int64         { return f.reconnects }

type fakeSessions int

func (f fakeSessions) SessionCount() int { return int(f) }

type countingUpstream struct{ exchange string }

func (c countingUpstream) Exchange() string                    { return c.exchange }
func (c countingUpstream) SubscribeTopic(models.Topic) error   { return nil }
func (c countingUpstream) UnsubscribeTopic(models.Topic) error { return nil }

func testServer(t *testing.T) *Server {
	t.Helper()
	reg := registry.New()
	reg.RegisterUpstream(countingUpstream{"NSE"})
	if err := reg.Subscribe("s-1", models.NewTopic("NSE", "RELIANCE", models.ModeLTP)); err != nil {
		t.Fatalf("seed subscription: %v", err)
	}
	srv := NewServer(
		appconfig.DashboardConfig{Enabled: true, Address: "127.0.0.1:0"},
		reg,
		[]BrokerStatus{fakeBroker{exchange: "NSE", state: models.BrokerStreaming, reconnects: 3}},
		fakeSessions(2),
	)
	if srv == nil {
		t.Fatal("enabled dashboard returned nil server")
	}
	t.Cleanup(func() { metrics.UnregisterMetricHandler(srv.metricHandler) })
	return srv
}

func getJSON(t *testing.T, router http.Handler, path string) map[string]interface{} {
	t.Helper()
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, path, nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("%s returned %d", path, rec.Code)
	}
	var body map[string]interface{}
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode %s: %v", path, err)
	}
	return body
}

func TestDisabledDashboardIsNil(t *testing.T) {
	srv := NewServer(appconfig.DashboardConfig{}, registry.New(), nil, fakeSessions(0))
	if srv != nil {
		t.Fatal("disabled dashboard should be nil")
	}
	if err := srv.Run(nil); err != nil {
		t.Fatalf("nil server Run must be a no-op: %v", err)
	}
}

func TestStatusEndpoint(t *testing.T) {
	srv := testServer(t)
	body := getJSON(t, srv.buildRouter(), "/api/status")

	if body["sessions"].(float64) != 2 {
		t.Fatalf("unexpected sessions: %v", body["sessions"])
	}
	if body["topics"].(float64) != 1 {
		t.Fatalf("unexpected topic count: %v", body["topics"])
	}
	brokers := body["brokers"].([]interface{})
	broker := brokers[0].(map[string]interface{})
	if broker["exchange"] != "NSE" || broker["state"] != "streaming" {
		t.Fatalf("unexpected broker entry: %v", broker)
	}
	if broker["reconnects"].(float64) != 3 {
		t.Fatalf("unexpected reconnect count: %v", broker["reconnects"])
	}
}

func TestTopicsEndpoint(t *testing.T) {
	srv := testServer(t)
	body := getJSON(t, srv.buildRouter(), "/api/topics")

	topics := body["topics"].(map[string]interface{})
	if topics["NSE:RELIANCE:LTP"].(float64) != 1 {
		t.Fatalf("unexpected topics: %v", topics)
	}
}

func TestMetricsEndpointCollectsEmitted(t *testing.T) {
	srv := testServer(t)
	metrics.EmitMetric(nil, "test", "events_total", 42, "counter", nil)

	body := getJSON(t, srv.buildRouter(), "/api/metrics")
	entries := body["metrics"].([]interface{})
	if len(entries) == 0 {
		t.Fatal("emitted metric missing from history")
	}
	last := entries[len(entries)-1].(map[string]interface{})
	if last["name"] != "events_total" {
		t.Fatalf("unexpected metric: %v", last)
	}
}

func TestHealthz(t *testing.T) {
	srv := testServer(t)
	body := getJSON(t, srv.buildRouter(), "/healthz")
	if body["status"] != "ok" {
		t.Fatalf("unexpected healthz body: %v", body)
	}
}
