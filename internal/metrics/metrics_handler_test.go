package metrics

import (
	"testing"

	"tickflow/logger"
)

func TestRegisterMetricHandlerNil(t *testing.T) {
	if id := RegisterMetricHandler(nil); id != 0 {
		t.Fatalf("expected zero id for nil handler, got %d", id)
	}
}

func TestEmitMetricDispatch(t *testing.T) {
	var got []Metric
	id := RegisterMetricHandler(func(m Metric) {
		got = append(got, m)
	})
	defer UnregisterMetricHandler(id)

	EmitMetric(logger.GetLogger(), "test", "things_total", 3, "", logger.Fields{"exchange": "BINANCE"})

	if len(got) != 1 {
		t.Fatalf("expected 1 dispatched metric, got %d", len(got))
	}
	m := got[0]
	if m.Name != "things_total" || m.Component != "test" || m.Type != "counter" {
		t.Fatalf("unexpected metric: %+v", m)
	}
	if m.Fields["exchange"] != "BINANCE" {
		t.Fatalf("fields not carried: %+v", m.Fields)
	}
}

func TestEmitMetricIgnoresEmptyName(t *testing.T) {
	id := RegisterMetricHandler(func(m Metric) {
		t.Fatalf("unexpected dispatch: %+v", m)
	})
	defer UnregisterMetricHandler(id)

	EmitMetric(nil, "test", "", 1, "counter", nil)
}
