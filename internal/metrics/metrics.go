// Registers:
//
//	#tickflow_events_published_total
//	#tickflow_frames_dropped_total
//	#tickflow_queue_drops_total
//	#tickflow_broker_reconnects_total
//	#tickflow_upstream_subscriptions
//	#tickflow_client_sessions
//	#go_* and process_* system metrics
//
// Exposes them on the configured address using the Prometheus HTTP handler.
package metrics

import (
	"net/http"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	once             sync.Once
	eventsPublished  *prometheus.CounterVec
	framesDropped    *prometheus.CounterVec
	queueDrops       *prometheus.CounterVec
	brokerReconnects *prometheus.CounterVec
	upstreamSubs     *prometheus.GaugeVec
	clientSessions   prometheus.Gauge
)

func Init(address string) {
	once.Do(func() {
		eventsPublished = prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "tickflow_events_published_total",
				Help: "Number of canonical events published to the bus",
			},
			[]string{"exchange", "mode"},
		)

		framesDropped = prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "tickflow_frames_dropped_total",
				Help: "Number of broker frames dropped before normalisation",
			},
			[]string{"exchange", "reason"},
		)

		queueDrops = prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "tickflow_queue_drops_total",
				Help: "Number of outbound frames sacrificed to full session queues",
			},
			[]string{"policy"},
		)

		brokerReconnects = prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "tickflow_broker_reconnects_total",
				Help: "Number of broker reconnect attempts",
			},
			[]string{"broker"},
		)

		upstreamSubs = prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "tickflow_upstream_subscriptions",
				Help: "Topics currently subscribed upstream per broker",
			},
			[]string{"exchange"},
		)

		clientSessions = prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "tickflow_client_sessions",
				Help: "Connected client sessions",
			},
		)

		_ = prometheus.Register(eventsPublished)
		_ = prometheus.Register(framesDropped)
		_ = prometheus.Register(queueDrops)
		_ = prometheus.Register(brokerReconnects)
		_ = prometheus.Register(upstreamSubs)
		_ = prometheus.Register(clientSessions)
		_ = prometheus.Register(collectors.NewGoCollector())
		_ = prometheus.Register(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

		go func() {
			mux := http.NewServeMux()
			mux.Handle("/metrics", promhttp.Handler())
			if err := http.ListenAndServe(address, mux); err != nil {
				panic("metrics server failed: " + err.Error())
			}
		}()
	})
}

// IncrementEventPublished increases the publish counter for a topic.
func IncrementEventPublished(exchange, mode string) {
	if eventsPublished != nil {
		eventsPublished.WithLabelValues(exchange, mode).Inc()
	}
}

// IncrementFrameDropped increases the dropped-frame counter.
func IncrementFrameDropped(exchange, reason string) {
	if framesDropped != nil {
		framesDropped.WithLabelValues(exchange, reason).Inc()
	}
}

// IncrementQueueDrop increases the session queue drop counter.
func IncrementQueueDrop(policy string) {
	if queueDrops != nil {
		queueDrops.WithLabelValues(policy).Inc()
	}
}

// IncrementBrokerReconnect increases the reconnect counter for a broker.
func IncrementBrokerReconnect(broker string) {
	if brokerReconnects != nil {
		brokerReconnects.WithLabelValues(broker).Inc()
	}
}

// SetUpstreamSubscriptions records the current upstream topic count.
func SetUpstreamSubscriptions(exchange string, n int) {
	if upstreamSubs != nil {
		upstreamSubs.WithLabelValues(exchange).Set(float64(n))
	}
}

// AddClientSessions adjusts the connected session gauge.
func AddClientSessions(delta int) {
	if clientSessions != nil {
		clientSessions.Add(float64(delta))
	}
}
