package dashboard

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	appconfig "tickflow/config"
	"tickflow/internal/metrics"
	"tickflow/internal/registry"
	"tickflow/logger"
	"tickflow/models"
)

// BrokerStatus is implemented by broker feeds.
type BrokerStatus interface {
	Exchange() string
	State() models.BrokerState
	Reconnects() int64
}

// SessionCounter is implemented by the session server.
type SessionCounter interface {
	SessionCount() int
}

// Server hosts the JSON status surface: broker states, subscription counts
// and a bounded metric history.
type Server struct {
	cfg           appconfig.DashboardConfig
	log           *logger.Log
	registry      *registry.Registry
	brokers       []BrokerStatus
	sessions      SessionCounter
	metricStore   *metricStore
	metricHandler metrics.MetricHandlerID
	httpServer    *http.Server
}

// NewServer returns nil when the dashboard is disabled.
func NewServer(cfg appconfig.DashboardConfig, reg *registry.Registry, brokers []BrokerStatus, sessions SessionCounter) *Server {
	if !cfg.Enabled {
		return nil
	}
	store := newMetricStore(200)
	return &Server{
		cfg:           cfg,
		log:           logger.GetLogger(),
		registry:      reg,
		brokers:       brokers,
		sessions:      sessions,
		metricStore:   store,
		metricHandler: metrics.RegisterMetricHandler(store.handle),
	}
}

// Run blocks until the context is cancelled or the listener fails.
func (s *Server) Run(ctx context.Context) error {
	if s == nil {
		return nil
	}
	defer metrics.UnregisterMetricHandler(s.metricHandler)

	s.httpServer = &http.Server{
		Addr:    s.cfg.Address,
		Handler: s.buildRouter(),
	}
	s.log.WithComponent("dashboard").WithFields(logger.Fields{
		"address": s.cfg.Address,
	}).Info("starting dashboard server")

	errCh := make(chan error, 1)
	go func() {
		if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := s.httpServer.Shutdown(shutdownCtx); err != nil && !errors.Is(err, context.Canceled) {
			return err
		}
		<-errCh
		return nil
	case err := <-errCh:
		return err
	}
}

func (s *Server) buildRouter() *gin.Engine {
	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery())
	router.SetTrustedProxies(nil)

	router.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})

	router.GET("/api/status", func(c *gin.Context) {
		brokers := make([]gin.H, 0, len(s.brokers))
		for _, b := range s.brokers {
			brokers = append(brokers, gin.H{
				"exchange":   b.Exchange(),
				"state":      string(b.State()),
				"reconnects": b.Reconnects(),
			})
		}
		c.JSON(http.StatusOK, gin.H{
			"brokers":  brokers,
			"sessions": s.sessions.SessionCount(),
			"topics":   len(s.registry.TopicCounts()),
		})
	})

	router.GET("/api/topics", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"topics": s.registry.TopicCounts()})
	})

	router.GET("/api/metrics", func(c *gin.Context) {
		snapshot := s.metricStore.snapshot()
		payload := make([]gin.H, 0, len(snapshot))
		for _, m := range snapshot {
			payload = append(payload, gin.H{
				"timestamp": m.Timestamp.Format(time.RFC3339Nano),
				"component": m.Component,
				"name":      m.Name,
				"value":     m.Value,
				"type":      m.Type,
				"fields":    m.Fields,
			})
		}
		c.JSON(http.StatusOK, gin.H{"metrics": payload})
	})

	return router
}
