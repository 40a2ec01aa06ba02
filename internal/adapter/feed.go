package adapter

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"golang.org/x/time/rate"

	appconfig "tickflow/config"
	"tickflow/internal/bus"
	"tickflow/internal/metrics"
	"tickflow/logger"
	"tickflow/models"
)

// TopicSource yields the set of topics a feed must keep subscribed upstream.
// The subscription registry implements it; the feed re-reads the source on
// every reconnect, so the registry stays the single source of truth and
// commands lost across a disconnect are irrelevant.
type TopicSource interface {
	ActiveTopics(exchange string) []models.Topic
}

type command struct {
	subscribe bool
	topic     models.Topic
}

// Feed owns one broker websocket connection. It runs the connection state
// machine, keeps upstream subscriptions converged with the registry, decodes
// inbound frames through its Driver and publishes canonical events on the bus.
type Feed struct {
	cfg    appconfig.BrokerConfig
	driver Driver
	bus    *bus.Bus
	topics TopicSource
	log    *logger.Log

	limiter  *rate.Limiter
	commands chan command

	ctx     context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	mu      sync.RWMutex
	running bool

	stateMu sync.RWMutex
	state   models.BrokerState

	reconnects int64
}

// NewFeed wires a driver to the bus. The feed does not connect until Start.
func NewFeed(cfg appconfig.BrokerConfig, driver Driver, b *bus.Bus, topics TopicSource) *Feed {
	buffer := cfg.CommandBuffer
	if buffer <= 0 {
		buffer = 256
	}
	rps := cfg.SubscribeRate.RequestsPerSecond
	if rps <= 0 {
		rps = 10
	}
	burst := cfg.SubscribeRate.Burst
	if burst <= 0 {
		burst = rps
	}
	return &Feed{
		cfg:      cfg,
		driver:   driver,
		bus:      b,
		topics:   topics,
		log:      logger.GetLogger(),
		limiter:  rate.NewLimiter(rate.Limit(rps), burst),
		commands: make(chan command, buffer),
		state:    models.BrokerDisconnected,
	}
}

// Exchange reports which exchange this feed serves.
func (f *Feed) Exchange() string { return f.cfg.Exchange }

// State returns the current connection state.
func (f *Feed) State() models.BrokerState {
	f.stateMu.RLock()
	defer f.stateMu.RUnlock()
	return f.state
}

// Reconnects reports how many times the feed has lost its upstream connection.
func (f *Feed) Reconnects() int64 { return atomic.LoadInt64(&f.reconnects) }

// SubscribeTopic queues an upstream subscribe. The command is fire-and-forget:
// the wire frame is sent by the connection goroutine, and if the connection is
// down the topic is picked up from the registry on reconnect.
func (f *Feed) SubscribeTopic(topic models.Topic) error {
	return f.enqueue(command{subscribe: true, topic: topic})
}

// UnsubscribeTopic queues an upstream unsubscribe.
func (f *Feed) UnsubscribeTopic(topic models.Topic) error {
	return f.enqueue(command{subscribe: false, topic: topic})
}

func (f *Feed) enqueue(cmd command) error {
	select {
	case f.commands <- cmd:
		return nil
	default:
		return ErrCommandBufferFull
	}
}

// Start launches the connection loop. It returns immediately; the feed
// reconnects on its own until Stop or a terminal credential failure.
func (f *Feed) Start(ctx context.Context) error {
	f.mu.Lock()
	if f.running {
		f.mu.Unlock()
		return fmt.Errorf("feed %s already running", f.cfg.Name)
	}
	f.running = true
	f.ctx, f.cancel = context.WithCancel(ctx)
	f.mu.Unlock()

	f.log.WithComponent(f.component()).WithFields(logger.Fields{
		"exchange": f.cfg.Exchange,
		"url":      f.cfg.URL,
	}).Info("starting broker feed")

	f.wg.Add(1)
	go f.run()
	return nil
}

// Stop tears the connection down and waits for the loop to exit.
func (f *Feed) Stop() {
	f.mu.Lock()
	if !f.running {
		f.mu.Unlock()
		return
	}
	f.running = false
	f.mu.Unlock()

	f.cancel()
	f.wg.Wait()
	f.log.WithComponent(f.component()).Info("broker feed stopped")
}

func (f *Feed) component() string { return f.cfg.Name + "_feed" }

func (f *Feed) run() {
	defer f.wg.Done()
	log := f.log.WithComponent(f.component())

	attempt := 0
	reconnect := false
	for {
		if f.ctx.Err() != nil {
			f.setState(models.BrokerClosed)
			return
		}

		f.setState(models.BrokerConnecting)
		dialer := websocket.Dialer{HandshakeTimeout: f.cfg.DialTimeout}
		conn, _, err := dialer.DialContext(f.ctx, f.cfg.URL, nil)
		if err != nil {
			if f.ctx.Err() != nil {
				f.setState(models.BrokerClosed)
				return
			}
			attempt++
			logger.IncrementRetryCount()
			log.WithError(err).Warn("failed to connect websocket, retrying")
			if !f.sleep(f.backoffDelay(attempt)) {
				f.setState(models.BrokerClosed)
				return
			}
			continue
		}

		if err := f.driver.Prepare(f.ctx); err != nil {
			log.WithError(err).Warn("driver prepare failed, continuing without instrument cache")
		}

		startedAt := time.Now()
		err = f.session(conn, reconnect)
		conn.Close()

		if f.ctx.Err() != nil {
			f.setState(models.BrokerClosed)
			return
		}
		if errors.Is(err, ErrAuthRevoked) {
			f.setState(models.BrokerClosed)
			f.publishStatus(models.BrokerClosed, models.CodeBrokerAuthRevoked, err.Error(), true)
			log.WithError(err).Error("broker revoked credentials, feed will not reconnect")
			return
		}

		reconnect = true
		if f.cfg.Backoff.StableReset > 0 && time.Since(startedAt) >= f.cfg.Backoff.StableReset {
			attempt = 0
		}
		attempt++

		f.setState(models.BrokerReconnecting)
		f.publishStatus(models.BrokerReconnecting, models.CodeBrokerDisconnected, "connection lost", false)
		atomic.AddInt64(&f.reconnects, 1)
		metrics.IncrementBrokerReconnect(f.cfg.Name)
		logger.IncrementRetryCount()
		log.WithError(err).Warn("websocket session ended, reconnecting")

		if !f.sleep(f.backoffDelay(attempt)) {
			f.setState(models.BrokerClosed)
			return
		}
	}
}

// session drives one live connection: authenticate, converge subscriptions
// with the registry, then pump commands and keepalives while the read loop
// decodes inbound frames. Returns when the connection dies or the feed stops.
func (f *Feed) session(conn *websocket.Conn, reconnect bool) error {
	log := f.log.WithComponent(f.component())

	authFrames, err := f.driver.AuthFrames()
	if err != nil {
		return fmt.Errorf("build auth frames: %w", ErrAuthRevoked)
	}
	for _, frame := range authFrames {
		if err := f.writeFrame(conn, frame); err != nil {
			return fmt.Errorf("send auth frame: %w", err)
		}
	}
	if len(authFrames) > 0 {
		f.setState(models.BrokerAuthenticated)
	}

	// Stale commands from the previous connection are superseded by the
	// registry snapshot below. A subscribe enqueued between the drain and the
	// snapshot is covered by both and replayed twice on this connection; both
	// brokers treat the repeat subscribe as a no-op, so the duplicate is not
	// drained away (a command enqueued after the snapshot must survive).
	f.drainCommands()

	topics := f.topics.ActiveTopics(f.cfg.Exchange)
	if len(topics) > 0 {
		frames, err := f.driver.SubscribeFrames(topics)
		if err != nil {
			return fmt.Errorf("build subscribe frames: %v", err)
		}
		for _, frame := range frames {
			if err := f.limiter.Wait(f.ctx); err != nil {
				return err
			}
			if err := f.writeFrame(conn, frame); err != nil {
				return fmt.Errorf("send subscribe frame: %w", err)
			}
		}
		log.WithFields(logger.Fields{"topics": len(topics)}).Info("resubscribed upstream topics")
	}

	f.setState(models.BrokerStreaming)
	if reconnect {
		f.publishStatus(models.BrokerStreaming, models.CodeBrokerReconnected, "connection restored", false)
	}

	readErr := make(chan error, 1)
	go f.readLoop(conn, readErr)

	pingInterval := f.cfg.PingInterval
	if pingInterval <= 0 {
		pingInterval = 20 * time.Second
	}
	ping := time.NewTicker(pingInterval)
	defer ping.Stop()

	for {
		select {
		case <-f.ctx.Done():
			conn.WriteMessage(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
			return f.ctx.Err()
		case err := <-readErr:
			return err
		case cmd := <-f.commands:
			if err := f.sendCommand(conn, cmd); err != nil {
				return err
			}
		case <-ping.C:
			if frame := f.driver.PingFrame(); frame != nil {
				if err := f.writeFrame(conn, frame); err != nil {
					return fmt.Errorf("send ping: %w", err)
				}
			} else if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(5*time.Second)); err != nil {
				return fmt.Errorf("send ping: %w", err)
			}
		}
	}
}

func (f *Feed) sendCommand(conn *websocket.Conn, cmd command) error {
	if err := f.limiter.Wait(f.ctx); err != nil {
		return err
	}
	var (
		frames [][]byte
		err    error
	)
	if cmd.subscribe {
		frames, err = f.driver.SubscribeFrames([]models.Topic{cmd.topic})
	} else {
		frames, err = f.driver.UnsubscribeFrames([]models.Topic{cmd.topic})
	}
	if err != nil {
		f.log.WithComponent(f.component()).WithError(err).WithFields(logger.Fields{
			"topic": cmd.topic.Key(),
		}).Warn("failed to build command frame, skipping")
		return nil
	}
	for _, frame := range frames {
		if err := f.writeFrame(conn, frame); err != nil {
			return fmt.Errorf("send command frame: %w", err)
		}
	}
	return nil
}

func (f *Feed) readLoop(conn *websocket.Conn, readErr chan<- error) {
	log := f.log.WithComponent(f.component())
	for {
		if f.cfg.ReadTimeout > 0 {
			conn.SetReadDeadline(time.Now().Add(f.cfg.ReadTimeout))
		}
		_, msg, err := conn.ReadMessage()
		if err != nil {
			readErr <- err
			return
		}
		logger.IncrementFeedFrame(len(msg))
		logger.RecordStreamMessage(f.cfg.Name, len(msg))

		events, err := f.driver.Decode(msg)
		if err != nil {
			if errors.Is(err, ErrAuthRevoked) {
				readErr <- err
				return
			}
			metrics.IncrementFrameDropped(f.cfg.Exchange, "malformed")
			metrics.EmitDropMetric(f.log, metrics.DropMetricMalformedFrame, f.cfg.Exchange, "", "decode")
			log.WithError(err).Debug("dropping malformed frame")
			continue
		}
		for _, ev := range events {
			f.bus.Publish(ev)
			metrics.IncrementEventPublished(f.cfg.Exchange, string(ev.Topic.Mode))
		}
	}
}

func (f *Feed) writeFrame(conn *websocket.Conn, frame []byte) error {
	deadline := f.cfg.DialTimeout
	if deadline <= 0 {
		deadline = 10 * time.Second
	}
	conn.SetWriteDeadline(time.Now().Add(deadline))
	return conn.WriteMessage(websocket.TextMessage, frame)
}

func (f *Feed) drainCommands() {
	for {
		select {
		case <-f.commands:
		default:
			return
		}
	}
}

// backoffDelay doubles per attempt up to the configured cap, with half the
// delay randomized so reconnecting feeds do not thunder in lockstep.
func (f *Feed) backoffDelay(attempt int) time.Duration {
	base := f.cfg.Backoff.Base
	if base <= 0 {
		base = time.Second
	}
	max := f.cfg.Backoff.Max
	if max <= 0 {
		max = 30 * time.Second
	}
	if attempt > 16 {
		attempt = 16
	}
	d := base << uint(attempt-1)
	if d <= 0 || d > max {
		d = max
	}
	half := d / 2
	return half + time.Duration(rand.Int63n(int64(half)+1))
}

func (f *Feed) sleep(d time.Duration) bool {
	select {
	case <-time.After(d):
		return true
	case <-f.ctx.Done():
		return false
	}
}

func (f *Feed) setState(s models.BrokerState) {
	f.stateMu.Lock()
	f.state = s
	f.stateMu.Unlock()
}

func (f *Feed) publishStatus(state models.BrokerState, code, message string, terminal bool) {
	f.bus.PublishStatus(models.BrokerStatusEvent{
		Exchange:  f.cfg.Exchange,
		State:     state,
		Code:      code,
		Message:   message,
		Terminal:  terminal,
		Timestamp: time.Now(),
	})
}
