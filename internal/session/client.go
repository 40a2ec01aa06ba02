package session

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	appconfig "tickflow/config"
	"tickflow/internal/auth"
	"tickflow/internal/metrics"
	"tickflow/internal/registry"
	"tickflow/logger"
	"tickflow/models"
)

const maxRequestBytes = 4096

// frame is one queued outbound message. Mode selects the overflow policy when
// the queue is full; control frames ride the LTP policy so they are never
// grounds for a disconnect.
type frame struct {
	data []byte
	mode models.Mode
}

// Client is one websocket session. The read pump parses control requests and
// the write pump drains the bounded outbound queue; a slow consumer never
// backs up into the dispatcher.
type Client struct {
	ID        string
	server    *Server
	conn      *websocket.Conn
	send      chan frame
	log       *logger.Entry
	closeOnce sync.Once
	closed    chan struct{}

	// The write pump is the connection's only frame writer. Teardown paths
	// park a final status frame in final and fire closing; the pump flushes
	// the frame and then closes the session.
	closing      chan struct{}
	final        chan []byte
	shutdownOnce sync.Once
	pumpRunning  int32

	authed      int32
	missedPings int32
	principal   string
}

func newClient(id string, srv *Server, conn *websocket.Conn) *Client {
	queue := srv.cfg.QueueSize
	if queue <= 0 {
		queue = 256
	}
	return &Client{
		ID:      id,
		server:  srv,
		conn:    conn,
		send:    make(chan frame, queue),
		log:     logger.GetLogger().WithComponent("session").WithFields(logger.Fields{"session": id}),
		closed:  make(chan struct{}),
		closing: make(chan struct{}),
		final:   make(chan []byte, 1),
	}
}

func (c *Client) isAuthed() bool { return atomic.LoadInt32(&c.authed) == 1 }

// close tears the session down exactly once: registry cleanup, server
// deregistration, socket close.
func (c *Client) close() {
	c.closeOnce.Do(func() {
		close(c.closed)
		c.server.registry.DropSession(c.ID)
		c.server.removeSession(c.ID)
		c.conn.Close()
		metrics.AddClientSessions(-1)
		c.log.Debug("session closed")
	})
}

// enqueue queues an outbound frame, applying the mode's overflow policy when
// the queue is full.
func (c *Client) enqueue(data []byte, mode models.Mode) {
	select {
	case <-c.closed:
		return
	case <-c.closing:
		return
	default:
	}

	f := frame{data: data, mode: mode}
	select {
	case c.send <- f:
		return
	default:
	}

	policy := c.server.cfg.OverflowFor(string(mode))
	if policy == appconfig.OverflowDisconnect {
		metrics.IncrementQueueDrop(string(appconfig.OverflowDisconnect))
		logger.IncrementQueueDrop()
		c.log.WithFields(logger.Fields{"mode": string(mode)}).Warn("outbound queue full, disconnecting slow consumer")
		c.disconnect(models.StatusTypeError, models.CodeSlowConsumer, "outbound queue overflow")
		return
	}

	// drop_oldest: evict one queued frame, then retry once. If the writer
	// drained the queue in between, the retry simply succeeds.
	select {
	case <-c.send:
		metrics.IncrementQueueDrop(string(appconfig.OverflowDropOldest))
		metrics.EmitDropMetric(nil, metrics.DropMetricSessionQueue, "", "", string(mode))
		logger.IncrementQueueDrop()
	default:
	}
	select {
	case c.send <- f:
	default:
	}
}

// sendStatus marshals a status frame onto the queue.
func (c *Client) sendStatus(statusType, code, message string) {
	data, err := json.Marshal(models.StatusPush{Type: statusType, Code: code, Message: message})
	if err != nil {
		return
	}
	c.enqueue(data, models.ModeLTP)
}

// disconnect parks a final status frame for the write pump to flush, then
// starts teardown. Frames are never written outside the pump: gorilla
// supports a single concurrent writer per connection.
func (c *Client) disconnect(statusType, code, message string) {
	if data, err := json.Marshal(models.StatusPush{Type: statusType, Code: code, Message: message}); err == nil {
		select {
		case c.final <- data:
		default:
		}
	}
	c.shutdownOnce.Do(func() { close(c.closing) })
	// Fall back to an immediate close when no pump ever ran; the final frame
	// is lost, which is no worse than the broken connection it reports on.
	if atomic.LoadInt32(&c.pumpRunning) == 0 {
		c.close()
	}
}

// flushFinal writes the pending final status frame, if any. Called only from
// the write pump goroutine while the connection is still open.
func (c *Client) flushFinal() {
	select {
	case data := <-c.final:
		c.conn.SetWriteDeadline(time.Now().Add(2 * time.Second))
		c.conn.WriteMessage(websocket.TextMessage, data)
	default:
	}
}

func (c *Client) readPump() {
	defer c.close()

	c.conn.SetReadLimit(maxRequestBytes)
	c.conn.SetPongHandler(func(string) error {
		atomic.StoreInt32(&c.missedPings, 0)
		return nil
	})

	grace := c.server.cfg.AuthGrace
	if grace <= 0 {
		grace = 10 * time.Second
	}
	authTimer := time.AfterFunc(grace, func() {
		if !c.isAuthed() {
			c.log.Warn("auth grace expired, disconnecting")
			c.disconnect(models.StatusTypeError, models.CodeAuthRequired, "authenticate within the grace period")
		}
	})
	defer authTimer.Stop()

	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				c.log.WithError(err).Debug("read error")
			}
			return
		}
		var req models.ClientRequest
		if err := json.Unmarshal(data, &req); err != nil {
			c.sendStatus(models.StatusTypeError, models.CodeBadRequest, "malformed request")
			continue
		}
		c.handleRequest(req)
	}
}

func (c *Client) handleRequest(req models.ClientRequest) {
	switch req.Action {
	case models.ActionAuthenticate:
		c.handleAuthenticate(req)
	case models.ActionSubscribe:
		c.handleSubscription(req, true)
	case models.ActionUnsubscribe:
		c.handleSubscription(req, false)
	default:
		c.sendStatus(models.StatusTypeError, models.CodeBadRequest, "unknown action")
	}
}

func (c *Client) handleAuthenticate(req models.ClientRequest) {
	if c.isAuthed() {
		c.sendStatus(models.StatusTypeStatus, models.CodeAuthenticated, c.principal)
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	principal, err := c.server.validator.ValidateKey(ctx, req.APIKey)
	if err != nil {
		if errors.Is(err, auth.ErrInvalidKey) {
			c.log.Warn("authentication rejected")
			c.disconnect(models.StatusTypeError, models.CodeAuthFailed, "invalid api key")
		} else {
			c.log.WithError(err).Error("auth backend failure")
			c.disconnect(models.StatusTypeError, models.CodeAuthFailed, "verification unavailable")
		}
		return
	}
	c.principal = principal
	atomic.StoreInt32(&c.authed, 1)
	c.log.WithFields(logger.Fields{"principal": principal}).Info("session authenticated")
	c.sendStatus(models.StatusTypeStatus, models.CodeAuthenticated, principal)
}

func (c *Client) handleSubscription(req models.ClientRequest, subscribe bool) {
	if !c.isAuthed() {
		c.sendStatus(models.StatusTypeError, models.CodeAuthRequired, "authenticate first")
		return
	}
	mode, err := models.ParseMode(req.Mode)
	if err != nil {
		c.sendStatus(models.StatusTypeError, models.CodeBadRequest, err.Error())
		return
	}
	if req.Exchange == "" || len(req.Symbols) == 0 {
		c.sendStatus(models.StatusTypeError, models.CodeBadRequest, "exchange and symbols are required")
		return
	}

	accepted := make([]string, 0, len(req.Symbols))
	for _, symbol := range req.Symbols {
		topic := models.NewTopic(req.Exchange, symbol, mode)
		if topic.Symbol == "" {
			c.sendStatus(models.StatusTypeError, models.CodeBadRequest, "empty symbol")
			continue
		}
		if subscribe {
			err = c.server.registry.Subscribe(c.ID, topic)
		} else {
			err = c.server.registry.Unsubscribe(c.ID, topic)
		}
		if errors.Is(err, registry.ErrNoBroker) {
			c.sendStatus(models.StatusTypeError, models.CodeTopicUnavailable, topic.Key())
			continue
		}
		if err != nil {
			c.log.WithError(err).WithFields(logger.Fields{"topic": topic.Key()}).Warn("subscription request failed")
			c.sendStatus(models.StatusTypeError, models.CodeTopicUnavailable, topic.Key())
			continue
		}
		accepted = append(accepted, topic.Key())
	}
	if len(accepted) == 0 {
		return
	}
	code := models.CodeSubscribed
	if !subscribe {
		code = models.CodeUnsubscribed
	}
	ack, err := json.Marshal(struct {
		Type   string   `json:"type"`
		Code   string   `json:"code"`
		Topics []string `json:"topics"`
	}{Type: models.StatusTypeStatus, Code: code, Topics: accepted})
	if err != nil {
		return
	}
	c.enqueue(ack, models.ModeLTP)
}

func (c *Client) writePump() {
	interval := c.server.cfg.HeartbeatInterval
	if interval <= 0 {
		interval = 15 * time.Second
	}
	misses := c.server.cfg.HeartbeatMisses
	if misses <= 0 {
		misses = 3
	}
	atomic.StoreInt32(&c.pumpRunning, 1)
	ticker := time.NewTicker(interval)
	defer func() {
		ticker.Stop()
		c.flushFinal()
		c.close()
	}()

	for {
		select {
		case <-c.closing:
			return
		case <-c.closed:
			return
		case f := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(2 * interval))
			if err := c.conn.WriteMessage(websocket.TextMessage, f.data); err != nil {
				return
			}
		case <-ticker.C:
			if int(atomic.AddInt32(&c.missedPings, 1)) > misses {
				c.log.Warn("heartbeat missed too many times, disconnecting")
				return
			}
			if err := c.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(5*time.Second)); err != nil {
				return
			}
		}
	}
}
