// Package registry is the reference-counting authority deciding when an
// upstream (broker) subscription must start or stop. Topics are sharded so
// unrelated topics never contend on one lock; all transitions for a single
// topic happen under that topic's shard lock, which makes Subscribe,
// Unsubscribe and DropSession linearizable per topic.
package registry

import (
	"errors"
	"fmt"
	"hash/fnv"
	"sort"
	"sync"

	"tickflow/internal/metrics"
	"tickflow/logger"
	"tickflow/models"
)

// UpstreamState tracks the broker-facing side of one topic.
type UpstreamState int

const (
	Unsubscribed UpstreamState = iota
	Pending
	Active
)

func (s UpstreamState) String() string {
	switch s {
	case Pending:
		return "pending"
	case Active:
		return "active"
	default:
		return "unsubscribed"
	}
}

// ErrNoBroker is returned when no registered upstream serves a topic's
// exchange.
var ErrNoBroker = errors.New("no broker serves this exchange")

// ErrSessionClosed is returned when a subscribe arrives for a session that
// has already been dropped.
var ErrSessionClosed = errors.New("session is closed")

// Upstream is the broker-facing half of a feed: subscribe/unsubscribe
// commands for topics on one exchange. Calls are expected to be quick
// (command enqueue); an error means the command was not accepted.
type Upstream interface {
	Exchange() string
	SubscribeTopic(topic models.Topic) error
	UnsubscribeTopic(topic models.Topic) error
}

const shardCount = 64

type entry struct {
	state    UpstreamState
	sessions map[string]struct{}
}

type shard struct {
	mu      sync.Mutex
	entries map[models.Topic]*entry
}

// Registry owns the authoritative topic -> subscriber-set mapping.
type Registry struct {
	log *logger.Log

	upstreamsMu sync.RWMutex
	upstreams   map[string]Upstream

	sessionsMu    sync.Mutex
	sessionTopics map[string]map[models.Topic]struct{}
	dropped       map[string]struct{}

	activeMu sync.Mutex
	active   map[string]int

	shards [shardCount]shard
}

func New() *Registry {
	r := &Registry{
		log:           logger.GetLogger(),
		upstreams:     make(map[string]Upstream),
		sessionTopics: make(map[string]map[models.Topic]struct{}),
		dropped:       make(map[string]struct{}),
		active:        make(map[string]int),
	}
	for i := range r.shards {
		r.shards[i].entries = make(map[models.Topic]*entry)
	}
	return r
}

// RegisterUpstream attaches the feed serving an exchange. One upstream per
// exchange; the last registration wins.
func (r *Registry) RegisterUpstream(u Upstream) {
	r.upstreamsMu.Lock()
	r.upstreams[u.Exchange()] = u
	r.upstreamsMu.Unlock()
	r.log.WithComponent("registry").WithFields(logger.Fields{
		"exchange": u.Exchange(),
	}).Info("upstream registered")
}

func (r *Registry) upstreamFor(exchange string) (Upstream, bool) {
	r.upstreamsMu.RLock()
	u, ok := r.upstreams[exchange]
	r.upstreamsMu.RUnlock()
	return u, ok
}

func (r *Registry) shardFor(t models.Topic) *shard {
	h := fnv.New32a()
	h.Write([]byte(t.Key()))
	return &r.shards[h.Sum32()%shardCount]
}

// Subscribe adds the session to the topic's subscriber set. The first
// subscriber triggers exactly one upstream subscribe; later subscribers
// piggyback on the existing upstream subscription.
func (r *Registry) Subscribe(sessionID string, topic models.Topic) error {
	u, ok := r.upstreamFor(topic.Exchange)
	if !ok {
		return fmt.Errorf("%w: %s", ErrNoBroker, topic.Exchange)
	}

	sh := r.shardFor(topic)
	sh.mu.Lock()
	defer sh.mu.Unlock()

	e := sh.entries[topic]
	if e == nil {
		e = &entry{state: Unsubscribed, sessions: make(map[string]struct{})}
		sh.entries[topic] = e
	}
	r.checkInvariant(sh, topic, e)

	if _, already := e.sessions[sessionID]; already {
		return nil
	}

	first := len(e.sessions) == 0
	e.sessions[sessionID] = struct{}{}

	if first {
		e.state = Pending
		if err := u.SubscribeTopic(topic); err != nil {
			delete(e.sessions, sessionID)
			e.state = Unsubscribed
			delete(sh.entries, topic)
			return fmt.Errorf("upstream subscribe %s: %w", topic, err)
		}
		e.state = Active
		r.adjustActive(topic.Exchange, 1)
		r.log.WithComponent("registry").WithFields(logger.Fields{
			"topic":   topic.Key(),
			"session": sessionID,
		}).Info("upstream subscription started")
	}

	if !r.trackSession(sessionID, topic, true) {
		// The session was dropped while this subscribe was in flight. Roll
		// the entry back under the same shard lock so the upstream
		// subscription cannot outlive its only (now dead) subscriber.
		_ = r.unsubscribeLocked(sh, sessionID, topic)
		return fmt.Errorf("%w: %s", ErrSessionClosed, sessionID)
	}
	return nil
}

// Unsubscribe removes the session from the topic's subscriber set. The last
// subscriber leaving triggers exactly one upstream unsubscribe.
func (r *Registry) Unsubscribe(sessionID string, topic models.Topic) error {
	sh := r.shardFor(topic)
	sh.mu.Lock()
	defer sh.mu.Unlock()

	err := r.unsubscribeLocked(sh, sessionID, topic)
	if err == nil {
		r.trackSession(sessionID, topic, false)
	}
	return err
}

func (r *Registry) unsubscribeLocked(sh *shard, sessionID string, topic models.Topic) error {
	e := sh.entries[topic]
	if e == nil {
		return nil
	}
	r.checkInvariant(sh, topic, e)

	if _, ok := e.sessions[sessionID]; !ok {
		if len(e.sessions) == 0 && e.state == Unsubscribed {
			delete(sh.entries, topic)
		}
		return nil
	}
	delete(e.sessions, sessionID)

	if len(e.sessions) > 0 {
		return nil
	}

	e.state = Unsubscribed
	delete(sh.entries, topic)
	r.adjustActive(topic.Exchange, -1)

	u, ok := r.upstreamFor(topic.Exchange)
	if !ok {
		return nil
	}
	if err := u.UnsubscribeTopic(topic); err != nil {
		// The feed is gone or closing; desired state is already recorded.
		r.log.WithComponent("registry").WithError(err).WithFields(logger.Fields{
			"topic": topic.Key(),
		}).Warn("upstream unsubscribe not accepted")
	}
	r.log.WithComponent("registry").WithFields(logger.Fields{
		"topic": topic.Key(),
	}).Info("upstream subscription stopped")
	return nil
}

// DropSession removes the session from every topic it holds, applying the
// refcount-to-zero rule per topic. The session is tombstoned first so a
// Subscribe racing the drop either sees the tombstone and rolls back, or
// lands in sessionTopics where the snapshot loop below picks it up. Safe to
// call more than once; a dropped session can never resubscribe.
func (r *Registry) DropSession(sessionID string) {
	r.sessionsMu.Lock()
	r.dropped[sessionID] = struct{}{}
	r.sessionsMu.Unlock()

	for {
		r.sessionsMu.Lock()
		held := r.sessionTopics[sessionID]
		if len(held) == 0 {
			delete(r.sessionTopics, sessionID)
			r.sessionsMu.Unlock()
			return
		}
		topics := make([]models.Topic, 0, len(held))
		for t := range held {
			topics = append(topics, t)
		}
		r.sessionsMu.Unlock()

		for _, topic := range topics {
			sh := r.shardFor(topic)
			sh.mu.Lock()
			_ = r.unsubscribeLocked(sh, sessionID, topic)
			sh.mu.Unlock()
			r.trackSession(sessionID, topic, false)
		}
	}
}

// trackSession records or forgets a topic held by a session. Adding reports
// false when the session has been tombstoned by DropSession; the caller must
// roll back whatever entry state it just established.
func (r *Registry) trackSession(sessionID string, topic models.Topic, add bool) bool {
	r.sessionsMu.Lock()
	defer r.sessionsMu.Unlock()
	held := r.sessionTopics[sessionID]
	if add {
		if _, gone := r.dropped[sessionID]; gone {
			return false
		}
		if held == nil {
			held = make(map[models.Topic]struct{})
			r.sessionTopics[sessionID] = held
		}
		held[topic] = struct{}{}
		return true
	}
	if held != nil {
		delete(held, topic)
		if len(held) == 0 {
			delete(r.sessionTopics, sessionID)
		}
	}
	return true
}

// Sessions returns the identifiers currently subscribed to a topic.
func (r *Registry) Sessions(topic models.Topic) []string {
	sh := r.shardFor(topic)
	sh.mu.Lock()
	defer sh.mu.Unlock()
	e := sh.entries[topic]
	if e == nil {
		return nil
	}
	out := make([]string, 0, len(e.sessions))
	for id := range e.sessions {
		out = append(out, id)
	}
	return out
}

// SessionTopics returns the topics a session currently holds.
func (r *Registry) SessionTopics(sessionID string) []models.Topic {
	r.sessionsMu.Lock()
	defer r.sessionsMu.Unlock()
	held := r.sessionTopics[sessionID]
	out := make([]models.Topic, 0, len(held))
	for t := range held {
		out = append(out, t)
	}
	return out
}

// ActiveTopics returns every topic currently Active or Pending for an
// exchange. Feeds replay this set after a reconnect: the registry, not the
// feed's own memory, is the source of truth for desired upstream state.
func (r *Registry) ActiveTopics(exchange string) []models.Topic {
	var out []models.Topic
	for i := range r.shards {
		sh := &r.shards[i]
		sh.mu.Lock()
		for t, e := range sh.entries {
			if t.Exchange == exchange && e.state != Unsubscribed {
				out = append(out, t)
			}
		}
		sh.mu.Unlock()
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Key() < out[j].Key() })
	return out
}

func (r *Registry) adjustActive(exchange string, delta int) {
	r.activeMu.Lock()
	r.active[exchange] += delta
	n := r.active[exchange]
	r.activeMu.Unlock()
	metrics.SetUpstreamSubscriptions(exchange, n)
}

// TopicCounts reports subscriber counts per topic key for the status surface.
func (r *Registry) TopicCounts() map[string]int {
	out := make(map[string]int)
	for i := range r.shards {
		sh := &r.shards[i]
		sh.mu.Lock()
		for t, e := range sh.entries {
			out[t.Key()] = len(e.sessions)
		}
		sh.mu.Unlock()
	}
	return out
}

// checkInvariant verifies state == Active iff the subscriber set is
// non-empty (Pending only exists transiently under the shard lock). A
// violation is a bug; the topic is force-reset to Unsubscribed so the next
// subscriber re-establishes upstream state rather than silently desyncing.
func (r *Registry) checkInvariant(sh *shard, topic models.Topic, e *entry) {
	violated := (e.state == Active && len(e.sessions) == 0) ||
		(e.state == Unsubscribed && len(e.sessions) > 0)
	if !violated {
		return
	}
	r.log.WithComponent("registry").WithFields(logger.Fields{
		"topic":    topic.Key(),
		"state":    e.state.String(),
		"sessions": len(e.sessions),
	}).Error("registry invariant violation; force-resetting topic")
	if e.state == Active {
		r.adjustActive(topic.Exchange, -1)
	}
	// Reset in place: callers hold a reference to the entry and continue
	// with it after the reset.
	e.state = Unsubscribed
	for id := range e.sessions {
		delete(e.sessions, id)
	}
	if u, ok := r.upstreamFor(topic.Exchange); ok {
		_ = u.UnsubscribeTopic(topic)
	}
}
