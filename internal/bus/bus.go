// Package bus is the in-process fan-out between broker feeds (publishers)
// and the session manager (subscriber). Delivery is at-most-once: a stream
// that is not listening at publish time never sees the event, and a full
// stream buffer drops rather than stalls the publisher.
package bus

import (
	"hash/fnv"
	"sync"
	"sync/atomic"

	"tickflow/internal/metrics"
	"tickflow/logger"
	"tickflow/models"
)

const seqShards = 64

type seqShard struct {
	mu  sync.Mutex
	seq map[models.Topic]uint64
}

// Bus carries canonical events and broker status events. Sequence numbers
// are assigned at publish time and are monotonic per topic.
type Bus struct {
	log    *logger.Log
	buffer int

	mu      sync.RWMutex
	streams map[*Stream]struct{}
	status  map[*StatusStream]struct{}

	shards [seqShards]seqShard
}

// Stream is one subscriber's view of the event flow.
type Stream struct {
	name    string
	ch      chan models.CanonicalEvent
	sent    int64
	dropped int64
}

// StatusStream carries broker connection state changes.
type StatusStream struct {
	name    string
	ch      chan models.BrokerStatusEvent
	dropped int64
}

func New(streamBuffer int) *Bus {
	b := &Bus{
		log:     logger.GetLogger(),
		buffer:  streamBuffer,
		streams: make(map[*Stream]struct{}),
		status:  make(map[*StatusStream]struct{}),
	}
	for i := range b.shards {
		b.shards[i].seq = make(map[models.Topic]uint64)
	}
	b.log.WithComponent("bus").WithFields(logger.Fields{
		"stream_buffer": streamBuffer,
	}).Info("bus initialized")
	return b
}

func shardFor(t models.Topic) uint32 {
	h := fnv.New32a()
	h.Write([]byte(t.Key()))
	return h.Sum32() % seqShards
}

// Subscribe registers a new event stream.
func (b *Bus) Subscribe(name string) *Stream {
	s := &Stream{name: name, ch: make(chan models.CanonicalEvent, b.buffer)}
	b.mu.Lock()
	b.streams[s] = struct{}{}
	b.mu.Unlock()
	return s
}

// Unsubscribe removes the stream and closes its channel.
func (b *Bus) Unsubscribe(s *Stream) {
	b.mu.Lock()
	if _, ok := b.streams[s]; ok {
		delete(b.streams, s)
		close(s.ch)
	}
	b.mu.Unlock()
}

// SubscribeStatus registers a stream of broker status events.
func (b *Bus) SubscribeStatus(name string) *StatusStream {
	s := &StatusStream{name: name, ch: make(chan models.BrokerStatusEvent, b.buffer)}
	b.mu.Lock()
	b.status[s] = struct{}{}
	b.mu.Unlock()
	return s
}

// UnsubscribeStatus removes the status stream and closes its channel.
func (b *Bus) UnsubscribeStatus(s *StatusStream) {
	b.mu.Lock()
	if _, ok := b.status[s]; ok {
		delete(b.status, s)
		close(s.ch)
	}
	b.mu.Unlock()
}

// Publish assigns the event's per-topic sequence number and fans it out to
// every stream without blocking. The topic's shard lock is held across the
// fan-out so events on one topic enter every stream in sequence order; only
// one feed publishes a given topic so the lock is uncontended in practice.
func (b *Bus) Publish(ev models.CanonicalEvent) {
	shard := &b.shards[shardFor(ev.Topic)]

	b.mu.RLock()
	streams := b.streams
	shard.mu.Lock()
	shard.seq[ev.Topic]++
	ev.Sequence = shard.seq[ev.Topic]

	var full []string
	for s := range streams {
		select {
		case s.ch <- ev:
			atomic.AddInt64(&s.sent, 1)
		default:
			atomic.AddInt64(&s.dropped, 1)
			full = append(full, s.name)
		}
	}
	shard.mu.Unlock()
	b.mu.RUnlock()

	for _, name := range full {
		metrics.EmitDropMetric(b.log, metrics.DropMetricBusStream, ev.Topic.Exchange, ev.Topic.Key(), name)
	}

	logger.IncrementEventPublished()
	logger.RecordStreamMessage("bus", 1)
}

// PublishStatus fans a broker state change out to all status streams.
func (b *Bus) PublishStatus(st models.BrokerStatusEvent) {
	b.mu.RLock()
	for s := range b.status {
		select {
		case s.ch <- st:
		default:
			atomic.AddInt64(&s.dropped, 1)
		}
	}
	b.mu.RUnlock()
}

// Sequence reports the last sequence number assigned on a topic.
func (b *Bus) Sequence(t models.Topic) uint64 {
	shard := &b.shards[shardFor(t)]
	shard.mu.Lock()
	defer shard.mu.Unlock()
	return shard.seq[t]
}

// Events exposes the stream's receive channel.
func (s *Stream) Events() <-chan models.CanonicalEvent { return s.ch }

// Name returns the subscriber name supplied at registration.
func (s *Stream) Name() string { return s.name }

// Stats reports the number of events delivered to and dropped on this stream.
func (s *Stream) Stats() (sent, dropped int64) {
	return atomic.LoadInt64(&s.sent), atomic.LoadInt64(&s.dropped)
}

// Events exposes the status stream's receive channel.
func (s *StatusStream) Events() <-chan models.BrokerStatusEvent { return s.ch }
