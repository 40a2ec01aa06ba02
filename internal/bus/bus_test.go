package bus

import (
	"testing"
	"time"

	"tickflow/models"
)

func ltpEvent(topic models.Topic, price float64) models.CanonicalEvent {
	return models.CanonicalEvent{
		Topic:     topic,
		Timestamp: time.Now(),
		LTP:       &models.LTPData{Price: price},
	}
}

func TestPublishAssignsMonotonicSequencePerTopic(t *testing.T) {
	b := New(16)
	s := b.Subscribe("test")
	defer b.Unsubscribe(s)

	reliance := models.NewTopic("NSE", "RELIANCE", models.ModeLTP)
	infy := models.NewTopic("NSE", "INFY", models.ModeLTP)

	for i := 0; i < 3; i++ {
		b.Publish(ltpEvent(reliance, 2500))
	}
	b.Publish(ltpEvent(infy, 1500))

	var relianceSeqs []uint64
	for i := 0; i < 4; i++ {
		ev := <-s.Events()
		if ev.Topic == reliance {
			relianceSeqs = append(relianceSeqs, ev.Sequence)
		} else if ev.Sequence != 1 {
			t.Fatalf("INFY should start at sequence 1, got %d", ev.Sequence)
		}
	}
	if len(relianceSeqs) != 3 {
		t.Fatalf("expected 3 RELIANCE events, got %d", len(relianceSeqs))
	}
	for i, seq := range relianceSeqs {
		if seq != uint64(i+1) {
			t.Fatalf("sequence gap at %d: %v", i, relianceSeqs)
		}
	}
}

func TestPublishDoesNotBlockOnFullStream(t *testing.T) {
	b := New(1)
	s := b.Subscribe("slow")
	defer b.Unsubscribe(s)

	topic := models.NewTopic("NSE", "RELIANCE", models.ModeLTP)

	done := make(chan struct{})
	go func() {
		for i := 0; i < 100; i++ {
			b.Publish(ltpEvent(topic, float64(i)))
		}
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("publish blocked on a saturated stream")
	}

	sent, dropped := s.Stats()
	if sent+dropped != 100 {
		t.Fatalf("accounting mismatch: sent=%d dropped=%d", sent, dropped)
	}
	if dropped == 0 {
		t.Fatal("expected drops on a buffer of 1")
	}
	// Sequence numbers keep advancing even when frames are dropped.
	if got := b.Sequence(topic); got != 100 {
		t.Fatalf("expected sequence 100, got %d", got)
	}
}

func TestLateSubscriberMissesEarlierEvents(t *testing.T) {
	b := New(16)
	topic := models.NewTopic("NSE", "RELIANCE", models.ModeLTP)
	b.Publish(ltpEvent(topic, 1))

	s := b.Subscribe("late")
	defer b.Unsubscribe(s)

	select {
	case ev := <-s.Events():
		t.Fatalf("late subscriber should not see earlier event: %+v", ev)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestStatusStreamFanOut(t *testing.T) {
	b := New(4)
	s := b.SubscribeStatus("test")
	defer b.UnsubscribeStatus(s)

	b.PublishStatus(models.BrokerStatusEvent{Exchange: "BINANCE", State: models.BrokerReconnecting})

	select {
	case st := <-s.Events():
		if st.Exchange != "BINANCE" || st.State != models.BrokerReconnecting {
			t.Fatalf("unexpected status: %+v", st)
		}
	case <-time.After(time.Second):
		t.Fatal("status event not delivered")
	}
}
