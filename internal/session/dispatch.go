package session

import (
	"encoding/json"

	"tickflow/logger"
	"tickflow/models"
)

// dispatch bridges the bus to the session queues. Events go to exactly the
// sessions subscribed to their topic; broker status events go to every
// session holding a topic on the affected exchange.
func (s *Server) dispatch() {
	defer s.wg.Done()
	log := s.log.WithComponent("session_dispatch")

	stream := s.bus.Subscribe("sessions")
	status := s.bus.SubscribeStatus("sessions")
	defer s.bus.Unsubscribe(stream)
	defer s.bus.UnsubscribeStatus(status)

	for {
		select {
		case <-s.ctx.Done():
			return
		case ev := <-stream.Events():
			s.dispatchEvent(ev)
		case st := <-status.Events():
			log.WithFields(logger.Fields{
				"exchange": st.Exchange,
				"state":    string(st.State),
				"code":     st.Code,
			}).Info("broker status change")
			s.dispatchStatus(st)
		}
	}
}

func (s *Server) dispatchEvent(ev models.CanonicalEvent) {
	ids := s.registry.Sessions(ev.Topic)
	if len(ids) == 0 {
		return
	}
	data, err := json.Marshal(models.PushFromEvent(ev))
	if err != nil {
		return
	}
	for _, id := range ids {
		if c := s.session(id); c != nil {
			c.enqueue(data, ev.Topic.Mode)
		}
	}
}

func (s *Server) dispatchStatus(st models.BrokerStatusEvent) {
	statusType := models.StatusTypeStatus
	if st.Code == models.CodeBrokerDisconnected || st.Code == models.CodeBrokerAuthRevoked {
		statusType = models.StatusTypeError
	}
	for _, c := range s.snapshotSessions() {
		if !s.holdsExchangeTopic(c.ID, st.Exchange) {
			continue
		}
		c.sendStatus(statusType, st.Code, st.Message)
	}
}

func (s *Server) holdsExchangeTopic(sessionID, exchange string) bool {
	for _, topic := range s.registry.SessionTopics(sessionID) {
		if topic.Exchange == exchange {
			return true
		}
	}
	return false
}
