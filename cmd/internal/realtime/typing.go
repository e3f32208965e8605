package realtime

import (
	"log/slog"
	"time"

	v1 "courier/shared/contracts/chat/v1"
)

// Signaler relays ephemeral typing signals between two users.
//
// Nothing is persisted and there are no error conditions: an offline
// receiver or a full queue makes the call a silent no-op. A stop arriving
// before its start is acceptable; the next keystroke self-heals it.
type Signaler struct {
	log *slog.Logger
	reg *Registry
}

// NewSignaler constructs a typing Signaler.
func NewSignaler(log *slog.Logger, reg *Registry) *Signaler {
	return &Signaler{log: log, reg: reg}
}

// Start relays a typing-start signal from senderID to receiverID.
func (s *Signaler) Start(senderID, receiverID string) {
	s.relay(v1.TypeTypingStart, senderID, receiverID)
}

// Stop relays a typing-stop signal from senderID to receiverID.
func (s *Signaler) Stop(senderID, receiverID string) {
	s.relay(v1.TypeTypingStop, senderID, receiverID)
}

func (s *Signaler) relay(typ, senderID, receiverID string) {
	if senderID == "" || receiverID == "" {
		return
	}

	c, ok := s.reg.Lookup(receiverID)
	if !ok {
		return
	}

	env := mustEnvelope(typ, v1.TypingPayload{From: senderID}, time.Now().UTC())
	if !c.TryPush(env) {
		metricPushDropsTotal.Inc()
		s.log.Debug("typing.push.drop", "from", senderID, "to", receiverID)
	}
}
