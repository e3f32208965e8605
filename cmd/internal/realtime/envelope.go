package realtime

import (
	"encoding/json"
	"time"

	v1 "courier/shared/contracts/chat/v1"
)

// newEnvelope wraps a payload in the canonical wire envelope.
func newEnvelope(typ string, payload json.RawMessage, ts time.Time) v1.Envelope {
	id, err := NewEnvelopeID(ts)
	if err != nil {
		id = ""
	}
	return v1.Envelope{
		V:       v1.Version,
		Type:    typ,
		ID:      id,
		TS:      ts,
		Payload: payload,
	}
}

// mustEnvelope marshals a payload struct and wraps it. Payload structs are
// plain data and cannot fail to marshal.
func mustEnvelope(typ string, payload any, ts time.Time) v1.Envelope {
	b, _ := json.Marshal(payload)
	return newEnvelope(typ, b, ts)
}
