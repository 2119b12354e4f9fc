package outbox

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// Where an event originated. Stored as ActorRef.Source.
const (
	SourceCheckout = "checkout"
	SourceWebhook  = "webhook"
	SourceAdmin    = "admin"
	SourceCron     = "cron"
)

type ActorRef struct {
	UserID *uuid.UUID `json:"userId,omitempty"`
	Source string     `json:"source"`
}

// PayloadEnvelope wraps every outbox payload. Consumers switch on Version
// before decoding Data.
type PayloadEnvelope struct {
	Version    int             `json:"version"`
	EventID    string          `json:"eventId"`
	OccurredAt time.Time       `json:"occurredAt"`
	Actor      *ActorRef       `json:"actor,omitempty"`
	Data       json.RawMessage `json:"data"`
}
