package domain

import "time"

type OutboxMessageStatus string

const (
	OutboxStatusPending OutboxMessageStatus = "PENDING"
	OutboxStatusSent    OutboxMessageStatus = "SENT"
)

// OutboxMessage is an order event whose delivery failed at commit time and
// is waiting to be republished. Payload holds the encoded event, so the
// republished message keeps its original event id.
type OutboxMessage struct {
	ID           string
	EventID      string
	AggregateKey string
	EventType    EventType
	Payload      []byte
	Status       OutboxMessageStatus
	Attempts     int
	LastError    string
	CreatedAt    time.Time
	SentAt       *time.Time
}
