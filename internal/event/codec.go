// Package event converts order domain events to and from their Kafka wire
// format.
//
// The current format is a JSON envelope carrying schema_version 2. Payloads
// without a schema_version are the flat order-created messages written by
// older producers (schema 1) and are still accepted. Unknown fields are
// ignored. Missing optional fields default as follows: event_type CREATED,
// source "unknown", timestamps zero.
//
// Schema 1 messages carry no order id, so their aggregate key is the order
// number, while schema 2 keys by order id. An order published under both
// schemas is therefore seen as two orders downstream and gets two payments;
// a producer must stay on one schema for the life of an order. A schema 1
// snapshot reports its creation time as its last update.
package event

import (
	"bytes"
	"encoding/json"
	"strings"
	"time"

	"github.com/anoop387/event-driven-order-payment-system/internal/domain"
)

const (
	SchemaVersionLegacy  = 1
	SchemaVersionCurrent = 2

	defaultSource = "unknown"
)

type envelope struct {
	SchemaVersion int             `json:"schema_version"`
	EventID       string          `json:"event_id"`
	AggregateKey  string          `json:"aggregate_key"`
	EventType     string          `json:"event_type"`
	EmittedAt     timestamp       `json:"emitted_at"`
	Source        string          `json:"source,omitempty"`
	Payload       snapshotPayload `json:"payload"`
}

type snapshotPayload struct {
	OrderID     string    `json:"order_id"`
	OrderNumber string    `json:"order_number,omitempty"`
	CustomerID  string    `json:"customer_id"`
	Amount      float64   `json:"amount"`
	Status      string    `json:"status"`
	CreatedAt   timestamp `json:"created_at"`
	UpdatedAt   timestamp `json:"updated_at"`
}

// Encode serializes e in the current schema.
func Encode(e domain.DomainEvent) ([]byte, error) {
	if e.EventID == "" {
		return nil, &EncodeError{Reason: "event id is empty"}
	}
	if e.AggregateKey == "" {
		return nil, &EncodeError{EventID: e.EventID, Reason: "aggregate key is empty"}
	}
	if !e.EventType.Valid() {
		return nil, &EncodeError{EventID: e.EventID, Reason: "unknown event type " + string(e.EventType)}
	}

	env := envelope{
		SchemaVersion: SchemaVersionCurrent,
		EventID:       e.EventID,
		AggregateKey:  e.AggregateKey,
		EventType:     string(e.EventType),
		EmittedAt:     timestamp(e.EmittedAt),
		Source:        e.Source,
		Payload: snapshotPayload{
			OrderID:     e.Payload.OrderID,
			OrderNumber: e.Payload.OrderNumber,
			CustomerID:  e.Payload.CustomerID,
			Amount:      e.Payload.Amount,
			Status:      string(e.Payload.Status),
			CreatedAt:   timestamp(e.Payload.CreatedAt),
			UpdatedAt:   timestamp(e.Payload.UpdatedAt),
		},
	}
	data, err := json.Marshal(env)
	if err != nil {
		return nil, &EncodeError{EventID: e.EventID, Reason: "marshal envelope", Err: err}
	}
	return data, nil
}

type versionField struct {
	SchemaVersion *int `json:"schema_version"`
}

// Decode parses data written by any compatible producer. Every failure is a
// *DecodeError.
func Decode(data []byte) (domain.DomainEvent, error) {
	trimmed := bytes.TrimSpace(data)
	if len(trimmed) == 0 {
		return domain.DomainEvent{}, &DecodeError{Reason: "empty payload"}
	}
	if trimmed[0] != '{' {
		return domain.DomainEvent{}, &DecodeError{Reason: "payload is not a JSON object"}
	}

	var head versionField
	if err := json.Unmarshal(trimmed, &head); err != nil {
		return domain.DomainEvent{}, &DecodeError{Reason: "invalid JSON", Err: err}
	}

	version := SchemaVersionLegacy
	if head.SchemaVersion != nil {
		version = *head.SchemaVersion
	}
	switch {
	case version == SchemaVersionLegacy:
		return decodeLegacy(trimmed)
	case version == SchemaVersionCurrent:
		return decodeCurrent(trimmed)
	default:
		return domain.DomainEvent{}, &DecodeError{Reason: "unsupported schema version"}
	}
}

func decodeCurrent(data []byte) (domain.DomainEvent, error) {
	var env envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return domain.DomainEvent{}, &DecodeError{Reason: "invalid envelope", Err: err}
	}

	key := env.AggregateKey
	if key == "" {
		key = env.Payload.OrderID
	}
	if key == "" {
		return domain.DomainEvent{}, &DecodeError{Reason: "aggregate key is missing"}
	}
	eventType, err := parseEventType(env.EventType)
	if err != nil {
		return domain.DomainEvent{}, err
	}
	orderID := env.Payload.OrderID
	if orderID == "" {
		orderID = key
	}
	source := env.Source
	if source == "" {
		source = defaultSource
	}

	return domain.DomainEvent{
		EventID:      env.EventID,
		AggregateKey: key,
		EventType:    eventType,
		EmittedAt:    time.Time(env.EmittedAt),
		Source:       source,
		Payload: domain.OrderSnapshot{
			OrderID:     orderID,
			OrderNumber: env.Payload.OrderNumber,
			CustomerID:  env.Payload.CustomerID,
			Amount:      env.Payload.Amount,
			Status:      domain.OrderStatus(strings.ToUpper(env.Payload.Status)),
			CreatedAt:   time.Time(env.Payload.CreatedAt),
			UpdatedAt:   time.Time(env.Payload.UpdatedAt),
		},
	}, nil
}

// parseEventType accepts both the bare tags and the ORDER_-prefixed names
// older producers used. An empty tag defaults to CREATED.
func parseEventType(raw string) (domain.EventType, error) {
	if raw == "" {
		return domain.EventOrderCreated, nil
	}
	t := domain.EventType(strings.TrimPrefix(strings.ToUpper(strings.TrimSpace(raw)), "ORDER_"))
	if !t.Valid() {
		return "", &DecodeError{Reason: "unknown event type " + raw}
	}
	return t, nil
}
