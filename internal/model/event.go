package model

import "time"

// EventStatus is the recorded outcome of a billing event.
type EventStatus string

const (
	EventSuccess EventStatus = "success"
	EventFailed  EventStatus = "failed"
)

// ProcessedEvent is the idempotency record of one billing event id.
type ProcessedEvent struct {
	EventID       string
	EventType     string
	Status        EventStatus
	Payload       []byte
	PayloadHash   string
	FailureReason string
	// CreditGranted is set when the successful run wrote a credit
	// transaction referencing EventID.
	CreditGranted bool
	Attempts      int
	ProcessedAt   time.Time
}
