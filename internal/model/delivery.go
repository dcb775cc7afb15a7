package model

import (
	"encoding/json"
	"time"
)

// DeliveryStatus is the state of one delivery record.
//
//	PENDING -> IN_FLIGHT -> SUCCESS
//	                     -> SCHEDULED -> IN_FLIGHT ...
//	                     -> FAILED -> (manual retry) SCHEDULED
type DeliveryStatus string

const (
	DeliveryPending   DeliveryStatus = "PENDING"
	DeliveryInFlight  DeliveryStatus = "IN_FLIGHT"
	DeliveryScheduled DeliveryStatus = "SCHEDULED"
	DeliverySuccess   DeliveryStatus = "SUCCESS"
	DeliveryFailed    DeliveryStatus = "FAILED"
)

// AllDeliveryStatuses lists the statuses in lifecycle order.
var AllDeliveryStatuses = []DeliveryStatus{
	DeliveryPending,
	DeliveryInFlight,
	DeliveryScheduled,
	DeliverySuccess,
	DeliveryFailed,
}

// Valid reports whether s is a known delivery status.
func (s DeliveryStatus) Valid() bool {
	for _, known := range AllDeliveryStatuses {
		if s == known {
			return true
		}
	}
	return false
}

// Terminal reports whether no further attempt will be made without operator action.
func (s DeliveryStatus) Terminal() bool {
	return s == DeliverySuccess || s == DeliveryFailed
}

// Delivery is one queued or completed webhook delivery, including its retries.
type Delivery struct {
	ID           string    `json:"id"`
	WebhookID    string    `json:"webhook_id"`
	SubmissionID string    `json:"submission_id,omitempty"`
	EventType    EventType `json:"event_type"`

	Status       DeliveryStatus  `json:"status"`
	RequestBody  json.RawMessage `json:"request_body"`
	ResponseBody string          `json:"response_body"`
	StatusCode   *int            `json:"status_code"`
	ErrorMessage string          `json:"error_message"`

	AttemptCount int        `json:"attempt_count"`
	NextAttempt  *time.Time `json:"next_attempt"`
	ClaimedAt    *time.Time `json:"claimed_at,omitempty"`

	RequestTimestamp  time.Time  `json:"request_timestamp"`
	ResponseTimestamp *time.Time `json:"response_timestamp"`
	CreatedAt         time.Time  `json:"created_at"`
	UpdatedAt         time.Time  `json:"updated_at"`
}
