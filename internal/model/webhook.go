package model

import "time"

// AuthType selects how the dispatcher authenticates against the receiver.
type AuthType string

const (
	AuthNone   AuthType = "NONE"
	AuthBasic  AuthType = "BASIC"
	AuthBearer AuthType = "BEARER"
	AuthAPIKey AuthType = "API_KEY"
)

// Valid reports whether a is a known auth type.
func (a AuthType) Valid() bool {
	switch a {
	case AuthNone, AuthBasic, AuthBearer, AuthAPIKey:
		return true
	}
	return false
}

// ApprovalState is the admin review state of a webhook.
type ApprovalState string

const (
	ApprovalPending  ApprovalState = "PENDING"
	ApprovalApproved ApprovalState = "APPROVED"
	ApprovalRejected ApprovalState = "REJECTED"
)

// Valid reports whether s is a known approval state.
func (s ApprovalState) Valid() bool {
	switch s {
	case ApprovalPending, ApprovalApproved, ApprovalRejected:
		return true
	}
	return false
}

// Webhook is a tenant-configured HTTP subscription to form events.
type Webhook struct {
	ID     string `json:"id"`
	FormID string `json:"form_id"`

	URL    string `json:"url"`
	Active bool   `json:"active"`

	AuthType  AuthType `json:"auth_type"`
	AuthValue string   `json:"-"`
	SecretKey string   `json:"-"`

	EventTypes    []EventType `json:"event_types"`
	IncludeFields []string    `json:"include_fields"`
	ExcludeFields []string    `json:"exclude_fields"`
	Condition     string      `json:"condition,omitempty"` // expression over the payload; empty = always

	RetryCount    int `json:"retry_count"`
	RetryInterval int `json:"retry_interval"` // seconds

	Approval        ApprovalState `json:"approval"`
	AdminLocked     bool          `json:"admin_locked"`
	AdminNotes      string        `json:"admin_notes,omitempty"`
	DeactivatedByID string        `json:"deactivated_by_id,omitempty"`
	ReviewedByID    string        `json:"reviewed_by_id,omitempty"`
	ReviewedAt      *time.Time    `json:"reviewed_at,omitempty"`

	AllowedIPAddresses []string `json:"allowed_ip_addresses"`

	CreatedByID string    `json:"created_by_id"`
	CreatedAt   time.Time `json:"created_at"`
	UpdatedAt   time.Time `json:"updated_at"`
}

// Subscribes reports whether the webhook listens for the given event.
func (w *Webhook) Subscribes(event EventType) bool {
	for _, e := range w.EventTypes {
		if e == event {
			return true
		}
	}
	return false
}

// Eligible reports whether a delivery for event may be queued or attempted.
func (w *Webhook) Eligible(event EventType) bool {
	return w.Active && w.Approval == ApprovalApproved && w.Subscribes(event)
}
