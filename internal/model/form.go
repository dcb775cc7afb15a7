package model

import "time"

// Form is the read model of a form owned by the forms service.
type Form struct {
	ID          string    `json:"id"`
	ClientID    string    `json:"client_id"`
	OwnerID     string    `json:"owner_id"`
	Title       string    `json:"title"`
	Description string    `json:"description"`
	Published   bool      `json:"published"`
	CreatedAt   time.Time `json:"created_at"`
	UpdatedAt   time.Time `json:"updated_at"`
}

// Field is a configured input on a form.
type Field struct {
	ID         string `json:"id"`
	FormID     string `json:"form_id"`
	Identifier string `json:"identifier"`
	Label      string `json:"label"`
	Type       string `json:"type"`
}

// Submission is a respondent's answers to a form, keyed by field identifier.
type Submission struct {
	ID        string         `json:"id"`
	FormID    string         `json:"form_id"`
	Status    string         `json:"status"`
	Data      map[string]any `json:"data"`
	CreatedAt time.Time      `json:"created_at"`
	UpdatedAt time.Time      `json:"updated_at"`
}
