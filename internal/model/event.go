package model

// EventType tags what happened to a form or submission.
type EventType string

const (
	EventSubmissionCreated EventType = "SUBMISSION_CREATED"
	EventSubmissionUpdated EventType = "SUBMISSION_UPDATED"
	EventFormPublished     EventType = "FORM_PUBLISHED"
	EventFormUnpublished   EventType = "FORM_UNPUBLISHED"
)

// AllEventTypes lists every event a webhook can subscribe to.
var AllEventTypes = []EventType{
	EventSubmissionCreated,
	EventSubmissionUpdated,
	EventFormPublished,
	EventFormUnpublished,
}

// Valid reports whether e is a known event type.
func (e EventType) Valid() bool {
	for _, known := range AllEventTypes {
		if e == known {
			return true
		}
	}
	return false
}

// IsSubmissionEvent reports whether the event carries a submission.
func (e EventType) IsSubmissionEvent() bool {
	return e == EventSubmissionCreated || e == EventSubmissionUpdated
}
