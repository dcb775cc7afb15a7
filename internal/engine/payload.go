package engine

import (
	"fmt"
	"sync"
	"time"

	"github.com/expr-lang/expr"
	"github.com/expr-lang/expr/vm"
	"github.com/google/uuid"

	"formflow/internal/model"
)

// Payload is the JSON body sent to webhook endpoints.
type Payload struct {
	Event      model.EventType    `json:"event"`
	Timestamp  string             `json:"timestamp"`
	Form       *FormSummary       `json:"form"`
	Submission *SubmissionSummary `json:"submission,omitempty"`
	Client     *ClientRef         `json:"client,omitempty"`
}

// FormSummary carries id and title for submission events and the full
// form for publish events.
type FormSummary struct {
	ID          string  `json:"id"`
	Title       string  `json:"title"`
	Description *string `json:"description,omitempty"`
	Published   *bool   `json:"published,omitempty"`
	CreatedAt   string  `json:"createdAt,omitempty"`
	UpdatedAt   string  `json:"updatedAt,omitempty"`
}

type SubmissionSummary struct {
	ID        string         `json:"id"`
	CreatedAt string         `json:"createdAt"`
	UpdatedAt string         `json:"updatedAt"`
	Status    string         `json:"status"`
	Data      map[string]any `json:"data"`
}

type ClientRef struct {
	ID string `json:"id"`
}

func formatTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339)
}

// BuildSubmissionPayload builds the SUBMISSION_* payload with labeled, filtered data.
func BuildSubmissionPayload(event model.EventType, form *model.Form, fields []model.Field, sub *model.Submission, hook *model.Webhook, now time.Time) *Payload {
	data := ResolveFieldLabels(sub.Data, fields)
	if hook != nil {
		data = FilterFields(data, hook.IncludeFields, hook.ExcludeFields, KeyLabels(sub.Data, fields))
	}
	return &Payload{
		Event:     event,
		Timestamp: formatTime(now),
		Form:      &FormSummary{ID: form.ID, Title: form.Title},
		Submission: &SubmissionSummary{
			ID:        sub.ID,
			CreatedAt: formatTime(sub.CreatedAt),
			UpdatedAt: formatTime(sub.UpdatedAt),
			Status:    sub.Status,
			Data:      data,
		},
	}
}

// BuildFormPayload builds the FORM_* payload.
func BuildFormPayload(event model.EventType, form *model.Form, now time.Time) *Payload {
	desc := form.Description
	published := form.Published
	return &Payload{
		Event:     event,
		Timestamp: formatTime(now),
		Form: &FormSummary{
			ID:          form.ID,
			Title:       form.Title,
			Description: &desc,
			Published:   &published,
			CreatedAt:   formatTime(form.CreatedAt),
			UpdatedAt:   formatTime(form.UpdatedAt),
		},
		Client: &ClientRef{ID: form.ClientID},
	}
}

// BuildTestPayload builds a synthetic payload for event so an owner can check an
// endpoint without waiting for real traffic. Submission data gets one sample value per field.
func BuildTestPayload(event model.EventType, form *model.Form, fields []model.Field, hook *model.Webhook, now time.Time) *Payload {
	if !event.IsSubmissionEvent() {
		return BuildFormPayload(event, form, now)
	}
	data := make(map[string]any, len(fields))
	for _, f := range fields {
		data[f.Identifier] = sampleValue(f)
	}
	sub := &model.Submission{
		ID:        "test_" + uuid.NewString(),
		FormID:    form.ID,
		Status:    "COMPLETED",
		Data:      data,
		CreatedAt: now,
		UpdatedAt: now,
	}
	return BuildSubmissionPayload(event, form, fields, sub, hook, now)
}

func sampleValue(f model.Field) any {
	switch f.Type {
	case "number":
		return 42
	case "checkbox", "boolean":
		return true
	case "email":
		return "test@example.com"
	case "date":
		return "2024-01-01"
	default:
		return fmt.Sprintf("Sample %s", LabelForKey(f.Identifier, []model.Field{f}))
	}
}

// conditionEnv exposes the payload to condition expressions, e.g.
// `event == "SUBMISSION_CREATED" && data["Email"] != ""`.
func conditionEnv(p *Payload) map[string]any {
	env := map[string]any{
		"event":     string(p.Event),
		"timestamp": p.Timestamp,
		"data":      map[string]any{},
	}
	if p.Form != nil {
		form := map[string]any{"id": p.Form.ID, "title": p.Form.Title}
		if p.Form.Published != nil {
			form["published"] = *p.Form.Published
		}
		env["form"] = form
	}
	if p.Submission != nil {
		env["submission"] = map[string]any{
			"id":     p.Submission.ID,
			"status": p.Submission.Status,
			"data":   p.Submission.Data,
		}
		env["data"] = p.Submission.Data
	}
	if p.Client != nil {
		env["client"] = map[string]any{"id": p.Client.ID}
	}
	return env
}

var conditionCache sync.Map // condition source -> *vm.Program

// CompileCondition compiles a webhook condition, caching the program by source.
func CompileCondition(condition string) (*vm.Program, error) {
	if cached, ok := conditionCache.Load(condition); ok {
		return cached.(*vm.Program), nil
	}
	prog, err := expr.Compile(condition, expr.AsBool())
	if err != nil {
		return nil, fmt.Errorf("compile webhook condition: %w", err)
	}
	conditionCache.Store(condition, prog)
	return prog, nil
}

// EvaluateCondition runs a webhook condition against the payload. An empty
// condition always matches.
func EvaluateCondition(condition string, p *Payload) (bool, error) {
	if condition == "" {
		return true, nil
	}
	prog, err := CompileCondition(condition)
	if err != nil {
		return false, err
	}
	result, err := expr.Run(prog, conditionEnv(p))
	if err != nil {
		return false, fmt.Errorf("evaluate webhook condition: %w", err)
	}
	b, ok := result.(bool)
	if !ok {
		return false, fmt.Errorf("webhook condition did not return bool")
	}
	return b, nil
}
