package engine

import (
	"context"
	"sort"
	"sync"
	"time"

	"formflow/internal/config"
	"formflow/internal/model"
	"formflow/internal/store"
)

type memWebhooks struct {
	mu        sync.Mutex
	hooks     map[string]*model.Webhook
	createErr error
}

func newMemWebhooks(hooks ...*model.Webhook) *memWebhooks {
	m := &memWebhooks{hooks: map[string]*model.Webhook{}}
	for _, wh := range hooks {
		m.hooks[wh.ID] = wh
	}
	return m
}

func (m *memWebhooks) Create(ctx context.Context, wh *model.Webhook) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.createErr != nil {
		return m.createErr
	}
	cp := *wh
	m.hooks[wh.ID] = &cp
	return nil
}

func (m *memWebhooks) Get(ctx context.Context, id string) (*model.Webhook, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	wh, ok := m.hooks[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	cp := *wh
	return &cp, nil
}

func (m *memWebhooks) Update(ctx context.Context, wh *model.Webhook) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.hooks[wh.ID]; !ok {
		return store.ErrNotFound
	}
	cp := *wh
	m.hooks[wh.ID] = &cp
	return nil
}

func (m *memWebhooks) Delete(ctx context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.hooks[id]; !ok {
		return store.ErrNotFound
	}
	delete(m.hooks, id)
	return nil
}

func (m *memWebhooks) ListByForm(ctx context.Context, formID string) ([]*model.Webhook, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*model.Webhook
	for _, wh := range m.hooks {
		if wh.FormID == formID {
			cp := *wh
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (m *memWebhooks) List(ctx context.Context, approval model.ApprovalState) ([]*model.Webhook, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*model.Webhook
	for _, wh := range m.hooks {
		if approval == "" || wh.Approval == approval {
			cp := *wh
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

type memDeliveries struct {
	mu   sync.Mutex
	rows map[string]*model.Delivery
}

func newMemDeliveries() *memDeliveries {
	return &memDeliveries{rows: map[string]*model.Delivery{}}
}

func (m *memDeliveries) Insert(ctx context.Context, d *model.Delivery) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *d
	m.rows[d.ID] = &cp
	return nil
}

func (m *memDeliveries) Get(ctx context.Context, id string) (*model.Delivery, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	d, ok := m.rows[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	cp := *d
	return &cp, nil
}

func (m *memDeliveries) all() []*model.Delivery {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]*model.Delivery, 0, len(m.rows))
	for _, d := range m.rows {
		cp := *d
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out
}

func (m *memDeliveries) ClaimDue(ctx context.Context, now time.Time, limit int, lease time.Duration) ([]*model.Delivery, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var due []*model.Delivery
	for _, d := range m.rows {
		queued := (d.Status == model.DeliveryPending || d.Status == model.DeliveryScheduled) &&
			d.NextAttempt != nil && !d.NextAttempt.After(now)
		expired := d.Status == model.DeliveryInFlight && d.ClaimedAt != nil && d.ClaimedAt.Before(now.Add(-lease))
		if queued || expired {
			due = append(due, d)
		}
	}
	sort.Slice(due, func(i, j int) bool { return due[i].CreatedAt.Before(due[j].CreatedAt) })
	if len(due) > limit {
		due = due[:limit]
	}

	out := make([]*model.Delivery, 0, len(due))
	for _, d := range due {
		if d.Status != model.DeliveryInFlight {
			d.AttemptCount++
		}
		d.Status = model.DeliveryInFlight
		claimed := now
		d.ClaimedAt = &claimed
		cp := *d
		out = append(out, &cp)
	}
	return out, nil
}

func (m *memDeliveries) CompleteAttempt(ctx context.Context, id string, o AttemptOutcome) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	d, ok := m.rows[id]
	if !ok || d.Status != model.DeliveryInFlight {
		return false, nil
	}
	d.Status = o.Status
	d.StatusCode = o.StatusCode
	d.ResponseBody = o.ResponseBody
	d.ErrorMessage = o.ErrorMessage
	d.NextAttempt = o.NextAttempt
	d.ResponseTimestamp = o.ResponseTimestamp
	d.ClaimedAt = nil
	return true, nil
}

func (m *memDeliveries) RequeueFailed(ctx context.Context, id string, now time.Time) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	d, ok := m.rows[id]
	if !ok || d.Status != model.DeliveryFailed {
		return false, nil
	}
	d.Status = model.DeliveryScheduled
	d.NextAttempt = &now
	return true, nil
}

func (m *memDeliveries) List(ctx context.Context, webhookID string, f DeliveryFilter) ([]*model.Delivery, int, error) {
	var matched []*model.Delivery
	for _, d := range m.all() {
		if d.WebhookID != webhookID {
			continue
		}
		if f.Status != "" && d.Status != f.Status {
			continue
		}
		if f.From != nil && d.RequestTimestamp.Before(*f.From) {
			continue
		}
		if f.To != nil && d.RequestTimestamp.After(*f.To) {
			continue
		}
		matched = append(matched, d)
	}
	sort.SliceStable(matched, func(i, j int) bool { return matched[i].RequestTimestamp.After(matched[j].RequestTimestamp) })

	start := (f.Page - 1) * f.Limit
	if start > len(matched) {
		start = len(matched)
	}
	end := start + f.Limit
	if end > len(matched) {
		end = len(matched)
	}
	return matched[start:end], len(matched), nil
}

func (m *memDeliveries) CountByStatus(ctx context.Context, webhookID string, since time.Time) (map[model.DeliveryStatus]int, error) {
	counts := map[model.DeliveryStatus]int{}
	for _, d := range m.all() {
		if d.WebhookID == webhookID && !d.RequestTimestamp.Before(since) {
			counts[d.Status]++
		}
	}
	return counts, nil
}

func (m *memDeliveries) DeleteTerminalBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var n int64
	for id, d := range m.rows {
		if d.Status.Terminal() && d.RequestTimestamp.Before(cutoff) {
			delete(m.rows, id)
			n++
		}
	}
	return n, nil
}

type memForms struct {
	forms       map[string]*model.Form
	fields      map[string][]model.Field
	submissions map[string]*model.Submission
}

func newMemForms() *memForms {
	return &memForms{
		forms:       map[string]*model.Form{},
		fields:      map[string][]model.Field{},
		submissions: map[string]*model.Submission{},
	}
}

func (m *memForms) GetForm(ctx context.Context, id string) (*model.Form, error) {
	f, ok := m.forms[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	return f, nil
}

func (m *memForms) ListFields(ctx context.Context, formID string) ([]model.Field, error) {
	return m.fields[formID], nil
}

func (m *memForms) GetSubmission(ctx context.Context, id string) (*model.Submission, error) {
	s, ok := m.submissions[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	return s, nil
}

var (
	t0    = time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	owner = &model.Actor{ID: "owner-1", Roles: []string{"owner"}}
	admin = &model.Actor{ID: "admin-1", Roles: []string{"admin"}}
)

// fixture wires every component over in-memory stores with a controllable clock.
type fixture struct {
	webhooks   *memWebhooks
	deliveries *memDeliveries
	forms      *memForms
	registry   *Registry
	enqueuer   *Enqueuer
	dispatcher *Dispatcher
	log        *DeliveryLog
	clock      time.Time
}

func newFixture() *fixture {
	f := &fixture{
		webhooks:   newMemWebhooks(),
		deliveries: newMemDeliveries(),
		forms:      newMemForms(),
		clock:      t0,
	}
	now := func() time.Time { return f.clock }

	f.forms.forms["form-1"] = &model.Form{
		ID: "form-1", ClientID: "client-1", OwnerID: owner.ID, Title: "Contact",
		Description: "Contact us", Published: true, CreatedAt: t0.Add(-time.Hour), UpdatedAt: t0,
	}
	f.forms.fields["form-1"] = []model.Field{
		{ID: "f1", FormID: "form-1", Identifier: "email", Label: "Email", Type: "email"},
		{ID: "f2", FormID: "form-1", Identifier: "msg", Label: "Message", Type: "text"},
	}
	f.forms.submissions["sub-1"] = &model.Submission{
		ID: "sub-1", FormID: "form-1", Status: "COMPLETED",
		Data:      map[string]any{"email": "a@b.c", "msg": "hi", "customField1": "x"},
		CreatedAt: t0, UpdatedAt: t0,
	}

	cfg := config.DefaultWebhookConfig()
	f.registry = NewRegistry(f.webhooks, f.forms, LogNotifier{})
	f.registry.now = now
	f.enqueuer = NewEnqueuer(f.webhooks, f.deliveries, f.forms)
	f.enqueuer.now = now
	f.dispatcher = NewDispatcher(f.webhooks, f.deliveries, f.forms, cfg)
	f.dispatcher.now = now
	f.log = NewDeliveryLog(f.deliveries)
	f.log.now = now
	return f
}

func (f *fixture) addWebhook(id, url string, mutate func(*model.Webhook)) *model.Webhook {
	wh := &model.Webhook{
		ID:            id,
		FormID:        "form-1",
		URL:           url,
		Active:        true,
		AuthType:      model.AuthNone,
		EventTypes:    []model.EventType{model.EventSubmissionCreated, model.EventFormPublished},
		RetryCount:    3,
		RetryInterval: 60,
		Approval:      model.ApprovalApproved,
		CreatedByID:   owner.ID,
		CreatedAt:     t0,
		UpdatedAt:     t0,
	}
	if mutate != nil {
		mutate(wh)
	}
	f.webhooks.Create(context.Background(), wh)
	return wh
}
