package engine

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"time"

	"github.com/google/uuid"

	"formflow/internal/config"
	"formflow/internal/instrument"
	"formflow/internal/model"
	"formflow/internal/store"
)

// DispatchResult holds the outcome of a single webhook HTTP call.
type DispatchResult struct {
	StatusCode   int
	ResponseBody string
	Error        string
}

// Succeeded reports whether the receiver answered with a 2xx status.
func (r *DispatchResult) Succeeded() bool {
	return r.Error == "" && r.StatusCode >= 200 && r.StatusCode < 300
}

// failureMessage describes a failed attempt for the delivery's error_message.
func (r *DispatchResult) failureMessage() string {
	if r.Error != "" {
		return r.Error
	}
	return fmt.Sprintf("HTTP %d", r.StatusCode)
}

// MaintenanceTask runs on the dispatcher's cleanup interval and returns rows removed.
type MaintenanceTask func(ctx context.Context) (int64, error)

// Dispatcher claims due deliveries on a ticker and sends them.
type Dispatcher struct {
	webhooks   WebhookStore
	deliveries DeliveryStore
	forms      FormSource
	cfg        config.WebhookConfig
	client     *http.Client
	now        func() time.Time

	maintenance map[string]MaintenanceTask
	instr       instrument.Instrumenter

	ticker      *time.Ticker
	cleanupTick *time.Ticker
	done        chan struct{}
	stopped     chan struct{}
}

func NewDispatcher(webhooks WebhookStore, deliveries DeliveryStore, forms FormSource, cfg config.WebhookConfig) *Dispatcher {
	return &Dispatcher{
		webhooks:    webhooks,
		deliveries:  deliveries,
		forms:       forms,
		cfg:         cfg.Normalized(),
		client:      &http.Client{},
		now:         time.Now,
		maintenance: map[string]MaintenanceTask{},
		instr:       &instrument.NoopInstrumenter{},
	}
}

// UseInstrumenter traces background ticks with i.
func (d *Dispatcher) UseInstrumenter(i instrument.Instrumenter) {
	d.instr = i
}

// AddMaintenance registers a periodic cleanup task.
func (d *Dispatcher) AddMaintenance(name string, task MaintenanceTask) {
	d.maintenance[name] = task
}

// Start begins the background tickers for delivery and maintenance.
func (d *Dispatcher) Start() {
	d.ticker = time.NewTicker(d.cfg.TickInterval())
	d.cleanupTick = time.NewTicker(d.cfg.CleanupInterval())
	d.done = make(chan struct{})
	d.stopped = make(chan struct{})
	go d.run()
	log.Printf("Webhook dispatcher started (%s interval, batch %d)", d.cfg.TickInterval(), d.cfg.BatchSize)
}

// Stop halts the background tickers and waits for an in-progress tick to finish.
func (d *Dispatcher) Stop() {
	if d.done == nil {
		return
	}
	d.ticker.Stop()
	d.cleanupTick.Stop()
	close(d.done)
	<-d.stopped
	d.done = nil
}

func (d *Dispatcher) run() {
	defer close(d.stopped)
	ctx := instrument.WithInstrumenter(context.Background(), d.instr)
	for {
		select {
		case <-d.done:
			return
		case <-d.ticker.C:
			if _, err := d.ProcessDue(ctx); err != nil {
				log.Printf("ERROR: webhook dispatcher tick: %v", err)
			}
		case <-d.cleanupTick.C:
			d.RunMaintenance(ctx)
		}
	}
}

// RunMaintenance runs every registered cleanup task once.
func (d *Dispatcher) RunMaintenance(ctx context.Context) {
	for name, task := range d.maintenance {
		n, err := task(ctx)
		if err != nil {
			log.Printf("ERROR: %s cleanup: %v", name, err)
			continue
		}
		if n > 0 {
			log.Printf("Cleanup %s: removed %d rows", name, n)
		}
	}
}

// ProcessDue claims one batch of due deliveries and attempts each in turn.
// It returns the number of deliveries claimed.
func (d *Dispatcher) ProcessDue(ctx context.Context) (int, error) {
	claimed, err := d.deliveries.ClaimDue(ctx, d.now(), d.cfg.BatchSize, d.cfg.ClaimLease())
	if err != nil {
		return 0, fmt.Errorf("claim due deliveries: %w", err)
	}
	for _, del := range claimed {
		d.attempt(ctx, del)
	}
	return len(claimed), nil
}

func (d *Dispatcher) attempt(ctx context.Context, del *model.Delivery) {
	hook, err := d.webhooks.Get(ctx, del.WebhookID)
	if err != nil && !errors.Is(err, store.ErrNotFound) {
		// Left IN_FLIGHT; the claim lease hands it back to a later tick.
		log.Printf("ERROR: load webhook %s for delivery %s: %v", del.WebhookID, del.ID, err)
		return
	}

	if reason := ineligibleReason(hook, del.EventType); reason != "" {
		d.complete(ctx, del, AttemptOutcome{Status: model.DeliveryFailed, ErrorMessage: reason})
		return
	}

	result := d.send(ctx, hook, del.ID, del.EventType, del.RequestBody, d.cfg.DeliveryTimeout())
	d.complete(ctx, del, d.outcomeFor(hook, del, result))

	if result.Succeeded() {
		log.Printf("Webhook delivered: delivery=%s webhook=%s attempt=%d", del.ID, hook.ID, del.AttemptCount)
	}
}

func ineligibleReason(hook *model.Webhook, event model.EventType) string {
	switch {
	case hook == nil:
		return "webhook no longer exists"
	case !hook.Active:
		return "webhook is inactive"
	case hook.Approval != model.ApprovalApproved:
		return fmt.Sprintf("webhook approval is %s", hook.Approval)
	case !hook.Subscribes(event):
		return fmt.Sprintf("webhook is not subscribed to %s", event)
	}
	return ""
}

func (d *Dispatcher) complete(ctx context.Context, del *model.Delivery, out AttemptOutcome) {
	ok, err := d.deliveries.CompleteAttempt(ctx, del.ID, out)
	if err != nil {
		log.Printf("ERROR: record outcome for delivery %s: %v", del.ID, err)
		return
	}
	if !ok {
		log.Printf("WARN: delivery %s was no longer in flight; outcome %s dropped", del.ID, out.Status)
		return
	}
	if out.Status == model.DeliveryFailed {
		log.Printf("Webhook delivery failed: delivery=%s attempt=%d error=%s", del.ID, del.AttemptCount, out.ErrorMessage)
		instrument.GetInstrumenter(ctx).EmitBusinessEvent(ctx, "webhook.delivery_exhausted", "webhook_delivery", del.ID, map[string]any{
			"webhook_id": del.WebhookID,
			"attempts":   del.AttemptCount,
			"error":      out.ErrorMessage,
		})
	}
}

// outcomeFor maps an HTTP result onto the next delivery state. del.AttemptCount
// already includes the attempt just made.
func (d *Dispatcher) outcomeFor(hook *model.Webhook, del *model.Delivery, result *DispatchResult) AttemptOutcome {
	now := d.now()
	out := AttemptOutcome{
		ResponseBody:      result.ResponseBody,
		ResponseTimestamp: &now,
	}
	if result.StatusCode != 0 {
		code := result.StatusCode
		out.StatusCode = &code
	}

	if result.Succeeded() {
		out.Status = model.DeliverySuccess
		return out
	}

	out.ErrorMessage = result.failureMessage()
	if del.AttemptCount >= hook.RetryCount {
		out.Status = model.DeliveryFailed
		return out
	}
	next := now.Add(NextRetryDelay(hook.RetryInterval, del.AttemptCount-1, d.cfg.MaxBackoff()))
	out.Status = model.DeliveryScheduled
	out.NextAttempt = &next
	return out
}

// NextRetryDelay returns min(interval * 2^attemptsBefore, max).
func NextRetryDelay(intervalSeconds, attemptsBefore int, max time.Duration) time.Duration {
	delay := time.Duration(intervalSeconds) * time.Second
	for i := 0; i < attemptsBefore && delay < max; i++ {
		delay *= 2
	}
	if delay > max {
		return max
	}
	return delay
}

// BuildDeliveryHeaders returns the outbound headers for one attempt, including
// the signature over body when the webhook has a secret.
func BuildDeliveryHeaders(hook *model.Webhook, deliveryID string, event model.EventType, body []byte, cfg config.WebhookConfig) map[string]string {
	headers := map[string]string{
		"Content-Type": "application/json",
		"User-Agent":   cfg.UserAgent,
		fmt.Sprintf("X-%s-Event", cfg.ProductName):       string(event),
		fmt.Sprintf("X-%s-Delivery-ID", cfg.ProductName): deliveryID,
	}

	switch hook.AuthType {
	case model.AuthBearer:
		headers["Authorization"] = "Bearer " + hook.AuthValue
	case model.AuthAPIKey:
		headers["X-API-Key"] = hook.AuthValue
	case model.AuthBasic:
		headers["Authorization"] = "Basic " + base64.StdEncoding.EncodeToString([]byte(hook.AuthValue))
	}

	if sig := SignPayload(body, hook.SecretKey); sig != "" {
		headers[SignatureHeader] = sig
	}
	return headers
}

// send POSTs body to the webhook URL. Failures are reported in the result, never as an error.
func (d *Dispatcher) send(ctx context.Context, hook *model.Webhook, deliveryID string, event model.EventType, body []byte, timeout time.Duration) *DispatchResult {
	ctx, span := instrument.GetInstrumenter(ctx).StartSpan(ctx, "webhook", "dispatcher", "webhook.dispatch")
	defer span.End()
	span.SetEntity("webhook", hook.ID)
	span.SetMetadata("url", hook.URL)
	span.SetMetadata("delivery_id", deliveryID)

	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, hook.URL, bytes.NewReader(body))
	if err != nil {
		span.SetStatus("error")
		span.SetMetadata("error", fmt.Sprintf("build request: %v", err))
		return &DispatchResult{Error: fmt.Sprintf("build request: %v", err)}
	}
	for k, v := range BuildDeliveryHeaders(hook, deliveryID, event, body, d.cfg) {
		req.Header.Set(k, v)
	}

	resp, err := d.client.Do(req)
	if err != nil {
		span.SetStatus("error")
		span.SetMetadata("error", fmt.Sprintf("http call: %v", err))
		return &DispatchResult{Error: fmt.Sprintf("http call: %v", err)}
	}
	defer resp.Body.Close()

	respBody, _ := io.ReadAll(io.LimitReader(resp.Body, d.cfg.MaxResponseBytes))

	result := &DispatchResult{StatusCode: resp.StatusCode, ResponseBody: string(respBody)}
	if result.Succeeded() {
		span.SetStatus("ok")
	} else {
		span.SetStatus("error")
		span.SetMetadata("error", fmt.Sprintf("HTTP %d", resp.StatusCode))
	}
	span.SetMetadata("status_code", resp.StatusCode)
	return result
}

// RetryDelivery moves a FAILED delivery back onto the queue, due immediately.
// The attempt count increases when the dispatcher claims it.
func (d *Dispatcher) RetryDelivery(ctx context.Context, id string) (*model.Delivery, error) {
	ok, err := d.deliveries.RequeueFailed(ctx, id, d.now())
	if err != nil {
		return nil, err
	}
	if !ok {
		del, err := d.deliveries.Get(ctx, id)
		if err != nil {
			return nil, notFoundOr(err, "delivery", id)
		}
		return nil, InvalidStateError(fmt.Sprintf("Only FAILED deliveries can be retried; delivery %s is %s", id, del.Status))
	}
	del, err := d.deliveries.Get(ctx, id)
	if err != nil {
		return nil, notFoundOr(err, "delivery", id)
	}
	return del, nil
}

// TestSend posts a synthetic payload to the webhook right away and records exactly
// one terminal log entry, whatever the webhook's retry policy.
func (d *Dispatcher) TestSend(ctx context.Context, hook *model.Webhook, event model.EventType) (*model.Delivery, error) {
	if !event.Valid() {
		return nil, ValidationError([]ErrorDetail{{Field: "event_type", Rule: "enum", Message: fmt.Sprintf("unknown event type %q", event)}})
	}
	form, err := d.forms.GetForm(ctx, hook.FormID)
	if err != nil {
		return nil, notFoundOr(err, "form", hook.FormID)
	}
	fields, err := d.forms.ListFields(ctx, hook.FormID)
	if err != nil {
		return nil, err
	}

	started := d.now()
	body, err := json.Marshal(BuildTestPayload(event, form, fields, hook, started))
	if err != nil {
		return nil, InvalidPayloadError(fmt.Sprintf("encode test payload: %v", err))
	}

	id := uuid.NewString()
	result := d.send(ctx, hook, id, event, body, d.cfg.TestTimeout())
	finished := d.now()

	del := &model.Delivery{
		ID:                id,
		WebhookID:         hook.ID,
		EventType:         event,
		Status:            model.DeliverySuccess,
		RequestBody:       body,
		ResponseBody:      result.ResponseBody,
		AttemptCount:      1,
		RequestTimestamp:  started,
		ResponseTimestamp: &finished,
		CreatedAt:         started,
		UpdatedAt:         finished,
	}
	if result.StatusCode != 0 {
		code := result.StatusCode
		del.StatusCode = &code
	}
	if !result.Succeeded() {
		del.Status = model.DeliveryFailed
		del.ErrorMessage = result.failureMessage()
	}

	if err := d.deliveries.Insert(ctx, del); err != nil {
		return nil, fmt.Errorf("record test delivery: %w", err)
	}
	return del, nil
}
