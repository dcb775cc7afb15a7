package engine

import (
	"context"
	"encoding/base64"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"formflow/internal/config"
	"formflow/internal/model"
)

type receivedRequest struct {
	header http.Header
	body   []byte
}

// receiver is an httptest endpoint answering with status and recording requests.
type receiver struct {
	*httptest.Server
	mu       sync.Mutex
	status   int
	requests []receivedRequest
}

func newReceiver(t *testing.T, status int) *receiver {
	r := &receiver{status: status}
	r.Server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		body, _ := io.ReadAll(req.Body)
		r.mu.Lock()
		r.requests = append(r.requests, receivedRequest{header: req.Header.Clone(), body: body})
		code := r.status
		r.mu.Unlock()
		w.WriteHeader(code)
		w.Write([]byte(`{"ok":true}`))
	}))
	t.Cleanup(r.Close)
	return r
}

func (r *receiver) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.requests)
}

func (r *receiver) last() receivedRequest {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.requests[len(r.requests)-1]
}

func (r *receiver) setStatus(code int) {
	r.mu.Lock()
	r.status = code
	r.mu.Unlock()
}

func queueOne(t *testing.T, f *fixture, webhookID string) *model.Delivery {
	t.Helper()
	if !f.enqueuer.QueueDelivery(context.Background(), webhookID, model.EventSubmissionCreated, "sub-1") {
		t.Fatal("expected delivery to be queued")
	}
	all := f.deliveries.all()
	return all[len(all)-1]
}

func TestNextRetryDelay(t *testing.T) {
	max := time.Hour
	tests := []struct {
		interval, before int
		want             time.Duration
	}{
		{60, 0, 60 * time.Second},
		{60, 1, 120 * time.Second},
		{60, 2, 240 * time.Second},
		{60, 6, time.Hour},
		{3600, 0, time.Hour},
		{1, 100, time.Hour},
	}
	for _, tt := range tests {
		if got := NextRetryDelay(tt.interval, tt.before, max); got != tt.want {
			t.Errorf("NextRetryDelay(%d, %d) = %s, want %s", tt.interval, tt.before, got, tt.want)
		}
	}
}

func TestProcessDue_BackoffUntilFailed(t *testing.T) {
	f := newFixture()
	rcv := newReceiver(t, http.StatusInternalServerError)
	f.addWebhook("wh-1", rcv.URL, nil)
	del := queueOne(t, f, "wh-1")
	ctx := context.Background()

	steps := []struct {
		attempt int
		status  model.DeliveryStatus
		delay   time.Duration
	}{
		{1, model.DeliveryScheduled, 60 * time.Second},
		{2, model.DeliveryScheduled, 120 * time.Second},
		{3, model.DeliveryFailed, 0},
	}
	for _, step := range steps {
		n, err := f.dispatcher.ProcessDue(ctx)
		if err != nil || n != 1 {
			t.Fatalf("attempt %d: claimed %d, err %v", step.attempt, n, err)
		}
		got, _ := f.deliveries.Get(ctx, del.ID)
		if got.AttemptCount != step.attempt || got.Status != step.status {
			t.Fatalf("attempt %d: got count=%d status=%s", step.attempt, got.AttemptCount, got.Status)
		}
		if got.StatusCode == nil || *got.StatusCode != 500 || got.ErrorMessage != "HTTP 500" {
			t.Errorf("attempt %d: failure not recorded: %+v", step.attempt, got)
		}
		if step.status == model.DeliveryFailed {
			if got.NextAttempt != nil {
				t.Errorf("failed delivery keeps nextAttempt %v", got.NextAttempt)
			}
			break
		}
		if want := f.clock.Add(step.delay); got.NextAttempt == nil || !got.NextAttempt.Equal(want) {
			t.Fatalf("attempt %d: nextAttempt = %v, want %v", step.attempt, got.NextAttempt, want)
		}

		// Not due yet.
		if n, _ := f.dispatcher.ProcessDue(ctx); n != 0 {
			t.Fatalf("attempt %d: claimed %d before nextAttempt", step.attempt, n)
		}
		f.clock = *got.NextAttempt
	}

	if rcv.count() != 3 {
		t.Errorf("expected 3 HTTP calls, got %d", rcv.count())
	}
	f.clock = f.clock.Add(24 * time.Hour)
	if n, _ := f.dispatcher.ProcessDue(ctx); n != 0 {
		t.Error("FAILED delivery was claimed again")
	}
}

func TestProcessDue_SuccessHeadersAndSignature(t *testing.T) {
	f := newFixture()
	rcv := newReceiver(t, http.StatusOK)
	f.addWebhook("wh-1", rcv.URL, func(wh *model.Webhook) {
		wh.SecretKey = "shh"
		wh.AuthType = model.AuthBasic
		wh.AuthValue = "user:pass"
	})
	del := queueOne(t, f, "wh-1")

	if _, err := f.dispatcher.ProcessDue(context.Background()); err != nil {
		t.Fatal(err)
	}
	got, _ := f.deliveries.Get(context.Background(), del.ID)
	if got.Status != model.DeliverySuccess || got.AttemptCount != 1 || got.ResponseBody != `{"ok":true}` {
		t.Fatalf("unexpected delivery: %+v", got)
	}
	if got.ResponseTimestamp == nil {
		t.Error("response timestamp not set")
	}

	req := rcv.last()
	if string(req.body) != string(del.RequestBody) {
		t.Errorf("sent body differs from stored payload")
	}
	checks := map[string]string{
		"Content-Type":           "application/json",
		"User-Agent":             "FormFlow-Webhooks/1.0",
		"X-Formflow-Event":       "SUBMISSION_CREATED",
		"X-Formflow-Delivery-Id": del.ID,
		"Authorization":          "Basic " + base64.StdEncoding.EncodeToString([]byte("user:pass")),
	}
	for k, want := range checks {
		if v := req.header.Get(k); v != want {
			t.Errorf("header %s = %q, want %q", k, v, want)
		}
	}
	if !VerifySignature(req.body, req.header.Get(SignatureHeader), "shh") {
		t.Error("scheduled delivery is not signed")
	}
}

func TestBuildDeliveryHeaders_AuthTypes(t *testing.T) {
	cfg := config.DefaultWebhookConfig()
	tests := []struct {
		auth        model.AuthType
		header, val string
	}{
		{model.AuthBearer, "Authorization", "Bearer tok"},
		{model.AuthAPIKey, "X-API-Key", "tok"},
		{model.AuthNone, "Authorization", ""},
	}
	for _, tt := range tests {
		h := BuildDeliveryHeaders(&model.Webhook{AuthType: tt.auth, AuthValue: "tok"}, "d1", model.EventFormPublished, []byte("{}"), cfg)
		if h[tt.header] != tt.val {
			t.Errorf("%s: %s = %q, want %q", tt.auth, tt.header, h[tt.header], tt.val)
		}
		if _, ok := h[SignatureHeader]; ok {
			t.Errorf("%s: signature without secret", tt.auth)
		}
	}
}

func TestProcessDue_IneligibleWebhookFailsFast(t *testing.T) {
	tests := []struct {
		name   string
		change func(f *fixture)
	}{
		{"deactivated", func(f *fixture) { f.webhooks.hooks["wh-1"].Active = false }},
		{"rejected", func(f *fixture) { f.webhooks.hooks["wh-1"].Approval = model.ApprovalRejected }},
		{"unsubscribed", func(f *fixture) { f.webhooks.hooks["wh-1"].EventTypes = []model.EventType{model.EventFormPublished} }},
		{"deleted", func(f *fixture) { delete(f.webhooks.hooks, "wh-1") }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture()
			rcv := newReceiver(t, http.StatusOK)
			f.addWebhook("wh-1", rcv.URL, nil)
			del := queueOne(t, f, "wh-1")
			tt.change(f)

			f.dispatcher.ProcessDue(context.Background())
			got, _ := f.deliveries.Get(context.Background(), del.ID)
			if got.Status != model.DeliveryFailed || got.ErrorMessage == "" {
				t.Errorf("expected FAILED with reason, got %s %q", got.Status, got.ErrorMessage)
			}
			if rcv.count() != 0 {
				t.Error("ineligible webhook was called")
			}
		})
	}
}

func TestProcessDue_NetworkErrorSchedulesRetry(t *testing.T) {
	f := newFixture()
	rcv := newReceiver(t, http.StatusOK)
	url := rcv.URL
	rcv.Close()
	f.addWebhook("wh-1", url, nil)
	del := queueOne(t, f, "wh-1")

	f.dispatcher.ProcessDue(context.Background())
	got, _ := f.deliveries.Get(context.Background(), del.ID)
	if got.Status != model.DeliveryScheduled || got.StatusCode != nil || got.ErrorMessage == "" {
		t.Errorf("expected SCHEDULED with transport error, got %+v", got)
	}
}

func TestProcessDue_ExpiredClaimIsRecovered(t *testing.T) {
	f := newFixture()
	rcv := newReceiver(t, http.StatusOK)
	f.addWebhook("wh-1", rcv.URL, nil)
	del := queueOne(t, f, "wh-1")

	// Simulate a dispatcher that claimed the row and died.
	claimed, _ := f.deliveries.ClaimDue(context.Background(), f.clock, 10, f.dispatcher.cfg.ClaimLease())
	if len(claimed) != 1 {
		t.Fatal("expected a claim")
	}
	if n, _ := f.dispatcher.ProcessDue(context.Background()); n != 0 {
		t.Fatal("live claim must not be taken over")
	}

	f.clock = f.clock.Add(f.dispatcher.cfg.ClaimLease() + time.Second)
	if n, _ := f.dispatcher.ProcessDue(context.Background()); n != 1 {
		t.Fatal("expired claim was not recovered")
	}
	got, _ := f.deliveries.Get(context.Background(), del.ID)
	if got.Status != model.DeliverySuccess || got.AttemptCount != 1 {
		t.Errorf("recovered attempt counted twice or not delivered: %+v", got)
	}
}

func TestRetryDelivery(t *testing.T) {
	f := newFixture()
	rcv := newReceiver(t, http.StatusBadGateway)
	f.addWebhook("wh-1", rcv.URL, func(wh *model.Webhook) { wh.RetryCount = 1 })
	del := queueOne(t, f, "wh-1")
	ctx := context.Background()

	// Not FAILED yet: rejected without change.
	_, err := f.dispatcher.RetryDelivery(ctx, del.ID)
	var appErr *AppError
	if !errors.As(err, &appErr) || appErr.Code != "INVALID_STATE" {
		t.Fatalf("expected INVALID_STATE, got %v", err)
	}
	if got, _ := f.deliveries.Get(ctx, del.ID); got.Status != model.DeliveryPending || got.AttemptCount != 0 {
		t.Fatalf("rejected retry changed state: %+v", got)
	}

	f.dispatcher.ProcessDue(ctx)
	if got, _ := f.deliveries.Get(ctx, del.ID); got.Status != model.DeliveryFailed {
		t.Fatalf("expected FAILED after single attempt, got %s", got.Status)
	}

	retried, err := f.dispatcher.RetryDelivery(ctx, del.ID)
	if err != nil {
		t.Fatalf("retry: %v", err)
	}
	if retried.Status != model.DeliveryScheduled || retried.NextAttempt == nil || !retried.NextAttempt.Equal(f.clock) {
		t.Fatalf("unexpected retried delivery: %+v", retried)
	}

	rcv.setStatus(http.StatusOK)
	f.dispatcher.ProcessDue(ctx)
	got, _ := f.deliveries.Get(ctx, del.ID)
	if got.Status != model.DeliverySuccess || got.AttemptCount != 2 {
		t.Errorf("expected SUCCESS on attempt 2, got %s attempt %d", got.Status, got.AttemptCount)
	}

	if _, err := f.dispatcher.RetryDelivery(ctx, "missing"); !errors.As(err, &appErr) || appErr.Code != "NOT_FOUND" {
		t.Errorf("expected NOT_FOUND, got %v", err)
	}
}

func TestTestSend_WritesOneRecord(t *testing.T) {
	for _, status := range []int{http.StatusOK, http.StatusInternalServerError} {
		f := newFixture()
		rcv := newReceiver(t, status)
		hook := f.addWebhook("wh-1", rcv.URL, func(wh *model.Webhook) {
			wh.RetryCount = 5
			wh.SecretKey = "shh"
			wh.Approval = model.ApprovalPending
		})

		del, err := f.dispatcher.TestSend(context.Background(), hook, model.EventSubmissionCreated)
		if err != nil {
			t.Fatalf("test send: %v", err)
		}
		all := f.deliveries.all()
		if len(all) != 1 || all[0].ID != del.ID || all[0].AttemptCount != 1 || all[0].NextAttempt != nil {
			t.Fatalf("expected exactly one record with attemptCount=1, got %+v", all)
		}
		wantStatus := model.DeliverySuccess
		if status != http.StatusOK {
			wantStatus = model.DeliveryFailed
		}
		if all[0].Status != wantStatus {
			t.Errorf("status %d: got %s, want %s", status, all[0].Status, wantStatus)
		}
		req := rcv.last()
		if !VerifySignature(req.body, req.header.Get(SignatureHeader), "shh") {
			t.Error("test send not signed")
		}
		if n, _ := f.dispatcher.ProcessDue(context.Background()); n != 0 {
			t.Error("test send record was picked up by the dispatcher")
		}
	}
}

func TestTestSend_InvalidEvent(t *testing.T) {
	f := newFixture()
	hook := f.addWebhook("wh-1", "http://example.invalid", nil)
	_, err := f.dispatcher.TestSend(context.Background(), hook, "NOPE")
	var appErr *AppError
	if !errors.As(err, &appErr) || appErr.Status != 422 {
		t.Fatalf("expected validation error, got %v", err)
	}
	if len(f.deliveries.all()) != 0 {
		t.Error("invalid test send wrote a record")
	}
}

func TestRunMaintenance(t *testing.T) {
	f := newFixture()
	calls := 0
	f.dispatcher.AddMaintenance("deliveries", func(ctx context.Context) (int64, error) {
		calls++
		return 3, nil
	})
	f.dispatcher.AddMaintenance("broken", func(ctx context.Context) (int64, error) {
		return 0, errors.New("boom")
	})
	f.dispatcher.RunMaintenance(context.Background())
	if calls != 1 {
		t.Errorf("expected 1 call, got %d", calls)
	}
}

func TestDispatcherStop_WaitsForInFlightTick(t *testing.T) {
	started := make(chan struct{}, 1)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		select {
		case started <- struct{}{}:
		default:
		}
		time.Sleep(200 * time.Millisecond)
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	f := newFixture()
	f.addWebhook("wh-slow", srv.URL, nil)
	del := queueOne(t, f, "wh-slow")

	f.dispatcher.cfg.TickIntervalSeconds = 1
	f.dispatcher.Start()
	select {
	case <-started:
	case <-time.After(5 * time.Second):
		f.dispatcher.Stop()
		t.Fatal("dispatcher never sent the delivery")
	}
	f.dispatcher.Stop()

	got, err := f.deliveries.Get(context.Background(), del.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.Status != model.DeliverySuccess {
		t.Errorf("Stop returned before the attempt was recorded: status %s", got.Status)
	}

	// A second Stop is a no-op.
	f.dispatcher.Stop()
}

func TestNewDispatcher_NormalizesIntervals(t *testing.T) {
	d := NewDispatcher(newMemWebhooks(), newMemDeliveries(), newMemForms(), config.WebhookConfig{})
	if d.cfg.TickInterval() <= 0 || d.cfg.CleanupInterval() <= 0 || d.cfg.BatchSize <= 0 {
		t.Fatalf("zero config not normalized: %+v", d.cfg)
	}
	d.Start()
	d.Stop()
}
