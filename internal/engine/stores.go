package engine

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"

	"formflow/internal/model"
	"formflow/internal/store"
)

// WebhookStore persists webhook subscriptions. Get returns store.ErrNotFound when absent.
type WebhookStore interface {
	Create(ctx context.Context, wh *model.Webhook) error
	Get(ctx context.Context, id string) (*model.Webhook, error)
	Update(ctx context.Context, wh *model.Webhook) error
	Delete(ctx context.Context, id string) error
	ListByForm(ctx context.Context, formID string) ([]*model.Webhook, error)
	List(ctx context.Context, approval model.ApprovalState) ([]*model.Webhook, error)
}

// AttemptOutcome is the state written back after one delivery attempt.
type AttemptOutcome struct {
	Status            model.DeliveryStatus
	StatusCode        *int
	ResponseBody      string
	ErrorMessage      string
	NextAttempt       *time.Time
	ResponseTimestamp *time.Time
}

// DeliveryFilter narrows a delivery log listing. Zero values mean no filter.
type DeliveryFilter struct {
	Status model.DeliveryStatus
	From   *time.Time
	To     *time.Time
	Page   int
	Limit  int
}

// DeliveryStore persists delivery records. Every state change is a single
// conditional statement so several dispatchers can share one table.
type DeliveryStore interface {
	Insert(ctx context.Context, d *model.Delivery) error
	Get(ctx context.Context, id string) (*model.Delivery, error)
	// ClaimDue moves up to limit due deliveries to IN_FLIGHT and returns them.
	// IN_FLIGHT rows whose claim is older than lease are reclaimed without
	// counting a new attempt.
	ClaimDue(ctx context.Context, now time.Time, limit int, lease time.Duration) ([]*model.Delivery, error)
	// CompleteAttempt records an outcome; false means the delivery was no longer IN_FLIGHT.
	CompleteAttempt(ctx context.Context, id string, out AttemptOutcome) (bool, error)
	// RequeueFailed moves a FAILED delivery to SCHEDULED due at now; false means it was not FAILED.
	RequeueFailed(ctx context.Context, id string, now time.Time) (bool, error)
	List(ctx context.Context, webhookID string, f DeliveryFilter) ([]*model.Delivery, int, error)
	CountByStatus(ctx context.Context, webhookID string, since time.Time) (map[model.DeliveryStatus]int, error)
	DeleteTerminalBefore(ctx context.Context, cutoff time.Time) (int64, error)
}

// FormSource reads the forms service tables. Missing rows return store.ErrNotFound.
type FormSource interface {
	GetForm(ctx context.Context, id string) (*model.Form, error)
	ListFields(ctx context.Context, formID string) ([]model.Field, error)
	GetSubmission(ctx context.Context, id string) (*model.Submission, error)
}

// --- webhooks ---

const webhookColumns = `id, form_id, url, active, auth_type, auth_value, secret_key, event_types,
	include_fields, exclude_fields, condition, retry_count, retry_interval, approval, admin_locked,
	admin_notes, deactivated_by_id, reviewed_by_id, reviewed_at, allowed_ip_addresses,
	created_by_id, created_at, updated_at`

// PgWebhookStore implements WebhookStore against the webhooks table.
type PgWebhookStore struct {
	DB store.Querier
}

func scanWebhook(row pgx.CollectableRow) (*model.Webhook, error) {
	var (
		wh                   model.Webhook
		events               []string
		deactivatedBy, revBy *string
	)
	err := row.Scan(&wh.ID, &wh.FormID, &wh.URL, &wh.Active, &wh.AuthType, &wh.AuthValue, &wh.SecretKey,
		&events, &wh.IncludeFields, &wh.ExcludeFields, &wh.Condition, &wh.RetryCount, &wh.RetryInterval,
		&wh.Approval, &wh.AdminLocked, &wh.AdminNotes, &deactivatedBy, &revBy, &wh.ReviewedAt,
		&wh.AllowedIPAddresses, &wh.CreatedByID, &wh.CreatedAt, &wh.UpdatedAt)
	if err != nil {
		return nil, err
	}
	wh.EventTypes = make([]model.EventType, len(events))
	for i, e := range events {
		wh.EventTypes[i] = model.EventType(e)
	}
	if deactivatedBy != nil {
		wh.DeactivatedByID = *deactivatedBy
	}
	if revBy != nil {
		wh.ReviewedByID = *revBy
	}
	return &wh, nil
}

func eventStrings(events []model.EventType) []string {
	out := make([]string, len(events))
	for i, e := range events {
		out[i] = string(e)
	}
	return out
}

func nonNil(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}

func nilIfEmpty(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func (s *PgWebhookStore) queryWebhooks(ctx context.Context, sql string, args ...any) ([]*model.Webhook, error) {
	rows, err := s.DB.Query(ctx, sql, args...)
	if err != nil {
		return nil, fmt.Errorf("query webhooks: %w", err)
	}
	hooks, err := pgx.CollectRows(rows, scanWebhook)
	if err != nil {
		return nil, fmt.Errorf("scan webhooks: %w", err)
	}
	return hooks, nil
}

func (s *PgWebhookStore) Create(ctx context.Context, wh *model.Webhook) error {
	_, err := s.DB.Exec(ctx,
		`INSERT INTO webhooks (id, form_id, url, active, auth_type, auth_value, secret_key, event_types,
		  include_fields, exclude_fields, condition, retry_count, retry_interval, approval, admin_locked,
		  admin_notes, deactivated_by_id, reviewed_by_id, reviewed_at, allowed_ip_addresses,
		  created_by_id, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18, $19, $20, $21, $22, $23)`,
		wh.ID, wh.FormID, wh.URL, wh.Active, string(wh.AuthType), wh.AuthValue, wh.SecretKey,
		eventStrings(wh.EventTypes), nonNil(wh.IncludeFields), nonNil(wh.ExcludeFields), wh.Condition,
		wh.RetryCount, wh.RetryInterval, string(wh.Approval), wh.AdminLocked, wh.AdminNotes,
		nilIfEmpty(wh.DeactivatedByID), nilIfEmpty(wh.ReviewedByID), wh.ReviewedAt,
		nonNil(wh.AllowedIPAddresses), wh.CreatedByID, wh.CreatedAt, wh.UpdatedAt)
	if err != nil {
		return fmt.Errorf("insert webhook: %w", store.MapError(err))
	}
	return nil
}

func (s *PgWebhookStore) Get(ctx context.Context, id string) (*model.Webhook, error) {
	hooks, err := s.queryWebhooks(ctx, `SELECT `+webhookColumns+` FROM webhooks WHERE id = $1`, id)
	if err != nil {
		return nil, err
	}
	if len(hooks) == 0 {
		return nil, store.ErrNotFound
	}
	return hooks[0], nil
}

func (s *PgWebhookStore) Update(ctx context.Context, wh *model.Webhook) error {
	n, err := store.Exec(ctx, s.DB,
		`UPDATE webhooks SET url = $1, active = $2, auth_type = $3, auth_value = $4, secret_key = $5,
		  event_types = $6, include_fields = $7, exclude_fields = $8, condition = $9, retry_count = $10,
		  retry_interval = $11, approval = $12, admin_locked = $13, admin_notes = $14,
		  deactivated_by_id = $15, reviewed_by_id = $16, reviewed_at = $17, allowed_ip_addresses = $18,
		  updated_at = $19
		 WHERE id = $20`,
		wh.URL, wh.Active, string(wh.AuthType), wh.AuthValue, wh.SecretKey,
		eventStrings(wh.EventTypes), nonNil(wh.IncludeFields), nonNil(wh.ExcludeFields), wh.Condition,
		wh.RetryCount, wh.RetryInterval, string(wh.Approval), wh.AdminLocked, wh.AdminNotes,
		nilIfEmpty(wh.DeactivatedByID), nilIfEmpty(wh.ReviewedByID), wh.ReviewedAt,
		nonNil(wh.AllowedIPAddresses), wh.UpdatedAt, wh.ID)
	if err != nil {
		return fmt.Errorf("update webhook: %w", err)
	}
	if n == 0 {
		return store.ErrNotFound
	}
	return nil
}

func (s *PgWebhookStore) Delete(ctx context.Context, id string) error {
	n, err := store.Exec(ctx, s.DB, `DELETE FROM webhooks WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("delete webhook: %w", err)
	}
	if n == 0 {
		return store.ErrNotFound
	}
	return nil
}

func (s *PgWebhookStore) ListByForm(ctx context.Context, formID string) ([]*model.Webhook, error) {
	return s.queryWebhooks(ctx,
		`SELECT `+webhookColumns+` FROM webhooks WHERE form_id = $1 ORDER BY created_at DESC`, formID)
}

// List returns all webhooks, or only those in one approval state when approval is set.
func (s *PgWebhookStore) List(ctx context.Context, approval model.ApprovalState) ([]*model.Webhook, error) {
	if approval == "" {
		return s.queryWebhooks(ctx, `SELECT `+webhookColumns+` FROM webhooks ORDER BY created_at DESC`)
	}
	return s.queryWebhooks(ctx,
		`SELECT `+webhookColumns+` FROM webhooks WHERE approval = $1 ORDER BY created_at ASC`, string(approval))
}

// --- deliveries ---

const deliveryColumns = `id, webhook_id, submission_id, event_type, status, request_body::text, response_body,
	status_code, error_message, attempt_count, next_attempt, claimed_at, request_timestamp,
	response_timestamp, created_at, updated_at`

// PgDeliveryStore implements DeliveryStore against webhook_deliveries.
type PgDeliveryStore struct {
	DB store.Querier
}

func scanDelivery(row pgx.CollectableRow) (*model.Delivery, error) {
	var (
		d            model.Delivery
		submissionID *string
		body         string
	)
	err := row.Scan(&d.ID, &d.WebhookID, &submissionID, &d.EventType, &d.Status, &body, &d.ResponseBody,
		&d.StatusCode, &d.ErrorMessage, &d.AttemptCount, &d.NextAttempt, &d.ClaimedAt, &d.RequestTimestamp,
		&d.ResponseTimestamp, &d.CreatedAt, &d.UpdatedAt)
	if err != nil {
		return nil, err
	}
	if submissionID != nil {
		d.SubmissionID = *submissionID
	}
	d.RequestBody = []byte(body)
	return &d, nil
}

func (s *PgDeliveryStore) queryDeliveries(ctx context.Context, sql string, args ...any) ([]*model.Delivery, error) {
	rows, err := s.DB.Query(ctx, sql, args...)
	if err != nil {
		return nil, fmt.Errorf("query deliveries: %w", err)
	}
	out, err := pgx.CollectRows(rows, scanDelivery)
	if err != nil {
		return nil, fmt.Errorf("scan deliveries: %w", err)
	}
	return out, nil
}

func (s *PgDeliveryStore) Insert(ctx context.Context, d *model.Delivery) error {
	_, err := s.DB.Exec(ctx,
		`INSERT INTO webhook_deliveries (id, webhook_id, submission_id, event_type, status, request_body,
		  response_body, status_code, error_message, attempt_count, next_attempt, request_timestamp,
		  response_timestamp, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6::jsonb, $7, $8, $9, $10, $11, $12, $13, $14, $15)`,
		d.ID, d.WebhookID, nilIfEmpty(d.SubmissionID), string(d.EventType), string(d.Status), string(d.RequestBody),
		d.ResponseBody, d.StatusCode, d.ErrorMessage, d.AttemptCount, d.NextAttempt, d.RequestTimestamp,
		d.ResponseTimestamp, d.CreatedAt, d.UpdatedAt)
	if err != nil {
		return fmt.Errorf("insert delivery: %w", store.MapError(err))
	}
	return nil
}

func (s *PgDeliveryStore) Get(ctx context.Context, id string) (*model.Delivery, error) {
	out, err := s.queryDeliveries(ctx, `SELECT `+deliveryColumns+` FROM webhook_deliveries WHERE id = $1`, id)
	if err != nil {
		return nil, err
	}
	if len(out) == 0 {
		return nil, store.ErrNotFound
	}
	return out[0], nil
}

func (s *PgDeliveryStore) ClaimDue(ctx context.Context, now time.Time, limit int, lease time.Duration) ([]*model.Delivery, error) {
	return s.queryDeliveries(ctx,
		`UPDATE webhook_deliveries d
		 SET attempt_count = CASE WHEN d.status = 'IN_FLIGHT' THEN d.attempt_count ELSE d.attempt_count + 1 END,
		     status = 'IN_FLIGHT', claimed_at = $1, updated_at = $1
		 WHERE d.id IN (
		     SELECT id FROM webhook_deliveries
		     WHERE (status IN ('PENDING', 'SCHEDULED') AND next_attempt <= $1)
		        OR (status = 'IN_FLIGHT' AND claimed_at < $2)
		     ORDER BY next_attempt ASC NULLS FIRST, created_at ASC
		     LIMIT $3
		     FOR UPDATE SKIP LOCKED)
		 RETURNING `+prefixColumns("d", deliveryColumns),
		now, now.Add(-lease), limit)
}

// prefixColumns qualifies each column of a list with alias.
func prefixColumns(alias, columns string) string {
	parts := strings.Split(columns, ",")
	for i, p := range parts {
		parts[i] = alias + "." + strings.TrimSpace(p)
	}
	return strings.Join(parts, ", ")
}

func (s *PgDeliveryStore) CompleteAttempt(ctx context.Context, id string, out AttemptOutcome) (bool, error) {
	n, err := store.Exec(ctx, s.DB,
		`UPDATE webhook_deliveries
		 SET status = $1, status_code = $2, response_body = $3, error_message = $4, next_attempt = $5,
		     response_timestamp = $6, claimed_at = NULL, updated_at = NOW()
		 WHERE id = $7 AND status = 'IN_FLIGHT'`,
		string(out.Status), out.StatusCode, out.ResponseBody, out.ErrorMessage, out.NextAttempt,
		out.ResponseTimestamp, id)
	if err != nil {
		return false, fmt.Errorf("complete delivery attempt: %w", err)
	}
	return n == 1, nil
}

func (s *PgDeliveryStore) RequeueFailed(ctx context.Context, id string, now time.Time) (bool, error) {
	n, err := store.Exec(ctx, s.DB,
		`UPDATE webhook_deliveries SET status = 'SCHEDULED', next_attempt = $1, updated_at = $1
		 WHERE id = $2 AND status = 'FAILED'`, now, id)
	if err != nil {
		return false, fmt.Errorf("requeue delivery: %w", err)
	}
	return n == 1, nil
}

func deliveryWhere(webhookID string, f DeliveryFilter, pb *store.ParamBuilder) string {
	clauses := []string{"webhook_id = " + pb.Add(webhookID)}
	if f.Status != "" {
		clauses = append(clauses, "status = "+pb.Add(string(f.Status)))
	}
	if f.From != nil {
		clauses = append(clauses, "request_timestamp >= "+pb.Add(*f.From))
	}
	if f.To != nil {
		clauses = append(clauses, "request_timestamp <= "+pb.Add(*f.To))
	}
	return strings.Join(clauses, " AND ")
}

func (s *PgDeliveryStore) List(ctx context.Context, webhookID string, f DeliveryFilter) ([]*model.Delivery, int, error) {
	pb := store.NewParamBuilder()
	where := deliveryWhere(webhookID, f, pb)

	var total int
	if err := s.DB.QueryRow(ctx, `SELECT COUNT(*) FROM webhook_deliveries WHERE `+where, pb.Params()...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("count deliveries: %w", err)
	}

	sql := fmt.Sprintf(`SELECT %s FROM webhook_deliveries WHERE %s
		 ORDER BY request_timestamp DESC, id DESC LIMIT %s OFFSET %s`,
		deliveryColumns, where, pb.Add(f.Limit), pb.Add((f.Page-1)*f.Limit))
	out, err := s.queryDeliveries(ctx, sql, pb.Params()...)
	if err != nil {
		return nil, 0, err
	}
	return out, total, nil
}

func (s *PgDeliveryStore) CountByStatus(ctx context.Context, webhookID string, since time.Time) (map[model.DeliveryStatus]int, error) {
	rows, err := s.DB.Query(ctx,
		`SELECT status, COUNT(*) FROM webhook_deliveries
		 WHERE webhook_id = $1 AND request_timestamp >= $2
		 GROUP BY status`, webhookID, since)
	if err != nil {
		return nil, fmt.Errorf("count deliveries by status: %w", err)
	}
	defer rows.Close()

	counts := map[model.DeliveryStatus]int{}
	for rows.Next() {
		var status string
		var n int
		if err := rows.Scan(&status, &n); err != nil {
			return nil, fmt.Errorf("scan delivery count: %w", err)
		}
		counts[model.DeliveryStatus(status)] = n
	}
	return counts, rows.Err()
}

func (s *PgDeliveryStore) DeleteTerminalBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	n, err := store.Exec(ctx, s.DB,
		`DELETE FROM webhook_deliveries
		 WHERE request_timestamp < $1 AND status IN ('SUCCESS', 'FAILED')`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("delete old deliveries: %w", err)
	}
	return n, nil
}

// --- forms ---

// PgFormSource reads forms, fields and submissions owned by the forms service.
type PgFormSource struct {
	DB store.Querier
}

func (s *PgFormSource) GetForm(ctx context.Context, id string) (*model.Form, error) {
	var f model.Form
	err := s.DB.QueryRow(ctx,
		`SELECT id, client_id, owner_id, title, description, published, created_at, updated_at
		 FROM forms WHERE id = $1`, id).
		Scan(&f.ID, &f.ClientID, &f.OwnerID, &f.Title, &f.Description, &f.Published, &f.CreatedAt, &f.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, store.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("load form: %w", err)
	}
	return &f, nil
}

func (s *PgFormSource) ListFields(ctx context.Context, formID string) ([]model.Field, error) {
	rows, err := s.DB.Query(ctx,
		`SELECT id, form_id, identifier, label, type FROM form_fields
		 WHERE form_id = $1 ORDER BY position, identifier`, formID)
	if err != nil {
		return nil, fmt.Errorf("query form fields: %w", err)
	}
	fields, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (model.Field, error) {
		var f model.Field
		err := row.Scan(&f.ID, &f.FormID, &f.Identifier, &f.Label, &f.Type)
		return f, err
	})
	if err != nil {
		return nil, fmt.Errorf("scan form fields: %w", err)
	}
	return fields, nil
}

func (s *PgFormSource) GetSubmission(ctx context.Context, id string) (*model.Submission, error) {
	var sub model.Submission
	err := s.DB.QueryRow(ctx,
		`SELECT id, form_id, status, data, created_at, updated_at FROM submissions WHERE id = $1`, id).
		Scan(&sub.ID, &sub.FormID, &sub.Status, &sub.Data, &sub.CreatedAt, &sub.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, store.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("load submission: %w", err)
	}
	return &sub, nil
}
