package store

import (
	"context"
	"fmt"
)

// collaboratorTablesSQL mirrors the forms service schema so the webhook engine can
// run standalone. In a shared database the statements are no-ops.
const collaboratorTablesSQL = `
CREATE TABLE IF NOT EXISTS forms (
    id          TEXT PRIMARY KEY,
    client_id   TEXT NOT NULL,
    owner_id    TEXT NOT NULL,
    title       TEXT NOT NULL DEFAULT '',
    description TEXT NOT NULL DEFAULT '',
    published   BOOLEAN NOT NULL DEFAULT false,
    created_at  TIMESTAMPTZ NOT NULL DEFAULT NOW(),
    updated_at  TIMESTAMPTZ NOT NULL DEFAULT NOW()
);

CREATE TABLE IF NOT EXISTS form_fields (
    id         TEXT PRIMARY KEY,
    form_id    TEXT NOT NULL REFERENCES forms(id) ON DELETE CASCADE,
    identifier TEXT NOT NULL,
    label      TEXT NOT NULL DEFAULT '',
    type       TEXT NOT NULL DEFAULT 'text',
    position   INT NOT NULL DEFAULT 0,
    UNIQUE(form_id, identifier)
);

CREATE TABLE IF NOT EXISTS submissions (
    id         TEXT PRIMARY KEY,
    form_id    TEXT NOT NULL REFERENCES forms(id) ON DELETE CASCADE,
    status     TEXT NOT NULL DEFAULT 'COMPLETED',
    data       JSONB NOT NULL DEFAULT '{}',
    created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
    updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
);
`

// webhookTablesSQL is the schema owned by the webhook engine. Deliveries keep no
// foreign key to webhooks: logs outlive their webhook until retention cleanup.
const webhookTablesSQL = `
CREATE TABLE IF NOT EXISTS webhooks (
    id                   TEXT PRIMARY KEY,
    form_id              TEXT NOT NULL REFERENCES forms(id) ON DELETE CASCADE,
    url                  TEXT NOT NULL,
    active               BOOLEAN NOT NULL DEFAULT true,
    auth_type            TEXT NOT NULL DEFAULT 'NONE',
    auth_value           TEXT NOT NULL DEFAULT '',
    secret_key           TEXT NOT NULL DEFAULT '',
    event_types          TEXT[] NOT NULL DEFAULT '{}',
    include_fields       TEXT[] NOT NULL DEFAULT '{}',
    exclude_fields       TEXT[] NOT NULL DEFAULT '{}',
    condition            TEXT NOT NULL DEFAULT '',
    retry_count          INT NOT NULL DEFAULT 3,
    retry_interval       INT NOT NULL DEFAULT 60,
    approval             TEXT NOT NULL DEFAULT 'PENDING'
                         CHECK (approval IN ('PENDING', 'APPROVED', 'REJECTED')),
    admin_locked         BOOLEAN NOT NULL DEFAULT false,
    admin_notes          TEXT NOT NULL DEFAULT '',
    deactivated_by_id    TEXT,
    reviewed_by_id       TEXT,
    reviewed_at          TIMESTAMPTZ,
    allowed_ip_addresses TEXT[] NOT NULL DEFAULT '{}',
    created_by_id        TEXT NOT NULL,
    created_at           TIMESTAMPTZ NOT NULL DEFAULT NOW(),
    updated_at           TIMESTAMPTZ NOT NULL DEFAULT NOW()
);
CREATE INDEX IF NOT EXISTS idx_webhooks_form ON webhooks(form_id);
CREATE INDEX IF NOT EXISTS idx_webhooks_approval ON webhooks(approval);

CREATE TABLE IF NOT EXISTS webhook_deliveries (
    id                 TEXT PRIMARY KEY,
    webhook_id         TEXT NOT NULL,
    submission_id      TEXT,
    event_type         TEXT NOT NULL,
    status             TEXT NOT NULL DEFAULT 'PENDING'
                       CHECK (status IN ('PENDING', 'IN_FLIGHT', 'SCHEDULED', 'SUCCESS', 'FAILED')),
    request_body       JSONB NOT NULL DEFAULT '{}',
    response_body      TEXT NOT NULL DEFAULT '',
    status_code        INT,
    error_message      TEXT NOT NULL DEFAULT '',
    attempt_count      INT NOT NULL DEFAULT 0 CHECK (attempt_count >= 0),
    next_attempt       TIMESTAMPTZ,
    claimed_at         TIMESTAMPTZ,
    request_timestamp  TIMESTAMPTZ NOT NULL DEFAULT NOW(),
    response_timestamp TIMESTAMPTZ,
    created_at         TIMESTAMPTZ NOT NULL DEFAULT NOW(),
    updated_at         TIMESTAMPTZ NOT NULL DEFAULT NOW()
);
CREATE INDEX IF NOT EXISTS idx_webhook_deliveries_webhook ON webhook_deliveries(webhook_id, request_timestamp DESC);
CREATE INDEX IF NOT EXISTS idx_webhook_deliveries_due ON webhook_deliveries(next_attempt)
    WHERE status IN ('PENDING', 'SCHEDULED');
CREATE INDEX IF NOT EXISTS idx_webhook_deliveries_inflight ON webhook_deliveries(claimed_at)
    WHERE status = 'IN_FLIGHT';
`

const eventTablesSQL = `
CREATE TABLE IF NOT EXISTS _events (
    id              UUID PRIMARY KEY DEFAULT gen_random_uuid(),
    trace_id        UUID NOT NULL,
    span_id         UUID NOT NULL,
    parent_span_id  UUID,
    event_type      TEXT NOT NULL,
    source          TEXT NOT NULL,
    component       TEXT NOT NULL,
    action          TEXT NOT NULL,
    entity          TEXT,
    record_id       TEXT,
    user_id         TEXT,
    duration_ms     DOUBLE PRECISION,
    status          TEXT,
    metadata        JSONB,
    created_at      TIMESTAMPTZ NOT NULL DEFAULT now()
);
CREATE INDEX IF NOT EXISTS idx_events_trace ON _events (trace_id);
CREATE INDEX IF NOT EXISTS idx_events_created ON _events (created_at DESC);
`

// Bootstrap creates every table the service reads or writes.
func (s *Store) Bootstrap(ctx context.Context) error {
	if _, err := s.Pool.Exec(ctx, collaboratorTablesSQL); err != nil {
		return fmt.Errorf("bootstrap form tables: %w", err)
	}
	if _, err := s.Pool.Exec(ctx, webhookTablesSQL); err != nil {
		return fmt.Errorf("bootstrap webhook tables: %w", err)
	}
	if _, err := s.Pool.Exec(ctx, eventTablesSQL); err != nil {
		return fmt.Errorf("bootstrap event tables: %w", err)
	}
	return nil
}
