package engine

import (
	"context"
	"math"
	"time"

	"formflow/internal/model"
)

const (
	defaultPageLimit = 20
	maxPageLimit     = 100
	defaultStatsDays = 7
)

type PageMeta struct {
	Page       int  `json:"page"`
	Limit      int  `json:"limit"`
	Total      int  `json:"total"`
	TotalPages int  `json:"total_pages"`
	HasNext    bool `json:"has_next"`
	HasPrev    bool `json:"has_prev"`
}

type DeliveryPage struct {
	Data []*model.Delivery `json:"data"`
	Meta PageMeta          `json:"meta"`
}

type DeliveryStats struct {
	WebhookID   string                       `json:"webhook_id"`
	Days        int                          `json:"days"`
	Total       int                          `json:"total"`
	ByStatus    map[model.DeliveryStatus]int `json:"by_status"`
	SuccessRate float64                      `json:"success_rate"`
}

// DeliveryLog is the read side of webhook_deliveries plus retention cleanup.
type DeliveryLog struct {
	deliveries DeliveryStore
	now        func() time.Time
}

func NewDeliveryLog(deliveries DeliveryStore) *DeliveryLog {
	return &DeliveryLog{deliveries: deliveries, now: time.Now}
}

// List returns one page of a webhook's deliveries, newest first.
func (l *DeliveryLog) List(ctx context.Context, webhookID string, f DeliveryFilter) (*DeliveryPage, error) {
	if f.Status != "" && !f.Status.Valid() {
		return nil, ValidationError([]ErrorDetail{{Field: "status", Rule: "enum", Message: "unknown delivery status " + string(f.Status)}})
	}
	if f.Page < 1 {
		f.Page = 1
	}
	if f.Limit < 1 {
		f.Limit = defaultPageLimit
	}
	if f.Limit > maxPageLimit {
		f.Limit = maxPageLimit
	}

	rows, total, err := l.deliveries.List(ctx, webhookID, f)
	if err != nil {
		return nil, err
	}
	if rows == nil {
		rows = []*model.Delivery{}
	}

	totalPages := int(math.Ceil(float64(total) / float64(f.Limit)))
	return &DeliveryPage{
		Data: rows,
		Meta: PageMeta{
			Page:       f.Page,
			Limit:      f.Limit,
			Total:      total,
			TotalPages: totalPages,
			HasNext:    f.Page < totalPages,
			HasPrev:    f.Page > 1,
		},
	}, nil
}

func (l *DeliveryLog) Get(ctx context.Context, id string) (*model.Delivery, error) {
	d, err := l.deliveries.Get(ctx, id)
	if err != nil {
		return nil, notFoundOr(err, "delivery", id)
	}
	return d, nil
}

// Stats counts a webhook's deliveries over the last days days.
func (l *DeliveryLog) Stats(ctx context.Context, webhookID string, days int) (*DeliveryStats, error) {
	if days < 1 {
		days = defaultStatsDays
	}
	counts, err := l.deliveries.CountByStatus(ctx, webhookID, l.now().AddDate(0, 0, -days))
	if err != nil {
		return nil, err
	}

	stats := &DeliveryStats{WebhookID: webhookID, Days: days, ByStatus: map[model.DeliveryStatus]int{}}
	for _, s := range model.AllDeliveryStatuses {
		stats.ByStatus[s] = counts[s]
		stats.Total += counts[s]
	}
	if stats.Total > 0 {
		stats.SuccessRate = float64(counts[model.DeliverySuccess]) / float64(stats.Total)
	}
	return stats, nil
}

// Cleanup deletes finished deliveries requested more than olderThan ago.
// Queued and in-flight work is never removed.
func (l *DeliveryLog) Cleanup(ctx context.Context, olderThan time.Duration) (int64, error) {
	return l.deliveries.DeleteTerminalBefore(ctx, l.now().Add(-olderThan))
}
