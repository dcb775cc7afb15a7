package instrument

import (
	"fmt"
	"math"
	"strings"

	"github.com/gofiber/fiber/v2"

	"formflow/internal/store"
)

const eventSelectColumns = `id, trace_id, span_id, parent_span_id, event_type, source, component, action,
	entity, record_id, user_id, duration_ms, status, metadata, created_at`

// EventHandler lets administrators inspect recorded spans, e.g. every dispatch
// attempt for one webhook.
type EventHandler struct {
	db store.Querier
}

func NewEventHandler(db store.Querier) *EventHandler {
	return &EventHandler{db: db}
}

// List handles GET /api/_admin/events?source&component&action&entity&record_id&status
func (h *EventHandler) List(c *fiber.Ctx) error {
	pb := store.NewParamBuilder()
	var conditions []string
	for _, col := range []string{"source", "component", "action", "entity", "record_id", "status", "event_type"} {
		if v := c.Query(col); v != "" {
			conditions = append(conditions, col+" = "+pb.Add(v))
		}
	}
	where := ""
	if len(conditions) > 0 {
		where = " WHERE " + strings.Join(conditions, " AND ")
	}

	page := c.QueryInt("page", 1)
	if page < 1 {
		page = 1
	}
	perPage := c.QueryInt("per_page", 50)
	if perPage < 1 || perPage > 200 {
		perPage = 50
	}

	countRow, err := store.QueryRow(c.UserContext(), h.db, "SELECT COUNT(*) AS count FROM _events"+where, pb.Params()...)
	if err != nil {
		return fmt.Errorf("count events: %w", err)
	}
	total, _ := countRow["count"].(int64)

	sql := fmt.Sprintf("SELECT %s FROM _events%s ORDER BY created_at DESC LIMIT %s OFFSET %s",
		eventSelectColumns, where, pb.Add(perPage), pb.Add((page-1)*perPage))
	rows, err := store.QueryRows(c.UserContext(), h.db, sql, pb.Params()...)
	if err != nil {
		return fmt.Errorf("list events: %w", err)
	}
	if rows == nil {
		rows = []map[string]any{}
	}

	return c.JSON(fiber.Map{
		"data": rows,
		"meta": fiber.Map{
			"page":        page,
			"per_page":    perPage,
			"total":       total,
			"total_pages": int(math.Ceil(float64(total) / float64(perPage))),
		},
	})
}

// GetTrace handles GET /api/_admin/events/trace/:traceId and returns the spans
// of one trace with their children nested.
func (h *EventHandler) GetTrace(c *fiber.Ctx) error {
	traceID := c.Params("traceId")
	rows, err := store.QueryRows(c.UserContext(), h.db,
		"SELECT "+eventSelectColumns+" FROM _events WHERE trace_id::text = $1 ORDER BY created_at ASC", traceID)
	if err != nil {
		return fmt.Errorf("get trace: %w", err)
	}
	if len(rows) == 0 {
		return c.Status(404).JSON(fiber.Map{"error": fiber.Map{"code": "NOT_FOUND", "message": "Trace not found: " + traceID}})
	}

	root := BuildSpanTree(rows)
	var total any
	if root != nil {
		total = root["duration_ms"]
	}
	return c.JSON(fiber.Map{
		"data": fiber.Map{
			"trace_id":          traceID,
			"root_span":         root,
			"span_count":        len(rows),
			"total_duration_ms": total,
		},
	})
}

// BuildSpanTree attaches each span to its parent under "children" and returns
// the root. Without an explicit root the earliest span is used.
func BuildSpanTree(rows []map[string]any) map[string]any {
	byID := make(map[string]map[string]any, len(rows))
	for _, row := range rows {
		row["children"] = []map[string]any{}
		if id, ok := row["span_id"].(string); ok {
			byID[id] = row
		}
	}

	var root map[string]any
	for _, row := range rows {
		parentID, _ := row["parent_span_id"].(string)
		if parent, ok := byID[parentID]; ok && parentID != "" {
			parent["children"] = append(parent["children"].([]map[string]any), row)
			continue
		}
		if root == nil {
			root = row
		}
	}
	if root == nil && len(rows) > 0 {
		root = rows[0]
	}
	return root
}

func RegisterEventRoutes(app *fiber.App, h *EventHandler, authMW, adminMW fiber.Handler) {
	events := app.Group("/api/_admin/events", authMW, adminMW)
	events.Get("/", h.List)
	events.Get("/trace/:traceId", h.GetTrace)
}
