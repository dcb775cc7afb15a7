package instrument

import (
	"context"
	"fmt"

	"formflow/internal/store"
)

// CleanupOldEvents deletes events older than retentionDays from the _events table
// and returns how many rows were removed.
func CleanupOldEvents(ctx context.Context, q store.Querier, retentionDays int) (int64, error) {
	if retentionDays <= 0 {
		return 0, nil
	}
	n, err := store.Exec(ctx, q,
		`DELETE FROM _events WHERE created_at < now() - ($1 || ' days')::interval`,
		fmt.Sprintf("%d", retentionDays))
	if err != nil {
		return 0, fmt.Errorf("event cleanup: %w", err)
	}
	return n, nil
}
