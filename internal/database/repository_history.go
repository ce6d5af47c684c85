package database

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// AppendHistory writes one audit row. History is append-only; there are no
// update or delete paths.
func (r *Repository) AppendHistory(ctx context.Context, entry *ApplicationHistory) error {
	if entry.ID == "" {
		entry.ID = uuid.New().String()
	}
	if entry.Timestamp.IsZero() {
		entry.Timestamp = time.Now()
	}

	query := `
	INSERT INTO application_history (id, owner_id, app_key, action, changed_by,
		previous_status, new_status, reason, timestamp)
	VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
	`

	_, err := r.db.Pool.Exec(ctx, query,
		entry.ID,
		entry.OwnerID,
		entry.AppKey,
		entry.Action,
		entry.ChangedBy,
		entry.PreviousStatus,
		entry.NewStatus,
		entry.Reason,
		entry.Timestamp,
	)
	if err != nil {
		return fmt.Errorf("failed to append history: %w", err)
	}

	return nil
}

// GetHistory returns all transition rows for one application, oldest first.
func (r *Repository) GetHistory(ctx context.Context, ownerID, appKey string) ([]ApplicationHistory, error) {
	query := `
	SELECT id, owner_id, app_key, action, changed_by, previous_status, new_status,
	       COALESCE(reason, ''), timestamp
	FROM application_history
	WHERE owner_id = $1 AND app_key = $2
	ORDER BY timestamp ASC
	`

	rows, err := r.db.Pool.Query(ctx, query, ownerID, appKey)
	if err != nil {
		return nil, fmt.Errorf("failed to get history: %w", err)
	}
	defer rows.Close()

	var entries []ApplicationHistory
	for rows.Next() {
		var e ApplicationHistory
		err := rows.Scan(&e.ID, &e.OwnerID, &e.AppKey, &e.Action, &e.ChangedBy,
			&e.PreviousStatus, &e.NewStatus, &e.Reason, &e.Timestamp)
		if err != nil {
			return nil, fmt.Errorf("failed to scan history entry: %w", err)
		}
		entries = append(entries, e)
	}

	return entries, rows.Err()
}
