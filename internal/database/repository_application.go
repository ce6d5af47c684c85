package database

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
)

const applicationColumns = `
	id, owner_id, app_key, ea_name, account_number, broker, email,
	COALESCE(x_account, ''), status, applied_at, updated_at, approved_at,
	expiry_date, COALESCE(license_key, ''), license_issued_at,
	notification_scheduled_at, COALESCE(integration_test_id, ''),
	failure_count, COALESCE(last_failure_reason, ''), last_failed_at`

func scanApplication(row pgx.Row) (*Application, error) {
	var app Application
	err := row.Scan(
		&app.ID,
		&app.OwnerID,
		&app.AppKey,
		&app.EAName,
		&app.AccountNumber,
		&app.Broker,
		&app.Email,
		&app.XAccount,
		&app.Status,
		&app.AppliedAt,
		&app.UpdatedAt,
		&app.ApprovedAt,
		&app.ExpiryDate,
		&app.LicenseKey,
		&app.LicenseIssuedAt,
		&app.NotificationScheduledAt,
		&app.IntegrationTestID,
		&app.FailureCount,
		&app.LastFailureReason,
		&app.LastFailedAt,
	)
	if err != nil {
		return nil, err
	}
	return &app, nil
}

// CreateApplication inserts a new application record.
func (r *Repository) CreateApplication(ctx context.Context, app *Application) error {
	if app.ID == "" {
		app.ID = uuid.New().String()
	}
	app.UpdatedAt = time.Now()

	query := `
	INSERT INTO applications (id, owner_id, app_key, ea_name, account_number, broker, email,
		x_account, status, applied_at, updated_at, integration_test_id, failure_count)
	VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, 0)
	`

	_, err := r.db.Pool.Exec(ctx, query,
		app.ID,
		app.OwnerID,
		app.AppKey,
		app.EAName,
		app.AccountNumber,
		app.Broker,
		app.Email,
		app.XAccount,
		app.Status,
		app.AppliedAt,
		app.UpdatedAt,
		app.IntegrationTestID,
	)
	if err != nil {
		return fmt.Errorf("failed to create application: %w", err)
	}

	return nil
}

// GetApplication retrieves one application by owner and composite key.
// Returns nil without error when no record exists.
func (r *Repository) GetApplication(ctx context.Context, ownerID, appKey string) (*Application, error) {
	query := fmt.Sprintf(`SELECT %s FROM applications WHERE owner_id = $1 AND app_key = $2`, applicationColumns)

	app, err := scanApplication(r.db.Pool.QueryRow(ctx, query, ownerID, appKey))
	if err == pgx.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get application: %w", err)
	}

	return app, nil
}

// ListApplicationsByOwner returns all applications for one owner, newest first.
func (r *Repository) ListApplicationsByOwner(ctx context.Context, ownerID string) ([]Application, error) {
	query := fmt.Sprintf(`SELECT %s FROM applications WHERE owner_id = $1 ORDER BY applied_at DESC`, applicationColumns)

	rows, err := r.db.Pool.Query(ctx, query, ownerID)
	if err != nil {
		return nil, fmt.Errorf("failed to list applications: %w", err)
	}
	defer rows.Close()

	return collectApplications(rows)
}

// ListApplicationsByStatus returns applications in the given status across
// all owners, with pagination.
func (r *Repository) ListApplicationsByStatus(ctx context.Context, status Status, limit, offset int) ([]Application, int, error) {
	var total int
	if err := r.db.Pool.QueryRow(ctx, `SELECT COUNT(*) FROM applications WHERE status = $1`, status).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("failed to count applications: %w", err)
	}

	query := fmt.Sprintf(`
	SELECT %s FROM applications
	WHERE status = $1
	ORDER BY applied_at DESC
	LIMIT $2 OFFSET $3`, applicationColumns)

	rows, err := r.db.Pool.Query(ctx, query, status, limit, offset)
	if err != nil {
		return nil, 0, fmt.Errorf("failed to list applications by status: %w", err)
	}
	defer rows.Close()

	apps, err := collectApplications(rows)
	if err != nil {
		return nil, 0, err
	}
	return apps, total, nil
}

func collectApplications(rows pgx.Rows) ([]Application, error) {
	var apps []Application
	for rows.Next() {
		app, err := scanApplication(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan application: %w", err)
		}
		apps = append(apps, *app)
	}
	return apps, rows.Err()
}

// The transition methods below are conditional writes: the guard on the
// current status is part of the UPDATE itself, so at most one of two
// concurrent transitions can win. A false return means the guard failed.

// ApproveApplication moves PENDING to AWAITING_NOTIFICATION.
func (r *Repository) ApproveApplication(ctx context.Context, ownerID, appKey string, approvedAt, expiry, scheduledAt time.Time) (bool, error) {
	tag, err := r.db.Pool.Exec(ctx, `
	UPDATE applications
	SET status = $4, approved_at = $5, expiry_date = $6,
	    notification_scheduled_at = $7, updated_at = $5
	WHERE owner_id = $1 AND app_key = $2 AND status = $3`,
		ownerID, appKey, StatusPending, StatusAwaitingNotification, approvedAt, expiry, scheduledAt)
	if err != nil {
		return false, fmt.Errorf("failed to approve application: %w", err)
	}
	return tag.RowsAffected() == 1, nil
}

// RejectApplication moves PENDING to the terminal REJECTED.
func (r *Repository) RejectApplication(ctx context.Context, ownerID, appKey string) (bool, error) {
	return r.transition(ctx, ownerID, appKey, []Status{StatusPending}, StatusRejected)
}

// CancelApplication moves AWAITING_NOTIFICATION to the terminal CANCELLED.
// The cancellation time window is enforced by the lifecycle, not here.
func (r *Repository) CancelApplication(ctx context.Context, ownerID, appKey string) (bool, error) {
	return r.transition(ctx, ownerID, appKey, []Status{StatusAwaitingNotification}, StatusCancelled)
}

// RevokeApplication moves ACTIVE to the terminal REVOKED.
func (r *Repository) RevokeApplication(ctx context.Context, ownerID, appKey string) (bool, error) {
	return r.transition(ctx, ownerID, appKey, []Status{StatusActive}, StatusRevoked)
}

// ActivateApplication stores the issued license ciphertext and moves the
// application to ACTIVE from either notification state.
func (r *Repository) ActivateApplication(ctx context.Context, ownerID, appKey, licenseKey string, issuedAt time.Time) (bool, error) {
	tag, err := r.db.Pool.Exec(ctx, `
	UPDATE applications
	SET status = $5, license_key = $6, license_issued_at = $7, updated_at = $7
	WHERE owner_id = $1 AND app_key = $2 AND status IN ($3, $4)`,
		ownerID, appKey, StatusAwaitingNotification, StatusFailedNotification,
		StatusActive, licenseKey, issuedAt)
	if err != nil {
		return false, fmt.Errorf("failed to activate application: %w", err)
	}
	return tag.RowsAffected() == 1, nil
}

// RecordNotificationFailure increments the failure counter and moves
// AWAITING_NOTIFICATION to FAILED_NOTIFICATION. Returns the new failure
// count when the guard held.
func (r *Repository) RecordNotificationFailure(ctx context.Context, ownerID, appKey, reason string, failedAt time.Time) (int, bool, error) {
	var count int
	err := r.db.Pool.QueryRow(ctx, `
	UPDATE applications
	SET status = $4, failure_count = failure_count + 1,
	    last_failure_reason = $5, last_failed_at = $6, updated_at = $6
	WHERE owner_id = $1 AND app_key = $2 AND status = $3
	RETURNING failure_count`,
		ownerID, appKey, StatusAwaitingNotification, StatusFailedNotification, reason, failedAt).Scan(&count)
	if err == pgx.ErrNoRows {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, fmt.Errorf("failed to record notification failure: %w", err)
	}
	return count, true, nil
}

// RequeueForNotification moves FAILED_NOTIFICATION back to
// AWAITING_NOTIFICATION for a retry.
func (r *Repository) RequeueForNotification(ctx context.Context, ownerID, appKey string, scheduledAt time.Time) (bool, error) {
	tag, err := r.db.Pool.Exec(ctx, `
	UPDATE applications
	SET status = $4, notification_scheduled_at = $5, updated_at = NOW()
	WHERE owner_id = $1 AND app_key = $2 AND status = $3`,
		ownerID, appKey, StatusFailedNotification, StatusAwaitingNotification, scheduledAt)
	if err != nil {
		return false, fmt.Errorf("failed to requeue application: %w", err)
	}
	return tag.RowsAffected() == 1, nil
}

func (r *Repository) transition(ctx context.Context, ownerID, appKey string, from []Status, to Status) (bool, error) {
	query := `
	UPDATE applications
	SET status = $3, updated_at = NOW()
	WHERE owner_id = $1 AND app_key = $2 AND status = ANY($4)`

	states := make([]string, len(from))
	for i, s := range from {
		states[i] = string(s)
	}

	tag, err := r.db.Pool.Exec(ctx, query, ownerID, appKey, to, states)
	if err != nil {
		return false, fmt.Errorf("failed to transition application to %s: %w", to, err)
	}
	return tag.RowsAffected() == 1, nil
}
