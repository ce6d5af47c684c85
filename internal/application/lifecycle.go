// Package application implements the license application state machine.
// Every transition is a conditional write: the expected current status sits
// inside the UPDATE predicate, so two racing operators cannot both win.
package application

import (
	"context"
	"fmt"
	"time"

	"sankey-license-server/config"
	"sankey-license-server/internal/apperr"
	"sankey-license-server/internal/database"
	"sankey-license-server/internal/events"
	"sankey-license-server/internal/logging"
	"sankey-license-server/internal/queue"
	"sankey-license-server/internal/webhook"

	"github.com/google/uuid"
)

// History action names, recorded one per transition. Creation itself is not
// a transition and leaves no row; an application's trail starts at APPROVE
// or REJECT.
const (
	ActionApprove              = "APPROVE"
	ActionScheduleNotification = "SCHEDULE_NOTIFICATION"
	ActionReject               = "REJECT"
	ActionCancel               = "CANCEL"
	ActionRevoke               = "REVOKE"
	ActionIssueLicense         = "ISSUE_LICENSE"
	ActionNotificationFailure  = "NOTIFICATION_FAILURE"
	ActionRetryNotification    = "RETRY_NOTIFICATION"
)

// Store is the persistence surface the lifecycle needs.
type Store interface {
	CreateApplication(ctx context.Context, app *database.Application) error
	GetApplication(ctx context.Context, ownerID, appKey string) (*database.Application, error)
	ListApplicationsByOwner(ctx context.Context, ownerID string) ([]database.Application, error)
	ListApplicationsByStatus(ctx context.Context, status database.Status, limit, offset int) ([]database.Application, int, error)
	ApproveApplication(ctx context.Context, ownerID, appKey string, approvedAt, expiry, scheduledAt time.Time) (bool, error)
	RejectApplication(ctx context.Context, ownerID, appKey string) (bool, error)
	CancelApplication(ctx context.Context, ownerID, appKey string) (bool, error)
	RevokeApplication(ctx context.Context, ownerID, appKey string) (bool, error)
	ActivateApplication(ctx context.Context, ownerID, appKey, licenseKey string, issuedAt time.Time) (bool, error)
	RecordNotificationFailure(ctx context.Context, ownerID, appKey, reason string, failedAt time.Time) (int, bool, error)
	RequeueForNotification(ctx context.Context, ownerID, appKey string, scheduledAt time.Time) (bool, error)
	AppendHistory(ctx context.Context, entry *database.ApplicationHistory) error
	GetHistory(ctx context.Context, ownerID, appKey string) ([]database.ApplicationHistory, error)
}

// Enqueuer schedules delayed pipeline work.
type Enqueuer interface {
	Enqueue(ctx context.Context, msg queue.Message, delay time.Duration) error
}

// Notifier sends applicant-facing decision emails.
type Notifier interface {
	SendRejectionEmail(to, eaName, accountNumber, reason string) error
}

// Lifecycle coordinates application state transitions.
type Lifecycle struct {
	store    Store
	queue    Enqueuer
	bus      *events.EventBus
	notifier Notifier
	cfg      config.LicenseConfig
	logger   *logging.Logger
	nowFn    func() time.Time
}

// NewLifecycle creates the lifecycle service. Event bus and notifier may be
// nil.
func NewLifecycle(store Store, q Enqueuer, bus *events.EventBus, notifier Notifier, cfg config.LicenseConfig) *Lifecycle {
	return &Lifecycle{
		store:    store,
		queue:    q,
		bus:      bus,
		notifier: notifier,
		cfg:      cfg,
		logger:   logging.WithComponent("lifecycle"),
		nowFn:    time.Now,
	}
}

// SetClock overrides the time source. Used by tests.
func (l *Lifecycle) SetClock(now func() time.Time) {
	l.nowFn = now
}

// Create registers a new application from a verified submission.
func (l *Lifecycle) Create(ctx context.Context, ownerID string, sub webhook.SubmissionData) (*database.Application, error) {
	now := l.nowFn().UTC()
	app := &database.Application{
		ID:                uuid.New().String(),
		OwnerID:           ownerID,
		AppKey:            database.BuildAppKey(now, sub.Broker, sub.AccountNumber, sub.EAName),
		EAName:            sub.EAName,
		AccountNumber:     sub.AccountNumber,
		Broker:            sub.Broker,
		Email:             sub.Email,
		XAccount:          sub.XAccount,
		Status:            database.StatusPending,
		AppliedAt:         now,
		UpdatedAt:         now,
		IntegrationTestID: sub.IntegrationTestID,
	}

	if existing, err := l.store.GetApplication(ctx, ownerID, app.AppKey); err != nil {
		return nil, err
	} else if existing != nil {
		return nil, apperr.Validation("application already exists")
	}

	if err := l.store.CreateApplication(ctx, app); err != nil {
		return nil, fmt.Errorf("failed to create application: %w", err)
	}

	if l.bus != nil {
		l.bus.PublishApplicationEvent(events.EventApplicationCreated, ownerID, app.AppKey, app.EAName)
	}
	l.logger.Info("Application created", "owner_id", ownerID, "app_key", app.AppKey, "ea_name", app.EAName)
	return app, nil
}

// Approve moves PENDING to AWAITING_NOTIFICATION and schedules issuance after
// the configured delay. The intermediate APPROVE state exists only in history.
// A nil expiry falls back to the default validity period.
func (l *Lifecycle) Approve(ctx context.Context, operator, ownerID, appKey string, expiry *time.Time) (*database.Application, error) {
	app, err := l.getExisting(ctx, ownerID, appKey)
	if err != nil {
		return nil, err
	}

	now := l.nowFn().UTC()
	exp := now.Add(l.cfg.DefaultValidity)
	if expiry != nil {
		exp = expiry.UTC()
	}
	if !exp.After(now) {
		return nil, apperr.Validation("expiry must be in the future")
	}

	scheduledAt := now.Add(l.cfg.NotificationDelay)
	applied, err := l.store.ApproveApplication(ctx, ownerID, appKey, now, exp, scheduledAt)
	if err != nil {
		return nil, err
	}
	if !applied {
		return nil, l.conflict(ctx, ownerID, appKey, database.StatusPending)
	}

	l.appendHistory(ctx, ownerID, appKey, ActionApprove, operator, database.StatusPending, database.StatusApprove, "")
	l.appendHistory(ctx, ownerID, appKey, ActionScheduleNotification, operator, database.StatusApprove, database.StatusAwaitingNotification, "")

	msg := queue.Message{ApplicationKey: appKey, OwnerID: ownerID}
	if err := l.queue.Enqueue(ctx, msg, l.cfg.NotificationDelay); err != nil {
		// The transition stands; park the record so an operator can retry.
		l.logger.Error("Failed to schedule notification", "owner_id", ownerID, "app_key", appKey, "error", err)
		l.RecordFailure(ctx, ownerID, appKey, fmt.Sprintf("enqueue failed: %v", err))
		return nil, apperr.Transient("notification scheduling failed", err)
	}

	if l.bus != nil {
		l.bus.PublishApplicationEvent(events.EventApplicationApproved, ownerID, appKey, app.EAName)
	}
	l.logger.Info("Application approved", "owner_id", ownerID, "app_key", appKey,
		"expiry", exp.Format(time.RFC3339), "notify_at", scheduledAt.Format(time.RFC3339))

	return l.store.GetApplication(ctx, ownerID, appKey)
}

// Reject moves PENDING to REJECTED.
func (l *Lifecycle) Reject(ctx context.Context, operator, ownerID, appKey, reason string) error {
	app, err := l.getExisting(ctx, ownerID, appKey)
	if err != nil {
		return err
	}

	applied, err := l.store.RejectApplication(ctx, ownerID, appKey)
	if err != nil {
		return err
	}
	if !applied {
		return l.conflict(ctx, ownerID, appKey, database.StatusPending)
	}

	l.appendHistory(ctx, ownerID, appKey, ActionReject, operator, database.StatusPending, database.StatusRejected, reason)
	if l.notifier != nil && app.Email != "" {
		// Best-effort: the rejection already committed.
		if err := l.notifier.SendRejectionEmail(app.Email, app.EAName, app.AccountNumber, reason); err != nil {
			l.logger.Warn("Failed to send rejection email", "owner_id", ownerID, "app_key", appKey, "error", err)
		}
	}
	if l.bus != nil {
		l.bus.PublishApplicationEvent(events.EventApplicationRejected, ownerID, appKey, app.EAName)
	}
	l.logger.Info("Application rejected", "owner_id", ownerID, "app_key", appKey, "reason", reason)
	return nil
}

// Cancel lets the owner withdraw an approved application before its license
// is issued. Only valid within the cancellation window after approval.
func (l *Lifecycle) Cancel(ctx context.Context, caller, ownerID, appKey string) error {
	app, err := l.getExisting(ctx, ownerID, appKey)
	if err != nil {
		return err
	}
	if app.Status != database.StatusAwaitingNotification {
		return apperr.StateConflict(string(app.Status), string(database.StatusAwaitingNotification))
	}
	if app.ApprovedAt == nil || l.nowFn().Sub(*app.ApprovedAt) > l.cfg.CancellationWindow {
		return apperr.CancellationExpired()
	}

	applied, err := l.store.CancelApplication(ctx, ownerID, appKey)
	if err != nil {
		return err
	}
	if !applied {
		return l.conflict(ctx, ownerID, appKey, database.StatusAwaitingNotification)
	}

	l.appendHistory(ctx, ownerID, appKey, ActionCancel, caller, database.StatusAwaitingNotification, database.StatusCancelled, "")
	if l.bus != nil {
		l.bus.PublishApplicationEvent(events.EventApplicationCancelled, ownerID, appKey, app.EAName)
	}
	l.logger.Info("Application cancelled", "owner_id", ownerID, "app_key", appKey)
	return nil
}

// Revoke moves ACTIVE to REVOKED. Already-distributed license blobs stay
// valid offline; revocation only blocks server-side verification.
func (l *Lifecycle) Revoke(ctx context.Context, operator, ownerID, appKey, reason string) error {
	app, err := l.getExisting(ctx, ownerID, appKey)
	if err != nil {
		return err
	}

	applied, err := l.store.RevokeApplication(ctx, ownerID, appKey)
	if err != nil {
		return err
	}
	if !applied {
		return l.conflict(ctx, ownerID, appKey, database.StatusActive)
	}

	l.appendHistory(ctx, ownerID, appKey, ActionRevoke, operator, database.StatusActive, database.StatusRevoked, reason)
	if l.bus != nil {
		l.bus.PublishApplicationEvent(events.EventLicenseRevoked, ownerID, appKey, app.EAName)
	}
	l.logger.Info("License revoked", "owner_id", ownerID, "app_key", appKey, "reason", reason)
	return nil
}

// Activate records an issued license, moving AWAITING_NOTIFICATION or
// FAILED_NOTIFICATION to ACTIVE. Called by the notification pipeline.
func (l *Lifecycle) Activate(ctx context.Context, ownerID, appKey, licenseKey string) (bool, error) {
	now := l.nowFn().UTC()
	applied, err := l.store.ActivateApplication(ctx, ownerID, appKey, licenseKey, now)
	if err != nil {
		return false, err
	}
	if !applied {
		return false, nil
	}

	l.appendHistory(ctx, ownerID, appKey, ActionIssueLicense, "pipeline", database.StatusAwaitingNotification, database.StatusActive, "")
	if l.bus != nil {
		if app, err := l.store.GetApplication(ctx, ownerID, appKey); err == nil && app != nil && app.ExpiryDate != nil {
			l.bus.PublishLicenseIssued(ownerID, appKey, app.EAName, *app.ExpiryDate)
		}
	}
	l.logger.Info("License issued", "owner_id", ownerID, "app_key", appKey)
	return true, nil
}

// RecordFailure accounts one failed delivery: the application moves to
// FAILED_NOTIFICATION with an incremented failure count, and while the
// count is below the retry budget it is automatically requeued with
// exponential backoff. At the budget the record stays parked until an
// operator retries it. Called by the queue's give-up hook.
func (l *Lifecycle) RecordFailure(ctx context.Context, ownerID, appKey, reason string) {
	now := l.nowFn().UTC()
	count, applied, err := l.store.RecordNotificationFailure(ctx, ownerID, appKey, reason, now)
	if err != nil {
		l.logger.Error("Failed to record notification failure", "owner_id", ownerID, "app_key", appKey, "error", err)
		return
	}
	if !applied {
		// The application moved on (issued, cancelled) while the failure
		// was in flight; nothing to record.
		return
	}

	l.appendHistory(ctx, ownerID, appKey, ActionNotificationFailure, "pipeline",
		database.StatusAwaitingNotification, database.StatusFailedNotification, reason)
	if l.bus != nil {
		l.bus.PublishNotificationFailed(ownerID, appKey, count, reason)
	}
	l.logger.Warn("Notification failed", "owner_id", ownerID, "app_key", appKey, "failure_count", count, "reason", reason)

	if count >= l.cfg.MaxRetryCount {
		l.logger.Error("Retry budget exhausted, awaiting manual retry",
			"owner_id", ownerID, "app_key", appKey, "failure_count", count)
		return
	}

	delay := retryBackoff(count)
	requeued, err := l.store.RequeueForNotification(ctx, ownerID, appKey, now.Add(delay))
	if err != nil || !requeued {
		l.logger.Error("Failed to requeue after failure", "owner_id", ownerID, "app_key", appKey, "error", err)
		return
	}
	l.appendHistory(ctx, ownerID, appKey, ActionRetryNotification, "pipeline",
		database.StatusFailedNotification, database.StatusAwaitingNotification, "")

	msg := queue.Message{ApplicationKey: appKey, OwnerID: ownerID}
	if err := l.queue.Enqueue(ctx, msg, delay); err != nil {
		// Park the record again so it stays reachable by operator retry.
		// Bounded: each round consumes one unit of the budget.
		l.logger.Error("Failed to enqueue automatic retry", "owner_id", ownerID, "app_key", appKey, "error", err)
		l.RecordFailure(ctx, ownerID, appKey, fmt.Sprintf("enqueue failed: %v", err))
	}
}

// retryBackoff doubles per recorded failure, capped at five minutes.
func retryBackoff(failureCount int) time.Duration {
	backoff := 5 * time.Second
	for i := 1; i < failureCount; i++ {
		backoff *= 2
		if backoff >= 5*time.Minute {
			return 5 * time.Minute
		}
	}
	return backoff
}

// Retry requeues a FAILED_NOTIFICATION application for immediate delivery.
// This is the human exit from the exhausted state: it is not bounded by the
// automatic retry budget.
func (l *Lifecycle) Retry(ctx context.Context, operator, ownerID, appKey string) error {
	app, err := l.getExisting(ctx, ownerID, appKey)
	if err != nil {
		return err
	}
	if app.Status != database.StatusFailedNotification {
		return apperr.StateConflict(string(app.Status), string(database.StatusFailedNotification))
	}

	now := l.nowFn().UTC()
	applied, err := l.store.RequeueForNotification(ctx, ownerID, appKey, now)
	if err != nil {
		return err
	}
	if !applied {
		return l.conflict(ctx, ownerID, appKey, database.StatusFailedNotification)
	}

	l.appendHistory(ctx, ownerID, appKey, ActionRetryNotification, operator,
		database.StatusFailedNotification, database.StatusAwaitingNotification, "")

	msg := queue.Message{ApplicationKey: appKey, OwnerID: ownerID}
	if err := l.queue.Enqueue(ctx, msg, 0); err != nil {
		l.RecordFailure(ctx, ownerID, appKey, fmt.Sprintf("enqueue failed: %v", err))
		return apperr.Transient("notification scheduling failed", err)
	}

	l.logger.Info("Notification retry scheduled", "owner_id", ownerID, "app_key", appKey, "operator", operator)
	return nil
}

// Get returns one application or a not-found error.
func (l *Lifecycle) Get(ctx context.Context, ownerID, appKey string) (*database.Application, error) {
	return l.getExisting(ctx, ownerID, appKey)
}

// ListByOwner returns all applications belonging to one user.
func (l *Lifecycle) ListByOwner(ctx context.Context, ownerID string) ([]database.Application, error) {
	return l.store.ListApplicationsByOwner(ctx, ownerID)
}

// ListByStatus returns a page of applications in the given status plus the
// total count.
func (l *Lifecycle) ListByStatus(ctx context.Context, status database.Status, limit, offset int) ([]database.Application, int, error) {
	return l.store.ListApplicationsByStatus(ctx, status, limit, offset)
}

// History returns the audit trail for one application, oldest first.
func (l *Lifecycle) History(ctx context.Context, ownerID, appKey string) ([]database.ApplicationHistory, error) {
	if _, err := l.getExisting(ctx, ownerID, appKey); err != nil {
		return nil, err
	}
	return l.store.GetHistory(ctx, ownerID, appKey)
}

func (l *Lifecycle) getExisting(ctx context.Context, ownerID, appKey string) (*database.Application, error) {
	app, err := l.store.GetApplication(ctx, ownerID, appKey)
	if err != nil {
		return nil, err
	}
	if app == nil {
		return nil, apperr.NotFound("application")
	}
	return app, nil
}

// conflict re-reads the row to report what the status actually was when a
// conditional write lost.
func (l *Lifecycle) conflict(ctx context.Context, ownerID, appKey string, expected database.Status) error {
	current := "unknown"
	if app, err := l.store.GetApplication(ctx, ownerID, appKey); err == nil && app != nil {
		current = string(app.Status)
	}
	return apperr.StateConflict(current, string(expected))
}

func (l *Lifecycle) appendHistory(ctx context.Context, ownerID, appKey, action, changedBy string, prev, next database.Status, reason string) {
	entry := &database.ApplicationHistory{
		OwnerID:        ownerID,
		AppKey:         appKey,
		Action:         action,
		ChangedBy:      changedBy,
		PreviousStatus: prev,
		NewStatus:      next,
		Reason:         reason,
	}
	if err := l.store.AppendHistory(ctx, entry); err != nil {
		// History is best-effort; the state transition already committed.
		l.logger.Error("Failed to append history", "owner_id", ownerID, "app_key", appKey, "action", action, "error", err)
	}
}
