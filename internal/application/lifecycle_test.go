package application

import (
	"context"
	"testing"
	"time"

	"sankey-license-server/config"
	"sankey-license-server/internal/apperr"
	"sankey-license-server/internal/database"
	"sankey-license-server/internal/queue"
	"sankey-license-server/internal/webhook"
)

// mockStore keeps applications in memory and applies the same conditional
// write semantics as the SQL layer.
type mockStore struct {
	apps       map[string]*database.Application
	history    []database.ApplicationHistory
	enqueueErr error
}

func newMockStore() *mockStore {
	return &mockStore{apps: make(map[string]*database.Application)}
}

func key(ownerID, appKey string) string { return ownerID + "/" + appKey }

func (m *mockStore) CreateApplication(_ context.Context, app *database.Application) error {
	cp := *app
	m.apps[key(app.OwnerID, app.AppKey)] = &cp
	return nil
}

func (m *mockStore) GetApplication(_ context.Context, ownerID, appKey string) (*database.Application, error) {
	app, ok := m.apps[key(ownerID, appKey)]
	if !ok {
		return nil, nil
	}
	cp := *app
	return &cp, nil
}

func (m *mockStore) ListApplicationsByOwner(_ context.Context, ownerID string) ([]database.Application, error) {
	var out []database.Application
	for _, app := range m.apps {
		if app.OwnerID == ownerID {
			out = append(out, *app)
		}
	}
	return out, nil
}

func (m *mockStore) ListApplicationsByStatus(_ context.Context, status database.Status, _, _ int) ([]database.Application, int, error) {
	var out []database.Application
	for _, app := range m.apps {
		if app.Status == status {
			out = append(out, *app)
		}
	}
	return out, len(out), nil
}

func (m *mockStore) ApproveApplication(_ context.Context, ownerID, appKey string, approvedAt, expiry, scheduledAt time.Time) (bool, error) {
	app, ok := m.apps[key(ownerID, appKey)]
	if !ok || app.Status != database.StatusPending {
		return false, nil
	}
	app.Status = database.StatusAwaitingNotification
	app.ApprovedAt = &approvedAt
	app.ExpiryDate = &expiry
	app.NotificationScheduledAt = &scheduledAt
	return true, nil
}

func (m *mockStore) RejectApplication(_ context.Context, ownerID, appKey string) (bool, error) {
	return m.transition(ownerID, appKey, []database.Status{database.StatusPending}, database.StatusRejected), nil
}

func (m *mockStore) CancelApplication(_ context.Context, ownerID, appKey string) (bool, error) {
	return m.transition(ownerID, appKey, []database.Status{database.StatusAwaitingNotification}, database.StatusCancelled), nil
}

func (m *mockStore) RevokeApplication(_ context.Context, ownerID, appKey string) (bool, error) {
	return m.transition(ownerID, appKey, []database.Status{database.StatusActive}, database.StatusRevoked), nil
}

func (m *mockStore) ActivateApplication(_ context.Context, ownerID, appKey, licenseKey string, issuedAt time.Time) (bool, error) {
	app, ok := m.apps[key(ownerID, appKey)]
	if !ok {
		return false, nil
	}
	if app.Status != database.StatusAwaitingNotification && app.Status != database.StatusFailedNotification {
		return false, nil
	}
	app.Status = database.StatusActive
	app.LicenseKey = licenseKey
	app.LicenseIssuedAt = &issuedAt
	return true, nil
}

func (m *mockStore) RecordNotificationFailure(_ context.Context, ownerID, appKey, reason string, failedAt time.Time) (int, bool, error) {
	app, ok := m.apps[key(ownerID, appKey)]
	if !ok || app.Status != database.StatusAwaitingNotification {
		return 0, false, nil
	}
	app.Status = database.StatusFailedNotification
	app.FailureCount++
	app.LastFailureReason = reason
	app.LastFailedAt = &failedAt
	return app.FailureCount, true, nil
}

func (m *mockStore) RequeueForNotification(_ context.Context, ownerID, appKey string, scheduledAt time.Time) (bool, error) {
	app, ok := m.apps[key(ownerID, appKey)]
	if !ok || app.Status != database.StatusFailedNotification {
		return false, nil
	}
	app.Status = database.StatusAwaitingNotification
	app.NotificationScheduledAt = &scheduledAt
	return true, nil
}

func (m *mockStore) AppendHistory(_ context.Context, entry *database.ApplicationHistory) error {
	m.history = append(m.history, *entry)
	return nil
}

func (m *mockStore) GetHistory(_ context.Context, ownerID, appKey string) ([]database.ApplicationHistory, error) {
	var out []database.ApplicationHistory
	for _, h := range m.history {
		if h.OwnerID == ownerID && h.AppKey == appKey {
			out = append(out, h)
		}
	}
	return out, nil
}

func (m *mockStore) transition(ownerID, appKey string, from []database.Status, to database.Status) bool {
	app, ok := m.apps[key(ownerID, appKey)]
	if !ok {
		return false
	}
	for _, s := range from {
		if app.Status == s {
			app.Status = to
			return true
		}
	}
	return false
}

type mockQueue struct {
	messages []queue.Message
	delays   []time.Duration
	err      error
}

func (m *mockQueue) Enqueue(_ context.Context, msg queue.Message, delay time.Duration) error {
	if m.err != nil {
		return m.err
	}
	m.messages = append(m.messages, msg)
	m.delays = append(m.delays, delay)
	return nil
}

type mockNotifier struct {
	err    error
	calls  int
	to     string
	reason string
}

func (m *mockNotifier) SendRejectionEmail(to, _, _, reason string) error {
	m.calls++
	m.to = to
	m.reason = reason
	return m.err
}

func testConfig() config.LicenseConfig {
	return config.LicenseConfig{
		NotificationDelay:  5 * time.Minute,
		CancellationWindow: 5 * time.Minute,
		MaxRetryCount:      3,
		DefaultValidity:    365 * 24 * time.Hour,
	}
}

func testSubmission() webhook.SubmissionData {
	return webhook.SubmissionData{
		EAName:        "TrendRider",
		AccountNumber: "1234567",
		Broker:        "ICMarkets",
		Email:         "trader@example.com",
	}
}

func newTestLifecycle(t *testing.T) (*Lifecycle, *mockStore, *mockQueue, *mockNotifier, *time.Time) {
	t.Helper()
	store := newMockStore()
	q := &mockQueue{}
	notifier := &mockNotifier{}
	lc := NewLifecycle(store, q, nil, notifier, testConfig())
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	lc.SetClock(func() time.Time { return now })
	return lc, store, q, notifier, &now
}

func createApproved(t *testing.T, lc *Lifecycle) *database.Application {
	t.Helper()
	ctx := context.Background()
	app, err := lc.Create(ctx, "user-1", testSubmission())
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	app, err = lc.Approve(ctx, "admin", "user-1", app.AppKey, nil)
	if err != nil {
		t.Fatalf("Approve: %v", err)
	}
	return app
}

func TestCreateSetsPending(t *testing.T) {
	lc, store, _, _, _ := newTestLifecycle(t)
	ctx := context.Background()

	app, err := lc.Create(ctx, "user-1", testSubmission())
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if app.Status != database.StatusPending {
		t.Errorf("status = %s, want PENDING", app.Status)
	}
	if app.AppKey == "" || app.ID == "" {
		t.Error("expected generated app key and id")
	}
	// Creation is not a transition and leaves no audit row.
	if len(store.history) != 0 {
		t.Errorf("history = %+v, want empty", store.history)
	}
}

func TestCreateDuplicateRejected(t *testing.T) {
	lc, _, _, _, _ := newTestLifecycle(t)
	ctx := context.Background()

	if _, err := lc.Create(ctx, "user-1", testSubmission()); err != nil {
		t.Fatalf("first Create: %v", err)
	}
	// Same clock means the same app key.
	if _, err := lc.Create(ctx, "user-1", testSubmission()); !apperr.Is(err, apperr.KindValidation) {
		t.Errorf("duplicate Create error = %v, want validation", err)
	}
}

func TestApproveSchedulesNotification(t *testing.T) {
	lc, store, q, _, now := newTestLifecycle(t)
	app := createApproved(t, lc)

	if app.Status != database.StatusAwaitingNotification {
		t.Errorf("status = %s, want AWAITING_NOTIFICATION", app.Status)
	}
	wantExpiry := now.Add(365 * 24 * time.Hour)
	if app.ExpiryDate == nil || !app.ExpiryDate.Equal(wantExpiry) {
		t.Errorf("expiry = %v, want %v", app.ExpiryDate, wantExpiry)
	}
	if len(q.messages) != 1 || q.delays[0] != 5*time.Minute {
		t.Fatalf("queue = %+v delays = %v, want one message delayed 5m", q.messages, q.delays)
	}
	if q.messages[0].ApplicationKey != app.AppKey || q.messages[0].OwnerID != "user-1" {
		t.Errorf("queued message = %+v", q.messages[0])
	}

	// The transient APPROVE state shows up only in history, as the first
	// of the two rows the approval appends.
	actions := []string{}
	for _, h := range store.history {
		actions = append(actions, h.Action)
	}
	want := []string{ActionApprove, ActionScheduleNotification}
	if len(actions) != len(want) {
		t.Fatalf("history actions = %v, want %v", actions, want)
	}
	for i := range want {
		if actions[i] != want[i] {
			t.Errorf("history[%d] = %s, want %s", i, actions[i], want[i])
		}
	}
	if store.history[0].NewStatus != database.StatusApprove {
		t.Errorf("approve history new status = %s, want APPROVE", store.history[0].NewStatus)
	}
}

func TestApproveExplicitExpiry(t *testing.T) {
	lc, _, _, _, now := newTestLifecycle(t)
	ctx := context.Background()
	created, _ := lc.Create(ctx, "user-1", testSubmission())

	exp := now.Add(30 * 24 * time.Hour)
	app, err := lc.Approve(ctx, "admin", "user-1", created.AppKey, &exp)
	if err != nil {
		t.Fatalf("Approve: %v", err)
	}
	if !app.ExpiryDate.Equal(exp) {
		t.Errorf("expiry = %v, want %v", app.ExpiryDate, exp)
	}

	past := now.Add(-time.Hour)
	created2sub := testSubmission()
	created2sub.AccountNumber = "7654321"
	created2, _ := lc.Create(ctx, "user-1", created2sub)
	if _, err := lc.Approve(ctx, "admin", "user-1", created2.AppKey, &past); !apperr.Is(err, apperr.KindValidation) {
		t.Errorf("past expiry error = %v, want validation", err)
	}
}

func TestApproveNonPendingConflicts(t *testing.T) {
	lc, _, _, _, _ := newTestLifecycle(t)
	ctx := context.Background()
	app := createApproved(t, lc)

	if _, err := lc.Approve(ctx, "admin", "user-1", app.AppKey, nil); !apperr.Is(err, apperr.KindStateConflict) {
		t.Errorf("second Approve error = %v, want state conflict", err)
	}
}

func TestRejectOnlyFromPending(t *testing.T) {
	lc, _, _, _, _ := newTestLifecycle(t)
	ctx := context.Background()

	created, _ := lc.Create(ctx, "user-1", testSubmission())
	if err := lc.Reject(ctx, "admin", "user-1", created.AppKey, "incomplete details"); err != nil {
		t.Fatalf("Reject: %v", err)
	}
	app, _ := lc.Get(ctx, "user-1", created.AppKey)
	if app.Status != database.StatusRejected {
		t.Errorf("status = %s, want REJECTED", app.Status)
	}

	// Terminal: no way back.
	if err := lc.Reject(ctx, "admin", "user-1", created.AppKey, ""); !apperr.Is(err, apperr.KindStateConflict) {
		t.Errorf("double Reject error = %v, want state conflict", err)
	}
}

func TestRejectNotifiesApplicant(t *testing.T) {
	lc, _, _, notifier, _ := newTestLifecycle(t)
	ctx := context.Background()

	created, _ := lc.Create(ctx, "user-1", testSubmission())
	if err := lc.Reject(ctx, "admin", "user-1", created.AppKey, "account not verified"); err != nil {
		t.Fatalf("Reject: %v", err)
	}
	if notifier.calls != 1 || notifier.to != "trader@example.com" {
		t.Errorf("notifier calls = %d to = %q, want one email to applicant", notifier.calls, notifier.to)
	}
	if notifier.reason != "account not verified" {
		t.Errorf("notifier reason = %q", notifier.reason)
	}
}

func TestRejectSucceedsWhenEmailFails(t *testing.T) {
	lc, _, _, notifier, _ := newTestLifecycle(t)
	notifier.err = context.DeadlineExceeded
	ctx := context.Background()

	created, _ := lc.Create(ctx, "user-1", testSubmission())
	if err := lc.Reject(ctx, "admin", "user-1", created.AppKey, "spam"); err != nil {
		t.Fatalf("Reject must not fail on email error: %v", err)
	}
	app, _ := lc.Get(ctx, "user-1", created.AppKey)
	if app.Status != database.StatusRejected {
		t.Errorf("status = %s, want REJECTED", app.Status)
	}
}

func TestCancelWithinWindow(t *testing.T) {
	lc, _, _, _, now := newTestLifecycle(t)
	ctx := context.Background()
	app := createApproved(t, lc)

	*now = now.Add(299 * time.Second)
	if err := lc.Cancel(ctx, "user-1", "user-1", app.AppKey); err != nil {
		t.Fatalf("Cancel at +299s: %v", err)
	}
	got, _ := lc.Get(ctx, "user-1", app.AppKey)
	if got.Status != database.StatusCancelled {
		t.Errorf("status = %s, want CANCELLED", got.Status)
	}
}

func TestCancelAfterWindowFails(t *testing.T) {
	lc, _, _, _, now := newTestLifecycle(t)
	ctx := context.Background()
	app := createApproved(t, lc)

	*now = now.Add(301 * time.Second)
	err := lc.Cancel(ctx, "user-1", "user-1", app.AppKey)
	if !apperr.Is(err, apperr.KindCancellationExpired) {
		t.Errorf("Cancel at +301s error = %v, want cancellation expired", err)
	}
	got, _ := lc.Get(ctx, "user-1", app.AppKey)
	if got.Status != database.StatusAwaitingNotification {
		t.Errorf("status = %s, want AWAITING_NOTIFICATION unchanged", got.Status)
	}
}

func TestCancelWrongState(t *testing.T) {
	lc, _, _, _, _ := newTestLifecycle(t)
	ctx := context.Background()
	created, _ := lc.Create(ctx, "user-1", testSubmission())

	if err := lc.Cancel(ctx, "user-1", "user-1", created.AppKey); !apperr.Is(err, apperr.KindStateConflict) {
		t.Errorf("Cancel from PENDING error = %v, want state conflict", err)
	}
}

func TestActivateAndRevoke(t *testing.T) {
	lc, _, _, _, _ := newTestLifecycle(t)
	ctx := context.Background()
	app := createApproved(t, lc)

	applied, err := lc.Activate(ctx, "user-1", app.AppKey, "blob")
	if err != nil || !applied {
		t.Fatalf("Activate = (%v, %v), want applied", applied, err)
	}
	got, _ := lc.Get(ctx, "user-1", app.AppKey)
	if got.Status != database.StatusActive || got.LicenseKey != "blob" {
		t.Errorf("after activate: status=%s key=%q", got.Status, got.LicenseKey)
	}

	// Activation is idempotent at the state level: a second attempt loses
	// the conditional write and reports not-applied without error.
	applied, err = lc.Activate(ctx, "user-1", app.AppKey, "other")
	if err != nil || applied {
		t.Fatalf("second Activate = (%v, %v), want not applied", applied, err)
	}

	if err := lc.Revoke(ctx, "admin", "user-1", app.AppKey, "chargeback"); err != nil {
		t.Fatalf("Revoke: %v", err)
	}
	got, _ = lc.Get(ctx, "user-1", app.AppKey)
	if got.Status != database.StatusRevoked {
		t.Errorf("status = %s, want REVOKED", got.Status)
	}

	if err := lc.Revoke(ctx, "admin", "user-1", app.AppKey, ""); !apperr.Is(err, apperr.KindStateConflict) {
		t.Errorf("double Revoke error = %v, want state conflict", err)
	}
}

func TestFailureRetryAccounting(t *testing.T) {
	lc, _, q, _, _ := newTestLifecycle(t)
	ctx := context.Background()
	app := createApproved(t, lc)

	// First failed delivery: counted once and requeued automatically with
	// the base backoff.
	lc.RecordFailure(ctx, "user-1", app.AppKey, "smtp timeout")
	got, _ := lc.Get(ctx, "user-1", app.AppKey)
	if got.Status != database.StatusAwaitingNotification || got.FailureCount != 1 {
		t.Fatalf("after failure 1: status=%s count=%d, want requeued count 1", got.Status, got.FailureCount)
	}
	if got.LastFailureReason != "smtp timeout" {
		t.Errorf("reason = %q", got.LastFailureReason)
	}
	if len(q.messages) != 2 || q.delays[1] != 5*time.Second {
		t.Fatalf("queue len = %d delays = %v, want automatic requeue at 5s", len(q.messages), q.delays)
	}

	// Second failure doubles the backoff.
	lc.RecordFailure(ctx, "user-1", app.AppKey, "smtp timeout")
	got, _ = lc.Get(ctx, "user-1", app.AppKey)
	if got.Status != database.StatusAwaitingNotification || got.FailureCount != 2 {
		t.Fatalf("after failure 2: status=%s count=%d", got.Status, got.FailureCount)
	}
	if len(q.messages) != 3 || q.delays[2] != 10*time.Second {
		t.Fatalf("delays = %v, want second requeue at 10s", q.delays)
	}

	// Third failure spends the budget: the record parks and nothing is
	// requeued.
	lc.RecordFailure(ctx, "user-1", app.AppKey, "smtp timeout")
	got, _ = lc.Get(ctx, "user-1", app.AppKey)
	if got.Status != database.StatusFailedNotification || got.FailureCount != 3 {
		t.Fatalf("after failure 3: status=%s count=%d, want parked count 3", got.Status, got.FailureCount)
	}
	if len(q.messages) != 3 {
		t.Errorf("queue len = %d, exhausted failure must not requeue", len(q.messages))
	}
}

func TestOperatorRetryFromExhausted(t *testing.T) {
	lc, _, q, _, _ := newTestLifecycle(t)
	ctx := context.Background()
	app := createApproved(t, lc)

	for i := 0; i < 3; i++ {
		lc.RecordFailure(ctx, "user-1", app.AppKey, "smtp timeout")
	}
	got, _ := lc.Get(ctx, "user-1", app.AppKey)
	if got.Status != database.StatusFailedNotification {
		t.Fatalf("status = %s, want FAILED_NOTIFICATION", got.Status)
	}
	queued := len(q.messages)

	// The manual path is the exit from the exhausted state.
	if err := lc.Retry(ctx, "admin", "user-1", app.AppKey); err != nil {
		t.Fatalf("Retry: %v", err)
	}
	got, _ = lc.Get(ctx, "user-1", app.AppKey)
	if got.Status != database.StatusAwaitingNotification {
		t.Errorf("after retry: status = %s", got.Status)
	}
	if len(q.messages) != queued+1 {
		t.Errorf("queue len = %d, want %d", len(q.messages), queued+1)
	}
}

func TestRetryWrongState(t *testing.T) {
	lc, _, _, _, _ := newTestLifecycle(t)
	ctx := context.Background()
	app := createApproved(t, lc)

	if err := lc.Retry(ctx, "admin", "user-1", app.AppKey); !apperr.Is(err, apperr.KindStateConflict) {
		t.Errorf("Retry from AWAITING_NOTIFICATION error = %v, want state conflict", err)
	}
}

func TestRecordFailureIgnoredAfterTerminalMove(t *testing.T) {
	lc, store, _, _, _ := newTestLifecycle(t)
	ctx := context.Background()
	app := createApproved(t, lc)

	if err := lc.Cancel(ctx, "user-1", "user-1", app.AppKey); err != nil {
		t.Fatalf("Cancel: %v", err)
	}
	before := len(store.history)

	// Late failure report from an in-flight delivery attempt.
	lc.RecordFailure(ctx, "user-1", app.AppKey, "smtp timeout")
	got, _ := lc.Get(ctx, "user-1", app.AppKey)
	if got.Status != database.StatusCancelled || got.FailureCount != 0 {
		t.Errorf("late failure mutated record: status=%s count=%d", got.Status, got.FailureCount)
	}
	if len(store.history) != before {
		t.Errorf("late failure appended history")
	}
}

func TestGetMissing(t *testing.T) {
	lc, _, _, _, _ := newTestLifecycle(t)
	if _, err := lc.Get(context.Background(), "user-1", "nope"); !apperr.Is(err, apperr.KindNotFound) {
		t.Errorf("Get missing error = %v, want not found", err)
	}
}

func TestHistoryOrder(t *testing.T) {
	lc, _, _, _, _ := newTestLifecycle(t)
	ctx := context.Background()
	app := createApproved(t, lc)

	if _, err := lc.Activate(ctx, "user-1", app.AppKey, "blob"); err != nil {
		t.Fatalf("Activate: %v", err)
	}

	// Approval appends two rows, issuance one; creation appends none.
	history, err := lc.History(ctx, "user-1", app.AppKey)
	if err != nil {
		t.Fatalf("History: %v", err)
	}
	if len(history) != 3 {
		t.Fatalf("history length = %d, want 3", len(history))
	}
	want := []string{ActionApprove, ActionScheduleNotification, ActionIssueLicense}
	for i := range want {
		if history[i].Action != want[i] {
			t.Errorf("history[%d] = %s, want %s", i, history[i].Action, want[i])
		}
	}
}
