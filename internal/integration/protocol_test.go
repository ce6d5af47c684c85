package integration

import (
	"context"
	"errors"
	"testing"
	"time"

	"sankey-license-server/internal/apperr"
	"sankey-license-server/internal/database"
)

type fakeProfileStore struct {
	profile    *database.UserProfile
	phaseCalls []database.SetupPhase
	saveErr    error
}

func newFakeProfileStore(phase database.SetupPhase) *fakeProfileStore {
	return &fakeProfileStore{
		profile: &database.UserProfile{OwnerID: "user-1", SetupPhase: phase},
	}
}

func (f *fakeProfileStore) GetOrCreateUserProfile(context.Context, string) (*database.UserProfile, error) {
	return f.profile, nil
}

func (f *fakeProfileStore) GetUserProfile(context.Context, string) (*database.UserProfile, error) {
	return f.profile, nil
}

func (f *fakeProfileStore) SaveIntegrationTest(_ context.Context, _ string, test *database.IntegrationTest) error {
	if f.saveErr != nil {
		return f.saveErr
	}
	f.profile.IntegrationTest = test
	return nil
}

func (f *fakeProfileStore) AdvanceSetupPhase(_ context.Context, _ string, from, to database.SetupPhase) (bool, error) {
	if f.profile.SetupPhase != from {
		return false, nil
	}
	f.profile.SetupPhase = to
	f.phaseCalls = append(f.phaseCalls, to)
	return true, nil
}

type fakeAutomation struct {
	triggerErr   error
	triggerCalls int
	licenseErr   error
	licenseCalls int
	lastLicense  string
	resultCalls  int
	lastSuccess  bool
}

func (f *fakeAutomation) TriggerTest(context.Context, string, string) error {
	f.triggerCalls++
	return f.triggerErr
}

func (f *fakeAutomation) SendLicense(_ context.Context, _, _, licenseKey string) error {
	f.licenseCalls++
	if f.licenseErr != nil {
		return f.licenseErr
	}
	f.lastLicense = licenseKey
	return nil
}

func (f *fakeAutomation) SendResult(_ context.Context, _, _ string, success bool, _ string) error {
	f.resultCalls++
	f.lastSuccess = success
	return nil
}

func newTestProtocol(phase database.SetupPhase) (*Protocol, *fakeProfileStore, *fakeAutomation) {
	store := newFakeProfileStore(phase)
	client := &fakeAutomation{}
	p := NewProtocol(store, client, nil)
	p.SetClock(func() time.Time { return time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC) })
	return p, store, client
}

func TestHappyPathAdvancesPhase(t *testing.T) {
	p, store, client := newTestProtocol(database.PhaseTest)
	ctx := context.Background()

	test, err := p.Start(ctx, "user-1", "https://script.example.com/exec")
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	if client.triggerCalls != 1 {
		t.Errorf("trigger calls = %d, want 1", client.triggerCalls)
	}
	if test.CurrentStep != database.StepStarted || !test.Active {
		t.Errorf("test = %+v", test)
	}

	if err := p.RecordWebhookReceived(ctx, "user-1", test.TestID); err != nil {
		t.Fatalf("RecordWebhookReceived: %v", err)
	}
	if err := p.RecordLicenseIssued(ctx, "user-1", test.TestID, "blob"); err != nil {
		t.Fatalf("RecordLicenseIssued: %v", err)
	}
	if client.licenseCalls != 1 || client.lastLicense != "blob" {
		t.Errorf("license calls = %d last = %q, want blob delivered once", client.licenseCalls, client.lastLicense)
	}
	if err := p.Complete(ctx, "user-1", test.TestID, true, "all steps verified"); err != nil {
		t.Fatalf("Complete: %v", err)
	}

	got := store.profile.IntegrationTest
	if got.Active {
		t.Error("test should be inactive after completion")
	}
	for _, step := range []string{database.StepStarted, database.StepGASWebhookReceived, database.StepLicenseIssued, database.StepCompleted} {
		if r := got.StepResult(step); r == nil || !r.Success {
			t.Errorf("step %s = %+v, want success", step, r)
		}
	}
	if store.profile.SetupPhase != database.PhaseProduction {
		t.Errorf("setup phase = %s, want PRODUCTION", store.profile.SetupPhase)
	}
	if client.resultCalls != 1 || !client.lastSuccess {
		t.Errorf("result calls = %d success = %v", client.resultCalls, client.lastSuccess)
	}
}

func TestFailedRunStaysRetryable(t *testing.T) {
	p, store, _ := newTestProtocol(database.PhaseTest)
	ctx := context.Background()

	test, _ := p.Start(ctx, "user-1", "https://script.example.com/exec")
	if err := p.Complete(ctx, "user-1", test.TestID, false, "webhook never arrived"); err != nil {
		t.Fatalf("Complete: %v", err)
	}

	got := store.profile.IntegrationTest
	if got.Active || !got.CanRetry {
		t.Errorf("active=%v canRetry=%v, want inactive retryable", got.Active, got.CanRetry)
	}
	if store.profile.SetupPhase != database.PhaseTest {
		t.Errorf("setup phase = %s, failed run must not advance", store.profile.SetupPhase)
	}

	// A fresh start is allowed after failure.
	if _, err := p.Start(ctx, "user-1", "https://script.example.com/exec"); err != nil {
		t.Errorf("Start after failure: %v", err)
	}
}

func TestStartBlockedWhileActive(t *testing.T) {
	p, _, _ := newTestProtocol(database.PhaseTest)
	ctx := context.Background()

	if _, err := p.Start(ctx, "user-1", "https://script.example.com/exec"); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if _, err := p.Start(ctx, "user-1", "https://script.example.com/exec"); !apperr.Is(err, apperr.KindStateConflict) {
		t.Errorf("second Start error = %v, want state conflict", err)
	}
}

func TestTriggerFailureLeavesRetryableRecord(t *testing.T) {
	p, store, client := newTestProtocol(database.PhaseTest)
	client.triggerErr = errors.New("endpoint down")
	ctx := context.Background()

	_, err := p.Start(ctx, "user-1", "https://script.example.com/exec")
	if !apperr.Is(err, apperr.KindTransient) {
		t.Fatalf("Start error = %v, want transient", err)
	}

	got := store.profile.IntegrationTest
	if got == nil || !got.CanRetry {
		t.Fatalf("record = %+v, want retryable", got)
	}
	if r := got.StepResult(database.StepStarted); r == nil || r.Success {
		t.Errorf("started step = %+v, want failure", r)
	}

	client.triggerErr = nil
	if _, err := p.Start(ctx, "user-1", "https://script.example.com/exec"); err != nil {
		t.Errorf("retry Start: %v", err)
	}
}

func TestTestIDMismatch(t *testing.T) {
	p, _, _ := newTestProtocol(database.PhaseTest)
	ctx := context.Background()

	if _, err := p.Start(ctx, "user-1", "https://script.example.com/exec"); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if err := p.RecordWebhookReceived(ctx, "user-1", "stale-id"); !apperr.Is(err, apperr.KindValidation) {
		t.Errorf("mismatch error = %v, want validation", err)
	}
}

func TestDuplicateStepIgnored(t *testing.T) {
	p, store, _ := newTestProtocol(database.PhaseTest)
	ctx := context.Background()

	test, _ := p.Start(ctx, "user-1", "https://script.example.com/exec")
	if err := p.RecordWebhookReceived(ctx, "user-1", test.TestID); err != nil {
		t.Fatalf("first report: %v", err)
	}
	first := store.profile.IntegrationTest.StepResult(database.StepGASWebhookReceived)

	if err := p.RecordWebhookReceived(ctx, "user-1", test.TestID); err != nil {
		t.Fatalf("duplicate report: %v", err)
	}
	second := store.profile.IntegrationTest.StepResult(database.StepGASWebhookReceived)
	if first != second {
		t.Error("duplicate report replaced the recorded step")
	}
}

func TestOutOfOrderStepRecorded(t *testing.T) {
	p, store, _ := newTestProtocol(database.PhaseTest)
	ctx := context.Background()

	test, _ := p.Start(ctx, "user-1", "https://script.example.com/exec")
	// License issuance report outruns the webhook report.
	if err := p.RecordLicenseIssued(ctx, "user-1", test.TestID, "blob"); err != nil {
		t.Fatalf("RecordLicenseIssued: %v", err)
	}
	if err := p.RecordWebhookReceived(ctx, "user-1", test.TestID); err != nil {
		t.Fatalf("late RecordWebhookReceived: %v", err)
	}

	got := store.profile.IntegrationTest
	if got.CurrentStep != database.StepLicenseIssued {
		t.Errorf("current step = %s, cursor must not move backwards", got.CurrentStep)
	}
	if r := got.StepResult(database.StepGASWebhookReceived); r == nil || !r.Success {
		t.Errorf("late step = %+v, want recorded", r)
	}
}

func TestStepAfterCompletionRejected(t *testing.T) {
	p, _, _ := newTestProtocol(database.PhaseTest)
	ctx := context.Background()

	test, _ := p.Start(ctx, "user-1", "https://script.example.com/exec")
	if err := p.Complete(ctx, "user-1", test.TestID, true, ""); err != nil {
		t.Fatalf("Complete: %v", err)
	}
	if err := p.RecordLicenseIssued(ctx, "user-1", test.TestID, "blob"); !apperr.Is(err, apperr.KindStateConflict) {
		t.Errorf("post-completion step error = %v, want state conflict", err)
	}
}

func TestLicenseDeliveryFailureRetryable(t *testing.T) {
	p, store, client := newTestProtocol(database.PhaseTest)
	client.licenseErr = errors.New("endpoint down")
	ctx := context.Background()

	test, _ := p.Start(ctx, "user-1", "https://script.example.com/exec")
	err := p.RecordLicenseIssued(ctx, "user-1", test.TestID, "blob")
	if !apperr.Is(err, apperr.KindTransient) {
		t.Fatalf("RecordLicenseIssued error = %v, want transient", err)
	}
	// The step stays unrecorded so a redelivered message tries again.
	if r := store.profile.IntegrationTest.StepResult(database.StepLicenseIssued); r != nil {
		t.Errorf("step = %+v, want unrecorded after failed delivery", r)
	}

	client.licenseErr = nil
	if err := p.RecordLicenseIssued(ctx, "user-1", test.TestID, "blob"); err != nil {
		t.Fatalf("retry RecordLicenseIssued: %v", err)
	}
	if client.lastLicense != "blob" {
		t.Errorf("last license = %q", client.lastLicense)
	}
}

func TestLicenseDeliveredOnce(t *testing.T) {
	p, _, client := newTestProtocol(database.PhaseTest)
	ctx := context.Background()

	test, _ := p.Start(ctx, "user-1", "https://script.example.com/exec")
	if err := p.RecordLicenseIssued(ctx, "user-1", test.TestID, "blob"); err != nil {
		t.Fatalf("RecordLicenseIssued: %v", err)
	}
	// Duplicate queue delivery records the step idempotently without a
	// second POST to the endpoint.
	if err := p.RecordLicenseIssued(ctx, "user-1", test.TestID, "blob"); err != nil {
		t.Fatalf("duplicate RecordLicenseIssued: %v", err)
	}
	if client.licenseCalls != 1 {
		t.Errorf("license calls = %d, want 1", client.licenseCalls)
	}
}

func TestCompletionFromSetupPhaseDoesNotAdvance(t *testing.T) {
	p, store, _ := newTestProtocol(database.PhaseSetup)
	ctx := context.Background()

	test, _ := p.Start(ctx, "user-1", "https://script.example.com/exec")
	if err := p.Complete(ctx, "user-1", test.TestID, true, ""); err != nil {
		t.Fatalf("Complete: %v", err)
	}
	if store.profile.SetupPhase != database.PhaseSetup {
		t.Errorf("setup phase = %s, want SETUP unchanged", store.profile.SetupPhase)
	}
}
