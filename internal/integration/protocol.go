// Package integration runs the synthetic end-to-end verification of the
// whole issuance path: trigger the external automation endpoint, watch its
// tagged webhook arrive, see the license issue, and confirm completion.
//
// The two systems talk over plain HTTP with no delivery guarantees, so
// every step report is idempotent and arrival order is not assumed. Step
// state is a per-user record; at most one test is active per user.
package integration

import (
	"context"
	"fmt"
	"time"

	"sankey-license-server/internal/apperr"
	"sankey-license-server/internal/database"
	"sankey-license-server/internal/events"
	"sankey-license-server/internal/logging"

	"github.com/google/uuid"
)

// stepRank orders the nominal step sequence for out-of-order detection.
var stepRank = map[string]int{
	database.StepStarted:            0,
	database.StepGASWebhookReceived: 1,
	database.StepLicenseIssued:      2,
	database.StepCompleted:          3,
}

// ProfileStore is the persistence surface the protocol needs.
type ProfileStore interface {
	GetOrCreateUserProfile(ctx context.Context, ownerID string) (*database.UserProfile, error)
	GetUserProfile(ctx context.Context, ownerID string) (*database.UserProfile, error)
	SaveIntegrationTest(ctx context.Context, ownerID string, test *database.IntegrationTest) error
	AdvanceSetupPhase(ctx context.Context, ownerID string, from, to database.SetupPhase) (bool, error)
}

// Automation triggers the external endpoint.
type Automation interface {
	TriggerTest(ctx context.Context, endpoint, testID string) error
	SendLicense(ctx context.Context, endpoint, testID, licenseKey string) error
	SendResult(ctx context.Context, endpoint, testID string, success bool, details string) error
}

// Protocol coordinates integration test runs.
type Protocol struct {
	profiles ProfileStore
	client   Automation
	bus      *events.EventBus
	logger   *logging.Logger
	nowFn    func() time.Time
}

// NewProtocol creates the protocol service. The event bus may be nil.
func NewProtocol(profiles ProfileStore, client Automation, bus *events.EventBus) *Protocol {
	return &Protocol{
		profiles: profiles,
		client:   client,
		bus:      bus,
		logger:   logging.WithComponent("integration"),
		nowFn:    time.Now,
	}
}

// SetClock overrides the time source. Used by tests.
func (p *Protocol) SetClock(now func() time.Time) {
	p.nowFn = now
}

// Start begins a new test run against the given automation endpoint. A
// still-active run that has not failed blocks a new start.
func (p *Protocol) Start(ctx context.Context, ownerID, endpoint string) (*database.IntegrationTest, error) {
	if endpoint == "" {
		return nil, apperr.Validation("endpoint is required")
	}

	profile, err := p.profiles.GetOrCreateUserProfile(ctx, ownerID)
	if err != nil {
		return nil, err
	}
	if existing := profile.IntegrationTest; existing != nil && existing.Active && !existing.CanRetry {
		return nil, apperr.StateConflict("test "+existing.TestID+" active", "no active test")
	}

	now := p.nowFn().UTC()
	test := &database.IntegrationTest{
		TestID:      uuid.New().String(),
		Endpoint:    endpoint,
		CurrentStep: database.StepStarted,
		Steps: map[string]*database.TestResult{
			database.StepStarted: {Success: true, Timestamp: now},
		},
		Active:    true,
		StartedAt: now,
	}
	if err := p.profiles.SaveIntegrationTest(ctx, ownerID, test); err != nil {
		return nil, err
	}

	if err := p.client.TriggerTest(ctx, endpoint, test.TestID); err != nil {
		// Leave the record retryable so the user can start over.
		test.Steps[database.StepStarted] = &database.TestResult{
			Success: false, Timestamp: p.nowFn().UTC(), Error: err.Error(),
		}
		test.CanRetry = true
		if saveErr := p.profiles.SaveIntegrationTest(ctx, ownerID, test); saveErr != nil {
			p.logger.Error("Failed to record trigger failure", "owner_id", ownerID, "error", saveErr)
		}
		return nil, apperr.Transient("failed to trigger automation endpoint", err)
	}

	p.publishStep(ownerID, test.TestID, database.StepStarted, "success")
	p.logger.Info("Integration test started", "owner_id", ownerID, "test_id", test.TestID)
	return test, nil
}

// RecordWebhookReceived marks the tagged webhook as seen. Called by the
// webhook handler when a submission carries this test's id.
func (p *Protocol) RecordWebhookReceived(ctx context.Context, ownerID, testID string) error {
	return p.recordStep(ctx, ownerID, testID, database.StepGASWebhookReceived, &database.TestResult{
		Success:   true,
		Timestamp: p.nowFn().UTC(),
	})
}

// RecordLicenseIssued hands the issued blob to the automation endpoint and
// marks the step. Called by the notification pipeline; a delivery failure
// propagates so the queue redelivers, and a duplicate redelivery for an
// already-recorded step does not send the license twice.
func (p *Protocol) RecordLicenseIssued(ctx context.Context, ownerID, testID, licenseKey string) error {
	test, err := p.activeTest(ctx, ownerID, testID)
	if err != nil {
		return err
	}

	if test.StepResult(database.StepLicenseIssued) == nil {
		if err := p.client.SendLicense(ctx, test.Endpoint, testID, licenseKey); err != nil {
			return apperr.Transient("failed to deliver license to automation endpoint", err)
		}
	}

	return p.recordStep(ctx, ownerID, testID, database.StepLicenseIssued, &database.TestResult{
		Success:   true,
		Timestamp: p.nowFn().UTC(),
	})
}

// Complete finishes the run. On success the user's setup phase advances
// from TEST to PRODUCTION; a failed run stays retryable.
func (p *Protocol) Complete(ctx context.Context, ownerID, testID string, success bool, details string) error {
	test, err := p.activeTest(ctx, ownerID, testID)
	if err != nil {
		return err
	}

	now := p.nowFn().UTC()
	test.Steps[database.StepCompleted] = &database.TestResult{
		Success:   success,
		Timestamp: now,
		Details:   details,
	}
	test.CurrentStep = database.StepCompleted
	test.Active = false
	test.CanRetry = !success

	if err := p.profiles.SaveIntegrationTest(ctx, ownerID, test); err != nil {
		return err
	}

	if success {
		// Best-effort: a user still in SETUP or already in PRODUCTION is
		// left where they are.
		advanced, err := p.profiles.AdvanceSetupPhase(ctx, ownerID, database.PhaseTest, database.PhaseProduction)
		if err != nil {
			p.logger.Error("Failed to advance setup phase", "owner_id", ownerID, "error", err)
		} else if advanced {
			p.logger.Info("Setup phase advanced to PRODUCTION", "owner_id", ownerID)
		}
	}

	if err := p.client.SendResult(ctx, test.Endpoint, testID, success, details); err != nil {
		// Result delivery is advisory; the run outcome already committed.
		p.logger.Warn("Failed to deliver test result", "owner_id", ownerID, "test_id", testID, "error", err)
	}

	status := "failed"
	if success {
		status = "success"
	}
	p.publishStep(ownerID, testID, database.StepCompleted, status)
	p.logger.Info("Integration test completed", "owner_id", ownerID, "test_id", testID, "success", success)
	return nil
}

// Status returns the current test record, or nil when none exists.
func (p *Protocol) Status(ctx context.Context, ownerID string) (*database.IntegrationTest, error) {
	profile, err := p.profiles.GetUserProfile(ctx, ownerID)
	if err != nil {
		return nil, err
	}
	if profile == nil {
		return nil, nil
	}
	return profile.IntegrationTest, nil
}

func (p *Protocol) recordStep(ctx context.Context, ownerID, testID, step string, result *database.TestResult) error {
	test, err := p.activeTest(ctx, ownerID, testID)
	if err != nil {
		return err
	}

	if existing := test.StepResult(step); existing != nil {
		// Duplicate report, already recorded.
		p.logger.Debug("Ignoring duplicate step report", "owner_id", ownerID, "test_id", testID, "step", step)
		return nil
	}

	// Steps may arrive out of order over plain HTTP; record them anyway
	// and only advance the cursor forward.
	if stepRank[step] < stepRank[test.CurrentStep] {
		p.logger.Warn("Step arrived out of order", "owner_id", ownerID, "test_id", testID,
			"step", step, "current", test.CurrentStep)
	} else {
		test.CurrentStep = step
	}
	test.Steps[step] = result

	if err := p.profiles.SaveIntegrationTest(ctx, ownerID, test); err != nil {
		return err
	}

	status := "failed"
	if result.Success {
		status = "success"
	}
	p.publishStep(ownerID, testID, step, status)
	p.logger.Info("Integration test step recorded", "owner_id", ownerID, "test_id", testID, "step", step)
	return nil
}

// activeTest loads the user's test and validates the caller's test id
// against it. A mismatched id means a stale or foreign report.
func (p *Protocol) activeTest(ctx context.Context, ownerID, testID string) (*database.IntegrationTest, error) {
	profile, err := p.profiles.GetUserProfile(ctx, ownerID)
	if err != nil {
		return nil, err
	}
	if profile == nil || profile.IntegrationTest == nil {
		return nil, apperr.NotFound("integration test")
	}
	test := profile.IntegrationTest
	if test.TestID != testID {
		return nil, apperr.Validation(fmt.Sprintf("test id %s does not match active test", testID))
	}
	if !test.Active {
		return nil, apperr.StateConflict("completed", "active")
	}
	if test.Steps == nil {
		test.Steps = make(map[string]*database.TestResult)
	}
	return test, nil
}

func (p *Protocol) publishStep(ownerID, testID, step, status string) {
	if p.bus != nil {
		p.bus.PublishIntegrationTestStep(ownerID, testID, step, status)
	}
}
