package database

import (
	"fmt"
	"time"
)

// Status is the lifecycle status of a license application.
type Status string

const (
	StatusPending              Status = "PENDING"
	StatusApprove              Status = "APPROVE" // Transient, appears only in history
	StatusAwaitingNotification Status = "AWAITING_NOTIFICATION"
	StatusActive               Status = "ACTIVE"
	StatusFailedNotification   Status = "FAILED_NOTIFICATION"
	StatusRejected             Status = "REJECTED"
	StatusCancelled            Status = "CANCELLED"
	StatusRevoked              Status = "REVOKED"
	StatusExpired              Status = "EXPIRED"
)

// IsTerminal reports whether no further transitions are possible.
// Terminal records are retained for audit, never deleted.
func (s Status) IsTerminal() bool {
	switch s {
	case StatusRejected, StatusCancelled, StatusRevoked, StatusExpired:
		return true
	}
	return false
}

// Application is one license application from submission to terminal state.
type Application struct {
	ID                      string     `json:"id"`
	OwnerID                 string     `json:"owner_id"`
	AppKey                  string     `json:"app_key"`
	EAName                  string     `json:"ea_name"`
	AccountNumber           string     `json:"account_number"`
	Broker                  string     `json:"broker"`
	Email                   string     `json:"email"`
	XAccount                string     `json:"x_account,omitempty"`
	Status                  Status     `json:"status"`
	AppliedAt               time.Time  `json:"applied_at"`
	UpdatedAt               time.Time  `json:"updated_at"`
	ApprovedAt              *time.Time `json:"approved_at,omitempty"`
	ExpiryDate              *time.Time `json:"expiry_date,omitempty"`
	LicenseKey              string     `json:"license_key,omitempty"` // Ciphertext, set on activation
	LicenseIssuedAt         *time.Time `json:"license_issued_at,omitempty"`
	NotificationScheduledAt *time.Time `json:"notification_scheduled_at,omitempty"`
	IntegrationTestID       string     `json:"integration_test_id,omitempty"`
	FailureCount            int        `json:"failure_count"`
	LastFailureReason       string     `json:"last_failure_reason,omitempty"`
	LastFailedAt            *time.Time `json:"last_failed_at,omitempty"`
}

// BuildAppKey builds the composite application key, unique per owner.
func BuildAppKey(appliedAt time.Time, broker, accountNumber, eaName string) string {
	return fmt.Sprintf("%d_%s_%s_%s", appliedAt.Unix(), broker, accountNumber, eaName)
}

// ApplicationHistory is one append-only audit row per lifecycle transition.
type ApplicationHistory struct {
	ID             string    `json:"id"`
	OwnerID        string    `json:"owner_id"`
	AppKey         string    `json:"app_key"`
	Action         string    `json:"action"`
	ChangedBy      string    `json:"changed_by"`
	PreviousStatus Status    `json:"previous_status"`
	NewStatus      Status    `json:"new_status"`
	Reason         string    `json:"reason,omitempty"`
	Timestamp      time.Time `json:"timestamp"`
}

// SetupPhase is the user's onboarding phase. It only advances forward.
type SetupPhase string

const (
	PhaseSetup      SetupPhase = "SETUP"
	PhaseTest       SetupPhase = "TEST"
	PhaseProduction SetupPhase = "PRODUCTION"
)

// UserProfile is created lazily on first access.
type UserProfile struct {
	OwnerID             string           `json:"owner_id"`
	SetupPhase          SetupPhase       `json:"setup_phase"`
	NotificationEnabled bool             `json:"notification_enabled"`
	CallbackURL         string           `json:"callback_url,omitempty"`
	SetupTest           *TestResult      `json:"setup_test,omitempty"`
	IntegrationTest     *IntegrationTest `json:"integration_test,omitempty"`
	CreatedAt           time.Time        `json:"created_at"`
	UpdatedAt           time.Time        `json:"updated_at"`
}

// TestResult records the outcome of a connectivity or integration check.
type TestResult struct {
	Success   bool      `json:"success"`
	Timestamp time.Time `json:"timestamp"`
	Details   string    `json:"details,omitempty"`
	Error     string    `json:"error,omitempty"`
}

// Integration test step names, in nominal order. Steps are tracked
// independently because the two systems talk over plain HTTP and neither
// ordering nor exactly-once delivery can be assumed.
const (
	StepStarted            = "STARTED"
	StepGASWebhookReceived = "GAS_WEBHOOK_RECEIVED"
	StepLicenseIssued      = "LICENSE_ISSUED"
	StepCompleted          = "COMPLETED"
)

// IntegrationTest is the per-user record of one synthetic end-to-end run.
// At most one active test exists per user.
type IntegrationTest struct {
	TestID      string                 `json:"test_id"`
	Endpoint    string                 `json:"endpoint"`
	CurrentStep string                 `json:"current_step"`
	Steps       map[string]*TestResult `json:"steps"`
	Active      bool                   `json:"active"`
	CanRetry    bool                   `json:"can_retry"`
	StartedAt   time.Time              `json:"started_at"`
}

// StepResult returns the recorded result for a step, or nil.
func (t *IntegrationTest) StepResult(step string) *TestResult {
	if t == nil || t.Steps == nil {
		return nil
	}
	return t.Steps[step]
}
