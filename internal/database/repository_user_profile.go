package database

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
)

// GetUserProfile retrieves a profile, or nil when none exists yet.
func (r *Repository) GetUserProfile(ctx context.Context, ownerID string) (*UserProfile, error) {
	query := `
	SELECT owner_id, setup_phase, notification_enabled, COALESCE(callback_url, ''),
	       setup_test, integration_test, created_at, updated_at
	FROM user_profiles
	WHERE owner_id = $1
	`

	var p UserProfile
	var setupTest, integrationTest []byte

	err := r.db.Pool.QueryRow(ctx, query, ownerID).Scan(
		&p.OwnerID,
		&p.SetupPhase,
		&p.NotificationEnabled,
		&p.CallbackURL,
		&setupTest,
		&integrationTest,
		&p.CreatedAt,
		&p.UpdatedAt,
	)
	if err == pgx.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get user profile: %w", err)
	}

	if len(setupTest) > 0 {
		if err := json.Unmarshal(setupTest, &p.SetupTest); err != nil {
			return nil, fmt.Errorf("failed to decode setup test record: %w", err)
		}
	}
	if len(integrationTest) > 0 {
		if err := json.Unmarshal(integrationTest, &p.IntegrationTest); err != nil {
			return nil, fmt.Errorf("failed to decode integration test record: %w", err)
		}
	}

	return &p, nil
}

// GetOrCreateUserProfile returns the profile, creating it lazily on first
// access in phase SETUP.
func (r *Repository) GetOrCreateUserProfile(ctx context.Context, ownerID string) (*UserProfile, error) {
	profile, err := r.GetUserProfile(ctx, ownerID)
	if err != nil {
		return nil, err
	}
	if profile != nil {
		return profile, nil
	}

	now := time.Now()
	query := `
	INSERT INTO user_profiles (owner_id, setup_phase, notification_enabled, created_at, updated_at)
	VALUES ($1, $2, true, $3, $3)
	ON CONFLICT (owner_id) DO NOTHING
	`
	if _, err := r.db.Pool.Exec(ctx, query, ownerID, PhaseSetup, now); err != nil {
		return nil, fmt.Errorf("failed to create user profile: %w", err)
	}

	// Re-read in case a concurrent request created it first.
	return r.GetUserProfile(ctx, ownerID)
}

// UpdateNotificationSettings updates delivery preferences.
func (r *Repository) UpdateNotificationSettings(ctx context.Context, ownerID string, enabled bool, callbackURL string) error {
	query := `
	UPDATE user_profiles
	SET notification_enabled = $2, callback_url = $3, updated_at = NOW()
	WHERE owner_id = $1
	`
	_, err := r.db.Pool.Exec(ctx, query, ownerID, enabled, callbackURL)
	if err != nil {
		return fmt.Errorf("failed to update notification settings: %w", err)
	}
	return nil
}

// AdvanceSetupPhase moves the phase forward with a conditional write; the
// phase never regresses. Returns false when the profile was not in the
// expected phase.
func (r *Repository) AdvanceSetupPhase(ctx context.Context, ownerID string, from, to SetupPhase) (bool, error) {
	query := `
	UPDATE user_profiles
	SET setup_phase = $3, updated_at = NOW()
	WHERE owner_id = $1 AND setup_phase = $2
	`
	tag, err := r.db.Pool.Exec(ctx, query, ownerID, from, to)
	if err != nil {
		return false, fmt.Errorf("failed to advance setup phase: %w", err)
	}
	return tag.RowsAffected() == 1, nil
}

// SaveSetupTestResult stores the connectivity self-test outcome.
func (r *Repository) SaveSetupTestResult(ctx context.Context, ownerID string, result *TestResult) error {
	data, err := json.Marshal(result)
	if err != nil {
		return fmt.Errorf("failed to encode setup test result: %w", err)
	}

	query := `UPDATE user_profiles SET setup_test = $2, updated_at = NOW() WHERE owner_id = $1`
	if _, err := r.db.Pool.Exec(ctx, query, ownerID, data); err != nil {
		return fmt.Errorf("failed to save setup test result: %w", err)
	}
	return nil
}

// SaveIntegrationTest replaces the per-user integration test record. A nil
// test clears the record.
func (r *Repository) SaveIntegrationTest(ctx context.Context, ownerID string, test *IntegrationTest) error {
	var data []byte
	if test != nil {
		var err error
		data, err = json.Marshal(test)
		if err != nil {
			return fmt.Errorf("failed to encode integration test: %w", err)
		}
	}

	query := `UPDATE user_profiles SET integration_test = $2, updated_at = NOW() WHERE owner_id = $1`
	if _, err := r.db.Pool.Exec(ctx, query, ownerID, data); err != nil {
		return fmt.Errorf("failed to save integration test: %w", err)
	}
	return nil
}
