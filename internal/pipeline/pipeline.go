// Package pipeline turns due queue messages into issued licenses. Delivery
// is at-least-once, so every step tolerates duplicates: a message for an
// application that already moved on is dropped without a sound.
package pipeline

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"sankey-license-server/internal/database"
	"sankey-license-server/internal/license"
	"sankey-license-server/internal/queue"

	"github.com/rs/zerolog"
)

// Store reads application rows.
type Store interface {
	GetApplication(ctx context.Context, ownerID, appKey string) (*database.Application, error)
}

// Activator commits the ACTIVE transition. Returns false when the
// conditional write lost to a concurrent transition.
type Activator interface {
	Activate(ctx context.Context, ownerID, appKey, licenseKey string) (bool, error)
}

// SecretSource supplies per-user master keys, creating them on first use.
type SecretSource interface {
	EnsureSecret(ctx context.Context, userID string) ([]byte, error)
}

// Mailer delivers the issued license to the applicant.
type Mailer interface {
	SendLicenseEmail(to, eaName, accountNumber, licenseKey string, expiry time.Time) error
}

// TestRecorder delivers the issued blob to the integration test run and
// records the step.
type TestRecorder interface {
	RecordLicenseIssued(ctx context.Context, ownerID, testID, licenseKey string) error
}

// Profiles reads user notification preferences.
type Profiles interface {
	GetUserProfile(ctx context.Context, ownerID string) (*database.UserProfile, error)
}

// Processor handles one queue message end to end.
type Processor struct {
	store     Store
	activator Activator
	secrets   SecretSource
	mailer    Mailer
	tests     TestRecorder
	profiles  Profiles
	client    *http.Client
	logger    zerolog.Logger
	nowFn     func() time.Time
}

// NewProcessor creates a pipeline processor.
func NewProcessor(store Store, activator Activator, secrets SecretSource, mailer Mailer, tests TestRecorder, profiles Profiles, logger zerolog.Logger) *Processor {
	return &Processor{
		store:     store,
		activator: activator,
		secrets:   secrets,
		mailer:    mailer,
		tests:     tests,
		profiles:  profiles,
		client:    &http.Client{Timeout: 10 * time.Second},
		logger:    logger.With().Str("component", "NotificationPipeline").Logger(),
		nowFn:     time.Now,
	}
}

// SetClock overrides the time source. Used by tests.
func (p *Processor) SetClock(now func() time.Time) {
	p.nowFn = now
}

// Process issues the license for one due message. A returned error means
// the message should be redelivered; nil means done, including the silent
// drops required for idempotency.
func (p *Processor) Process(ctx context.Context, msg queue.Message) error {
	app, err := p.store.GetApplication(ctx, msg.OwnerID, msg.ApplicationKey)
	if err != nil {
		return fmt.Errorf("failed to load application: %w", err)
	}
	if app == nil {
		p.logger.Warn().Str("owner_id", msg.OwnerID).Str("app_key", msg.ApplicationKey).
			Msg("Dropping message for unknown application")
		return nil
	}
	if app.Status != database.StatusAwaitingNotification {
		// Duplicate delivery or a cancellation that beat the queue.
		p.logger.Debug().Str("owner_id", msg.OwnerID).Str("app_key", msg.ApplicationKey).
			Str("status", string(app.Status)).Msg("Dropping message, application moved on")
		return nil
	}
	if app.ExpiryDate == nil {
		return fmt.Errorf("application %s has no expiry date", app.AppKey)
	}

	key, err := p.secrets.EnsureSecret(ctx, msg.OwnerID)
	if err != nil {
		return fmt.Errorf("failed to obtain master key: %w", err)
	}

	// The payload is built fresh at issuance time, never cached from the
	// submission: the expiry the operator set at approval is what counts.
	payload := license.NewPayload(app.EAName, app.AccountNumber, msg.OwnerID, *app.ExpiryDate, p.nowFn().UTC())
	blob, err := license.Encrypt(key, payload)
	if err != nil {
		return fmt.Errorf("failed to encrypt license: %w", err)
	}

	if app.IntegrationTestID != "" {
		// Synthetic run: the blob goes to the automation endpoint for
		// verification instead of a real user's inbox.
		if err := p.tests.RecordLicenseIssued(ctx, msg.OwnerID, app.IntegrationTestID, blob); err != nil {
			return fmt.Errorf("failed to record integration test step: %w", err)
		}
		p.logger.Info().Str("owner_id", msg.OwnerID).Str("test_id", app.IntegrationTestID).
			Msg("Integration test license issued")
	} else {
		if err := p.mailer.SendLicenseEmail(app.Email, app.EAName, app.AccountNumber, blob, *app.ExpiryDate); err != nil {
			return fmt.Errorf("failed to send license email: %w", err)
		}
	}

	applied, err := p.activator.Activate(ctx, msg.OwnerID, msg.ApplicationKey, blob)
	if err != nil {
		return fmt.Errorf("failed to activate application: %w", err)
	}
	if !applied {
		p.logger.Info().Str("owner_id", msg.OwnerID).Str("app_key", msg.ApplicationKey).
			Msg("Activation lost to concurrent transition, dropping")
		return nil
	}

	p.logger.Info().Str("owner_id", msg.OwnerID).Str("app_key", msg.ApplicationKey).
		Str("ea_name", app.EAName).Time("expiry", *app.ExpiryDate).
		Msg("License issued")

	p.notifyCallback(ctx, msg.OwnerID, app)
	return nil
}

// notifyCallback posts an issuance notice to the user's callback URL.
// Strictly best-effort: failures are logged and never surfaced.
func (p *Processor) notifyCallback(ctx context.Context, ownerID string, app *database.Application) {
	profile, err := p.profiles.GetUserProfile(ctx, ownerID)
	if err != nil || profile == nil {
		return
	}
	if !profile.NotificationEnabled || profile.CallbackURL == "" {
		return
	}

	body, err := json.Marshal(map[string]interface{}{
		"event":   "license_issued",
		"appKey":  app.AppKey,
		"eaName":  app.EAName,
		"account": app.AccountNumber,
		"expiry":  app.ExpiryDate.UTC().Format(time.RFC3339),
	})
	if err != nil {
		return
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, profile.CallbackURL, bytes.NewReader(body))
	if err != nil {
		return
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := p.client.Do(req)
	if err != nil {
		p.logger.Warn().Err(err).Str("owner_id", ownerID).Str("url", profile.CallbackURL).
			Msg("User callback failed")
		return
	}
	resp.Body.Close()
	if resp.StatusCode >= 300 {
		p.logger.Warn().Int("status", resp.StatusCode).Str("owner_id", ownerID).
			Msg("User callback returned non-success")
	}
}
