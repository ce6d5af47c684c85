package pipeline

import (
	"context"
	"errors"
	"testing"
	"time"

	"sankey-license-server/internal/database"
	"sankey-license-server/internal/license"
	"sankey-license-server/internal/queue"

	"github.com/rs/zerolog"
)

type fakeStore struct {
	app *database.Application
	err error
}

func (f *fakeStore) GetApplication(context.Context, string, string) (*database.Application, error) {
	return f.app, f.err
}

type fakeActivator struct {
	applied    bool
	err        error
	calls      int
	licenseKey string
}

func (f *fakeActivator) Activate(_ context.Context, _, _, licenseKey string) (bool, error) {
	f.calls++
	f.licenseKey = licenseKey
	return f.applied, f.err
}

type fakeSecrets struct {
	key []byte
	err error
}

func (f *fakeSecrets) EnsureSecret(context.Context, string) ([]byte, error) {
	return f.key, f.err
}

type fakeMailer struct {
	err   error
	calls int
	to    string
	key   string
}

func (f *fakeMailer) SendLicenseEmail(to, _, _, licenseKey string, _ time.Time) error {
	f.calls++
	f.to = to
	f.key = licenseKey
	return f.err
}

type fakeRecorder struct {
	err        error
	calls      int
	testID     string
	licenseKey string
}

func (f *fakeRecorder) RecordLicenseIssued(_ context.Context, _, testID, licenseKey string) error {
	f.calls++
	f.testID = testID
	f.licenseKey = licenseKey
	return f.err
}

type fakeProfiles struct {
	profile *database.UserProfile
}

func (f *fakeProfiles) GetUserProfile(context.Context, string) (*database.UserProfile, error) {
	return f.profile, nil
}

func awaitingApp() *database.Application {
	expiry := time.Date(2027, 3, 1, 0, 0, 0, 0, time.UTC)
	approved := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	return &database.Application{
		ID:            "app-1",
		OwnerID:       "user-1",
		AppKey:        "1234_ICMarkets_1234567_TrendRider",
		EAName:        "TrendRider",
		AccountNumber: "1234567",
		Broker:        "ICMarkets",
		Email:         "trader@example.com",
		Status:        database.StatusAwaitingNotification,
		ApprovedAt:    &approved,
		ExpiryDate:    &expiry,
	}
}

type deps struct {
	store     *fakeStore
	activator *fakeActivator
	secrets   *fakeSecrets
	mailer    *fakeMailer
	recorder  *fakeRecorder
	profiles  *fakeProfiles
}

func newTestProcessor(app *database.Application) (*Processor, *deps) {
	d := &deps{
		store:     &fakeStore{app: app},
		activator: &fakeActivator{applied: true},
		secrets:   &fakeSecrets{key: make([]byte, 32)},
		mailer:    &fakeMailer{},
		recorder:  &fakeRecorder{},
		profiles:  &fakeProfiles{},
	}
	p := NewProcessor(d.store, d.activator, d.secrets, d.mailer, d.recorder, d.profiles, zerolog.Nop())
	p.SetClock(func() time.Time { return time.Date(2026, 3, 1, 12, 5, 0, 0, time.UTC) })
	return p, d
}

func testMessage() queue.Message {
	return queue.Message{ApplicationKey: "1234_ICMarkets_1234567_TrendRider", OwnerID: "user-1"}
}

func TestProcessIssuesLicense(t *testing.T) {
	app := awaitingApp()
	p, d := newTestProcessor(app)

	if err := p.Process(context.Background(), testMessage()); err != nil {
		t.Fatalf("Process: %v", err)
	}
	if d.mailer.calls != 1 || d.mailer.to != "trader@example.com" {
		t.Errorf("mailer calls = %d to = %q", d.mailer.calls, d.mailer.to)
	}
	if d.activator.calls != 1 {
		t.Errorf("activator calls = %d, want 1", d.activator.calls)
	}
	if d.mailer.key != d.activator.licenseKey {
		t.Error("mailed key differs from activated key")
	}
	if d.recorder.calls != 0 {
		t.Errorf("recorder calls = %d, want 0 for untagged application", d.recorder.calls)
	}

	// The mailed blob must decode to a fresh payload bound to the account.
	payload, err := license.Decrypt(d.secrets.key, d.mailer.key, app.AccountNumber)
	if err != nil {
		t.Fatalf("Decrypt issued blob: %v", err)
	}
	if payload.EAName != "TrendRider" || payload.UserID != "user-1" {
		t.Errorf("payload = %+v", payload)
	}
	if !payload.Expiry.Equal(*app.ExpiryDate) {
		t.Errorf("payload expiry = %v, want %v", payload.Expiry, app.ExpiryDate)
	}
}

func TestProcessDropsUnknownApplication(t *testing.T) {
	p, d := newTestProcessor(nil)

	if err := p.Process(context.Background(), testMessage()); err != nil {
		t.Fatalf("Process: %v", err)
	}
	if d.mailer.calls != 0 || d.activator.calls != 0 {
		t.Error("unknown application should be dropped without side effects")
	}
}

func TestProcessDropsDuplicateDelivery(t *testing.T) {
	app := awaitingApp()
	app.Status = database.StatusActive
	p, d := newTestProcessor(app)

	if err := p.Process(context.Background(), testMessage()); err != nil {
		t.Fatalf("Process: %v", err)
	}
	if d.mailer.calls != 0 || d.activator.calls != 0 {
		t.Error("duplicate delivery should be a silent no-op")
	}
}

func TestProcessDropsCancelled(t *testing.T) {
	app := awaitingApp()
	app.Status = database.StatusCancelled
	p, d := newTestProcessor(app)

	if err := p.Process(context.Background(), testMessage()); err != nil {
		t.Fatalf("Process: %v", err)
	}
	if d.mailer.calls != 0 {
		t.Error("cancelled application must not receive a license")
	}
}

func TestProcessTaggedSkipsEmail(t *testing.T) {
	app := awaitingApp()
	app.IntegrationTestID = "test-42"
	p, d := newTestProcessor(app)

	if err := p.Process(context.Background(), testMessage()); err != nil {
		t.Fatalf("Process: %v", err)
	}
	if d.mailer.calls != 0 {
		t.Error("tagged application must not send email")
	}
	if d.recorder.calls != 1 || d.recorder.testID != "test-42" {
		t.Errorf("recorder calls = %d testID = %q", d.recorder.calls, d.recorder.testID)
	}
	if d.activator.calls != 1 {
		t.Error("tagged application should still activate")
	}

	// The issued blob reaches the automation endpoint instead of an inbox,
	// and it must be the same blob that was activated.
	if d.recorder.licenseKey != d.activator.licenseKey {
		t.Error("recorded key differs from activated key")
	}
	payload, err := license.Decrypt(d.secrets.key, d.recorder.licenseKey, app.AccountNumber)
	if err != nil {
		t.Fatalf("Decrypt delivered blob: %v", err)
	}
	if payload.EAName != "TrendRider" || payload.UserID != "user-1" {
		t.Errorf("payload = %+v", payload)
	}
}

func TestProcessTaggedRecorderFailureRetries(t *testing.T) {
	app := awaitingApp()
	app.IntegrationTestID = "test-42"
	p, d := newTestProcessor(app)
	d.recorder.err = errors.New("endpoint unreachable")

	if err := p.Process(context.Background(), testMessage()); err == nil {
		t.Fatal("Process should return error when license delivery fails")
	}
	if d.activator.calls != 0 {
		t.Error("failed delivery must not activate")
	}
}

func TestProcessMailerFailureRetries(t *testing.T) {
	app := awaitingApp()
	p, d := newTestProcessor(app)
	d.mailer.err = errors.New("smtp timeout")

	if err := p.Process(context.Background(), testMessage()); err == nil {
		t.Fatal("Process should return error on mail failure")
	}
	if d.activator.calls != 0 {
		t.Error("failed delivery must not activate")
	}
}

func TestProcessSecretFailureRetries(t *testing.T) {
	p, d := newTestProcessor(awaitingApp())
	d.secrets.err = errors.New("vault sealed")

	if err := p.Process(context.Background(), testMessage()); err == nil {
		t.Fatal("Process should return error on secret failure")
	}
	if d.mailer.calls != 0 {
		t.Error("no email without a master key")
	}
}

func TestProcessActivationLossIsSilent(t *testing.T) {
	p, d := newTestProcessor(awaitingApp())
	d.activator.applied = false

	if err := p.Process(context.Background(), testMessage()); err != nil {
		t.Fatalf("Process: %v", err)
	}
	if d.activator.calls != 1 {
		t.Errorf("activator calls = %d, want 1", d.activator.calls)
	}
}
