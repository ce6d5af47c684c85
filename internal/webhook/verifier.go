// Package webhook authenticates inbound license submissions from the
// external form-automation client. Tokens look like JWTs but are verified
// manually: the check sequence, the clock-skew rule and the application
// field validation are all part of the wire contract.
package webhook

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"sankey-license-server/internal/apperr"
)

// MaxClockSkew is how far in the future an iat claim may sit before the
// token is rejected.
const MaxClockSkew = 60 * time.Second

// SubmissionRequest is the raw webhook body. The iv/hmac fields are
// vestiges of a deprecated non-token scheme and are ignored once data
// parses as a three-segment token.
type SubmissionRequest struct {
	UserID string `json:"userId"`
	Data   string `json:"data"`
	IV     string `json:"iv"`
	HMAC   string `json:"hmac"`
}

// SubmissionData is the application payload carried inside a verified token.
type SubmissionData struct {
	EAName            string `json:"eaName"`
	AccountNumber     string `json:"accountNumber"`
	Broker            string `json:"broker"`
	Email             string `json:"email"`
	XAccount          string `json:"xAccount,omitempty"`
	IntegrationTestID string `json:"integrationTestId,omitempty"`
}

// Claims is the verified content of a submission token.
type Claims struct {
	UserID    string
	IssuedAt  time.Time
	ExpiresAt time.Time
	Data      SubmissionData
}

type tokenHeader struct {
	Alg string `json:"alg"`
	Typ string `json:"typ"`
}

type tokenPayload struct {
	Data     *SubmissionData `json:"data"`
	IssuedAt int64           `json:"iat"`
	Expiry   int64           `json:"exp"`
	UserID   string          `json:"userId"`
}

// Verify authenticates a submission token against the submitting user's
// master secret. Verification is pure: no side effects, no store access.
// Every sub-check failure collapses to the same opaque error so a caller
// cannot learn which check failed.
func Verify(token string, secret []byte) (*Claims, error) {
	segments := strings.Split(token, ".")
	if len(segments) != 3 {
		return nil, apperr.AuthenticationFailed(fmt.Errorf("token has %d segments", len(segments)))
	}

	headerJSON, err := base64.RawURLEncoding.DecodeString(segments[0])
	if err != nil {
		return nil, apperr.AuthenticationFailed(fmt.Errorf("header is not base64url: %w", err))
	}
	var header tokenHeader
	if err := json.Unmarshal(headerJSON, &header); err != nil {
		return nil, apperr.AuthenticationFailed(fmt.Errorf("header is not json: %w", err))
	}
	if header.Alg != "HS256" || header.Typ != "JWT" {
		return nil, apperr.AuthenticationFailed(fmt.Errorf("unexpected header alg=%q typ=%q", header.Alg, header.Typ))
	}

	signature, err := base64.RawURLEncoding.DecodeString(segments[2])
	if err != nil {
		return nil, apperr.AuthenticationFailed(fmt.Errorf("signature is not base64url: %w", err))
	}

	mac := hmac.New(sha256.New, secret)
	mac.Write([]byte(segments[0] + "." + segments[1]))
	if !hmac.Equal(signature, mac.Sum(nil)) {
		return nil, apperr.AuthenticationFailed(fmt.Errorf("signature mismatch"))
	}

	payloadJSON, err := base64.RawURLEncoding.DecodeString(segments[1])
	if err != nil {
		return nil, apperr.AuthenticationFailed(fmt.Errorf("payload is not base64url: %w", err))
	}
	var payload tokenPayload
	if err := json.Unmarshal(payloadJSON, &payload); err != nil {
		return nil, apperr.AuthenticationFailed(fmt.Errorf("payload is not json: %w", err))
	}

	now := time.Now()
	expiresAt := time.Unix(payload.Expiry, 0)
	issuedAt := time.Unix(payload.IssuedAt, 0)
	if now.After(expiresAt) {
		return nil, apperr.AuthenticationFailed(fmt.Errorf("token expired at %s", expiresAt.UTC().Format(time.RFC3339)))
	}
	if issuedAt.After(now.Add(MaxClockSkew)) {
		return nil, apperr.AuthenticationFailed(fmt.Errorf("token issued too far in the future: %s", issuedAt.UTC().Format(time.RFC3339)))
	}

	if payload.Data == nil {
		return nil, apperr.AuthenticationFailed(fmt.Errorf("payload carries no data field"))
	}
	if err := ValidateSubmission(*payload.Data); err != nil {
		return nil, apperr.AuthenticationFailed(err)
	}

	return &Claims{
		UserID:    payload.UserID,
		IssuedAt:  issuedAt,
		ExpiresAt: expiresAt,
		Data:      *payload.Data,
	}, nil
}

// ValidateSubmission checks that all required application fields are present
// and non-empty.
func ValidateSubmission(data SubmissionData) error {
	missing := make([]string, 0, 4)
	if strings.TrimSpace(data.EAName) == "" {
		missing = append(missing, "eaName")
	}
	if strings.TrimSpace(data.Broker) == "" {
		missing = append(missing, "broker")
	}
	if strings.TrimSpace(data.AccountNumber) == "" {
		missing = append(missing, "accountNumber")
	}
	if strings.TrimSpace(data.Email) == "" {
		missing = append(missing, "email")
	}
	if len(missing) > 0 {
		return fmt.Errorf("missing required fields: %s", strings.Join(missing, ", "))
	}
	return nil
}

// SignToken builds a signed submission token. Used by the admin CLI and the
// integration tests; the production emitter is the external client.
func SignToken(secret []byte, userID string, data SubmissionData, issuedAt time.Time, ttl time.Duration) (string, error) {
	header, err := json.Marshal(tokenHeader{Alg: "HS256", Typ: "JWT"})
	if err != nil {
		return "", err
	}
	payload, err := json.Marshal(tokenPayload{
		Data:     &data,
		IssuedAt: issuedAt.Unix(),
		Expiry:   issuedAt.Add(ttl).Unix(),
		UserID:   userID,
	})
	if err != nil {
		return "", err
	}

	signing := base64.RawURLEncoding.EncodeToString(header) + "." + base64.RawURLEncoding.EncodeToString(payload)
	mac := hmac.New(sha256.New, secret)
	mac.Write([]byte(signing))

	return signing + "." + base64.RawURLEncoding.EncodeToString(mac.Sum(nil)), nil
}
