package integration

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"sankey-license-server/config"
	"sankey-license-server/internal/logging"
)

// Client talks to the external form-automation endpoint that drives
// synthetic end-to-end runs. The endpoint reacts to a trigger by submitting
// a tagged webhook back at this server.
type Client struct {
	httpClient *http.Client
	logger     *logging.Logger
}

// NewClient creates an automation client.
func NewClient(cfg config.IntegrationConfig) *Client {
	timeout := cfg.ClientTimeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &Client{
		httpClient: &http.Client{Timeout: timeout},
		logger:     logging.WithComponent("integration-client"),
	}
}

// TriggerTest asks the automation endpoint to run a synthetic submission
// tagged with the test id.
func (c *Client) TriggerTest(ctx context.Context, endpoint, testID string) error {
	return c.post(ctx, endpoint, map[string]interface{}{
		"action":    "integration_test",
		"testId":    testID,
		"timestamp": time.Now().UTC().Format(time.RFC3339),
	})
}

// SendLicense delivers an issued license blob to the endpoint so the client
// can verify it against its copy of the shared secret.
func (c *Client) SendLicense(ctx context.Context, endpoint, testID, licenseKey string) error {
	return c.post(ctx, endpoint, map[string]interface{}{
		"action":    "integration_test_license",
		"testId":    testID,
		"license":   licenseKey,
		"timestamp": time.Now().UTC().Format(time.RFC3339),
	})
}

// SendResult reports the final outcome of a test run back to the endpoint.
func (c *Client) SendResult(ctx context.Context, endpoint, testID string, success bool, details string) error {
	return c.post(ctx, endpoint, map[string]interface{}{
		"action":    "integration_test_result",
		"testId":    testID,
		"success":   success,
		"details":   details,
		"timestamp": time.Now().UTC().Format(time.RFC3339),
	})
}

func (c *Client) post(ctx context.Context, endpoint string, payload map[string]interface{}) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("failed to marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("failed to build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("automation endpoint unreachable: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		return fmt.Errorf("automation endpoint returned status %d", resp.StatusCode)
	}

	c.logger.Debug("Automation request delivered", "endpoint", endpoint, "action", payload["action"])
	return nil
}
