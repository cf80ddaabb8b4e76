package paypal

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"

	"disputeflow/dispute"
)

// ErrUnexpectedStatus signals a PayPal API response outside the 2xx range.
var ErrUnexpectedStatus = errors.New("paypal: unexpected response status")

const (
	// LiveBaseURL is the production PayPal REST endpoint.
	LiveBaseURL = "https://api-m.paypal.com"
	// SandboxBaseURL is the PayPal sandbox REST endpoint.
	SandboxBaseURL = "https://api-m.sandbox.paypal.com"

	verifyMaxRetries = 3
)

// Config carries the credentials for one PayPal REST app.
type Config struct {
	BaseURL   string
	ClientID  string
	Secret    string
	WebhookID string
}

// Client talks to the PayPal REST API. It implements dispute.ProviderClient.
// OAuth tokens are fetched lazily and cached until shortly before expiry.
type Client struct {
	cfg  Config
	http *http.Client

	mu          sync.Mutex
	accessToken string
	tokenExpiry time.Time
}

func NewClient(cfg Config, httpClient *http.Client) *Client {
	if cfg.BaseURL == "" {
		cfg.BaseURL = LiveBaseURL
	}
	cfg.BaseURL = strings.TrimRight(cfg.BaseURL, "/")
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 15 * time.Second}
	}
	return &Client{cfg: cfg, http: httpClient}
}

// VerifyWebhookSignature asks PayPal whether a webhook transmission is
// authentic. The check is read-only, so transient failures are retried with
// exponential backoff before giving up.
func (c *Client) VerifyWebhookSignature(ctx context.Context, params dispute.VerifySignatureParams) (bool, error) {
	payload := map[string]any{
		"transmission_id":   params.TransmissionID,
		"transmission_time": params.TransmissionTime,
		"transmission_sig":  params.TransmissionSig,
		"cert_url":          params.CertURL,
		"auth_algo":         params.AuthAlgo,
		"webhook_id":        c.cfg.WebhookID,
		"webhook_event":     json.RawMessage(params.Body),
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return false, fmt.Errorf("paypal: marshal verification request: %w", err)
	}

	var verified bool
	operation := func() error {
		var resp struct {
			VerificationStatus string `json:"verification_status"`
		}
		if err := c.postJSON(ctx, "/v1/notifications/verify-webhook-signature", body, &resp); err != nil {
			return err
		}
		verified = resp.VerificationStatus == "SUCCESS"
		return nil
	}

	policy := backoff.WithContext(backoff.WithMaxRetries(backoff.NewExponentialBackOff(), verifyMaxRetries), ctx)
	if err := backoff.Retry(operation, policy); err != nil {
		return false, err
	}
	return verified, nil
}

// SubmitEvidence uploads the evidence pack's text payloads to the dispute
// case. The call mutates provider state, so it is never retried here; the
// caller decides whether to resubmit.
func (c *Client) SubmitEvidence(ctx context.Context, params dispute.SubmitEvidenceParams) error {
	evidence := map[string]any{
		"evidence_type": "PROOF_OF_FULFILLMENT",
		"notes":         params.Notes,
	}
	if params.TrackingNumber != "" {
		evidence["evidence_info"] = map[string]any{
			"tracking_info": []map[string]any{
				{"carrier_name": "OTHER", "tracking_number": params.TrackingNumber},
			},
		}
	}
	payload := map[string]any{
		"evidences": []map[string]any{evidence},
		"note":      params.ProductDescription,
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("paypal: marshal evidence: %w", err)
	}

	path := fmt.Sprintf("/v1/customer/disputes/%s/provide-evidence", url.PathEscape(params.ProviderCaseID))
	return c.postJSON(ctx, path, body, nil)
}

// postJSON performs an authenticated POST and decodes a JSON response into
// out when out is non-nil.
func (c *Client) postJSON(ctx context.Context, path string, body []byte, out any) error {
	token, err := c.token(ctx)
	if err != nil {
		return err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.cfg.BaseURL+path, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("paypal: build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+token)

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("paypal: %s: %w", path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("%w: %s returned %d: %s", ErrUnexpectedStatus, path, resp.StatusCode, snippet)
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("paypal: decode %s response: %w", path, err)
	}
	return nil
}

// token returns a cached OAuth access token, refreshing it when less than a
// minute of validity remains.
func (c *Client) token(ctx context.Context) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.accessToken != "" && time.Until(c.tokenExpiry) > time.Minute {
		return c.accessToken, nil
	}

	form := url.Values{"grant_type": {"client_credentials"}}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.cfg.BaseURL+"/v1/oauth2/token", strings.NewReader(form.Encode()))
	if err != nil {
		return "", fmt.Errorf("paypal: build token request: %w", err)
	}
	req.SetBasicAuth(c.cfg.ClientID, c.cfg.Secret)
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := c.http.Do(req)
	if err != nil {
		return "", fmt.Errorf("paypal: fetch token: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("%w: token endpoint returned %d", ErrUnexpectedStatus, resp.StatusCode)
	}

	var body struct {
		AccessToken string `json:"access_token"`
		ExpiresIn   int64  `json:"expires_in"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return "", fmt.Errorf("paypal: decode token response: %w", err)
	}
	if body.AccessToken == "" {
		return "", fmt.Errorf("paypal: token response missing access_token")
	}

	c.accessToken = body.AccessToken
	c.tokenExpiry = time.Now().Add(time.Duration(body.ExpiresIn) * time.Second)
	return c.accessToken, nil
}
