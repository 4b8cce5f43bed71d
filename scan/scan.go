// Package scan wraps the external virus scanning collaborator.
package scan

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"

	"swapdesk/payments"
)

// Verdicts reported by the scanner.
const (
	VerdictClean    = "clean"
	VerdictInfected = "infected"
	VerdictPending  = "pending"
)

// Result is a scanner verdict for one submission.
type Result struct {
	ScanID   string
	Verdict  string
	Detail   string
}

// Scanner is the virus scanning contract. Submit is asynchronous; the verdict
// arrives via webhook or is polled by the scan-status re-driver.
type Scanner interface {
	Submit(ctx context.Context, artifactID uuid.UUID, path string) (scanID string, err error)
	CheckStatus(ctx context.Context, scanID string) (*Result, error)
}

// WebhookPayload is the scanner's completion callback body.
type WebhookPayload struct {
	ScanID  string `json:"scan_id"`
	Verdict string `json:"verdict"`
	Detail  string `json:"detail"`
}

// VerifyWebhookSignature checks the scanner's HMAC over the raw payload.
func VerifyWebhookSignature(secret string, payload []byte, signature string) bool {
	return payments.VerifySignature(secret, payload, signature)
}

// Client talks to the scanning service over HTTP.
type Client struct {
	baseURL    string
	secret     string
	httpClient *http.Client
}

// NewClient constructs a scanner client.
func NewClient(baseURL, secret string, timeout time.Duration) *Client {
	if timeout <= 0 {
		timeout = 15 * time.Second
	}
	return &Client{
		baseURL:    strings.TrimRight(strings.TrimSpace(baseURL), "/"),
		secret:     strings.TrimSpace(secret),
		httpClient: &http.Client{Timeout: timeout},
	}
}

// Submit enqueues a scan for the stored object and returns the scan id.
func (c *Client) Submit(ctx context.Context, artifactID uuid.UUID, path string) (string, error) {
	payload := map[string]string{
		"artifact_id": artifactID.String(),
		"path":        path,
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return "", err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/v1/scans", bytes.NewReader(body))
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+c.secret)
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("scan: submit %s: %w", artifactID, err)
	}
	defer resp.Body.Close()
	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", err
	}
	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusAccepted {
		return "", fmt.Errorf("scan: submit %s: status %d: %s", artifactID, resp.StatusCode, strings.TrimSpace(string(raw)))
	}
	var result struct {
		ScanID string `json:"scan_id"`
	}
	if err := json.Unmarshal(raw, &result); err != nil {
		return "", err
	}
	if strings.TrimSpace(result.ScanID) == "" {
		return "", fmt.Errorf("scan: submit %s: empty scan id", artifactID)
	}
	return result.ScanID, nil
}

// CheckStatus polls the scanner for a verdict.
func (c *Client) CheckStatus(ctx context.Context, scanID string) (*Result, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/v1/scans/"+scanID, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Authorization", "Bearer "+c.secret)
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("scan: status %s: %w", scanID, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("scan: status %s: status %d", scanID, resp.StatusCode)
	}
	var result struct {
		Verdict string `json:"verdict"`
		Detail  string `json:"detail"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return nil, err
	}
	return &Result{ScanID: scanID, Verdict: strings.ToLower(result.Verdict), Detail: result.Detail}, nil
}
