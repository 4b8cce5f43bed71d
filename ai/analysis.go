// Package ai wraps the external content analysis collaborator that reviews
// sealed containers. It reads artifact references only and never mutates them.
package ai

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

// ArtifactRef identifies one artifact submitted for analysis.
type ArtifactRef struct {
	ArtifactID uuid.UUID `json:"artifact_id"`
	FileHash   string    `json:"file_hash"`
	FileName   string    `json:"file_name"`
	SignedURL  string    `json:"signed_url"`
}

// Analyzer is the analysis contract. RequestAnalysis is asynchronous; the
// result arrives via webhook and is stored on the container.
type Analyzer interface {
	RequestAnalysis(ctx context.Context, containerID uuid.UUID, refs []ArtifactRef) (requestID string, err error)
}

// WebhookPayload is the analyzer's completion callback body.
type WebhookPayload struct {
	RequestID   string          `json:"request_id"`
	ContainerID uuid.UUID       `json:"container_id"`
	Summary     string          `json:"summary"`
	Details     json.RawMessage `json:"details"`
}

// VerifyWebhookSignature checks the analyzer's HMAC over the raw payload.
func VerifyWebhookSignature(secret string, payload []byte, signature string) bool {
	return payments.VerifySignature(secret, payload, signature)
}

// Client talks to the analysis service over HTTP.
type Client struct {
	baseURL    string
	secret     string
	httpClient *http.Client
}

// NewClient constructs an analysis client.
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

// RequestAnalysis submits a sealed container's artifact references for review.
func (c *Client) RequestAnalysis(ctx context.Context, containerID uuid.UUID, refs []ArtifactRef) (string, error) {
	payload := map[string]any{
		"container_id": containerID.String(),
		"artifacts":    refs,
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return "", err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/v1/analyses", bytes.NewReader(body))
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+c.secret)
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("ai: request analysis %s: %w", containerID, err)
	}
	defer resp.Body.Close()
	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", err
	}
	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusAccepted {
		return "", fmt.Errorf("ai: request analysis %s: status %d: %s", containerID, resp.StatusCode, strings.TrimSpace(string(raw)))
	}
	var result struct {
		RequestID string `json:"request_id"`
	}
	if err := json.Unmarshal(raw, &result); err != nil {
		return "", err
	}
	return result.RequestID, nil
}
