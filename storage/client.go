package storage

import (
	"bytes"
	"context"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/google/uuid"
	"lukechampine.com/blake3"
)

// Client talks to the object-store gateway over HTTP.
type Client struct {
	baseURL    string
	apiKey     string
	httpClient *http.Client
}

// ClientConfig represents the client configuration.
type ClientConfig struct {
	BaseURL string
	APIKey  string
	Timeout time.Duration
}

// NewClient constructs an object-store client targeting the supplied base URL.
func NewClient(cfg ClientConfig) *Client {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 15 * time.Second
	}
	return &Client{
		baseURL: strings.TrimRight(strings.TrimSpace(cfg.BaseURL), "/"),
		apiKey:  strings.TrimSpace(cfg.APIKey),
		httpClient: &http.Client{
			Timeout: timeout,
		},
	}
}

// HashBytes returns the hex digest used for content addressing.
func HashBytes(data []byte) string {
	sum := blake3.Sum256(data)
	return hex.EncodeToString(sum[:])
}

// ObjectPath derives the canonical location of a blob under an owner prefix.
func ObjectPath(ownerID uuid.UUID, hash, name string) string {
	return fmt.Sprintf("%s/%s/%s", ownerID, hash, name)
}

// Upload persists the blob under a content-addressed path.
func (c *Client) Upload(ctx context.Context, ownerID uuid.UUID, name string, data []byte) (*UploadResult, error) {
	hash := HashBytes(data)
	path := ObjectPath(ownerID, hash, name)
	req, err := http.NewRequestWithContext(ctx, http.MethodPut, c.objectURL(path), bytes.NewReader(data))
	if err != nil {
		return nil, err
	}
	c.authorize(req)
	req.Header.Set("Content-Type", "application/octet-stream")
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("storage: upload %s: %w", path, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusCreated {
		return nil, fmt.Errorf("storage: upload %s: status %d", path, resp.StatusCode)
	}
	return &UploadResult{Hash: hash, Path: path}, nil
}

// Delete removes an object. Callers treat failures as best-effort.
func (c *Client) Delete(ctx context.Context, path string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodDelete, c.objectURL(path), nil)
	if err != nil {
		return err
	}
	c.authorize(req)
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("storage: delete %s: %w", path, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusNoContent && resp.StatusCode != http.StatusNotFound {
		return fmt.Errorf("storage: delete %s: status %d", path, resp.StatusCode)
	}
	return nil
}

// Exists reports object presence via a HEAD request.
func (c *Client) Exists(ctx context.Context, path string) (bool, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodHead, c.objectURL(path), nil)
	if err != nil {
		return false, err
	}
	c.authorize(req)
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return false, fmt.Errorf("storage: head %s: %w", path, err)
	}
	defer resp.Body.Close()
	switch resp.StatusCode {
	case http.StatusOK:
		return true, nil
	case http.StatusNotFound:
		return false, nil
	default:
		return false, fmt.Errorf("storage: head %s: status %d", path, resp.StatusCode)
	}
}

// MoveArtifacts relocates a container's objects to the destination owner's
// prefix. The gateway treats identical source/destination pairs as no-ops, so
// a replay after a partial failure converges instead of duplicating.
func (c *Client) MoveArtifacts(ctx context.Context, containerID uuid.UUID, destinationOwner uuid.UUID, paths []string) (map[string]string, error) {
	payload := map[string]any{
		"container_id":      containerID.String(),
		"destination_owner": destinationOwner.String(),
		"paths":             paths,
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/v1/move", bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	c.authorize(req)
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Idempotency-Key", fmt.Sprintf("move:%s:%s", containerID, destinationOwner))
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("storage: move container %s: %w", containerID, err)
	}
	defer resp.Body.Close()
	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("storage: move container %s: status %d: %s", containerID, resp.StatusCode, strings.TrimSpace(string(raw)))
	}
	var result struct {
		Moved map[string]string `json:"moved"`
	}
	if err := json.Unmarshal(raw, &result); err != nil {
		return nil, fmt.Errorf("storage: move container %s: decode: %w", containerID, err)
	}
	return result.Moved, nil
}

// SignedURL produces a read-only URL for the object valid for the TTL.
func (c *Client) SignedURL(ctx context.Context, path string, ttl time.Duration) (string, error) {
	endpoint := fmt.Sprintf("%s/v1/sign?path=%s&ttl=%d", c.baseURL, url.QueryEscape(path), int(ttl.Seconds()))
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return "", err
	}
	c.authorize(req)
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("storage: sign %s: %w", path, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode == http.StatusNotFound {
		return "", ErrObjectMissing
	}
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("storage: sign %s: status %d", path, resp.StatusCode)
	}
	var result struct {
		URL string `json:"url"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return "", err
	}
	return result.URL, nil
}

func (c *Client) objectURL(path string) string {
	return c.baseURL + "/v1/objects/" + url.PathEscape(path)
}

func (c *Client) authorize(req *http.Request) {
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}
}
