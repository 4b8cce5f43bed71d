package payments

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
	"golang.org/x/time/rate"
)

// Client talks to the payment provider's REST API.
type Client struct {
	baseURL    string
	keyID      string
	secret     string
	httpClient *http.Client
	limiter    *rate.Limiter
}

// ClientConfig represents the provider client configuration.
type ClientConfig struct {
	BaseURL           string
	KeyID             string
	Secret            string
	Timeout           time.Duration
	RequestsPerMinute float64
}

// NewClient constructs a provider client. RequestsPerMinute caps outbound
// calls; zero disables the limiter.
func NewClient(cfg ClientConfig) *Client {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 15 * time.Second
	}
	var limiter *rate.Limiter
	if cfg.RequestsPerMinute > 0 {
		limiter = rate.NewLimiter(rate.Limit(cfg.RequestsPerMinute/60), int(cfg.RequestsPerMinute))
	}
	return &Client{
		baseURL: strings.TrimRight(strings.TrimSpace(cfg.BaseURL), "/"),
		keyID:   strings.TrimSpace(cfg.KeyID),
		secret:  strings.TrimSpace(cfg.Secret),
		httpClient: &http.Client{
			Timeout: timeout,
		},
		limiter: limiter,
	}
}

// CreateOrder opens an escrow order for one payer of a room.
func (c *Client) CreateOrder(ctx context.Context, roomID, payerID uuid.UUID, amount float64, currency string) (*Order, error) {
	if err := c.allow(ctx); err != nil {
		return nil, err
	}
	payload := map[string]any{
		"reference": fmt.Sprintf("%s:%s", roomID, payerID),
		"amount":    amount,
		"currency":  strings.ToUpper(strings.TrimSpace(currency)),
	}
	var result struct {
		OrderID  string  `json:"order_id"`
		Amount   float64 `json:"amount"`
		Currency string  `json:"currency"`
	}
	if err := c.post(ctx, "/v1/orders", "", payload, &result); err != nil {
		return nil, err
	}
	if strings.TrimSpace(result.OrderID) == "" {
		return nil, fmt.Errorf("payments: provider returned empty order id")
	}
	return &Order{ProviderOrderID: result.OrderID, Amount: result.Amount, Currency: result.Currency}, nil
}

// VerifyWebhookSignature checks the provider's HMAC over the raw payload.
func (c *Client) VerifyWebhookSignature(payload []byte, signature string) bool {
	return VerifySignature(c.secret, payload, signature)
}

// ReleaseBalance releases the final escrow balance for a room. The idempotency
// key header makes replays return the original release instead of paying twice.
func (c *Client) ReleaseBalance(ctx context.Context, roomID uuid.UUID, amount float64, idempotencyKey string) (*ReleaseResult, error) {
	if err := c.allow(ctx); err != nil {
		return nil, err
	}
	payload := map[string]any{
		"room_reference": roomID.String(),
		"amount":         amount,
	}
	var result struct {
		ReleaseID string  `json:"release_id"`
		Amount    float64 `json:"amount"`
		Status    string  `json:"status"`
	}
	if err := c.post(ctx, "/v1/releases", idempotencyKey, payload, &result); err != nil {
		return nil, err
	}
	if !strings.EqualFold(result.Status, "released") {
		return nil, fmt.Errorf("%w: status %s", ErrReleaseRejected, result.Status)
	}
	return &ReleaseResult{ProviderReleaseID: result.ReleaseID, Amount: result.Amount}, nil
}

func (c *Client) post(ctx context.Context, path, idempotencyKey string, payload, out any) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.SetBasicAuth(c.keyID, c.secret)
	if idempotencyKey != "" {
		req.Header.Set("Idempotency-Key", idempotencyKey)
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("payments: %s: %w", path, err)
	}
	defer resp.Body.Close()
	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return err
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return fmt.Errorf("payments: %s: status %d: %s", path, resp.StatusCode, strings.TrimSpace(string(raw)))
	}
	if out == nil {
		return nil
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return fmt.Errorf("payments: %s: decode: %w", path, err)
	}
	return nil
}

func (c *Client) allow(ctx context.Context) error {
	if c.limiter == nil {
		return nil
	}
	if !c.limiter.Allow() {
		return ErrRateLimited
	}
	_ = ctx
	return nil
}
