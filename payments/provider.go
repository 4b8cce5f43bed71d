// Package payments wraps the external payment provider holding escrow funds.
package payments

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"errors"

	"github.com/google/uuid"
)

var (
	// ErrReleaseRejected indicates the provider refused the balance release.
	ErrReleaseRejected = errors.New("payments: release rejected")
	// ErrRateLimited indicates the client-side request budget is exhausted.
	ErrRateLimited = errors.New("payments: provider rate limit exceeded")
)

// Order is a provider-side escrow order awaiting payment.
type Order struct {
	ProviderOrderID string
	Amount          float64
	Currency        string
}

// ReleaseResult reports the outcome of a balance release.
type ReleaseResult struct {
	ProviderReleaseID string
	Amount            float64
}

// Provider is the payment-provider contract the exchange core depends on.
// ReleaseBalance is idempotent per key: replays return the original result.
type Provider interface {
	CreateOrder(ctx context.Context, roomID, payerID uuid.UUID, amount float64, currency string) (*Order, error)
	VerifyWebhookSignature(payload []byte, signature string) bool
	ReleaseBalance(ctx context.Context, roomID uuid.UUID, amount float64, idempotencyKey string) (*ReleaseResult, error)
}

// Sign computes the webhook signature for a payload under the shared secret.
// Exposed so tests and the provider fake produce verifiable payloads.
func Sign(secret string, payload []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(payload)
	return hex.EncodeToString(mac.Sum(nil))
}

// VerifySignature checks a webhook payload signature in constant time.
func VerifySignature(secret string, payload []byte, signature string) bool {
	expected := Sign(secret, payload)
	return hmac.Equal([]byte(expected), []byte(signature))
}
