// Package notify delivers fire-and-forget notifications. Delivery is retried
// a bounded number of times; exhausted deliveries are recorded to the ledger
// as isolated side-effect failures and never surfaced to the caller.
package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"swapdesk/ledger"
	"swapdesk/observability/metrics"
)

// Events emitted by the exchange core.
const (
	EventInviteSent         = "invite_sent"
	EventCounterpartyJoined = "counterparty_joined"
	EventRoomLocked         = "room_locked"
	EventRoomInProgress     = "room_in_progress"
	EventCounterpartySealed = "counterparty_sealed"
	EventValidationReady    = "validation_ready"
	EventSwapApproved       = "swap_approved"
	EventSwapCompleted      = "swap_completed"
	EventRoomFailed         = "room_failed"
	EventRoomExpired        = "room_expired"
	EventRoomCancelled      = "room_cancelled"
	EventPaymentFailed      = "payment_failed"
	EventInfectedArtifact   = "infected_artifact"
	EventOperatorAlert      = "operator_alert"
)

// Sender performs one delivery attempt.
type Sender interface {
	Send(ctx context.Context, event string, payload map[string]any) error
}

// SenderFunc adapts a function to the Sender interface.
type SenderFunc func(context.Context, string, map[string]any) error

// Send implements Sender.
func (f SenderFunc) Send(ctx context.Context, event string, payload map[string]any) error {
	return f(ctx, event, payload)
}

// Dispatcher fans deliveries out asynchronously with retry and backoff.
type Dispatcher struct {
	sender      Sender
	ledger      *ledger.Ledger
	logger      *slog.Logger
	maxAttempts int
	backoff     time.Duration
	wg          sync.WaitGroup
}

// DispatcherConfig bundles dispatcher construction inputs.
type DispatcherConfig struct {
	Sender      Sender
	Ledger      *ledger.Ledger
	Logger      *slog.Logger
	MaxAttempts int
	Backoff     time.Duration
}

// NewDispatcher constructs a dispatcher with sane defaults.
func NewDispatcher(cfg DispatcherConfig) *Dispatcher {
	maxAttempts := cfg.MaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = 3
	}
	backoff := cfg.Backoff
	if backoff <= 0 {
		backoff = 500 * time.Millisecond
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Dispatcher{
		sender:      cfg.Sender,
		ledger:      cfg.Ledger,
		logger:      logger,
		maxAttempts: maxAttempts,
		backoff:     backoff,
	}
}

// Send dispatches one notification without blocking the caller. Failures are
// retried with exponential backoff; the terminal failure is ledgered.
func (d *Dispatcher) Send(event string, resource uuid.UUID, payload map[string]any) {
	if d == nil || d.sender == nil {
		return
	}
	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		ctx := context.Background()
		delay := d.backoff
		var lastErr error
		for attempt := 1; attempt <= d.maxAttempts; attempt++ {
			if lastErr = d.sender.Send(ctx, event, payload); lastErr == nil {
				return
			}
			if attempt < d.maxAttempts {
				time.Sleep(delay)
				delay *= 2
			}
		}
		metrics.Exchange().NotifyFailure(event)
		d.logger.Warn("notification delivery exhausted",
			"event", event, "resource", resource, "error", lastErr)
		if d.ledger != nil {
			_, err := d.ledger.SideEffectFailure(ctx, ledger.Entry{
				Actor:        uuid.Nil,
				Action:       "notify." + event,
				Resource:     resource,
				ResourceType: "notification",
				Details:      fmt.Sprintf("attempts=%d error=%v", d.maxAttempts, lastErr),
			})
			if err != nil {
				d.logger.Error("recording notification failure", "event", event, "error", err)
			}
		}
	}()
}

// Wait blocks until in-flight deliveries drain. Tests and shutdown use it.
func (d *Dispatcher) Wait() {
	d.wg.Wait()
}

// HTTPSender posts events to the notification relay.
type HTTPSender struct {
	baseURL    string
	httpClient *http.Client
}

// NewHTTPSender constructs a relay-backed sender.
func NewHTTPSender(baseURL string, timeout time.Duration) *HTTPSender {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &HTTPSender{
		baseURL:    strings.TrimRight(strings.TrimSpace(baseURL), "/"),
		httpClient: &http.Client{Timeout: timeout},
	}
}

// Send implements Sender.
func (s *HTTPSender) Send(ctx context.Context, event string, payload map[string]any) error {
	body, err := json.Marshal(map[string]any{"event": event, "payload": payload})
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.baseURL+"/v1/notifications", bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := s.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("notify: %s: %w", event, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return fmt.Errorf("notify: %s: status %d", event, resp.StatusCode)
	}
	return nil
}

// Noop discards every delivery. Used when no relay is configured.
type Noop struct{}

// Send implements Sender.
func (Noop) Send(context.Context, string, map[string]any) error { return nil }
