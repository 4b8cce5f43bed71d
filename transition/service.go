// Package transition implements one service per state transition. Every
// service runs three ordered phases: precondition re-checks (no mutation), a
// single atomic mutation plus ledger TRANSITION entry, then best-effort side
// effects that never block or revert the commit.
package transition

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"swapdesk/ai"
	"swapdesk/config"
	"swapdesk/ledger"
	"swapdesk/notify"
	"swapdesk/observability/metrics"
	"swapdesk/payments"
	"swapdesk/repo"
	"swapdesk/scan"
	"swapdesk/storage"
)

var (
	// ErrNotFound indicates the target entity does not exist. Permanent.
	ErrNotFound = errors.New("transition: not found")
	// ErrConflict indicates the entity is not in the expected prior state.
	// Permanent; callers must not retry without new input.
	ErrConflict = errors.New("transition: state conflict")
	// ErrForbidden indicates the actor may not perform the transition.
	ErrForbidden = errors.New("transition: forbidden")
)

// TransientError wraps a phase-2 write failure. Safe to retry with the same
// idempotency key because the mutation is conditional per key.
type TransientError struct {
	Err error
}

// Error implements error.
func (e *TransientError) Error() string { return fmt.Sprintf("transition: transient: %v", e.Err) }

// Unwrap exposes the cause.
func (e *TransientError) Unwrap() error { return e.Err }

// Transient wraps an error as retryable.
func Transient(err error) error {
	if err == nil {
		return nil
	}
	return &TransientError{Err: err}
}

// IsTransient reports whether the error is retryable with the same key.
func IsTransient(err error) bool {
	var te *TransientError
	return errors.As(err, &te)
}

// Result summarises one effective transition execution.
type Result struct {
	Action   string
	Resource uuid.UUID
	Outcome  string
	Details  string
	Replayed bool
}

// Config bundles the dependencies shared by all transition services.
type Config struct {
	DB         *gorm.DB
	Rooms      *repo.Rooms
	Containers *repo.Containers
	Artifacts  *repo.Artifacts
	Payments   *repo.Payments
	Ledger     *ledger.Ledger
	Policy     config.Policy
	Store      storage.Store
	Provider   payments.Provider
	Scanner    scan.Scanner
	Analyzer   ai.Analyzer
	Notifier   *notify.Dispatcher
	Logger     *slog.Logger
	Now        func() time.Time
}

// Service hosts the transition entry points. One method per transition,
// spread across files by aggregate.
type Service struct {
	db         *gorm.DB
	rooms      *repo.Rooms
	containers *repo.Containers
	artifacts  *repo.Artifacts
	payments   *repo.Payments
	ledger     *ledger.Ledger
	policy     config.Policy
	store      storage.Store
	provider   payments.Provider
	scanner    scan.Scanner
	analyzer   ai.Analyzer
	notifier   *notify.Dispatcher
	logger     *slog.Logger
	now        func() time.Time
}

// New constructs the transition service set.
func New(cfg Config) *Service {
	now := cfg.Now
	if now == nil {
		now = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{
		db:         cfg.DB,
		rooms:      cfg.Rooms,
		containers: cfg.Containers,
		artifacts:  cfg.Artifacts,
		payments:   cfg.Payments,
		ledger:     cfg.Ledger,
		policy:     cfg.Policy,
		store:      cfg.Store,
		provider:   cfg.Provider,
		scanner:    cfg.Scanner,
		analyzer:   cfg.Analyzer,
		notifier:   cfg.Notifier,
		logger:     logger,
		now:        now,
	}
}

// replay returns the prior result recorded under the idempotency key, or nil
// when no prior execution exists in the lookback window.
func (s *Service) replay(ctx context.Context, action string, key string) (*Result, error) {
	rec, err := s.ledger.FindRecentTransition(ctx, key, s.policy.Lookback())
	if err != nil {
		return nil, err
	}
	if rec == nil {
		return nil, nil
	}
	metrics.Exchange().Transition(action, "replayed")
	return &Result{
		Action:   rec.Action,
		Resource: rec.ResourceID,
		Outcome:  "replayed",
		Details:  rec.Details,
		Replayed: true,
	}, nil
}

// replayOnDuplicate resolves a lost idempotency race: the conditional insert
// collided, so the winner's result is returned instead of an error.
func (s *Service) replayOnDuplicate(ctx context.Context, action, key string, cause error) (*Result, error) {
	if !errors.Is(cause, ledger.ErrDuplicate) {
		return nil, nil
	}
	prior, err := s.replay(ctx, action, key)
	if err != nil {
		return nil, err
	}
	if prior == nil {
		return nil, ErrConflict
	}
	return prior, nil
}

// fail records the exception path and classifies the error.
func (s *Service) fail(ctx context.Context, actor uuid.UUID, action string, resource uuid.UUID, resourceType, attemptID string, cause error) {
	metrics.Exchange().Transition(action, "failed")
	if _, err := s.ledger.Failure(ctx, ledger.Entry{
		Actor:        actor,
		Action:       action,
		Resource:     resource,
		ResourceType: resourceType,
		AttemptID:    attemptID,
		Details:      cause.Error(),
	}); err != nil {
		s.logger.Error("recording transition failure", "action", action, "error", err)
	}
}

// classify maps repository errors onto the transition taxonomy.
func classify(err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, repo.ErrNotFound):
		return ErrNotFound
	case errors.Is(err, repo.ErrStale):
		return ErrConflict
	case errors.Is(err, ledger.ErrDuplicate):
		return err
	case errors.Is(err, ErrConflict), errors.Is(err, ErrNotFound), errors.Is(err, ErrForbidden):
		return err
	default:
		return Transient(err)
	}
}
