// Package ledger provides the append-only audit and idempotency store shared by
// guards, transition services, and saga coordinators. Rows are immutable; the
// idempotency barrier is a conditional insert against a unique key column.
package ledger

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"swapdesk/models"
)

var (
	// ErrDuplicate is returned when a TRANSITION record already exists for an
	// idempotency key; the caller must short-circuit and replay the prior result.
	ErrDuplicate = errors.New("ledger: transition already recorded")

	errNilDB = errors.New("ledger: database not configured")
)

// BucketWindow is the idempotency bucket width used when deriving keys.
const BucketWindow = 5 * time.Minute

// Ledger appends audit records and answers idempotency and rate-limit queries.
type Ledger struct {
	db  *gorm.DB
	now func() time.Time
}

// New constructs a ledger backed by the provided database.
func New(db *gorm.DB, now func() time.Time) *Ledger {
	if now == nil {
		now = time.Now
	}
	return &Ledger{db: db, now: now}
}

// Key derives the idempotency key for a mutating action. The trailing bucket
// component means identical retries inside the window resolve to one key.
func Key(actor uuid.UUID, action string, resource uuid.UUID, at time.Time) string {
	bucket := at.UTC().Unix() / int64(BucketWindow/time.Second)
	return fmt.Sprintf("%s:%s:%s:bucket_%d", actor, action, resource, bucket)
}

// Entry carries the caller-supplied fields of a record.
type Entry struct {
	Actor        uuid.UUID
	Action       string
	Resource     uuid.UUID
	ResourceType string
	AttemptID    string
	Details      string
}

func (l *Ledger) append(ctx context.Context, tx *gorm.DB, kind string, e Entry, key *string) (*models.Record, error) {
	if l == nil || l.db == nil {
		return nil, errNilDB
	}
	if tx == nil {
		tx = l.db
	}
	rec := models.Record{
		ID:            uuid.New(),
		ActorID:       e.Actor,
		Action:        strings.TrimSpace(e.Action),
		ResourceID:    e.Resource,
		ResourceType:  e.ResourceType,
		Kind:          kind,
		AttemptID:     e.AttemptID,
		TransitionKey: key,
		Details:       e.Details,
		CreatedAt:     l.now().UTC(),
	}
	if err := tx.WithContext(ctx).Create(&rec).Error; err != nil {
		if key != nil && isUniqueViolation(err) {
			return nil, ErrDuplicate
		}
		return nil, err
	}
	return &rec, nil
}

// Attempt records that a caller asked for a transition. Written before any
// guard check so denied attempts remain auditable.
func (l *Ledger) Attempt(ctx context.Context, e Entry) (*models.Record, error) {
	return l.append(ctx, nil, models.RecordAttempt, e, nil)
}

// Transition records an effective state change within the supplied transaction.
// The conditional insert against the unique key is the atomic check-and-mark:
// a second writer for the same key receives ErrDuplicate, never a double run.
func (l *Ledger) Transition(ctx context.Context, tx *gorm.DB, e Entry, key string) (*models.Record, error) {
	k := strings.TrimSpace(key)
	if k == "" {
		return nil, fmt.Errorf("ledger: transition key is required")
	}
	return l.append(ctx, tx, models.RecordTransition, e, &k)
}

// Failure records an exception path.
func (l *Ledger) Failure(ctx context.Context, e Entry) (*models.Record, error) {
	return l.append(ctx, nil, models.RecordFailure, e, nil)
}

// SagaFailure records a partial saga failure requiring operator attention.
func (l *Ledger) SagaFailure(ctx context.Context, e Entry) (*models.Record, error) {
	return l.append(ctx, nil, models.RecordSagaFailure, e, nil)
}

// SideEffectFailure records an isolated best-effort failure (notifications,
// async kickoffs). Never propagated to the requesting transition.
func (l *Ledger) SideEffectFailure(ctx context.Context, e Entry) (*models.Record, error) {
	return l.append(ctx, nil, models.RecordSideEffectFailure, e, nil)
}

// FindRecentTransition returns the TRANSITION record for the key inside the
// lookback window, or nil when the action has not executed yet.
func (l *Ledger) FindRecentTransition(ctx context.Context, key string, lookback time.Duration) (*models.Record, error) {
	if l == nil || l.db == nil {
		return nil, errNilDB
	}
	cutoff := l.now().UTC().Add(-lookback)
	var rec models.Record
	err := l.db.WithContext(ctx).
		Where("transition_key = ? AND kind = ? AND created_at >= ?", key, models.RecordTransition, cutoff).
		First(&rec).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return &rec, nil
}

// Count returns how many records an actor produced for an action since the
// cutoff. Guards use it for rate limiting.
func (l *Ledger) Count(ctx context.Context, actor uuid.UUID, action string, since time.Time) (int64, error) {
	if l == nil || l.db == nil {
		return 0, errNilDB
	}
	var n int64
	err := l.db.WithContext(ctx).Model(&models.Record{}).
		Where("actor_id = ? AND action = ? AND created_at >= ?", actor, action, since.UTC()).
		Count(&n).Error
	return n, err
}

func isUniqueViolation(err error) bool {
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		return true
	}
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "unique") || strings.Contains(msg, "duplicate")
}
