package repo

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"swapdesk/models"
)

// ErrSwapInFlight indicates another swap execution already holds the room's
// exclusive marker.
var ErrSwapInFlight = errors.New("repo: swap execution already in flight")

// Swaps tracks the exclusive saga marker rows for atomic swap executions.
type Swaps struct {
	db  *gorm.DB
	now func() time.Time
}

// NewSwaps constructs the swap execution repository.
func NewSwaps(db *gorm.DB, now func() time.Time) *Swaps {
	if now == nil {
		now = time.Now
	}
	return &Swaps{db: db, now: now}
}

// Acquire inserts the room's marker row, or resumes a prior non-running
// execution by flipping it back to RUNNING. A marker already RUNNING means a
// concurrent saga holds the room and the caller must back off.
func (s *Swaps) Acquire(ctx context.Context, roomID uuid.UUID) (*models.SwapExecution, error) {
	now := s.now().UTC()
	exec := models.SwapExecution{
		ID:        uuid.New(),
		RoomID:    roomID,
		Status:    models.SwapRunning,
		Attempts:  1,
		CreatedAt: now,
		UpdatedAt: now,
	}
	err := s.db.WithContext(ctx).Create(&exec).Error
	if err == nil {
		return &exec, nil
	}
	if !isUnique(err) {
		return nil, err
	}
	// Marker exists. Resume only if the prior run reached a resumable status.
	res := s.db.WithContext(ctx).Model(&models.SwapExecution{}).
		Where("room_id = ? AND status IN ?", roomID, []string{
			models.SwapAborted, models.SwapArtifactsMoved, models.SwapPaymentReleased,
		}).
		Updates(map[string]any{
			"status":     models.SwapRunning,
			"attempts":   gorm.Expr("attempts + 1"),
			"updated_at": now,
		})
	if res.Error != nil {
		return nil, res.Error
	}
	if res.RowsAffected == 0 {
		return nil, ErrSwapInFlight
	}
	var current models.SwapExecution
	if err := s.db.WithContext(ctx).First(&current, "room_id = ?", roomID).Error; err != nil {
		return nil, err
	}
	return &current, nil
}

// Get returns the marker for a room, or nil when none exists.
func (s *Swaps) Get(ctx context.Context, roomID uuid.UUID) (*models.SwapExecution, error) {
	var exec models.SwapExecution
	err := s.db.WithContext(ctx).First(&exec, "room_id = ?", roomID).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return &exec, nil
}

// ListByStatus returns markers sitting in any of the given statuses, oldest
// first. The swap re-driver feeds on this.
func (s *Swaps) ListByStatus(ctx context.Context, statuses []string, limit int) ([]models.SwapExecution, error) {
	var execs []models.SwapExecution
	q := s.db.WithContext(ctx).Where("status IN ?", statuses).Order("updated_at")
	if limit > 0 {
		q = q.Limit(limit)
	}
	if err := q.Find(&execs).Error; err != nil {
		return nil, err
	}
	return execs, nil
}

// SetStatus records the saga's progress on the marker. The highest completed
// step is always recoverable from this row plus the ledger.
func (s *Swaps) SetStatus(ctx context.Context, tx *gorm.DB, roomID uuid.UUID, status, lastError string) error {
	if tx == nil {
		tx = s.db
	}
	res := tx.WithContext(ctx).Model(&models.SwapExecution{}).
		Where("room_id = ?", roomID).
		Updates(map[string]any{
			"status":     status,
			"last_error": lastError,
			"updated_at": s.now().UTC(),
		})
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

func isUnique(err error) bool {
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		return true
	}
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "unique") || strings.Contains(msg, "duplicate")
}
