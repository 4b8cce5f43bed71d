package repo

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"swapdesk/models"
)

// Rooms provides atomic accessors for room rows.
type Rooms struct {
	db *gorm.DB
}

// NewRooms constructs the room repository.
func NewRooms(db *gorm.DB) *Rooms { return &Rooms{db: db} }

// Create persists a new room.
func (r *Rooms) Create(ctx context.Context, tx *gorm.DB, room *models.Room) error {
	if tx == nil {
		tx = r.db
	}
	return tx.WithContext(ctx).Create(room).Error
}

// Get loads a room by id.
func (r *Rooms) Get(ctx context.Context, id uuid.UUID) (*models.Room, error) {
	var room models.Room
	if err := r.db.WithContext(ctx).First(&room, "id = ?", id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return &room, nil
}

// GetForUpdate loads a room under a row lock inside tx.
func (r *Rooms) GetForUpdate(ctx context.Context, tx *gorm.DB, id uuid.UUID) (*models.Room, error) {
	var room models.Room
	err := tx.WithContext(ctx).Clauses(clause.Locking{Strength: "UPDATE"}).First(&room, "id = ?", id).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return &room, nil
}

// Advance moves a room from an expected prior state to the next state with a
// single conditional update. Exactly one concurrent caller can win; the rest
// observe ErrStale. Extra column writes ride along in updates.
func (r *Rooms) Advance(ctx context.Context, tx *gorm.DB, id uuid.UUID, from, to models.RoomState, updates map[string]any) error {
	if err := models.ValidateRoomTransition(from, to); err != nil {
		return err
	}
	if tx == nil {
		tx = r.db
	}
	if updates == nil {
		updates = map[string]any{}
	}
	updates["state"] = to
	res := tx.WithContext(ctx).Model(&models.Room{}).
		Where("id = ? AND state = ?", id, from).
		Updates(updates)
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return ErrStale
	}
	return nil
}

// ListByStateOlderThan returns rooms in a state whose reference timestamp
// precedes the cutoff. Used by the scheduled re-drivers.
func (r *Rooms) ListByStateOlderThan(ctx context.Context, state models.RoomState, column string, cutoff time.Time, limit int) ([]models.Room, error) {
	var rooms []models.Room
	q := r.db.WithContext(ctx).Where("state = ?", state)
	if column != "" {
		q = q.Where(column+" <= ?", cutoff)
	}
	if limit > 0 {
		q = q.Limit(limit)
	}
	if err := q.Order("created_at").Find(&rooms).Error; err != nil {
		return nil, err
	}
	return rooms, nil
}

// ListByState returns all rooms currently in the given state.
func (r *Rooms) ListByState(ctx context.Context, state models.RoomState, limit int) ([]models.Room, error) {
	var rooms []models.Room
	q := r.db.WithContext(ctx).Where("state = ?", state).Order("created_at")
	if limit > 0 {
		q = q.Limit(limit)
	}
	if err := q.Find(&rooms).Error; err != nil {
		return nil, err
	}
	return rooms, nil
}
