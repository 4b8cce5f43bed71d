package repo

import (
	"context"
	"errors"

	"github.com/google/uuid"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"swapdesk/models"
)

// Containers provides atomic accessors for container rows.
type Containers struct {
	db *gorm.DB
}

// NewContainers constructs the container repository.
func NewContainers(db *gorm.DB) *Containers { return &Containers{db: db} }

// Create persists a new container.
func (c *Containers) Create(ctx context.Context, tx *gorm.DB, container *models.Container) error {
	if tx == nil {
		tx = c.db
	}
	return tx.WithContext(ctx).Create(container).Error
}

// Get loads a container by id.
func (c *Containers) Get(ctx context.Context, id uuid.UUID) (*models.Container, error) {
	var container models.Container
	if err := c.db.WithContext(ctx).First(&container, "id = ?", id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return &container, nil
}

// GetForUpdate loads a container under a row lock inside tx.
func (c *Containers) GetForUpdate(ctx context.Context, tx *gorm.DB, id uuid.UUID) (*models.Container, error) {
	var container models.Container
	err := tx.WithContext(ctx).Clauses(clause.Locking{Strength: "UPDATE"}).First(&container, "id = ?", id).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return &container, nil
}

// ListByRoom returns both containers of a room ordered by side.
func (c *Containers) ListByRoom(ctx context.Context, tx *gorm.DB, roomID uuid.UUID) ([]models.Container, error) {
	if tx == nil {
		tx = c.db
	}
	var containers []models.Container
	if err := tx.WithContext(ctx).Where("room_id = ?", roomID).Order("side").Find(&containers).Error; err != nil {
		return nil, err
	}
	return containers, nil
}

// Sibling returns the other container of the same room.
func (c *Containers) Sibling(ctx context.Context, tx *gorm.DB, container *models.Container) (*models.Container, error) {
	if tx == nil {
		tx = c.db
	}
	var sibling models.Container
	err := tx.WithContext(ctx).
		Where("room_id = ? AND id <> ?", container.RoomID, container.ID).
		First(&sibling).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return &sibling, nil
}

// Advance moves a container between states with a conditional single-row update.
func (c *Containers) Advance(ctx context.Context, tx *gorm.DB, id uuid.UUID, from, to models.ContainerState, updates map[string]any) error {
	if err := models.ValidateContainerTransition(from, to); err != nil {
		return err
	}
	if tx == nil {
		tx = c.db
	}
	if updates == nil {
		updates = map[string]any{}
	}
	updates["state"] = to
	res := tx.WithContext(ctx).Model(&models.Container{}).
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

// SetValidation stores the analysis payload on a container awaiting review.
func (c *Containers) SetValidation(ctx context.Context, tx *gorm.DB, id uuid.UUID, details, summary string) error {
	if tx == nil {
		tx = c.db
	}
	res := tx.WithContext(ctx).Model(&models.Container{}).
		Where("id = ? AND state IN ?", id, []models.ContainerState{models.ContainerSealed, models.ContainerUnderValidation}).
		Updates(map[string]any{"validation_details": details, "validation_summary": summary})
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return ErrStale
	}
	return nil
}

// SetContentHash rewrites the membership digest. Only legal before SEALED;
// the state predicate enforces that at the row level.
func (c *Containers) SetContentHash(ctx context.Context, tx *gorm.DB, id uuid.UUID, hash string) error {
	if tx == nil {
		tx = c.db
	}
	res := tx.WithContext(ctx).Model(&models.Container{}).
		Where("id = ? AND state IN ?", id, []models.ContainerState{models.ContainerEmpty, models.ContainerArtifactPlaced}).
		Update("content_hash", hash)
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return ErrStale
	}
	return nil
}
