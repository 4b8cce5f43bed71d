package repo

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"swapdesk/models"
)

// Artifacts provides accessors for artifact rows.
type Artifacts struct {
	db *gorm.DB
}

// NewArtifacts constructs the artifact repository.
func NewArtifacts(db *gorm.DB) *Artifacts { return &Artifacts{db: db} }

// Create persists a new artifact.
func (a *Artifacts) Create(ctx context.Context, tx *gorm.DB, artifact *models.Artifact) error {
	if tx == nil {
		tx = a.db
	}
	return tx.WithContext(ctx).Create(artifact).Error
}

// Get loads an artifact by id.
func (a *Artifacts) Get(ctx context.Context, id uuid.UUID) (*models.Artifact, error) {
	var artifact models.Artifact
	if err := a.db.WithContext(ctx).First(&artifact, "id = ?", id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return &artifact, nil
}

// GetByScanID resolves scan webhook callbacks to an artifact.
func (a *Artifacts) GetByScanID(ctx context.Context, scanID string) (*models.Artifact, error) {
	var artifact models.Artifact
	if err := a.db.WithContext(ctx).First(&artifact, "scan_id = ?", scanID).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return &artifact, nil
}

// ListByContainer returns all artifacts owned by a container.
func (a *Artifacts) ListByContainer(ctx context.Context, tx *gorm.DB, containerID uuid.UUID) ([]models.Artifact, error) {
	if tx == nil {
		tx = a.db
	}
	var artifacts []models.Artifact
	err := tx.WithContext(ctx).
		Where("container_id = ?", containerID).
		Order("created_at").
		Find(&artifacts).Error
	if err != nil {
		return nil, err
	}
	return artifacts, nil
}

// Delete removes an artifact row. Membership gating (container still open)
// belongs to the transition service.
func (a *Artifacts) Delete(ctx context.Context, tx *gorm.DB, id uuid.UUID) error {
	if tx == nil {
		tx = a.db
	}
	res := tx.WithContext(ctx).Delete(&models.Artifact{}, "id = ?", id)
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

// SetScanResult applies a virus scan outcome.
func (a *Artifacts) SetScanResult(ctx context.Context, id uuid.UUID, infected bool) error {
	res := a.db.WithContext(ctx).Model(&models.Artifact{}).
		Where("id = ?", id).
		Updates(map[string]any{"is_scanned": true, "is_infected": infected})
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

// SetScanID stores the scanner's submission id on an artifact.
func (a *Artifacts) SetScanID(ctx context.Context, id uuid.UUID, scanID string) error {
	res := a.db.WithContext(ctx).Model(&models.Artifact{}).
		Where("id = ?", id).
		Update("scan_id", scanID)
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

// ListUnscannedOlderThan returns artifacts still awaiting a scan verdict past
// the cutoff, for the scan-status re-driver.
func (a *Artifacts) ListUnscannedOlderThan(ctx context.Context, cutoff time.Time, limit int) ([]models.Artifact, error) {
	var artifacts []models.Artifact
	q := a.db.WithContext(ctx).
		Where("is_scanned = ? AND created_at <= ?", false, cutoff)
	if limit > 0 {
		q = q.Limit(limit)
	}
	if err := q.Find(&artifacts).Error; err != nil {
		return nil, err
	}
	return artifacts, nil
}
