package repo

import (
	"context"
	"errors"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"swapdesk/models"
)

// Payments provides accessors for the append-only payment facts.
type Payments struct {
	db *gorm.DB
}

// NewPayments constructs the payment repository.
func NewPayments(db *gorm.DB) *Payments { return &Payments{db: db} }

// Create appends a new payment row. Refunds and releases are always new rows.
func (p *Payments) Create(ctx context.Context, tx *gorm.DB, payment *models.Payment) error {
	if tx == nil {
		tx = p.db
	}
	return tx.WithContext(ctx).Create(payment).Error
}

// Get loads a payment by id.
func (p *Payments) Get(ctx context.Context, id uuid.UUID) (*models.Payment, error) {
	var payment models.Payment
	if err := p.db.WithContext(ctx).First(&payment, "id = ?", id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return &payment, nil
}

// GetByProviderID resolves provider webhook callbacks to a payment row.
func (p *Payments) GetByProviderID(ctx context.Context, providerPaymentID string) (*models.Payment, error) {
	var payment models.Payment
	err := p.db.WithContext(ctx).First(&payment, "provider_payment_id = ?", providerPaymentID).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return &payment, nil
}

// ListByRoom returns every payment fact recorded for a room.
func (p *Payments) ListByRoom(ctx context.Context, tx *gorm.DB, roomID uuid.UUID) ([]models.Payment, error) {
	if tx == nil {
		tx = p.db
	}
	var payments []models.Payment
	err := tx.WithContext(ctx).Where("room_id = ?", roomID).Order("created_at").Find(&payments).Error
	if err != nil {
		return nil, err
	}
	return payments, nil
}

// SetStatus moves a payment status with a conditional update. Only the status
// column moves on existing rows.
func (p *Payments) SetStatus(ctx context.Context, tx *gorm.DB, id uuid.UUID, from, to string) error {
	if tx == nil {
		tx = p.db
	}
	res := tx.WithContext(ctx).Model(&models.Payment{}).
		Where("id = ? AND status = ?", id, from).
		Update("status", to)
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return ErrStale
	}
	return nil
}

// AllConfirmed reports whether a room has at least one payment and every
// payment sits at CONFIRMED.
func (p *Payments) AllConfirmed(ctx context.Context, tx *gorm.DB, roomID uuid.UUID) (bool, error) {
	payments, err := p.ListByRoom(ctx, tx, roomID)
	if err != nil {
		return false, err
	}
	if len(payments) == 0 {
		return false, nil
	}
	for _, payment := range payments {
		if payment.Status != models.PaymentConfirmed {
			return false, nil
		}
	}
	return true, nil
}
