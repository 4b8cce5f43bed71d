package transition

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"swapdesk/guard"
	"swapdesk/ledger"
	"swapdesk/models"
	"swapdesk/notify"
	"swapdesk/observability/metrics"
)

// ConfirmPayment applies a provider confirmation webhook: PENDING -> CONFIRMED
// on the referenced payment, keyed on the provider's payment id so webhook
// redelivery collapses to one write. When the confirmation completes the
// escrow pair, the room is advanced as a follow-up system transition.
func (s *Service) ConfirmPayment(ctx context.Context, providerPaymentID string) (*Result, error) {
	attemptID := uuid.NewString()
	key := fmt.Sprintf("payment_confirm:%s", providerPaymentID)
	if prior, err := s.replay(ctx, guard.ActionPaymentConfirm, key); err != nil || prior != nil {
		return prior, err
	}

	payment, err := s.payments.GetByProviderID(ctx, providerPaymentID)
	if err != nil {
		return nil, classify(err)
	}

	err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := s.payments.SetStatus(ctx, tx, payment.ID, models.PaymentPending, models.PaymentConfirmed); err != nil {
			return err
		}
		_, err := s.ledger.Transition(ctx, tx, ledger.Entry{
			Actor:        models.SystemActorID,
			Action:       guard.ActionPaymentConfirm,
			Resource:     payment.ID,
			ResourceType: "payment",
			AttemptID:    attemptID,
			Details:      fmt.Sprintf("payment=%s provider=%s %s->%s", payment.ID, providerPaymentID, models.PaymentPending, models.PaymentConfirmed),
		}, key)
		return err
	})
	if err != nil {
		if replayed, replayErr := s.replayOnDuplicate(ctx, guard.ActionPaymentConfirm, key, err); replayed != nil || replayErr != nil {
			return replayed, replayErr
		}
		s.fail(ctx, models.SystemActorID, guard.ActionPaymentConfirm, payment.ID, "payment", attemptID, err)
		return nil, classify(err)
	}

	metrics.Exchange().Transition(guard.ActionPaymentConfirm, "committed")
	s.tryProgress(payment.RoomID)
	return &Result{
		Action:   guard.ActionPaymentConfirm,
		Resource: payment.ID,
		Outcome:  models.PaymentConfirmed,
		Details:  fmt.Sprintf("payment=%s provider=%s confirmed", payment.ID, providerPaymentID),
	}, nil
}

// FailPayment applies a provider failure webhook: PENDING -> FAILED. The room
// itself is left to the participants; they can retry the lock or cancel.
func (s *Service) FailPayment(ctx context.Context, providerPaymentID, reason string) (*Result, error) {
	attemptID := uuid.NewString()
	key := fmt.Sprintf("payment_fail:%s", providerPaymentID)
	if prior, err := s.replay(ctx, guard.ActionPaymentFail, key); err != nil || prior != nil {
		return prior, err
	}

	payment, err := s.payments.GetByProviderID(ctx, providerPaymentID)
	if err != nil {
		return nil, classify(err)
	}

	err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := s.payments.SetStatus(ctx, tx, payment.ID, models.PaymentPending, models.PaymentFailed); err != nil {
			return err
		}
		_, err := s.ledger.Transition(ctx, tx, ledger.Entry{
			Actor:        models.SystemActorID,
			Action:       guard.ActionPaymentFail,
			Resource:     payment.ID,
			ResourceType: "payment",
			AttemptID:    attemptID,
			Details:      fmt.Sprintf("payment=%s provider=%s %s->%s reason=%s", payment.ID, providerPaymentID, models.PaymentPending, models.PaymentFailed, reason),
		}, key)
		return err
	})
	if err != nil {
		if replayed, replayErr := s.replayOnDuplicate(ctx, guard.ActionPaymentFail, key, err); replayed != nil || replayErr != nil {
			return replayed, replayErr
		}
		s.fail(ctx, models.SystemActorID, guard.ActionPaymentFail, payment.ID, "payment", attemptID, err)
		return nil, classify(err)
	}

	metrics.Exchange().Transition(guard.ActionPaymentFail, "committed")
	s.notifier.Send(notify.EventPaymentFailed, payment.RoomID, map[string]any{
		"room_id":    payment.RoomID.String(),
		"payment_id": payment.ID.String(),
		"reason":     reason,
	})
	return &Result{
		Action:   guard.ActionPaymentFail,
		Resource: payment.ID,
		Outcome:  models.PaymentFailed,
		Details:  fmt.Sprintf("payment=%s provider=%s failed reason=%s", payment.ID, providerPaymentID, reason),
	}, nil
}

// tryProgress attempts LOCKED -> IN_PROGRESS after a confirmation. A room
// still waiting on the other escrow simply stays LOCKED; the progress sweep
// retries rooms this attempt misses.
func (s *Service) tryProgress(roomID uuid.UUID) {
	go func() {
		ctx := context.Background()
		if _, err := s.ProgressRoom(ctx, roomID); err != nil {
			if IsTransient(err) {
				s.logger.Warn("deferred room progress", "room", roomID, "error", err)
			}
		}
	}()
}
