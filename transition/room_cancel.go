package transition

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"swapdesk/auth"
	"swapdesk/guard"
	"swapdesk/ledger"
	"swapdesk/models"
	"swapdesk/notify"
	"swapdesk/observability/metrics"
)

// CancelRoom terminates a room at a participant's request. The set of states
// cancellation is forbidden from is policy, not structure. Confirmed escrow
// holds produce REFUND rows; prior payment rows are never mutated.
func (s *Service) CancelRoom(ctx context.Context, actor auth.Claims, roomID uuid.UUID, reason string) (*Result, error) {
	now := s.now().UTC()
	attemptID := uuid.NewString()
	key := ledger.Key(actor.Subject, guard.ActionRoomCancel, roomID, now)
	if prior, err := s.replay(ctx, guard.ActionRoomCancel, key); err != nil || prior != nil {
		return prior, err
	}

	var fromState models.RoomState
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		room, err := s.rooms.GetForUpdate(ctx, tx, roomID)
		if err != nil {
			return err
		}
		if room.State.Terminal() {
			return fmt.Errorf("%w: room already %s", ErrConflict, room.State)
		}
		if s.policy.CancelForbidden(string(room.State)) {
			return fmt.Errorf("%w: cancellation forbidden from %s", ErrConflict, room.State)
		}
		participant := actor.Subject == room.CreatorID ||
			(room.CounterpartyID != nil && actor.Subject == *room.CounterpartyID)
		if !participant {
			return fmt.Errorf("%w: only a participant can cancel", ErrForbidden)
		}
		fromState = room.State
		if err := s.rooms.Advance(ctx, tx, roomID, room.State, models.RoomCancelled, map[string]any{
			"cancelled_at":   now,
			"failure_reason": reason,
			"updated_at":     now,
		}); err != nil {
			return err
		}
		// Confirmed holds are refunded with fresh rows.
		existing, err := s.payments.ListByRoom(ctx, tx, roomID)
		if err != nil {
			return err
		}
		for _, payment := range existing {
			if payment.Status != models.PaymentConfirmed {
				continue
			}
			refund := models.Payment{
				ID:                uuid.New(),
				RoomID:            roomID,
				PayerID:           payment.PayerID,
				ProviderPaymentID: fmt.Sprintf("refund:%s", payment.ProviderPaymentID),
				Status:            models.PaymentPending,
				Type:              models.PaymentRefund,
				Amount:            payment.Amount,
				Currency:          payment.Currency,
				CreatedAt:         now,
				UpdatedAt:         now,
			}
			if err := s.payments.Create(ctx, tx, &refund); err != nil {
				return err
			}
		}
		_, err = s.ledger.Transition(ctx, tx, ledger.Entry{
			Actor:        actor.Subject,
			Action:       guard.ActionRoomCancel,
			Resource:     roomID,
			ResourceType: "room",
			AttemptID:    attemptID,
			Details:      fmt.Sprintf("room=%s %s->%s reason=%s", roomID, fromState, models.RoomCancelled, reason),
		}, key)
		return err
	})
	if err != nil {
		if replayed, replayErr := s.replayOnDuplicate(ctx, guard.ActionRoomCancel, key, err); replayed != nil || replayErr != nil {
			return replayed, replayErr
		}
		s.fail(ctx, actor.Subject, guard.ActionRoomCancel, roomID, "room", attemptID, err)
		return nil, classify(err)
	}

	metrics.Exchange().Transition(guard.ActionRoomCancel, "committed")
	metrics.Exchange().RoomTerminal(string(models.RoomCancelled))
	s.notifier.Send(notify.EventRoomCancelled, roomID, map[string]any{
		"room_id": roomID.String(),
		"reason":  reason,
	})
	return &Result{
		Action:   guard.ActionRoomCancel,
		Resource: roomID,
		Outcome:  string(models.RoomCancelled),
		Details:  fmt.Sprintf("room=%s %s->%s reason=%s", roomID, fromState, models.RoomCancelled, reason),
	}, nil
}
