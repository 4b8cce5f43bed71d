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

// LockRoom freezes the room terms and opens escrow orders for both parties.
// JOINED -> LOCKED. Provider calls happen before the transactional boundary;
// the transaction itself only writes local rows.
func (s *Service) LockRoom(ctx context.Context, actor auth.Claims, roomID uuid.UUID) (*Result, error) {
	now := s.now().UTC()
	attemptID := uuid.NewString()
	key := ledger.Key(actor.Subject, guard.ActionRoomLock, roomID, now)
	if prior, err := s.replay(ctx, guard.ActionRoomLock, key); err != nil || prior != nil {
		return prior, err
	}

	room, err := s.rooms.Get(ctx, roomID)
	if err != nil {
		return nil, classify(err)
	}
	if room.State != models.RoomJoined {
		return nil, fmt.Errorf("%w: room is %s, expected %s", ErrConflict, room.State, models.RoomJoined)
	}
	if room.CounterpartyID == nil {
		return nil, fmt.Errorf("%w: room has no counterparty", ErrConflict)
	}
	if actor.Subject != room.CreatorID && actor.Subject != *room.CounterpartyID {
		return nil, fmt.Errorf("%w: only a participant can lock the room", ErrForbidden)
	}

	// Escrow orders are external and blocking, so they run before the
	// transaction. A crash after order creation but before commit leaves
	// provider orders that never confirm, which is safe to abandon.
	payers := []uuid.UUID{room.CreatorID, *room.CounterpartyID}
	orders := make([]*models.Payment, 0, len(payers))
	for _, payer := range payers {
		order, err := s.provider.CreateOrder(ctx, roomID, payer, room.RequiredAmount, room.Currency)
		if err != nil {
			s.fail(ctx, actor.Subject, guard.ActionRoomLock, roomID, "room", attemptID, err)
			return nil, Transient(fmt.Errorf("create escrow order for %s: %w", payer, err))
		}
		orders = append(orders, &models.Payment{
			ID:                uuid.New(),
			RoomID:            roomID,
			PayerID:           payer,
			ProviderPaymentID: order.ProviderOrderID,
			Status:            models.PaymentPending,
			Type:              models.PaymentEscrowHold,
			Amount:            room.RequiredAmount,
			Currency:          room.Currency,
			CreatedAt:         now,
			UpdatedAt:         now,
		})
	}

	err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := s.rooms.Advance(ctx, tx, roomID, models.RoomJoined, models.RoomLocked, map[string]any{
			"locked_at":  now,
			"updated_at": now,
		}); err != nil {
			return err
		}
		for _, payment := range orders {
			if err := s.payments.Create(ctx, tx, payment); err != nil {
				return err
			}
		}
		_, err := s.ledger.Transition(ctx, tx, ledger.Entry{
			Actor:        actor.Subject,
			Action:       guard.ActionRoomLock,
			Resource:     roomID,
			ResourceType: "room",
			AttemptID:    attemptID,
			Details:      fmt.Sprintf("room=%s %s->%s orders=%d", roomID, models.RoomJoined, models.RoomLocked, len(orders)),
		}, key)
		return err
	})
	if err != nil {
		if replayed, replayErr := s.replayOnDuplicate(ctx, guard.ActionRoomLock, key, err); replayed != nil || replayErr != nil {
			return replayed, replayErr
		}
		s.fail(ctx, actor.Subject, guard.ActionRoomLock, roomID, "room", attemptID, err)
		return nil, classify(err)
	}

	metrics.Exchange().Transition(guard.ActionRoomLock, "committed")
	s.notifier.Send(notify.EventRoomLocked, roomID, map[string]any{
		"room_id": roomID.String(),
		"amount":  room.RequiredAmount,
	})
	return &Result{
		Action:   guard.ActionRoomLock,
		Resource: roomID,
		Outcome:  string(models.RoomLocked),
		Details:  fmt.Sprintf("room=%s %s->%s orders=%d", roomID, models.RoomJoined, models.RoomLocked, len(orders)),
	}, nil
}
