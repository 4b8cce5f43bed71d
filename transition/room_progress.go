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

// ProgressRoom promotes a locked room once every escrow payment confirmed.
// LOCKED -> IN_PROGRESS. System-triggered, either by the payment webhook
// fast path or the scheduled sweep; both share this idempotent entry point.
func (s *Service) ProgressRoom(ctx context.Context, roomID uuid.UUID) (*Result, error) {
	now := s.now().UTC()
	attemptID := uuid.NewString()
	key := ledger.Key(models.SystemActorID, guard.ActionRoomProgress, roomID, now)
	if prior, err := s.replay(ctx, guard.ActionRoomProgress, key); err != nil || prior != nil {
		return prior, err
	}

	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		room, err := s.rooms.GetForUpdate(ctx, tx, roomID)
		if err != nil {
			return err
		}
		if room.State != models.RoomLocked {
			return fmt.Errorf("%w: room is %s, expected %s", ErrConflict, room.State, models.RoomLocked)
		}
		confirmed, err := s.payments.AllConfirmed(ctx, tx, roomID)
		if err != nil {
			return err
		}
		if !confirmed {
			return fmt.Errorf("%w: payments not all confirmed", ErrConflict)
		}
		if err := s.rooms.Advance(ctx, tx, roomID, models.RoomLocked, models.RoomInProgress, map[string]any{
			"in_progress_at": now,
			"updated_at":     now,
		}); err != nil {
			return err
		}
		_, err = s.ledger.Transition(ctx, tx, ledger.Entry{
			Actor:        models.SystemActorID,
			Action:       guard.ActionRoomProgress,
			Resource:     roomID,
			ResourceType: "room",
			AttemptID:    attemptID,
			Details:      fmt.Sprintf("room=%s %s->%s", roomID, models.RoomLocked, models.RoomInProgress),
		}, key)
		return err
	})
	if err != nil {
		if replayed, replayErr := s.replayOnDuplicate(ctx, guard.ActionRoomProgress, key, err); replayed != nil || replayErr != nil {
			return replayed, replayErr
		}
		s.fail(ctx, models.SystemActorID, guard.ActionRoomProgress, roomID, "room", attemptID, err)
		return nil, classify(err)
	}

	metrics.Exchange().Transition(guard.ActionRoomProgress, "committed")
	s.notifier.Send(notify.EventRoomInProgress, roomID, map[string]any{
		"room_id": roomID.String(),
	})
	return &Result{
		Action:   guard.ActionRoomProgress,
		Resource: roomID,
		Outcome:  string(models.RoomInProgress),
		Details:  fmt.Sprintf("room=%s %s->%s", roomID, models.RoomLocked, models.RoomInProgress),
	}, nil
}
