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

// ApproveSwap is the admin decision clearing a validated room for execution.
// UNDER_VALIDATION -> SWAP_READY. Requires both containers VALIDATED.
func (s *Service) ApproveSwap(ctx context.Context, actor auth.Claims, roomID uuid.UUID, reason string) (*Result, error) {
	now := s.now().UTC()
	attemptID := uuid.NewString()
	key := ledger.Key(actor.Subject, guard.ActionRoomSwapApproval, roomID, now)
	if prior, err := s.replay(ctx, guard.ActionRoomSwapApproval, key); err != nil || prior != nil {
		return prior, err
	}

	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		room, err := s.rooms.GetForUpdate(ctx, tx, roomID)
		if err != nil {
			return err
		}
		if room.State != models.RoomUnderValidation {
			return fmt.Errorf("%w: room is %s, expected %s", ErrConflict, room.State, models.RoomUnderValidation)
		}
		containers, err := s.containers.ListByRoom(ctx, tx, roomID)
		if err != nil {
			return err
		}
		if len(containers) != 2 {
			return fmt.Errorf("%w: room must have exactly 2 containers, found %d", ErrConflict, len(containers))
		}
		for _, container := range containers {
			if container.State != models.ContainerValidated {
				return fmt.Errorf("%w: container %s is %s, expected %s", ErrConflict, container.ID, container.State, models.ContainerValidated)
			}
		}
		if err := s.rooms.Advance(ctx, tx, roomID, models.RoomUnderValidation, models.RoomSwapReady, map[string]any{
			"swap_ready_at":   now,
			"approved_by":     actor.Subject,
			"approval_reason": reason,
			"approved_at":     now,
			"updated_at":      now,
		}); err != nil {
			return err
		}
		_, err = s.ledger.Transition(ctx, tx, ledger.Entry{
			Actor:        actor.Subject,
			Action:       guard.ActionRoomSwapApproval,
			Resource:     roomID,
			ResourceType: "room",
			AttemptID:    attemptID,
			Details:      fmt.Sprintf("room=%s %s->%s reason=%s", roomID, models.RoomUnderValidation, models.RoomSwapReady, reason),
		}, key)
		return err
	})
	if err != nil {
		if replayed, replayErr := s.replayOnDuplicate(ctx, guard.ActionRoomSwapApproval, key, err); replayed != nil || replayErr != nil {
			return replayed, replayErr
		}
		s.fail(ctx, actor.Subject, guard.ActionRoomSwapApproval, roomID, "room", attemptID, err)
		return nil, classify(err)
	}

	metrics.Exchange().Transition(guard.ActionRoomSwapApproval, "committed")
	s.notifier.Send(notify.EventSwapApproved, roomID, map[string]any{
		"room_id": roomID.String(),
	})
	return &Result{
		Action:   guard.ActionRoomSwapApproval,
		Resource: roomID,
		Outcome:  string(models.RoomSwapReady),
		Details:  fmt.Sprintf("room=%s %s->%s reason=%s", roomID, models.RoomUnderValidation, models.RoomSwapReady, reason),
	}, nil
}
