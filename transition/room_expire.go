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

// ExpireRoom retires an invite nobody accepted. INVITE_SENT -> EXPIRED.
// System-triggered by the expiry sweep.
func (s *Service) ExpireRoom(ctx context.Context, roomID uuid.UUID) (*Result, error) {
	now := s.now().UTC()
	attemptID := uuid.NewString()
	key := ledger.Key(models.SystemActorID, guard.ActionRoomExpire, roomID, now)
	if prior, err := s.replay(ctx, guard.ActionRoomExpire, key); err != nil || prior != nil {
		return prior, err
	}

	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		room, err := s.rooms.GetForUpdate(ctx, tx, roomID)
		if err != nil {
			return err
		}
		if room.State != models.RoomInviteSent {
			return fmt.Errorf("%w: room is %s, expected %s", ErrConflict, room.State, models.RoomInviteSent)
		}
		if room.InviteExpiresAt == nil || now.Before(*room.InviteExpiresAt) {
			return fmt.Errorf("%w: invite has not expired", ErrConflict)
		}
		if err := s.rooms.Advance(ctx, tx, roomID, models.RoomInviteSent, models.RoomExpired, map[string]any{
			"expired_at": now,
			"updated_at": now,
		}); err != nil {
			return err
		}
		_, err = s.ledger.Transition(ctx, tx, ledger.Entry{
			Actor:        models.SystemActorID,
			Action:       guard.ActionRoomExpire,
			Resource:     roomID,
			ResourceType: "room",
			AttemptID:    attemptID,
			Details:      fmt.Sprintf("room=%s %s->%s", roomID, models.RoomInviteSent, models.RoomExpired),
		}, key)
		return err
	})
	if err != nil {
		if replayed, replayErr := s.replayOnDuplicate(ctx, guard.ActionRoomExpire, key, err); replayed != nil || replayErr != nil {
			return replayed, replayErr
		}
		s.fail(ctx, models.SystemActorID, guard.ActionRoomExpire, roomID, "room", attemptID, err)
		return nil, classify(err)
	}

	metrics.Exchange().Transition(guard.ActionRoomExpire, "committed")
	metrics.Exchange().RoomTerminal(string(models.RoomExpired))
	s.notifier.Send(notify.EventRoomExpired, roomID, map[string]any{
		"room_id": roomID.String(),
	})
	return &Result{
		Action:   guard.ActionRoomExpire,
		Resource: roomID,
		Outcome:  string(models.RoomExpired),
		Details:  fmt.Sprintf("room=%s %s->%s", roomID, models.RoomInviteSent, models.RoomExpired),
	}, nil
}

// FailRoom marks a room FAILED. This is the irrevocable first step of the
// room-failure cascade; the commit is never rolled back by later steps.
func (s *Service) FailRoom(ctx context.Context, actor uuid.UUID, roomID uuid.UUID, reason string) (*Result, error) {
	now := s.now().UTC()
	attemptID := uuid.NewString()
	key := ledger.Key(actor, guard.ActionRoomFail, roomID, now)
	if prior, err := s.replay(ctx, guard.ActionRoomFail, key); err != nil || prior != nil {
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
		if err := models.ValidateRoomTransition(room.State, models.RoomFailed); err != nil {
			return fmt.Errorf("%w: %v", ErrConflict, err)
		}
		fromState = room.State
		if err := s.rooms.Advance(ctx, tx, roomID, room.State, models.RoomFailed, map[string]any{
			"failed_at":      now,
			"failure_reason": reason,
			"updated_at":     now,
		}); err != nil {
			return err
		}
		_, err = s.ledger.Transition(ctx, tx, ledger.Entry{
			Actor:        actor,
			Action:       guard.ActionRoomFail,
			Resource:     roomID,
			ResourceType: "room",
			AttemptID:    attemptID,
			Details:      fmt.Sprintf("room=%s %s->%s reason=%s", roomID, fromState, models.RoomFailed, reason),
		}, key)
		return err
	})
	if err != nil {
		if replayed, replayErr := s.replayOnDuplicate(ctx, guard.ActionRoomFail, key, err); replayed != nil || replayErr != nil {
			return replayed, replayErr
		}
		s.fail(ctx, actor, guard.ActionRoomFail, roomID, "room", attemptID, err)
		return nil, classify(err)
	}

	metrics.Exchange().Transition(guard.ActionRoomFail, "committed")
	metrics.Exchange().RoomTerminal(string(models.RoomFailed))
	return &Result{
		Action:   guard.ActionRoomFail,
		Resource: roomID,
		Outcome:  string(models.RoomFailed),
		Details:  fmt.Sprintf("room=%s %s->%s reason=%s", roomID, fromState, models.RoomFailed, reason),
	}, nil
}
