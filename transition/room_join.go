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

// JoinRoom accepts an invite, binding the counterparty to the room and to
// container B. INVITE_SENT -> JOINED.
func (s *Service) JoinRoom(ctx context.Context, actor auth.Claims, roomID uuid.UUID) (*Result, error) {
	now := s.now().UTC()
	attemptID := uuid.NewString()
	key := ledger.Key(actor.Subject, guard.ActionRoomJoin, roomID, now)
	if prior, err := s.replay(ctx, guard.ActionRoomJoin, key); err != nil || prior != nil {
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
		if room.InviteExpiresAt != nil && now.After(*room.InviteExpiresAt) {
			return fmt.Errorf("%w: invite expired", ErrConflict)
		}
		if room.CreatorID == actor.Subject {
			return fmt.Errorf("%w: creator cannot join own room", ErrForbidden)
		}
		if err := s.rooms.Advance(ctx, tx, roomID, models.RoomInviteSent, models.RoomJoined, map[string]any{
			"counterparty_id": actor.Subject,
			"joined_at":       now,
			"updated_at":      now,
		}); err != nil {
			return err
		}
		// Container B belongs to the counterparty from here on.
		if err := tx.WithContext(ctx).Model(&models.Container{}).
			Where("room_id = ? AND side = ?", roomID, models.SideB).
			Updates(map[string]any{"owner_id": actor.Subject, "updated_at": now}).Error; err != nil {
			return err
		}
		_, err = s.ledger.Transition(ctx, tx, ledger.Entry{
			Actor:        actor.Subject,
			Action:       guard.ActionRoomJoin,
			Resource:     roomID,
			ResourceType: "room",
			AttemptID:    attemptID,
			Details:      fmt.Sprintf("room=%s %s->%s", roomID, models.RoomInviteSent, models.RoomJoined),
		}, key)
		return err
	})
	if err != nil {
		if replayed, replayErr := s.replayOnDuplicate(ctx, guard.ActionRoomJoin, key, err); replayed != nil || replayErr != nil {
			return replayed, replayErr
		}
		s.fail(ctx, actor.Subject, guard.ActionRoomJoin, roomID, "room", attemptID, err)
		return nil, classify(err)
	}

	metrics.Exchange().Transition(guard.ActionRoomJoin, "committed")
	s.notifier.Send(notify.EventCounterpartyJoined, roomID, map[string]any{
		"room_id": roomID.String(),
	})
	return &Result{
		Action:   guard.ActionRoomJoin,
		Resource: roomID,
		Outcome:  string(models.RoomJoined),
		Details:  fmt.Sprintf("room=%s %s->%s", roomID, models.RoomInviteSent, models.RoomJoined),
	}, nil
}
