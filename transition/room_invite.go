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

// InviteInput carries the room creation request.
type InviteInput struct {
	RequiredAmount   float64
	Currency         string
	RequirementsHash string
}

// InviteRoom creates a room with its two deposit containers and sends the
// counterparty invite. The room is born in INVITE_SENT with an expiry stamp.
func (s *Service) InviteRoom(ctx context.Context, actor auth.Claims, input InviteInput) (*Result, error) {
	now := s.now().UTC()
	attemptID := uuid.NewString()

	if input.RequiredAmount <= 0 {
		return nil, fmt.Errorf("%w: required amount must be positive", ErrConflict)
	}
	if input.Currency == "" {
		input.Currency = "USD"
	}

	// Creation keys on the creator so a retried request returns the same room.
	key := ledger.Key(actor.Subject, guard.ActionRoomInvite, actor.Subject, now)
	if prior, err := s.replay(ctx, guard.ActionRoomInvite, key); err != nil || prior != nil {
		return prior, err
	}

	roomID := uuid.New()
	expiry := now.Add(s.policy.Invite())
	room := models.Room{
		ID:               roomID,
		State:            models.RoomInviteSent,
		CreatorID:        actor.Subject,
		RequiredAmount:   input.RequiredAmount,
		Currency:         input.Currency,
		RequirementsHash: input.RequirementsHash,
		InviteSentAt:     &now,
		InviteExpiresAt:  &expiry,
		CreatedAt:        now,
		UpdatedAt:        now,
	}

	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := s.rooms.Create(ctx, tx, &room); err != nil {
			return err
		}
		for _, side := range []string{models.SideA, models.SideB} {
			container := models.Container{
				ID:        uuid.New(),
				RoomID:    roomID,
				Side:      side,
				State:     models.ContainerEmpty,
				CreatedAt: now,
				UpdatedAt: now,
			}
			if side == models.SideA {
				container.OwnerID = actor.Subject
			}
			if err := s.containers.Create(ctx, tx, &container); err != nil {
				return err
			}
		}
		_, err := s.ledger.Transition(ctx, tx, ledger.Entry{
			Actor:        actor.Subject,
			Action:       guard.ActionRoomInvite,
			Resource:     roomID,
			ResourceType: "room",
			AttemptID:    attemptID,
			Details:      fmt.Sprintf("room=%s state=%s amount=%.2f %s", roomID, models.RoomInviteSent, input.RequiredAmount, input.Currency),
		}, key)
		return err
	})
	if err != nil {
		if replayed, replayErr := s.replayOnDuplicate(ctx, guard.ActionRoomInvite, key, err); replayed != nil || replayErr != nil {
			return replayed, replayErr
		}
		s.fail(ctx, actor.Subject, guard.ActionRoomInvite, roomID, "room", attemptID, err)
		return nil, classify(err)
	}

	metrics.Exchange().Transition(guard.ActionRoomInvite, "committed")
	s.notifier.Send(notify.EventInviteSent, roomID, map[string]any{
		"room_id":    roomID.String(),
		"expires_at": expiry,
	})
	return &Result{
		Action:   guard.ActionRoomInvite,
		Resource: roomID,
		Outcome:  string(models.RoomInviteSent),
		Details:  fmt.Sprintf("room=%s state=%s amount=%.2f %s", roomID, models.RoomInviteSent, input.RequiredAmount, input.Currency),
	}, nil
}
