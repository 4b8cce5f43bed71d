// Package saga hosts the multi-entity coordinators: the room failure cascade
// and the atomic swap execution. Sagas never wrap their steps in one
// transaction; each step commits on its own and later failures are recorded,
// escalated, or retried instead of rolled back.
package saga

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/google/uuid"

	"swapdesk/auth"
	"swapdesk/guard"
	"swapdesk/ledger"
	"swapdesk/models"
	"swapdesk/notify"
	"swapdesk/observability/metrics"
	"swapdesk/repo"
	"swapdesk/transition"
)

// RoomFailer is the slice of the transition service the cascade drives.
type RoomFailer interface {
	FailRoom(ctx context.Context, actor uuid.UUID, roomID uuid.UUID, reason string) (*transition.Result, error)
	RejectContainer(ctx context.Context, actor auth.Claims, containerID uuid.UUID, reason string) (*transition.Result, error)
}

// FailureCascade drives a room and its containers to their failed states.
// The room commit comes first and is irrevocable; each container follows in
// its own transaction, and a container that cannot be rejected is recorded
// rather than allowed to revert the room.
type FailureCascade struct {
	transitions RoomFailer
	containers  *repo.Containers
	ledger      *ledger.Ledger
	notifier    *notify.Dispatcher
	logger      *slog.Logger
}

// NewFailureCascade constructs the cascade coordinator.
func NewFailureCascade(transitions RoomFailer, containers *repo.Containers, lg *ledger.Ledger, notifier *notify.Dispatcher, logger *slog.Logger) *FailureCascade {
	if logger == nil {
		logger = slog.Default()
	}
	return &FailureCascade{
		transitions: transitions,
		containers:  containers,
		ledger:      lg,
		notifier:    notifier,
		logger:      logger,
	}
}

// Run fails the room and cascades to its containers. The returned error
// reflects only the room step; container outcomes are independent and a
// partial cascade is reported through the ledger, not the error.
func (c *FailureCascade) Run(ctx context.Context, actor uuid.UUID, roomID uuid.UUID, reason string) error {
	if _, err := c.transitions.FailRoom(ctx, actor, roomID, reason); err != nil {
		if errors.Is(err, transition.ErrConflict) {
			// Already terminal; cascade may still owe container rejections
			// from an interrupted earlier run, so continue.
			c.logger.Info("room already terminal, resuming cascade", "room", roomID)
		} else {
			return err
		}
	}
	metrics.Exchange().SagaStep("room_failure", "fail_room", "committed")

	containers, err := c.containers.ListByRoom(ctx, nil, roomID)
	if err != nil {
		return fmt.Errorf("saga: listing containers for failed room %s: %w", roomID, err)
	}
	system := auth.SystemClaims()
	for _, container := range containers {
		if container.State == models.ContainerValidationFailed || container.State == models.ContainerTransferred {
			continue
		}
		if _, err := c.transitions.RejectContainer(ctx, system, container.ID, reason); err != nil {
			metrics.Exchange().SagaStep("room_failure", "reject_container", "failed")
			if _, lerr := c.ledger.SagaFailure(ctx, ledger.Entry{
				Actor:        actor,
				Action:       guard.ActionRoomFail,
				Resource:     container.ID,
				ResourceType: "container",
				Details:      fmt.Sprintf("room=%s container=%s cascade reject failed: %v", roomID, container.ID, err),
			}); lerr != nil {
				c.logger.Error("recording cascade failure", "container", container.ID, "error", lerr)
			}
			continue
		}
		metrics.Exchange().SagaStep("room_failure", "reject_container", "committed")
	}

	c.notifier.Send(notify.EventRoomFailed, roomID, map[string]any{
		"room_id": roomID.String(),
		"reason":  reason,
	})
	return nil
}
