package saga

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/google/uuid"

	"swapdesk/auth"
	"swapdesk/config"
	"swapdesk/models"
	"swapdesk/notify"
	"swapdesk/transition"
)

// cascadeFixture layers the real transition service over the swap fixture's
// database so the cascade drives production code paths.
func cascadeFixture(t *testing.T) (*swapFixture, *FailureCascade, *transition.Service) {
	t.Helper()
	f := newSwapFixture(t)
	notifier := notify.NewDispatcher(notify.DispatcherConfig{Sender: notify.Noop{}, Ledger: f.journal})
	svc := transition.New(transition.Config{
		DB:         f.db,
		Rooms:      f.rooms,
		Containers: f.containers,
		Artifacts:  f.artifacts,
		Payments:   f.payments,
		Ledger:     f.journal,
		Policy:     config.DefaultPolicy(),
		Store:      f.store,
		Provider:   f.provider,
		Notifier:   notifier,
		Now:        func() time.Time { return f.now },
	})
	cascade := NewFailureCascade(svc, f.containers, f.journal, notifier, nil)
	return f, cascade, svc
}

func seedInProgressRoom(f *swapFixture, t *testing.T) *models.Room {
	t.Helper()
	ctx := context.Background()
	creator := uuid.New()
	counterparty := uuid.New()
	room := &models.Room{
		ID:             uuid.New(),
		CreatorID:      creator,
		CounterpartyID: &counterparty,
		State:          models.RoomInProgress,
		RequiredAmount: 100,
		Currency:       "USD",
		CreatedAt:      f.now,
		UpdatedAt:      f.now,
	}
	if err := f.rooms.Create(ctx, nil, room); err != nil {
		t.Fatalf("create room: %v", err)
	}
	for i, owner := range []uuid.UUID{creator, counterparty} {
		container := &models.Container{
			ID:        uuid.New(),
			RoomID:    room.ID,
			Side:      string(rune('A' + i)),
			OwnerID:   owner,
			State:     models.ContainerArtifactPlaced,
			CreatedAt: f.now,
			UpdatedAt: f.now,
		}
		if err := f.containers.Create(ctx, nil, container); err != nil {
			t.Fatalf("create container: %v", err)
		}
	}
	return room
}

func TestFailureCascadeFailsRoomAndContainers(t *testing.T) {
	f, cascade, _ := cascadeFixture(t)
	ctx := context.Background()
	room := seedInProgressRoom(f, t)

	admin := uuid.New()
	if err := cascade.Run(ctx, admin, room.ID, "fraud signal"); err != nil {
		t.Fatalf("cascade: %v", err)
	}

	refreshed, err := f.rooms.Get(ctx, room.ID)
	if err != nil {
		t.Fatalf("get room: %v", err)
	}
	if refreshed.State != models.RoomFailed {
		t.Fatalf("room state %s after cascade", refreshed.State)
	}
	if refreshed.FailureReason != "fraud signal" {
		t.Fatalf("failure reason %q", refreshed.FailureReason)
	}
	containers, err := f.containers.ListByRoom(ctx, nil, room.ID)
	if err != nil {
		t.Fatalf("list containers: %v", err)
	}
	for _, container := range containers {
		if container.State != models.ContainerValidationFailed {
			t.Fatalf("container %s state %s after cascade", container.Side, container.State)
		}
	}
}

func TestFailureCascadeResumesOnTerminalRoom(t *testing.T) {
	f, cascade, svc := cascadeFixture(t)
	ctx := context.Background()
	room := seedInProgressRoom(f, t)

	// A prior run failed the room but died before the container steps.
	if _, err := svc.FailRoom(ctx, uuid.New(), room.ID, "fraud signal"); err != nil {
		t.Fatalf("fail room: %v", err)
	}

	// A different operator re-drives the cascade against the terminal room.
	if err := cascade.Run(ctx, uuid.New(), room.ID, "fraud signal"); err != nil {
		t.Fatalf("resumed cascade: %v", err)
	}
	containers, err := f.containers.ListByRoom(ctx, nil, room.ID)
	if err != nil {
		t.Fatalf("list containers: %v", err)
	}
	for _, container := range containers {
		if container.State != models.ContainerValidationFailed {
			t.Fatalf("container %s state %s after resumed cascade", container.Side, container.State)
		}
	}
}

type rejectingFailer struct {
	inner     RoomFailer
	rejectErr error
}

func (r *rejectingFailer) FailRoom(ctx context.Context, actor uuid.UUID, roomID uuid.UUID, reason string) (*transition.Result, error) {
	return r.inner.FailRoom(ctx, actor, roomID, reason)
}

func (r *rejectingFailer) RejectContainer(ctx context.Context, actor auth.Claims, containerID uuid.UUID, reason string) (*transition.Result, error) {
	return nil, r.rejectErr
}

func TestFailureCascadeToleratesContainerFailures(t *testing.T) {
	f, _, svc := cascadeFixture(t)
	ctx := context.Background()
	room := seedInProgressRoom(f, t)

	notifier := notify.NewDispatcher(notify.DispatcherConfig{Sender: notify.Noop{}, Ledger: f.journal})
	broken := &rejectingFailer{inner: svc, rejectErr: fmt.Errorf("reject unavailable")}
	cascade := NewFailureCascade(broken, f.containers, f.journal, notifier, nil)

	admin := uuid.New()
	if err := cascade.Run(ctx, admin, room.ID, "fraud signal"); err != nil {
		t.Fatalf("cascade with broken rejects should still succeed on the room: %v", err)
	}

	refreshed, err := f.rooms.Get(ctx, room.ID)
	if err != nil {
		t.Fatalf("get room: %v", err)
	}
	if refreshed.State != models.RoomFailed {
		t.Fatalf("room state %s, the room step must not revert", refreshed.State)
	}

	var failures int64
	if err := f.db.Model(&models.Record{}).
		Where("kind = ?", models.RecordSagaFailure).
		Count(&failures).Error; err != nil {
		t.Fatalf("count failures: %v", err)
	}
	if failures != 2 {
		t.Fatalf("expected a saga failure per stuck container, got %d", failures)
	}
}
