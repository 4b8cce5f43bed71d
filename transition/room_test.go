package transition

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"

	"swapdesk/guard"
	"swapdesk/models"
)

func TestRoomLifecycleToInProgress(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	roomID, creator, counterparty := f.seedJoined(t)
	if got := f.roomState(t, roomID); got != models.RoomJoined {
		t.Fatalf("after join: room state %s", got)
	}
	room, err := f.rooms.Get(ctx, roomID)
	if err != nil {
		t.Fatalf("get room: %v", err)
	}
	if room.CounterpartyID == nil || *room.CounterpartyID != counterparty.Subject {
		t.Fatalf("counterparty not recorded on join")
	}

	if _, err := f.svc.LockRoom(ctx, creator, roomID); err != nil {
		t.Fatalf("lock: %v", err)
	}
	if got := f.roomState(t, roomID); got != models.RoomLocked {
		t.Fatalf("after lock: room state %s", got)
	}
	rows, err := f.payments.ListByRoom(ctx, nil, roomID)
	if err != nil {
		t.Fatalf("list payments: %v", err)
	}
	if len(rows) != 2 {
		t.Fatalf("expected 2 escrow holds, got %d", len(rows))
	}
	for _, payment := range rows {
		if payment.Type != models.PaymentEscrowHold || payment.Status != models.PaymentPending {
			t.Fatalf("unexpected payment %s/%s", payment.Type, payment.Status)
		}
	}

	// Progress refused while a hold is still pending.
	if _, err := f.svc.ProgressRoom(ctx, roomID); !errors.Is(err, ErrConflict) {
		t.Fatalf("progress with pending holds: err = %v, want conflict", err)
	}

	f.confirmEscrow(t, roomID)
	if _, err := f.svc.ProgressRoom(ctx, roomID); err != nil {
		t.Fatalf("progress: %v", err)
	}
	if got := f.roomState(t, roomID); got != models.RoomInProgress {
		t.Fatalf("after progress: room state %s", got)
	}
}

func TestJoinRoomRejectsCreatorAndExpired(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	creator := participantClaims(uuid.New(), f.now)
	res, err := f.svc.InviteRoom(ctx, creator, InviteInput{RequiredAmount: 100, Currency: "EUR"})
	if err != nil {
		t.Fatalf("invite: %v", err)
	}
	roomID := res.Resource

	if _, err := f.svc.JoinRoom(ctx, creator, roomID); !errors.Is(err, ErrForbidden) {
		t.Fatalf("self-join: err = %v, want forbidden", err)
	}

	f.now = f.now.Add(f.svc.policy.Invite() + time.Hour)
	joiner := participantClaims(uuid.New(), f.now)
	if _, err := f.svc.JoinRoom(ctx, joiner, roomID); !errors.Is(err, ErrConflict) {
		t.Fatalf("join after expiry: err = %v, want conflict", err)
	}
}

func TestLockRoomReplaysOnDuplicate(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	roomID, creator, _ := f.seedJoined(t)

	first, err := f.svc.LockRoom(ctx, creator, roomID)
	if err != nil {
		t.Fatalf("lock: %v", err)
	}
	if first.Replayed {
		t.Fatalf("first lock marked replayed")
	}

	second, err := f.svc.LockRoom(ctx, creator, roomID)
	if err != nil {
		t.Fatalf("second lock: %v", err)
	}
	if !second.Replayed {
		t.Fatalf("second lock within the window should replay")
	}
	rows, err := f.payments.ListByRoom(ctx, nil, roomID)
	if err != nil {
		t.Fatalf("list payments: %v", err)
	}
	if len(rows) != 2 {
		t.Fatalf("replayed lock must not duplicate holds, got %d", len(rows))
	}
	if n := f.transitionCount(t, guard.ActionRoomLock); n != 1 {
		t.Fatalf("expected 1 lock transition record, got %d", n)
	}
}

func TestLockRoomProviderOutageIsTransient(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	roomID, creator, _ := f.seedJoined(t)

	f.provider.failNext = true
	_, err := f.svc.LockRoom(ctx, creator, roomID)
	if err == nil || !IsTransient(err) {
		t.Fatalf("provider outage: err = %v, want transient", err)
	}
	if got := f.roomState(t, roomID); got != models.RoomJoined {
		t.Fatalf("room advanced despite provider outage: %s", got)
	}

	// The caller retries once the provider recovers.
	if _, err := f.svc.LockRoom(ctx, creator, roomID); err != nil {
		t.Fatalf("retry lock: %v", err)
	}
	if got := f.roomState(t, roomID); got != models.RoomLocked {
		t.Fatalf("retry did not lock: %s", got)
	}
}

func TestCancelRoomRefundsConfirmedHolds(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	roomID, creator, _ := f.seedJoined(t)
	if _, err := f.svc.LockRoom(ctx, creator, roomID); err != nil {
		t.Fatalf("lock: %v", err)
	}
	f.confirmEscrow(t, roomID)

	if _, err := f.svc.CancelRoom(ctx, creator, roomID, "changed my mind"); err != nil {
		t.Fatalf("cancel: %v", err)
	}
	if got := f.roomState(t, roomID); got != models.RoomCancelled {
		t.Fatalf("room state %s after cancel", got)
	}

	rows, err := f.payments.ListByRoom(ctx, nil, roomID)
	if err != nil {
		t.Fatalf("list payments: %v", err)
	}
	var refunds int
	for _, payment := range rows {
		if payment.Type == models.PaymentRefund {
			refunds++
		}
	}
	if refunds != 2 {
		t.Fatalf("expected a refund per confirmed hold, got %d", refunds)
	}
}

func TestCancelRoomPolicyForbidsLateCancel(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	roomID, creator, counterparty := f.seedInProgress(t)

	a, b := f.containersOf(t, roomID)
	ownerOf := func(c models.Container) uuid.UUID { return c.OwnerID }
	byOwner := map[uuid.UUID]models.Container{ownerOf(a): a, ownerOf(b): b}
	f.uploadClean(t, creator, byOwner[creator.Subject].ID, "deed.pdf", []byte("creator goods"))
	f.uploadClean(t, counterparty, byOwner[counterparty.Subject].ID, "title.pdf", []byte("counterparty goods"))
	if _, err := f.svc.SealContainer(ctx, creator, byOwner[creator.Subject].ID); err != nil {
		t.Fatalf("seal A: %v", err)
	}
	if _, err := f.svc.SealContainer(ctx, counterparty, byOwner[counterparty.Subject].ID); err != nil {
		t.Fatalf("seal B: %v", err)
	}
	if got := f.roomState(t, roomID); got != models.RoomUnderValidation {
		t.Fatalf("room state %s after dual seal", got)
	}

	if _, err := f.svc.CancelRoom(ctx, creator, roomID, "too late"); !errors.Is(err, ErrConflict) {
		t.Fatalf("cancel under validation: err = %v, want conflict", err)
	}
}

func TestCancelRoomOutsiderForbidden(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	roomID, _, _ := f.seedJoined(t)

	outsider := participantClaims(uuid.New(), f.now)
	if _, err := f.svc.CancelRoom(ctx, outsider, roomID, "not mine"); !errors.Is(err, ErrForbidden) {
		t.Fatalf("outsider cancel: err = %v, want forbidden", err)
	}
}

func TestExpireRoomOnlyWhenDue(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	creator := participantClaims(uuid.New(), f.now)
	res, err := f.svc.InviteRoom(ctx, creator, InviteInput{RequiredAmount: 50, Currency: "USD"})
	if err != nil {
		t.Fatalf("invite: %v", err)
	}
	roomID := res.Resource

	if _, err := f.svc.ExpireRoom(ctx, roomID); !errors.Is(err, ErrConflict) {
		t.Fatalf("expire before deadline: err = %v, want conflict", err)
	}

	f.now = f.now.Add(f.svc.policy.Invite() + time.Minute)
	if _, err := f.svc.ExpireRoom(ctx, roomID); err != nil {
		t.Fatalf("expire: %v", err)
	}
	if got := f.roomState(t, roomID); got != models.RoomExpired {
		t.Fatalf("room state %s after expire", got)
	}
}

func TestApproveSwapRequiresValidatedContainers(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	roomID, creator, counterparty := f.seedInProgress(t)
	a, b := f.containersOf(t, roomID)
	byOwner := map[uuid.UUID]models.Container{a.OwnerID: a, b.OwnerID: b}
	f.uploadClean(t, creator, byOwner[creator.Subject].ID, "a.pdf", []byte("side a"))
	f.uploadClean(t, counterparty, byOwner[counterparty.Subject].ID, "b.pdf", []byte("side b"))
	if _, err := f.svc.SealContainer(ctx, creator, byOwner[creator.Subject].ID); err != nil {
		t.Fatalf("seal A: %v", err)
	}
	if _, err := f.svc.SealContainer(ctx, counterparty, byOwner[counterparty.Subject].ID); err != nil {
		t.Fatalf("seal B: %v", err)
	}

	admin := adminClaims(uuid.New(), f.now)
	if _, err := f.svc.ApproveSwap(ctx, admin, roomID, "looks good"); !errors.Is(err, ErrConflict) {
		t.Fatalf("approve with unvalidated containers: err = %v, want conflict", err)
	}

	if _, err := f.svc.ApproveContainer(ctx, admin, a.ID, "ok"); err != nil {
		t.Fatalf("approve container A: %v", err)
	}
	if _, err := f.svc.ApproveContainer(ctx, admin, b.ID, "ok"); err != nil {
		t.Fatalf("approve container B: %v", err)
	}
	if _, err := f.svc.ApproveSwap(ctx, admin, roomID, "looks good"); err != nil {
		t.Fatalf("approve swap: %v", err)
	}
	if got := f.roomState(t, roomID); got != models.RoomSwapReady {
		t.Fatalf("room state %s after approval", got)
	}
}

func TestFailRoomRecordsReason(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	roomID, _, _ := f.seedInProgress(t)

	admin := adminClaims(uuid.New(), f.now)
	if _, err := f.svc.FailRoom(ctx, admin.Subject, roomID, "dispute raised"); err != nil {
		t.Fatalf("fail: %v", err)
	}
	room, err := f.rooms.Get(ctx, roomID)
	if err != nil {
		t.Fatalf("get room: %v", err)
	}
	if room.State != models.RoomFailed {
		t.Fatalf("room state %s after fail", room.State)
	}
	if room.FailureReason != "dispute raised" {
		t.Fatalf("failure reason %q", room.FailureReason)
	}

	// A later fail on a terminal room conflicts once the replay window moved on.
	f.now = f.now.Add(10 * time.Minute)
	if _, err := f.svc.FailRoom(ctx, admin.Subject, roomID, "again"); !errors.Is(err, ErrConflict) {
		t.Fatalf("fail terminal room: err = %v, want conflict", err)
	}
}
