package jobs

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/glebarez/sqlite"
	"github.com/google/uuid"
	"gorm.io/gorm"

	"swapdesk/auth"
	"swapdesk/config"
	"swapdesk/ledger"
	"swapdesk/models"
	"swapdesk/notify"
	"swapdesk/payments"
	"swapdesk/repo"
	"swapdesk/saga"
	"swapdesk/scan"
	"swapdesk/storage"
	"swapdesk/transition"
)

type sweepProvider struct {
	mu       sync.Mutex
	releases int
}

func (p *sweepProvider) CreateOrder(ctx context.Context, roomID, payerID uuid.UUID, amount float64, currency string) (*payments.Order, error) {
	return &payments.Order{ProviderOrderID: uuid.NewString(), Amount: amount, Currency: currency}, nil
}

func (p *sweepProvider) VerifyWebhookSignature(payload []byte, signature string) bool { return true }

func (p *sweepProvider) ReleaseBalance(ctx context.Context, roomID uuid.UUID, amount float64, idempotencyKey string) (*payments.ReleaseResult, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.releases++
	return &payments.ReleaseResult{ProviderReleaseID: idempotencyKey, Amount: amount}, nil
}

type sweepFixture struct {
	db        *gorm.DB
	sweeps    *Sweeps
	rooms     *repo.Rooms
	boxes     *repo.Containers
	artifacts *repo.Artifacts
	payRepo   *repo.Payments
	swaps     *repo.Swaps
	svc       *transition.Service
	store     *storage.Memory
	now       time.Time
}

func newSweepFixture(t *testing.T, scanner scan.Scanner) *sweepFixture {
	t.Helper()
	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared", uuid.NewString())
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{})
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	if err := models.AutoMigrate(db); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	f := &sweepFixture{
		db:    db,
		store: storage.NewMemory(),
		now:   time.Now().UTC().Truncate(time.Second),
	}
	clock := func() time.Time { return f.now }
	journal := ledger.New(db, clock)
	f.rooms = repo.NewRooms(db)
	f.boxes = repo.NewContainers(db)
	f.artifacts = repo.NewArtifacts(db)
	f.payRepo = repo.NewPayments(db)
	f.swaps = repo.NewSwaps(db, clock)
	provider := &sweepProvider{}
	notifier := notify.NewDispatcher(notify.DispatcherConfig{Sender: notify.Noop{}, Ledger: journal})
	policy := config.DefaultPolicy()
	f.svc = transition.New(transition.Config{
		DB:         db,
		Rooms:      f.rooms,
		Containers: f.boxes,
		Artifacts:  f.artifacts,
		Payments:   f.payRepo,
		Ledger:     journal,
		Policy:     policy,
		Store:      f.store,
		Provider:   provider,
		Scanner:    scanner,
		Notifier:   notifier,
		Now:        clock,
	})
	executor := saga.NewSwapExecutor(saga.SwapConfig{
		DB:         db,
		Rooms:      f.rooms,
		Containers: f.boxes,
		Artifacts:  f.artifacts,
		Payments:   f.payRepo,
		Swaps:      f.swaps,
		Ledger:     journal,
		Store:      f.store,
		Provider:   provider,
		Notifier:   notifier,
		Now:        clock,
	})
	f.sweeps = &Sweeps{
		Rooms:       f.rooms,
		Artifacts:   f.artifacts,
		Swaps:       f.swaps,
		Transitions: f.svc,
		Executor:    executor,
		Scanner:     scanner,
		Ledger:      journal,
		Notifier:    notifier,
		Policy:      policy,
		Logger:      slog.Default(),
		Now:         clock,
	}
	return f
}

func TestExpireInvitesSweep(t *testing.T) {
	f := newSweepFixture(t, nil)
	ctx := context.Background()
	policy := config.DefaultPolicy()

	creator := auth.Claims{Subject: uuid.New(), Role: auth.RoleParticipant, SessionStartedAt: f.now}
	stale, err := f.svc.InviteRoom(ctx, creator, transition.InviteInput{RequiredAmount: 10, Currency: "USD"})
	if err != nil {
		t.Fatalf("invite stale: %v", err)
	}

	f.now = f.now.Add(policy.Invite() - time.Hour)
	fresh, err := f.svc.InviteRoom(ctx, creator, transition.InviteInput{RequiredAmount: 10, Currency: "USD"})
	if err != nil {
		t.Fatalf("invite fresh: %v", err)
	}

	f.now = f.now.Add(2 * time.Hour)
	if err := f.sweeps.ExpireInvites(ctx); err != nil {
		t.Fatalf("sweep: %v", err)
	}

	staleRoom, err := f.rooms.Get(ctx, stale.Resource)
	if err != nil {
		t.Fatalf("get stale: %v", err)
	}
	if staleRoom.State != models.RoomExpired {
		t.Fatalf("stale invite state %s", staleRoom.State)
	}
	freshRoom, err := f.rooms.Get(ctx, fresh.Resource)
	if err != nil {
		t.Fatalf("get fresh: %v", err)
	}
	if freshRoom.State != models.RoomInviteSent {
		t.Fatalf("fresh invite state %s", freshRoom.State)
	}
}

func TestProgressRoomsSweep(t *testing.T) {
	f := newSweepFixture(t, nil)
	ctx := context.Background()

	creator := auth.Claims{Subject: uuid.New(), Role: auth.RoleParticipant, SessionStartedAt: f.now}
	joiner := auth.Claims{Subject: uuid.New(), Role: auth.RoleParticipant, SessionStartedAt: f.now}
	res, err := f.svc.InviteRoom(ctx, creator, transition.InviteInput{RequiredAmount: 10, Currency: "USD"})
	if err != nil {
		t.Fatalf("invite: %v", err)
	}
	roomID := res.Resource
	if _, err := f.svc.JoinRoom(ctx, joiner, roomID); err != nil {
		t.Fatalf("join: %v", err)
	}
	if _, err := f.svc.LockRoom(ctx, creator, roomID); err != nil {
		t.Fatalf("lock: %v", err)
	}

	// Holds confirmed, but the webhook's progress kick was lost.
	rows, err := f.payRepo.ListByRoom(ctx, nil, roomID)
	if err != nil {
		t.Fatalf("list payments: %v", err)
	}
	for _, payment := range rows {
		if err := f.payRepo.SetStatus(ctx, nil, payment.ID, models.PaymentPending, models.PaymentConfirmed); err != nil {
			t.Fatalf("confirm: %v", err)
		}
	}

	if err := f.sweeps.ProgressRooms(ctx); err != nil {
		t.Fatalf("sweep: %v", err)
	}
	room, err := f.rooms.Get(ctx, roomID)
	if err != nil {
		t.Fatalf("get room: %v", err)
	}
	if room.State != models.RoomInProgress {
		t.Fatalf("room state %s after progress sweep", room.State)
	}
}

func TestDriveSwapsExecutesReadyRooms(t *testing.T) {
	f := newSweepFixture(t, nil)
	ctx := context.Background()
	room := f.seedSwapReadyRoom(t)

	if err := f.sweeps.DriveSwaps(ctx); err != nil {
		t.Fatalf("sweep: %v", err)
	}
	refreshed, err := f.rooms.Get(ctx, room.ID)
	if err != nil {
		t.Fatalf("get room: %v", err)
	}
	if refreshed.State != models.RoomSwapped {
		t.Fatalf("room state %s after swap sweep", refreshed.State)
	}
}

func TestDriveSwapsEscalatesExhaustedAttempts(t *testing.T) {
	f := newSweepFixture(t, nil)
	ctx := context.Background()
	room := f.seedSwapReadyRoom(t)

	exec := models.SwapExecution{
		ID:        uuid.New(),
		RoomID:    room.ID,
		Status:    models.SwapAborted,
		Attempts:  config.DefaultPolicy().MaxSwapAttempts,
		LastError: "preconditions kept failing",
		CreatedAt: f.now,
		UpdatedAt: f.now,
	}
	if err := f.db.Create(&exec).Error; err != nil {
		t.Fatalf("seed marker: %v", err)
	}

	if err := f.sweeps.DriveSwaps(ctx); err != nil {
		t.Fatalf("sweep: %v", err)
	}
	marker, err := f.swaps.Get(ctx, room.ID)
	if err != nil {
		t.Fatalf("get marker: %v", err)
	}
	if marker.Status != models.SwapManualEscalation {
		t.Fatalf("marker status %s, want manual review", marker.Status)
	}
	refreshed, err := f.rooms.Get(ctx, room.ID)
	if err != nil {
		t.Fatalf("get room: %v", err)
	}
	if refreshed.State != models.RoomSwapReady {
		t.Fatalf("escalation must leave the room for the operator, got %s", refreshed.State)
	}
	var failures int64
	if err := f.db.Model(&models.Record{}).
		Where("kind = ? AND resource_id = ?", models.RecordSagaFailure, room.ID).
		Count(&failures).Error; err != nil {
		t.Fatalf("count failures: %v", err)
	}
	if failures != 1 {
		t.Fatalf("escalation not ledgered: %d", failures)
	}
}

func TestPollScansResolvesTimeoutsClean(t *testing.T) {
	f := newSweepFixture(t, nil)
	ctx := context.Background()
	room := f.seedSwapReadyRoom(t)
	boxes, err := f.boxes.ListByRoom(ctx, nil, room.ID)
	if err != nil {
		t.Fatalf("list containers: %v", err)
	}

	stuck := models.Artifact{
		ID:          uuid.New(),
		ContainerID: boxes[0].ID,
		FileHash:    "abc",
		FileName:    "late.pdf",
		FileSize:    4,
		MimeType:    "application/pdf",
		StoragePath: "nowhere",
		CreatedAt:   f.now.Add(-config.DefaultPolicy().Scan() - time.Hour),
		UpdatedAt:   f.now.Add(-config.DefaultPolicy().Scan() - time.Hour),
	}
	if err := f.db.Create(&stuck).Error; err != nil {
		t.Fatalf("seed artifact: %v", err)
	}

	if err := f.sweeps.PollScans(ctx); err != nil {
		t.Fatalf("sweep: %v", err)
	}
	refreshed, err := f.artifacts.Get(ctx, stuck.ID)
	if err != nil {
		t.Fatalf("get artifact: %v", err)
	}
	if !refreshed.IsScanned || refreshed.IsInfected {
		t.Fatalf("timed-out scan must resolve clean: scanned=%t infected=%t", refreshed.IsScanned, refreshed.IsInfected)
	}
}

// seedSwapReadyRoom inserts a validated room ready for the swap saga.
func (f *sweepFixture) seedSwapReadyRoom(t *testing.T) *models.Room {
	t.Helper()
	ctx := context.Background()
	creator := uuid.New()
	counterparty := uuid.New()
	room := &models.Room{
		ID:             uuid.New(),
		CreatorID:      creator,
		CounterpartyID: &counterparty,
		State:          models.RoomSwapReady,
		RequiredAmount: 75,
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
			State:     models.ContainerValidated,
			CreatedAt: f.now,
			UpdatedAt: f.now,
		}
		if err := f.boxes.Create(ctx, nil, container); err != nil {
			t.Fatalf("create container: %v", err)
		}
		uploaded, err := f.store.Upload(ctx, owner, fmt.Sprintf("item-%d.pdf", i), []byte(fmt.Sprintf("item %d", i)))
		if err != nil {
			t.Fatalf("store upload: %v", err)
		}
		artifact := &models.Artifact{
			ID:          uuid.New(),
			ContainerID: container.ID,
			FileHash:    uploaded.Hash,
			FileName:    fmt.Sprintf("item-%d.pdf", i),
			FileSize:    8,
			MimeType:    "application/pdf",
			IsScanned:   true,
			StoragePath: uploaded.Path,
			CreatedAt:   f.now,
			UpdatedAt:   f.now,
		}
		if err := f.artifacts.Create(ctx, nil, artifact); err != nil {
			t.Fatalf("create artifact: %v", err)
		}
		payment := &models.Payment{
			ID:                uuid.New(),
			RoomID:            room.ID,
			PayerID:           owner,
			ProviderPaymentID: fmt.Sprintf("hold-%s", owner),
			Status:            models.PaymentConfirmed,
			Type:              models.PaymentEscrowHold,
			Amount:            room.RequiredAmount,
			Currency:          room.Currency,
			CreatedAt:         f.now,
			UpdatedAt:         f.now,
		}
		if err := f.payRepo.Create(ctx, nil, payment); err != nil {
			t.Fatalf("create payment: %v", err)
		}
	}
	return room
}
