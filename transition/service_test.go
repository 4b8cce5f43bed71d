package transition

import (
	"context"
	"fmt"
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
	"swapdesk/scan"
	"swapdesk/storage"
)

type fakeProvider struct {
	mu       sync.Mutex
	orders   int
	releases int
	failNext bool
}

func (f *fakeProvider) CreateOrder(ctx context.Context, roomID, payerID uuid.UUID, amount float64, currency string) (*payments.Order, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failNext {
		f.failNext = false
		return nil, fmt.Errorf("provider unavailable")
	}
	f.orders++
	return &payments.Order{
		ProviderOrderID: fmt.Sprintf("order-%d", f.orders),
		Amount:          amount,
		Currency:        currency,
	}, nil
}

func (f *fakeProvider) VerifyWebhookSignature(payload []byte, signature string) bool { return true }

func (f *fakeProvider) ReleaseBalance(ctx context.Context, roomID uuid.UUID, amount float64, idempotencyKey string) (*payments.ReleaseResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failNext {
		f.failNext = false
		return nil, fmt.Errorf("provider unavailable")
	}
	f.releases++
	return &payments.ReleaseResult{
		ProviderReleaseID: fmt.Sprintf("release-%s", idempotencyKey),
		Amount:            amount,
	}, nil
}

type fakeScanner struct {
	mu      sync.Mutex
	submits int
}

func (f *fakeScanner) Submit(ctx context.Context, artifactID uuid.UUID, path string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.submits++
	return fmt.Sprintf("scan-%d", f.submits), nil
}

func (f *fakeScanner) CheckStatus(ctx context.Context, scanID string) (*scan.Result, error) {
	return &scan.Result{ScanID: scanID, Verdict: scan.VerdictClean}, nil
}

type fixture struct {
	db         *gorm.DB
	svc        *Service
	journal    *ledger.Ledger
	store      *storage.Memory
	provider   *fakeProvider
	scanner    *fakeScanner
	notifier   *notify.Dispatcher
	rooms      *repo.Rooms
	containers *repo.Containers
	artifacts  *repo.Artifacts
	payments   *repo.Payments
	now        time.Time
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared", uuid.NewString())
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{})
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	if err := models.AutoMigrate(db); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	f := &fixture{
		db:       db,
		store:    storage.NewMemory(),
		provider: &fakeProvider{},
		scanner:  &fakeScanner{},
		now:      time.Now().UTC().Truncate(time.Second),
	}
	clock := func() time.Time { return f.now }
	f.journal = ledger.New(db, clock)
	f.rooms = repo.NewRooms(db)
	f.containers = repo.NewContainers(db)
	f.artifacts = repo.NewArtifacts(db)
	f.payments = repo.NewPayments(db)
	f.notifier = notify.NewDispatcher(notify.DispatcherConfig{Sender: notify.Noop{}, Ledger: f.journal})
	f.svc = New(Config{
		DB:         db,
		Rooms:      f.rooms,
		Containers: f.containers,
		Artifacts:  f.artifacts,
		Payments:   f.payments,
		Ledger:     f.journal,
		Policy:     config.DefaultPolicy(),
		Store:      f.store,
		Provider:   f.provider,
		Scanner:    f.scanner,
		Notifier:   f.notifier,
		Now:        clock,
	})
	return f
}

func participantClaims(id uuid.UUID, at time.Time) auth.Claims {
	return auth.Claims{Subject: id, Role: auth.RoleParticipant, SessionStartedAt: at}
}

func adminClaims(id uuid.UUID, at time.Time) auth.Claims {
	otp := at
	return auth.Claims{Subject: id, Role: auth.RoleAdmin, SessionStartedAt: at, OTPVerifiedAt: &otp}
}

// seedJoined walks a room through invite and join via the real services.
func (f *fixture) seedJoined(t *testing.T) (roomID uuid.UUID, creator, counterparty auth.Claims) {
	t.Helper()
	ctx := context.Background()
	creator = participantClaims(uuid.New(), f.now)
	counterparty = participantClaims(uuid.New(), f.now)
	res, err := f.svc.InviteRoom(ctx, creator, InviteInput{RequiredAmount: 500, Currency: "USD"})
	if err != nil {
		t.Fatalf("invite: %v", err)
	}
	roomID = res.Resource
	if _, err := f.svc.JoinRoom(ctx, counterparty, roomID); err != nil {
		t.Fatalf("join: %v", err)
	}
	return roomID, creator, counterparty
}

// seedInProgress continues through lock, payment confirmations and progress.
func (f *fixture) seedInProgress(t *testing.T) (roomID uuid.UUID, creator, counterparty auth.Claims) {
	t.Helper()
	ctx := context.Background()
	roomID, creator, counterparty = f.seedJoined(t)
	if _, err := f.svc.LockRoom(ctx, creator, roomID); err != nil {
		t.Fatalf("lock: %v", err)
	}
	f.confirmEscrow(t, roomID)
	if _, err := f.svc.ProgressRoom(ctx, roomID); err != nil {
		t.Fatalf("progress: %v", err)
	}
	return roomID, creator, counterparty
}

func (f *fixture) confirmEscrow(t *testing.T, roomID uuid.UUID) {
	t.Helper()
	rows, err := f.payments.ListByRoom(context.Background(), nil, roomID)
	if err != nil {
		t.Fatalf("list payments: %v", err)
	}
	for _, payment := range rows {
		if err := f.payments.SetStatus(context.Background(), nil, payment.ID, models.PaymentPending, models.PaymentConfirmed); err != nil {
			t.Fatalf("confirm payment %s: %v", payment.ID, err)
		}
	}
}

// uploadClean stores data into the container and marks its scan clean.
func (f *fixture) uploadClean(t *testing.T, owner auth.Claims, containerID uuid.UUID, name string, data []byte) uuid.UUID {
	t.Helper()
	ctx := context.Background()
	if _, err := f.svc.UploadArtifact(ctx, owner, UploadInput{
		ContainerID: containerID,
		FileName:    name,
		MimeType:    "application/pdf",
		Data:        data,
	}); err != nil {
		t.Fatalf("upload %s: %v", name, err)
	}
	artifacts, err := f.artifacts.ListByContainer(ctx, nil, containerID)
	if err != nil {
		t.Fatalf("list artifacts: %v", err)
	}
	var last uuid.UUID
	for _, artifact := range artifacts {
		if err := f.artifacts.SetScanResult(ctx, artifact.ID, false); err != nil {
			t.Fatalf("mark scanned: %v", err)
		}
		last = artifact.ID
	}
	return last
}

func (f *fixture) containersOf(t *testing.T, roomID uuid.UUID) (a, b models.Container) {
	t.Helper()
	containers, err := f.containers.ListByRoom(context.Background(), nil, roomID)
	if err != nil {
		t.Fatalf("list containers: %v", err)
	}
	if len(containers) != 2 {
		t.Fatalf("expected 2 containers, got %d", len(containers))
	}
	return containers[0], containers[1]
}

func (f *fixture) roomState(t *testing.T, roomID uuid.UUID) models.RoomState {
	t.Helper()
	room, err := f.rooms.Get(context.Background(), roomID)
	if err != nil {
		t.Fatalf("get room: %v", err)
	}
	return room.State
}

func (f *fixture) transitionCount(t *testing.T, action string) int64 {
	t.Helper()
	var n int64
	err := f.db.Model(&models.Record{}).
		Where("action = ? AND kind = ?", action, models.RecordTransition).
		Count(&n).Error
	if err != nil {
		t.Fatalf("count transitions: %v", err)
	}
	return n
}
