package recon

import (
	"context"
	"encoding/csv"
	"fmt"
	"os"
	"testing"
	"time"

	"github.com/glebarez/sqlite"
	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"

	"swapdesk/models"
)

func setupReconTestDB(t *testing.T) *gorm.DB {
	t.Helper()
	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared", uuid.NewString())
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{})
	require.NoError(t, err)
	require.NoError(t, models.AutoMigrate(db))
	return db
}

func seedRoom(t *testing.T, db *gorm.DB, state models.RoomState, at time.Time) *models.Room {
	t.Helper()
	counterparty := uuid.New()
	room := &models.Room{
		ID:             uuid.New(),
		CreatorID:      uuid.New(),
		CounterpartyID: &counterparty,
		State:          state,
		RequiredAmount: 100,
		Currency:       "USD",
		CreatedAt:      at,
		UpdatedAt:      at,
	}
	require.NoError(t, db.Create(room).Error)
	return room
}

func TestRunFlagsStuckAndUncommittedSwaps(t *testing.T) {
	db := setupReconTestDB(t)
	now := time.Now().UTC().Truncate(time.Second)
	r, err := New(Config{
		DB:         db,
		Now:        func() time.Time { return now },
		StuckAfter: time.Hour,
	})
	require.NoError(t, err)

	healthy := seedRoom(t, db, models.RoomSwapped, now.Add(-2*time.Hour))
	require.NoError(t, db.Create(&models.SwapExecution{
		ID: uuid.New(), RoomID: healthy.ID, Status: models.SwapCompleted,
		Attempts: 1, CreatedAt: now.Add(-2 * time.Hour), UpdatedAt: now.Add(-2 * time.Hour),
	}).Error)
	require.NoError(t, db.Create(&models.Payment{
		ID: uuid.New(), RoomID: healthy.ID, PayerID: healthy.CreatorID,
		ProviderPaymentID: "hold-healthy", Status: models.PaymentFinal,
		Type: models.PaymentEscrowHold, Amount: 100, Currency: "USD",
		CreatedAt: now.Add(-2 * time.Hour), UpdatedAt: now.Add(-2 * time.Hour),
	}).Error)

	stuck := seedRoom(t, db, models.RoomSwapReady, now.Add(-3*time.Hour))
	require.NoError(t, db.Create(&models.SwapExecution{
		ID: uuid.New(), RoomID: stuck.ID, Status: models.SwapArtifactsMoved,
		Attempts: 2, CreatedAt: now.Add(-3 * time.Hour), UpdatedAt: now.Add(-3 * time.Hour),
	}).Error)

	drifted := seedRoom(t, db, models.RoomSwapReady, now.Add(-2*time.Hour))
	require.NoError(t, db.Create(&models.SwapExecution{
		ID: uuid.New(), RoomID: drifted.ID, Status: models.SwapCompleted,
		Attempts: 1, CreatedAt: now.Add(-2 * time.Hour), UpdatedAt: now.Add(-2 * time.Hour),
	}).Error)

	result, err := r.Run(context.Background(), now.Add(-24*time.Hour), now)
	require.NoError(t, err)
	require.Equal(t, 3, result.Rows)

	kinds := map[string]uuid.UUID{}
	for _, anomaly := range result.Anomalies {
		kinds[anomaly.Kind] = anomaly.RoomID
	}
	require.Equal(t, stuck.ID, kinds[AnomalyStuckSwap])
	require.Equal(t, drifted.ID, kinds[AnomalyUncommittedSwap])
	require.Len(t, result.Anomalies, 2)
}

func TestRunFlagsUnreleasedPayments(t *testing.T) {
	db := setupReconTestDB(t)
	now := time.Now().UTC().Truncate(time.Second)
	r, err := New(Config{DB: db, Now: func() time.Time { return now }})
	require.NoError(t, err)

	room := seedRoom(t, db, models.RoomSwapped, now.Add(-time.Hour))
	require.NoError(t, db.Create(&models.Payment{
		ID: uuid.New(), RoomID: room.ID, PayerID: room.CreatorID,
		ProviderPaymentID: "hold-left-behind", Status: models.PaymentConfirmed,
		Type: models.PaymentEscrowHold, Amount: 100, Currency: "USD",
		CreatedAt: now.Add(-time.Hour), UpdatedAt: now.Add(-time.Hour),
	}).Error)

	result, err := r.Run(context.Background(), now.Add(-24*time.Hour), now)
	require.NoError(t, err)
	require.Len(t, result.Anomalies, 1)
	require.Equal(t, AnomalyPaymentUnreleased, result.Anomalies[0].Kind)
	require.Equal(t, room.ID, result.Anomalies[0].RoomID)
}

func TestRunFlagsOrphanRefunds(t *testing.T) {
	db := setupReconTestDB(t)
	now := time.Now().UTC().Truncate(time.Second)
	r, err := New(Config{DB: db, Now: func() time.Time { return now }})
	require.NoError(t, err)

	cancelled := seedRoom(t, db, models.RoomCancelled, now.Add(-time.Hour))
	require.NoError(t, db.Create(&models.Payment{
		ID: uuid.New(), RoomID: cancelled.ID, PayerID: cancelled.CreatorID,
		ProviderPaymentID: "refund-expected", Status: models.PaymentPending,
		Type: models.PaymentRefund, Amount: 100, Currency: "USD",
		CreatedAt: now.Add(-time.Hour), UpdatedAt: now.Add(-time.Hour),
	}).Error)

	active := seedRoom(t, db, models.RoomInProgress, now.Add(-time.Hour))
	require.NoError(t, db.Create(&models.Payment{
		ID: uuid.New(), RoomID: active.ID, PayerID: active.CreatorID,
		ProviderPaymentID: "refund-unexpected", Status: models.PaymentPending,
		Type: models.PaymentRefund, Amount: 100, Currency: "USD",
		CreatedAt: now.Add(-time.Hour), UpdatedAt: now.Add(-time.Hour),
	}).Error)

	result, err := r.Run(context.Background(), now.Add(-24*time.Hour), now)
	require.NoError(t, err)
	require.Len(t, result.Anomalies, 1)
	require.Equal(t, AnomalyOrphanRefund, result.Anomalies[0].Kind)
	require.Equal(t, active.ID, result.Anomalies[0].RoomID)
}

func TestRunWritesReports(t *testing.T) {
	db := setupReconTestDB(t)
	now := time.Now().UTC().Truncate(time.Second)
	dir := t.TempDir()
	r, err := New(Config{DB: db, OutputDir: dir, Now: func() time.Time { return now }})
	require.NoError(t, err)

	seedRoom(t, db, models.RoomInProgress, now.Add(-time.Hour))
	seedRoom(t, db, models.RoomCancelled, now.Add(-30*time.Minute))

	result, err := r.Run(context.Background(), now.Add(-24*time.Hour), now)
	require.NoError(t, err)
	require.Equal(t, 2, result.Rows)
	require.NotEmpty(t, result.CSVPath)
	require.NotEmpty(t, result.ParquetPath)

	file, err := os.Open(result.CSVPath)
	require.NoError(t, err)
	defer file.Close()
	records, err := csv.NewReader(file).ReadAll()
	require.NoError(t, err)
	require.Len(t, records, 3) // header + one line per room

	info, err := os.Stat(result.ParquetPath)
	require.NoError(t, err)
	require.Greater(t, info.Size(), int64(0))
}

func TestSchedulerNextRun(t *testing.T) {
	s := NewScheduler(SchedulerConfig{RunHour: 2, RunMinute: 30})

	before := time.Date(2026, 3, 10, 1, 0, 0, 0, time.UTC)
	next := s.nextRun(before)
	require.Equal(t, time.Date(2026, 3, 10, 2, 30, 0, 0, time.UTC), next)

	after := time.Date(2026, 3, 10, 3, 0, 0, 0, time.UTC)
	next = s.nextRun(after)
	require.Equal(t, time.Date(2026, 3, 11, 2, 30, 0, 0, time.UTC), next)
}
