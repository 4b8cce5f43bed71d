// Package recon performs the nightly consistency audit: it cross-checks
// rooms, payments and swap markers, raises anomalies for operator review, and
// writes CSV plus parquet reports for the analytics pipeline.
package recon

import (
	"context"
	"encoding/csv"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	"github.com/xitongsys/parquet-go-source/writerfile"
	"github.com/xitongsys/parquet-go/parquet"
	"github.com/xitongsys/parquet-go/writer"
	"gorm.io/gorm"

	"swapdesk/models"
	"swapdesk/notify"
)

// Anomaly kinds raised by the reconciler.
const (
	AnomalyStuckSwap         = "stuck_swap"
	AnomalyUncommittedSwap   = "uncommitted_swap"
	AnomalyPaymentUnreleased = "payment_unreleased"
	AnomalyOrphanRefund      = "orphan_refund"
	AnomalyStaleValidation   = "stale_validation"
)

// Anomaly is one inconsistency found during a run.
type Anomaly struct {
	Kind    string
	RoomID  uuid.UUID
	Detail  string
	RaisedA time.Time
}

// ReportRow is one room-level line of the nightly report.
type ReportRow struct {
	RoomID        uuid.UUID
	State         string
	Amount        float64
	Currency      string
	SwapStatus    string
	SwapAttempts  int
	PaymentsTotal int
	PaymentsFinal int
	Anomalies     int
	CreatedAt     time.Time
	SwappedAt     *time.Time
}

// Config bundles the reconciler dependencies.
type Config struct {
	DB        *gorm.DB
	OutputDir string
	Notifier  *notify.Dispatcher
	Logger    *slog.Logger
	Now       func() time.Time

	// StuckAfter is how long a swap marker may sit unfinished before it is
	// anomalous. Defaults to one hour.
	StuckAfter time.Duration
}

// Reconciler runs the audit.
type Reconciler struct {
	db         *gorm.DB
	outputDir  string
	notifier   *notify.Dispatcher
	logger     *slog.Logger
	now        func() time.Time
	stuckAfter time.Duration
}

// Result summarises one reconciliation run.
type Result struct {
	Rows        int
	Anomalies   []Anomaly
	CSVPath     string
	ParquetPath string
}

// New constructs a reconciler.
func New(cfg Config) (*Reconciler, error) {
	if cfg.DB == nil {
		return nil, fmt.Errorf("recon: database is required")
	}
	now := cfg.Now
	if now == nil {
		now = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	stuck := cfg.StuckAfter
	if stuck <= 0 {
		stuck = time.Hour
	}
	return &Reconciler{
		db:         cfg.DB,
		outputDir:  cfg.OutputDir,
		notifier:   cfg.Notifier,
		logger:     logger,
		now:        now,
		stuckAfter: stuck,
	}, nil
}

// Run audits every room touched inside the window and writes the report.
func (r *Reconciler) Run(ctx context.Context, start, end time.Time) (*Result, error) {
	var rooms []models.Room
	if err := r.db.WithContext(ctx).
		Where("updated_at >= ? AND updated_at < ?", start.UTC(), end.UTC()).
		Order("created_at").
		Find(&rooms).Error; err != nil {
		return nil, fmt.Errorf("recon: loading rooms: %w", err)
	}

	now := r.now().UTC()
	result := &Result{}
	rows := make([]*ReportRow, 0, len(rooms))
	for i := range rooms {
		room := &rooms[i]
		row, anomalies, err := r.auditRoom(ctx, room, now)
		if err != nil {
			return nil, err
		}
		rows = append(rows, row)
		result.Anomalies = append(result.Anomalies, anomalies...)
	}
	result.Rows = len(rows)

	for _, anomaly := range result.Anomalies {
		r.logger.Warn("recon anomaly", "kind", anomaly.Kind, "room", anomaly.RoomID, "detail", anomaly.Detail)
		if r.notifier != nil {
			r.notifier.Send(notify.EventOperatorAlert, anomaly.RoomID, map[string]any{
				"room_id": anomaly.RoomID.String(),
				"anomaly": anomaly.Kind,
				"detail":  anomaly.Detail,
			})
		}
	}

	if r.outputDir != "" && len(rows) > 0 {
		csvPath, parquetPath, err := r.writeReports(end, rows)
		if err != nil {
			return nil, err
		}
		result.CSVPath = csvPath
		result.ParquetPath = parquetPath
	}
	r.logger.Info("reconciliation complete", "rooms", result.Rows, "anomalies", len(result.Anomalies))
	return result, nil
}

func (r *Reconciler) auditRoom(ctx context.Context, room *models.Room, now time.Time) (*ReportRow, []Anomaly, error) {
	var payments []models.Payment
	if err := r.db.WithContext(ctx).Where("room_id = ?", room.ID).Find(&payments).Error; err != nil {
		return nil, nil, fmt.Errorf("recon: loading payments: %w", err)
	}
	var marker models.SwapExecution
	hasMarker := true
	if err := r.db.WithContext(ctx).First(&marker, "room_id = ?", room.ID).Error; err != nil {
		hasMarker = false
	}

	finals := 0
	refunds := 0
	for _, payment := range payments {
		if payment.Status == models.PaymentFinal {
			finals++
		}
		if payment.Type == models.PaymentRefund {
			refunds++
		}
	}

	var anomalies []Anomaly
	raise := func(kind, detail string) {
		anomalies = append(anomalies, Anomaly{Kind: kind, RoomID: room.ID, Detail: detail, RaisedA: now})
	}

	if hasMarker {
		switch marker.Status {
		case models.SwapCompleted:
			if room.State != models.RoomSwapped {
				raise(AnomalyUncommittedSwap, fmt.Sprintf("marker COMPLETED but room is %s", room.State))
			}
		case models.SwapPaymentReleased:
			if now.Sub(marker.UpdatedAt) > r.stuckAfter {
				raise(AnomalyUncommittedSwap, fmt.Sprintf("payment released %s ago without final commit", now.Sub(marker.UpdatedAt).Round(time.Minute)))
			}
		case models.SwapRunning, models.SwapArtifactsMoved:
			if now.Sub(marker.UpdatedAt) > r.stuckAfter {
				raise(AnomalyStuckSwap, fmt.Sprintf("marker %s stale for %s", marker.Status, now.Sub(marker.UpdatedAt).Round(time.Minute)))
			}
		}
	}
	if room.State == models.RoomSwapped && len(payments) > 0 && finals != len(payments) {
		raise(AnomalyPaymentUnreleased, fmt.Sprintf("%d of %d payments not FINAL after swap", len(payments)-finals, len(payments)))
	}
	if refunds > 0 &&
		room.State != models.RoomCancelled && room.State != models.RoomFailed && room.State != models.RoomExpired {
		raise(AnomalyOrphanRefund, fmt.Sprintf("%d refund rows on a %s room", refunds, room.State))
	}
	if room.State == models.RoomUnderValidation && room.UnderValidationAt != nil &&
		now.Sub(*room.UnderValidationAt) > 7*24*time.Hour {
		raise(AnomalyStaleValidation, fmt.Sprintf("under validation since %s", room.UnderValidationAt.Format(time.RFC3339)))
	}

	row := &ReportRow{
		RoomID:        room.ID,
		State:         string(room.State),
		Amount:        room.RequiredAmount,
		Currency:      room.Currency,
		PaymentsTotal: len(payments),
		PaymentsFinal: finals,
		Anomalies:     len(anomalies),
		CreatedAt:     room.CreatedAt,
		SwappedAt:     room.SwappedAt,
	}
	if hasMarker {
		row.SwapStatus = marker.Status
		row.SwapAttempts = marker.Attempts
	}
	return row, anomalies, nil
}

func (r *Reconciler) writeReports(end time.Time, rows []*ReportRow) (string, string, error) {
	runDir := filepath.Join(r.outputDir, end.UTC().Format("2006-01-02"))
	if err := os.MkdirAll(runDir, 0o755); err != nil {
		return "", "", fmt.Errorf("recon: create report dir: %w", err)
	}
	base := filepath.Join(runDir, "rooms")
	csvPath := base + ".csv"
	if err := writeCSV(csvPath, rows); err != nil {
		return "", "", err
	}
	parquetPath := base + ".parquet"
	if err := writeParquet(parquetPath, rows); err != nil {
		return "", "", err
	}
	r.logger.Info("recon report written", "csv", csvPath, "parquet", parquetPath, "rows", len(rows))
	return csvPath, parquetPath, nil
}

func writeCSV(path string, rows []*ReportRow) error {
	file, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("recon: create csv: %w", err)
	}
	defer file.Close()
	w := csv.NewWriter(file)
	header := []string{
		"room_id", "state", "amount", "currency", "swap_status", "swap_attempts",
		"payments_total", "payments_final", "anomalies", "created_at", "swapped_at",
	}
	if err := w.Write(header); err != nil {
		return fmt.Errorf("recon: write csv header: %w", err)
	}
	for _, row := range rows {
		record := []string{
			row.RoomID.String(),
			row.State,
			fmt.Sprintf("%.2f", row.Amount),
			row.Currency,
			row.SwapStatus,
			fmt.Sprintf("%d", row.SwapAttempts),
			fmt.Sprintf("%d", row.PaymentsTotal),
			fmt.Sprintf("%d", row.PaymentsFinal),
			fmt.Sprintf("%d", row.Anomalies),
			row.CreatedAt.Format(time.RFC3339),
			formatTime(row.SwappedAt),
		}
		if err := w.Write(record); err != nil {
			return fmt.Errorf("recon: write csv row: %w", err)
		}
	}
	w.Flush()
	if err := w.Error(); err != nil {
		return fmt.Errorf("recon: flush csv: %w", err)
	}
	return nil
}

type parquetRow struct {
	RoomID        string  `parquet:"name=room_id, type=BYTE_ARRAY, convertedtype=UTF8"`
	State         string  `parquet:"name=state, type=BYTE_ARRAY, convertedtype=UTF8"`
	Amount        float64 `parquet:"name=amount, type=DOUBLE"`
	Currency      string  `parquet:"name=currency, type=BYTE_ARRAY, convertedtype=UTF8"`
	SwapStatus    string  `parquet:"name=swap_status, type=BYTE_ARRAY, convertedtype=UTF8"`
	SwapAttempts  int32   `parquet:"name=swap_attempts, type=INT32"`
	PaymentsTotal int32   `parquet:"name=payments_total, type=INT32"`
	PaymentsFinal int32   `parquet:"name=payments_final, type=INT32"`
	Anomalies     int32   `parquet:"name=anomalies, type=INT32"`
	CreatedAt     string  `parquet:"name=created_at, type=BYTE_ARRAY, convertedtype=UTF8"`
	SwappedAt     string  `parquet:"name=swapped_at, type=BYTE_ARRAY, convertedtype=UTF8"`
}

func writeParquet(path string, rows []*ReportRow) error {
	file, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("recon: create parquet: %w", err)
	}
	fw := writerfile.NewWriterFile(file)
	pw, err := writer.NewParquetWriter(fw, new(parquetRow), 1)
	if err != nil {
		file.Close()
		return fmt.Errorf("recon: parquet schema: %w", err)
	}
	pw.RowGroupSize = 128 * 1024 * 1024
	pw.CompressionType = parquet.CompressionCodec_SNAPPY

	for _, row := range rows {
		pr := &parquetRow{
			RoomID:        row.RoomID.String(),
			State:         row.State,
			Amount:        row.Amount,
			Currency:      row.Currency,
			SwapStatus:    row.SwapStatus,
			SwapAttempts:  int32(row.SwapAttempts),
			PaymentsTotal: int32(row.PaymentsTotal),
			PaymentsFinal: int32(row.PaymentsFinal),
			Anomalies:     int32(row.Anomalies),
			CreatedAt:     row.CreatedAt.Format(time.RFC3339),
			SwappedAt:     formatTime(row.SwappedAt),
		}
		if err := pw.Write(pr); err != nil {
			pw.WriteStop()
			file.Close()
			return fmt.Errorf("recon: write parquet row: %w", err)
		}
	}
	if err := pw.WriteStop(); err != nil {
		file.Close()
		return fmt.Errorf("recon: finish parquet: %w", err)
	}
	return file.Close()
}

func formatTime(t *time.Time) string {
	if t == nil {
		return ""
	}
	return t.UTC().Format(time.RFC3339)
}
