package saga

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"swapdesk/guard"
	"swapdesk/ledger"
	"swapdesk/models"
	"swapdesk/notify"
	"swapdesk/observability/metrics"
	"swapdesk/payments"
	"swapdesk/repo"
	"swapdesk/storage"
)

// Swap step names used in ledger entries and metrics.
const (
	stepPreconditions = "preconditions"
	stepMoveArtifacts = "move_artifacts"
	stepReleaseFunds  = "release_funds"
	stepCommit        = "commit"
)

// ErrSwapAborted reports a clean abort: no side effect ran, the room is
// untouched, and a later execution may start over.
var ErrSwapAborted = errors.New("saga: swap aborted before side effects")

// SwapExecutor runs the four-step atomic swap for a SWAP_READY room. The
// exclusive marker row serialises executions per room, and the marker status
// records the highest completed step so an interrupted run resumes instead of
// repeating external side effects.
type SwapExecutor struct {
	db         *gorm.DB
	rooms      *repo.Rooms
	containers *repo.Containers
	artifacts  *repo.Artifacts
	payments   *repo.Payments
	swaps      *repo.Swaps
	ledger     *ledger.Ledger
	store      storage.Store
	provider   payments.Provider
	notifier   *notify.Dispatcher
	logger     *slog.Logger
	now        func() time.Time
}

// SwapConfig bundles the executor dependencies.
type SwapConfig struct {
	DB         *gorm.DB
	Rooms      *repo.Rooms
	Containers *repo.Containers
	Artifacts  *repo.Artifacts
	Payments   *repo.Payments
	Swaps      *repo.Swaps
	Ledger     *ledger.Ledger
	Store      storage.Store
	Provider   payments.Provider
	Notifier   *notify.Dispatcher
	Logger     *slog.Logger
	Now        func() time.Time
}

// NewSwapExecutor constructs the swap saga coordinator.
func NewSwapExecutor(cfg SwapConfig) *SwapExecutor {
	now := cfg.Now
	if now == nil {
		now = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &SwapExecutor{
		db:         cfg.DB,
		rooms:      cfg.Rooms,
		containers: cfg.Containers,
		artifacts:  cfg.Artifacts,
		payments:   cfg.Payments,
		swaps:      cfg.Swaps,
		ledger:     cfg.Ledger,
		store:      cfg.Store,
		provider:   cfg.Provider,
		notifier:   cfg.Notifier,
		logger:     logger,
		now:        now,
	}
}

// Execute runs or resumes the swap for a room. Safe to call repeatedly: a
// concurrent holder returns ErrSwapInFlight, a completed room replays, and a
// partial prior run resumes at the step after its highest completed one.
func (e *SwapExecutor) Execute(ctx context.Context, roomID uuid.UUID) error {
	prior, err := e.swaps.Get(ctx, roomID)
	if err != nil {
		return err
	}
	if prior != nil {
		switch prior.Status {
		case models.SwapCompleted:
			return nil
		case models.SwapManualEscalation:
			return fmt.Errorf("saga: room %s escalated to manual review", roomID)
		}
	}
	exec, err := e.swaps.Acquire(ctx, roomID)
	if err != nil {
		return err
	}

	resumeFrom := models.SwapAborted
	if prior != nil {
		resumeFrom = prior.Status
	}
	e.logger.Info("swap execution started", "room", roomID, "attempt", exec.Attempts, "resume_from", resumeFrom)

	room, err := e.rooms.Get(ctx, roomID)
	if err != nil {
		e.abort(ctx, roomID, stepPreconditions, err)
		return err
	}

	// Steps already completed by a prior run are skipped, never re-run.
	movedAlready := resumeFrom == models.SwapArtifactsMoved || resumeFrom == models.SwapPaymentReleased
	releasedAlready := resumeFrom == models.SwapPaymentReleased

	containers, err := e.checkPreconditions(ctx, room, movedAlready)
	if err != nil {
		e.abort(ctx, roomID, stepPreconditions, err)
		return fmt.Errorf("%w: %v", ErrSwapAborted, err)
	}
	metrics.Exchange().SagaStep("atomic_swap", stepPreconditions, "passed")

	if !movedAlready {
		if err := e.moveArtifacts(ctx, room, containers); err != nil {
			e.abort(ctx, roomID, stepMoveArtifacts, err)
			e.alertOperator(roomID, stepMoveArtifacts, err)
			return fmt.Errorf("%w: %v", ErrSwapAborted, err)
		}
		metrics.Exchange().SagaStep("atomic_swap", stepMoveArtifacts, "committed")
	}

	if !releasedAlready {
		if err := e.releaseFunds(ctx, room); err != nil {
			// Artifacts already moved: not abortable. Record for the
			// re-driver, which retries from this step.
			e.recordSagaFailure(ctx, roomID, stepReleaseFunds, err)
			e.alertOperator(roomID, stepReleaseFunds, err)
			if serr := e.swaps.SetStatus(ctx, nil, roomID, models.SwapArtifactsMoved, err.Error()); serr != nil {
				e.logger.Error("recording swap status", "room", roomID, "error", serr)
			}
			return err
		}
		metrics.Exchange().SagaStep("atomic_swap", stepReleaseFunds, "committed")
	}

	if err := e.commit(ctx, room); err != nil {
		e.recordSagaFailure(ctx, roomID, stepCommit, err)
		if serr := e.swaps.SetStatus(ctx, nil, roomID, models.SwapPaymentReleased, err.Error()); serr != nil {
			e.logger.Error("recording swap status", "room", roomID, "error", serr)
		}
		return err
	}
	metrics.Exchange().SagaStep("atomic_swap", stepCommit, "committed")
	metrics.Exchange().SwapOutcome("completed")
	metrics.Exchange().RoomTerminal(string(models.RoomSwapped))

	e.notifier.Send(notify.EventSwapCompleted, roomID, map[string]any{
		"room_id": roomID.String(),
	})
	e.logger.Info("swap execution completed", "room", roomID)
	return nil
}

// checkPreconditions re-validates everything the swap depends on without
// mutating anything. Once artifacts have moved, storage paths reflect the new
// owners and the existence check is skipped.
func (e *SwapExecutor) checkPreconditions(ctx context.Context, room *models.Room, movedAlready bool) ([]models.Container, error) {
	if room.State != models.RoomSwapReady {
		return nil, fmt.Errorf("room is %s, expected %s", room.State, models.RoomSwapReady)
	}
	if room.CounterpartyID == nil {
		return nil, fmt.Errorf("room has no counterparty")
	}
	containers, err := e.containers.ListByRoom(ctx, nil, room.ID)
	if err != nil {
		return nil, err
	}
	if len(containers) != 2 {
		return nil, fmt.Errorf("room has %d containers, expected 2", len(containers))
	}
	for _, container := range containers {
		if container.State != models.ContainerValidated {
			return nil, fmt.Errorf("container %s is %s, expected %s", container.ID, container.State, models.ContainerValidated)
		}
	}
	confirmed, err := e.payments.AllConfirmed(ctx, nil, room.ID)
	if err != nil {
		return nil, err
	}
	if !confirmed {
		return nil, fmt.Errorf("escrow payments not all confirmed")
	}
	if movedAlready {
		return containers, nil
	}
	for _, container := range containers {
		artifacts, err := e.artifacts.ListByContainer(ctx, nil, container.ID)
		if err != nil {
			return nil, err
		}
		if len(artifacts) == 0 {
			return nil, fmt.Errorf("container %s has no artifacts", container.ID)
		}
		for _, artifact := range artifacts {
			ok, err := e.store.Exists(ctx, artifact.StoragePath)
			if err != nil {
				return nil, err
			}
			if !ok {
				return nil, fmt.Errorf("artifact %s missing from storage", artifact.ID)
			}
		}
	}
	return containers, nil
}

// moveArtifacts relocates each container's objects to the opposite party.
// The store move is idempotent per container, so a crash between the move and
// the marker update is absorbed on the next run.
func (e *SwapExecutor) moveArtifacts(ctx context.Context, room *models.Room, containers []models.Container) error {
	e.stepStarted(ctx, room.ID, stepMoveArtifacts)
	for _, container := range containers {
		sibling, err := e.containers.Sibling(ctx, nil, &container)
		if err != nil {
			return err
		}
		artifacts, err := e.artifacts.ListByContainer(ctx, nil, container.ID)
		if err != nil {
			return err
		}
		paths := make([]string, 0, len(artifacts))
		for _, artifact := range artifacts {
			paths = append(paths, artifact.StoragePath)
		}
		relocated, err := e.store.MoveArtifacts(ctx, container.ID, sibling.OwnerID, paths)
		if err != nil {
			return fmt.Errorf("moving artifacts of container %s: %w", container.ID, err)
		}
		err = e.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
			for _, artifact := range artifacts {
				newPath, ok := relocated[artifact.StoragePath]
				if !ok {
					continue
				}
				if err := tx.Model(&models.Artifact{}).
					Where("id = ?", artifact.ID).
					Update("storage_path", newPath).Error; err != nil {
					return err
				}
			}
			return nil
		})
		if err != nil {
			return err
		}
	}
	if err := e.swaps.SetStatus(ctx, nil, room.ID, models.SwapArtifactsMoved, ""); err != nil {
		return err
	}
	e.stepCompleted(ctx, room.ID, stepMoveArtifacts, fmt.Sprintf("room=%s artifacts relocated", room.ID))
	return nil
}

// releaseFunds instructs the provider to release the escrowed balances. The
// room-scoped idempotency key makes provider-side replays safe.
func (e *SwapExecutor) releaseFunds(ctx context.Context, room *models.Room) error {
	e.stepStarted(ctx, room.ID, stepReleaseFunds)
	releaseKey := fmt.Sprintf("swap-release:%s", room.ID)
	result, err := e.provider.ReleaseBalance(ctx, room.ID, room.RequiredAmount, releaseKey)
	if err != nil {
		return fmt.Errorf("releasing escrow for room %s: %w", room.ID, err)
	}
	now := e.now().UTC()
	payment := models.Payment{
		ID:                uuid.New(),
		RoomID:            room.ID,
		PayerID:           models.SystemActorID,
		ProviderPaymentID: result.ProviderReleaseID,
		Status:            models.PaymentConfirmed,
		Type:              models.PaymentFinalRelease,
		Amount:            result.Amount,
		Currency:          room.Currency,
		CreatedAt:         now,
		UpdatedAt:         now,
	}
	if err := e.payments.Create(ctx, nil, &payment); err != nil {
		// A unique collision on the provider id means a prior run already
		// recorded this release.
		e.logger.Warn("recording release payment", "room", room.ID, "error", err)
	}
	if err := e.swaps.SetStatus(ctx, nil, room.ID, models.SwapPaymentReleased, ""); err != nil {
		return err
	}
	e.stepCompleted(ctx, room.ID, stepReleaseFunds, fmt.Sprintf("room=%s release=%s amount=%.2f", room.ID, result.ProviderReleaseID, result.Amount))
	return nil
}

// commit finalises the swap in one transaction: room SWAPPED, containers
// TRANSFERRED, payments FINAL, marker COMPLETED. Either all of it lands or
// none of it does, and the re-driver repeats only this step.
func (e *SwapExecutor) commit(ctx context.Context, room *models.Room) error {
	now := e.now().UTC()
	e.stepStarted(ctx, room.ID, stepCommit)
	err := e.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := e.rooms.Advance(ctx, tx, room.ID, models.RoomSwapReady, models.RoomSwapped, map[string]any{
			"swapped_at": now,
			"updated_at": now,
		}); err != nil {
			return err
		}
		containers, err := e.containers.ListByRoom(ctx, tx, room.ID)
		if err != nil {
			return err
		}
		for _, container := range containers {
			if err := e.containers.Advance(ctx, tx, container.ID, models.ContainerValidated, models.ContainerTransferred, map[string]any{
				"transferred_at": now,
				"updated_at":     now,
			}); err != nil {
				return err
			}
		}
		rows, err := e.payments.ListByRoom(ctx, tx, room.ID)
		if err != nil {
			return err
		}
		for _, payment := range rows {
			if payment.Status != models.PaymentConfirmed {
				continue
			}
			if err := e.payments.SetStatus(ctx, tx, payment.ID, models.PaymentConfirmed, models.PaymentFinal); err != nil {
				return err
			}
		}
		if err := e.swaps.SetStatus(ctx, tx, room.ID, models.SwapCompleted, ""); err != nil {
			return err
		}
		_, err = e.ledger.Transition(ctx, tx, ledger.Entry{
			Actor:        models.SystemActorID,
			Action:       guard.ActionAtomicSwap,
			Resource:     room.ID,
			ResourceType: "room",
			Details:      fmt.Sprintf("room=%s %s->%s", room.ID, models.RoomSwapReady, models.RoomSwapped),
		}, fmt.Sprintf("swap:%s", room.ID))
		return err
	})
	if errors.Is(err, ledger.ErrDuplicate) {
		// A prior run committed before recording the marker.
		return e.swaps.SetStatus(ctx, nil, room.ID, models.SwapCompleted, "")
	}
	if err != nil {
		return err
	}
	e.stepCompleted(ctx, room.ID, stepCommit, fmt.Sprintf("room=%s swapped", room.ID))
	return nil
}

// abort records a clean stop before the point of no return and marks the
// marker ABORTED so a later execution starts over.
func (e *SwapExecutor) abort(ctx context.Context, roomID uuid.UUID, step string, cause error) {
	metrics.Exchange().SagaStep("atomic_swap", step, "aborted")
	metrics.Exchange().SwapOutcome("aborted")
	e.recordSagaFailure(ctx, roomID, step, cause)
	if err := e.swaps.SetStatus(ctx, nil, roomID, models.SwapAborted, cause.Error()); err != nil {
		e.logger.Error("recording swap abort", "room", roomID, "error", err)
	}
}

func (e *SwapExecutor) recordSagaFailure(ctx context.Context, roomID uuid.UUID, step string, cause error) {
	metrics.Exchange().SagaStep("atomic_swap", step, "failed")
	if _, err := e.ledger.SagaFailure(ctx, ledger.Entry{
		Actor:        models.SystemActorID,
		Action:       guard.ActionAtomicSwap,
		Resource:     roomID,
		ResourceType: "room",
		Details:      fmt.Sprintf("step=%s error=%v", step, cause),
	}); err != nil {
		e.logger.Error("recording saga failure", "room", roomID, "step", step, "error", err)
	}
}

func (e *SwapExecutor) alertOperator(roomID uuid.UUID, step string, cause error) {
	e.notifier.Send(notify.EventOperatorAlert, roomID, map[string]any{
		"room_id": roomID.String(),
		"saga":    "atomic_swap",
		"step":    step,
		"error":   cause.Error(),
	})
}

func (e *SwapExecutor) stepStarted(ctx context.Context, roomID uuid.UUID, step string) {
	if _, err := e.ledger.Attempt(ctx, ledger.Entry{
		Actor:        models.SystemActorID,
		Action:       guard.ActionAtomicSwap,
		Resource:     roomID,
		ResourceType: "room",
		Details:      fmt.Sprintf("step=%s started", step),
	}); err != nil {
		e.logger.Error("recording saga step start", "room", roomID, "step", step, "error", err)
	}
}

func (e *SwapExecutor) stepCompleted(ctx context.Context, roomID uuid.UUID, step string, details string) {
	if step == stepCommit {
		return
	}
	if _, err := e.ledger.Transition(ctx, nil, ledger.Entry{
		Actor:        models.SystemActorID,
		Action:       guard.ActionAtomicSwap,
		Resource:     roomID,
		ResourceType: "room",
		Details:      details,
	}, fmt.Sprintf("swap-step:%s:%s", roomID, step)); err != nil && !errors.Is(err, ledger.ErrDuplicate) {
		e.logger.Error("recording saga step completion", "room", roomID, "step", step, "error", err)
	}
}
