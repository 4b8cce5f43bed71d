package jobs

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"swapdesk/config"
	"swapdesk/guard"
	"swapdesk/ledger"
	"swapdesk/models"
	"swapdesk/notify"
	"swapdesk/observability/metrics"
	"swapdesk/repo"
	"swapdesk/saga"
	"swapdesk/scan"
	"swapdesk/transition"
)

// sweepBatch caps how many rows one sweep run touches.
const sweepBatch = 200

// Sweeps bundles the dependencies shared by the re-driver jobs.
type Sweeps struct {
	Rooms       *repo.Rooms
	Artifacts   *repo.Artifacts
	Swaps       *repo.Swaps
	Transitions *transition.Service
	Executor    *saga.SwapExecutor
	Scanner     scan.Scanner
	Ledger      *ledger.Ledger
	Notifier    *notify.Dispatcher
	Policy      config.Policy
	Logger      *slog.Logger
	Now         func() time.Time
}

func (s *Sweeps) now() time.Time {
	if s.Now != nil {
		return s.Now()
	}
	return time.Now()
}

// ExpireInvites retires invites nobody accepted before their deadline.
func (s *Sweeps) ExpireInvites(ctx context.Context) error {
	rooms, err := s.Rooms.ListByStateOlderThan(ctx, models.RoomInviteSent, "invite_expires_at", s.now().UTC(), sweepBatch)
	if err != nil {
		return err
	}
	for _, room := range rooms {
		if _, err := s.Transitions.ExpireRoom(ctx, room.ID); err != nil {
			if errors.Is(err, transition.ErrConflict) {
				continue
			}
			s.Logger.Error("expiring room", "room", room.ID, "error", err)
		}
	}
	return nil
}

// ProgressRooms retries LOCKED rooms whose escrow confirmations all arrived
// but whose webhook-triggered progress attempt was lost.
func (s *Sweeps) ProgressRooms(ctx context.Context) error {
	rooms, err := s.Rooms.ListByState(ctx, models.RoomLocked, sweepBatch)
	if err != nil {
		return err
	}
	for _, room := range rooms {
		if _, err := s.Transitions.ProgressRoom(ctx, room.ID); err != nil {
			// Rooms still waiting on a confirmation stay LOCKED.
			if errors.Is(err, transition.ErrConflict) {
				continue
			}
			s.Logger.Error("progressing room", "room", room.ID, "error", err)
		}
	}
	return nil
}

// DriveSwaps starts executions for approved rooms and resumes interrupted
// ones. Markers past the attempt budget escalate to manual review instead of
// retrying forever.
func (s *Sweeps) DriveSwaps(ctx context.Context) error {
	execs, err := s.Swaps.ListByStatus(ctx, []string{
		models.SwapAborted, models.SwapArtifactsMoved, models.SwapPaymentReleased,
	}, sweepBatch)
	if err != nil {
		return err
	}
	for _, exec := range execs {
		if exec.Attempts >= s.Policy.MaxSwapAttempts {
			s.escalate(ctx, exec)
			continue
		}
		s.execute(ctx, exec.RoomID)
	}

	rooms, err := s.Rooms.ListByState(ctx, models.RoomSwapReady, sweepBatch)
	if err != nil {
		return err
	}
	for _, room := range rooms {
		marker, err := s.Swaps.Get(ctx, room.ID)
		if err != nil {
			s.Logger.Error("loading swap marker", "room", room.ID, "error", err)
			continue
		}
		if marker != nil {
			continue // handled above or in flight
		}
		s.execute(ctx, room.ID)
	}
	return nil
}

func (s *Sweeps) execute(ctx context.Context, roomID uuid.UUID) {
	err := s.Executor.Execute(ctx, roomID)
	switch {
	case err == nil:
	case errors.Is(err, repo.ErrSwapInFlight):
	case errors.Is(err, saga.ErrSwapAborted):
		s.Logger.Warn("swap aborted", "room", roomID, "error", err)
	default:
		s.Logger.Error("swap execution", "room", roomID, "error", err)
	}
}

func (s *Sweeps) escalate(ctx context.Context, exec models.SwapExecution) {
	if err := s.Swaps.SetStatus(ctx, nil, exec.RoomID, models.SwapManualEscalation, exec.LastError); err != nil {
		s.Logger.Error("escalating swap", "room", exec.RoomID, "error", err)
		return
	}
	metrics.Exchange().SwapOutcome("manual_review")
	if _, err := s.Ledger.SagaFailure(ctx, ledger.Entry{
		Actor:        models.SystemActorID,
		Action:       guard.ActionAtomicSwap,
		Resource:     exec.RoomID,
		ResourceType: "room",
		Details:      fmt.Sprintf("attempts=%d exhausted, last error: %s", exec.Attempts, exec.LastError),
	}); err != nil {
		s.Logger.Error("recording swap escalation", "room", exec.RoomID, "error", err)
	}
	s.Notifier.Send(notify.EventOperatorAlert, exec.RoomID, map[string]any{
		"room_id":  exec.RoomID.String(),
		"saga":     "atomic_swap",
		"attempts": exec.Attempts,
		"error":    exec.LastError,
	})
}

// PollScans resolves artifacts whose scan verdict webhook never arrived.
// Verdicts older than the scan timeout resolve clean so sealers are not
// blocked forever by a silent scanner.
func (s *Sweeps) PollScans(ctx context.Context) error {
	now := s.now().UTC()
	artifacts, err := s.Artifacts.ListUnscannedOlderThan(ctx, now.Add(-time.Minute), sweepBatch)
	if err != nil {
		return err
	}
	for _, artifact := range artifacts {
		if s.Scanner == nil {
			if now.Sub(artifact.CreatedAt) >= s.Policy.Scan() {
				if err := s.Artifacts.SetScanResult(ctx, artifact.ID, false); err != nil {
					s.Logger.Error("resolving scan without scanner", "artifact", artifact.ID, "error", err)
				}
			}
			continue
		}
		if artifact.ScanID == "" {
			// Submission itself was lost; resubmit.
			scanID, err := s.Scanner.Submit(ctx, artifact.ID, artifact.StoragePath)
			if err != nil {
				s.Logger.Warn("resubmitting scan", "artifact", artifact.ID, "error", err)
				continue
			}
			if err := s.Artifacts.SetScanID(ctx, artifact.ID, scanID); err != nil {
				s.Logger.Error("storing scan id", "artifact", artifact.ID, "error", err)
			}
			continue
		}
		result, err := s.Scanner.CheckStatus(ctx, artifact.ScanID)
		if err == nil && result != nil && result.Verdict != scan.VerdictPending {
			if _, aerr := s.Transitions.ApplyScanResult(ctx, scan.WebhookPayload{
				ScanID:  result.ScanID,
				Verdict: result.Verdict,
				Detail:  result.Detail,
			}); aerr != nil {
				s.Logger.Error("applying polled scan result", "artifact", artifact.ID, "error", aerr)
			}
			continue
		}
		if now.Sub(artifact.CreatedAt) >= s.Policy.Scan() {
			if _, aerr := s.Transitions.ApplyScanResult(ctx, scan.WebhookPayload{
				ScanID:  artifact.ScanID,
				Verdict: scan.VerdictClean,
				Detail:  "scan timed out, resolved clean",
			}); aerr != nil {
				s.Logger.Error("resolving timed out scan", "artifact", artifact.ID, "error", aerr)
			}
		}
	}
	return nil
}

// All assembles the standard job set on the configured intervals.
func (s *Sweeps) All(cfg *config.Config) []Job {
	return []Job{
		{Name: "expire_invites", Interval: cfg.ExpirySweepInterval, Run: s.ExpireInvites},
		{Name: "progress_rooms", Interval: cfg.ProgressSweepInterval, Run: s.ProgressRooms},
		{Name: "drive_swaps", Interval: cfg.SwapRetryInterval, Run: s.DriveSwaps},
		{Name: "poll_scans", Interval: cfg.ScanSweepInterval, Run: s.PollScans},
	}
}
