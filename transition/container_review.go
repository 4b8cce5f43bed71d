package transition

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"swapdesk/ai"
	"swapdesk/auth"
	"swapdesk/guard"
	"swapdesk/ledger"
	"swapdesk/models"
	"swapdesk/observability/metrics"
	"swapdesk/scan"
)

// ApproveContainer is the admin decision on a single container:
// UNDER_VALIDATION -> VALIDATED. Room approval is a separate decision.
func (s *Service) ApproveContainer(ctx context.Context, actor auth.Claims, containerID uuid.UUID, summary string) (*Result, error) {
	now := s.now().UTC()
	attemptID := uuid.NewString()
	key := ledger.Key(actor.Subject, guard.ActionContainerApprove, containerID, now)
	if prior, err := s.replay(ctx, guard.ActionContainerApprove, key); err != nil || prior != nil {
		return prior, err
	}

	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		container, err := s.containers.GetForUpdate(ctx, tx, containerID)
		if err != nil {
			return err
		}
		if container.State != models.ContainerUnderValidation {
			return fmt.Errorf("%w: container is %s, expected %s", ErrConflict, container.State, models.ContainerUnderValidation)
		}
		updates := map[string]any{"updated_at": now}
		if summary != "" {
			updates["validation_summary"] = summary
		}
		if err := s.containers.Advance(ctx, tx, containerID, models.ContainerUnderValidation, models.ContainerValidated, updates); err != nil {
			return err
		}
		_, err = s.ledger.Transition(ctx, tx, ledger.Entry{
			Actor:        actor.Subject,
			Action:       guard.ActionContainerApprove,
			Resource:     containerID,
			ResourceType: "container",
			AttemptID:    attemptID,
			Details:      fmt.Sprintf("container=%s %s->%s", containerID, models.ContainerUnderValidation, models.ContainerValidated),
		}, key)
		return err
	})
	if err != nil {
		if replayed, replayErr := s.replayOnDuplicate(ctx, guard.ActionContainerApprove, key, err); replayed != nil || replayErr != nil {
			return replayed, replayErr
		}
		s.fail(ctx, actor.Subject, guard.ActionContainerApprove, containerID, "container", attemptID, err)
		return nil, classify(err)
	}

	metrics.Exchange().Transition(guard.ActionContainerApprove, "committed")
	return &Result{
		Action:   guard.ActionContainerApprove,
		Resource: containerID,
		Outcome:  string(models.ContainerValidated),
		Details:  fmt.Sprintf("container=%s %s->%s", containerID, models.ContainerUnderValidation, models.ContainerValidated),
	}, nil
}

// RejectContainer moves a container to VALIDATION_FAILED from any live state.
// Admins reject during review; the failure cascade rejects on behalf of the
// system when a room fails. Rejection of an already failed container replays.
func (s *Service) RejectContainer(ctx context.Context, actor auth.Claims, containerID uuid.UUID, reason string) (*Result, error) {
	now := s.now().UTC()
	attemptID := uuid.NewString()
	key := ledger.Key(actor.Subject, guard.ActionContainerReject, containerID, now)
	if prior, err := s.replay(ctx, guard.ActionContainerReject, key); err != nil || prior != nil {
		return prior, err
	}

	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		container, err := s.containers.GetForUpdate(ctx, tx, containerID)
		if err != nil {
			return err
		}
		if container.State == models.ContainerValidationFailed {
			return fmt.Errorf("%w: container already %s", ErrConflict, container.State)
		}
		if container.State == models.ContainerTransferred {
			return fmt.Errorf("%w: container is %s", ErrConflict, container.State)
		}
		if err := s.containers.Advance(ctx, tx, containerID, container.State, models.ContainerValidationFailed, map[string]any{
			"validation_summary": reason,
			"updated_at":         now,
		}); err != nil {
			return err
		}
		_, err = s.ledger.Transition(ctx, tx, ledger.Entry{
			Actor:        actor.Subject,
			Action:       guard.ActionContainerReject,
			Resource:     containerID,
			ResourceType: "container",
			AttemptID:    attemptID,
			Details:      fmt.Sprintf("container=%s %s->%s reason=%s", containerID, container.State, models.ContainerValidationFailed, reason),
		}, key)
		return err
	})
	if err != nil {
		if replayed, replayErr := s.replayOnDuplicate(ctx, guard.ActionContainerReject, key, err); replayed != nil || replayErr != nil {
			return replayed, replayErr
		}
		s.fail(ctx, actor.Subject, guard.ActionContainerReject, containerID, "container", attemptID, err)
		return nil, classify(err)
	}

	metrics.Exchange().Transition(guard.ActionContainerReject, "committed")
	return &Result{
		Action:   guard.ActionContainerReject,
		Resource: containerID,
		Outcome:  string(models.ContainerValidationFailed),
		Details:  fmt.Sprintf("container=%s rejected reason=%s", containerID, reason),
	}, nil
}

// ApplyAnalysis stores an analyzer verdict delivered by webhook. Keyed on the
// analyzer's request id so redelivered webhooks collapse to one write. The
// verdict informs the admin decision; it never moves the container itself.
func (s *Service) ApplyAnalysis(ctx context.Context, payload ai.WebhookPayload) (*Result, error) {
	attemptID := uuid.NewString()
	key := fmt.Sprintf("ai:%s", payload.RequestID)
	if prior, err := s.replay(ctx, "analysis_result", key); err != nil || prior != nil {
		return prior, err
	}

	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := s.containers.SetValidation(ctx, tx, payload.ContainerID, string(payload.Details), payload.Summary); err != nil {
			return err
		}
		_, err := s.ledger.Transition(ctx, tx, ledger.Entry{
			Actor:        models.SystemActorID,
			Action:       "analysis_result",
			Resource:     payload.ContainerID,
			ResourceType: "container",
			AttemptID:    attemptID,
			Details:      fmt.Sprintf("container=%s request=%s summary=%s", payload.ContainerID, payload.RequestID, payload.Summary),
		}, key)
		return err
	})
	if err != nil {
		if replayed, replayErr := s.replayOnDuplicate(ctx, "analysis_result", key, err); replayed != nil || replayErr != nil {
			return replayed, replayErr
		}
		s.fail(ctx, models.SystemActorID, "analysis_result", payload.ContainerID, "container", attemptID, err)
		return nil, classify(err)
	}

	metrics.Exchange().Transition("analysis_result", "committed")
	return &Result{
		Action:   "analysis_result",
		Resource: payload.ContainerID,
		Outcome:  "stored",
		Details:  fmt.Sprintf("container=%s request=%s", payload.ContainerID, payload.RequestID),
	}, nil
}

// ApplyScanResult stores a virus scan verdict delivered by webhook, keyed on
// the scanner's id. An infected verdict notifies the uploader immediately;
// the seal gate does the actual blocking.
func (s *Service) ApplyScanResult(ctx context.Context, payload scan.WebhookPayload) (*Result, error) {
	attemptID := uuid.NewString()
	key := fmt.Sprintf("scan:%s", payload.ScanID)
	if prior, err := s.replay(ctx, "scan_result", key); err != nil || prior != nil {
		return prior, err
	}

	artifact, err := s.artifacts.GetByScanID(ctx, payload.ScanID)
	if err != nil {
		return nil, classify(err)
	}
	infected := payload.Verdict == scan.VerdictInfected

	err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := s.artifacts.SetScanResult(ctx, artifact.ID, infected); err != nil {
			return err
		}
		_, err := s.ledger.Transition(ctx, tx, ledger.Entry{
			Actor:        models.SystemActorID,
			Action:       "scan_result",
			Resource:     artifact.ID,
			ResourceType: "artifact",
			AttemptID:    attemptID,
			Details:      fmt.Sprintf("artifact=%s scan=%s verdict=%s", artifact.ID, payload.ScanID, payload.Verdict),
		}, key)
		return err
	})
	if err != nil {
		if replayed, replayErr := s.replayOnDuplicate(ctx, "scan_result", key, err); replayed != nil || replayErr != nil {
			return replayed, replayErr
		}
		s.fail(ctx, models.SystemActorID, "scan_result", artifact.ID, "artifact", attemptID, err)
		return nil, classify(err)
	}

	metrics.Exchange().Transition("scan_result", "committed")
	if infected {
		s.notifyInfected(artifact.ID, artifact.ContainerID)
	}
	return &Result{
		Action:   "scan_result",
		Resource: artifact.ID,
		Outcome:  string(payload.Verdict),
		Details:  fmt.Sprintf("artifact=%s scan=%s verdict=%s", artifact.ID, payload.ScanID, payload.Verdict),
	}, nil
}
