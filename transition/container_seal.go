package transition

import (
	"context"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"swapdesk/ai"
	"swapdesk/auth"
	"swapdesk/guard"
	"swapdesk/ledger"
	"swapdesk/models"
	"swapdesk/notify"
	"swapdesk/observability/metrics"
)

// SealContainer freezes a container's contents: ARTIFACT_PLACED -> SEALED.
// Sealing requires every artifact scanned clean and the room IN_PROGRESS.
//
// The second sealer is the synchronisation barrier. When the sibling is
// already SEALED, the same transaction advances the room to UNDER_VALIDATION
// and both containers with it. The room row lock serialises concurrent
// sealers and the state-conditioned update admits exactly one winner.
func (s *Service) SealContainer(ctx context.Context, actor auth.Claims, containerID uuid.UUID) (*Result, error) {
	now := s.now().UTC()
	attemptID := uuid.NewString()

	container, err := s.containers.Get(ctx, containerID)
	if err != nil {
		return nil, classify(err)
	}
	if container.OwnerID != actor.Subject {
		return nil, fmt.Errorf("%w: not container owner", ErrForbidden)
	}

	key := ledger.Key(actor.Subject, guard.ActionContainerSeal, containerID, now)
	if prior, err := s.replay(ctx, guard.ActionContainerSeal, key); err != nil || prior != nil {
		return prior, err
	}

	var roomAdvanced bool
	err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		room, err := s.rooms.GetForUpdate(ctx, tx, container.RoomID)
		if err != nil {
			return err
		}
		if room.State != models.RoomInProgress {
			return fmt.Errorf("%w: room is %s, expected %s", ErrConflict, room.State, models.RoomInProgress)
		}
		locked, err := s.containers.GetForUpdate(ctx, tx, containerID)
		if err != nil {
			return err
		}
		if locked.State != models.ContainerArtifactPlaced {
			return fmt.Errorf("%w: container is %s, expected %s", ErrConflict, locked.State, models.ContainerArtifactPlaced)
		}
		artifacts, err := s.artifacts.ListByContainer(ctx, tx, containerID)
		if err != nil {
			return err
		}
		if err := s.sealable(artifacts); err != nil {
			return err
		}
		if err := s.containers.Advance(ctx, tx, containerID, models.ContainerArtifactPlaced, models.ContainerSealed, map[string]any{
			"sealed_at":  now,
			"updated_at": now,
		}); err != nil {
			return err
		}
		_, err = s.ledger.Transition(ctx, tx, ledger.Entry{
			Actor:        actor.Subject,
			Action:       guard.ActionContainerSeal,
			Resource:     containerID,
			ResourceType: "container",
			AttemptID:    attemptID,
			Details:      fmt.Sprintf("container=%s %s->%s hash=%s", containerID, models.ContainerArtifactPlaced, models.ContainerSealed, locked.ContentHash),
		}, key)
		if err != nil {
			return err
		}

		sibling, err := s.containers.Sibling(ctx, tx, locked)
		if err != nil {
			return err
		}
		if sibling.State != models.ContainerSealed {
			return nil
		}

		// Both sides sealed: this sealer advances the room. The conditional
		// update is the single-winner barrier even if the row lock ever stops
		// serialising writers.
		if err := s.rooms.Advance(ctx, tx, container.RoomID, models.RoomInProgress, models.RoomUnderValidation, map[string]any{
			"under_validation_at": now,
			"updated_at":          now,
		}); err != nil {
			return err
		}
		for _, id := range []uuid.UUID{containerID, sibling.ID} {
			if err := s.containers.Advance(ctx, tx, id, models.ContainerSealed, models.ContainerUnderValidation, map[string]any{
				"updated_at": now,
			}); err != nil {
				return err
			}
		}
		if _, err := s.ledger.Transition(ctx, tx, ledger.Entry{
			Actor:        models.SystemActorID,
			Action:       guard.ActionRoomValidation,
			Resource:     container.RoomID,
			ResourceType: "room",
			AttemptID:    attemptID,
			Details:      fmt.Sprintf("room=%s %s->%s", container.RoomID, models.RoomInProgress, models.RoomUnderValidation),
		}, fmt.Sprintf("validation_start:%s", container.RoomID)); err != nil {
			return err
		}
		roomAdvanced = true
		return nil
	})
	if err != nil {
		if replayed, replayErr := s.replayOnDuplicate(ctx, guard.ActionContainerSeal, key, err); replayed != nil || replayErr != nil {
			return replayed, replayErr
		}
		s.fail(ctx, actor.Subject, guard.ActionContainerSeal, containerID, "container", attemptID, err)
		return nil, classify(err)
	}

	metrics.Exchange().Transition(guard.ActionContainerSeal, "committed")
	s.notifier.Send(notify.EventCounterpartySealed, container.RoomID, map[string]any{
		"room_id":      container.RoomID.String(),
		"container_id": containerID.String(),
		"side":         container.Side,
	})
	if roomAdvanced {
		s.notifier.Send(notify.EventValidationReady, container.RoomID, map[string]any{
			"room_id": container.RoomID.String(),
		})
		s.requestAnalysis(container.RoomID)
	}

	outcome := string(models.ContainerSealed)
	if roomAdvanced {
		outcome = string(models.ContainerUnderValidation)
	}
	return &Result{
		Action:   guard.ActionContainerSeal,
		Resource: containerID,
		Outcome:  outcome,
		Details:  fmt.Sprintf("container=%s sealed room_advanced=%t", containerID, roomAdvanced),
	}, nil
}

// sealable enforces the content policy at the freeze point. Upload-time
// checks are advisory; this is the authoritative gate.
func (s *Service) sealable(artifacts []models.Artifact) error {
	if len(artifacts) == 0 {
		return fmt.Errorf("%w: container has no artifacts", ErrConflict)
	}
	var total int64
	for _, artifact := range artifacts {
		if !artifact.IsScanned {
			return fmt.Errorf("%w: artifact %s has not completed virus scanning", ErrConflict, artifact.ID)
		}
		if artifact.IsInfected {
			return fmt.Errorf("%w: artifact %s failed virus scanning", ErrForbidden, artifact.ID)
		}
		mime := strings.ToLower(artifact.MimeType)
		for _, blocked := range s.policy.BlockedMimePrefix {
			if strings.HasPrefix(mime, blocked) {
				return fmt.Errorf("%w: file type %s is not allowed", ErrForbidden, artifact.MimeType)
			}
		}
		total += artifact.FileSize
	}
	if total > s.policy.MaxContainerBytes {
		return fmt.Errorf("%w: container exceeds %d bytes", ErrConflict, s.policy.MaxContainerBytes)
	}
	return nil
}

// requestAnalysis submits both containers of a freshly validated room to the
// content analyzer. Failures are isolated; the review sweep re-submits
// containers stuck without analysis.
func (s *Service) requestAnalysis(roomID uuid.UUID) {
	if s.analyzer == nil {
		return
	}
	go func() {
		ctx := context.Background()
		containers, err := s.containers.ListByRoom(ctx, nil, roomID)
		if err != nil {
			s.logger.Error("listing containers for analysis", "room", roomID, "error", err)
			return
		}
		for _, container := range containers {
			artifacts, err := s.artifacts.ListByContainer(ctx, nil, container.ID)
			if err != nil {
				s.logger.Error("listing artifacts for analysis", "container", container.ID, "error", err)
				continue
			}
			refs := make([]ai.ArtifactRef, 0, len(artifacts))
			for _, artifact := range artifacts {
				url, err := s.store.SignedURL(ctx, artifact.StoragePath, signedURLTTL)
				if err != nil {
					s.logger.Error("signing artifact url for analysis", "artifact", artifact.ID, "error", err)
					continue
				}
				refs = append(refs, ai.ArtifactRef{
					ArtifactID: artifact.ID,
					FileHash:   artifact.FileHash,
					FileName:   artifact.FileName,
					SignedURL:  url,
				})
			}
			if _, err := s.analyzer.RequestAnalysis(ctx, container.ID, refs); err != nil {
				if _, lerr := s.ledger.SideEffectFailure(ctx, ledger.Entry{
					Actor:        models.SystemActorID,
					Action:       "analysis_request",
					Resource:     container.ID,
					ResourceType: "container",
					Details:      err.Error(),
				}); lerr != nil {
					s.logger.Error("recording analysis request failure", "container", container.ID, "error", lerr)
				}
			}
		}
	}()
}
