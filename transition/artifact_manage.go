package transition

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"swapdesk/auth"
	"swapdesk/guard"
	"swapdesk/ledger"
	"swapdesk/models"
	"swapdesk/observability/metrics"
)

// signedURLTTL bounds how long a view link stays usable.
const signedURLTTL = 15 * time.Minute

// DeleteArtifact removes a file from an open container. Removing the last
// artifact returns the container to EMPTY. The object store delete runs as a
// side effect after commit; a leaked object is cheaper than a dangling row.
func (s *Service) DeleteArtifact(ctx context.Context, actor auth.Claims, artifactID uuid.UUID) (*Result, error) {
	now := s.now().UTC()
	attemptID := uuid.NewString()

	artifact, err := s.artifacts.Get(ctx, artifactID)
	if err != nil {
		return nil, classify(err)
	}
	container, err := s.containers.Get(ctx, artifact.ContainerID)
	if err != nil {
		return nil, classify(err)
	}
	if container.OwnerID != actor.Subject {
		return nil, fmt.Errorf("%w: not container owner", ErrForbidden)
	}
	if container.State != models.ContainerArtifactPlaced && container.State != models.ContainerEmpty {
		return nil, fmt.Errorf("%w: container is %s", ErrConflict, container.State)
	}

	key := ledger.Key(actor.Subject, guard.ActionArtifactDelete, artifactID, now)
	if prior, err := s.replay(ctx, guard.ActionArtifactDelete, key); err != nil || prior != nil {
		return prior, err
	}

	storagePath := artifact.StoragePath
	err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		locked, err := s.containers.GetForUpdate(ctx, tx, artifact.ContainerID)
		if err != nil {
			return err
		}
		if locked.State != models.ContainerArtifactPlaced {
			return fmt.Errorf("%w: container is %s", ErrConflict, locked.State)
		}
		if err := s.artifacts.Delete(ctx, tx, artifactID); err != nil {
			return err
		}
		remaining, err := s.artifacts.ListByContainer(ctx, tx, artifact.ContainerID)
		if err != nil {
			return err
		}
		if len(remaining) == 0 {
			if err := s.containers.Advance(ctx, tx, artifact.ContainerID, models.ContainerArtifactPlaced, models.ContainerEmpty, map[string]any{
				"updated_at": now,
			}); err != nil {
				return err
			}
			if err := s.containers.SetContentHash(ctx, tx, artifact.ContainerID, ""); err != nil {
				return err
			}
		} else {
			hashes := make([]string, 0, len(remaining))
			for _, a := range remaining {
				hashes = append(hashes, a.FileHash)
			}
			if err := s.containers.SetContentHash(ctx, tx, artifact.ContainerID, contentDigest(hashes)); err != nil {
				return err
			}
		}
		_, err = s.ledger.Transition(ctx, tx, ledger.Entry{
			Actor:        actor.Subject,
			Action:       guard.ActionArtifactDelete,
			Resource:     artifactID,
			ResourceType: "artifact",
			AttemptID:    attemptID,
			Details:      fmt.Sprintf("container=%s artifact=%s", artifact.ContainerID, artifactID),
		}, key)
		return err
	})
	if err != nil {
		if replayed, replayErr := s.replayOnDuplicate(ctx, guard.ActionArtifactDelete, key, err); replayed != nil || replayErr != nil {
			return replayed, replayErr
		}
		s.fail(ctx, actor.Subject, guard.ActionArtifactDelete, artifactID, "artifact", attemptID, err)
		return nil, classify(err)
	}

	metrics.Exchange().Transition(guard.ActionArtifactDelete, "committed")
	go func() {
		if err := s.store.Delete(context.Background(), storagePath); err != nil {
			if _, lerr := s.ledger.SideEffectFailure(context.Background(), ledger.Entry{
				Actor:        actor.Subject,
				Action:       "storage_delete",
				Resource:     artifactID,
				ResourceType: "artifact",
				Details:      err.Error(),
			}); lerr != nil {
				s.logger.Error("recording storage delete failure", "artifact", artifactID, "error", lerr)
			}
		}
	}()
	return &Result{
		Action:   guard.ActionArtifactDelete,
		Resource: artifactID,
		Outcome:  "deleted",
		Details:  fmt.Sprintf("container=%s artifact=%s", artifact.ContainerID, artifactID),
	}, nil
}

// ViewArtifact issues a short-lived signed URL. Read-only: no ledger
// TRANSITION, only the guard's ATTEMPT trail.
func (s *Service) ViewArtifact(ctx context.Context, actor auth.Claims, artifactID uuid.UUID) (string, error) {
	artifact, err := s.artifacts.Get(ctx, artifactID)
	if err != nil {
		return "", classify(err)
	}
	container, err := s.containers.Get(ctx, artifact.ContainerID)
	if err != nil {
		return "", classify(err)
	}
	room, err := s.rooms.Get(ctx, container.RoomID)
	if err != nil {
		return "", classify(err)
	}
	if actor.Role != auth.RoleAdmin && actor.Role != auth.RoleSystem {
		participant := actor.Subject == room.CreatorID ||
			(room.CounterpartyID != nil && actor.Subject == *room.CounterpartyID)
		if !participant {
			return "", fmt.Errorf("%w: not a room participant", ErrForbidden)
		}
	}
	if artifact.IsInfected {
		return "", fmt.Errorf("%w: artifact failed virus scan", ErrForbidden)
	}
	url, err := s.store.SignedURL(ctx, artifact.StoragePath, signedURLTTL)
	if err != nil {
		return "", Transient(err)
	}
	return url, nil
}
