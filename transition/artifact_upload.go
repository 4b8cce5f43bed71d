package transition

import (
	"context"
	"encoding/hex"
	"fmt"
	"sort"
	"strings"

	"github.com/google/uuid"
	"gorm.io/gorm"
	"lukechampine.com/blake3"

	"swapdesk/auth"
	"swapdesk/guard"
	"swapdesk/ledger"
	"swapdesk/models"
	"swapdesk/notify"
	"swapdesk/observability/metrics"
)

// UploadInput carries one artifact upload.
type UploadInput struct {
	ContainerID uuid.UUID
	FileName    string
	MimeType    string
	Data        []byte
}

// UploadArtifact stores a file into an open container. The storage write is
// external and happens before the transaction; the local rows commit after.
// First upload moves the container EMPTY -> ARTIFACT_PLACED.
func (s *Service) UploadArtifact(ctx context.Context, actor auth.Claims, input UploadInput) (*Result, error) {
	now := s.now().UTC()
	attemptID := uuid.NewString()

	if len(input.Data) == 0 {
		return nil, fmt.Errorf("%w: empty file", ErrConflict)
	}
	mime := strings.ToLower(strings.TrimSpace(input.MimeType))
	for _, blocked := range s.policy.BlockedMimePrefix {
		if strings.HasPrefix(mime, blocked) {
			return nil, fmt.Errorf("%w: file type %s is not allowed", ErrForbidden, mime)
		}
	}

	container, err := s.containers.Get(ctx, input.ContainerID)
	if err != nil {
		return nil, classify(err)
	}
	if container.OwnerID != actor.Subject {
		return nil, fmt.Errorf("%w: not container owner", ErrForbidden)
	}
	if container.State != models.ContainerEmpty && container.State != models.ContainerArtifactPlaced {
		return nil, fmt.Errorf("%w: container is %s", ErrConflict, container.State)
	}
	room, err := s.rooms.Get(ctx, container.RoomID)
	if err != nil {
		return nil, classify(err)
	}
	if room.State != models.RoomInProgress {
		return nil, fmt.Errorf("%w: room is %s, expected %s", ErrConflict, room.State, models.RoomInProgress)
	}

	artifactID := uuid.New()
	key := ledger.Key(actor.Subject, guard.ActionArtifactUpload, input.ContainerID, now)
	if prior, err := s.replay(ctx, guard.ActionArtifactUpload, key); err != nil || prior != nil {
		return prior, err
	}

	uploaded, err := s.store.Upload(ctx, actor.Subject, input.FileName, input.Data)
	if err != nil {
		s.fail(ctx, actor.Subject, guard.ActionArtifactUpload, input.ContainerID, "container", attemptID, err)
		return nil, Transient(err)
	}

	err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		locked, err := s.containers.GetForUpdate(ctx, tx, input.ContainerID)
		if err != nil {
			return err
		}
		if locked.State != models.ContainerEmpty && locked.State != models.ContainerArtifactPlaced {
			return fmt.Errorf("%w: container is %s", ErrConflict, locked.State)
		}
		existing, err := s.artifacts.ListByContainer(ctx, tx, input.ContainerID)
		if err != nil {
			return err
		}
		var total int64 = int64(len(input.Data))
		for _, artifact := range existing {
			total += artifact.FileSize
		}
		if total > s.policy.MaxContainerBytes {
			return fmt.Errorf("%w: container exceeds %d bytes", ErrConflict, s.policy.MaxContainerBytes)
		}
		artifact := models.Artifact{
			ID:          artifactID,
			ContainerID: input.ContainerID,
			FileHash:    uploaded.Hash,
			FileName:    input.FileName,
			FileSize:    int64(len(input.Data)),
			MimeType:    mime,
			StoragePath: uploaded.Path,
			CreatedAt:   now,
			UpdatedAt:   now,
		}
		if err := s.artifacts.Create(ctx, tx, &artifact); err != nil {
			return err
		}
		if locked.State == models.ContainerEmpty {
			if err := s.containers.Advance(ctx, tx, input.ContainerID, models.ContainerEmpty, models.ContainerArtifactPlaced, map[string]any{
				"updated_at": now,
			}); err != nil {
				return err
			}
		}
		hashes := make([]string, 0, len(existing)+1)
		for _, a := range existing {
			hashes = append(hashes, a.FileHash)
		}
		hashes = append(hashes, uploaded.Hash)
		if err := s.containers.SetContentHash(ctx, tx, input.ContainerID, contentDigest(hashes)); err != nil {
			return err
		}
		_, err = s.ledger.Transition(ctx, tx, ledger.Entry{
			Actor:        actor.Subject,
			Action:       guard.ActionArtifactUpload,
			Resource:     input.ContainerID,
			ResourceType: "container",
			AttemptID:    attemptID,
			Details:      fmt.Sprintf("container=%s artifact=%s hash=%s size=%d", input.ContainerID, artifactID, uploaded.Hash, len(input.Data)),
		}, key)
		return err
	})
	if err != nil {
		if replayed, replayErr := s.replayOnDuplicate(ctx, guard.ActionArtifactUpload, key, err); replayed != nil || replayErr != nil {
			return replayed, replayErr
		}
		s.fail(ctx, actor.Subject, guard.ActionArtifactUpload, input.ContainerID, "container", attemptID, err)
		return nil, classify(err)
	}

	metrics.Exchange().Transition(guard.ActionArtifactUpload, "committed")
	s.submitScan(artifactID, uploaded.Path)
	return &Result{
		Action:   guard.ActionArtifactUpload,
		Resource: input.ContainerID,
		Outcome:  string(models.ContainerArtifactPlaced),
		Details:  fmt.Sprintf("container=%s artifact=%s hash=%s size=%d", input.ContainerID, artifactID, uploaded.Hash, len(input.Data)),
	}, nil
}

// submitScan kicks off the asynchronous virus scan. Failure is an isolated
// side effect; the scan-status sweep retries unscanned artifacts.
func (s *Service) submitScan(artifactID uuid.UUID, path string) {
	if s.scanner == nil {
		return
	}
	go func() {
		ctx := context.Background()
		scanID, err := s.scanner.Submit(ctx, artifactID, path)
		if err != nil {
			if _, lerr := s.ledger.SideEffectFailure(ctx, ledger.Entry{
				Actor:        models.SystemActorID,
				Action:       "scan_submit",
				Resource:     artifactID,
				ResourceType: "artifact",
				Details:      err.Error(),
			}); lerr != nil {
				s.logger.Error("recording scan submit failure", "artifact", artifactID, "error", lerr)
			}
			return
		}
		if err := s.db.Model(&models.Artifact{}).
			Where("id = ?", artifactID).
			Update("scan_id", scanID).Error; err != nil {
			s.logger.Error("storing scan id", "artifact", artifactID, "error", err)
		}
	}()
}

// notifyInfected alerts the uploader once a scanner flags their file.
func (s *Service) notifyInfected(artifactID uuid.UUID, containerID uuid.UUID) {
	s.notifier.Send(notify.EventInfectedArtifact, containerID, map[string]any{
		"artifact_id":  artifactID.String(),
		"container_id": containerID.String(),
	})
}

// contentDigest folds the member hashes into the container digest. Order
// independent: membership, not insertion history, defines the digest.
func contentDigest(hashes []string) string {
	sorted := make([]string, len(hashes))
	copy(sorted, hashes)
	sort.Strings(sorted)
	h := blake3.New(32, nil)
	for _, hash := range sorted {
		h.Write([]byte(hash))
		h.Write([]byte{0})
	}
	return hex.EncodeToString(h.Sum(nil))
}
