package ledger

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/coachdesk/filevault/internal/common"
	"github.com/coachdesk/filevault/internal/logging"
	"github.com/coachdesk/filevault/internal/storage"
)

// ByteDeleter removes the bytes behind an evicted version. The eviction loop
// will not release a version row until its bytes are confirmed gone.
type ByteDeleter interface {
	Delete(ctx context.Context, loc *storage.Location) error
}

// Service implements the ledger semantics on top of a Repository: stable
// identity minting, append-only event recording, bounded version history,
// tombstone deletes, and the retention sweep.
type Service struct {
	repo    Repository
	deleter ByteDeleter
	clock   storage.Clock
	logger  logging.Logger

	maxVersions int
	retention   time.Duration

	mu    sync.Mutex
	locks map[int64]*sync.Mutex
}

func NewService(repo Repository, deleter ByteDeleter, clock storage.Clock,
	logger logging.Logger, maxVersions int, retention time.Duration) *Service {
	return &Service{
		repo:        repo,
		deleter:     deleter,
		clock:       clock,
		logger:      logger,
		maxVersions: maxVersions,
		retention:   retention,
		locks:       map[int64]*sync.Mutex{},
	}
}

// lockFor serializes version mutations per object id within this process.
// Cross-process safety comes from the repository's row lock.
func (s *Service) lockFor(id int64) *sync.Mutex {
	s.mu.Lock()
	defer s.mu.Unlock()

	l, ok := s.locks[id]
	if !ok {
		l = &sync.Mutex{}
		s.locks[id] = l
	}
	return l
}

// RecordUpload mints the stable id for a freshly stored object, records
// version 1, and appends the upload event. The event's scan metadata and
// origin must already be filled in by the caller.
func (s *Service) RecordUpload(ctx context.Context, obj *StoredObject, ev *AuditEvent) (*StoredObject, error) {
	now := s.clock.Now()
	obj.CreatedAt = now

	id, err := s.repo.CreateObject(ctx, obj)
	if err != nil {
		return nil, common.NewStorage("recording object", err)
	}
	obj.ID = id

	if _, err := s.repo.InsertVersion(ctx, versionOf(obj, ev.ActorID, "", now)); err != nil {
		return nil, common.NewStorage("recording initial version", err)
	}

	ev.Action = ActionUpload
	ev.OpaqueName = obj.OpaqueName
	ev.CreatedAt = now
	if err := s.repo.InsertEvent(ctx, ev); err != nil {
		return nil, common.NewStorage("recording upload event", err)
	}
	return obj, nil
}

// Object resolves a stable id to its live object. Tombstoned and unknown ids
// both surface as not found.
func (s *Service) Object(ctx context.Context, id int64) (*StoredObject, error) {
	obj, err := s.repo.GetObject(ctx, id)
	if err != nil {
		return nil, common.NewStorage("looking up object", err)
	}
	if obj == nil || obj.DeletedAt != nil {
		return nil, common.NewNotFound(fmt.Sprintf("object %d", id))
	}
	return obj, nil
}

// RecordDownload appends a download event for obj.
func (s *Service) RecordDownload(ctx context.Context, obj *StoredObject, ev *AuditEvent) error {
	ev.Action = ActionDownload
	ev.OpaqueName = obj.OpaqueName
	ev.TenantID = obj.TenantID
	ev.CreatedAt = s.clock.Now()
	if err := s.repo.InsertEvent(ctx, ev); err != nil {
		return common.NewStorage("recording download event", err)
	}
	return nil
}

// RecordDelete tombstones the object and appends the delete event. The row
// and its full event history remain readable afterwards.
func (s *Service) RecordDelete(ctx context.Context, obj *StoredObject, ev *AuditEvent) error {
	now := s.clock.Now()
	if err := s.repo.MarkObjectDeleted(ctx, obj.ID, now); err != nil {
		return common.NewStorage("tombstoning object", err)
	}

	ev.Action = ActionDelete
	ev.OpaqueName = obj.OpaqueName
	ev.TenantID = obj.TenantID
	ev.CreatedAt = now
	if err := s.repo.InsertEvent(ctx, ev); err != nil {
		return common.NewStorage("recording delete event", err)
	}
	return nil
}

// AddVersion records a new revision whose bytes are already stored, updating
// the object's current-version attributes and appending an update event.
// When the history is at capacity the oldest versions are evicted first,
// bytes before row, so the retained count never exceeds the bound.
func (s *Service) AddVersion(ctx context.Context, obj *StoredObject, ev *AuditEvent, comment string) (int, error) {
	l := s.lockFor(obj.ID)
	l.Lock()
	defer l.Unlock()

	count, err := s.repo.CountVersions(ctx, obj.ID)
	if err != nil {
		return 0, common.NewStorage("counting versions", err)
	}
	for count >= s.maxVersions {
		oldest, err := s.repo.OldestVersion(ctx, obj.ID)
		if err != nil {
			return 0, common.NewStorage("finding evictable version", err)
		}
		if oldest == nil {
			break
		}
		if err := s.deleter.Delete(ctx, oldest.Location()); err != nil {
			return 0, common.NewStorage("evicting version bytes", err)
		}
		if err := s.repo.DeleteVersion(ctx, oldest.ID); err != nil {
			return 0, common.NewStorage("evicting version row", err)
		}
		s.logger.Debug(ctx, "evicted version", "object_id", obj.ID, "version", oldest.Version)
		count--
	}

	now := s.clock.Now()
	version, err := s.repo.InsertVersion(ctx, versionOf(obj, ev.ActorID, comment, now))
	if err != nil {
		return 0, common.NewStorage("recording version", err)
	}
	if err := s.repo.UpdateObjectCurrent(ctx, obj); err != nil {
		return 0, common.NewStorage("updating current version", err)
	}

	ev.Action = ActionUpdate
	ev.OpaqueName = obj.OpaqueName
	ev.TenantID = obj.TenantID
	ev.Detail = comment
	ev.CreatedAt = now
	if err := s.repo.InsertEvent(ctx, ev); err != nil {
		return 0, common.NewStorage("recording update event", err)
	}
	return version, nil
}

// History reconstructs the object's full timeline. Unlike Object, tombstoned
// objects remain readable here.
func (s *Service) History(ctx context.Context, id int64) (*History, error) {
	obj, err := s.repo.GetObject(ctx, id)
	if err != nil {
		return nil, common.NewStorage("looking up object", err)
	}
	if obj == nil {
		return nil, common.NewNotFound(fmt.Sprintf("object %d", id))
	}

	events, err := s.repo.EventsByOpaqueName(ctx, obj.OpaqueName)
	if err != nil {
		return nil, common.NewStorage("loading events", err)
	}
	versions, err := s.repo.VersionsByObject(ctx, obj.ID)
	if err != nil {
		return nil, common.NewStorage("loading versions", err)
	}
	return &History{Object: obj, Events: events, Versions: versions}, nil
}

// Versions lists the retained revisions of an object, tombstoned or not.
func (s *Service) Versions(ctx context.Context, id int64) ([]*FileVersion, error) {
	versions, err := s.repo.VersionsByObject(ctx, id)
	if err != nil {
		return nil, common.NewStorage("loading versions", err)
	}
	return versions, nil
}

// Stats aggregates live objects for one owner within a tenant.
func (s *Service) Stats(ctx context.Context, ownerID, tenantID string) (*UsageStats, error) {
	stats, err := s.repo.Stats(ctx, ownerID, tenantID)
	if err != nil {
		return nil, common.NewStorage("aggregating usage", err)
	}
	return stats, nil
}

// PurgeExpiredEvents drops download and delete events older than the
// retention window. Upload and update events are permanent.
func (s *Service) PurgeExpiredEvents(ctx context.Context) (int64, error) {
	before := s.clock.Now().Add(-s.retention)
	purged, err := s.repo.PurgeEvents(ctx, before, []Action{ActionDownload, ActionDelete})
	if err != nil {
		return 0, common.NewStorage("purging expired events", err)
	}
	if purged > 0 {
		s.logger.Info(ctx, "purged expired audit events", "count", purged)
	}
	return purged, nil
}

func versionOf(obj *StoredObject, actorID, comment string, at time.Time) *FileVersion {
	return &FileVersion{
		ObjectID:   obj.ID,
		OpaqueName: obj.OpaqueName,
		Key:        obj.Key,
		LocalPath:  obj.LocalPath,
		RemoteKey:  obj.RemoteKey,
		Encrypted:  obj.Encrypted,
		Size:       obj.Size,
		Hash:       obj.Hash,
		CreatedBy:  actorID,
		Comment:    comment,
		CreatedAt:  at,
	}
}
