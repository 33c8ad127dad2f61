package ledger

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/coachdesk/filevault/internal/common"
)

// MemoryRepository is an in-memory Repository for tests and local runs.
type MemoryRepository struct {
	mu sync.Mutex

	nextObjectID  int64
	nextVersionID int64
	nextEventID   int64

	objects  map[int64]*StoredObject
	versions map[int64][]*FileVersion // by object id, ascending version
	events   []*AuditEvent
}

func NewMemoryRepository() *MemoryRepository {
	return &MemoryRepository{
		objects:  map[int64]*StoredObject{},
		versions: map[int64][]*FileVersion{},
	}
}

func (r *MemoryRepository) CreateObject(ctx context.Context, obj *StoredObject) (int64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.nextObjectID++
	obj.ID = r.nextObjectID
	clone := *obj
	r.objects[obj.ID] = &clone
	return obj.ID, nil
}

func (r *MemoryRepository) GetObject(ctx context.Context, id int64) (*StoredObject, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	obj, ok := r.objects[id]
	if !ok {
		return nil, nil
	}
	clone := *obj
	return &clone, nil
}

func (r *MemoryRepository) UpdateObjectCurrent(ctx context.Context, obj *StoredObject) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	stored, ok := r.objects[obj.ID]
	if !ok {
		return nil
	}
	stored.Size = obj.Size
	stored.Hash = obj.Hash
	stored.Encrypted = obj.Encrypted
	stored.Key = obj.Key
	stored.LocalPath = obj.LocalPath
	stored.RemoteKey = obj.RemoteKey
	stored.RemoteURL = obj.RemoteURL
	stored.CDNURL = obj.CDNURL
	return nil
}

func (r *MemoryRepository) MarkObjectDeleted(ctx context.Context, id int64, at time.Time) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if obj, ok := r.objects[id]; ok {
		t := at
		obj.DeletedAt = &t
	}
	return nil
}

func (r *MemoryRepository) InsertEvent(ctx context.Context, ev *AuditEvent) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.nextEventID++
	ev.ID = r.nextEventID
	clone := *ev
	r.events = append(r.events, &clone)
	return nil
}

func (r *MemoryRepository) EventsByOpaqueName(ctx context.Context, opaqueName string) ([]*AuditEvent, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	var out []*AuditEvent
	for _, ev := range r.events {
		if ev.OpaqueName == opaqueName {
			clone := *ev
			out = append(out, &clone)
		}
	}
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID > out[j].ID
		}
		return out[i].CreatedAt.After(out[j].CreatedAt)
	})
	return out, nil
}

func (r *MemoryRepository) InsertVersion(ctx context.Context, v *FileVersion) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	existing := r.versions[v.ObjectID]
	next := 1
	if len(existing) > 0 {
		next = existing[len(existing)-1].Version + 1
	}

	r.nextVersionID++
	v.ID = r.nextVersionID
	v.Version = next
	clone := *v
	r.versions[v.ObjectID] = append(existing, &clone)
	return next, nil
}

func (r *MemoryRepository) VersionsByObject(ctx context.Context, objectID int64) ([]*FileVersion, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	stored := r.versions[objectID]
	out := make([]*FileVersion, 0, len(stored))
	for i := len(stored) - 1; i >= 0; i-- {
		clone := *stored[i]
		out = append(out, &clone)
	}
	return out, nil
}

func (r *MemoryRepository) OldestVersion(ctx context.Context, objectID int64) (*FileVersion, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	stored := r.versions[objectID]
	if len(stored) == 0 {
		return nil, nil
	}
	clone := *stored[0]
	return &clone, nil
}

func (r *MemoryRepository) DeleteVersion(ctx context.Context, versionID int64) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	for objID, list := range r.versions {
		for i, v := range list {
			if v.ID == versionID {
				r.versions[objID] = append(list[:i], list[i+1:]...)
				return nil
			}
		}
	}
	return nil
}

func (r *MemoryRepository) CountVersions(ctx context.Context, objectID int64) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.versions[objectID]), nil
}

func (r *MemoryRepository) Stats(ctx context.Context, ownerID, tenantID string) (*UsageStats, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	stats := &UsageStats{ByCategory: map[common.Category]int64{}}
	for _, obj := range r.objects {
		if obj.OwnerID != ownerID || obj.TenantID != tenantID || obj.DeletedAt != nil {
			continue
		}
		stats.Count++
		stats.TotalBytes += obj.Size
		stats.ByCategory[obj.Category]++
	}
	return stats, nil
}

func (r *MemoryRepository) PurgeEvents(ctx context.Context, before time.Time, actions []Action) (int64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	purgeable := make(map[Action]struct{}, len(actions))
	for _, a := range actions {
		purgeable[a] = struct{}{}
	}

	var kept []*AuditEvent
	var purged int64
	for _, ev := range r.events {
		_, match := purgeable[ev.Action]
		if match && ev.CreatedAt.Before(before) {
			purged++
			continue
		}
		kept = append(kept, ev)
	}
	r.events = kept
	return purged, nil
}
