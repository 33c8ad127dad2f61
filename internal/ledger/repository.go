package ledger

import (
	"context"
	"time"
)

// Repository persists the ledger. Lookup methods return (nil, nil) for
// missing rows; the service translates that into a NotFound error.
type Repository interface {
	CreateObject(ctx context.Context, obj *StoredObject) (int64, error)
	GetObject(ctx context.Context, id int64) (*StoredObject, error)
	UpdateObjectCurrent(ctx context.Context, obj *StoredObject) error
	MarkObjectDeleted(ctx context.Context, id int64, at time.Time) error

	InsertEvent(ctx context.Context, ev *AuditEvent) error
	EventsByOpaqueName(ctx context.Context, opaqueName string) ([]*AuditEvent, error)

	// InsertVersion assigns the next contiguous version number atomically
	// with the insert and returns it.
	InsertVersion(ctx context.Context, v *FileVersion) (int, error)
	VersionsByObject(ctx context.Context, objectID int64) ([]*FileVersion, error)
	OldestVersion(ctx context.Context, objectID int64) (*FileVersion, error)
	DeleteVersion(ctx context.Context, versionID int64) error
	CountVersions(ctx context.Context, objectID int64) (int, error)

	Stats(ctx context.Context, ownerID, tenantID string) (*UsageStats, error)
	PurgeEvents(ctx context.Context, before time.Time, actions []Action) (int64, error)
}
