// Package ledger is the append-only record of every ingestion, access, and
// mutation against stored objects, and the owner of object identity and
// version history. Storage owns the bytes; the ledger owns the identity —
// bytes are only ever deleted on the ledger's eviction or deletion
// instruction.
package ledger

import (
	"time"

	"github.com/coachdesk/filevault/internal/common"
	"github.com/coachdesk/filevault/internal/storage"
)

// Action classifies an audit event.
type Action string

const (
	ActionUpload   Action = "upload"
	ActionDownload Action = "download"
	ActionDelete   Action = "delete"
	ActionUpdate   Action = "update"
)

// StoredObject is the stable identity of an ingested file. It is created on
// first successful ingestion and mutated only by adding versions; deletion
// leaves a tombstone (DeletedAt set, row retained).
type StoredObject struct {
	ID       int64
	TenantID string
	OwnerID  string

	// OpaqueName is the generated storage identity; the client-supplied
	// filename never appears here. Audit events join on this name.
	OpaqueName string

	Category common.Category

	// Current-version content attributes.
	Size      int64
	Hash      string
	Encrypted bool
	Key       string
	LocalPath string
	RemoteKey string
	RemoteURL string
	CDNURL    string

	CreatedAt time.Time
	DeletedAt *time.Time
}

// Location reconstructs the storage pointer of the current version.
func (o *StoredObject) Location() *storage.Location {
	return &storage.Location{
		OpaqueName:   o.OpaqueName,
		Key:          o.Key,
		LocalPath:    o.LocalPath,
		RemoteKey:    o.RemoteKey,
		RemoteURL:    o.RemoteURL,
		CDNURL:       o.CDNURL,
		Encrypted:    o.Encrypted,
		RemoteSynced: o.RemoteKey != "",
		Size:         o.Size,
	}
}

// FileVersion is one retained revision of a StoredObject. Version numbers
// are contiguous and increasing, starting at 1.
type FileVersion struct {
	ID       int64
	ObjectID int64
	Version  int

	OpaqueName string
	Key        string
	LocalPath  string
	RemoteKey  string
	Encrypted  bool

	Size      int64
	Hash      string
	CreatedBy string
	Comment   string
	CreatedAt time.Time
}

// Location reconstructs the storage pointer of this version's bytes.
func (v *FileVersion) Location() *storage.Location {
	return &storage.Location{
		OpaqueName:   v.OpaqueName,
		Key:          v.Key,
		LocalPath:    v.LocalPath,
		RemoteKey:    v.RemoteKey,
		Encrypted:    v.Encrypted,
		RemoteSynced: v.RemoteKey != "",
		Size:         v.Size,
	}
}

// AuditEvent is one append-only ledger entry. Upload events additionally
// carry a copy of the scan result metadata and are retained permanently;
// download/delete events are subject to the retention sweep.
type AuditEvent struct {
	ID         int64
	Action     Action
	ActorID    string
	TenantID   string
	OpaqueName string

	// Origin of the request.
	RemoteAddr string
	UserAgent  string

	// Scan metadata copy, set on upload/update events.
	MIME     string
	Category common.Category
	Size     int64
	Hash     string
	Verdict  string

	// Detail holds the claimed filename, delete reason, or version comment.
	Detail string

	CreatedAt time.Time
}

// History is the full reconstructed timeline of one object.
type History struct {
	Object   *StoredObject
	Events   []*AuditEvent  // newest first
	Versions []*FileVersion // version number descending
}

// UsageStats aggregates live (non-tombstoned) objects for one owner/tenant.
type UsageStats struct {
	Count      int64
	TotalBytes int64
	ByCategory map[common.Category]int64
}
