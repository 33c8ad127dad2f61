// Package storage persists object bytes locally and, optionally, to a
// remote S3-compatible tier. Every stored object gets a collision-resistant
// opaque name under a category/owner/year/month hierarchy; the
// client-supplied filename is never used as a storage key. Bytes can be
// sealed with authenticated encryption before they touch any backend.
package storage

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path"
	"path/filepath"
	"time"

	"github.com/google/uuid"

	"github.com/coachdesk/filevault/internal/common"
	"github.com/coachdesk/filevault/internal/logging"
)

// Location is the storage pointer for one stored payload.
type Location struct {
	// OpaqueName is the generated identity, never the client filename.
	OpaqueName string
	// Key is the hierarchical path category/owner/year/month/opaque-name,
	// shared by the local tree and the remote store.
	Key string
	// LocalPath is the absolute path of the authoritative local copy.
	LocalPath string
	// RemoteKey is set when the payload reached the remote tier.
	RemoteKey string
	// RemoteURL and CDNURL are derived access URLs, set when remote-synced.
	RemoteURL string
	CDNURL    string
	// Encrypted marks payloads sealed before writing.
	Encrypted bool
	// RemoteSynced is false when the remote upload failed or tiering is
	// disabled; the local copy is then the only durable one.
	RemoteSynced bool
	// Size is the stored byte count (ciphertext size when encrypted).
	Size int64
}

// Derived returns the location of a sibling payload (e.g. a thumbnail)
// sharing this location's hierarchy with a name suffix.
func (l *Location) Derived(suffix string) *Location {
	d := &Location{
		OpaqueName: l.OpaqueName + suffix,
		Key:        l.Key + suffix,
		LocalPath:  l.LocalPath + suffix,
		Encrypted:  l.Encrypted,
	}
	if l.RemoteKey != "" {
		d.RemoteKey = l.RemoteKey + suffix
	}
	return d
}

// Manager owns the byte persistence of the pipeline. It never deletes bytes
// on its own initiative; deletions are driven by the audit ledger.
type Manager struct {
	baseDir string
	cdnBase string
	sealer  Sealer      // nil disables at-rest encryption
	remote  ObjectStore // nil disables remote tiering
	clock   Clock
	logger  logging.Logger
}

func NewManager(baseDir, cdnBase string, sealer Sealer, remote ObjectStore, clock Clock, logger logging.Logger) *Manager {
	return &Manager{
		baseDir: baseDir,
		cdnBase: cdnBase,
		sealer:  sealer,
		remote:  remote,
		clock:   clock,
		logger:  logger.With("component", "storage"),
	}
}

// Store persists data under a freshly generated opaque identity and returns
// its location. A remote-upload failure does not fail the store: the local
// copy stays authoritative and the location reports RemoteSynced=false.
func (m *Manager) Store(ctx context.Context, data []byte, category common.Category, ownerID string) (*Location, error) {
	name := uuid.NewString()
	now := m.clock.Now().UTC()

	key := path.Join(string(category), ownerID,
		fmt.Sprintf("%04d", now.Year()), fmt.Sprintf("%02d", int(now.Month())), name)

	loc := &Location{
		OpaqueName: name,
		Key:        key,
		LocalPath:  filepath.Join(m.baseDir, filepath.FromSlash(key)),
	}
	if err := m.write(ctx, loc, data); err != nil {
		return nil, err
	}
	return loc, nil
}

// StoreDerived persists data next to base under base's name plus suffix.
// Used for thumbnails; derived payloads are deleted with their base.
func (m *Manager) StoreDerived(ctx context.Context, base *Location, suffix string, data []byte) (*Location, error) {
	loc := &Location{
		OpaqueName: base.OpaqueName + suffix,
		Key:        base.Key + suffix,
		LocalPath:  base.LocalPath + suffix,
	}
	if err := m.write(ctx, loc, data); err != nil {
		return nil, err
	}
	return loc, nil
}

func (m *Manager) write(ctx context.Context, loc *Location, data []byte) error {
	payload := data
	if m.sealer != nil {
		sealed, err := m.sealer.Seal(data)
		if err != nil {
			return common.NewStorage("encrypt payload", err)
		}
		payload = sealed
		loc.Encrypted = true
	}
	loc.Size = int64(len(payload))

	if err := os.MkdirAll(filepath.Dir(loc.LocalPath), 0o770); err != nil {
		return common.NewStorage("create storage directory", err)
	}
	if err := os.WriteFile(loc.LocalPath, payload, 0o640); err != nil {
		return common.NewStorage("write local copy", err)
	}

	if m.remote != nil {
		disposition := fmt.Sprintf("attachment; filename=%q", loc.OpaqueName)
		if err := m.remote.Put(ctx, loc.Key, payload, disposition); err != nil {
			// Local copy remains authoritative; no reconciliation job
			// retries this upload later.
			m.logger.Error(ctx, "remote upload failed, keeping local copy only",
				"key", loc.Key, "error", err)
		} else {
			loc.RemoteKey = loc.Key
			loc.RemoteSynced = true
			loc.RemoteURL = m.remote.URL(loc.Key)
			if m.cdnBase != "" {
				loc.CDNURL = m.cdnBase + "/" + loc.Key
			}
		}
	}

	return nil
}

// Retrieve returns the plaintext payload at loc. The local copy is
// preferred; on a local miss the remote object is downloaded into the local
// path as a cache. A decryption failure is fatal: corrupted bytes are never
// served as if they were valid.
func (m *Manager) Retrieve(ctx context.Context, loc *Location) ([]byte, error) {
	payload, err := os.ReadFile(loc.LocalPath)
	if errors.Is(err, fs.ErrNotExist) && m.remote != nil && loc.RemoteKey != "" {
		payload, err = m.remote.Get(ctx, loc.RemoteKey)
		if err != nil {
			return nil, common.NewStorage("remote download", err)
		}
		m.cacheLocally(ctx, loc, payload)
	} else if err != nil {
		return nil, common.NewStorage("read stored object", err)
	}

	if loc.Encrypted {
		if m.sealer == nil {
			return nil, common.NewStorage("object is encrypted but encryption is not configured", nil)
		}
		plaintext, err := m.sealer.Open(payload)
		if err != nil {
			return nil, common.NewStorage("decrypt stored object", err)
		}
		return plaintext, nil
	}
	return payload, nil
}

func (m *Manager) cacheLocally(ctx context.Context, loc *Location, payload []byte) {
	if err := os.MkdirAll(filepath.Dir(loc.LocalPath), 0o770); err != nil {
		m.logger.Warn(ctx, "local cache dir", "key", loc.Key, "error", err)
		return
	}
	if err := os.WriteFile(loc.LocalPath, payload, 0o640); err != nil {
		m.logger.Warn(ctx, "local cache write", "key", loc.Key, "error", err)
	}
}

// Delete removes the local copy and best-effort removes the remote object.
func (m *Manager) Delete(ctx context.Context, loc *Location) error {
	if err := os.Remove(loc.LocalPath); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return common.NewStorage("remove local copy", err)
	}

	if m.remote != nil && loc.RemoteKey != "" {
		if err := m.remote.Delete(ctx, loc.RemoteKey); err != nil {
			m.logger.Warn(ctx, "remote delete failed", "key", loc.RemoteKey, "error", err)
		}
	}
	return nil
}

// PresignedURL returns a time-limited direct URL for the remote copy.
func (m *Manager) PresignedURL(ctx context.Context, loc *Location, ttl time.Duration) (string, error) {
	if m.remote == nil || loc.RemoteKey == "" {
		return "", common.NewStorage("no remote copy to presign", nil)
	}
	url, err := m.remote.Presign(ctx, loc.RemoteKey, ttl)
	if err != nil {
		return "", common.NewStorage("presign remote object", err)
	}
	return url, nil
}
