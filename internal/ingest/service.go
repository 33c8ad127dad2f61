// Package ingest orchestrates the upload pipeline: staging, scanning,
// image sanitization, storage, and ledger recording. It is the only
// package that composes the other stages; callers hand it raw bytes and
// get back a stable id.
package ingest

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/coachdesk/filevault/internal/common"
	"github.com/coachdesk/filevault/internal/imagex"
	"github.com/coachdesk/filevault/internal/ledger"
	"github.com/coachdesk/filevault/internal/logging"
	"github.com/coachdesk/filevault/internal/scanner"
	"github.com/coachdesk/filevault/internal/storage"
)

// Scanner validates staged uploads.
type Scanner interface {
	Scan(ctx context.Context, in scanner.Input) (*scanner.Result, error)
}

// ImageSanitizer normalizes raster images.
type ImageSanitizer interface {
	Sanitize(ctx context.Context, data []byte) (*imagex.Result, error)
}

// Store persists and retrieves payload bytes.
type Store interface {
	Store(ctx context.Context, data []byte, category common.Category, ownerID string) (*storage.Location, error)
	StoreDerived(ctx context.Context, base *storage.Location, suffix string, data []byte) (*storage.Location, error)
	Retrieve(ctx context.Context, loc *storage.Location) ([]byte, error)
	Delete(ctx context.Context, loc *storage.Location) error
	PresignedURL(ctx context.Context, loc *storage.Location, ttl time.Duration) (string, error)
}

// Ledger records identity, history, and versions.
type Ledger interface {
	RecordUpload(ctx context.Context, obj *ledger.StoredObject, ev *ledger.AuditEvent) (*ledger.StoredObject, error)
	Object(ctx context.Context, id int64) (*ledger.StoredObject, error)
	RecordDownload(ctx context.Context, obj *ledger.StoredObject, ev *ledger.AuditEvent) error
	RecordDelete(ctx context.Context, obj *ledger.StoredObject, ev *ledger.AuditEvent) error
	AddVersion(ctx context.Context, obj *ledger.StoredObject, ev *ledger.AuditEvent, comment string) (int, error)
	History(ctx context.Context, id int64) (*ledger.History, error)
	Versions(ctx context.Context, id int64) ([]*ledger.FileVersion, error)
	Stats(ctx context.Context, ownerID, tenantID string) (*ledger.UsageStats, error)
}

// Actor identifies who is driving an operation and from where.
type Actor struct {
	ID         string
	TenantID   string
	RemoteAddr string
	UserAgent  string
}

// UploadRequest is one candidate file.
type UploadRequest struct {
	Content io.Reader
	// ClaimedName is the client-supplied filename, kept for audit only.
	ClaimedName string
	// DeclaredSize is the client-declared byte count, 0 when unknown.
	DeclaredSize int64
	// ExpectedCategory, when set, must match the sniffed category.
	ExpectedCategory common.Category
	// Comment annotates the version record on updates.
	Comment string
}

// Descriptor is what callers get back for a stored file.
type Descriptor struct {
	ID         int64
	OpaqueName string
	Category   common.Category
	MIME       string
	Size       int64
	Hash       string
	Verdict    scanner.Verdict
	Version    int

	// Image-only fields.
	Width      int
	Height     int
	ImageMeta  *imagex.Meta
	Thumbnails map[string]string // name -> storage key

	URL string
}

// Config carries the pipeline knobs the orchestrator itself needs.
type Config struct {
	TempDir       string
	QuarantineDir string
	MaxFileSize   int64
	// ThumbnailNames lists the configured thumbnail sizes by name, used to
	// derive and clean up per-object thumbnail keys.
	ThumbnailNames []string
}

type Service struct {
	cfg       Config
	scanner   Scanner
	sanitizer ImageSanitizer
	store     Store
	ledger    Ledger
	logger    logging.Logger
}

func NewService(cfg Config, sc Scanner, sanitizer ImageSanitizer, store Store,
	led Ledger, logger logging.Logger) *Service {
	return &Service{
		cfg:       cfg,
		scanner:   sc,
		sanitizer: sanitizer,
		store:     store,
		ledger:    led,
		logger:    logger.With("component", "ingest"),
	}
}

func thumbSuffix(name string) string {
	return "_thumb_" + name + ".jpg"
}

// Submit runs the full pipeline on a new upload and returns the minted
// descriptor. Rejections, threats, and failures all leave no stored bytes
// and no ledger identity behind.
func (s *Service) Submit(ctx context.Context, actor Actor, req UploadRequest) (*Descriptor, error) {
	staged, err := s.stage(ctx, req)
	if err != nil {
		return nil, err
	}
	defer s.unstage(ctx, staged)

	scan, err := s.scanner.Scan(ctx, scanner.Input{
		Path:         staged,
		ClaimedName:  req.ClaimedName,
		DeclaredSize: req.DeclaredSize,
	})
	if err != nil {
		return nil, err
	}
	if req.ExpectedCategory != "" && req.ExpectedCategory != scan.Category {
		return nil, common.NewValidation(fmt.Sprintf(
			"content is %s, not the expected %s", scan.Category, req.ExpectedCategory))
	}

	data, img, err := s.normalize(ctx, staged, scan)
	if err != nil {
		return nil, err
	}

	loc, thumbs, err := s.persist(ctx, actor.ID, scan.Category, data, img)
	if err != nil {
		return nil, err
	}

	obj := objectAt(loc, actor, scan.Category)
	obj.Size = int64(len(data))
	obj.Hash = contentHash(data, scan)

	ev := s.eventFor(actor, scan, req.ClaimedName)
	obj, err = s.ledger.RecordUpload(ctx, obj, ev)
	if err != nil {
		// No identity means no reachable bytes; roll the stored copy back.
		s.discard(ctx, loc, img != nil)
		return nil, err
	}

	s.logger.Info(ctx, "stored upload",
		"id", obj.ID, "category", scan.Category, "mime", scan.MIME,
		"size", obj.Size, "verdict", scan.Verdict)

	return s.describe(obj, scan, img, thumbs, 1), nil
}

// Retrieve returns the current bytes of a stored object and records the
// download. A failed audit insert does not block the read.
func (s *Service) Retrieve(ctx context.Context, actor Actor, id int64) ([]byte, *ledger.StoredObject, error) {
	obj, err := s.ledger.Object(ctx, id)
	if err != nil {
		return nil, nil, err
	}

	data, err := s.store.Retrieve(ctx, obj.Location())
	if err != nil {
		return nil, nil, err
	}

	ev := &ledger.AuditEvent{
		ActorID:    actor.ID,
		RemoteAddr: actor.RemoteAddr,
		UserAgent:  actor.UserAgent,
		Category:   obj.Category,
		Size:       obj.Size,
		Hash:       obj.Hash,
	}
	if err := s.ledger.RecordDownload(ctx, obj, ev); err != nil {
		s.logger.Error(ctx, "failed to record download", "id", id, "error", err)
	}
	return data, obj, nil
}

// Update replaces the object's content via the same pipeline as Submit and
// records a new version. The replacement must sniff to the same category.
func (s *Service) Update(ctx context.Context, actor Actor, id int64, req UploadRequest) (*Descriptor, error) {
	obj, err := s.ledger.Object(ctx, id)
	if err != nil {
		return nil, err
	}

	staged, err := s.stage(ctx, req)
	if err != nil {
		return nil, err
	}
	defer s.unstage(ctx, staged)

	scan, err := s.scanner.Scan(ctx, scanner.Input{
		Path:         staged,
		ClaimedName:  req.ClaimedName,
		DeclaredSize: req.DeclaredSize,
	})
	if err != nil {
		return nil, err
	}
	if scan.Category != obj.Category {
		return nil, common.NewValidation(fmt.Sprintf(
			"replacement is %s, object is %s", scan.Category, obj.Category))
	}

	data, img, err := s.normalize(ctx, staged, scan)
	if err != nil {
		return nil, err
	}

	loc, thumbs, err := s.persist(ctx, actor.ID, scan.Category, data, img)
	if err != nil {
		return nil, err
	}

	prior := obj.Location()

	obj.OpaqueName = loc.OpaqueName
	obj.Key = loc.Key
	obj.LocalPath = loc.LocalPath
	obj.RemoteKey = loc.RemoteKey
	obj.RemoteURL = loc.RemoteURL
	obj.CDNURL = loc.CDNURL
	obj.Encrypted = loc.Encrypted
	obj.Size = int64(len(data))
	obj.Hash = contentHash(data, scan)

	ev := s.eventFor(actor, scan, req.ClaimedName)
	version, err := s.ledger.AddVersion(ctx, obj, ev, req.Comment)
	if err != nil {
		s.discard(ctx, loc, img != nil)
		return nil, err
	}

	// The prior version's thumbnails are orphaned now; its main bytes stay
	// until version eviction claims them.
	if img != nil {
		s.dropThumbnails(ctx, prior)
	}

	s.logger.Info(ctx, "recorded new version", "id", obj.ID, "version", version)
	return s.describe(obj, scan, img, thumbs, version), nil
}

// Delete removes all retained bytes of the object and tombstones its
// identity. The audit trail survives the delete.
func (s *Service) Delete(ctx context.Context, actor Actor, id int64, reason string) error {
	obj, err := s.ledger.Object(ctx, id)
	if err != nil {
		return err
	}

	versions, err := s.ledger.Versions(ctx, id)
	if err != nil {
		return err
	}
	for _, v := range versions {
		if err := s.store.Delete(ctx, v.Location()); err != nil {
			return err
		}
	}
	if obj.Category == common.CategoryImage {
		s.dropThumbnails(ctx, obj.Location())
	}

	ev := &ledger.AuditEvent{
		ActorID:    actor.ID,
		RemoteAddr: actor.RemoteAddr,
		UserAgent:  actor.UserAgent,
		Category:   obj.Category,
		Detail:     reason,
	}
	return s.ledger.RecordDelete(ctx, obj, ev)
}

// History returns the object's full reconstructed timeline.
func (s *Service) History(ctx context.Context, id int64) (*ledger.History, error) {
	return s.ledger.History(ctx, id)
}

// Stats aggregates live objects for one owner within a tenant.
func (s *Service) Stats(ctx context.Context, ownerID, tenantID string) (*ledger.UsageStats, error) {
	return s.ledger.Stats(ctx, ownerID, tenantID)
}

// PresignedURL returns a time-limited direct link to the current bytes.
func (s *Service) PresignedURL(ctx context.Context, id int64, ttl time.Duration) (string, error) {
	obj, err := s.ledger.Object(ctx, id)
	if err != nil {
		return "", err
	}
	return s.store.PresignedURL(ctx, obj.Location(), ttl)
}

// stage copies the upload into a private temp file so every later stage
// works on an immutable snapshot the client can no longer touch.
func (s *Service) stage(ctx context.Context, req UploadRequest) (string, error) {
	if req.DeclaredSize > s.cfg.MaxFileSize {
		return "", common.NewValidation(fmt.Sprintf(
			"declared size %d exceeds limit %d", req.DeclaredSize, s.cfg.MaxFileSize))
	}
	if err := os.MkdirAll(s.cfg.TempDir, 0o770); err != nil {
		return "", common.NewStorage("creating staging dir", err)
	}

	f, err := os.CreateTemp(s.cfg.TempDir, "upload-*")
	if err != nil {
		return "", common.NewStorage("creating staging file", err)
	}

	written, err := io.Copy(f, io.LimitReader(req.Content, s.cfg.MaxFileSize+1))
	if cerr := f.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		os.Remove(f.Name())
		return "", common.NewStorage("staging upload", err)
	}
	if written > s.cfg.MaxFileSize {
		os.Remove(f.Name())
		return "", common.NewValidation(fmt.Sprintf(
			"content exceeds limit %d", s.cfg.MaxFileSize))
	}
	return f.Name(), nil
}

// unstage drops the staged snapshot. On quarantine the scanner has already
// moved the file away, so a missing file is fine.
func (s *Service) unstage(ctx context.Context, path string) {
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		s.logger.Warn(ctx, "failed to remove staged file", "path", path, "error", err)
	}
}

// normalize re-reads the staged snapshot and, for raster images, runs the
// sanitizer. SVG stays textual; the scanner has already vetted its markup.
func (s *Service) normalize(ctx context.Context, staged string, scan *scanner.Result) ([]byte, *imagex.Result, error) {
	data, err := os.ReadFile(staged)
	if err != nil {
		return nil, nil, common.NewStorage("reading staged file", err)
	}
	if scan.Category != common.CategoryImage || scan.MIME == "image/svg+xml" {
		return data, nil, nil
	}

	img, err := s.sanitizer.Sanitize(ctx, data)
	if err != nil {
		return nil, nil, err
	}
	return img.Image, img, nil
}

// persist stores the payload and, for images, its thumbnails. Thumbnail
// failures do not fail the upload.
func (s *Service) persist(ctx context.Context, ownerID string, category common.Category,
	data []byte, img *imagex.Result) (*storage.Location, map[string]string, error) {

	loc, err := s.store.Store(ctx, data, category, ownerID)
	if err != nil {
		return nil, nil, err
	}

	var thumbs map[string]string
	if img != nil && len(img.Thumbnails) > 0 {
		thumbs = make(map[string]string, len(img.Thumbnails))
		for name, payload := range img.Thumbnails {
			tl, err := s.store.StoreDerived(ctx, loc, thumbSuffix(name), payload)
			if err != nil {
				s.logger.Error(ctx, "failed to store thumbnail",
					"name", name, "key", loc.Key, "error", err)
				continue
			}
			thumbs[name] = tl.Key
		}
	}
	return loc, thumbs, nil
}

// discard rolls back stored bytes after a failed ledger write.
func (s *Service) discard(ctx context.Context, loc *storage.Location, withThumbs bool) {
	if err := s.store.Delete(ctx, loc); err != nil {
		s.logger.Error(ctx, "failed to roll back stored bytes", "key", loc.Key, "error", err)
	}
	if withThumbs {
		s.dropThumbnails(ctx, loc)
	}
}

func (s *Service) dropThumbnails(ctx context.Context, base *storage.Location) {
	for _, name := range s.cfg.ThumbnailNames {
		if err := s.store.Delete(ctx, base.Derived(thumbSuffix(name))); err != nil {
			s.logger.Warn(ctx, "failed to remove thumbnail",
				"key", base.Key, "name", name, "error", err)
		}
	}
}

func (s *Service) eventFor(actor Actor, scan *scanner.Result, claimedName string) *ledger.AuditEvent {
	return &ledger.AuditEvent{
		ActorID:    actor.ID,
		TenantID:   actor.TenantID,
		RemoteAddr: actor.RemoteAddr,
		UserAgent:  actor.UserAgent,
		MIME:       scan.MIME,
		Category:   scan.Category,
		Size:       scan.Size,
		Hash:       scan.SHA256,
		Verdict:    string(scan.Verdict),
		Detail:     claimedName,
	}
}

func objectAt(loc *storage.Location, actor Actor, category common.Category) *ledger.StoredObject {
	return &ledger.StoredObject{
		TenantID:   actor.TenantID,
		OwnerID:    actor.ID,
		OpaqueName: loc.OpaqueName,
		Category:   category,
		Encrypted:  loc.Encrypted,
		Key:        loc.Key,
		LocalPath:  loc.LocalPath,
		RemoteKey:  loc.RemoteKey,
		RemoteURL:  loc.RemoteURL,
		CDNURL:     loc.CDNURL,
	}
}

// contentHash is the hash recorded against the stored bytes. Sanitized
// images are re-encoded, so their hash is recomputed; everything else keeps
// the scan hash of the original bytes.
func contentHash(data []byte, scan *scanner.Result) string {
	if scan.Category == common.CategoryImage && scan.MIME != "image/svg+xml" {
		sum := sha256.Sum256(data)
		return hex.EncodeToString(sum[:])
	}
	return scan.SHA256
}

func (s *Service) describe(obj *ledger.StoredObject, scan *scanner.Result,
	img *imagex.Result, thumbs map[string]string, version int) *Descriptor {

	d := &Descriptor{
		ID:         obj.ID,
		OpaqueName: obj.OpaqueName,
		Category:   obj.Category,
		MIME:       scan.MIME,
		Size:       obj.Size,
		Hash:       obj.Hash,
		Verdict:    scan.Verdict,
		Version:    version,
		Thumbnails: thumbs,
	}
	switch {
	case obj.CDNURL != "":
		d.URL = obj.CDNURL
	case obj.RemoteURL != "":
		d.URL = obj.RemoteURL
	}
	if img != nil {
		d.Width = img.Width
		d.Height = img.Height
		d.ImageMeta = img.Meta
	}
	return d
}

// SweepTemp removes staged files older than maxAge. Crash leftovers are the
// only thing that should ever be old enough to match.
func (s *Service) SweepTemp(ctx context.Context, maxAge time.Duration) int {
	return s.sweepDir(ctx, s.cfg.TempDir, maxAge)
}

// SweepQuarantine removes quarantined files older than maxAge, once their
// retention for incident review has passed.
func (s *Service) SweepQuarantine(ctx context.Context, maxAge time.Duration) int {
	return s.sweepDir(ctx, s.cfg.QuarantineDir, maxAge)
}

func (s *Service) sweepDir(ctx context.Context, dir string, maxAge time.Duration) int {
	entries, err := os.ReadDir(dir)
	if err != nil {
		if !os.IsNotExist(err) {
			s.logger.Warn(ctx, "failed to read sweep dir", "dir", dir, "error", err)
		}
		return 0
	}

	cutoff := time.Now().Add(-maxAge)
	removed := 0
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		info, err := e.Info()
		if err != nil || info.ModTime().After(cutoff) {
			continue
		}
		path := filepath.Join(dir, e.Name())
		if err := os.Remove(path); err != nil {
			s.logger.Warn(ctx, "failed to sweep file", "path", path, "error", err)
			continue
		}
		removed++
	}
	if removed > 0 {
		s.logger.Info(ctx, "swept stale files", "dir", dir, "count", removed)
	}
	return removed
}
