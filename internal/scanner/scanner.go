// Package scanner classifies and validates candidate uploads: it sniffs the
// real content type from byte signatures, applies the extension deny-list and
// category rules, hashes the content, and submits it to an external
// clamd-compatible scanning daemon. Client-supplied names and content types
// are never trusted for classification.
package scanner

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/gabriel-vasile/mimetype"

	"github.com/coachdesk/filevault/internal/common"
	"github.com/coachdesk/filevault/internal/logging"
)

// Verdict is the scanning daemon's classification of a submission.
// A threat verdict is never represented here: it surfaces as a
// KindThreatDetected error instead.
type Verdict string

const (
	// VerdictClean means the daemon inspected the content and found nothing.
	VerdictClean Verdict = "clean"
	// VerdictUnscanned means the daemon was unreachable and the content was
	// accepted without inspection. Deliberately distinct from clean so
	// callers can apply fail-open/fail-closed policy explicitly.
	VerdictUnscanned Verdict = "unscanned"
)

// Input identifies a staged upload to validate.
type Input struct {
	// Path is the staged temp file holding the raw bytes.
	Path string
	// ClaimedName is the client-supplied filename. Used only for the
	// extension deny-list and audit; never for classification.
	ClaimedName string
	// DeclaredSize is the client-declared byte size, 0 when unknown.
	// Checked before any untrusted content is read.
	DeclaredSize int64
}

// Result describes a validated upload.
type Result struct {
	MIME     string
	Category common.Category
	Size     int64
	SHA256   string
	Verdict  Verdict
}

// Sniffer resolves a MIME type from raw bytes.
type Sniffer interface {
	Detect(data []byte) string
}

// MimetypeSniffer is the default Sniffer, backed by byte-signature tables.
type MimetypeSniffer struct{}

func (MimetypeSniffer) Detect(data []byte) string {
	m := mimetype.Detect(data).String()
	// mimetype appends parameters such as "; charset=utf-8"
	if i := strings.Index(m, ";"); i >= 0 {
		m = strings.TrimSpace(m[:i])
	}
	return m
}

// DaemonClient submits content to the external scanning daemon. A non-empty
// signature means the daemon matched a known threat. Unreachability is
// reported via ErrDaemonUnavailable.
type DaemonClient interface {
	Scan(ctx context.Context, r io.Reader) (signature string, err error)
}

// Config controls validation limits and the fail-open/fail-closed policy.
type Config struct {
	MaxFileSize       int64
	CategoryMaxSize   map[common.Category]int64
	MIMECategories    map[string]common.Category
	BlockedExtensions []string
	QuarantineDir     string
	// Required makes daemon unavailability fatal instead of degrading the
	// verdict to unscanned.
	Required bool
}

// Scanner validates staged uploads per the configured rules.
type Scanner struct {
	cfg     Config
	blocked map[string]struct{}
	sniffer Sniffer
	daemon  DaemonClient
	logger  logging.Logger
}

func New(cfg Config, sniffer Sniffer, daemon DaemonClient, logger logging.Logger) *Scanner {
	blocked := make(map[string]struct{}, len(cfg.BlockedExtensions))
	for _, ext := range cfg.BlockedExtensions {
		blocked[strings.ToLower(ext)] = struct{}{}
	}
	return &Scanner{
		cfg:     cfg,
		blocked: blocked,
		sniffer: sniffer,
		daemon:  daemon,
		logger:  logger.With("component", "scanner"),
	}
}

// markupBlacklist lists substrings that make a markup-based image (SVG)
// unconditionally rejected, independent of the scanning daemon.
var markupBlacklist = []string{
	"<script",
	"javascript:",
	"onerror=",
	"onload=",
	"onclick=",
	"onmouseover=",
	"<iframe",
	"<embed",
	"<object",
	"data:text/html",
}

// Scan validates the staged upload and returns its classification. On a
// daemon threat verdict the staged bytes are moved to quarantine (or deleted
// when the move fails) and a KindThreatDetected error is returned.
func (s *Scanner) Scan(ctx context.Context, in Input) (*Result, error) {
	// Declared-size gate before reading untrusted content.
	if s.cfg.MaxFileSize > 0 && in.DeclaredSize > s.cfg.MaxFileSize {
		return nil, common.NewValidation(fmt.Sprintf("declared size %d exceeds limit %d", in.DeclaredSize, s.cfg.MaxFileSize))
	}

	data, err := os.ReadFile(in.Path)
	if err != nil {
		return nil, common.NewStorage("read staged upload", err)
	}

	size := int64(len(data))
	if s.cfg.MaxFileSize > 0 && size > s.cfg.MaxFileSize {
		return nil, common.NewValidation(fmt.Sprintf("size %d exceeds limit %d", size, s.cfg.MaxFileSize))
	}

	mime := s.sniffer.Detect(data)

	ext := strings.ToLower(strings.TrimPrefix(filepath.Ext(in.ClaimedName), "."))
	if _, bad := s.blocked[ext]; bad {
		return nil, common.NewValidation(fmt.Sprintf("blocked extension .%s", ext))
	}

	category, ok := s.cfg.MIMECategories[mime]
	if !ok {
		return nil, common.NewValidation(fmt.Sprintf("unsupported content type %s", mime))
	}

	if limit, ok := s.cfg.CategoryMaxSize[category]; ok && limit > 0 && size > limit {
		return nil, common.NewValidation(fmt.Sprintf("size %d exceeds %s limit %d", size, category, limit))
	}

	if mime == "image/svg+xml" {
		if hit := findMarkupViolation(data); hit != "" {
			return nil, common.NewValidation(fmt.Sprintf("embedded active content %q", hit))
		}
	}

	sum := sha256.Sum256(data)

	result := &Result{
		MIME:     mime,
		Category: category,
		Size:     size,
		SHA256:   hex.EncodeToString(sum[:]),
		Verdict:  VerdictClean,
	}

	signature, err := s.daemon.Scan(ctx, bytes.NewReader(data))
	switch {
	case err != nil:
		if s.cfg.Required {
			return nil, common.NewStorage("scanning daemon unavailable", err)
		}
		s.logger.Warn(ctx, "scanning daemon unavailable, accepting unscanned",
			"error", err, "hash", result.SHA256)
		result.Verdict = VerdictUnscanned
	case signature != "":
		s.quarantine(ctx, in.Path, signature)
		return nil, common.NewThreat(signature)
	}

	return result, nil
}

func findMarkupViolation(data []byte) string {
	lower := strings.ToLower(string(data))
	for _, bad := range markupBlacklist {
		if strings.Contains(lower, bad) {
			return bad
		}
	}
	return ""
}

// quarantine moves infected bytes out of the normal storage path. When the
// move fails the bytes are deleted outright: an infected file must never
// remain where it could be picked up again.
func (s *Scanner) quarantine(ctx context.Context, path, signature string) {
	if err := os.MkdirAll(s.cfg.QuarantineDir, 0o770); err != nil {
		s.logger.Error(ctx, "quarantine dir unavailable, deleting infected file", "error", err)
		_ = os.Remove(path)
		return
	}

	target := filepath.Join(s.cfg.QuarantineDir,
		fmt.Sprintf("%s-%d", filepath.Base(path), time.Now().UnixNano()))
	if err := os.Rename(path, target); err != nil {
		s.logger.Error(ctx, "quarantine move failed, deleting infected file",
			"error", err, "signature", signature)
		_ = os.Remove(path)
		return
	}

	s.logger.Warn(ctx, "infected file quarantined", "signature", signature, "path", target)
}

// ErrDaemonUnavailable marks scan failures caused by the daemon being
// unreachable rather than by a verdict.
var ErrDaemonUnavailable = errors.New("scanning daemon unavailable")
