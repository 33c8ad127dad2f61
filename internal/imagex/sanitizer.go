// Package imagex normalizes raster image uploads: it verifies the image
// decodes, captures embedded metadata for the audit trail, strips that
// metadata from the output while preserving the orientation transform,
// bounds dimensions, and produces a canonical JPEG plus named thumbnails.
package imagex

import (
	"bytes"
	"context"
	"fmt"
	"image"
	"image/color"

	"github.com/disintegration/imaging"
	"github.com/rwcarlsen/goexif/exif"
	_ "golang.org/x/image/webp" // decode-only; webp uploads re-encode to JPEG

	"github.com/coachdesk/filevault/internal/common"
	"github.com/coachdesk/filevault/internal/logging"
)

// Config bounds sanitization.
type Config struct {
	// MaxDimension is the longest edge allowed in the output; larger images
	// are downscaled preserving aspect ratio.
	MaxDimension int
	// MaxPixels caps width*height before decoding the full image, as a
	// defense against decompression-bomb inputs.
	MaxPixels int64
	// JPEGQuality fixes the canonical re-encode settings.
	JPEGQuality int
	// Thumbnails maps a name to the bounding-box edge of each thumbnail.
	Thumbnails map[string]int
}

// Meta is the embedded metadata captured for audit before it is stripped.
type Meta struct {
	CameraMake  string
	CameraModel string
	TakenAt     string
	Orientation string
	HasGPS      bool
}

// Result is the sanitized output.
type Result struct {
	// Image is the normalized, metadata-free canonical JPEG.
	Image []byte
	// Thumbnails holds one JPEG per configured named size.
	Thumbnails map[string][]byte
	// Meta is the captured metadata; nil when the input carried none.
	Meta *Meta
	// Width and Height are the output dimensions.
	Width  int
	Height int
}

// Sanitizer normalizes raster images.
type Sanitizer struct {
	cfg    Config
	logger logging.Logger
}

func New(cfg Config, logger logging.Logger) *Sanitizer {
	return &Sanitizer{cfg: cfg, logger: logger.With("component", "imagesanitizer")}
}

// Sanitize decodes, bounds, flattens, and re-encodes the image. All decode
// and structural failures surface as KindProcessingFailed.
func (s *Sanitizer) Sanitize(ctx context.Context, data []byte) (*Result, error) {
	// Header-only decode first: the pixel cap must be enforced before
	// allocating a full decode of untrusted dimensions.
	cfg, _, err := image.DecodeConfig(bytes.NewReader(data))
	if err != nil {
		return nil, common.NewProcessing("decode image header", err)
	}
	if pixels := int64(cfg.Width) * int64(cfg.Height); s.cfg.MaxPixels > 0 && pixels > s.cfg.MaxPixels {
		return nil, common.NewProcessing(
			fmt.Sprintf("pixel count %d exceeds limit %d", pixels, s.cfg.MaxPixels), nil)
	}

	meta := captureMeta(data)

	// AutoOrientation applies the EXIF orientation transform to the pixels,
	// so dropping the metadata on re-encode leaves the visual result intact.
	img, err := imaging.Decode(bytes.NewReader(data), imaging.AutoOrientation(true))
	if err != nil {
		return nil, common.NewProcessing("decode image", err)
	}

	bounds := img.Bounds()
	if s.cfg.MaxDimension > 0 && (bounds.Dx() > s.cfg.MaxDimension || bounds.Dy() > s.cfg.MaxDimension) {
		img = imaging.Fit(img, s.cfg.MaxDimension, s.cfg.MaxDimension, imaging.Lanczos)
		bounds = img.Bounds()
	}

	// JPEG has no alpha channel: flatten transparency onto white.
	flattened := imaging.New(bounds.Dx(), bounds.Dy(), color.White)
	flattened = imaging.Overlay(flattened, img, image.Pt(0, 0), 1.0)

	encoded, err := s.encodeJPEG(flattened)
	if err != nil {
		return nil, err
	}

	thumbs := make(map[string][]byte, len(s.cfg.Thumbnails))
	for name, edge := range s.cfg.Thumbnails {
		// Fit never upscales; small originals yield same-size thumbnails.
		thumb := imaging.Fit(flattened, edge, edge, imaging.Lanczos)
		tb, err := s.encodeJPEG(thumb)
		if err != nil {
			return nil, err
		}
		thumbs[name] = tb
	}

	return &Result{
		Image:      encoded,
		Thumbnails: thumbs,
		Meta:       meta,
		Width:      bounds.Dx(),
		Height:     bounds.Dy(),
	}, nil
}

func (s *Sanitizer) encodeJPEG(img image.Image) ([]byte, error) {
	var buf bytes.Buffer
	if err := imaging.Encode(&buf, img, imaging.JPEG, imaging.JPEGQuality(s.cfg.JPEGQuality)); err != nil {
		return nil, common.NewProcessing("encode jpeg", err)
	}
	return buf.Bytes(), nil
}

// captureMeta extracts EXIF fields worth auditing. Absent or unparseable
// EXIF is normal and yields nil.
func captureMeta(data []byte) *Meta {
	x, err := exif.Decode(bytes.NewReader(data))
	if err != nil {
		return nil
	}

	meta := &Meta{}

	if tag, err := x.Get(exif.Make); err == nil {
		meta.CameraMake, _ = tag.StringVal()
	}
	if tag, err := x.Get(exif.Model); err == nil {
		meta.CameraModel, _ = tag.StringVal()
	}
	if taken, err := x.DateTime(); err == nil {
		meta.TakenAt = taken.Format("2006-01-02 15:04:05")
	}
	if tag, err := x.Get(exif.Orientation); err == nil {
		meta.Orientation = tag.String()
	}
	if _, _, err := x.LatLong(); err == nil {
		meta.HasGPS = true
	}

	if *meta == (Meta{}) {
		return nil
	}
	return meta
}
