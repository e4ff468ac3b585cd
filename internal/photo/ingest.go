// internal/photo/ingest.go
// Package photo turns raw camera images into bounded JPEG files for the offline queue.
// Bounds are read before any pixel is decoded so oversized sources are rejected
// or subsampled instead of exhausting memory.
package photo

import (
	"bytes"
	"context"
	"fmt"
	"image"
	"image/color"
	_ "image/gif"
	"image/jpeg"
	_ "image/png"
	"io"
	"log/slog"
	"path/filepath"

	"github.com/gabriel-vasile/mimetype"
	"github.com/oklog/ulid/v2"
	"github.com/spf13/afero"
	_ "golang.org/x/image/bmp"
	"golang.org/x/image/draw"
	_ "golang.org/x/image/tiff"
	_ "golang.org/x/image/webp"

	apperrors "github.com/RegistryAccord/registryaccord-fieldsync-go/internal/errors"
)

// MimeJPEG is the only format written to the queue.
const MimeJPEG = "image/jpeg"

// Source types the decoders above can read
var acceptedSources = []string{
	"image/jpeg", "image/png", "image/gif", "image/webp", "image/bmp", "image/tiff",
}

// Options bound the ingest output.
type Options struct {
	MaxSide         int   // Pixel ceiling of the longer side
	Quality         int   // JPEG quality 1..100
	MaxBytes        int64 // Hard ceiling of the encoded file
	MaxSourcePixels int64 // Sources above this many pixels are refused before decoding
}

// DefaultOptions mirrors the configuration defaults.
func DefaultOptions() Options {
	return Options{
		MaxSide:         1600,
		Quality:         82,
		MaxBytes:        1_800_000,
		MaxSourcePixels: 120_000_000,
	}
}

// Result describes an ingested file.
type Result struct {
	Path      string
	MimeType  string
	SizeBytes int64
	Width     int
	Height    int
}

// Ingestor compresses sources into files on fs.
type Ingestor struct {
	fs     afero.Fs
	opts   Options
	logger *slog.Logger
}

// NewIngestor creates an Ingestor. Zero option fields take their defaults.
func NewIngestor(fs afero.Fs, opts Options, logger *slog.Logger) *Ingestor {
	def := DefaultOptions()
	if opts.MaxSide <= 0 {
		opts.MaxSide = def.MaxSide
	}
	if opts.Quality <= 0 || opts.Quality > 100 {
		opts.Quality = def.Quality
	}
	if opts.MaxBytes <= 0 {
		opts.MaxBytes = def.MaxBytes
	}
	if opts.MaxSourcePixels <= 0 {
		opts.MaxSourcePixels = def.MaxSourcePixels
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Ingestor{fs: fs, opts: opts, logger: logger}
}

// Ingest reads src, downsamples and recompresses it, and writes the JPEG to dst.
// It fails with KindInvalidImage for undecodable or degenerate sources and with
// KindPhotoTooLarge when the encoded result exceeds the size ceiling. On failure
// nothing is left at dst.
func (in *Ingestor) Ingest(ctx context.Context, src Source, dst string) (Result, error) {
	const op = "photo.ingest"

	if err := in.sniff(src); err != nil {
		return Result{}, err
	}

	// Phase one: bounds only
	w, h, err := decodeBounds(src)
	if err != nil {
		return Result{}, err
	}
	if w <= 0 || h <= 0 {
		return Result{}, apperrors.Newf(apperrors.KindInvalidImage, op, "degenerate dimensions %dx%d", w, h)
	}
	if int64(w)*int64(h) > in.opts.MaxSourcePixels {
		return Result{}, apperrors.Newf(apperrors.KindInvalidImage, op, "source %dx%d exceeds the decode limit", w, h)
	}
	if err := ctx.Err(); err != nil {
		return Result{}, err
	}

	// Phase two: full decode, then subsample and resample to the ceiling
	img, err := decode(src)
	if err != nil {
		return Result{}, err
	}
	sample := SampleSize(w, h, in.opts.MaxSide)
	if sample > 1 {
		img = resize(img, max(1, w/sample), max(1, h/sample), draw.NearestNeighbor)
	}
	tw, th := TargetSize(img.Bounds().Dx(), img.Bounds().Dy(), in.opts.MaxSide)
	if tw < 1 || th < 1 {
		return Result{}, apperrors.Newf(apperrors.KindInvalidImage, op, "source %dx%d scales to %dx%d", w, h, tw, th)
	}
	img = resize(img, tw, th, draw.CatmullRom)
	if err := ctx.Err(); err != nil {
		return Result{}, err
	}

	var buf bytes.Buffer
	if err := jpeg.Encode(&buf, img, &jpeg.Options{Quality: in.opts.Quality}); err != nil {
		return Result{}, apperrors.Wrap(apperrors.KindFatal, op, err)
	}
	if int64(buf.Len()) > in.opts.MaxBytes {
		return Result{}, apperrors.Newf(apperrors.KindPhotoTooLarge, op, "encoded photo is %d bytes, limit %d", buf.Len(), in.opts.MaxBytes)
	}

	if err := in.writeAtomic(dst, buf.Bytes()); err != nil {
		return Result{}, apperrors.Wrap(apperrors.KindFatal, op, err)
	}

	in.logger.Debug("photo ingested",
		"source", src.Name(),
		"source_width", w, "source_height", h,
		"width", tw, "height", th,
		"sample", sample,
		"size_bytes", buf.Len())

	return Result{Path: dst, MimeType: MimeJPEG, SizeBytes: int64(buf.Len()), Width: tw, Height: th}, nil
}

// sniff rejects sources whose content is not an image format we can decode.
func (in *Ingestor) sniff(src Source) error {
	rc, err := src.Open()
	if err != nil {
		return apperrors.Wrap(apperrors.KindInvalidImage, "photo.open", err)
	}
	defer rc.Close()

	mt, err := mimetype.DetectReader(rc)
	if err != nil {
		return apperrors.Wrap(apperrors.KindInvalidImage, "photo.sniff", err)
	}
	if !mimetype.EqualsAny(mt.String(), acceptedSources...) {
		return apperrors.Newf(apperrors.KindInvalidImage, "photo.sniff", "unsupported content type %s", mt.String())
	}
	return nil
}

func decodeBounds(src Source) (int, int, error) {
	rc, err := src.Open()
	if err != nil {
		return 0, 0, apperrors.Wrap(apperrors.KindInvalidImage, "photo.open", err)
	}
	defer rc.Close()

	cfg, _, err := image.DecodeConfig(rc)
	if err != nil {
		return 0, 0, apperrors.Wrap(apperrors.KindInvalidImage, "photo.decode_bounds", err)
	}
	return cfg.Width, cfg.Height, nil
}

func decode(src Source) (image.Image, error) {
	rc, err := src.Open()
	if err != nil {
		return nil, apperrors.Wrap(apperrors.KindInvalidImage, "photo.open", err)
	}
	defer rc.Close()

	img, _, err := image.Decode(rc)
	if err != nil {
		return nil, apperrors.Wrap(apperrors.KindInvalidImage, "photo.decode", err)
	}
	return img, nil
}

// SampleSize is the largest power of two that keeps the longer side at or above maxSide
// and the shorter side at least one pixel.
func SampleSize(w, h, maxSide int) int {
	long, short := max(w, h), min(w, h)
	sample := 1
	for long/(sample*2) >= maxSide && short/(sample*2) >= 1 {
		sample *= 2
	}
	return sample
}

// TargetSize scales (w, h) so the longer side equals maxSide when it is larger.
// Smaller images keep their size.
func TargetSize(w, h, maxSide int) (int, int) {
	if w <= maxSide && h <= maxSide {
		return w, h
	}
	if w >= h {
		return maxSide, max(1, (h*maxSide+w/2)/w)
	}
	return max(1, (w*maxSide+h/2)/h), maxSide
}

// resize draws src into a w x h RGBA canvas over white, which also flattens alpha for JPEG.
func resize(src image.Image, w, h int, scaler draw.Scaler) image.Image {
	b := src.Bounds()
	if b.Dx() == w && b.Dy() == h {
		if _, ok := src.(*image.RGBA); ok {
			return src
		}
	}
	dst := image.NewRGBA(image.Rect(0, 0, w, h))
	draw.Draw(dst, dst.Bounds(), image.NewUniform(color.White), image.Point{}, draw.Src)
	scaler.Scale(dst, dst.Bounds(), src, b, draw.Over, nil)
	return dst
}

func (in *Ingestor) writeAtomic(dst string, data []byte) error {
	if err := in.fs.MkdirAll(filepath.Dir(dst), 0o700); err != nil {
		return fmt.Errorf("create photo dir: %w", err)
	}
	tmp := dst + ".tmp-" + ulid.Make().String()
	if err := afero.WriteFile(in.fs, tmp, data, 0o600); err != nil {
		in.fs.Remove(tmp)
		return fmt.Errorf("write photo: %w", err)
	}
	if err := in.fs.Rename(tmp, dst); err != nil {
		in.fs.Remove(tmp)
		return fmt.Errorf("publish photo: %w", err)
	}
	return nil
}

// Source is a raw image reference that can be read more than once.
type Source interface {
	Open() (io.ReadCloser, error)
	Name() string
}

type fileSource struct {
	fs   afero.Fs
	path string
}

// FileSource reads the image at path on fs.
func FileSource(fs afero.Fs, path string) Source {
	return fileSource{fs: fs, path: path}
}

func (s fileSource) Open() (io.ReadCloser, error) { return s.fs.Open(s.path) }
func (s fileSource) Name() string                 { return s.path }

type bytesSource struct {
	name string
	data []byte
}

// BytesSource serves an in-memory image, e.g. a camera buffer.
func BytesSource(name string, data []byte) Source {
	return bytesSource{name: name, data: data}
}

func (s bytesSource) Open() (io.ReadCloser, error) {
	return io.NopCloser(bytes.NewReader(s.data)), nil
}
func (s bytesSource) Name() string { return s.name }
