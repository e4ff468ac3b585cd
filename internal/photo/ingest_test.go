package photo

import (
	"bytes"
	"context"
	"image"
	"image/color"
	"image/jpeg"
	"image/png"
	"math/rand"
	"testing"

	"github.com/spf13/afero"

	apperrors "github.com/RegistryAccord/registryaccord-fieldsync-go/internal/errors"
)

func pngBytes(t *testing.T, w, h int) []byte {
	t.Helper()
	img := image.NewRGBA(image.Rect(0, 0, w, h))
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			img.Set(x, y, color.RGBA{uint8(x), uint8(y), uint8(x + y), 255})
		}
	}
	var buf bytes.Buffer
	if err := png.Encode(&buf, img); err != nil {
		t.Fatalf("png.Encode() error = %v", err)
	}
	return buf.Bytes()
}

func noisePNG(t *testing.T, w, h int) []byte {
	t.Helper()
	r := rand.New(rand.NewSource(1))
	img := image.NewRGBA(image.Rect(0, 0, w, h))
	for i := range img.Pix {
		img.Pix[i] = uint8(r.Intn(256))
	}
	var buf bytes.Buffer
	if err := png.Encode(&buf, img); err != nil {
		t.Fatalf("png.Encode() error = %v", err)
	}
	return buf.Bytes()
}

func decodeSize(t *testing.T, fs afero.Fs, path string) (int, int) {
	t.Helper()
	f, err := fs.Open(path)
	if err != nil {
		t.Fatalf("open output: %v", err)
	}
	defer f.Close()
	cfg, err := jpeg.DecodeConfig(f)
	if err != nil {
		t.Fatalf("output is not a JPEG: %v", err)
	}
	return cfg.Width, cfg.Height
}

func TestIngestScalesLongerSideToCeiling(t *testing.T) {
	tests := []struct {
		name         string
		w, h         int
		wantW, wantH int
	}{
		{"landscape twice the ceiling", 3200, 1200, 1600, 600},
		{"landscape odd ratio", 2500, 1000, 1600, 640},
		{"portrait", 1000, 2400, 667, 1600},
		{"already small", 800, 600, 800, 600},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			fs := afero.NewMemMapFs()
			in := NewIngestor(fs, DefaultOptions(), nil)

			res, err := in.Ingest(context.Background(), BytesSource("cam", pngBytes(t, tt.w, tt.h)), "/q/r1/photo_0.jpg")
			if err != nil {
				t.Fatalf("Ingest() error = %v", err)
			}
			if res.MimeType != MimeJPEG {
				t.Errorf("MimeType = %v, want %v", res.MimeType, MimeJPEG)
			}
			if res.SizeBytes <= 0 || res.SizeBytes > DefaultOptions().MaxBytes {
				t.Errorf("SizeBytes = %d", res.SizeBytes)
			}

			w, h := decodeSize(t, fs, res.Path)
			if w != tt.wantW || h != tt.wantH {
				t.Errorf("output = %dx%d, want %dx%d", w, h, tt.wantW, tt.wantH)
			}
		})
	}
}

func TestIngestRejectsNonImage(t *testing.T) {
	fs := afero.NewMemMapFs()
	in := NewIngestor(fs, DefaultOptions(), nil)

	_, err := in.Ingest(context.Background(), BytesSource("notes.txt", []byte("definitely not pixels")), "/q/r1/photo_0.jpg")
	if !apperrors.Is(err, apperrors.KindInvalidImage) {
		t.Fatalf("Ingest() error = %v, want INVALID_IMAGE", err)
	}
	if ok, _ := afero.Exists(fs, "/q/r1/photo_0.jpg"); ok {
		t.Errorf("output file exists after failed ingest")
	}
}

func TestIngestRejectsTruncatedImage(t *testing.T) {
	data := pngBytes(t, 64, 64)
	fs := afero.NewMemMapFs()
	in := NewIngestor(fs, DefaultOptions(), nil)

	_, err := in.Ingest(context.Background(), BytesSource("cut.png", data[:len(data)/2]), "/q/r1/photo_0.jpg")
	if !apperrors.Is(err, apperrors.KindInvalidImage) {
		t.Fatalf("Ingest() error = %v, want INVALID_IMAGE", err)
	}
}

func TestIngestRejectsOversizedSourceBeforeDecode(t *testing.T) {
	fs := afero.NewMemMapFs()
	opts := DefaultOptions()
	opts.MaxSourcePixels = 100 * 100
	in := NewIngestor(fs, opts, nil)

	_, err := in.Ingest(context.Background(), BytesSource("huge.png", pngBytes(t, 200, 200)), "/q/r1/photo_0.jpg")
	if !apperrors.Is(err, apperrors.KindInvalidImage) {
		t.Fatalf("Ingest() error = %v, want INVALID_IMAGE", err)
	}
}

func TestIngestPhotoTooLarge(t *testing.T) {
	fs := afero.NewMemMapFs()
	opts := DefaultOptions()
	opts.MaxBytes = 2_000
	opts.Quality = 100
	in := NewIngestor(fs, opts, nil)

	_, err := in.Ingest(context.Background(), BytesSource("noise.png", noisePNG(t, 300, 300)), "/q/r1/photo_0.jpg")
	if !apperrors.Is(err, apperrors.KindPhotoTooLarge) {
		t.Fatalf("Ingest() error = %v, want PHOTO_TOO_LARGE", err)
	}
	if ok, _ := afero.Exists(fs, "/q/r1/photo_0.jpg"); ok {
		t.Errorf("output file exists after PHOTO_TOO_LARGE")
	}
}

func TestIngestFromFileSource(t *testing.T) {
	fs := afero.NewMemMapFs()
	if err := afero.WriteFile(fs, "/camera/IMG_0001.png", pngBytes(t, 40, 30), 0o600); err != nil {
		t.Fatalf("WriteFile() error = %v", err)
	}
	in := NewIngestor(fs, DefaultOptions(), nil)

	res, err := in.Ingest(context.Background(), FileSource(fs, "/camera/IMG_0001.png"), "/q/r2/photo_0.jpg")
	if err != nil {
		t.Fatalf("Ingest() error = %v", err)
	}
	if res.Width != 40 || res.Height != 30 {
		t.Errorf("Result = %dx%d, want 40x30", res.Width, res.Height)
	}
}

func TestSampleSize(t *testing.T) {
	tests := []struct {
		w, h, max, want int
	}{
		{800, 600, 1600, 1},
		{1600, 1200, 1600, 1},
		{3199, 100, 1600, 1},
		{3200, 100, 1600, 2},
		{6400, 4800, 1600, 4},
		{100, 13000, 1600, 8},
		{3200, 1, 1600, 1},
		{6400, 3, 1600, 2},
		{1, 4000, 1600, 1},
	}
	for _, tt := range tests {
		if got := SampleSize(tt.w, tt.h, tt.max); got != tt.want {
			t.Errorf("SampleSize(%d, %d, %d) = %d, want %d", tt.w, tt.h, tt.max, got, tt.want)
		}
	}
}

func TestIngestExtremeAspectRatios(t *testing.T) {
	tests := []struct {
		name         string
		w, h         int
		wantW, wantH int
	}{
		{"one pixel tall strip", 3200, 1, 1600, 1},
		{"three pixel tall strip", 6400, 3, 1600, 1},
		{"one pixel wide column", 1, 4000, 1, 1600},
		{"short column", 2, 3300, 1, 1600},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			fs := afero.NewMemMapFs()
			in := NewIngestor(fs, DefaultOptions(), nil)

			res, err := in.Ingest(context.Background(), BytesSource("strip", pngBytes(t, tt.w, tt.h)), "/q/r1/photo_0.jpg")
			if err != nil {
				t.Fatalf("Ingest() error = %v", err)
			}
			if res.Width != tt.wantW || res.Height != tt.wantH {
				t.Errorf("result = %dx%d, want %dx%d", res.Width, res.Height, tt.wantW, tt.wantH)
			}
			w, h := decodeSize(t, fs, res.Path)
			if w != tt.wantW || h != tt.wantH {
				t.Fatalf("output = %dx%d, want %dx%d", w, h, tt.wantW, tt.wantH)
			}

			// The source pixels must survive, not a blank canvas
			f, err := fs.Open(res.Path)
			if err != nil {
				t.Fatalf("open output: %v", err)
			}
			defer f.Close()
			img, err := jpeg.Decode(f)
			if err != nil {
				t.Fatalf("jpeg.Decode() error = %v", err)
			}
			blank := true
			b := img.Bounds()
			for y := b.Min.Y; y < b.Max.Y && blank; y++ {
				for x := b.Min.X; x < b.Max.X; x++ {
					r, g, bl, _ := img.At(x, y).RGBA()
					if r>>8 < 240 || g>>8 < 240 || bl>>8 < 240 {
						blank = false
						break
					}
				}
			}
			if blank {
				t.Errorf("output of %dx%d source is blank", tt.w, tt.h)
			}
		})
	}
}
