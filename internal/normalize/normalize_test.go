package normalize

import (
	"bytes"
	"errors"
	"image"
	"image/color"
	"image/png"
	"testing"
)

func pngBytes(t *testing.T, w, h int, c color.NRGBA) []byte {
	t.Helper()
	img := image.NewNRGBA(image.Rect(0, 0, w, h))
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			img.SetNRGBA(x, y, c)
		}
	}
	var buf bytes.Buffer
	if err := png.Encode(&buf, img); err != nil {
		t.Fatalf("encode png: %v", err)
	}
	return buf.Bytes()
}

func defaultOpts() Options {
	return Options{MaxBytes: 5 * 1024 * 1024, MaxDimension: 1024}
}

func TestNormalize_WithinBoundsIsUntouched(t *testing.T) {
	raw := pngBytes(t, 800, 600, color.NRGBA{R: 10, G: 20, B: 30, A: 255})
	img, err := Normalize(raw, int64(len(raw)), defaultOpts())
	if err != nil {
		t.Fatalf("Normalize: %v", err)
	}
	if img.Width != 800 || img.Height != 600 {
		t.Fatalf("dimensions = %dx%d, want 800x600", img.Width, img.Height)
	}

	// Idempotent: normalizing the normalized output keeps the dimensions.
	re, err := img.EncodeJPEG()
	if err != nil {
		t.Fatalf("EncodeJPEG: %v", err)
	}
	img2, err := Normalize(re, int64(len(re)), defaultOpts())
	if err != nil {
		t.Fatalf("Normalize again: %v", err)
	}
	if img2.Width != 800 || img2.Height != 600 {
		t.Fatalf("second pass dimensions = %dx%d", img2.Width, img2.Height)
	}
}

func TestNormalize_DownscalesLongerEdgeExactly(t *testing.T) {
	cases := []struct {
		w, h         int
		wantW, wantH int
	}{
		{3000, 2000, 1024, 683}, // round(2000*1024/3000) = 683
		{2000, 3000, 683, 1024},
		{1025, 1025, 1024, 1024},
		{4096, 64, 1024, 16},
	}
	for _, c := range cases {
		raw := pngBytes(t, c.w, c.h, color.NRGBA{R: 1, G: 2, B: 3, A: 255})
		img, err := Normalize(raw, int64(len(raw)), defaultOpts())
		if err != nil {
			t.Fatalf("Normalize %dx%d: %v", c.w, c.h, err)
		}
		if img.Width != c.wantW || img.Height != c.wantH {
			t.Fatalf("%dx%d -> %dx%d, want %dx%d", c.w, c.h, img.Width, img.Height, c.wantW, c.wantH)
		}
	}
}

func TestNormalize_AtLimitIsNotResized(t *testing.T) {
	raw := pngBytes(t, 1024, 700, color.NRGBA{A: 255})
	img, err := Normalize(raw, int64(len(raw)), defaultOpts())
	if err != nil {
		t.Fatalf("Normalize: %v", err)
	}
	if img.Width != 1024 || img.Height != 700 {
		t.Fatalf("dimensions = %dx%d, want unchanged", img.Width, img.Height)
	}
}

func TestNormalize_SizeGateSkipsDecode(t *testing.T) {
	// Garbage bytes would fail decoding, so getting SizeExceeded proves the
	// gate fires before any decode attempt.
	garbage := []byte("not an image at all")
	opts := Options{MaxBytes: 10, MaxDimension: 1024}
	_, err := Normalize(garbage, 100, opts)
	var rej *Rejection
	if !errors.As(err, &rej) {
		t.Fatalf("expected rejection, got %v", err)
	}
	if rej.Kind != KindSizeExceeded {
		t.Fatalf("kind = %s, want %s", rej.Kind, KindSizeExceeded)
	}
}

func TestNormalize_DecodeFailure(t *testing.T) {
	_, err := Normalize([]byte("still not an image"), 18, defaultOpts())
	var rej *Rejection
	if !errors.As(err, &rej) {
		t.Fatalf("expected rejection, got %v", err)
	}
	if rej.Kind != KindDecodeFailed {
		t.Fatalf("kind = %s, want %s", rej.Kind, KindDecodeFailed)
	}
	if rej.Message == "" {
		t.Fatalf("rejection should carry the decoder error text")
	}
}

func TestNormalize_FlattensAlpha(t *testing.T) {
	// Half-transparent red; the alpha must be discarded, not blended.
	raw := pngBytes(t, 16, 16, color.NRGBA{R: 200, A: 0})
	img, err := Normalize(raw, int64(len(raw)), defaultOpts())
	if err != nil {
		t.Fatalf("Normalize: %v", err)
	}
	for i := 3; i < len(img.Pixels.Pix); i += 4 {
		if img.Pixels.Pix[i] != 0xFF {
			t.Fatalf("pixel %d still carries alpha %d", i/4, img.Pixels.Pix[i])
		}
	}
}
