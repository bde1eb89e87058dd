package normalize

import (
	"bytes"
	"fmt"
	"image"
	_ "image/jpeg" // register JPEG decoder
	_ "image/png"  // register PNG decoder
	"math"

	"github.com/disintegration/imaging"
	"github.com/dustin/go-humanize"
)

// Options are the two normalization tunables.
type Options struct {
	MaxBytes     int64 // per-file size gate, checked before any decode
	MaxDimension int   // longer edge, px; images within bounds are never upscaled
}

// Image is the canonical form handed to the extraction client: a flat
// 3-channel pixel buffer with its final dimensions. Immutable after creation.
type Image struct {
	Pixels *image.NRGBA
	Width  int
	Height int
}

// RejectionKind classifies why an upload was rejected before extraction.
type RejectionKind string

const (
	KindSizeExceeded RejectionKind = "size_exceeded"
	KindDecodeFailed RejectionKind = "decode_failed"
)

// Rejection is the error returned for uploads that fail validation.
type Rejection struct {
	Kind    RejectionKind
	Message string
}

func (r *Rejection) Error() string { return r.Message }

// Normalize validates and canonicalizes one uploaded image:
// size gate, decode, alpha/palette flattening, Lanczos downscale.
func Normalize(raw []byte, declaredSize int64, opts Options) (*Image, error) {
	if opts.MaxBytes > 0 && declaredSize > opts.MaxBytes {
		return nil, &Rejection{
			Kind: KindSizeExceeded,
			Message: fmt.Sprintf("file size %s exceeds the %s limit",
				humanize.IBytes(uint64(declaredSize)), humanize.IBytes(uint64(opts.MaxBytes))),
		}
	}

	src, _, err := image.Decode(bytes.NewReader(raw))
	if err != nil {
		return nil, &Rejection{
			Kind:    KindDecodeFailed,
			Message: fmt.Sprintf("cannot decode image: %v", err),
		}
	}

	img := imaging.Clone(src)
	if carriesAlpha(src) {
		// Discard the alpha channel rather than blending it; transparent
		// regions keep whatever color the decoder stored.
		flatten(img)
	}

	w, h := img.Bounds().Dx(), img.Bounds().Dy()
	if newW, newH, resize := fitWithin(w, h, opts.MaxDimension); resize {
		img = imaging.Resize(img, newW, newH, imaging.Lanczos)
		w, h = newW, newH
	}

	return &Image{Pixels: img, Width: w, Height: h}, nil
}

// EncodeJPEG renders the normalized pixels for transport and preview.
func (m *Image) EncodeJPEG() ([]byte, error) {
	var buf bytes.Buffer
	if err := imaging.Encode(&buf, m.Pixels, imaging.JPEG, imaging.JPEGQuality(85)); err != nil {
		return nil, fmt.Errorf("encode jpeg: %w", err)
	}
	return buf.Bytes(), nil
}

// fitWithin scales (w, h) proportionally so the longer edge equals exactly
// maxDim, with the shorter edge rounded. Images already within bounds are
// left alone.
func fitWithin(w, h, maxDim int) (int, int, bool) {
	if maxDim <= 0 {
		return w, h, false
	}
	longer := w
	if h > w {
		longer = h
	}
	if longer <= maxDim {
		return w, h, false
	}
	if w >= h {
		return maxDim, atLeastOne(roundScaled(h, maxDim, w)), true
	}
	return atLeastOne(roundScaled(w, maxDim, h)), maxDim, true
}

func roundScaled(shorter, maxDim, longer int) int {
	return int(math.Round(float64(shorter) * float64(maxDim) / float64(longer)))
}

func atLeastOne(n int) int {
	if n < 1 {
		return 1
	}
	return n
}

func carriesAlpha(src image.Image) bool {
	switch src.(type) {
	case *image.NRGBA, *image.NRGBA64, *image.RGBA, *image.RGBA64, *image.Paletted:
		return true
	default:
		return false
	}
}

func flatten(img *image.NRGBA) {
	for i := 3; i < len(img.Pix); i += 4 {
		img.Pix[i] = 0xFF
	}
}
