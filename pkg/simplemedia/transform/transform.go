// Package transform implements simplemedia.Transformer for raster images:
// decode, fit within the requested bounds, re-encode.
package transform

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"image"
	"image/gif"
	"image/jpeg"
	"image/png"
	"strings"

	"golang.org/x/image/draw"
	"golang.org/x/image/webp"

	"github.com/tendant/simple-media/pkg/simplemedia"
)

const defaultQuality = 80

// ErrTooManyPixels is returned when the decoded image exceeds MaxPixels.
var ErrTooManyPixels = errors.New("image exceeds pixel limit")

type decoder func([]byte) (image.Image, error)

var decoders = map[string]decoder{
	"image/jpeg": func(b []byte) (image.Image, error) { return jpeg.Decode(bytes.NewReader(b)) },
	"image/png":  func(b []byte) (image.Image, error) { return png.Decode(bytes.NewReader(b)) },
	"image/gif":  func(b []byte) (image.Image, error) { return gif.Decode(bytes.NewReader(b)) },
	"image/webp": func(b []byte) (image.Image, error) { return webp.Decode(bytes.NewReader(b)) },
}

// ImageTransformer resizes and re-encodes JPEG, PNG, GIF and WebP images.
// Output is PNG for PNG sources and JPEG otherwise unless the parameters ask
// for a specific format.
type ImageTransformer struct {
	maxPixels int
	scaler    draw.Scaler
}

// Option configures an ImageTransformer
type Option func(*ImageTransformer)

// WithMaxPixels bounds width*height of accepted source images
func WithMaxPixels(n int) Option {
	return func(t *ImageTransformer) { t.maxPixels = n }
}

// WithScaler replaces the resampling kernel (default draw.CatmullRom)
func WithScaler(s draw.Scaler) Option {
	return func(t *ImageTransformer) { t.scaler = s }
}

// New creates an ImageTransformer
func New(options ...Option) *ImageTransformer {
	t := &ImageTransformer{
		maxPixels: 50_000_000,
		scaler:    draw.CatmullRom,
	}
	for _, opt := range options {
		opt(t)
	}
	return t
}

// Supports reports whether mimeType can be decoded.
func (t *ImageTransformer) Supports(mimeType string) bool {
	_, ok := decoders[normalizeMime(mimeType)]
	return ok
}

type outcome struct {
	result *simplemedia.TransformResult
	err    error
}

// Transform runs the pipeline on its own goroutine and returns as soon as ctx
// is done. The abandoned goroutine finishes in the background and its result
// is discarded.
func (t *ImageTransformer) Transform(ctx context.Context, src []byte, mimeType string, params simplemedia.TransformParams) (*simplemedia.TransformResult, error) {
	if err := ctx.Err(); err != nil {
		return nil, &simplemedia.ProcessingError{Op: "transform", Err: err}
	}
	dec, ok := decoders[normalizeMime(mimeType)]
	if !ok {
		return nil, &simplemedia.ProcessingError{Op: "decode", Err: fmt.Errorf("%w: %s", simplemedia.ErrUnsupportedMedia, mimeType)}
	}

	done := make(chan outcome, 1)
	go func() {
		res, err := t.run(ctx, dec, src, mimeType, params)
		done <- outcome{result: res, err: err}
	}()

	select {
	case <-ctx.Done():
		return nil, &simplemedia.ProcessingError{Op: "transform", Err: ctx.Err()}
	case out := <-done:
		return out.result, out.err
	}
}

func (t *ImageTransformer) run(ctx context.Context, dec decoder, src []byte, mimeType string, params simplemedia.TransformParams) (*simplemedia.TransformResult, error) {
	cfg, _, err := image.DecodeConfig(bytes.NewReader(src))
	if err == nil && t.maxPixels > 0 && cfg.Width*cfg.Height > t.maxPixels {
		return nil, &simplemedia.ProcessingError{Op: "decode", Err: fmt.Errorf("%w: %dx%d", ErrTooManyPixels, cfg.Width, cfg.Height)}
	}

	img, err := dec(src)
	if err != nil {
		return nil, &simplemedia.ProcessingError{Op: "decode", Err: err}
	}
	if err := ctx.Err(); err != nil {
		return nil, &simplemedia.ProcessingError{Op: "decode", Err: err}
	}

	b := img.Bounds()
	w, h := FitWithin(b.Dx(), b.Dy(), params.MaxWidth, params.MaxHeight)
	if w != b.Dx() || h != b.Dy() {
		dst := image.NewRGBA(image.Rect(0, 0, w, h))
		t.scaler.Scale(dst, dst.Bounds(), img, b, draw.Over, nil)
		img = dst
	}
	if err := ctx.Err(); err != nil {
		return nil, &simplemedia.ProcessingError{Op: "resize", Err: err}
	}

	format := outputFormat(mimeType, params.Format)
	var buf bytes.Buffer
	switch format {
	case "png":
		enc := png.Encoder{CompressionLevel: png.BestCompression}
		err = enc.Encode(&buf, img)
	default:
		quality := params.Quality
		if quality <= 0 || quality > 100 {
			quality = defaultQuality
		}
		err = jpeg.Encode(&buf, flatten(img), &jpeg.Options{Quality: quality})
	}
	if err != nil {
		return nil, &simplemedia.ProcessingError{Op: "encode", Err: err}
	}

	return &simplemedia.TransformResult{
		Data:     buf.Bytes(),
		MimeType: "image/" + format,
		Width:    w,
		Height:   h,
	}, nil
}

// FitWithin scales (w, h) down to fit inside (maxW, maxH) preserving aspect
// ratio. Zero bounds are unconstrained; images are never enlarged.
func FitWithin(w, h, maxW, maxH int) (int, int) {
	if w <= 0 || h <= 0 {
		return w, h
	}
	scale := 1.0
	if maxW > 0 && w > maxW {
		scale = float64(maxW) / float64(w)
	}
	if maxH > 0 && h > maxH {
		if s := float64(maxH) / float64(h); s < scale {
			scale = s
		}
	}
	if scale >= 1.0 {
		return w, h
	}
	nw := int(float64(w)*scale + 0.5)
	nh := int(float64(h)*scale + 0.5)
	return max(nw, 1), max(nh, 1)
}

func outputFormat(mimeType, requested string) string {
	switch strings.ToLower(requested) {
	case "png":
		return "png"
	case "jpeg", "jpg":
		return "jpeg"
	}
	if normalizeMime(mimeType) == "image/png" {
		return "png"
	}
	return "jpeg"
}

// flatten composites transparent pixels onto white since JPEG has no alpha.
func flatten(img image.Image) image.Image {
	if _, ok := img.(*image.YCbCr); ok {
		return img
	}
	b := img.Bounds()
	dst := image.NewRGBA(b)
	draw.Draw(dst, b, image.White, image.Point{}, draw.Src)
	draw.Draw(dst, b, img, b.Min, draw.Over)
	return dst
}

func normalizeMime(mimeType string) string {
	m := strings.ToLower(strings.TrimSpace(mimeType))
	if i := strings.IndexByte(m, ';'); i >= 0 {
		m = strings.TrimSpace(m[:i])
	}
	if m == "image/jpg" {
		return "image/jpeg"
	}
	return m
}
