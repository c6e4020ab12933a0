package transform_test

import (
	"bytes"
	"context"
	"errors"
	"image"
	"image/color"
	"image/jpeg"
	"image/png"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tendant/simple-media/pkg/simplemedia"
	"github.com/tendant/simple-media/pkg/simplemedia/transform"
)

func makePNG(t *testing.T, w, h int) []byte {
	t.Helper()
	img := image.NewNRGBA(image.Rect(0, 0, w, h))
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			img.Set(x, y, color.NRGBA{R: uint8(x), G: uint8(y), B: 128, A: 255})
		}
	}
	var buf bytes.Buffer
	require.NoError(t, png.Encode(&buf, img))
	return buf.Bytes()
}

func TestFitWithin(t *testing.T) {
	tests := []struct {
		name         string
		w, h         int
		maxW, maxH   int
		wantW, wantH int
	}{
		{"unconstrained", 800, 600, 0, 0, 800, 600},
		{"smaller than bounds", 100, 50, 128, 128, 100, 50},
		{"landscape", 800, 600, 128, 128, 128, 96},
		{"portrait", 600, 800, 128, 128, 96, 128},
		{"width only", 1000, 500, 250, 0, 250, 125},
		{"never below one pixel", 10000, 1, 100, 100, 100, 1},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w, h := transform.FitWithin(tt.w, tt.h, tt.maxW, tt.maxH)
			assert.Equal(t, tt.wantW, w)
			assert.Equal(t, tt.wantH, h)
		})
	}
}

func TestSupports(t *testing.T) {
	tr := transform.New()
	assert.True(t, tr.Supports("image/png"))
	assert.True(t, tr.Supports("image/JPEG"))
	assert.True(t, tr.Supports("image/jpg"))
	assert.True(t, tr.Supports("image/webp"))
	assert.True(t, tr.Supports("image/gif"))
	assert.False(t, tr.Supports("application/pdf"))
	assert.False(t, tr.Supports("text/plain; charset=utf-8"))
}

func TestTransform_ResizesPNG(t *testing.T) {
	tr := transform.New()
	src := makePNG(t, 400, 200)

	res, err := tr.Transform(context.Background(), src, "image/png", simplemedia.TransformParams{MaxWidth: 128, MaxHeight: 128})
	require.NoError(t, err)
	assert.Equal(t, "image/png", res.MimeType)
	assert.Equal(t, 128, res.Width)
	assert.Equal(t, 64, res.Height)

	decoded, err := png.Decode(bytes.NewReader(res.Data))
	require.NoError(t, err)
	assert.Equal(t, 128, decoded.Bounds().Dx())
}

func TestTransform_ConvertsToJPEG(t *testing.T) {
	tr := transform.New()
	src := makePNG(t, 64, 64)

	res, err := tr.Transform(context.Background(), src, "image/png", simplemedia.TransformParams{Format: "jpeg", Quality: 60})
	require.NoError(t, err)
	assert.Equal(t, "image/jpeg", res.MimeType)

	cfg, err := jpeg.DecodeConfig(bytes.NewReader(res.Data))
	require.NoError(t, err)
	assert.Equal(t, 64, cfg.Width)
}

func TestTransform_Errors(t *testing.T) {
	tr := transform.New()

	t.Run("corrupt input", func(t *testing.T) {
		_, err := tr.Transform(context.Background(), []byte("not an image"), "image/png", simplemedia.TransformParams{})
		var perr *simplemedia.ProcessingError
		require.ErrorAs(t, err, &perr)
		assert.Equal(t, "decode", perr.Op)
	})

	t.Run("unsupported type", func(t *testing.T) {
		_, err := tr.Transform(context.Background(), []byte("%PDF"), "application/pdf", simplemedia.TransformParams{})
		assert.ErrorIs(t, err, simplemedia.ErrUnsupportedMedia)
	})

	t.Run("cancelled context", func(t *testing.T) {
		ctx, cancel := context.WithCancel(context.Background())
		cancel()
		_, err := tr.Transform(ctx, makePNG(t, 8, 8), "image/png", simplemedia.TransformParams{})
		assert.True(t, errors.Is(err, context.Canceled))
	})

	t.Run("pixel limit", func(t *testing.T) {
		small := transform.New(transform.WithMaxPixels(100))
		_, err := small.Transform(context.Background(), makePNG(t, 20, 20), "image/png", simplemedia.TransformParams{})
		assert.ErrorIs(t, err, transform.ErrTooManyPixels)
	})
}
