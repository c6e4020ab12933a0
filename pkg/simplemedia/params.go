package simplemedia

import "strings"

// Built-in optimization variants.
const (
	VariantThumbnail128 = "thumbnail_128"
	VariantThumbnail256 = "thumbnail_256"
	VariantThumbnail480 = "thumbnail_480"
	VariantThumbnail720 = "thumbnail_720"
	VariantCompressed   = "compressed"
)

var variantPresets = map[string]TransformParams{
	VariantThumbnail128: {Variant: VariantThumbnail128, MaxWidth: 128, MaxHeight: 128, Quality: 80},
	VariantThumbnail256: {Variant: VariantThumbnail256, MaxWidth: 256, MaxHeight: 256, Quality: 80},
	VariantThumbnail480: {Variant: VariantThumbnail480, MaxWidth: 480, MaxHeight: 480, Quality: 82},
	VariantThumbnail720: {Variant: VariantThumbnail720, MaxWidth: 720, MaxHeight: 720, Quality: 85},
	VariantCompressed:   {Variant: VariantCompressed, MaxWidth: 2048, MaxHeight: 2048, Quality: 75},
}

// DefaultTransformParams are applied when neither the request nor the service
// configuration say otherwise.
func DefaultTransformParams() TransformParams {
	return variantPresets[VariantCompressed]
}

// NormalizeVariant lowercases a variant name.
func NormalizeVariant(s string) string {
	return strings.ToLower(strings.TrimSpace(s))
}

// ResolveTransformParams merges request parameters over the named variant
// preset and then over defaults. Non-zero request fields win.
func ResolveTransformParams(req *TransformParams, defaults TransformParams) (TransformParams, error) {
	out := defaults
	if req == nil {
		return out, nil
	}
	if v := NormalizeVariant(req.Variant); v != "" {
		preset, ok := variantPresets[v]
		if !ok {
			return out, newValidationError("variant", "unknown variant "+req.Variant)
		}
		out = merge(out, preset)
	}
	out = merge(out, *req)
	out.Variant = NormalizeVariant(out.Variant)
	return out, validateTransformParams(out)
}

func merge(base, over TransformParams) TransformParams {
	if over.Variant != "" {
		base.Variant = over.Variant
	}
	if over.MaxWidth != 0 {
		base.MaxWidth = over.MaxWidth
	}
	if over.MaxHeight != 0 {
		base.MaxHeight = over.MaxHeight
	}
	if over.Quality != 0 {
		base.Quality = over.Quality
	}
	if over.Format != "" {
		base.Format = strings.ToLower(over.Format)
	}
	return base
}

func validateTransformParams(p TransformParams) error {
	verr := &ValidationError{}
	if p.MaxWidth < 0 {
		verr.Add("max_width", "must not be negative")
	}
	if p.MaxHeight < 0 {
		verr.Add("max_height", "must not be negative")
	}
	if p.Quality < 0 || p.Quality > 100 {
		verr.Add("quality", "must be between 1 and 100")
	}
	switch p.Format {
	case "", "jpeg", "jpg", "png":
	default:
		verr.Add("format", "must be jpeg or png")
	}
	return verr.OrNil()
}
