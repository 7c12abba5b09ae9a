package transcoder

import (
	"math"

	"github.com/lyzr/mediapipe/common/mediaerr"
)

// FitWithin scales (w, h) to fit inside (maxW, maxH) preserving aspect
// ratio. Sources already inside the box are returned unchanged; the result
// is never larger than the source. A non-positive bound leaves that axis
// unconstrained.
func FitWithin(w, h, maxW, maxH int) (int, int) {
	if w <= 0 || h <= 0 {
		return w, h
	}
	scale := fitScale(w, h, maxW, maxH)
	if scale >= 1 {
		return w, h
	}

	nw := int(math.Round(float64(w) * scale))
	nh := int(math.Round(float64(h) * scale))
	nw = clamp(nw, 1, boundOr(maxW, w))
	nh = clamp(nh, 1, boundOr(maxH, h))
	return nw, nh
}

// EvenFit is FitWithin for video encoders that require even dimensions.
// Each side is rounded down to an even number, so the result stays inside
// both the bounding box and the source size. A source or box that leaves
// less than 2px on either side cannot be encoded and is a processing
// failure. Unknown source dimensions pass through unchanged.
func EvenFit(w, h, maxW, maxH int) (int, int, error) {
	if w <= 0 || h <= 0 {
		return w, h, nil
	}
	scale := math.Min(fitScale(w, h, maxW, maxH), 1.0)

	nw := int(math.Floor(float64(w)*scale/2) * 2)
	nh := int(math.Floor(float64(h)*scale/2) * 2)
	if nw < 2 || nh < 2 {
		return 0, 0, mediaerr.ProcessingFailed(nil, "cannot fit %dx%d into %dx%d with even dimensions", w, h, maxW, maxH)
	}
	return nw, nh, nil
}

func fitScale(w, h, maxW, maxH int) float64 {
	scale := math.Inf(1)
	if maxW > 0 {
		scale = math.Min(scale, float64(maxW)/float64(w))
	}
	if maxH > 0 {
		scale = math.Min(scale, float64(maxH)/float64(h))
	}
	return scale
}

func boundOr(bound, fallback int) int {
	if bound > 0 {
		return bound
	}
	return fallback
}

func clamp(v, lo, hi int) int {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
