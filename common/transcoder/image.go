package transcoder

import (
	"context"
	"image"

	"github.com/disintegration/imaging"
	_ "golang.org/x/image/bmp"
	_ "golang.org/x/image/tiff"
	_ "golang.org/x/image/webp"

	"github.com/lyzr/mediapipe/common/mediaerr"
)

// Image defaults
const (
	DefaultImageMaxWidth    = 2048
	DefaultImageMaxHeight   = 2048
	DefaultImageQuality     = 85
	DefaultThumbnailWidth   = 320
	DefaultThumbnailHeight  = 320
	DefaultThumbnailQuality = 80
)

// ImageTranscoder decodes, scales and re-encodes still images as JPEG
type ImageTranscoder struct {
	defaults Options
}

// NewImageTranscoder creates an image transcoder. Zero fields in defaults
// fall back to the package defaults.
func NewImageTranscoder(defaults Options) *ImageTranscoder {
	if defaults.MaxWidth == 0 {
		defaults.MaxWidth = DefaultImageMaxWidth
	}
	if defaults.MaxHeight == 0 {
		defaults.MaxHeight = DefaultImageMaxHeight
	}
	if defaults.Quality == 0 {
		defaults.Quality = DefaultImageQuality
	}
	if defaults.ThumbnailWidth == 0 {
		defaults.ThumbnailWidth = DefaultThumbnailWidth
	}
	if defaults.ThumbnailHeight == 0 {
		defaults.ThumbnailHeight = DefaultThumbnailHeight
	}
	if defaults.ThumbnailQuality == 0 {
		defaults.ThumbnailQuality = DefaultThumbnailQuality
	}
	return &ImageTranscoder{defaults: defaults}
}

// Transcode decodes inputPath (applying EXIF orientation), applies the
// requested edit, scales down to fit the bounding box and writes a JPEG to
// outputPath. A thumbnail is written when opts.ThumbnailPath is set.
func (t *ImageTranscoder) Transcode(ctx context.Context, inputPath, outputPath string, opts Options) (*Result, error) {
	opts = t.withDefaults(opts)

	if err := ctx.Err(); err != nil {
		return nil, err
	}

	img, err := imaging.Open(inputPath, imaging.AutoOrientation(true))
	if err != nil {
		return nil, mediaerr.ProcessingFailed(err, "failed to decode image")
	}

	img, err = applyImageEdit(img, opts)
	if err != nil {
		return nil, err
	}

	bounds := img.Bounds()
	w, h := FitWithin(bounds.Dx(), bounds.Dy(), opts.MaxWidth, opts.MaxHeight)
	if w != bounds.Dx() || h != bounds.Dy() {
		img = imaging.Resize(img, w, h, imaging.Lanczos)
	}

	if err := ctx.Err(); err != nil {
		return nil, err
	}

	if err := ensureDir(outputPath); err != nil {
		return nil, err
	}
	if err := imaging.Save(img, outputPath, imaging.JPEGQuality(opts.Quality)); err != nil {
		return nil, mediaerr.ProcessingFailed(err, "failed to encode image")
	}
	size, err := verifyOutput(outputPath)
	if err != nil {
		return nil, err
	}

	result := &Result{
		Success: true,
		Width:   w,
		Height:  h,
		Size:    size,
	}

	if opts.ThumbnailPath != "" {
		thumb := imaging.Fill(img, opts.ThumbnailWidth, opts.ThumbnailHeight, imaging.Center, imaging.Lanczos)
		if err := ensureDir(opts.ThumbnailPath); err != nil {
			return nil, err
		}
		if err := imaging.Save(thumb, opts.ThumbnailPath, imaging.JPEGQuality(opts.ThumbnailQuality)); err != nil {
			return nil, mediaerr.ProcessingFailed(err, "failed to encode thumbnail")
		}
		if _, err := verifyOutput(opts.ThumbnailPath); err != nil {
			return nil, err
		}
		result.ThumbnailPaths = []string{opts.ThumbnailPath}
	}

	return result, nil
}

func (t *ImageTranscoder) withDefaults(opts Options) Options {
	d := t.defaults
	if opts.MaxWidth == 0 {
		opts.MaxWidth = d.MaxWidth
	}
	if opts.MaxHeight == 0 {
		opts.MaxHeight = d.MaxHeight
	}
	if opts.Quality == 0 {
		opts.Quality = d.Quality
	}
	if opts.ThumbnailWidth == 0 {
		opts.ThumbnailWidth = d.ThumbnailWidth
	}
	if opts.ThumbnailHeight == 0 {
		opts.ThumbnailHeight = d.ThumbnailHeight
	}
	if opts.ThumbnailQuality == 0 {
		opts.ThumbnailQuality = d.ThumbnailQuality
	}
	opts.Quality = clamp(opts.Quality, 1, 100)
	opts.ThumbnailQuality = clamp(opts.ThumbnailQuality, 1, 100)
	return opts
}

func applyImageEdit(img image.Image, opts Options) (image.Image, error) {
	switch opts.Operation {
	case "", OpTranscode, OpResize:
		return img, nil
	case OpRotate:
		switch ((opts.Rotate % 360) + 360) % 360 {
		case 0:
			return img, nil
		case 90:
			// imaging rotates counter-clockwise; the API is clockwise.
			return imaging.Rotate270(img), nil
		case 180:
			return imaging.Rotate180(img), nil
		case 270:
			return imaging.Rotate90(img), nil
		default:
			return nil, mediaerr.Input("rotation must be a multiple of 90, got %d", opts.Rotate)
		}
	case OpCrop:
		if opts.Crop == nil || opts.Crop.Width <= 0 || opts.Crop.Height <= 0 {
			return nil, mediaerr.Input("crop requires a positive width and height")
		}
		rect := image.Rect(opts.Crop.X, opts.Crop.Y, opts.Crop.X+opts.Crop.Width, opts.Crop.Y+opts.Crop.Height)
		b := img.Bounds()
		if !rect.Add(b.Min).In(b) {
			return nil, mediaerr.Input("crop rectangle %v outside image bounds %dx%d", rect, b.Dx(), b.Dy())
		}
		return imaging.Crop(img, rect.Add(b.Min)), nil
	case OpGrayscale:
		return imaging.Grayscale(img), nil
	default:
		return nil, mediaerr.Input("operation %q not supported for images", opts.Operation)
	}
}
