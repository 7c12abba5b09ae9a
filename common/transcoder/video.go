package transcoder

import (
	"context"
	"fmt"
	"strconv"

	"github.com/lyzr/mediapipe/common/mediaerr"
	"github.com/lyzr/mediapipe/common/process"
)

// Video defaults
const (
	DefaultVideoMaxWidth   = 1920
	DefaultVideoMaxHeight  = 1080
	DefaultVideoCodec      = "libx264"
	DefaultVideoPreset     = "medium"
	DefaultVideoCRF        = 23
	DefaultVideoThumbnails = 1
)

// VideoTranscoder re-encodes video to H.264/AAC MP4 with ffmpeg
type VideoTranscoder struct {
	runner   process.Runner
	prober   *Prober
	ffmpeg   string
	defaults Options
}

// NewVideoTranscoder creates a video transcoder. Zero fields in defaults
// fall back to the package defaults.
func NewVideoTranscoder(runner process.Runner, prober *Prober, ffmpeg string, defaults Options) *VideoTranscoder {
	if ffmpeg == "" {
		ffmpeg = "ffmpeg"
	}
	if defaults.MaxWidth == 0 {
		defaults.MaxWidth = DefaultVideoMaxWidth
	}
	if defaults.MaxHeight == 0 {
		defaults.MaxHeight = DefaultVideoMaxHeight
	}
	if defaults.Codec == "" {
		defaults.Codec = DefaultVideoCodec
	}
	if defaults.Preset == "" {
		defaults.Preset = DefaultVideoPreset
	}
	if defaults.CRF == 0 {
		defaults.CRF = DefaultVideoCRF
	}
	if defaults.Thumbnails == 0 {
		defaults.Thumbnails = DefaultVideoThumbnails
	}
	if defaults.ThumbnailWidth == 0 {
		defaults.ThumbnailWidth = DefaultThumbnailWidth
	}
	if defaults.ThumbnailHeight == 0 {
		defaults.ThumbnailHeight = DefaultThumbnailHeight
	}
	if defaults.AudioBitrate == "" {
		defaults.AudioBitrate = "128k"
	}
	return &VideoTranscoder{
		runner:   runner,
		prober:   prober,
		ffmpeg:   ffmpeg,
		defaults: defaults,
	}
}

// Transcode probes the source, scales it to fit the bounding box with even
// dimensions and re-encodes. Thumbnails are sampled at evenly spaced points
// t_i = i*duration/(N+1) so neither the first nor the last frame is used.
func (t *VideoTranscoder) Transcode(ctx context.Context, inputPath, outputPath string, opts Options) (*Result, error) {
	opts = t.withDefaults(opts)

	probe := opts.probe
	if probe == nil {
		var err error
		if probe, err = t.prober.Probe(ctx, inputPath); err != nil {
			return nil, err
		}
	}
	if !probe.HasVideo {
		return nil, mediaerr.ProcessingFailed(nil, "no video stream found")
	}

	srcW, srcH := probe.DisplaySize()
	w, h, err := EvenFit(srcW, srcH, opts.MaxWidth, opts.MaxHeight)
	if err != nil {
		return nil, err
	}

	duration := probe.DurationSeconds
	args := []string{"-y", "-hide_banner", "-loglevel", "error"}
	switch opts.Operation {
	case "", OpTranscode, OpResize:
	case OpTrim:
		if opts.TrimStart < 0 || opts.TrimDuration <= 0 {
			return nil, mediaerr.Input("trim requires start >= 0 and a positive duration")
		}
		if duration > 0 && opts.TrimStart >= duration {
			return nil, mediaerr.Input("trim start %.2fs beyond duration %.2fs", opts.TrimStart, duration)
		}
		args = append(args, "-ss", formatSeconds(opts.TrimStart), "-t", formatSeconds(opts.TrimDuration))
		if duration > 0 {
			duration = min(opts.TrimDuration, duration-opts.TrimStart)
		} else {
			duration = opts.TrimDuration
		}
	default:
		return nil, mediaerr.Input("operation %q not supported for video", opts.Operation)
	}

	args = append(args,
		"-i", inputPath,
		"-vf", fmt.Sprintf("scale=%d:%d", w, h),
		"-c:v", opts.Codec,
		"-preset", opts.Preset,
		"-crf", strconv.Itoa(opts.CRF),
		"-pix_fmt", "yuv420p",
	)
	if probe.HasAudio {
		args = append(args, "-c:a", "aac", "-b:a", opts.AudioBitrate)
	} else {
		args = append(args, "-an")
	}
	if opts.StripMetadata {
		args = append(args, "-map_metadata", "-1")
	}
	args = append(args, "-movflags", "+faststart", outputPath)

	if err := ensureDir(outputPath); err != nil {
		return nil, err
	}
	if _, _, err := t.runner.Run(ctx, t.ffmpeg, args); err != nil {
		if ctx.Err() != nil {
			return nil, err
		}
		return nil, mediaerr.ProcessingFailed(err, "video encode failed")
	}
	size, err := verifyOutput(outputPath)
	if err != nil {
		return nil, err
	}

	result := &Result{
		Success:         true,
		Width:           w,
		Height:          h,
		DurationSeconds: duration,
		Size:            size,
	}

	if opts.ThumbnailPath != "" && opts.Thumbnails > 0 {
		thumbs, err := t.extractThumbnails(ctx, outputPath, duration, opts)
		if err != nil {
			return nil, err
		}
		result.ThumbnailPaths = thumbs
	}

	return result, nil
}

// extractThumbnails grabs frames from the encoded output, which is already
// rotated, scaled and trimmed.
func (t *VideoTranscoder) extractThumbnails(ctx context.Context, source string, duration float64, opts Options) ([]string, error) {
	n := opts.Thumbnails
	if duration <= 0 {
		n = 1
	}
	paths := ThumbnailSeries(opts.ThumbnailPath, n)
	filter := fmt.Sprintf(
		"scale=%d:%d:force_original_aspect_ratio=increase,crop=%d:%d",
		opts.ThumbnailWidth, opts.ThumbnailHeight, opts.ThumbnailWidth, opts.ThumbnailHeight,
	)

	if err := ensureDir(opts.ThumbnailPath); err != nil {
		return nil, err
	}
	for i, path := range paths {
		at := ThumbnailTimestamp(i+1, n, duration)
		args := []string{
			"-y", "-hide_banner", "-loglevel", "error",
			"-ss", formatSeconds(at),
			"-i", source,
			"-frames:v", "1",
			"-vf", filter,
			"-q:v", "3",
			path,
		}
		if _, _, err := t.runner.Run(ctx, t.ffmpeg, args); err != nil {
			if ctx.Err() != nil {
				return nil, err
			}
			return nil, mediaerr.ProcessingFailed(err, "thumbnail %d extraction failed", i+1)
		}
		if _, err := verifyOutput(path); err != nil {
			return nil, err
		}
	}
	return paths, nil
}

// ThumbnailTimestamp returns the i-th (1-based) of n evenly spaced sample
// points strictly inside (0, duration).
func ThumbnailTimestamp(i, n int, duration float64) float64 {
	if duration <= 0 || n < 1 {
		return 0
	}
	return float64(i) * duration / float64(n+1)
}

func (t *VideoTranscoder) withDefaults(opts Options) Options {
	d := t.defaults
	if opts.MaxWidth == 0 {
		opts.MaxWidth = d.MaxWidth
	}
	if opts.MaxHeight == 0 {
		opts.MaxHeight = d.MaxHeight
	}
	if opts.Codec == "" {
		opts.Codec = d.Codec
	}
	if opts.Preset == "" {
		opts.Preset = d.Preset
	}
	if opts.CRF == 0 {
		opts.CRF = d.CRF
	}
	if opts.Thumbnails == 0 {
		opts.Thumbnails = d.Thumbnails
	}
	if opts.ThumbnailWidth == 0 {
		opts.ThumbnailWidth = d.ThumbnailWidth
	}
	if opts.ThumbnailHeight == 0 {
		opts.ThumbnailHeight = d.ThumbnailHeight
	}
	if opts.AudioBitrate == "" {
		opts.AudioBitrate = d.AudioBitrate
	}
	if !opts.StripMetadata {
		opts.StripMetadata = d.StripMetadata
	}
	opts.CRF = clamp(opts.CRF, 0, 51)
	return opts
}

func formatSeconds(s float64) string {
	return strconv.FormatFloat(s, 'f', 3, 64)
}
