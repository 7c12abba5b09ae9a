package transcoder

import (
	"context"

	"github.com/lyzr/mediapipe/common/mediaerr"
	"github.com/lyzr/mediapipe/common/process"
)

// Audio defaults
const (
	DefaultAudioCodec   = "aac"
	DefaultAudioBitrate = "192k"
)

// loudnormFilter targets EBU R128 streaming loudness
const loudnormFilter = "loudnorm=I=-16:TP=-1.5:LRA=11"

// AudioTranscoder re-encodes audio with ffmpeg
type AudioTranscoder struct {
	runner   process.Runner
	prober   *Prober
	ffmpeg   string
	defaults Options
}

// NewAudioTranscoder creates an audio transcoder
func NewAudioTranscoder(runner process.Runner, prober *Prober, ffmpeg string, defaults Options) *AudioTranscoder {
	if ffmpeg == "" {
		ffmpeg = "ffmpeg"
	}
	if defaults.AudioCodec == "" {
		defaults.AudioCodec = DefaultAudioCodec
	}
	if defaults.AudioBitrate == "" {
		defaults.AudioBitrate = DefaultAudioBitrate
	}
	return &AudioTranscoder{
		runner:   runner,
		prober:   prober,
		ffmpeg:   ffmpeg,
		defaults: defaults,
	}
}

// Transcode re-encodes the first audio stream of inputPath at the target
// codec and bitrate, optionally loudness-normalized. Cover art and other
// video streams are dropped.
func (t *AudioTranscoder) Transcode(ctx context.Context, inputPath, outputPath string, opts Options) (*Result, error) {
	if opts.AudioCodec == "" {
		opts.AudioCodec = t.defaults.AudioCodec
	}
	if opts.AudioBitrate == "" {
		opts.AudioBitrate = t.defaults.AudioBitrate
	}
	if !opts.Normalize {
		opts.Normalize = t.defaults.Normalize
	}
	if !opts.StripMetadata {
		opts.StripMetadata = t.defaults.StripMetadata
	}

	probe := opts.probe
	if probe == nil {
		var err error
		if probe, err = t.prober.Probe(ctx, inputPath); err != nil {
			return nil, err
		}
	}
	if !probe.HasAudio {
		return nil, mediaerr.ProcessingFailed(nil, "no audio stream found")
	}

	duration := probe.DurationSeconds
	args := []string{"-y", "-hide_banner", "-loglevel", "error"}
	switch opts.Operation {
	case "", OpTranscode:
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
		return nil, mediaerr.Input("operation %q not supported for audio", opts.Operation)
	}

	args = append(args,
		"-i", inputPath,
		"-vn",
		"-c:a", opts.AudioCodec,
		"-b:a", opts.AudioBitrate,
	)
	if opts.Normalize {
		args = append(args, "-af", loudnormFilter)
	}
	if opts.StripMetadata {
		args = append(args, "-map_metadata", "-1")
	}
	args = append(args, outputPath)

	if err := ensureDir(outputPath); err != nil {
		return nil, err
	}
	if _, _, err := t.runner.Run(ctx, t.ffmpeg, args); err != nil {
		if ctx.Err() != nil {
			return nil, err
		}
		return nil, mediaerr.ProcessingFailed(err, "audio encode failed")
	}
	size, err := verifyOutput(outputPath)
	if err != nil {
		return nil, err
	}

	return &Result{
		Success:         true,
		DurationSeconds: duration,
		Size:            size,
	}, nil
}
