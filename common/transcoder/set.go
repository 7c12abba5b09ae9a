package transcoder

import (
	"context"
	"image"
	"os"

	"github.com/gabriel-vasile/mimetype"

	"github.com/lyzr/mediapipe/common/mediaerr"
	"github.com/lyzr/mediapipe/common/process"
)

// Plan is a resolved transcode: category, effective options and the
// canonical output format. The output extension depends on profile
// overrides, so a plan is built before any destination path is derived.
type Plan struct {
	Category   Category
	SourceMime string
	Options    Options
	OutputExt  string
	OutputMime string
	Profiles   []string
	Facts      Facts
}

// Set dispatches transcodes to the transcoder for a media category
type Set struct {
	image    Transcoder
	video    Transcoder
	audio    Transcoder
	prober   *Prober
	profiles *Profiles
	defaults map[Category]Options
}

// SetConfig carries the per-category defaults used to build a Set
type SetConfig struct {
	FFmpegPath  string
	FFprobePath string
	Image       Options
	Video       Options
	Audio       Options
	Profiles    []ProfileRule
}

// NewSet builds the image, video and audio transcoders around one runner
func NewSet(runner process.Runner, cfg SetConfig) (*Set, error) {
	profiles, err := NewProfiles(cfg.Profiles)
	if err != nil {
		return nil, err
	}
	prober := NewProber(runner, cfg.FFprobePath)
	return &Set{
		image:    NewImageTranscoder(cfg.Image),
		video:    NewVideoTranscoder(runner, prober, cfg.FFmpegPath, cfg.Video),
		audio:    NewAudioTranscoder(runner, prober, cfg.FFmpegPath, cfg.Audio),
		prober:   prober,
		profiles: profiles,
		defaults: map[Category]Options{
			CategoryImage: cfg.Image,
			CategoryVideo: cfg.Video,
			CategoryAudio: cfg.Audio,
		},
	}, nil
}

// For returns the transcoder for a category
func (s *Set) For(c Category) (Transcoder, error) {
	switch c {
	case CategoryImage:
		return s.image, nil
	case CategoryVideo:
		return s.video, nil
	case CategoryAudio:
		return s.audio, nil
	}
	return nil, mediaerr.Input("unsupported media category %q", c)
}

// Detect sniffs the file's content type. The declared type is used only
// when sniffing is inconclusive.
func Detect(path, declaredMime string) (Category, string, error) {
	m, err := mimetype.DetectFile(path)
	if err != nil {
		return "", "", mediaerr.Input("failed to read source: %v", err)
	}
	mime := m.String()
	if cat, ok := CategoryForMime(mime); ok {
		return cat, baseMime(mime), nil
	}
	for p := m.Parent(); p != nil; p = p.Parent() {
		if cat, ok := CategoryForMime(p.String()); ok {
			return cat, baseMime(p.String()), nil
		}
	}
	if m.Is("application/octet-stream") {
		if cat, ok := CategoryForMime(declaredMime); ok {
			return cat, baseMime(declaredMime), nil
		}
	}
	return "", "", mediaerr.Input("unsupported media type %s", mime)
}

// Plan detects the category of path, gathers facts and resolves the
// effective options by layering profile overrides and then opts on top of
// the category defaults.
func (s *Set) Plan(ctx context.Context, path, declaredMime string, opts Options) (*Plan, error) {
	category, mime, err := Detect(path, declaredMime)
	if err != nil {
		return nil, err
	}

	info, err := os.Stat(path)
	if err != nil {
		return nil, mediaerr.Input("failed to stat source: %v", err)
	}
	facts := Facts{Category: category, Mime: mime, Size: info.Size()}

	var probe *ProbeResult
	switch category {
	case CategoryImage:
		facts.Width, facts.Height = imageSize(path)
	case CategoryVideo, CategoryAudio:
		probe, err = s.prober.Probe(ctx, path)
		if err != nil {
			return nil, err
		}
		// mp4 and webm containers sniff as video even when they carry only
		// audio.
		if category == CategoryVideo && !probe.HasVideo && probe.HasAudio {
			category = CategoryAudio
			facts.Category = category
		}
		facts.Width, facts.Height = probe.DisplaySize()
		facts.DurationSeconds = probe.DurationSeconds
	}

	base, profiles, err := s.profiles.Apply(facts, s.defaults[category])
	if err != nil {
		return nil, mediaerr.ProcessingFailed(err, "profile evaluation failed")
	}
	effective := overlay(base, opts)
	effective.probe = probe

	codec := effective.AudioCodec
	if category == CategoryAudio && codec == "" {
		codec = DefaultAudioCodec
	}

	return &Plan{
		Category:   category,
		SourceMime: mime,
		Options:    effective,
		OutputExt:  OutputExt(category, codec),
		OutputMime: OutputMime(category, codec),
		Profiles:   profiles,
		Facts:      facts,
	}, nil
}

// Run executes a plan. thumbnailPath may be empty to skip thumbnails.
func (s *Set) Run(ctx context.Context, plan *Plan, inputPath, outputPath, thumbnailPath string) (*Result, error) {
	t, err := s.For(plan.Category)
	if err != nil {
		return nil, err
	}
	opts := plan.Options
	opts.ThumbnailPath = thumbnailPath
	res, err := t.Transcode(ctx, inputPath, outputPath, opts)
	if err != nil {
		return nil, err
	}
	res.Profiles = plan.Profiles
	return res, nil
}

// overlay copies the non-zero fields of top over base
func overlay(base, top Options) Options {
	out := base
	if top.Operation != "" {
		out.Operation = top.Operation
	}
	if top.MaxWidth != 0 {
		out.MaxWidth = top.MaxWidth
	}
	if top.MaxHeight != 0 {
		out.MaxHeight = top.MaxHeight
	}
	if top.Quality != 0 {
		out.Quality = top.Quality
	}
	if top.Rotate != 0 {
		out.Rotate = top.Rotate
	}
	if top.Crop != nil {
		out.Crop = top.Crop
	}
	if top.ThumbnailWidth != 0 {
		out.ThumbnailWidth = top.ThumbnailWidth
	}
	if top.ThumbnailHeight != 0 {
		out.ThumbnailHeight = top.ThumbnailHeight
	}
	if top.ThumbnailQuality != 0 {
		out.ThumbnailQuality = top.ThumbnailQuality
	}
	if top.Thumbnails != 0 {
		out.Thumbnails = top.Thumbnails
	}
	if top.Codec != "" {
		out.Codec = top.Codec
	}
	if top.Preset != "" {
		out.Preset = top.Preset
	}
	if top.CRF != 0 {
		out.CRF = top.CRF
	}
	if top.StripMetadata {
		out.StripMetadata = true
	}
	if top.TrimStart != 0 {
		out.TrimStart = top.TrimStart
	}
	if top.TrimDuration != 0 {
		out.TrimDuration = top.TrimDuration
	}
	if top.AudioCodec != "" {
		out.AudioCodec = top.AudioCodec
	}
	if top.AudioBitrate != "" {
		out.AudioBitrate = top.AudioBitrate
	}
	if top.Normalize {
		out.Normalize = true
	}
	return out
}

func imageSize(path string) (int, int) {
	f, err := os.Open(path)
	if err != nil {
		return 0, 0
	}
	defer f.Close()
	cfg, _, err := image.DecodeConfig(f)
	if err != nil {
		return 0, 0
	}
	return cfg.Width, cfg.Height
}

func baseMime(mime string) string {
	for i := 0; i < len(mime); i++ {
		if mime[i] == ';' {
			return mime[:i]
		}
	}
	return mime
}
