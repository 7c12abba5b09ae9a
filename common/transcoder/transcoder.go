// Package transcoder converts source media into normalized artifacts.
//
// Three transcoders share one contract: Image (in-process decode, scale and
// JPEG re-encode), Video and Audio (ffprobe + ffmpeg through a
// process.Runner). A Set dispatches by media category and applies profile
// rules before handing off.
//
// Transcoders never remove files. On failure the caller owns cleanup of
// whatever may have been written to the output paths.
package transcoder

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/lyzr/mediapipe/common/mediaerr"
)

// Category is the coarse media type used for dispatch
type Category string

const (
	CategoryImage Category = "image"
	CategoryVideo Category = "video"
	CategoryAudio Category = "audio"
)

// Edit operations accepted by Options.Operation
const (
	OpTranscode = "transcode"
	OpResize    = "resize"
	OpRotate    = "rotate"
	OpCrop      = "crop"
	OpGrayscale = "grayscale"
	OpTrim      = "trim"
)

// Rect is a crop rectangle in source pixels
type Rect struct {
	X      int `json:"x"`
	Y      int `json:"y"`
	Width  int `json:"width"`
	Height int `json:"height"`
}

// Options control one transcode. Zero values mean "use the transcoder's
// default" except where noted.
type Options struct {
	// Operation is empty or OpTranscode for plain normalization.
	Operation string `json:"operation,omitempty"`

	MaxWidth  int `json:"max_width,omitempty"`
	MaxHeight int `json:"max_height,omitempty"`

	// Image
	Quality int   `json:"quality,omitempty"`
	Rotate  int   `json:"rotate,omitempty"`
	Crop    *Rect `json:"crop,omitempty"`

	// Thumbnails. ThumbnailPath empty disables thumbnail generation.
	ThumbnailPath    string `json:"-"`
	ThumbnailWidth   int    `json:"thumbnail_width,omitempty"`
	ThumbnailHeight  int    `json:"thumbnail_height,omitempty"`
	ThumbnailQuality int    `json:"thumbnail_quality,omitempty"`
	// Thumbnails is the number of frames extracted from a video.
	Thumbnails int `json:"thumbnails,omitempty"`

	// Video
	Codec         string  `json:"codec,omitempty"`
	Preset        string  `json:"preset,omitempty"`
	CRF           int     `json:"crf,omitempty"`
	StripMetadata bool    `json:"strip_metadata,omitempty"`
	TrimStart     float64 `json:"trim_start,omitempty"`
	TrimDuration  float64 `json:"trim_duration,omitempty"`

	// Audio
	AudioCodec   string `json:"audio_codec,omitempty"`
	AudioBitrate string `json:"audio_bitrate,omitempty"`
	Normalize    bool   `json:"normalize,omitempty"`

	// probe carries a probe result from the Set to the transcoder so the
	// source is not probed twice.
	probe *ProbeResult
}

// Result describes a produced artifact
type Result struct {
	Success         bool
	Width           int
	Height          int
	DurationSeconds float64
	Size            int64
	ThumbnailPaths  []string
	// Profiles lists the names of profile rules that matched.
	Profiles []string
	Error    string
}

// Transcoder converts inputPath into outputPath
type Transcoder interface {
	Transcode(ctx context.Context, inputPath, outputPath string, opts Options) (*Result, error)
}

// CategoryForMime maps a mime type onto a category
func CategoryForMime(mime string) (Category, bool) {
	mime = strings.ToLower(strings.TrimSpace(mime))
	if i := strings.IndexByte(mime, ';'); i >= 0 {
		mime = mime[:i]
	}
	switch {
	case strings.HasPrefix(mime, "image/"):
		if _, ok := supportedImageMimes[mime]; ok {
			return CategoryImage, true
		}
		return "", false
	case strings.HasPrefix(mime, "video/"):
		return CategoryVideo, true
	case strings.HasPrefix(mime, "audio/"):
		return CategoryAudio, true
	case mime == "application/ogg":
		return CategoryAudio, true
	}
	return "", false
}

var supportedImageMimes = map[string]struct{}{
	"image/jpeg": {},
	"image/png":  {},
	"image/gif":  {},
	"image/bmp":  {},
	"image/tiff": {},
	"image/webp": {},
}

// OutputExt returns the canonical extension for a category's artifacts
func OutputExt(category Category, audioCodec string) string {
	switch category {
	case CategoryImage:
		return "jpg"
	case CategoryVideo:
		return "mp4"
	case CategoryAudio:
		switch audioCodec {
		case "libmp3lame", "mp3":
			return "mp3"
		case "libopus", "opus", "libvorbis":
			return "ogg"
		case "flac":
			return "flac"
		default:
			return "m4a"
		}
	}
	return ""
}

// OutputMime returns the mime type of a category's canonical artifacts
func OutputMime(category Category, audioCodec string) string {
	switch category {
	case CategoryImage:
		return "image/jpeg"
	case CategoryVideo:
		return "video/mp4"
	case CategoryAudio:
		switch OutputExt(category, audioCodec) {
		case "mp3":
			return "audio/mpeg"
		case "ogg":
			return "audio/ogg"
		case "flac":
			return "audio/flac"
		default:
			return "audio/mp4"
		}
	}
	return "application/octet-stream"
}

// ThumbnailSeries returns n thumbnail paths derived from base. The first is
// base itself; the rest insert "-<i>" before the extension.
func ThumbnailSeries(base string, n int) []string {
	if base == "" || n < 1 {
		return nil
	}
	ext := filepath.Ext(base)
	stem := strings.TrimSuffix(base, ext)
	paths := make([]string, 0, n)
	paths = append(paths, base)
	for i := 2; i <= n; i++ {
		paths = append(paths, fmt.Sprintf("%s-%d%s", stem, i, ext))
	}
	return paths
}

// verifyOutput checks that a transcoder produced a non-empty file
func verifyOutput(path string) (int64, error) {
	info, err := os.Stat(path)
	if err != nil {
		return 0, mediaerr.ProcessingFailed(err, "output %s missing", filepath.Base(path))
	}
	if info.Size() == 0 {
		return 0, mediaerr.ProcessingFailed(nil, "output %s is empty", filepath.Base(path))
	}
	return info.Size(), nil
}

func ensureDir(path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return mediaerr.Storage(err, "failed to create output directory")
	}
	return nil
}
