package transcoder

import (
	"context"
	"encoding/json"
	"math"
	"strconv"

	"github.com/lyzr/mediapipe/common/mediaerr"
	"github.com/lyzr/mediapipe/common/process"
)

// ProbeResult is the subset of ffprobe output the transcoders use
type ProbeResult struct {
	FormatName      string
	DurationSeconds float64
	HasVideo        bool
	HasAudio        bool
	VideoCodec      string
	AudioCodec      string
	Width           int
	Height          int
	// Rotation is the display rotation in degrees from stream side data.
	Rotation int
}

// DisplaySize returns the frame size after applying rotation, which is what
// ffmpeg's autorotate produces.
func (p *ProbeResult) DisplaySize() (int, int) {
	r := ((p.Rotation % 360) + 360) % 360
	if r == 90 || r == 270 {
		return p.Height, p.Width
	}
	return p.Width, p.Height
}

// Prober runs ffprobe
type Prober struct {
	runner process.Runner
	binary string
}

// NewProber creates a prober invoking binary (usually "ffprobe")
func NewProber(runner process.Runner, binary string) *Prober {
	if binary == "" {
		binary = "ffprobe"
	}
	return &Prober{runner: runner, binary: binary}
}

type ffprobeOutput struct {
	Streams []struct {
		CodecType string `json:"codec_type"`
		CodecName string `json:"codec_name"`
		Width     int    `json:"width"`
		Height    int    `json:"height"`
		Duration  string `json:"duration"`
		Tags      struct {
			Rotate string `json:"rotate"`
		} `json:"tags"`
		SideDataList []struct {
			Rotation float64 `json:"rotation"`
		} `json:"side_data_list"`
	} `json:"streams"`
	Format struct {
		FormatName string `json:"format_name"`
		Duration   string `json:"duration"`
	} `json:"format"`
}

// Probe inspects path and returns its streams and duration
func (p *Prober) Probe(ctx context.Context, path string) (*ProbeResult, error) {
	args := []string{
		"-v", "error",
		"-print_format", "json",
		"-show_format",
		"-show_streams",
		path,
	}
	stdout, _, err := p.runner.Run(ctx, p.binary, args)
	if err != nil {
		if ctx.Err() != nil {
			return nil, err
		}
		return nil, mediaerr.ProcessingFailed(err, "probe failed")
	}
	return parseProbe(stdout)
}

func parseProbe(data []byte) (*ProbeResult, error) {
	var out ffprobeOutput
	if err := json.Unmarshal(data, &out); err != nil {
		return nil, mediaerr.ProcessingFailed(err, "failed to parse probe output")
	}

	res := &ProbeResult{FormatName: out.Format.FormatName}
	res.DurationSeconds = parseSeconds(out.Format.Duration)

	for _, s := range out.Streams {
		switch s.CodecType {
		case "video":
			// Cover art in audio containers shows up as a one-frame mjpeg/png
			// video stream.
			if res.HasVideo || s.CodecName == "mjpeg" || s.CodecName == "png" {
				continue
			}
			res.HasVideo = true
			res.VideoCodec = s.CodecName
			res.Width = s.Width
			res.Height = s.Height
			if s.Tags.Rotate != "" {
				res.Rotation, _ = strconv.Atoi(s.Tags.Rotate)
			}
			for _, sd := range s.SideDataList {
				if sd.Rotation != 0 {
					res.Rotation = int(math.Round(-sd.Rotation))
				}
			}
			if res.DurationSeconds == 0 {
				res.DurationSeconds = parseSeconds(s.Duration)
			}
		case "audio":
			if res.HasAudio {
				continue
			}
			res.HasAudio = true
			res.AudioCodec = s.CodecName
			if res.DurationSeconds == 0 {
				res.DurationSeconds = parseSeconds(s.Duration)
			}
		}
	}

	if !res.HasVideo && !res.HasAudio {
		return nil, mediaerr.ProcessingFailed(nil, "no audio or video streams found")
	}
	return res, nil
}

func parseSeconds(s string) float64 {
	if s == "" || s == "N/A" {
		return 0
	}
	v, err := strconv.ParseFloat(s, 64)
	if err != nil || v < 0 || math.IsNaN(v) || math.IsInf(v, 0) {
		return 0
	}
	return v
}
