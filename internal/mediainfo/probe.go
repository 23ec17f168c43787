// Package mediainfo drives ffprobe to derive the facts the rest of the
// engine needs from a source file: duration, dimensions, I-frame timestamps,
// and the container format and codec names.
package mediainfo

import (
	"context"
	"fmt"
	"strconv"
	"strings"

	"github.com/goccy/go-json"
	"github.com/hashicorp/go-hclog"

	"github.com/streamhouse/hlsvod/internal/apperrors"
	"github.com/streamhouse/hlsvod/internal/ffmpegproc"
)

// MinUsableDuration is the threshold below which a source is rejected as
// unusable, per spec.md §4.2.
const MinUsableDuration = 0.5

// VideoInfo holds everything the planner and media descriptor need about a
// video source.
type VideoInfo struct {
	Duration float64
	Width    int
	Height   int
	IFrames  []float64
}

// AudioInfo holds the facts needed for an audio-only source.
type AudioInfo struct {
	Duration float64
	BitRate  int
}

// FormatInfo is the result of the initialization probe. The HTTP probe
// endpoint only checks that this probe succeeds; it derives the
// native-support hint from the file extension, not from these fields.
type FormatInfo struct {
	FormatName string
	CodecNames []string
}

type ffprobeFrame struct {
	PktPtsTime string `json:"pkt_pts_time"`
}

type ffprobeFormat struct {
	Duration   string `json:"duration"`
	FormatName string `json:"format_name"`
}

type ffprobeStream struct {
	Duration  string `json:"duration"`
	BitRate   string `json:"bit_rate"`
	Width     int    `json:"width"`
	Height    int    `json:"height"`
	CodecName string `json:"codec_name"`
	CodecType string `json:"codec_type"`
}

type ffprobeOutput struct {
	Frames  []ffprobeFrame  `json:"frames"`
	Format  ffprobeFormat   `json:"format"`
	Streams []ffprobeStream `json:"streams"`
}

// Prober runs ffprobe and parses its JSON output.
type Prober struct {
	logger hclog.Logger
	binary string // path to the ffprobe binary, with any configured prefix applied
}

// NewProber returns a Prober that invokes binary (typically
// "<ffmpeg-binary-dir>/ffprobe" or just "ffprobe" on PATH).
func NewProber(logger hclog.Logger, binary string) *Prober {
	return &Prober{logger: logger.Named("ffprobe"), binary: binary}
}

// Video runs the video probe of spec.md §6.2 and derives duration, frame
// size and I-frame timestamps.
func (p *Prober) Video(ctx context.Context, path string) (VideoInfo, error) {
	args := []string{
		"-v", "error",
		"-skip_frame", "nokey",
		"-show_entries", "frame=pkt_pts_time",
		"-show_entries", "format=duration",
		"-show_entries", "stream=duration,width,height",
		"-select_streams", "v",
		"-of", "json",
		path,
	}

	out, err := p.run(ctx, args)
	if err != nil {
		return VideoInfo{}, err
	}

	duration := parseFloat(out.Format.Duration)
	width, height := 0, 0
	for _, s := range out.Streams {
		if s.Width > 0 {
			width = s.Width
		}
		if s.Height > 0 {
			height = s.Height
		}
		if duration == 0 {
			duration = parseFloat(s.Duration)
		}
	}

	if duration <= MinUsableDuration {
		return VideoInfo{}, apperrors.ProbeError("probe.video", apperrors.ErrUnusableSource).
			WithDetail("path", path).WithDetail("duration", duration)
	}

	iframes := make([]float64, 0, len(out.Frames))
	for _, f := range out.Frames {
		if t := parseFloat(f.PktPtsTime); t > 0 {
			iframes = append(iframes, t)
		}
	}

	return VideoInfo{Duration: duration, Width: width, Height: height, IFrames: iframes}, nil
}

// Audio runs the audio probe of spec.md §6.2.
func (p *Prober) Audio(ctx context.Context, path string) (AudioInfo, error) {
	args := []string{
		"-v", "error",
		"-show_entries", "stream=duration,bit_rate",
		"-select_streams", "a",
		"-of", "json",
		path,
	}

	out, err := p.run(ctx, args)
	if err != nil {
		return AudioInfo{}, err
	}

	var duration float64
	var bitRate int
	for _, s := range out.Streams {
		if duration == 0 {
			duration = parseFloat(s.Duration)
		}
		if bitRate == 0 {
			bitRate = int(parseFloat(s.BitRate))
		}
	}

	if duration <= MinUsableDuration {
		return AudioInfo{}, apperrors.ProbeError("probe.audio", apperrors.ErrUnusableSource).
			WithDetail("path", path).WithDetail("duration", duration)
	}

	return AudioInfo{Duration: duration, BitRate: bitRate}, nil
}

// Format runs the initialization probe of spec.md §6.2 and returns the
// container format name and the codec names of its streams.
func (p *Prober) Format(ctx context.Context, path string) (FormatInfo, error) {
	args := []string{"-v", "error", "-show_format", "-show_streams", "-of", "json", path}

	out, err := p.run(ctx, args)
	if err != nil {
		return FormatInfo{}, err
	}

	codecs := make([]string, 0, len(out.Streams))
	for _, s := range out.Streams {
		if s.CodecName != "" {
			codecs = append(codecs, s.CodecName)
		}
	}

	return FormatInfo{FormatName: out.Format.FormatName, CodecNames: codecs}, nil
}

func (p *Prober) run(ctx context.Context, args []string) (ffprobeOutput, error) {
	h, err := ffmpegproc.Start(ctx, p.logger, p.binary, args, ffmpegproc.ProbeTimeout)
	if err != nil {
		return ffprobeOutput{}, apperrors.ProbeError("probe.start", err)
	}

	var buf strings.Builder
	for line := range h.Lines() {
		buf.WriteString(line)
		buf.WriteByte('\n')
	}

	code, waitErr := h.Wait()
	if code != 0 {
		p.logger.Warn("ffprobe exited non-zero", "code", code, "error", waitErr)
		return ffprobeOutput{}, apperrors.ProbeError("probe.exit", fmt.Errorf("ffprobe exited %d", code))
	}

	var out ffprobeOutput
	if err := json.Unmarshal([]byte(buf.String()), &out); err != nil {
		return ffprobeOutput{}, apperrors.ProbeError("probe.parse", err)
	}
	return out, nil
}

func parseFloat(s string) float64 {
	if s == "" {
		return 0
	}
	v, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return 0
	}
	return v
}
