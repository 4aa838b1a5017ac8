package media

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os/exec"
	"strconv"
	"strings"

	"video-pipeline/internal/models"
)

// Info is the container metadata probed before any expensive work begins.
// Downstream steps reuse it instead of re-probing.
type Info struct {
	DurationSec float64 `json:"duration_sec"`
	SizeBytes   int64   `json:"size_bytes"`
	FormatName  string  `json:"format_name"`
	Width       int     `json:"width"`
	Height      int     `json:"height"`
	VideoCodec  string  `json:"video_codec"`
}

// Limits bound what the pipeline accepts.
type Limits struct {
	MaxDurationSec int
	MaxFileSize    int64
	AllowedFormats []string
}

// Prober wraps ffprobe.
type Prober struct {
	ffprobePath string
}

func NewProber(ffprobePath string) *Prober {
	return &Prober{ffprobePath: ffprobePath}
}

// ffprobe reports numeric format fields as strings.
type probeOutput struct {
	Format struct {
		FormatName string `json:"format_name"`
		Duration   string `json:"duration"`
		Size       string `json:"size"`
	} `json:"format"`
	Streams []struct {
		CodecType string `json:"codec_type"`
		CodecName string `json:"codec_name"`
		Width     int    `json:"width"`
		Height    int    `json:"height"`
	} `json:"streams"`
}

// Probe reads container metadata without decoding the media. An unreadable
// or corrupt container is an InvalidMedia failure.
func (p *Prober) Probe(ctx context.Context, path string) (Info, error) {
	cmd := exec.CommandContext(ctx, p.ffprobePath,
		"-v", "error",
		"-print_format", "json",
		"-show_format",
		"-show_streams",
		path,
	)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		return Info{}, models.NewPipelineError(models.KindInvalidMedia, strings.TrimSpace(stderr.String()), err)
	}

	var out probeOutput
	if err := json.Unmarshal(stdout.Bytes(), &out); err != nil {
		return Info{}, models.NewPipelineError(models.KindInvalidMedia, "malformed probe output", err)
	}

	info := Info{FormatName: out.Format.FormatName}
	info.DurationSec, _ = strconv.ParseFloat(out.Format.Duration, 64)
	info.SizeBytes, _ = strconv.ParseInt(out.Format.Size, 10, 64)
	for _, s := range out.Streams {
		if s.CodecType == "video" {
			info.VideoCodec = s.CodecName
			info.Width = s.Width
			info.Height = s.Height
			break
		}
	}
	if info.DurationSec <= 0 {
		return Info{}, models.NewPipelineError(models.KindInvalidMedia, "no duration in container", nil)
	}
	return info, nil
}

// Validate compares probed metadata against the configured limits. A file
// whose duration equals the maximum is accepted; anything over is rejected.
func Validate(info Info, limits Limits) error {
	if info.DurationSec > float64(limits.MaxDurationSec) {
		return models.NewPipelineError(models.KindTooLong,
			fmt.Sprintf("duration %.1fs exceeds max %ds", info.DurationSec, limits.MaxDurationSec), nil)
	}
	if info.SizeBytes > limits.MaxFileSize {
		return models.NewPipelineError(models.KindTooLarge,
			fmt.Sprintf("size %d exceeds max %d bytes", info.SizeBytes, limits.MaxFileSize), nil)
	}
	if !formatAllowed(info.FormatName, limits.AllowedFormats) {
		return models.NewPipelineError(models.KindUnsupportedFormat,
			fmt.Sprintf("format %q not in allow-list", info.FormatName), nil)
	}
	return nil
}

// formatAllowed matches any token of ffprobe's comma-separated format name
// (e.g. "mov,mp4,m4a,3gp,3g2,mj2") against the allow-list.
func formatAllowed(formatName string, allowed []string) bool {
	for _, token := range strings.Split(formatName, ",") {
		token = strings.TrimSpace(token)
		for _, a := range allowed {
			if strings.EqualFold(token, a) {
				return true
			}
		}
	}
	return false
}
