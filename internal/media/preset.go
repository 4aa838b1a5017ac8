package media

import (
	"fmt"
	"strconv"
	"strings"

	"video-pipeline/internal/config"
)

// Preset is the immutable transcode parameter set handed to the engine.
// Values are passed to ffmpeg verbatim: CRF follows x264 convention (lower
// is higher quality), Size is an exact pixel geometry, FPS is a fixed target.
type Preset struct {
	VideoCodec    string
	AudioCodec    string
	VideoBitrate  string
	AudioBitrate  string
	FPS           int
	Size          string
	Aspect        string
	EncoderPreset string
	CRF           int
	Profile       string
	Level         string
	PixelFormat   string
	ExtraFlags    []string
}

// PresetFromConfig builds the preset from startup configuration. The extra
// flags pin bt709 color and enable faststart for streaming playback.
func PresetFromConfig(cfg config.Config) Preset {
	return Preset{
		VideoCodec:    cfg.VideoCodec,
		AudioCodec:    cfg.AudioCodec,
		VideoBitrate:  cfg.VideoBitrate,
		AudioBitrate:  cfg.AudioBitrate,
		FPS:           cfg.FPS,
		Size:          cfg.Size,
		Aspect:        cfg.Aspect,
		EncoderPreset: cfg.EncoderPreset,
		CRF:           cfg.CRF,
		Profile:       cfg.Profile,
		Level:         cfg.Level,
		PixelFormat:   cfg.PixelFormat,
		ExtraFlags: []string{
			"-movflags", "+faststart",
			"-color_primaries", "bt709",
			"-color_trc", "bt709",
			"-colorspace", "bt709",
		},
	}
}

// Overlay is the text watermark burned into free-tier output.
type Overlay struct {
	Text     string
	FontSize int
	Color    string
	Margin   int
}

// OverlayFromConfig builds the watermark spec from startup configuration.
func OverlayFromConfig(cfg config.Config) Overlay {
	return Overlay{
		Text:     cfg.WatermarkText,
		FontSize: cfg.WatermarkFontSize,
		Color:    cfg.WatermarkColor,
		Margin:   cfg.WatermarkMargin,
	}
}

// Filter renders the drawtext filter, anchored a fixed margin from the
// bottom-right corner.
func (o Overlay) Filter() string {
	return fmt.Sprintf("drawtext=text='%s':fontsize=%d:fontcolor=%s:x=(w-tw-%d):y=(h-th-%d)",
		escapeDrawtext(o.Text), o.FontSize, o.Color, o.Margin, o.Margin)
}

// escapeDrawtext quotes characters that are special inside a drawtext value.
func escapeDrawtext(s string) string {
	r := strings.NewReplacer(`\`, `\\`, `'`, `\'`, `:`, `\:`)
	return r.Replace(s)
}

// Args builds the full ffmpeg argument list for one transcode. The overlay
// is appended only when requested.
func (p Preset) Args(inputPath, outputPath string, overlay *Overlay) []string {
	args := []string{
		"-y",
		"-i", inputPath,
		"-c:v", p.VideoCodec,
		"-c:a", p.AudioCodec,
		"-b:v", p.VideoBitrate,
		"-b:a", p.AudioBitrate,
		"-r", strconv.Itoa(p.FPS),
		"-s", p.Size,
		"-aspect", p.Aspect,
		"-preset", p.EncoderPreset,
		"-crf", strconv.Itoa(p.CRF),
		"-profile:v", p.Profile,
		"-level", p.Level,
		"-pix_fmt", p.PixelFormat,
	}
	args = append(args, p.ExtraFlags...)
	if overlay != nil {
		args = append(args, "-vf", overlay.Filter())
	}
	args = append(args,
		"-progress", "pipe:1",
		"-nostats",
		"-loglevel", "error",
		outputPath,
	)
	return args
}
