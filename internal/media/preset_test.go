package media

import (
	"strings"
	"testing"

	"video-pipeline/internal/models"
)

func testPreset() Preset {
	return Preset{
		VideoCodec:    "libx264",
		AudioCodec:    "aac",
		VideoBitrate:  "8000k",
		AudioBitrate:  "192k",
		FPS:           30,
		Size:          "1080x1920",
		Aspect:        "9:16",
		EncoderPreset: "slow",
		CRF:           18,
		Profile:       "high",
		Level:         "4.2",
		PixelFormat:   "yuv420p",
		ExtraFlags:    []string{"-movflags", "+faststart"},
	}
}

func TestPresetArgs(t *testing.T) {
	args := testPreset().Args("in.mp4", "out.mp4", nil)
	joined := strings.Join(args, " ")

	for _, want := range []string{
		"-i in.mp4",
		"-c:v libx264",
		"-b:v 8000k",
		"-r 30",
		"-s 1080x1920",
		"-aspect 9:16",
		"-preset slow",
		"-crf 18",
		"-profile:v high",
		"-level 4.2",
		"-pix_fmt yuv420p",
		"-movflags +faststart",
		"-progress pipe:1",
	} {
		if !strings.Contains(joined, want) {
			t.Fatalf("args missing %q: %s", want, joined)
		}
	}
	if strings.Contains(joined, "drawtext") {
		t.Fatalf("no overlay requested but drawtext present: %s", joined)
	}
	if args[len(args)-1] != "out.mp4" {
		t.Fatalf("output path must be last arg, got %q", args[len(args)-1])
	}
}

func TestPresetArgsOverlay(t *testing.T) {
	ov := &Overlay{Text: "TikTok HQ Master", FontSize: 24, Color: "white@0.5", Margin: 20}
	args := testPreset().Args("in.mp4", "out.mp4", ov)
	joined := strings.Join(args, " ")

	want := "drawtext=text='TikTok HQ Master':fontsize=24:fontcolor=white@0.5:x=(w-tw-20):y=(h-th-20)"
	if !strings.Contains(joined, want) {
		t.Fatalf("overlay filter missing, got %s", joined)
	}
}

func TestOverlayEscaping(t *testing.T) {
	ov := Overlay{Text: "it's 9:16", FontSize: 24, Color: "white@0.5", Margin: 20}
	f := ov.Filter()
	if !strings.Contains(f, `it\'s 9\:16`) {
		t.Fatalf("special characters not escaped: %s", f)
	}
}

func TestValidateBoundaries(t *testing.T) {
	limits := Limits{
		MaxDurationSec: 600,
		MaxFileSize:    500 * 1024 * 1024,
		AllowedFormats: []string{"mp4", "mov", "avi", "mkv", "webm"},
	}

	ok := Info{DurationSec: 600, SizeBytes: 50 * 1024 * 1024, FormatName: "mov,mp4,m4a,3gp,3g2,mj2"}
	if err := Validate(ok, limits); err != nil {
		t.Fatalf("duration at limit should pass: %v", err)
	}

	long := ok
	long.DurationSec = 601
	if kind := models.KindOf(Validate(long, limits)); kind != models.KindTooLong {
		t.Fatalf("expected too_long, got %q", kind)
	}

	big := ok
	big.SizeBytes = limits.MaxFileSize + 1
	if kind := models.KindOf(Validate(big, limits)); kind != models.KindTooLarge {
		t.Fatalf("expected too_large, got %q", kind)
	}

	weird := ok
	weird.FormatName = "matroska-oddball"
	if kind := models.KindOf(Validate(weird, limits)); kind != models.KindUnsupportedFormat {
		t.Fatalf("expected unsupported_format, got %q", kind)
	}
}
