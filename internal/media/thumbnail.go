package media

import (
	"bytes"
	"context"
	"fmt"
	"os/exec"

	"github.com/disintegration/imaging"
)

// Thumbnailer grabs a poster frame from a finished output and shrinks it to
// preview size.
type Thumbnailer struct {
	ffmpegPath string
	width      int
}

func NewThumbnailer(ffmpegPath string, width int) *Thumbnailer {
	if width <= 0 {
		width = 320
	}
	return &Thumbnailer{ffmpegPath: ffmpegPath, width: width}
}

// Poster writes a resized JPEG poster frame for videoPath to thumbPath.
func (t *Thumbnailer) Poster(ctx context.Context, videoPath, thumbPath string) error {
	cmd := exec.CommandContext(ctx, t.ffmpegPath,
		"-y",
		"-ss", "1",
		"-i", videoPath,
		"-vframes", "1",
		"-q:v", "3",
		thumbPath,
	)
	var stderr bytes.Buffer
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		return fmt.Errorf("grab poster frame: %w: %s", err, stderr.String())
	}
	return shrinkImage(thumbPath, t.width)
}

// shrinkImage resizes the image in place to the target width, keeping the
// aspect ratio.
func shrinkImage(path string, width int) error {
	img, err := imaging.Open(path)
	if err != nil {
		return fmt.Errorf("open poster: %w", err)
	}
	if img.Bounds().Dx() <= width {
		return nil
	}
	small := imaging.Resize(img, width, 0, imaging.Lanczos)
	if err := imaging.Save(small, path, imaging.JPEGQuality(85)); err != nil {
		return fmt.Errorf("save poster: %w", err)
	}
	return nil
}
