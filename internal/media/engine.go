package media

import (
	"bufio"
	"context"
	"errors"
	"io/fs"
	"log"
	"os"
	"os/exec"
	"strconv"
	"strings"
	"sync"

	"video-pipeline/internal/models"
)

// EventType classifies messages emitted while a transcode runs.
type EventType string

const (
	EventStarted   EventType = "started"
	EventProgress  EventType = "progress"
	EventCompleted EventType = "completed"
	EventFailed    EventType = "failed"
)

// Event is one item of the transcode progress stream.
type Event struct {
	Type       EventType `json:"type"`
	Percent    float64   `json:"percent,omitempty"`
	OutputPath string    `json:"output_path,omitempty"`
	Detail     string    `json:"detail,omitempty"`
	Err        error     `json:"-"`
}

const maxStderrLines = 40

// Engine invokes ffmpeg once per job and streams its progress output as
// percent-complete events.
type Engine struct {
	ffmpegPath string
	preset     Preset
}

func NewEngine(ffmpegPath string, preset Preset) *Engine {
	return &Engine{ffmpegPath: ffmpegPath, preset: preset}
}

// Transcode spawns the external encoder. The returned channel is closed
// after exactly one terminal event (Completed or Failed). On any failure a
// partial output file is deleted before Failed is emitted, so callers never
// clean up after the engine.
func (e *Engine) Transcode(ctx context.Context, inputPath, outputPath string, overlay *Overlay, durationSec float64) <-chan Event {
	events := make(chan Event, 16)
	go e.run(ctx, inputPath, outputPath, overlay, durationSec, events)
	return events
}

func (e *Engine) run(ctx context.Context, inputPath, outputPath string, overlay *Overlay, durationSec float64, events chan<- Event) {
	defer close(events)

	args := e.preset.Args(inputPath, outputPath, overlay)
	cmd := exec.CommandContext(ctx, e.ffmpegPath, args...)

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		events <- failEvent(models.KindEngineFailure, "stdout pipe", err)
		return
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		events <- failEvent(models.KindEngineFailure, "stderr pipe", err)
		return
	}

	if err := cmd.Start(); err != nil {
		removePartial(outputPath)
		events <- failEvent(models.KindEngineFailure, "spawn "+e.ffmpegPath, err)
		return
	}
	events <- Event{Type: EventStarted}

	// Keep only the tail of stderr for diagnostics.
	var (
		diagMu    sync.Mutex
		diagLines []string
		wg        sync.WaitGroup
	)
	wg.Add(1)
	go func() {
		defer wg.Done()
		sc := bufio.NewScanner(stderr)
		for sc.Scan() {
			diagMu.Lock()
			diagLines = append(diagLines, sc.Text())
			if len(diagLines) > maxStderrLines {
				diagLines = diagLines[1:]
			}
			diagMu.Unlock()
		}
	}()

	// ffmpeg -progress pipe:1 emits key=value lines; out_time_us tracks the
	// encoded position.
	sc := bufio.NewScanner(stdout)
	for sc.Scan() {
		line := sc.Text()
		if !strings.HasPrefix(line, "out_time_us=") {
			continue
		}
		us, err := strconv.ParseInt(strings.TrimPrefix(line, "out_time_us="), 10, 64)
		if err != nil || durationSec <= 0 {
			continue
		}
		percent := float64(us) / 1e6 / durationSec * 100
		if percent > 100 {
			percent = 100
		}
		events <- Event{Type: EventProgress, Percent: percent}
	}

	waitErr := cmd.Wait()
	wg.Wait()

	if waitErr != nil {
		removePartial(outputPath)
		diagMu.Lock()
		detail := strings.Join(diagLines, "\n")
		diagMu.Unlock()
		switch {
		case errors.Is(ctx.Err(), context.DeadlineExceeded):
			events <- failEvent(models.KindTimeout, "transcode exceeded wall-clock limit", ctx.Err())
		case ctx.Err() != nil:
			events <- failEvent(models.KindEngineFailure, "transcode cancelled", ctx.Err())
		default:
			events <- failEvent(models.KindEngineFailure, detail, waitErr)
		}
		return
	}

	if _, err := os.Stat(outputPath); err != nil {
		events <- failEvent(models.KindEngineFailure, "encoder exited clean but wrote no output", err)
		return
	}
	events <- Event{Type: EventCompleted, Percent: 100, OutputPath: outputPath}
}

func failEvent(kind, detail string, err error) Event {
	pe := models.NewPipelineError(kind, detail, err)
	return Event{Type: EventFailed, Detail: pe.Error(), Err: pe}
}

func removePartial(path string) {
	if err := os.Remove(path); err != nil && !errors.Is(err, fs.ErrNotExist) {
		log.Printf("remove partial output %s: %v", path, err)
	}
}
