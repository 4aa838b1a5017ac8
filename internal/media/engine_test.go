package media

import (
	"context"
	"os"
	"path/filepath"
	"runtime"
	"testing"
	"time"

	"video-pipeline/internal/models"
)

// fakeEncoder writes a shell script standing in for ffmpeg. The output path
// is always the last argument the engine passes.
func fakeEncoder(t *testing.T, body string) string {
	t.Helper()
	if runtime.GOOS == "windows" {
		t.Skip("shell stub not available on windows")
	}
	path := filepath.Join(t.TempDir(), "fake-ffmpeg")
	script := "#!/bin/sh\nfor a in \"$@\"; do out=$a; done\n" + body
	if err := os.WriteFile(path, []byte(script), 0o755); err != nil {
		t.Fatalf("write stub: %v", err)
	}
	return path
}

func collect(t *testing.T, ch <-chan Event) []Event {
	t.Helper()
	var events []Event
	deadline := time.After(10 * time.Second)
	for {
		select {
		case ev, ok := <-ch:
			if !ok {
				return events
			}
			events = append(events, ev)
		case <-deadline:
			t.Fatalf("engine never closed event stream, got %v", events)
		}
	}
}

func TestTranscodeSuccess(t *testing.T) {
	bin := fakeEncoder(t, `echo "out_time_us=30000000"
echo "out_time_us=60000000"
echo data > "$out"
exit 0
`)
	out := filepath.Join(t.TempDir(), "out.mp4")
	engine := NewEngine(bin, testPreset())

	events := collect(t, engine.Transcode(context.Background(), "in.mp4", out, nil, 60))

	if events[0].Type != EventStarted {
		t.Fatalf("first event should be started, got %v", events[0])
	}
	sawHalf := false
	for _, ev := range events {
		if ev.Type == EventProgress && ev.Percent == 50 {
			sawHalf = true
		}
	}
	if !sawHalf {
		t.Fatalf("expected a 50%% progress event, got %v", events)
	}
	last := events[len(events)-1]
	if last.Type != EventCompleted || last.OutputPath != out {
		t.Fatalf("expected completed with output path, got %v", last)
	}
	if _, err := os.Stat(out); err != nil {
		t.Fatalf("output missing after completion: %v", err)
	}
}

func TestTranscodeFailureRemovesPartial(t *testing.T) {
	bin := fakeEncoder(t, `echo partial > "$out"
echo "codec barfed" >&2
exit 1
`)
	out := filepath.Join(t.TempDir(), "out.mp4")
	engine := NewEngine(bin, testPreset())

	events := collect(t, engine.Transcode(context.Background(), "in.mp4", out, nil, 60))

	last := events[len(events)-1]
	if last.Type != EventFailed {
		t.Fatalf("expected failed, got %v", last)
	}
	if kind := models.KindOf(last.Err); kind != models.KindEngineFailure {
		t.Fatalf("expected engine_failure, got %q", kind)
	}
	if _, err := os.Stat(out); !os.IsNotExist(err) {
		t.Fatalf("partial output should be deleted, stat err=%v", err)
	}
}

func TestTranscodeTimeout(t *testing.T) {
	bin := fakeEncoder(t, `echo partial > "$out"
sleep 30
`)
	out := filepath.Join(t.TempDir(), "out.mp4")
	engine := NewEngine(bin, testPreset())

	ctx, cancel := context.WithTimeout(context.Background(), 300*time.Millisecond)
	defer cancel()
	events := collect(t, engine.Transcode(ctx, "in.mp4", out, nil, 60))

	last := events[len(events)-1]
	if last.Type != EventFailed {
		t.Fatalf("expected failed, got %v", last)
	}
	if kind := models.KindOf(last.Err); kind != models.KindTimeout {
		t.Fatalf("expected timeout, got %q", kind)
	}
	if _, err := os.Stat(out); !os.IsNotExist(err) {
		t.Fatalf("partial output should be deleted after timeout, stat err=%v", err)
	}
}

func TestTranscodeSpawnFailure(t *testing.T) {
	engine := NewEngine(filepath.Join(t.TempDir(), "no-such-binary"), testPreset())
	events := collect(t, engine.Transcode(context.Background(), "in.mp4", filepath.Join(t.TempDir(), "out.mp4"), nil, 60))

	last := events[len(events)-1]
	if last.Type != EventFailed {
		t.Fatalf("expected failed, got %v", last)
	}
	if kind := models.KindOf(last.Err); kind != models.KindEngineFailure {
		t.Fatalf("expected engine_failure, got %q", kind)
	}
}
