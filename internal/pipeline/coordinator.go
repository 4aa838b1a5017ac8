package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/google/uuid"

	"video-pipeline/internal/config"
	"video-pipeline/internal/media"
	"video-pipeline/internal/models"
	"video-pipeline/internal/quota"
	"video-pipeline/internal/storage"
	"video-pipeline/internal/telemetry"
)

// ErrBusy is returned by non-blocking submission when no slot is free.
var ErrBusy = errors.New("no transcode slot available")

// ErrJobNotFound is returned when a job id is unknown or already discarded.
var ErrJobNotFound = errors.New("job not found")

// ErrJobActive is returned by Release while the job has not reached a
// terminal state. Cancel first, then release.
var ErrJobActive = errors.New("job still running")

// Prober inspects container metadata before any expensive work.
type Prober interface {
	Probe(ctx context.Context, path string) (media.Info, error)
}

// Engine runs the external encoder, streaming terminal-once event sequences.
type Engine interface {
	Transcode(ctx context.Context, inputPath, outputPath string, overlay *media.Overlay, durationSec float64) <-chan media.Event
}

// Deliverer publishes a finished output somewhere a caller can fetch it.
// Delivery happens after the job is already successful and never affects
// the state machine.
type Deliverer interface {
	Publish(ctx context.Context, key, srcPath, contentType string) (string, error)
}

// Thumbnailer produces a poster image for a finished output.
type Thumbnailer interface {
	Poster(ctx context.Context, videoPath, thumbPath string) error
}

// SubmitRequest is one inbound transcode request.
type SubmitRequest struct {
	InputPath    string
	UserID       string
	AddWatermark bool
}

type job struct {
	mu       sync.Mutex
	snapshot models.Job
	input    *storage.Lease
	output   *storage.Lease
	thumb    *storage.Lease
	ctx      context.Context
	cancel   context.CancelFunc
	done     chan struct{}
	doneAt   time.Time
}

// Coordinator sequences validation, transcode, quota debit, and cleanup for
// every job, bounding simultaneous transcodes with a fixed slot pool.
type Coordinator struct {
	cfg       config.Config
	area      *storage.Area
	prober    Prober
	engine    Engine
	ledger    *quota.Ledger
	deliverer Deliverer
	thumbs    Thumbnailer
	progress  *ProgressLog
	limits    media.Limits
	overlay   media.Overlay

	slots chan struct{}

	mu   sync.RWMutex
	jobs map[string]*job
}

// New constructs a coordinator. deliverer and thumbs may be nil.
func New(cfg config.Config, area *storage.Area, prober Prober, engine Engine, ledger *quota.Ledger, deliverer Deliverer, thumbs Thumbnailer) *Coordinator {
	maxConcurrent := cfg.MaxConcurrent
	if maxConcurrent <= 0 {
		maxConcurrent = 1
	}
	return &Coordinator{
		cfg:       cfg,
		area:      area,
		prober:    prober,
		engine:    engine,
		ledger:    ledger,
		deliverer: deliverer,
		thumbs:    thumbs,
		progress:  NewProgressLog(cfg.EventLogSize),
		limits: media.Limits{
			MaxDurationSec: cfg.MaxDurationSec,
			MaxFileSize:    cfg.MaxFileSize,
			AllowedFormats: cfg.AllowedFormats,
		},
		overlay: media.Overlay{
			Text:     cfg.WatermarkText,
			FontSize: cfg.WatermarkFontSize,
			Color:    cfg.WatermarkColor,
			Margin:   cfg.WatermarkMargin,
		},
		slots: make(chan struct{}, maxConcurrent),
		jobs:  make(map[string]*job),
	}
}

// Progress exposes the per-job event log.
func (c *Coordinator) Progress() *ProgressLog { return c.progress }

// Submit registers a new job. The quota gate runs before anything is
// allocated; an exhausted free-tier user gets a Rejected record and a
// QuotaExhausted error, with no storage touched. In non-blocking mode the
// same applies with ErrBusy when no slot is free.
func (c *Coordinator) Submit(ctx context.Context, req SubmitRequest) (models.Job, error) {
	telemetry.SubmitCounter.Inc()

	ok, err := c.ledger.TryReserve(ctx, req.UserID)
	if err != nil {
		return models.Job{}, fmt.Errorf("quota check: %w", err)
	}
	if !ok {
		telemetry.QuotaRejects.Inc()
		rejected := c.register(req, models.StateRejected)
		c.finishRejected(rejected, models.KindQuotaExhausted, "free-tier limit reached")
		return rejected.view(), models.NewPipelineError(models.KindQuotaExhausted, "free-tier limit reached", nil)
	}

	// Free tier always gets the overlay regardless of the submitted flag.
	// If the tier cannot be determined the submission fails rather than
	// risking an unwatermarked free-tier output.
	user, err := c.ledger.Balance(ctx, req.UserID)
	if err != nil {
		return models.Job{}, fmt.Errorf("load user %s: %w", req.UserID, err)
	}
	if !user.HasActiveSubscription(time.Now()) {
		req.AddWatermark = true
	}

	j := c.register(req, models.StatePending)

	slotHeld := false
	if c.cfg.SubmitNonBlocking {
		select {
		case c.slots <- struct{}{}:
			slotHeld = true
		default:
			c.finishRejected(j, "", "no transcode slot available")
			return j.view(), ErrBusy
		}
	}

	go c.run(j, slotHeld)
	return j.view(), nil
}

// Get returns the current snapshot of a job.
func (c *Coordinator) Get(jobID string) (models.Job, bool) {
	c.mu.RLock()
	j, ok := c.jobs[jobID]
	c.mu.RUnlock()
	if !ok {
		return models.Job{}, false
	}
	return j.view(), true
}

// Await blocks until the job reaches a terminal state or ctx is done.
func (c *Coordinator) Await(ctx context.Context, jobID string) (models.Job, error) {
	c.mu.RLock()
	j, ok := c.jobs[jobID]
	c.mu.RUnlock()
	if !ok {
		return models.Job{}, ErrJobNotFound
	}
	select {
	case <-j.done:
		return j.view(), nil
	case <-ctx.Done():
		return j.view(), ctx.Err()
	}
}

// Cancel aborts a job. Before transcode start it skips straight to Failed
// without spawning a process; during transcode the process is terminated.
func (c *Coordinator) Cancel(jobID string) error {
	c.mu.RLock()
	j, ok := c.jobs[jobID]
	c.mu.RUnlock()
	if !ok {
		return ErrJobNotFound
	}
	j.cancel()
	return nil
}

// Release hands back a consumed result: remaining output/thumbnail leases
// are reclaimed and the record is discarded. Only terminal jobs can be
// released; a running job still owns its paths.
func (c *Coordinator) Release(jobID string) error {
	c.mu.Lock()
	j, ok := c.jobs[jobID]
	if ok && !models.IsTerminal(j.view().State) {
		c.mu.Unlock()
		return ErrJobActive
	}
	if ok {
		delete(c.jobs, jobID)
	}
	c.mu.Unlock()
	if !ok {
		return ErrJobNotFound
	}
	c.reclaim(j)
	c.progress.Drop(jobID)
	return nil
}

// RunSweeper periodically discards terminal jobs past the retention window
// and removes orphaned files from the storage area. Blocks until ctx is done.
func (c *Coordinator) RunSweeper(ctx context.Context) {
	ticker := time.NewTicker(c.cfg.SweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			c.sweepOnce()
		}
	}
}

func (c *Coordinator) sweepOnce() {
	cutoff := time.Now().Add(-c.cfg.StorageRetention)
	var expired []string
	c.mu.RLock()
	for id, j := range c.jobs {
		j.mu.Lock()
		terminal := models.IsTerminal(j.snapshot.State) && !j.doneAt.IsZero() && j.doneAt.Before(cutoff)
		j.mu.Unlock()
		if terminal {
			expired = append(expired, id)
		}
	}
	c.mu.RUnlock()
	for _, id := range expired {
		if err := c.Release(id); err == nil {
			log.Printf("sweeper reclaimed job %s past retention", id)
		}
	}
	if n, err := c.area.Sweep(c.cfg.StorageRetention); err == nil && n > 0 {
		log.Printf("sweeper removed %d orphaned files", n)
	}
}

func (c *Coordinator) register(req SubmitRequest, state string) *job {
	now := time.Now().UTC()
	jctx, cancel := context.WithCancel(context.Background())
	j := &job{
		ctx:    jctx,
		cancel: cancel,
		snapshot: models.Job{
			ID:           uuid.New().String(),
			UserID:       req.UserID,
			InputPath:    req.InputPath,
			AddWatermark: req.AddWatermark,
			State:        state,
			CreatedAt:    now,
			UpdatedAt:    now,
		},
		done: make(chan struct{}),
	}
	c.mu.Lock()
	c.jobs[j.snapshot.ID] = j
	c.mu.Unlock()
	return j
}

// run drives one job through the state machine. The terminal outcome is
// reported exactly once via the done channel.
func (c *Coordinator) run(j *job, slotHeld bool) {
	jctx := j.ctx
	defer j.cancel()

	if !slotHeld {
		select {
		case c.slots <- struct{}{}:
		case <-jctx.Done():
			c.fail(j, models.NewPipelineError(models.KindEngineFailure, "cancelled before start", jctx.Err()))
			return
		}
	}
	defer func() { <-c.slots }()

	id := j.snapshot.ID

	// Validating.
	c.setState(j, models.StateValidating)
	input, err := c.area.Adopt(id, j.snapshot.InputPath)
	if err != nil {
		c.fail(j, models.NewPipelineError(models.KindInvalidMedia, "input unreadable", err))
		return
	}
	j.mu.Lock()
	j.input = input
	j.mu.Unlock()

	info, err := c.prober.Probe(jctx, input.Path())
	if err != nil {
		c.fail(j, err)
		return
	}
	if err := media.Validate(info, c.limits); err != nil {
		c.fail(j, err)
		return
	}

	// Transcoding.
	output, err := c.area.Allocate(id, "output", "mp4")
	if err != nil {
		c.fail(j, models.NewPipelineError(models.KindEngineFailure, "allocate output", err))
		return
	}
	j.mu.Lock()
	j.output = output
	j.mu.Unlock()

	c.setState(j, models.StateTranscoding)
	telemetry.TranscodesActive.Inc()
	engineErr := c.transcode(jctx, j, info, input.Path(), output.Path())
	telemetry.TranscodesActive.Dec()
	if engineErr != nil {
		c.fail(j, engineErr)
		return
	}

	// Debiting. The transcode is done; a caller cancellation no longer
	// short-circuits the ledger.
	c.setState(j, models.StateDebiting)
	if err := c.ledger.Debit(context.Background(), j.snapshot.UserID, id); err != nil {
		c.fail(j, err)
		return
	}

	c.finalize(j, output.Path())
}

func (c *Coordinator) transcode(ctx context.Context, j *job, info media.Info, inputPath, outputPath string) error {
	tctx, cancel := context.WithTimeout(ctx, c.cfg.TranscodeTimeout)
	defer cancel()

	var overlay *media.Overlay
	if j.snapshot.AddWatermark {
		ov := c.overlay
		overlay = &ov
	}

	for ev := range c.engine.Transcode(tctx, inputPath, outputPath, overlay, info.DurationSec) {
		switch ev.Type {
		case media.EventProgress:
			j.mu.Lock()
			j.snapshot.Percent = ev.Percent
			j.snapshot.UpdatedAt = time.Now().UTC()
			j.mu.Unlock()
			c.progress.Publish(j.snapshot.ID, Event{Kind: EventProgress, Percent: ev.Percent})
		case media.EventFailed:
			if ev.Err != nil {
				return ev.Err
			}
			return models.NewPipelineError(models.KindEngineFailure, ev.Detail, nil)
		case media.EventCompleted:
			j.mu.Lock()
			j.snapshot.Percent = 100
			j.mu.Unlock()
		}
	}
	return nil
}

// finalize completes a successful job: poster and delivery are best-effort
// extras, the input is reclaimed, and output ownership passes to the caller.
func (c *Coordinator) finalize(j *job, outputPath string) {
	id := j.snapshot.ID

	if c.thumbs != nil {
		if thumb, err := c.area.Allocate(id, "thumb", "jpg"); err == nil {
			if err := c.thumbs.Poster(context.Background(), outputPath, thumb.Path()); err != nil {
				log.Printf("job %s: poster frame failed: %v", id, err)
				_ = thumb.Release()
			} else {
				j.mu.Lock()
				j.thumb = thumb
				j.snapshot.ThumbPath = thumb.Path()
				j.mu.Unlock()
			}
		}
	}

	if c.deliverer != nil {
		url, err := c.deliverer.Publish(context.Background(), id+".mp4", outputPath, "video/mp4")
		if err != nil {
			log.Printf("job %s: delivery failed: %v", id, err)
		} else {
			j.mu.Lock()
			j.snapshot.DeliveredURL = url
			j.mu.Unlock()
		}
	}

	j.mu.Lock()
	if j.input != nil {
		if err := j.input.Release(); err != nil {
			log.Printf("job %s: release input: %v", id, err)
		}
		j.input = nil
	}
	j.snapshot.State = models.StateCompleted
	j.snapshot.OutputPath = outputPath
	j.snapshot.UpdatedAt = time.Now().UTC()
	j.doneAt = time.Now()
	j.mu.Unlock()

	telemetry.JobsCompleted.Inc()
	c.progress.Publish(id, Event{Kind: EventState, State: models.StateCompleted, Percent: 100})
	close(j.done)
}

// fail moves a job to Failed, reclaiming every lease it still owns. The
// QuotaInconsistent case reaches here with a finished output; it is
// reclaimed too, since the job cannot be honored.
func (c *Coordinator) fail(j *job, err error) {
	kind := models.KindOf(err)
	if kind == "" {
		kind = models.KindEngineFailure
		err = models.NewPipelineError(kind, "", err)
	}

	c.reclaim(j)

	msg := err.Error()
	j.mu.Lock()
	j.snapshot.State = models.StateFailed
	j.snapshot.FailureKind = kind
	j.snapshot.Error = &msg
	j.snapshot.UpdatedAt = time.Now().UTC()
	j.doneAt = time.Now()
	j.mu.Unlock()

	telemetry.JobsFailed.WithLabelValues(kind).Inc()
	c.progress.Publish(j.snapshot.ID, Event{Kind: EventFailure, State: models.StateFailed, Detail: msg})
	close(j.done)
}

func (c *Coordinator) finishRejected(j *job, kind, detail string) {
	j.cancel()
	j.mu.Lock()
	j.snapshot.State = models.StateRejected
	if kind != "" {
		j.snapshot.FailureKind = kind
	}
	j.snapshot.Error = &detail
	j.snapshot.UpdatedAt = time.Now().UTC()
	j.doneAt = time.Now()
	j.mu.Unlock()
	c.progress.Publish(j.snapshot.ID, Event{Kind: EventState, State: models.StateRejected, Detail: detail})
	close(j.done)
}

// reclaim releases whatever leases the job still holds.
func (c *Coordinator) reclaim(j *job) {
	j.mu.Lock()
	leases := []*storage.Lease{j.input, j.output, j.thumb}
	j.input, j.output, j.thumb = nil, nil, nil
	j.mu.Unlock()
	for _, l := range leases {
		if l == nil {
			continue
		}
		if err := l.Release(); err != nil {
			log.Printf("job %s: release %s: %v", j.snapshot.ID, l.Path(), err)
		}
	}
}

func (c *Coordinator) setState(j *job, state string) {
	j.mu.Lock()
	j.snapshot.State = state
	j.snapshot.UpdatedAt = time.Now().UTC()
	j.mu.Unlock()
	c.progress.Publish(j.snapshot.ID, Event{Kind: EventState, State: state})
}

func (j *job) view() models.Job {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.snapshot
}
