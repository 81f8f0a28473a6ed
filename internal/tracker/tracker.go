package tracker

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	apperrors "github.com/droidpilot/droidpilot/internal/common/errors"
	"github.com/droidpilot/droidpilot/internal/common/logger"
	"github.com/droidpilot/droidpilot/internal/store"
	v1 "github.com/droidpilot/droidpilot/pkg/api/v1"
)

var (
	// ErrClosed is returned when appending or flushing after Close
	ErrClosed = errors.New("step tracker is closed")
)

const (
	// DefaultCapacity is the default in-memory buffer size
	DefaultCapacity = 256
	// DefaultFlushInterval is how often buffered steps are written out
	DefaultFlushInterval = 5 * time.Second
	// DefaultCloseGrace bounds the final flush during Close
	DefaultCloseGrace = 5 * time.Second

	// flushTimeout bounds a single background store write
	flushTimeout = 10 * time.Second
	// retryBase and retryMax bound the backoff after store failures
	retryBase = time.Second
	retryMax  = 30 * time.Second
)

// Config controls a Tracker's buffering and flush behavior. Zero values
// fall back to the package defaults.
type Config struct {
	Capacity      int
	FlushInterval time.Duration
	CloseGrace    time.Duration
	SpillDir      string
	// OnOverflow is called with the number of steps dropped whenever the
	// buffer is forced to evict. Called from the appending goroutine.
	OnOverflow func(dropped int)
}

type flushResult struct {
	count int
	err   error
}

type flushRequest struct {
	ctx   context.Context
	reply chan flushResult
}

// Tracker persists one task's step records asynchronously. Append never
// blocks: steps go into a bounded buffer that a background worker
// drains to the task store, uploading screenshot bytes to the blob
// store on the way. Store failures divert records to a per-task spill
// file which is replayed with backoff until the store recovers.
type Tracker struct {
	taskID    string
	cfg       Config
	buffer    *stepBuffer
	spill     *spillFile
	tasks     store.TaskStore
	blobs     store.BlobStore
	logger    *logger.Logger
	watermark int

	wake      chan struct{}
	flushc    chan flushRequest
	done      chan struct{}
	stopped   chan struct{}
	closeOnce sync.Once

	// retry state, owned by the worker goroutine
	failures  int
	nextRetry time.Time
}

// New creates a tracker for one task and starts its flush worker.
func New(taskID string, tasks store.TaskStore, blobs store.BlobStore, cfg Config, log *logger.Logger) (*Tracker, error) {
	if cfg.Capacity <= 0 {
		cfg.Capacity = DefaultCapacity
	}
	if cfg.FlushInterval <= 0 {
		cfg.FlushInterval = DefaultFlushInterval
	}
	if cfg.CloseGrace <= 0 {
		cfg.CloseGrace = DefaultCloseGrace
	}
	if cfg.SpillDir == "" {
		cfg.SpillDir = "spill"
	}
	if err := os.MkdirAll(cfg.SpillDir, 0o755); err != nil {
		return nil, apperrors.Store("create spill dir", err)
	}

	t := &Tracker{
		taskID:    taskID,
		cfg:       cfg,
		buffer:    newStepBuffer(cfg.Capacity),
		spill:     newSpillFile(filepath.Join(cfg.SpillDir, taskID+".spill")),
		tasks:     tasks,
		blobs:     blobs,
		logger:    log.WithTaskID(taskID),
		watermark: (cfg.Capacity + 1) / 2,
		wake:      make(chan struct{}, 1),
		flushc:    make(chan flushRequest),
		done:      make(chan struct{}),
		stopped:   make(chan struct{}),
	}
	go t.run()
	return t, nil
}

// Append buffers a step record for persistence. It never blocks; if the
// buffer is full the oldest unflushed step is evicted and reported
// through OnOverflow.
func (t *Tracker) Append(record v1.StepRecord, screenshot []byte) {
	record.TaskID = t.taskID
	dropped := t.buffer.Append(Step{Record: record, Screenshot: screenshot})
	if dropped > 0 {
		t.logger.Warn("step buffer full, dropped oldest unflushed steps",
			zap.Int("dropped", dropped),
			zap.Int("step", record.StepNumber))
		if t.cfg.OnOverflow != nil {
			t.cfg.OnOverflow(dropped)
		}
	}
	if t.buffer.Len() >= t.watermark {
		select {
		case t.wake <- struct{}{}:
		default:
		}
	}
}

// Flush writes all buffered and spilled steps to the store, blocking
// until done or ctx expires. It returns the number of records written.
func (t *Tracker) Flush(ctx context.Context) (int, error) {
	req := flushRequest{ctx: ctx, reply: make(chan flushResult, 1)}
	select {
	case t.flushc <- req:
	case <-t.stopped:
		return 0, ErrClosed
	case <-ctx.Done():
		return 0, ctx.Err()
	}
	select {
	case res := <-req.reply:
		return res.count, res.err
	case <-ctx.Done():
		return 0, ctx.Err()
	}
}

// Close flushes outstanding steps within the close grace period and
// stops the worker. It is safe to call more than once.
func (t *Tracker) Close() error {
	t.closeOnce.Do(func() {
		close(t.done)
	})
	<-t.stopped
	return nil
}

// Pending returns the number of steps waiting in the buffer.
func (t *Tracker) Pending() int {
	return t.buffer.Len()
}

func (t *Tracker) run() {
	defer close(t.stopped)

	ticker := time.NewTicker(t.cfg.FlushInterval)
	defer ticker.Stop()

	for {
		select {
		case <-t.done:
			ctx, cancel := context.WithTimeout(context.Background(), t.cfg.CloseGrace)
			if _, err := t.flushOnce(ctx); err != nil {
				t.logger.Warn("final flush incomplete, steps remain in spill", zap.Error(err))
			}
			cancel()
			return
		case req := <-t.flushc:
			count, err := t.flushOnce(req.ctx)
			t.noteResult(err)
			req.reply <- flushResult{count: count, err: err}
		case <-ticker.C:
			t.maybeFlush()
		case <-t.wake:
			t.maybeFlush()
		}
	}
}

// maybeFlush runs a background flush unless a previous store failure
// put us in a backoff window.
func (t *Tracker) maybeFlush() {
	if time.Now().Before(t.nextRetry) {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), flushTimeout)
	defer cancel()
	_, err := t.flushOnce(ctx)
	t.noteResult(err)
}

func (t *Tracker) noteResult(err error) {
	if err == nil {
		t.failures = 0
		t.nextRetry = time.Time{}
		return
	}
	t.failures++
	delay := retryMax
	if t.failures <= 5 {
		delay = retryBase << (t.failures - 1)
		if delay > retryMax {
			delay = retryMax
		}
	}
	t.nextRetry = time.Now().Add(delay)
	t.logger.Warn("store write failed, backing off",
		zap.Int("failures", t.failures),
		zap.Duration("retry_in", delay),
		zap.Error(err))
}

// flushOnce drains the buffer, uploads screenshots, and writes buffered
// plus previously spilled records as one batch. On store failure the
// freshly drained records are appended to the spill file so nothing is
// lost while the process lives.
func (t *Tracker) flushOnce(ctx context.Context) (int, error) {
	steps := t.buffer.Drain()
	records := make([]v1.StepRecord, 0, len(steps))
	for _, step := range steps {
		records = append(records, t.uploadScreenshot(ctx, step))
	}

	spilled, err := t.spill.ReadAll()
	if err != nil {
		t.logger.Warn("spill file unreadable", zap.Error(err))
	}

	batch := append(spilled, records...)
	if len(batch) == 0 {
		return 0, nil
	}

	if err := t.tasks.AppendSteps(ctx, t.taskID, batch); err != nil {
		if len(records) > 0 {
			if spillErr := t.spill.Append(records); spillErr != nil {
				t.logger.Error("failed to spill steps after store failure",
					zap.Int("records", len(records)),
					zap.Error(spillErr))
			}
		}
		return 0, err
	}

	if err := t.spill.Truncate(); err != nil {
		// Replay is idempotent, so leftover spill records only cost a
		// redundant upsert on the next flush.
		t.logger.Warn("failed to truncate spill file", zap.Error(err))
	}
	return len(batch), nil
}

// uploadScreenshot stores the step's screenshot bytes and swaps the
// record's ref to the served URL. Upload failures keep the local ref;
// the step record itself must still be persisted.
func (t *Tracker) uploadScreenshot(ctx context.Context, step Step) v1.StepRecord {
	record := step.Record
	if len(step.Screenshot) == 0 {
		return record
	}
	key := store.ScreenshotKey(t.taskID, record.StepNumber)
	url, err := t.blobs.Put(ctx, key, step.Screenshot, "image/png")
	if err != nil {
		t.logger.Warn("screenshot upload failed",
			zap.Int("step", record.StepNumber),
			zap.Error(err))
		return record
	}
	record.ScreenshotRef = url
	return record
}

// RecoverSpills replays spill files left behind by a previous run and
// removes the ones that were written successfully. It returns the
// number of records recovered.
func RecoverSpills(ctx context.Context, dir string, tasks store.TaskStore, log *logger.Logger) (int, error) {
	entries, err := os.ReadDir(dir)
	if os.IsNotExist(err) {
		return 0, nil
	}
	if err != nil {
		return 0, apperrors.Store("read spill dir", err)
	}

	recovered := 0
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".spill") {
			continue
		}
		taskID := strings.TrimSuffix(entry.Name(), ".spill")
		spill := newSpillFile(filepath.Join(dir, entry.Name()))

		records, err := spill.ReadAll()
		if err != nil {
			log.Warn("skipping unreadable spill file", zap.String("task_id", taskID), zap.Error(err))
			continue
		}
		if len(records) == 0 {
			_ = spill.Truncate()
			continue
		}

		if err := tasks.AppendSteps(ctx, taskID, records); err != nil {
			if apperrors.IsNotFound(err) {
				// The task is gone; its spilled steps are useless.
				_ = spill.Truncate()
				continue
			}
			log.Warn("spill replay failed", zap.String("task_id", taskID), zap.Error(err))
			continue
		}
		if err := spill.Truncate(); err != nil {
			log.Warn("failed to remove drained spill file", zap.String("task_id", taskID), zap.Error(err))
		}
		recovered += len(records)
		log.Info("recovered spilled steps", zap.String("task_id", taskID), zap.Int("records", len(records)))
	}
	return recovered, nil
}
