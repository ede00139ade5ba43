package queue

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ternarybob/arbor"
	"github.com/ternarybob/folio/internal/common"
	"github.com/ternarybob/folio/internal/interfaces"
	"github.com/ternarybob/folio/internal/metrics"
	"github.com/ternarybob/folio/internal/models"
)

// JobHandler executes one task. It reports through the emitter and returns the artifacts it produced.
// The pool publishes the terminal done event; a handler should not call Done itself.
type JobHandler func(ctx context.Context, job *models.QueuedJob, emitter interfaces.JobEmitter) (*models.JobResult, error)

// EmitterFactory binds an emitter to a job id
type EmitterFactory func(jobID string) interfaces.JobEmitter

// outcome classes of one execution
const (
	outcomeDone      = "done"
	outcomeCancelled = "cancelled"
	outcomeFailed    = "failed"
	outcomeShutdown  = "released"
)

// WorkerPool manages a pool of workers that process queue messages.
// Each slot runs one job at a time and always publishes a terminal event before acking.
type WorkerPool struct {
	queue      interfaces.JobQueue
	config     Config
	handlers   map[string]JobHandler
	newEmitter EmitterFactory
	metrics    metrics.Sink
	logger     arbor.ILogger

	// ctx ends the receive loops; jobCtx interrupts in-flight jobs past the shutdown grace
	ctx       context.Context
	cancel    context.CancelFunc
	jobCtx    context.Context
	jobCancel context.CancelFunc

	wg       sync.WaitGroup
	inFlight atomic.Int32
	started  atomic.Bool
}

// NewWorkerPool creates a new worker pool
func NewWorkerPool(queue interfaces.JobQueue, config Config, newEmitter EmitterFactory, sink metrics.Sink, logger arbor.ILogger) *WorkerPool {
	if config.Concurrency < 1 {
		config.Concurrency = 1
	}
	if config.PollInterval <= 0 {
		config.PollInterval = time.Second
	}
	if config.AbandonGrace <= 0 {
		config.AbandonGrace = 5 * time.Second
	}
	if sink == nil {
		sink = metrics.NewNoopSink()
	}

	ctx, cancel := context.WithCancel(context.Background())
	jobCtx, jobCancel := context.WithCancel(context.Background())

	return &WorkerPool{
		queue:      queue,
		config:     config,
		handlers:   make(map[string]JobHandler),
		newEmitter: newEmitter,
		metrics:    sink,
		logger:     logger,
		ctx:        ctx,
		cancel:     cancel,
		jobCtx:     jobCtx,
		jobCancel:  jobCancel,
	}
}

// RegisterHandler registers a task handler. Must be called before Start.
func (wp *WorkerPool) RegisterHandler(task string, handler JobHandler) {
	wp.handlers[task] = handler
	wp.logger.Debug().
		Str("task", task).
		Msg("Job handler registered")
}

// Start starts the worker goroutines
func (wp *WorkerPool) Start() error {
	if !wp.started.CompareAndSwap(false, true) {
		return errors.New("worker pool already started")
	}

	wp.logger.Info().
		Int("concurrency", wp.config.Concurrency).
		Dur("poll_interval", wp.config.PollInterval).
		Msg("Starting worker pool")

	for i := 0; i < wp.config.Concurrency; i++ {
		wp.wg.Add(1)
		go wp.worker(i)
	}
	return nil
}

// Stop stops accepting new jobs and lets in-flight jobs drain.
// Jobs still running after ShutdownGrace are interrupted and released for redelivery.
func (wp *WorkerPool) Stop() error {
	wp.logger.Info().
		Int("in_flight", wp.InFlight()).
		Dur("grace", wp.config.ShutdownGrace).
		Msg("Stopping worker pool")

	wp.cancel()

	drained := make(chan struct{})
	common.SafeGo(wp.logger, "worker-pool-drain", func() {
		wp.wg.Wait()
		close(drained)
	})

	select {
	case <-drained:
		wp.logger.Info().Msg("Worker pool drained")
	case <-time.After(wp.config.ShutdownGrace):
		wp.logger.Warn().
			Int("in_flight", wp.InFlight()).
			Msg("Shutdown grace elapsed; interrupting in-flight jobs")
		wp.jobCancel()
		<-drained
	}

	wp.jobCancel()
	return nil
}

// InFlight returns the number of jobs currently executing
func (wp *WorkerPool) InFlight() int {
	return int(wp.inFlight.Load())
}

// worker is the main loop of one slot
func (wp *WorkerPool) worker(workerID int) {
	defer wp.wg.Done()

	// Stagger worker starts to spread polls across the interval
	staggerDelay := (wp.config.PollInterval / time.Duration(wp.config.Concurrency)) * time.Duration(workerID)
	if staggerDelay > 0 {
		select {
		case <-time.After(staggerDelay):
		case <-wp.ctx.Done():
			return
		}
	}

	wp.logger.Debug().
		Int("worker_id", workerID).
		Dur("stagger_delay", staggerDelay).
		Msg("Worker started")

	ticker := time.NewTicker(wp.config.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-wp.ctx.Done():
			wp.logger.Debug().
				Int("worker_id", workerID).
				Msg("Worker stopped")
			return

		case <-ticker.C:
			// Keep going while there is work so a backlog doesn't wait a tick per job
			for wp.ctx.Err() == nil {
				err := wp.processNext(workerID)
				if errors.Is(err, models.ErrNoMessage) {
					break
				}
				if err != nil {
					wp.logger.Warn().
						Err(err).
						Int("worker_id", workerID).
						Msg("Error processing message")
					break
				}
			}
		}
	}
}

// processNext claims and executes a single message
func (wp *WorkerPool) processNext(workerID int) error {
	job, err := wp.queue.Receive(wp.ctx)
	if err != nil {
		if errors.Is(err, models.ErrNoMessage) {
			return err
		}
		return fmt.Errorf("failed to receive message: %w", err)
	}

	wp.execute(workerID, job)
	return nil
}

type execResult struct {
	result *models.JobResult
	err    error
}

// execute runs the handler under the job timeout and finalizes the job.
// Ordering is fixed: terminal event first, queue ack second.
func (wp *WorkerPool) execute(workerID int, job *models.QueuedJob) {
	jobID := job.ID()
	start := time.Now()
	emitter := wp.newEmitter(jobID)

	wp.inFlight.Add(1)
	wp.metrics.JobStarted()
	defer wp.inFlight.Add(-1)

	wp.logger.Info().
		Str("job_id", jobID).
		Str("task", job.Message.Task).
		Int("attempt", job.ReceiveCount).
		Int("worker_id", workerID).
		Msg("Processing job")

	handler, exists := wp.handlers[job.Message.Task]
	if !exists {
		err := fmt.Errorf("no handler for task: %s", job.Message.Task)
		wp.finalize(job, emitter, outcomeFailed, nil, err, start)
		return
	}

	timeout := job.Message.JobTimeout
	if timeout <= 0 {
		timeout = wp.config.JobTimeout
	}
	runCtx, cancel := context.WithTimeout(wp.jobCtx, timeout)
	defer cancel()

	stopHeartbeat := wp.heartbeat(jobID)

	resultCh := make(chan execResult, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				wp.logger.Error().
					Str("job_id", jobID).
					Str("panic", fmt.Sprintf("%v", r)).
					Str("stack", string(debug.Stack())).
					Msg("Job handler panicked")
				resultCh <- execResult{err: fmt.Errorf("job panicked: %v", r)}
			}
		}()
		res, err := handler(runCtx, job, emitter)
		resultCh <- execResult{result: res, err: err}
	}()

	var res execResult
	select {
	case res = <-resultCh:
	case <-runCtx.Done():
		// Give a cooperative handler a moment to return what it has
		select {
		case res = <-resultCh:
		case <-time.After(wp.config.AbandonGrace):
			wp.logger.Warn().
				Str("job_id", jobID).
				Msg("Job did not stop after its context ended; abandoning")
			res = execResult{err: runCtx.Err()}
		}
	}

	// No Extend may land after the ack or release below
	stopHeartbeat()

	outcome, err := wp.classify(runCtx, res)
	wp.finalize(job, emitter, outcome, res.result, err, start)
}

// classify maps a handler return into an outcome
func (wp *WorkerPool) classify(runCtx context.Context, res execResult) (string, error) {
	if res.err == nil {
		if res.result != nil && res.result.Cancelled {
			return outcomeCancelled, models.ErrCancelled
		}
		return outcomeDone, nil
	}

	if errors.Is(runCtx.Err(), context.DeadlineExceeded) {
		return outcomeFailed, fmt.Errorf("%w: %v", models.ErrJobTimeout, res.err)
	}
	if wp.jobCtx.Err() != nil {
		return outcomeShutdown, models.ErrWorkerShutdown
	}
	return outcomeFailed, res.err
}

func (wp *WorkerPool) finalize(job *models.QueuedJob, emitter interfaces.JobEmitter, outcome string, result *models.JobResult, err error, start time.Time) {
	jobID := job.ID()
	ackCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	var artifacts []models.Artifact
	if result != nil {
		artifacts = result.Artifacts
	}

	// A handler that already published done owns the terminal event
	publish := !emitter.Sealed()

	var ackErr error
	switch outcome {
	case outcomeDone:
		if publish {
			emitter.Done(models.DoneData{OK: true, Artifacts: artifacts})
		}
		ackErr = wp.queue.Complete(ackCtx, jobID, models.JobStatusDone, len(artifacts))

	case outcomeCancelled:
		if publish {
			emitter.Log("warn", "Job cancelled")
			emitter.Done(models.DoneData{OK: false, Cancelled: true, Error: models.ErrCancelled.Error(), Artifacts: artifacts})
		}
		ackErr = wp.queue.Complete(ackCtx, jobID, models.JobStatusCancelled, len(artifacts))

	case outcomeShutdown:
		if publish {
			emitter.Done(models.DoneData{OK: false, Error: models.ErrWorkerShutdown.Error()})
		}
		ackErr = wp.queue.Release(ackCtx, jobID)

	default:
		if publish {
			emitter.Log("error", fmt.Sprintf("Job failed: %v", err))
			emitter.Done(models.DoneData{OK: false, Error: err.Error()})
		}
		// Only after the terminal event: the queue marks the job failed
		ackErr = wp.queue.Fail(ackCtx, jobID, err)
	}

	duration := time.Since(start)
	wp.metrics.JobFinished(outcome, duration)

	if ackErr != nil {
		wp.logger.Warn().
			Err(ackErr).
			Str("job_id", jobID).
			Str("outcome", outcome).
			Msg("Failed to ack job")
	}

	if err != nil && outcome == outcomeFailed {
		wp.logger.Error().
			Err(err).
			Str("job_id", jobID).
			Dur("duration", duration).
			Msg("Job failed")
		return
	}

	wp.logger.Info().
		Str("job_id", jobID).
		Str("outcome", outcome).
		Int("artifacts", len(artifacts)).
		Dur("duration", duration).
		Msg("Job finished")
}

// heartbeat keeps the claimed message invisible while the job runs
func (wp *WorkerPool) heartbeat(jobID string) func() {
	interval := wp.config.VisibilityTimeout / 2
	if interval <= 0 {
		return func() {}
	}

	done := make(chan struct{})
	exited := make(chan struct{})
	common.SafeGo(wp.logger, "heartbeat:"+jobID, func() {
		defer close(exited)
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-done:
				return
			case <-ticker.C:
				ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				if err := wp.queue.Extend(ctx, jobID, wp.config.VisibilityTimeout); err != nil {
					wp.logger.Warn().Err(err).Str("job_id", jobID).Msg("Failed to extend job visibility")
				}
				cancel()
			}
		}
	})

	// stop returns once the heartbeat goroutine has exited
	var once sync.Once
	return func() {
		once.Do(func() { close(done) })
		<-exited
	}
}
