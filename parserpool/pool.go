package parserpool

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// ErrPoolClosed is returned for parse calls issued or still queued when the
// pool shuts down.
var ErrPoolClosed = errors.New("worker pool is closed")

// ErrWorker marks infrastructure failures of a worker child (broken pipe,
// unexpected exit). Callers treat these like parse failures; the pool
// replaces the worker.
var ErrWorker = errors.New("parser worker failure")

// TaskError is a clean failure reported by the parser itself. The worker
// stays healthy and is not recycled for it.
type TaskError struct {
	Message string
}

func (e *TaskError) Error() string {
	return e.Message
}

// shutdownWait bounds how long a worker child may outlive a shutdown or
// recycle request before being killed.
const shutdownWait = 10 * time.Second

// worker is one child process slot.
type worker struct {
	id      int
	channel Channel
	tasks   int // completed parse results since spawn
}

// Pool manages a fixed set of parser worker children and dispatches parse
// jobs to whichever is idle. Parse blocks while all workers are busy; that
// back-pressure is what keeps pollers from outrunning the parser.
type Pool struct {
	launcher     Launcher
	size         int
	restartAfter int
	log          zerolog.Logger

	mu      sync.Mutex
	workers map[int]*worker
	idle    chan *worker
	closed  bool
	done    chan struct{}
}

// New creates a pool of size workers recycled after restartAfter tasks each
// (0 disables count-based recycling). Start must be called before Parse.
func New(launcher Launcher, size, restartAfter int, log zerolog.Logger) *Pool {
	if size < 1 {
		size = 1
	}
	return &Pool{
		launcher:     launcher,
		size:         size,
		restartAfter: restartAfter,
		log:          log,
		workers:      make(map[int]*worker),
		idle:         make(chan *worker, size),
		done:         make(chan struct{}),
	}
}

// Start spawns all workers and waits until each reports ready.
func (p *Pool) Start(ctx context.Context) error {
	p.log.Info().Int("workers", p.size).Msg("starting parser worker processes")

	for id := 0; id < p.size; id++ {
		w, err := p.spawn(ctx, id)
		if err != nil {
			p.shutdownAll()
			return fmt.Errorf("failed to start worker %d: %w", id, err)
		}
		p.idle <- w
	}
	return nil
}

// spawn launches one worker and consumes frames until it reports ready.
func (p *Pool) spawn(ctx context.Context, id int) (*worker, error) {
	channel, err := p.launcher.Launch(ctx, id)
	if err != nil {
		return nil, err
	}

	for {
		resp, err := channel.Recv()
		if err != nil {
			_ = channel.Shutdown(time.Second)
			return nil, fmt.Errorf("worker %d died during startup: %w", id, err)
		}
		switch resp.Type {
		case TypeLog:
			p.forwardLog(id, resp)
		case TypeReady:
			w := &worker{id: id, channel: channel}
			p.mu.Lock()
			p.workers[id] = w
			p.mu.Unlock()
			p.log.Debug().Int("worker", id).Msg("worker ready")
			return w, nil
		default:
			p.log.Error().Int("worker", id).Str("type", resp.Type).Msg("unexpected frame during startup")
		}
	}
}

// Parse sends one document through a free worker. It blocks until a worker
// is available. A *TaskError means the parser rejected the document; an
// error wrapping ErrWorker means the worker itself failed and was replaced.
func (p *Pool) Parse(ctx context.Context, inputPath, outputPath string) error {
	w, err := p.acquire(ctx)
	if err != nil {
		return err
	}

	parseErr := p.execute(w, inputPath, outputPath)
	p.release(w, parseErr)
	return parseErr
}

func (p *Pool) acquire(ctx context.Context) (*worker, error) {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil, ErrPoolClosed
	}
	p.mu.Unlock()

	select {
	case w := <-p.idle:
		return w, nil
	case <-p.done:
		return nil, ErrPoolClosed
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// execute runs one parse command against a held worker.
func (p *Pool) execute(w *worker, inputPath, outputPath string) error {
	if err := w.channel.Send(Request{Cmd: CmdParse, InputPath: inputPath, OutputPath: outputPath}); err != nil {
		return fmt.Errorf("worker %d send failed: %v: %w", w.id, err, ErrWorker)
	}

	for {
		resp, err := w.channel.Recv()
		if err != nil {
			return fmt.Errorf("worker %d disconnected: %v: %w", w.id, err, ErrWorker)
		}

		switch resp.Type {
		case TypeLog:
			p.forwardLog(w.id, resp)
		case TypeReady:
			// Late ready frame; ignore.
		case TypeResult:
			w.tasks++
			if resp.Status == StatusSuccess {
				return nil
			}
			message := resp.Error
			if message == "" {
				message = "unknown worker error"
			}
			return &TaskError{Message: message}
		default:
			p.log.Warn().Int("worker", w.id).Str("type", resp.Type).Msg("ignoring unknown frame")
		}
	}
}

// release returns the worker to the idle queue, recycling it first when the
// task budget is spent or the worker infrastructure failed.
func (p *Pool) release(w *worker, parseErr error) {
	p.mu.Lock()
	closed := p.closed
	p.mu.Unlock()

	if closed {
		_ = w.channel.Shutdown(shutdownWait)
		return
	}

	var taskErr *TaskError
	infraFailure := parseErr != nil && !errors.As(parseErr, &taskErr)
	limitReached := p.restartAfter > 0 && w.tasks >= p.restartAfter

	if !infraFailure && !limitReached {
		p.idle <- w
		return
	}

	p.log.Info().
		Int("worker", w.id).
		Int("tasks", w.tasks).
		Bool("failed", infraFailure).
		Msg("recycling worker")

	_ = w.channel.Shutdown(shutdownWait)
	p.mu.Lock()
	delete(p.workers, w.id)
	p.mu.Unlock()

	replacement, err := p.spawn(context.Background(), w.id)
	if err != nil {
		p.log.Error().Err(err).Int("worker", w.id).Msg("failed to respawn worker")
		return
	}

	p.mu.Lock()
	closed = p.closed
	if closed {
		delete(p.workers, replacement.id)
	}
	p.mu.Unlock()
	if closed {
		_ = replacement.channel.Shutdown(shutdownWait)
		return
	}
	p.idle <- replacement
}

// Shutdown stops accepting parse calls, asks every worker to exit, and kills
// stragglers after the per-worker wait.
func (p *Pool) Shutdown() {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	p.closed = true
	p.mu.Unlock()

	close(p.done)
	p.log.Info().Msg("stopping parser worker processes")
	p.shutdownAll()
}

func (p *Pool) shutdownAll() {
	p.mu.Lock()
	workers := make([]*worker, 0, len(p.workers))
	for _, w := range p.workers {
		workers = append(workers, w)
	}
	p.workers = make(map[int]*worker)
	p.mu.Unlock()

	var wg sync.WaitGroup
	for _, w := range workers {
		wg.Add(1)
		go func(w *worker) {
			defer wg.Done()
			if err := w.channel.Shutdown(shutdownWait); err != nil {
				p.log.Warn().Err(err).Int("worker", w.id).Msg("worker shutdown")
			}
		}(w)
	}
	wg.Wait()

	// Drain idle handles; their workers are already down.
	for {
		select {
		case <-p.idle:
		default:
			return
		}
	}
}

// forwardLog re-emits a child log frame through the parent logger.
func (p *Pool) forwardLog(workerID int, resp Response) {
	level, err := zerolog.ParseLevel(strings.ToLower(resp.Level))
	if err != nil || level == zerolog.NoLevel {
		level = zerolog.InfoLevel
	}
	p.log.WithLevel(level).Int("worker", workerID).Msg(resp.Message)
}
