// Package gate bounds outbound LLM calls: at most MaxConcurrent in flight,
// dispatched in FIFO order, with a minimum spacing between dispatches.
package gate

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"

	"github.com/proposal-insights/backend/internal/metrics"
)

var ErrClosed = errors.New("concurrency gate is closed")

type Config struct {
	MaxConcurrent int
	Spacing       time.Duration
	// AvgCallDuration feeds EstimatedWaitTime only.
	AvgCallDuration time.Duration
	BacklogWarn     int
	QueueSize       int
	OnDispatch      func(at time.Time)
	Logger          *zap.Logger
}

func DefaultConfig() Config {
	return Config{
		MaxConcurrent:   3,
		Spacing:         250 * time.Millisecond,
		AvgCallDuration: 3 * time.Second,
		BacklogWarn:     5,
		QueueSize:       1024,
		Logger:          zap.NewNop(),
	}
}

type entry struct {
	ctx        context.Context
	task       func(context.Context) error
	enqueuedAt time.Time
	result     chan error
}

type Gate struct {
	cfg   Config
	slots *semaphore.Weighted
	queue chan *entry

	queued atomic.Int64
	active atomic.Int64

	// owned by the dispatcher goroutine
	lastDispatch time.Time

	mu     sync.RWMutex
	closed bool

	stopCtx  context.Context
	stop     context.CancelFunc
	stopped  chan struct{}
	inflight sync.WaitGroup
}

func New(cfg Config) *Gate {
	defaults := DefaultConfig()
	if cfg.MaxConcurrent < 1 {
		cfg.MaxConcurrent = defaults.MaxConcurrent
	}
	if cfg.Spacing < 0 {
		cfg.Spacing = 0
	}
	if cfg.AvgCallDuration <= 0 {
		cfg.AvgCallDuration = defaults.AvgCallDuration
	}
	if cfg.BacklogWarn <= 0 {
		cfg.BacklogWarn = defaults.BacklogWarn
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = defaults.QueueSize
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}

	stopCtx, stop := context.WithCancel(context.Background())
	g := &Gate{
		cfg:     cfg,
		slots:   semaphore.NewWeighted(int64(cfg.MaxConcurrent)),
		queue:   make(chan *entry, cfg.QueueSize),
		stopCtx: stopCtx,
		stop:    stop,
		stopped: make(chan struct{}),
	}

	go g.dispatch()

	cfg.Logger.Info("Concurrency gate started",
		zap.Int("max_concurrent", cfg.MaxConcurrent),
		zap.Duration("spacing", cfg.Spacing),
	)

	return g
}

// Do enqueues task and blocks until it has run. The task's own error is
// returned unchanged.
func (g *Gate) Do(ctx context.Context, task func(context.Context) error) error {
	e := &entry{
		ctx:        ctx,
		task:       task,
		enqueuedAt: time.Now(),
		result:     make(chan error, 1),
	}

	g.mu.RLock()
	if g.closed {
		g.mu.RUnlock()
		return ErrClosed
	}
	depth := g.queued.Add(1)
	metrics.GateQueued.Set(float64(depth))
	if depth > int64(g.cfg.BacklogWarn) {
		g.cfg.Logger.Warn("LLM request backlog growing",
			zap.Int64("queued", depth),
			zap.Int64("active", g.active.Load()),
		)
	}
	g.queue <- e
	g.mu.RUnlock()

	return <-e.result
}

// Run is Do for tasks that produce a value.
func Run[T any](ctx context.Context, g *Gate, task func(context.Context) (T, error)) (T, error) {
	var result T
	err := g.Do(ctx, func(ctx context.Context) error {
		var err error
		result, err = task(ctx)
		return err
	})
	return result, err
}

func (g *Gate) dispatch() {
	defer close(g.stopped)

	for {
		select {
		case <-g.stopCtx.Done():
			return
		case e := <-g.queue:
			g.start(e)
		}
	}
}

func (g *Gate) start(e *entry) {
	if err := e.ctx.Err(); err != nil {
		g.dequeued()
		e.result <- err
		return
	}

	if err := g.slots.Acquire(g.stopCtx, 1); err != nil {
		g.dequeued()
		e.result <- ErrClosed
		return
	}

	if !g.lastDispatch.IsZero() && g.cfg.Spacing > 0 {
		wait := time.Until(g.lastDispatch.Add(g.cfg.Spacing))
		if wait > 0 {
			timer := time.NewTimer(wait)
			select {
			case <-g.stopCtx.Done():
				timer.Stop()
				g.slots.Release(1)
				g.dequeued()
				e.result <- ErrClosed
				return
			case <-timer.C:
			}
		}
	}

	now := time.Now()
	g.lastDispatch = now
	g.dequeued()
	metrics.GateActive.Set(float64(g.active.Add(1)))
	metrics.GateWait.Observe(now.Sub(e.enqueuedAt).Seconds())
	if g.cfg.OnDispatch != nil {
		g.cfg.OnDispatch(now)
	}

	g.inflight.Add(1)
	go func() {
		defer g.inflight.Done()

		err := runTask(e)
		metrics.GateActive.Set(float64(g.active.Add(-1)))
		g.slots.Release(1)
		e.result <- err
	}()
}

func runTask(e *entry) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("gated task panicked: %v", r)
		}
	}()
	return e.task(e.ctx)
}

func (g *Gate) dequeued() {
	metrics.GateQueued.Set(float64(g.queued.Add(-1)))
}

// IsBusy reports whether work is waiting or every slot is taken.
func (g *Gate) IsBusy() bool {
	return g.queued.Load() > 0 || g.active.Load() >= int64(g.cfg.MaxConcurrent)
}

func (g *Gate) Queued() int {
	return int(g.queued.Load())
}

func (g *Gate) Active() int {
	return int(g.active.Load())
}

// EstimatedWaitTime is a rough guess assuming every call takes AvgCallDuration.
func (g *Gate) EstimatedWaitTime() time.Duration {
	queued := g.queued.Load()
	if queued == 0 && g.active.Load() < int64(g.cfg.MaxConcurrent) {
		return 0
	}
	waves := queued/int64(g.cfg.MaxConcurrent) + 1
	return time.Duration(waves) * g.cfg.AvgCallDuration
}

// Close stops dispatching, waits for in-flight tasks and fails anything still queued.
func (g *Gate) Close() {
	g.mu.Lock()
	if g.closed {
		g.mu.Unlock()
		return
	}
	g.closed = true
	g.mu.Unlock()

	g.stop()
	<-g.stopped
	g.inflight.Wait()

	for {
		select {
		case e := <-g.queue:
			g.dequeued()
			e.result <- ErrClosed
		default:
			g.cfg.Logger.Info("Concurrency gate stopped")
			return
		}
	}
}
