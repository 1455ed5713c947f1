// Package scheduler corre tareas periódicas de mantenimiento (rotación de
// claves de firma, limpieza de refresh tokens) con tickers independientes.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	"go.uber.org/zap"

	"github.com/dropDatabas3/credgate/internal/metrics"
	"github.com/dropDatabas3/credgate/internal/observability/logger"
)

var (
	ErrAlreadyStarted = errors.New("scheduler: already started")
	ErrInvalidTask    = errors.New("scheduler: invalid task")
)

// Task es un trabajo periódico. Run recibe un contexto acotado por Timeout
// (Interval si es cero) que se cancela en Stop.
type Task struct {
	Name       string
	Interval   time.Duration
	Timeout    time.Duration
	RunOnStart bool
	Run        func(ctx context.Context) error
}

// Scheduler corre cada tarea en su propia goroutine. Una tarea que falla,
// entra en pánico o se cuelga hasta su timeout solo afecta a su tick.
type Scheduler struct {
	clock clockwork.Clock
	tasks []Task

	mu      sync.Mutex
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	started bool
}

type Option func(*Scheduler)

func WithClock(c clockwork.Clock) Option { return func(s *Scheduler) { s.clock = c } }

func New(tasks []Task, opts ...Option) *Scheduler {
	s := &Scheduler{clock: clockwork.NewRealClock(), tasks: tasks}
	for _, o := range opts {
		o(s)
	}
	return s
}

// Start lanza todas las tareas. Se detienen cuando termina ctx o se llama a
// Stop.
func (s *Scheduler) Start(ctx context.Context) error {
	for _, t := range s.tasks {
		if t.Name == "" || t.Interval <= 0 || t.Run == nil {
			return fmt.Errorf("%w: %q", ErrInvalidTask, t.Name)
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.started {
		return ErrAlreadyStarted
	}
	s.started = true

	ctx, s.cancel = context.WithCancel(ctx)
	for _, t := range s.tasks {
		s.wg.Add(1)
		go s.loop(ctx, t)
	}
	logger.From(ctx).Info("scheduler started", logger.Component("scheduler"), logger.Count(len(s.tasks)))
	return nil
}

// Stop cancela las tareas y espera a que vuelvan los ticks en curso.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	cancel := s.cancel
	s.mu.Unlock()
	if cancel == nil {
		return
	}
	cancel()
	s.wg.Wait()
}

func (s *Scheduler) loop(ctx context.Context, t Task) {
	defer s.wg.Done()
	log := logger.From(ctx).With(logger.Component("scheduler"), logger.Task(t.Name))

	if t.RunOnStart {
		s.tick(ctx, log, t)
	}

	ticker := s.clock.NewTicker(t.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.Chan():
			s.tick(ctx, log, t)
		}
	}
}

func (s *Scheduler) tick(ctx context.Context, log *zap.Logger, t Task) {
	if ctx.Err() != nil {
		return
	}
	timeout := t.Timeout
	if timeout <= 0 {
		timeout = t.Interval
	}
	tctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	start := s.clock.Now()
	err := runSafely(tctx, t.Run)
	elapsed := s.clock.Since(start)
	metrics.ObserveTask(t.Name, elapsed, err)

	if err != nil {
		log.Error("task failed", logger.Err(err), logger.DurationMs(elapsed))
		return
	}
	log.Debug("task done", logger.DurationMs(elapsed))
}

func runSafely(ctx context.Context, fn func(context.Context) error) (err error) {
	defer func() {
		if rec := recover(); rec != nil {
			err = fmt.Errorf("panic: %v\n%s", rec, debug.Stack())
		}
	}()
	return fn(ctx)
}
