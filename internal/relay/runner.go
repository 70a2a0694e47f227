package relay

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/prooflink/prooflink/pkg/logger"
)

// Stepper is one discrete unit of progress; both managers implement it.
// A Step suspends while waiting and never overlaps another Step of the same
// manager under this runner.
type Stepper interface {
	Step(ctx context.Context) error
}

// Runner is the driving loop: it repeatedly invokes Step on each manager in
// its own goroutine, surfaces step errors as log events and keeps stepping
// so recoverable conditions self-heal.
type Runner struct {
	pending   Stepper
	completed Stepper
	log       *logger.Logger

	// errBackoff prevents a persistently failing step from spinning hot.
	errBackoff time.Duration
}

// NewRunner builds the driving loop for the two managers.
func NewRunner(pending, completed Stepper, log *logger.Logger) *Runner {
	return &Runner{
		pending:    pending,
		completed:  completed,
		log:        log,
		errBackoff: 100 * time.Millisecond,
	}
}

// Run drives both managers until the context is cancelled.
func (r *Runner) Run(ctx context.Context) {
	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		r.drive(ctx, "pending_manager", r.pending)
	}()
	go func() {
		defer wg.Done()
		r.drive(ctx, "completed_manager", r.completed)
	}()
	wg.Wait()
}

func (r *Runner) drive(ctx context.Context, name string, s Stepper) {
	for {
		err := s.Step(ctx)
		if err == nil {
			continue
		}
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			r.log.Info("manager stopped", "manager", name)
			return
		}
		r.log.Error("step failed", "manager", name, "error", err)
		select {
		case <-ctx.Done():
			r.log.Info("manager stopped", "manager", name)
			return
		case <-time.After(r.errBackoff):
		}
	}
}
