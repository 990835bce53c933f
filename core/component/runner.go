package component

import (
	"context"
	"os"
	"time"

	"code.cloudfoundry.org/clock"
	"code.cloudfoundry.org/lager/v3"
	"code.cloudfoundry.org/lager/v3/lagerctx"
)

//counterfeiter:generate . Runnable

// Runnable is one reconciler tick. Implementations capture per-item failures
// into their own metrics and return an error only when the whole tick failed;
// either way the runner keeps ticking.
type Runnable interface {
	Run(ctx context.Context) error
}

// RunnableFunc adapts a function to the Runnable interface.
type RunnableFunc func(ctx context.Context) error

func (f RunnableFunc) Run(ctx context.Context) error {
	return f(ctx)
}

// IntervalRunner drives a Runnable on a fixed interval as an ifrit member.
// It ticks once at startup, then on every interval. A shutdown signal
// cancels the tick context and the runner exits once the in-flight tick
// returns, so no new work starts after shutdown begins.
type IntervalRunner struct {
	logger   lager.Logger
	clock    clock.Clock
	interval time.Duration
	runnable Runnable
}

func NewIntervalRunner(
	logger lager.Logger,
	clock clock.Clock,
	interval time.Duration,
	runnable Runnable,
) *IntervalRunner {
	return &IntervalRunner{
		logger:   logger,
		clock:    clock,
		interval: interval,
		runnable: runnable,
	}
}

// Run implements ifrit.Runner.
func (r *IntervalRunner) Run(signals <-chan os.Signal, ready chan<- struct{}) error {
	r.logger.Info("start", lager.Data{"interval": r.interval.String()})
	defer r.logger.Info("done")

	ctx, cancel := context.WithCancel(lagerctx.NewContext(context.Background(), r.logger))
	defer cancel()

	stopping := make(chan struct{})
	go func() {
		<-signals
		cancel()
		close(stopping)
	}()

	close(ready)

	ticker := r.clock.NewTicker(r.interval)
	defer ticker.Stop()

	r.tick(ctx)

	for {
		select {
		case <-stopping:
			return nil
		case <-ticker.C():
			select {
			case <-stopping:
				return nil
			default:
			}
			r.tick(ctx)
		}
	}
}

func (r *IntervalRunner) tick(ctx context.Context) {
	if err := r.runnable.Run(ctx); err != nil {
		r.logger.Error("tick-failed", err)
	}
}
