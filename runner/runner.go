package runner

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/dhcgn/remailer/stats"
)

// ErrFatal marks cycle errors that must stop the loop, such as a folder
// structure that does not match the configuration.
var ErrFatal = errors.New("fatal")

// CycleFunc runs one poll cycle. n counts cycles from 1.
type CycleFunc func(ctx context.Context, n int) (stats.Summary, error)

// Runner calls a cycle immediately and then once per interval until its
// context ends. Cycles never overlap.
type Runner struct {
	interval  time.Duration
	cycle     CycleFunc
	logger    *slog.Logger
	collector *stats.Collector
	cycles    int
}

func New(interval time.Duration, cycle CycleFunc, logger *slog.Logger) (*Runner, error) {
	if interval <= 0 {
		return nil, fmt.Errorf("poll interval must be positive")
	}
	if cycle == nil {
		return nil, fmt.Errorf("cycle must not be nil")
	}
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &Runner{
		interval:  interval,
		cycle:     cycle,
		logger:    logger,
		collector: stats.NewCollector(),
	}, nil
}

// Run polls until ctx is cancelled or a cycle fails with ErrFatal. Other
// cycle errors are logged and the next cycle runs as scheduled.
func (r *Runner) Run(ctx context.Context) error {
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

loop:
	for {
		if err := r.RunOnce(ctx); errors.Is(err, ErrFatal) {
			return err
		}
		if ctx.Err() != nil {
			break
		}

		select {
		case <-ctx.Done():
			break loop
		case <-ticker.C:
		}
	}

	summary, cycles := r.collector.Snapshot()
	r.logger.Info("poll loop stopped", append(summary.LogAttrs(), "cycles", cycles)...)
	return nil
}

// RunOnce runs a single cycle and logs its summary.
func (r *Runner) RunOnce(ctx context.Context) error {
	r.cycles++
	started := time.Now()

	summary, err := r.cycle(ctx, r.cycles)
	r.collector.Record(summary)

	attrs := append(summary.LogAttrs(), "cycle", r.cycles, "duration", time.Since(started))
	if err != nil {
		r.logger.Error("cycle failed", append(attrs, "err", err)...)
		return err
	}
	r.logger.Info("cycle completed", attrs...)
	return nil
}

// Totals returns the summary of every cycle run so far.
func (r *Runner) Totals() (stats.Summary, int) {
	return r.collector.Snapshot()
}
