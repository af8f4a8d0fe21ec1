package engine

import (
	"context"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"
)

const (
	defaultPollInitial = 2 * time.Second
	defaultPollCap     = 30 * time.Second
	defaultPollTimeout = 30 * time.Minute
)

// PollOption configures AwaitTask.
type PollOption func(*pollConfig)

type pollConfig struct {
	initial time.Duration
	cap     time.Duration
	timeout time.Duration
}

// WithPollInterval overrides the first poll interval.
func WithPollInterval(d time.Duration) PollOption {
	return func(c *pollConfig) { c.initial = d }
}

// WithPollCap overrides the maximum poll interval.
func WithPollCap(d time.Duration) PollOption {
	return func(c *pollConfig) { c.cap = d }
}

// WithPollTimeout bounds the wait when ctx has no deadline of its own.
func WithPollTimeout(d time.Duration) PollOption {
	return func(c *pollConfig) { c.timeout = d }
}

// AwaitTask polls an export task until it reaches a terminal state or ctx
// expires. The interval doubles after every poll up to the cap. A task that
// ends FAILED or CANCELLED is returned together with an error.
func AwaitTask(ctx context.Context, ex Exporter, id string, opts ...PollOption) (*Task, error) {
	cfg := pollConfig{initial: defaultPollInitial, cap: defaultPollCap, timeout: defaultPollTimeout}
	for _, opt := range opts {
		opt(&cfg)
	}

	if _, ok := ctx.Deadline(); !ok && cfg.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, cfg.timeout)
		defer cancel()
	}

	interval := cfg.initial
	for {
		task, err := ex.GetTask(ctx, id)
		if err != nil {
			return nil, eris.Wrapf(err, "engine: poll task %s", id)
		}

		switch task.State {
		case TaskSucceeded:
			return task, nil
		case TaskFailed:
			return task, eris.Errorf("engine: task %s failed: %s", id, task.Error)
		case TaskCancelled:
			return task, eris.Errorf("engine: task %s cancelled", id)
		}

		zap.L().Debug("engine: task not finished",
			zap.String("task_id", id),
			zap.String("state", string(task.State)),
			zap.Duration("next_poll", interval),
		)

		select {
		case <-ctx.Done():
			return task, eris.Wrapf(ctx.Err(), "engine: await task %s", id)
		case <-time.After(interval):
		}

		interval *= 2
		if interval > cfg.cap {
			interval = cfg.cap
		}
	}
}
