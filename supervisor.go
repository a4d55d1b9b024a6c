package rtfeed

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/rs/zerolog/log"

	"tidbyt.dev/rtfeed/metrics"
)

var errUnexpectedReturn = errors.New("returned without error while context is live")

type SupervisorConfig struct {
	BaseDelay time.Duration
	MaxDelay  time.Duration

	// Restart count is reported here when set.
	Metrics *metrics.Collector

	// Test hook. Defaults to a context aware sleep.
	Sleep func(ctx context.Context, d time.Duration) error
}

func (c SupervisorConfig) withDefaults() SupervisorConfig {
	if c.BaseDelay <= 0 {
		c.BaseDelay = time.Second
	}
	if c.MaxDelay < c.BaseDelay {
		c.MaxDelay = max(time.Minute, c.BaseDelay)
	}
	if c.Sleep == nil {
		c.Sleep = sleepContext
	}
	return c
}

// Runs run until ctx is done, restarting it after a jittered
// exponential backoff whenever it fails, panics or returns early. A
// run that lasts longer than the max delay resets the backoff.
func Supervise(ctx context.Context, name string, run func(ctx context.Context) error, cfg SupervisorConfig) {
	cfg = cfg.withDefaults()

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = cfg.BaseDelay
	b.MaxInterval = cfg.MaxDelay
	b.RandomizationFactor = 0.5
	b.MaxElapsedTime = 0
	b.Reset()

	for attempt := 1; ; attempt++ {
		started := time.Now()
		err := runProtected(ctx, run)
		if ctx.Err() != nil {
			return
		}
		if err == nil {
			err = errUnexpectedReturn
		}

		if time.Since(started) > cfg.MaxDelay {
			b.Reset()
		}
		wait := b.NextBackOff()

		ev := log.Warn()
		msg := "supervised task failed, restarting"
		if IsConnectionError(err) {
			ev = log.Info()
			msg = "supervised task lost connection, restarting"
		}
		ev.Err(err).
			Str("task", name).
			Int("attempt", attempt).
			Dur("wait", wait).
			Msg(msg)

		cfg.Metrics.IncRestart(name)

		if cfg.Sleep(ctx, wait) != nil {
			return
		}
	}
}

func runProtected(ctx context.Context, run func(ctx context.Context) error) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic: %v\n%s", r, debug.Stack())
		}
	}()
	return run(ctx)
}
