package service

import (
	"context"
	"fmt"
	"time"

	"github.com/gantryci/gantry/pkg/models"
)

const (
	DefaultInterval = 10 * time.Second
	DefaultTimeout  = 30 * time.Second
	DefaultRetries  = 5
)

// pollUntilReady waits interval between attempts and runs probe up to
// retries times, each attempt bounded by the health check timeout. It
// returns an error wrapping ErrUnavailable when every attempt fails, so a
// service becoming ready on the Nth poll proceeds at roughly N*interval
// elapsed.
func pollUntilReady(ctx context.Context, name string, hc models.HealthCheck, probe func(context.Context) error) error {
	interval := hc.Interval.Std()
	if interval <= 0 {
		interval = DefaultInterval
	}
	timeout := hc.Timeout.Std()
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	retries := hc.Retries
	if retries <= 0 {
		retries = DefaultRetries
	}

	var lastErr error
	for attempt := 0; attempt < retries; attempt++ {
		select {
		case <-ctx.Done():
			return fmt.Errorf("service %s: %w: %v", name, ErrUnavailable, ctx.Err())
		case <-time.After(interval):
		}

		attemptCtx, cancel := context.WithTimeout(ctx, timeout)
		lastErr = probe(attemptCtx)
		cancel()
		if lastErr == nil {
			return nil
		}
	}

	return fmt.Errorf("service %s: %w after %d attempts: %v", name, ErrUnavailable, retries, lastErr)
}
