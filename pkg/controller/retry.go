package controller

import (
	"context"
	"math/rand"
	"time"
)

// retryExpBackoff runs fn up to attempts times with jittered exponential
// backoff, capped at max. Returns the last error.
func retryExpBackoff(ctx context.Context, attempts int, base, max time.Duration, fn func() error) error {
	var err error
	delay := base
	for i := 0; i < attempts; i++ {
		if err = fn(); err == nil {
			return nil
		}
		if i == attempts-1 {
			break
		}

		sleep := delay + time.Duration(rand.Int63n(int64(delay/2)+1))
		if sleep > max {
			sleep = max
		}
		select {
		case <-time.After(sleep):
		case <-ctx.Done():
			return ctx.Err()
		}
		delay *= 2
	}
	return err
}

// retryLinear runs fn up to attempts times with a fixed step between
// attempts (step, 2*step, ...). Returns the last error.
func retryLinear(ctx context.Context, attempts int, step time.Duration, fn func() error) error {
	var err error
	for i := 0; i < attempts; i++ {
		if err = fn(); err == nil {
			return nil
		}
		if i == attempts-1 {
			break
		}
		select {
		case <-time.After(time.Duration(i+1) * step):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return err
}
