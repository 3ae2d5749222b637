package controller

import (
	"context"
	"sync"
	"time"

	"github.com/flowdeck/fleet/pkg/types"
)

// Shutdown stops accepting assignments, waits briefly for pods reporting
// in-flight flow executions, then drains and deletes every non-terminal
// pod. Pods that stay busy past the grace window are deleted anyway.
func (c *Controller) Shutdown(ctx context.Context) error {
	c.shuttingDown.Store(true)
	c.logger.Info().Msg("shutting down, draining fleet")

	deadline := time.Now().Add(c.cfg.ShutdownGrace)
	for time.Now().Before(deadline) {
		busy := c.busyPods(ctx)
		if len(busy) == 0 {
			break
		}
		c.logger.Info().Int("busy", len(busy)).Msg("waiting for in-flight flows before shutdown")
		select {
		case <-time.After(c.cfg.ShutdownPollEach):
		case <-ctx.Done():
			return ctx.Err()
		}
	}

	records, err := c.store.ListByStatus(ctx,
		types.PodStatusStarting, types.PodStatusWarm,
		types.PodStatusAssigned, types.PodStatusDraining)
	if err != nil {
		return err
	}

	var wg sync.WaitGroup
	for _, record := range records {
		wg.Add(1)
		go func(record *types.PodRecord) {
			defer wg.Done()
			if record.Status == types.PodStatusAssigned {
				c.drain(ctx, record)
			}
			c.deletePod(ctx, record)
		}(record)
	}
	wg.Wait()

	c.logger.Info().Int("pods", len(records)).Msg("fleet drained")
	return nil
}

// busyPods returns the names of assigned pods currently reporting
// in-flight flow executions.
func (c *Controller) busyPods(ctx context.Context) []string {
	records, err := c.store.ListByStatus(ctx, types.PodStatusAssigned)
	if err != nil {
		c.logger.Error().Err(err).Msg("failed to list assigned pods")
		return nil
	}

	var mu sync.Mutex
	var busy []string
	var wg sync.WaitGroup
	for _, record := range records {
		wg.Add(1)
		go func(record *types.PodRecord) {
			defer wg.Done()
			probeCtx, cancel := context.WithTimeout(ctx, c.cfg.ProbeTimeout)
			defer cancel()
			report, err := c.agent.Activity(probeCtx, record.Address)
			if err != nil {
				return // unreachable pods do not hold up shutdown
			}
			if report.FlowsRunning > 0 {
				mu.Lock()
				busy = append(busy, record.Name)
				mu.Unlock()
			}
		}(record)
	}
	wg.Wait()
	return busy
}
