package controller

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/flowdeck/fleet/pkg/types"
)

// DrainAll releases every assigned pod and deletes the rest of the fleet.
// Operator action; the pool refills afterwards unless the target is zero.
func (c *Controller) DrainAll(ctx context.Context) error {
	records, err := c.store.ListByStatus(ctx,
		types.PodStatusStarting, types.PodStatusWarm,
		types.PodStatusAssigned, types.PodStatusDraining)
	if err != nil {
		return fmt.Errorf("failed to list pods for drain-all: %w", err)
	}

	c.event(ctx, "", types.EventAdminDrainAll, "", types.EventDetails{"pods": len(records)})

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

	c.logger.Info().Int("pods", len(records)).Msg("drain-all complete")
	c.TriggerRefill()
	return nil
}

// AdminRelease releases one pod on operator request
func (c *Controller) AdminRelease(ctx context.Context, podName string) error {
	return c.Release(ctx, podName, types.EventAdminRelease)
}

// CleanupTerminated removes terminated records older than the cutoff.
// The event log is untouched; only pod rows are garbage-collected.
func (c *Controller) CleanupTerminated(ctx context.Context, olderThan time.Duration) (int64, error) {
	cutoff := time.Now().Add(-olderThan)
	deleted, err := c.store.DeleteTerminatedBefore(ctx, cutoff)
	if err != nil {
		return 0, fmt.Errorf("terminated-row cleanup failed: %w", err)
	}

	c.event(ctx, "", types.EventAdminCleanup, "", types.EventDetails{
		"deleted": deleted,
		"cutoff":  cutoff.Format(time.RFC3339),
	})
	c.logger.Info().Int64("deleted", deleted).Msg("cleaned up old terminated records")
	return deleted, nil
}
