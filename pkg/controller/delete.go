package controller

import (
	"context"
	"time"

	"github.com/flowdeck/fleet/pkg/types"
)

// drain asks an assigned pod to flush its session state before deletion.
// Best-effort: a failed drain is logged and deletion proceeds regardless.
func (c *Controller) drain(ctx context.Context, record *types.PodRecord) {
	record.Status = types.PodStatusDraining
	if err := c.store.UpdatePod(ctx, record); err != nil {
		c.logger.Error().Err(err).Str("pod", record.Name).Msg("failed to mark pod draining")
	}

	if record.Address == "" {
		return
	}
	drainCtx, cancel := context.WithTimeout(ctx, c.cfg.DrainTimeout)
	defer cancel()
	if err := c.agent.UnloadState(drainCtx, record.Address); err != nil {
		c.logger.Warn().Err(err).Str("pod", record.Name).Msg("drain failed, deleting anyway")
	}
}

// deletePod is the shared deletion primitive. Deletion is confirmed before
// the record says terminated; if every retry fails the record is left
// draining so the reconciler retries later. The registry must never claim
// a pod is gone while the cluster might still be deleting it.
func (c *Controller) deletePod(ctx context.Context, record *types.PodRecord) {
	err := retryLinear(ctx, 3, time.Second, func() error {
		return c.clusterCall(func() error {
			return c.cluster.DeletePod(ctx, record.Name)
		})
	})
	if err != nil {
		c.logger.Error().Err(err).Str("pod", record.Name).Msg("pod deletion unconfirmed, leaving record draining")
		record.Status = types.PodStatusDraining
		record.Ready = false
		if updateErr := c.store.UpdatePod(ctx, record); updateErr != nil {
			c.logger.Error().Err(updateErr).Str("pod", record.Name).Msg("failed to mark pod draining")
		}
		return
	}

	if err := c.store.MarkTerminated(ctx, record.Name); err != nil {
		c.logger.Error().Err(err).Str("pod", record.Name).Msg("failed to mark pod terminated")
	}
}

// DeleteClusterPod issues one breaker-guarded deletion against the cluster
// without touching the registry. The reconciler's sweeps use it for pods
// that have no record worth updating.
func (c *Controller) DeleteClusterPod(ctx context.Context, name string) error {
	return c.clusterCall(func() error {
		return c.cluster.DeletePod(ctx, name)
	})
}

// ForceTerminate marks a record terminated without touching the cluster.
// Used when the cluster has already confirmed the pod is gone (watch
// delete, reconciler finding no matching pod).
func (c *Controller) ForceTerminate(ctx context.Context, podName string, et types.EventType, details types.EventDetails) {
	if err := c.store.MarkTerminated(ctx, podName); err != nil {
		c.logger.Error().Err(err).Str("pod", podName).Msg("failed to force-terminate record")
		return
	}
	c.event(ctx, podName, et, "", details)
}

// DeleteByName resolves a record and runs the deletion primitive. Used by
// loops that only hold a pod name.
func (c *Controller) DeleteByName(ctx context.Context, podName string) {
	record, err := c.store.GetPod(ctx, podName)
	if err != nil {
		return
	}
	c.deletePod(ctx, record)
}

// DiscardWarm deletes a dead warm pod. There is no session to drain; the
// pod is removed and a health_fail event logged.
func (c *Controller) DiscardWarm(ctx context.Context, podName string) {
	record, err := c.store.GetPod(ctx, podName)
	if err != nil {
		return
	}
	c.deletePod(ctx, record)
	c.event(ctx, podName, types.EventHealthFail, "", types.EventDetails{"pool": "warm"})
}
