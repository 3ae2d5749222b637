package controller

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/flowdeck/fleet/pkg/cluster"
	"github.com/flowdeck/fleet/pkg/metrics"
	"github.com/flowdeck/fleet/pkg/types"
)

// newPodName generates a unique, stable pod name
func newPodName() string {
	return "editor-" + strings.ReplaceAll(uuid.NewString(), "-", "")[:12]
}

// provisionWarm creates a pod and parks it in the warm pool
func (c *Controller) provisionWarm(ctx context.Context) (*types.PodRecord, error) {
	record, err := c.provisionPod(ctx)
	if err != nil {
		return nil, err
	}

	record.Status = types.PodStatusWarm
	record.Ready = true
	if err := c.store.UpdatePod(ctx, record); err != nil {
		return nil, fmt.Errorf("failed to mark pod %s warm: %w", record.Name, err)
	}

	c.event(ctx, record.Name, types.EventCreated, "", types.EventDetails{"address": record.Address})
	c.logger.Info().Str("pod", record.Name).Str("address", record.Address).Msg("warm pod ready")
	return record, nil
}

// provisionAssigned creates a pod directly assigned to a tenant, including
// the session-state handoff. Used by the on-demand assignment path.
func (c *Controller) provisionAssigned(ctx context.Context, tenantID string) (*types.PodRecord, error) {
	record, err := c.provisionPod(ctx)
	if err != nil {
		return nil, err
	}

	if err := c.agent.LoadState(ctx, record.Address, tenantID); err != nil {
		c.failProvision(ctx, record, "load-state", err)
		return nil, fmt.Errorf("state handoff to pod %s failed: %w", record.Name, err)
	}

	now := time.Now()
	record.Status = types.PodStatusAssigned
	record.Ready = true
	record.AssignedTenantID = tenantID
	record.AssignedAt = &now
	record.LastActivityAt = &now
	if err := c.store.UpdatePod(ctx, record); err != nil {
		return nil, fmt.Errorf("failed to mark pod %s assigned: %w", record.Name, err)
	}

	c.event(ctx, record.Name, types.EventCreated, tenantID, types.EventDetails{
		"address":   record.Address,
		"on_demand": true,
	})
	return record, nil
}

// provisionPod runs the shared create → wait-ready → liveness-probe
// sequence. On success the returned record is still starting with its
// address filled in; the caller settles the final status.
func (c *Controller) provisionPod(ctx context.Context) (*types.PodRecord, error) {
	timer := metrics.NewTimer()

	record := &types.PodRecord{
		Name:      newPodName(),
		Status:    types.PodStatusStarting,
		CreatedAt: time.Now(),
	}
	if err := c.store.CreatePod(ctx, record); err != nil {
		return nil, fmt.Errorf("failed to insert pod record: %w", err)
	}

	// Create with bounded retry; each attempt goes through the breaker
	err := retryExpBackoff(ctx, 3, time.Second, 8*time.Second, func() error {
		return c.clusterCall(func() error {
			return c.cluster.CreatePod(ctx, record.Name)
		})
	})
	if err != nil {
		c.failProvision(ctx, record, "create", err)
		return nil, fmt.Errorf("%w: %v", ErrProvisionFailed, err)
	}

	address, err := c.waitReady(ctx, record.Name)
	if err != nil {
		c.failProvision(ctx, record, "wait-ready", err)
		return nil, fmt.Errorf("%w: %v", ErrProvisionFailed, err)
	}
	record.Address = address

	// The cluster says Ready; confirm the editor runtime actually answers
	// before anything is routed at it.
	probeCtx, cancel := context.WithTimeout(ctx, c.cfg.ProbeTimeout)
	err = c.agent.Health(probeCtx, address)
	cancel()
	if err != nil {
		c.failProvision(ctx, record, "probe", err)
		return nil, fmt.Errorf("%w: %v", ErrProvisionFailed, err)
	}

	if err := c.store.UpdatePod(ctx, record); err != nil {
		return nil, fmt.Errorf("failed to store pod address: %w", err)
	}

	timer.ObserveDuration(metrics.ProvisionDuration)
	return record, nil
}

// waitReady polls the cluster until the pod is Ready with an address, a
// terminal or crash-looping state appears, or the readiness timeout expires.
func (c *Controller) waitReady(ctx context.Context, name string) (string, error) {
	deadline := time.Now().Add(c.cfg.ReadyTimeout)
	ticker := time.NewTicker(c.cfg.ReadyPollEvery)
	defer ticker.Stop()

	for {
		var state *cluster.PodState
		err := c.clusterCall(func() error {
			var getErr error
			state, getErr = c.cluster.GetPod(ctx, name)
			return getErr
		})
		switch {
		case err != nil:
			// Transient; keep polling until the deadline
		case state.Failure != "":
			return "", fmt.Errorf("pod %s failed to start: %s", name, state.Failure)
		case state.Terminal():
			return "", fmt.Errorf("pod %s reached terminal phase %s", name, state.Phase)
		case state.Ready && state.Address != "":
			return state.Address, nil
		}

		if time.Now().After(deadline) {
			return "", fmt.Errorf("pod %s not ready after %s", name, c.cfg.ReadyTimeout)
		}
		select {
		case <-ticker.C:
		case <-ctx.Done():
			return "", ctx.Err()
		}
	}
}

// failProvision discards a half-provisioned pod: terminate the record,
// best-effort delete the cluster pod, log the failure.
func (c *Controller) failProvision(ctx context.Context, record *types.PodRecord, stage string, cause error) {
	metrics.ProvisionFailures.Inc()

	if err := c.store.MarkTerminated(ctx, record.Name); err != nil {
		c.logger.Error().Err(err).Str("pod", record.Name).Msg("failed to terminate record after provisioning failure")
	}
	_ = c.clusterCall(func() error {
		return c.cluster.DeletePod(ctx, record.Name)
	})

	c.event(ctx, record.Name, types.EventError, "", types.EventDetails{
		"stage": stage,
		"error": cause.Error(),
	})
	c.logger.Error().Err(cause).Str("pod", record.Name).Str("stage", stage).Msg("pod provisioning failed")
}
