package controller

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/flowdeck/fleet/pkg/metrics"
	"github.com/flowdeck/fleet/pkg/registry"
	"github.com/flowdeck/fleet/pkg/types"
)

// Assign returns the address of a live pod assigned to the tenant,
// claiming a warm pod or creating one on demand. It is race-free under
// concurrent calls for the same tenant: the whole sequence, including the
// state handoff, runs under a tenant-scoped advisory lock. The on-demand
// path creates the pod inside that lock, so duplicate requests from the
// same tenant wait on the creation they share rather than starting another.
func (c *Controller) Assign(ctx context.Context, tenantID string) (string, error) {
	if tenantID == "" {
		return "", errors.New("tenant id is required")
	}
	if c.shuttingDown.Load() {
		return "", ErrShuttingDown
	}

	timer := metrics.NewTimer()
	var address string
	err := c.store.WithLock(ctx, "assign:"+tenantID, func(ctx context.Context) error {
		var lockErr error
		address, lockErr = c.assignLocked(ctx, tenantID)
		return lockErr
	})

	switch {
	case err == nil:
		metrics.AssignmentsTotal.WithLabelValues("ok").Inc()
		timer.ObserveDuration(metrics.AssignmentDuration)
	case errors.Is(err, ErrUnavailable):
		metrics.AssignmentsTotal.WithLabelValues("unavailable").Inc()
	default:
		metrics.AssignmentsTotal.WithLabelValues("error").Inc()
	}
	return address, err
}

func (c *Controller) assignLocked(ctx context.Context, tenantID string) (string, error) {
	logger := c.logger.With().Str("tenant_id", tenantID).Logger()

	// Reuse the existing assignment if its pod is still alive
	existing, err := c.store.GetAssigned(ctx, tenantID)
	if err == nil {
		probeCtx, cancel := context.WithTimeout(ctx, c.cfg.ProbeTimeout)
		probeErr := c.agent.Health(probeCtx, existing.Address)
		cancel()
		if probeErr == nil {
			if err := c.store.TouchActivity(ctx, existing.Name, time.Now()); err != nil {
				logger.Warn().Err(err).Msg("failed to bump activity on existing assignment")
			}
			return existing.Address, nil
		}

		logger.Warn().Str("pod", existing.Name).Err(probeErr).Msg("assigned pod is dead, replacing")
		c.event(ctx, existing.Name, types.EventError, tenantID, types.EventDetails{
			"error": "assigned pod unreachable: " + probeErr.Error(),
		})
		c.deletePod(ctx, existing)
	} else if !errors.Is(err, registry.ErrNotFound) {
		return "", fmt.Errorf("failed to look up existing assignment: %w", err)
	}

	// Claim from the warm pool
	for attempt := 0; attempt < 3; attempt++ {
		claimed, err := c.store.ClaimWarm(ctx, tenantID, time.Now())
		if errors.Is(err, registry.ErrNoWarmPods) {
			break
		}
		if err != nil {
			return "", fmt.Errorf("warm pod claim failed: %w", err)
		}

		probeCtx, cancel := context.WithTimeout(ctx, c.cfg.ProbeTimeout)
		probeErr := c.agent.Health(probeCtx, claimed.Address)
		cancel()
		if probeErr != nil {
			logger.Warn().Str("pod", claimed.Name).Err(probeErr).Msg("claimed warm pod is dead, retrying")
			c.deletePod(ctx, claimed)
			continue
		}

		handoffCtx, cancel := context.WithTimeout(ctx, c.cfg.ProbeTimeout)
		handoffErr := c.agent.LoadState(handoffCtx, claimed.Address, tenantID)
		cancel()
		if handoffErr != nil {
			// Never hand out a pod whose state load failed
			logger.Warn().Str("pod", claimed.Name).Err(handoffErr).Msg("state handoff failed, retrying")
			c.deletePod(ctx, claimed)
			continue
		}

		c.event(ctx, claimed.Name, types.EventAssigned, tenantID, types.EventDetails{"address": claimed.Address})
		logger.Info().Str("pod", claimed.Name).Msg("assigned warm pod")
		c.TriggerRefill()
		return claimed.Address, nil
	}

	// On-demand fallback under an explicit admission cap. Never queue.
	if c.breaker.IsOpen() {
		return "", fmt.Errorf("%w: control plane unavailable", ErrUnavailable)
	}
	if int(c.onDemand.Add(1)) > c.cfg.OnDemandCap {
		c.onDemand.Add(-1)
		return "", fmt.Errorf("%w: on-demand creation cap reached", ErrUnavailable)
	}
	metrics.OnDemandInFlight.Set(float64(c.onDemand.Load()))
	defer func() {
		c.onDemand.Add(-1)
		metrics.OnDemandInFlight.Set(float64(c.onDemand.Load()))
	}()

	logger.Info().Msg("no warm pods, creating on demand")
	record, err := c.provisionAssigned(ctx, tenantID)
	if err != nil {
		return "", err
	}

	c.event(ctx, record.Name, types.EventAssigned, tenantID, types.EventDetails{
		"address":   record.Address,
		"on_demand": true,
	})
	c.TriggerRefill()
	return record.Address, nil
}

// GetAddressForTenant returns the tenant's assigned pod address without
// probing. registry.ErrNotFound means the tenant has no live assignment.
func (c *Controller) GetAddressForTenant(ctx context.Context, tenantID string) (string, error) {
	record, err := c.store.GetAssigned(ctx, tenantID)
	if err != nil {
		return "", err
	}
	return record.Address, nil
}

// Release drains and deletes a pod, logging the reason, then refills the
// pool. Used by the reaper, the admin surface, and external callers.
func (c *Controller) Release(ctx context.Context, podName string, reason types.EventType) error {
	record, err := c.store.GetPod(ctx, podName)
	if err != nil {
		return err
	}
	if record.Status.Terminal() {
		return nil
	}

	tenantID := record.AssignedTenantID
	prior := record.Status
	if record.Status == types.PodStatusAssigned {
		c.drain(ctx, record)
	}
	c.deletePod(ctx, record)

	// The pre-release status lets the stats side tell a real session end
	// from a warm pod being discarded.
	c.event(ctx, podName, types.EventReleased, tenantID, types.EventDetails{
		"reason": string(reason),
		"status": string(prior),
	})
	if reason != types.EventReleased {
		c.event(ctx, podName, reason, tenantID, nil)
	}

	c.logger.Info().Str("pod", podName).Str("reason", string(reason)).Msg("pod released")
	c.TriggerRefill()
	return nil
}
