package pool

import (
	"context"
	"time"

	"github.com/calyx-ai/switchboard/internal/core/domain"
	"go.uber.org/zap"
)

// RunAutoscaler samples utilization on the configured interval and applies at
// most one scale action per sample. Blocks until ctx is cancelled.
func (c *Controller) RunAutoscaler(ctx context.Context) {
	interval := c.settings.SampleInterval
	if interval <= 0 {
		interval = 5 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			c.evaluate(ctx, time.Now())
		}
	}
}

// evaluate makes one scale decision for the given instant. Split out from the
// ticker loop so the hysteresis and cooldown rules are testable with an
// injected clock.
func (c *Controller) evaluate(ctx context.Context, now time.Time) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	size := len(c.instances)
	busy := 0
	for _, inst := range c.instances {
		if inst.State() == domain.StateBusy {
			busy++
		}
	}
	cooldown := c.settings.Cooldown
	inCooldown := !c.lastScaleAt.IsZero() && now.Sub(c.lastScaleAt) < cooldown
	c.mu.Unlock()

	if size == 0 || inCooldown {
		return
	}

	utilization := float64(busy) / float64(size)

	switch {
	case utilization > c.settings.ScaleUpThreshold && size < c.max:
		c.markScaled(now)
		c.logger.Info("scaling up",
			zap.Float64("utilization", utilization),
			zap.Int("size", size))
		c.metrics.ObserveScaleEvent(c.providerName, "up")
		c.emit("scale_up", "")
		// construction is slow; do it off the sample loop
		go func() {
			if _, err := c.addInstance(ctx); err != nil {
				c.logger.Warn("scale up failed", zap.Error(err))
			}
		}()

	case utilization < c.settings.ScaleDownThreshold && size > c.min:
		if inst := c.retireOne(); inst != nil {
			c.markScaled(now)
			c.logger.Info("scaling down",
				zap.Float64("utilization", utilization),
				zap.Int("size", size-1))
			c.metrics.ObserveScaleEvent(c.providerName, "down")
			c.emit("scale_down", inst.ID)
		}
	}
}

func (c *Controller) markScaled(now time.Time) {
	c.mu.Lock()
	c.lastScaleAt = now
	c.mu.Unlock()
}

// retireOne removes the least recently used ACTIVE instance. BUSY instances
// are never candidates; if everything is busy or failed, no action is taken.
// The size floor is re-checked and the victim spliced out under one lock, so
// a concurrent removal (say, a discarded scale-up placeholder) cannot push
// the pool below min.
func (c *Controller) retireOne() *Instance {
	c.mu.Lock()
	if len(c.instances) <= c.min {
		c.mu.Unlock()
		return nil
	}

	victimIdx := -1
	for i, inst := range c.instances {
		if inst.State() != domain.StateActive {
			continue
		}
		if victimIdx == -1 || inst.LastUsedAt().Before(c.instances[victimIdx].LastUsedAt()) {
			victimIdx = i
		}
	}
	if victimIdx == -1 {
		c.mu.Unlock()
		return nil
	}
	victim := c.instances[victimIdx]
	if !victim.TryRetire() {
		c.mu.Unlock()
		return nil
	}
	c.spliceLocked(victimIdx)
	c.mu.Unlock()

	if victim.Client != nil {
		victim.Client.Cleanup()
	}
	c.updateGauges()
	return victim
}
