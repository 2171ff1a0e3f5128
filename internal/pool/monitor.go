package pool

import (
	"context"
	"time"

	"github.com/calyx-ai/switchboard/internal/core/domain"
	"go.uber.org/zap"
)

const probeTimeout = 5 * time.Second

// ProbeAll health-checks every probeable instance once. BUSY instances are
// skipped (a probe would interleave with a live session) and so are
// INITIALIZING placeholders. Probes run outside the pool lock.
func (c *Controller) ProbeAll(ctx context.Context) {
	c.mu.Lock()
	instances := make([]*Instance, len(c.instances))
	copy(instances, c.instances)
	c.mu.Unlock()

	for _, inst := range instances {
		select {
		case <-ctx.Done():
			return
		default:
		}

		switch inst.State() {
		case domain.StateBusy, domain.StateInitializing, domain.StateInactive:
			continue
		}
		if inst.Client == nil {
			continue
		}

		probeCtx, cancel := context.WithTimeout(ctx, probeTimeout)
		err := inst.Client.HealthCheck(probeCtx)
		cancel()

		if err != nil {
			inst.ProbeFailure()
			c.logger.Warn("health probe failed",
				zap.String("instance", inst.ID),
				zap.Error(err))
			continue
		}
		if inst.ProbeSuccess() {
			c.logger.Info("instance recovered", zap.String("instance", inst.ID))
			c.emit("instance_recovered", inst.ID)
		}
	}
	c.updateGauges()
}
