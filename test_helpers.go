package leaseguard

import "context"

// simulateCrash stops all timers and detaches the consumer without releasing
// leases or task locks (for testing).
func (g *Guard) simulateCrash(ctx context.Context) {
	var c = g.coordinator

	c.runMu.Lock()
	defer c.runMu.Unlock()

	c.sched.cancelAll()
	if c.consumerRunning {
		c.consumer.Stop(ctx)
		c.consumerRunning = false
	}
	c.instance.beginShutdown()
}
