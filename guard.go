package leaseguard

import (
	"context"
	"fmt"
	"strings"
	"time"
)

// Guard keeps at most one instance of a fleet attached to a single-consumer
// channel. It holds the master and execution leases in a shared store, starts
// the consumer once both are held and stops it as soon as either is lost.
type Guard struct {
	instance    *Instance
	options     options
	coordinator *coordinator
}

// NewGuard creates a new Guard. connect opens the lease store when Run is
// called; channel is probed before any lease is claimed; consumer is started
// and stopped as execution ownership changes.
func NewGuard(connect Connector, channel Channel, consumer Consumer, opts ...Option) *Guard {
	var options = defaultOptions()
	for _, opt := range opts {
		opt(&options)
	}

	var instance = newInstance(options.clock.Now())

	return &Guard{
		instance:    instance,
		options:     options,
		coordinator: newCoordinator(connect, channel, consumer, instance, options),
	}
}

// Run connects to the store and drives the lifecycle until the guard shuts
// down. Cancelling ctx performs a graceful shutdown with reason SIGNAL.
// An error is returned only when the store cannot be reached at startup.
func (g *Guard) Run(ctx context.Context) error {
	return g.coordinator.run(ctx)
}

// Stop stops the consumer and releases every lease and task lock of this
// guard. It is safe to call more than once and from any state.
func (g *Guard) Stop(ctx context.Context) {
	g.coordinator.stop(ctx, ReasonStopped)
}

// Done is closed once the guard reaches TERMINATED.
func (g *Guard) Done() <-chan struct{} {
	return g.coordinator.done
}

// HolderID returns the identifier written on this guard's leases.
func (g *Guard) HolderID() string {
	return g.instance.HolderID()
}

// State returns the current lifecycle state.
func (g *Guard) State() State {
	return g.instance.State()
}

// Stats returns a snapshot of the guard's counters.
func (g *Guard) Stats() Stats {
	return g.instance.Stats()
}

// ReportChannelConflict records that the consumer saw another consumer on the
// channel. While an active guard has a recent conflict and another live
// execution lease exists, its next consistency check shuts it down.
func (g *Guard) ReportChannelConflict() {
	g.instance.RecordChannelConflict(g.options.clock.Now())
}

// String returns a human readable status.
func (g *Guard) String() string {
	var (
		stats = g.instance.Stats()
		now   = g.options.clock.Now()
		b     strings.Builder
	)

	b.WriteString(fmt.Sprintf("Guard: %s\n", stats.HolderID))
	b.WriteString(fmt.Sprintf("State: %s | Uptime: %s\n", stats.State, now.Sub(stats.StartedAt).Round(time.Second)))
	b.WriteString(fmt.Sprintf("Restarts: %d | Lock failures: %d | Channel errors: %d\n",
		stats.Restarts, stats.LockFailures, stats.ChannelErrors))

	if stats.ConflictDetected {
		b.WriteString(fmt.Sprintf("Last conflict: %s ago\n", now.Sub(stats.LastConflictAt).Round(time.Second)))
	} else {
		b.WriteString("Last conflict: never\n")
	}

	if stats.ShutdownReason != "" {
		b.WriteString(fmt.Sprintf("Shutdown reason: %s\n", stats.ShutdownReason))
	}

	return b.String()
}
