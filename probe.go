package leaseguard

import (
	"context"
	"errors"
)

// Probe asks the external channel whether another consumer is attached. The
// channel's own single-consumer enforcement is used as an oracle that does not
// depend on the lease store.
type Probe struct {
	channel  Channel
	tasks    *TaskLockManager
	instance *Instance
	options  options
}

func newProbe(channel Channel, tasks *TaskLockManager, instance *Instance, opts options) *Probe {
	return &Probe{
		channel:  channel,
		tasks:    tasks,
		instance: instance,
		options:  opts,
	}
}

// Probe reports true when the channel currently has no other consumer.
// A conflict seen within the back-off window short-circuits to false without
// calling the channel. Errors other than a conflict also count as occupied.
func (p *Probe) Probe(ctx context.Context) bool {
	if p.instance.ShuttingDown() {
		return false
	}

	var logger = p.options.logger

	if p.instance.ConflictWithin(p.options.clock.Now(), p.options.probeBackoff) {
		logger.Debug("skipping channel probe after recent conflict")
		return false
	}

	var free bool
	ran, err := p.tasks.RunExclusive(ctx, ProbeTaskName, p.options.probeLockTTL, func(ctx context.Context) error {
		var err = p.channel.Probe(ctx)
		switch {
		case err == nil:
			free = true
		case errors.Is(err, ErrChannelConflict):
			p.instance.RecordChannelConflict(p.options.clock.Now())
			logger.Warn("channel reports another consumer", "error", err)
		default:
			p.instance.recordChannelError()
			logger.Warn("channel probe failed, assuming occupied", "error", err)
		}
		return nil
	})
	if err != nil {
		logger.Warn("channel probe failed", "error", err)
		return false
	}
	if !ran {
		logger.Debug("channel probe already in progress")
		return false
	}

	return free
}
