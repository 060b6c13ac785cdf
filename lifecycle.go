package leaseguard

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"
)

// Timer names. Each name has at most one pending timer.
const (
	timerStep               = "step"
	timerMasterHeartbeat    = "master_heartbeat"
	timerExecutionHeartbeat = "execution_heartbeat"
	timerConsistencyCheck   = "consistency_check"
	timerStartConsumer      = "start_consumer"
	timerMaintenance        = "maintenance"
)

// coordinator drives the instance state machine from a single dispatcher.
// Transition work is scheduled on the "step" timer; heartbeats, consistency
// checks and maintenance run as periodic timers next to it.
type coordinator struct {
	connect  Connector
	channel  Channel
	consumer Consumer
	instance *Instance
	options  options
	logger   *slog.Logger
	sched    *scheduler
	marker   *Marker

	// runMu is held while a task or the shutdown sequence runs.
	runMu sync.Mutex

	store  Store
	tasks  *TaskLockManager
	probe  *Probe
	leases *LeaseManager

	masterHeld           bool
	executionHeld        bool
	consumerRunning      bool
	lastExecutionAttempt time.Time

	done     chan struct{}
	doneOnce sync.Once
}

// newCoordinator creates a new coordinator.
func newCoordinator(connect Connector, channel Channel, consumer Consumer, instance *Instance, opts options) *coordinator {
	return &coordinator{
		connect:  connect,
		channel:  channel,
		consumer: consumer,
		instance: instance,
		options:  opts,
		logger:   opts.logger.With("holder_id", instance.HolderID()),
		sched:    newScheduler(),
		marker:   newMarker(opts.fs, opts.markerDir, instance.HolderID(), opts.clock),
		done:     make(chan struct{}),
	}
}

// run connects to the store and dispatches timers until shutdown. Cancelling
// ctx triggers the shutdown sequence. Only a failed store connection is
// returned as an error.
func (c *coordinator) run(ctx context.Context) error {
	if err := c.start(ctx); err != nil {
		return err
	}

	for {
		var wait = c.nextWait()

		select {
		case <-c.done:
			return nil
		case <-ctx.Done():
			c.stop(context.WithoutCancel(ctx), ReasonSignal)
			return nil
		case <-c.options.clock.After(wait):
			c.runDue(ctx)
		}
	}
}

// start establishes the store connection, clears crash debris and schedules
// the startup jitter.
func (c *coordinator) start(ctx context.Context) error {
	c.runMu.Lock()
	defer c.runMu.Unlock()

	if c.instance.ShuttingDown() {
		return ErrTerminated
	}

	c.transition(StateConnectingStore)

	var connectCtx, cancel = context.WithTimeout(ctx, c.options.connectTimeout)
	defer cancel()

	store, err := c.connect(connectCtx)
	if err != nil {
		c.logger.Error("failed to connect to lease store", "error", err)
		c.instance.beginShutdown()
		c.instance.setShutdownReason(ReasonStoreUnavailable)
		c.finish()
		return fmt.Errorf("failed to connect to lease store: %w", err)
	}

	c.store = store
	c.tasks = newTaskLockManager(store, c.instance, c.options)
	c.probe = newProbe(c.channel, c.tasks, c.instance, c.options)
	c.leases = newLeaseManager(store, c.tasks, c.probe, c.marker, c.instance, c.options)

	c.tasks.EmergencySweep(ctx)

	var (
		now    = c.options.clock.Now()
		jitter = c.options.between(c.options.startupJitterMin, c.options.startupJitterMax)
	)
	c.sched.every(timerMaintenance, now, c.options.maintenanceInterval, c.maintain)

	c.transition(StateStartupJitter)
	c.logger.Info("connected to lease store, delaying contention", "jitter", jitter)
	c.sched.after(timerStep, now, jitter, c.step)

	return nil
}

// stop runs the shutdown sequence once the running task has finished. It
// returns within the shutdown timeout even when that task never does.
func (c *coordinator) stop(ctx context.Context, reason ShutdownReason) {
	go func() {
		c.runMu.Lock()
		defer c.runMu.Unlock()
		c.shutdown(ctx, reason)
	}()

	var timer = time.NewTimer(c.options.shutdownTimeout)
	defer timer.Stop()

	select {
	case <-c.done:
	case <-timer.C:
		c.logger.Error("shutdown did not complete in time, terminating", "reason", reason)
		if c.instance.beginShutdown() {
			c.instance.setShutdownReason(reason)
		}
		c.finish()
	}
}

func (c *coordinator) nextWait() time.Duration {
	var due, ok = c.sched.next()
	if !ok {
		return time.Minute
	}
	if wait := due.Sub(c.options.clock.Now()); wait > 0 {
		return wait
	}
	return 0
}

// runDue runs every task due at the current clock time.
func (c *coordinator) runDue(ctx context.Context) {
	c.runMu.Lock()
	defer c.runMu.Unlock()

	for !c.instance.ShuttingDown() {
		var task, ok = c.sched.popDue(c.options.clock.Now())
		if !ok {
			return
		}
		c.runTask(ctx, task)
	}
}

func (c *coordinator) runTask(ctx context.Context, task *scheduledTask) {
	defer func() {
		if r := recover(); r != nil {
			c.logger.Error("task panicked", "task", task.name, "panic", r)
			c.shutdown(ctx, ReasonFault)
		}
	}()

	var taskCtx, cancel = context.WithTimeout(ctx, c.options.operationTimeout)
	defer cancel()

	task.fn(taskCtx)
}

func (c *coordinator) transition(s State) {
	if prev := c.instance.setState(s); prev != s && prev != StateTerminated {
		c.logger.Info("state transition", "from", prev, "to", s)
	}
}

func (c *coordinator) scheduleStep(delay time.Duration) {
	c.sched.after(timerStep, c.options.clock.Now(), delay, c.step)
}

// step advances the acquisition part of the state machine.
func (c *coordinator) step(ctx context.Context) {
	switch c.instance.State() {
	case StateStartupJitter:
		c.probeGlobalState(ctx)
	case StateProbeGlobalState, StateAcquiringMaster:
		c.acquireMaster(ctx)
	case StateMasterHeld, StateAcquiringExecution:
		c.acquireExecution(ctx)
	}
}

// probeGlobalState backs off further when another holder owns a live
// execution lease, then moves on to master acquisition.
func (c *coordinator) probeGlobalState(ctx context.Context) {
	c.transition(StateProbeGlobalState)

	leases, err := c.leases.LiveLeases(ctx, LeaseExecution)
	if err != nil {
		var delay = c.options.between(c.options.contendedDelayMin, c.options.contendedDelayMax)
		c.logger.Warn("failed to read global state, backing off", "error", err, "delay", delay)
		c.scheduleStep(delay)
		return
	}

	for _, lease := range leases {
		if lease.HolderID != c.instance.HolderID() {
			var delay = c.options.between(c.options.contendedDelayMin, c.options.contendedDelayMax)
			c.logger.Info("execution lease held elsewhere, backing off",
				"owner", lease.HolderID,
				"delay", delay)
			c.scheduleStep(delay)
			return
		}
	}

	c.acquireMaster(ctx)
}

func (c *coordinator) acquireMaster(ctx context.Context) {
	c.transition(StateAcquiringMaster)

	var acquired bool
	if c.consumerRunning {
		acquired = c.leases.ReacquireMaster(ctx)
	} else {
		acquired = c.leases.AcquireMaster(ctx)
	}

	if !acquired {
		var delay = c.options.between(c.options.masterRetryMin, c.options.masterRetryMax)
		c.logger.Info("master lease not acquired, retrying", "delay", delay)
		c.scheduleStep(delay)
		return
	}

	c.masterHeld = true
	c.sched.every(timerMasterHeartbeat, c.options.clock.Now(), c.options.masterHeartbeat, c.masterHeartbeat)

	if c.executionHeld {
		if c.consumerRunning {
			c.transition(StateActive)
		} else {
			c.transition(StateAcquiringExecution)
		}
		return
	}

	c.transition(StateMasterHeld)
	c.acquireExecution(ctx)
}

func (c *coordinator) acquireExecution(ctx context.Context) {
	c.transition(StateAcquiringExecution)

	var now = c.options.clock.Now()
	if !c.lastExecutionAttempt.IsZero() {
		if wait := c.lastExecutionAttempt.Add(c.options.connectionCooldown).Sub(now); wait > 0 {
			c.logger.Debug("execution attempt within cooldown", "wait", wait)
			c.scheduleStep(wait)
			return
		}
	}
	c.lastExecutionAttempt = now

	if !c.leases.AcquireExecution(ctx) {
		c.logger.Info("execution lease not acquired, retrying", "delay", c.options.executionRetryDelay)
		c.scheduleStep(c.options.executionRetryDelay)
		return
	}

	c.executionHeld = true
	c.sched.every(timerExecutionHeartbeat, now, c.options.executionHeartbeat, c.executionHeartbeat)
	c.sched.every(timerConsistencyCheck, now, c.options.consistencyInterval, c.consistencyCheck)
	c.sched.after(timerStartConsumer, now, c.options.consumerStartDelay, c.startConsumer)
}

func (c *coordinator) startConsumer(ctx context.Context) {
	if !c.executionHeld {
		return
	}

	if !c.consumer.Start(ctx) {
		c.logger.Error("consumer failed to start")
		c.instance.recordRestart()
		c.loseExecution(ctx)
		return
	}

	c.consumerRunning = true
	c.logger.Info("consumer started")

	if c.masterHeld {
		c.transition(StateActive)
	}
}

func (c *coordinator) stopConsumer(ctx context.Context) {
	if !c.consumerRunning {
		return
	}
	if !c.consumer.Stop(ctx) {
		c.logger.Warn("consumer did not confirm stop")
	}
	c.consumerRunning = false
	c.logger.Info("consumer stopped")
}

// loseExecution stops the consumer, drops execution timers and returns to
// acquisition.
func (c *coordinator) loseExecution(ctx context.Context) {
	c.transition(StateReleasingExecution)

	c.sched.cancel(timerExecutionHeartbeat, timerConsistencyCheck, timerStartConsumer)
	c.stopConsumer(ctx)
	c.executionHeld = false

	if err := c.leases.ReleaseExecution(ctx); err != nil {
		c.logger.Warn("failed to release execution lease", "error", err)
	}

	if c.masterHeld {
		c.transition(StateAcquiringExecution)
		c.scheduleStep(c.options.executionRetryDelay)
		return
	}

	c.transition(StateAcquiringMaster)
	if !c.sched.has(timerStep) {
		c.scheduleStep(0)
	}
}

func (c *coordinator) executionHeartbeat(ctx context.Context) {
	if c.leases.Heartbeat(ctx, LeaseExecution) {
		return
	}

	c.logger.Warn("execution lease lost, stopping consumer")
	c.instance.recordRestart()
	c.loseExecution(ctx)
}

func (c *coordinator) masterHeartbeat(ctx context.Context) {
	if c.leases.Heartbeat(ctx, LeaseMaster) {
		return
	}

	c.logger.Warn("master lease lost, re-acquiring")
	c.sched.cancel(timerMasterHeartbeat)
	c.masterHeld = false
	c.transition(StateAcquiringMaster)
	c.scheduleStep(0)
}

// consistencyCheck repairs the local marker and yields ownership when a
// split-brain is detected.
func (c *coordinator) consistencyCheck(ctx context.Context) {
	status, err := c.marker.Ensure()
	switch {
	case err != nil:
		c.logger.Warn("failed to repair liveness marker", "status", status, "error", err)
	case status != MarkerValid:
		c.logger.Warn("liveness marker recreated", "status", status)
	}

	if !c.leases.CheckConflicts(ctx) {
		c.logger.Error("conflicting owner detected, yielding")
		c.shutdown(ctx, ReasonConflictAvoidance)
	}
}

func (c *coordinator) maintain(ctx context.Context) {
	_, _ = c.tasks.RunExclusive(ctx, maintenanceTask, 0, func(ctx context.Context) error {
		c.leases.ReclaimStale(ctx)
		c.tasks.SweepExpired(ctx)
		return nil
	})
}

// shutdown stops the consumer, cancels timers, releases everything this holder
// owns and closes the store. It runs at most once and always ends TERMINATED
// within the shutdown timeout; steps still running then are abandoned.
func (c *coordinator) shutdown(ctx context.Context, reason ShutdownReason) {
	if !c.instance.beginShutdown() {
		return
	}

	var shutdownCtx, cancel = context.WithTimeout(context.WithoutCancel(ctx), c.options.shutdownTimeout)
	defer cancel()

	c.instance.setShutdownReason(reason)
	c.logger.Info("shutting down", "reason", reason)
	c.transition(StateShuttingDown)

	c.sched.cancelAll()
	c.consumerRunning = false
	c.masterHeld = false
	c.executionHeld = false

	var (
		consumer = c.consumer
		leases   = c.leases
		store    = c.store
		finished = make(chan struct{})
	)

	go func() {
		defer close(finished)

		c.safely("stop consumer", func() error {
			if consumer != nil && !consumer.Stop(shutdownCtx) {
				return errors.New("consumer did not confirm stop")
			}
			return nil
		})

		c.safely("release ownership", func() error {
			if leases == nil {
				return nil
			}
			return leases.ReleaseAll(shutdownCtx)
		})

		c.safely("close store", func() error {
			if store == nil {
				return nil
			}
			return store.Close()
		})
	}()

	select {
	case <-finished:
	case <-shutdownCtx.Done():
		c.logger.Error("shutdown timed out, abandoning remaining steps", "timeout", c.options.shutdownTimeout)
	}

	c.finish()
}

// finish marks the instance TERMINATED and closes done exactly once.
func (c *coordinator) finish() {
	c.doneOnce.Do(func() {
		c.transition(StateTerminated)
		close(c.done)
	})
}

func (c *coordinator) safely(step string, fn func() error) {
	defer func() {
		if r := recover(); r != nil {
			c.logger.Error("shutdown step panicked", "step", step, "panic", r)
		}
	}()

	if err := fn(); err != nil {
		c.logger.Warn("shutdown step failed", "step", step, "error", err)
	}
}
