package leaseguard

import (
	"io"
	"log/slog"
	"math/rand/v2"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/spf13/afero"
)

const (
	// ProbeTaskName is the task lock guarding calls to the external channel.
	ProbeTaskName = "channel_probe"

	masterHeartbeatTask    = "master_heartbeat"
	executionHeartbeatTask = "execution_heartbeat"
	maintenanceTask        = "lease_maintenance"
)

// options configures the Guard behavior (internal only).
type options struct {
	leaseTTL           time.Duration
	masterHeartbeat    time.Duration
	executionHeartbeat time.Duration
	heartbeatLockTTL   time.Duration

	taskLockTTL       time.Duration
	taskLockCeiling   time.Duration
	probeLockTTL      time.Duration
	probeLockMaxAge   time.Duration
	foreignLockMaxAge time.Duration

	probeBackoff   time.Duration
	conflictWindow time.Duration

	startupJitterMin    time.Duration
	startupJitterMax    time.Duration
	contendedDelayMin   time.Duration
	contendedDelayMax   time.Duration
	masterRetryMin      time.Duration
	masterRetryMax      time.Duration
	executionRetryDelay time.Duration
	connectionCooldown  time.Duration
	consumerStartDelay  time.Duration
	consistencyInterval time.Duration
	maintenanceInterval time.Duration

	connectTimeout   time.Duration
	operationTimeout time.Duration
	shutdownTimeout  time.Duration

	markerDir string
	fs        afero.Fs
	clock     clockwork.Clock
	rand      *rand.Rand
	logger    *slog.Logger
}

// defaultOptions returns sensible defaults.
func defaultOptions() options {
	return options{
		leaseTTL:           180 * time.Second,
		masterHeartbeat:    15 * time.Second,
		executionHeartbeat: 10 * time.Second,
		heartbeatLockTTL:   20 * time.Second,

		taskLockTTL:       60 * time.Second,
		taskLockCeiling:   2 * time.Minute,
		probeLockTTL:      20 * time.Second,
		probeLockMaxAge:   30 * time.Second,
		foreignLockMaxAge: 5 * time.Minute,

		probeBackoff:   60 * time.Second,
		conflictWindow: 2 * time.Minute,

		startupJitterMin:    20 * time.Second,
		startupJitterMax:    40 * time.Second,
		contendedDelayMin:   15 * time.Second,
		contendedDelayMax:   30 * time.Second,
		masterRetryMin:      20 * time.Second,
		masterRetryMax:      30 * time.Second,
		executionRetryDelay: 20 * time.Second,
		connectionCooldown:  30 * time.Second,
		consumerStartDelay:  3 * time.Second,
		consistencyInterval: 30 * time.Second,
		maintenanceInterval: 60 * time.Second,

		connectTimeout:   15 * time.Second,
		operationTimeout: 15 * time.Second,
		shutdownTimeout:  15 * time.Second,

		markerDir: ".",
		fs:        afero.NewOsFs(),
		clock:     clockwork.NewRealClock(),
		logger:    slog.New(slog.NewTextHandler(io.Discard, nil)),
	}
}

// between returns a random duration in [lo, hi].
func (o options) between(lo, hi time.Duration) time.Duration {
	if hi <= lo {
		return lo
	}

	var span = int64(hi-lo) + 1
	if o.rand != nil {
		return lo + time.Duration(o.rand.Int64N(span))
	}
	return lo + time.Duration(rand.Int64N(span))
}

// Option is a functional option for configuring a Guard.
type Option func(*options)

// WithLeaseTTL sets how long a lease stays live without a heartbeat.
func WithLeaseTTL(ttl time.Duration) Option {
	return func(o *options) {
		o.leaseTTL = ttl
	}
}

// WithHeartbeatIntervals sets the master and execution heartbeat periods.
func WithHeartbeatIntervals(master, execution time.Duration) Option {
	return func(o *options) {
		o.masterHeartbeat = master
		o.executionHeartbeat = execution
	}
}

// WithTaskLockTTL sets the default task lock TTL and the hard ceiling after
// which any task lock is reclaimed regardless of its stated expiry.
func WithTaskLockTTL(ttl, ceiling time.Duration) Option {
	return func(o *options) {
		o.taskLockTTL = ttl
		o.taskLockCeiling = ceiling
	}
}

// WithStartupJitter sets the random delay range applied before contending for leases.
func WithStartupJitter(lo, hi time.Duration) Option {
	return func(o *options) {
		o.startupJitterMin = lo
		o.startupJitterMax = hi
	}
}

// WithConnectionCooldown sets the minimum spacing between execution lease attempts.
func WithConnectionCooldown(cooldown time.Duration) Option {
	return func(o *options) {
		o.connectionCooldown = cooldown
	}
}

// WithConsistencyInterval sets how often an active instance re-validates ownership.
func WithConsistencyInterval(interval time.Duration) Option {
	return func(o *options) {
		o.consistencyInterval = interval
	}
}

// WithTimeouts sets the store connect timeout, the per-operation timeout and the
// overall shutdown timeout.
func WithTimeouts(connect, operation, shutdown time.Duration) Option {
	return func(o *options) {
		o.connectTimeout = connect
		o.operationTimeout = operation
		o.shutdownTimeout = shutdown
	}
}

// WithMarkerDir sets the deployment directory holding the local liveness marker.
// DEFAULT: the working directory
func WithMarkerDir(dir string) Option {
	return func(o *options) {
		o.markerDir = dir
	}
}

// WithFs sets the filesystem used for the local liveness marker.
func WithFs(fs afero.Fs) Option {
	return func(o *options) {
		if fs != nil {
			o.fs = fs
		}
	}
}

// WithClock sets the clock driving timers and lease timestamps.
func WithClock(clock clockwork.Clock) Option {
	return func(o *options) {
		if clock != nil {
			o.clock = clock
		}
	}
}

// WithRand sets the random source used for jitter.
// DEFAULT: the auto-seeded global source
func WithRand(r *rand.Rand) Option {
	return func(o *options) {
		o.rand = r
	}
}

// WithLogger sets the logger for the guard.
// If the logger is nil, the guard will use a no-op logger.
// DEFAULT: A no-op logger
func WithLogger(logger *slog.Logger) Option {
	return func(o *options) {
		if logger == nil {
			o.logger = slog.New(slog.NewTextHandler(io.Discard, nil))
			return
		}

		o.logger = logger
	}
}
