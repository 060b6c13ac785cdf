package leaseguard

import (
	"context"
	"fmt"
	"math/rand/v2"
	"sync"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/spf13/afero"
	"github.com/stretchr/testify/require"
)

// fakeChannel behaves like a single-consumer queue: probing it while any
// consumer is attached reports a conflict.
type fakeChannel struct {
	mu       sync.Mutex
	attached map[string]bool
	peak     int
	probes   int
	err      error
}

func newFakeChannel() *fakeChannel {
	return &fakeChannel{attached: make(map[string]bool)}
}

func (c *fakeChannel) Probe(context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.probes++
	if c.err != nil {
		return c.err
	}
	if len(c.attached) > 0 {
		return fmt.Errorf("%w: %d consumers attached", ErrChannelConflict, len(c.attached))
	}
	return nil
}

func (c *fakeChannel) attach(id string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.attached[id] = true
	c.peak = max(c.peak, len(c.attached))
}

func (c *fakeChannel) detach(id string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.attached, id)
}

func (c *fakeChannel) peakConsumers() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.peak
}

func (c *fakeChannel) probeCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.probes
}

func (c *fakeChannel) setErr(err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.err = err
}

type fakeConsumer struct {
	id      string
	channel *fakeChannel

	mu         sync.Mutex
	running    bool
	starts     int
	stops      int
	failStart  bool
	panicStart bool
	stopGate   chan struct{}
}

func newFakeConsumer(id string, channel *fakeChannel) *fakeConsumer {
	return &fakeConsumer{id: id, channel: channel}
}

func (c *fakeConsumer) Start(context.Context) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.starts++
	if c.panicStart {
		panic("consumer exploded")
	}
	if c.failStart {
		return false
	}
	c.channel.attach(c.id)
	c.running = true
	return true
}

func (c *fakeConsumer) Stop(context.Context) bool {
	c.mu.Lock()
	var gate = c.stopGate
	c.mu.Unlock()
	if gate != nil {
		<-gate
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if c.running {
		c.stops++
	}
	c.channel.detach(c.id)
	c.running = false
	return true
}

func (c *fakeConsumer) isRunning() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.running
}

func (c *fakeConsumer) counts() (starts, stops int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.starts, c.stops
}

// blockStop makes Stop ignore its context and wait until the test ends.
func (c *fakeConsumer) blockStop(t *testing.T) {
	var gate = make(chan struct{})
	t.Cleanup(func() { close(gate) })

	c.mu.Lock()
	defer c.mu.Unlock()
	c.stopGate = gate
}

func (c *fakeConsumer) setFailStart(fail bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.failStart = fail
}

// cluster is a set of guards sharing one store, one channel and one fake clock.
type cluster struct {
	store   Store
	channel *fakeChannel
	clock   *clockwork.FakeClock
	fs      afero.Fs
	guards  []*Guard
}

func newCluster() *cluster {
	return newClusterOn(NewMemoryStore())
}

func newClusterOn(store Store) *cluster {
	return &cluster{
		store:   store,
		channel: newFakeChannel(),
		clock:   newTestClock(),
		fs:      afero.NewMemMapFs(),
	}
}

// add creates a guard on its own marker directory with a deterministic jitter source.
func (c *cluster) add(name string, opts ...Option) (*Guard, *fakeConsumer) {
	var consumer = newFakeConsumer(name, c.channel)

	var all = []Option{
		WithClock(c.clock),
		WithFs(c.fs),
		WithMarkerDir("/srv/" + name),
		WithRand(rand.New(rand.NewPCG(uint64(len(c.guards)+1), 7))),
	}
	all = append(all, opts...)

	var connect = func(context.Context) (Store, error) {
		return sharedStore{c.store}, nil
	}

	var guard = NewGuard(connect, c.channel, consumer, all...)
	c.guards = append(c.guards, guard)
	return guard, consumer
}

func (c *cluster) start(t *testing.T, ctx context.Context) {
	for _, g := range c.guards {
		require.NoError(t, g.coordinator.start(ctx))
	}
}

// simulate advances the fake clock by d, running every guard's due timers in
// time order. Nothing runs concurrently, so outcomes are deterministic.
func (c *cluster) simulate(ctx context.Context, d time.Duration) {
	var end = c.clock.Now().Add(d)

	for {
		for _, g := range c.guards {
			g.coordinator.runDue(ctx)
		}

		var next, ok = c.next()
		if !ok || next.After(end) {
			break
		}
		if wait := next.Sub(c.clock.Now()); wait > 0 {
			c.clock.Advance(wait)
		}
	}

	if wait := end.Sub(c.clock.Now()); wait > 0 {
		c.clock.Advance(wait)
	}
	for _, g := range c.guards {
		g.coordinator.runDue(ctx)
	}
}

func (c *cluster) next() (time.Time, bool) {
	var (
		earliest time.Time
		found    bool
	)
	for _, g := range c.guards {
		if g.instance.ShuttingDown() {
			continue
		}
		if due, ok := g.coordinator.sched.next(); ok && (!found || due.Before(earliest)) {
			earliest, found = due, true
		}
	}
	return earliest, found
}

func (c *cluster) active() []*Guard {
	var active []*Guard
	for _, g := range c.guards {
		if g.State() == StateActive {
			active = append(active, g)
		}
	}
	return active
}

func (c *cluster) leaseOf(t *testing.T, ctx context.Context, name LeaseName) *Lease {
	leases, err := c.store.ListLeases(ctx, LeaseFilter{Name: name})
	require.NoError(t, err)
	if len(leases) == 0 {
		return nil
	}
	return leases[0]
}

// sharedStore keeps the underlying store open when one guard shuts down.
type sharedStore struct {
	Store
}

func (sharedStore) Close() error {
	return nil
}

// stallingStore blocks task lock deletes until the caller's context ends.
type stallingStore struct {
	Store
}

func (s *stallingStore) DeleteTaskLocks(ctx context.Context, _ TaskLockFilter) (int, error) {
	<-ctx.Done()
	return 0, ctx.Err()
}

func newTestClock() *clockwork.FakeClock {
	return clockwork.NewFakeClockAt(time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC))
}

func newTestOptions(clock *clockwork.FakeClock) options {
	var opts = defaultOptions()
	opts.clock = clock
	opts.fs = afero.NewMemMapFs()
	opts.markerDir = "/srv/test"
	return opts
}
