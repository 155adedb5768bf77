// Package tick drives the physics engine at a fixed target period, serializes
// one StatePayload per iteration into the next broadcast pool slot, and fans
// it out to every registered session.
package tick

import (
	"context"
	"time"

	"github.com/taranbis/digital-twin/internal/broadcast"
	"github.com/taranbis/digital-twin/internal/logging"
	"github.com/taranbis/digital-twin/internal/protocol"
	"github.com/taranbis/digital-twin/internal/simulation"
)

// Engine is the subset of the physics engine the driver needs.
type Engine interface {
	Step(nowMs uint64)
	Snapshot() protocol.StatePayload
}

// Broadcaster fans a slot out to every live session.
type Broadcaster interface {
	Broadcast(slot *broadcast.Slot)
	Len() int
}

// Options configures a Driver.
type Options struct {
	Engine        Engine
	Pool          *broadcast.Pool
	Sessions      Broadcaster
	Logger        *logging.Logger
	TickPeriod    time.Duration
	StatsInterval time.Duration
	Monitor       *simulation.TickMonitor
	NowMs         func() uint64
}

// Driver owns the tick loop described by the server's concurrency model: it
// is the sole mutator of the engine and is meant to run on a single
// goroutine for the lifetime of the process.
type Driver struct {
	engine        Engine
	pool          *broadcast.Pool
	sessions      Broadcaster
	logger        *logging.Logger
	tickPeriod    time.Duration
	statsInterval time.Duration
	monitor       *simulation.TickMonitor
	nowMs         func() uint64

	broadcastCount int
}

// New constructs a Driver. Callers must call Run to start it.
func New(opts Options) *Driver {
	period := opts.TickPeriod
	if period <= 0 {
		period = 10 * time.Millisecond
	}
	stats := opts.StatsInterval
	if stats <= 0 {
		stats = 2 * time.Second
	}
	logger := opts.Logger
	if logger == nil {
		logger = logging.L()
	}
	monitor := opts.Monitor
	if monitor == nil {
		monitor = simulation.NewTickMonitor()
	}
	nowMs := opts.NowMs
	if nowMs == nil {
		start := time.Now()
		nowMs = func() uint64 { return uint64(time.Since(start).Milliseconds()) }
	}
	return &Driver{
		engine:        opts.Engine,
		pool:          opts.Pool,
		sessions:      opts.Sessions,
		logger:        logger,
		tickPeriod:    period,
		statsInterval: stats,
		monitor:       monitor,
		nowMs:         nowMs,
	}
}

// Run executes the tick loop until ctx is cancelled. Each iteration steps
// the engine, serializes the resulting snapshot into the next pool slot,
// broadcasts it, and paces itself to the configured tick period — sleeping
// for the remainder if time is left, or proceeding immediately if the
// iteration ran long.
func (d *Driver) Run(ctx context.Context) {
	lastStats := time.Now()

	for {
		if ctx.Err() != nil {
			return
		}
		tickStart := time.Now()

		//1.- Advance the mechanism by one fixed timestep.
		d.engine.Step(d.nowMs())

		//2.- Serialize the fresh snapshot into the next pool slot; skip the
		// broadcast for this tick if the slot was too small to hold it.
		slot := d.pool.Next()
		state := d.engine.Snapshot()
		slot.Len = protocol.Encode(slot.Data, state)

		//3.- Fan the slot out to every registered session.
		if slot.Len > 0 && d.sessions != nil {
			d.sessions.Broadcast(slot)
			d.broadcastCount++
		}

		elapsed := time.Since(tickStart)
		d.monitor.Observe(elapsed)

		//4.- Emit periodic stats: client count, achieved broadcast rate, rpm.
		if since := time.Since(lastStats); since >= d.statsInterval {
			rate := float64(d.broadcastCount) / since.Seconds()
			clients := 0
			if d.sessions != nil {
				clients = d.sessions.Len()
			}
			snap := d.monitor.Snapshot()
			d.logger.Info("tick stats",
				logging.Int("clients", clients),
				logging.Float64("broadcast_rate_hz", rate, 2),
				logging.Float64("rpm", state.Rpm, 2),
			)
			if snap.Stale(d.tickPeriod) {
				d.logger.Warn("tick period exceeded",
					logging.Float64("worst_tick_ms", float64(snap.Max.Microseconds())/1000, 3),
					logging.Float64("target_tick_ms", float64(d.tickPeriod.Microseconds())/1000, 3),
				)
			}
			d.broadcastCount = 0
			lastStats = time.Now()
		}

		//5.- Pace to the target period; proceed immediately if behind.
		sleepFor := d.tickPeriod - time.Since(tickStart)
		if sleepFor <= 0 {
			continue
		}
		select {
		case <-ctx.Done():
			return
		case <-time.After(sleepFor):
		}
	}
}
