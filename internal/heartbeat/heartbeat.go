// Package heartbeat implements the container's liveness loop (C4): a
// ticker-driven task that reports the in-flight input id (if any) to the
// control plane every HEARTBEAT_INTERVAL, running inside a task group with
// a grace period on shutdown.
package heartbeat

import (
	"context"
	"time"

	"github.com/sparkfn/containerrt/internal/controlplane"
	"github.com/sparkfn/containerrt/internal/logging"
	"github.com/sparkfn/containerrt/internal/ratelimit"
	"golang.org/x/sync/errgroup"
)

// Snapshot is a point-in-time view of the active input, supplied by the I/O
// manager on each tick.
type Snapshot struct {
	TaskID                string
	CurrentInputID        string
	CurrentInputStartedAt time.Time
	HasCurrentInput       bool
}

// SnapshotFunc returns the current Snapshot; called once per tick.
type SnapshotFunc func() Snapshot

// Loop fires heartbeats on a ticker until its context is canceled. Failures
// are logged (rate-limited, so a sustained outage doesn't spam the log) and
// never terminate the loop: the server decides when to reap a silent task.
type Loop struct {
	client   *controlplane.Client
	log      *logging.Logger
	interval time.Duration
	snapshot SnapshotFunc
	failLog  *ratelimit.Limiter
}

// New builds a Loop. interval is HEARTBEAT_INTERVAL.
func New(client *controlplane.Client, log *logging.Logger, interval time.Duration, snapshot SnapshotFunc) *Loop {
	return &Loop{
		client:   client,
		log:      log,
		interval: interval,
		snapshot: snapshot,
		failLog:  ratelimit.New(time.Minute, 5),
	}
}

// Run blocks until ctx is canceled, firing a heartbeat every interval. It
// always returns nil: heartbeat failures are logged, not propagated.
func (l *Loop) Run(ctx context.Context) error {
	ticker := time.NewTicker(l.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			l.fire(ctx)
		}
	}
}

func (l *Loop) fire(ctx context.Context) {
	snap := l.snapshot()

	req := &controlplane.ContainerHeartbeatRequest{TaskID: snap.TaskID}
	if snap.HasCurrentInput {
		req.CurrentInputID = snap.CurrentInputID
		startedAt := snap.CurrentInputStartedAt
		req.CurrentInputStartedAt = &startedAt
	}

	if err := l.client.ContainerHeartbeat(ctx, req); err != nil {
		if l.failLog.Allow() {
			l.log.Warning().Err(err).Log("heartbeat failed")
		}
	}
}

// RunInGroup starts the loop as a member of an errgroup, and arranges for
// it to stop within grace once the group's context is canceled — the
// "task group with a grace period" shape the specification calls for.
func RunInGroup(g *errgroup.Group, ctx context.Context, l *Loop, grace time.Duration) {
	g.Go(func() error {
		done := make(chan struct{})
		go func() {
			defer close(done)
			_ = l.Run(ctx)
		}()

		select {
		case <-done:
			return nil
		case <-ctx.Done():
			select {
			case <-done:
			case <-time.After(grace):
			}
			return nil
		}
	})
}
