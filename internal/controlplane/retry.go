package controlplane

import (
	"context"
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/sparkfn/containerrt/internal/logging"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

// backoffConfig controls the exponential retry loop every RPC goes through.
// Shaped after a backoff/retrier pattern elsewhere in this codebase's
// lineage, adapted to log through logiface instead of logrus and to honor
// a total deadline in addition to a per-call context.
type backoffConfig struct {
	InitialInterval time.Duration
	MaxInterval     time.Duration
	Multiplier      float64
	MaxAttempts     int // 0 = no attempt cap; only a positive TotalTimeout or the caller's context ends the retries
}

func defaultBackoff() backoffConfig {
	return backoffConfig{
		InitialInterval: 100 * time.Millisecond,
		MaxInterval:     5 * time.Second,
		Multiplier:      2,
	}
}

// retryPolicy bounds one logical call: a set of transient codes to retry,
// a per-attempt timeout, and, when totalTimeout is positive, a total
// deadline across every attempt. With totalTimeout zero and no MaxAttempts,
// transient errors are retried until the caller's context ends.
type retryPolicy struct {
	backoff        backoffConfig
	extraCodes     map[codes.Code]struct{}
	attemptTimeout time.Duration
	totalTimeout   time.Duration
}

func newRetryPolicy(attemptTimeout, totalTimeout time.Duration, extra ...codes.Code) retryPolicy {
	p := retryPolicy{
		backoff:        defaultBackoff(),
		attemptTimeout: attemptTimeout,
		totalTimeout:   totalTimeout,
		extraCodes:     make(map[codes.Code]struct{}, len(extra)),
	}
	for _, c := range extra {
		p.extraCodes[c] = struct{}{}
	}
	return p
}

func (p retryPolicy) isTransient(err error) bool {
	if err == nil {
		return false
	}
	st, ok := status.FromError(err)
	if !ok {
		// a transport-layer disconnect surfaces as a plain error, not a
		// status; treat anything non-status as transient.
		return true
	}
	switch st.Code() {
	case codes.Unavailable, codes.DeadlineExceeded:
		return true
	}
	_, ok = p.extraCodes[st.Code()]
	return ok
}

// run calls fn, retrying on transient errors with exponential backoff,
// bounded by p.totalTimeout (if positive) and p.backoff.MaxAttempts (if
// positive). Each invocation of fn is given a context bounded by
// p.attemptTimeout.
func run(ctx context.Context, log *logging.Logger, opName string, p retryPolicy, fn func(ctx context.Context) error) error {
	if p.totalTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, p.totalTimeout)
		defer cancel()
	}

	interval := p.backoff.InitialInterval
	attempt := 0

	for {
		if err := ctx.Err(); err != nil {
			return err
		}

		attemptCtx := ctx
		var cancel context.CancelFunc
		if p.attemptTimeout > 0 {
			attemptCtx, cancel = context.WithTimeout(ctx, p.attemptTimeout)
		}
		err := fn(attemptCtx)
		if cancel != nil {
			cancel()
		}

		if err == nil {
			return nil
		}

		attempt++

		if !p.isTransient(err) {
			return fmt.Errorf("%w: %w", errNotTransient, err)
		}

		if p.backoff.MaxAttempts > 0 && attempt >= p.backoff.MaxAttempts {
			return err
		}

		if log != nil {
			log.Warning().Str("operation", opName).Int("attempt", attempt).Err(err).Log("control-plane call failed, retrying")
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(interval):
		}

		interval = time.Duration(math.Min(
			float64(interval)*p.backoff.Multiplier,
			float64(p.backoff.MaxInterval),
		))
	}
}

// errNotTransient marks an error that should never be retried, for callers
// that want to distinguish a deliberate non-retry from an exhausted budget.
var errNotTransient = errors.New("controlplane: non-transient error")
