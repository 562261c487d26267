package ioloop_test

import (
	"context"
	"fmt"
	"sync/atomic"
	"testing"
	"time"

	"github.com/joeycumines/logiface"
	"github.com/sparkfn/containerrt/internal/batch"
	"github.com/sparkfn/containerrt/internal/controlplane"
	"github.com/sparkfn/containerrt/internal/ioloop"
	"github.com/sparkfn/containerrt/internal/logging"
	"github.com/sparkfn/containerrt/internal/wire"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

type fakeConn struct {
	mu        chan struct{}
	envelopes []controlplane.InputEnvelope
	idx       int

	rateLimitedOnce bool

	putOutputs   []controlplane.OutputRecord
	getCalls     int32
	failuresLeft int32
}

func newFakeConn(envelopes ...controlplane.InputEnvelope) *fakeConn {
	return &fakeConn{mu: make(chan struct{}, 1), envelopes: envelopes}
}

func (c *fakeConn) Invoke(ctx context.Context, method string, args, reply any, opts ...grpc.CallOption) error {
	switch method {
	case controlplane.MethodFunctionGetInputs:
		atomic.AddInt32(&c.getCalls, 1)
		resp := reply.(*controlplane.FunctionGetInputsResponse)

		if atomic.LoadInt32(&c.failuresLeft) > 0 {
			atomic.AddInt32(&c.failuresLeft, -1)
			return status.Error(codes.Unavailable, "try again")
		}

		if c.rateLimitedOnce {
			c.rateLimitedOnce = false
			resp.RateLimitSleepDuration = 0.001
			return nil
		}

		if c.idx >= len(c.envelopes) {
			resp.Inputs = nil
			return nil
		}
		env := c.envelopes[c.idx]
		c.idx++
		resp.Inputs = []controlplane.InputEnvelope{env}
		return nil

	case controlplane.MethodFunctionPutOutputs:
		req := args.(*controlplane.FunctionPutOutputsRequest)
		c.putOutputs = append(c.putOutputs, req.Outputs...)
		return nil

	default:
		return fmt.Errorf("unexpected method %s", method)
	}
}

func testLogger() *logging.Logger { return logging.New(nil, logiface.LevelTrace) }

func encodeTuple(t *testing.T, args []any, kwargs map[string]any) []byte {
	t.Helper()
	b, err := wire.Encode(nil, map[string]any{"args": args, "kwargs": kwargs})
	if err != nil {
		t.Fatal(err)
	}
	return b
}

func newManager(t *testing.T, conn *fakeConn) (*ioloop.Manager, *controlplane.Client) {
	t.Helper()
	client := controlplane.New(conn, testLogger(), time.Second, time.Second)
	m := ioloop.New(client, nil, testLogger(), ioloop.Config{
		FunctionID: "fn-1",
		Batch:      &batch.Config{MaxRecords: 1, FlushInterval: time.Millisecond},
	})
	return m, client
}

// Scalar sync: one final input, handler returns x+1.
func TestRunScalarSync(t *testing.T) {
	conn := newFakeConn(controlplane.InputEnvelope{
		InputID:     "in-1",
		InlineBytes: encodeTuple(t, []any{int64(3)}, nil),
		FinalInput:  true,
	})
	m, _ := newManager(t, conn)

	err := m.Run(context.Background(), func(ctx context.Context, in ioloop.Input) error {
		x := in.Args[0].(int64)
		return m.SendOutput(ctx, in, x+1)
	})
	if err != nil {
		t.Fatal(err)
	}

	if len(conn.putOutputs) != 1 {
		t.Fatalf("expected 1 output, got %d", len(conn.putOutputs))
	}
	out := conn.putOutputs[0]
	if out.Result.Status != "SUCCESS" || out.Result.GenStatus != "NOT_GENERATOR" {
		t.Fatalf("got %#v", out.Result)
	}
	v, _, err := wire.Decode(out.Result.Data)
	if err != nil || v != int64(4) {
		t.Fatalf("got %v, %v", v, err)
	}
}

// Generator sync: yields 1,2,3 then completes.
func TestRunGeneratorSync(t *testing.T) {
	conn := newFakeConn(controlplane.InputEnvelope{
		InputID:     "in-1",
		InlineBytes: encodeTuple(t, nil, nil),
		FinalInput:  true,
	})
	m, _ := newManager(t, conn)

	err := m.Run(context.Background(), func(ctx context.Context, in ioloop.Input) error {
		for i, v := range []int64{1, 2, 3} {
			if err := m.SendGeneratorValue(ctx, in, i, v); err != nil {
				return err
			}
		}
		return m.SendGeneratorEOF(ctx, in, 3)
	})
	if err != nil {
		t.Fatal(err)
	}

	if len(conn.putOutputs) != 4 {
		t.Fatalf("expected 4 outputs, got %d", len(conn.putOutputs))
	}
	for i, out := range conn.putOutputs[:3] {
		if out.Result.GenStatus != "INCOMPLETE" || out.GenIndex != i {
			t.Fatalf("output %d: %#v", i, out)
		}
	}
	last := conn.putOutputs[3]
	if last.Result.GenStatus != "COMPLETE" || last.GenIndex != 3 || len(last.Result.Data) != 0 {
		t.Fatalf("got %#v", last)
	}
}

// Handler raises: one FAILURE output, loop continues past it.
func TestRunHandlerRaises(t *testing.T) {
	conn := newFakeConn(
		controlplane.InputEnvelope{InputID: "in-1", InlineBytes: encodeTuple(t, nil, nil)},
		controlplane.InputEnvelope{InputID: "in-2", InlineBytes: encodeTuple(t, nil, nil), FinalInput: true},
	)
	m, _ := newManager(t, conn)

	var seen []string
	err := m.Run(context.Background(), func(ctx context.Context, in ioloop.Input) error {
		seen = append(seen, in.InputID)
		if in.InputID == "in-1" {
			return &ioloop.HandlerFailure{Repr: "ValueError: nope", TracebackText: "ValueError: nope\n"}
		}
		return m.SendOutput(ctx, in, int64(1))
	})
	if err != nil {
		t.Fatal(err)
	}

	if len(conn.putOutputs) != 2 {
		t.Fatalf("expected 2 outputs, got %d", len(conn.putOutputs))
	}
	failure := conn.putOutputs[0]
	if failure.Result.Status != "FAILURE" || failure.InputID != "in-1" {
		t.Fatalf("got %#v", failure)
	}
	if failure.Result.ExceptionRepr != "ValueError: nope" {
		t.Fatalf("got %q", failure.Result.ExceptionRepr)
	}
}

// Rate limit then success: no output before the rate-limited poll resolves.
func TestRunRateLimitThenSuccess(t *testing.T) {
	conn := newFakeConn(controlplane.InputEnvelope{
		InputID:     "in-1",
		InlineBytes: encodeTuple(t, []any{int64(1)}, nil),
		FinalInput:  true,
	})
	conn.rateLimitedOnce = true
	m, _ := newManager(t, conn)

	err := m.Run(context.Background(), func(ctx context.Context, in ioloop.Input) error {
		return m.SendOutput(ctx, in, in.Args[0])
	})
	if err != nil {
		t.Fatal(err)
	}
	if len(conn.putOutputs) != 1 {
		t.Fatalf("expected exactly 1 output, got %d", len(conn.putOutputs))
	}
}

// Kill switch: no outputs, Run returns ErrKillSwitch (exit code 0 path).
func TestRunKillSwitch(t *testing.T) {
	conn := newFakeConn(controlplane.InputEnvelope{KillSwitch: true})
	m, _ := newManager(t, conn)

	err := m.Run(context.Background(), func(ctx context.Context, in ioloop.Input) error {
		t.Fatal("handler should not be invoked for a kill-switch envelope")
		return nil
	})
	if err != ioloop.ErrKillSwitch {
		t.Fatalf("got %v", err)
	}
	if len(conn.putOutputs) != 0 {
		t.Fatalf("expected no outputs, got %d", len(conn.putOutputs))
	}
}

func TestRunGetInputsRetriesOnUnavailable(t *testing.T) {
	conn := newFakeConn(controlplane.InputEnvelope{
		InputID:     "in-1",
		InlineBytes: encodeTuple(t, []any{int64(1)}, nil),
		FinalInput:  true,
	})
	conn.failuresLeft = 2
	m, _ := newManager(t, conn)

	err := m.Run(context.Background(), func(ctx context.Context, in ioloop.Input) error {
		return m.SendOutput(ctx, in, in.Args[0])
	})
	if err != nil {
		t.Fatal(err)
	}
	if atomic.LoadInt32(&conn.getCalls) < 3 {
		t.Fatalf("expected at least 3 attempts, got %d", conn.getCalls)
	}
}
