// Package controlplane implements the control-plane client: typed unary
// calls for the five RPCs the container depends on, each wrapped in a
// transient-error retry policy with a per-attempt timeout. Only
// FunctionPutOutputs also has a total timeout; the other four calls retry
// transient errors until they succeed or the caller's context ends.
package controlplane

import (
	"context"
	"time"

	"github.com/sparkfn/containerrt/internal/logging"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
)

// Conn is the subset of grpc.ClientConn the Client needs, satisfied by both
// *grpc.ClientConn and an in-process test channel.
type Conn interface {
	Invoke(ctx context.Context, method string, args, reply any, opts ...grpc.CallOption) error
}

// Client issues the five control-plane RPCs over conn, applying the
// retry/timeout policy described in the specification.
type Client struct {
	conn Conn
	log  *logging.Logger

	defaultAttemptTimeout time.Duration
	heartbeatTimeout      time.Duration
}

// New builds a Client. defaultAttemptTimeout bounds any RPC not otherwise
// specified a timeout by the specification; heartbeatTimeout is the
// configured HEARTBEAT_TIMEOUT.
func New(conn Conn, log *logging.Logger, defaultAttemptTimeout, heartbeatTimeout time.Duration) *Client {
	return &Client{
		conn:                  conn,
		log:                   log,
		defaultAttemptTimeout: defaultAttemptTimeout,
		heartbeatTimeout:      heartbeatTimeout,
	}
}

func (c *Client) callOpts() []grpc.CallOption {
	return []grpc.CallOption{grpc.ForceCodec(jsonCodec{})}
}

// ContainerHeartbeat reports liveness, plus the currently in-flight input
// (if any).
func (c *Client) ContainerHeartbeat(ctx context.Context, req *ContainerHeartbeatRequest) error {
	policy := newRetryPolicy(c.heartbeatTimeout, 0)
	resp := &ContainerHeartbeatResponse{}
	return run(ctx, c.log, "ContainerHeartbeat", policy, func(ctx context.Context) error {
		return c.conn.Invoke(ctx, MethodContainerHeartbeat, req, resp, c.callOpts()...)
	})
}

// FunctionGetInputs long-polls for the next input envelope.
func (c *Client) FunctionGetInputs(ctx context.Context, req *FunctionGetInputsRequest) (*FunctionGetInputsResponse, error) {
	policy := newRetryPolicy(c.defaultAttemptTimeout, 0)
	resp := &FunctionGetInputsResponse{}
	err := run(ctx, c.log, "FunctionGetInputs", policy, func(ctx context.Context) error {
		return c.conn.Invoke(ctx, MethodFunctionGetInputs, req, resp, c.callOpts()...)
	})
	if err != nil {
		return nil, err
	}
	return resp, nil
}

// FunctionGetSerialized fetches the serialized handler (and optional bound
// class), for definition_type=SERIALIZED functions. Called at most once.
func (c *Client) FunctionGetSerialized(ctx context.Context, req *FunctionGetSerializedRequest) (*FunctionGetSerializedResponse, error) {
	policy := newRetryPolicy(c.defaultAttemptTimeout, 0)
	resp := &FunctionGetSerializedResponse{}
	err := run(ctx, c.log, "FunctionGetSerialized", policy, func(ctx context.Context) error {
		return c.conn.Invoke(ctx, MethodFunctionGetSerialized, req, resp, c.callOpts()...)
	})
	if err != nil {
		return nil, err
	}
	return resp, nil
}

// FunctionPutOutputs submits a batch of output records, retrying on
// transient errors plus RESOURCE_EXHAUSTED, with a 2s attempt timeout and a
// 10s total timeout, per the specification.
func (c *Client) FunctionPutOutputs(ctx context.Context, req *FunctionPutOutputsRequest) error {
	policy := newRetryPolicy(2*time.Second, 10*time.Second, codes.ResourceExhausted)
	resp := &FunctionPutOutputsResponse{}
	return run(ctx, c.log, "FunctionPutOutputs", policy, func(ctx context.Context) error {
		return c.conn.Invoke(ctx, MethodFunctionPutOutputs, req, resp, c.callOpts()...)
	})
}

// TaskResult reports a fatal, process-ending result. Called at most once.
func (c *Client) TaskResult(ctx context.Context, req *TaskResultRequest) error {
	policy := newRetryPolicy(c.defaultAttemptTimeout, 0)
	resp := &TaskResultResponse{}
	return run(ctx, c.log, "TaskResult", policy, func(ctx context.Context) error {
		return c.conn.Invoke(ctx, MethodTaskResult, req, resp, c.callOpts()...)
	})
}
