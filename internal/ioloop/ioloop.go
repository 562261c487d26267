// Package ioloop implements the I/O manager (C5): it pulls input envelopes
// from the control plane, materializes blob-backed arguments, hands
// (input_id, args, kwargs) to a driver callback, and routes the callback's
// emitted values back to the control plane as output records, offloading
// oversized payloads to the blob store.
package ioloop

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/sparkfn/containerrt/internal/batch"
	"github.com/sparkfn/containerrt/internal/blob"
	"github.com/sparkfn/containerrt/internal/controlplane"
	"github.com/sparkfn/containerrt/internal/heartbeat"
	"github.com/sparkfn/containerrt/internal/logging"
	"github.com/sparkfn/containerrt/internal/taskctx"
	"github.com/sparkfn/containerrt/internal/traceback"
	"github.com/sparkfn/containerrt/internal/wire"
)

// rttSeconds is RTT_S from the specification: the assumed round-trip time
// used to size the (advisory, deprecated-but-still-sent) max_values hint on
// FunctionGetInputs.
const rttSeconds = 0.5

// ErrKillSwitch is returned by Run when an input envelope with kill_switch
// set arrives: a clean, zero-exit-code shutdown.
var ErrKillSwitch = errors.New("ioloop: kill switch received")

// ErrIdleTimeout is returned by Run when IDLE_TIMEOUT elapses with no input
// and no rate-limit sleep, per SPEC_FULL.md's idle-shutdown extension.
var ErrIdleTimeout = errors.New("ioloop: idle timeout elapsed")

// Input is one unit of work handed to the driver callback: the decoded
// positional and keyword arguments for a single input envelope.
type Input struct {
	InputID string
	Args    []any
	Kwargs  map[string]any
	// StartedAt is stamped at user-handler entry, after the concurrency
	// semaphore is acquired, so it never includes time spent waiting for a
	// free input slot.
	StartedAt  time.Time
	FinalInput bool
}

// HandlerFailure is the error shape a driver callback returns to report a
// handler-raised (input-scoped) failure, carrying everything needed to build
// a FAILURE output record. A callback may also return a plain error, in
// which case Run captures a traceback at the point Run observes the error
// (less precise, but still best-effort per §4.3).
type HandlerFailure struct {
	Repr          string
	TracebackText string
	Traceback     traceback.Traceback
}

func (e *HandlerFailure) Error() string { return e.Repr }

// BadReturnType reports a handler whose observed runtime return shape did
// not match its declared classification (§4.6).
func BadReturnType(declared, observed string) *HandlerFailure {
	repr := fmt.Sprintf("BadReturnType: declared %s, observed %s", declared, observed)
	tb := traceback.Capture(1, repr)
	return &HandlerFailure{Repr: repr, TracebackText: tb.Text, Traceback: tb}
}

// Config configures a Manager.
type Config struct {
	FunctionID          string
	MaxObjectSizeBytes  int64
	IdleTimeout         time.Duration // zero disables idle shutdown
	MaxConcurrentInputs int           // zero/negative treated as 1
	Batch               *batch.Config
}

// Manager is the I/O manager: C5.
type Manager struct {
	client *controlplane.Client
	blob   *blob.Client
	log    *logging.Logger

	functionID          string
	maxObjectSizeBytes  int64
	idleTimeout         time.Duration
	maxConcurrentInputs int

	stats *ioStats
	out   *batch.OutputBatcher
}

// New builds a Manager. blobClient may be nil if no handler in this process
// ever exceeds MaxObjectSizeBytes or receives a blob-backed argument.
func New(client *controlplane.Client, blobClient *blob.Client, log *logging.Logger, cfg Config) *Manager {
	m := &Manager{
		client:              client,
		blob:                blobClient,
		log:                 log,
		functionID:          cfg.FunctionID,
		maxObjectSizeBytes:  cfg.MaxObjectSizeBytes,
		idleTimeout:         cfg.IdleTimeout,
		maxConcurrentInputs: cfg.MaxConcurrentInputs,
		stats:               newIOStats(),
	}
	if m.maxConcurrentInputs <= 0 {
		m.maxConcurrentInputs = 1
	}

	bcfg := batch.Config{}
	if cfg.Batch != nil {
		bcfg = *cfg.Batch
	}
	if bcfg.MaxBytes == 0 {
		// tie the output batcher's byte-size flush trigger directly to the
		// same per-object threshold that decides whether a single output
		// is offloaded to the blob store.
		bcfg.MaxBytes = cfg.MaxObjectSizeBytes
	}

	m.out = batch.NewOutputBatcher(&bcfg, func(ctx context.Context, items []controlplane.OutputRecord) error {
		return m.client.FunctionPutOutputs(ctx, &controlplane.FunctionPutOutputsRequest{Outputs: items})
	})

	return m
}

// Close releases the Manager's output batcher, flushing any pending outputs.
func (m *Manager) Close(ctx context.Context) error {
	return m.out.Shutdown(ctx)
}

// Snapshot reports the heartbeat loop's view of in-flight work; pass as the
// heartbeat.SnapshotFunc.
func (m *Manager) Snapshot(taskID string) heartbeat.Snapshot {
	return m.stats.snapshot(taskID)
}

// Handle is the driver callback: given a decoded Input, it runs the user
// handler (via the dispatcher) and returns a non-nil error only for an
// input-scoped failure (the handler raised, or its output did not match its
// declared shape). Emitting SUCCESS outputs is the callback's own
// responsibility, via SendOutput/SendGeneratorValue/SendGeneratorEOF.
type Handle func(ctx context.Context, in Input) error

// Run is the input loop described in §4.5. It blocks until ctx is canceled,
// a kill-switch envelope arrives, a final_input envelope is fully processed,
// IDLE_TIMEOUT elapses, or a fatal (non-input-scoped) error occurs pulling
// inputs.
func (m *Manager) Run(ctx context.Context, handle Handle) error {
	sem := make(chan struct{}, m.maxConcurrentInputs)
	var wg sync.WaitGroup
	defer wg.Wait()

	var idleSince time.Time

	for {
		if err := ctx.Err(); err != nil {
			return err
		}

		avg := m.stats.averageCallTime()
		maxToFetch := int(math.Ceil(rttSeconds / math.Max(avg, 1e-6)))

		resp, err := m.client.FunctionGetInputs(ctx, &controlplane.FunctionGetInputsRequest{
			FunctionID:      m.functionID,
			AverageCallTime: avg,
			MaxValues:       maxToFetch,
		})
		if err != nil {
			return fmt.Errorf("ioloop: FunctionGetInputs: %w", err)
		}

		if resp.RateLimitSleepDuration > 0 {
			idleSince = time.Time{}
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(time.Duration(resp.RateLimitSleepDuration * float64(time.Second))):
			}
			continue
		}

		if len(resp.Inputs) == 0 {
			if m.idleTimeout > 0 {
				if idleSince.IsZero() {
					idleSince = time.Now()
				} else if time.Since(idleSince) >= m.idleTimeout {
					return ErrIdleTimeout
				}
			}
			continue
		}
		idleSince = time.Time{}

		env := resp.Inputs[0]

		if env.KillSwitch {
			return ErrKillSwitch
		}

		in, err := m.decodeInput(ctx, env)
		if err != nil {
			m.log.Error().Str("input_id", env.InputID).Err(err).Log("failed to decode input, reporting as a failure")
			m.emitFailure(ctx, Input{InputID: env.InputID, StartedAt: time.Now()}, err)
			continue
		}

		select {
		case sem <- struct{}{}:
		case <-ctx.Done():
			return ctx.Err()
		}

		wg.Add(1)

		go func(in Input) {
			defer wg.Done()
			defer func() { <-sem }()

			// total_user_time counts only wall time between handler entry
			// and exit, so the clock starts here, after the semaphore wait,
			// not back when the input was decoded.
			in.StartedAt = time.Now()
			m.stats.begin(in.InputID, in.StartedAt)

			hctx := taskctx.WithInput(ctx, in.InputID, in.StartedAt)
			err := handle(hctx, in)

			m.stats.end(in.InputID, time.Since(in.StartedAt))

			if err != nil && !errors.Is(err, context.Canceled) {
				m.emitFailure(ctx, in, err)
			}
		}(in)

		if env.FinalInput {
			wg.Wait()
			return nil
		}
	}
}

func (m *Manager) decodeInput(ctx context.Context, env controlplane.InputEnvelope) (Input, error) {
	inline := env.InlineBytes
	if env.BlobID != "" {
		if m.blob == nil {
			return Input{}, fmt.Errorf("ioloop: input %s references blob %s but no blob client is configured", env.InputID, env.BlobID)
		}
		b, err := m.blob.Download(ctx, env.BlobID)
		if err != nil {
			return Input{}, fmt.Errorf("ioloop: downloading blob %s: %w", env.BlobID, err)
		}
		inline = b
	}

	decoded, _, err := wire.Decode(inline)
	if err != nil {
		return Input{}, fmt.Errorf("ioloop: decoding input %s: %w", env.InputID, err)
	}

	fields, _ := decoded.(map[string]any)
	var args []any
	var kwargs map[string]any
	if fields != nil {
		args, _ = fields["args"].([]any)
		kwargs, _ = fields["kwargs"].(map[string]any)
	}

	return Input{
		InputID:    env.InputID,
		Args:       args,
		Kwargs:     kwargs,
		FinalInput: env.FinalInput,
	}, nil
}

func (m *Manager) emitFailure(ctx context.Context, in Input, err error) {
	var hf *HandlerFailure
	var tb traceback.Traceback
	var repr string
	if errors.As(err, &hf) {
		repr = hf.Repr
		tb = hf.Traceback
		if hf.TracebackText != "" {
			tb.Text = hf.TracebackText
		}
	} else {
		repr = err.Error()
		tb = traceback.Capture(1, repr)
		for cause := errors.Unwrap(err); cause != nil; cause = errors.Unwrap(cause) {
			tb.Text += fmt.Sprintf("\ncaused by: %s\n", cause.Error())
		}
	}

	record := controlplane.OutputRecord{
		InputID:         in.InputID,
		InputStartedAt:  in.StartedAt,
		OutputCreatedAt: time.Now(),
		GenIndex:        0,
		Result: controlplane.Result{
			Status:             "FAILURE",
			ExceptionRepr:      repr,
			TracebackText:      tb.Text,
			TracebackLineCache: lineCacheToStrings(tb.LineCache),
		},
	}

	res, err := m.out.Submit(ctx, record)
	if err != nil {
		m.log.Error().Str("input_id", in.InputID).Err(err).Log("failed to enqueue failure output")
		return
	}
	if err := res.Wait(ctx); err != nil {
		m.log.Error().Str("input_id", in.InputID).Err(err).Log("failed to submit failure output")
	}
}

// SendOutput emits a terminal, non-generator SUCCESS output.
func (m *Manager) SendOutput(ctx context.Context, in Input, value any) error {
	return m.send(ctx, in, 0, value, "NOT_GENERATOR")
}

// SendGeneratorValue emits one intermediate value of a streaming handler.
func (m *Manager) SendGeneratorValue(ctx context.Context, in Input, genIndex int, value any) error {
	return m.send(ctx, in, genIndex, value, "INCOMPLETE")
}

// SendGeneratorEOF emits the terminal record of a streaming handler: no
// data, gen_status=COMPLETE.
func (m *Manager) SendGeneratorEOF(ctx context.Context, in Input, genIndex int) error {
	record := controlplane.OutputRecord{
		InputID:         in.InputID,
		InputStartedAt:  in.StartedAt,
		OutputCreatedAt: time.Now(),
		GenIndex:        genIndex,
		Result:          controlplane.Result{Status: "SUCCESS", GenStatus: "COMPLETE"},
	}
	res, err := m.out.Submit(ctx, record)
	if err != nil {
		return err
	}
	return res.Wait(ctx)
}

func (m *Manager) send(ctx context.Context, in Input, genIndex int, value any, genStatus string) error {
	data, blobID, err := m.encodeAndMaybeOffload(ctx, value)
	if err != nil {
		return fmt.Errorf("ioloop: encoding output for input %s: %w", in.InputID, err)
	}

	record := controlplane.OutputRecord{
		InputID:         in.InputID,
		InputStartedAt:  in.StartedAt,
		OutputCreatedAt: time.Now(),
		GenIndex:        genIndex,
		Result: controlplane.Result{
			Status:     "SUCCESS",
			Data:       data,
			DataBlobID: blobID,
			GenStatus:  genStatus,
		},
	}

	res, err := m.out.Submit(ctx, record)
	if err != nil {
		return err
	}
	return res.Wait(ctx)
}

// encodeAndMaybeOffload encodes value via the wire codec, uploading it to
// the blob store instead of returning it inline if it exceeds
// MaxObjectSizeBytes (§3 invariant: never both).
func (m *Manager) encodeAndMaybeOffload(ctx context.Context, value any) (data []byte, blobID string, err error) {
	encoded, err := wire.Encode(nil, value)
	if err != nil {
		return nil, "", err
	}

	if m.maxObjectSizeBytes > 0 && int64(len(encoded)) > m.maxObjectSizeBytes {
		if m.blob == nil {
			return nil, "", fmt.Errorf("ioloop: output of %d bytes exceeds the inline threshold but no blob client is configured", len(encoded))
		}
		id, err := m.blob.Upload(ctx, encoded)
		if err != nil {
			return nil, "", fmt.Errorf("uploading oversized output: %w", err)
		}
		return nil, id, nil
	}

	return encoded, "", nil
}

func lineCacheToStrings(lc traceback.LineCache) map[string]string {
	if len(lc) == 0 {
		return nil
	}
	out := make(map[string]string, len(lc))
	for k, v := range lc {
		out[fmt.Sprintf("%s:%d", k.File, k.Line)] = v
	}
	return out
}
