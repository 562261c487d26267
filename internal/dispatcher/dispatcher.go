// Package dispatcher implements the handler dispatcher (C6): it loads the
// user-registered handler named by a ContainerArguments' function_def,
// classifies it against its declared shape, and drives it against each
// ioloop.Input, routing result values back through the I/O manager.
//
// The specification's four execution modes (sync/async x scalar/generator)
// collapse to two in this runtime: Go functions are already non-blocking
// callable from any goroutine, so "sync" vs "async" is a classification
// label carried through for lifecycle-hook resolution and logging, not a
// distinct scheduling vehicle. Every handler, regardless of mode, is driven
// by the same Handler.Drive arm.
package dispatcher

import (
	"context"
	"fmt"

	"github.com/sparkfn/containerrt/internal/controlplane"
	"github.com/sparkfn/containerrt/internal/ioloop"
	"github.com/sparkfn/containerrt/internal/wire"
)

// FunctionType is function_def.function_type.
type FunctionType string

const (
	FunctionTypeScalar    FunctionType = "SCALAR"
	FunctionTypeGenerator FunctionType = "GENERATOR"
)

// DefinitionType is function_def.definition_type.
type DefinitionType string

const (
	DefinitionTypeInline     DefinitionType = "INLINE"
	DefinitionTypeSerialized DefinitionType = "SERIALIZED"
)

// WebhookType is webhook_config.type.
type WebhookType string

const (
	WebhookNone    WebhookType = "NONE"
	WebhookASGI    WebhookType = "ASGI_APP"
	WebhookWSGI    WebhookType = "WSGI_APP"
	WebhookRawHook WebhookType = "RAW_WEBHOOK"
)

// WebhookConfig is function_def.webhook_config.
type WebhookConfig struct {
	Type   WebhookType
	Method string
}

// PTYInfo is function_def.pty_info.
type PTYInfo struct {
	Enabled bool
}

// FunctionDef mirrors the specification's function_def.
type FunctionDef struct {
	ModuleName          string
	FunctionName        string
	FunctionType        FunctionType
	DefinitionType      DefinitionType
	WebhookConfig       WebhookConfig
	PTYInfo             PTYInfo
	IsAsync             bool // classification: awaitable-returning handler
	MaxConcurrentInputs int  // SPEC_FULL.md extension; default 1
}

// ScalarFunc is a handler that returns (or resolves to) one value.
type ScalarFunc func(ctx context.Context, args []any, kwargs map[string]any) (any, error)

// GeneratorFunc is a streaming handler: it calls yield once per produced
// value, in order, and returns once exhausted (or on error).
type GeneratorFunc func(ctx context.Context, args []any, kwargs map[string]any, yield func(any) error) error

// Handler binds a loaded function to its declared classification and, for
// SERIALIZED/class-bound handlers, the instance its lifecycle hooks run
// against.
type Handler struct {
	name         string
	scalar       ScalarFunc
	generator    GeneratorFunc
	isGenerator  bool // the registered shape
	declaredGen  bool // function_def.function_type == GENERATOR
	declaredName string
	instance     any
	isAsync      bool
}

// IsAsync reports the handler's declared concurrency classification.
func (h *Handler) IsAsync() bool { return h.isAsync }

// Instance returns the bound class instance, if the handler was class-bound
// (nil for a bare function).
func (h *Handler) Instance() any { return h.instance }

// Drive is the common "drive(input) -> stream of output" arm every
// execution mode implements: it runs the handler against in and routes its
// result(s) through m, returning a non-nil error only for an input-scoped
// failure (the handler raised, or its runtime shape didn't match its
// declaration).
func (h *Handler) Drive(ctx context.Context, in ioloop.Input, m *ioloop.Manager) error {
	if h.isGenerator != h.declaredGen {
		return ioloop.BadReturnType(describeShape(h.declaredGen), describeShape(h.isGenerator))
	}

	if h.isGenerator {
		idx := 0
		err := h.generator(ctx, in.Args, in.Kwargs, func(v any) error {
			sendErr := m.SendGeneratorValue(ctx, in, idx, v)
			idx++
			return sendErr
		})
		if err != nil {
			return err
		}
		return m.SendGeneratorEOF(ctx, in, idx)
	}

	v, err := h.scalar(ctx, in.Args, in.Kwargs)
	if err != nil {
		return err
	}
	return m.SendOutput(ctx, in, v)
}

func describeShape(generator bool) string {
	if generator {
		return "generator"
	}
	return "scalar"
}

// Load resolves a Handler for def. If def.DefinitionType is SERIALIZED, the
// registry key is fetched via FunctionGetSerialized and decoded (the wire
// codec, not a language-level deserializer: the registry, not the bytes,
// owns the actual callable — see Registry's doc comment). Otherwise
// def.FunctionName is looked up directly.
func Load(ctx context.Context, client *controlplane.Client, functionID string, registry *Registry, def FunctionDef) (*Handler, error) {
	name := def.FunctionName

	if def.DefinitionType == DefinitionTypeSerialized {
		resp, err := client.FunctionGetSerialized(ctx, &controlplane.FunctionGetSerializedRequest{FunctionID: functionID})
		if err != nil {
			return nil, fmt.Errorf("dispatcher: fetching serialized handler: %w", err)
		}
		key, _, err := wire.Decode(resp.FunctionSerialized)
		if err != nil {
			return nil, fmt.Errorf("dispatcher: decoding serialized handler reference: %w", err)
		}
		s, ok := key.(string)
		if !ok {
			return nil, fmt.Errorf("dispatcher: serialized handler reference must be a string, got %T", key)
		}
		name = s
	}

	e, ok := registry.lookup(name)
	if !ok {
		return nil, fmt.Errorf("dispatcher: no handler registered for %q", name)
	}

	return &Handler{
		name:        name,
		scalar:      e.scalar,
		generator:   e.generator,
		isGenerator: e.isGenerator,
		declaredGen: def.FunctionType == FunctionTypeGenerator,
		instance:    e.instance,
		isAsync:     def.IsAsync,
	}, nil
}
