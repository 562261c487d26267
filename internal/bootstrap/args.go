// Package bootstrap decodes the process's single positional argument — a
// base64-encoded ContainerArguments message — into the typed values the
// rest of the runtime wires together at startup.
package bootstrap

import (
	"encoding/base64"
	"fmt"

	"github.com/sparkfn/containerrt/internal/dispatcher"
	"github.com/sparkfn/containerrt/internal/wire"
)

// ContainerArguments mirrors §3's ContainerArguments, read once at startup.
type ContainerArguments struct {
	TaskID         string
	FunctionID     string
	AppID          string
	FunctionDef    dispatcher.FunctionDef
	ProxyInfo      map[string]any
	TracingContext map[string]any
}

// ParseContainerArguments base64-decodes raw, then decodes the result
// through the wire codec (the same self-describing format used for every
// other cross-process value in this runtime), expecting a top-level map
// with ContainerArguments' fields.
func ParseContainerArguments(raw string) (*ContainerArguments, error) {
	data, err := base64.StdEncoding.DecodeString(raw)
	if err != nil {
		return nil, fmt.Errorf("bootstrap: base64 decoding arguments: %w", err)
	}

	decoded, _, err := wire.Decode(data)
	if err != nil {
		return nil, fmt.Errorf("bootstrap: decoding arguments: %w", err)
	}

	top, ok := decoded.(map[string]any)
	if !ok {
		return nil, fmt.Errorf("bootstrap: arguments must decode to a map, got %T", decoded)
	}

	fdRaw, _ := top["function_def"].(map[string]any)
	fd, err := parseFunctionDef(fdRaw)
	if err != nil {
		return nil, err
	}

	args := &ContainerArguments{
		TaskID:      stringField(top, "task_id"),
		FunctionID:  stringField(top, "function_id"),
		AppID:       stringField(top, "app_id"),
		FunctionDef: fd,
	}
	args.ProxyInfo, _ = top["proxy_info"].(map[string]any)
	args.TracingContext, _ = top["tracing_context"].(map[string]any)

	if args.TaskID == "" {
		return nil, fmt.Errorf("bootstrap: arguments missing task_id")
	}
	if args.FunctionID == "" {
		return nil, fmt.Errorf("bootstrap: arguments missing function_id")
	}

	return args, nil
}

func parseFunctionDef(m map[string]any) (dispatcher.FunctionDef, error) {
	if m == nil {
		return dispatcher.FunctionDef{}, fmt.Errorf("bootstrap: arguments missing function_def")
	}

	fd := dispatcher.FunctionDef{
		ModuleName:     stringField(m, "module_name"),
		FunctionName:   stringField(m, "function_name"),
		FunctionType:   dispatcher.FunctionType(stringField(m, "function_type")),
		DefinitionType: dispatcher.DefinitionType(stringField(m, "definition_type")),
		IsAsync:        boolField(m, "is_async"),
	}
	if fd.FunctionName == "" {
		return dispatcher.FunctionDef{}, fmt.Errorf("bootstrap: function_def missing function_name")
	}

	if wc, ok := m["webhook_config"].(map[string]any); ok {
		fd.WebhookConfig = dispatcher.WebhookConfig{
			Type:   dispatcher.WebhookType(stringField(wc, "type")),
			Method: stringField(wc, "method"),
		}
	}
	if pi, ok := m["pty_info"].(map[string]any); ok {
		fd.PTYInfo = dispatcher.PTYInfo{Enabled: boolField(pi, "enabled")}
	}
	if n, ok := toInt(m["max_concurrent_inputs"]); ok {
		fd.MaxConcurrentInputs = n
	}

	return fd, nil
}

func stringField(m map[string]any, key string) string {
	s, _ := m[key].(string)
	return s
}

func boolField(m map[string]any, key string) bool {
	b, _ := m[key].(bool)
	return b
}

func toInt(v any) (int, bool) {
	switch n := v.(type) {
	case int64:
		return int(n), true
	case float64:
		return int(n), true
	default:
		return 0, false
	}
}
