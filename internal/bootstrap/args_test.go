package bootstrap_test

import (
	"encoding/base64"
	"testing"

	"github.com/sparkfn/containerrt/internal/bootstrap"
	"github.com/sparkfn/containerrt/internal/dispatcher"
	"github.com/sparkfn/containerrt/internal/wire"
)

func encodeArgs(t *testing.T, m map[string]any) string {
	t.Helper()
	data, err := wire.Encode(nil, m)
	if err != nil {
		t.Fatalf("wire.Encode: %v", err)
	}
	return base64.StdEncoding.EncodeToString(data)
}

func TestParseContainerArgumentsFull(t *testing.T) {
	raw := encodeArgs(t, map[string]any{
		"task_id":     "task-1",
		"function_id": "fn-1",
		"app_id":      "app-1",
		"function_def": map[string]any{
			"module_name":     "mod",
			"function_name":   "handler",
			"function_type":   "SCALAR",
			"definition_type": "INLINE",
			"is_async":        true,
			"webhook_config": map[string]any{
				"type":   "RAW_WEBHOOK",
				"method": "GET",
			},
			"pty_info":              map[string]any{"enabled": true},
			"max_concurrent_inputs": int64(4),
		},
		"proxy_info":      map[string]any{"host": "proxy"},
		"tracing_context": map[string]any{"trace_id": "abc"},
	})

	args, err := bootstrap.ParseContainerArguments(raw)
	if err != nil {
		t.Fatalf("ParseContainerArguments: %v", err)
	}

	if args.TaskID != "task-1" || args.FunctionID != "fn-1" || args.AppID != "app-1" {
		t.Fatalf("got %+v", args)
	}
	if args.FunctionDef.FunctionName != "handler" || args.FunctionDef.ModuleName != "mod" {
		t.Fatalf("got function def %+v", args.FunctionDef)
	}
	if args.FunctionDef.FunctionType != dispatcher.FunctionType("SCALAR") {
		t.Fatalf("got function type %v", args.FunctionDef.FunctionType)
	}
	if !args.FunctionDef.IsAsync {
		t.Fatal("want is_async true")
	}
	if args.FunctionDef.WebhookConfig.Method != "GET" {
		t.Fatalf("got webhook config %+v", args.FunctionDef.WebhookConfig)
	}
	if !args.FunctionDef.PTYInfo.Enabled {
		t.Fatal("want pty_info enabled")
	}
	if args.FunctionDef.MaxConcurrentInputs != 4 {
		t.Fatalf("got max_concurrent_inputs %d", args.FunctionDef.MaxConcurrentInputs)
	}
	if args.ProxyInfo["host"] != "proxy" {
		t.Fatalf("got proxy_info %+v", args.ProxyInfo)
	}
	if args.TracingContext["trace_id"] != "abc" {
		t.Fatalf("got tracing_context %+v", args.TracingContext)
	}
}

func TestParseContainerArgumentsMissingTaskID(t *testing.T) {
	raw := encodeArgs(t, map[string]any{
		"function_id": "fn-1",
		"function_def": map[string]any{
			"function_name": "handler",
		},
	})

	if _, err := bootstrap.ParseContainerArguments(raw); err == nil {
		t.Fatal("expected an error for missing task_id")
	}
}

func TestParseContainerArgumentsMissingFunctionDef(t *testing.T) {
	raw := encodeArgs(t, map[string]any{
		"task_id":     "task-1",
		"function_id": "fn-1",
	})

	if _, err := bootstrap.ParseContainerArguments(raw); err == nil {
		t.Fatal("expected an error for missing function_def")
	}
}

func TestParseContainerArgumentsInvalidBase64(t *testing.T) {
	if _, err := bootstrap.ParseContainerArguments("not-base64!!!"); err == nil {
		t.Fatal("expected a base64 decoding error")
	}
}
