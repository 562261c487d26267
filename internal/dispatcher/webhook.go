package dispatcher

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/recover"
)

// AppFactory builds the fiber.App an ASGI_APP/WSGI_APP handler wraps. Go has
// no ASGI/WSGI distinction; both adapters share this implementation, since
// the thing the specification actually cares about preserving is the shape
// (a foreign app-handler interface wrapped into the dispatcher's common
// drive arm), not two distinct protocols.
type AppFactory func() (*fiber.App, error)

// NewAppWebhook wraps factory's app as a scalar handler: every input carries
// one request (method, path, header, body as a map[string]any, matching the
// wire codec's decoded shape) and produces one response of the same shape.
func NewAppWebhook(factory AppFactory, timeout time.Duration) ScalarFunc {
	var app *fiber.App
	return func(ctx context.Context, args []any, kwargs map[string]any) (any, error) {
		if app == nil {
			var err error
			app, err = factory()
			if err != nil {
				return nil, fmt.Errorf("dispatcher: building webhook app: %w", err)
			}
		}
		return driveWebhookApp(ctx, app, args, timeout)
	}
}

// NewRawWebhook synthesizes a single-route fiber.App from fn and method,
// per the RAW_WEBHOOK webhook_config: the original wraps the bare handler
// function itself as the ASGI app; here fn is any fiber.Handler the caller
// derives from the registered function.
func NewRawWebhook(method string, fn fiber.Handler, timeout time.Duration) ScalarFunc {
	app := fiber.New(fiber.Config{DisableStartupMessage: true})
	app.Use(recover.New())
	app.Add(method, "/*", fn)

	return func(ctx context.Context, args []any, kwargs map[string]any) (any, error) {
		return driveWebhookApp(ctx, app, args, timeout)
	}
}

func driveWebhookApp(ctx context.Context, app *fiber.App, args []any, timeout time.Duration) (any, error) {
	if len(args) == 0 {
		return nil, fmt.Errorf("dispatcher: webhook handler requires a request argument")
	}
	reqFields, ok := args[0].(map[string]any)
	if !ok {
		return nil, fmt.Errorf("dispatcher: webhook request must be a map, got %T", args[0])
	}

	method, _ := reqFields["method"].(string)
	if method == "" {
		method = http.MethodGet
	}
	path, _ := reqFields["path"].(string)
	if path == "" {
		path = "/"
	}
	var body []byte
	if b, ok := reqFields["body"].([]byte); ok {
		body = b
	}

	httpReq, err := http.NewRequestWithContext(ctx, method, path, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("dispatcher: building webhook request: %w", err)
	}
	if headers, ok := reqFields["header"].(map[string]any); ok {
		for k, v := range headers {
			if s, ok := v.(string); ok {
				httpReq.Header.Set(k, s)
			}
		}
	}

	resp, err := app.Test(httpReq, int(timeout.Milliseconds()))
	if err != nil {
		return nil, fmt.Errorf("dispatcher: webhook request failed: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("dispatcher: reading webhook response: %w", err)
	}

	respHeaders := make(map[string]any, len(resp.Header))
	for k := range resp.Header {
		respHeaders[k] = resp.Header.Get(k)
	}

	return map[string]any{
		"status_code": int64(resp.StatusCode),
		"header":      respHeaders,
		"body":        respBody,
	}, nil
}
