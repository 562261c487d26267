// Command containerrt is the container-side execution runtime entrypoint:
// it decodes the ContainerArguments positional argument, dials the control
// plane, loads the registered handler, and drives the heartbeat and I/O
// loops until shutdown.
package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joeycumines/logiface"
	"github.com/sparkfn/containerrt/internal/blob"
	"github.com/sparkfn/containerrt/internal/bootstrap"
	"github.com/sparkfn/containerrt/internal/config"
	"github.com/sparkfn/containerrt/internal/controlplane"
	"github.com/sparkfn/containerrt/internal/dialer"
	"github.com/sparkfn/containerrt/internal/dispatcher"
	"github.com/sparkfn/containerrt/internal/heartbeat"
	"github.com/sparkfn/containerrt/internal/ioloop"
	"github.com/sparkfn/containerrt/internal/logging"
	"github.com/urfave/cli/v3"
	"golang.org/x/sync/errgroup"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
)

// Exit codes per the startup contract (§6).
const (
	exitOK              = 0
	exitFatalUserExcept = 1
	exitArgOrEnvError   = 2
)

// ErrFatalUserException marks the user-exception-scoped funnel: a
// TaskResult(FAILURE) has already been reported by the time this is
// returned, so main must exit without retrying.
var ErrFatalUserException = errors.New("containerrt: fatal user exception")

// Handlers is the seam a higher-level SDK populates (via RegisterScalar /
// RegisterGenerator) before this binary's handler is invoked; that SDK
// layer — importing user modules, binding class instances, wrapping
// webhook/PTY handlers — is an external collaborator per the
// specification's scope and is not implemented here.
var Handlers = dispatcher.NewRegistry()

type exitCoder struct {
	err  error
	code int
}

func (e *exitCoder) Error() string { return e.err.Error() }
func (e *exitCoder) Unwrap() error { return e.err }
func (e *exitCoder) ExitCode() int { return e.code }

func argError(err error) error {
	return &exitCoder{err: err, code: exitArgOrEnvError}
}

func fatalUserException(err error) error {
	return &exitCoder{err: err, code: exitFatalUserExcept}
}

func main() {
	cmd := &cli.Command{
		Name:      "containerrt",
		Usage:     "container-side execution runtime",
		ArgsUsage: "<base64 ContainerArguments>",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "server-url", Sources: cli.EnvVars("SERVER_URL")},
			&cli.StringFlag{Name: "token-id", Sources: cli.EnvVars("TOKEN_ID")},
			&cli.StringFlag{Name: "token-secret", Sources: cli.EnvVars("TOKEN_SECRET")},
			&cli.StringFlag{Name: "config-path", Sources: cli.EnvVars("CONFIG_PATH")},
			&cli.StringFlag{Name: "profile", Sources: cli.EnvVars("PROFILE")},
		},
		Action: run,
	}

	os.Exit(exitCodeFor(cmd.Run(context.Background(), os.Args)))
}

func exitCodeFor(err error) int {
	if err == nil {
		return exitOK
	}

	var ec *exitCoder
	if errors.As(err, &ec) {
		return ec.code
	}

	if errors.Is(err, ioloop.ErrKillSwitch) ||
		errors.Is(err, ioloop.ErrIdleTimeout) ||
		errors.Is(err, context.Canceled) {
		return exitOK
	}

	fmt.Fprintln(os.Stderr, err)
	return exitFatalUserExcept
}

func run(ctx context.Context, cmd *cli.Command) error {
	log := logging.New(nil, logiface.LevelInformational)

	raw := cmd.Args().First()
	if raw == "" {
		return argError(fmt.Errorf("containerrt: missing ContainerArguments positional argument"))
	}

	containerArgs, err := bootstrap.ParseContainerArguments(raw)
	if err != nil {
		return argError(err)
	}

	cfg, err := config.Load(config.OSEnv)
	if err != nil {
		return argError(err)
	}

	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	conn, err := grpc.NewClient(cfg.ServerURL,
		grpc.WithTransportCredentials(insecure.NewCredentials()),
		dialer.DialOption(10*time.Second),
		grpc.WithPerRPCCredentials(controlplane.TokenCredentials{
			TokenID:     cfg.TokenID,
			TokenSecret: cfg.TokenSecret,
			Insecure:    true,
		}),
	)
	if err != nil {
		return fmt.Errorf("containerrt: dialing %s: %w", cfg.ServerURL, err)
	}
	defer conn.Close()

	client := controlplane.New(conn, log, 5*time.Second, cfg.HeartbeatTimeout.Duration)

	blobClient := blob.New(
		func(id string) string { return cfg.ServerURL + "/blobs/" + id },
		func() string { return cfg.ServerURL + "/blobs" },
		http.DefaultClient,
	)

	handler, err := dispatcher.Load(ctx, client, containerArgs.FunctionID, Handlers, containerArgs.FunctionDef)
	if err != nil {
		return reportFatal(ctx, client, log, containerArgs.TaskID, err)
	}

	pre, post, warning := dispatcher.ResolveLifecycle(handler.IsAsync(), handler.Instance())
	if warning != "" {
		log.Warning().Str("task_id", containerArgs.TaskID).Log(warning)
	}
	if pre != nil {
		if err := pre(ctx); err != nil {
			return reportFatal(ctx, client, log, containerArgs.TaskID, fmt.Errorf("pre-run hook: %w", err))
		}
	}
	defer func() {
		if post == nil {
			return
		}
		// post-run gets its own background context: shutdown may already
		// have canceled ctx by the time we get here.
		if err := post(context.Background()); err != nil {
			log.Error().Str("task_id", containerArgs.TaskID).Err(err).Log("post-run hook failed")
		}
	}()

	mgr := ioloop.New(client, blobClient, log, ioloop.Config{
		FunctionID:          containerArgs.FunctionID,
		MaxObjectSizeBytes:  cfg.MaxObjectSizeBytes,
		IdleTimeout:         cfg.IdleTimeout.Duration,
		MaxConcurrentInputs: containerArgs.FunctionDef.MaxConcurrentInputs,
	})
	defer mgr.Close(context.Background())

	hb := heartbeat.New(client, log, cfg.HeartbeatInterval.Duration, func() heartbeat.Snapshot {
		return mgr.Snapshot(containerArgs.TaskID)
	})

	g, gctx := errgroup.WithContext(ctx)
	heartbeat.RunInGroup(g, gctx, hb, time.Second)

	g.Go(func() error {
		return mgr.Run(gctx, func(ctx context.Context, in ioloop.Input) error {
			return handler.Drive(ctx, in, mgr)
		})
	})

	err = g.Wait()
	if err == nil || errors.Is(err, ioloop.ErrKillSwitch) || errors.Is(err, ioloop.ErrIdleTimeout) || errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

func reportFatal(ctx context.Context, client *controlplane.Client, log *logging.Logger, taskID string, cause error) error {
	req := &controlplane.TaskResultRequest{
		TaskID: taskID,
		Result: controlplane.Result{Status: "FAILURE", ExceptionRepr: cause.Error()},
	}
	if err := client.TaskResult(ctx, req); err != nil {
		log.Error().Str("task_id", taskID).Err(err).Log("failed to report fatal user exception")
	}
	return fatalUserException(fmt.Errorf("%w: %v", ErrFatalUserException, cause))
}
