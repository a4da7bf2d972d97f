// Command agentplane runs the agent orchestration control plane.
//
// Usage:
//
//	agentplane serve --config config.yaml
//	agentplane run --config config.yaml --workflow <id> --input "..."
//	agentplane validate --config config.yaml
package main

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"os/signal"
	"runtime/debug"
	"syscall"

	"github.com/alecthomas/kong"
	"github.com/joho/godotenv"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"

	"github.com/agentplane/agentplane/pkg/config"
	"github.com/agentplane/agentplane/pkg/engine"
	"github.com/agentplane/agentplane/pkg/logger"
	"github.com/agentplane/agentplane/pkg/observability"
	"github.com/agentplane/agentplane/pkg/runtime"
	"github.com/agentplane/agentplane/pkg/store"
)

type CLI struct {
	Version  VersionCmd  `cmd:"" help:"Show version information."`
	Serve    ServeCmd    `cmd:"" help:"Start the control plane daemon."`
	Run      RunCmd      `cmd:"" help:"Execute a workflow once and print its output."`
	Validate ValidateCmd `cmd:"" help:"Validate a configuration file."`

	Config    string `short:"c" help:"Path to config file." type:"path" default:"config.yaml"`
	LogLevel  string `help:"Log level (debug, info, warn, error)." default:""`
	LogFormat string `help:"Log format (simple or verbose)." default:""`
}

type VersionCmd struct{}

func (c *VersionCmd) Run() error {
	version := "dev"
	if info, ok := debug.ReadBuildInfo(); ok {
		if info.Main.Version != "(devel)" && info.Main.Version != "" {
			version = info.Main.Version
		}
	}
	fmt.Printf("agentplane version %s\n", version)
	return nil
}

type ValidateCmd struct{}

func (c *ValidateCmd) Run(cli *CLI) error {
	if _, err := config.Load(cli.Config); err != nil {
		return err
	}
	fmt.Printf("%s: OK\n", cli.Config)
	return nil
}

type ServeCmd struct{}

func (c *ServeCmd) Run(cli *CLI) error {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	cfg, err := loadConfig(cli)
	if err != nil {
		return err
	}

	tp, err := observability.InitTracer(ctx, cfg.Tracing)
	if err != nil {
		slog.Warn("Tracing init failed, continuing without export", "error", err)
	}
	if sdk, ok := tp.(*sdktrace.TracerProvider); ok {
		defer sdk.Shutdown(context.Background())
	}

	rt, err := runtime.New(ctx, cfg)
	if err != nil {
		return err
	}
	defer rt.Close()

	if err := rt.Scheduler.Start(ctx); err != nil {
		return err
	}

	slog.Info("agentplane started", "db", cfg.DatabasePath)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh
	slog.Info("Shutting down...")
	return nil
}

type RunCmd struct {
	Workflow string `required:"" help:"Workflow id to execute."`
	Input    string `help:"Input passed to the first step."`
	Owner    string `help:"Owner id recorded on the run." default:"cli"`
}

func (c *RunCmd) Run(cli *CLI) error {
	ctx := context.Background()

	cfg, err := loadConfig(cli)
	if err != nil {
		return err
	}
	rt, err := runtime.New(ctx, cfg)
	if err != nil {
		return err
	}
	defer rt.Close()

	wf, err := rt.Store.GetWorkflow(ctx, c.Workflow)
	if err != nil {
		return fmt.Errorf("failed to load workflow %s: %w", c.Workflow, err)
	}

	var runID string
	for ev := range rt.Workflows.Run(ctx, wf, c.Input, c.Owner) {
		switch ev.Type {
		case engine.EventWorkflowStart:
			runID, _ = ev.Data["run_id"].(string)
		case engine.EventNodeContentDelta:
			if text, ok := ev.Data["content"].(string); ok {
				fmt.Print(text)
			}
		case engine.EventNodeComplete:
			slog.Info("Step completed", "node_id", ev.Data["node_id"])
		case engine.EventWorkflowComplete:
			fmt.Println()
		case engine.EventWorkflowError:
			return fmt.Errorf("workflow failed: %v", ev.Data["error"])
		}
	}
	if runID != "" {
		if run, err := rt.Store.GetRun(ctx, runID); err == nil && run.Status != store.RunCompleted {
			return fmt.Errorf("run %s finished with status %s", run.ID, run.Status)
		}
	}
	return nil
}

func loadConfig(cli *CLI) (*config.Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		slog.Warn("Failed to load .env", "error", err)
	}

	cfg, err := config.Load(cli.Config)
	if err != nil {
		if !errors.Is(err, fs.ErrNotExist) {
			return nil, err
		}
		slog.Info("No config file, using defaults", "path", cli.Config)
		cfg = config.Default(".agentplane")
	}

	if cli.LogLevel != "" {
		cfg.LogLevel = cli.LogLevel
	}
	if cli.LogFormat != "" {
		cfg.LogFormat = cli.LogFormat
	}
	logger.Init(logger.ParseLevel(cfg.LogLevel), os.Stderr, cfg.LogFormat)
	return cfg, nil
}

func main() {
	cli := &CLI{}
	ctx := kong.Parse(cli,
		kong.Name("agentplane"),
		kong.Description("Multi-tenant agent orchestration control plane."),
		kong.UsageOnError(),
	)
	if err := ctx.Run(cli); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
