// Smsagent is a conversational SMS backend.
//
// A single polling worker drains the inbound message queue, rebuilds
// each message's conversation history, calls the language model with a
// budgeted tool catalog, executes any requested tools against an MCP
// server, and replies by SMS. Configuration is loaded from a single
// YAML file discovered automatically (see [config.DefaultSearchPaths]).
//
// Usage:
//
//	smsagent serve                Start the polling worker
//	smsagent process <id>         Process one pending message (for testing)
//	smsagent init [dir]           Write a starter config.yaml
//	smsagent version              Print version and build information
//	smsagent -o json version      Output version information as JSON
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"

	"github.com/adventureharmony/sms-agent/internal/buildinfo"
	"github.com/adventureharmony/sms-agent/internal/config"
	"github.com/adventureharmony/sms-agent/internal/llm"
	"github.com/adventureharmony/sms-agent/internal/mcp"
	"github.com/adventureharmony/sms-agent/internal/memwindow"
	"github.com/adventureharmony/sms-agent/internal/sms"
	"github.com/adventureharmony/sms-agent/internal/store"
	"github.com/adventureharmony/sms-agent/internal/suspend"
	"github.com/adventureharmony/sms-agent/internal/toolexec"
	"github.com/adventureharmony/sms-agent/internal/worker"
)

// main is intentionally minimal. It constructs the OS-level environment
// (context, stdio, argv) and delegates immediately to [run] so the full
// startup-to-shutdown lifecycle can be driven from tests.
func main() {
	ctx := context.Background()

	if err := run(ctx, os.Stdout, os.Stderr, os.Args[1:]); err != nil {
		fmt.Fprintf(os.Stderr, "%s\n", err)
		os.Exit(1)
	}
}

// run is the real entry point for the smsagent command. All OS-level
// dependencies are injected as parameters:
//
//   - ctx controls the lifetime of the process. Cancelling it triggers
//     graceful shutdown of the worker loop.
//   - stdout and stderr receive all program output. Structured logs go
//     to stdout; fatal error messages go to stderr.
//   - args is os.Args[1:]. We parse these manually rather than using
//     the flag package to avoid global state that interferes with
//     parallel tests.
func run(ctx context.Context, stdout io.Writer, stderr io.Writer, args []string) error {
	var configPath string
	var outputFmt string // "text" (default) or "json"
	var command string
	var cmdArgs []string

	for i := 0; i < len(args); i++ {
		switch {
		case args[i] == "-config" && i+1 < len(args):
			configPath = args[i+1]
			i++ // skip the value
		case strings.HasPrefix(args[i], "-config="):
			configPath = strings.TrimPrefix(args[i], "-config=")
		case (args[i] == "-o" || args[i] == "--output") && i+1 < len(args):
			outputFmt = args[i+1]
			i++
		case strings.HasPrefix(args[i], "-o="):
			outputFmt = strings.TrimPrefix(args[i], "-o=")
		case strings.HasPrefix(args[i], "--output="):
			outputFmt = strings.TrimPrefix(args[i], "--output=")
		case args[i] == "-h" || args[i] == "-help" || args[i] == "--help":
			return printUsage(stdout)
		case !strings.HasPrefix(args[i], "-") && command == "":
			command = args[i]
		default:
			if command != "" {
				cmdArgs = append(cmdArgs, args[i])
			} else {
				return fmt.Errorf("unknown flag: %s", args[i])
			}
		}
	}

	if outputFmt == "" {
		outputFmt = "text"
	}
	if outputFmt != "text" && outputFmt != "json" {
		return fmt.Errorf("unknown output format: %q (expected text or json)", outputFmt)
	}

	switch command {
	case "serve":
		return runServe(ctx, stdout, configPath)
	case "process":
		if len(cmdArgs) == 0 {
			return fmt.Errorf("usage: smsagent process <message-id>")
		}
		return runProcess(ctx, stdout, configPath, cmdArgs[0])
	case "init":
		dir := "."
		if len(cmdArgs) > 0 {
			dir = cmdArgs[0]
		}
		return runInit(stdout, dir)
	case "version":
		return runVersion(stdout, outputFmt)
	case "":
		return printUsage(stdout)
	default:
		return fmt.Errorf("unknown command: %s", command)
	}
}

// runVersion prints build metadata in the requested output format.
func runVersion(w io.Writer, outputFmt string) error {
	info := buildinfo.BuildInfo()
	if outputFmt == "json" {
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(info)
	}
	fmt.Fprintln(w, buildinfo.String())
	for _, k := range []string{"version", "git_commit", "git_branch", "build_time", "go_version", "os", "arch"} {
		if v, ok := info[k]; ok {
			fmt.Fprintf(w, "  %-12s %s\n", k+":", v)
		}
	}
	return nil
}

// printUsage writes the top-level help text to w.
func printUsage(w io.Writer) error {
	fmt.Fprintln(w, "Smsagent - Conversational SMS Backend")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Usage: smsagent [flags] <command> [args]")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Commands:")
	fmt.Fprintln(w, "  serve          Start the polling worker")
	fmt.Fprintln(w, "  process <id>   Process one pending message (for testing)")
	fmt.Fprintln(w, "  init [dir]     Write a starter config.yaml (default: .)")
	fmt.Fprintln(w, "  version        Show version information")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Flags:")
	fmt.Fprintln(w, "  -config <path>    Path to config file (default: auto-discover)")
	fmt.Fprintln(w, "  -o, --output fmt  Output format: text (default) or json")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Config search order:")
	fmt.Fprintln(w, "  ./config.yaml, ~/.config/smsagent/config.yaml, /etc/smsagent/config.yaml")
	return nil
}

// starterConfig is written by "smsagent init". Every value shown is a
// default or a placeholder the operator must fill in.
const starterConfig = `# smsagent configuration
database:
  path: smsagent.db

worker:
  poll_interval_sec: 30

anthropic:
  api_key: ${ANTHROPIC_API_KEY}
  model: claude-3-5-sonnet-20241022

# Remote MCP tool server. Set either url (streamable HTTP) or command
# (spawned subprocess speaking stdio). Leave both empty to run without
# tools.
mcp:
  url: ""
  command: ""

# Outbound SMS. Leave blank to log replies instead of delivering them.
sms:
  account_sid: ""
  auth_token: ""
  from_number: ""

suspend:
  timeout_minutes: 60

log_level: info
log_format: text
`

// runInit writes a starter config file into dir, refusing to overwrite
// an existing one.
func runInit(stdout io.Writer, dir string) error {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("create directory %s: %w", dir, err)
	}
	path := filepath.Join(dir, "config.yaml")
	if _, err := os.Stat(path); err == nil {
		return fmt.Errorf("%s already exists, not overwriting", path)
	}
	if err := os.WriteFile(path, []byte(starterConfig), 0644); err != nil {
		return fmt.Errorf("write %s: %w", path, err)
	}
	fmt.Fprintf(stdout, "Wrote %s - edit it and run: smsagent serve\n", path)
	return nil
}

// runProcess handles "smsagent process <message-id>": full component
// wiring, one turn, exit. Useful for replaying a stuck message without
// starting the worker.
func runProcess(ctx context.Context, stdout io.Writer, configPath string, messageID string) error {
	logger := newLogger(stdout, slog.LevelInfo, "text")

	cfg, cfgPath, err := loadConfig(configPath)
	if err != nil {
		return err
	}
	logger.Info("config loaded", "path", cfgPath)

	app, err := buildApp(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer app.Close()

	if err := app.processor.ProcessPendingMessage(ctx, messageID); err != nil {
		return fmt.Errorf("process %s: %w", messageID, err)
	}
	fmt.Fprintf(stdout, "Processed message %s\n", messageID)
	return nil
}

// runServe handles "smsagent serve", the primary operating mode: loads
// config, opens the databases, connects to the MCP server, and runs the
// single-threaded worker loop until a shutdown signal arrives.
func runServe(ctx context.Context, stdout io.Writer, configPath string) error {
	logger := newLogger(stdout, slog.LevelInfo, "text")
	logger.Info("starting smsagent",
		"version", buildinfo.Version,
		"commit", buildinfo.GitCommit,
		"built", buildinfo.BuildTime,
	)

	cfg, cfgPath, err := loadConfig(configPath)
	if err != nil {
		return err
	}

	// Reconfigure the logger now that the desired level and format are
	// known. The initial Info-level text logger covers only the startup
	// banner and config errors.
	{
		level := slog.LevelInfo
		if cfg.LogLevel != "" {
			level, err = config.ParseLogLevel(cfg.LogLevel)
			if err != nil {
				return err
			}
		}
		logger = newLogger(stdout, level, cfg.LogFormat)
	}

	logger.Info("config loaded",
		"path", cfgPath,
		"database", cfg.Database.Path,
		"model", cfg.Anthropic.Model,
		"poll_interval", cfg.PollInterval(),
	)

	app, err := buildApp(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer app.Close()

	ctx, cancel := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	loop := worker.NewLoop(app.store, app.processor, app.suspend, app.windows, cfg.PollInterval(), logger)
	if err := loop.Run(ctx); err != nil && ctx.Err() == nil {
		return fmt.Errorf("worker loop: %w", err)
	}

	logger.Info("smsagent stopped")
	return nil
}

// app bundles the wired components plus everything that needs closing
// on shutdown.
type app struct {
	store     store.Store
	processor *worker.Processor
	suspend   *suspend.Manager
	windows   *memwindow.Tracker

	closers []func() error
	logger  *slog.Logger
}

// Close releases resources in reverse construction order.
func (a *app) Close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil {
			a.logger.Warn("close failed", "error", err)
		}
	}
}

// buildApp constructs every component of the pipeline from config:
// stores, SMS sender, MCP tool registry, model client, suspension
// manager, conversation windows, and the turn processor on top.
func buildApp(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*app, error) {
	if cfg.Anthropic.APIKey == "" {
		return nil, fmt.Errorf("anthropic.api_key is not configured")
	}

	a := &app{logger: logger}

	dir := filepath.Dir(cfg.Database.Path)
	if dir != "." {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("create data directory %s: %w", dir, err)
		}
	}

	msgStore, err := store.NewSQLiteStore(cfg.Database.Path)
	if err != nil {
		return nil, fmt.Errorf("open message database %s: %w", cfg.Database.Path, err)
	}
	a.store = msgStore
	a.closers = append(a.closers, msgStore.Close)
	logger.Info("message database opened", "path", cfg.Database.Path)

	// Suspension records and conversation windows share the message
	// database file; each package owns its own tables.
	suspendStore, err := suspend.NewSQLiteStore(cfg.Database.Path)
	if err != nil {
		a.Close()
		return nil, fmt.Errorf("open suspension store: %w", err)
	}
	a.closers = append(a.closers, suspendStore.Close)

	windowStore, err := memwindow.NewSQLiteStore(cfg.Database.Path)
	if err != nil {
		a.Close()
		return nil, fmt.Errorf("open window store: %w", err)
	}
	a.closers = append(a.closers, windowStore.Close)

	// SMS sender. Without provider credentials replies are logged, which
	// keeps local development useful.
	var sender sms.Sender
	if cfg.SMS.Configured() {
		sender = sms.NewTwilioClient(sms.TwilioConfig{
			AccountSID: cfg.SMS.AccountSID,
			AuthToken:  cfg.SMS.AuthToken,
			FromNumber: cfg.SMS.FromNumber,
			APIURL:     cfg.SMS.APIURL,
			Logger:     logger,
		})
		logger.Info("SMS delivery configured", "from", cfg.SMS.FromNumber)
	} else {
		sender = &sms.LogSender{Logger: logger}
		logger.Warn("SMS credentials not configured - replies will only be logged")
	}

	registry, err := buildRegistry(ctx, cfg, logger)
	if err != nil {
		a.Close()
		return nil, err
	}
	if c, ok := registry.(*mcp.Client); ok {
		a.closers = append(a.closers, c.Close)
	}

	a.suspend = suspend.NewManager(suspendStore, sender, cfg.SuspendTimeout(), logger)
	a.windows = memwindow.NewTracker(windowStore, logger)

	a.processor = worker.NewProcessor(worker.Deps{
		Store:       msgStore,
		LLM:         llm.NewAnthropicClient(cfg.Anthropic.APIKey, logger),
		Registry:    registry,
		Coordinator: toolexec.New(registry, msgStore, sender, logger),
		Sender:      sender,
		Suspend:     a.suspend,
		Windows:     a.windows,
		Model:       cfg.Anthropic.Model,
		System:      cfg.SystemPrompt,
		Logger:      logger,
	})

	return a, nil
}

// buildRegistry connects to the configured MCP server: a spawned
// subprocess over stdio when command is set, streamable HTTP when url
// is set, and an empty registry when neither is.
func buildRegistry(ctx context.Context, cfg *config.Config, logger *slog.Logger) (toolexec.Registry, error) {
	var transport mcp.Transport
	var name string
	switch {
	case cfg.MCP.Command != "":
		name = filepath.Base(cfg.MCP.Command)
		transport = mcp.NewStdioTransport(mcp.StdioConfig{
			Command: cfg.MCP.Command,
			Args:    cfg.MCP.Args,
			Logger:  logger,
		})
	case cfg.MCP.URL != "":
		name = cfg.MCP.URL
		transport = mcp.NewHTTPTransport(mcp.HTTPConfig{
			URL:     cfg.MCP.URL,
			Headers: cfg.MCP.Headers,
			Logger:  logger,
		})
	default:
		logger.Warn("no MCP server configured - running without tools")
		return emptyRegistry{}, nil
	}

	client := mcp.NewClient(name, transport, logger)
	if err := client.Initialize(ctx); err != nil {
		return nil, fmt.Errorf("initialize MCP server %s: %w", name, err)
	}

	tools, err := client.ListTools(ctx)
	if err != nil {
		logger.Warn("initial tool listing failed", "server", name, "error", err)
	} else {
		logger.Info("MCP server connected", "server", name, "tools", len(tools))
	}

	return client, nil
}

// emptyRegistry satisfies the tool registry interface when no MCP
// server is configured.
type emptyRegistry struct{}

func (emptyRegistry) ListTools(context.Context) ([]mcp.ToolDefinition, error)    { return nil, nil }
func (emptyRegistry) RefreshTools(context.Context) ([]mcp.ToolDefinition, error) { return nil, nil }

func (emptyRegistry) CallTool(_ context.Context, name string, _ map[string]any) (string, error) {
	return "", fmt.Errorf("call %s: %w", name, mcp.ErrToolNotFound)
}

// newLogger creates a structured logger that writes to w at the given
// level and format. Format must be "text" or "json"; any other value
// defaults to text.
func newLogger(w io.Writer, level slog.Level, format string) *slog.Logger {
	opts := &slog.HandlerOptions{
		Level:       level,
		ReplaceAttr: config.ReplaceLogLevelNames,
	}
	var handler slog.Handler
	if format == "json" {
		handler = slog.NewJSONHandler(w, opts)
	} else {
		handler = slog.NewTextHandler(w, opts)
	}
	return slog.New(handler)
}

// loadConfig locates and parses the YAML configuration file. If
// explicit is non-empty, that exact path is used (and must exist).
func loadConfig(explicit string) (*config.Config, string, error) {
	cfgPath, err := config.FindConfig(explicit)
	if err != nil {
		return nil, "", err
	}

	cfg, err := config.Load(cfgPath)
	if err != nil {
		return nil, cfgPath, fmt.Errorf("load config %s: %w", cfgPath, err)
	}

	return cfg, cfgPath, nil
}
