// Command cua-agent runs the browser-using-agent HTTP server: it wires
// SessionManager, TaskCoordinator, SamplingLoop, and BatchExecutor against
// the configured StateStore/RemoteBrowserPort/ModelPort/ObjectStore/MemoryPort
// adapters and serves the httpapi routes, mirroring goclaw's cmd/root.go
// cobra entrypoint and kandev's cmd/*/main.go construction order.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	cua "github.com/onkernel/cua-agent"
	"github.com/onkernel/cua-agent/internal/batchsched"
	"github.com/onkernel/cua-agent/internal/browser/rod"
	"github.com/onkernel/cua-agent/internal/config"
	"github.com/onkernel/cua-agent/internal/httpapi"
	"github.com/onkernel/cua-agent/internal/logging"
	"github.com/onkernel/cua-agent/internal/memoryfile"
	"github.com/onkernel/cua-agent/internal/modelport/anthropic"
	"github.com/onkernel/cua-agent/internal/objectstore/s3"
	"github.com/onkernel/cua-agent/internal/store/postgres"
	"github.com/onkernel/cua-agent/internal/store/sqlite"
	"github.com/onkernel/cua-agent/internal/tracing"
)

var (
	cfgFile string
	devLogs bool
)

var rootCmd = &cobra.Command{
	Use:   "cua-agent",
	Short: "cua-agent — browser-using AI agent runtime",
	Long:  "cua-agent drives a remote browser through an Anthropic computer-use loop behind an HTTP API: synchronous/streaming chat, cooperative task stop/resume, and batch execution.",
	RunE: func(cmd *cobra.Command, args []string) error {
		return runServe(cmd.Context())
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "path to cua.yaml (defaults: none, env vars and built-in defaults apply)")
	rootCmd.PersistentFlags().BoolVar(&devLogs, "dev", false, "use human-readable development logging instead of JSON")
	rootCmd.AddCommand(versionCmd())
}

func versionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Println("cua-agent dev")
		},
	}
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := rootCmd.ExecuteContext(ctx); err != nil {
		os.Exit(1)
	}
}

func runServe(ctx context.Context) error {
	cfg, err := config.Load(cfgFile)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	logger, err := logging.New(devLogs)
	if err != nil {
		return fmt.Errorf("init logger: %w", err)
	}
	defer logger.Sync()

	store, closeStore, err := buildStore(ctx, cfg)
	if err != nil {
		return fmt.Errorf("init store: %w", err)
	}
	defer closeStore()
	if err := store.Init(ctx); err != nil {
		return fmt.Errorf("init schema: %w", err)
	}

	tracingEndpoint := cfg.Tracing.OTLPEndpoint
	if !cfg.Tracing.Enabled {
		tracingEndpoint = ""
	}
	shutdownTracing, err := tracing.Init(ctx, tracingEndpoint, cfg.Tracing.ServiceName)
	if err != nil {
		return fmt.Errorf("init tracing: %w", err)
	}
	defer shutdownTracing(context.Background())
	tracer := tracing.NewTracer()

	objects, err := s3.New(ctx, s3.Config{
		Bucket:   cfg.Objects.Bucket,
		Region:   cfg.Objects.Region,
		Endpoint: cfg.Objects.Endpoint,
	})
	if err != nil {
		return fmt.Errorf("init object store: %w", err)
	}

	memoryDir := os.Getenv("CUA_MEMORY_DIR")
	if memoryDir == "" {
		memoryDir = "./memories"
	}
	memory, err := memoryfile.New(memoryDir)
	if err != nil {
		return fmt.Errorf("init memory store: %w", err)
	}

	browserPort := rod.New(rod.WithDownloadRoot(os.Getenv("CUA_DOWNLOAD_ROOT")))

	model := cua.WithRateLimit(
		anthropic.New(cfg.Anthropic.APIKey),
		cua.RPM(50),
		cua.TPM(200_000),
	)

	sm := cua.NewSessionManager(browserPort, store, logger, tracer)
	tasks := cua.NewTaskCoordinator(store, logger)
	loop := cua.NewSamplingLoop(model, store, objects, memory, sm, tasks, logger, tracer)
	webhook := cua.NewWebhookSender(logger)
	batch := cua.NewBatchExecutor(sm, tasks, loop, store, webhook, logger)

	reaperCtx, stopReaper := context.WithCancel(context.Background())
	waitReaper := sm.StartIdleReaper(reaperCtx, 10*time.Minute, time.Minute)
	defer func() {
		stopReaper()
		waitReaper()
	}()

	scheduler := batchsched.New(batch, logger)
	schedCtx, stopSched := context.WithCancel(context.Background())
	defer stopSched()
	go scheduler.Run(schedCtx, time.Minute)

	server := httpapi.New(httpapi.Deps{
		Store:          store,
		SessionManager: sm,
		Tasks:          tasks,
		Loop:           loop,
		Batch:          batch,
		Scheduler:      scheduler,
		Logger:         logger,
		Tracer:         tracer,
		SystemPrompt:   defaultSystemPrompt,
		Tools:          defaultTools(),
		DefaultConfig:  cfg.ToExecutionConfig(),
		APIKeySecret:   cfg.APIKeySecret,
	})

	httpServer := &http.Server{
		Addr:    cfg.HTTPAddr,
		Handler: server.NewRouter(),
	}

	serveErrs := make(chan error, 1)
	go func() {
		logger.Info("http server listening", zap.String("addr", cfg.HTTPAddr))
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			serveErrs <- err
			return
		}
		serveErrs <- nil
	}()

	select {
	case <-ctx.Done():
		logger.Info("shutdown signal received")
	case err := <-serveErrs:
		if err != nil {
			return fmt.Errorf("http server: %w", err)
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Error("http server shutdown", zap.Error(err))
	}
	return nil
}

func buildStore(ctx context.Context, cfg config.Config) (cua.StateStore, func(), error) {
	switch cfg.Database.Driver {
	case "postgres":
		pool, err := pgxpool.New(ctx, cfg.Database.DSN)
		if err != nil {
			return nil, nil, fmt.Errorf("postgres: connect: %w", err)
		}
		return postgres.New(pool), pool.Close, nil
	default:
		st := sqlite.New(cfg.Database.DSN)
		return st, func() { _ = st.Close() }, nil
	}
}

// defaultSystemPrompt is the instruction set handed to every fresh task.
// Task-specific context (the user's goal) arrives as the first user
// message; this prompt only establishes the agent's operating posture.
const defaultSystemPrompt = `You control a remote web browser through a computer tool (mouse, keyboard,
scrolling, screenshots) to complete the user's task. Take a screenshot
before acting when you are unsure of the page state. Call report_task_status
when you have completed the task, determined it cannot be completed, or
need clarification from the user. Use the memory tool to persist notes you
will need across many iterations of a long task.`

// defaultTools lists the three tools SamplingLoop dispatches by name
// (§ToolComputer/ToolReportTaskStatus/ToolMemory), in JSON-Schema form.
func defaultTools() []cua.ToolDefinition {
	return []cua.ToolDefinition{
		{
			Name:        cua.ToolComputer,
			Description: "Control the remote browser: click, type, scroll, press keys, move the mouse, wait, or take a screenshot.",
			Parameters: rawSchema(map[string]any{
				"type": "object",
				"properties": map[string]any{
					"action":           map[string]any{"type": "string", "enum": []string{"left_click", "right_click", "double_click", "mouse_move", "scroll", "type", "key", "wait", "cursor_position", "screenshot"}},
					"x":                map[string]any{"type": "integer"},
					"y":                map[string]any{"type": "integer"},
					"dx":               map[string]any{"type": "integer"},
					"dy":               map[string]any{"type": "integer"},
					"text":             map[string]any{"type": "string"},
					"per_char_delay_ms": map[string]any{"type": "integer"},
					"key_combo":        map[string]any{"type": "string"},
					"wait_for_ms":      map[string]any{"type": "integer"},
				},
				"required": []string{"action"},
			}),
		},
		{
			Name:        cua.ToolReportTaskStatus,
			Description: "Report that the task is completed, failed, or needs clarification from the user.",
			Parameters: rawSchema(map[string]any{
				"type": "object",
				"properties": map[string]any{
					"status":   map[string]any{"type": "string", "enum": []string{"completed", "failed", "needs_clarification"}},
					"message":  map[string]any{"type": "string"},
					"evidence": map[string]any{"type": "string"},
				},
				"required": []string{"status", "message"},
			}),
		},
		{
			Name:        cua.ToolMemory,
			Description: "View, create, edit, or rename a scratch memory file to retain notes across iterations.",
			Parameters: rawSchema(map[string]any{
				"type": "object",
				"properties": map[string]any{
					"verb":     map[string]any{"type": "string", "enum": []string{"view", "create", "str_replace", "insert", "delete", "rename"}},
					"path":     map[string]any{"type": "string"},
					"new_path": map[string]any{"type": "string"},
					"text":     map[string]any{"type": "string"},
					"old_text": map[string]any{"type": "string"},
					"line":     map[string]any{"type": "integer"},
				},
				"required": []string{"verb", "path"},
			}),
		},
	}
}

func rawSchema(v map[string]any) json.RawMessage {
	b, err := json.Marshal(v)
	if err != nil {
		panic(err)
	}
	return b
}
