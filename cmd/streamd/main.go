package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/codecanvas/streamd/internal/approval"
	"github.com/codecanvas/streamd/internal/canvas"
	"github.com/codecanvas/streamd/internal/client"
	"github.com/codecanvas/streamd/internal/config"
	"github.com/codecanvas/streamd/internal/history"
	"github.com/codecanvas/streamd/internal/metrics"
	"github.com/codecanvas/streamd/internal/protocol"
	"github.com/codecanvas/streamd/internal/runner"
	"github.com/codecanvas/streamd/internal/server"
	"github.com/codecanvas/streamd/internal/session"
	"github.com/codecanvas/streamd/internal/watcher"
)

const defaultConfigPath = "/etc/streamd/config.yaml"

// Version information
const Version = "0.1.0"

func main() {
	if len(os.Args) > 1 {
		switch os.Args[1] {
		case "status":
			runStatusCommand(os.Args[2:])
			return
		case "attach":
			runAttachCommand(os.Args[2:])
			return
		case "version":
			fmt.Printf("streamd version %s\n", Version)
			return
		case "help", "-h", "--help":
			printHelp()
			return
		}
	}

	runDaemon()
}

func printHelp() {
	fmt.Println(`streamd - streaming canvas session & tool-approval daemon

Usage:
  streamd [command] [options]

Commands:
  (none)       Run as daemon (default)
  status       Query a running daemon
  attach       Follow a session's event stream
  version      Show version information
  help         Show this help

Daemon Options:
  -config string  Path to config file (default "` + defaultConfigPath + `")

Subcommand Options:
  -json         Output in JSON format
  -config       Path to config file`)
}

func runStatusCommand(args []string) {
	fs := flag.NewFlagSet("status", flag.ExitOnError)
	jsonOutput := fs.Bool("json", false, "Output in JSON format")
	configPath := fs.String("config", defaultConfigPath, "Path to config file")
	fs.Parse(args)

	cfg, err := config.LoadConfig(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		os.Exit(1)
	}

	status := map[string]any{
		"version":          Version,
		"listen":           cfg.Server.Listen,
		"history_dir":      cfg.Storage.HistoryDir,
		"generator":        cfg.Generator.Command,
		"approval_timeout": cfg.Approvals.Timeout().String(),
	}

	client := &http.Client{Timeout: 3 * time.Second}
	resp, err := client.Get("http://" + cfg.Server.Listen + "/healthz")
	if err != nil {
		status["daemon_reachable"] = false
		status["daemon_error"] = err.Error()
	} else {
		resp.Body.Close()
		status["daemon_reachable"] = resp.StatusCode == http.StatusOK
	}

	if *jsonOutput {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		enc.Encode(status)
		return
	}

	fmt.Printf("streamd Status\n")
	fmt.Printf("==============\n")
	fmt.Printf("Version:          %s\n", Version)
	fmt.Printf("Listen:           %s\n", cfg.Server.Listen)
	fmt.Printf("History Dir:      %s\n", cfg.Storage.HistoryDir)
	fmt.Printf("Generator:        %s\n", cfg.Generator.Command)
	fmt.Printf("Approval Timeout: %s\n", cfg.Approvals.Timeout())
	fmt.Printf("Daemon Reachable: %v\n", status["daemon_reachable"])
	if errMsg, ok := status["daemon_error"]; ok {
		fmt.Printf("Daemon Error:     %s\n", errMsg)
	}
}

func runAttachCommand(args []string) {
	fs := flag.NewFlagSet("attach", flag.ExitOnError)
	sessionID := fs.String("session", "", "Session id to attach to")
	jsonOutput := fs.Bool("json", false, "Print raw event JSON")
	configPath := fs.String("config", defaultConfigPath, "Path to config file")
	fs.Parse(args)

	if *sessionID == "" {
		fmt.Fprintln(os.Stderr, "attach: -session is required")
		os.Exit(1)
	}

	cfg, err := config.LoadConfig(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		os.Exit(1)
	}

	url := "ws://" + cfg.Server.Listen + "/ws/sessions/" + *sessionID
	c := client.New(url, nil, nil)
	c.SetEventHandler(func(ev protocol.Event) {
		if *jsonOutput {
			data, err := json.Marshal(ev)
			if err == nil {
				fmt.Println(string(data))
			}
			return
		}
		printEvent(ev)
	})

	if err := c.Connect(); err != nil {
		fmt.Fprintf(os.Stderr, "Failed to attach: %v\n", err)
		os.Exit(1)
	}
	defer c.Close()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case <-c.Done():
	case <-sigCh:
	}
}

// printEvent renders one event as a human-readable line.
func printEvent(ev protocol.Event) {
	switch ev.Type {
	case protocol.TypeRawOutput:
		var p protocol.RawOutputPayload
		if json.Unmarshal(ev.Payload, &p) == nil {
			fmt.Printf("[%s] %s\n", p.Stream, p.Data)
		}
	case protocol.TypeCanvasDelta:
		var p protocol.CanvasDeltaPayload
		if json.Unmarshal(ev.Payload, &p) == nil {
			fmt.Printf("-- canvas (%d bytes) --\n", len(p.Code))
		}
	case protocol.TypeApprovalRequested:
		var p protocol.ApprovalRequestedPayload
		if json.Unmarshal(ev.Payload, &p) == nil {
			fmt.Printf("!! approval needed: %s (id %s)\n", p.ToolName, p.ApprovalID)
		}
	case protocol.TypeApprovalResolved:
		var p protocol.ApprovalResolvedPayload
		if json.Unmarshal(ev.Payload, &p) == nil {
			fmt.Printf("!! approval %s: %s\n", p.ApprovalID, p.Status)
		}
	case protocol.TypeSessionError:
		var p protocol.SessionErrorPayload
		if json.Unmarshal(ev.Payload, &p) == nil {
			fmt.Printf("error: %s\n", p.Message)
		}
	case protocol.TypeSessionClosed:
		var p protocol.SessionClosedPayload
		if json.Unmarshal(ev.Payload, &p) == nil {
			fmt.Printf("session closed (exit %d)\n", p.ExitCode)
		}
	default:
		fmt.Printf("%s seq=%d\n", ev.Type, ev.Seq)
	}
}

func runDaemon() {
	configPath := flag.String("config", defaultConfigPath, "Path to config file")
	flag.Parse()

	cfg, err := config.LoadConfig(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		os.Exit(1)
	}

	logger, err := buildLogger(cfg.Log.Level)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to build logger: %v\n", err)
		os.Exit(1)
	}
	defer logger.Sync()

	if err := run(cfg, logger); err != nil {
		logger.Fatal("daemon error", zap.Error(err))
	}
}

func buildLogger(level string) (*zap.Logger, error) {
	lvl, err := zapcore.ParseLevel(level)
	if err != nil {
		return nil, err
	}
	zcfg := zap.NewProductionConfig()
	if lvl == zapcore.DebugLevel {
		zcfg = zap.NewDevelopmentConfig()
	}
	zcfg.Level = zap.NewAtomicLevelAt(lvl)
	return zcfg.Build()
}

func run(cfg *config.Config, logger *zap.Logger) error {
	m := metrics.New()

	store, err := history.NewStore(cfg.Storage.HistoryDir, logger.Named("history"))
	if err != nil {
		return fmt.Errorf("init history store: %w", err)
	}

	registry := session.NewRegistry(cfg.Sessions.GracePeriod(), logger.Named("session"), m)

	broker := approval.NewBroker(cfg.Approvals.PollInterval(), logger.Named("approval"))
	broker.SetResolvedHook(func(req *approval.Request) {
		m.ApprovalsTotal.WithLabelValues(string(req.Status)).Inc()
	})

	orch := canvas.NewOrchestrator(registry, broker, store, cfg.Approvals.Timeout(), logger.Named("canvas"), m)

	run := runner.New(cfg.Generator.Command, cfg.Generator.Args, cfg.Generator.UsePTY, logger.Named("runner"))

	srv := server.New(registry, broker, orch, store, run, m, cfg.Sessions.ClientBufferSz, logger.Named("server"))

	histWatcher, err := watcher.New(store.Dir(), srv.NotifyHistoryChanged, logger.Named("watcher"))
	if err != nil {
		return fmt.Errorf("init history watcher: %w", err)
	}
	defer histWatcher.Close()

	httpServer := &http.Server{
		Addr:    cfg.Server.Listen,
		Handler: srv.Handler(),
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("listening", zap.String("addr", cfg.Server.Listen))
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case err := <-errCh:
		return err
	case sig := <-sigCh:
		logger.Info("shutting down", zap.String("signal", sig.String()))
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return httpServer.Shutdown(ctx)
}
