// Package main provides dispatchctl, a CLI for running and inspecting
// a dispatch engine instance.
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

	"go.uber.org/zap"

	"github.com/dispatchkit/dispatchkit/pkg/config"
	"github.com/dispatchkit/dispatchkit/pkg/coordinator"
	"github.com/dispatchkit/dispatchkit/pkg/model"
	"github.com/dispatchkit/dispatchkit/pkg/transport"
)

var (
	version = "0.1.0"
	commit  = "unknown"
	date    = "unknown"
)

const (
	ExitSuccess = 0
	ExitError   = 1
	ExitUsage   = 64
)

// Command is one dispatchctl subcommand.
type Command struct {
	Name        string
	Description string
	Usage       string
	Run         func(ctx context.Context, args []string) error
}

func main() {
	ctx := context.Background()
	commands := buildCommands()

	args := os.Args[1:]
	if len(args) == 0 || args[0] == "-h" || args[0] == "--help" {
		showHelp(commands)
		os.Exit(ExitSuccess)
	}

	executeCommand(ctx, commands, args[0], args[1:])
}

func buildCommands() map[string]*Command {
	commands := map[string]*Command{
		"run": {
			Name:        "run",
			Description: "Start a dispatch engine instance and block until signaled",
			Usage:       "dispatchctl run",
			Run:         runEngine,
		},
		"submit": {
			Name:        "submit",
			Description: "Submit a single GET request through a throwaway in-process instance and print its status",
			Usage:       "dispatchctl submit <url>",
			Run:         runSubmitStandalone,
		},
		"version": {
			Name:        "version",
			Description: "Show version information",
			Usage:       "dispatchctl version",
			Run:         runVersion,
		},
		"help": {
			Name:        "help",
			Description: "Show help information",
			Usage:       "dispatchctl help [command]",
		},
	}
	commands["help"].Run = func(ctx context.Context, args []string) error {
		return runHelp(commands, args)
	}
	return commands
}

func executeCommand(ctx context.Context, commands map[string]*Command, cmdName string, cmdArgs []string) {
	cmd, exists := commands[cmdName]
	if !exists {
		fmt.Fprintf(os.Stderr, "Error: unknown command %q\n", cmdName)
		fmt.Fprintln(os.Stderr, "Run 'dispatchctl help' for usage information.")
		os.Exit(ExitUsage)
	}
	if err := cmd.Run(ctx, cmdArgs); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(ExitError)
	}
}

func showHelp(commands map[string]*Command) {
	fmt.Printf("dispatchctl %s\n\n", version)
	fmt.Println("Usage:")
	fmt.Println("  dispatchctl [command]")
	fmt.Println()
	fmt.Println("Available Commands:")
	for _, name := range []string{"run", "submit", "version", "help"} {
		if cmd, ok := commands[name]; ok {
			fmt.Printf("  %-10s %s\n", cmd.Name, cmd.Description)
		}
	}
	fmt.Println()
	fmt.Println("Flags:")
	fmt.Println("  -h, --help   Show help information")
}

func runHelp(commands map[string]*Command, args []string) error {
	if len(args) == 0 {
		showHelp(commands)
		return nil
	}
	cmd, ok := commands[args[0]]
	if !ok {
		return fmt.Errorf("unknown command: %s", args[0])
	}
	fmt.Printf("Usage: %s\n\n%s\n", cmd.Usage, cmd.Description)
	return nil
}

func runVersion(ctx context.Context, args []string) error {
	fmt.Printf("dispatchctl %s\ncommit: %s\nbuilt: %s\n", version, commit, date)
	return nil
}

// runEngine builds a Coordinator from environment-derived config,
// starts it, serves /metrics and /status if Prometheus is enabled,
// and blocks until SIGINT/SIGTERM triggers a graceful drain.
func runEngine(ctx context.Context, args []string) error {
	logger, err := zap.NewProduction()
	if err != nil {
		return fmt.Errorf("dispatchctl: building logger: %w", err)
	}
	defer logger.Sync()

	cfg, err := config.Default().ApplyEnv(config.NewEnvSource("DISPATCHKIT"))
	if err != nil {
		return fmt.Errorf("dispatchctl: applying environment config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("dispatchctl: invalid config: %w", err)
	}

	httpTransport := transport.NewHTTPClient(nil, logger)
	co, err := coordinator.New(cfg, httpTransport, logger)
	if err != nil {
		return fmt.Errorf("dispatchctl: building coordinator: %w", err)
	}

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	if err := co.Start(runCtx); err != nil {
		return fmt.Errorf("dispatchctl: starting coordinator: %w", err)
	}

	if h := co.PrometheusHandler(); h != nil && cfg.PrometheusAddr != "" {
		mux := http.NewServeMux()
		mux.Handle("/metrics", h)
		mux.HandleFunc("/status", func(w http.ResponseWriter, r *http.Request) {
			w.Header().Set("Content-Type", "application/json")
			_ = json.NewEncoder(w).Encode(co.Status())
		})
		srv := &http.Server{Addr: cfg.PrometheusAddr, Handler: mux}
		go func() {
			if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				logger.Warn("dispatchctl: metrics server exited", zap.Error(err))
			}
		}()
		defer srv.Close()
	}

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	<-sig

	logger.Info("dispatchctl: shutting down")
	return co.Stop(30 * time.Second)
}

// runSubmitStandalone is a convenience path for smoke-testing a
// transport end to end: it builds a throwaway coordinator, submits
// one request, waits briefly, and prints the coordinator's Status.
// Production use should link the library directly rather than
// shelling out per request.
func runSubmitStandalone(ctx context.Context, args []string) error {
	if len(args) == 0 {
		return fmt.Errorf("usage: dispatchctl submit <url>")
	}

	logger := zap.NewNop()
	cfg := config.Default()
	co, err := coordinator.New(cfg, transport.NewHTTPClient(nil, logger), logger)
	if err != nil {
		return err
	}

	runCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	if err := co.Start(runCtx); err != nil {
		return err
	}
	defer co.Stop(5 * time.Second)

	desc := model.NewRequestDescriptor(model.MethodGet, args[0], time.Now())
	id, err := co.Submit(desc)
	if err != nil {
		return fmt.Errorf("dispatchctl: submit failed: %w", err)
	}

	fmt.Printf("submitted %s\n", id)
	time.Sleep(2 * time.Second)

	status := co.Status()
	b, _ := json.MarshalIndent(status, "", "  ")
	fmt.Println(string(b))
	return nil
}
