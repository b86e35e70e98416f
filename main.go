package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/taskmux/taskmux/apperr"
	"github.com/taskmux/taskmux/cmd"
	"github.com/taskmux/taskmux/config"
	"github.com/taskmux/taskmux/log"
	"github.com/taskmux/taskmux/mcp"
	"github.com/taskmux/taskmux/namer"
	"github.com/taskmux/taskmux/orchestrator"
	"github.com/taskmux/taskmux/render"
	"github.com/taskmux/taskmux/rpc"
	"github.com/taskmux/taskmux/worker/tmux"
)

// Exit codes: 0 clean shutdown, 1 init error, 2 bad config, 3 state file
// corrupt or unsupported version.
const (
	exitOK         = 0
	exitInitError  = 1
	exitBadConfig  = 2
	exitStateError = 3
)

var (
	version = "0.1.0"

	dataDirFlag       string
	rpcPortFlag       int
	maxWorkersFlag    int
	maxConcurrentFlag int
	autosaveMSFlag    int
	programFlag       string

	rootCmd = &cobra.Command{
		Use:   "taskmux",
		Short: "taskmux - a task orchestrator for parallel workers",
		Long: "taskmux schedules tasks across parallel workers hosted in tmux sessions " +
			"or raw child processes, with dependency tracking, conflict detection, and " +
			"durable session state.",
		SilenceUsage: true,
		RunE: func(c *cobra.Command, args []string) error {
			return serveCmd.RunE(c, args)
		},
	}

	serveCmd = &cobra.Command{
		Use:   "serve",
		Short: "Run the orchestrator and its RPC hub",
		RunE: func(c *cobra.Command, args []string) error {
			log.Initialize()
			defer log.Close()

			cfg, err := loadConfig()
			if err != nil {
				return err
			}

			orc, err := buildOrchestrator(cfg)
			if err != nil {
				return err
			}

			reg := rpc.NewRegistry()
			orc.RegisterTools(reg)
			hub := rpc.NewHub(reg, orc.Bus(), orc.InitialStateEvent)

			ln, err := rpc.ListenLoopback(cfg.RPCPort)
			if err != nil {
				return err
			}
			fmt.Printf("taskmux listening on %s (data dir %s)\n", ln.Addr(), cfg.DataDir)

			ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			go func() {
				if err := hub.Serve(ctx, ln); err != nil {
					log.ErrorLog.Printf("rpc hub stopped: %v", err)
				}
			}()

			orc.Run(ctx)
			orc.Shutdown()
			return nil
		},
	}

	mcpCmd = &cobra.Command{
		Use:   "mcp",
		Short: "Serve the orchestrator tools over MCP on stdio",
		RunE: func(c *cobra.Command, args []string) error {
			log.Initialize()
			defer log.Close()

			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			orc, err := buildOrchestrator(cfg)
			if err != nil {
				return err
			}

			ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			go orc.Run(ctx)
			defer orc.Shutdown()

			return mcp.NewServer("taskmux", version, orc.Tools()).ServeStdio()
		},
	}

	resetCmd = &cobra.Command{
		Use:   "reset",
		Short: "Delete the stored session and kill leftover worker sessions",
		RunE: func(c *cobra.Command, args []string) error {
			log.Initialize()
			defer log.Close()

			cfg, err := loadConfig()
			if err != nil {
				return err
			}

			if err := os.Remove(cfg.StatePath()); err != nil && !os.IsNotExist(err) {
				return fmt.Errorf("failed to remove state file: %w", err)
			}
			if err := os.RemoveAll(cfg.SnapshotsDir()); err != nil {
				return fmt.Errorf("failed to remove snapshots: %w", err)
			}
			fmt.Println("Session state has been reset")

			if err := tmux.CleanupSessions(cmd.MakeExecutor()); err != nil {
				return fmt.Errorf("failed to clean up worker sessions: %w", err)
			}
			fmt.Println("Worker sessions have been cleaned up")
			return nil
		},
	}

	debugCmd = &cobra.Command{
		Use:   "debug",
		Short: "Print the resolved configuration",
		RunE: func(c *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			data, _ := json.MarshalIndent(cfg, "", "  ")
			fmt.Printf("Config: %s\n%s\n", filepath.Join(cfg.DataDir, config.ConfigFileName+".yaml"), data)
			return nil
		},
	}

	versionCmd = &cobra.Command{
		Use:   "version",
		Short: "Print the version number of taskmux",
		Run: func(c *cobra.Command, args []string) {
			fmt.Printf("taskmux version %s\n", version)
		},
	}
)

func loadConfig() (*config.Config, error) {
	cfg, err := config.Load(config.Overrides{
		DataDir:            dataDirFlag,
		RPCPort:            rpcPortFlag,
		MaxWorkers:         maxWorkersFlag,
		MaxConcurrentTasks: maxConcurrentFlag,
		AutosaveMS:         autosaveMSFlag,
	})
	if err != nil {
		return nil, err
	}
	if programFlag != "" {
		cfg.DefaultProgram = programFlag
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func buildOrchestrator(cfg *config.Config) (*orchestrator.Orchestrator, error) {
	renderer, err := render.NewTemplateRenderer(nil)
	if err != nil {
		return nil, err
	}
	return orchestrator.New(cfg, orchestrator.Options{
		Renderer: renderer,
		Namer:    namer.New(namer.NewConfig()),
		CmdExec:  cmd.MakeExecutor(),
	})
}

func init() {
	for _, c := range []*cobra.Command{rootCmd, serveCmd, mcpCmd, resetCmd, debugCmd} {
		c.Flags().StringVar(&dataDirFlag, "data-dir", "", "Directory for session state and snapshots")
		c.Flags().IntVar(&rpcPortFlag, "rpc-port", 0, "Loopback TCP port for the RPC hub")
		c.Flags().IntVar(&maxWorkersFlag, "max-workers", 0, "Maximum number of live workers")
		c.Flags().IntVar(&maxConcurrentFlag, "max-concurrent", 0, "Maximum number of concurrently running tasks")
		c.Flags().IntVar(&autosaveMSFlag, "autosave-ms", 0, "Autosave interval in milliseconds")
		c.Flags().StringVarP(&programFlag, "program", "p", "", "Program to run inside new workers")
	}
	rootCmd.AddCommand(serveCmd, mcpCmd, resetCmd, debugCmd, versionCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(exitCodeFor(err))
	}
	os.Exit(exitOK)
}

// exitCodeFor maps failures onto the documented exit codes.
func exitCodeFor(err error) int {
	switch {
	case apperr.Is(err, apperr.UnsupportedVersion):
		return exitStateError
	case config.IsValidationError(err):
		return exitBadConfig
	default:
		return exitInitError
	}
}
