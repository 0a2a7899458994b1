// Package main is the entry point for the taskengine service and CLI.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/normanking/taskengine/internal/capabilities"
	"github.com/normanking/taskengine/internal/config"
	"github.com/normanking/taskengine/internal/data"
	"github.com/normanking/taskengine/internal/embedding"
	"github.com/normanking/taskengine/internal/executor"
	"github.com/normanking/taskengine/internal/llm"
	"github.com/normanking/taskengine/internal/logging"
	"github.com/normanking/taskengine/internal/orchestrator"
	"github.com/normanking/taskengine/internal/reasoningmemory"
	"github.com/normanking/taskengine/internal/registry"
	"github.com/normanking/taskengine/internal/vectorindex"
	"github.com/spf13/cobra"
)

var (
	version = "0.1.0"
	cfgPath string
	verbose bool
	fakeLLM bool
	log     *logging.Logger
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "taskengine",
		Short: "taskengine - LLM-orchestrated task execution service",
		Long: `taskengine turns natural-language requests and registered templates into
sandboxed, auditable task executions:
  • Template Registry matches an utterance or id to an execution script
  • Orchestrator creates, dispatches, and retries tasks
  • Sandboxed Executor runs the script against a capped capability envelope
  • Reasoning Memory distills lessons from successes, failures, and repairs

Start the service:  taskengine serve
Run a task:          taskengine task create <template-id> --params '{"key":"value"}'`,
		PersistentPreRunE: initLogging,
	}

	rootCmd.PersistentFlags().StringVar(&cfgPath, "config", "", "config file path (default ~/.taskengine/config.yaml)")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "verbose output")
	rootCmd.PersistentFlags().BoolVar(&fakeLLM, "fake-llm", false, "use the deterministic fake LLM/embedder instead of a configured provider")

	rootCmd.AddCommand(&cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("taskengine v%s\n", version)
		},
	})
	rootCmd.AddCommand(serveCmd())
	rootCmd.AddCommand(taskCmd())
	rootCmd.AddCommand(templateCmd())
	rootCmd.AddCommand(costsCmd())

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func initLogging(cmd *cobra.Command, args []string) error {
	home, err := os.UserHomeDir()
	if err != nil {
		home = "."
	}
	logDir := filepath.Join(home, ".taskengine", "logs")
	if err := os.MkdirAll(logDir, 0755); err != nil {
		fmt.Fprintf(os.Stderr, "warning: failed to create log directory: %v\n", err)
	}

	timestamp := time.Now().Format("2006-01-02_15-04-05")
	logFile := filepath.Join(logDir, fmt.Sprintf("taskengine_%s.log", timestamp))

	var cfg *logging.Config
	if verbose {
		cfg = logging.VerboseConfig()
	} else {
		cfg = logging.DefaultConfig()
	}
	cfg.FilePath = logFile

	log = logging.New(cfg)
	logging.SetGlobal(log)
	log.Info("taskengine session started - logging to %s", logFile)
	return nil
}

func loadConfig() (*config.Config, error) {
	if cfgPath != "" {
		return config.LoadFromPath(cfgPath)
	}
	return config.Load()
}

// components holds everything wired together for a running service or a
// one-shot CLI operation against the same stores.
type components struct {
	cfg        *config.Config
	db         *data.Store
	index      *vectorindex.Index
	reg        *registry.Registry
	memory     *reasoningmemory.Service
	exec       *executor.Executor
	dispatcher *capabilities.Dispatcher
	progress   *capabilities.ProgressMirror
	orch       *orchestrator.Orchestrator
	// metricsProvider is non-nil when a real (non-fake) provider backs
	// this run; the "costs" command reads it for a usage/cost summary.
	metricsProvider *llm.MetricsProvider
}

func buildComponents(cfg *config.Config) (*components, func(), error) {
	db, err := data.NewDB(cfg.Data.Path)
	if err != nil {
		return nil, nil, fmt.Errorf("open database: %w", err)
	}

	index := vectorindex.New(db.DB())

	var rawEmbedder capabilities.Embedder
	var rawLLM, repairLLM, graderLLM, distillLLM capabilities.LLM
	var metricsProvider *llm.MetricsProvider
	if fakeLLM {
		rawEmbedder = capabilities.NewFakeEmbedder(cfg.Registry.EmbeddingDimension)
		rawLLM = &capabilities.FakeLLM{}
		repairLLM, graderLLM, distillLLM = rawLLM, rawLLM, rawLLM
		log.Warn("using fake LLM/embedder backends (--fake-llm)")
	} else {
		rawEmbedder = embedding.NewMultiEmbedder(
			embedding.NewOllamaEmbedder(&embedding.OllamaEmbedderConfig{Model: cfg.LLM.EmbeddingModel}),
			embedding.NewOpenAIEmbedder(&embedding.OpenAIEmbedderConfig{Model: cfg.LLM.EmbeddingModel}),
		)
		provider, perr := llm.NewProvider(cfg)
		if perr != nil {
			db.Close()
			return nil, nil, fmt.Errorf("create llm provider: %w", perr)
		}
		if mp, ok := provider.(*llm.MetricsProvider); ok {
			metricsProvider = mp
		}
		roles := llm.NewRoleRouter(provider, map[llm.Role]string{
			llm.RoleExtraction:   cfg.LLM.ExtractionModel,
			llm.RoleRepair:       cfg.LLM.RepairModel,
			llm.RoleGrading:      cfg.LLM.GradingModel,
			llm.RoleDistillation: cfg.LLM.DistillationModel,
		})
		rawLLM = roles.For(llm.RoleExtraction)
		repairLLM = roles.For(llm.RoleRepair)
		graderLLM = roles.For(llm.RoleGrading)
		distillLLM = roles.For(llm.RoleDistillation)
	}
	embedder := capabilities.NarrowEmbedder{Embedder: rawEmbedder, TaskType: capabilities.TaskRetrievalDocument}

	reg := registry.New(
		registry.NewStore(db.DB()),
		index,
		embedder,
		registry.WithCacheTTL(cfg.Registry.CacheTTL()),
		registry.WithMatchFloor(cfg.Registry.ThresholdLow),
	)

	memSvc := reasoningmemory.New(
		reasoningmemory.NewStore(db.DB()),
		index,
		reasoningmemory.CapabilityLLM{LLM: distillLLM},
		embedder,
	)

	exec := executor.New(executor.Policy{
		MaxWallClock:        cfg.Executor.MaxWallClock(),
		MaxCallWallClock:    cfg.Executor.MaxCapabilityCall(),
		MaxListRows:         cfg.Executor.MaxListRows,
		MaxBatchSubCmds:     cfg.Executor.MaxBatchSubcommands,
		MaxPayloadBytes:     cfg.Executor.MaxParamPayloadBytes,
		DefaultMemoryTierMB: cfg.Executor.DefaultMemoryTierMB,
	}, nil)

	progress := capabilities.NewProgressMirror()
	dispatcher := capabilities.NewDispatcher(progress)
	objectStore := capabilities.NewFilesystemObjectStore(filepath.Join(cfg.Data.Path, "artifacts"), "/artifacts")
	dataSource := capabilities.NewRateLimitedDataSource(capabilities.NewFakeDataSource(), cfg.Dispatch.DataSourceRatePerSecond)

	orch := orchestrator.New(
		orchestrator.NewStore(db.DB()),
		reg,
		memSvc,
		exec,
		dispatcher,
		dataSource,
		rawLLM,
		progress,
		orchestrator.Options{
			DispatchWeight: int64(cfg.Orchestrator.DispatcherConcurrency),
			ObjectStore:    objectStore,
			RepairLLM:      repairLLM,
			GraderLLM:      graderLLM,
		},
	)

	c := &components{
		cfg: cfg, db: db, index: index, reg: reg, memory: memSvc,
		exec: exec, dispatcher: dispatcher, progress: progress, orch: orch,
		metricsProvider: metricsProvider,
	}
	cleanup := func() {
		dispatcher.Stop()
		db.Close()
	}
	return c, cleanup, nil
}

func serveCmd() *cobra.Command {
	var addr string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the task engine service: dispatcher, maintenance loop, and progress mirror",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}
			c, cleanup, err := buildComponents(cfg)
			if err != nil {
				return err
			}
			defer cleanup()

			c.dispatcher.Start()
			if addr != "" {
				if err := c.progress.Start(addr); err != nil {
					return fmt.Errorf("start progress mirror: %w", err)
				}
				defer c.progress.Stop()
				log.Info("progress mirror listening on %s", addr)
			}

			ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			log.Info("taskengine serving (queue tick %s, cleanup tick %s, payload cap %s)",
				cfg.Orchestrator.QueueInterval(), cfg.Orchestrator.CleanupInterval(),
				humanize.Bytes(uint64(cfg.Executor.MaxParamPayloadBytes)))
			return orchestrator.RunMaintenance(ctx, orchestrator.MaintenanceOpts{
				QueueTick:   cfg.Orchestrator.QueueInterval(),
				CleanupTick: cfg.Orchestrator.CleanupInterval(),
			})
		},
	}
	cmd.Flags().StringVar(&addr, "progress-addr", "", "address to serve the websocket progress mirror on (disabled if empty)")
	return cmd
}

func taskCmd() *cobra.Command {
	cmd := &cobra.Command{Use: "task", Short: "Create, inspect, and cancel tasks"}
	cmd.AddCommand(taskCreateCmd())
	cmd.AddCommand(taskGetCmd())
	cmd.AddCommand(taskCancelCmd())
	return cmd
}

func taskCreateCmd() *cobra.Command {
	var paramsJSON, userID string
	var priority int
	cmd := &cobra.Command{
		Use:   "create <template-id>",
		Short: "Create a task from a registered template",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			c, cleanup, err := buildComponents(cfg)
			if err != nil {
				return err
			}
			defer cleanup()
			c.dispatcher.Start()
			defer c.dispatcher.Stop()

			var params map[string]any
			if paramsJSON != "" {
				if err := json.Unmarshal([]byte(paramsJSON), &params); err != nil {
					return fmt.Errorf("parse --params: %w", err)
				}
			}

			ref, err := c.orch.CreateFromTemplate(context.Background(), args[0], params, userID, orchestrator.CreateOpts{Priority: priority})
			if err != nil {
				return err
			}
			fmt.Printf("task_id=%s status=%s template_id=%s\n", ref.TaskID, ref.Status, ref.TemplateID)
			return nil
		},
	}
	cmd.Flags().StringVar(&paramsJSON, "params", "", "task parameters as a JSON object")
	cmd.Flags().StringVar(&userID, "user", "cli", "calling user id")
	cmd.Flags().IntVar(&priority, "priority", 0, "task priority override (0 uses the template's default)")
	return cmd
}

func taskGetCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "get <task-id>",
		Short: "Print a task's current state as JSON",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			c, cleanup, err := buildComponents(cfg)
			if err != nil {
				return err
			}
			defer cleanup()

			store := orchestrator.NewStore(c.db.DB())
			task, err := store.Get(context.Background(), args[0])
			if err != nil {
				return err
			}
			out, err := json.MarshalIndent(task, "", "  ")
			if err != nil {
				return err
			}
			fmt.Println(string(out))
			return nil
		},
	}
	return cmd
}

func taskCancelCmd() *cobra.Command {
	var userID string
	cmd := &cobra.Command{
		Use:   "cancel <task-id>",
		Short: "Cancel a pending or running task",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			c, cleanup, err := buildComponents(cfg)
			if err != nil {
				return err
			}
			defer cleanup()
			c.dispatcher.Start()
			defer c.dispatcher.Stop()

			if err := c.orch.Cancel(context.Background(), args[0], userID); err != nil {
				return err
			}
			fmt.Printf("cancelled %s\n", args[0])
			return nil
		},
	}
	cmd.Flags().StringVar(&userID, "user", "cli", "calling user id")
	return cmd
}

func costsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "costs",
		Short: "Print the current process's LLM call counts and estimated cost",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			c, cleanup, err := buildComponents(cfg)
			if err != nil {
				return err
			}
			defer cleanup()

			if c.metricsProvider == nil {
				fmt.Println("no metrics available (running with --fake-llm)")
				return nil
			}
			fmt.Println(c.metricsProvider.GetCostSummary())
			return nil
		},
	}
}

func templateCmd() *cobra.Command {
	cmd := &cobra.Command{Use: "template", Short: "Inspect registered templates"}
	cmd.AddCommand(templateGetCmd())
	return cmd
}

func templateGetCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "get <template-id>",
		Short: "Print a template as JSON",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			c, cleanup, err := buildComponents(cfg)
			if err != nil {
				return err
			}
			defer cleanup()

			tmpl, err := c.reg.Get(context.Background(), args[0])
			if err != nil {
				return err
			}
			out, err := json.MarshalIndent(tmpl, "", "  ")
			if err != nil {
				return err
			}
			fmt.Println(string(out))
			return nil
		},
	}
	return cmd
}
