// Command orchestratord runs the agent platform: the seven-phase
// orchestrator (C6), agent registry (C2), message bus (C1), factory and
// supervisor (C3), model selector (C4), and inference gateway (C5)
// wired together behind an HTTP API.
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/owulveryck/agentplatform/internal/api"
	"github.com/owulveryck/agentplatform/internal/bus"
	"github.com/owulveryck/agentplatform/internal/config"
	"github.com/owulveryck/agentplatform/internal/factory"
	"github.com/owulveryck/agentplatform/internal/gateway"
	"github.com/owulveryck/agentplatform/internal/modelselector"
	"github.com/owulveryck/agentplatform/internal/observability"
	"github.com/owulveryck/agentplatform/internal/orchestrator"
	"github.com/owulveryck/agentplatform/internal/registry"
	"github.com/owulveryck/agentplatform/internal/store"
)

var (
	Version   = "dev"
	Commit    = "unknown"
	BuildTime = "unknown"
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "orchestratord",
	Short: "orchestratord runs the seven-phase agent orchestration platform",
	Long: `orchestratord wires the agent registry, message bus, spawn
factory, model selector, and inference gateway into a single
orchestrator process, exposed over an HTTP API.`,
	Version: Version,
}

func init() {
	rootCmd.SetVersionTemplate(fmt.Sprintf("orchestratord version %s\nCommit: %s\nBuilt: %s\n", Version, Commit, BuildTime))
	rootCmd.AddCommand(startCmd)
	rootCmd.AddCommand(migrateCmd)
	rootCmd.AddCommand(rollbackCmd)
	rootCmd.AddCommand(listWorkflowsCmd)
}

var startCmd = &cobra.Command{
	Use:   "start",
	Short: "Start the orchestrator server",
	RunE: func(cmd *cobra.Command, args []string) error {
		catalogPath, _ := cmd.Flags().GetString("catalog-path")
		modelRegistryPath, _ := cmd.Flags().GetString("model-registry-path")
		maxConcurrent, _ := cmd.Flags().GetInt("max-concurrent-workflows")
		listenAddr, _ := cmd.Flags().GetString("listen-addr")
		blueURL, _ := cmd.Flags().GetString("blue-url")
		greenURL, _ := cmd.Flags().GetString("green-url")

		appCfg := config.Load()
		if catalogPath != "" {
			appCfg.CatalogPath = catalogPath
		}
		if modelRegistryPath != "" {
			appCfg.ModelRegistryPath = modelRegistryPath
		}
		if maxConcurrent > 0 {
			appCfg.MaxConcurrentWorkflows = maxConcurrent
		}

		obs, err := observability.NewObservability(observability.DefaultConfig(appCfg.ServiceName))
		if err != nil {
			return fmt.Errorf("failed to initialize observability: %w", err)
		}
		defer func() {
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			obs.Shutdown(ctx)
		}()

		metricsManager, err := observability.NewMetricsManager(obs.Meter)
		if err != nil {
			return fmt.Errorf("failed to initialize metrics: %w", err)
		}
		traceManager := observability.NewTraceManager(appCfg.ServiceName)

		reg, err := registry.LoadFile(appCfg.CatalogPath, obs.Logger)
		if err != nil {
			return fmt.Errorf("failed to load agent catalog %s: %w", appCfg.CatalogPath, err)
		}
		obs.Logger.Info("loaded agent catalog", "path", appCfg.CatalogPath, "agents", reg.Count())

		selector := modelselector.New()
		if err := modelselector.LoadFile(appCfg.ModelRegistryPath, selector); err != nil {
			return fmt.Errorf("failed to load model registry %s: %w", appCfg.ModelRegistryPath, err)
		}

		messageBus := bus.New(bus.Config{
			InboxCapacity:     appCfg.BusInboxCapacity,
			HeartbeatInterval: appCfg.HeartbeatInterval,
			Tracer:            traceManager,
			Metrics:           metricsManager,
		})

		fac := factory.New(factory.Config{
			Registry: reg,
			Bus:      messageBus,
			Logger:   obs.Logger,
			Metrics:  metricsManager,
		})

		gw := gateway.New(gateway.Config{
			Blue:                     gateway.Environment{Name: "blue", BaseURL: blueURL},
			Green:                    gateway.Environment{Name: "green", BaseURL: greenURL},
			InitialActive:            "blue",
			ErrorThreshold:           appCfg.GatewayErrorThreshold,
			LatencyThresholdX:        appCfg.GatewayLatencyThresholdX,
			WindowSize:               appCfg.MigrationHealthWindowSize,
			MaxConcurrentCompletions: appCfg.GatewayMaxConcurrent,
			Logger:                   obs.Logger,
			Metrics:                  metricsManager,
		})

		artifacts := store.New(os.Getenv("ARTIFACT_STORE_DIR"))

		orch := orchestrator.New(orchestrator.Config{
			Registry:               reg,
			Factory:                fac,
			Bus:                    messageBus,
			Selector:               selector,
			Store:                  artifacts,
			Runtime:                &orchestrator.GatewayRuntime{Gateway: gw},
			Logger:                 obs.Logger,
			Metrics:                metricsManager,
			Tracer:                 traceManager,
			MaxConcurrentWorkflows: appCfg.MaxConcurrentWorkflows,
			StepTimeout:            30 * time.Second,
			StepMaxRetries:         2,
			FailOnPassCAnomalies:   appCfg.FailOnPassCAnomalies,
		})

		apiServer := api.New(orch, artifacts, gw, obs.Logger)

		healthServer := observability.NewHealthServer(appCfg.HealthPort, appCfg.ServiceName, Version)
		healthServer.AddChecker("catalog", observability.NewBasicHealthChecker("catalog", func(ctx context.Context) error {
			if reg.Count() == 0 {
				return fmt.Errorf("agent catalog is empty")
			}
			return nil
		}))

		backgroundCtx, stopBackground := context.WithCancel(context.Background())
		defer stopBackground()

		go messageBus.RunHeartbeatMonitor(backgroundCtx)
		go fac.RunSupervisor(backgroundCtx)

		errCh := make(chan error, 2)
		httpServer := &http.Server{Addr: listenAddr, Handler: apiServer.Handler()}

		go func() {
			obs.Logger.Info("api server listening", "addr", listenAddr)
			if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				errCh <- fmt.Errorf("api server error: %w", err)
			}
		}()

		go func() {
			if err := healthServer.Start(context.Background()); err != nil {
				errCh <- fmt.Errorf("health server error: %w", err)
			}
		}()

		obs.Logger.Info("orchestratord started",
			"version", Version, "listen_addr", listenAddr, "health_port", appCfg.HealthPort,
			"max_concurrent_workflows", appCfg.MaxConcurrentWorkflows)

		sigCh := make(chan os.Signal, 1)
		signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)

		select {
		case <-sigCh:
			obs.Logger.Info("shutdown signal received")
		case err := <-errCh:
			obs.Logger.Error("fatal server error", "error", err)
		}

		stopBackground()

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()
		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			obs.Logger.Warn("api server shutdown error", "error", err)
		}
		if err := healthServer.Shutdown(shutdownCtx); err != nil {
			obs.Logger.Warn("health server shutdown error", "error", err)
		}

		obs.Logger.Info("shutdown complete")
		return nil
	},
}

func init() {
	startCmd.Flags().String("catalog-path", "", "Path to the agent catalog CSV (overrides AGENT_CATALOG_PATH)")
	startCmd.Flags().String("model-registry-path", "", "Path to the model registry JSON (overrides MODEL_REGISTRY_PATH)")
	startCmd.Flags().Int("max-concurrent-workflows", 0, "Maximum concurrent workflows (overrides MAX_CONCURRENT_WORKFLOWS)")
	startCmd.Flags().String("listen-addr", "127.0.0.1:8090", "API listen address")
	startCmd.Flags().String("blue-url", "http://127.0.0.1:8101", "Blue inference environment base URL")
	startCmd.Flags().String("green-url", "http://127.0.0.1:8102", "Green inference environment base URL")
}

var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Start a blue/green traffic migration against a running orchestratord",
	RunE: func(cmd *cobra.Command, args []string) error {
		apiAddr, _ := cmd.Flags().GetString("api-addr")
		targetEnv, _ := cmd.Flags().GetString("target-env")
		schedule, _ := cmd.Flags().GetStringSlice("schedule")

		body, err := buildMigrateBody(targetEnv, schedule)
		if err != nil {
			return err
		}

		resp, err := httpPost(apiAddr+"/v1/gateway/migrate", body)
		if err != nil {
			return err
		}
		defer resp.Body.Close()

		if resp.StatusCode != http.StatusAccepted {
			return fmt.Errorf("migrate request failed: %s", resp.Status)
		}
		fmt.Printf("Migration to %q started\n", targetEnv)
		return nil
	},
}

func init() {
	migrateCmd.Flags().String("api-addr", "http://127.0.0.1:8090", "orchestratord API address")
	migrateCmd.Flags().String("target-env", "green", "Target environment to migrate traffic toward")
	migrateCmd.Flags().StringSlice("schedule", []string{"0.1:30s", "0.5:60s", "1.0:120s"}, "Comma-separated split_ratio:dwell_time steps")
	migrateCmd.MarkFlagRequired("target-env")
}

var rollbackCmd = &cobra.Command{
	Use:   "rollback",
	Short: "Immediately roll back any in-progress migration",
	RunE: func(cmd *cobra.Command, args []string) error {
		apiAddr, _ := cmd.Flags().GetString("api-addr")
		reason, _ := cmd.Flags().GetString("reason")

		resp, err := httpPost(apiAddr+"/v1/gateway/rollback", []byte(fmt.Sprintf(`{"reason":%q}`, reason)))
		if err != nil {
			return err
		}
		defer resp.Body.Close()

		if resp.StatusCode != http.StatusAccepted {
			return fmt.Errorf("rollback request failed: %s", resp.Status)
		}
		fmt.Println("Rollback issued")
		return nil
	},
}

func init() {
	rollbackCmd.Flags().String("api-addr", "http://127.0.0.1:8090", "orchestratord API address")
	rollbackCmd.Flags().String("reason", "operator requested rollback", "Reason recorded for the rollback")
}

var listWorkflowsCmd = &cobra.Command{
	Use:   "list-workflows",
	Short: "List workflows known to a running orchestratord",
	RunE: func(cmd *cobra.Command, args []string) error {
		apiAddr, _ := cmd.Flags().GetString("api-addr")

		resp, err := http.Get(apiAddr + "/v1/workflows/")
		if err != nil {
			return fmt.Errorf("failed to reach orchestratord: %w", err)
		}
		defer resp.Body.Close()

		if resp.StatusCode != http.StatusOK {
			return fmt.Errorf("list-workflows request failed: %s", resp.Status)
		}

		fmt.Printf("%-38s %-6s %-12s %-8s\n", "WORKFLOW ID", "PHASE", "STATE", "EVIDENCE")
		return printWorkflowTable(resp.Body)
	},
}

func init() {
	listWorkflowsCmd.Flags().String("api-addr", "http://127.0.0.1:8090", "orchestratord API address")
}
