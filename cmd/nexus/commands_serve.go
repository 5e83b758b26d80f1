package main

import (
	"context"
	"fmt"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/opencellcw/agentcore/internal/config"
	"github.com/opencellcw/agentcore/internal/usage"
)

// usageReportInterval is how often runServe logs cumulative LLM token/cost
// usage per provider:model while the gateway runs.
const usageReportInterval = 15 * time.Minute

func newServeCmd(configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the gateway: connect configured channels and process messages",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(cmd.Context(), resolveConfigPath(*configPath))
		},
	}
}

func runServe(ctx context.Context, configPath string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	rt, err := buildRuntime(configPath, cfg)
	if err != nil {
		return fmt.Errorf("build runtime: %w", err)
	}
	defer rt.Close()

	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := rt.WatchConfig(ctx); err != nil {
		return fmt.Errorf("watch config: %w", err)
	}

	rt.logger.Info(ctx, "starting gateway")
	if err := rt.pump.Start(ctx); err != nil {
		return fmt.Errorf("start pump: %w", err)
	}

	go reportUsagePeriodically(ctx, rt)

	<-ctx.Done()
	rt.logger.Info(ctx, "shutting down gateway")

	stopCtx, cancel := context.WithTimeout(context.Background(), shutdownGrace)
	defer cancel()
	return rt.pump.Stop(stopCtx)
}

// reportUsagePeriodically logs the Router's cumulative per-provider,
// per-model token and cost totals every usageReportInterval until ctx is
// canceled, so long-running gateways surface spend without a separate
// admin API.
func reportUsagePeriodically(ctx context.Context, rt *runtime) {
	ticker := time.NewTicker(usageReportInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			for key, u := range rt.router.UsageSummary() {
				rt.logger.Info(ctx, "llm usage", "provider_model", key, "usage", usage.FormatUsageDetailed(u))
			}
		}
	}
}
