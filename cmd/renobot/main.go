package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/renobot/renobot/internal/agent"
	"github.com/renobot/renobot/internal/config"
	"github.com/renobot/renobot/internal/gateway"
	"github.com/renobot/renobot/internal/logging"
)

var version = "0.1.0"

// Exit codes: 0 clean shutdown, 2 invalid configuration,
// 3 rejected credentials, 64 unrecoverable.
const (
	exitConfig = 2
	exitAuth   = 3
	exitFatal  = 64
)

func main() {
	var configPath string

	rootCmd := &cobra.Command{
		Use:   "renobot",
		Short: "Approves dependency-update PRs once their checks pass",
		Long: `Renobot watches repositories for pull requests opened by a dependency
update bot, verifies their checks, approves them and records every
outcome on a per-repository dashboard issue.`,
		SilenceUsage: true,
	}
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", config.DefaultConfigPath(), "config file path")

	rootCmd.AddCommand(
		newStartCmd(&configPath),
		newValidateCmd(&configPath),
		newStatusCmd(&configPath),
		newVersionCmd(),
	)

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(exitFatal)
	}
}

func loadConfig(path string) (*config.Config, error) {
	cfg, err := config.Load(path)
	if err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func newStartCmd(configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "start",
		Short: "Run the agent",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(*configPath)
			if err != nil {
				fmt.Fprintf(os.Stderr, "invalid configuration: %v\n", err)
				os.Exit(exitConfig)
			}
			if err := logging.Init(cfg.Logging); err != nil {
				fmt.Fprintf(os.Stderr, "invalid configuration: %v\n", err)
				os.Exit(exitConfig)
			}

			a, err := agent.New(cfg)
			if err != nil {
				fmt.Fprintf(os.Stderr, "invalid configuration: %v\n", err)
				os.Exit(exitConfig)
			}

			ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			if err := a.Start(ctx); err != nil {
				if errors.Is(err, agent.ErrAuthInvalid) {
					fmt.Fprintln(os.Stderr, err)
					os.Exit(exitAuth)
				}
				fmt.Fprintln(os.Stderr, err)
				os.Exit(exitFatal)
			}
			return nil
		},
	}
}

func newValidateCmd(configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "validate",
		Short: "Check the configuration file",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(*configPath)
			if err != nil {
				fmt.Fprintf(os.Stderr, "invalid configuration: %v\n", err)
				os.Exit(exitConfig)
			}
			fmt.Printf("configuration ok: mode=%s repos=%d\n",
				cfg.Operation.Mode, len(cfg.Poll.Repositories))
			return nil
		},
	}
}

func newStatusCmd(configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Query a running agent's health endpoint",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(*configPath)
			if err != nil {
				fmt.Fprintf(os.Stderr, "invalid configuration: %v\n", err)
				os.Exit(exitConfig)
			}

			url := fmt.Sprintf("http://%s:%d/health", cfg.Gateway.Host, cfg.Gateway.Port)
			client := &http.Client{Timeout: 5 * time.Second}
			resp, err := client.Get(url)
			if err != nil {
				return fmt.Errorf("agent not reachable at %s: %w", url, err)
			}
			defer resp.Body.Close()

			var report gateway.HealthReport
			if err := json.NewDecoder(resp.Body).Decode(&report); err != nil {
				return fmt.Errorf("unexpected health response: %w", err)
			}

			fmt.Printf("status:      %s (score %d)\n", report.Status, report.HealthScore)
			fmt.Printf("polling:     %v\n", report.PollingEnabled)
			if !report.LastCycleAt.IsZero() {
				fmt.Printf("last cycle:  %s\n", report.LastCycleAt.Format(time.RFC3339))
			}
			fmt.Printf("cache:       %.0f%% hit rate, %d entries\n", report.Cache.HitRate*100, report.Cache.Size)
			fmt.Printf("rate limit:  %d remaining\n", report.RateLimit.Remaining)
			fmt.Printf("queue:       %d queued, %d in flight\n", report.Queue.Queued, report.Queue.InFlight)
			return nil
		},
	}
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Show renobot version",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("renobot v%s\n", version)
		},
	}
}
