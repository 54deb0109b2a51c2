package main

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/joao-brasil/registry-resilience/internal/executor"
)

var (
	dashboardConcurrency int
	dashboardFailFast    bool
)

var dashboardCmd = &cobra.Command{
	Use:   "dashboard",
	Short: "Read the registry headline counts once and print them as JSON",
	RunE:  runDashboard,
}

func init() {
	dashboardCmd.Flags().IntVar(&dashboardConcurrency, "concurrency", executor.DefaultBatchConcurrency, "Counts read concurrently")
	dashboardCmd.Flags().BoolVar(&dashboardFailFast, "fail-fast", false, "Abort on the first failing count")
}

func runDashboard(cmd *cobra.Command, _ []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return fmt.Errorf("loading configuration: %w", err)
	}

	s, err := newStack(cmd.Context(), cfg)
	if err != nil {
		return err
	}
	defer s.close()

	d, err := s.store.Dashboard(cmd.Context(), executor.BatchOptions{
		Concurrency: dashboardConcurrency,
		FailFast:    dashboardFailFast,
	})
	if err != nil {
		return err
	}

	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	if err := enc.Encode(d); err != nil {
		return fmt.Errorf("writing dashboard: %w", err)
	}
	s.logSummary()
	return nil
}
