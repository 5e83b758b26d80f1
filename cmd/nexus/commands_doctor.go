package main

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/fatih/color"
	"github.com/spf13/cobra"
	"golang.org/x/term"

	"github.com/opencellcw/agentcore/internal/config"
	"github.com/opencellcw/agentcore/internal/infra"
)

func newDoctorCmd(configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "doctor",
		Short: "Check config validity and backing service connectivity",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runDoctor(cmd.Context(), resolveConfigPath(*configPath))
		},
	}
}

// doctorColor disables color.New's ANSI codes when stdout isn't a terminal
// (e.g. piped into a log aggregator), matching the teacher's convention of
// plain output for non-interactive runs.
func doctorColor() (ok, fail *color.Color) {
	ok, fail = color.New(color.FgGreen), color.New(color.FgRed)
	if !term.IsTerminal(int(os.Stdout.Fd())) {
		ok.DisableColor()
		fail.DisableColor()
	}
	return ok, fail
}

func runDoctor(ctx context.Context, configPath string) error {
	okColor, failColor := doctorColor()

	cfg, err := config.Load(configPath)
	if err != nil {
		failColor.Printf("config:     FAIL  %v\n", err)
		return err
	}
	okColor.Println("config:     OK")

	registry := infra.NewHealthCheckRegistry()
	registry.RegisterSimple("database", func(ctx context.Context) error {
		if cfg.Database.URL == "" {
			return nil // in-memory stores, nothing to dial
		}
		db, err := openDB(cfg)
		if err != nil {
			return err
		}
		defer db.Close()
		return db.PingContext(ctx)
	})

	checkCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	report := registry.CheckAll(checkCtx)
	for _, result := range report.Checks {
		line := fmt.Sprintf("%-11s %-5s %s\n", result.Name+":", result.Status, result.Message)
		if result.Status == infra.ServiceHealthHealthy {
			okColor.Print(line)
		} else {
			failColor.Print(line)
		}
	}
	if !report.IsHealthy() {
		return fmt.Errorf("doctor: %d check(s) unhealthy", len(report.FailedChecks()))
	}
	return nil
}
