package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"strings"
	"time"

	"trade-control-plane/internal/app"
	"trade-control-plane/internal/config"
	"trade-control-plane/internal/logging"

	"go.uber.org/zap"
)

const defaultVerifyEnvFile = ".env"

func main() {
	configPath := flag.String("config", "internal/config/config.yaml", "path to config file")
	ids := flag.String("ids", "", "comma separated strategy ids to tick (default: config filter)")
	timeout := flag.Duration("timeout", 30*time.Second, "overall dry-run timeout")
	flag.Parse()

	if err := config.LoadEnv(defaultVerifyEnvFile); err != nil {
		fatal(err)
	}
	cfg, err := config.Load(*configPath)
	if err != nil {
		fatal(err)
	}
	if strings.TrimSpace(*ids) != "" {
		cfg.Orchestrator.IDs = splitIDs(*ids)
	}

	log := logging.New(cfg.Log)
	defer func() { _ = log.Sync() }()

	ctx, cancel := context.WithTimeout(context.Background(), *timeout)
	defer cancel()

	results, err := app.DryRun(ctx, cfg, log)
	if err != nil {
		fatal(err)
	}
	failed := 0
	for _, res := range results {
		if res.Err != nil {
			failed++
		}
	}
	log.Info("dry run complete", zap.Int("strategies", len(results)), zap.Int("failed", failed))

	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	if err := enc.Encode(results); err != nil {
		fatal(err)
	}
	if failed > 0 {
		os.Exit(2)
	}
}

func splitIDs(raw string) []string {
	var out []string
	for _, part := range strings.Split(raw, ",") {
		if id := strings.TrimSpace(part); id != "" {
			out = append(out, id)
		}
	}
	return out
}

func fatal(err error) {
	fmt.Fprintf(os.Stderr, "verify failed: %v\n", err)
	os.Exit(1)
}
