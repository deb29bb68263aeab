package cmd

import (
	"context"
	"fmt"
	"path/filepath"

	"github.com/urfave/cli/v3"

	"github.com/kalbasit/ccindex/pkg/config"
	"github.com/kalbasit/ccindex/pkg/eventlog"
	"github.com/kalbasit/ccindex/pkg/heartbeat"
	"github.com/kalbasit/ccindex/pkg/lock"
	"github.com/kalbasit/ccindex/pkg/lock/local"
	"github.com/kalbasit/ccindex/pkg/orchestrator"
	"github.com/kalbasit/ccindex/pkg/resourcebudget"
)

// eventLogPath is where ingest records failures and validate/ingest read
// them back from, rooted under CCINDEX_ROOT so it travels with the tree it
// describes.
func eventLogPath(cfg config.Config) string {
	return filepath.Join(cfg.CCIndexRoot, ".ccindex-events.jsonl")
}

// newOrchestrator assembles an Orchestrator from cfg using the in-process
// lock backend and a fresh heartbeat registry; manifest and downloader are
// nil, since no concrete collaborator implementation ships in this repo
// (RequestRedownload and ExpectedShardCount are collaborator-boundary
// interfaces the operator's downloader/crawler service is expected to
// satisfy).
func newOrchestrator(cfg config.Config, events *eventlog.Log) (*orchestrator.Orchestrator, error) {
	reg, err := heartbeat.NewRegistry(nil)
	if err != nil {
		return nil, fmt.Errorf("constructing heartbeat registry: %w", err)
	}

	budget := resourcebudget.New(resourcebudget.Config{
		SortMemoryPerWorkerBytes: cfg.SortMemoryPerWorkerBytes(),
		SortReserveBytes:         cfg.SortReserveBytes(),
		SortWorkersRequested:     cfg.MaxWorkers,
		ArcFraction:              cfg.ArcFraction,
	}, nil)

	var locker lock.RWLocker = local.NewRWLocker()

	return orchestrator.New(cfg, nil, nil, locker, events, reg, budget), nil
}

func loadConfig(cmd *cli.Command) (config.Config, error) {
	cfg := config.FromCommand(cmd)

	if err := cfg.Validate(); err != nil {
		return config.Config{}, fmt.Errorf("invalid configuration: %w", err)
	}

	return cfg, nil
}

func openEventLog(cfg config.Config) (*eventlog.Log, error) {
	return eventlog.Open(eventLogPath(cfg), 0)
}

// collectionsUnderRoot lists the collection directories present under
// CCINDEX_ROOT, optionally narrowed by cfg.CollectionsFilter.
func collectionsUnderRoot(ctx context.Context, cfg config.Config) ([]string, error) {
	return listMatchingDirs(cfg.CCIndexRoot, cfg.CollectionsFilter)
}
