package cmd

import (
	"context"
	"fmt"

	"github.com/dustin/go-humanize"
	"github.com/urfave/cli/v3"

	"github.com/kalbasit/ccindex/pkg/resourcebudget"
)

// budgetCommand prints the current memory/swap snapshot and the sort-pool
// size it implies, so operators can tune sort_memory_per_worker_gb against
// what the machine actually has free.
func budgetCommand(flagSources flagSourcesFn) *cli.Command {
	return &cli.Command{
		Name:  "budget",
		Usage: "print the current resource-budget snapshot and effective sort-worker count",
		Action: func(ctx context.Context, cmd *cli.Command) error {
			cfg, err := loadConfig(cmd)
			if err != nil {
				return err
			}

			budget := resourcebudget.New(resourcebudget.Config{
				SortMemoryPerWorkerBytes: cfg.SortMemoryPerWorkerBytes(),
				SortReserveBytes:         cfg.SortReserveBytes(),
				SortWorkersRequested:     cfg.MaxWorkers,
				ArcFraction:              cfg.ArcFraction,
			}, nil)

			effective, snap, err := budget.SortWorkersEffective(ctx)
			if err != nil {
				return fmt.Errorf("reading resource budget: %w", err)
			}

			fmt.Printf("MemAvailable:       %s\n", humanize.Bytes(snap.MemAvailableBytes))
			fmt.Printf("SwapFree:           %s\n", humanize.Bytes(snap.SwapFreeBytes))
			fmt.Printf("Cached (ARC basis): %s\n", humanize.Bytes(snap.CachedBytes))
			fmt.Printf("sort_memory_per_worker_gb: %.2f GB\n", cfg.SortMemoryPerWorkerGB)
			fmt.Printf("W_sort_effective:   %d\n", effective)

			return nil
		},
	}
}
