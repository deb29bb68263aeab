package cmd

import (
	"context"
	"encoding/json"
	"fmt"
	"os"

	"github.com/urfave/cli/v3"

	"github.com/kalbasit/ccindex/pkg/validator"
)

func validateCommand(flagSources flagSourcesFn) *cli.Command {
	return &cli.Command{
		Name:      "validate",
		Usage:     "cross-reference a collection's index databases against its on-disk shards",
		ArgsUsage: "COLLECTION",
		Flags: []cli.Flag{
			&cli.BoolFlag{
				Name:  "json",
				Usage: "print the status as JSON instead of a human-readable report",
			},
		},
		Action: func(ctx context.Context, cmd *cli.Command) error {
			if cmd.Args().Len() != 1 {
				return fmt.Errorf("validate requires exactly one COLLECTION argument")
			}

			cfg, err := loadConfig(cmd)
			if err != nil {
				return err
			}

			collection := cmd.Args().Get(0)

			year, err := yearFromCollection(collection)
			if err != nil {
				return err
			}

			status, err := validator.Validate(ctx, validator.Config{
				CCIndexRoot: cfg.CCIndexRoot,
				ParquetRoot: cfg.ParquetRoot,
				DuckDBRoot:  cfg.DuckDBRoot,
			}, collection, year, nil)
			if err != nil {
				return fmt.Errorf("validating %s: %w", collection, err)
			}

			if cmd.Bool("json") {
				if err := json.NewEncoder(os.Stdout).Encode(status); err != nil {
					return err
				}
			} else {
				printStatus(collection, status)
			}

			if !status.OK() {
				return fmt.Errorf("collection %s is not healthy", collection)
			}

			return nil
		},
	}
}

func printStatus(collection string, status validator.Status) {
	fmt.Printf("collection: %s\n", collection)
	fmt.Printf("  downloaded: %d  converted: %d  sorted: %d  indexed: %d\n",
		status.ShardCountDownloaded, status.ShardCountConverted, status.ShardCountSorted, status.ShardCountIndexed)

	if status.ExpectedShardsKnown {
		fmt.Printf("  expected:   %d\n", status.ExpectedShards)
	} else {
		fmt.Printf("  expected:   unknown\n")
	}

	fmt.Printf("  collection db: present=%v  year db: present=%v  master db: present=%v\n",
		status.CollectionDBPresent, status.YearDBPresent, status.MasterDBPresent)

	if len(status.Anomalies) == 0 {
		fmt.Println("  anomalies: none")

		return
	}

	fmt.Println("  anomalies:")

	for _, a := range status.Anomalies {
		fmt.Printf("    - [%s] %s\n", a.Kind, a.Message)
	}
}
