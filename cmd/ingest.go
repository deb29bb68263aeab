package cmd

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/rs/zerolog"
	"github.com/urfave/cli/v3"

	"github.com/kalbasit/ccindex/pkg/eventlog"
	"github.com/kalbasit/ccindex/pkg/pipelineerr"
)

// ingestCommand drives CONVERT/SORT/INDEX for every collection under
// CCINDEX_ROOT (or the subset matching --collections-filter), then rebuilds
// the year and master meta-indexes for whatever years were touched.
func ingestCommand(flagSources flagSourcesFn) *cli.Command {
	return &cli.Command{
		Name:  "ingest",
		Usage: "convert, sort and index CDX shards, then rebuild the meta-indexes",
		Flags: []cli.Flag{
			&cli.BoolFlag{
				Name:    "since-last-failure",
				Usage:   "Only process collections whose last recorded event was retryable",
				Sources: flagSources("ingest.since-last-failure", "INGEST_SINCE_LAST_FAILURE"),
			},
		},
		Action: func(ctx context.Context, cmd *cli.Command) error {
			cfg, err := loadConfig(cmd)
			if err != nil {
				return err
			}

			events, err := openEventLog(cfg)
			if err != nil {
				return fmt.Errorf("opening event log: %w", err)
			}
			defer events.Close() //nolint:errcheck

			var onlyFailed map[string]bool

			if cmd.Bool("since-last-failure") {
				onlyFailed, err = failedCollections(eventLogPath(cfg))
				if err != nil {
					return fmt.Errorf("reading event log for --since-last-failure: %w", err)
				}
			}

			collections, err := collectionsUnderRoot(ctx, cfg)
			if err != nil {
				return err
			}

			orch, err := newOrchestrator(cfg, events)
			if err != nil {
				return err
			}

			touchedYears := make(map[string][]string)

			var unrecoverable []string

			for _, collection := range collections {
				if onlyFailed != nil && !onlyFailed[collection] {
					continue
				}

				year, err := yearFromCollection(collection)
				if err != nil {
					zerolog.Ctx(ctx).Warn().Err(err).Str("collection", collection).Msg("skipping unrecognized directory")

					continue
				}

				if err := orch.RunCollection(ctx, collection, year); err != nil {
					zerolog.Ctx(ctx).Error().Err(err).Str("collection", collection).Msg("ingest failed for collection")

					if errors.Is(err, pipelineerr.ErrUnrecoverableMissing) {
						unrecoverable = append(unrecoverable, collection)
					}

					continue
				}

				touchedYears[year] = append(touchedYears[year], collection)
			}

			for year, yearCollections := range touchedYears {
				if err := orch.RebuildYear(ctx, year, yearCollections); err != nil {
					return fmt.Errorf("rebuilding year %s: %w", year, err)
				}
			}

			if len(unrecoverable) > 0 {
				return fmt.Errorf("%w: %s", pipelineerr.ErrUnrecoverableMissing,
					strings.Join(unrecoverable, ", "))
			}

			return nil
		},
	}
}

// failedCollections reads the event log and returns the set of collections
// whose most recent recorded event was retryable.
func failedCollections(path string) (map[string]bool, error) {
	events, err := eventlog.ReadAll(path)
	if err != nil {
		return nil, err
	}

	out := make(map[string]bool)

	for _, ev := range events {
		if ev.Collection == "" {
			continue
		}

		out[ev.Collection] = ev.Retryable
	}

	for collection, retryable := range out {
		if !retryable {
			delete(out, collection)
		}
	}

	return out, nil
}
