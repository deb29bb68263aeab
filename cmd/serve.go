package cmd

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"
	"github.com/urfave/cli/v3"
	"golang.org/x/sync/errgroup"

	semconv "go.opentelemetry.io/otel/semconv/v1.39.0"

	"github.com/kalbasit/ccindex/pkg/analytics"
	blobstorelocal "github.com/kalbasit/ccindex/pkg/blobstore/local"
	"github.com/kalbasit/ccindex/pkg/config"
	"github.com/kalbasit/ccindex/pkg/lock/local"
	"github.com/kalbasit/ccindex/pkg/orchestrator"
	"github.com/kalbasit/ccindex/pkg/prometheus"
	"github.com/kalbasit/ccindex/pkg/search"
	"github.com/kalbasit/ccindex/pkg/server"
	"github.com/kalbasit/ccindex/pkg/validator"
)

const defaultReadHeaderTimeout = 10 * time.Second

func serveCommand(flagSources flagSourcesFn) *cli.Command {
	return &cli.Command{
		Name:  "serve",
		Usage: "serve the search engine and validator over HTTP for the WARC-fetcher collaborator",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "listen-addr",
				Usage:   "Address to listen on",
				Sources: flagSources("serve.listen-addr", "LISTEN_ADDR"),
				Value:   ":8080",
			},
			&cli.StringFlag{
				Name:    "revalidate-schedule",
				Usage:   "Cron schedule for re-validating collections stuck in RETRYABLE_FAILURE (standard 5-field cron syntax, or @every 1h)",
				Sources: flagSources("serve.revalidate-schedule", "REVALIDATE_SCHEDULE"),
				Value:   "@every 30m",
			},
		},
		Action: serveAction(),
	}
}

func serveAction() cli.ActionFunc {
	return func(ctx context.Context, cmd *cli.Command) error {
		logger := zerolog.Ctx(ctx).With().Str("cmd", "serve").Logger()
		ctx = logger.WithContext(ctx)

		ctx, cancel := context.WithCancel(ctx)
		defer cancel()

		g, ctx := errgroup.WithContext(ctx)

		g.Go(func() error {
			return autoMaxProcs(ctx, 30*time.Second)
		})

		cfg, err := loadConfig(cmd)
		if err != nil {
			return err
		}

		parquetShards, err := blobstorelocal.New(ctx, cfg.ParquetRoot)
		if err != nil {
			return fmt.Errorf("opening parquet shard store: %w", err)
		}

		engine := search.New(cfg.DuckDBRoot, cfg.ParquetRoot, masterDBRelpath, local.NewRWLocker(), parquetShards)

		srv := server.New(engine, validator.Config{
			CCIndexRoot: cfg.CCIndexRoot,
			ParquetRoot: cfg.ParquetRoot,
			DuckDBRoot:  cfg.DuckDBRoot,
		}, nil)

		events, err := openEventLog(cfg)
		if err != nil {
			return fmt.Errorf("opening event log: %w", err)
		}
		defer events.Close() //nolint:errcheck

		orch, err := newOrchestrator(cfg, events)
		if err != nil {
			return err
		}

		if schedule := cmd.String("revalidate-schedule"); schedule != "" {
			parsed, err := cron.ParseStandard(schedule)
			if err != nil {
				return fmt.Errorf("parsing --revalidate-schedule %q: %w", schedule, err)
			}

			orch.SetupCron(nil)
			orch.AddRevalidateCronJob(ctx, parsed, revalidationTargets(cfg))
			orch.StartCron()

			defer orch.StopCron(ctx)
		}

		var prometheusShutdown func(context.Context) error

		if cmd.Root().Bool("prometheus-enabled") {
			gatherer, shutdown, err := prometheus.SetupPrometheusMetrics(ctx, cmd.Root().Name, Version)
			if err != nil {
				return fmt.Errorf("setting up Prometheus metrics: %w", err)
			}

			prometheusShutdown = shutdown

			srv.SetPrometheusGatherer(gatherer)

			logger.Info().Msg("Prometheus metrics enabled at /metrics")
		}

		defer func() {
			if prometheusShutdown != nil {
				if err := prometheusShutdown(ctx); err != nil {
					logger.Error().Err(err).Msg("error shutting down Prometheus metrics")
				}
			}
		}()

		analyticsReporter := analytics.Ctx(ctx)

		if cmd.Root().Bool("analytics-reporting-enabled") {
			analyticsResource, err := analytics.NewResource(ctx, cmd.Root().Name, Version, semconv.SchemaURL)
			if err != nil {
				return fmt.Errorf("building analytics resource: %w", err)
			}

			analyticsReporter, err = analytics.New(ctx, engine, analyticsResource)
			if err != nil {
				return fmt.Errorf("starting analytics reporter: %w", err)
			}

			defer func() {
				if err := analyticsReporter.Shutdown(ctx); err != nil {
					logger.Error().Err(err).Msg("error shutting down analytics reporter")
				}
			}()
		}

		ctx = analyticsReporter.WithContext(ctx)

		addr := cmd.String("listen-addr")

		httpServer := &http.Server{
			BaseContext:       func(net.Listener) context.Context { return ctx },
			Addr:              addr,
			Handler:           srv,
			ReadHeaderTimeout: defaultReadHeaderTimeout,
		}

		g.Go(func() error {
			<-ctx.Done()

			return httpServer.Close()
		})

		logger.Info().Str("addr", addr).Msg("serving search and validate endpoints")

		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("serving: %w", err)
		}

		cancel()

		return g.Wait()
	}
}

// revalidationTargets returns the callback the orchestrator's cron-driven
// re-validation sweep uses to discover which collections to re-check on
// each tick: every collection directory under CCINDEX_ROOT matching
// cfg.CollectionsFilter, paired with the year parsed from its ID.
func revalidationTargets(cfg config.Config) func(context.Context) ([]orchestrator.CollectionYear, error) {
	return func(ctx context.Context) ([]orchestrator.CollectionYear, error) {
		collections, err := collectionsUnderRoot(ctx, cfg)
		if err != nil {
			return nil, err
		}

		out := make([]orchestrator.CollectionYear, 0, len(collections))

		for _, collection := range collections {
			year, err := yearFromCollection(collection)
			if err != nil {
				continue
			}

			out = append(out, orchestrator.CollectionYear{Collection: collection, Year: year})
		}

		return out, nil
	}
}
