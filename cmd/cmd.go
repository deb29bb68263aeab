// Package cmd wires the ccindex CLI: one root command carrying the
// zerolog/OpenTelemetry bootstrap and the pipeline option flags, with
// ingest/search/validate/serve/budget as subcommands.
package cmd

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	altsrc "github.com/urfave/cli-altsrc/v3"
	"github.com/urfave/cli-altsrc/v3/json"
	"github.com/urfave/cli-altsrc/v3/toml"
	"github.com/urfave/cli-altsrc/v3/yaml"
	"github.com/urfave/cli/v3"

	"github.com/rs/zerolog"
	"golang.org/x/term"

	"github.com/kalbasit/ccindex/pkg/otel"
	"github.com/kalbasit/ccindex/pkg/otellogging"
	"github.com/kalbasit/ccindex/pkg/otelzerolog"
	"github.com/kalbasit/ccindex/pkg/telemetry"
)

// Version is set with ldflags at build time.
//
//nolint:gochecknoglobals
var Version = "dev"

type flagSourcesFn func(configFileKey, envVar string) cli.ValueSourceChain

// New builds the root ccindex command.
func New() *cli.Command {
	var otelShutdown func(context.Context) error

	var otelMetricsWriter *otellogging.OtelWriter

	var configPath string

	flagSources := func(configFileKey, envVar string) cli.ValueSourceChain {
		return cli.NewValueSourceChain(
			toml.TOML(configFileKey, altsrc.NewStringPtrSourcer(&configPath)),
			yaml.YAML(configFileKey, altsrc.NewStringPtrSourcer(&configPath)),
			json.JSON(configFileKey, altsrc.NewStringPtrSourcer(&configPath)),
			cli.EnvVar(envVar),
		)
	}

	return &cli.Command{
		Name:    "ccindex",
		Usage:   "Common Crawl domain-first search engine: CDX ingest, hierarchical meta-index, pruned search",
		Version: Version,
		Before: func(ctx context.Context, cmd *cli.Command) (context.Context, error) {
			logLvl := cmd.String("log-level")

			lvl, err := zerolog.ParseLevel(logLvl)
			if err != nil {
				return ctx, fmt.Errorf("error parsing the log-level %q: %w", logLvl, err)
			}

			var output io.Writer = os.Stdout

			colURL := cmd.String("otel-grpc-url")
			if colURL != "" {
				otelWriter, err := otelzerolog.NewOtelWriter(ctx, colURL, cmd.Root().Name)
				if err != nil {
					return ctx, err
				}

				metricsWriter, err := otellogging.NewOtelWriter(ctx, colURL, cmd.Root().Name)
				if err != nil {
					return ctx, err
				}

				otelMetricsWriter = metricsWriter

				output = zerolog.MultiLevelWriter(os.Stdout, otelWriter, metricsWriter)
			}

			if term.IsTerminal(int(os.Stdout.Fd())) {
				output = zerolog.ConsoleWriter{Out: os.Stdout, TimeFormat: time.RFC3339}
			}

			ctx = zerolog.New(output).
				Level(lvl).
				With().
				Timestamp().
				Logger().
				WithContext(ctx)

			res, err := telemetry.NewResource(ctx, cmd.Root().Name, Version)
			if err != nil {
				return ctx, fmt.Errorf("building telemetry resource: %w", err)
			}

			otelShutdown, err = otel.SetupOTelSDK(ctx, cmd.Bool("otel-enabled"), colURL, res)
			if err != nil {
				return ctx, err
			}

			zerolog.Ctx(ctx).
				Info().
				Str("otel_grpc_url", colURL).
				Str("log_level", lvl.String()).
				Msg("logger created")

			return ctx, nil
		},
		After: func(ctx context.Context, _ *cli.Command) error {
			if otelMetricsWriter != nil {
				if err := otelMetricsWriter.Close(ctx); err != nil {
					zerolog.Ctx(ctx).Warn().Err(err).Msg("closing otel log-volume metrics writer")
				}
			}

			if otelShutdown != nil {
				return otelShutdown(ctx)
			}

			return nil
		},
		Flags: append([]cli.Flag{
			&cli.BoolFlag{
				Name:    "otel-enabled",
				Usage:   "Enable OpenTelemetry logs, metrics and tracing",
				Sources: flagSources("opentelemetry.enabled", "OTEL_ENABLED"),
			},
			&cli.StringFlag{
				Name:    "log-level",
				Usage:   "Set the log level",
				Sources: flagSources("log.level", "LOG_LEVEL"),
				Value:   "info",
				Validator: func(lvl string) error {
					_, err := zerolog.ParseLevel(lvl)

					return err
				},
			},
			&cli.StringFlag{
				Name: "otel-grpc-url",
				Usage: "Configure the OpenTelemetry gRPC collector URL. " +
					"Omit to emit telemetry to stdout.",
				Sources: flagSources("opentelemetry.grpc-url", "OTEL_GRPC_URL"),
				Value:   "",
			},
			&cli.StringFlag{
				Name:        "config",
				Usage:       "Path to the configuration file (toml, yaml, json)",
				Sources:     cli.EnvVars("CCINDEX_CONFIG_FILE"),
				Value:       getDefaultConfigPath(),
				Destination: &configPath,
			},
			&cli.BoolFlag{
				Name:    "prometheus-enabled",
				Usage:   "Enable the Prometheus metrics endpoint at /metrics",
				Sources: flagSources("prometheus.enabled", "PROMETHEUS_ENABLED"),
			},
			&cli.BoolFlag{
				Name:    "analytics-reporting-enabled",
				Usage:   "Enable reporting anonymous usage statistics (indexed row count) to the project maintainers",
				Sources: flagSources("analytics.reporting.enabled", "ANALYTICS_REPORTING_ENABLED"),
				Value:   true,
			},
		}, pipelineFlags(flagSources)...),
		Commands: []*cli.Command{
			ingestCommand(flagSources),
			searchCommand(flagSources),
			validateCommand(flagSources),
			serveCommand(flagSources),
			budgetCommand(flagSources),
		},
	}
}

// getDefaultConfigPath returns the default path to the config file.
func getDefaultConfigPath() string {
	configDir, err := os.UserConfigDir()
	if err != nil {
		panic(fmt.Sprintf("unable to determine user config directory: %v", err))
	}

	return filepath.Join(configDir, "ccindex", "config.yaml")
}
