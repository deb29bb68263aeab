package cmd

import "github.com/urfave/cli/v3"

// pipelineFlags are the options every subcommand reads through
// pkg/config.FromCommand; they are registered on the root command so a
// single config file/env var set configures the whole pipeline.
func pipelineFlags(flagSources flagSourcesFn) []cli.Flag {
	return []cli.Flag{
		&cli.StringFlag{
			Name:     "ccindex-root",
			Usage:    "Root directory holding downloaded CDX shards",
			Sources:  flagSources("pipeline.ccindex-root", "CCINDEX_ROOT"),
			Required: true,
		},
		&cli.StringFlag{
			Name:     "parquet-root",
			Usage:    "Root directory holding columnar (parquet) shards",
			Sources:  flagSources("pipeline.parquet-root", "PARQUET_ROOT"),
			Required: true,
		},
		&cli.StringFlag{
			Name:     "duckdb-root",
			Usage:    "Root directory holding collection/year/master index databases",
			Sources:  flagSources("pipeline.duckdb-root", "DUCKDB_ROOT"),
			Required: true,
		},
		&cli.IntFlag{
			Name:    "max-workers",
			Usage:   "Default worker-pool size for convert/index phases",
			Sources: flagSources("pipeline.max-workers", "MAX_WORKERS"),
			Value:   4,
		},
		&cli.Float64Flag{
			Name:    "memory-limit-gb",
			Usage:   "Minimum free memory (GB) required to launch a worker",
			Sources: flagSources("pipeline.memory-limit-gb", "MEMORY_LIMIT_GB"),
			Value:   1,
		},
		&cli.Float64Flag{
			Name:    "min-free-space-gb",
			Usage:   "Disk-space floor (GB) before sort backpressure engages",
			Sources: flagSources("pipeline.min-free-space-gb", "MIN_FREE_SPACE_GB"),
			Value:   5,
		},
		&cli.Float64Flag{
			Name:    "sort-memory-per-worker-gb",
			Usage:   "Memory budget (GB) per sort worker",
			Sources: flagSources("pipeline.sort-memory-per-worker-gb", "SORT_MEMORY_PER_WORKER_GB"),
			Value:   2,
		},
		&cli.Float64Flag{
			Name:    "sort-reserve-gb",
			Usage:   "OS-reserved headroom (GB) subtracted before sizing the sort pool",
			Sources: flagSources("pipeline.sort-reserve-gb", "SORT_RESERVE_GB"),
			Value:   1,
		},
		&cli.Float64Flag{
			Name:    "arc-fraction",
			Usage:   "Fraction of filesystem-cache memory counted as reclaimable, in [0,1]",
			Sources: flagSources("pipeline.arc-fraction", "ARC_FRACTION"),
			Value:   0.5,
		},
		&cli.StringFlag{
			Name:    "collections-filter",
			Usage:   "Glob pattern restricting operations to matching collection IDs",
			Sources: flagSources("pipeline.collections-filter", "COLLECTIONS_FILTER"),
		},
		&cli.BoolFlag{
			Name:    "cleanup-source-archives",
			Usage:   "Delete .gz CDX shards once they have been sorted",
			Sources: flagSources("pipeline.cleanup-source-archives", "CLEANUP_SOURCE_ARCHIVES"),
		},
		&cli.IntFlag{
			Name:    "heartbeat-interval-seconds",
			Usage:   "Interval between worker heartbeat updates, in seconds",
			Sources: flagSources("pipeline.heartbeat-interval-seconds", "HEARTBEAT_INTERVAL_SECONDS"),
			Value:   30,
		},
		&cli.IntFlag{
			Name:    "heartbeat-stall-multiple",
			Usage:   "Number of missed heartbeat intervals before a worker is considered stalled",
			Sources: flagSources("pipeline.heartbeat-stall-multiple", "HEARTBEAT_STALL_MULTIPLE"),
			Value:   3,
		},
		&cli.IntFlag{
			Name:    "max-sort-attempts",
			Usage:   "Ceiling on sort-worker retries before giving up on a shard",
			Sources: flagSources("pipeline.max-sort-attempts", "MAX_SORT_ATTEMPTS"),
			Value:   4,
		},
		&cli.StringFlag{
			Name:    "ccindex-s3-endpoint",
			Usage:   "S3-compatible endpoint serving CCINDEX_ROOT. Omit to read CCINDEX_ROOT from local disk.",
			Sources: flagSources("pipeline.ccindex-s3-endpoint", "CCINDEX_S3_ENDPOINT"),
		},
		&cli.StringFlag{
			Name:    "ccindex-s3-bucket",
			Usage:   "Bucket holding CCINDEX_ROOT's shards, when ccindex-s3-endpoint is set",
			Sources: flagSources("pipeline.ccindex-s3-bucket", "CCINDEX_S3_BUCKET"),
		},
		&cli.StringFlag{
			Name:    "ccindex-s3-region",
			Usage:   "Region of the ccindex-s3-endpoint bucket",
			Sources: flagSources("pipeline.ccindex-s3-region", "CCINDEX_S3_REGION"),
		},
		&cli.StringFlag{
			Name:    "ccindex-s3-access-key-id",
			Usage:   "Access key ID for the ccindex-s3-endpoint bucket",
			Sources: flagSources("pipeline.ccindex-s3-access-key-id", "CCINDEX_S3_ACCESS_KEY_ID"),
		},
		&cli.StringFlag{
			Name:    "ccindex-s3-secret-access-key",
			Usage:   "Secret access key for the ccindex-s3-endpoint bucket",
			Sources: flagSources("pipeline.ccindex-s3-secret-access-key", "CCINDEX_S3_SECRET_ACCESS_KEY"),
		},
		&cli.BoolFlag{
			Name:    "ccindex-s3-force-path-style",
			Usage:   "Use path-style requests against ccindex-s3-endpoint (required by most non-AWS S3 gateways)",
			Sources: flagSources("pipeline.ccindex-s3-force-path-style", "CCINDEX_S3_FORCE_PATH_STYLE"),
		},
	}
}
