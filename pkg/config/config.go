// Package config defines the recognized pipeline options as a single typed
// struct, populated from cmd's urfave/cli/v3 flags, which in turn chain
// toml/yaml/json config files and environment variables via cli-altsrc.
// Pipeline configuration is read once at process startup and never
// rewritten, so a plain struct is the right fit here rather than a
// database-backed settings store.
package config

import (
	"fmt"

	"github.com/dustin/go-humanize"
	"github.com/urfave/cli/v3"
)

// Config is the fully-resolved set of pipeline options.
type Config struct {
	// CCIndexRoot is where downloaded CDX shards live.
	CCIndexRoot string

	// ParquetRoot is where columnar shards live.
	ParquetRoot string

	// DuckDBRoot is where collection/year/master index databases live.
	DuckDBRoot string

	// MaxWorkers is the default worker-pool size (W_io and W_cpu).
	MaxWorkers int

	// MemoryLimitGB is the minimum free memory required to launch a worker.
	MemoryLimitGB float64

	// MinFreeSpaceGB is the floor before sort backpressure engages.
	MinFreeSpaceGB float64

	// SortMemoryPerWorkerGB is the per-sort-worker memory budget M.
	SortMemoryPerWorkerGB float64

	// SortReserveGB is OS-reserved headroom subtracted from availability.
	SortReserveGB float64

	// ArcFraction is the fraction of filesystem-cache memory counted as
	// reclaimable, in [0, 1].
	ArcFraction float64

	// CollectionsFilter optionally restricts operations to matching
	// collection IDs (a glob pattern, e.g. "CC-MAIN-2024-*").
	CollectionsFilter string

	// CleanupSourceArchives controls whether .gz shards are deleted after
	// SORTED.
	CleanupSourceArchives bool

	// HeartbeatInterval and HeartbeatStallMultiple govern the stall
	// detector: a worker silent for HeartbeatStallMultiple intervals is
	// considered stalled.
	HeartbeatIntervalSeconds int
	HeartbeatStallMultiple   int

	// MaxSortAttempts bounds SortError retries.
	MaxSortAttempts int

	// CCIndexS3Endpoint, when non-empty, roots CCIndexRoot on an
	// S3-compatible bucket instead of local disk: CCIndexRoot is then
	// interpreted as the bucket-relative key prefix rather than a
	// filesystem path.
	CCIndexS3Endpoint        string
	CCIndexS3Bucket          string
	CCIndexS3Region          string
	CCIndexS3AccessKeyID     string
	CCIndexS3SecretAccessKey string
	CCIndexS3ForcePathStyle  bool
}

// CCIndexS3Enabled reports whether CCIndexRoot should be served from the
// S3-compatible backend rather than local disk.
func (c Config) CCIndexS3Enabled() bool {
	return c.CCIndexS3Endpoint != ""
}

// DefaultMaxSortAttempts is the default ceiling on sort-worker retries.
const DefaultMaxSortAttempts = 4

// Validate reports a descriptive error for any option combination the
// pipeline cannot run with; it does not mutate Config.
func (c Config) Validate() error {
	if c.CCIndexRoot == "" {
		return fmt.Errorf("ccindex_root is required")
	}

	if c.ParquetRoot == "" {
		return fmt.Errorf("parquet_root is required")
	}

	if c.DuckDBRoot == "" {
		return fmt.Errorf("duckdb_root is required")
	}

	if c.ArcFraction < 0 || c.ArcFraction > 1 {
		return fmt.Errorf("arc_fraction must be in [0, 1], got %v", c.ArcFraction)
	}

	if c.MaxWorkers <= 0 {
		return fmt.Errorf("max_workers must be positive, got %d", c.MaxWorkers)
	}

	return nil
}

// SortMemoryPerWorkerBytes converts the GB-denominated flag into the byte
// budget pkg/sorter and pkg/resourcebudget operate on.
func (c Config) SortMemoryPerWorkerBytes() uint64 {
	return uint64(c.SortMemoryPerWorkerGB * float64(humanize.GByte))
}

// SortReserveBytes is SortReserveGB converted to bytes.
func (c Config) SortReserveBytes() uint64 {
	return uint64(c.SortReserveGB * float64(humanize.GByte))
}

// MemoryLimitBytes is MemoryLimitGB converted to bytes.
func (c Config) MemoryLimitBytes() uint64 {
	return uint64(c.MemoryLimitGB * float64(humanize.GByte))
}

// MinFreeSpaceBytes is MinFreeSpaceGB converted to bytes.
func (c Config) MinFreeSpaceBytes() uint64 {
	return uint64(c.MinFreeSpaceGB * float64(humanize.GByte))
}

// FromCommand reads every recognized flag off cmd, the way each ccindex
// subcommand builds its Config immediately inside its Action.
func FromCommand(cmd *cli.Command) Config {
	cfg := Config{
		CCIndexRoot:              cmd.String("ccindex-root"),
		ParquetRoot:              cmd.String("parquet-root"),
		DuckDBRoot:               cmd.String("duckdb-root"),
		MaxWorkers:               int(cmd.Int("max-workers")),
		MemoryLimitGB:            cmd.Float64("memory-limit-gb"),
		MinFreeSpaceGB:           cmd.Float64("min-free-space-gb"),
		SortMemoryPerWorkerGB:    cmd.Float64("sort-memory-per-worker-gb"),
		SortReserveGB:            cmd.Float64("sort-reserve-gb"),
		ArcFraction:              cmd.Float64("arc-fraction"),
		CollectionsFilter:        cmd.String("collections-filter"),
		CleanupSourceArchives:    cmd.Bool("cleanup-source-archives"),
		HeartbeatIntervalSeconds: int(cmd.Int("heartbeat-interval-seconds")),
		HeartbeatStallMultiple:   int(cmd.Int("heartbeat-stall-multiple")),
		MaxSortAttempts:          int(cmd.Int("max-sort-attempts")),
		CCIndexS3Endpoint:        cmd.String("ccindex-s3-endpoint"),
		CCIndexS3Bucket:          cmd.String("ccindex-s3-bucket"),
		CCIndexS3Region:          cmd.String("ccindex-s3-region"),
		CCIndexS3AccessKeyID:     cmd.String("ccindex-s3-access-key-id"),
		CCIndexS3SecretAccessKey: cmd.String("ccindex-s3-secret-access-key"),
		CCIndexS3ForcePathStyle:  cmd.Bool("ccindex-s3-force-path-style"),
	}

	if cfg.MaxSortAttempts <= 0 {
		cfg.MaxSortAttempts = DefaultMaxSortAttempts
	}

	return cfg
}
