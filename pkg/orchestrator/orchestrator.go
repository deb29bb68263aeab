// Package orchestrator implements the per-collection pipeline driver: it
// discovers what CONVERT/SORT/INDEX work remains for a collection by asking
// pkg/validator, then drives bounded worker pools through whatever is
// missing, sizing the sort pool against live memory pressure each time the
// sort phase starts (the width stays fixed while that phase's workers run;
// it is not recomputed per worker launch), pausing worker launches under memory or scratch-disk
// backpressure, terminating heartbeat-stalled workers, and gating retries
// behind a circuit breaker per failure class. The validator's Status is the
// only source of truth for progress; the orchestrator keeps no durable
// state of its own.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"

	"github.com/kalbasit/ccindex/pkg/blobstore"
	blobstorelocal "github.com/kalbasit/ccindex/pkg/blobstore/local"
	blobstores3 "github.com/kalbasit/ccindex/pkg/blobstore/s3"
	"github.com/kalbasit/ccindex/pkg/circuitbreaker"
	"github.com/kalbasit/ccindex/pkg/config"
	"github.com/kalbasit/ccindex/pkg/eventlog"
	"github.com/kalbasit/ccindex/pkg/heartbeat"
	"github.com/kalbasit/ccindex/pkg/lock"
	"github.com/kalbasit/ccindex/pkg/metaindex"
	"github.com/kalbasit/ccindex/pkg/pipelineerr"
	"github.com/kalbasit/ccindex/pkg/resourcebudget"
	"github.com/kalbasit/ccindex/pkg/shardcodec"
	"github.com/kalbasit/ccindex/pkg/shardindex"
	"github.com/kalbasit/ccindex/pkg/sorter"
	"github.com/kalbasit/ccindex/pkg/validator"
)

// memoryBackoff and diskBackoff are how long a worker launch waits between
// re-checking a backpressure floor it failed.
const (
	memoryBackoff = 5 * time.Second
	diskBackoff   = 5 * time.Second
)

// Downloader re-requests a shard the pipeline could not make sense of. It is
// the collaborator boundary towards whatever component lands raw CDX
// archives under CCINDEX_ROOT in the first place; the orchestrator never
// downloads anything itself.
type Downloader interface {
	RequestRedownload(ctx context.Context, collection, shardFile string) error
}

// Orchestrator drives one or more collections through CONVERT, SORT and
// INDEX, and triggers a meta-index rebuild once every collection in a year
// has caught up.
type Orchestrator struct {
	cfg        config.Config
	manifest   validator.ManifestReader
	downloader Downloader
	locker     lock.RWLocker
	events     *eventlog.Log
	heartbeats *heartbeat.Registry
	budget     *resourcebudget.Budget

	sortBreaker     *circuitbreaker.CircuitBreaker
	downloadBreaker *circuitbreaker.CircuitBreaker

	cron *cron.Cron

	storeOnce sync.Once
	store     blobstore.Store
	storeErr  error
}

// New constructs an Orchestrator. events, heartbeats and budget may be nil;
// a nil heartbeats or events is a silent no-op, and a nil budget disables
// sort-pool downshifting (worker count falls back to cfg.MaxWorkers).
func New(
	cfg config.Config,
	manifest validator.ManifestReader,
	downloader Downloader,
	locker lock.RWLocker,
	events *eventlog.Log,
	heartbeats *heartbeat.Registry,
	budget *resourcebudget.Budget,
) *Orchestrator {
	return &Orchestrator{
		cfg:             cfg,
		manifest:        manifest,
		downloader:      downloader,
		locker:          locker,
		events:          events,
		heartbeats:      heartbeats,
		budget:          budget,
		sortBreaker:     circuitbreaker.New(circuitbreaker.DefaultThreshold, circuitbreaker.DefaultTimeout),
		downloadBreaker: circuitbreaker.New(circuitbreaker.DefaultThreshold, circuitbreaker.DefaultTimeout),
	}
}

func (o *Orchestrator) validatorConfig(ctx context.Context) validator.Config {
	store, err := o.ccStore(ctx)
	if err != nil {
		store = nil
	}

	return validator.Config{
		CCIndexRoot: o.cfg.CCIndexRoot,
		ParquetRoot: o.cfg.ParquetRoot,
		DuckDBRoot:  o.cfg.DuckDBRoot,
		CCStore:     store,
	}
}

// ccStore lazily constructs the blobstore.Store backing CCINDEX_ROOT, local
// disk or an S3-compatible bucket depending on cfg.CCIndexS3Enabled, and
// caches it for the orchestrator's lifetime. PARQUET_ROOT and DUCKDB_ROOT
// are never routed through a Store: parquet-go's row-group pruning needs
// io.ReaderAt/io.Seeker random access and DuckDB opens its files by path
// directly, neither of which a Store's streaming Get satisfies without
// defeating the seek itself.
func (o *Orchestrator) ccStore(ctx context.Context) (blobstore.Store, error) {
	o.storeOnce.Do(func() {
		if o.cfg.CCIndexS3Enabled() {
			o.store, o.storeErr = blobstores3.New(ctx, blobstores3.Config{
				Endpoint:        o.cfg.CCIndexS3Endpoint,
				Bucket:          o.cfg.CCIndexS3Bucket,
				Region:          o.cfg.CCIndexS3Region,
				AccessKeyID:     o.cfg.CCIndexS3AccessKeyID,
				SecretAccessKey: o.cfg.CCIndexS3SecretAccessKey,
				ForcePathStyle:  o.cfg.CCIndexS3ForcePathStyle,
			})

			return
		}

		o.store, o.storeErr = blobstorelocal.New(ctx, o.cfg.CCIndexRoot)
	})

	return o.store, o.storeErr
}

func (o *Orchestrator) collectionDBPath(collection string) string {
	return filepath.Join(o.cfg.DuckDBRoot, "cc_pointers_by_collection", collection+".duckdb")
}

// RunCollection drives collection (whose captures belong to year) through
// whatever phases its current State requires, and logs its final status.
// Calling RunCollection again on an up-to-date collection is a fast no-op:
// every underlying conversion, sort and index step is independently
// idempotent.
func (o *Orchestrator) RunCollection(ctx context.Context, collection, year string) error {
	status, err := validator.Validate(ctx, o.validatorConfig(ctx), collection, year, o.manifest)
	if err != nil {
		return fmt.Errorf("validating %s before run: %w", collection, err)
	}

	state := DeriveState(status)

	log := zerolog.Ctx(ctx).With().Str("collection", collection).Str("state", string(state)).Logger()
	log.Info().Msg("orchestrator evaluating collection")

	if state == StateRetryableFailure {
		log.Warn().Msg("collection has structural anomalies, rebuilding its index from its shards")

		if err := o.rebuildCollectionDB(ctx, collection, year); err != nil {
			return o.recordAndReturn(ctx, collection, "", err)
		}

		status, err = validator.Validate(ctx, o.validatorConfig(ctx), collection, year, o.manifest)
		if err != nil {
			return fmt.Errorf("re-validating %s after rebuild: %w", collection, err)
		}
	}

	shardFiles, err := o.listShardFiles(ctx, collection)
	if err != nil {
		return fmt.Errorf("listing shards for %s: %w", collection, err)
	}

	if err := o.runPhase(ctx, "convert", collection, shardFiles, o.convertOne); err != nil {
		return err
	}

	if err := o.runPhase(ctx, "sort", collection, shardFiles, o.sortOne); err != nil {
		return err
	}

	if err := o.runPhase(ctx, "index", collection, shardFiles, func(ctx context.Context, collection, shardFile string) error {
		return o.indexOne(ctx, collection, year, shardFile)
	}); err != nil {
		return err
	}

	if o.cfg.CleanupSourceArchives {
		o.cleanupSourceArchives(ctx, collection, shardFiles)
	}

	if err := o.checkExpectedShards(ctx, status, collection); err != nil {
		return err
	}

	log.Info().Msg("collection run complete")

	return nil
}

// checkExpectedShards compares what the downloader collaborator's manifest
// promised against what actually arrived. A shortfall after a full run is
// unrecoverable from this side: only the downloader can make the missing
// shards materialize, so the error is surfaced to the operator while the
// pipeline moves on to other collections.
func (o *Orchestrator) checkExpectedShards(ctx context.Context, status validator.Status, collection string) error {
	if !status.ExpectedShardsKnown || status.ShardCountDownloaded >= status.ExpectedShards {
		return nil
	}

	err := pipelineerr.New(pipelineerr.KindUnrecoverableMissing, collection, "",
		fmt.Sprintf("manifest promises %d shards but only %d are present",
			status.ExpectedShards, status.ShardCountDownloaded),
		false)

	return o.recordAndReturn(ctx, collection, "", err)
}

// RebuildYear aggregates every collection database belonging to year into
// the year's meta-index, then aggregates every year database into the
// master meta-index, skipping either step when NeedsRebuild reports the
// target is already current.
func (o *Orchestrator) RebuildYear(ctx context.Context, year string, collections []string) error {
	yearDBPath := filepath.Join(o.cfg.DuckDBRoot, "cc_pointers_by_year", year+".duckdb")

	sources := make([]metaindex.Source, 0, len(collections))

	for _, collection := range collections {
		sources = append(sources, metaindex.Source{
			AbsPath:    o.collectionDBPath(collection),
			RelPath:    filepath.Join("cc_pointers_by_collection", collection+".duckdb"),
			Collection: collection,
			Year:       year,
		})
	}

	if err := o.withLock(ctx, yearDBPath, func() error {
		needsRebuild, err := metaindex.NeedsRebuild(ctx, yearDBPath, sources)
		if err != nil {
			return fmt.Errorf("checking %s for staleness: %w", yearDBPath, err)
		}

		if !needsRebuild {
			return nil
		}

		return metaindex.BuildYearDB(ctx, yearDBPath, sources)
	}); err != nil {
		return fmt.Errorf("rebuilding year db for %s: %w", year, err)
	}

	return o.rebuildMaster(ctx)
}

func (o *Orchestrator) rebuildMaster(ctx context.Context) error {
	masterDBPath := filepath.Join(o.cfg.DuckDBRoot, "cc_pointers_master", "master.duckdb")

	yearDir := filepath.Join(o.cfg.DuckDBRoot, "cc_pointers_by_year")

	entries, err := os.ReadDir(yearDir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}

		return fmt.Errorf("listing %s: %w", yearDir, err)
	}

	sources := make([]metaindex.Source, 0, len(entries))

	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".duckdb") {
			continue
		}

		year := strings.TrimSuffix(e.Name(), ".duckdb")

		sources = append(sources, metaindex.Source{
			AbsPath: filepath.Join(yearDir, e.Name()),
			RelPath: filepath.Join("cc_pointers_by_year", e.Name()),
			Year:    year,
		})
	}

	return o.withLock(ctx, masterDBPath, func() error {
		needsRebuild, err := metaindex.NeedsRebuild(ctx, masterDBPath, sources)
		if err != nil {
			return fmt.Errorf("checking %s for staleness: %w", masterDBPath, err)
		}

		if !needsRebuild {
			return nil
		}

		return metaindex.BuildMasterDB(ctx, masterDBPath, sources)
	})
}

// rebuildCollectionDB deletes and fully re-derives a collection's index
// database from its sorted shards, the response to a ghost-shard or
// coverage anomaly: the filesystem is trusted over whatever the corrupted
// database currently claims.
func (o *Orchestrator) rebuildCollectionDB(ctx context.Context, collection, year string) error {
	dbPath := o.collectionDBPath(collection)

	return o.withLock(ctx, dbPath, func() error {
		if err := os.Remove(dbPath); err != nil && !os.IsNotExist(err) {
			return fmt.Errorf("removing stale collection db %q: %w", dbPath, err)
		}

		shardFiles, err := o.listShardFiles(ctx, collection)
		if err != nil {
			return err
		}

		for _, shardFile := range shardFiles {
			shardPath := filepath.Join(o.cfg.ParquetRoot, collection, shardFile+".parquet")
			if !sorter.IsSorted(shardPath) {
				continue
			}

			if err := shardindex.IndexShard(ctx, dbPath, shardindex.Shard{
				Path:           shardPath,
				ParquetRelpath: filepath.Join(collection, shardFile+".parquet"),
				Collection:     collection,
				Year:           year,
				ShardFile:      shardFile,
			}); err != nil {
				return err
			}
		}

		return nil
	})
}

// runPhase drives fn over every shard in shardFiles with a worker pool sized
// by workerPoolSize (downshifted to W_sort_effective for the sort phase),
// recording a heartbeat per launched worker (so a worker stuck inside fn
// ages out and is caught by watchForStalls, rather than simply never
// appearing in the registry) and an event-log entry per failure. The first
// shard error cancels the phase's shared context: running siblings see their
// context canceled, no further shards are launched, and runPhase returns
// that first error. A worker that the stall watcher
// terminates is not treated as a failure: its shard is simply left
// unfinished and picked up again the next time this phase runs.
func (o *Orchestrator) runPhase(
	ctx context.Context,
	phase, collection string,
	shardFiles []string,
	fn func(ctx context.Context, collection, shardFile string) error,
) error {
	workers := o.workerPoolSize(ctx, phase)

	sem := semaphore.NewWeighted(int64(workers))
	group, gctx := errgroup.WithContext(ctx)

	cancels := newWorkerCancels()

	stopWatch := o.watchForStalls(gctx, phase, cancels)
	defer stopWatch()

	for _, shardFile := range shardFiles {
		shardFile := shardFile

		if err := sem.Acquire(gctx, 1); err != nil {
			break
		}

		group.Go(func() error {
			defer sem.Release(1)

			workerID := fmt.Sprintf("%s:%s:%s", phase, collection, shardFile)

			workerCtx, cancel := context.WithCancel(gctx)
			cancels.set(workerID, cancel)

			defer func() {
				cancels.delete(workerID)
				cancel()

				if o.heartbeats != nil {
					o.heartbeats.Forget(workerID)
				}
			}()

			if err := o.awaitMemoryBudget(workerCtx, collection, shardFile); err != nil {
				return o.recordAndReturn(gctx, collection, shardFile, err)
			}

			if o.heartbeats != nil {
				o.heartbeats.Record(workerID, heartbeat.Beat{
					Phase:      phase,
					Collection: collection,
					Shard:      shardFile,
				})
			}

			err := fn(workerCtx, collection, shardFile)

			if err != nil {
				if gctx.Err() == nil && errors.Is(workerCtx.Err(), context.Canceled) {
					zerolog.Ctx(gctx).Warn().
						Str("collection", collection).
						Str("shard", shardFile).
						Msg("worker terminated as stalled, will retry next pass")

					return nil
				}

				return o.recordAndReturn(gctx, collection, shardFile, err)
			}

			return nil
		})
	}

	return group.Wait()
}

// workerPoolSize returns the worker-pool width for phase. The sort phase is
// downshifted to the budget's live W_sort_effective, recomputed on every
// call (i.e. every time this phase is dispatched for a collection) rather
// than cfg.MaxWorkers, since running MaxWorkers concurrent SortShard calls
// at the configured per-worker memory budget is exactly the memory thrash
// the downshift exists to prevent.
func (o *Orchestrator) workerPoolSize(ctx context.Context, phase string) int {
	if phase == "sort" && o.budget != nil {
		if effective, _, err := o.budget.SortWorkersEffective(ctx); err == nil && effective > 0 {
			return effective
		}
	}

	workers := o.cfg.MaxWorkers
	if workers <= 0 {
		workers = 1
	}

	return workers
}

// awaitMemoryBudget blocks a worker's launch while MemAvailable is below
// cfg.MemoryLimitBytes, the floor every worker launch (any phase) must
// clear per the memory_limit_gb option.
func (o *Orchestrator) awaitMemoryBudget(ctx context.Context, collection, shardFile string) error {
	floor := o.cfg.MemoryLimitBytes()
	if floor == 0 || o.budget == nil {
		return nil
	}

	for {
		_, snap, err := o.budget.SortWorkersEffective(ctx)
		if err != nil {
			return nil // can't probe memory; don't block the pipeline on a probe failure
		}

		if snap.MemAvailableBytes >= floor {
			return nil
		}

		zerolog.Ctx(ctx).Warn().
			Str("collection", collection).
			Str("shard", shardFile).
			Uint64("mem_available_bytes", snap.MemAvailableBytes).
			Uint64("floor_bytes", floor).
			Msg("memory backpressure: delaying worker launch")

		select {
		case <-ctx.Done():
			return pipelineerr.Wrap(pipelineerr.KindBackpressureMemory, collection, shardFile, true, ctx.Err())
		case <-time.After(memoryBackoff):
		}
	}
}

// awaitDiskBudget blocks a sort worker while free space on DUCKDB_ROOT's
// filesystem (where the sort spill directory lives) is below
// cfg.MinFreeSpaceBytes, per the disk-backpressure contract.
func (o *Orchestrator) awaitDiskBudget(ctx context.Context, collection, shardFile string) error {
	floor := o.cfg.MinFreeSpaceBytes()
	if floor == 0 {
		return nil
	}

	for {
		free, err := resourcebudget.GopsutilDiskProber{}.FreeBytes(ctx, o.cfg.DuckDBRoot)
		if err != nil {
			return nil // can't probe disk; don't block the pipeline on a probe failure
		}

		if free >= floor {
			return nil
		}

		zerolog.Ctx(ctx).Warn().
			Str("collection", collection).
			Str("shard", shardFile).
			Uint64("free_bytes", free).
			Uint64("floor_bytes", floor).
			Msg("disk backpressure: pausing sort worker")

		select {
		case <-ctx.Done():
			return pipelineerr.Wrap(pipelineerr.KindBackpressureDisk, collection, shardFile, true, ctx.Err())
		case <-time.After(diskBackoff):
		}
	}
}

// workerCancels tracks the cancel func for every worker currently in
// flight for one runPhase call, keyed by worker ID, so the stall watcher
// can terminate exactly one worker without affecting its siblings.
type workerCancels struct {
	mu      sync.Mutex
	cancels map[string]context.CancelFunc
}

func newWorkerCancels() *workerCancels {
	return &workerCancels{cancels: make(map[string]context.CancelFunc)}
}

func (c *workerCancels) set(id string, cancel context.CancelFunc) {
	c.mu.Lock()
	c.cancels[id] = cancel
	c.mu.Unlock()
}

func (c *workerCancels) delete(id string) {
	c.mu.Lock()
	delete(c.cancels, id)
	c.mu.Unlock()
}

func (c *workerCancels) cancel(id string) {
	c.mu.Lock()
	cancel := c.cancels[id]
	c.mu.Unlock()

	if cancel != nil {
		cancel()
	}
}

// watchForStalls runs heartbeat.Watch alongside a phase's worker pool: on
// every tick it asks o.heartbeats which workers have missed
// HeartbeatStallMultiple consecutive intervals and cancels each one's
// worker context, so the shard can be retried on the next pass instead of
// waiting on a wedged worker forever. It returns a stop func the caller
// must call to end the watch goroutine. A nil heartbeats registry makes
// this a no-op.
func (o *Orchestrator) watchForStalls(ctx context.Context, phase string, cancels *workerCancels) func() {
	if o.heartbeats == nil {
		return func() {}
	}

	interval := time.Duration(o.cfg.HeartbeatIntervalSeconds) * time.Second
	if interval <= 0 {
		interval = heartbeat.DefaultInterval
	}

	stallMultiple := o.cfg.HeartbeatStallMultiple
	if stallMultiple <= 0 {
		stallMultiple = heartbeat.DefaultStallMultiple
	}

	watchCtx, stop := context.WithCancel(ctx)

	phasePrefix := phase + ":"

	go heartbeat.Watch(watchCtx, interval, func() {
		for _, workerID := range o.heartbeats.Stalled(interval, stallMultiple) {
			if !strings.HasPrefix(workerID, phasePrefix) {
				continue
			}

			zerolog.Ctx(ctx).Warn().Str("worker_id", workerID).Msg("worker stalled, terminating")

			cancels.cancel(workerID)
			o.heartbeats.Forget(workerID)
		}
	})

	return stop
}

func (o *Orchestrator) recordAndReturn(ctx context.Context, collection, shardFile string, err error) error {
	if o.events != nil {
		if logErr := o.events.AppendError(ctx, err); logErr != nil {
			zerolog.Ctx(ctx).Error().Err(logErr).Msg("failed to append event log entry")
		}
	}

	zerolog.Ctx(ctx).Error().
		Str("collection", collection).
		Str("shard", shardFile).
		Err(err).
		Msg("phase step failed")

	return err
}

// convertOne produces shardFile's columnar shard if it doesn't already
// exist. A DecodeError quarantines the shard: it is reported and the
// downloader collaborator is asked to re-send it, rather than retried
// against the same corrupt bytes.
func (o *Orchestrator) convertOne(ctx context.Context, collection, shardFile string) error {
	dstPath := filepath.Join(o.cfg.ParquetRoot, collection, shardFile+".parquet")

	if _, err := os.Stat(dstPath); err == nil {
		return nil
	}

	store, err := o.ccStore(ctx)
	if err != nil {
		return pipelineerr.Wrap(pipelineerr.KindDecode, collection, shardFile, true, err)
	}

	_, src, err := store.Get(ctx, filepath.Join(collection, shardFile))
	if err != nil {
		return pipelineerr.Wrap(pipelineerr.KindDecode, collection, shardFile, true, err)
	}
	defer src.Close() //nolint:errcheck

	if err := os.MkdirAll(filepath.Dir(dstPath), 0o755); err != nil {
		return fmt.Errorf("creating parquet directory: %w", err)
	}

	tmp, err := os.CreateTemp(filepath.Dir(dstPath), filepath.Base(dstPath)+".convert-*")
	if err != nil {
		return fmt.Errorf("creating tempfile: %w", err)
	}

	tmpPath := tmp.Name()

	result, convertErr := shardcodec.ConvertShard(ctx, src, tmp, collection, shardFile, 0)

	closeErr := tmp.Close()

	if convertErr != nil {
		os.Remove(tmpPath) //nolint:errcheck

		if o.downloader != nil && o.downloadBreaker.AllowRequest() {
			if reqErr := o.downloader.RequestRedownload(ctx, collection, shardFile); reqErr != nil {
				o.downloadBreaker.RecordFailure()
			} else {
				o.downloadBreaker.RecordSuccess()
			}
		}

		return convertErr
	}

	if closeErr != nil {
		os.Remove(tmpPath) //nolint:errcheck

		return pipelineerr.Wrap(pipelineerr.KindDecode, collection, shardFile, true, closeErr)
	}

	if err := os.Rename(tmpPath, dstPath); err != nil {
		os.Remove(tmpPath) //nolint:errcheck

		return pipelineerr.Wrap(pipelineerr.KindDecode, collection, shardFile, true,
			fmt.Errorf("publishing converted shard: %w", err))
	}

	zerolog.Ctx(ctx).Debug().
		Str("collection", collection).
		Str("shard", shardFile).
		Int64("rows_written", result.RowsWritten).
		Int64("rows_rejected", result.RowsRejected).
		Msg("shard converted")

	return nil
}

// sortOne sorts shardFile's columnar shard in place, downshifting the sort
// pool's thread budget against live memory pressure and retrying under the
// sort circuit breaker up to MaxSortAttempts times.
func (o *Orchestrator) sortOne(ctx context.Context, collection, shardFile string) error {
	shardPath := filepath.Join(o.cfg.ParquetRoot, collection, shardFile+".parquet")

	if _, err := os.Stat(shardPath); err != nil {
		return nil // not converted yet; nothing to sort
	}

	if sorter.IsSorted(shardPath) {
		return nil
	}

	if err := o.awaitDiskBudget(ctx, collection, shardFile); err != nil {
		return err
	}

	opts := sorter.Options{
		MemoryLimitBytes: o.cfg.SortMemoryPerWorkerBytes(),
		SpillDir:         filepath.Join(o.cfg.DuckDBRoot, "tmp", "sort-spill"),
	}

	if o.budget != nil {
		effective, _, err := o.budget.SortWorkersEffective(ctx)
		if err == nil && effective > 0 {
			opts.Threads = effective
		}
	}

	maxAttempts := o.cfg.MaxSortAttempts
	if maxAttempts <= 0 {
		maxAttempts = config.DefaultMaxSortAttempts
	}

	var lastErr error

	for attempt := 1; attempt <= maxAttempts; attempt++ {
		if !o.sortBreaker.AllowRequest() {
			return pipelineerr.New(pipelineerr.KindSort, collection, shardFile,
				"sort circuit breaker open, deferring retry", true)
		}

		lastErr = sorter.SortShard(ctx, shardPath, collection, shardFile, opts)
		if lastErr == nil {
			o.sortBreaker.RecordSuccess()

			return nil
		}

		o.sortBreaker.RecordFailure()

		zerolog.Ctx(ctx).Warn().
			Str("collection", collection).
			Str("shard", shardFile).
			Int("attempt", attempt).
			Err(lastErr).
			Msg("sort attempt failed")
	}

	return lastErr
}

// indexOne commits shardFile's domain_shards/parquet_rowgroups rows into
// collection's index database, under the collection-level write lock.
func (o *Orchestrator) indexOne(ctx context.Context, collection, year, shardFile string) error {
	shardPath := filepath.Join(o.cfg.ParquetRoot, collection, shardFile+".parquet")

	if !sorter.IsSorted(shardPath) {
		return nil // not sorted yet
	}

	dbPath := o.collectionDBPath(collection)

	return o.withLock(ctx, dbPath, func() error {
		return shardindex.IndexShard(ctx, dbPath, shardindex.Shard{
			Path:           shardPath,
			ParquetRelpath: filepath.Join(collection, shardFile+".parquet"),
			Collection:     collection,
			Year:           year,
			ShardFile:      shardFile,
		})
	})
}

// cleanupSourceArchives deletes each shard's raw .gz once it has reached
// SORTED, freeing CCINDEX_ROOT disk space; failures are logged, not fatal,
// since the archive isn't needed again until a rebuild.
func (o *Orchestrator) cleanupSourceArchives(ctx context.Context, collection string, shardFiles []string) {
	store, err := o.ccStore(ctx)
	if err != nil {
		zerolog.Ctx(ctx).Warn().Err(err).Msg("failed to open source store for cleanup")

		return
	}

	for _, shardFile := range shardFiles {
		shardPath := filepath.Join(o.cfg.ParquetRoot, collection, shardFile+".parquet")
		if !sorter.IsSorted(shardPath) {
			continue
		}

		if err := store.Delete(ctx, filepath.Join(collection, shardFile)); err != nil && !errors.Is(err, blobstore.ErrNotFound) {
			zerolog.Ctx(ctx).Warn().
				Str("collection", collection).
				Str("shard", shardFile).
				Err(err).
				Msg("failed to clean up source archive")
		}
	}
}

func (o *Orchestrator) withLock(ctx context.Context, key string, fn func() error) error {
	if o.locker == nil {
		return fn()
	}

	if err := o.locker.Lock(ctx, key, 0); err != nil {
		return fmt.Errorf("locking %q: %w", key, err)
	}
	defer o.locker.Unlock(ctx, key) //nolint:errcheck

	return fn()
}

// listShardFiles lists the .gz shard files under collection via the
// CCINDEX_ROOT store, local disk or S3 alike.
func (o *Orchestrator) listShardFiles(ctx context.Context, collection string) ([]string, error) {
	store, err := o.ccStore(ctx)
	if err != nil {
		return nil, err
	}

	var out []string

	err = store.Walk(ctx, collection, func(key string) error {
		if strings.HasSuffix(key, ".gz") {
			out = append(out, filepath.Base(key))
		}

		return nil
	})
	if err != nil {
		return nil, err
	}

	return out, nil
}
