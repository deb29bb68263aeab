// Package resourcebudget implements the process-wide "budget" struct the
// sort pool reads before launching each worker: MemAvailable, SwapFree, and
// the effective sort-worker concurrency they imply. It also exposes a
// standalone scratch-volume free-space probe the orchestrator's disk
// backpressure gate reads independently of the memory-driven downshift.
package resourcebudget

import (
	"context"
	"fmt"
	"math"

	"github.com/shirou/gopsutil/v3/disk"
	"github.com/shirou/gopsutil/v3/mem"
)

// DefaultSwapFreeFloorBytes is the swap-free threshold below which
// W_sort_effective is capped aggressively regardless of available memory.
const DefaultSwapFreeFloorBytes = 1 << 30 // 1 GiB

// DefaultLowSwapCap is the sort-worker cap applied once free swap falls
// below DefaultSwapFreeFloorBytes.
const DefaultLowSwapCap = 2

// Config is the subset of pipeline configuration the budget needs.
type Config struct {
	// SortMemoryPerWorkerBytes is the memory budget M per sort worker.
	SortMemoryPerWorkerBytes uint64

	// SortReserveBytes is OS-reserved headroom subtracted from MemAvailable
	// before dividing it among sort workers.
	SortReserveBytes uint64

	// SortWorkersRequested is the configured (not downshifted) pool size.
	SortWorkersRequested int

	// SwapFreeFloorBytes below which the effective pool is capped to
	// LowSwapCap. Zero selects DefaultSwapFreeFloorBytes.
	SwapFreeFloorBytes uint64

	// LowSwapCap is the cap applied under low swap. Zero selects
	// DefaultLowSwapCap.
	LowSwapCap int

	// ArcFraction is the fraction (0,1] of filesystem-cache memory counted
	// as reclaimable and therefore added to MemAvailable headroom.
	ArcFraction float64
}

// Snapshot is one read of the system's available-memory budget.
type Snapshot struct {
	MemAvailableBytes uint64
	SwapFreeBytes     uint64
	CachedBytes       uint64
}

// Prober reads the current Snapshot. Satisfied by gopsutil's mem package;
// an interface so tests can fake memory pressure deterministically.
type Prober interface {
	Read(ctx context.Context) (Snapshot, error)
}

// GopsutilProber reads MemAvailable/SwapFree/Cached via
// github.com/shirou/gopsutil/v3/mem, the same probe points
// /proc/meminfo exposes on Linux.
type GopsutilProber struct{}

// Read satisfies Prober.
func (GopsutilProber) Read(ctx context.Context) (Snapshot, error) {
	vm, err := mem.VirtualMemoryWithContext(ctx)
	if err != nil {
		return Snapshot{}, fmt.Errorf("reading virtual memory stats: %w", err)
	}

	swap, err := mem.SwapMemoryWithContext(ctx)
	if err != nil {
		return Snapshot{}, fmt.Errorf("reading swap stats: %w", err)
	}

	return Snapshot{
		MemAvailableBytes: vm.Available,
		SwapFreeBytes:     swap.Free,
		CachedBytes:       vm.Cached,
	}, nil
}

// Budget computes W_sort_effective from a live Snapshot and a Config, per
// the formula W_sort_effective = max(1, floor((MemAvailable - Reserve) /
// MemPerSortWorker)), capped under low free swap.
type Budget struct {
	cfg    Config
	prober Prober
}

// New constructs a Budget. A zero-value Prober defaults to GopsutilProber.
func New(cfg Config, prober Prober) *Budget {
	if prober == nil {
		prober = GopsutilProber{}
	}

	if cfg.SwapFreeFloorBytes == 0 {
		cfg.SwapFreeFloorBytes = DefaultSwapFreeFloorBytes
	}

	if cfg.LowSwapCap == 0 {
		cfg.LowSwapCap = DefaultLowSwapCap
	}

	return &Budget{cfg: cfg, prober: prober}
}

// SortWorkersEffective reads the current Snapshot and returns the
// downshifted sort-pool size, recomputed from a fresh Snapshot on every
// call.
func (b *Budget) SortWorkersEffective(ctx context.Context) (int, Snapshot, error) {
	snap, err := b.prober.Read(ctx)
	if err != nil {
		return 0, Snapshot{}, err
	}

	return b.effective(snap), snap, nil
}

func (b *Budget) effective(snap Snapshot) int {
	reclaimable := uint64(float64(snap.CachedBytes) * b.cfg.ArcFraction)

	available := snap.MemAvailableBytes + reclaimable
	if available <= b.cfg.SortReserveBytes {
		return 1
	}

	usable := available - b.cfg.SortReserveBytes

	perWorker := b.cfg.SortMemoryPerWorkerBytes
	if perWorker == 0 {
		return 1
	}

	n := int(math.Floor(float64(usable) / float64(perWorker)))
	if n < 1 {
		n = 1
	}

	if b.cfg.SortWorkersRequested > 0 && n > b.cfg.SortWorkersRequested {
		n = b.cfg.SortWorkersRequested
	}

	if snap.SwapFreeBytes < b.cfg.SwapFreeFloorBytes && n > b.cfg.LowSwapCap {
		n = b.cfg.LowSwapCap
	}

	return n
}

// DiskProber reads the free space available on the filesystem holding path.
// Satisfied by gopsutil's disk package; an interface so callers can fake
// scratch-volume pressure deterministically in tests.
type DiskProber interface {
	FreeBytes(ctx context.Context, path string) (uint64, error)
}

// GopsutilDiskProber reads free space via
// github.com/shirou/gopsutil/v3/disk, which is statfs-backed.
type GopsutilDiskProber struct{}

// FreeBytes satisfies DiskProber.
func (GopsutilDiskProber) FreeBytes(ctx context.Context, path string) (uint64, error) {
	usage, err := disk.UsageWithContext(ctx, path)
	if err != nil {
		return 0, fmt.Errorf("reading disk usage for %q: %w", path, err)
	}

	return usage.Free, nil
}
