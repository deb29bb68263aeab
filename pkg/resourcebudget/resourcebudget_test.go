package resourcebudget_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kalbasit/ccindex/pkg/resourcebudget"
)

func TestGopsutilDiskProber_ReadsFreeSpaceForTempDir(t *testing.T) {
	t.Parallel()

	free, err := resourcebudget.GopsutilDiskProber{}.FreeBytes(context.Background(), t.TempDir())
	require.NoError(t, err)
	assert.Greater(t, free, uint64(0))
}

const gib = 1 << 30

type fakeProber struct {
	snap resourcebudget.Snapshot
}

func (f fakeProber) Read(context.Context) (resourcebudget.Snapshot, error) {
	return f.snap, nil
}

func TestSortWorkersEffective_OOMDownshiftScenario(t *testing.T) {
	t.Parallel()

	cfg := resourcebudget.Config{
		SortMemoryPerWorkerBytes: 12 * gib,
		SortWorkersRequested:     8,
	}

	b := resourcebudget.New(cfg, fakeProber{snap: resourcebudget.Snapshot{
		MemAvailableBytes: 40 * gib,
		SwapFreeBytes:     8 * gib,
	}})

	n, _, err := b.SortWorkersEffective(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 3, n)
}

func TestSortWorkersEffective_LowSwapCapsAggressively(t *testing.T) {
	t.Parallel()

	cfg := resourcebudget.Config{
		SortMemoryPerWorkerBytes: 2 * gib,
		SortWorkersRequested:     16,
		SwapFreeFloorBytes:       1 * gib,
		LowSwapCap:               2,
	}

	b := resourcebudget.New(cfg, fakeProber{snap: resourcebudget.Snapshot{
		MemAvailableBytes: 64 * gib,
		SwapFreeBytes:     512 << 20,
	}})

	n, _, err := b.SortWorkersEffective(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, n)
}

func TestSortWorkersEffective_NeverBelowOne(t *testing.T) {
	t.Parallel()

	cfg := resourcebudget.Config{
		SortMemoryPerWorkerBytes: 12 * gib,
		SortReserveBytes:         8 * gib,
	}

	b := resourcebudget.New(cfg, fakeProber{snap: resourcebudget.Snapshot{
		MemAvailableBytes: 2 * gib,
		SwapFreeBytes:     8 * gib,
	}})

	n, _, err := b.SortWorkersEffective(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

func TestSortWorkersEffective_ArcFractionAddsReclaimableCache(t *testing.T) {
	t.Parallel()

	cfg := resourcebudget.Config{
		SortMemoryPerWorkerBytes: 10 * gib,
		ArcFraction:              0.5,
	}

	b := resourcebudget.New(cfg, fakeProber{snap: resourcebudget.Snapshot{
		MemAvailableBytes: 10 * gib,
		SwapFreeBytes:     8 * gib,
		CachedBytes:       20 * gib,
	}})

	n, _, err := b.SortWorkersEffective(context.Background())
	require.NoError(t, err)
	// 10 GiB available + 0.5*20 GiB reclaimable = 20 GiB -> floor(20/10) = 2
	assert.Equal(t, 2, n)
}
