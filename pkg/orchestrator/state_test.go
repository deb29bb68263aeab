package orchestrator_test

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/kalbasit/ccindex/pkg/orchestrator"
	"github.com/kalbasit/ccindex/pkg/validator"
)

func TestDeriveState(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name   string
		status validator.Status
		want   orchestrator.State
	}{
		{"unseen", validator.Status{}, orchestrator.StateUnseen},
		{
			"downloaded-not-converted",
			validator.Status{ShardCountDownloaded: 10, ShardCountConverted: 3},
			orchestrator.StateDownloaded,
		},
		{
			"converted-not-sorted",
			validator.Status{ShardCountDownloaded: 10, ShardCountConverted: 10, ShardCountSorted: 4},
			orchestrator.StateConverted,
		},
		{
			"sorted-not-indexed",
			validator.Status{
				ShardCountDownloaded: 10, ShardCountConverted: 10, ShardCountSorted: 10, ShardCountIndexed: 7,
			},
			orchestrator.StateSorted,
		},
		{
			"indexed-missing-year-db",
			validator.Status{
				ShardCountDownloaded: 10, ShardCountConverted: 10, ShardCountSorted: 10, ShardCountIndexed: 10,
			},
			orchestrator.StateIndexed,
		},
		{
			"year-db-built-master-missing",
			validator.Status{
				ShardCountDownloaded: 10, ShardCountConverted: 10, ShardCountSorted: 10, ShardCountIndexed: 10,
				YearDBPresent: true,
			},
			orchestrator.StateMetaBuilt,
		},
		{
			"complete",
			validator.Status{
				ShardCountDownloaded: 10, ShardCountConverted: 10, ShardCountSorted: 10, ShardCountIndexed: 10,
				YearDBPresent: true, MasterDBPresent: true,
			},
			orchestrator.StateComplete,
		},
		{
			"anomaly-wins-regardless-of-counts",
			validator.Status{
				ShardCountDownloaded: 10, ShardCountConverted: 10, ShardCountSorted: 10, ShardCountIndexed: 10,
				YearDBPresent: true, MasterDBPresent: true,
				Anomalies: []validator.Anomaly{{Message: "ghost file"}},
			},
			orchestrator.StateRetryableFailure,
		},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()

			assert.Equal(t, tc.want, orchestrator.DeriveState(tc.status))
		})
	}
}
