package orchestrator

import "github.com/kalbasit/ccindex/pkg/validator"

// State is one point in a collection's lifecycle.
type State string

const (
	StateUnseen           State = "UNSEEN"
	StateDownloaded       State = "DOWNLOADED"
	StateConverted        State = "CONVERTED"
	StateSorted           State = "SORTED"
	StateIndexed          State = "INDEXED"
	StateMetaBuilt        State = "META_BUILT"
	StateComplete         State = "COMPLETE"
	StateQuarantinedShard State = "QUARANTINED_SHARD"
	StateRetryableFailure State = "RETRYABLE_FAILURE"
)

// DeriveState computes a collection's current lifecycle state purely from
// a validator.Status -- never from the orchestrator's own memory of what
// it last did. Ghost files and other structural anomalies always win: a
// collection whose index disagrees with its filesystem is
// RETRYABLE_FAILURE regardless of how far its shard counts have advanced.
func DeriveState(status validator.Status) State {
	if len(status.Anomalies) > 0 {
		return StateRetryableFailure
	}

	switch {
	case status.ShardCountDownloaded == 0:
		return StateUnseen
	case status.ShardCountConverted < status.ShardCountDownloaded:
		return StateDownloaded
	case status.ShardCountSorted < status.ShardCountConverted:
		return StateConverted
	case status.ShardCountIndexed < status.ShardCountSorted:
		return StateSorted
	case !status.YearDBPresent:
		return StateIndexed
	case !status.MasterDBPresent:
		return StateMetaBuilt
	default:
		return StateComplete
	}
}
