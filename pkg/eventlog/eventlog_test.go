package eventlog_test

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kalbasit/ccindex/pkg/eventlog"
	"github.com/kalbasit/ccindex/pkg/pipelineerr"
)

func TestLog_AppendAndReadAll(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "events.jsonl")

	log, err := eventlog.Open(path, 0)
	require.NoError(t, err)

	perr := pipelineerr.New(pipelineerr.KindSort, "CC-MAIN-2024-33", "cdx-00001.gz", "oom", true)
	require.NoError(t, log.AppendError(context.Background(), perr))
	require.NoError(t, log.Close())

	events, err := eventlog.ReadAll(path)
	require.NoError(t, err)
	require.Len(t, events, 1)

	assert.Equal(t, "SortError", events[0].Kind)
	assert.Equal(t, "CC-MAIN-2024-33", events[0].Collection)
	assert.Equal(t, "cdx-00001.gz", events[0].Shard)
	assert.True(t, events[0].Retryable)
	assert.NotEmpty(t, events[0].ID)
}

func TestReadAll_MissingFile(t *testing.T) {
	t.Parallel()

	events, err := eventlog.ReadAll(filepath.Join(t.TempDir(), "missing.jsonl"))
	require.NoError(t, err)
	assert.Nil(t, events)
}
