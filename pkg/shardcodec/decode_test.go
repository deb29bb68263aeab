package shardcodec_test

import (
	"bytes"
	"compress/gzip"
	"context"
	"io"
	"testing"

	"github.com/parquet-go/parquet-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kalbasit/ccindex/pkg/ccrow"
	"github.com/kalbasit/ccindex/pkg/shardcodec"
)

func gzipLines(t *testing.T, lines ...string) *bytes.Buffer {
	t.Helper()

	var buf bytes.Buffer

	gw := gzip.NewWriter(&buf)

	for _, l := range lines {
		_, err := gw.Write([]byte(l + "\n"))
		require.NoError(t, err)
	}

	require.NoError(t, gw.Close())

	return &buf
}

func TestConvertShard(t *testing.T) {
	t.Parallel()

	src := gzipLines(t,
		`gov,whitehouse)/ 20240115000000 {"url":"https://www.whitehouse.gov/","status":"200","mime":"text/html","digest":"ABC123","filename":"CC-MAIN-20240115-00001.warc.gz","offset":"1000","length":"500"}`,
		`this line is not valid CDX at all`,
		`gov,senate)/ 20240116000000 {"url":"not json here`,
		`gov,senate)/ 20240117000000 {"url":"https://www.senate.gov/page","status":"404","mime":"text/html","digest":"DEF456","filename":"CC-MAIN-20240117-00002.warc.gz","offset":"2000","length":"300"}`,
	)

	var dst bytes.Buffer

	res, err := shardcodec.ConvertShard(context.Background(), src, &dst, "CC-MAIN-2024-10", "cdx-00001.gz", 10)
	require.NoError(t, err)

	assert.Equal(t, int64(2), res.RowsWritten)
	assert.Equal(t, int64(2), res.RowsRejected)

	reader := parquet.NewGenericReader[ccrow.Row](bytes.NewReader(dst.Bytes()))
	defer reader.Close() //nolint:errcheck

	rows := make([]ccrow.Row, 2)

	n, err := reader.Read(rows)
	if err != nil {
		require.ErrorIs(t, err, io.EOF)
	}

	require.Equal(t, 2, n)

	assert.Equal(t, "www.whitehouse.gov", rows[0].Host)
	assert.Equal(t, "gov,whitehouse,www", rows[0].HostRev)
	assert.Equal(t, "CC-MAIN-2024-10", rows[0].Collection)
	assert.Equal(t, int64(1000), rows[0].WARCOffset)

	assert.Equal(t, "www.senate.gov", rows[1].Host)
	assert.Equal(t, "gov,senate,www", rows[1].HostRev)
}

func TestConvertShard_NonGzipInput(t *testing.T) {
	t.Parallel()

	var dst bytes.Buffer

	_, err := shardcodec.ConvertShard(context.Background(), bytes.NewReader([]byte("not gzip")), &dst, "CC-MAIN-2024-10", "cdx-00001.gz", 10)
	require.Error(t, err)
}

func TestConvertShard_CancelledContext(t *testing.T) {
	t.Parallel()

	src := gzipLines(t,
		`gov,whitehouse)/ 20240115000000 {"url":"https://www.whitehouse.gov/","status":"200","mime":"text/html","digest":"ABC123","filename":"CC-MAIN-20240115-00001.warc.gz","offset":"1000","length":"500"}`,
	)

	var dst bytes.Buffer

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := shardcodec.ConvertShard(ctx, src, &dst, "CC-MAIN-2024-10", "cdx-00001.gz", 10)
	require.Error(t, err)
}
