// Package shardcodec parses a gzipped CDX shard into the ccrow.Row schema
// and emits a columnar (parquet) shard, zstd-compressed per column group via
// parquet-go's built-in codec, with a single declared sort order of "none";
// sorting it is a separate stage's job.
package shardcodec

import (
	"bufio"
	"compress/gzip"
	"context"
	"fmt"
	"io"

	"github.com/parquet-go/parquet-go"
	"github.com/rs/zerolog"

	"github.com/kalbasit/ccindex/pkg/ccrow"
	"github.com/kalbasit/ccindex/pkg/pipelineerr"
)

// DefaultRowGroupSize is the row-group target used when none is configured;
// comfortably inside the 50k-200k band the on-disk contract calls for.
const DefaultRowGroupSize = 100_000

// Result reports how a shard conversion went: how many rows were accepted
// into the columnar shard and how many CDX lines were rejected as malformed.
// Rejected lines never abort the conversion.
type Result struct {
	RowsWritten  int64
	RowsRejected int64
}

// ConvertShard reads a gzipped CDX shard from src and writes a columnar
// shard to dst, attaching collection and shardFile to every row. Malformed
// lines are counted in Result.RowsRejected and skipped; a shard-level
// failure (truncated or non-gzip input) is returned as a *pipelineerr.Error
// of KindDecode with Retryable true, since the orchestrator's response is to
// quarantine the shard and re-request it from the downloader collaborator.
func ConvertShard(
	ctx context.Context,
	src io.Reader,
	dst io.Writer,
	collection, shardFile string,
	rowGroupSize int,
) (Result, error) {
	if rowGroupSize <= 0 {
		rowGroupSize = DefaultRowGroupSize
	}

	gz, err := gzip.NewReader(src)
	if err != nil {
		return Result{}, pipelineerr.Wrap(pipelineerr.KindDecode, collection, shardFile, true,
			fmt.Errorf("opening gzip stream: %w", err))
	}
	defer gz.Close() //nolint:errcheck

	writer := parquet.NewGenericWriter[ccrow.Row](dst,
		parquet.MaxRowsPerRowGroup(int64(rowGroupSize)),
		parquet.Compression(&parquet.Zstd),
	)

	var res Result

	batch := make([]ccrow.Row, 0, rowGroupSize)

	scanner := bufio.NewScanner(gz)
	scanner.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)

	for scanner.Scan() {
		if err := ctx.Err(); err != nil {
			_ = writer.Close() //nolint:errcheck

			return res, pipelineerr.Wrap(pipelineerr.KindCancellationRequested, collection, shardFile, true, err)
		}

		line := scanner.Text()
		if line == "" {
			continue
		}

		row, err := parseLine(line, collection, shardFile)
		if err != nil {
			res.RowsRejected++

			zerolog.Ctx(ctx).Debug().
				Str("collection", collection).
				Str("shard", shardFile).
				Err(err).
				Msg("rejected malformed CDX line")

			continue
		}

		batch = append(batch, row)
		res.RowsWritten++

		if len(batch) == rowGroupSize {
			if _, err := writer.Write(batch); err != nil {
				return res, pipelineerr.Wrap(pipelineerr.KindDecode, collection, shardFile, true,
					fmt.Errorf("writing row batch: %w", err))
			}

			batch = batch[:0]
		}
	}

	if err := scanner.Err(); err != nil {
		return res, pipelineerr.Wrap(pipelineerr.KindDecode, collection, shardFile, true,
			fmt.Errorf("scanning gzip stream: %w", err))
	}

	if len(batch) > 0 {
		if _, err := writer.Write(batch); err != nil {
			return res, pipelineerr.Wrap(pipelineerr.KindDecode, collection, shardFile, true,
				fmt.Errorf("writing final row batch: %w", err))
		}
	}

	if err := writer.Close(); err != nil {
		return res, pipelineerr.Wrap(pipelineerr.KindDecode, collection, shardFile, true,
			fmt.Errorf("closing parquet writer: %w", err))
	}

	return res, nil
}
