package local_test

import (
	"context"
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kalbasit/ccindex/pkg/blobstore"
	"github.com/kalbasit/ccindex/pkg/blobstore/local"
)

func TestNew(t *testing.T) {
	t.Parallel()

	t.Run("path is required", func(t *testing.T) {
		t.Parallel()

		_, err := local.New(newContext(), "")
		assert.ErrorIs(t, err, local.ErrPathMustBeAbsolute)
	})

	t.Run("path is not absolute", func(t *testing.T) {
		t.Parallel()

		_, err := local.New(newContext(), "somedir")
		assert.ErrorIs(t, err, local.ErrPathMustBeAbsolute)
	})

	t.Run("path must exist", func(t *testing.T) {
		t.Parallel()

		_, err := local.New(newContext(), "/non-existing")
		assert.ErrorIs(t, err, local.ErrPathMustExist)
	})

	t.Run("path must be a directory", func(t *testing.T) {
		t.Parallel()

		f, err := os.CreateTemp("", "somefile")
		require.NoError(t, err)
		t.Cleanup(func() { os.Remove(f.Name()) })

		_, err = local.New(newContext(), f.Name())
		assert.ErrorIs(t, err, local.ErrPathMustBeADirectory)
	})

	t.Run("path must be writable", func(t *testing.T) {
		t.Parallel()

		dir, err := os.MkdirTemp("", "ccindex-root-")
		require.NoError(t, err)
		t.Cleanup(func() { os.RemoveAll(dir) })

		require.NoError(t, os.Chmod(dir, 0o500))

		_, err = local.New(newContext(), dir)
		assert.ErrorIs(t, err, local.ErrPathMustBeWritable)
	})

	t.Run("valid path must return no error", func(t *testing.T) {
		t.Parallel()

		_, err := local.New(newContext(), os.TempDir())
		assert.NoError(t, err)
	})
}

func TestHas(t *testing.T) {
	t.Parallel()

	dir, ctx := newStoreDir(t)

	s, err := local.New(ctx, dir)
	require.NoError(t, err)

	assert.False(t, s.Has(ctx, "CC-MAIN-2024-10/cdx-00001.gz"))

	writeKey(t, dir, "CC-MAIN-2024-10/cdx-00001.gz", "hello")

	assert.True(t, s.Has(ctx, "CC-MAIN-2024-10/cdx-00001.gz"))
}

func TestGet(t *testing.T) {
	t.Parallel()

	dir, ctx := newStoreDir(t)

	s, err := local.New(ctx, dir)
	require.NoError(t, err)

	_, _, err = s.Get(ctx, "CC-MAIN-2024-10/cdx-00001.gz")
	assert.ErrorIs(t, err, blobstore.ErrNotFound)

	writeKey(t, dir, "CC-MAIN-2024-10/cdx-00001.gz", "hello world")

	size, r, err := s.Get(ctx, "CC-MAIN-2024-10/cdx-00001.gz")
	require.NoError(t, err)
	defer r.Close()

	data, err := io.ReadAll(r)
	require.NoError(t, err)

	assert.EqualValues(t, len("hello world"), size)
	assert.Equal(t, "hello world", string(data))
}

func TestOpenReaderAt(t *testing.T) {
	t.Parallel()

	dir, ctx := newStoreDir(t)

	s, err := local.New(ctx, dir)
	require.NoError(t, err)

	_, _, err = s.OpenReaderAt(ctx, "CC-MAIN-2024-33/cdx-00001.gz.parquet")
	assert.ErrorIs(t, err, blobstore.ErrNotFound)

	writeKey(t, dir, "CC-MAIN-2024-33/cdx-00001.gz.parquet", "row group bytes")

	size, r, err := s.OpenReaderAt(ctx, "CC-MAIN-2024-33/cdx-00001.gz.parquet")
	require.NoError(t, err)
	defer r.Close()

	assert.EqualValues(t, len("row group bytes"), size)

	buf := make([]byte, 4)
	n, err := r.ReadAt(buf, 4)
	require.NoError(t, err)
	assert.Equal(t, 4, n)
	assert.Equal(t, "grou", string(buf))
}

func TestPut(t *testing.T) {
	t.Parallel()

	dir, ctx := newStoreDir(t)

	s, err := local.New(ctx, dir)
	require.NoError(t, err)

	written, err := s.Put(ctx, "CC-MAIN-2024-10/year.duckdb", strings.NewReader("some bytes"))
	require.NoError(t, err)
	assert.EqualValues(t, len("some bytes"), written)

	data, err := os.ReadFile(filepath.Join(dir, "CC-MAIN-2024-10", "year.duckdb"))
	require.NoError(t, err)
	assert.Equal(t, "some bytes", string(data))

	// Put again replaces the content rather than erroring.
	_, err = s.Put(ctx, "CC-MAIN-2024-10/year.duckdb", strings.NewReader("replaced"))
	require.NoError(t, err)

	data, err = os.ReadFile(filepath.Join(dir, "CC-MAIN-2024-10", "year.duckdb"))
	require.NoError(t, err)
	assert.Equal(t, "replaced", string(data))
}

func TestDelete(t *testing.T) {
	t.Parallel()

	dir, ctx := newStoreDir(t)

	s, err := local.New(ctx, dir)
	require.NoError(t, err)

	assert.ErrorIs(t, s.Delete(ctx, "CC-MAIN-2024-10/cdx-00001.gz"), blobstore.ErrNotFound)

	writeKey(t, dir, "CC-MAIN-2024-10/cdx-00001.gz", "hello")

	require.NoError(t, s.Delete(ctx, "CC-MAIN-2024-10/cdx-00001.gz"))
	assert.NoFileExists(t, filepath.Join(dir, "CC-MAIN-2024-10", "cdx-00001.gz"))
}

func TestWalk(t *testing.T) {
	t.Parallel()

	dir, ctx := newStoreDir(t)

	s, err := local.New(ctx, dir)
	require.NoError(t, err)

	writeKey(t, dir, "CC-MAIN-2024-10/cdx-00001.gz", "a")
	writeKey(t, dir, "CC-MAIN-2024-10/cdx-00002.gz", "b")
	writeKey(t, dir, "CC-MAIN-2024-11/cdx-00001.gz", "c")

	var seen []string

	err = s.Walk(ctx, "CC-MAIN-2024-10", func(key string) error {
		seen = append(seen, key)

		return nil
	})
	require.NoError(t, err)

	assert.ElementsMatch(t, []string{
		"CC-MAIN-2024-10/cdx-00001.gz",
		"CC-MAIN-2024-10/cdx-00002.gz",
	}, seen)
}

func writeKey(t *testing.T, dir, key, content string) {
	t.Helper()

	full := filepath.Join(dir, filepath.FromSlash(key))
	require.NoError(t, os.MkdirAll(filepath.Dir(full), 0o700))
	require.NoError(t, os.WriteFile(full, []byte(content), 0o600))
}

func newStoreDir(t *testing.T) (string, context.Context) {
	t.Helper()

	dir, err := os.MkdirTemp("", "ccindex-root-")
	require.NoError(t, err)
	t.Cleanup(func() { os.RemoveAll(dir) })

	return dir, newContext()
}

func newContext() context.Context {
	return zerolog.
		New(io.Discard).
		WithContext(context.Background())
}
