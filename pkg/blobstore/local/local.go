// Package local implements blobstore.Store (and blobstore.RandomAccessStore)
// on top of a local directory tree, one file per key.
package local

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/kalbasit/ccindex/pkg/atomicfile"
	"github.com/kalbasit/ccindex/pkg/blobstore"
)

const otelPackageName = "github.com/kalbasit/ccindex/pkg/blobstore/local"

var (
	// ErrPathMustBeAbsolute is returned if the given root path was not absolute.
	ErrPathMustBeAbsolute = errors.New("path must be absolute")

	// ErrPathMustExist is returned if the given root path did not exist.
	ErrPathMustExist = errors.New("path must exist")

	// ErrPathMustBeADirectory is returned if the given root path is not a directory.
	ErrPathMustBeADirectory = errors.New("path must be a directory")

	// ErrPathMustBeWritable is returned if the given root path is not writable.
	ErrPathMustBeWritable = errors.New("path must be writable")

	//nolint:gochecknoglobals
	tracer trace.Tracer
)

//nolint:gochecknoinits
func init() {
	tracer = otel.Tracer(otelPackageName)
}

// Store roots a blobstore.Store at a directory on the local filesystem.
// Used for CCINDEX_ROOT (raw/decoded shards) and PARQUET_ROOT when the
// pipeline runs against local disk. The event log and DUCKDB_ROOT's
// database files are opened by path, not through a Store.
type Store struct {
	root string
}

// New validates root and returns a Store rooted there.
func New(ctx context.Context, root string) (*Store, error) {
	if err := validateRoot(ctx, root); err != nil {
		return nil, err
	}

	return &Store{root: root}, nil
}

// Has reports whether key exists under root.
func (s *Store) Has(ctx context.Context, key string) bool {
	filePath, err := s.sanitize(key)
	if err != nil {
		return false
	}

	_, span := tracer.Start(ctx, "local.Has",
		trace.WithSpanKind(trace.SpanKindInternal),
		trace.WithAttributes(attribute.String("key", key)))
	defer span.End()

	_, err = os.Stat(filePath)

	return err == nil
}

// Get opens key for reading. The caller must close the returned ReadCloser.
func (s *Store) Get(ctx context.Context, key string) (int64, io.ReadCloser, error) {
	filePath, err := s.sanitize(key)
	if err != nil {
		return 0, nil, err
	}

	_, span := tracer.Start(ctx, "local.Get",
		trace.WithSpanKind(trace.SpanKindInternal),
		trace.WithAttributes(attribute.String("key", key)))
	defer span.End()

	info, err := os.Stat(filePath)
	if err != nil {
		if os.IsNotExist(err) {
			return 0, nil, blobstore.ErrNotFound
		}

		return 0, nil, fmt.Errorf("stating %q: %w", filePath, err)
	}

	f, err := os.Open(filePath)
	if err != nil {
		return 0, nil, fmt.Errorf("opening %q: %w", filePath, err)
	}

	return info.Size(), f, nil
}

// OpenReaderAt opens key for random-access reads, satisfying
// blobstore.RandomAccessStore. *os.File already implements io.ReaderAt, so
// this is the same lookup as Get with the handle returned untyped.
func (s *Store) OpenReaderAt(ctx context.Context, key string) (int64, blobstore.ReaderAtCloser, error) {
	filePath, err := s.sanitize(key)
	if err != nil {
		return 0, nil, err
	}

	_, span := tracer.Start(ctx, "local.OpenReaderAt",
		trace.WithSpanKind(trace.SpanKindInternal),
		trace.WithAttributes(attribute.String("key", key)))
	defer span.End()

	info, err := os.Stat(filePath)
	if err != nil {
		if os.IsNotExist(err) {
			return 0, nil, blobstore.ErrNotFound
		}

		return 0, nil, fmt.Errorf("stating %q: %w", filePath, err)
	}

	f, err := os.Open(filePath)
	if err != nil {
		return 0, nil, fmt.Errorf("opening %q: %w", filePath, err)
	}

	return info.Size(), f, nil
}

// Put atomically writes body to key via the tempfile-fsync-rename pattern.
func (s *Store) Put(ctx context.Context, key string, body io.Reader) (int64, error) {
	filePath, err := s.sanitize(key)
	if err != nil {
		return 0, err
	}

	_, span := tracer.Start(ctx, "local.Put",
		trace.WithSpanKind(trace.SpanKindInternal),
		trace.WithAttributes(attribute.String("key", key)))
	defer span.End()

	var written int64

	writeErr := atomicfile.Write(filePath, func(f *os.File) error {
		n, err := io.Copy(f, body)
		written = n

		return err
	})
	if writeErr != nil {
		return 0, fmt.Errorf("putting %q: %w", key, writeErr)
	}

	return written, nil
}

// Delete removes key.
func (s *Store) Delete(ctx context.Context, key string) error {
	filePath, err := s.sanitize(key)
	if err != nil {
		return err
	}

	_, span := tracer.Start(ctx, "local.Delete",
		trace.WithSpanKind(trace.SpanKindInternal),
		trace.WithAttributes(attribute.String("key", key)))
	defer span.End()

	if err := os.Remove(filePath); err != nil {
		if os.IsNotExist(err) {
			return blobstore.ErrNotFound
		}

		return fmt.Errorf("deleting %q: %w", filePath, err)
	}

	return nil
}

// Walk calls fn with every key (path relative to root) under prefix.
func (s *Store) Walk(ctx context.Context, prefix string, fn func(key string) error) error {
	walkRoot, err := s.sanitize(prefix)
	if err != nil {
		return err
	}

	_, span := tracer.Start(ctx, "local.Walk",
		trace.WithSpanKind(trace.SpanKindInternal),
		trace.WithAttributes(attribute.String("prefix", prefix)))
	defer span.End()

	return filepath.WalkDir(walkRoot, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			if os.IsNotExist(err) && path == walkRoot {
				return nil
			}

			return err
		}

		if d.IsDir() {
			return nil
		}

		rel, err := filepath.Rel(s.root, path)
		if err != nil {
			return err
		}

		return fn(filepath.ToSlash(rel))
	})
}

// sanitize joins key onto root and rejects any path traversal outside it.
func (s *Store) sanitize(key string) (string, error) {
	relativePath := strings.TrimPrefix(key, "/")
	filePath := filepath.Join(s.root, relativePath)

	root := filepath.Clean(s.root)
	if filePath != root && !strings.HasPrefix(filePath, root+string(filepath.Separator)) {
		return "", blobstore.ErrNotFound
	}

	return filePath, nil
}

func validateRoot(ctx context.Context, root string) error {
	log := zerolog.Ctx(ctx)

	if !filepath.IsAbs(root) {
		log.Error().Str("root", root).Msg("blobstore root is not absolute")

		return ErrPathMustBeAbsolute
	}

	info, err := os.Stat(root)
	if errors.Is(err, fs.ErrNotExist) {
		log.Error().Str("root", root).Msg("blobstore root does not exist")

		return ErrPathMustExist
	} else if err != nil {
		return fmt.Errorf("stating root %q: %w", root, err)
	}

	if !info.IsDir() {
		log.Error().Str("root", root).Msg("blobstore root is not a directory")

		return ErrPathMustBeADirectory
	}

	if !isWritable(root) {
		return ErrPathMustBeWritable
	}

	return nil
}

func isWritable(root string) bool {
	tmpFile, err := os.CreateTemp(root, "write_test")
	if err != nil {
		return false
	}

	defer os.Remove(tmpFile.Name()) //nolint:errcheck
	defer tmpFile.Close()           //nolint:errcheck

	return true
}
