// Package audio locates and reads uploaded session recordings.
package audio

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path"
	"path/filepath"
	"strings"
)

// ErrNotFound is returned when a recording does not exist at its path.
var ErrNotFound = errors.New("audio file not found")

// Source resolves a stored audio path to its bytes.
type Source interface {
	// Size returns the recording size in bytes, or ErrNotFound.
	Size(ctx context.Context, p string) (int64, error)
	// Open streams the recording. Callers close the reader.
	Open(ctx context.Context, p string) (io.ReadCloser, error)
}

// Name returns the file name of a stored audio path, for either a local
// path or an s3:// URL.
func Name(p string) string {
	if IsS3(p) {
		return path.Base(p)
	}
	return filepath.Base(p)
}

// Local reads recordings from the filesystem. Relative paths are resolved
// against Root when it is set.
type Local struct {
	Root string
}

func (l Local) resolve(p string) string {
	if l.Root == "" || filepath.IsAbs(p) {
		return p
	}
	return filepath.Join(l.Root, p)
}

// Size implements Source.
func (l Local) Size(_ context.Context, p string) (int64, error) {
	info, err := os.Stat(l.resolve(p))
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return 0, fmt.Errorf("%w: %s", ErrNotFound, p)
		}
		return 0, fmt.Errorf("stat audio %s: %w", p, err)
	}
	if info.IsDir() {
		return 0, fmt.Errorf("%w: %s is a directory", ErrNotFound, p)
	}
	return info.Size(), nil
}

// Open implements Source.
func (l Local) Open(_ context.Context, p string) (io.ReadCloser, error) {
	f, err := os.Open(l.resolve(p))
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("%w: %s", ErrNotFound, p)
		}
		return nil, fmt.Errorf("open audio %s: %w", p, err)
	}
	return f, nil
}

// Router sends s3:// paths to the S3 source and everything else to the
// local filesystem.
type Router struct {
	local Source
	s3    Source
}

// NewRouter builds a router. s3 may be nil when object storage is not
// configured.
func NewRouter(local, s3 Source) *Router {
	if local == nil {
		local = Local{}
	}
	return &Router{local: local, s3: s3}
}

func (r *Router) pick(p string) (Source, error) {
	if !IsS3(p) {
		return r.local, nil
	}
	if r.s3 == nil {
		return nil, fmt.Errorf("audio %s: object storage is not configured", p)
	}
	return r.s3, nil
}

// Size implements Source.
func (r *Router) Size(ctx context.Context, p string) (int64, error) {
	src, err := r.pick(p)
	if err != nil {
		return 0, err
	}
	return src.Size(ctx, p)
}

// Open implements Source.
func (r *Router) Open(ctx context.Context, p string) (io.ReadCloser, error) {
	src, err := r.pick(p)
	if err != nil {
		return nil, err
	}
	return src.Open(ctx, p)
}

// IsS3 reports whether p is an s3://bucket/key URL.
func IsS3(p string) bool {
	return strings.HasPrefix(p, "s3://")
}
