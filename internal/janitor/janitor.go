// Package janitor owns the local cache of files waiting to be uploaded:
// it stages copies into the cache, removes them once their batch is
// durably stored, and sweeps out whatever was left behind.
package janitor

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"

	"reportsync/internal/logging"
	"reportsync/internal/metrics"
)

type Janitor struct {
	dir    string
	logger logging.Logger
	now    func() time.Time
}

func New(dir string, logger logging.Logger) *Janitor {
	return &Janitor{dir: filepath.Clean(dir), logger: logger, now: time.Now}
}

func (j *Janitor) Dir() string { return j.dir }

// CleanupAfterBatch deletes the given cache files. Missing files are not an
// error. Paths outside the cache directory are left alone.
func (j *Janitor) CleanupAfterBatch(ctx context.Context, paths []string) (int, error) {
	deleted := 0
	var errs []error

	for _, p := range paths {
		if err := ctx.Err(); err != nil {
			return deleted, err
		}
		if !j.contains(p) {
			j.logger.Warn(ctx, "not deleting file outside cache", "path", p)
			continue
		}

		err := os.Remove(p)
		if errors.Is(err, fs.ErrNotExist) {
			continue
		}
		if err != nil {
			errs = append(errs, err)
			continue
		}
		deleted++
	}

	metrics.CacheFilesDeleted.WithLabelValues("cleanup").Add(float64(deleted))
	if deleted > 0 {
		j.logger.Debug(ctx, "cache cleaned", "deleted", deleted)
	}
	return deleted, errors.Join(errs...)
}

// SweepStaleCache deletes regular files under the cache directory last
// modified more than maxAge ago.
func (j *Janitor) SweepStaleCache(ctx context.Context, maxAge time.Duration) (int, error) {
	if _, err := os.Stat(j.dir); errors.Is(err, fs.ErrNotExist) {
		return 0, nil
	}
	cutoff := j.now().Add(-maxAge)
	deleted := 0

	err := filepath.WalkDir(j.dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			// a file removed under us mid-walk
			if errors.Is(err, fs.ErrNotExist) {
				return nil
			}
			return err
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}
		if !d.Type().IsRegular() {
			return nil
		}

		info, err := d.Info()
		if errors.Is(err, fs.ErrNotExist) {
			return nil
		}
		if err != nil {
			return err
		}
		if !info.ModTime().Before(cutoff) {
			return nil
		}

		if err := os.Remove(path); err != nil && !errors.Is(err, fs.ErrNotExist) {
			j.logger.Warn(ctx, "sweep delete failed", "path", path, "err", err)
			return nil
		}
		deleted++
		return nil
	})

	metrics.CacheFilesDeleted.WithLabelValues("sweep").Add(float64(deleted))
	if err != nil {
		return deleted, fmt.Errorf("sweep %s: %w", j.dir, err)
	}
	return deleted, nil
}

func (j *Janitor) contains(path string) bool {
	rel, err := filepath.Rel(j.dir, filepath.Clean(path))
	if err != nil {
		return false
	}
	return rel != "." && rel != ".." && !strings.HasPrefix(rel, ".."+string(filepath.Separator))
}
