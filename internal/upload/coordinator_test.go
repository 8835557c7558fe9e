package upload

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"syscall"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"reportsync/internal/classify"
	"reportsync/internal/logging"
	"reportsync/internal/objstore"
	"reportsync/internal/objstore/objstoretest"
)

var tpl = objstore.Template{Root: "reports", ReportID: "r1", Category: objstore.CategoryPhotos, Name: "photo"}

func writeFiles(t *testing.T, n int, size int) []string {
	t.Helper()
	dir := t.TempDir()
	paths := make([]string, n)
	for i := range paths {
		paths[i] = filepath.Join(dir, fmt.Sprintf("img%d.jpeg", i))
		data := make([]byte, size)
		for j := range data {
			data[j] = byte(i + j)
		}
		require.NoError(t, os.WriteFile(paths[i], data, 0o644))
	}
	return paths
}

func newCoordinator(store objstore.Store, mode Mode) *Coordinator {
	return NewCoordinator(store, mode, logging.Nop())
}

func TestUploadBatch_Success(t *testing.T) {
	store := objstoretest.NewMemory()
	b := NewBatch(tpl, writeFiles(t, 3, 10))

	out := newCoordinator(store, Strict).UploadBatch(context.Background(), b, nil)

	require.Equal(t, Success, out.Status)
	assert.Equal(t, []string{
		"mem://reports/r1/photos/photo_000.jpeg",
		"mem://reports/r1/photos/photo_001.jpeg",
		"mem://reports/r1/photos/photo_002.jpeg",
	}, out.URLs)
	assert.Empty(t, out.Remaining)

	obj, ok := store.Get("reports/r1/photos/photo_001.jpeg")
	require.True(t, ok)
	assert.Equal(t, "r1", obj.Metadata[objstore.MetaOwnerReportID])
	assert.Equal(t, "1", obj.Metadata[objstore.MetaSourceIndex])
	assert.Equal(t, "image/jpeg", obj.ContentType)
	assert.NotEmpty(t, obj.Metadata["sha256"])
}

func TestUploadBatch_IdempotentResume(t *testing.T) {
	store := objstoretest.NewMemory()
	b := NewBatch(tpl, writeFiles(t, 4, 10))
	c := newCoordinator(store, Strict)

	first := c.UploadBatch(context.Background(), b, nil)
	require.Equal(t, Success, first.Status)
	require.Equal(t, 4, store.TotalPuts())

	second := c.UploadBatch(context.Background(), b, nil)
	require.Equal(t, Success, second.Status)

	assert.Equal(t, first.URLs, second.URLs)
	assert.Equal(t, 4, store.TotalPuts(), "resume must not write completed positions again")
	assert.Equal(t, 4, store.Len())
}

func TestUploadBatch_ResumeAfterPartialFailure(t *testing.T) {
	store := objstoretest.NewMemory()
	b := NewBatch(tpl, writeFiles(t, 3, 10))
	c := newCoordinator(store, Strict)

	failing := true
	store.PutHook = func(key string) error {
		if failing && key == tpl.Key(2) {
			return syscall.ECONNRESET
		}
		return nil
	}

	out := c.UploadBatch(context.Background(), b, nil)
	require.Equal(t, Retry, out.Status)
	assert.Equal(t, []int{2}, out.RemainingPositions())
	assert.Len(t, out.URLs, 2)

	failing = false
	out = c.UploadBatch(context.Background(), b, nil)
	require.Equal(t, Success, out.Status)
	assert.Len(t, out.URLs, 3)
	for i := 0; i < 3; i++ {
		assert.Equal(t, 1, store.Puts(tpl.Key(i)), "position %d", i)
	}
}

func TestUploadBatch_ProgressMonotonic(t *testing.T) {
	store := objstoretest.NewMemory()
	store.ChunkSize = 3
	b := NewBatch(tpl, writeFiles(t, 5, 17))

	var seen []int
	out := newCoordinator(store, Strict).UploadBatch(context.Background(), b, func(p int) {
		seen = append(seen, p)
	})
	require.Equal(t, Success, out.Status)

	require.NotEmpty(t, seen)
	assert.Equal(t, 0, seen[0])
	assert.Equal(t, 100, seen[len(seen)-1])
	for i := 1; i < len(seen); i++ {
		assert.GreaterOrEqual(t, seen[i], seen[i-1], "progress went backwards: %v", seen)
	}
	for _, p := range seen[:len(seen)-1] {
		assert.LessOrEqual(t, p, 99)
	}
	hundreds := 0
	for _, p := range seen {
		if p == 100 {
			hundreds++
		}
	}
	assert.Equal(t, 1, hundreds)
	assert.Greater(t, len(seen), 5, "expected byte-level progress inside items")
}

func TestUploadBatch_ProgressOnDedupHits(t *testing.T) {
	store := objstoretest.NewMemory()
	b := NewBatch(tpl, writeFiles(t, 2, 8))
	c := newCoordinator(store, Strict)
	require.Equal(t, Success, c.UploadBatch(context.Background(), b, nil).Status)

	var seen []int
	c.UploadBatch(context.Background(), b, func(p int) { seen = append(seen, p) })
	assert.Equal(t, []int{0, 50, 99, 100}, seen)
}

func TestUploadBatch_EmptyBatch(t *testing.T) {
	var seen []int
	out := newCoordinator(objstoretest.NewMemory(), Strict).UploadBatch(context.Background(), NewBatch(tpl, nil), func(p int) {
		seen = append(seen, p)
	})
	assert.Equal(t, Success, out.Status)
	assert.Empty(t, out.URLs)
	assert.Equal(t, []int{0, 100}, seen)
}

func TestUploadBatch_BestEffortPreservesOrder(t *testing.T) {
	store := objstoretest.NewMemory()
	paths := writeFiles(t, 4, 10)
	require.NoError(t, os.Remove(paths[2]))

	out := newCoordinator(store, BestEffort).UploadBatch(context.Background(), NewBatch(tpl, paths), nil)

	require.Equal(t, Success, out.Status)
	assert.Equal(t, []string{
		"mem://" + tpl.Key(0),
		"mem://" + tpl.Key(1),
		"mem://" + tpl.Key(3),
	}, out.URLs)
	require.Len(t, out.Skipped, 1)
	assert.Equal(t, 2, out.Skipped[0].Position)
	assert.Equal(t, []classify.Kind{classify.CorruptSourceFile}, out.SkipKinds)
	assert.Empty(t, out.TransientSkips())
	_, ok := store.Get(tpl.Key(2))
	assert.False(t, ok)
}

func TestUploadBatch_BestEffortSkipsRemoteFailures(t *testing.T) {
	store := objstoretest.NewMemory()
	store.PutHook = func(key string) error {
		if key == tpl.Key(0) {
			return status.Error(codes.PermissionDenied, "denied")
		}
		return nil
	}

	var seen []int
	out := newCoordinator(store, BestEffort).UploadBatch(context.Background(), NewBatch(tpl, writeFiles(t, 2, 4)), func(p int) {
		seen = append(seen, p)
	})
	require.Equal(t, Success, out.Status)
	assert.Equal(t, []string{"mem://" + tpl.Key(1)}, out.URLs)
	assert.Equal(t, 100, seen[len(seen)-1])
	assert.Equal(t, []classify.Kind{classify.PermanentAuth}, out.SkipKinds)
	assert.Empty(t, out.TransientSkips())
}

func TestUploadBatch_BestEffortMarksTransientSkips(t *testing.T) {
	store := objstoretest.NewMemory()
	store.PutHook = func(key string) error {
		switch key {
		case tpl.Key(0):
			return syscall.ECONNRESET
		case tpl.Key(2):
			return objstore.ErrUnauthorized
		}
		return nil
	}

	out := newCoordinator(store, BestEffort).UploadBatch(context.Background(), NewBatch(tpl, writeFiles(t, 3, 4)), nil)
	require.Equal(t, Success, out.Status)
	assert.Equal(t, []string{"mem://" + tpl.Key(1)}, out.URLs)
	require.Len(t, out.Skipped, 2)

	retry := out.TransientSkips()
	require.Len(t, retry, 1)
	assert.Equal(t, 0, retry[0].Position)
}

func TestUploadBatch_StrictTransientReturnsRetry(t *testing.T) {
	store := objstoretest.NewMemory()
	store.PutHook = func(key string) error {
		if key == tpl.Key(1) {
			return &os.SyscallError{Syscall: "connect", Err: syscall.ENETUNREACH}
		}
		return nil
	}

	var seen []int
	out := newCoordinator(store, Strict).UploadBatch(context.Background(), NewBatch(tpl, writeFiles(t, 3, 10)), func(p int) {
		seen = append(seen, p)
	})

	require.Equal(t, Retry, out.Status)
	assert.Equal(t, []int{1, 2}, out.RemainingPositions())
	assert.Equal(t, []string{"mem://" + tpl.Key(0)}, out.URLs)
	assert.NotContains(t, seen, 100)
	_, ok := store.Get(tpl.Key(2))
	assert.False(t, ok, "strict mode must not touch items after the failure")
}

func TestUploadBatch_StrictPermanentReturnsFailure(t *testing.T) {
	store := objstoretest.NewMemory()
	store.PutHook = func(key string) error {
		return status.Error(codes.Unauthenticated, "token expired")
	}

	out := newCoordinator(store, Strict).UploadBatch(context.Background(), NewBatch(tpl, writeFiles(t, 2, 10)), nil)

	require.Equal(t, Failure, out.Status)
	assert.Equal(t, []int{0, 1}, out.RemainingPositions())
	assert.Contains(t, out.Reason, "permanent_auth")
	assert.Empty(t, out.URLs)
}

func TestUploadBatch_StrictCorruptSourceIsFailure(t *testing.T) {
	paths := writeFiles(t, 2, 10)
	require.NoError(t, os.Remove(paths[0]))

	out := newCoordinator(objstoretest.NewMemory(), Strict).UploadBatch(context.Background(), NewBatch(tpl, paths), nil)

	require.Equal(t, Failure, out.Status)
	assert.ErrorIs(t, out.Err, ErrCorruptSource)
	assert.Equal(t, []int{0, 1}, out.RemainingPositions())
}

func TestUploadBatch_TagMismatchForcesReupload(t *testing.T) {
	store := objstoretest.NewMemory()
	stale := objstore.OwnerTag{OwnerReportID: "r1", SourceIndex: 5}.Metadata()
	store.Seed(tpl.Key(1), []byte("stale"), stale)

	paths := writeFiles(t, 2, 10)
	out := newCoordinator(store, Strict).UploadBatch(context.Background(), NewBatch(tpl, paths), nil)
	require.Equal(t, Success, out.Status)

	assert.Equal(t, 1, store.Puts(tpl.Key(1)))
	obj, _ := store.Get(tpl.Key(1))
	assert.Equal(t, "1", obj.Metadata[objstore.MetaSourceIndex])
	want, _ := os.ReadFile(paths[1])
	assert.Equal(t, want, obj.Data)
}

func TestUploadBatch_DedupReadErrorIsClassified(t *testing.T) {
	store := objstoretest.NewMemory()
	store.AttrsHook = func(string) error { return status.Error(codes.Unavailable, "busy") }

	out := newCoordinator(store, Strict).UploadBatch(context.Background(), NewBatch(tpl, writeFiles(t, 1, 4)), nil)
	assert.Equal(t, Retry, out.Status)
	assert.Zero(t, store.TotalPuts())
}

func TestUploadBatch_CancelStopsBeforeNextItem(t *testing.T) {
	store := objstoretest.NewMemory()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	store.URLHook = func(key string) error {
		if key == tpl.Key(0) {
			cancel()
		}
		return nil
	}

	out := newCoordinator(store, Strict).UploadBatch(ctx, NewBatch(tpl, writeFiles(t, 3, 10)), nil)

	require.Equal(t, Retry, out.Status)
	assert.Equal(t, "cancelled", out.Reason)
	assert.Equal(t, []string{"mem://" + tpl.Key(0)}, out.URLs)
	assert.Equal(t, []int{1, 2}, out.RemainingPositions())
	assert.Equal(t, 1, store.TotalPuts())
}

func TestUploadBatch_PagesContentType(t *testing.T) {
	store := objstoretest.NewMemory()
	pages := objstore.Template{Root: "reports", ReportID: "r1", Category: objstore.CategoryPages, Name: "page"}

	out := newCoordinator(store, Strict).UploadBatch(context.Background(), NewBatch(pages, writeFiles(t, 1, 4)), nil)
	require.Equal(t, Success, out.Status)

	obj, ok := store.Get("reports/r1/pages/page_000.webp")
	require.True(t, ok)
	assert.Equal(t, "image/webp", obj.ContentType)
}
