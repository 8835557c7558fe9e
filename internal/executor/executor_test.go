package executor

import (
	"context"
	"errors"
	"net"
	"net/url"
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
	"reportsync/internal/model"
	"reportsync/internal/objstore"
	"reportsync/internal/objstore/objstoretest"
	"reportsync/internal/reports/reportstest"
)

const key = "reports/r1/photos/photo_002.jpeg"

func newTask(t *testing.T) model.RetryTask {
	t.Helper()
	path := filepath.Join(t.TempDir(), "img2.jpeg")
	require.NoError(t, os.WriteFile(path, []byte("photo two"), 0o644))

	return model.RetryTask{
		ID:             "t1",
		OrganizationID: "org",
		ProjectID:      "p1",
		ReportID:       "r1",
		StoragePath:    key,
		LocalURI:       "file://" + path,
		FieldName:      "photos",
		MimeType:       "image/jpeg",
	}
}

func setup() (*Executor, *objstoretest.Memory, *reportstest.Memory) {
	store := objstoretest.NewMemory()
	rep := reportstest.NewMemory()
	return New(store, rep, logging.Nop()), store, rep
}

func TestRun_Completed(t *testing.T) {
	e, store, rep := setup()
	task := newTask(t)

	res, err := e.Run(context.Background(), task)
	require.NoError(t, err)
	assert.Equal(t, Completed, res)

	obj, ok := store.Get(key)
	require.True(t, ok)
	assert.Equal(t, []byte("photo two"), obj.Data)
	assert.Equal(t, "image/jpeg", obj.ContentType)
	assert.Equal(t, "r1", obj.Metadata[objstore.MetaOwnerReportID])
	assert.Equal(t, "2", obj.Metadata[objstore.MetaSourceIndex])

	urls, _ := rep.URLs(context.Background(), task.Scope(), "photos")
	assert.Equal(t, []string{"mem://" + key}, urls)
}

func TestRun_ReusesMatchingObject(t *testing.T) {
	e, store, rep := setup()
	store.Seed(key, []byte("photo two"), objstore.OwnerTag{OwnerReportID: "r1", SourceIndex: 2}.Metadata())
	task := newTask(t)
	task.LocalURI = "/gone/already/deleted.jpeg"

	res, err := e.Run(context.Background(), task)
	require.NoError(t, err)
	assert.Equal(t, Completed, res)
	assert.Equal(t, 0, store.Puts(key))

	urls, _ := rep.URLs(context.Background(), task.Scope(), "photos")
	assert.Equal(t, []string{"mem://" + key}, urls)
}

func TestRun_ReusesObjectWithoutRoot(t *testing.T) {
	const bare = "r1/photos/photo_002.jpeg"
	e, store, _ := setup()
	store.Seed(bare, []byte("photo two"), objstore.OwnerTag{OwnerReportID: "r1", SourceIndex: 2}.Metadata())
	task := newTask(t)
	task.StoragePath = bare
	task.LocalURI = "/gone/already/deleted.jpeg"

	res, err := e.Run(context.Background(), task)
	require.NoError(t, err)
	assert.Equal(t, Completed, res)
	assert.Equal(t, 0, store.Puts(bare))
}

func TestRun_OverwritesForeignObject(t *testing.T) {
	e, store, _ := setup()
	store.Seed(key, []byte("stale"), objstore.OwnerTag{OwnerReportID: "other", SourceIndex: 2}.Metadata())

	res, err := e.Run(context.Background(), newTask(t))
	require.NoError(t, err)
	assert.Equal(t, Completed, res)
	assert.Equal(t, 1, store.Puts(key))

	obj, _ := store.Get(key)
	assert.Equal(t, "r1", obj.Metadata[objstore.MetaOwnerReportID])
}

func TestRun_Malformed(t *testing.T) {
	e, store, rep := setup()
	task := newTask(t)
	task.FieldName = ""

	res, err := e.Run(context.Background(), task)
	assert.Equal(t, PermanentFailure, res)
	assert.ErrorIs(t, err, model.ErrMalformedTask)
	assert.Equal(t, 0, store.TotalPuts())
	assert.Equal(t, 0, rep.Calls())
}

func TestRun_MissingLocalFile(t *testing.T) {
	e, _, _ := setup()
	task := newTask(t)
	task.LocalURI = filepath.Join(t.TempDir(), "missing.jpeg")

	res, err := e.Run(context.Background(), task)
	assert.Equal(t, PermanentFailure, res)
	assert.ErrorIs(t, err, classify.ErrCorruptSource)
}

func TestRun_Classification(t *testing.T) {
	tests := []struct {
		name    string
		putErr  error
		wantRes Result
	}{
		{"connection refused", &net.OpError{Op: "dial", Net: "tcp", Err: syscall.ECONNREFUSED}, Retry},
		{"service busy", status.Error(codes.Unavailable, "try later"), Retry},
		{"retry budget", objstore.ErrRetryLimitExceeded, Retry},
		{"unauthorized", objstore.ErrUnauthorized, PermanentFailure},
		{"unknown", errors.New("boom"), PermanentFailure},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			e, store, rep := setup()
			store.PutHook = func(string) error { return tc.putErr }

			res, err := e.Run(context.Background(), newTask(t))
			assert.Equal(t, tc.wantRes, res)
			assert.Error(t, err)
			assert.Equal(t, 0, rep.Calls())
		})
	}
}

func TestRun_ReportAppendFailures(t *testing.T) {
	e, store, rep := setup()
	task := newTask(t)

	rep.AppendHook = func(model.ReportScope, string, []string) error {
		return status.Error(codes.Unavailable, "firestore unavailable")
	}
	res, err := e.Run(context.Background(), task)
	assert.Equal(t, Retry, res)
	assert.Error(t, err)

	// the retry finds the object and only appends
	rep.AppendHook = nil
	res, err = e.Run(context.Background(), task)
	require.NoError(t, err)
	assert.Equal(t, Completed, res)
	assert.Equal(t, 1, store.Puts(key))

	rep.AppendHook = func(model.ReportScope, string, []string) error {
		return status.Error(codes.NotFound, "no such report")
	}
	res, _ = e.Run(context.Background(), task)
	assert.Equal(t, PermanentFailure, res)
}

func TestRun_KeyOutsideLayout(t *testing.T) {
	e, store, _ := setup()
	task := newTask(t)
	task.StoragePath = "uploads/r1/signature.png"
	task.MimeType = "image/png"

	res, err := e.Run(context.Background(), task)
	require.NoError(t, err)
	assert.Equal(t, Completed, res)

	obj, ok := store.Get("uploads/r1/signature.png")
	require.True(t, ok)
	assert.Equal(t, "r1", obj.Metadata[objstore.MetaOwnerReportID])
	_, tagged := obj.Metadata[objstore.MetaSourceIndex]
	assert.False(t, tagged)
}

func TestLocalPath(t *testing.T) {
	tests := []struct {
		uri, want string
	}{
		{"file:///data/cache/a.jpeg", "/data/cache/a.jpeg"},
		{"/data/cache/a.jpeg", "/data/cache/a.jpeg"},
		{"file:///data/cache/site%20visit%231.jpeg", "/data/cache/site visit#1.jpeg"},
		{"file://localhost/data/cache/a.jpeg", "/data/cache/a.jpeg"},
		{"/data/cache/100%25.jpeg", "/data/cache/100%25.jpeg"},
		{"file:/data/cache/a.jpeg", "/data/cache/a.jpeg"},
	}
	for _, tc := range tests {
		assert.Equal(t, tc.want, LocalPath(tc.uri), tc.uri)
	}
}

func TestRun_EscapedFileURI(t *testing.T) {
	e, store, _ := setup()
	path := filepath.Join(t.TempDir(), "site visit #2.jpeg")
	require.NoError(t, os.WriteFile(path, []byte("photo two"), 0o644))

	task := newTask(t)
	task.LocalURI = (&url.URL{Scheme: "file", Path: path}).String()
	require.Contains(t, task.LocalURI, "%20")

	res, err := e.Run(context.Background(), task)
	require.NoError(t, err)
	assert.Equal(t, Completed, res)
	assert.Equal(t, 1, store.Puts(key))
}

func TestResultString(t *testing.T) {
	assert.Equal(t, "completed", Completed.String())
	assert.Equal(t, "retry", Retry.String())
	assert.Equal(t, "permanent_failure", PermanentFailure.String())
}
