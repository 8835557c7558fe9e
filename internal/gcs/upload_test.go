package gcs

import (
	"context"
	"errors"
	"os"
	"strings"
	"testing"

	"cloud.google.com/go/storage"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"reportsync/internal/config"
	"reportsync/internal/objstore"
)

func TestDownloadURL(t *testing.T) {
	assert.Equal(t,
		"https://firebasestorage.googleapis.com/v0/b/bkt/o/r%2Fr1%2Fphotos%2Fphoto_000.jpeg?alt=media&token=tok-1",
		downloadURL("bkt", "r/r1/photos/photo_000.jpeg", "tok-1,tok-2"),
	)
	assert.Equal(t,
		"https://storage.googleapis.com/bkt/r/r%201/photos/photo_000.jpeg",
		downloadURL("bkt", "r/r 1/photos/photo_000.jpeg", ""),
	)
}

func TestMapErr(t *testing.T) {
	err := mapErr(storage.ErrObjectNotExist)
	assert.ErrorIs(t, err, objstore.ErrNotFound)

	other := errors.New("x")
	assert.Equal(t, other, mapErr(other))
}

func TestOpenRequiresBucket(t *testing.T) {
	_, err := Open(context.Background(), config.ObjectStore{})
	assert.Error(t, err)
}

func TestClientOptions(t *testing.T) {
	assert.Empty(t, clientOptions(config.ObjectStore{Bucket: "b"}))
	assert.Len(t, clientOptions(config.ObjectStore{CredsJSON: "sa.json"}), 1)
	assert.Len(t, clientOptions(config.ObjectStore{CredsJSON: "sa.json", Endpoint: "http://localhost:4443"}), 3)
}

// Runs against a storage emulator, e.g. fake-gcs-server:
//
//	REPORTSYNC_GCS_ENDPOINT=http://localhost:4443/storage/v1/ REPORTSYNC_GCS_BUCKET=test go test ./internal/gcs
func TestStore_Emulator(t *testing.T) {
	endpoint := os.Getenv("REPORTSYNC_GCS_ENDPOINT")
	bucket := os.Getenv("REPORTSYNC_GCS_BUCKET")
	if endpoint == "" || bucket == "" {
		t.Skip("REPORTSYNC_GCS_ENDPOINT / REPORTSYNC_GCS_BUCKET not set")
	}
	ctx := context.Background()

	s, err := Open(ctx, config.ObjectStore{Bucket: bucket, Endpoint: endpoint})
	require.NoError(t, err)
	defer s.Close()

	key := "it/r1/photos/photo_000.jpeg"

	body := "jpeg bytes"
	require.NoError(t, s.Put(ctx, objstore.PutRequest{
		Key:         key,
		Body:        strings.NewReader(body),
		Size:        int64(len(body)),
		ContentType: "image/jpeg",
		Metadata:    objstore.OwnerTag{OwnerReportID: "r1", SourceIndex: 0}.Metadata(),
	}))

	attrs, err := s.Attrs(ctx, key)
	require.NoError(t, err)
	assert.Equal(t, "r1", attrs.Metadata[objstore.MetaOwnerReportID])
	assert.Equal(t, "0", attrs.Metadata[objstore.MetaSourceIndex])

	u, err := s.URL(ctx, key)
	require.NoError(t, err)
	assert.Contains(t, u, "token=")

	_, err = s.Attrs(ctx, "it/missing")
	assert.ErrorIs(t, err, objstore.ErrNotFound)
}
