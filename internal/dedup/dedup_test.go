package dedup

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"reportsync/internal/objstore"
)

type fakeStore struct {
	attrs   map[string]*objstore.Attrs
	attrErr error
	urlErr  error
	urls    int
}

func (f *fakeStore) Attrs(_ context.Context, key string) (*objstore.Attrs, error) {
	if f.attrErr != nil {
		return nil, f.attrErr
	}
	a, ok := f.attrs[key]
	if !ok {
		return nil, objstore.ErrNotFound
	}
	return a, nil
}

func (f *fakeStore) Put(context.Context, objstore.PutRequest) error {
	return errors.New("not used")
}

func (f *fakeStore) URL(_ context.Context, key string) (string, error) {
	f.urls++
	if f.urlErr != nil {
		return "", f.urlErr
	}
	return "https://cdn/" + key, nil
}

const key = "reports/r1/photos/photo_002.jpeg"

func withMeta(md map[string]string) *fakeStore {
	return &fakeStore{attrs: map[string]*objstore.Attrs{key: {Key: key, Metadata: md}}}
}

func TestResolve_NotFound(t *testing.T) {
	r := NewResolver(&fakeStore{})

	url, ok, err := r.Resolve(context.Background(), key, "r1", 2)
	require.NoError(t, err)
	assert.False(t, ok)
	assert.Empty(t, url)
}

func TestResolve_MatchingTags(t *testing.T) {
	fs := withMeta(objstore.OwnerTag{OwnerReportID: "r1", SourceIndex: 2}.Metadata())

	url, ok, err := NewResolver(fs).Resolve(context.Background(), key, "r1", 2)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, "https://cdn/"+key, url)
}

func TestResolve_UntaggedObjectIsReused(t *testing.T) {
	fs := withMeta(nil)

	_, ok, err := NewResolver(fs).Resolve(context.Background(), key, "r1", 2)
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestResolve_Mismatch(t *testing.T) {
	tests := []struct {
		name string
		md   map[string]string
	}{
		{"other index", objstore.OwnerTag{OwnerReportID: "r1", SourceIndex: 5}.Metadata()},
		{"other report", objstore.OwnerTag{OwnerReportID: "r9", SourceIndex: 2}.Metadata()},
		{"garbled index", map[string]string{objstore.MetaSourceIndex: "two"}},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			fs := withMeta(tc.md)
			url, ok, err := NewResolver(fs).Resolve(context.Background(), key, "r1", 2)
			require.NoError(t, err)
			assert.False(t, ok)
			assert.Empty(t, url)
			assert.Zero(t, fs.urls, "mismatch must not fetch a URL")
		})
	}
}

func TestResolve_PartialTags(t *testing.T) {
	// only one of the two tags present: the present one decides
	fs := withMeta(map[string]string{objstore.MetaOwnerReportID: "r1"})
	_, ok, err := NewResolver(fs).Resolve(context.Background(), key, "r1", 2)
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestResolve_ReadErrorPropagates(t *testing.T) {
	boom := errors.New("503 backend error")
	fs := &fakeStore{attrErr: boom}

	_, ok, err := NewResolver(fs).Resolve(context.Background(), key, "r1", 2)
	assert.False(t, ok)
	assert.ErrorIs(t, err, boom)
}

func TestResolve_URLErrorPropagates(t *testing.T) {
	fs := withMeta(nil)
	fs.urlErr = objstore.ErrRetryLimitExceeded

	_, ok, err := NewResolver(fs).Resolve(context.Background(), key, "r1", 2)
	assert.False(t, ok)
	assert.ErrorIs(t, err, objstore.ErrRetryLimitExceeded)
}
