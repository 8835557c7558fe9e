package gcs

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/url"
	"strings"
	"time"

	"cloud.google.com/go/storage"
	"github.com/google/uuid"

	"reportsync/internal/classify"
	"reportsync/internal/objstore"
)

// metadata key Firebase Storage reads download tokens from
const tokenKey = "firebaseStorageDownloadTokens"

// chunk size for resumable uploads; progress is reported once per chunk
const chunkSize = 256 * 1024

type Store struct {
	client *storage.Client
	bucket string

	attrsAttempts int
	attrsDelay    time.Duration
}

var _ objstore.Store = (*Store)(nil)

func NewStore(client *storage.Client, bucket string) *Store {
	return &Store{client: client, bucket: bucket, attrsAttempts: 3, attrsDelay: 200 * time.Millisecond}
}

func (s *Store) Attrs(ctx context.Context, key string) (*objstore.Attrs, error) {
	attrs, err := s.client.Bucket(s.bucket).Object(key).Attrs(ctx)
	if err != nil {
		return nil, mapErr(err)
	}
	return &objstore.Attrs{
		Key:         attrs.Name,
		Size:        attrs.Size,
		ContentType: attrs.ContentType,
		Metadata:    attrs.Metadata,
	}, nil
}

func (s *Store) Put(ctx context.Context, req objstore.PutRequest) error {
	obj := s.client.Bucket(s.bucket).Object(req.Key)

	// the writer must be closed or aborted through its context
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	w := obj.NewWriter(ctx)
	w.ChunkSize = chunkSize
	w.ContentType = req.ContentType
	w.Metadata = make(map[string]string, len(req.Metadata)+1)
	for k, v := range req.Metadata {
		w.Metadata[k] = v
	}
	if w.Metadata[tokenKey] == "" {
		w.Metadata[tokenKey] = uuid.NewString()
	}
	if req.CRC32C != 0 {
		w.CRC32C = req.CRC32C
		w.SendCRC32C = true
	}
	if req.OnProgress != nil {
		w.ProgressFunc = req.OnProgress
	}

	if _, err := io.Copy(w, req.Body); err != nil {
		cancel()
		_ = w.Close()
		return fmt.Errorf("write %s: %w", req.Key, mapErr(err))
	}
	if err := w.Close(); err != nil {
		return fmt.Errorf("close %s: %w", req.Key, mapErr(err))
	}

	// verify what landed
	attrs := w.Attrs()
	if attrs == nil {
		return nil
	}
	if req.Size > 0 && attrs.Size != req.Size {
		return fmt.Errorf("verify size mismatch: local=%d remote=%d", req.Size, attrs.Size)
	}
	if req.CRC32C != 0 && attrs.CRC32C != req.CRC32C {
		return fmt.Errorf("verify crc32c mismatch: local=%d remote=%d", req.CRC32C, attrs.CRC32C)
	}
	return nil
}

func (s *Store) URL(ctx context.Context, key string) (string, error) {
	obj := s.client.Bucket(s.bucket).Object(key)

	var attrs *storage.ObjectAttrs
	var err error
	for i := 0; i < s.attrsAttempts; i++ {
		attrs, err = obj.Attrs(ctx)
		if err == nil {
			break
		}
		if !classify.IsTransient(err) {
			return "", mapErr(err)
		}
		select {
		case <-ctx.Done():
			return "", ctx.Err()
		case <-time.After(s.attrsDelay):
		}
	}
	if err != nil {
		return "", fmt.Errorf("%w: read attrs %s: %v", objstore.ErrRetryLimitExceeded, key, err)
	}

	return downloadURL(s.bucket, key, attrs.Metadata[tokenKey]), nil
}

// downloadURL builds a Firebase-style token URL when the object carries a
// download token and a plain public URL otherwise.
func downloadURL(bucket, key, token string) string {
	if token != "" {
		// Firebase tokens may be a comma separated list; any of them works
		token = strings.Split(token, ",")[0]
		return fmt.Sprintf("https://firebasestorage.googleapis.com/v0/b/%s/o/%s?alt=media&token=%s",
			bucket, url.PathEscape(key), url.QueryEscape(token))
	}

	segs := strings.Split(key, "/")
	for i, seg := range segs {
		segs[i] = url.PathEscape(seg)
	}
	return fmt.Sprintf("https://storage.googleapis.com/%s/%s", bucket, strings.Join(segs, "/"))
}

func mapErr(err error) error {
	if errors.Is(err, storage.ErrObjectNotExist) {
		return fmt.Errorf("%w: %v", objstore.ErrNotFound, err)
	}
	return err
}
