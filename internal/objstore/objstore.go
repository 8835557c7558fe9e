// Package objstore is the object storage contract shared by the upload
// coordinator, the dedup resolver and the queued executor, plus the object
// key layout.
package objstore

import (
	"context"
	"errors"
	"io"
	"strconv"
)

var (
	ErrNotFound = errors.New("object not found")

	// ErrRetryLimitExceeded is returned by a backend whose own retry budget
	// ran out before the operation succeeded.
	ErrRetryLimitExceeded = errors.New("object store retry limit exceeded")

	ErrUnauthorized = errors.New("object store unauthorized")
)

const (
	MetaOwnerReportID = "owner_report_id"
	MetaSourceIndex   = "source_index"
)

// OwnerTag records which report and batch position produced an object.
type OwnerTag struct {
	OwnerReportID string
	SourceIndex   int
}

func (t OwnerTag) Metadata() map[string]string {
	return map[string]string{
		MetaOwnerReportID: t.OwnerReportID,
		MetaSourceIndex:   strconv.Itoa(t.SourceIndex),
	}
}

type Attrs struct {
	Key         string
	Size        int64
	ContentType string
	Metadata    map[string]string
}

// Progress is one byte-level progress event of an upload.
type Progress struct {
	Written int64
	Total   int64
}

type PutRequest struct {
	Key         string
	Body        io.Reader
	Size        int64
	ContentType string
	Metadata    map[string]string

	// OnProgress, if set, receives the cumulative number of bytes written.
	OnProgress func(written int64)

	// CRC32C of Body, when known, lets a backend verify what it stored.
	CRC32C uint32
}

type Store interface {
	// Attrs returns ErrNotFound when there is no object at key.
	Attrs(ctx context.Context, key string) (*Attrs, error)
	// Put writes the whole object with its metadata in a single request.
	Put(ctx context.Context, req PutRequest) error
	// URL returns the durable download URL of an existing object.
	URL(ctx context.Context, key string) (string, error)
}
