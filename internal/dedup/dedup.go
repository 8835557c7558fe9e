// Package dedup decides whether an object already sitting at a target key
// was written by the same report and batch position, so a resumed upload can
// reuse it instead of writing it again.
package dedup

import (
	"context"
	"errors"
	"fmt"
	"strconv"

	"reportsync/internal/objstore"
)

type Resolver struct {
	store objstore.Store
}

func NewResolver(store objstore.Store) *Resolver {
	return &Resolver{store: store}
}

// Resolve returns the durable URL of the object at key when it exists and
// its ownership tags match. Absent tags count as a match: objects written
// before tagging existed are reused. A missing object or a tag mismatch
// yields ok == false with a nil error; other read failures are returned
// as-is.
func (r *Resolver) Resolve(ctx context.Context, key, ownerReportID string, sourceIndex int) (url string, ok bool, err error) {
	attrs, err := r.store.Attrs(ctx, key)
	if errors.Is(err, objstore.ErrNotFound) {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}

	if !Matches(attrs.Metadata, ownerReportID, sourceIndex) {
		return "", false, nil
	}

	url, err = r.store.URL(ctx, key)
	if err != nil {
		return "", false, fmt.Errorf("resolve url %s: %w", key, err)
	}
	return url, true, nil
}

// Matches compares stored ownership metadata with the expected owner.
func Matches(md map[string]string, ownerReportID string, sourceIndex int) bool {
	if owner, ok := md[objstore.MetaOwnerReportID]; ok && owner != ownerReportID {
		return false
	}
	if idx, ok := md[objstore.MetaSourceIndex]; ok {
		n, err := strconv.Atoi(idx)
		if err != nil || n != sourceIndex {
			return false
		}
	}
	return true
}
