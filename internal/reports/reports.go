// Package reports appends durable object URLs to the media fields of
// report documents.
//
// Appends are set unions: adding a URL that is already present is a no-op,
// so a retried task never duplicates an entry. The resulting order follows
// completion order, which after a durable retry need not match position
// order.
package reports

import (
	"context"

	"reportsync/internal/model"
)

type Store interface {
	AppendURL(ctx context.Context, scope model.ReportScope, field, url string) error
	AppendURLs(ctx context.Context, scope model.ReportScope, field string, urls []string) error
	// URLs returns the field's current contents.
	URLs(ctx context.Context, scope model.ReportScope, field string) ([]string, error)
	Close() error
}
