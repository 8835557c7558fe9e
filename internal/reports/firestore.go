package reports

import (
	"context"
	"errors"
	"fmt"

	"cloud.google.com/go/firestore"
	"google.golang.org/api/option"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"reportsync/internal/config"
	"reportsync/internal/model"
)

// FirestoreStore keeps media URLs as array fields of the report document at
// organizations/{org}/projects/{project}/reports/{report}.
type FirestoreStore struct {
	client *firestore.Client
}

var _ Store = (*FirestoreStore)(nil)

// NewFirestoreClient connects to Firestore. FIRESTORE_EMULATOR_HOST, when
// set, is honoured by the client library itself.
func NewFirestoreClient(ctx context.Context, cfg config.Reports) (*firestore.Client, error) {
	if cfg.FirestoreProject == "" {
		return nil, errors.New("missing firestore project")
	}
	var opts []option.ClientOption
	if cfg.CredsJSON != "" {
		opts = append(opts, option.WithCredentialsFile(cfg.CredsJSON))
	}
	return firestore.NewClient(ctx, cfg.FirestoreProject, opts...)
}

func NewFirestoreStore(client *firestore.Client) *FirestoreStore {
	return &FirestoreStore{client: client}
}

func (s *FirestoreStore) doc(scope model.ReportScope) *firestore.DocumentRef {
	return s.client.Collection("organizations").Doc(scope.OrganizationID).
		Collection("projects").Doc(scope.ProjectID).
		Collection("reports").Doc(scope.ReportID)
}

func (s *FirestoreStore) AppendURL(ctx context.Context, scope model.ReportScope, field, url string) error {
	return s.AppendURLs(ctx, scope, field, []string{url})
}

// AppendURLs fails with codes.NotFound when the report document does not
// exist; a report deleted meanwhile is not recreated.
func (s *FirestoreStore) AppendURLs(ctx context.Context, scope model.ReportScope, field string, urls []string) error {
	if len(urls) == 0 {
		return nil
	}
	vals := make([]interface{}, len(urls))
	for i, u := range urls {
		vals[i] = u
	}

	_, err := s.doc(scope).Update(ctx, []firestore.Update{
		{FieldPath: firestore.FieldPath{field}, Value: firestore.ArrayUnion(vals...)},
	})
	if err != nil {
		return fmt.Errorf("append %d url(s) to %s.%s: %w", len(urls), scope, field, err)
	}
	return nil
}

func (s *FirestoreStore) URLs(ctx context.Context, scope model.ReportScope, field string) ([]string, error) {
	snap, err := s.doc(scope).Get(ctx)
	if status.Code(err) == codes.NotFound {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get report %s: %w", scope, err)
	}

	raw, err := snap.DataAt(field)
	if err != nil {
		// field not set yet
		return nil, nil
	}
	items, ok := raw.([]interface{})
	if !ok {
		return nil, fmt.Errorf("report %s field %s is %T, not an array", scope, field, raw)
	}
	out := make([]string, 0, len(items))
	for _, it := range items {
		if str, ok := it.(string); ok {
			out = append(out, str)
		}
	}
	return out, nil
}

func (s *FirestoreStore) Close() error {
	return s.client.Close()
}
