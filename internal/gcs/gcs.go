// Package gcs stores report media in a Google Cloud Storage bucket, the
// backing store of Firebase Storage.
package gcs

import (
	"context"
	"errors"
	"fmt"

	"cloud.google.com/go/storage"
	"google.golang.org/api/option"

	"reportsync/internal/config"
)

// Open connects to the bucket named in cfg. Without a credentials file
// the client uses Application Default Credentials.
func Open(ctx context.Context, cfg config.ObjectStore) (*Store, error) {
	if cfg.Bucket == "" {
		return nil, errors.New("gcs: bucket is required")
	}
	client, err := storage.NewClient(ctx, clientOptions(cfg)...)
	if err != nil {
		return nil, fmt.Errorf("gcs client: %w", err)
	}
	return NewStore(client, cfg.Bucket), nil
}

func clientOptions(cfg config.ObjectStore) []option.ClientOption {
	var opts []option.ClientOption
	if cfg.CredsJSON != "" {
		opts = append(opts, option.WithCredentialsFile(cfg.CredsJSON))
	}
	if cfg.Endpoint != "" {
		// fake-gcs-server or the Firebase emulator
		opts = append(opts, option.WithEndpoint(cfg.Endpoint), option.WithoutAuthentication())
	}
	return opts
}

func (s *Store) Close() error { return s.client.Close() }
