package reports

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/pressly/goose/v3"

	"reportsync/internal/model"
	"reportsync/internal/reports/migrations"
)

// PostgresStore keeps one report_media row per URL. The primary key spans
// the report, field and URL, which is what makes an append a union; seq
// records the append order.
type PostgresStore struct {
	db *sql.DB
}

var _ Store = (*PostgresStore)(nil)

func OpenPostgres(ctx context.Context, dsn string) (*PostgresStore, error) {
	if dsn == "" {
		return nil, errors.New("missing postgres dsn")
	}
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, fmt.Errorf("open postgres: %w", err)
	}

	db.SetMaxOpenConns(10)
	db.SetMaxIdleConns(2)
	db.SetConnMaxLifetime(time.Hour)

	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}

	goose.SetBaseFS(migrations.FS)
	goose.SetLogger(goose.NopLogger())
	if err := goose.SetDialect("postgres"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("goose dialect: %w", err)
	}
	if err := goose.UpContext(ctx, db, "."); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}

	return &PostgresStore{db: db}, nil
}

func (s *PostgresStore) AppendURL(ctx context.Context, scope model.ReportScope, field, url string) error {
	return s.AppendURLs(ctx, scope, field, []string{url})
}

func (s *PostgresStore) AppendURLs(ctx context.Context, scope model.ReportScope, field string, urls []string) error {
	if len(urls) == 0 {
		return nil
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	for _, u := range urls {
		_, err := tx.ExecContext(ctx, `
			INSERT INTO report_media (organization_id, project_id, report_id, field_name, url)
			VALUES ($1, $2, $3, $4, $5)
			ON CONFLICT DO NOTHING`,
			scope.OrganizationID, scope.ProjectID, scope.ReportID, field, u,
		)
		if err != nil {
			return fmt.Errorf("append url to %s.%s: %w", scope, field, err)
		}
	}
	return tx.Commit()
}

func (s *PostgresStore) URLs(ctx context.Context, scope model.ReportScope, field string) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT url FROM report_media
		WHERE organization_id = $1 AND project_id = $2 AND report_id = $3 AND field_name = $4
		ORDER BY seq`,
		scope.OrganizationID, scope.ProjectID, scope.ReportID, field,
	)
	if err != nil {
		return nil, fmt.Errorf("list urls of %s.%s: %w", scope, field, err)
	}
	defer rows.Close()

	var out []string
	for rows.Next() {
		var u string
		if err := rows.Scan(&u); err != nil {
			return nil, err
		}
		out = append(out, u)
	}
	return out, rows.Err()
}

func (s *PostgresStore) Close() error {
	return s.db.Close()
}
