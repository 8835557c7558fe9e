package model

// This package models durable retry tasks and the report they belong to

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// ErrMalformedTask marks a task missing one of its required fields.
var ErrMalformedTask = errors.New("malformed retry task")

// ReportScope locates a report document and names its retry chain.
type ReportScope struct {
	OrganizationID string
	ProjectID      string
	ReportID       string
}

// Chain is the deterministic retry chain name for the report.
func (s ReportScope) Chain() string {
	return fmt.Sprintf("report-upload:%s/%s/%s", s.OrganizationID, s.ProjectID, s.ReportID)
}

func (s ReportScope) String() string {
	return s.OrganizationID + "/" + s.ProjectID + "/" + s.ReportID
}

// TaskSpec is one file handed to the durable path.
type TaskSpec struct {
	StoragePath string
	LocalURI    string
	FieldName   string
	MimeType    string
}

type RetryTask struct {
	ID    string
	Chain string
	Seq   int64 // position within the queue, assigned by the backend

	OrganizationID string
	ProjectID      string
	ReportID       string
	StoragePath    string
	LocalURI       string
	FieldName      string
	MimeType       string

	Attempts  int64
	LastError string
	// ClaimedBy is the lease owner, set on polled tasks.
	ClaimedBy string
	NextRunAt time.Time
	CreatedAt time.Time
}

func (t RetryTask) Scope() ReportScope {
	return ReportScope{
		OrganizationID: t.OrganizationID,
		ProjectID:      t.ProjectID,
		ReportID:       t.ReportID,
	}
}

// Validate reports every blank required field.
func (t RetryTask) Validate() error {
	fields := []struct {
		name, value string
	}{
		{"organizationId", t.OrganizationID},
		{"projectId", t.ProjectID},
		{"reportId", t.ReportID},
		{"storagePath", t.StoragePath},
		{"localUri", t.LocalURI},
		{"fieldName", t.FieldName},
		{"mimeType", t.MimeType},
	}

	var missing []string
	for _, f := range fields {
		if strings.TrimSpace(f.value) == "" {
			missing = append(missing, f.name)
		}
	}
	if len(missing) > 0 {
		return fmt.Errorf("%w: missing %s", ErrMalformedTask, strings.Join(missing, ", "))
	}
	return nil
}
