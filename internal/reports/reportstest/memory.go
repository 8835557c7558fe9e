// Package reportstest provides an in-memory reports.Store for tests.
package reportstest

import (
	"context"
	"slices"
	"sync"

	"reportsync/internal/model"
	"reportsync/internal/reports"
)

// Memory applies union appends to in-memory fields. AppendHook, when set,
// runs before every append and can inject failures.
type Memory struct {
	mu     sync.Mutex
	fields map[string][]string
	calls  int

	AppendHook func(scope model.ReportScope, field string, urls []string) error
}

var _ reports.Store = (*Memory)(nil)

func NewMemory() *Memory {
	return &Memory{fields: map[string][]string{}}
}

func fieldKey(scope model.ReportScope, field string) string {
	return scope.String() + "#" + field
}

func (m *Memory) AppendURL(ctx context.Context, scope model.ReportScope, field, url string) error {
	return m.AppendURLs(ctx, scope, field, []string{url})
}

func (m *Memory) AppendURLs(_ context.Context, scope model.ReportScope, field string, urls []string) error {
	if m.AppendHook != nil {
		if err := m.AppendHook(scope, field, urls); err != nil {
			return err
		}
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls++

	k := fieldKey(scope, field)
	for _, u := range urls {
		if !slices.Contains(m.fields[k], u) {
			m.fields[k] = append(m.fields[k], u)
		}
	}
	return nil
}

func (m *Memory) URLs(_ context.Context, scope model.ReportScope, field string) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return slices.Clone(m.fields[fieldKey(scope, field)]), nil
}

// Calls counts successful append calls.
func (m *Memory) Calls() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.calls
}

func (m *Memory) Close() error { return nil }
