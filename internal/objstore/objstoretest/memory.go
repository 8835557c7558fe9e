// Package objstoretest provides an in-memory objstore.Store for tests.
package objstoretest

import (
	"context"
	"io"
	"sync"

	"reportsync/internal/objstore"
)

type Object struct {
	Data        []byte
	ContentType string
	Metadata    map[string]string
}

// Memory is a thread-safe in-memory object store. Hooks, when set, run
// before the corresponding operation and can inject failures.
type Memory struct {
	mu      sync.Mutex
	objects map[string]*Object
	puts    map[string]int

	// ChunkSize controls how often Put reports progress. Defaults to 4 bytes.
	ChunkSize int

	PutHook   func(key string) error
	AttrsHook func(key string) error
	URLHook   func(key string) error
}

var _ objstore.Store = (*Memory)(nil)

func NewMemory() *Memory {
	return &Memory{objects: map[string]*Object{}, puts: map[string]int{}}
}

// Seed stores an object directly, bypassing hooks and counters.
func (m *Memory) Seed(key string, data []byte, md map[string]string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.objects[key] = &Object{Data: data, Metadata: md}
}

func (m *Memory) Get(key string) (*Object, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	o, ok := m.objects[key]
	return o, ok
}

// Puts is the number of completed writes to key.
func (m *Memory) Puts(key string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.puts[key]
}

func (m *Memory) TotalPuts() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, c := range m.puts {
		n += c
	}
	return n
}

func (m *Memory) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.objects)
}

func (m *Memory) Attrs(ctx context.Context, key string) (*objstore.Attrs, error) {
	if m.AttrsHook != nil {
		if err := m.AttrsHook(key); err != nil {
			return nil, err
		}
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	o, ok := m.objects[key]
	if !ok {
		return nil, objstore.ErrNotFound
	}
	md := make(map[string]string, len(o.Metadata))
	for k, v := range o.Metadata {
		md[k] = v
	}
	return &objstore.Attrs{Key: key, Size: int64(len(o.Data)), ContentType: o.ContentType, Metadata: md}, nil
}

func (m *Memory) Put(ctx context.Context, req objstore.PutRequest) error {
	if m.PutHook != nil {
		if err := m.PutHook(req.Key); err != nil {
			return err
		}
	}

	chunk := m.ChunkSize
	if chunk <= 0 {
		chunk = 4
	}
	var data []byte
	buf := make([]byte, chunk)
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		n, err := req.Body.Read(buf)
		if n > 0 {
			data = append(data, buf[:n]...)
			if req.OnProgress != nil {
				req.OnProgress(int64(len(data)))
			}
		}
		if err == io.EOF {
			break
		}
		if err != nil {
			return err
		}
	}

	md := make(map[string]string, len(req.Metadata))
	for k, v := range req.Metadata {
		md[k] = v
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	m.objects[req.Key] = &Object{Data: data, ContentType: req.ContentType, Metadata: md}
	m.puts[req.Key]++
	return nil
}

func (m *Memory) URL(ctx context.Context, key string) (string, error) {
	if m.URLHook != nil {
		if err := m.URLHook(key); err != nil {
			return "", err
		}
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.objects[key]; !ok {
		return "", objstore.ErrNotFound
	}
	return "mem://" + key, nil
}
