package router

import (
	"context"
	"sort"
	"strings"
	"sync"

	"github.com/stratakv/stratakv/internal/types"
)

// mockAdapter is a thread-safe in-memory Adapter for testing.
type mockAdapter struct {
	mu   sync.Mutex
	name string
	kind types.BackendKind
	data map[string][]byte

	getErr  error
	putErr  error
	delErr  error
	listErr error

	gets int
	puts int
}

func newMockAdapter(name string, kind types.BackendKind) *mockAdapter {
	return &mockAdapter{
		name: name,
		kind: kind,
		data: make(map[string][]byte),
	}
}

func (m *mockAdapter) Name() string            { return m.name }
func (m *mockAdapter) Kind() types.BackendKind { return m.kind }

func (m *mockAdapter) Get(_ context.Context, key string) ([]byte, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.gets++
	if m.getErr != nil {
		return nil, false, m.getErr
	}
	v, ok := m.data[key]
	if !ok {
		return nil, false, nil
	}
	return append([]byte(nil), v...), true, nil
}

func (m *mockAdapter) Put(_ context.Context, key string, value []byte, _ PutOptions) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.puts++
	if m.putErr != nil {
		return m.putErr
	}
	m.data[key] = append([]byte(nil), value...)
	return nil
}

func (m *mockAdapter) Delete(_ context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.delErr != nil {
		return m.delErr
	}
	delete(m.data, key)
	return nil
}

func (m *mockAdapter) List(_ context.Context, opts ListOptions) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.listErr != nil {
		return nil, m.listErr
	}
	var keys []string
	for k := range m.data {
		if opts.Prefix != "" && !strings.HasPrefix(k, opts.Prefix) {
			continue
		}
		keys = append(keys, k)
	}
	sort.Strings(keys)
	if opts.Limit > 0 && len(keys) > opts.Limit {
		keys = keys[:opts.Limit]
	}
	return keys, nil
}

func (m *mockAdapter) Stats(_ context.Context) (types.AdapterStats, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return types.AdapterStats{Kind: m.kind, Name: m.name, Keys: int64(len(m.data))}, nil
}

func (m *mockAdapter) HealthCheck(_ context.Context) (bool, []string) { return true, nil }
func (m *mockAdapter) Close() error                                   { return nil }
