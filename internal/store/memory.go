package store

import (
	"context"
	"sync"
	"time"
)

// Memory is an in-process TokenStore and CounterStore.
type Memory struct {
	mu       sync.Mutex
	tokens   map[string]Token
	windows  map[string]Window
	refreshM sync.Map // key -> *sync.Mutex
}

// NewMemory constructs an empty in-memory store.
func NewMemory() *Memory {
	return &Memory{
		tokens:  make(map[string]Token),
		windows: make(map[string]Window),
	}
}

func (m *Memory) GetToken(_ context.Context, key string, now time.Time) (Token, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	tok, ok := m.tokens[key]
	if !ok {
		return Token{}, ErrNotFound
	}
	if !now.Before(tok.ExpiresAt) {
		delete(m.tokens, key)
		return Token{}, ErrNotFound
	}
	return tok, nil
}

func (m *Memory) PutToken(_ context.Context, key string, token Token) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.tokens[key] = token
	return nil
}

func (m *Memory) DeleteToken(_ context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.tokens, key)
	return nil
}

// WithRefreshLock serializes refreshes per key inside this process.
func (m *Memory) WithRefreshLock(ctx context.Context, key string, fn func(ctx context.Context) error) error {
	v, _ := m.refreshM.LoadOrStore(key, &sync.Mutex{})
	mu := v.(*sync.Mutex)
	mu.Lock()
	defer mu.Unlock()
	return fn(ctx)
}

func (m *Memory) Acquire(_ context.Context, key string, limit int, length time.Duration, now time.Time) (Window, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	w := m.current(key, limit, length, now)
	admitted := false
	if w.Count < limit {
		w.Count++
		admitted = true
	}
	m.windows[key] = w
	return w, admitted, nil
}

func (m *Memory) Peek(_ context.Context, key string, limit int, length time.Duration, now time.Time) (Window, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.current(key, limit, length, now), nil
}

func (m *Memory) current(key string, limit int, length time.Duration, now time.Time) Window {
	w, ok := m.windows[key]
	if !ok || expired(w.Start, length, now) {
		w = Window{Start: now}
	}
	w.Limit = limit
	w.Length = length
	return w
}
