package statestore

import (
	"context"
	"strings"
	"sync"
	"time"
)

// Backend is a raw key/value slot store.
type Backend interface {
	Get(ctx context.Context, key string) ([]byte, bool, error)
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error
	Delete(ctx context.Context, keys ...string) error
	Keys(ctx context.Context, prefix string) ([]string, error)
}

// DurableBackend is shared by every instance and carries the change channel.
type DurableBackend interface {
	Backend
	Publish(ctx context.Context, channel string, payload []byte) error
	// Subscribe delivers channel messages to handler until stop is called.
	// The subscription is active when Subscribe returns.
	Subscribe(ctx context.Context, channel string, handler func([]byte)) (stop func() error, err error)
}

// MemoryBackend keeps slots in process memory. It serves as the volatile
// backend of every instance and as the durable backend when no Redis is
// configured. TTLs are not enforced here; envelope expiry handles that.
type MemoryBackend struct {
	mu          sync.RWMutex
	slots       map[string][]byte
	nextSub     int
	subscribers map[string]map[int]func([]byte)
}

// NewMemoryBackend returns an empty memory backend.
func NewMemoryBackend() *MemoryBackend {
	return &MemoryBackend{
		slots:       make(map[string][]byte),
		subscribers: make(map[string]map[int]func([]byte)),
	}
}

func (m *MemoryBackend) Get(_ context.Context, key string) ([]byte, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	value, ok := m.slots[key]
	if !ok {
		return nil, false, nil
	}
	return append([]byte(nil), value...), true, nil
}

func (m *MemoryBackend) Set(_ context.Context, key string, value []byte, _ time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.slots[key] = append([]byte(nil), value...)
	return nil
}

func (m *MemoryBackend) Delete(_ context.Context, keys ...string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, key := range keys {
		delete(m.slots, key)
	}
	return nil
}

func (m *MemoryBackend) Keys(_ context.Context, prefix string) ([]string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	keys := make([]string, 0, len(m.slots))
	for key := range m.slots {
		if strings.HasPrefix(key, prefix) {
			keys = append(keys, key)
		}
	}
	return keys, nil
}

// Publish delivers payload synchronously to every subscriber of channel.
func (m *MemoryBackend) Publish(_ context.Context, channel string, payload []byte) error {
	m.mu.RLock()
	handlers := make([]func([]byte), 0, len(m.subscribers[channel]))
	for _, handler := range m.subscribers[channel] {
		handlers = append(handlers, handler)
	}
	m.mu.RUnlock()

	for _, handler := range handlers {
		handler(append([]byte(nil), payload...))
	}
	return nil
}

func (m *MemoryBackend) Subscribe(_ context.Context, channel string, handler func([]byte)) (func() error, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.nextSub++
	id := m.nextSub
	if m.subscribers[channel] == nil {
		m.subscribers[channel] = make(map[int]func([]byte))
	}
	m.subscribers[channel][id] = handler

	return func() error {
		m.mu.Lock()
		defer m.mu.Unlock()
		delete(m.subscribers[channel], id)
		return nil
	}, nil
}
