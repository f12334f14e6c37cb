package storage

import (
	"context"
	"sort"
	"sync"
)

// Memory keeps chunks in a map. Used by tests and by replicas that do not
// need to survive a restart.
type Memory struct {
	mu     sync.RWMutex
	chunks map[string]Chunk
}

func NewMemory() *Memory {
	return &Memory{chunks: map[string]Chunk{}}
}

func (m *Memory) Load(ctx context.Context, key Key) ([]byte, error) {
	if err := checkKey("load", key); err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, wrap("load", key, err)
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	c, ok := m.chunks[encodeKey(key)]
	if !ok {
		return nil, nil
	}
	return clone(c.Data), nil
}

func (m *Memory) Save(ctx context.Context, key Key, data []byte) error {
	if err := checkKey("save", key); err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return wrap("save", key, err)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.chunks[encodeKey(key)] = Chunk{Key: append(Key(nil), key...), Data: clone(data)}
	return nil
}

func (m *Memory) Remove(ctx context.Context, key Key) error {
	if err := checkKey("remove", key); err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return wrap("remove", key, err)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.chunks, encodeKey(key))
	return nil
}

func (m *Memory) LoadRange(ctx context.Context, prefix Key) ([]Chunk, error) {
	if err := checkKey("load_range", prefix); err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, wrap("load_range", prefix, err)
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []Chunk
	for _, c := range m.chunks {
		if c.Key.HasPrefix(prefix) {
			out = append(out, Chunk{Key: append(Key(nil), c.Key...), Data: clone(c.Data)})
		}
	}
	sort.Slice(out, func(i, j int) bool {
		return encodeKey(out[i].Key) < encodeKey(out[j].Key)
	})
	return out, nil
}

func (m *Memory) RemoveRange(ctx context.Context, prefix Key) error {
	if err := checkKey("remove_range", prefix); err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return wrap("remove_range", prefix, err)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	for k, c := range m.chunks {
		if c.Key.HasPrefix(prefix) {
			delete(m.chunks, k)
		}
	}
	return nil
}

func (m *Memory) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.chunks)
}

func clone(b []byte) []byte {
	if b == nil {
		return nil
	}
	return append([]byte{}, b...)
}
