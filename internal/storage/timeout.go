package storage

import (
	"context"
	"time"
)

type timeoutAdapter struct {
	next    Adapter
	timeout time.Duration
}

// WithTimeout bounds every operation of next so a hung backend surfaces as a
// timeout *Error instead of blocking the caller.
func WithTimeout(next Adapter, timeout time.Duration) Adapter {
	if timeout <= 0 {
		return next
	}
	return &timeoutAdapter{next: next, timeout: timeout}
}

func (a *timeoutAdapter) Load(ctx context.Context, key Key) ([]byte, error) {
	ctx, cancel := context.WithTimeout(ctx, a.timeout)
	defer cancel()
	data, err := a.next.Load(ctx, key)
	return data, wrap("load", key, err)
}

func (a *timeoutAdapter) Save(ctx context.Context, key Key, data []byte) error {
	ctx, cancel := context.WithTimeout(ctx, a.timeout)
	defer cancel()
	return wrap("save", key, a.next.Save(ctx, key, data))
}

func (a *timeoutAdapter) Remove(ctx context.Context, key Key) error {
	ctx, cancel := context.WithTimeout(ctx, a.timeout)
	defer cancel()
	return wrap("remove", key, a.next.Remove(ctx, key))
}

func (a *timeoutAdapter) LoadRange(ctx context.Context, prefix Key) ([]Chunk, error) {
	ctx, cancel := context.WithTimeout(ctx, a.timeout)
	defer cancel()
	chunks, err := a.next.LoadRange(ctx, prefix)
	return chunks, wrap("load_range", prefix, err)
}

func (a *timeoutAdapter) RemoveRange(ctx context.Context, prefix Key) error {
	ctx, cancel := context.WithTimeout(ctx, a.timeout)
	defer cancel()
	return wrap("remove_range", prefix, a.next.RemoveRange(ctx, prefix))
}
