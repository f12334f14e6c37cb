package repo

import (
	"context"
	"encoding/json"
	"fmt"

	"docsync/internal/crdt"
)

// Handle is a DocHandle viewed through a Go type. T is mapped to the
// document with encoding/json, so fields T does not declare are removed by
// the first Change made through the handle.
type Handle[T any] struct {
	*DocHandle
}

func Typed[T any](h *DocHandle) *Handle[T] {
	return &Handle[T]{DocHandle: h}
}

// Doc decodes the merged value into a T.
func (h *Handle[T]) Doc(ctx context.Context) (T, error) {
	var out T
	value, err := h.Value(ctx)
	if err != nil {
		return out, err
	}
	if err := remarshal(value, &out); err != nil {
		return out, fmt.Errorf("decode %s: %w", h.id, err)
	}
	return out, nil
}

// Change hands fn the current value as a T and records the difference fn
// made as one change.
func (h *Handle[T]) Change(ctx context.Context, message string, fn func(*T)) error {
	return h.DocHandle.Change(ctx, message, func(draft *crdt.Draft) error {
		before := draft.Value()
		var v T
		if err := remarshal(before, &v); err != nil {
			return fmt.Errorf("decode %s: %w", h.id, err)
		}
		fn(&v)

		var after map[string]any
		if err := remarshal(v, &after); err != nil {
			return fmt.Errorf("encode %s: %w", h.id, err)
		}
		ops, err := crdt.Diff(before, after)
		if err != nil {
			return err
		}
		draft.Apply(ops...)
		return nil
	})
}

func remarshal(in, out any) error {
	b, err := json.Marshal(in)
	if err != nil {
		return err
	}
	return json.Unmarshal(b, out)
}
