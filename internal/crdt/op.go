package crdt

import (
	"encoding/json"
	"fmt"
	"reflect"
	"sort"
)

type Action int

const (
	ActionSet    Action = 1
	ActionDelete Action = 2
)

func (a Action) String() string {
	switch a {
	case ActionSet:
		return "set"
	case ActionDelete:
		return "del"
	default:
		return fmt.Sprintf("action(%d)", int(a))
	}
}

// Op represents a single operation inside a change. Path addresses a key in
// nested maps; lists and scalars are replaced as whole values.
type Op struct {
	Action Action          `json:"action"` // "set" or "del"
	Path   []string        `json:"path"`
	Value  json.RawMessage `json:"value,omitempty"` // only for set
}

func SetOp(path []string, value any) (Op, error) {
	raw, err := json.Marshal(value)
	if err != nil {
		return Op{}, fmt.Errorf("encode value at %v: %w", path, err)
	}
	return Op{Action: ActionSet, Path: copyPath(path), Value: raw}, nil
}

func DeleteOp(path []string) Op {
	return Op{Action: ActionDelete, Path: copyPath(path)}
}

// apply mutates root in place. Malformed ops are ignored so a bad peer cannot
// make replicas diverge by failing halfway through a change.
func (op Op) apply(root map[string]any) {
	if len(op.Path) == 0 {
		return
	}
	parent := root
	last := len(op.Path) - 1
	for _, key := range op.Path[:last] {
		child, ok := parent[key].(map[string]any)
		if !ok {
			if op.Action == ActionDelete {
				return
			}
			child = map[string]any{}
			parent[key] = child
		}
		parent = child
	}
	switch op.Action {
	case ActionSet:
		var v any
		if err := json.Unmarshal(op.Value, &v); err != nil {
			return
		}
		parent[op.Path[last]] = v
	case ActionDelete:
		delete(parent, op.Path[last])
	}
}

// Diff returns the ops that turn before into after. Nested maps are diffed
// key by key; anything else that differs is set as a whole.
func Diff(before, after map[string]any) ([]Op, error) {
	var ops []Op
	if err := diff(nil, before, after, &ops); err != nil {
		return nil, err
	}
	return ops, nil
}

func diff(prefix []string, before, after map[string]any, ops *[]Op) error {
	for _, key := range sortedKeys(after) {
		path := append(copyPath(prefix), key)
		av := after[key]
		bv, ok := before[key]
		if ok {
			bm, bIsMap := bv.(map[string]any)
			am, aIsMap := av.(map[string]any)
			if bIsMap && aIsMap {
				if err := diff(path, bm, am, ops); err != nil {
					return err
				}
				continue
			}
			if reflect.DeepEqual(bv, av) {
				continue
			}
		}
		op, err := SetOp(path, av)
		if err != nil {
			return err
		}
		*ops = append(*ops, op)
	}
	for _, key := range sortedKeys(before) {
		if _, ok := after[key]; !ok {
			*ops = append(*ops, DeleteOp(append(copyPath(prefix), key)))
		}
	}
	return nil
}

func sortedKeys(m map[string]any) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func copyPath(path []string) []string {
	out := make([]string, len(path))
	copy(out, path)
	return out
}

func deepCopy(v any) any {
	switch t := v.(type) {
	case map[string]any:
		out := make(map[string]any, len(t))
		for k, e := range t {
			out[k] = deepCopy(e)
		}
		return out
	case []any:
		out := make([]any, len(t))
		for i, e := range t {
			out[i] = deepCopy(e)
		}
		return out
	default:
		return v
	}
}

func lookup(root map[string]any, path []string) (any, bool) {
	var cur any = root
	for _, key := range path {
		m, ok := cur.(map[string]any)
		if !ok {
			return nil, false
		}
		cur, ok = m[key]
		if !ok {
			return nil, false
		}
	}
	return cur, true
}
