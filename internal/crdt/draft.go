package crdt

// Draft is the mutable view handed to a change function. Reads observe the
// draft's own earlier writes.
type Draft struct {
	root map[string]any
	ops  []Op
}

func (d *Draft) Get(path ...string) (any, bool) {
	return lookup(d.root, path)
}

// Value returns the whole draft value. Mutating the returned map does not
// record ops; use Set, Delete or Apply.
func (d *Draft) Value() map[string]any {
	return deepCopy(d.root).(map[string]any)
}

func (d *Draft) Set(path []string, value any) error {
	if len(path) == 0 {
		return ErrEmptyPath
	}
	op, err := SetOp(path, value)
	if err != nil {
		return err
	}
	d.Apply(op)
	return nil
}

func (d *Draft) Delete(path ...string) error {
	if len(path) == 0 {
		return ErrEmptyPath
	}
	d.Apply(DeleteOp(path))
	return nil
}

// Apply records prebuilt ops, e.g. the output of Diff.
func (d *Draft) Apply(ops ...Op) {
	for _, op := range ops {
		op.apply(d.root)
		d.ops = append(d.ops, op)
	}
}
