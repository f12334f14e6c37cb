package crdt

import (
	"encoding/json"
	"errors"
	"fmt"

	"google.golang.org/protobuf/encoding/protowire"
)

// Chunks use the protobuf wire format so that they stay compact and can be
// extended with new fields without breaking stored history:
//
//	chunk  { repeated change = 1 }
//	change { actor = 1; seq = 2; lamport = 3; time = 4; message = 5; repeated dep = 6; repeated op = 7 }
//	dep    { actor = 1; seq = 2 }
//	op     { action = 1; repeated path = 2; value = 3 }

var ErrMalformedChunk = errors.New("malformed chunk")

func EncodeChanges(changes []*Change) []byte {
	var b []byte
	for _, c := range changes {
		b = protowire.AppendTag(b, 1, protowire.BytesType)
		b = protowire.AppendBytes(b, encodeChange(c))
	}
	return b
}

func encodeChange(c *Change) []byte {
	var b []byte
	b = protowire.AppendTag(b, 1, protowire.BytesType)
	b = protowire.AppendString(b, c.Actor)
	b = protowire.AppendTag(b, 2, protowire.VarintType)
	b = protowire.AppendVarint(b, c.Seq)
	b = protowire.AppendTag(b, 3, protowire.VarintType)
	b = protowire.AppendVarint(b, c.Lamport)
	b = protowire.AppendTag(b, 4, protowire.VarintType)
	b = protowire.AppendVarint(b, uint64(c.Time))
	if c.Message != "" {
		b = protowire.AppendTag(b, 5, protowire.BytesType)
		b = protowire.AppendString(b, c.Message)
	}
	for _, actor := range c.Deps.Actors() {
		var dep []byte
		dep = protowire.AppendTag(dep, 1, protowire.BytesType)
		dep = protowire.AppendString(dep, actor)
		dep = protowire.AppendTag(dep, 2, protowire.VarintType)
		dep = protowire.AppendVarint(dep, c.Deps[actor])
		b = protowire.AppendTag(b, 6, protowire.BytesType)
		b = protowire.AppendBytes(b, dep)
	}
	for _, op := range c.Ops {
		var o []byte
		o = protowire.AppendTag(o, 1, protowire.VarintType)
		o = protowire.AppendVarint(o, uint64(op.Action))
		for _, key := range op.Path {
			o = protowire.AppendTag(o, 2, protowire.BytesType)
			o = protowire.AppendString(o, key)
		}
		if op.Value != nil {
			o = protowire.AppendTag(o, 3, protowire.BytesType)
			o = protowire.AppendBytes(o, op.Value)
		}
		b = protowire.AppendTag(b, 7, protowire.BytesType)
		b = protowire.AppendBytes(b, o)
	}
	return b
}

func DecodeChanges(b []byte) ([]*Change, error) {
	var changes []*Change
	err := eachField(b, func(num protowire.Number, typ protowire.Type, v []byte, _ uint64) error {
		if num != 1 || typ != protowire.BytesType {
			return nil
		}
		c, err := decodeChange(v)
		if err != nil {
			return err
		}
		changes = append(changes, c)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return changes, nil
}

func decodeChange(b []byte) (*Change, error) {
	c := &Change{Deps: Clock{}}
	err := eachField(b, func(num protowire.Number, typ protowire.Type, v []byte, n uint64) error {
		switch num {
		case 1:
			c.Actor = string(v)
		case 2:
			c.Seq = n
		case 3:
			c.Lamport = n
		case 4:
			c.Time = int64(n)
		case 5:
			c.Message = string(v)
		case 6:
			var actor string
			var seq uint64
			err := eachField(v, func(num protowire.Number, _ protowire.Type, v []byte, n uint64) error {
				switch num {
				case 1:
					actor = string(v)
				case 2:
					seq = n
				}
				return nil
			})
			if err != nil {
				return err
			}
			c.Deps[actor] = seq
		case 7:
			op, err := decodeOp(v)
			if err != nil {
				return err
			}
			c.Ops = append(c.Ops, op)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	if c.Actor == "" || c.Seq == 0 {
		return nil, fmt.Errorf("%w: change without actor or seq", ErrMalformedChunk)
	}
	return c, nil
}

func decodeOp(b []byte) (Op, error) {
	var op Op
	err := eachField(b, func(num protowire.Number, _ protowire.Type, v []byte, n uint64) error {
		switch num {
		case 1:
			op.Action = Action(n)
		case 2:
			op.Path = append(op.Path, string(v))
		case 3:
			op.Value = append(json.RawMessage(nil), v...)
		}
		return nil
	})
	if err != nil {
		return Op{}, err
	}
	switch op.Action {
	case ActionSet:
		if !json.Valid(op.Value) {
			return Op{}, fmt.Errorf("%w: invalid value at %v", ErrMalformedChunk, op.Path)
		}
	case ActionDelete:
	default:
		return Op{}, fmt.Errorf("%w: unknown %s", ErrMalformedChunk, op.Action)
	}
	return op, nil
}

// eachField walks the top-level fields of a message. Bytes fields are passed
// as v, varints as n; other wire types are skipped.
func eachField(b []byte, fn func(num protowire.Number, typ protowire.Type, v []byte, n uint64) error) error {
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return fmt.Errorf("%w: %v", ErrMalformedChunk, protowire.ParseError(n))
		}
		b = b[n:]
		switch typ {
		case protowire.BytesType:
			v, m := protowire.ConsumeBytes(b)
			if m < 0 {
				return fmt.Errorf("%w: %v", ErrMalformedChunk, protowire.ParseError(m))
			}
			if err := fn(num, typ, v, 0); err != nil {
				return err
			}
			b = b[m:]
		case protowire.VarintType:
			v, m := protowire.ConsumeVarint(b)
			if m < 0 {
				return fmt.Errorf("%w: %v", ErrMalformedChunk, protowire.ParseError(m))
			}
			if err := fn(num, typ, nil, v); err != nil {
				return err
			}
			b = b[m:]
		default:
			m := protowire.ConsumeFieldValue(num, typ, b)
			if m < 0 {
				return fmt.Errorf("%w: %v", ErrMalformedChunk, protowire.ParseError(m))
			}
			b = b[m:]
		}
	}
	return nil
}
