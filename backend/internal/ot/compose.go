package ot

import "fmt"

// Compose left-folds same-entity operations into a single operation.
func Compose(ops []Operation) (Operation, error) {
	if len(ops) == 0 {
		return Operation{}, ErrComposeEmpty
	}
	for _, op := range ops[1:] {
		if !sameEntity(ops[0], op) {
			return Operation{}, fmt.Errorf("%w: %s vs %s", ErrComposeCrossEntity, ops[0].EntityKey(), op.EntityKey())
		}
	}
	acc := ops[0].Clone()
	for _, next := range ops[1:] {
		acc = composePair(acc, next)
	}
	return acc, nil
}

func composePair(a, b Operation) Operation {
	switch {
	case a.Type == OpInsert && b.Type == OpUpdate:
		out := a.Clone()
		out.Value = b.Value
		return out
	case a.Type == OpUpdate && b.Type == OpUpdate:
		out := b.Clone()
		out.OldValue = a.OldValue
		return out
	case a.Type == OpInsert && b.Type == OpDelete:
		return noop(a)
	case a.Type == OpUpdate && b.Type == OpDelete:
		out := b.Clone()
		out.OldValue = a.OldValue
		return out
	}
	return b.Clone()
}

// Invert returns the operation that undoes op.
func Invert(op Operation) (Operation, error) {
	out := op.Clone()
	out.ID = ""
	switch op.Type {
	case OpInsert:
		out.Type = OpDelete
	case OpDelete:
		out.Type = OpInsert
	case OpUpdate:
	case OpMove:
		out.Position, out.Target = out.Target, out.Position
		return out, nil
	default:
		return Operation{}, fmt.Errorf("%w: %s", ErrInvertUnsupported, op.Type)
	}
	out.Value, out.OldValue = op.OldValue, op.Value
	return out, nil
}
