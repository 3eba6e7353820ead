package ot

import "fmt"

// Transform rewrites op1 (to be applied locally) so that applying it after the
// concurrent, already-applied op2 converges regardless of arrival order.
// priority decides which side wins when both touch the identical path.
func Transform(op1, op2 Operation, priority Priority) (TransformResult, error) {
	if !sameEntity(op1, op2) {
		return unchanged(op1), nil
	}

	switch op1.Type {
	case OpInsert:
		switch op2.Type {
		case OpInsert:
			return transformInsertInsert(op1, op2, priority), nil
		case OpDelete:
			return shiftAgainstDelete(op1, op2), nil
		case OpUpdate, OpMove:
			return unchanged(op1), nil
		}
	case OpUpdate:
		switch op2.Type {
		case OpUpdate:
			return transformUpdateUpdate(op1, op2, priority), nil
		case OpDelete:
			return transformUpdateDelete(op1, op2, priority), nil
		case OpInsert:
			return shiftAgainstInsert(op1, op2), nil
		case OpMove:
			return unchanged(op1), nil
		}
	case OpDelete:
		switch op2.Type {
		case OpDelete:
			return transformDeleteDelete(op1, op2), nil
		case OpUpdate:
			return transformDeleteUpdate(op1, op2, priority), nil
		case OpInsert:
			return shiftAgainstInsert(op1, op2), nil
		case OpMove:
			return unchanged(op1), nil
		}
	case OpMove:
		switch op2.Type {
		case OpMove:
			return transformMoveMove(op1, op2), nil
		case OpInsert:
			return shiftAgainstInsert(op1, op2), nil
		case OpDelete:
			return shiftAgainstDelete(op1, op2), nil
		case OpUpdate:
			return unchanged(op1), nil
		}
	}
	return TransformResult{}, fmt.Errorf("%w: %s vs %s", ErrUnsupportedTransform, op1.Type, op2.Type)
}

// TransformAgainst folds Transform over an ordered history of applied
// operations and collects every conflict on the way.
func TransformAgainst(op Operation, history []Operation, priority Priority) (TransformResult, error) {
	res := TransformResult{Operation: op}
	for _, applied := range history {
		if res.Operation.IsNoop() {
			break
		}
		step, err := Transform(res.Operation, applied, priority)
		if err != nil {
			return TransformResult{}, err
		}
		res.Operation = step.Operation
		res.Transformed = res.Transformed || step.Transformed
		res.Conflicts = append(res.Conflicts, step.Conflicts...)
	}
	return res, nil
}

func unchanged(op Operation) TransformResult {
	return TransformResult{Operation: op}
}

func transformInsertInsert(op1, op2 Operation, priority Priority) TransformResult {
	if !samePath(op1.Path, op2.Path) {
		return shiftAgainstInsert(op1, op2)
	}
	c := ConflictInfo{Type: ConflictValue, Local: op1, Remote: op2}
	if priority == PriorityRemote {
		out := op1.Clone()
		out.Type = OpUpdate
		out.Value = op2.Value
		out.OldValue = op2.Value
		c.Resolution = ResolutionRemote
		return TransformResult{Operation: out, Transformed: true, Conflicts: []ConflictInfo{c}}
	}
	c.Resolution = ResolutionLocal
	return TransformResult{Operation: op1, Conflicts: []ConflictInfo{c}}
}

func transformUpdateUpdate(op1, op2 Operation, priority Priority) TransformResult {
	if !samePath(op1.Path, op2.Path) {
		return unchanged(op1)
	}
	out := op1.Clone()
	// op2 already landed, so whatever op1 does now starts from op2's value.
	out.OldValue = op2.Value
	if op1.Value.Equal(op2.Value) {
		return TransformResult{Operation: out, Transformed: true}
	}

	c := ConflictInfo{Type: ConflictValue, Local: op1, Remote: op2}
	if op1.OldValue.Equal(op2.OldValue) {
		if priority == PriorityRemote {
			out.Value = op2.Value
			c.Resolution = ResolutionRemote
		} else {
			c.Resolution = ResolutionLocal
		}
		return TransformResult{Operation: out, Transformed: true, Conflicts: []ConflictInfo{c}}
	}

	winner, loser := op1.Value, op2.Value
	if priority == PriorityRemote {
		winner, loser = loser, winner
	}
	merged := mergeValues(winner, loser)
	out.Value = merged
	c.Resolution = ResolutionMerge
	c.MergedValue = merged
	return TransformResult{Operation: out, Transformed: true, Conflicts: []ConflictInfo{c}}
}

func transformDeleteUpdate(op1, op2 Operation, priority Priority) TransformResult {
	if !samePath(op1.Path, op2.Path) {
		return unchanged(op1)
	}
	c := ConflictInfo{Type: ConflictDelete, Local: op1, Remote: op2}
	if priority == PriorityRemote {
		out := op1.Clone()
		out.Type = OpUpdate
		out.Value = Null()
		out.OldValue = op2.Value
		c.Resolution = ResolutionRemote
		return TransformResult{Operation: out, Transformed: true, Conflicts: []ConflictInfo{c}}
	}
	c.Resolution = ResolutionLocal
	return TransformResult{Operation: op1, Conflicts: []ConflictInfo{c}}
}

func transformUpdateDelete(op1, op2 Operation, priority Priority) TransformResult {
	if !samePath(op1.Path, op2.Path) {
		return shiftAgainstDelete(op1, op2)
	}
	c := ConflictInfo{Type: ConflictDelete, Local: op1, Remote: op2}
	out := op1.Clone()
	if priority == PriorityRemote {
		c.Resolution = ResolutionRemote
		if op1.Positional() {
			// the slot is already gone; deleting again would hit its neighbour
			out = noop(op1)
		} else {
			out.Type = OpDelete
			out.Value = Value{}
		}
		return TransformResult{Operation: out, Transformed: true, Conflicts: []ConflictInfo{c}}
	}
	out.Type = OpInsert
	out.OldValue = Value{}
	c.Resolution = ResolutionLocal
	return TransformResult{Operation: out, Transformed: true, Conflicts: []ConflictInfo{c}}
}

func transformDeleteDelete(op1, op2 Operation) TransformResult {
	if samePath(op1.Path, op2.Path) {
		return TransformResult{Operation: noop(op1), Transformed: true}
	}
	return shiftAgainstDelete(op1, op2)
}

func transformMoveMove(op1, op2 Operation) TransformResult {
	if op1.EntityID != op2.EntityID || op2.Position == nil || op2.Target == nil ||
		op1.Position == nil || op1.Target == nil {
		return unchanged(op1)
	}
	out := op1.Clone()
	changed := false
	if *op2.Position < *op1.Position {
		*out.Position--
		changed = true
	}
	if *op2.Target <= *op1.Target {
		*out.Target++
		changed = true
	}
	return TransformResult{Operation: out, Transformed: changed}
}

// shiftAgainstInsert moves op1's indices right when op2 inserted an element at
// or before them in the same ordered collection.
func shiftAgainstInsert(op1, op2 Operation) TransformResult {
	if !shiftable(op1, op2) {
		return unchanged(op1)
	}
	out := op1.Clone()
	changed := false
	if *op2.Position <= *op1.Position {
		*out.Position++
		changed = true
	}
	if op1.Type == OpMove && op1.Target != nil && *op2.Position <= *op1.Target {
		*out.Target++
		changed = true
	}
	return TransformResult{Operation: out, Transformed: changed}
}

// shiftAgainstDelete moves op1's indices left when op2 removed an element
// before them in the same ordered collection.
func shiftAgainstDelete(op1, op2 Operation) TransformResult {
	if !shiftable(op1, op2) {
		return unchanged(op1)
	}
	out := op1.Clone()
	changed := false
	if *op2.Position < *op1.Position {
		*out.Position--
		changed = true
	}
	if op1.Type == OpMove && op1.Target != nil && *op2.Position < *op1.Target {
		*out.Target--
		changed = true
	}
	return TransformResult{Operation: out, Transformed: changed}
}

func shiftable(op1, op2 Operation) bool {
	return op1.Positional() && op2.Positional() &&
		!samePath(op1.Path, op2.Path) && sameContainer(op1.Path, op2.Path)
}

func noop(op Operation) Operation {
	out := op.Clone()
	out.Type = OpUpdate
	out.Value = Value{}
	out.OldValue = Value{}
	return out
}

// mergeValues combines two diverged update values. winner's side takes
// precedence wherever the merge has to pick.
func mergeValues(winner, loser Value) Value {
	switch w := winner.v.(type) {
	case string:
		if l, ok := loser.v.(string); ok {
			return NewValue(w + l)
		}
	case map[string]any:
		if l, ok := loser.v.(map[string]any); ok {
			out := make(map[string]any, len(w)+len(l))
			for k, v := range l {
				out[k] = v
			}
			for k, v := range w {
				out[k] = v
			}
			return NewValue(out)
		}
	}
	if a, ok := toFloat(winner.v); ok {
		if b, ok := toFloat(loser.v); ok {
			return NewValue((a + b) / 2)
		}
	}
	return winner
}

func toFloat(v any) (float64, bool) {
	switch x := v.(type) {
	case float64:
		return x, true
	case float32:
		return float64(x), true
	case int:
		return float64(x), true
	case int32:
		return float64(x), true
	case int64:
		return float64(x), true
	case uint64:
		return float64(x), true
	}
	return 0, false
}
