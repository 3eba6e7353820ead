package ot

import (
	"fmt"
	"slices"
	"strconv"
)

// Apply returns a deep copy of state with op applied. state itself is never
// modified. Positional operations splice the ordered collection found at
// Path[:len-1]; the others assign or delete the last key of Path.
func Apply(state map[string]any, op Operation) (map[string]any, error) {
	out := Clone(state)
	if op.IsNoop() {
		return out, nil
	}
	if len(op.Path) == 0 {
		return nil, fmt.Errorf("%w: empty path", ErrInvalidPath)
	}
	parent, last := op.Path[:len(op.Path)-1], op.Path[len(op.Path)-1]

	if op.Positional() {
		if err := applyPositional(out, parent, op); err != nil {
			return nil, err
		}
		return out, nil
	}

	container, _, err := locate(out, parent)
	if err != nil {
		return nil, err
	}
	switch c := container.(type) {
	case map[string]any:
		switch op.Type {
		case OpInsert, OpUpdate:
			c[last] = deepCopy(op.Value.v)
		case OpDelete:
			delete(c, last)
		default:
			return nil, fmt.Errorf("%w: %s needs positions", ErrValidation, op.Type)
		}
	case []any:
		idx, err := index(last, len(c))
		if err != nil {
			return nil, err
		}
		if op.Type != OpUpdate {
			return nil, fmt.Errorf("%w: %s on array element %q needs a position", ErrInvalidPath, op.Type, last)
		}
		c[idx] = deepCopy(op.Value.v)
	default:
		return nil, fmt.Errorf("%w: %v is not a container", ErrInvalidPath, parent)
	}
	return out, nil
}

func applyPositional(root map[string]any, arrPath []string, op Operation) error {
	if len(arrPath) == 0 {
		return fmt.Errorf("%w: positional operation needs a collection path", ErrInvalidPath)
	}
	node, set, err := locate(root, arrPath)
	if err != nil {
		return err
	}
	arr, ok := node.([]any)
	if !ok {
		return fmt.Errorf("%w: %v is not an ordered collection", ErrInvalidPath, arrPath)
	}
	pos := *op.Position

	switch op.Type {
	case OpInsert:
		if pos > len(arr) {
			return fmt.Errorf("%w: insert position %d out of range (len %d)", ErrInvalidPath, pos, len(arr))
		}
		set(slices.Insert(arr, pos, deepCopy(op.Value.v)))
	case OpDelete:
		if pos >= len(arr) {
			return fmt.Errorf("%w: delete position %d out of range (len %d)", ErrInvalidPath, pos, len(arr))
		}
		set(slices.Delete(arr, pos, pos+1))
	case OpUpdate:
		if pos >= len(arr) {
			return fmt.Errorf("%w: update position %d out of range (len %d)", ErrInvalidPath, pos, len(arr))
		}
		arr[pos] = deepCopy(op.Value.v)
	case OpMove:
		if op.Target == nil {
			return fmt.Errorf("%w: move without target", ErrValidation)
		}
		to := *op.Target
		if pos >= len(arr) || to >= len(arr) {
			return fmt.Errorf("%w: move %d->%d out of range (len %d)", ErrInvalidPath, pos, to, len(arr))
		}
		item := arr[pos]
		arr = slices.Delete(arr, pos, pos+1)
		set(slices.Insert(arr, to, item))
	default:
		return fmt.Errorf("%w: cannot apply %s", ErrValidation, op.Type)
	}
	return nil
}

// locate walks path from root and returns the node found there together with
// a setter that replaces it in its parent. The setter is nil for the root.
func locate(root map[string]any, path []string) (any, func(any), error) {
	var cur any = root
	var set func(any)
	for i, step := range path {
		switch c := cur.(type) {
		case map[string]any:
			next, ok := c[step]
			if !ok {
				return nil, nil, fmt.Errorf("%w: missing key %q at %v", ErrInvalidPath, step, path[:i+1])
			}
			key := step
			set = func(v any) { c[key] = v }
			cur = next
		case []any:
			idx, err := index(step, len(c))
			if err != nil {
				return nil, nil, err
			}
			set = func(v any) { c[idx] = v }
			cur = c[idx]
		default:
			return nil, nil, fmt.Errorf("%w: cannot descend into %T at %v", ErrInvalidPath, cur, path[:i])
		}
	}
	return cur, set, nil
}

func index(step string, n int) (int, error) {
	idx, err := strconv.Atoi(step)
	if err != nil || idx < 0 || idx >= n {
		return 0, fmt.Errorf("%w: bad index %q (len %d)", ErrInvalidPath, step, n)
	}
	return idx, nil
}

func deepCopy(v any) any {
	switch x := v.(type) {
	case map[string]any:
		out := make(map[string]any, len(x))
		for k, e := range x {
			out[k] = deepCopy(e)
		}
		return out
	case []any:
		out := make([]any, len(x))
		for i, e := range x {
			out[i] = deepCopy(e)
		}
		return out
	}
	return v
}

// Clone returns a deep copy of a graph state document.
func Clone(state map[string]any) map[string]any {
	out, _ := deepCopy(state).(map[string]any)
	if out == nil {
		out = make(map[string]any)
	}
	return out
}
