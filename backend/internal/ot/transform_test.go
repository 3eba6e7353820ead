package ot

import (
	"errors"
	"reflect"
	"testing"
)

func insertAt(path []string, pos int, v any) Operation {
	return Operation{Type: OpInsert, EntityType: EntityProperty, Path: path, Position: Pos(pos), Value: NewValue(v)}
}

func deleteAt(path []string, pos int) Operation {
	return Operation{Type: OpDelete, EntityType: EntityProperty, Path: path, Position: Pos(pos)}
}

func update(path []string, oldV, newV any) Operation {
	return Operation{Type: OpUpdate, EntityType: EntityNode, EntityID: "n1", Path: path, OldValue: NewValue(oldV), Value: NewValue(newV)}
}

func TestTransform_DifferentEntityUnchanged(t *testing.T) {
	op1 := update([]string{"title"}, "a", "b")
	op2 := update([]string{"title"}, "a", "c")
	op2.EntityID = "n2"

	res, err := Transform(op1, op2, PriorityRemote)
	if err != nil {
		t.Fatalf("Transform() error = %v", err)
	}
	if res.Transformed || len(res.Conflicts) != 0 {
		t.Fatalf("Transform() = %+v, want untouched", res)
	}
	if !res.Operation.Value.Equal(NewValue("b")) {
		t.Fatalf("value = %v, want b", res.Operation.Value.Interface())
	}
}

func TestTransform_InsertInsertSamePath(t *testing.T) {
	path := []string{"nodes", "5"}
	a := Operation{Type: OpInsert, EntityType: EntityNode, EntityID: "5", Path: path, Value: NewValue(map[string]any{"title": "X"})}
	b := Operation{Type: OpInsert, EntityType: EntityNode, EntityID: "5", Path: path, Value: NewValue(map[string]any{"title": "Y"})}

	remote, err := Transform(a, b, PriorityRemote)
	if err != nil {
		t.Fatalf("Transform() error = %v", err)
	}
	if remote.Operation.Type != OpUpdate {
		t.Fatalf("type = %s, want update", remote.Operation.Type)
	}
	if !remote.Operation.Value.Equal(b.Value) {
		t.Fatalf("value = %v, want remote value", remote.Operation.Value.Interface())
	}
	if len(remote.Conflicts) != 1 || remote.Conflicts[0].Type != ConflictValue || remote.Conflicts[0].Resolution != ResolutionRemote {
		t.Fatalf("conflicts = %+v", remote.Conflicts)
	}

	local, err := Transform(a, b, PriorityLocal)
	if err != nil {
		t.Fatalf("Transform() error = %v", err)
	}
	if local.Transformed || local.Operation.Type != OpInsert {
		t.Fatalf("local = %+v, want op1 kept", local)
	}
	if len(local.Conflicts) != 1 || local.Conflicts[0].Resolution != ResolutionLocal {
		t.Fatalf("conflicts = %+v", local.Conflicts)
	}
}

func TestTransform_InsertShiftsPosition(t *testing.T) {
	applied := insertAt([]string{"items", "a"}, 2, "A")
	pending := insertAt([]string{"items", "b"}, 2, "B")

	for _, p := range []Priority{PriorityLocal, PriorityRemote} {
		res, err := Transform(pending, applied, p)
		if err != nil {
			t.Fatalf("Transform() error = %v", err)
		}
		if got := *res.Operation.Position; got != 3 {
			t.Fatalf("priority %s: position = %d, want 3", p, got)
		}
		if !res.Transformed {
			t.Fatalf("priority %s: Transformed = false", p)
		}
	}
	if *pending.Position != 2 {
		t.Fatalf("input mutated: position = %d", *pending.Position)
	}

	after := insertAt([]string{"items", "a"}, 5, "A")
	res, _ := Transform(pending, after, PriorityRemote)
	if *res.Operation.Position != 2 {
		t.Fatalf("position = %d, want 2 for a later insert", *res.Operation.Position)
	}
}

func TestTransform_DeleteDelete(t *testing.T) {
	path := []string{"items", "x"}
	a, b := deleteAt(path, 1), deleteAt(path, 1)
	for _, p := range []Priority{PriorityLocal, PriorityRemote} {
		res, err := Transform(a, b, p)
		if err != nil {
			t.Fatalf("Transform() error = %v", err)
		}
		if !res.Operation.IsNoop() {
			t.Fatalf("priority %s: got %+v, want noop", p, res.Operation)
		}
	}

	first := deleteAt([]string{"items", "y"}, 0)
	res, _ := Transform(deleteAt(path, 3), first, PriorityLocal)
	if *res.Operation.Position != 2 {
		t.Fatalf("position = %d, want 2", *res.Operation.Position)
	}
	res, _ = Transform(deleteAt(path, 0), deleteAt([]string{"items", "y"}, 0), PriorityLocal)
	if *res.Operation.Position != 0 {
		t.Fatalf("position = %d, want 0 for equal index", *res.Operation.Position)
	}
}

func TestTransform_UpdateUpdate(t *testing.T) {
	path := []string{"title"}

	t.Run("same origin last write wins", func(t *testing.T) {
		a, b := update(path, "a", "b"), update(path, "a", "c")
		res, _ := Transform(a, b, PriorityRemote)
		if !res.Operation.Value.Equal(NewValue("c")) || res.Conflicts[0].Resolution != ResolutionRemote {
			t.Fatalf("remote = %+v", res)
		}
		res, _ = Transform(a, b, PriorityLocal)
		if !res.Operation.Value.Equal(NewValue("b")) || res.Conflicts[0].Resolution != ResolutionLocal {
			t.Fatalf("local = %+v", res)
		}
		if !res.Operation.OldValue.Equal(NewValue("c")) {
			t.Fatalf("oldValue = %v, want rebased onto c", res.Operation.OldValue.Interface())
		}
	})

	t.Run("diverged merge", func(t *testing.T) {
		cases := []struct {
			name         string
			local, other any
			want         any
		}{
			{"strings", "foo", "bar", "foobar"},
			{"numbers", 2.0, 4.0, 3.0},
			{"objects", map[string]any{"a": 1.0, "b": 1.0}, map[string]any{"b": 2.0, "c": 2.0}, map[string]any{"a": 1.0, "b": 1.0, "c": 2.0}},
			{"mixed", true, "x", true},
		}
		for _, tc := range cases {
			a, b := update(path, "o1", tc.local), update(path, "o2", tc.other)
			res, err := Transform(a, b, PriorityLocal)
			if err != nil {
				t.Fatalf("%s: error = %v", tc.name, err)
			}
			c := res.Conflicts[0]
			if c.Resolution != ResolutionMerge {
				t.Fatalf("%s: resolution = %s", tc.name, c.Resolution)
			}
			if !reflect.DeepEqual(c.MergedValue.Interface(), tc.want) {
				t.Fatalf("%s: merged = %v, want %v", tc.name, c.MergedValue.Interface(), tc.want)
			}
		}
	})
}

func TestTransform_ConflictSymmetry(t *testing.T) {
	path := []string{"title"}
	pairs := [][2]Operation{
		{update(path, "a", "left"), update(path, "a", "right")},
		{update(path, "x", "left"), update(path, "y", "right")},
		{update(path, "x", 1.0), update(path, "y", 5.0)},
	}
	for i, p := range pairs {
		r1, err := Transform(p[0], p[1], PriorityLocal)
		if err != nil {
			t.Fatalf("pair %d: %v", i, err)
		}
		r2, err := Transform(p[1], p[0], PriorityRemote)
		if err != nil {
			t.Fatalf("pair %d: %v", i, err)
		}
		if !r1.Operation.Value.Equal(r2.Operation.Value) {
			t.Fatalf("pair %d: winners differ: %v vs %v", i, r1.Operation.Value.Interface(), r2.Operation.Value.Interface())
		}
	}

	a := Operation{Type: OpInsert, EntityType: EntityNode, Path: []string{"k"}, Value: NewValue("A")}
	b := Operation{Type: OpInsert, EntityType: EntityNode, Path: []string{"k"}, Value: NewValue("B")}
	r1, _ := Transform(a, b, PriorityLocal)
	r2, _ := Transform(b, a, PriorityRemote)
	if !r1.Operation.Value.Equal(r2.Operation.Value) {
		t.Fatalf("insert winners differ: %v vs %v", r1.Operation.Value.Interface(), r2.Operation.Value.Interface())
	}
}

func TestTransform_DeleteVersusUpdate(t *testing.T) {
	path := []string{"title"}
	del := Operation{Type: OpDelete, EntityType: EntityNode, EntityID: "n1", Path: path, OldValue: NewValue("a")}
	upd := update(path, "a", "b")

	res, _ := Transform(del, upd, PriorityRemote)
	if res.Operation.Type != OpUpdate || !res.Operation.Value.Equal(Null()) {
		t.Fatalf("delete vs update remote = %+v", res.Operation)
	}
	if res.Conflicts[0].Type != ConflictDelete {
		t.Fatalf("conflict type = %s", res.Conflicts[0].Type)
	}
	res, _ = Transform(del, upd, PriorityLocal)
	if res.Operation.Type != OpDelete {
		t.Fatalf("delete vs update local = %+v", res.Operation)
	}

	res, _ = Transform(upd, del, PriorityRemote)
	if res.Operation.Type != OpDelete {
		t.Fatalf("update vs delete remote = %+v", res.Operation)
	}
	res, _ = Transform(upd, del, PriorityLocal)
	if res.Operation.Type != OpInsert || !res.Operation.Value.Equal(NewValue("b")) {
		t.Fatalf("update vs delete local = %+v", res.Operation)
	}
}

func TestTransform_MoveMove(t *testing.T) {
	mv := func(from, to int) Operation {
		return Operation{Type: OpMove, EntityType: EntityNode, EntityID: "list", Path: []string{"order", "x"}, Position: Pos(from), Target: Pos(to)}
	}
	res, _ := Transform(mv(3, 5), mv(1, 4), PriorityLocal)
	if *res.Operation.Position != 2 || *res.Operation.Target != 6 {
		t.Fatalf("move = %d->%d, want 2->6", *res.Operation.Position, *res.Operation.Target)
	}
	res, _ = Transform(mv(1, 2), mv(3, 5), PriorityLocal)
	if res.Transformed {
		t.Fatalf("unrelated move transformed: %+v", res.Operation)
	}
}

func TestTransform_Unsupported(t *testing.T) {
	op := Operation{Type: OpTransform, EntityType: EntityNode, EntityID: "n1"}
	_, err := Transform(op, update(nil, "a", "b"), PriorityLocal)
	if !errors.Is(err, ErrUnsupportedTransform) {
		t.Fatalf("err = %v, want ErrUnsupportedTransform", err)
	}
	_, err = TransformAgainst(update(nil, "a", "b"), []Operation{op}, PriorityLocal)
	if !errors.Is(err, ErrUnsupportedTransform) {
		t.Fatalf("err = %v, want ErrUnsupportedTransform", err)
	}
}

func TestTransformAgainst_Accumulates(t *testing.T) {
	pending := insertAt([]string{"items", "p"}, 1, "P")
	history := []Operation{
		insertAt([]string{"items", "a"}, 0, "A"),
		insertAt([]string{"items", "b"}, 0, "B"),
		deleteAt([]string{"items", "c"}, 5),
	}
	res, err := TransformAgainst(pending, history, PriorityRemote)
	if err != nil {
		t.Fatalf("TransformAgainst() error = %v", err)
	}
	if *res.Operation.Position != 3 {
		t.Fatalf("position = %d, want 3", *res.Operation.Position)
	}
}
