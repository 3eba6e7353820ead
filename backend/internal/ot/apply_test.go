package ot

import (
	"encoding/json"
	"errors"
	"reflect"
	"testing"
)

func baseState() map[string]any {
	return map[string]any{
		"nodes": map[string]any{
			"1": map[string]any{"title": "root", "tags": []any{"a", "b", "c"}},
		},
		"order": []any{"n1", "n2", "n3", "n4"},
	}
}

func TestApply_DoesNotMutateInput(t *testing.T) {
	state := baseState()
	op := Operation{Type: OpUpdate, EntityType: EntityNode, EntityID: "1", Path: []string{"nodes", "1", "title"}, OldValue: NewValue("root"), Value: NewValue("changed")}
	out, err := Apply(state, op)
	if err != nil {
		t.Fatalf("Apply() error = %v", err)
	}
	if !reflect.DeepEqual(state, baseState()) {
		t.Fatalf("input state mutated: %v", state)
	}
	got := out["nodes"].(map[string]any)["1"].(map[string]any)["title"]
	if got != "changed" {
		t.Fatalf("title = %v, want changed", got)
	}
}

func TestApply_Positional(t *testing.T) {
	tags := []string{"nodes", "1", "tags", "t"}

	out, err := Apply(baseState(), Operation{Type: OpInsert, EntityType: EntityNode, Path: tags, Position: Pos(1), Value: NewValue("x")})
	if err != nil {
		t.Fatalf("insert error = %v", err)
	}
	want := []any{"a", "x", "b", "c"}
	if got := out["nodes"].(map[string]any)["1"].(map[string]any)["tags"]; !reflect.DeepEqual(got, want) {
		t.Fatalf("tags = %v, want %v", got, want)
	}

	out, err = Apply(baseState(), Operation{Type: OpMove, EntityType: EntityProperty, Path: []string{"order", "n1"}, Position: Pos(0), Target: Pos(2)})
	if err != nil {
		t.Fatalf("move error = %v", err)
	}
	if want := []any{"n2", "n3", "n1", "n4"}; !reflect.DeepEqual(out["order"], want) {
		t.Fatalf("order = %v, want %v", out["order"], want)
	}

	out, err = Apply(baseState(), Operation{Type: OpDelete, EntityType: EntityProperty, Path: []string{"order", "n4"}, Position: Pos(3)})
	if err != nil {
		t.Fatalf("delete error = %v", err)
	}
	if want := []any{"n1", "n2", "n3"}; !reflect.DeepEqual(out["order"], want) {
		t.Fatalf("order = %v, want %v", out["order"], want)
	}
}

func TestApply_InvalidPath(t *testing.T) {
	cases := []Operation{
		{Type: OpUpdate, EntityType: EntityNode, Path: []string{"missing", "title"}, Value: NewValue(1), OldValue: NewValue(0)},
		{Type: OpInsert, EntityType: EntityNode, Path: []string{"nodes", "x"}, Position: Pos(0), Value: NewValue(1)},
		{Type: OpDelete, EntityType: EntityProperty, Path: []string{"order", "n9"}, Position: Pos(9)},
		{Type: OpInsert, EntityType: EntityNode, Value: NewValue(1)},
	}
	for i, op := range cases {
		if _, err := Apply(baseState(), op); !errors.Is(err, ErrInvalidPath) {
			t.Fatalf("case %d: err = %v, want ErrInvalidPath", i, err)
		}
	}
}

func TestApply_NoopLeavesState(t *testing.T) {
	out, err := Apply(baseState(), Operation{Type: OpUpdate, EntityType: EntityNode, Path: []string{"nowhere"}})
	if err != nil {
		t.Fatalf("Apply() error = %v", err)
	}
	if !reflect.DeepEqual(out, baseState()) {
		t.Fatalf("noop changed state: %v", out)
	}
}

func TestInvert_RoundTrip(t *testing.T) {
	ops := []Operation{
		{Type: OpInsert, EntityType: EntityNode, EntityID: "2", Path: []string{"nodes", "2"}, Value: NewValue(map[string]any{"title": "new"})},
		{Type: OpInsert, EntityType: EntityNode, EntityID: "1", Path: []string{"nodes", "1", "tags", "z"}, Position: Pos(3), Value: NewValue("z")},
		{Type: OpDelete, EntityType: EntityProperty, Path: []string{"order", "n2"}, Position: Pos(1), OldValue: NewValue("n2")},
		{Type: OpUpdate, EntityType: EntityNode, EntityID: "1", Path: []string{"nodes", "1", "title"}, OldValue: NewValue("root"), Value: NewValue("renamed")},
		{Type: OpMove, EntityType: EntityProperty, Path: []string{"order", "n4"}, Position: Pos(3), Target: Pos(0)},
	}
	for _, op := range ops {
		inv, err := Invert(op)
		if err != nil {
			t.Fatalf("Invert(%s) error = %v", op.Type, err)
		}
		once, err := Apply(baseState(), op)
		if err != nil {
			t.Fatalf("Apply(%s) error = %v", op.Type, err)
		}
		back, err := Apply(once, inv)
		if err != nil {
			t.Fatalf("Apply(invert %s) error = %v", op.Type, err)
		}
		if !reflect.DeepEqual(back, baseState()) {
			t.Fatalf("%s: round trip = %v, want %v", op.Type, back, baseState())
		}
	}

	if _, err := Invert(Operation{Type: OpTransform}); !errors.Is(err, ErrInvertUnsupported) {
		t.Fatalf("err = %v, want ErrInvertUnsupported", err)
	}
}

func TestCompose(t *testing.T) {
	u := func(oldV, newV int) Operation {
		return Operation{Type: OpUpdate, EntityType: EntityNode, EntityID: "n", Path: []string{"v"}, OldValue: NewValue(oldV), Value: NewValue(newV)}
	}
	got, err := Compose([]Operation{u(1, 2), u(2, 3)})
	if err != nil {
		t.Fatalf("Compose() error = %v", err)
	}
	if got.Type != OpUpdate || !got.OldValue.Equal(NewValue(1)) || !got.Value.Equal(NewValue(3)) {
		t.Fatalf("Compose() = %+v, want update 1->3", got)
	}

	ins := Operation{Type: OpInsert, EntityType: EntityNode, EntityID: "n", Path: []string{"v"}, Value: NewValue(1)}
	del := Operation{Type: OpDelete, EntityType: EntityNode, EntityID: "n", Path: []string{"v"}, OldValue: NewValue(5)}

	if got, _ := Compose([]Operation{ins, u(1, 7)}); got.Type != OpInsert || !got.Value.Equal(NewValue(7)) {
		t.Fatalf("insert+update = %+v", got)
	}
	if got, _ := Compose([]Operation{ins, del}); !got.IsNoop() {
		t.Fatalf("insert+delete = %+v, want noop", got)
	}
	if got, _ := Compose([]Operation{u(1, 2), del}); got.Type != OpDelete || !got.OldValue.Equal(NewValue(1)) {
		t.Fatalf("update+delete = %+v", got)
	}
	if got, _ := Compose([]Operation{del, ins}); got.Type != OpInsert {
		t.Fatalf("delete+insert = %+v, want second op", got)
	}

	if _, err := Compose(nil); !errors.Is(err, ErrCompose) {
		t.Fatalf("empty compose err = %v", err)
	}
	other := u(1, 2)
	other.EntityID = "m"
	if _, err := Compose([]Operation{u(1, 2), other}); !errors.Is(err, ErrComposeCrossEntity) {
		t.Fatalf("cross-entity err = %v", err)
	}
}

func TestValidate(t *testing.T) {
	cases := []struct {
		name string
		op   Operation
		want bool
	}{
		{"insert ok", Operation{Type: OpInsert, EntityType: EntityNode, Value: NewValue(1)}, true},
		{"insert without value", Operation{Type: OpInsert, EntityType: EntityNode}, false},
		{"insert null value", Operation{Type: OpInsert, EntityType: EntityNode, Value: Null()}, true},
		{"update missing old", Operation{Type: OpUpdate, EntityType: EntityEdge, Value: NewValue(1)}, false},
		{"update ok", Operation{Type: OpUpdate, EntityType: EntityEdge, Value: NewValue(1), OldValue: NewValue(0)}, true},
		{"move missing target", Operation{Type: OpMove, EntityType: EntityNode, Position: Pos(1)}, false},
		{"move ok", Operation{Type: OpMove, EntityType: EntityNode, Position: Pos(1), Target: Pos(0)}, true},
		{"delete ok", Operation{Type: OpDelete, EntityType: EntityProperty}, true},
		{"bad entity", Operation{Type: OpDelete, EntityType: "graph"}, false},
		{"bad type", Operation{Type: "rename", EntityType: EntityNode}, false},
		{"negative position", Operation{Type: OpDelete, EntityType: EntityNode, Position: Pos(-1)}, false},
	}
	for _, tc := range cases {
		if got := Validate(tc.op); got != tc.want {
			t.Fatalf("%s: Validate() = %v, want %v", tc.name, got, tc.want)
		}
	}
}

func TestValue_JSON(t *testing.T) {
	var op Operation
	if err := json.Unmarshal([]byte(`{"type":"update","entityType":"node","value":null,"oldValue":"x"}`), &op); err != nil {
		t.Fatalf("Unmarshal() error = %v", err)
	}
	if !op.Value.Defined() || op.Value.Interface() != nil {
		t.Fatalf("explicit null should be defined: %+v", op.Value)
	}

	b, err := json.Marshal(Operation{Type: OpDelete, EntityType: EntityNode})
	if err != nil {
		t.Fatalf("Marshal() error = %v", err)
	}
	var raw map[string]any
	_ = json.Unmarshal(b, &raw)
	if _, ok := raw["value"]; ok {
		t.Fatalf("undefined value serialized: %s", b)
	}
}

func TestScenario_ConcurrentInsertRemoteWins(t *testing.T) {
	state := map[string]any{"nodes": map[string]any{}}
	path := []string{"nodes", "5"}
	a := Operation{ID: "a", Type: OpInsert, EntityType: EntityNode, EntityID: "5", Path: path, Value: NewValue(map[string]any{"title": "X"}), UserID: "A"}
	b := Operation{ID: "b", Type: OpInsert, EntityType: EntityNode, EntityID: "5", Path: path, Value: NewValue(map[string]any{"title": "Y"}), UserID: "B"}

	state, err := Apply(state, b)
	if err != nil {
		t.Fatalf("Apply(b) error = %v", err)
	}
	res, err := Transform(a, b, PriorityRemote)
	if err != nil {
		t.Fatalf("Transform() error = %v", err)
	}
	state, err = Apply(state, res.Operation)
	if err != nil {
		t.Fatalf("Apply(a') error = %v", err)
	}
	if got := state["nodes"].(map[string]any)["5"].(map[string]any)["title"]; got != "Y" {
		t.Fatalf("title = %v, want Y", got)
	}
	if len(res.Conflicts) != 1 || res.Conflicts[0].Type != ConflictValue || res.Conflicts[0].Resolution != ResolutionRemote {
		t.Fatalf("conflicts = %+v", res.Conflicts)
	}
}
