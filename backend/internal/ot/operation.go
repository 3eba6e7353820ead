// Package ot holds the operation model of the collaborative graph editor and
// the operational transform engine that makes concurrent operations converge.
// Every function in this package is pure: no I/O, no shared state.
package ot

import (
	"encoding/json"
	"reflect"
	"slices"
	"time"
)

type OpType string

const (
	OpInsert    OpType = "insert"
	OpDelete    OpType = "delete"
	OpUpdate    OpType = "update"
	OpMove      OpType = "move"
	OpTransform OpType = "transform"
)

type EntityType string

const (
	EntityNode     EntityType = "node"
	EntityEdge     EntityType = "edge"
	EntityProperty EntityType = "property"
)

// Priority breaks ties when two operations touch the identical path.
// local: op1 (the one being transformed) wins; remote: op2 wins.
type Priority string

const (
	PriorityLocal  Priority = "local"
	PriorityRemote Priority = "remote"
)

type ConflictType string

const (
	ConflictValue    ConflictType = "value"
	ConflictDelete   ConflictType = "delete"
	ConflictPosition ConflictType = "position"
)

type Resolution string

const (
	ResolutionLocal  Resolution = "local"
	ResolutionRemote Resolution = "remote"
	ResolutionMerge  Resolution = "merge"
)

// Value is an opaque operation payload. The zero Value is undefined, which is
// not the same thing as an explicit JSON null.
type Value struct {
	v       any
	defined bool
}

func NewValue(v any) Value { return Value{v: v, defined: true} }

// Null returns a defined Value holding null.
func Null() Value { return Value{defined: true} }

func (v Value) Defined() bool  { return v.defined }
func (v Value) Interface() any { return v.v }

// IsZero lets `omitzero` drop undefined values from JSON.
func (v Value) IsZero() bool { return !v.defined }

func (v Value) Equal(o Value) bool {
	return v.defined == o.defined && reflect.DeepEqual(v.v, o.v)
}

func (v Value) MarshalJSON() ([]byte, error) {
	if !v.defined {
		return []byte("null"), nil
	}
	return json.Marshal(v.v)
}

func (v *Value) UnmarshalJSON(b []byte) error {
	var x any
	if err := json.Unmarshal(b, &x); err != nil {
		return err
	}
	v.v = x
	v.defined = true
	return nil
}

// Operation is the atomic unit of change applied to shared graph state.
type Operation struct {
	ID         string     `json:"id"`
	Type       OpType     `json:"type"`
	EntityType EntityType `json:"entityType"`
	EntityID   string     `json:"entityId,omitempty"`
	Path       []string   `json:"path,omitempty"`
	Value      Value      `json:"value,omitzero"`
	OldValue   Value      `json:"oldValue,omitzero"`
	// Position is set iff the operation targets an ordered collection.
	// For moves it is the source index.
	Position *int `json:"position,omitempty"`
	// Target is the destination index of a move.
	Target    *int      `json:"target,omitempty"`
	Timestamp time.Time `json:"timestamp"`
	UserID    string    `json:"userId"`
	SessionID string    `json:"sessionId"`
	// BaseVersion is the last graph version the submitting client had seen.
	BaseVersion uint64 `json:"baseVersion,omitempty"`
}

// Pos is a helper for building positional operations.
func Pos(i int) *int { return &i }

// Clone returns a copy that shares no mutable slices or pointers with op.
func (op Operation) Clone() Operation {
	out := op
	out.Path = slices.Clone(op.Path)
	if op.Position != nil {
		out.Position = Pos(*op.Position)
	}
	if op.Target != nil {
		out.Target = Pos(*op.Target)
	}
	return out
}

// IsNoop reports whether op is an Update carrying no value.
func (op Operation) IsNoop() bool {
	return op.Type == OpUpdate && !op.Value.Defined()
}

func (op Operation) Positional() bool { return op.Position != nil }

// EntityKey identifies the entity an operation touches.
func (op Operation) EntityKey() string {
	return string(op.EntityType) + ":" + op.EntityID
}

// ConflictInfo records a detected divergence between two concurrent operations.
type ConflictInfo struct {
	Type        ConflictType `json:"type"`
	Local       Operation    `json:"local"`
	Remote      Operation    `json:"remote"`
	Resolution  Resolution   `json:"resolution"`
	MergedValue Value        `json:"mergedValue,omitzero"`
}

type TransformResult struct {
	Operation   Operation      `json:"operation"`
	Transformed bool           `json:"transformed"`
	Conflicts   []ConflictInfo `json:"conflicts,omitempty"`
}

// Validate checks the structural preconditions of op. It never panics.
func Validate(op Operation) bool {
	switch op.EntityType {
	case EntityNode, EntityEdge, EntityProperty:
	default:
		return false
	}
	if op.Position != nil && *op.Position < 0 {
		return false
	}
	if op.Target != nil && *op.Target < 0 {
		return false
	}
	switch op.Type {
	case OpInsert:
		return op.Value.Defined()
	case OpUpdate:
		return op.Value.Defined() && op.OldValue.Defined()
	case OpMove:
		return op.Position != nil && op.Target != nil
	case OpDelete, OpTransform:
		return true
	}
	return false
}

func sameEntity(a, b Operation) bool {
	return a.EntityType == b.EntityType && a.EntityID == b.EntityID
}

func samePath(a, b []string) bool { return slices.Equal(a, b) }

// sameContainer reports whether two positional paths address the same
// ordered collection.
func sameContainer(a, b []string) bool {
	if len(a) == 0 || len(b) == 0 {
		return false
	}
	return slices.Equal(a[:len(a)-1], b[:len(b)-1])
}
