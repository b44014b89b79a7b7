package thread

import (
	"errors"
	"fmt"
	"log/slog"
	"reflect"
)

// ErrNotAList is returned by a push against a key whose current value is
// not list-shaped.
var ErrNotAList = errors.New("existing value is not a list")

// OpKind identifies a queued mutation.
type OpKind string

const (
	OpSet    OpKind = "set"
	OpDelete OpKind = "delete"
	OpClear  OpKind = "clear"
	OpPush   OpKind = "push"
)

// Operation is a single mutation intent recorded before the backing state
// is materialized. Operations are totally ordered by issue time.
type Operation struct {
	Op         OpKind `json:"op"`
	Key        string `json:"key,omitempty"`
	Value      any    `json:"value,omitempty"`
	MaxRecords int    `json:"maxRecords,omitempty"`
}

// ApplyOperation applies a single operation to state in place. A push
// against an existing non-list value returns ErrNotAList; everything else
// succeeds.
func ApplyOperation(state map[string]any, op Operation) error {
	switch op.Op {
	case OpSet:
		state[op.Key] = op.Value
	case OpDelete:
		delete(state, op.Key)
	case OpClear:
		for k := range state {
			delete(state, k)
		}
	case OpPush:
		list, ok := asList(state[op.Key])
		if !ok {
			return fmt.Errorf("push %q: %w", op.Key, ErrNotAList)
		}
		list = append(list, op.Value)
		if op.MaxRecords > 0 && len(list) > op.MaxRecords {
			list = list[len(list)-op.MaxRecords:]
		}
		state[op.Key] = list
	default:
		return fmt.Errorf("unknown operation %q", op.Op)
	}
	return nil
}

// ReplayOperations applies queued operations in issue order. Operations
// that cannot apply (a push recorded against a value that turns out not to
// be a list) are skipped rather than raised: the caller that queued them
// already returned successfully.
func ReplayOperations(state map[string]any, ops []Operation, logger *slog.Logger) {
	if logger == nil {
		logger = slog.Default()
	}
	for _, op := range ops {
		if err := ApplyOperation(state, op); err != nil {
			logger.Debug("skipping queued operation during replay",
				"op", op.Op, "key", op.Key, "error", err)
		}
	}
}

// asList coerces a stored value into an appendable list. A missing value
// starts a fresh list. Typed slices (e.g. a []string the caller stored)
// are widened to []any so pushes keep working after a set.
func asList(v any) ([]any, bool) {
	switch t := v.(type) {
	case nil:
		return nil, true
	case []any:
		return t, true
	}
	rv := reflect.ValueOf(v)
	if rv.Kind() != reflect.Slice && rv.Kind() != reflect.Array {
		return nil, false
	}
	list := make([]any, rv.Len())
	for i := range list {
		list[i] = rv.Index(i).Interface()
	}
	return list, true
}
