package update

import (
	"fmt"
	"math"
	"reflect"
	"strings"

	"github.com/rzpsarthak13/history-absorber/internal/core"
)

// Target is one logical batched append: push Records onto the array at Path,
// then cap it at Limit.
//
// Limit < 0 keeps the last |Limit| elements, Limit > 0 keeps the first Limit
// elements and 0 leaves the array uncapped.
type Target struct {
	Path    string
	Records []core.PlayRecord
	Limit   int
}

// Compile translates an ordered batch of records into the store operations
// that append them to path and apply the retention cap.
//
// Zero records compile to no operations. Records that are themselves
// sequences are flattened one level so a batch never becomes a nested entry.
func Compile(path string, records []core.PlayRecord, limit int) ([]core.UpdateOperation, error) {
	if err := ValidatePath(path); err != nil {
		return nil, err
	}
	if limit == math.MinInt {
		return nil, fmt.Errorf("%w: cap %d cannot be represented as a slice bound", core.ErrCompilation, limit)
	}

	flat := Flatten(records)
	if len(flat) == 0 {
		return nil, nil
	}

	ops := make([]core.UpdateOperation, 0, 2)
	ops = append(ops, core.UpdateOperation{
		Path:  path,
		Kind:  core.OperationPushEach,
		Value: flat,
	})

	switch {
	case limit < 0:
		ops = append(ops, core.UpdateOperation{Path: path, Kind: core.OperationSliceFromEnd, Bound: -limit})
	case limit > 0:
		ops = append(ops, core.UpdateOperation{Path: path, Kind: core.OperationSliceFromStart, Bound: limit})
	}

	return ops, nil
}

// CompileAll compiles several targets for one document. Appends to the same
// path are coalesced into a single push in input order; every distinct path
// gets its own push/slice pair. Paths are returned in first-seen order.
func CompileAll(targets []Target) ([]core.PathOps, error) {
	order := make([]string, 0, len(targets))
	merged := make(map[string]*Target, len(targets))

	for _, t := range targets {
		existing, ok := merged[t.Path]
		if !ok {
			copied := Target{Path: t.Path, Limit: t.Limit}
			copied.Records = append(copied.Records, t.Records...)
			merged[t.Path] = &copied
			order = append(order, t.Path)
			continue
		}
		if existing.Limit != t.Limit {
			return nil, fmt.Errorf("%w: conflicting caps %d and %d for path %q",
				core.ErrCompilation, existing.Limit, t.Limit, t.Path)
		}
		existing.Records = append(existing.Records, t.Records...)
	}

	result := make([]core.PathOps, 0, len(order))
	for _, path := range order {
		t := merged[path]
		ops, err := Compile(t.Path, t.Records, t.Limit)
		if err != nil {
			return nil, err
		}
		if len(ops) == 0 {
			continue
		}
		result = append(result, core.PathOps{Path: path, Ops: ops})
	}
	return result, nil
}

// ValidatePath rejects empty paths, empty segments and operator-like
// segments starting with '$'.
func ValidatePath(path string) error {
	if path == "" {
		return fmt.Errorf("%w: target path is required", core.ErrCompilation)
	}
	for _, segment := range strings.Split(path, ".") {
		if segment == "" {
			return fmt.Errorf("%w: path %q has an empty segment", core.ErrCompilation, path)
		}
		if strings.HasPrefix(segment, "$") {
			return fmt.Errorf("%w: path %q has an operator segment %q", core.ErrCompilation, path, segment)
		}
	}
	return nil
}

// Flatten expands records that are slices or arrays by one level. Byte
// slices are treated as scalar values.
func Flatten(records []core.PlayRecord) []core.PlayRecord {
	flat := make([]core.PlayRecord, 0, len(records))
	for _, record := range records {
		if record == nil {
			flat = append(flat, record)
			continue
		}
		v := reflect.ValueOf(record)
		if (v.Kind() == reflect.Slice || v.Kind() == reflect.Array) && v.Type().Elem().Kind() != reflect.Uint8 {
			for i := 0; i < v.Len(); i++ {
				flat = append(flat, v.Index(i).Interface())
			}
			continue
		}
		flat = append(flat, record)
	}
	return flat
}
