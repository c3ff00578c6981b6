package update

import (
	"errors"
	"fmt"
	"strings"

	"github.com/rzpsarthak13/history-absorber/internal/core"
)

var (
	// ErrNotArray is returned when a push or slice targets a field that holds
	// something other than an array.
	ErrNotArray = errors.New("field is not an array")

	// ErrNotDocument is returned when a path walks through a non-object value.
	ErrNotDocument = errors.New("path crosses a non-object value")
)

// Apply applies ops in order to doc, creating intermediate objects along
// dotted paths as needed. Stores that cannot express push/slice natively use
// it for read-modify-write. A failing operation is reported as a
// *core.PathError; doc may be partially modified in that case, so callers
// must work on a copy they can discard.
func Apply(doc map[string]any, ops []core.UpdateOperation) error {
	for _, op := range ops {
		if err := applyOne(doc, op); err != nil {
			return &core.PathError{Path: op.Path, Err: err}
		}
	}
	return nil
}

func applyOne(doc map[string]any, op core.UpdateOperation) error {
	parent, field, err := walk(doc, op.Path)
	if err != nil {
		return err
	}

	if op.Kind == core.OperationSet {
		parent[field] = op.Value
		return nil
	}

	arr, err := asArray(parent[field])
	if err != nil {
		return err
	}

	switch op.Kind {
	case core.OperationPush, core.OperationPushEach:
		arr = append(arr, op.Records()...)
	case core.OperationSliceFromEnd:
		if op.Bound < len(arr) {
			arr = append([]any(nil), arr[len(arr)-op.Bound:]...)
		}
	case core.OperationSliceFromStart:
		if op.Bound < len(arr) {
			arr = append([]any(nil), arr[:op.Bound]...)
		}
	default:
		return fmt.Errorf("unsupported operation %s", op.Kind)
	}

	parent[field] = arr
	return nil
}

func walk(doc map[string]any, path string) (map[string]any, string, error) {
	segments := strings.Split(path, ".")
	nested := doc
	for _, segment := range segments[:len(segments)-1] {
		next, ok := nested[segment]
		if !ok || next == nil {
			child := make(map[string]any)
			nested[segment] = child
			nested = child
			continue
		}
		child, ok := next.(map[string]any)
		if !ok {
			return nil, "", fmt.Errorf("%w at %q", ErrNotDocument, segment)
		}
		nested = child
	}
	return nested, segments[len(segments)-1], nil
}

func asArray(value any) ([]any, error) {
	switch v := value.(type) {
	case nil:
		return []any{}, nil
	case []any:
		return v, nil
	default:
		return nil, fmt.Errorf("%w (got %T)", ErrNotArray, value)
	}
}

// ArrayAt returns the array stored at path in doc, or nil if absent.
func ArrayAt(doc map[string]any, path string) ([]any, error) {
	segments := strings.Split(path, ".")
	var current any = doc
	for _, segment := range segments {
		m, ok := current.(map[string]any)
		if !ok {
			return nil, fmt.Errorf("%w at %q", ErrNotDocument, segment)
		}
		current, ok = m[segment]
		if !ok {
			return nil, nil
		}
	}
	return asArray(current)
}
