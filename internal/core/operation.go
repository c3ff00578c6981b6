package core

import (
	"fmt"
)

// OperationKind identifies the mutation an UpdateOperation performs on a
// document field.
type OperationKind int

const (
	// OperationPush appends a single value to the array at Path.
	OperationPush OperationKind = iota

	// OperationPushEach appends every element of Value (a []PlayRecord) to the
	// array at Path, preserving order.
	OperationPushEach

	// OperationSliceFromEnd trims the array at Path to its last Bound elements.
	OperationSliceFromEnd

	// OperationSliceFromStart trims the array at Path to its first Bound elements.
	OperationSliceFromStart

	// OperationSet replaces the field at Path with Value.
	OperationSet
)

// String returns the wire-ish name of the operation kind, used in logs and
// Redis command comments.
func (k OperationKind) String() string {
	switch k {
	case OperationPush:
		return "PUSH"
	case OperationPushEach:
		return "PUSH_EACH"
	case OperationSliceFromEnd:
		return "SLICE_FROM_END"
	case OperationSliceFromStart:
		return "SLICE_FROM_START"
	case OperationSet:
		return "SET"
	default:
		return fmt.Sprintf("OperationKind(%d)", int(k))
	}
}

// UpdateOperation is a single mutation instruction against one field of a
// document. Slice operations carry their length in Bound and ignore Value.
type UpdateOperation struct {
	// Path is the dotted field path inside the document (e.g. "history").
	Path string

	// Kind is the mutation to perform.
	Kind OperationKind

	// Value is the pushed or assigned value. For OperationPushEach it is a
	// []PlayRecord.
	Value any

	// Bound is the number of elements kept by a slice operation.
	Bound int
}

// SignedBound returns the slice bound in the push-with-slice convention used by
// document stores: negative keeps the last |n| elements, positive keeps the
// first n. It returns 0 for non-slice operations.
func (op UpdateOperation) SignedBound() int {
	switch op.Kind {
	case OperationSliceFromEnd:
		return -op.Bound
	case OperationSliceFromStart:
		return op.Bound
	default:
		return 0
	}
}

// Records returns the pushed records of a push operation as a slice.
func (op UpdateOperation) Records() []PlayRecord {
	switch op.Kind {
	case OperationPushEach:
		if records, ok := op.Value.([]PlayRecord); ok {
			return records
		}
		return nil
	case OperationPush:
		return []PlayRecord{op.Value}
	default:
		return nil
	}
}

// PathOps groups the operations compiled for a single target path.
type PathOps struct {
	Path string
	Ops  []UpdateOperation
}
