package core

import (
	"context"
)

// DocumentStore is the backing store that batched history is written to.
// Implementations include Redis, DynamoDB, MySQL and an in-memory store.
type DocumentStore interface {
	// Apply applies ops, in order, to the document identified by docID.
	// The whole list is applied atomically per document: either every
	// operation is visible afterwards or none is. A failure that can be
	// attributed to one field is returned as a *PathError.
	Apply(ctx context.Context, docID string, ops []UpdateOperation) error

	// Close releases connections held by the store.
	Close() error
}

// DocumentReader is implemented by stores that can return a stored array.
// It is used by the HTTP server and by tests; the write path never reads.
type DocumentReader interface {
	// ReadArray returns the array stored at path in docID, or an empty slice
	// if the document or field does not exist.
	ReadArray(ctx context.Context, docID string, path string) ([]PlayRecord, error)
}

// ErrorReporter receives flush failures. The accumulator keeps the records
// for retry; the reporter is only informed.
type ErrorReporter interface {
	ReportFlushFailure(key string, err error, pending int)
}

// ErrorReporterFunc adapts a function to ErrorReporter.
type ErrorReporterFunc func(key string, err error, pending int)

// ReportFlushFailure calls f.
func (f ErrorReporterFunc) ReportFlushFailure(key string, err error, pending int) {
	f(key, err, pending)
}
