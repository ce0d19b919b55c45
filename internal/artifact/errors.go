package artifact

import "errors"

var (
	// ErrNotFound: the dataset, time bound or locator has no matching record.
	ErrNotFound = errors.New("artifact not found")
	// ErrValidation: the request was rejected before anything was written.
	ErrValidation = errors.New("invalid artifact request")
	// ErrConflict: no free blob key could be claimed for a write.
	ErrConflict = errors.New("artifact key conflict")
	// ErrConsistency: the index and the blob store disagree about a record.
	ErrConsistency = errors.New("artifact index and blob store are inconsistent")
)
