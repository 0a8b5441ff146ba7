package fleet

import "errors"

var (
	// ErrLockContention means another writer holds the vehicle's lease.
	ErrLockContention = errors.New("vehicle lease held by another writer")

	// ErrTransientStore wraps infrastructure failures that are worth a retry.
	ErrTransientStore = errors.New("transient store failure")

	// ErrLatestConflict means the store refused to promote a report because
	// a newer latest already exists for the vehicle.
	ErrLatestConflict = errors.New("latest position conflict")

	// ErrRetriesExhausted is the terminal per-report failure after the
	// configured retry budget is spent. Redelivery is the transport's call.
	ErrRetriesExhausted = errors.New("ingestion retries exhausted")
)
