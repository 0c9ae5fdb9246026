package memstore

import "errors"

// Sentinel errors surfaced by the engine. Wrapped with fmt.Errorf("%w: ...")
// at call sites and tested with errors.Is, matching the teacher's own
// error-handling style.
var (
	// ErrNotFound is never returned by Get/Lookup/Remove: those report
	// absence as a (zero, false) result. It exists for internal helpers
	// that need an error value to thread through a common path.
	ErrNotFound = errors.New("memstore: not found")

	ErrCapacityExceeded = errors.New("memstore: capacity ceiling exceeded")
	ErrIO               = errors.New("memstore: i/o error")
	ErrCorruptHeader    = errors.New("memstore: corrupt header")
	ErrIncompatible     = errors.New("memstore: incompatible store")
	ErrClosed           = errors.New("memstore: store is closed")
	ErrAlreadyExists    = errors.New("memstore: already exists")
	ErrInvalidEmbedding = errors.New("memstore: embedding has wrong dimension")
	ErrInvalidArgument  = errors.New("memstore: invalid argument")
)
