package ingest

import "errors"

// Error taxonomy for the keepalive ingestor (spec.md §7). The HTTP layer
// maps each to its status code; errors.Is is used the same way the
// teacher's db package tests db.ErrDuplicate / db.ErrNotFound.
var (
	// ErrCallback is returned when the reverse-ping to the reporter's
	// claimed ip:port fails (spec.md §4.3 step 3).
	ErrCallback = errors.New("ingest: callback error")

	// ErrMalformed is returned when the keepalive body cannot be parsed
	// even as the shallow ClaireStatus (spec.md §4.3 step 4).
	ErrMalformed = errors.New("ingest: JSON parse error")

	// ErrInconsistent is returned when codename/port in the query string
	// disagree with the body (spec.md §4.3 step 5).
	ErrInconsistent = errors.New("ingest: inconsistent URL/body parameters")
)
