// Package diagnostics builds the read-only runtime reports served by the
// debug endpoints: a ranked allocation snapshot, a census of host cache
// sizes, and a parent grouping of recorded spans.
//
// Every report is recomputed from its source on each call. Sources are
// injected at construction and are read without extra locking, so counts
// may reflect writes that are in flight.
package diagnostics
