// Package service implements the audit engine: ingest tracking, quality
// gating, leased snapshot computation, lineage chains, citation-enforced
// agent runs, and the read-only trace facade.
package service

import (
	"errors"
	"fmt"
)

// Machine-readable reasons carried by Unavailable results. Absence of data
// is always surfaced with one of these, never papered over with a default.
const (
	// ReasonSourceUnresolved: no ingest run, or the run is not in a
	// trusted terminal state.
	ReasonSourceUnresolved = "source_unresolved"

	// ReasonSourceTimeout: the evaluator timed out or failed against the
	// upstream data source. Retryable.
	ReasonSourceTimeout = "source_timeout"

	// ReasonInvalidValue: the evaluator produced NaN/Inf, a value outside
	// the KPI's declared bounds, or an incomplete lineage chain.
	ReasonInvalidValue = "invalid_value"

	// ReasonLeaseTimeout: waited out another worker's computation lease
	// without observing its result. Retryable.
	ReasonLeaseTimeout = "lease_timeout"

	// ReasonNoSnapshot: no chain-verified snapshot exists at or before
	// the requested time.
	ReasonNoSnapshot = "no_snapshot_before_asof"
)

// Unavailable is the typed absence of a KPI value. It travels as an error
// so it composes with the usual wrapping, but callers should branch on it
// with AsUnavailable rather than treat it as a fault.
type Unavailable struct {
	Reason string
	Detail string
}

func (u *Unavailable) Error() string {
	if u.Detail == "" {
		return "data unavailable: " + u.Reason
	}
	return "data unavailable: " + u.Reason + ": " + u.Detail
}

func unavailable(reason, detail string) *Unavailable {
	return &Unavailable{Reason: reason, Detail: detail}
}

// AsUnavailable extracts an Unavailable from an error chain.
func AsUnavailable(err error) (*Unavailable, bool) {
	var u *Unavailable
	if errors.As(err, &u) {
		return u, true
	}
	return nil, false
}

// UnavailableMarker is the literal prefix a narrative must carry for every
// KPI it cites as unavailable. The full marker is the prefix followed by
// the machine-readable reason.
const UnavailableMarker = "DATA_UNAVAILABLE — "

// MarkerFor returns the literal narrative marker for a reason.
func MarkerFor(reason string) string {
	return UnavailableMarker + reason
}

// CitationError rejects an agent run whose narrative claims something its
// citations do not support. Raised synchronously before persistence; the
// run is never stored.
type CitationError struct {
	KpiID  string
	Reason string
}

func (e *CitationError) Error() string {
	return fmt.Sprintf("invalid citation for %q: %s", e.KpiID, e.Reason)
}

// LineageIntegrityError reports a stored chain hash that no longer matches
// the hash re-derived from the stored steps. Fatal for that snapshot only:
// the trace facade excludes it and raises this to the audit channel.
type LineageIntegrityError struct {
	SnapshotID   string
	KpiID        string
	StoredHash   string
	ComputedHash string
	Reason       string
}

func (e *LineageIntegrityError) Error() string {
	return fmt.Sprintf("lineage integrity violation on snapshot %s (kpi %s): %s",
		e.SnapshotID, e.KpiID, e.Reason)
}
