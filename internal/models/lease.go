package models

import (
	"time"

	surrealmodels "github.com/surrealdb/surrealdb.go/pkg/models"
)

// ComputationLease is a time-bounded exclusive claim on a (kpi_id, version)
// computation key. The only mutable table besides ingest_run status: a
// crashed holder's lease simply expires, which bounds staleness instead of
// deadlocking later workers.
type ComputationLease struct {
	ID         surrealmodels.RecordID `json:"id"`
	Key        string                 `json:"key"`
	Holder     string                 `json:"holder"`
	AcquiredAt time.Time              `json:"acquired_at"`
	ExpiresAt  time.Time              `json:"expires_at"`
}

// Expired reports whether the lease is past its TTL at the given instant.
func (l *ComputationLease) Expired(now time.Time) bool {
	return !now.Before(l.ExpiresAt)
}

// LeaseKey builds the computation lease key for a KPI and version.
func LeaseKey(kpiID, version string) string {
	return kpiID + "@" + version
}
