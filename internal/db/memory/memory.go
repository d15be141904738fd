// Package memory provides an in-memory audit store with the same semantics
// as the SurrealDB-backed client. Used by the service tests and for local
// development without a database.
package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/raphaelgruber/kpiledger/internal/db"
	"github.com/raphaelgruber/kpiledger/internal/models"
)

// Store holds all audit tables in maps guarded by one mutex. Reads return
// copies; callers never see shared row memory.
type Store struct {
	mu       sync.RWMutex
	runs     map[string]models.IngestRun
	issues   map[string]models.DataQualityIssue
	snaps    map[string]models.KpiSnapshot
	steps    map[string][]models.LineageStep
	agents   map[string]models.AgentRun
	leases   map[string]models.ComputationLease
	agentSeq []string
}

// NewStore creates an empty in-memory store.
func NewStore() *Store {
	return &Store{
		runs:   make(map[string]models.IngestRun),
		issues: make(map[string]models.DataQualityIssue),
		snaps:  make(map[string]models.KpiSnapshot),
		steps:  make(map[string][]models.LineageStep),
		agents: make(map[string]models.AgentRun),
		leases: make(map[string]models.ComputationLease),
	}
}

// --- ingest runs ---

func (s *Store) CreateIngestRun(_ context.Context, run models.IngestRun) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	id := models.MustRecordIDString(run.ID)
	if _, exists := s.runs[id]; exists {
		return fmt.Errorf("create ingest run: duplicate id %s", id)
	}
	run.Status = models.RunRunning
	run.RecordsLoaded = 0
	s.runs[id] = run
	return nil
}

func (s *Store) GetIngestRun(_ context.Context, id string) (*models.IngestRun, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	run, ok := s.runs[id]
	if !ok {
		return nil, nil
	}
	return &run, nil
}

func (s *Store) FindSucceededRunByHash(_ context.Context, inputHash string) (*models.IngestRun, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var best *models.IngestRun
	for _, run := range s.runs {
		if run.InputHash != inputHash || run.Status != models.RunSucceeded {
			continue
		}
		if best == nil || run.StartedAt.After(best.StartedAt) {
			r := run
			best = &r
		}
	}
	return best, nil
}

func (s *Store) CompleteIngestRun(_ context.Context, id string, status models.RunStatus, recordsLoaded int64, details string, completedAt time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	run, ok := s.runs[id]
	if !ok {
		return fmt.Errorf("complete ingest run: %w: %s", db.ErrNotFound, id)
	}
	if run.Status != models.RunRunning {
		return fmt.Errorf("complete ingest run: %w: %s", db.ErrDoubleCompletion, id)
	}
	run.Status = status
	run.RecordsLoaded = recordsLoaded
	if details != "" {
		run.Details = &details
	}
	run.CompletedAt = &completedAt
	s.runs[id] = run
	return nil
}

func (s *Store) ListIngestRuns(_ context.Context, limit int) ([]models.IngestRun, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]models.IngestRun, 0, len(s.runs))
	for _, run := range s.runs {
		out = append(out, run)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].StartedAt.After(out[j].StartedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *Store) PurgeIngestRun(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, snap := range s.snaps {
		if snap.IngestRunID != nil && *snap.IngestRunID == id {
			return fmt.Errorf("purge ingest run: %w: %s", db.ErrRunReferenced, id)
		}
	}
	for issueID, issue := range s.issues {
		if issue.IngestRunID == id {
			delete(s.issues, issueID)
		}
	}
	delete(s.runs, id)
	return nil
}

// --- quality issues ---

func (s *Store) CreateIssue(_ context.Context, issue models.DataQualityIssue) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.runs[issue.IngestRunID]; !ok {
		return fmt.Errorf("create issue: %w: ingest run %s", db.ErrNotFound, issue.IngestRunID)
	}
	s.issues[models.MustRecordIDString(issue.ID)] = issue
	return nil
}

func (s *Store) CountOpenCritical(_ context.Context, runID string) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	n := 0
	for _, issue := range s.issues {
		if issue.IngestRunID == runID && issue.Severity == models.SeverityCritical && issue.Open() {
			n++
		}
	}
	return n, nil
}

func (s *Store) ResolveIssue(_ context.Context, id string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	issue, ok := s.issues[id]
	if !ok {
		return fmt.Errorf("resolve issue: %w: %s", db.ErrNotFound, id)
	}
	if issue.ResolvedAt != nil {
		return nil
	}
	issue.ResolvedAt = &at
	s.issues[id] = issue
	return nil
}

func (s *Store) ListIssues(_ context.Context, runID string) ([]models.DataQualityIssue, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]models.DataQualityIssue, 0)
	for _, issue := range s.issues {
		if issue.IngestRunID == runID {
			out = append(out, issue)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].DetectedAt.Before(out[j].DetectedAt) })
	return out, nil
}

// --- snapshots and lineage ---

func (s *Store) CreateSnapshotWithSteps(_ context.Context, snap models.KpiSnapshot, steps []models.LineageStep) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	id := models.MustRecordIDString(snap.ID)
	if _, exists := s.snaps[id]; exists {
		return fmt.Errorf("create snapshot: duplicate id %s", id)
	}
	stored := make([]models.LineageStep, len(steps))
	copy(stored, steps)
	s.snaps[id] = snap
	s.steps[id] = stored
	return nil
}

func (s *Store) GetSnapshot(_ context.Context, id string) (*models.KpiSnapshot, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	snap, ok := s.snaps[id]
	if !ok {
		return nil, nil
	}
	return &snap, nil
}

func (s *Store) LatestSnapshot(_ context.Context, kpiID, version string) (*models.KpiSnapshot, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var best *models.KpiSnapshot
	for _, snap := range s.snaps {
		if snap.KpiID != kpiID || snap.CalculationVersion != version {
			continue
		}
		if best == nil || snap.CalculatedAt.After(best.CalculatedAt) {
			sn := snap
			best = &sn
		}
	}
	return best, nil
}

func (s *Store) SnapshotsAsOf(_ context.Context, kpiID string, asOf time.Time, limit int) ([]models.KpiSnapshot, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]models.KpiSnapshot, 0)
	for _, snap := range s.snaps {
		if snap.KpiID == kpiID && !snap.CalculatedAt.After(asOf) {
			out = append(out, snap)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CalculatedAt.After(out[j].CalculatedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *Store) LineageSteps(_ context.Context, snapshotID string) ([]models.LineageStep, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	stored := s.steps[snapshotID]
	out := make([]models.LineageStep, len(stored))
	copy(out, stored)
	sort.Slice(out, func(i, j int) bool { return out[i].StepOrder < out[j].StepOrder })
	return out, nil
}

// --- agent runs ---

func (s *Store) CreateAgentRun(_ context.Context, run models.AgentRun) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	id := models.MustRecordIDString(run.ID)
	if _, exists := s.agents[id]; exists {
		return fmt.Errorf("create agent run: duplicate id %s", id)
	}
	s.agents[id] = run
	s.agentSeq = append(s.agentSeq, id)
	return nil
}

func (s *Store) AgentRunsCiting(_ context.Context, snapshotID string) ([]models.AgentRun, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]models.AgentRun, 0)
	for _, id := range s.agentSeq {
		run := s.agents[id]
		for _, c := range run.Citations {
			if c.SnapshotID == snapshotID {
				out = append(out, run)
				break
			}
		}
	}
	return out, nil
}

// --- computation lease ---

func (s *Store) AcquireLease(_ context.Context, key, holder string, acquiredAt, expiresAt time.Time) (*models.ComputationLease, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if existing, ok := s.leases[key]; ok {
		if !existing.Expired(acquiredAt) && existing.Holder != holder {
			return nil, fmt.Errorf("acquire lease: %w: %s", db.ErrLeaseHeld, key)
		}
	}
	lease := models.ComputationLease{
		ID:         models.NewRecordID("computation_lease", key),
		Key:        key,
		Holder:     holder,
		AcquiredAt: acquiredAt,
		ExpiresAt:  expiresAt,
	}
	s.leases[key] = lease
	return &lease, nil
}

func (s *Store) ReleaseLease(_ context.Context, key, holder string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if existing, ok := s.leases[key]; ok && existing.Holder == holder {
		delete(s.leases, key)
	}
	return nil
}

func (s *Store) GetLease(_ context.Context, key string) (*models.ComputationLease, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	lease, ok := s.leases[key]
	if !ok {
		return nil, nil
	}
	return &lease, nil
}

// TamperStepChecksum overwrites a stored step's checksum in place, bypassing
// the write path. Test support for exercising chain verification.
func (s *Store) TamperStepChecksum(snapshotID string, stepOrder int, checksum string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	steps := s.steps[snapshotID]
	for i := range steps {
		if steps[i].StepOrder == stepOrder {
			steps[i].Checksum = checksum
			return true
		}
	}
	return false
}
