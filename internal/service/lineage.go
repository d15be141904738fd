package service

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"

	"github.com/raphaelgruber/kpiledger/internal/models"
)

// StepInput describes one transformation step before it is persisted.
type StepInput struct {
	Name           string
	InputTable     string
	Transformation string
	Checksum       string
}

// Chain assembles a lineage chain for one snapshot. Steps must arrive in a
// gap-free 1..N order; the chain is sealed exactly once and the hash is
// then stored immutably with the snapshot.
type Chain struct {
	steps  []StepInput
	sealed bool
	hash   string
}

// NewChain creates an empty lineage chain.
func NewChain() *Chain {
	return &Chain{}
}

// Append adds a step. Order must be exactly len(existing)+1, starting at 1.
func (c *Chain) Append(order int, name, inputTable, transformation, checksum string) error {
	if c.sealed {
		return fmt.Errorf("lineage chain already sealed")
	}
	if want := len(c.steps) + 1; order != want {
		return fmt.Errorf("lineage step order %d breaks contiguity (want %d)", order, want)
	}
	if name == "" {
		return fmt.Errorf("lineage step %d has no name", order)
	}
	if checksum == "" {
		return fmt.Errorf("lineage step %d has no checksum", order)
	}
	c.steps = append(c.steps, StepInput{
		Name:           name,
		InputTable:     inputTable,
		Transformation: transformation,
		Checksum:       checksum,
	})
	return nil
}

// Seal computes the chain hash over all appended steps. A chain seals once;
// sealing an empty chain is an error because a snapshot without lineage
// must never exist.
func (c *Chain) Seal() (string, error) {
	if c.sealed {
		return "", fmt.Errorf("lineage chain already sealed")
	}
	if len(c.steps) == 0 {
		return "", fmt.Errorf("cannot seal empty lineage chain")
	}
	checksums := make([]string, len(c.steps))
	for i, s := range c.steps {
		checksums[i] = s.Checksum
	}
	c.hash = ChainHash(checksums)
	c.sealed = true
	return c.hash, nil
}

// Steps returns the appended steps in order.
func (c *Chain) Steps() []StepInput {
	out := make([]StepInput, len(c.steps))
	copy(out, c.steps)
	return out
}

// ChainHash computes the hash over ordered step checksums:
// hash(checksum1 ‖ checksum2 ‖ … ‖ checksumN). Checksums are length-framed
// so that shifting bytes between adjacent steps cannot collide.
func ChainHash(checksums []string) string {
	h := sha256.New()
	for _, cs := range checksums {
		fmt.Fprintf(h, "%d:", len(cs))
		h.Write([]byte(cs))
	}
	return hex.EncodeToString(h.Sum(nil))
}

// VerifySteps re-derives the chain hash from stored steps and compares it
// to the stored value. This is the tamper-evidence check the trace facade
// runs before serving any snapshot. Steps must already be in step order.
func VerifySteps(snap *models.KpiSnapshot, steps []models.LineageStep) *LineageIntegrityError {
	snapID := models.MustRecordIDString(snap.ID)

	if len(steps) == 0 {
		return &LineageIntegrityError{
			SnapshotID: snapID,
			KpiID:      snap.KpiID,
			StoredHash: snap.ChainHash,
			Reason:     "snapshot has no lineage steps",
		}
	}

	checksums := make([]string, len(steps))
	for i, s := range steps {
		if s.StepOrder != i+1 {
			return &LineageIntegrityError{
				SnapshotID: snapID,
				KpiID:      snap.KpiID,
				StoredHash: snap.ChainHash,
				Reason:     fmt.Sprintf("step order %d at position %d breaks contiguity", s.StepOrder, i+1),
			}
		}
		checksums[i] = s.Checksum
	}

	computed := ChainHash(checksums)
	if computed != snap.ChainHash {
		return &LineageIntegrityError{
			SnapshotID:   snapID,
			KpiID:        snap.KpiID,
			StoredHash:   snap.ChainHash,
			ComputedHash: computed,
			Reason:       "stored chain hash does not match steps",
		}
	}
	return nil
}
