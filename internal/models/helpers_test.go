package models

import (
	"testing"

	surrealmodels "github.com/surrealdb/surrealdb.go/pkg/models"
)

func TestRecordIDString(t *testing.T) {
	id := NewRecordID("ingest_run", "abc-123")
	s, err := RecordIDString(id)
	if err != nil {
		t.Fatalf("RecordIDString failed: %v", err)
	}
	if s != "abc-123" {
		t.Errorf("Expected 'abc-123', got %q", s)
	}
}

func TestRecordIDStringNonString(t *testing.T) {
	id := surrealmodels.RecordID{Table: "ingest_run", ID: 42}
	if _, err := RecordIDString(id); err == nil {
		t.Error("Expected error for non-string ID")
	}
}

func TestFormatValue(t *testing.T) {
	cases := []struct {
		in   float64
		want string
	}{
		{12500, "12500"},
		{0.25, "0.25"},
		{-3.5, "-3.5"},
		{0, "0"},
		{1e21, "1e+21"},
	}
	for _, c := range cases {
		if got := FormatValue(c.in); got != c.want {
			t.Errorf("FormatValue(%v) = %q, want %q", c.in, got, c.want)
		}
	}
}

func TestLeaseKey(t *testing.T) {
	if got := LeaseKey("revenue", "v2"); got != "revenue@v2" {
		t.Errorf("LeaseKey = %q, want 'revenue@v2'", got)
	}
}

func TestRunStatusTerminalAndTrusted(t *testing.T) {
	if RunRunning.Terminal() {
		t.Error("running must not be terminal")
	}
	for _, s := range []RunStatus{RunSucceeded, RunFailed, RunPartial, RunCancelled} {
		if !s.Terminal() {
			t.Errorf("%s must be terminal", s)
		}
	}

	if !RunSucceeded.Trusted() || !RunPartial.Trusted() {
		t.Error("succeeded and partial runs are trusted")
	}
	if RunFailed.Trusted() || RunCancelled.Trusted() || RunRunning.Trusted() {
		t.Error("failed, cancelled and running runs are not trusted")
	}
}

func TestLeaseExpired(t *testing.T) {
	l := ComputationLease{}
	if !l.Expired(l.ExpiresAt) {
		t.Error("lease at its expiry instant is expired")
	}
}
