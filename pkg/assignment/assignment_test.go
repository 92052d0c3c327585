package assignment

import (
	"errors"
	"testing"

	"github.com/kestrelci/controller/pkg/ctlerr"
	"github.com/kestrelci/controller/pkg/types"
)

// TestCheckEligibility exercises the candidate-selection logic in
// isolation from the Store, since the full Assign path needs a real
// database transaction (see pkg/store's SKIP LOCKED integration test for
// that).
func TestCheckEligibility(t *testing.T) {
	tests := []struct {
		name       string
		status     types.WorkerStatus
		wantErr    bool
		wantKind   ctlerr.Kind
		transient  bool
	}{
		{name: "idle is eligible", status: types.WorkerStatusIdle, wantErr: false},
		{name: "building is rejected at budget 1", status: types.WorkerStatusBuilding, wantErr: true, wantKind: ctlerr.KindWorkerBusy, transient: true},
		{name: "offline is rejected", status: types.WorkerStatusOffline, wantErr: true, wantKind: ctlerr.KindWorkerOffline, transient: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := checkEligibility(&types.Worker{Status: tt.status})
			if tt.wantErr && err == nil {
				t.Fatal("expected error, got nil")
			}
			if !tt.wantErr && err != nil {
				t.Fatalf("expected no error, got %v", err)
			}
			if tt.wantErr {
				if ctlerr.KindOf(err) != tt.wantKind {
					t.Errorf("kind = %v, want %v", ctlerr.KindOf(err), tt.wantKind)
				}
				if ctlerr.KindOf(err).Transient() != tt.transient {
					t.Errorf("Transient() = %v, want %v", ctlerr.KindOf(err).Transient(), tt.transient)
				}
			}
		})
	}
}

func TestAsAssignmentError_PreservesCtlerrKind(t *testing.T) {
	original := ctlerr.New(ctlerr.KindConflict, "build no longer pending")
	got := asAssignmentError(original)

	if ctlerr.KindOf(got) != ctlerr.KindConflict {
		t.Errorf("kind = %v, want %v", ctlerr.KindOf(got), ctlerr.KindConflict)
	}
}

func TestAsAssignmentError_WrapsPlainError(t *testing.T) {
	got := asAssignmentError(errors.New("connection reset"))

	if ctlerr.KindOf(got) != ctlerr.KindInternal {
		t.Errorf("kind = %v, want %v", ctlerr.KindOf(got), ctlerr.KindInternal)
	}
}
