package dispute

import "testing"

func TestCanTransition_CoversWholeGraph(t *testing.T) {
	allowed := map[Status]map[Status]bool{
		StatusOpen:             {StatusEvidenceRequired: true, StatusClosed: true, StatusNeedsManual: true},
		StatusEvidenceRequired: {StatusEvidenceBuilding: true, StatusNeedsManual: true},
		StatusEvidenceBuilding: {StatusEvidenceReady: true, StatusNeedsManual: true},
		StatusEvidenceReady:    {StatusSubmitted: true, StatusNeedsManual: true},
		StatusSubmitted:        {StatusWon: true, StatusLost: true, StatusNeedsManual: true},
		StatusWon:              {StatusClosed: true},
		StatusLost:             {StatusClosed: true},
		StatusNeedsManual:      {StatusEvidenceBuilding: true, StatusSubmitted: true, StatusClosed: true},
		StatusDuplicate:        {StatusClosed: true},
		StatusCanceled:         {StatusClosed: true},
		StatusClosed:           {},
	}

	statuses := []Status{
		StatusOpen, StatusEvidenceRequired, StatusEvidenceBuilding,
		StatusEvidenceReady, StatusSubmitted, StatusWon, StatusLost,
		StatusClosed, StatusNeedsManual, StatusDuplicate, StatusCanceled,
	}

	for _, from := range statuses {
		for _, to := range statuses {
			want := allowed[from][to]
			if got := CanTransition(from, to); got != want {
				t.Errorf("CanTransition(%s, %s) = %v, want %v", from, to, got, want)
			}
		}
	}
}

func TestCanTransition_ClosedIsTerminal(t *testing.T) {
	if !Terminal(StatusClosed) {
		t.Fatalf("expected closed to be terminal")
	}
	if len(AllowedTargets(StatusClosed)) != 0 {
		t.Errorf("expected no targets from closed, got %v", AllowedTargets(StatusClosed))
	}
	for _, s := range []Status{StatusOpen, StatusSubmitted, StatusWon, StatusNeedsManual, StatusDuplicate} {
		if Terminal(s) {
			t.Errorf("expected %s to have outgoing edges", s)
		}
	}
}

func TestValidStatus_RejectsUnknown(t *testing.T) {
	for _, s := range []Status{"", "OPEN", "pending", "evidence"} {
		if ValidStatus(s) {
			t.Errorf("expected %q to be invalid", s)
		}
	}
	if !ValidStatus(StatusEvidenceBuilding) {
		t.Errorf("expected evidence_building to be valid")
	}
	if CanTransition("bogus", StatusClosed) {
		t.Errorf("expected no edges from unknown status")
	}
}
