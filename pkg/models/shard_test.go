package models

import "testing"

func TestShardStatusValid(t *testing.T) {
	valid := []ShardStatus{
		ShardStatusPending,
		ShardStatusInProgress,
		ShardStatusBlocked,
		ShardStatusDone,
		ShardStatusFailed,
	}
	for _, s := range valid {
		if !s.Valid() {
			t.Errorf("expected %q to be valid", s)
		}
	}

	if ShardStatus("unknown").Valid() {
		t.Error("expected unknown status to be invalid")
	}
	if ShardStatus("").Valid() {
		t.Error("expected empty status to be invalid")
	}
}

func TestAutonomyValid(t *testing.T) {
	for _, a := range []Autonomy{AutonomyPlan, AutonomyAcceptEdits, AutonomyFull} {
		if !a.Valid() {
			t.Errorf("expected %q to be valid", a)
		}
	}
	if Autonomy("yolo").Valid() {
		t.Error("expected unknown autonomy to be invalid")
	}
}
