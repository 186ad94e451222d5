package persistence

import "testing"

func TestCanTransition(t *testing.T) {
	cases := []struct {
		from, to TaskStatus
		want     bool
	}{
		{TaskStatusSubmitted, TaskStatusWorking, true},
		{TaskStatusSubmitted, TaskStatusAuthRequired, true},
		{TaskStatusSubmitted, TaskStatusRejected, true},
		{TaskStatusSubmitted, TaskStatusCompleted, false},
		{TaskStatusSubmitted, TaskStatusInputRequired, false},
		{TaskStatusWorking, TaskStatusCompleted, true},
		{TaskStatusWorking, TaskStatusInputRequired, true},
		{TaskStatusWorking, TaskStatusFailed, true},
		{TaskStatusWorking, TaskStatusSubmitted, false},
		{TaskStatusInputRequired, TaskStatusWorking, true},
		{TaskStatusInputRequired, TaskStatusCompleted, false},
		{TaskStatusAuthRequired, TaskStatusWorking, true},
		{TaskStatusCompleted, TaskStatusWorking, false},
		{TaskStatusFailed, TaskStatusWorking, false},
		{TaskStatusCanceled, TaskStatusCanceled, false},
		{TaskStatusRejected, TaskStatusFailed, false},
	}
	for _, tc := range cases {
		if got := CanTransition(tc.from, tc.to); got != tc.want {
			t.Errorf("CanTransition(%s, %s) = %v, want %v", tc.from, tc.to, got, tc.want)
		}
	}
}

func TestIsTerminal(t *testing.T) {
	terminal := []TaskStatus{TaskStatusCompleted, TaskStatusCanceled, TaskStatusFailed, TaskStatusRejected}
	for _, s := range terminal {
		if !s.IsTerminal() {
			t.Errorf("%s.IsTerminal() = false, want true", s)
		}
		if len(allowedTransitions[s]) != 0 {
			t.Errorf("%s has outgoing transitions, want none", s)
		}
	}
	live := []TaskStatus{TaskStatusSubmitted, TaskStatusWorking, TaskStatusInputRequired, TaskStatusAuthRequired}
	for _, s := range live {
		if s.IsTerminal() {
			t.Errorf("%s.IsTerminal() = true, want false", s)
		}
	}
}
