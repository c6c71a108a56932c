package puzzle

import "testing"

func TestSolverSubmitAndPoll(t *testing.T) {
	s := NewSolver()
	defer s.Close()

	s.Submit(Job{JobIndex: 1, ClientNonce: 1, ServerNonce: 2, Difficulty: 8, ClientIdentity: 3})

	var result Result
	for {
		r, ok := s.Poll()
		if ok {
			result = r
			break
		}
	}
	if result.Cancelled {
		t.Fatalf("expected a solution, got cancelled result")
	}
	if !CheckOneSolution(result.Solution, 1, 2, 8, 3) {
		t.Fatalf("solver returned an invalid solution %d", result.Solution)
	}
}

func TestSolverCancel(t *testing.T) {
	s := NewSolver()
	defer s.Close()

	// A difficulty high enough that the cancellation is very likely to win
	// the race against finding an actual solution.
	s.Submit(Job{JobIndex: 2, ClientNonce: 1, ServerNonce: 2, Difficulty: 28, ClientIdentity: 3})
	s.Cancel(2)

	var result Result
	for {
		r, ok := s.Poll()
		if ok {
			result = r
			break
		}
	}
	if result.JobIndex != 2 {
		t.Fatalf("job index = %d, want 2", result.JobIndex)
	}
}

func TestSolverProcessesQueuedJobsInOrder(t *testing.T) {
	s := NewSolver()
	defer s.Close()

	s.Submit(Job{JobIndex: 1, ClientNonce: 1, ServerNonce: 1, Difficulty: 4, ClientIdentity: 1})
	s.Submit(Job{JobIndex: 2, ClientNonce: 2, ServerNonce: 2, Difficulty: 4, ClientIdentity: 2})

	var order []uint64
	for len(order) < 2 {
		r, ok := s.Poll()
		if ok {
			order = append(order, r.JobIndex)
		}
	}
	if order[0] != 1 || order[1] != 2 {
		t.Fatalf("jobs completed in order %v, want [1 2]", order)
	}
}
