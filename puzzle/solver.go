package puzzle

import "sync"

// Job describes one puzzle the client side must solve before it can send a
// connect_request (§4.3 step 3, §4.4).
type Job struct {
	JobIndex       uint64
	ClientNonce    uint64
	ServerNonce    uint64
	Difficulty     uint32
	ClientIdentity uint32
}

// Result is posted back by the solver once a job completes or is cancelled.
type Result struct {
	JobIndex uint64
	Solution uint32
	Cancelled bool
}

// Solver runs puzzle jobs on a single dedicated background goroutine. The
// main loop never blocks on it: Submit enqueues, Poll drains completed
// results, and Cancel flips a flag the worker checks between SHA-256
// iterations (§4.4, §5).
type Solver struct {
	jobs chan Job

	mu        sync.Mutex
	results   []Result
	cancelled map[uint64]bool

	closeOnce sync.Once
	closed    chan struct{}
}

// NewSolver starts the background worker and returns a handle to it.
func NewSolver() *Solver {
	s := &Solver{
		jobs:      make(chan Job, 64),
		cancelled: make(map[uint64]bool),
		closed:    make(chan struct{}),
	}
	go s.run()
	return s
}

// Submit enqueues a puzzle job. It never blocks the caller for long: the
// queue is large relative to the number of pending connections a socket is
// expected to juggle.
func (s *Solver) Submit(job Job) {
	select {
	case s.jobs <- job:
	case <-s.closed:
	}
}

// Cancel marks a job (in queue or in flight) as cancelled. The worker
// notices on its next iteration check and skips straight to posting a
// cancelled Result.
func (s *Solver) Cancel(jobIndex uint64) {
	s.mu.Lock()
	s.cancelled[jobIndex] = true
	s.mu.Unlock()
}

// Poll returns and removes the oldest completed result, or ok==false if none
// is ready yet. Called from the socket's get_next_event tick (§4.1, §4.4).
func (s *Solver) Poll() (Result, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.results) == 0 {
		return Result{}, false
	}
	r := s.results[0]
	s.results = s.results[1:]
	return r, true
}

// Close cancels the worker loop. The job in flight, if any, is abandoned at
// its next cancellation check with a Cancelled Result posted for it; jobs
// still queued are never started (§5 "closing a socket ... in-flight puzzle
// jobs are marked cancelled and the worker exits the loop on next iteration").
func (s *Solver) Close() {
	s.closeOnce.Do(func() { close(s.closed) })
}

func (s *Solver) isCancelled(jobIndex uint64) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cancelled[jobIndex]
}

func (s *Solver) postResult(r Result) {
	s.mu.Lock()
	s.results = append(s.results, r)
	delete(s.cancelled, r.JobIndex)
	s.mu.Unlock()
}

// checkInterval is how many candidate solutions are tried between
// cancellation checks.
const checkInterval = 4096

func (s *Solver) run() {
	for {
		select {
		case job, ok := <-s.jobs:
			if !ok {
				return
			}
			s.solve(job)
		case <-s.closed:
			return
		}
	}
}

func (s *Solver) solve(job Job) {
	var solution uint32
	for {
		if s.isCancelled(job.JobIndex) {
			s.postResult(Result{JobIndex: job.JobIndex, Cancelled: true})
			return
		}
		select {
		case <-s.closed:
			s.postResult(Result{JobIndex: job.JobIndex, Cancelled: true})
			return
		default:
		}

		limit := solution + checkInterval
		if limit < solution {
			limit = ^uint32(0)
		}
		for ; solution < limit; solution++ {
			if CheckOneSolution(solution, job.ClientNonce, job.ServerNonce, job.Difficulty, job.ClientIdentity) {
				s.postResult(Result{JobIndex: job.JobIndex, Solution: solution})
				return
			}
			if solution == ^uint32(0) {
				// Exhausted the entire 32-bit solution space without success;
				// this cannot happen for any difficulty <= MaxDifficulty on
				// a correctly formed puzzle, but don't spin forever.
				s.postResult(Result{JobIndex: job.JobIndex, Cancelled: true})
				return
			}
		}
	}
}
