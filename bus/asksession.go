package bus

import "sync"

// branchStatus is one downstream branch's progress within an ask-session
// (spec.md §4.9).
type branchStatus int

const (
	branchPending branchStatus = iota
	branchFinReceived
)

type branch struct {
	status          branchStatus
	expectedResults int
	receivedResults int
}

// AskSession tracks one broadcast ask's fan-out state across every
// downstream branch it was sent to (local subscribers, children, parent),
// aggregating ack_result/ack_fin events until every branch has finished
// (spec.md §4.9). session_id is the call id the broadcast ask was issued
// with.
type AskSession struct {
	CallID       string
	LocalOrigin  bool // true if this bus originated the ask (not forwarded)

	mu       sync.Mutex
	branches map[string]*branch // branch key → state

	// onResult is invoked for every result as it arrives, in branch order
	// of arrival; onDone once every branch has reported fin with
	// received >= expected.
	onResult func(result any)
	onDone   func(total int)

	totalResults int
	done         bool
}

// NewAskSession creates a session tracking the given branch keys, each
// starting in the pending state with its expected result count.
func NewAskSession(callID string, localOrigin bool, branches map[string]int, onResult func(any), onDone func(int)) *AskSession {
	s := &AskSession{
		CallID:      callID,
		LocalOrigin: localOrigin,
		branches:    make(map[string]*branch, len(branches)),
		onResult:    onResult,
		onDone:      onDone,
	}
	for key, expected := range branches {
		s.branches[key] = &branch{expectedResults: expected}
	}
	return s
}

// Result records one ack_result from branchKey.
func (s *AskSession) Result(branchKey string, result any) {
	s.mu.Lock()
	b, ok := s.branches[branchKey]
	if ok {
		b.receivedResults++
	}
	s.totalResults++
	s.mu.Unlock()

	if s.onResult != nil {
		s.onResult(result)
	}
	s.checkDone()
}

// Fin records an ack_fin from branchKey, reconciling the branch's
// expected result count against what branchKey itself reports as its
// total (spec.md §4.9: "emits ack_fin{call_id, total_results}").
func (s *AskSession) Fin(branchKey string, totalResults int) {
	s.mu.Lock()
	b, ok := s.branches[branchKey]
	if ok {
		b.status = branchFinReceived
		b.expectedResults = totalResults
	}
	s.mu.Unlock()
	s.checkDone()
}

// BranchDisconnected treats a bridge disconnect on branchKey as
// ack_fin{total_results=0} for that branch, preventing the session from
// hanging forever (spec.md §4.9).
func (s *AskSession) BranchDisconnected(branchKey string) {
	s.mu.Lock()
	b, ok := s.branches[branchKey]
	if ok {
		b.status = branchFinReceived
		b.expectedResults = b.receivedResults
	}
	s.mu.Unlock()
	s.checkDone()
}

func (s *AskSession) checkDone() {
	s.mu.Lock()
	if s.done {
		s.mu.Unlock()
		return
	}
	for _, b := range s.branches {
		if b.status != branchFinReceived || b.receivedResults < b.expectedResults {
			s.mu.Unlock()
			return
		}
	}
	s.done = true
	total := s.totalResults
	s.mu.Unlock()

	if s.onDone != nil {
		s.onDone(total)
	}
}

// IsDone reports whether every branch has finished.
func (s *AskSession) IsDone() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.done
}
