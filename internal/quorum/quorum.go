package quorum

import (
	"sort"
	"sync"

	"github.com/google/uuid"
)

// VotingQuorum records the votes of the groups expected to vote for one
// transaction. It is not safe for concurrent use; Tracker serialises access.
type VotingQuorum struct {
	expected map[string]bool
	votes    map[string]bool
}

// NewVotingQuorum creates a quorum expecting a vote from every group.
func NewVotingQuorum(groups []string) *VotingQuorum {
	q := &VotingQuorum{
		expected: make(map[string]bool, len(groups)),
		votes:    make(map[string]bool, len(groups)),
	}
	for _, g := range groups {
		q.expected[g] = true
	}
	return q
}

// Record stores the vote of group. Only the first vote of an expected group
// counts; Record reports whether this one did.
func (q *VotingQuorum) Record(group string, commit bool) bool {
	if !q.expected[group] {
		return false
	}
	if _, voted := q.votes[group]; voted {
		return false
	}
	q.votes[group] = commit
	return true
}

// Received returns the number of counted votes.
func (q *VotingQuorum) Received() int { return len(q.votes) }

// Required returns the number of expected votes.
func (q *VotingQuorum) Required() int { return len(q.expected) }

// Complete reports whether every expected group has voted.
func (q *VotingQuorum) Complete() bool {
	return len(q.votes) >= len(q.expected)
}

// Decision returns true when every counted vote is COMMIT.
func (q *VotingQuorum) Decision() bool {
	for _, commit := range q.votes {
		if !commit {
			return false
		}
	}
	return true
}

// Aborted reports whether some group already voted ABORT.
func (q *VotingQuorum) Aborted() bool {
	return !q.Decision()
}

// Missing returns the groups that have not voted yet, sorted.
func (q *VotingQuorum) Missing() []string {
	var out []string
	for g := range q.expected {
		if _, ok := q.votes[g]; !ok {
			out = append(out, g)
		}
	}
	sort.Strings(out)
	return out
}

// Tracker holds the voting quorums of undecided transactions.
type Tracker struct {
	mu      sync.Mutex
	quorums map[uuid.UUID]*VotingQuorum
}

// NewTracker creates an empty tracker.
func NewTracker() *Tracker {
	return &Tracker{quorums: make(map[uuid.UUID]*VotingQuorum)}
}

// Open creates the quorum of handler unless it exists.
func (t *Tracker) Open(handler uuid.UUID, groups []string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, ok := t.quorums[handler]; !ok {
		t.quorums[handler] = NewVotingQuorum(groups)
	}
}

// Vote records a vote for handler and reports whether it counted and
// whether the quorum is now complete. Votes for unknown handlers are
// dropped.
func (t *Tracker) Vote(handler uuid.UUID, group string, commit bool) (counted, complete bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	q, ok := t.quorums[handler]
	if !ok {
		return false, false
	}
	counted = q.Record(group, commit)
	return counted, q.Complete()
}

// Status returns the decision state of handler's quorum.
func (t *Tracker) Status(handler uuid.UUID) (complete, commit, ok bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	q, ok := t.quorums[handler]
	if !ok {
		return false, false, false
	}
	return q.Complete(), q.Decision(), true
}

// Missing returns the groups that have not voted for handler.
func (t *Tracker) Missing(handler uuid.UUID) []string {
	t.mu.Lock()
	defer t.mu.Unlock()
	if q, ok := t.quorums[handler]; ok {
		return q.Missing()
	}
	return nil
}

// Remove drops handler's quorum.
func (t *Tracker) Remove(handler uuid.UUID) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.quorums, handler)
}

// Len returns the number of open quorums.
func (t *Tracker) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.quorums)
}
