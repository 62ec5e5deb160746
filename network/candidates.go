package network

import (
	"strconv"
	"strings"
	"sync"

	"keysign/fingerprint"
)

// Candidate is one peer that may serve the wanted key.
type Candidate struct {
	Name string
	// Addresses are host:port pairs tried in order.
	Addresses []string
	// Fingerprint is the fingerprint the peer advertises.
	Fingerprint string

	// announcement is set by CandidateQueue on every Add.
	announcement uint64
}

func (c Candidate) key() string {
	if c.Name != "" {
		return c.Name
	}
	return strings.Join(c.Addresses, ",")
}

// attemptKey identifies one announcement of a candidate. A peer that
// re-announces, even at the same addresses, gets another attempt.
func (c Candidate) attemptKey() string {
	return c.key() + "#" + strconv.FormatUint(c.announcement, 10) + "@" + strings.Join(c.Addresses, ",")
}

// suspectKey ties a spoofing verdict to the fingerprint the peer advertised.
func (c Candidate) suspectKey() string {
	return c.key() + "/" + fingerprint.Normalize(c.Fingerprint)
}

// CandidateSource yields candidates in discovery order.
type CandidateSource interface {
	Candidates() []Candidate
	// Updated returns a channel closed when new candidates may be available,
	// or nil when the source will never change.
	Updated() <-chan struct{}
}

// StaticCandidates is a fixed CandidateSource.
type StaticCandidates []Candidate

// Candidates implements CandidateSource.
func (s StaticCandidates) Candidates() []Candidate { return s }

// Updated implements CandidateSource.
func (s StaticCandidates) Updated() <-chan struct{} { return nil }

// CandidateQueue is a CandidateSource fed by discovery while a fetch runs.
// It is safe for concurrent use.
type CandidateQueue struct {
	mu     sync.Mutex
	items  []Candidate
	seq    uint64
	notify chan struct{}
	closed bool
}

// NewCandidateQueue returns an empty open queue.
func NewCandidateQueue() *CandidateQueue {
	return &CandidateQueue{notify: make(chan struct{})}
}

// Add appends c, or replaces the candidate with the same name in place, and
// wakes waiting fetches.
func (q *CandidateQueue) Add(c Candidate) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return
	}
	q.seq++
	c.announcement = q.seq

	replaced := false
	for i := range q.items {
		if q.items[i].key() == c.key() {
			q.items[i] = c
			replaced = true
			break
		}
	}
	if !replaced {
		q.items = append(q.items, c)
	}

	close(q.notify)
	q.notify = make(chan struct{})
}

// Remove drops the named candidate. It reports whether it was present.
func (q *CandidateQueue) Remove(name string) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	for i := range q.items {
		if q.items[i].Name == name {
			q.items = append(q.items[:i], q.items[i+1:]...)
			return true
		}
	}
	return false
}

// Close marks the queue complete; fetches stop waiting once it is exhausted.
func (q *CandidateQueue) Close() {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return
	}
	q.closed = true
	close(q.notify)
}

// Len returns the number of queued candidates.
func (q *CandidateQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

// Candidates implements CandidateSource.
func (q *CandidateQueue) Candidates() []Candidate {
	q.mu.Lock()
	defer q.mu.Unlock()
	return append([]Candidate(nil), q.items...)
}

// Updated implements CandidateSource.
func (q *CandidateQueue) Updated() <-chan struct{} {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return nil
	}
	return q.notify
}
