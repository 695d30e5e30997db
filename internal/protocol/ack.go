package protocol

import (
	"fmt"
	"sort"
	"sync"
	"time"
)

// PendingAck is a message waiting for its acknowledgment.
type PendingAck struct {
	Message    *Message
	SentAt     time.Time
	Retries    int
	MaxRetries int
	Timeout    time.Duration
}

// AckTracker keeps in-flight messages until they are acknowledged or their
// retry budget runs out.
type AckTracker struct {
	mu         sync.Mutex
	pending    map[string]*PendingAck
	timeout    time.Duration
	maxRetries int
	now        func() time.Time
}

func NewAckTracker(timeout time.Duration, maxRetries int) (*AckTracker, error) {
	if timeout <= 0 {
		return nil, fmt.Errorf("ack tracker: timeout must be > 0, got %v", timeout)
	}
	if maxRetries < 0 {
		return nil, fmt.Errorf("ack tracker: max retries must be >= 0, got %d", maxRetries)
	}
	return &AckTracker{
		pending:    make(map[string]*PendingAck),
		timeout:    timeout,
		maxRetries: maxRetries,
		now:        time.Now,
	}, nil
}

// Track registers m. Tracking an id again restarts its bookkeeping.
func (t *AckTracker) Track(m *Message) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.pending[m.ID] = &PendingAck{
		Message:    m,
		SentAt:     t.now(),
		MaxRetries: t.maxRetries,
		Timeout:    t.timeout,
	}
}

// Acknowledge removes id and reports whether it was pending.
func (t *AckTracker) Acknowledge(id string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, ok := t.pending[id]; !ok {
		return false
	}
	delete(t.pending, id)
	return true
}

// TimedOut scans pending entries past their timeout. Entries that already used
// every retry are removed and returned in expired; the rest are returned in due
// for retransmission. Both slices are ordered by message sequence.
func (t *AckTracker) TimedOut() (due, expired []*Message) {
	t.mu.Lock()
	defer t.mu.Unlock()

	now := t.now()
	for id, p := range t.pending {
		if now.Sub(p.SentAt) <= p.Timeout {
			continue
		}
		if p.Retries >= p.MaxRetries {
			delete(t.pending, id)
			expired = append(expired, p.Message)
			continue
		}
		due = append(due, p.Message)
	}
	bySequence(due)
	bySequence(expired)
	return due, expired
}

// MarkRetry records a retransmission of id and reports whether the retry is
// still within budget. Unknown ids return false.
func (t *AckTracker) MarkRetry(id string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	p, ok := t.pending[id]
	if !ok {
		return false
	}
	if p.Retries < p.MaxRetries {
		p.Retries++
	}
	p.SentAt = t.now()
	return p.Retries <= p.MaxRetries
}

// Touch restarts the timeout clock of a pending message after it has
// actually gone out. It reports false when id is no longer pending.
func (t *AckTracker) Touch(id string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	p, ok := t.pending[id]
	if ok {
		p.SentAt = t.now()
	}
	return ok
}

// Pending returns a copy of the entry for id.
func (t *AckTracker) Pending(id string) (PendingAck, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	p, ok := t.pending[id]
	if !ok {
		return PendingAck{}, false
	}
	return *p, true
}

func (t *AckTracker) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.pending)
}

// Clear drops all pending state.
func (t *AckTracker) Clear() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.pending = make(map[string]*PendingAck)
}

func bySequence(msgs []*Message) {
	sort.Slice(msgs, func(i, j int) bool { return msgs[i].Sequence < msgs[j].Sequence })
}
