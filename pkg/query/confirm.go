package query

import (
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
)

// State is a conversation's position in the confirmation flow.
type State string

const (
	StateNone      State = "NONE"
	StatePending   State = "PENDING"
	StateExecuted  State = "EXECUTED"
	StateCancelled State = "CANCELLED"
)

var (
	ErrNoPendingQuery       = errors.New("no query is awaiting confirmation")
	ErrConfirmationMismatch = errors.New("confirmed SQL does not match the pending query")
)

// PendingQuery is a statement held back until the user accepts it.
type PendingQuery struct {
	ID             string    `json:"id"`
	SQL            string    `json:"sql"`
	TargetDatabase string    `json:"targetDatabase"`
	QueryType      string    `json:"queryType"`
	Question       string    `json:"question,omitempty"`
	CreatedAt      time.Time `json:"createdAt"`
}

// Confirmation tracks at most one pending query for a conversation.
// EXECUTED and CANCELLED are reported as the last transition; the next
// Propose starts again from NONE.
type Confirmation struct {
	mu      sync.Mutex
	state   State
	pending *PendingQuery
}

func NewConfirmation() *Confirmation {
	return &Confirmation{state: StateNone}
}

// State returns the current state.
func (c *Confirmation) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Pending returns a copy of the outstanding query, if any.
func (c *Confirmation) Pending() (PendingQuery, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state != StatePending || c.pending == nil {
		return PendingQuery{}, false
	}
	return *c.pending, true
}

// Propose stores q as the pending query, superseding any earlier one. An
// empty ID is filled in.
func (c *Confirmation) Propose(q PendingQuery) PendingQuery {
	if q.ID == "" {
		q.ID = uuid.NewString()
	}
	if q.CreatedAt.IsZero() {
		q.CreatedAt = time.Now()
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.pending = &q
	c.state = StatePending
	return q
}

// Accept moves PENDING to EXECUTED when sql and target are exactly the
// stored ones, and returns the accepted query.
func (c *Confirmation) Accept(sql, target string) (PendingQuery, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state != StatePending || c.pending == nil {
		return PendingQuery{}, ErrNoPendingQuery
	}
	if c.pending.SQL != sql || c.pending.TargetDatabase != target {
		return PendingQuery{}, ErrConfirmationMismatch
	}
	q := *c.pending
	c.pending = nil
	c.state = StateExecuted
	return q, nil
}

// Cancel moves PENDING to CANCELLED and returns the dropped query.
func (c *Confirmation) Cancel() (PendingQuery, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state != StatePending || c.pending == nil {
		return PendingQuery{}, ErrNoPendingQuery
	}
	q := *c.pending
	c.pending = nil
	c.state = StateCancelled
	return q, nil
}

// ConfirmationStore keeps one Confirmation per conversation id.
type ConfirmationStore struct {
	mu    sync.Mutex
	convs map[string]*Confirmation
}

func NewConfirmationStore() *ConfirmationStore {
	return &ConfirmationStore{convs: make(map[string]*Confirmation)}
}

// For returns the conversation's confirmation, creating it on first use.
func (s *ConfirmationStore) For(conversationID string) *Confirmation {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.convs[conversationID]
	if !ok {
		c = NewConfirmation()
		s.convs[conversationID] = c
	}
	return c
}

// Propose stores q as the conversation's pending query, creating the
// conversation on first use.
func (s *ConfirmationStore) Propose(conversationID string, q PendingQuery) PendingQuery {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.convs[conversationID]
	if !ok {
		c = NewConfirmation()
		s.convs[conversationID] = c
	}
	return c.Propose(q)
}

// Release drops the conversation unless a query is still pending in it.
func (s *ConfirmationStore) Release(conversationID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if c, ok := s.convs[conversationID]; ok && c.State() != StatePending {
		delete(s.convs, conversationID)
	}
}

// Expire drops conversations whose pending query was proposed before
// cutoff and returns how many were dropped.
func (s *ConfirmationStore) Expire(cutoff time.Time) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for id, c := range s.convs {
		p, ok := c.Pending()
		if ok && p.CreatedAt.Before(cutoff) {
			delete(s.convs, id)
			n++
		}
	}
	return n
}

// Lookup returns the conversation's confirmation without creating one.
func (s *ConfirmationStore) Lookup(conversationID string) (*Confirmation, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.convs[conversationID]
	return c, ok
}

// Forget drops a conversation.
func (s *ConfirmationStore) Forget(conversationID string) {
	s.mu.Lock()
	delete(s.convs, conversationID)
	s.mu.Unlock()
}

// Len returns the number of tracked conversations.
func (s *ConfirmationStore) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.convs)
}
