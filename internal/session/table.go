package session

import (
	"sync"

	"github.com/google/uuid"

	"github.com/hostview/cdpmux/internal/target"
)

// Table owns every live session of one proxy instance. A session id maps to
// at most one session and a target to at most one live session: attaching
// again to an attached target yields the existing session.
type Table struct {
	mu       sync.Mutex
	byID     map[string]*Session
	byTarget map[string]string
}

func NewTable() *Table {
	return &Table{
		byID:     make(map[string]*Session),
		byTarget: make(map[string]string),
	}
}

// Attach returns the live session for tgt, building one via build when none
// exists. The boolean reports whether a new session was created. The table
// lock is held across build, serializing first-attach per table.
func (t *Table) Attach(tgt *target.Target, build func(sessionID string) (*Session, error)) (*Session, bool, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if sid, ok := t.byTarget[tgt.Info.TargetID]; ok {
		return t.byID[sid], false, nil
	}

	sessionID := uuid.NewString()
	s, err := build(sessionID)
	if err != nil {
		return nil, false, err
	}
	t.byID[sessionID] = s
	t.byTarget[tgt.Info.TargetID] = sessionID
	return s, true, nil
}

// Get returns the session for sessionID, or nil.
func (t *Table) Get(sessionID string) *Session {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.byID[sessionID]
}

// ByTarget returns the live session bound to targetID, or nil.
func (t *Table) ByTarget(targetID string) *Session {
	t.mu.Lock()
	defer t.mu.Unlock()
	if sid, ok := t.byTarget[targetID]; ok {
		return t.byID[sid]
	}
	return nil
}

// Remove unlinks a session and returns it, or nil if it was already removed.
// Idempotent: teardown races between an explicit closeTarget and an
// asynchronous target-destroyed notification are expected.
func (t *Table) Remove(sessionID string) *Session {
	t.mu.Lock()
	defer t.mu.Unlock()

	s, ok := t.byID[sessionID]
	if !ok {
		return nil
	}
	delete(t.byID, sessionID)
	delete(t.byTarget, s.TargetID())
	return s
}

// All returns the live sessions in no particular order.
func (t *Table) All() []*Session {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]*Session, 0, len(t.byID))
	for _, s := range t.byID {
		out = append(out, s)
	}
	return out
}

func (t *Table) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.byID)
}
