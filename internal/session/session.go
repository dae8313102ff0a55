// Package session implements the attachment between the proxy and one
// target: command forwarding with reply correlation, native event
// republishing, and idempotent teardown.
package session

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/hostview/cdpmux/internal/cdp"
	"github.com/hostview/cdpmux/internal/target"
)

// State is the session lifecycle. Disposal is a state transition that is a
// no-op from Detaching and Detached.
type State int32

const (
	StateNew State = iota
	StateAttached
	StateDetaching
	StateDetached
)

func (s State) String() string {
	switch s {
	case StateNew:
		return "new"
	case StateAttached:
		return "attached"
	case StateDetaching:
		return "detaching"
	case StateDetached:
		return "detached"
	}
	return "unknown"
}

// DefaultCommandTimeout bounds how long SendCommand waits for a native reply.
const DefaultCommandTimeout = 30 * time.Second

const inboxSize = 256

// Callbacks connect a session to its owning proxy.
type Callbacks struct {
	// Event republishes a native debug event, tagged with the session id.
	Event func(method string, params json.RawMessage, sessionID string)
	// Detached fires once when the native channel closes from the target
	// side. Proxy-initiated Dispose does not fire it.
	Detached func(s *Session, err error)
}

type reply struct {
	result json.RawMessage
	err    error
}

type inboxMsg struct {
	// Exactly one of the three shapes: event (method set), reply (id set),
	// or detach (detachErr meaningful, possibly nil).
	method   string
	params   json.RawMessage
	id       int64
	result   json.RawMessage
	err      error
	isReply  bool
	isDetach bool
}

// Session is one live attachment to a target.
type Session struct {
	id  string
	tgt *target.Target

	mu      sync.Mutex
	state   State
	conn    target.Conn
	pending map[int64]chan reply

	nextCmdID int64
	inbox     chan inboxMsg
	done      chan struct{}

	cb      Callbacks
	timeout time.Duration
	logger  *slog.Logger
}

func New(id string, tgt *target.Target, cb Callbacks, timeout time.Duration, logger *slog.Logger) *Session {
	if timeout <= 0 {
		timeout = DefaultCommandTimeout
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Session{
		id:      id,
		tgt:     tgt,
		state:   StateNew,
		pending: make(map[int64]chan reply),
		inbox:   make(chan inboxMsg, inboxSize),
		done:    make(chan struct{}),
		cb:      cb,
		timeout: timeout,
		logger:  logger,
	}
}

func (s *Session) ID() string             { return s.id }
func (s *Session) TargetID() string       { return s.tgt.Info.TargetID }
func (s *Session) Target() *target.Target { return s.tgt }

func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Attach opens the native debug channel. Idempotent: attaching an already
// attached session does not re-issue the native attach. The lock is held
// across the native attach so commands and disposal sequence after it.
func (s *Session) Attach(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	switch s.state {
	case StateAttached:
		return nil
	case StateDetaching, StateDetached:
		return cdp.SessionDisposed()
	}

	conn, err := s.tgt.Handle.Attach(ctx, (*handler)(s))
	if err != nil {
		return cdp.TargetUnreachable(err.Error())
	}
	s.conn = conn
	s.state = StateAttached

	go s.run()
	return nil
}

// SendCommand forwards a command to the target and waits for its reply.
// Concurrent calls are independent in-flight operations keyed by a locally
// unique command id.
func (s *Session) SendCommand(ctx context.Context, method string, params json.RawMessage) (json.RawMessage, error) {
	s.mu.Lock()
	if s.state != StateAttached {
		s.mu.Unlock()
		return nil, cdp.SessionDisposed()
	}
	id := atomic.AddInt64(&s.nextCmdID, 1)
	ch := make(chan reply, 1)
	s.pending[id] = ch
	conn := s.conn
	s.mu.Unlock()

	if err := conn.SendCommand(id, method, params); err != nil {
		s.mu.Lock()
		delete(s.pending, id)
		s.mu.Unlock()
		return nil, cdp.TargetUnreachable(err.Error())
	}

	timer := time.NewTimer(s.timeout)
	defer timer.Stop()

	select {
	case r := <-ch:
		if r.err != nil {
			return nil, cdp.WrapError(r.err)
		}
		return r.result, nil
	case <-timer.C:
		s.mu.Lock()
		delete(s.pending, id)
		s.mu.Unlock()
		return nil, cdp.TargetUnreachable("command timed out: " + method)
	case <-ctx.Done():
		s.mu.Lock()
		delete(s.pending, id)
		s.mu.Unlock()
		return nil, cdp.WrapError(ctx.Err())
	case <-s.done:
		return nil, cdp.SessionDisposed()
	}
}

// Dispose detaches from the target and fails all pending commands.
// Idempotent: double-dispose is a no-op.
func (s *Session) Dispose() {
	s.dispose(cdp.SessionDisposed(), false, nil)
}

// dispose performs the single teardown transition. notify controls whether
// Callbacks.Detached fires (native-side closure only).
func (s *Session) dispose(failWith error, notify bool, cause error) {
	s.mu.Lock()
	if s.state == StateDetaching || s.state == StateDetached {
		s.mu.Unlock()
		return
	}
	s.state = StateDetaching
	pending := s.pending
	s.pending = make(map[int64]chan reply)
	conn := s.conn
	s.conn = nil
	s.mu.Unlock()

	close(s.done)

	for _, ch := range pending {
		ch <- reply{err: failWith}
	}
	if conn != nil {
		if err := conn.Close(); err != nil {
			s.logger.Debug("native detach failed", "session_id", s.id, "error", err)
		}
	}

	s.mu.Lock()
	s.state = StateDetached
	s.mu.Unlock()

	if notify && s.cb.Detached != nil {
		s.cb.Detached(s, cause)
	}
}

// run is the single dispatch loop consuming the session's inbox.
func (s *Session) run() {
	for {
		select {
		case <-s.done:
			return
		case m := <-s.inbox:
			switch {
			case m.isDetach:
				s.dispose(cdp.TargetUnreachable("target detached"), true, m.err)
				return
			case m.isReply:
				s.mu.Lock()
				ch := s.pending[m.id]
				delete(s.pending, m.id)
				s.mu.Unlock()
				if ch != nil {
					ch <- reply{result: m.result, err: m.err}
				}
			default:
				if s.cb.Event != nil {
					s.cb.Event(m.method, m.params, s.id)
				}
			}
		}
	}
}

func (s *Session) push(m inboxMsg) {
	select {
	case s.inbox <- m:
	case <-s.done:
	}
}

// handler adapts the session to target.Handler without exposing the
// callback methods on Session itself.
type handler Session

func (h *handler) HandleEvent(method string, params json.RawMessage) {
	(*Session)(h).push(inboxMsg{method: method, params: params})
}

func (h *handler) HandleReply(id int64, result json.RawMessage, err error) {
	(*Session)(h).push(inboxMsg{id: id, result: result, err: err, isReply: true})
}

func (h *handler) HandleDetach(err error) {
	(*Session)(h).push(inboxMsg{err: err, isDetach: true})
}
