// Package proxy implements the CDP multiplexing proxy: a single entry point
// that answers Browser.*/Target.* methods locally against a target registry
// and session table, and routes everything else to the target session named
// by the request's session id.
package proxy

import (
	"context"
	"encoding/json"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/hostview/cdpmux/internal/cdp"
	"github.com/hostview/cdpmux/internal/events"
	"github.com/hostview/cdpmux/internal/session"
	"github.com/hostview/cdpmux/internal/target"
)

// Mode is the connection context supplied at establishment.
type Mode int

const (
	// ModeBare requires an explicit Target.attachToBrowserTarget or
	// attachToTarget before any page traffic is possible.
	ModeBare Mode = iota
	// ModeBrowser opens the connection browser-attached.
	ModeBrowser
	// ModePage binds the connection to a single target up front.
	ModePage
)

// Version is the static product metadata served by Browser.getVersion.
type Version struct {
	ProtocolVersion string `json:"protocolVersion"`
	Product         string `json:"product"`
	Revision        string `json:"revision"`
	UserAgent       string `json:"userAgent"`
	JSVersion       string `json:"jsVersion"`
}

func DefaultVersion() Version {
	return Version{
		ProtocolVersion: "1.3",
		Product:         "Chrome/cdpmux",
		Revision:        "0",
		UserAgent:       "cdpmux",
		JSVersion:       "V8",
	}
}

// Options configures one proxy instance.
type Options struct {
	Mode Mode
	// TargetID binds the connection in ModePage.
	TargetID string
	// CommandTimeout bounds forwarded commands; zero means the session
	// default.
	CommandTimeout time.Duration
	Version        Version
	Logger         *slog.Logger
}

// CloseNotice is emitted on the client topic when the external transport
// should be torn down.
type CloseNotice struct{}

// state is the browser-session flag record. All mutation happens under
// Proxy.mu.
type state struct {
	browserSessionID string
	browserAttached  bool
	autoAttach       bool
	discoverTargets  bool
}

// Proxy is one external client's multiplexed CDP endpoint. It exclusively
// owns its registry and session table; one proxy serves one client.
type Proxy struct {
	mu               sync.Mutex
	st               state
	announced        map[string]bool
	windowIDs        map[string]int
	nextWindowID     int
	defaultSessionID string
	closed           bool

	provider target.Provider
	reg      *target.Registry
	table    *session.Table
	bus      *events.Subject
	topic    string
	opts     Options
	logger   *slog.Logger
}

// New creates a proxy over the given provider. Outbound responses, events,
// and the close notice are emitted on topic of bus.
func New(provider target.Provider, bus *events.Subject, topic string, opts Options) *Proxy {
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.Version == (Version{}) {
		opts.Version = DefaultVersion()
	}
	return &Proxy{
		st:        state{browserSessionID: uuid.NewString()},
		announced: make(map[string]bool),
		windowIDs: make(map[string]int),
		provider:  provider,
		reg:       target.NewRegistry(provider, opts.Logger),
		table:     session.NewTable(),
		bus:       bus,
		topic:     topic,
		opts:      opts,
		logger:    opts.Logger,
	}
}

// Topic returns the client topic this proxy emits on.
func (p *Proxy) Topic() string { return p.topic }

// BrowserSessionID returns the implicit top-level session id.
func (p *Proxy) BrowserSessionID() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.st.browserSessionID
}

// Start wires registry notifications and applies the connection context.
func (p *Proxy) Start(ctx context.Context) error {
	p.reg.Watch(p.handleTargetAdded, p.handleTargetRemoved)

	switch p.opts.Mode {
	case ModeBrowser:
		p.mu.Lock()
		p.st.browserAttached = true
		p.mu.Unlock()
	case ModePage:
		if _, err := p.reg.Targets(ctx); err != nil {
			return err
		}
		t := p.reg.Get(p.opts.TargetID)
		if t == nil {
			return cdp.TargetNotFound(p.opts.TargetID)
		}
		s, _, err := p.attachTarget(ctx, t)
		if err != nil {
			return err
		}
		p.mu.Lock()
		p.defaultSessionID = s.ID()
		p.mu.Unlock()
	}
	return nil
}

// SendMessage dispatches one inbound request. Every failure is a *cdp.Error.
func (p *Proxy) SendMessage(ctx context.Context, method string, params json.RawMessage, sessionID string) (any, error) {
	p.mu.Lock()
	closed := p.closed
	browserSID := p.st.browserSessionID
	defaultSID := p.defaultSessionID
	p.mu.Unlock()

	if closed {
		return nil, cdp.SessionDisposed()
	}

	reserved := strings.HasPrefix(method, "Browser.") || strings.HasPrefix(method, "Target.")
	switch {
	case reserved || sessionID == browserSID:
		res, err := p.handleBrowserCommand(ctx, method, params, sessionID)
		if err != nil {
			return nil, cdp.WrapError(err)
		}
		return res, nil
	case sessionID == "":
		if defaultSID != "" {
			return p.forward(ctx, defaultSID, method, params)
		}
		// No page session to default to.
		return nil, cdp.MethodNotFound(method)
	default:
		return p.forward(ctx, sessionID, method, params)
	}
}

func (p *Proxy) forward(ctx context.Context, sessionID, method string, params json.RawMessage) (any, error) {
	s := p.table.Get(sessionID)
	if s == nil {
		return nil, cdp.SessionNotFound(sessionID)
	}
	res, err := s.SendCommand(ctx, method, params)
	if err != nil {
		return nil, cdp.WrapError(err)
	}
	if len(res) == 0 {
		return map[string]any{}, nil
	}
	return res, nil
}

// Close disposes the proxy: every live session gets a synthesized
// detachedFromTarget before release, then the close notice is emitted.
// Idempotent.
func (p *Proxy) Close() {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	p.closed = true
	p.mu.Unlock()

	for _, s := range p.table.All() {
		p.detachSession(s)
	}
	p.reg.Close()
	p.emit(CloseNotice{})
}

// attachTarget returns the live session for t, creating and attaching one if
// needed. The created flag reports whether a new session was built.
func (p *Proxy) attachTarget(ctx context.Context, t *target.Target) (*session.Session, bool, error) {
	return p.table.Attach(t, func(sessionID string) (*session.Session, error) {
		s := session.New(sessionID, t, session.Callbacks{
			Event:    p.emitSessionEvent,
			Detached: p.handleNativeDetach,
		}, p.opts.CommandTimeout, p.logger)
		if err := s.Attach(ctx); err != nil {
			return nil, err
		}
		return s, nil
	})
}

// detachSession emits detachedFromTarget and disposes the session. Returns
// false when the session was already removed, in which case nothing is
// emitted: both closeTarget and a destroyed notification may race here.
func (p *Proxy) detachSession(s *session.Session) bool {
	removed := p.table.Remove(s.ID())
	if removed == nil {
		return false
	}
	p.emitBrowserEvent("Target.detachedFromTarget", cdp.DetachedFromTargetParams{
		SessionID: removed.ID(),
		TargetID:  removed.TargetID(),
	})
	removed.Dispose()
	return true
}

// handleNativeDetach runs when a target drops its native channel.
func (p *Proxy) handleNativeDetach(s *session.Session, err error) {
	if err != nil {
		p.logger.Debug("native channel closed", "session_id", s.ID(), "error", err)
	}
	p.detachSession(s)
}

// handleTargetAdded reacts to an externally created target per the discovery
// and auto-attach flags.
func (p *Proxy) handleTargetAdded(t *target.Target) {
	p.mu.Lock()
	autoAttach := p.st.autoAttach
	discover := p.st.discoverTargets
	p.mu.Unlock()

	if !autoAttach && !discover {
		return
	}
	p.announceTarget(t)
	if autoAttach {
		ctx, cancel := context.WithTimeout(context.Background(), session.DefaultCommandTimeout)
		defer cancel()
		p.autoAttachTarget(ctx, t)
	}
}

// handleTargetRemoved tears down the target's session (detachedFromTarget
// strictly first) and then reports targetDestroyed for announced targets.
func (p *Proxy) handleTargetRemoved(t *target.Target) {
	if s := p.table.ByTarget(t.Info.TargetID); s != nil {
		p.detachSession(s)
	}

	p.mu.Lock()
	wasAnnounced := p.announced[t.Info.TargetID]
	delete(p.announced, t.Info.TargetID)
	p.mu.Unlock()

	if wasAnnounced {
		p.emitBrowserEvent("Target.targetDestroyed", cdp.TargetDestroyedParams{
			TargetID: t.Info.TargetID,
		})
	}
}

// autoAttachTarget attaches to t and emits attachedToTarget for a fresh
// session. No-op when a session already exists.
func (p *Proxy) autoAttachTarget(ctx context.Context, t *target.Target) {
	s, created, err := p.attachTarget(ctx, t)
	if err != nil {
		p.logger.Warn("auto-attach failed", "target_id", t.Info.TargetID, "error", err)
		return
	}
	if created {
		p.emitBrowserEvent("Target.attachedToTarget", cdp.AttachedToTargetParams{
			SessionID:          s.ID(),
			TargetInfo:         p.infoFor(t),
			WaitingForDebugger: false,
		})
	}
}

// announceTarget emits targetCreated once per target. Safe to call again for
// an already announced target. The announced mark and the emit stay inside
// one critical section: a concurrent caller that finds the mark set may emit
// attachedToTarget right away, so targetCreated must already be on the bus by
// then.
func (p *Proxy) announceTarget(t *target.Target) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.announced[t.Info.TargetID] || !p.st.browserAttached {
		return
	}
	p.announced[t.Info.TargetID] = true
	p.emit(cdp.Event{
		Method: "Target.targetCreated",
		Params: cdp.TargetCreatedParams{TargetInfo: p.infoFor(t)},
	})
}

// infoFor overlays live attachment state onto cached target metadata.
func (p *Proxy) infoFor(t *target.Target) cdp.TargetInfo {
	info := t.Info
	info.Attached = p.table.ByTarget(info.TargetID) != nil
	return info
}

// emitBrowserEvent emits a browser-level event. These are suppressed until
// the client is browser-attached.
func (p *Proxy) emitBrowserEvent(method string, params any) {
	p.mu.Lock()
	attached := p.st.browserAttached
	p.mu.Unlock()
	if !attached {
		return
	}
	p.emit(cdp.Event{Method: method, Params: params})
}

// emitSessionEvent republishes a native target event tagged with its session
// id. Page-level events always carry their session id.
func (p *Proxy) emitSessionEvent(method string, params json.RawMessage, sessionID string) {
	p.emit(cdp.Event{Method: method, Params: params, SessionID: sessionID})
}

func (p *Proxy) emit(msg any) {
	if err := events.Emit[any](p.bus, p.topic, msg); err != nil {
		p.logger.Warn("event emit failed", "topic", p.topic, "error", err)
	}
}
