// Package hostview provides debuggable targets backed by host-embedded
// views. The embedding application installs a view creator; the manager
// implements the proxy's target provider interface on top of it.
package hostview

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/hostview/cdpmux/internal/cdp"
	"github.com/hostview/cdpmux/internal/events"
	"github.com/hostview/cdpmux/internal/target"
)

// DefaultContextID is the browser context views belong to unless created in
// an explicit one.
const DefaultContextID = "default"

// ViewHandle is the interface a native embedded view must satisfy. In
// desktop mode the host's webview window implements this; tests use mocks.
type ViewHandle interface {
	Name() string
	Title() string
	URL() string
	SetURL(url string)
	SetTitle(title string)
	Close()

	// AttachDebugger opens the view's native debugging channel. Replies and
	// events flow through h until the returned conn is closed.
	AttachDebugger(h target.Handler) (target.Conn, error)
}

// CreatorOptions configures a new native view.
type CreatorOptions struct {
	Name   string
	Title  string
	URL    string
	Width  int
	Height int
}

// View wraps a native view with metadata. It implements target.Handle.
type View struct {
	id        string
	owner     string
	contextID string
	createdAt time.Time
	handle    ViewHandle
}

func (v *View) TargetID() string { return v.id }
func (v *View) Owner() string    { return v.owner }

func (v *View) Info(ctx context.Context) (cdp.TargetInfo, error) {
	return cdp.TargetInfo{
		TargetID:         v.id,
		Type:             "page",
		Title:            v.handle.Title(),
		URL:              v.handle.URL(),
		BrowserContextID: v.contextID,
	}, nil
}

func (v *View) Attach(ctx context.Context, h target.Handler) (target.Conn, error) {
	return v.handle.AttachDebugger(h)
}

// Manager manages host-embedded views and implements target.Provider.
type Manager struct {
	mu sync.RWMutex

	creator  func(opts CreatorOptions) ViewHandle
	views    map[string]*View
	owners   map[string]map[string]bool // owner -> set of view IDs
	contexts map[string]bool
	nextID   int

	bus    *events.Subject
	logger *slog.Logger
}

func NewManager(logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{
		views:    make(map[string]*View),
		owners:   make(map[string]map[string]bool),
		contexts: map[string]bool{DefaultContextID: true},
		// Sync delivery keeps created/destroyed notifications in emission
		// order for subscribers; a view's destroyed must not be handled
		// before its created.
		bus:    events.NewSubject(events.WithBufferSize(64), events.WithSyncDelivery(), events.WithLogger(logger)),
		logger: logger,
	}
}

// SetCreator installs the native view creation callback.
func (m *Manager) SetCreator(fn func(opts CreatorOptions) ViewHandle) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.creator = fn
}

// IsAvailable reports whether a native view runtime is installed.
func (m *Manager) IsAvailable() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.creator != nil
}

// CreateView creates a new embedded view. The owner parameter associates the
// view with a host session key for cleanup; pass empty for none.
func (m *Manager) CreateView(url, title, owner, contextID string) (*View, error) {
	m.mu.Lock()

	if m.creator == nil {
		m.mu.Unlock()
		return nil, fmt.Errorf("no view runtime installed")
	}
	if contextID == "" {
		contextID = DefaultContextID
	}
	if !m.contexts[contextID] {
		m.mu.Unlock()
		return nil, fmt.Errorf("unknown browser context: %s", contextID)
	}

	m.nextID++
	id := fmt.Sprintf("view-%d", m.nextID)
	if title == "" {
		title = "cdpmux view"
	}

	handle := m.creator(CreatorOptions{
		Name:   id,
		Title:  title,
		URL:    url,
		Width:  1280,
		Height: 720,
	})
	if handle == nil {
		m.mu.Unlock()
		return nil, fmt.Errorf("view creation failed")
	}

	v := &View{
		id:        id,
		owner:     owner,
		contextID: contextID,
		createdAt: time.Now(),
		handle:    handle,
	}
	m.views[id] = v

	if owner != "" {
		if m.owners[owner] == nil {
			m.owners[owner] = make(map[string]bool)
		}
		m.owners[owner][id] = true
	}
	m.mu.Unlock()

	m.notifyCreated(v)
	return v, nil
}

// GetView returns a view by ID, or the most recently created one for an
// empty ID.
func (m *Manager) GetView(id string) (*View, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if id == "" {
		var latest *View
		for _, v := range m.views {
			if latest == nil || v.createdAt.After(latest.createdAt) {
				latest = v
			}
		}
		if latest == nil {
			return nil, fmt.Errorf("no views open")
		}
		return latest, nil
	}

	v, ok := m.views[id]
	if !ok {
		return nil, fmt.Errorf("view not found: %s", id)
	}
	return v, nil
}

// CloseView closes and removes a view by ID.
func (m *Manager) CloseView(id string) error {
	m.mu.Lock()
	v, ok := m.views[id]
	if !ok {
		m.mu.Unlock()
		return fmt.Errorf("view not found: %s", id)
	}
	m.removeLocked(v)
	m.mu.Unlock()

	v.handle.Close()
	m.notifyDestroyed(id)
	return nil
}

// CloseByOwner closes all views belonging to an owner. Returns the number
// closed.
func (m *Manager) CloseByOwner(owner string) int {
	m.mu.Lock()
	var closed []*View
	for id := range m.owners[owner] {
		if v, ok := m.views[id]; ok {
			m.removeLocked(v)
			closed = append(closed, v)
		}
	}
	delete(m.owners, owner)
	m.mu.Unlock()

	for _, v := range closed {
		v.handle.Close()
		m.notifyDestroyed(v.id)
	}
	return len(closed)
}

// CloseAll closes every open view.
func (m *Manager) CloseAll() {
	m.mu.Lock()
	var closed []*View
	for _, v := range m.views {
		m.removeLocked(v)
		closed = append(closed, v)
	}
	m.mu.Unlock()

	for _, v := range closed {
		v.handle.Close()
		m.notifyDestroyed(v.id)
	}
}

// ViewCount returns the number of open views.
func (m *Manager) ViewCount() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.views)
}

// Shutdown closes all views and completes the notification bus.
func (m *Manager) Shutdown() {
	m.CloseAll()
	events.Complete(m.bus)
}

// removeLocked unlinks a view and its ownership entry. Caller holds m.mu.
func (m *Manager) removeLocked(v *View) {
	delete(m.views, v.id)
	if v.owner != "" {
		if set, ok := m.owners[v.owner]; ok {
			delete(set, v.id)
			if len(set) == 0 {
				delete(m.owners, v.owner)
			}
		}
	}
}

func (m *Manager) notifyCreated(v *View) {
	if err := events.Emit[target.Handle](m.bus, events.TopicTargetCreated, v); err != nil {
		m.logger.Warn("created notification dropped", "view_id", v.id, "error", err)
	}
}

func (m *Manager) notifyDestroyed(id string) {
	if err := events.Emit[string](m.bus, events.TopicTargetDestroyed, id); err != nil {
		m.logger.Warn("destroyed notification dropped", "view_id", id, "error", err)
	}
}
