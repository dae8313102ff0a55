package hostview

import (
	"context"
	"fmt"
	"sort"

	"github.com/google/uuid"

	"github.com/hostview/cdpmux/internal/events"
	"github.com/hostview/cdpmux/internal/target"
)

// target.Provider implementation. The proxy layer talks to the manager
// exclusively through this surface.

func (m *Manager) Targets() []target.Handle {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]target.Handle, 0, len(m.views))
	for _, v := range m.views {
		out = append(out, v)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].TargetID() < out[j].TargetID() })
	return out
}

func (m *Manager) Create(ctx context.Context, url, browserContextID string) (target.Handle, error) {
	return m.CreateView(url, "", "", browserContextID)
}

func (m *Manager) Close(ctx context.Context, h target.Handle) error {
	return m.CloseView(h.TargetID())
}

func (m *Manager) BrowserContexts(ctx context.Context) ([]string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]string, 0, len(m.contexts))
	for id := range m.contexts {
		if id != DefaultContextID {
			out = append(out, id)
		}
	}
	sort.Strings(out)
	return out, nil
}

func (m *Manager) CreateBrowserContext(ctx context.Context) (string, error) {
	id := uuid.NewString()
	m.mu.Lock()
	m.contexts[id] = true
	m.mu.Unlock()
	return id, nil
}

// DisposeBrowserContext removes a context and closes every view inside it.
func (m *Manager) DisposeBrowserContext(ctx context.Context, id string) error {
	if id == "" || id == DefaultContextID {
		return fmt.Errorf("cannot dispose default browser context")
	}

	m.mu.Lock()
	if !m.contexts[id] {
		m.mu.Unlock()
		return fmt.Errorf("unknown browser context: %s", id)
	}
	delete(m.contexts, id)
	var closed []*View
	for _, v := range m.views {
		if v.contextID == id {
			m.removeLocked(v)
			closed = append(closed, v)
		}
	}
	m.mu.Unlock()

	for _, v := range closed {
		v.handle.Close()
		m.notifyDestroyed(v.id)
	}
	return nil
}

func (m *Manager) Notifications() *events.Subject {
	return m.bus
}
