package hostview

import (
	"encoding/json"
	"sync"

	"github.com/hostview/cdpmux/internal/target"
)

// NewEchoCreator returns a view creator backed by an in-process echo
// debugger: every forwarded command is acknowledged with an empty result.
// Used by `cdpmux serve --demo` and for wiring checks when no embedding host
// is present.
func NewEchoCreator() func(opts CreatorOptions) ViewHandle {
	return func(opts CreatorOptions) ViewHandle {
		return &echoView{name: opts.Name, title: opts.Title, url: opts.URL}
	}
}

type echoView struct {
	mu    sync.Mutex
	name  string
	title string
	url   string
}

func (v *echoView) Name() string { return v.name }
func (v *echoView) Close()       {}

func (v *echoView) Title() string {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.title
}

func (v *echoView) URL() string {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.url
}

func (v *echoView) SetURL(url string) {
	v.mu.Lock()
	v.url = url
	v.mu.Unlock()
}

func (v *echoView) SetTitle(title string) {
	v.mu.Lock()
	v.title = title
	v.mu.Unlock()
}

func (v *echoView) AttachDebugger(h target.Handler) (target.Conn, error) {
	return &echoConn{handler: h}, nil
}

type echoConn struct {
	mu      sync.Mutex
	handler target.Handler
	closed  bool
}

func (c *echoConn) SendCommand(id int64, method string, params json.RawMessage) error {
	c.mu.Lock()
	closed := c.closed
	h := c.handler
	c.mu.Unlock()
	if closed {
		return errConnClosed
	}
	go h.HandleReply(id, json.RawMessage(`{}`), nil)
	return nil
}

func (c *echoConn) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
	return nil
}

var errConnClosed = &connClosedError{}

type connClosedError struct{}

func (*connClosedError) Error() string { return "debug channel closed" }
