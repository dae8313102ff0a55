// Package target defines the boundary to the target-providing collaborator
// (the host application embedding debuggable views) and the registry that
// tracks known targets for one proxy instance.
package target

import (
	"context"
	"encoding/json"

	"github.com/hostview/cdpmux/internal/cdp"
	"github.com/hostview/cdpmux/internal/events"
)

// Handler receives traffic from a target's native debug channel after an
// attach. Implementations must not block: delivery happens on the channel's
// read path.
type Handler interface {
	// HandleEvent delivers a native debug event.
	HandleEvent(method string, params json.RawMessage)
	// HandleReply delivers the reply to a previously sent command.
	HandleReply(id int64, result json.RawMessage, err error)
	// HandleDetach signals that the native channel closed. err is nil for an
	// orderly close.
	HandleDetach(err error)
}

// Conn is one live native debug channel, returned by Handle.Attach.
type Conn interface {
	// SendCommand submits a command. The reply arrives via Handler.HandleReply
	// with the same id.
	SendCommand(id int64, method string, params json.RawMessage) error
	// Close detaches from the target. Idempotent.
	Close() error
}

// Handle is one attachable debug surface owned by the provider. The proxy
// holds handles non-owningly: it never destroys a target, only asks the
// provider to close it.
type Handle interface {
	TargetID() string
	Info(ctx context.Context) (cdp.TargetInfo, error)
	Attach(ctx context.Context, h Handler) (Conn, error)
}

// Provider is the target-providing collaborator. Notifications() carries
// Handle values on events.TopicTargetCreated and target id strings on
// events.TopicTargetDestroyed.
type Provider interface {
	Targets() []Handle
	Create(ctx context.Context, url, browserContextID string) (Handle, error)
	Close(ctx context.Context, h Handle) error

	BrowserContexts(ctx context.Context) ([]string, error)
	CreateBrowserContext(ctx context.Context) (string, error)
	DisposeBrowserContext(ctx context.Context, id string) error

	Notifications() *events.Subject
}
