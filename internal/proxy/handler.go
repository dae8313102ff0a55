package proxy

import (
	"context"
	"encoding/json"

	"github.com/hostview/cdpmux/internal/cdp"
	"github.com/hostview/cdpmux/internal/target"
)

// browserTargetID is the synthetic id of the browser target itself.
const browserTargetID = "browser"

// decodeParams parses the raw params of a reserved method into its typed
// shape. Malformed params are an InvalidParams failure at the boundary, not a
// trusted cast.
func decodeParams[T any](raw json.RawMessage) (T, error) {
	var v T
	if len(raw) == 0 {
		return v, nil
	}
	if err := json.Unmarshal(raw, &v); err != nil {
		return v, cdp.InvalidParams(err.Error())
	}
	return v, nil
}

type setAutoAttachParams struct {
	AutoAttach             bool `json:"autoAttach"`
	WaitForDebuggerOnStart bool `json:"waitForDebuggerOnStart"`
	Flatten                bool `json:"flatten"`
}

type setDiscoverTargetsParams struct {
	Discover bool `json:"discover"`
}

type attachToTargetParams struct {
	TargetID string `json:"targetId"`
	Flatten  bool   `json:"flatten"`
}

type createTargetParams struct {
	URL              string `json:"url"`
	BrowserContextID string `json:"browserContextId"`
}

type targetIDParams struct {
	TargetID string `json:"targetId"`
}

type detachFromTargetParams struct {
	SessionID string `json:"sessionId"`
	TargetID  string `json:"targetId"`
}

type browserContextIDParams struct {
	BrowserContextID string `json:"browserContextId"`
}

// handleBrowserCommand interprets the reserved Browser.*/Target.* method set.
// sessionID is the session the request arrived on, used to resolve the
// caller's bound target.
func (p *Proxy) handleBrowserCommand(ctx context.Context, method string, params json.RawMessage, sessionID string) (any, error) {
	switch method {
	case "Browser.getVersion":
		return p.opts.Version, nil

	case "Browser.close", "Browser.setDownloadBehavior", "Browser.setWindowBounds":
		// The host does not support these operations.
		return map[string]any{}, nil

	case "Browser.getWindowForTarget":
		return p.getWindowForTarget(ctx, params, sessionID)

	case "Target.getBrowserContexts":
		ids, err := p.provider.BrowserContexts(ctx)
		if err != nil {
			return nil, err
		}
		if ids == nil {
			ids = []string{}
		}
		return map[string]any{"browserContextIds": ids}, nil

	case "Target.createBrowserContext":
		id, err := p.provider.CreateBrowserContext(ctx)
		if err != nil {
			return nil, err
		}
		return map[string]any{"browserContextId": id}, nil

	case "Target.disposeBrowserContext":
		req, err := decodeParams[browserContextIDParams](params)
		if err != nil {
			return nil, err
		}
		if err := p.provider.DisposeBrowserContext(ctx, req.BrowserContextID); err != nil {
			return nil, err
		}
		return map[string]any{}, nil

	case "Target.attachToBrowserTarget":
		p.mu.Lock()
		p.st.browserAttached = true
		sid := p.st.browserSessionID
		p.mu.Unlock()
		return map[string]any{"sessionId": sid}, nil

	case "Target.setAutoAttach":
		return p.setAutoAttach(ctx, params, sessionID)

	case "Target.setDiscoverTargets":
		return p.setDiscoverTargets(ctx, params)

	case "Target.getTargets":
		targets, err := p.reg.Targets(ctx)
		if err != nil {
			return nil, err
		}
		infos := make([]cdp.TargetInfo, 0, len(targets))
		for _, t := range targets {
			infos = append(infos, p.infoFor(t))
		}
		return map[string]any{"targetInfos": infos}, nil

	case "Target.getTargetInfo":
		return p.getTargetInfo(ctx, params, sessionID)

	case "Target.attachToTarget":
		return p.attachToTargetCmd(ctx, params)

	case "Target.createTarget":
		return p.createTarget(ctx, params)

	case "Target.closeTarget":
		return p.closeTarget(ctx, params)

	case "Target.detachFromTarget":
		return p.detachFromTarget(params, sessionID)

	case "Target.activateTarget":
		return map[string]any{}, nil

	default:
		return nil, cdp.MethodNotFound(method)
	}
}

func (p *Proxy) getWindowForTarget(ctx context.Context, params json.RawMessage, sessionID string) (any, error) {
	req, err := decodeParams[targetIDParams](params)
	if err != nil {
		return nil, err
	}

	t, err := p.resolveTarget(ctx, req.TargetID, sessionID)
	if err != nil {
		return nil, err
	}

	p.mu.Lock()
	windowID, ok := p.windowIDs[t.Info.TargetID]
	if !ok {
		p.nextWindowID++
		windowID = p.nextWindowID
		p.windowIDs[t.Info.TargetID] = windowID
	}
	p.mu.Unlock()

	return map[string]any{
		"windowId": windowID,
		"bounds": map[string]any{
			"left":        0,
			"top":         0,
			"width":       1280,
			"height":      720,
			"windowState": "normal",
		},
	}, nil
}

func (p *Proxy) setAutoAttach(ctx context.Context, params json.RawMessage, sessionID string) (any, error) {
	req, err := decodeParams[setAutoAttachParams](params)
	if err != nil {
		return nil, err
	}
	if !req.Flatten {
		return nil, cdp.InvalidParams("only flatten=true sessions are supported")
	}

	p.mu.Lock()
	p.st.autoAttach = req.AutoAttach
	browserLevel := (sessionID == "" && p.defaultSessionID == "") || sessionID == p.st.browserSessionID
	p.mu.Unlock()

	// Only a browser-level caller performs bulk attach: a page session
	// toggling auto-attach must not trigger attachment to unrelated targets.
	if req.AutoAttach && browserLevel {
		targets, err := p.reg.Targets(ctx)
		if err != nil {
			return nil, err
		}
		for _, t := range targets {
			p.announceTarget(t)
			p.autoAttachTarget(ctx, t)
		}
	}
	return map[string]any{}, nil
}

func (p *Proxy) setDiscoverTargets(ctx context.Context, params json.RawMessage) (any, error) {
	req, err := decodeParams[setDiscoverTargetsParams](params)
	if err != nil {
		return nil, err
	}

	p.mu.Lock()
	p.st.discoverTargets = req.Discover
	p.mu.Unlock()

	if req.Discover {
		targets, err := p.reg.Targets(ctx)
		if err != nil {
			return nil, err
		}
		for _, t := range targets {
			p.announceTarget(t)
		}
	}
	return map[string]any{}, nil
}

func (p *Proxy) getTargetInfo(ctx context.Context, params json.RawMessage, sessionID string) (any, error) {
	req, err := decodeParams[targetIDParams](params)
	if err != nil {
		return nil, err
	}

	if req.TargetID == "" && p.boundTarget(sessionID) == nil {
		// No explicit id and no bound target: the browser target itself.
		return map[string]any{
			"targetInfo": cdp.TargetInfo{
				TargetID: browserTargetID,
				Type:     "browser",
				Attached: true,
			},
		}, nil
	}

	t, err := p.resolveTarget(ctx, req.TargetID, sessionID)
	if err != nil {
		return nil, err
	}
	return map[string]any{"targetInfo": p.infoFor(t)}, nil
}

func (p *Proxy) attachToTargetCmd(ctx context.Context, params json.RawMessage) (any, error) {
	req, err := decodeParams[attachToTargetParams](params)
	if err != nil {
		return nil, err
	}
	if !req.Flatten {
		return nil, cdp.InvalidParams("only flatten=true sessions are supported")
	}
	if req.TargetID == "" {
		return nil, cdp.InvalidParams("targetId required")
	}

	t, err := p.lookupTarget(ctx, req.TargetID)
	if err != nil {
		return nil, err
	}
	if t == nil {
		return nil, cdp.TargetNotFound(req.TargetID)
	}

	s, created, err := p.attachTarget(ctx, t)
	if err != nil {
		return nil, err
	}
	if created {
		p.announceTarget(t)
		p.emitBrowserEvent("Target.attachedToTarget", cdp.AttachedToTargetParams{
			SessionID:          s.ID(),
			TargetInfo:         p.infoFor(t),
			WaitingForDebugger: false,
		})
	}
	return map[string]any{"sessionId": s.ID()}, nil
}

// createTarget creates, announces, and (with auto-attach on) attaches, in
// that order, before the command's own result is returned. Clients rely on
// observing targetCreated, then attachedToTarget, then the response.
func (p *Proxy) createTarget(ctx context.Context, params json.RawMessage) (any, error) {
	req, err := decodeParams[createTargetParams](params)
	if err != nil {
		return nil, err
	}
	if req.URL == "" {
		req.URL = "about:blank"
	}

	t, err := p.reg.CreateTarget(ctx, req.URL, req.BrowserContextID)
	if err != nil {
		return nil, err
	}

	p.announceTarget(t)

	p.mu.Lock()
	autoAttach := p.st.autoAttach
	p.mu.Unlock()
	if autoAttach {
		p.autoAttachTarget(ctx, t)
	}

	return map[string]any{"targetId": t.Info.TargetID}, nil
}

// closeTarget disposes the session first, emitting detachedFromTarget, and
// only then requests registry closure, which reports targetDestroyed.
func (p *Proxy) closeTarget(ctx context.Context, params json.RawMessage) (any, error) {
	req, err := decodeParams[targetIDParams](params)
	if err != nil {
		return nil, err
	}

	t, err := p.lookupTarget(ctx, req.TargetID)
	if err != nil {
		return nil, err
	}
	if t == nil {
		return map[string]any{"success": false}, nil
	}

	if s := p.table.ByTarget(req.TargetID); s != nil {
		p.detachSession(s)
	}

	ok, err := p.reg.CloseTarget(ctx, req.TargetID)
	if err != nil {
		return nil, err
	}
	return map[string]any{"success": ok}, nil
}

func (p *Proxy) detachFromTarget(params json.RawMessage, callerSessionID string) (any, error) {
	req, err := decodeParams[detachFromTargetParams](params)
	if err != nil {
		return nil, err
	}

	switch {
	case req.SessionID != "":
		sess := p.table.Get(req.SessionID)
		if sess == nil {
			return nil, cdp.SessionNotFound(req.SessionID)
		}
		p.detachSession(sess)
	case req.TargetID != "":
		if sess := p.table.ByTarget(req.TargetID); sess != nil {
			p.detachSession(sess)
		}
	case callerSessionID != "":
		if sess := p.table.Get(callerSessionID); sess != nil {
			p.detachSession(sess)
		}
	}
	return map[string]any{}, nil
}

// lookupTarget resolves an explicit target id, re-enumerating the provider
// once when the id is not in the registry cache yet. Returns nil without
// error when the provider does not know the id either.
func (p *Proxy) lookupTarget(ctx context.Context, targetID string) (*target.Target, error) {
	if t := p.reg.Get(targetID); t != nil {
		return t, nil
	}
	if _, err := p.reg.Targets(ctx); err != nil {
		return nil, err
	}
	return p.reg.Get(targetID), nil
}

// resolveTarget finds a target by explicit id, falling back to the calling
// session's bound target.
func (p *Proxy) resolveTarget(ctx context.Context, targetID, sessionID string) (*target.Target, error) {
	if targetID != "" {
		t, err := p.lookupTarget(ctx, targetID)
		if err != nil {
			return nil, err
		}
		if t == nil {
			return nil, cdp.TargetNotFound(targetID)
		}
		return t, nil
	}
	if t := p.boundTarget(sessionID); t != nil {
		return t, nil
	}
	return nil, cdp.TargetNotFound("")
}

// boundTarget returns the target bound to the calling session, or nil.
func (p *Proxy) boundTarget(sessionID string) *target.Target {
	p.mu.Lock()
	if sessionID == "" {
		sessionID = p.defaultSessionID
	}
	p.mu.Unlock()
	if sessionID == "" {
		return nil
	}
	if s := p.table.Get(sessionID); s != nil {
		return s.Target()
	}
	return nil
}
