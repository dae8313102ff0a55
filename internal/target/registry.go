package target

import (
	"context"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/hostview/cdpmux/internal/cdp"
	"github.com/hostview/cdpmux/internal/events"
)

const infoTimeout = 5 * time.Second

// Target is a registry entry: a non-owning handle plus cached metadata.
type Target struct {
	Handle Handle
	Info   cdp.TargetInfo
}

// Registry tracks the targets known to one proxy instance. It performs no
// session bookkeeping; that is the session table's job.
type Registry struct {
	mu       sync.Mutex
	provider Provider
	targets  map[string]*Target
	logger   *slog.Logger

	createdSub   events.Subscription
	destroyedSub events.Subscription
	watching     bool

	onAdded   func(*Target)
	onRemoved func(*Target)
}

func NewRegistry(provider Provider, logger *slog.Logger) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	return &Registry{
		provider: provider,
		targets:  make(map[string]*Target),
		logger:   logger,
	}
}

// Watch subscribes to the provider's created/destroyed notification streams.
// onAdded fires for targets that appear after Watch; onRemoved fires when a
// known target is destroyed, after it has been deregistered.
func (r *Registry) Watch(onAdded, onRemoved func(*Target)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.watching {
		return
	}
	r.watching = true
	r.onAdded = onAdded
	r.onRemoved = onRemoved

	bus := r.provider.Notifications()
	r.createdSub = events.Subscribe[Handle](bus, events.TopicTargetCreated,
		func(_ context.Context, h Handle) error {
			r.handleCreated(h)
			return nil
		})
	r.destroyedSub = events.Subscribe[string](bus, events.TopicTargetDestroyed,
		func(_ context.Context, targetID string) error {
			r.handleDestroyed(targetID)
			return nil
		})
}

// Close unsubscribes from provider notifications. It does not touch the
// targets themselves: the provider owns them.
func (r *Registry) Close() {
	r.mu.Lock()
	defer r.mu.Unlock()
	if !r.watching {
		return
	}
	r.watching = false
	r.createdSub.Unsubscribe()
	r.destroyedSub.Unsubscribe()
}

// Get returns the cached target for id, or nil.
func (r *Registry) Get(targetID string) *Target {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.targets[targetID]
}

// Targets enumerates the provider's current targets, refreshing cached
// metadata and registering anything not seen before. Results are ordered by
// target id for stable output.
func (r *Registry) Targets(ctx context.Context) ([]*Target, error) {
	handles := r.provider.Targets()

	out := make([]*Target, 0, len(handles))
	for _, h := range handles {
		info, err := h.Info(ctx)
		if err != nil {
			r.logger.Warn("target info fetch failed", "target_id", h.TargetID(), "error", err)
			continue
		}

		r.mu.Lock()
		t, ok := r.targets[h.TargetID()]
		if ok {
			t.Info = info
		} else {
			t = &Target{Handle: h, Info: info}
			r.targets[h.TargetID()] = t
		}
		r.mu.Unlock()
		out = append(out, t)
	}

	sort.Slice(out, func(i, j int) bool { return out[i].Info.TargetID < out[j].Info.TargetID })
	return out, nil
}

// CreateTarget asks the provider for a new target and caches it before
// returning, so the caller can announce it ahead of any asynchronous
// created-notification for the same handle.
func (r *Registry) CreateTarget(ctx context.Context, url, browserContextID string) (*Target, error) {
	h, err := r.provider.Create(ctx, url, browserContextID)
	if err != nil {
		return nil, cdp.TargetCreationFailed(err.Error())
	}
	info, err := h.Info(ctx)
	if err != nil {
		return nil, cdp.TargetCreationFailed(err.Error())
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if existing, ok := r.targets[h.TargetID()]; ok {
		// The created-notification listener won the race and registered it.
		return existing, nil
	}
	t := &Target{Handle: h, Info: info}
	r.targets[h.TargetID()] = t
	return t, nil
}

// CloseTarget requests closure of a known target through the provider.
// Returns false without error when the target is unknown or already closed;
// the destroyed notification performs the actual deregistration.
func (r *Registry) CloseTarget(ctx context.Context, targetID string) (bool, error) {
	r.mu.Lock()
	t := r.targets[targetID]
	r.mu.Unlock()
	if t == nil {
		return false, nil
	}
	if err := r.provider.Close(ctx, t.Handle); err != nil {
		r.logger.Warn("target close failed", "target_id", targetID, "error", err)
		return false, nil
	}
	return true, nil
}

// handleCreated registers an externally created target. Targets already
// cached (CreateTarget populates the cache before this listener runs) are
// skipped so they are not announced twice.
func (r *Registry) handleCreated(h Handle) {
	r.mu.Lock()
	if _, ok := r.targets[h.TargetID()]; ok {
		r.mu.Unlock()
		return
	}
	r.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), infoTimeout)
	info, err := h.Info(ctx)
	cancel()
	if err != nil {
		r.logger.Warn("created target info fetch failed", "target_id", h.TargetID(), "error", err)
		return
	}

	r.mu.Lock()
	if _, ok := r.targets[h.TargetID()]; ok {
		r.mu.Unlock()
		return
	}
	t := &Target{Handle: h, Info: info}
	r.targets[h.TargetID()] = t
	onAdded := r.onAdded
	r.mu.Unlock()

	if onAdded != nil {
		onAdded(t)
	}
}

func (r *Registry) handleDestroyed(targetID string) {
	r.mu.Lock()
	t := r.targets[targetID]
	delete(r.targets, targetID)
	onRemoved := r.onRemoved
	r.mu.Unlock()

	if t != nil && onRemoved != nil {
		onRemoved(t)
	}
}
