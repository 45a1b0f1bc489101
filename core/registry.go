package core

import (
	"context"
	"sync"

	"pkt.systems/pocketsh/internal/logx"
	"pkt.systems/pocketsh/schema"
	"pkt.systems/pslog"
)

// BridgeFactory builds an attached bridge for a profile.
type BridgeFactory func(ctx context.Context, profileID schema.ProfileID) (*Bridge, error)

// Registry holds at most one active bridge, keyed by profile. Creating a
// bridge for another profile detaches the previous one first.
type Registry struct {
	factory BridgeFactory
	log     pslog.Logger

	mu      sync.Mutex
	profile schema.ProfileID
	active  *Bridge
}

// NewRegistry constructs an empty registry.
func NewRegistry(factory BridgeFactory, logger pslog.Logger) *Registry {
	if logger == nil {
		logger = pslog.Ctx(context.Background())
	}
	return &Registry{factory: factory, log: logger}
}

// GetOrCreateBridge returns the active bridge when it belongs to profileID
// and is still attached; otherwise it detaches the current bridge and asks
// the factory for a new one.
func (r *Registry) GetOrCreateBridge(ctx context.Context, profileID schema.ProfileID) (*Bridge, error) {
	if err := schema.ValidateProfileID(profileID); err != nil {
		return nil, err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.active != nil && r.profile == profileID && !isDone(r.active) {
		return r.active, nil
	}
	if r.active != nil {
		r.log.Info("registry bridge replaced", "profile", string(r.profile), "next", string(profileID))
		r.active.Detach()
		r.active = nil
		r.profile = ""
	}
	bridge, err := r.factory(logx.ContextWithProfileLogger(ctx, logx.WithProfile(ctx, profileID), profileID), profileID)
	if err != nil {
		r.log.Warn("registry bridge create failed", "profile", string(profileID), "err", err)
		return nil, err
	}
	r.active = bridge
	r.profile = profileID
	r.log.Debug("registry bridge created", "profile", string(profileID), "bridge", bridge.ID())
	return bridge, nil
}

// Active returns the current bridge and its profile, if any.
func (r *Registry) Active() (schema.ProfileID, *Bridge, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.active == nil {
		return "", nil, false
	}
	return r.profile, r.active, true
}

// RemoveBridge detaches the bridge for profileID when it is the active one.
func (r *Registry) RemoveBridge(profileID schema.ProfileID) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.active == nil || r.profile != profileID {
		return
	}
	r.active.Detach()
	r.active = nil
	r.profile = ""
}

// RemoveAll detaches the active bridge, if any.
func (r *Registry) RemoveAll() {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.active == nil {
		return
	}
	r.active.Detach()
	r.active = nil
	r.profile = ""
}

func isDone(b *Bridge) bool {
	select {
	case <-b.Done():
		return true
	default:
		return false
	}
}

// SessionBridgeFactory attaches bridges to the streams of session, sized to
// its current dimensions. Bridge resizes are forwarded to the session.
func SessionBridgeFactory(session *Session, cfg BridgeConfig) BridgeFactory {
	return func(ctx context.Context, profileID schema.ProfileID) (*Bridge, error) {
		remoteOut, remoteIn, err := session.AttachStreams(ctx)
		if err != nil {
			return nil, err
		}
		cols, rows := session.Dimensions()
		bridgeCfg := cfg
		bridgeCfg.Resize = session.ResizeTerminal
		if bridgeCfg.Logger == nil {
			bridgeCfg.Logger = logx.WithProfile(ctx, profileID)
		} else {
			bridgeCfg.Logger = bridgeCfg.Logger.With("profile", string(profileID))
		}
		bridge := NewBridge(bridgeCfg)
		if err := bridge.Attach(ctx, remoteOut, remoteIn, cols, rows); err != nil {
			_ = remoteOut.Close()
			return nil, err
		}
		return bridge, nil
	}
}
