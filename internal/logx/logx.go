package logx

import (
	"context"
	"strconv"

	"pkt.systems/pocketsh/schema"
	"pkt.systems/pslog"
)

type contextKey int

const (
	profileKey contextKey = iota
)

// WithProfile annotates the logger with the profile id unless the context
// already carries the same marker.
func WithProfile(ctx context.Context, profileID schema.ProfileID) pslog.Logger {
	log := pslog.Ctx(ctx)
	if profileID != "" {
		if current, ok := ctx.Value(profileKey).(schema.ProfileID); ok && current == profileID {
			return log
		}
		log = log.With("profile", profileID)
	}
	return log
}

// WithEndpoint annotates the logger with the remote endpoint.
func WithEndpoint(log pslog.Logger, host string, port int, username string) pslog.Logger {
	if host != "" {
		log = log.With("host", host)
	}
	if port > 0 {
		log = log.With("port", strconv.Itoa(port))
	}
	if username != "" {
		log = log.With("user", username)
	}
	return log
}

// WithBridge annotates the logger with a bridge instance id.
func WithBridge(log pslog.Logger, bridgeID string) pslog.Logger {
	if bridgeID != "" {
		log = log.With("bridge", bridgeID)
	}
	return log
}

// ContextWithProfile stores the profile marker on the context for log de-duplication.
func ContextWithProfile(ctx context.Context, profileID schema.ProfileID) context.Context {
	if ctx == nil || profileID == "" {
		return ctx
	}
	return context.WithValue(ctx, profileKey, profileID)
}

// ContextWithProfileLogger attaches the logger and profile marker to the context.
func ContextWithProfileLogger(ctx context.Context, log pslog.Logger, profileID schema.ProfileID) context.Context {
	ctx = pslog.ContextWithLogger(ctx, log)
	return ContextWithProfile(ctx, profileID)
}
