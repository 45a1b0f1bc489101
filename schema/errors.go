package schema

import "errors"

var (
	// ErrInvalidRequest indicates a malformed request payload.
	ErrInvalidRequest = errors.New("invalid request")
	// ErrInvalidHost indicates a missing or malformed hostname.
	ErrInvalidHost = errors.New("invalid host")
	// ErrInvalidPort indicates a port outside 1-65535.
	ErrInvalidPort = errors.New("invalid port")
	// ErrInvalidUsername indicates a missing or malformed username.
	ErrInvalidUsername = errors.New("invalid username")
	// ErrMissingKey indicates no private key material was supplied.
	ErrMissingKey = errors.New("private key is required")
	// ErrInvalidProfile indicates an unknown or malformed profile identifier.
	ErrInvalidProfile = errors.New("invalid profile")
	// ErrProfileNotFound indicates the profile is not configured.
	ErrProfileNotFound = errors.New("profile not found")
	// ErrNotConnected indicates the operation needs a connected session.
	ErrNotConnected = errors.New("not connected")
	// ErrInvalidSessionName indicates a remote session name outside the allow-list.
	ErrInvalidSessionName = errors.New("invalid remote session name")
)
