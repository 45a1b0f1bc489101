package schema

import (
	"fmt"
	"strings"
)

// NormalizeConnectRequest validates endpoint fields and fills defaults.
// Key material is checked for presence only; parsing happens in the session.
func NormalizeConnectRequest(req ConnectRequest) (ConnectRequest, error) {
	req.Hostname = strings.TrimSpace(req.Hostname)
	if req.Hostname == "" || strings.ContainsAny(req.Hostname, " \t\r\n/@") {
		return req, fmt.Errorf("%w: %q", ErrInvalidHost, req.Hostname)
	}
	if req.Port == 0 {
		req.Port = DefaultPort
	}
	if req.Port < 1 || req.Port > 65535 {
		return req, fmt.Errorf("%w: %d", ErrInvalidPort, req.Port)
	}
	if strings.TrimSpace(req.Username) == "" || strings.ContainsAny(req.Username, " \t\r\n@") {
		return req, fmt.Errorf("%w: %q", ErrInvalidUsername, req.Username)
	}
	if len(req.PrivateKey) == 0 {
		return req, ErrMissingKey
	}
	req.Columns, req.Rows = NormalizeSize(req.Columns, req.Rows)
	return req, nil
}

// NormalizeSize replaces non-positive dimensions with the defaults.
func NormalizeSize(cols, rows int) (int, int) {
	if cols <= 0 {
		cols = DefaultColumns
	}
	if rows <= 0 {
		rows = DefaultRows
	}
	return cols, rows
}

// ValidateProfileID ensures a profile id matches [a-z0-9._-] with no normalization.
func ValidateProfileID(id ProfileID) error {
	raw := string(id)
	if raw == "" {
		return ErrInvalidProfile
	}
	for _, r := range raw {
		if r >= 'a' && r <= 'z' {
			continue
		}
		if r >= '0' && r <= '9' {
			continue
		}
		if r == '.' || r == '_' || r == '-' {
			continue
		}
		return ErrInvalidProfile
	}
	return nil
}
