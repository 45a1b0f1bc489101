package sshkeys

import (
	"fmt"
	"os"
	"path/filepath"

	"pkt.systems/kryptograf/keymgmt"
	"pkt.systems/pslog"
)

// EnsureKeyStore creates the bundle holding the root key that wraps every
// client key's DEK. An existing bundle is loaded and left unchanged.
func EnsureKeyStore(path string) error {
	return EnsureKeyStoreWithLogger(path, nil)
}

// EnsureKeyStoreWithLogger is EnsureKeyStore with logging.
func EnsureKeyStoreWithLogger(path string, logger pslog.Logger) error {
	fail := func(step string, err error) error {
		if logger != nil {
			logger.Warn("client key bundle prepare failed", "path", path, "step", step, "err", err)
		}
		return fmt.Errorf("client key bundle %s: %w", step, err)
	}
	if path == "" {
		return fmt.Errorf("client key bundle path is required")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return fail("mkdir", err)
	}
	bundle, err := keymgmt.LoadProto(path)
	if err != nil {
		return fail("load", err)
	}
	if _, err := bundle.EnsureRootKey(); err != nil {
		return fail("root key", err)
	}
	if err := bundle.Commit(); err != nil {
		return fail("commit", err)
	}
	if err := os.Chmod(path, 0o600); err != nil && !os.IsNotExist(err) {
		return fail("chmod", err)
	}
	if logger != nil {
		logger.Debug("client key bundle ready", "path", path)
	}
	return nil
}
