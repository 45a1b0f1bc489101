package sshkeys

import (
	"bytes"
	"crypto"
	"crypto/ed25519"
	"crypto/rand"
	"crypto/rsa"
	"encoding/pem"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strings"

	"golang.org/x/crypto/ssh"

	"pkt.systems/kryptograf"
	"pkt.systems/kryptograf/keymgmt"
	"pkt.systems/pslog"
)

const (
	// KeyTypeEd25519 requests Ed25519 key generation.
	KeyTypeEd25519 = "ed25519"
	// KeyTypeRSA requests RSA key generation.
	KeyTypeRSA = "rsa"
	// DefaultRSABits is the default RSA key size in bits.
	DefaultRSABits   = 3072
	defaultKeyFile   = "key.enc"
	defaultPubFile   = "key.pub"
	descriptorPrefix = "pocketsh:clientkey:"
)

var keyNamePattern = regexp.MustCompile(`^[a-z0-9][a-z0-9._-]{0,63}$`)

// ErrKeyExists is returned by GenerateKey when name is already taken.
var ErrKeyExists = errors.New("key already exists")

// ErrInvalidKeyName is returned for names that cannot be used as a key directory.
var ErrInvalidKeyName = errors.New("invalid key name")

// Store manages encrypted client keys, one directory per key name.
type Store struct {
	storePath string
	keyDir    string
	log       pslog.Logger
}

// KeyInfo describes a stored key.
type KeyInfo struct {
	Name      string
	PublicKey string
}

// ValidateName rejects key names that are empty or not path safe.
func ValidateName(name string) error {
	if !keyNamePattern.MatchString(name) {
		return fmt.Errorf("%w: %q", ErrInvalidKeyName, name)
	}
	return nil
}

// NewStore initializes the key store and ensures the root key exists.
func NewStore(storePath, keyDir string) (*Store, error) {
	return NewStoreWithLogger(storePath, keyDir, nil)
}

// NewStoreWithLogger initializes the key store with logging.
func NewStoreWithLogger(storePath, keyDir string, logger pslog.Logger) (*Store, error) {
	if strings.TrimSpace(storePath) == "" {
		return nil, fmt.Errorf("key store path is required")
	}
	if strings.TrimSpace(keyDir) == "" {
		return nil, fmt.Errorf("key directory is required")
	}
	if err := EnsureKeyStoreWithLogger(storePath, logger); err != nil {
		return nil, err
	}
	if err := os.MkdirAll(keyDir, 0o700); err != nil {
		return nil, err
	}
	if logger != nil {
		logger = logger.With("key_store", storePath, "key_dir", keyDir)
	}
	return &Store{storePath: storePath, keyDir: keyDir, log: logger}, nil
}

// GenerateKey creates a new key under name and returns its authorized_keys
// line. Existing keys are left alone; use RotateKey to replace one.
func (s *Store) GenerateKey(name, keyType string, bits int) (string, error) {
	if err := ValidateName(name); err != nil {
		return "", err
	}
	exists, err := s.keyExists(name)
	if err != nil {
		return "", err
	}
	if exists {
		return "", fmt.Errorf("%w: %s", ErrKeyExists, name)
	}
	if s.log != nil {
		s.log.Info("client key generate start", "key", name, "type", keyType, "bits", bits)
	}
	priv, err := newPrivateKey(keyType, bits)
	if err != nil {
		s.warn("client key generate failed", name, err)
		return "", err
	}
	defer Wipe(priv)
	return s.storeKey(name, priv, false)
}

// RotateKey replaces the key under name with fresh material and a fresh DEK.
func (s *Store) RotateKey(name, keyType string, bits int) (string, error) {
	if s.log != nil {
		s.log.Info("client key rotate start", "key", name, "type", keyType, "bits", bits)
	}
	priv, err := newPrivateKey(keyType, bits)
	if err != nil {
		s.warn("client key rotate failed", name, err)
		return "", err
	}
	defer Wipe(priv)
	return s.storeKey(name, priv, true)
}

// ImportKey encrypts an existing PEM/OpenSSH private key under name.
// The caller keeps ownership of pemBytes and passphrase.
func (s *Store) ImportKey(name string, pemBytes, passphrase []byte) (string, error) {
	priv, err := parseRawKey(pemBytes, passphrase)
	if err != nil {
		s.warn("client key import failed", name, err)
		return "", err
	}
	defer Wipe(priv)
	return s.storeKey(name, priv, false)
}

// EnsureKey ensures a key exists under name and returns its public key.
func (s *Store) EnsureKey(name, keyType string, bits int) (string, error) {
	if err := ValidateName(name); err != nil {
		return "", err
	}
	exists, err := s.keyExists(name)
	if err != nil {
		s.warn("client key stat failed", name, err)
		return "", err
	}
	if !exists {
		return s.GenerateKey(name, keyType, bits)
	}
	return s.LoadPublicKey(name)
}

// RemoveKey deletes stored key material for name.
func (s *Store) RemoveKey(name string) error {
	if err := ValidateName(name); err != nil {
		return err
	}
	dir := s.keyPath(name)
	if _, err := os.Stat(dir); err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil
		}
		s.warn("client key remove failed", name, err)
		return err
	}
	if err := os.RemoveAll(dir); err != nil {
		s.warn("client key remove failed", name, err)
		return err
	}
	if s.log != nil {
		s.log.Info("client key removed", "key", name)
	}
	return nil
}

// List returns the stored keys sorted by name.
func (s *Store) List() ([]KeyInfo, error) {
	entries, err := os.ReadDir(s.keyDir)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, nil
		}
		return nil, err
	}
	var keys []KeyInfo
	for _, entry := range entries {
		if !entry.IsDir() || ValidateName(entry.Name()) != nil {
			continue
		}
		pub, err := s.LoadPublicKey(entry.Name())
		if err != nil {
			continue
		}
		keys = append(keys, KeyInfo{Name: entry.Name(), PublicKey: pub})
	}
	sort.Slice(keys, func(i, j int) bool { return keys[i].Name < keys[j].Name })
	return keys, nil
}

// LoadPrivateKeyBytes decrypts the key stored under name and returns the
// OpenSSH PEM bytes. The caller owns the slice and must zero it after use.
func (s *Store) LoadPrivateKeyBytes(name string) ([]byte, error) {
	if err := ValidateName(name); err != nil {
		return nil, err
	}
	path := s.privateKeyPath(name)
	if _, err := os.Stat(path); err != nil {
		s.warn("client key load failed", name, err)
		if errors.Is(err, os.ErrNotExist) {
			return nil, os.ErrNotExist
		}
		return nil, err
	}
	material, root, err := s.materialFor(name, false)
	if err != nil {
		s.warn("client key load failed", name, err)
		return nil, err
	}
	kg := kryptograf.New(root)
	file, err := os.Open(path)
	if err != nil {
		s.warn("client key load failed", name, err)
		return nil, err
	}
	defer func() { _ = file.Close() }()
	reader, err := kg.DecryptReader(file, material)
	if err != nil {
		s.warn("client key load failed", name, err)
		return nil, err
	}
	defer func() { _ = reader.Close() }()
	plain, err := io.ReadAll(reader)
	if err != nil {
		clear(plain)
		s.warn("client key load failed", name, err)
		return nil, err
	}
	if s.log != nil {
		s.log.Debug("client key load ok", "key", name)
	}
	return plain, nil
}

// LoadSigner loads the key stored under name as an ssh.Signer.
func (s *Store) LoadSigner(name string) (ssh.Signer, error) {
	plain, err := s.LoadPrivateKeyBytes(name)
	if err != nil {
		return nil, err
	}
	defer clear(plain)
	priv, err := ssh.ParseRawPrivateKey(plain)
	if err != nil {
		s.warn("client key parse failed", name, err)
		return nil, err
	}
	return ssh.NewSignerFromKey(priv)
}

// LoadPublicKey returns the stored public key line.
func (s *Store) LoadPublicKey(name string) (string, error) {
	if err := ValidateName(name); err != nil {
		return "", err
	}
	data, err := os.ReadFile(s.publicKeyPath(name))
	if err == nil {
		return strings.TrimSpace(string(data)), nil
	}
	if !errors.Is(err, os.ErrNotExist) {
		s.warn("client key public load failed", name, err)
		return "", err
	}
	signer, err := s.LoadSigner(name)
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(string(ssh.MarshalAuthorizedKey(signer.PublicKey()))), nil
}

func newPrivateKey(keyType string, bits int) (crypto.PrivateKey, error) {
	keyType = strings.ToLower(strings.TrimSpace(keyType))
	if keyType == "" {
		keyType = KeyTypeEd25519
	}
	switch keyType {
	case KeyTypeEd25519:
		_, key, err := ed25519.GenerateKey(rand.Reader)
		if err != nil {
			return nil, err
		}
		return key, nil
	case KeyTypeRSA:
		if bits == 0 {
			bits = DefaultRSABits
		}
		if bits < 2048 {
			return nil, fmt.Errorf("rsa bits must be at least 2048")
		}
		key, err := rsa.GenerateKey(rand.Reader, bits)
		if err != nil {
			return nil, err
		}
		return key, nil
	default:
		return nil, fmt.Errorf("unsupported key type %q", keyType)
	}
}

func (s *Store) storeKey(name string, priv crypto.PrivateKey, rotate bool) (string, error) {
	if err := ValidateName(name); err != nil {
		return "", err
	}
	block, err := ssh.MarshalPrivateKey(priv, "pocketsh:"+name)
	if err != nil {
		s.warn("client key write failed", name, err)
		return "", err
	}
	plain := pem.EncodeToMemory(block)
	clear(block.Bytes)
	defer clear(plain)

	material, root, err := s.materialFor(name, rotate)
	if err != nil {
		s.warn("client key write failed", name, err)
		return "", err
	}
	kg := kryptograf.New(root)

	dir := s.keyPath(name)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		s.warn("client key write failed", name, err)
		return "", err
	}
	tmp, err := os.CreateTemp(dir, "key-*.enc")
	if err != nil {
		s.warn("client key write failed", name, err)
		return "", err
	}
	tmpPath := tmp.Name()
	fail := func(err error) (string, error) {
		_ = tmp.Close()
		_ = os.Remove(tmpPath)
		s.warn("client key write failed", name, err)
		return "", err
	}
	if err := tmp.Chmod(0o600); err != nil {
		return fail(err)
	}
	writer, err := kg.EncryptWriter(tmp, material)
	if err != nil {
		return fail(err)
	}
	if _, err := io.Copy(writer, bytes.NewReader(plain)); err != nil {
		_ = writer.Close()
		return fail(err)
	}
	if err := writer.Close(); err != nil {
		return fail(err)
	}
	_ = tmp.Close()
	if err := os.Rename(tmpPath, s.privateKeyPath(name)); err != nil {
		_ = os.Remove(tmpPath)
		s.warn("client key write failed", name, err)
		return "", err
	}

	signer, err := ssh.NewSignerFromKey(priv)
	if err != nil {
		s.warn("client key write failed", name, err)
		return "", err
	}
	pub := ssh.MarshalAuthorizedKey(signer.PublicKey())
	if err := os.WriteFile(s.publicKeyPath(name), pub, 0o644); err != nil {
		s.warn("client key write failed", name, err)
		return "", err
	}
	if s.log != nil {
		action := "stored"
		if rotate {
			action = "rotated"
		}
		s.log.Info("client key write ok", "key", name, "action", action)
	}
	return strings.TrimSpace(string(pub)), nil
}

func (s *Store) materialFor(name string, rotate bool) (keymgmt.Material, keymgmt.RootKey, error) {
	store, err := keymgmt.LoadProto(s.storePath)
	if err != nil {
		return keymgmt.Material{}, keymgmt.RootKey{}, err
	}
	root, err := store.EnsureRootKey()
	if err != nil {
		return keymgmt.Material{}, keymgmt.RootKey{}, err
	}
	descName := descriptorPrefix + name
	contextBytes := []byte(descName)
	var material keymgmt.Material
	if rotate {
		material, err = keymgmt.MintDEK(root, contextBytes)
		if err != nil {
			return keymgmt.Material{}, keymgmt.RootKey{}, err
		}
		if err := store.SetDescriptor(descName, material.Descriptor); err != nil {
			return keymgmt.Material{}, keymgmt.RootKey{}, err
		}
	} else {
		material, err = store.EnsureDescriptor(descName, root, contextBytes)
		if err != nil {
			return keymgmt.Material{}, keymgmt.RootKey{}, err
		}
	}
	if err := store.Commit(); err != nil {
		if s.log != nil {
			s.log.Warn("client key material commit failed", "key", name, "err", err)
		}
		return keymgmt.Material{}, keymgmt.RootKey{}, err
	}
	return material, root, nil
}

func (s *Store) warn(msg, name string, err error) {
	if s.log != nil {
		s.log.Warn(msg, "key", name, "err", err)
	}
}

func (s *Store) keyPath(name string) string {
	return filepath.Join(s.keyDir, name)
}

func (s *Store) privateKeyPath(name string) string {
	return filepath.Join(s.keyPath(name), defaultKeyFile)
}

func (s *Store) publicKeyPath(name string) string {
	return filepath.Join(s.keyPath(name), defaultPubFile)
}

func (s *Store) keyExists(name string) (bool, error) {
	info, err := os.Stat(s.privateKeyPath(name))
	if err == nil {
		return !info.IsDir(), nil
	}
	if errors.Is(err, os.ErrNotExist) {
		return false, nil
	}
	return false, err
}
