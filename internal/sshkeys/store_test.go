package sshkeys

import (
	"bytes"
	"crypto/ed25519"
	"crypto/rand"
	"encoding/pem"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"golang.org/x/crypto/ssh"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	dir := t.TempDir()
	store, err := NewStore(filepath.Join(dir, "keys.bundle"), filepath.Join(dir, "keys"))
	if err != nil {
		t.Fatalf("new store: %v", err)
	}
	return store
}

func TestStoreGenerateLoadRotate(t *testing.T) {
	store := newTestStore(t)

	pub, err := store.GenerateKey("laptop", KeyTypeEd25519, 0)
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	if !strings.HasPrefix(pub, "ssh-ed25519") {
		t.Fatalf("expected ed25519 pub key, got %q", pub)
	}

	plain, err := store.LoadPrivateKeyBytes("laptop")
	if err != nil {
		t.Fatalf("load private key: %v", err)
	}
	signer, wipe, err := ParseSigner(plain, nil)
	if err != nil {
		t.Fatalf("signer: %v", err)
	}
	derived := strings.TrimSpace(string(ssh.MarshalAuthorizedKey(signer.PublicKey())))
	wipe()
	if derived != pub {
		t.Fatalf("public key mismatch")
	}

	pub2, err := store.RotateKey("laptop", KeyTypeRSA, 2048)
	if err != nil {
		t.Fatalf("rotate key: %v", err)
	}
	if !strings.HasPrefix(pub2, "ssh-rsa") {
		t.Fatalf("expected rsa pub key, got %q", pub2)
	}
	loaded, err := store.LoadPublicKey("laptop")
	if err != nil {
		t.Fatalf("load public key: %v", err)
	}
	if loaded != pub2 {
		t.Fatalf("expected rotated public key")
	}
}

func TestStoreEnsureKeyIsStable(t *testing.T) {
	store := newTestStore(t)
	first, err := store.EnsureKey("phone", "", 0)
	if err != nil {
		t.Fatalf("ensure key: %v", err)
	}
	second, err := store.EnsureKey("phone", "", 0)
	if err != nil {
		t.Fatalf("ensure key again: %v", err)
	}
	if first != second {
		t.Fatalf("expected ensure to return the existing key")
	}
}

func TestStoreRemoveKey(t *testing.T) {
	store := newTestStore(t)
	if _, err := store.GenerateKey("old", KeyTypeEd25519, 0); err != nil {
		t.Fatalf("generate key: %v", err)
	}
	if err := store.RemoveKey("old"); err != nil {
		t.Fatalf("remove key: %v", err)
	}
	if _, err := store.LoadPrivateKeyBytes("old"); err == nil || !os.IsNotExist(err) {
		t.Fatalf("expected os.ErrNotExist after removal, got %v", err)
	}
	if err := store.RemoveKey("old"); err != nil {
		t.Fatalf("expected removing a missing key to succeed, got %v", err)
	}
}

func TestStoreListAndImport(t *testing.T) {
	store := newTestStore(t)
	if _, err := store.GenerateKey("b-key", KeyTypeEd25519, 0); err != nil {
		t.Fatalf("generate key: %v", err)
	}
	_, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		t.Fatalf("ed25519: %v", err)
	}
	block, err := ssh.MarshalPrivateKey(priv, "imported")
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	if _, err := store.ImportKey("a-key", pem.EncodeToMemory(block), nil); err != nil {
		t.Fatalf("import key: %v", err)
	}
	keys, err := store.List()
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(keys) != 2 || keys[0].Name != "a-key" || keys[1].Name != "b-key" {
		t.Fatalf("unexpected key list %+v", keys)
	}
}

func TestValidateNameRejectsTraversal(t *testing.T) {
	for _, name := range []string{"", "../etc", "a/b", "UPPER", ".hidden"} {
		if err := ValidateName(name); !errors.Is(err, ErrInvalidKeyName) {
			t.Fatalf("expected %q to be rejected, got %v", name, err)
		}
	}
	store := newTestStore(t)
	if _, err := store.GenerateKey("../escape", KeyTypeEd25519, 0); !errors.Is(err, ErrInvalidKeyName) {
		t.Fatalf("expected invalid name error, got %v", err)
	}
}

func TestParseSignerPassphrase(t *testing.T) {
	_, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		t.Fatalf("ed25519: %v", err)
	}
	block, err := ssh.MarshalPrivateKeyWithPassphrase(priv, "test", []byte("secret"))
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	data := pem.EncodeToMemory(block)
	if _, _, err := ParseSigner(data, nil); !errors.Is(err, ErrPassphraseRequired) {
		t.Fatalf("expected passphrase required, got %v", err)
	}
	signer, wipe, err := ParseSigner(data, []byte("secret"))
	if err != nil {
		t.Fatalf("parse with passphrase: %v", err)
	}
	defer wipe()
	if signer.PublicKey().Type() != ssh.KeyAlgoED25519 {
		t.Fatalf("unexpected key type %s", signer.PublicKey().Type())
	}
}

func TestWipeZeroesEd25519(t *testing.T) {
	_, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		t.Fatalf("ed25519: %v", err)
	}
	Wipe(priv)
	if !bytes.Equal(priv, make([]byte, len(priv))) {
		t.Fatalf("expected key bytes to be zeroed")
	}
	ptr := &priv
	Wipe(ptr)
}

func TestParseSignerRejectsGarbage(t *testing.T) {
	if _, _, err := ParseSigner([]byte("not a key"), nil); err == nil {
		t.Fatalf("expected parse error")
	}
	if _, _, err := ParseSigner(nil, nil); err == nil {
		t.Fatalf("expected empty key error")
	}
}

func TestEnsureKeyStoreIsIdempotent(t *testing.T) {
	path := filepath.Join(t.TempDir(), "state", "keys.bundle")
	for i := 0; i < 2; i++ {
		if err := EnsureKeyStore(path); err != nil {
			t.Fatalf("ensure %d: %v", i, err)
		}
	}
	info, err := os.Stat(path)
	if err != nil {
		t.Fatalf("stat bundle: %v", err)
	}
	if perm := info.Mode().Perm(); perm != 0o600 {
		t.Fatalf("expected 0600, got %o", perm)
	}
	if err := EnsureKeyStore(""); err == nil {
		t.Fatalf("expected error for empty path")
	}
}

func TestGenerateKeyRefusesExisting(t *testing.T) {
	store := newTestStore(t)
	first, err := store.GenerateKey("phone", KeyTypeEd25519, 0)
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	if _, err := store.GenerateKey("phone", KeyTypeEd25519, 0); !errors.Is(err, ErrKeyExists) {
		t.Fatalf("expected ErrKeyExists, got %v", err)
	}
	pub, err := store.LoadPublicKey("phone")
	if err != nil || pub != first {
		t.Fatalf("existing key changed: %q %v", pub, err)
	}
}
