package sshkeys

import (
	"crypto"
	"crypto/ecdsa"
	"crypto/ed25519"
	"crypto/rsa"
	"errors"
	"fmt"
	"math/big"

	"golang.org/x/crypto/ssh"
)

// ErrPassphraseRequired is returned when an encrypted key is parsed without a passphrase.
var ErrPassphraseRequired = errors.New("private key is passphrase protected")

// ParseSigner decodes key material into a signer. The returned wipe func
// zeroes the decoded private key; the signer is unusable afterwards.
func ParseSigner(pemBytes, passphrase []byte) (ssh.Signer, func(), error) {
	priv, err := parseRawKey(pemBytes, passphrase)
	if err != nil {
		return nil, func() {}, err
	}
	signer, err := ssh.NewSignerFromKey(priv)
	if err != nil {
		Wipe(priv)
		return nil, func() {}, err
	}
	return signer, func() { Wipe(priv) }, nil
}

func parseRawKey(pemBytes, passphrase []byte) (crypto.PrivateKey, error) {
	if len(pemBytes) == 0 {
		return nil, errors.New("private key is empty")
	}
	priv, err := ssh.ParseRawPrivateKey(pemBytes)
	var missing *ssh.PassphraseMissingError
	if errors.As(err, &missing) {
		if len(passphrase) == 0 {
			return nil, ErrPassphraseRequired
		}
		priv, err = ssh.ParseRawPrivateKeyWithPassphrase(pemBytes, passphrase)
	}
	if err != nil {
		return nil, fmt.Errorf("parse private key: %w", err)
	}
	return priv, nil
}

// Wipe zeroes the secret parts of a decoded private key in place.
func Wipe(key crypto.PrivateKey) {
	switch k := key.(type) {
	case ed25519.PrivateKey:
		clear(k)
	case *ed25519.PrivateKey:
		if k != nil {
			clear(*k)
		}
	case *rsa.PrivateKey:
		if k == nil {
			return
		}
		wipeInt(k.D)
		for _, p := range k.Primes {
			wipeInt(p)
		}
		wipeInt(k.Precomputed.Dp)
		wipeInt(k.Precomputed.Dq)
		wipeInt(k.Precomputed.Qinv)
	case *ecdsa.PrivateKey:
		if k != nil {
			wipeInt(k.D)
		}
	}
}

func wipeInt(n *big.Int) {
	if n == nil {
		return
	}
	clear(n.Bits())
	n.SetInt64(0)
}
