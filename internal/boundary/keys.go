package boundary

import (
	"crypto/ed25519"
	"crypto/rand"
	"fmt"

	"github.com/awnumar/memguard"
	"golang.org/x/crypto/curve25519"
)

// Context is a security scope as registered with the Enforcer.
//
// Key fields are optional. Register copies them into locked memory and
// wipes the caller's slices.
type Context struct {
	ID string

	// Permissions lists the contexts this one may export to; "*" allows
	// every context.
	Permissions []string

	// SigningKey signs exported handles and commits.
	SigningKey ed25519.PrivateKey

	// EncryptionKey is an X25519 private scalar; handles sealed to this
	// context are opened with it.
	EncryptionKey []byte
}

// Peer is the public half of a context held elsewhere. Registering a peer
// lets local contexts verify its signatures and seal handles to it.
type Peer struct {
	ID               string            `json:"id" yaml:"id"`
	SigningPublic    ed25519.PublicKey `json:"signing_public,omitempty" yaml:"signing_public"`
	EncryptionPublic []byte            `json:"encryption_public,omitempty" yaml:"encryption_public"`
}

// GenerateContext returns a context with fresh signing and encryption
// keys.
func GenerateContext(id string, permissions ...string) (Context, error) {
	_, sk, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return Context{}, fmt.Errorf("generate signing key: %w", err)
	}
	ek := make([]byte, curve25519.ScalarSize)
	if _, err := rand.Read(ek); err != nil {
		return Context{}, fmt.Errorf("generate encryption key: %w", err)
	}
	return Context{ID: id, Permissions: permissions, SigningKey: sk, EncryptionKey: ek}, nil
}

// keyring holds one context's key material.
type keyring struct {
	signing    *memguard.Enclave
	signPub    ed25519.PublicKey
	encryption *memguard.Enclave
	encPub     []byte
}

func newKeyring(c Context) (*keyring, error) {
	k := &keyring{}
	if len(c.SigningKey) > 0 {
		if len(c.SigningKey) != ed25519.PrivateKeySize {
			return nil, fmt.Errorf("context %s: signing key must be %d bytes", c.ID, ed25519.PrivateKeySize)
		}
		k.signPub = append(ed25519.PublicKey(nil), c.SigningKey.Public().(ed25519.PublicKey)...)
		k.signing = memguard.NewEnclave(c.SigningKey)
	}
	if len(c.EncryptionKey) > 0 {
		if len(c.EncryptionKey) != curve25519.ScalarSize {
			return nil, fmt.Errorf("context %s: encryption key must be %d bytes", c.ID, curve25519.ScalarSize)
		}
		pub, err := curve25519.X25519(c.EncryptionKey, curve25519.Basepoint)
		if err != nil {
			return nil, fmt.Errorf("context %s: derive encryption public key: %w", c.ID, err)
		}
		k.encPub = pub
		k.encryption = memguard.NewEnclave(c.EncryptionKey)
	}
	return k, nil
}

func peerKeyring(p Peer) (*keyring, error) {
	if len(p.SigningPublic) > 0 && len(p.SigningPublic) != ed25519.PublicKeySize {
		return nil, fmt.Errorf("peer %s: signing public key must be %d bytes", p.ID, ed25519.PublicKeySize)
	}
	if len(p.EncryptionPublic) > 0 && len(p.EncryptionPublic) != curve25519.PointSize {
		return nil, fmt.Errorf("peer %s: encryption public key must be %d bytes", p.ID, curve25519.PointSize)
	}
	return &keyring{
		signPub: append(ed25519.PublicKey(nil), p.SigningPublic...),
		encPub:  append([]byte(nil), p.EncryptionPublic...),
	}, nil
}

// sign signs msg with the context's signing key.
func (k *keyring) sign(msg []byte) ([]byte, error) {
	buf, err := k.signing.Open()
	if err != nil {
		return nil, fmt.Errorf("open signing key: %w", err)
	}
	defer buf.Destroy()
	return ed25519.Sign(ed25519.PrivateKey(buf.Bytes()), msg), nil
}

// sharedSecret runs X25519 between the context's private key and peer.
func (k *keyring) sharedSecret(peer []byte) ([]byte, error) {
	buf, err := k.encryption.Open()
	if err != nil {
		return nil, fmt.Errorf("open encryption key: %w", err)
	}
	defer buf.Destroy()
	return curve25519.X25519(buf.Bytes(), peer)
}

// signer adapts a keyring to dag.Signer.
type signer struct{ k *keyring }

func (s signer) Sign(body []byte) ([]byte, error) { return s.k.sign(body) }
