package boundary

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"

	"golang.org/x/crypto/chacha20poly1305"
	"golang.org/x/crypto/curve25519"
	"golang.org/x/crypto/hkdf"

	"github.com/roach88/dagstate/internal/ir"
	"github.com/roach88/dagstate/internal/object"
)

// Handle carries one value subtree from a source context to a
// destination context.
//
// Payload is the JSON array of the subtree's encoded nodes. When Sealed,
// Payload is that array encrypted with XChaCha20-Poly1305 under a key
// agreed between Ephemeral and the destination's X25519 key. Signature,
// when present, is an ed25519 signature by From over SigningBody.
type Handle struct {
	Format    int         `json:"format"`
	ID        string      `json:"id"`
	From      string      `json:"from"`
	To        string      `json:"to"`
	Hash      object.Hash `json:"hash"`
	Sealed    bool        `json:"sealed"`
	Ephemeral []byte      `json:"ephemeral,omitempty"`
	Nonce     []byte      `json:"nonce,omitempty"`
	Payload   []byte      `json:"payload"`
	Signature []byte      `json:"signature,omitempty"`
}

// SigningBody is the canonical encoding a handle signature covers: every
// field except the signature, with the payload replaced by its digest.
func (h *Handle) SigningBody() ([]byte, error) {
	enc := base64.StdEncoding.EncodeToString
	return ir.MarshalCanonical(ir.IRObject{
		"format":    ir.IRInt(h.Format),
		"id":        ir.IRString(h.ID),
		"from":      ir.IRString(h.From),
		"to":        ir.IRString(h.To),
		"hash":      ir.IRString(h.Hash),
		"sealed":    ir.IRBool(h.Sealed),
		"ephemeral": ir.IRString(enc(h.Ephemeral)),
		"nonce":     ir.IRString(enc(h.Nonce)),
		"payload":   ir.IRString(ir.Digest(ir.DomainHandle, h.Payload)),
	})
}

// Marshal returns the transport encoding of the handle.
func (h *Handle) Marshal() ([]byte, error) {
	return json.Marshal(h)
}

// UnmarshalHandle parses a handle produced by Marshal.
func UnmarshalHandle(data []byte) (*Handle, error) {
	var h Handle
	if err := json.Unmarshal(data, &h); err != nil {
		return nil, fmt.Errorf("decode handle: %w", err)
	}
	if h.Format != ir.FormatVersion {
		return nil, fmt.Errorf("decode handle: unsupported format %d", h.Format)
	}
	return &h, nil
}

// additionalData binds a sealed payload to the handle's routing fields.
func additionalData(h *Handle) []byte {
	return []byte(fmt.Sprintf("%s\x00%s\x00%s\x00%s", h.ID, h.From, h.To, h.Hash))
}

func deriveKey(shared, ephemeral, recipient []byte) ([]byte, error) {
	salt := append(append([]byte(nil), ephemeral...), recipient...)
	key := make([]byte, chacha20poly1305.KeySize)
	if _, err := io.ReadFull(hkdf.New(sha256.New, shared, salt, []byte(ir.DomainHandle)), key); err != nil {
		return nil, err
	}
	return key, nil
}

// seal encrypts h.Payload to the recipient's X25519 public key.
func seal(h *Handle, recipient []byte) error {
	eph := make([]byte, curve25519.ScalarSize)
	if _, err := rand.Read(eph); err != nil {
		return err
	}
	ephPub, err := curve25519.X25519(eph, curve25519.Basepoint)
	if err != nil {
		return err
	}
	shared, err := curve25519.X25519(eph, recipient)
	if err != nil {
		return err
	}
	key, err := deriveKey(shared, ephPub, recipient)
	if err != nil {
		return err
	}
	aead, err := chacha20poly1305.NewX(key)
	if err != nil {
		return err
	}
	nonce := make([]byte, chacha20poly1305.NonceSizeX)
	if _, err := rand.Read(nonce); err != nil {
		return err
	}

	h.Sealed = true
	h.Ephemeral = ephPub
	h.Nonce = nonce
	h.Payload = aead.Seal(nil, nonce, h.Payload, additionalData(h))
	return nil
}

// open decrypts a sealed payload with the recipient's keyring.
func open(h *Handle, k *keyring) ([]byte, error) {
	if len(h.Nonce) != chacha20poly1305.NonceSizeX {
		return nil, fmt.Errorf("bad nonce length %d", len(h.Nonce))
	}
	shared, err := k.sharedSecret(h.Ephemeral)
	if err != nil {
		return nil, err
	}
	key, err := deriveKey(shared, h.Ephemeral, k.encPub)
	if err != nil {
		return nil, err
	}
	aead, err := chacha20poly1305.NewX(key)
	if err != nil {
		return nil, err
	}
	return aead.Open(nil, h.Nonce, h.Payload, additionalData(h))
}
