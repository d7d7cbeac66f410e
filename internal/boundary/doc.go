// Package boundary enforces context boundaries.
//
// The object store performs no access control. A hash may only move from
// one context to another through Enforcer.Export and Enforcer.Import,
// which check permissions and, per Policy, sign handles with the source's
// ed25519 key and seal them to the destination's X25519 key with
// XChaCha20-Poly1305. Private keys live in memguard enclaves.
package boundary
