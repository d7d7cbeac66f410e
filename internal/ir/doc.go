// Package ir provides the canonical value representation for dagstate.
//
// Every other internal package imports ir; ir imports nothing internal. It
// owns the three things identity depends on:
//
//   - the sealed IRValue family (null, string, int, bool, array, object)
//   - RFC 8785 canonical JSON (MarshalCanonical)
//   - domain-separated, algorithm-tagged SHA-256 digests (Digest)
//
// Key constraints:
//   - NO float types anywhere; numbers are int64
//   - canonical encodings are the only input to digests
//   - digests are strings of the form "sha256:<64 hex>"
package ir
