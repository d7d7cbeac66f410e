package ir

// Version constants for persisted encodings and the engine.
const (
	// FormatVersion tags every persisted node, commit and handle encoding.
	FormatVersion = 1

	// DigestAlgorithm names the hash function used for identities.
	DigestAlgorithm = "sha256"

	// EngineVersion is the dagstate engine version.
	EngineVersion = "0.1.0"
)
