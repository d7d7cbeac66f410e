package boundary

// Requirements says how a transfer between two contexts must be protected.
type Requirements struct {
	// Sign requires a signature by the source context.
	Sign bool

	// Encrypt requires the bundle to be sealed to the destination context.
	Encrypt bool
}

// Policy decides the protection of each transfer. Key exchange and
// rotation are outside the enforcer: a policy sees only context ids.
type Policy interface {
	Requirements(from, to string) Requirements
}

// StaticPolicy applies the same requirements to every transfer, with
// per-pair overrides.
type StaticPolicy struct {
	Default   Requirements
	Overrides map[[2]string]Requirements
}

// Requirements implements Policy.
func (p StaticPolicy) Requirements(from, to string) Requirements {
	if r, ok := p.Overrides[[2]string{from, to}]; ok {
		return r
	}
	return p.Default
}
