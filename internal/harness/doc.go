// Package harness runs YAML scenarios against a fully assembled dagstate
// instance and records a hash-free trace of what happened.
//
// # Scenario Format
//
//	name: transfer_roundtrip
//	description: "Exported state resolves in the receiving context"
//	policy: { sign: true, encrypt: true }
//	contexts:
//	  - id: a
//	    permissions: [b]
//	  - id: b
//	scripts:
//	  double: |
//	    function reduce(state, input) { return { n: (state.n || 0) * 2 } }
//	watch:
//	  - name: counter
//	    context: a
//	    path: n
//	setup:
//	  - apply: { context: a, reducer: set, input: { path: n, value: 1 } }
//	flow:
//	  - apply: { context: a, reducer: increment, input: { path: n } }
//	  - race:
//	      context: a
//	      first: { reducer: increment, input: { path: n } }
//	      second: { reducer: increment, input: { path: n } }
//	  - transfer: { from: a, to: b, path: n }
//	  - revoke: { from: a, to: b }
//	  - transfer: { from: a, to: b, path: n }
//	    expect: PERMISSION_DENIED
//	assertions:
//	  - type: value
//	    context: a
//	    path: n
//	    expect: 3
//
// Every flow step may name the outcome it expects: "ok" (the default) or
// an error code such as CONFLICT or PERMISSION_DENIED. A race begins two
// transactions from the same head and commits them in order; the second
// is expected to lose with CONFLICT unless the step says otherwise.
//
// # Assertion Types
//
//   - value: the value at path in a context's head equals expect
//   - absent: nothing is stored at path in a context's head
//   - generation: a context's head generation equals count
//   - history: a context's history holds exactly count commits
//   - notifications: a watch delivered exactly the values in expect, in order
//   - verify: every commit in a context's history verifies; count is the
//     number of signed commits
//
// # Deterministic Traces
//
// Commit timestamps come from testutil.DeterministicClock and ids from a
// sequence generator. Key material is random, so traces never carry
// hashes, handles or signatures; they record what each step did and what
// every watch observed. RunWithGolden compares that trace against
// testdata/golden/<name>.golden.
package harness
