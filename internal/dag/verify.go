package dag

import (
	"context"
	"fmt"

	"github.com/roach88/dagstate/internal/object"
	"github.com/roach88/dagstate/internal/stateerr"
)

// VerifyReport summarizes a chain verification.
type VerifyReport struct {
	Commits  int `json:"commits"`
	Signed   int `json:"signed"`
	Unsigned int `json:"unsigned"`
}

// Verify walks the full history of head and checks that every commit
// re-hashes to its key, that its value root is stored, and that every
// signature verifies under v. Signed commits with a nil verifier fail.
// Any failure is an INTEGRITY error naming the commit.
func (d *DAG) Verify(ctx context.Context, head object.Hash, v Verifier) (VerifyReport, error) {
	const op = "dag.Verify"
	var report VerifyReport

	for c, err := range d.History(ctx, head) {
		if err != nil {
			if stateerr.IsCorrupt(err) {
				return report, stateerr.Wrap(stateerr.CodeIntegrity, op, err)
			}
			return report, err
		}
		report.Commits++

		ok, err := d.objects.Has(ctx, c.Root)
		if err != nil {
			return report, err
		}
		if !ok {
			e := stateerr.New(stateerr.CodeIntegrity, op, "value root %s is missing", c.Root.Short())
			e.Hash = string(c.Hash)
			return report, e
		}

		if len(c.Signature) == 0 {
			report.Unsigned++
			continue
		}
		if v == nil {
			e := stateerr.New(stateerr.CodeIntegrity, op, "signed commit but no verifier")
			e.Hash = string(c.Hash)
			return report, e
		}
		body, err := c.Body()
		if err != nil {
			return report, err
		}
		if err := v.Verify(c.Author, body, c.Signature); err != nil {
			e := stateerr.Wrap(stateerr.CodeIntegrity, op, fmt.Errorf("signature by %q: %w", c.Author, err))
			e.Hash = string(c.Hash)
			return report, e
		}
		report.Signed++
	}
	return report, nil
}
