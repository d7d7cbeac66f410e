package cli

import (
	"github.com/spf13/cobra"
)

// gcOutput summarizes one collection.
type gcOutput struct {
	Roots      int   `json:"roots"`
	Marked     int   `json:"marked"`
	Swept      int   `json:"swept"`
	DurationMS int64 `json:"duration_ms"`
}

// NewGCCommand creates the gc command.
func NewGCCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "gc",
		Short: "Delete nodes no context can reach",
		Long: `Run one mark-and-sweep collection. Roots are every context head plus
the history kept by gc.retention in the config (0 keeps all history).
Nodes written while the collection runs are never swept.`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			f := newFormatter(cmd, rootOpts)
			inst, err := openInstance(rootOpts)
			if err != nil {
				return err
			}
			defer closeInstance(inst)

			stats, err := inst.GC.Collect(cmd.Context())
			if err != nil {
				return f.Fail("gc failed", err)
			}
			if f.Format == "json" {
				return f.Success(gcOutput{
					Roots:      stats.Roots,
					Marked:     stats.Marked,
					Swept:      stats.Swept,
					DurationMS: stats.Duration.Milliseconds(),
				})
			}
			return f.Success(messagef("swept %d nodes (%d live from %d roots) in %s",
				stats.Swept, stats.Marked, stats.Roots, stats.Duration))
		},
	}
}
