package cli

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/roach88/dagstate/internal/boundary"
	"github.com/roach88/dagstate/internal/object"
	"github.com/roach88/dagstate/internal/stateerr"
)

// ExportOptions holds flags for the export command.
type ExportOptions struct {
	*RootOptions
	Hash   string
	Output string
}

// NewExportCommand creates the export command.
func NewExportCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &ExportOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "export <from> <to> [path]",
		Short: "Package a subtree of one context for another",
		Long: `Export the subtree at path of the source context's head (or an explicit
--hash the source holds) as a handle addressed to the destination context.
The handle is signed and sealed as the boundary policy requires.

Fails with PERMISSION_DENIED unless the source may export to the
destination and holds the value.

Examples:
  dagstate -c dagstate.yaml export orders billing order.total
  dagstate -c dagstate.yaml export orders billing --hash sha256:... -o handle.json`,
		Args:          cobra.RangeArgs(2, 3),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runExport(cmd, opts, args)
		},
	}
	cmd.Flags().StringVar(&opts.Hash, "hash", "", "export this hash instead of a path of the head")
	cmd.Flags().StringVarP(&opts.Output, "output", "o", "", "write the handle to a file instead of stdout")
	return cmd
}

func runExport(cmd *cobra.Command, opts *ExportOptions, args []string) error {
	f := newFormatter(cmd, opts.RootOptions)
	from, to := args[0], args[1]
	if opts.Hash != "" && len(args) == 3 {
		return NewExitError(ExitCommandError, "give either a path or --hash, not both")
	}

	inst, err := openInstance(opts.RootOptions)
	if err != nil {
		return err
	}
	defer closeInstance(inst)
	ctx := cmd.Context()

	h := object.Hash(opts.Hash)
	if h == "" {
		var path string
		if len(args) == 3 {
			path = args[2]
		}
		state, err := inst.Engine.State(ctx, from)
		if err != nil {
			return f.Fail("export failed", err)
		}
		sub, ok, err := state.Get(ctx, splitPath(path)...)
		if err != nil {
			return f.Fail("export failed", err)
		}
		if !ok {
			return f.Fail("export failed", stateerr.New(stateerr.CodeNotFound, "cli.export", "no value at %q in %s", path, from))
		}
		h, _ = sub.Hash()
	} else if !h.Valid() {
		return NewExitError(ExitCommandError, fmt.Sprintf("malformed hash %q", opts.Hash))
	}

	handle, err := inst.Boundary.Export(ctx, h, from, to)
	if err != nil {
		return f.Fail("export failed", err)
	}
	data, err := handle.Marshal()
	if err != nil {
		return f.Fail("export failed", err)
	}

	if opts.Output != "" {
		if err := os.WriteFile(opts.Output, data, 0o600); err != nil {
			return WrapExitError(ExitCommandError, "failed to write handle", err)
		}
		return f.Success(messagef("exported %s from %s to %s into %s", h.Short(), from, to, opts.Output))
	}
	if f.Format == "json" {
		return f.Success(handle)
	}
	_, err = fmt.Fprintln(f.Writer, string(data))
	return err
}

// NewImportCommand creates the import command.
func NewImportCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "import <context> <handle-file|->",
		Short: "Accept a handle exported to a context",
		Long: `Verify, decrypt and store the value carried by a handle. The context
must be the handle's destination. The imported hash is printed; the
context may resolve it from then on.`,
		Args:          cobra.ExactArgs(2),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			f := newFormatter(cmd, rootOpts)
			data, err := readFileOrStdin(cmd, args[1])
			if err != nil {
				return WrapExitError(ExitCommandError, "failed to read handle", err)
			}
			handle, err := boundary.UnmarshalHandle(data)
			if err != nil {
				return WrapExitError(ExitCommandError, "failed to parse handle", err)
			}

			inst, err := openInstance(rootOpts)
			if err != nil {
				return err
			}
			defer closeInstance(inst)

			h, err := inst.Boundary.Import(cmd.Context(), handle, args[0])
			if err != nil {
				return f.Fail("import failed", err)
			}
			if f.Format == "json" {
				return f.Success(map[string]string{"context": args[0], "hash": string(h)})
			}
			return f.Success(messagef("imported %s into %s", h, args[0]))
		},
	}
}
