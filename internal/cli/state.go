package cli

import (
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/roach88/dagstate/internal/ir"
	"github.com/roach88/dagstate/internal/object"
	"github.com/roach88/dagstate/internal/stateerr"
)

// NewInitCommand creates the init command.
func NewInitCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "init <context>",
		Short: "Create a context with an empty state",
		Long: `Create the genesis commit of a context. Fails with CONFLICT if the
context already has a head.

Example:
  dagstate --db ./state.db init orders`,
		Args:          cobra.ExactArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			f := newFormatter(cmd, rootOpts)
			inst, err := openInstance(rootOpts)
			if err != nil {
				return err
			}
			defer closeInstance(inst)

			res, err := inst.Engine.Init(cmd.Context(), args[0])
			if err != nil {
				return f.Fail("init failed", err)
			}
			return f.Success(newHeadOutput(args[0], res.Ref))
		},
	}
}

// NewApplyCommand creates the apply command.
func NewApplyCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "apply <context> <reducer> [input-json|-]",
		Short: "Run a reducer against a context and commit the result",
		Long: `Run a registered reducer against the head of a context and commit the
new state. Built-in reducers are set, delete, append, increment and batch;
script reducers come from the config file. Input is JSON; "-" reads it
from stdin.

A concurrent commit to the same context makes apply fail with CONFLICT.
Nothing is retried.

Examples:
  dagstate --db ./state.db apply orders set '{"path":"status","value":"open"}'
  dagstate --db ./state.db apply orders increment '{"path":"count"}'
  echo '{"ops":[...]}' | dagstate --db ./state.db apply orders batch -`,
		Args:          cobra.RangeArgs(2, 3),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			f := newFormatter(cmd, rootOpts)
			input, err := readInput(cmd, args[2:])
			if err != nil {
				return WrapExitError(ExitCommandError, "bad input", err)
			}

			inst, err := openInstance(rootOpts)
			if err != nil {
				return err
			}
			defer closeInstance(inst)

			r, err := inst.Reducers.Get(args[1])
			if err != nil {
				return WrapExitError(ExitCommandError, "unknown reducer", err)
			}
			res, err := inst.Engine.Apply(cmd.Context(), args[0], r, input)
			if err != nil {
				return f.Fail("apply failed", err)
			}
			return f.Success(newHeadOutput(args[0], res.Ref))
		},
	}
}

// readInput parses the optional JSON input argument. No argument is null.
func readInput(cmd *cobra.Command, args []string) (ir.IRValue, error) {
	if len(args) == 0 {
		return ir.IRNull{}, nil
	}
	data := []byte(args[0])
	if args[0] == "-" {
		var err error
		if data, err = io.ReadAll(cmd.InOrStdin()); err != nil {
			return nil, err
		}
	}
	return ir.ParseJSON(data)
}

func splitPath(s string) []string {
	if s == "" {
		return nil
	}
	return strings.Split(s, ".")
}

// NewGetCommand creates the get command.
func NewGetCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "get <context> [path]",
		Short: "Print the value at a path of a context's head",
		Long: `Print the value at a dotted path (e.g. "user.tags.0") of a context's
current state as canonical JSON. Without a path the whole state is printed.`,
		Args:          cobra.RangeArgs(1, 2),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			f := newFormatter(cmd, rootOpts)
			var path string
			if len(args) == 2 {
				path = args[1]
			}

			inst, err := openInstance(rootOpts)
			if err != nil {
				return err
			}
			defer closeInstance(inst)

			ctx := cmd.Context()
			state, err := inst.Engine.State(ctx, args[0])
			if err != nil {
				return f.Fail("read failed", err)
			}
			v, ok, err := state.Lookup(ctx, splitPath(path)...)
			if err != nil {
				return f.Fail("read failed", err)
			}
			if !ok {
				return f.Fail("read failed", stateerr.New(stateerr.CodeNotFound, "cli.get", "no value at %q in %s", path, args[0]))
			}
			return f.Success(valueOutput{Context: args[0], Path: path, Value: v})
		},
	}
}

// NewLogCommand creates the log command.
func NewLogCommand(rootOpts *RootOptions) *cobra.Command {
	var limit int
	cmd := &cobra.Command{
		Use:   "log <context>",
		Short: "Show a context's commit history, newest first",
		Long: `Show the commits reachable from a context's head, newest first. Signed
commits are marked with S in text output.`,
		Args:          cobra.ExactArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			f := newFormatter(cmd, rootOpts)
			if limit < 0 {
				return NewExitError(ExitCommandError, fmt.Sprintf("invalid limit %d", limit))
			}
			inst, err := openInstance(rootOpts)
			if err != nil {
				return err
			}
			defer closeInstance(inst)

			out := commitList{}
			for c, err := range inst.Engine.History(cmd.Context(), args[0]) {
				if err != nil {
					return f.Fail("history failed", err)
				}
				out = append(out, newCommitOutput(c))
				if limit > 0 && len(out) == limit {
					break
				}
			}
			return f.Success(out)
		},
	}
	cmd.Flags().IntVarP(&limit, "limit", "n", 0, "show at most n commits (0 = all)")
	return cmd
}

// NewDiffCommand creates the diff command.
func NewDiffCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "diff <commit-a> <commit-b>",
		Short: "List the nodes that differ between two commits' states",
		Long: `List the hashes of nodes in the state of commit-a that are not shared
with the state of commit-b. Unchanged subtrees are skipped without being
read.`,
		Args:          cobra.ExactArgs(2),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			f := newFormatter(cmd, rootOpts)
			a, b := object.Hash(args[0]), object.Hash(args[1])
			if !a.Valid() || !b.Valid() {
				return NewExitError(ExitCommandError, "arguments must be commit hashes (sha256:<hex>)")
			}
			inst, err := openInstance(rootOpts)
			if err != nil {
				return err
			}
			defer closeInstance(inst)

			changed, err := inst.Engine.Diff(cmd.Context(), a, b)
			if err != nil {
				return f.Fail("diff failed", err)
			}
			return f.Success(newHashList(changed))
		},
	}
}

// NewVerifyCommand creates the verify command.
func NewVerifyCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "verify <context>",
		Short: "Check every commit and node reachable from a context's head",
		Long: `Walk a context's full history, recomputing every commit hash, checking
that each commit's state is stored and that every signature verifies
against the configured context keys.

Exit codes:
  0 - History verified
  1 - Verification failed (INTEGRITY)
  3 - Stored data is corrupt`,
		Args:          cobra.ExactArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			f := newFormatter(cmd, rootOpts)
			inst, err := openInstance(rootOpts)
			if err != nil {
				return err
			}
			defer closeInstance(inst)

			ctx := cmd.Context()
			ref, err := inst.Engine.Head(ctx, args[0])
			if err != nil {
				return f.Fail("verify failed", err)
			}
			report, err := inst.DAG.Verify(ctx, object.Hash(ref.Commit), inst.Boundary)
			if err != nil {
				return f.Fail("verify failed", err)
			}
			f.VerboseLog("verified %s from %s", args[0], object.Hash(ref.Commit).Short())
			if f.Format == "json" {
				return f.Success(report)
			}
			return f.Success(messagef("verified %d commits (%d signed, %d unsigned)", report.Commits, report.Signed, report.Unsigned))
		},
	}
}

func readFileOrStdin(cmd *cobra.Command, path string) ([]byte, error) {
	if path == "-" {
		return io.ReadAll(cmd.InOrStdin())
	}
	return os.ReadFile(path)
}
