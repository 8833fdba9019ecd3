package cli

import (
	"fmt"
	"io"
	"strconv"
	"time"

	"github.com/spf13/cobra"

	"github.com/fernandezvara/guardkit"
)

// NewTrashCommand creates the trash command group.
func NewTrashCommand(rootOpts *RootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "trash",
		Short: "List, restore and purge soft-deleted records",
	}

	cmd.AddCommand(newTrashListCommand(rootOpts))
	cmd.AddCommand(newTrashRestoreCommand(rootOpts))
	cmd.AddCommand(newTrashPurgeCommand(rootOpts))
	cmd.AddCommand(newTrashEmptyCommand(rootOpts))
	return cmd
}

func newTrashListCommand(rootOpts *RootOptions) *cobra.Command {
	var (
		kind   string
		limit  int
		offset int
	)

	cmd := &cobra.Command{
		Use:   "list",
		Short: "List trashed records, newest first",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			filter := guardkit.NewTrashFilter().WithLimit(limit).WithOffset(offset)
			if kind != "" {
				k, err := guardkit.ParseResourceKind(kind)
				if err != nil {
					return rootOpts.formatter(cmd).Fail(err)
				}
				filter = filter.WithKind(k)
			}

			s, err := rootOpts.begin(cmd)
			if err != nil {
				return err
			}
			defer s.Close()

			page, err := s.service.ListTrash(s.ctx, filter)
			if err != nil {
				return s.out.Fail(err)
			}
			return s.out.Success(page, func(w io.Writer) error {
				rows := make([][]string, 0, len(page.Entries))
				for _, e := range page.Entries {
					rows = append(rows, []string{
						string(e.Kind), strconv.FormatInt(e.ID, 10), e.Name, e.DeletedAt.Format(time.RFC3339),
					})
				}
				if err := table(w, []string{"TYPE", "ID", "NAME", "DELETED AT"}, rows); err != nil {
					return err
				}
				_, err := fmt.Fprintf(w, "\n%d of %d trashed record(s)\n", len(page.Entries), page.Total)
				return err
			})
		},
	}

	cmd.Flags().StringVar(&kind, "type", "", "only this record type (tasks|identities)")
	cmd.Flags().IntVar(&limit, "limit", 0, "page size (0 = configured default)")
	cmd.Flags().IntVar(&offset, "offset", 0, "records to skip")
	return cmd
}

// lifecycleArgs parses "<type> <id>".
func lifecycleArgs(out *OutputFormatter, args []string) (guardkit.ResourceKind, int64, error) {
	kind, err := guardkit.ParseResourceKind(args[0])
	if err != nil {
		return "", 0, out.Fail(err)
	}
	id, err := parseID(out, "id", args[1])
	if err != nil {
		return "", 0, err
	}
	return kind, id, nil
}

func newTrashRestoreCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "restore <type> <id>",
		Short: "Return a trashed record to live",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runLifecycle(rootOpts, cmd, args, "restore")
		},
	}
}

func newTrashPurgeCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "purge <type> <id>",
		Short: "Permanently delete a trashed record",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runLifecycle(rootOpts, cmd, args, "purge")
		},
	}
}

// LifecycleResult reports a restore or purge.
type LifecycleResult struct {
	Kind    guardkit.ResourceKind `json:"type"`
	ID      int64                 `json:"id"`
	Changed bool                  `json:"changed"`
}

func runLifecycle(opts *RootOptions, cmd *cobra.Command, args []string, op string) error {
	kind, id, err := lifecycleArgs(opts.formatter(cmd), args)
	if err != nil {
		return err
	}

	s, err := opts.begin(cmd)
	if err != nil {
		return err
	}
	defer s.Close()

	actor, err := s.actor(opts)
	if err != nil {
		return err
	}

	var changed bool
	if op == "restore" {
		changed, err = s.service.Restore(s.ctx, kind, id, actor)
	} else {
		changed, err = s.service.Purge(s.ctx, kind, id, actor)
	}
	if err != nil {
		return s.out.Fail(err)
	}
	if !changed {
		return s.out.Fail(guardkit.NewError(guardkit.ErrNotFound,
			fmt.Sprintf("%s %d is not in the trash", kind, id)))
	}

	return s.out.Success(LifecycleResult{Kind: kind, ID: id, Changed: changed}, func(w io.Writer) error {
		verb := "Restored"
		if op == "purge" {
			verb = "Purged"
		}
		_, err := fmt.Fprintf(w, "%s %s %d\n", verb, kind, id)
		return err
	})
}

func newTrashEmptyCommand(rootOpts *RootOptions) *cobra.Command {
	var yes bool

	cmd := &cobra.Command{
		Use:   "empty",
		Short: "Permanently delete everything in the trash",
		Long: `Permanently delete every trashed task, then every trashed identity that no
longer owns tasks. Identities that still own live tasks are left in the trash.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if !yes {
				return rootOpts.formatter(cmd).Fail(NewExitError(ExitCommandError, "refusing to empty the trash without --yes"))
			}

			s, err := rootOpts.begin(cmd)
			if err != nil {
				return err
			}
			defer s.Close()

			actor, err := s.actor(rootOpts)
			if err != nil {
				return err
			}

			summary, err := s.service.PurgeAll(s.ctx, actor)
			if err != nil {
				return s.out.Fail(err)
			}
			return s.out.Success(summary, func(w io.Writer) error {
				fmt.Fprintf(w, "Purged %d task(s) and %d identity(ies)\n",
					summary.Counts[guardkit.KindTask], summary.Counts[guardkit.KindIdentity])
				if len(summary.SkippedIdentities) > 0 {
					fmt.Fprintf(w, "Skipped identities still owning tasks: %v\n", summary.SkippedIdentities)
				}
				return nil
			})
		},
	}

	cmd.Flags().BoolVarP(&yes, "yes", "y", false, "confirm the purge")
	return cmd
}
