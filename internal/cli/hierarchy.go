package cli

import (
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"github.com/fernandezvara/guardkit"
)

// NewHierarchyCommand creates the hierarchy command group.
func NewHierarchyCommand(rootOpts *RootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "hierarchy",
		Short: "Inspect and change reporting lines",
	}

	cmd.AddCommand(newSetManagerCommand(rootOpts))
	cmd.AddCommand(newChainCommand(rootOpts))
	cmd.AddCommand(newDescendantsCommand(rootOpts))
	return cmd
}

func newSetManagerCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "set-manager <identity-id> <manager-id|none>",
		Short: "Set or clear the manager of an identity",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			out := rootOpts.formatter(cmd)
			subjectID, err := parseID(out, "identity-id", args[0])
			if err != nil {
				return err
			}
			var managerID *int64
			if args[1] != "none" {
				id, err := parseID(out, "manager-id", args[1])
				if err != nil {
					return err
				}
				managerID = &id
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
			if err := s.service.SetManager(s.ctx, subjectID, managerID, actor); err != nil {
				return s.out.Fail(err)
			}

			result := map[string]any{"identity_id": subjectID, "manager_id": managerID}
			return s.out.Success(result, func(w io.Writer) error {
				_, err := fmt.Fprintf(w, "Manager of %d set to %s\n", subjectID, formatOptionalID(managerID))
				return err
			})
		},
	}
}

func newChainCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "chain <identity-id>",
		Short: "Show the managers of an identity, nearest first",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseID(rootOpts.formatter(cmd), "identity-id", args[0])
			if err != nil {
				return err
			}
			return listIdentities(rootOpts, cmd, func(s *session) ([]guardkit.Identity, error) {
				return s.service.ManagerChain(s.ctx, id)
			})
		},
	}
}

func newDescendantsCommand(rootOpts *RootOptions) *cobra.Command {
	var includeSelf bool

	cmd := &cobra.Command{
		Use:   "descendants <identity-id>",
		Short: "Show every identity reporting to an identity, directly or transitively",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseID(rootOpts.formatter(cmd), "identity-id", args[0])
			if err != nil {
				return err
			}
			return listIdentities(rootOpts, cmd, func(s *session) ([]guardkit.Identity, error) {
				return s.service.Descendants(s.ctx, id, includeSelf)
			})
		},
	}

	cmd.Flags().BoolVar(&includeSelf, "include-self", false, "include the identity itself")
	return cmd
}

func listIdentities(opts *RootOptions, cmd *cobra.Command, fetch func(*session) ([]guardkit.Identity, error)) error {
	s, err := opts.begin(cmd)
	if err != nil {
		return err
	}
	defer s.Close()

	identities, err := fetch(s)
	if err != nil {
		return s.out.Fail(err)
	}
	if identities == nil {
		identities = []guardkit.Identity{}
	}
	return s.out.Success(identities, func(w io.Writer) error {
		return table(w, identityHeader, identityRows(identities))
	})
}
