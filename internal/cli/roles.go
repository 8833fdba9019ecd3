package cli

import (
	"fmt"
	"io"
	"strconv"

	"github.com/spf13/cobra"

	"github.com/fernandezvara/guardkit"
)

// NewRolesCommand creates the roles command group.
func NewRolesCommand(rootOpts *RootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "roles",
		Short: "Inspect and assign roles",
	}

	cmd.AddCommand(newRolesListCommand(rootOpts))
	cmd.AddCommand(newRolesAssignCommand(rootOpts, "assign"))
	cmd.AddCommand(newRolesAssignCommand(rootOpts, "revoke"))
	return cmd
}

func newRolesListCommand(rootOpts *RootOptions) *cobra.Command {
	var component string

	cmd := &cobra.Command{
		Use:   "list",
		Short: "List roles and their permissions",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			s, err := rootOpts.begin(cmd)
			if err != nil {
				return err
			}
			defer s.Close()

			roles, err := s.service.ListRoles(s.ctx, component)
			if err != nil {
				return s.out.Fail(err)
			}
			return s.out.Success(roles, func(w io.Writer) error {
				rows := make([][]string, 0, len(roles))
				for _, r := range roles {
					rows = append(rows, []string{
						strconv.FormatInt(r.ID, 10), r.Component, r.Name, r.Permissions.String(), r.Description,
					})
				}
				return table(w, []string{"ID", "COMPONENT", "NAME", "PERMISSIONS", "DESCRIPTION"}, rows)
			})
		},
	}

	cmd.Flags().StringVar(&component, "component", "", "only roles of this component")
	return cmd
}

func newRolesAssignCommand(rootOpts *RootOptions, verb string) *cobra.Command {
	short := "Grant a role to an identity"
	if verb == "revoke" {
		short = "Remove a role from an identity"
	}

	return &cobra.Command{
		Use:   verb + " <identity-id> <component> <role>",
		Short: short,
		Args:  cobra.ExactArgs(3),
		RunE: func(cmd *cobra.Command, args []string) error {
			out := rootOpts.formatter(cmd)
			identityID, err := parseID(out, "identity-id", args[0])
			if err != nil {
				return err
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
			role, err := s.service.FindRole(s.ctx, args[1], args[2])
			if err != nil {
				return s.out.Fail(err)
			}

			if verb == "revoke" {
				err = s.service.RevokeRole(s.ctx, identityID, role.ID, actor)
			} else {
				err = s.service.AssignRole(s.ctx, identityID, role.ID, actor)
			}
			if err != nil {
				return s.out.Fail(err)
			}

			result := map[string]any{"identity_id": identityID, "role_id": role.ID, "action": verb}
			return s.out.Success(result, func(w io.Writer) error {
				done := "Assigned"
				if verb == "revoke" {
					done = "Revoked"
				}
				_, err := fmt.Fprintf(w, "%s %s/%s for identity %d\n", done, role.Component, role.Name, identityID)
				return err
			})
		},
	}
}

func formatOptionalID(id *int64) string {
	if id == nil {
		return "-"
	}
	return strconv.FormatInt(*id, 10)
}

func identityRows(identities []guardkit.Identity) [][]string {
	rows := make([][]string, 0, len(identities))
	for _, i := range identities {
		state := "live"
		if i.Tombstoned() {
			state = "trashed"
		} else if !i.IsActive {
			state = "inactive"
		}
		rows = append(rows, []string{
			strconv.FormatInt(i.ID, 10), i.Email, i.DisplayName, formatOptionalID(i.ManagerID), state,
		})
	}
	return rows
}

var identityHeader = []string{"ID", "EMAIL", "NAME", "MANAGER", "STATE"}
