package cli

import (
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"github.com/fernandezvara/guardkit"
)

// NewPermissionsCommand creates the permissions command group.
func NewPermissionsCommand(rootOpts *RootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "permissions",
		Short: "Resolve effective permissions and test access decisions",
	}

	cmd.AddCommand(newResolveCommand(rootOpts))
	cmd.AddCommand(newCheckCommand(rootOpts))
	return cmd
}

func newResolveCommand(rootOpts *RootOptions) *cobra.Command {
	var component string

	cmd := &cobra.Command{
		Use:   "resolve <identity-id>",
		Short: "Show the effective permissions of an identity",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseID(rootOpts.formatter(cmd), "identity-id", args[0])
			if err != nil {
				return err
			}

			s, err := rootOpts.begin(cmd)
			if err != nil {
				return err
			}
			defer s.Close()

			resolved, err := s.service.Resolve(s.ctx, id, component)
			if err != nil {
				return s.out.Fail(err)
			}
			return s.out.Success(resolved, func(w io.Writer) error {
				rows := make([][]string, 0, len(guardkit.Actions))
				for _, action := range guardkit.Actions {
					rows = append(rows, []string{string(action), resolved.Scope(action).String()})
				}
				return table(w, []string{"ACTION", "SCOPE"}, rows)
			})
		},
	}

	cmd.Flags().StringVar(&component, "component", guardkit.TasksComponent, "component to resolve")
	return cmd
}

// CheckResult is the outcome of one access decision.
type CheckResult struct {
	IdentityID int64           `json:"identity_id"`
	Component  string          `json:"component"`
	Action     guardkit.Action `json:"action"`
	OwnerID    *int64          `json:"owner_id"`
	Allowed    bool            `json:"allowed"`
}

func newCheckCommand(rootOpts *RootOptions) *cobra.Command {
	var (
		component string
		ownerID   int64
	)

	cmd := &cobra.Command{
		Use:   "check <identity-id> <action>",
		Short: "Decide whether an identity may act on a resource",
		Long: `Decide whether an identity may perform an action on a resource owned by
--owner. Without --owner the check is component-level. Exits with status 1 on deny.`,
		Args: cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			out := rootOpts.formatter(cmd)
			id, err := parseID(out, "identity-id", args[0])
			if err != nil {
				return err
			}
			action, err := guardkit.ParseAction(args[1])
			if err != nil {
				return out.Fail(err)
			}
			var owner *int64
			if ownerID != 0 {
				owner = &ownerID
			}

			s, err := rootOpts.begin(cmd)
			if err != nil {
				return err
			}
			defer s.Close()

			allowed, err := s.service.Allow(s.ctx, id, component, action, owner)
			if err != nil {
				return s.out.Fail(err)
			}

			result := CheckResult{IdentityID: id, Component: component, Action: action, OwnerID: owner, Allowed: allowed}
			if err := s.out.Success(result, func(w io.Writer) error {
				verdict := "deny"
				if allowed {
					verdict = "allow"
				}
				_, err := fmt.Fprintln(w, verdict)
				return err
			}); err != nil {
				return err
			}
			if !allowed {
				return &ExitError{Code: ExitFailure, Message: "denied", reported: true}
			}
			return nil
		},
	}

	cmd.Flags().StringVar(&component, "component", guardkit.TasksComponent, "component to check")
	cmd.Flags().Int64Var(&ownerID, "owner", 0, "owner of the resource")
	return cmd
}
