package cli

import (
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/fernandezvara/guardkit"
)

// NewAuditCommand creates the audit command group.
func NewAuditCommand(rootOpts *RootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "audit",
		Short: "Query and verify the audit trail",
	}

	cmd.AddCommand(newAuditListCommand(rootOpts))
	cmd.AddCommand(newAuditFacetsCommand(rootOpts))
	cmd.AddCommand(newAuditVerifyCommand(rootOpts))
	return cmd
}

// auditFilterFlags are the filter flags shared by list and verify.
type auditFilterFlags struct {
	actorID int64
	table   string
	action  string
	record  string
	since   string
	until   string
}

func (f *auditFilterFlags) register(cmd *cobra.Command) {
	cmd.Flags().Int64Var(&f.actorID, "actor", 0, "only entries by this identity")
	cmd.Flags().StringVar(&f.table, "table", "", "only entries for this table")
	cmd.Flags().StringVar(&f.action, "action", "", "only entries with this action")
	cmd.Flags().StringVar(&f.record, "record", "", "only entries for this record id")
	cmd.Flags().StringVar(&f.since, "since", "", "entries at or after this RFC3339 time")
	cmd.Flags().StringVar(&f.until, "until", "", "entries at or before this RFC3339 time")
}

func (f *auditFilterFlags) build() (guardkit.AuditFilter, error) {
	filter := guardkit.NewAuditFilter().WithTable(f.table).WithRecord(f.record)
	if f.actorID != 0 {
		filter = filter.WithActor(f.actorID)
	}
	if f.action != "" {
		filter = filter.WithAction(guardkit.AuditAction(strings.ToLower(f.action)))
	}

	var since, until time.Time
	var err error
	if f.since != "" {
		if since, err = time.Parse(time.RFC3339, f.since); err != nil {
			return filter, guardkit.NewError(guardkit.ErrValidation, "--since: "+err.Error())
		}
	}
	if f.until != "" {
		if until, err = time.Parse(time.RFC3339, f.until); err != nil {
			return filter, guardkit.NewError(guardkit.ErrValidation, "--until: "+err.Error())
		}
	}
	return filter.WithTimeRange(since, until), nil
}

func newAuditListCommand(rootOpts *RootOptions) *cobra.Command {
	var (
		flags  auditFilterFlags
		limit  int
		offset int
	)

	cmd := &cobra.Command{
		Use:   "list",
		Short: "List audit entries, newest first",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			filter, err := flags.build()
			if err != nil {
				return rootOpts.formatter(cmd).Fail(err)
			}
			filter = filter.WithLimit(limit).WithOffset(offset)

			s, err := rootOpts.begin(cmd)
			if err != nil {
				return err
			}
			defer s.Close()

			page, err := s.service.AuditLog(s.ctx, filter)
			if err != nil {
				return s.out.Fail(err)
			}
			return s.out.Success(page, func(w io.Writer) error {
				rows := make([][]string, 0, len(page.Entries))
				for _, e := range page.Entries {
					record := "-"
					if e.RecordID != nil {
						record = *e.RecordID
					}
					rows = append(rows, []string{
						e.CreatedAt.Format(time.RFC3339), e.ActorLabel, string(e.Action), e.TableName, record, e.Description,
					})
				}
				if err := table(w, []string{"TIME", "ACTOR", "ACTION", "TABLE", "RECORD", "DESCRIPTION"}, rows); err != nil {
					return err
				}
				_, err := fmt.Fprintf(w, "\n%d of %d entries\n", len(page.Entries), page.Total)
				return err
			})
		},
	}

	flags.register(cmd)
	cmd.Flags().IntVar(&limit, "limit", 0, "page size (0 = configured default)")
	cmd.Flags().IntVar(&offset, "offset", 0, "entries to skip")
	return cmd
}

func newAuditFacetsCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "facets",
		Short: "List the distinct tables and actions in the audit trail",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			s, err := rootOpts.begin(cmd)
			if err != nil {
				return err
			}
			defer s.Close()

			facets, err := s.service.AuditFacets(s.ctx)
			if err != nil {
				return s.out.Fail(err)
			}
			return s.out.Success(facets, func(w io.Writer) error {
				fmt.Fprintf(w, "tables:  %s\n", strings.Join(facets.Tables, ", "))
				_, err := fmt.Fprintf(w, "actions: %s\n", strings.Join(facets.Actions, ", "))
				return err
			})
		},
	}
}

func newAuditVerifyCommand(rootOpts *RootOptions) *cobra.Command {
	var flags auditFilterFlags

	cmd := &cobra.Command{
		Use:   "verify",
		Short: "Recompute audit signatures",
		Long: `Recompute the HMAC signature of every matching entry. Requires
audit.signing_key. Exits with status 1 when any entry fails verification.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			filter, err := flags.build()
			if err != nil {
				return rootOpts.formatter(cmd).Fail(err)
			}

			s, err := rootOpts.begin(cmd)
			if err != nil {
				return err
			}
			defer s.Close()

			result, err := s.service.VerifyAudit(s.ctx, filter)
			if err != nil {
				return s.out.Fail(err)
			}
			if err := s.out.Success(result, func(w io.Writer) error {
				fmt.Fprintf(w, "checked %d entries, %d invalid\n", result.Checked, len(result.Invalid))
				for _, id := range result.Invalid {
					fmt.Fprintf(w, "  invalid: %s\n", id)
				}
				return nil
			}); err != nil {
				return err
			}
			if !result.Valid() {
				return &ExitError{Code: ExitFailure, Message: "audit verification failed", reported: true}
			}
			return nil
		},
	}

	flags.register(cmd)
	return cmd
}
