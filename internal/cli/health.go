package cli

import (
	"fmt"
	"io"

	"github.com/spf13/cobra"
)

// NewHealthCommand creates the health command.
func NewHealthCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "health",
		Short: "Check database connectivity",
		Long:  `Check database connectivity. Exits with status 1 when the store is unhealthy.`,
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runHealth(rootOpts, cmd)
		},
	}
}

func runHealth(opts *RootOptions, cmd *cobra.Command) error {
	s, err := opts.begin(cmd)
	if err != nil {
		return err
	}
	defer s.Close()

	status := s.service.Health(s.ctx)
	if err := s.out.Success(status, func(w io.Writer) error {
		if status.Healthy {
			_, err := fmt.Fprintln(w, "healthy")
			return err
		}
		_, err := fmt.Fprintf(w, "unhealthy: %s\n", status.Error)
		return err
	}); err != nil {
		return err
	}

	if !status.Healthy {
		return &ExitError{Code: ExitFailure, Message: "unhealthy", reported: true}
	}
	return nil
}
