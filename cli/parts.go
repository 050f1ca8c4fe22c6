package cli

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/pthm-cable/sphgrow/snapshot"
)

// PartsOptions holds flags for the parts command.
type PartsOptions struct {
	*RootOptions
	Database string
	RunID    string
}

// NewPartsCommand creates the parts command.
func NewPartsCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &PartsOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "parts",
		Short: "List the saved parts of a run",
		Long: `List the parts saved for a run in a SQLite database, together with the
number of fluid particles excluded during the run. Without --run the most
recent run is listed.

Example:
  sphgrow parts --db ./channel.db`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return listParts(cmd, opts)
		},
	}

	cmd.Flags().StringVar(&opts.Database, "db", "", "path to SQLite database (required)")
	cmd.Flags().StringVar(&opts.RunID, "run", "", "run id (empty = latest)")
	_ = cmd.MarkFlagRequired("db")

	return cmd
}

func listParts(cmd *cobra.Command, opts *PartsOptions) error {
	ctx, stop := commandContext(cmd)
	defer stop()

	st, err := snapshot.Open(opts.Database)
	if err != nil {
		return err
	}
	defer st.Close()

	var run snapshot.Run
	if opts.RunID == "" {
		run, err = st.LatestRun(ctx)
	} else {
		run, err = st.GetRun(ctx, opts.RunID)
	}
	if err != nil {
		return err
	}

	parts, err := st.Parts(ctx, run.ID)
	if err != nil {
		return err
	}
	excluded, err := st.ExcludedCount(ctx, run.ID)
	if err != nil {
		return err
	}

	w := cmd.OutOrStdout()
	fmt.Fprintf(w, "run:      %s (%s)\n", run.ID, run.Name)
	fmt.Fprintf(w, "created:  %s\n", run.CreatedAt.Format(time.RFC3339))
	fmt.Fprintf(w, "periodic: %d\n", run.Periodic)
	fmt.Fprintf(w, "parts:    %v\n", parts)
	fmt.Fprintf(w, "excluded: %d\n", excluded)
	return nil
}
