package commands

import (
	"fmt"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/54b3r/shopai-go/internal/logging"
	"github.com/54b3r/shopai-go/internal/server"
)

// NewDiagnoseCmd constructs the `shopai diagnose` command, which probes every
// configured dependency and reports which ones are reachable.
func NewDiagnoseCmd() *cobra.Command {
	var timeout time.Duration

	cmd := &cobra.Command{
		Use:   "diagnose",
		Short: "Check connectivity to the model, stores and catalog",
		Long: `Build the same components 'shopai serve' uses and probe each one
concurrently: the model provider, the passage store, the session store
and the product catalog endpoint. The passage store and the catalog are
optional; chat keeps answering without them. Exits non-zero if any probe
fails.

Examples:
  shopai diagnose
  PASSAGE_STORE=pgvector SESSION_STORE=redis shopai diagnose --timeout 10s`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			log := logging.New()
			ctx := logging.WithLogger(cmd.Context(), log)

			st, err := buildStack(ctx, log, nil)
			if err != nil {
				return fmt.Errorf("diagnose: %w", err)
			}
			defer st.Close()

			report := server.CheckDependencies(ctx, st.pingers, timeout)

			tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "DEPENDENCY\tKIND\tSTATUS\tDETAIL")
			failed := 0
			for _, c := range report.Checks {
				kind := "required"
				if c.Optional {
					kind = "optional"
				}
				if !c.OK {
					failed++
					fmt.Fprintf(tw, "%s\t%s\tFAIL\t%s\n", c.Name, kind, c.Error)
					continue
				}
				fmt.Fprintf(tw, "%s\t%s\tok\treachable\n", c.Name, kind)
			}
			if err := tw.Flush(); err != nil {
				return err
			}

			switch {
			case !report.Ready:
				return fmt.Errorf("diagnose: %d dependency check(s) failed, chat is unavailable", failed)
			case report.Degraded:
				return fmt.Errorf("diagnose: %d optional dependency check(s) failed, answers are degraded", failed)
			}
			return nil
		},
	}

	cmd.Flags().DurationVar(&timeout, "timeout", 5*time.Second, "Per-probe timeout")

	return cmd
}
