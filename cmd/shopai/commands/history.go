package commands

import (
	"fmt"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/54b3r/shopai-go/internal/logging"
)

// NewHistoryCmd constructs the `shopai history` command, which reads the
// transcript journal.
func NewHistoryCmd() *cobra.Command {
	var sessionID string
	var limit int

	cmd := &cobra.Command{
		Use:   "history",
		Short: "Show recorded conversations",
		Long: `Show conversations recorded in the transcript journal
(SHOPAI_HISTORY_DB, default ~/.shopai/history.db).

Without --session the most recently active sessions are listed. With
--session the latest turns of that session are printed oldest first.

Examples:
  shopai history
  shopai history --session alice --limit 50`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			log := logging.New()
			ctx := logging.WithLogger(cmd.Context(), log)

			hs := openTranscript(log)
			if hs == nil {
				return fmt.Errorf("history: transcript journal is not available")
			}
			defer func() { _ = hs.Close() }()

			out := cmd.OutOrStdout()

			if sessionID == "" {
				sessions, err := hs.Sessions(ctx, limit)
				if err != nil {
					return fmt.Errorf("history: %w", err)
				}
				tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
				fmt.Fprintln(tw, "SESSION\tTURNS\tLAST ACTIVITY")
				for _, s := range sessions {
					fmt.Fprintf(tw, "%s\t%d\t%s\n", s.SessionID, s.Turns, s.LastActivity.Local().Format(time.DateTime))
				}
				return tw.Flush()
			}

			msgs, err := hs.Recent(ctx, sessionID, limit)
			if err != nil {
				return fmt.Errorf("history: %w", err)
			}
			if len(msgs) == 0 {
				fmt.Fprintf(out, "no turns recorded for session %q\n", sessionID)
				return nil
			}
			for _, m := range msgs {
				fmt.Fprintf(out, "[%s] %s:\n%s\n\n", m.CreatedAt.Local().Format(time.DateTime), m.Role, m.Content)
			}
			return nil
		},
	}

	cmd.Flags().StringVarP(&sessionID, "session", "s", "", "Session ID to print")
	cmd.Flags().IntVarP(&limit, "limit", "n", 20, "Maximum sessions or turns to show")

	return cmd
}
