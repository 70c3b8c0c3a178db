package commands

import (
	"context"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/54b3r/shopai-go/internal/logging"
)

// NewAskCmd constructs the `shopai ask` command, which answers a single
// question through the same engine the HTTP API uses.
func NewAskCmd() *cobra.Command {
	var sessionID string

	cmd := &cobra.Command{
		Use:   "ask [question]",
		Short: "Ask the shop assistant a question",
		Long: `Ask the shop assistant a question from the command line.

Without --session a fresh session is created for this one question. Passing
--session continues an existing conversation when SESSION_STORE=redis, since
the memory store does not outlive the process.

Examples:
  shopai ask "do you sell brake pads for a 2015 Civic?"
  SESSION_STORE=redis shopai ask --session alice "and how much is fitting?"`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			log := logging.New()
			ctx := logging.WithLogger(cmd.Context(), log)

			handlers, flush := setupTracing(ctx, log)
			defer flush()

			st, err := buildStack(ctx, log, handlers)
			if err != nil {
				return fmt.Errorf("ask: %w", err)
			}
			defer st.Close()

			if sessionID == "" {
				sessionID = "cli-" + uuid.NewString()
			}
			fmt.Fprintf(cmd.ErrOrStderr(), "session: %s\n", sessionID)

			if timeout := getEnvDuration("CHAT_TIMEOUT", 0); timeout > 0 {
				var cancel context.CancelFunc
				ctx, cancel = context.WithTimeout(ctx, timeout)
				defer cancel()
			}

			reply, err := st.engine.Converse(ctx, sessionID, strings.Join(args, " "))
			if err != nil {
				return fmt.Errorf("ask: %w", err)
			}
			fmt.Fprintln(cmd.OutOrStdout(), reply)
			return nil
		},
	}

	cmd.Flags().StringVarP(&sessionID, "session", "s", "", "Session ID to continue (default: a new session)")

	return cmd
}
