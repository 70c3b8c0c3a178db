// Package commands defines all Cobra CLI commands for the shopai binary.
package commands

import (
	"github.com/spf13/cobra"

	"github.com/54b3r/shopai-go/internal/audit"
	"github.com/54b3r/shopai-go/internal/config"
	"github.com/54b3r/shopai-go/internal/logging"
)

// configPath holds the --config flag value for YAML config file override.
var configPath string

// envFile holds the --env-file flag value.
var envFile string

// loadedConfigPath stores the resolved config file path for audit logging.
var loadedConfigPath string

// NewRootCmd constructs the root Cobra command that all subcommands attach to.
func NewRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:   "shopai",
		Short: "shopai: the NITRO LINE Automobile Shop AI assistant",
		Long: `shopai answers customer questions for the NITRO LINE Automobile Shop.

Each answer combines passages retrieved from the shop's knowledge base, a
snapshot of the product catalog taken when the conversation started, and the
conversation so far.

Configuration is layered: YAML file (~/.shopai/config.yaml) < .env file <
environment variables. The model provider is selected with MODEL_PROVIDER.
See 'shopai --help' for available commands.`,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			log := logging.New()

			// .env first so its values beat YAML; real env beats both.
			if _, err := config.LoadDotEnv(envFile, log); err != nil {
				return err
			}

			path, err := config.Load(configPath, log)
			if err != nil {
				return err
			}
			loadedConfigPath = path

			// Rebuild the logger now that LOG_* may have been set by a file.
			log = logging.New()
			audit.LogCommandStart(cmd.Context(), log, cmd.Name(), loadedConfigPath)

			return nil
		},
	}

	root.PersistentFlags().StringVar(&configPath, "config", "", "Path to YAML config file (default: ~/.shopai/config.yaml)")
	root.PersistentFlags().StringVar(&envFile, "env-file", ".env", "Path to a .env file (ignored if missing)")

	root.AddCommand(
		NewServeCmd(),
		NewAskCmd(),
		NewIngestCmd(),
		NewHistoryCmd(),
		NewDiagnoseCmd(),
		NewVersionCmd(),
	)

	return root
}
