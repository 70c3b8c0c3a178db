package commands

import (
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/54b3r/shopai-go/internal/ingestion"
	"github.com/54b3r/shopai-go/internal/logging"
	"github.com/54b3r/shopai-go/internal/server"
	"github.com/54b3r/shopai-go/internal/version"
)

// NewServeCmd constructs the `shopai serve` command, which starts the HTTP
// chat API.
func NewServeCmd() *cobra.Command {
	var host string
	var port int
	var preload []string

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the shopai HTTP API",
		Long: `Start the shopai HTTP API.

Endpoints:
  GET  /            welcome message
  POST /chat        {"session_id": "...", "user_input": "..."} -> {"response": "..."}
  GET  /api/health  liveness
  GET  /api/ready   readiness (model, passage store, session store, catalog)
  GET  /metrics     Prometheus metrics

--preload ingests documents into the passage store before serving. It is
mostly useful with PASSAGE_STORE=memory, whose contents do not outlive the
process.

Examples:
  shopai serve
  shopai serve --port 9090
  PASSAGE_STORE=memory shopai serve --preload ./kb
  MODEL_PROVIDER=openai SESSION_STORE=redis shopai serve`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			log := logging.New()
			ctx = logging.WithLogger(ctx, log)

			log.Info("serve starting",
				slog.String("version", version.Version),
				slog.String("provider", os.Getenv("MODEL_PROVIDER")),
			)

			handlers, flush := setupTracing(ctx, log)
			defer flush()

			st, err := buildStack(ctx, log, handlers)
			if err != nil {
				return fmt.Errorf("serve: %w", err)
			}
			defer st.Close()

			if len(preload) > 0 {
				if st.kb.degraded {
					log.Warn("serve: preloading into a stand-in memory store")
				}
				if err := runIngest(ctx, log, st.kb, sourcesFrom(preload, "")); err != nil {
					return fmt.Errorf("serve: preload: %w", err)
				}
			}

			// Flag defaults are resolved here, after the config file and
			// .env have been applied to the environment.
			if !cmd.Flags().Changed("host") {
				host = getEnvOrDefault("SHOPAI_HOST", host)
			}
			if !cmd.Flags().Changed("port") {
				port = getEnvInt("SHOPAI_PORT", port)
			}

			srv, err := server.New(st.engine, &server.Config{
				Host:        host,
				Port:        port,
				ChatTimeout: getEnvDuration("CHAT_TIMEOUT", 0),
				Logger:      log,
				Pingers:     st.pingers,
				APIKey:      os.Getenv("SHOPAI_API_KEY"),
				CORSOrigins: splitList(os.Getenv("CORS_ALLOWED_ORIGINS")),
			})
			if err != nil {
				return fmt.Errorf("serve: failed to create server: %w", err)
			}

			return srv.Start(ctx)
		},
	}

	cmd.Flags().StringVar(&host, "host", "127.0.0.1", "Host address to bind to (env: SHOPAI_HOST)")
	cmd.Flags().IntVarP(&port, "port", "p", 8000, "TCP port to listen on (env: SHOPAI_PORT)")
	cmd.Flags().StringArrayVar(&preload, "preload", nil, "File, directory or URL to ingest before serving (repeatable)")

	return cmd
}

// sourcesFrom turns locations into ingestion sources sharing one category.
func sourcesFrom(locations []string, category string) []ingestion.Source {
	sources := make([]ingestion.Source, 0, len(locations))
	for _, loc := range locations {
		sources = append(sources, ingestion.Source{Location: loc, Category: category})
	}
	return sources
}
