package commands

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/spf13/cobra"

	"github.com/54b3r/shopai-go/internal/ingestion"
	"github.com/54b3r/shopai-go/internal/logging"
	"github.com/54b3r/shopai-go/internal/version"
)

// NewIngestCmd constructs the `shopai ingest` command, which loads shop
// documents into the passage store.
func NewIngestCmd() *cobra.Command {
	var category string
	var chunkSize int
	var chunkOverlap int

	cmd := &cobra.Command{
		Use:   "ingest <file|dir|url>...",
		Short: "Ingest shop documents into the knowledge base",
		Long: `Load, chunk, embed and store shop documents (FAQs, service descriptions,
policies) so they can be retrieved as context for chat answers.

Each argument is a local file, a directory (walked for .txt, .md and
.markdown files), or an http(s) URL. Re-ingesting a source replaces its
previous passages.

Environment:
  PASSAGE_STORE        qdrant, pgvector or memory (default: qdrant)
  QDRANT_HOST          Qdrant server hostname (default: localhost)
  QDRANT_PORT          Qdrant gRPC port (default: 6334)
  QDRANT_COLLECTION    Collection name (default: shopai-kb)
  PGVECTOR_DSN         Postgres connection string for PASSAGE_STORE=pgvector
  EMBEDDING_*          Embedding backend overrides (see README)

Examples:
  shopai ingest ./kb
  shopai ingest --category faq ./kb/faq.md
  shopai ingest https://nitroline.example/services`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			log := logging.New()
			ctx := logging.WithLogger(cmd.Context(), log)

			kb, err := openKnowledgeBase(ctx, log, false)
			if err != nil {
				return fmt.Errorf("ingest: %w", err)
			}
			defer kb.Close()

			if getEnvOrDefault("PASSAGE_STORE", "qdrant") == "memory" {
				log.Warn("ingest: PASSAGE_STORE=memory keeps passages only until this command exits")
			}

			return runIngestWith(ctx, log, kb, sourcesFrom(args, category), &ingestion.Config{
				ChunkSize:    chunkSize,
				ChunkOverlap: chunkOverlap,
			})
		},
	}

	cmd.Flags().StringVarP(&category, "category", "c", "", "Category label stored with every passage (e.g. faq, services, policies)")
	cmd.Flags().IntVar(&chunkSize, "chunk-size", ingestion.DefaultChunkSize, "Maximum characters per chunk")
	cmd.Flags().IntVar(&chunkOverlap, "chunk-overlap", ingestion.DefaultChunkOverlap, "Characters shared by consecutive chunks")

	return cmd
}

// runIngest ingests sources into kb with default chunking.
func runIngest(ctx context.Context, log *slog.Logger, kb *knowledgeBase, sources []ingestion.Source) error {
	return runIngestWith(ctx, log, kb, sources, nil)
}

// runIngestWith ingests sources into kb using cfg.
func runIngestWith(ctx context.Context, log *slog.Logger, kb *knowledgeBase, sources []ingestion.Source, cfg *ingestion.Config) error {
	if cfg == nil {
		cfg = &ingestion.Config{}
	}
	cfg.UserAgent = version.UserAgent()

	pipeline, err := ingestion.NewPipeline(kb.embedder, kb.store, cfg)
	if err != nil {
		return fmt.Errorf("ingest: failed to create pipeline: %w", err)
	}

	log.Info("starting ingestion", slog.Int("sources", len(sources)))

	res, err := pipeline.Ingest(ctx, sources, func(msg string) {
		log.Info(msg)
	})
	if err != nil {
		return fmt.Errorf("ingest: pipeline failed: %w", err)
	}

	log.Info("ingestion complete",
		slog.Int("sources", len(sources)),
		slog.Int("documents", res.Documents),
		slog.Int("chunks", res.Chunks),
	)
	return nil
}
