package commands

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/cloudwego/eino/callbacks"

	"github.com/54b3r/shopai-go/internal/catalog"
	"github.com/54b3r/shopai-go/internal/embedder"
	"github.com/54b3r/shopai-go/internal/engine"
	"github.com/54b3r/shopai-go/internal/provider"
	"github.com/54b3r/shopai-go/internal/rag"
	"github.com/54b3r/shopai-go/internal/server"
	"github.com/54b3r/shopai-go/internal/session"
	"github.com/54b3r/shopai-go/internal/store"
	"github.com/54b3r/shopai-go/internal/tracing"
)

// getEnvOrDefault returns the value of the named environment variable, or
// fallback if it is unset or empty.
func getEnvOrDefault(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

// getEnvInt returns the named environment variable parsed as an int, or
// fallback if it is unset or not a valid integer.
func getEnvInt(key string, fallback int) int {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return fallback
	}
	return n
}

// getEnvDuration parses the named environment variable as a Go duration
// ("30s", "5m"), returning fallback if it is unset or invalid.
func getEnvDuration(key string, fallback time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return fallback
	}
	return d
}

// splitList splits a comma-separated value, dropping blanks.
func splitList(v string) []string {
	var out []string
	for _, part := range strings.Split(v, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

// setupTracing enables the Langfuse handler and the OTLP exporter when they
// are configured. The returned handlers go to engine.Config.Callbacks; the
// returned func flushes both and must run before exit.
func setupTracing(ctx context.Context, log *slog.Logger) ([]callbacks.Handler, func()) {
	var handlers []callbacks.Handler
	var flushers []func()

	if handler, flush, ok := tracing.Setup(); ok {
		handlers = append(handlers, handler)
		flushers = append(flushers, flush)
		log.Info("langfuse tracing enabled")
	} else {
		log.Info("langfuse tracing disabled", slog.String("reason", "LANGFUSE_PUBLIC_KEY not set"))
	}

	shutdown, ok, err := tracing.SetupOTel(ctx)
	switch {
	case err != nil:
		log.Warn("otel tracing disabled", slog.Any("error", err))
	case ok:
		log.Info("otel tracing enabled", slog.String("endpoint", os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT")))
		flushers = append(flushers, func() {
			sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := shutdown(sctx); err != nil {
				log.Warn("otel: shutdown failed", slog.Any("error", err))
			}
		})
	}

	return handlers, func() {
		for _, f := range flushers {
			f()
		}
	}
}

// knowledgeBase bundles the embedder and passage store selected by
// PASSAGE_STORE.
type knowledgeBase struct {
	// embedder turns text into vectors.
	embedder rag.Embedder
	// store holds the passages.
	store rag.VectorStore
	// pinger probes the store for /api/ready. Nil for a configured memory
	// store; a permanently failing stand-in when the configured store was
	// unreachable.
	pinger server.Pinger
	// degraded is true when the configured store was unreachable and an
	// empty memory store stands in for it.
	degraded bool
}

// openKnowledgeBase validates the embedder configuration and opens the
// passage store. With degrade set, an unreachable store is replaced by an
// empty in-memory one so chat keeps working without knowledge-base context.
func openKnowledgeBase(ctx context.Context, log *slog.Logger, degrade bool) (*knowledgeBase, error) {
	if err := embedder.ValidateForRAG(log); err != nil {
		return nil, err
	}
	emb, err := embedder.NewFromEnv()
	if err != nil {
		return nil, fmt.Errorf("failed to initialise embedder: %w", err)
	}
	backend := embedder.ResolveBackend()
	dim := embedder.DefaultDimensions(backend)
	log.Info("embedder initialised", slog.String("backend", backend), slog.Int("dimensions", dim))

	vs, pinger, err := openPassageStore(ctx, log, dim)
	if err == nil {
		return &knowledgeBase{embedder: emb, store: vs, pinger: pinger}, nil
	}
	if !degrade {
		return nil, err
	}

	log.Warn("passage store unavailable, knowledge base context disabled", slog.Any("error", err))
	mem, memErr := rag.NewMemoryStore(dim)
	if memErr != nil {
		return nil, memErr
	}
	return &knowledgeBase{
		embedder: emb,
		store:    mem,
		pinger:   server.StandInPassageDependency(getEnvOrDefault("PASSAGE_STORE", "qdrant"), err),
		degraded: true,
	}, nil
}

// openPassageStore constructs the store named by PASSAGE_STORE (qdrant,
// pgvector or memory; default qdrant).
func openPassageStore(ctx context.Context, log *slog.Logger, dim int) (rag.VectorStore, server.Pinger, error) {
	kind := getEnvOrDefault("PASSAGE_STORE", "qdrant")

	switch kind {
	case "memory":
		s, err := rag.NewMemoryStore(dim)
		if err != nil {
			return nil, nil, err
		}
		log.Info("passage store ready", slog.String("store", kind))
		return s, nil, nil

	case "qdrant":
		host := getEnvOrDefault("QDRANT_HOST", "localhost")
		port := getEnvInt("QDRANT_PORT", 6334)
		collection := getEnvOrDefault("QDRANT_COLLECTION", "shopai-kb")
		s, err := rag.NewQdrantStore(ctx, &rag.QdrantConfig{
			Host:       host,
			Port:       port,
			Collection: collection,
			VectorSize: uint64(dim), //nolint:gosec // dimensions are bounded
			APIKey:     os.Getenv("QDRANT_API_KEY"),
			UseTLS:     os.Getenv("QDRANT_TLS") == "true",
		})
		if err != nil {
			return nil, nil, fmt.Errorf("failed to connect to Qdrant at %s:%d: %w", host, port, err)
		}
		log.Info("passage store ready",
			slog.String("store", kind),
			slog.String("host", host),
			slog.Int("port", port),
			slog.String("collection", collection),
		)
		return s, server.QdrantDependency(s.Client()), nil

	case "pgvector":
		s, err := rag.NewPgVectorStore(ctx, &rag.PgVectorConfig{
			DSN:        os.Getenv("PGVECTOR_DSN"),
			Table:      getEnvOrDefault("PGVECTOR_TABLE", "passages"),
			VectorSize: dim,
		})
		if err != nil {
			return nil, nil, fmt.Errorf("failed to open pgvector store: %w", err)
		}
		log.Info("passage store ready", slog.String("store", kind))
		return s, server.PassageStoreDependency(kind, s), nil

	default:
		return nil, nil, fmt.Errorf("unknown PASSAGE_STORE %q: valid values are qdrant, pgvector, memory", kind)
	}
}

// retriever wraps the knowledge base in a rag.Retriever tuned by RAG_TOP_K
// and RAG_CANDIDATES.
func (kb *knowledgeBase) retriever() (rag.Retriever, error) {
	return rag.NewRetriever(kb.embedder, kb.store,
		getEnvInt("RAG_TOP_K", engine.DefaultTopK),
		getEnvInt("RAG_CANDIDATES", rag.DefaultCandidates),
	)
}

// Close releases the passage store.
func (kb *knowledgeBase) Close() {
	_ = kb.store.Close()
}

// buildCatalog constructs the catalog fetcher from CATALOG_* settings.
// A positive CATALOG_CACHE_TTL shares one snapshot between sessions created
// within the window.
func buildCatalog(log *slog.Logger) catalog.Fetcher {
	client := catalog.NewClient(catalog.Config{
		URL:      getEnvOrDefault("CATALOG_URL", catalog.DefaultURL),
		Timeout:  getEnvDuration("CATALOG_TIMEOUT", catalog.DefaultTimeout),
		MaxItems: getEnvInt("CATALOG_MAX_ITEMS", catalog.DefaultMaxItems),
	})
	if ttl := getEnvDuration("CATALOG_CACHE_TTL", 0); ttl > 0 {
		log.Info("catalog: snapshot cache enabled", slog.Duration("ttl", ttl))
		return catalog.NewCached(client, ttl)
	}
	return client
}

// buildSessions constructs the session store named by SESSION_STORE
// (memory or redis; default memory). The returned pinger is nil for the
// memory store.
func buildSessions(ctx context.Context, log *slog.Logger, fetcher catalog.Fetcher) (session.Store, server.Pinger, error) {
	ttl := getEnvDuration("SESSION_TTL", 0)
	onEvict := func(id string) {
		log.Info("session: evicted", slog.String("session_id", id))
	}

	switch kind := getEnvOrDefault("SESSION_STORE", "memory"); kind {
	case "memory":
		s, err := session.NewMemoryStore(session.MemoryConfig{
			Fetcher: fetcher,
			TTL:     ttl,
			OnEvict: onEvict,
		})
		if err != nil {
			return nil, nil, err
		}
		log.Info("session store ready", slog.String("store", kind), slog.Duration("ttl", ttl))
		return s, nil, nil

	case "redis":
		s, err := session.NewRedisStore(ctx, session.RedisConfig{
			URL:     os.Getenv("REDIS_URL"),
			Fetcher: fetcher,
			TTL:     ttl,
			OnEvict: onEvict,
		})
		if err != nil {
			return nil, nil, err
		}
		log.Info("session store ready", slog.String("store", kind), slog.Duration("ttl", ttl))
		return s, server.SessionStoreDependency(kind, s), nil

	default:
		return nil, nil, fmt.Errorf("unknown SESSION_STORE %q: valid values are memory, redis", kind)
	}
}

// openTranscript opens the SQLite transcript journal. SHOPAI_HISTORY_DB
// overrides the default path (~/.shopai/history.db); "disabled" turns the
// journal off. Failures are logged and disable the journal.
func openTranscript(log *slog.Logger) store.ConversationStore {
	dbPath := os.Getenv("SHOPAI_HISTORY_DB")
	if dbPath == "disabled" {
		log.Info("history: disabled via SHOPAI_HISTORY_DB=disabled")
		return nil
	}
	if dbPath == "" {
		var err error
		dbPath, err = store.DefaultDBPath()
		if err != nil {
			log.Warn("history: could not resolve default DB path, disabling", slog.Any("error", err))
			return nil
		}
	}
	hs, err := store.Open(dbPath)
	if err != nil {
		log.Warn("history: failed to open store, disabling", slog.Any("error", err))
		return nil
	}
	log.Info("history: store opened", slog.String("path", dbPath))
	return hs
}

// stack is every runtime component behind the conversation engine.
type stack struct {
	// engine answers conversation turns.
	engine *engine.Engine
	// kb is the knowledge base behind the retriever.
	kb *knowledgeBase
	// providerCfg is the resolved model provider configuration.
	providerCfg *provider.Config
	// pingers are the readiness probes for every remote dependency.
	pingers []server.Pinger
	// closers run in reverse order on Close.
	closers []func()
}

// buildStack wires provider, knowledge base, catalog, sessions and transcript
// into an engine. handlers are attached to every model call.
func buildStack(ctx context.Context, log *slog.Logger, handlers []callbacks.Handler) (*stack, error) {
	st := &stack{}

	chatModel, providerCfg, err := provider.NewFromEnv(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to initialise model provider: %w", err)
	}
	st.providerCfg = providerCfg
	log.Info("provider initialised",
		slog.String("provider", string(providerCfg.Backend)),
		slog.String("model", providerCfg.ModelName()),
	)
	if d := server.ModelDependency(provider.NewHealthChecker(providerCfg), string(providerCfg.Backend)); d != nil {
		st.pingers = append(st.pingers, d)
	}

	kb, err := openKnowledgeBase(ctx, log, true)
	if err != nil {
		return nil, err
	}
	st.kb = kb
	st.closers = append(st.closers, kb.Close)
	if kb.pinger != nil {
		st.pingers = append(st.pingers, kb.pinger)
	}
	retriever, err := kb.retriever()
	if err != nil {
		st.Close()
		return nil, err
	}

	fetcher := buildCatalog(log)
	sessions, sessionPinger, err := buildSessions(ctx, log, fetcher)
	if err != nil {
		st.Close()
		return nil, fmt.Errorf("failed to open session store: %w", err)
	}
	st.closers = append(st.closers, func() { _ = sessions.Close() })
	if sessionPinger != nil {
		st.pingers = append(st.pingers, sessionPinger)
	}
	st.pingers = append(st.pingers, server.CatalogDependency(fetcher))

	transcript := openTranscript(log)
	if transcript != nil {
		st.closers = append(st.closers, func() { _ = transcript.Close() })
	}

	eng, err := engine.New(&engine.Config{
		ChatModel:        chatModel,
		Sessions:         sessions,
		Retriever:        retriever,
		TopK:             getEnvInt("RAG_TOP_K", engine.DefaultTopK),
		MaxContextTokens: getEnvInt("MODEL_MAX_CONTEXT_TOKENS", 0),
		Transcript:       transcript,
		Callbacks:        handlers,
	})
	if err != nil {
		st.Close()
		return nil, fmt.Errorf("failed to initialise engine: %w", err)
	}
	st.engine = eng

	return st, nil
}

// Close releases every component in reverse construction order.
func (s *stack) Close() {
	for i := len(s.closers) - 1; i >= 0; i-- {
		s.closers[i]()
	}
	s.closers = nil
}
