// Package ingestion implements the knowledge-base ingestion pipeline.
// It loads shop documents from local files, directories or URLs, splits
// them into overlapping chunks, embeds each chunk, and upserts the results
// into the passage store. This pipeline is invoked by the `shopai ingest`
// CLI command.
package ingestion

import (
	"context"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/54b3r/shopai-go/internal/logging"
	"github.com/54b3r/shopai-go/internal/rag"
)

const (
	// DefaultChunkSize is the maximum number of characters per chunk.
	DefaultChunkSize = 800
	// DefaultChunkOverlap is the number of characters shared by consecutive chunks.
	DefaultChunkOverlap = 100
	// DefaultBatchSize is the number of chunks embedded per request.
	DefaultBatchSize = 32
)

// maxDocumentBytes caps a single fetched or read document.
const maxDocumentBytes = 16 << 20

// supportedExt lists the file extensions picked up when walking a directory.
var supportedExt = map[string]bool{
	".txt":      true,
	".md":       true,
	".markdown": true,
}

// separators are tried in order when looking for a clean chunk boundary.
var separators = []string{"\n\n", "\n", ". ", " "}

// Source describes a document to be ingested.
type Source struct {
	// Location is a local file, a local directory, or an HTTP(S) URL.
	Location string

	// Category is an optional label stored in passage metadata (e.g. "faq",
	// "services", "policies").
	Category string
}

// Config holds the configuration for the ingestion pipeline.
type Config struct {
	// ChunkSize is the maximum number of characters per document chunk.
	// Defaults to DefaultChunkSize if zero.
	ChunkSize int

	// ChunkOverlap is the number of characters to overlap between consecutive chunks.
	// Defaults to DefaultChunkOverlap if zero.
	ChunkOverlap int

	// BatchSize is the number of chunks sent to the embedder per call.
	// Defaults to DefaultBatchSize if zero.
	BatchSize int

	// HTTPTimeout is the timeout for each URL fetch.
	// Defaults to 30s if zero.
	HTTPTimeout time.Duration

	// UserAgent is the HTTP User-Agent header sent with fetch requests.
	UserAgent string
}

// Result summarises one Ingest call.
type Result struct {
	// Documents is the number of documents read.
	Documents int
	// Chunks is the number of passages upserted.
	Chunks int
}

// Pipeline orchestrates the load → chunk → embed → upsert flow for a set
// of sources.
type Pipeline struct {
	// embedder converts text chunks into dense vector embeddings.
	embedder rag.Embedder

	// store persists the embedded chunks.
	store rag.VectorStore

	// cfg holds the resolved pipeline configuration.
	cfg *Config

	// httpClient is the HTTP client used for fetching URL sources.
	httpClient *http.Client
}

// NewPipeline constructs a Pipeline from the provided dependencies and config.
func NewPipeline(embedder rag.Embedder, store rag.VectorStore, cfg *Config) (*Pipeline, error) {
	if embedder == nil {
		return nil, fmt.Errorf("ingestion: embedder must not be nil")
	}
	if store == nil {
		return nil, fmt.Errorf("ingestion: store must not be nil")
	}
	if cfg == nil {
		cfg = &Config{}
	}
	if cfg.ChunkSize <= 0 {
		cfg.ChunkSize = DefaultChunkSize
	}
	if cfg.ChunkOverlap == 0 {
		cfg.ChunkOverlap = DefaultChunkOverlap
	}
	if cfg.ChunkOverlap < 0 {
		cfg.ChunkOverlap = 0
	}
	if cfg.ChunkOverlap >= cfg.ChunkSize {
		cfg.ChunkOverlap = cfg.ChunkSize / 10
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = DefaultBatchSize
	}
	if cfg.HTTPTimeout <= 0 {
		cfg.HTTPTimeout = 30 * time.Second
	}
	if cfg.UserAgent == "" {
		cfg.UserAgent = "shopai-go/1.0 (knowledge base ingestion)"
	}

	return &Pipeline{
		embedder: embedder,
		store:    store,
		cfg:      cfg,
		httpClient: &http.Client{
			Timeout: cfg.HTTPTimeout,
		},
	}, nil
}

// document is one loaded text with its canonical source name.
type document struct {
	source string
	text   string
}

// Ingest loads, chunks, embeds, and stores all provided sources.
// It processes documents sequentially and returns the first error encountered.
// Progress is reported via the optional progress callback.
func (p *Pipeline) Ingest(ctx context.Context, sources []Source, progress func(msg string)) (Result, error) {
	if progress == nil {
		progress = func(string) {}
	}
	log := logging.FromContext(ctx)
	var res Result

	for _, src := range sources {
		docs, err := p.load(ctx, src.Location)
		if err != nil {
			return res, fmt.Errorf("ingestion: load %s: %w", src.Location, err)
		}

		for _, doc := range docs {
			chunks := p.chunk(doc.text)
			if len(chunks) == 0 {
				log.Warn("ingestion: skipping empty document", slog.String("source", doc.source))
				continue
			}
			progress(fmt.Sprintf("chunked %s into %d chunks", doc.source, len(chunks)))

			if err := p.store.Delete(ctx, staleIDs(doc.source, len(chunks))); err != nil {
				log.Warn("ingestion: could not remove stale chunks",
					slog.String("source", doc.source),
					slog.Any("error", err),
				)
			}

			n, err := p.upsert(ctx, doc.source, src.Category, chunks)
			if err != nil {
				return res, err
			}
			res.Documents++
			res.Chunks += n
			progress(fmt.Sprintf("ingested %d chunks from %s", n, doc.source))
		}
	}

	return res, nil
}

// upsert embeds chunks in batches and writes them to the store.
func (p *Pipeline) upsert(ctx context.Context, source, category string, chunks []string) (int, error) {
	for start := 0; start < len(chunks); start += p.cfg.BatchSize {
		end := min(start+p.cfg.BatchSize, len(chunks))
		batch := chunks[start:end]

		embeddings, err := p.embedder.Embed(ctx, batch)
		if err != nil {
			return start, fmt.Errorf("ingestion: embedding failed for %s: %w", source, err)
		}

		passages := make([]rag.Passage, len(batch))
		for i, text := range batch {
			idx := start + i
			md := map[string]string{
				"chunk_index": strconv.Itoa(idx),
				"chunk_total": strconv.Itoa(len(chunks)),
			}
			if category != "" {
				md["category"] = category
			}
			passages[i] = rag.Passage{
				ID:       ChunkID(source, idx),
				Text:     text,
				Source:   source,
				Metadata: md,
			}
		}

		if err := p.store.Upsert(ctx, passages, embeddings); err != nil {
			return start, fmt.Errorf("ingestion: upsert failed for %s: %w", source, err)
		}
	}
	return len(chunks), nil
}

// load resolves a location into one or more documents.
func (p *Pipeline) load(ctx context.Context, location string) ([]document, error) {
	if strings.HasPrefix(location, "http://") || strings.HasPrefix(location, "https://") {
		text, err := p.fetch(ctx, location)
		if err != nil {
			return nil, err
		}
		return []document{{source: location, text: text}}, nil
	}

	info, err := os.Stat(location)
	if err != nil {
		return nil, fmt.Errorf("stat: %w", err)
	}
	if !info.IsDir() {
		text, err := readFile(location)
		if err != nil {
			return nil, err
		}
		return []document{{source: filepath.ToSlash(filepath.Clean(location)), text: text}}, nil
	}

	var docs []document
	err = filepath.WalkDir(location, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() || !supportedExt[strings.ToLower(filepath.Ext(path))] {
			return nil
		}
		text, err := readFile(path)
		if err != nil {
			return err
		}
		docs = append(docs, document{source: filepath.ToSlash(path), text: text})
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("walk: %w", err)
	}
	return docs, nil
}

// readFile reads a local document, bounded by maxDocumentBytes.
func readFile(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", fmt.Errorf("open: %w", err)
	}
	defer f.Close()

	b, err := io.ReadAll(io.LimitReader(f, maxDocumentBytes))
	if err != nil {
		return "", fmt.Errorf("read %s: %w", path, err)
	}
	return string(b), nil
}

// fetch retrieves the raw text content of a URL.
func (p *Pipeline) fetch(ctx context.Context, url string) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return "", fmt.Errorf("creating request: %w", err)
	}
	req.Header.Set("User-Agent", p.cfg.UserAgent)
	req.Header.Set("Accept", "text/plain, text/markdown")

	resp, err := p.httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("http get: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("unexpected status %d for %s", resp.StatusCode, url)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxDocumentBytes))
	if err != nil {
		return "", fmt.Errorf("reading body: %w", err)
	}

	return string(body), nil
}

// chunk splits text into chunks of at most cfg.ChunkSize runes with
// cfg.ChunkOverlap runes shared between neighbours. Cuts prefer paragraph,
// line, sentence and word boundaries in that order, falling back to a hard
// cut when none lies in the back half of the window.
func (p *Pipeline) chunk(text string) []string {
	runes := []rune(strings.TrimSpace(text))
	if len(runes) == 0 {
		return nil
	}

	size, overlap := p.cfg.ChunkSize, p.cfg.ChunkOverlap
	var chunks []string
	for start := 0; start < len(runes); {
		end := min(start+size, len(runes))
		if end < len(runes) {
			end = boundary(runes, start+size/2, end)
		}

		if c := strings.TrimSpace(string(runes[start:end])); c != "" {
			chunks = append(chunks, c)
		}
		if end == len(runes) {
			break
		}

		next := end - overlap
		if next <= start {
			next = end
		}
		start = next
	}
	return chunks
}

// boundary returns the end of the last separator in runes[lo:hi], or hi.
func boundary(runes []rune, lo, hi int) int {
	window := string(runes[lo:hi])
	for _, sep := range separators {
		if i := strings.LastIndex(window, sep); i >= 0 {
			return lo + len([]rune(window[:i+len(sep)]))
		}
	}
	return hi
}

// namespace scopes passage IDs so they never collide with other UUIDv5 users.
var namespace = uuid.NewSHA1(uuid.NameSpaceURL, []byte("https://nitroline.shop/knowledge-base"))

// ChunkID generates a deterministic UUIDv5 for a chunk from its source and
// index, so re-ingesting a document overwrites its passages in place.
func ChunkID(source string, index int) string {
	return uuid.NewSHA1(namespace, []byte(fmt.Sprintf("%s#%d", source, index))).String()
}

// staleIDs returns IDs a previous, longer version of source may have left
// behind beyond keep chunks.
func staleIDs(source string, keep int) []string {
	const probe = 64
	ids := make([]string, 0, probe)
	for i := keep; i < keep+probe; i++ {
		ids = append(ids, ChunkID(source, i))
	}
	return ids
}
