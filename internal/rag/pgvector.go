package rag

import (
	"context"
	"encoding/json"
	"fmt"
	"regexp"

	"github.com/pgvector/pgvector-go"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	"gorm.io/gorm/logger"
)

// PgVectorConfig holds connection parameters for a Postgres + pgvector store.
type PgVectorConfig struct {
	// DSN is the Postgres connection string.
	DSN string

	// Table is the passage table name (default: passages).
	Table string

	// VectorSize is the dimensionality of the embedding column.
	VectorSize int
}

// passageRow is the gorm model for one stored passage.
type passageRow struct {
	ID        string          `gorm:"column:id;primaryKey"`
	Seq       int64           `gorm:"column:seq;->"`
	Content   string          `gorm:"column:content"`
	Source    string          `gorm:"column:source"`
	Metadata  string          `gorm:"column:metadata"`
	Embedding pgvector.Vector `gorm:"column:embedding"`
	Score     float64         `gorm:"column:score;->;-:migration"`
}

// tableName guards the identifier that is interpolated into DDL.
var tableName = regexp.MustCompile(`^[a-zA-Z_][a-zA-Z0-9_]*$`)

// PgVectorStore implements VectorStore on a Postgres table with a pgvector
// column and an HNSW cosine index.
type PgVectorStore struct {
	// db is the gorm handle.
	db *gorm.DB

	// cfg holds the resolved configuration for this store.
	cfg *PgVectorConfig
}

// NewPgVectorStore opens the database, creates the vector extension, table,
// and index if needed, and returns a ready-to-use store.
func NewPgVectorStore(ctx context.Context, cfg *PgVectorConfig) (*PgVectorStore, error) {
	if cfg.DSN == "" {
		return nil, fmt.Errorf("pgvector: DSN must be set")
	}
	if cfg.VectorSize <= 0 {
		return nil, fmt.Errorf("pgvector: vector size must be set")
	}
	if cfg.Table == "" {
		cfg.Table = "passages"
	}
	if !tableName.MatchString(cfg.Table) {
		return nil, fmt.Errorf("pgvector: invalid table name %q", cfg.Table)
	}

	db, err := gorm.Open(postgres.Open(cfg.DSN), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		return nil, fmt.Errorf("pgvector: failed to open database: %w", err)
	}

	s := &PgVectorStore{db: db, cfg: cfg}
	if err := s.migrate(ctx); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *PgVectorStore) migrate(ctx context.Context) error {
	stmts := []string{
		"CREATE EXTENSION IF NOT EXISTS vector",
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
			id        TEXT PRIMARY KEY,
			seq       BIGSERIAL,
			content   TEXT NOT NULL,
			source    TEXT NOT NULL DEFAULT '',
			metadata  JSONB,
			embedding vector(%d) NOT NULL
		)`, s.cfg.Table, s.cfg.VectorSize),
		fmt.Sprintf("CREATE INDEX IF NOT EXISTS %s_embedding_idx ON %s USING hnsw (embedding vector_cosine_ops)",
			s.cfg.Table, s.cfg.Table),
	}
	for _, stmt := range stmts {
		if err := s.db.WithContext(ctx).Exec(stmt).Error; err != nil {
			return fmt.Errorf("pgvector: migration failed: %w", err)
		}
	}
	return nil
}

// Upsert inserts the batch, replacing rows whose ID already exists.
func (s *PgVectorStore) Upsert(ctx context.Context, passages []Passage, vectors [][]float32) error {
	if err := checkDimensions(passages, vectors, s.cfg.VectorSize); err != nil {
		return err
	}
	if len(passages) == 0 {
		return nil
	}

	rows := make([]passageRow, 0, len(passages))
	for i, p := range passages {
		meta := "{}"
		if len(p.Metadata) > 0 {
			b, err := json.Marshal(p.Metadata)
			if err != nil {
				return fmt.Errorf("pgvector: failed to encode metadata: %w", err)
			}
			meta = string(b)
		}
		rows = append(rows, passageRow{
			ID:        p.ID,
			Content:   p.Text,
			Source:    p.Source,
			Metadata:  meta,
			Embedding: pgvector.NewVector(vectors[i]),
		})
	}

	err := s.db.WithContext(ctx).
		Table(s.cfg.Table).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "id"}},
			DoUpdates: clause.AssignmentColumns([]string{"content", "source", "metadata", "embedding"}),
		}).
		Omit("seq", "score").
		Create(&rows).Error
	if err != nil {
		return fmt.Errorf("pgvector: upsert failed: %w", err)
	}
	return nil
}

// Search runs the cosine query inside a transaction so the HNSW candidate
// pool (hnsw.ef_search) applies only to this query.
func (s *PgVectorStore) Search(ctx context.Context, vector []float32, candidates, limit int) ([]Passage, error) {
	if len(vector) != s.cfg.VectorSize {
		return nil, ErrDimensionMismatch
	}
	if limit <= 0 {
		return nil, nil
	}
	if candidates < limit {
		candidates = limit
	}

	q := pgvector.NewVector(vector)
	var rows []passageRow
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Exec(fmt.Sprintf("SET LOCAL hnsw.ef_search = %d", candidates)).Error; err != nil {
			return err
		}
		return tx.Table(s.cfg.Table).
			Select("id, seq, content, source, metadata, 1 - (embedding <=> ?) AS score", q).
			Order(clause.Expr{SQL: "embedding <=> ?, seq", Vars: []any{q}}).
			Limit(limit).
			Scan(&rows).Error
	})
	if err != nil {
		return nil, fmt.Errorf("pgvector: search failed: %w", err)
	}

	passages := make([]Passage, 0, len(rows))
	for _, r := range rows {
		p := Passage{
			ID:     r.ID,
			Text:   r.Content,
			Source: r.Source,
			Score:  float32(r.Score),
		}
		if r.Metadata != "" {
			_ = json.Unmarshal([]byte(r.Metadata), &p.Metadata) // non-object metadata is dropped
		}
		passages = append(passages, p)
	}
	return passages, nil
}

// Delete removes passages by their IDs.
func (s *PgVectorStore) Delete(ctx context.Context, ids []string) error {
	if len(ids) == 0 {
		return nil
	}
	if err := s.db.WithContext(ctx).Table(s.cfg.Table).Where("id IN ?", ids).Delete(&passageRow{}).Error; err != nil {
		return fmt.Errorf("pgvector: delete failed: %w", err)
	}
	return nil
}

// Dimension returns the embedding column size.
func (s *PgVectorStore) Dimension() int { return s.cfg.VectorSize }

// Ping checks database connectivity.
func (s *PgVectorStore) Ping(ctx context.Context) error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return fmt.Errorf("pgvector: %w", err)
	}
	return sqlDB.PingContext(ctx)
}

// Close closes the underlying connection pool.
func (s *PgVectorStore) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return fmt.Errorf("pgvector: %w", err)
	}
	return sqlDB.Close()
}
