// Package rag stores and searches policy document chunks in PostgreSQL
// with the pgvector extension.
package rag

import (
	"context"
	"database/sql"
	"fmt"
	"strconv"
	"strings"

	"github.com/cloudwego/eino/components/embedding"
	errx "github.com/insight-agent/server/internal/core/error"
	logx "github.com/insight-agent/server/pkg/logger"
)

// Passage is one retrieved policy chunk. Page is the source locator the
// finalization stage cites; it must be preserved verbatim.
type Passage struct {
	Content string
	Page    int
	Score   float64
}

// Chunk is one ingestable unit of a policy document.
type Chunk struct {
	Content string
	Page    int
}

// PolicyStore is the document-search surface the tool layer depends on.
type PolicyStore interface {
	Search(ctx context.Context, query string, k int) ([]Passage, error)
}

// PGVectorStore implements PolicyStore over a pgvector-enabled Postgres.
type PGVectorStore struct {
	db        *sql.DB
	embedder  embedding.Embedder
	dimension int
}

func NewPGVectorStore(db *sql.DB, embedder embedding.Embedder, dimension int) *PGVectorStore {
	return &PGVectorStore{db: db, embedder: embedder, dimension: dimension}
}

// EnsureSchema creates the extension and chunk table when missing.
func (s *PGVectorStore) EnsureSchema(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, `CREATE EXTENSION IF NOT EXISTS vector`); err != nil {
		return errx.WrapPostgres(err)
	}
	stmt := fmt.Sprintf(`
		CREATE TABLE IF NOT EXISTS policy_chunks (
			id SERIAL PRIMARY KEY,
			content TEXT NOT NULL,
			page INTEGER NOT NULL DEFAULT 0,
			embedding vector(%d) NOT NULL,
			created_at TIMESTAMPTZ NOT NULL DEFAULT now()
		)`, s.dimension)
	if _, err := s.db.ExecContext(ctx, stmt); err != nil {
		return errx.WrapPostgres(err)
	}
	return nil
}

// Reset drops all ingested chunks.
func (s *PGVectorStore) Reset(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, `TRUNCATE policy_chunks RESTART IDENTITY`); err != nil {
		return errx.WrapPostgres(err)
	}
	return nil
}

// AddChunks embeds and inserts document chunks.
func (s *PGVectorStore) AddChunks(ctx context.Context, chunks []Chunk) error {
	if len(chunks) == 0 {
		return nil
	}

	texts := make([]string, len(chunks))
	for i, c := range chunks {
		texts[i] = c.Content
	}
	vectors, err := s.embedder.EmbedStrings(ctx, texts)
	if err != nil {
		return fmt.Errorf("embed chunks: %w", err)
	}
	if len(vectors) != len(chunks) {
		return fmt.Errorf("embed chunks: got %d vectors for %d chunks", len(vectors), len(chunks))
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return errx.WrapPostgres(err)
	}
	defer tx.Rollback()

	for i, c := range chunks {
		_, err := tx.ExecContext(ctx,
			`INSERT INTO policy_chunks (content, page, embedding) VALUES ($1, $2, $3::vector)`,
			c.Content, c.Page, formatVector(vectors[i]),
		)
		if err != nil {
			return errx.WrapPostgres(err)
		}
	}
	if err := tx.Commit(); err != nil {
		return errx.WrapPostgres(err)
	}

	logx.Debug().Int("chunks", len(chunks)).Msg("Ingested policy chunks")
	return nil
}

// Search embeds the query and returns the k nearest chunks by cosine
// distance, best first.
func (s *PGVectorStore) Search(ctx context.Context, query string, k int) ([]Passage, error) {
	if k <= 0 {
		k = 4
	}

	vectors, err := s.embedder.EmbedStrings(ctx, []string{query})
	if err != nil {
		return nil, fmt.Errorf("embed query: %w", err)
	}
	if len(vectors) != 1 {
		return nil, fmt.Errorf("embed query: expected 1 vector, got %d", len(vectors))
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT content, page, 1 - (embedding <=> $1::vector) AS similarity
		FROM policy_chunks
		ORDER BY embedding <=> $1::vector ASC
		LIMIT $2`,
		formatVector(vectors[0]), k,
	)
	if err != nil {
		return nil, errx.WrapPostgres(err)
	}
	defer rows.Close()

	var passages []Passage
	for rows.Next() {
		var p Passage
		if err := rows.Scan(&p.Content, &p.Page, &p.Score); err != nil {
			return nil, errx.WrapPostgres(err)
		}
		passages = append(passages, p)
	}
	if err := rows.Err(); err != nil {
		return nil, errx.WrapPostgres(err)
	}
	return passages, nil
}

// formatVector renders a vector in pgvector's text input format.
func formatVector(vec []float64) string {
	var b strings.Builder
	b.WriteByte('[')
	for i, v := range vec {
		if i > 0 {
			b.WriteByte(',')
		}
		b.WriteString(strconv.FormatFloat(v, 'f', -1, 64))
	}
	b.WriteByte(']')
	return b.String()
}

var _ PolicyStore = (*PGVectorStore)(nil)
