package tools

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/firebase/genkit/go/ai"
	"github.com/pgvector/pgvector-go"
)

// Passage is one retrieved knowledge fragment with its provenance.
type Passage struct {
	SourceID   string
	Content    string
	Similarity float64
}

// KnowledgeQuerier performs the vector search. The interface lives with its
// consumer so tests can substitute an in-memory implementation.
type KnowledgeQuerier interface {
	SearchDocuments(ctx context.Context, tenantID string, embedding pgvector.Vector, limit int32) ([]Passage, error)
}

// Retriever embeds a query and searches the tenant's documents by cosine
// similarity. Failures are returned as errors, never as an empty result:
// the caller must be able to tell "nothing relevant" from "retrieval broke".
type Retriever struct {
	embedder ai.Embedder
	querier  KnowledgeQuerier
	topK     int32
	logger   *slog.Logger
}

// NewRetriever creates a Retriever returning at most topK passages.
func NewRetriever(embedder ai.Embedder, querier KnowledgeQuerier, topK int, logger *slog.Logger) (*Retriever, error) {
	if embedder == nil {
		return nil, fmt.Errorf("embedder is required")
	}
	if querier == nil {
		return nil, fmt.Errorf("querier is required")
	}
	if topK <= 0 {
		return nil, fmt.Errorf("topK must be positive, got %d", topK)
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Retriever{embedder: embedder, querier: querier, topK: int32(topK), logger: logger}, nil
}

// Retrieve returns the tenant's most similar passages for the query,
// ordered best match first.
func (r *Retriever) Retrieve(ctx context.Context, tenantID, query string) ([]Passage, error) {
	if strings.TrimSpace(query) == "" {
		return nil, ErrEmptyQuery
	}

	resp, err := r.embedder.Embed(ctx, &ai.EmbedRequest{
		Input: []*ai.Document{
			{Content: []*ai.Part{ai.NewTextPart(query)}},
		},
	})
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			return nil, fmt.Errorf("embedding generation timeout: %w", err)
		}
		return nil, fmt.Errorf("generating query embedding: %w", err)
	}
	if len(resp.Embeddings) == 0 || len(resp.Embeddings[0].Embedding) == 0 {
		return nil, ErrEmptyEmbedding
	}

	embedding := pgvector.NewVector(resp.Embeddings[0].Embedding)
	passages, err := r.querier.SearchDocuments(ctx, tenantID, embedding, r.topK)
	if err != nil {
		return nil, fmt.Errorf("searching documents: %w", err)
	}

	r.logger.Debug("retrieved passages", "tenant_id", tenantID, "count", len(passages))
	return passages, nil
}

const searchDocumentsSQL = `
SELECT source_id, content, 1 - (embedding <=> $1) AS similarity
FROM documents
WHERE tenant_id = $2
ORDER BY embedding <=> $1
LIMIT $3`

// PGKnowledgeQuerier runs the vector search against Postgres.
type PGKnowledgeQuerier struct {
	db DB
}

// NewKnowledgeQuerier creates a PGKnowledgeQuerier over a pool.
func NewKnowledgeQuerier(db DB) *PGKnowledgeQuerier {
	return &PGKnowledgeQuerier{db: db}
}

func (q *PGKnowledgeQuerier) SearchDocuments(ctx context.Context, tenantID string, embedding pgvector.Vector, limit int32) ([]Passage, error) {
	rows, err := q.db.Query(ctx, searchDocumentsSQL, embedding, tenantID, limit)
	if err != nil {
		return nil, fmt.Errorf("querying documents: %w", err)
	}
	defer rows.Close()

	var out []Passage
	for rows.Next() {
		var p Passage
		if err := rows.Scan(&p.SourceID, &p.Content, &p.Similarity); err != nil {
			return nil, fmt.Errorf("scanning document row: %w", err)
		}
		out = append(out, p)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("reading document rows: %w", err)
	}
	return out, nil
}
