// Package vectorstore adapts pgvector-over-Postgres into the two
// collections the core needs: code embeddings and log embeddings. The
// core never embeds vector-DSL specifics outside this package.
package vectorstore

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	_ "github.com/lib/pq"
)

// Collection names the two fixed collections the spec requires.
type Collection string

const (
	CollectionCodeEmbeddings Collection = "code_embeddings"
	CollectionLogEmbeddings  Collection = "log_embeddings"
)

// Record is one embedded vector plus its opaque metadata, round-tripped as
// a JSON blob so this package stays agnostic of the metadata shape its
// callers (code indexer, RCA engine) care about.
type Record struct {
	ID        string
	Embedding []float32
	Metadata  map[string]any
}

// Match is one query hit: the stored record plus its cosine distance from
// the query vector (smaller is closer).
type Match struct {
	Record
	Distance float64
}

// Store is the pgvector-backed adapter. A single physical table holds both
// collections, partitioned by the `collection` column and tenant-filtered
// by a `service_id` metadata key on every query.
type Store struct {
	db *sql.DB
}

// Open connects to the vector database and ensures the schema exists.
func Open(ctx context.Context, databaseURL string) (*Store, error) {
	db, err := sql.Open("postgres", databaseURL)
	if err != nil {
		return nil, fmt.Errorf("open vector store: %w", err)
	}
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping vector store: %w", err)
	}
	if _, err := db.ExecContext(ctx, schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("ensure vector store schema: %w", err)
	}
	return &Store{db: db}, nil
}

const schema = `
CREATE EXTENSION IF NOT EXISTS vector;
CREATE TABLE IF NOT EXISTS vector_records (
	collection TEXT NOT NULL,
	record_id TEXT NOT NULL,
	embedding vector,
	metadata JSONB NOT NULL DEFAULT '{}',
	PRIMARY KEY (collection, record_id)
);
`

// Close releases the pool.
func (s *Store) Close() error {
	if s.db == nil {
		return nil
	}
	return s.db.Close()
}

// HealthCheck pings the pool, satisfying service.HealthChecker.
func (s *Store) HealthCheck(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// Upsert writes or replaces one record in a collection. Per the retry
// policy, vector-store writes surface failures immediately — zero retries.
func (s *Store) Upsert(ctx context.Context, collection Collection, rec Record) error {
	metadataJSON, err := json.Marshal(rec.Metadata)
	if err != nil {
		return fmt.Errorf("marshal metadata: %w", err)
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO vector_records (collection, record_id, embedding, metadata)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (collection, record_id) DO UPDATE SET
			embedding = EXCLUDED.embedding,
			metadata = EXCLUDED.metadata
	`, string(collection), rec.ID, pgvectorLiteral(rec.Embedding), string(metadataJSON))
	return err
}

// Delete removes one record.
func (s *Store) Delete(ctx context.Context, collection Collection, id string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM vector_records WHERE collection = $1 AND record_id = $2`, string(collection), id)
	return err
}

// DeleteByMetadata removes every record in a collection whose metadata
// matches a key/value pair, used to clear a service's code blocks ahead
// of a full re-index.
func (s *Store) DeleteByMetadata(ctx context.Context, collection Collection, key, value string) error {
	_, err := s.db.ExecContext(ctx, `
		DELETE FROM vector_records WHERE collection = $1 AND metadata ->> $2 = $3
	`, string(collection), key, value)
	return err
}

// Query returns the topK nearest records to the embedding, within a
// collection and tenant, ordered by ascending cosine distance.
func (s *Store) Query(ctx context.Context, collection Collection, serviceID string, embedding []float32, topK int) ([]Match, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT record_id, embedding, metadata, embedding <=> $3 AS distance
		FROM vector_records
		WHERE collection = $1 AND metadata ->> 'service_id' = $2
		ORDER BY distance ASC
		LIMIT $4
	`, string(collection), serviceID, pgvectorLiteral(embedding), topK)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Match
	for rows.Next() {
		var m Match
		var metadataJSON string
		var embeddingLiteral string
		if err := rows.Scan(&m.ID, &embeddingLiteral, &metadataJSON, &m.Distance); err != nil {
			return nil, err
		}
		m.Embedding = parsePgvectorLiteral(embeddingLiteral)
		if err := json.Unmarshal([]byte(metadataJSON), &m.Metadata); err != nil {
			return nil, fmt.Errorf("unmarshal metadata: %w", err)
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

func pgvectorLiteral(v []float32) string {
	s := "["
	for i, f := range v {
		if i > 0 {
			s += ","
		}
		s += fmt.Sprintf("%g", f)
	}
	return s + "]"
}

func parsePgvectorLiteral(s string) []float32 {
	var out []float32
	var cur string
	flush := func() {
		if cur == "" {
			return
		}
		var f float64
		fmt.Sscanf(cur, "%g", &f)
		out = append(out, float32(f))
		cur = ""
	}
	for _, r := range s {
		switch r {
		case '[', ']':
			continue
		case ',':
			flush()
		default:
			cur += string(r)
		}
	}
	flush()
	return out
}
