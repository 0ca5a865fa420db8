package storage

import (
	"context"
	"database/sql"

	"github.com/opslens/sentinel/internal/domain"
)

// CodeBlockRepository persists CodeBlock rows — the relational half of the
// code index; embeddings themselves live in the vector store.
type CodeBlockRepository struct {
	db *sql.DB
}

// Insert adds one extracted code block.
func (r *CodeBlockRepository) Insert(ctx context.Context, b domain.CodeBlock) error {
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO code_blocks (
			block_id, service_id, file_path, symbol_name, commit_sha, code_snippet,
			docstring, function_signature, symbol_type, line_start, line_end,
			repository, version, embedding_id
		) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14)
	`,
		b.BlockID, b.ServiceID, b.FilePath, b.SymbolName, b.CommitSHA, b.CodeSnippet,
		b.Docstring, b.FunctionSignature, b.SymbolType, b.LineStart, b.LineEnd,
		b.Repository, b.Version, b.EmbeddingID,
	)
	return err
}

// DeleteByService removes every block for a service (full re-index).
func (r *CodeBlockRepository) DeleteByService(ctx context.Context, serviceID string) error {
	_, err := r.db.ExecContext(ctx, `DELETE FROM code_blocks WHERE service_id = $1`, serviceID)
	return err
}

// DeleteByFile removes a service's blocks for a single file, ahead of a
// re-extraction — the delete-then-insert step incremental indexing needs
// so searches never observe a half-replaced file.
func (r *CodeBlockRepository) DeleteByFile(ctx context.Context, serviceID, filePath string) error {
	_, err := r.db.ExecContext(ctx, `DELETE FROM code_blocks WHERE service_id = $1 AND file_path = $2`, serviceID, filePath)
	return err
}

// GetByID fetches one block's full snippet for RCA prompt assembly.
func (r *CodeBlockRepository) GetByID(ctx context.Context, blockID string) (domain.CodeBlock, error) {
	row := r.db.QueryRowContext(ctx, `
		SELECT block_id, service_id, file_path, symbol_name, commit_sha, code_snippet,
			docstring, function_signature, symbol_type, line_start, line_end,
			repository, version, embedding_id
		FROM code_blocks WHERE block_id = $1
	`, blockID)

	var b domain.CodeBlock
	err := row.Scan(
		&b.BlockID, &b.ServiceID, &b.FilePath, &b.SymbolName, &b.CommitSHA, &b.CodeSnippet,
		&b.Docstring, &b.FunctionSignature, &b.SymbolType, &b.LineStart, &b.LineEnd,
		&b.Repository, &b.Version, &b.EmbeddingID,
	)
	if err == sql.ErrNoRows {
		return domain.CodeBlock{}, ErrNotFound
	}
	return b, err
}

// SaveIndexingMetadata upserts the per-(service,repository) bookkeeping row
// an indexing run leaves behind.
func (r *CodeBlockRepository) SaveIndexingMetadata(ctx context.Context, m domain.IndexingMetadata) error {
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO indexing_metadata (
			service_id, repository, commit_sha, indexed_at, files_indexed,
			code_blocks_created, indexing_mode
		) VALUES ($1,$2,$3,$4,$5,$6,$7)
		ON CONFLICT (service_id, repository) DO UPDATE SET
			commit_sha = EXCLUDED.commit_sha,
			indexed_at = EXCLUDED.indexed_at,
			files_indexed = EXCLUDED.files_indexed,
			code_blocks_created = EXCLUDED.code_blocks_created,
			indexing_mode = EXCLUDED.indexing_mode
	`,
		m.ServiceID, m.Repository, m.CommitSHA, m.IndexedAt, m.FilesIndexed,
		m.CodeBlocksCreated, m.IndexingMode,
	)
	return err
}

// GetIndexingMetadata returns the last-persisted metadata row, or
// ErrNotFound when the service has never been indexed.
func (r *CodeBlockRepository) GetIndexingMetadata(ctx context.Context, serviceID, repository string) (domain.IndexingMetadata, error) {
	row := r.db.QueryRowContext(ctx, `
		SELECT service_id, repository, commit_sha, indexed_at, files_indexed,
			code_blocks_created, indexing_mode
		FROM indexing_metadata WHERE service_id = $1 AND repository = $2
	`, serviceID, repository)

	var m domain.IndexingMetadata
	err := row.Scan(&m.ServiceID, &m.Repository, &m.CommitSHA, &m.IndexedAt, &m.FilesIndexed, &m.CodeBlocksCreated, &m.IndexingMode)
	if err == sql.ErrNoRows {
		return domain.IndexingMetadata{}, ErrNotFound
	}
	return m, err
}
