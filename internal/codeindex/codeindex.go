// Package codeindex implements the code indexer (C5): two interchangeable
// back-ends behind one contract, dispatching each candidate file to a
// language extractor and landing the result in both the relational store
// and the vector store.
package codeindex

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/opslens/sentinel/internal/domain"
	"github.com/opslens/sentinel/internal/storage"
	"github.com/opslens/sentinel/internal/vectorstore"
)

// excludedDirs names path segments a candidate-file walk must skip.
var excludedDirs = map[string]bool{
	"build": true, "target": true, "dist": true, "out": true, "node_modules": true,
	"vendor": true, ".gradle": true, ".mvn": true, "__pycache__": true, ".pytest_cache": true,
	".tox": true, "venv": true, "env": true, ".venv": true, "virtualenv": true,
	".git": true, ".svn": true, ".hg": true, "generated": true, "gen": true,
	"generated-sources": true, "bin": true, "obj": true, ".idea": true, ".vscode": true,
	".eclipse": true, "coverage": true, "htmlcov": true, ".coverage": true,
	"logs": true, "tmp": true, "temp": true,
}

// excludedExts names file extensions (or suffixes, for ".min.*") a
// candidate-file walk must skip.
var excludedExts = []string{".class", ".pyc", ".pyo", ".pyd", ".jar", ".war", ".ear", ".min.js", ".min.css"}

// languageExtensions maps a configured language name to the file
// extensions a back-end's candidate-file walk should select.
var languageExtensions = map[string][]string{
	"python": {".py"},
	"java":   {".java"},
}

// ExtensionsFor resolves the file extensions to select for a set of
// configured languages; an unrecognized language contributes nothing.
func ExtensionsFor(languages []string) map[string]bool {
	exts := make(map[string]bool)
	for _, lang := range languages {
		for _, ext := range languageExtensions[strings.ToLower(lang)] {
			exts[ext] = true
		}
	}
	return exts
}

// ExcludePath reports whether path falls under an excluded directory or
// carries an excluded extension — shared by every back-end so the
// exclusion rules can't drift between them.
func ExcludePath(path string) bool {
	for _, seg := range strings.Split(filepath.ToSlash(path), "/") {
		if excludedDirs[seg] {
			return true
		}
	}
	for _, ext := range excludedExts {
		if strings.HasSuffix(path, ext) {
			return true
		}
	}
	return false
}

// Backend is the contract both the local-filesystem and Git-API
// back-ends implement.
type Backend interface {
	CurrentCommitIdentity(ctx context.Context) (string, error)
	ListCandidateFiles(ctx context.Context, languages []string) ([]string, error)
	Open(ctx context.Context, path string) ([]byte, error)
	// ChangedFilesBetween may return an empty slice; IndexRepository then
	// re-extracts no files and only records the new commit.
	ChangedFilesBetween(ctx context.Context, oldCommit, newCommit string, languages []string) ([]string, error)
}

// Block is one structural unit a language extractor emits, prior to
// being assembled into a domain.CodeBlock.
type Block struct {
	SymbolName        string
	SymbolType        domain.SymbolType
	LineStart         int
	LineEnd           int
	CodeSnippet       string
	Docstring         string
	FunctionSignature string
}

// Extractor parses one file's content into structural blocks.
type Extractor interface {
	Extract(path string, content []byte) ([]Block, error)
}

// CodeBlockStore is the relational-storage surface the indexer depends on.
type CodeBlockStore interface {
	Insert(ctx context.Context, b domain.CodeBlock) error
	DeleteByService(ctx context.Context, serviceID string) error
	DeleteByFile(ctx context.Context, serviceID, filePath string) error
	SaveIndexingMetadata(ctx context.Context, m domain.IndexingMetadata) error
	GetIndexingMetadata(ctx context.Context, serviceID, repository string) (domain.IndexingMetadata, error)
}

// VectorUpserter is the vector-store surface the indexer depends on.
type VectorUpserter interface {
	Upsert(ctx context.Context, collection vectorstore.Collection, rec vectorstore.Record) error
	DeleteByMetadata(ctx context.Context, collection vectorstore.Collection, key, value string) error
}

// Embedder turns a code snippet into a vector for similarity search.
type Embedder interface {
	Embed(ctx context.Context, text string) ([]float32, error)
}

// Result is the outcome of one index_repository run.
type Result struct {
	Mode              domain.IndexingMode
	FilesIndexed      int
	CodeBlocksCreated int
	Errors            int
}

// Indexer runs the full indexing flow for one service's repository.
type Indexer struct {
	backend    Backend
	blocks     CodeBlockStore
	vectors    VectorUpserter
	embedder   Embedder
	extractors map[string]Extractor

	serviceID  string
	repository string
	version    string
}

// New constructs an Indexer. extractors is keyed by file extension
// (".py", ".java") to the Extractor that handles it; unrecognized
// extensions among the candidate files are skipped.
func New(backend Backend, blocks CodeBlockStore, vectors VectorUpserter, embedder Embedder, extractors map[string]Extractor, serviceID, repository, version string) *Indexer {
	return &Indexer{
		backend:    backend,
		blocks:     blocks,
		vectors:    vectors,
		embedder:   embedder,
		extractors: extractors,
		serviceID:  serviceID,
		repository: repository,
		version:    version,
	}
}

// IndexRepository runs index_repository: resolve the current commit,
// decide skip/full/incremental, dispatch each selected file to its
// language extractor, and persist the resulting blocks and metadata.
//
// Per-file read, extraction, embedding and block-insert failures increment
// Result.Errors and are skipped. The run itself fails on an error resolving
// the commit, reading or saving metadata, listing or comparing files,
// deleting previous blocks or vectors, or upserting a vector.
func (idx *Indexer) IndexRepository(ctx context.Context, languages []string, forceFull bool) (Result, error) {
	current, err := idx.backend.CurrentCommitIdentity(ctx)
	if err != nil {
		return Result{}, err
	}

	meta, err := idx.blocks.GetIndexingMetadata(ctx, idx.serviceID, idx.repository)
	hasLast := true
	if errors.Is(err, storage.ErrNotFound) {
		hasLast = false
	} else if err != nil {
		return Result{}, err
	}

	if hasLast && meta.CommitSHA == current && !forceFull {
		return Result{Mode: domain.IndexingModeSkip}, nil
	}

	var files []string
	mode := domain.IndexingModeIncremental
	if forceFull || !hasLast {
		mode = domain.IndexingModeFull
		if err := idx.blocks.DeleteByService(ctx, idx.serviceID); err != nil {
			return Result{}, err
		}
		if err := idx.vectors.DeleteByMetadata(ctx, vectorstore.CollectionCodeEmbeddings, "service_id", idx.serviceID); err != nil {
			return Result{}, err
		}
		files, err = idx.backend.ListCandidateFiles(ctx, languages)
		if err != nil {
			return Result{}, err
		}
	} else {
		files, err = idx.backend.ChangedFilesBetween(ctx, meta.CommitSHA, current, languages)
		if err != nil {
			return Result{}, err
		}
		if len(files) == 0 {
			if err := idx.persistMetadata(ctx, current, mode, 0, 0); err != nil {
				return Result{}, err
			}
			return Result{Mode: mode}, nil
		}
	}

	result := Result{Mode: mode}
	for _, path := range files {
		if ExcludePath(path) {
			continue
		}
		if mode == domain.IndexingModeIncremental {
			if err := idx.blocks.DeleteByFile(ctx, idx.serviceID, path); err != nil {
				return Result{}, err
			}
		}

		created, err := idx.indexFile(ctx, path, current)
		if err != nil {
			var upsertErr *vectorUpsertError
			if errors.As(err, &upsertErr) {
				return Result{}, fmt.Errorf("index %s: %w", path, err)
			}
			result.Errors++
			continue
		}
		result.FilesIndexed++
		result.CodeBlocksCreated += created
	}

	if err := idx.persistMetadata(ctx, current, mode, result.FilesIndexed, result.CodeBlocksCreated); err != nil {
		return Result{}, err
	}
	return result, nil
}

// vectorUpsertError marks a vector-store Upsert failure so the caller can
// distinguish it from an ordinary per-file extraction error: per retry
// policy, vector upsert failures surface immediately rather than being
// tolerated as a skipped file.
type vectorUpsertError struct{ err error }

func (e *vectorUpsertError) Error() string { return e.err.Error() }
func (e *vectorUpsertError) Unwrap() error { return e.err }

func (idx *Indexer) indexFile(ctx context.Context, path, commitSHA string) (int, error) {
	ext := extractorKey(path)
	extractor, ok := idx.extractors[ext]
	if !ok {
		return 0, nil
	}

	content, err := idx.backend.Open(ctx, path)
	if err != nil {
		return 0, err
	}

	blocks, err := extractor.Extract(path, content)
	if err != nil {
		return 0, err
	}

	created := 0
	for _, b := range blocks {
		blockID := newBlockID()

		embedding, err := idx.embedder.Embed(ctx, b.CodeSnippet)
		if err != nil {
			return created, err
		}

		rec := vectorstore.Record{
			ID:        blockID,
			Embedding: embedding,
			Metadata: map[string]any{
				"service_id":  idx.serviceID,
				"repository":  idx.repository,
				"version":     idx.version,
				"commit_sha":  commitSHA,
				"file_path":   path,
				"symbol_name": b.SymbolName,
				"symbol_type": string(b.SymbolType),
				"line_start":  b.LineStart,
				"line_end":    b.LineEnd,
			},
		}
		if err := idx.vectors.Upsert(ctx, vectorstore.CollectionCodeEmbeddings, rec); err != nil {
			return created, &vectorUpsertError{err: err}
		}

		cb := domain.CodeBlock{
			BlockID:           blockID,
			ServiceID:         idx.serviceID,
			FilePath:          path,
			SymbolName:        b.SymbolName,
			CommitSHA:         commitSHA,
			CodeSnippet:       b.CodeSnippet,
			Docstring:         b.Docstring,
			FunctionSignature: b.FunctionSignature,
			SymbolType:        b.SymbolType,
			LineStart:         b.LineStart,
			LineEnd:           b.LineEnd,
			Repository:        idx.repository,
			Version:           idx.version,
			EmbeddingID:       blockID,
		}
		if err := idx.blocks.Insert(ctx, cb); err != nil {
			return created, err
		}
		created++
	}
	return created, nil
}

func (idx *Indexer) persistMetadata(ctx context.Context, commitSHA string, mode domain.IndexingMode, filesIndexed, blocksCreated int) error {
	return idx.blocks.SaveIndexingMetadata(ctx, domain.IndexingMetadata{
		ServiceID:         idx.serviceID,
		Repository:        idx.repository,
		CommitSHA:         commitSHA,
		IndexedAt:         time.Now().UTC(),
		FilesIndexed:      filesIndexed,
		CodeBlocksCreated: blocksCreated,
		IndexingMode:      mode,
	})
}

func extractorKey(path string) string {
	return strings.ToLower(filepath.Ext(path))
}

func newBlockID() string {
	return uuid.NewString()
}
