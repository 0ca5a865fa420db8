package codeindex

import (
	"context"
	"fmt"
	"time"

	"github.com/opslens/sentinel/internal/codeindex/gitapi"
	"github.com/opslens/sentinel/internal/codeindex/lang/java"
	"github.com/opslens/sentinel/internal/codeindex/lang/python"
	"github.com/opslens/sentinel/internal/codeindex/local"
	"github.com/opslens/sentinel/internal/domain"
	"github.com/opslens/sentinel/internal/git"
)

// ServiceGetter is the narrow storage surface a Trigger run needs: load
// the tenant row to pick a back-end, then write back the outcome so the
// next run knows whether to index incrementally.
type ServiceGetter interface {
	GetByID(ctx context.Context, serviceID string) (domain.Service, error)
	UpdateCodeIndexing(ctx context.Context, serviceID string, at time.Time, status domain.IndexingStatus, commitSHA string) error
}

// Trigger builds a per-service Indexer on demand and runs it, choosing
// between the local-checkout and Git-API back-ends from the service's
// own configuration instead of requiring callers to wire either by hand.
type Trigger struct {
	services ServiceGetter
	blocks   CodeBlockStore
	vectors  VectorUpserter
	embedder Embedder
}

// NewTrigger wires the shared storage and vector dependencies every
// per-service indexing run needs.
func NewTrigger(services ServiceGetter, blocks CodeBlockStore, vectors VectorUpserter, embedder Embedder) *Trigger {
	return &Trigger{services: services, blocks: blocks, vectors: vectors, embedder: embedder}
}

var extractors = map[string]Extractor{
	".py":   python.New(),
	".java": java.New(),
}

// TriggerIndexing loads the service, builds the appropriate back-end, runs
// a full or incremental index, and records the outcome on the service row.
func (t *Trigger) TriggerIndexing(ctx context.Context, serviceID string, forceFull bool) (Result, error) {
	svc, err := t.services.GetByID(ctx, serviceID)
	if err != nil {
		return Result{}, fmt.Errorf("load service: %w", err)
	}
	if !svc.CodeIndexingEnabled {
		return Result{}, fmt.Errorf("service %s has code indexing disabled", serviceID)
	}

	backend, err := t.backendFor(svc)
	if err != nil {
		return Result{}, err
	}

	idx := New(backend, t.blocks, t.vectors, t.embedder, extractors, svc.ServiceID, svc.RepositoryURL, svc.GitBranch)
	result, err := idx.IndexRepository(ctx, nil, forceFull)

	status := domain.IndexingStatusCompleted
	if err != nil {
		status = domain.IndexingStatusFailed
	}
	commit, commitErr := backend.CurrentCommitIdentity(ctx)
	if commitErr != nil {
		commit = svc.LastIndexedCommit
	}
	if updateErr := t.services.UpdateCodeIndexing(ctx, svc.ServiceID, time.Now(), status, commit); updateErr != nil && err == nil {
		return result, updateErr
	}

	return result, err
}

func (t *Trigger) backendFor(svc domain.Service) (Backend, error) {
	if svc.UseAPIMode {
		provider := git.ProviderGitHub
		if svc.GitProvider == domain.GitProviderGitLab {
			provider = git.ProviderGitLab
		}
		client, err := git.New(provider, svc.RepositoryURL, svc.GitBranch, svc.AccessToken)
		if err != nil {
			return nil, fmt.Errorf("construct git client: %w", err)
		}
		return gitapi.New(client, svc.GitBranch), nil
	}

	backend, err := local.New(svc.GitRepoPath, svc.LastIndexedCommit)
	if err != nil {
		return nil, fmt.Errorf("construct local backend: %w", err)
	}
	return backend, nil
}
