// Package gitapi implements the code indexer's API back-end: it reads a
// service's tree through the Git-API client rather than a local checkout,
// fetching commit identity fresh from the remote on every call.
package gitapi

import (
	"context"
	"strings"

	"github.com/opslens/sentinel/internal/codeindex"
	"github.com/opslens/sentinel/internal/git"
)

// treeAndContent is the narrow surface this back-end needs from a Git
// client, letting tests supply a fake instead of hitting a real host.
type treeAndContent interface {
	GetLatestCommit(ctx context.Context) (string, error)
	GetRepositoryTree(ctx context.Context, recursive bool) ([]string, error)
	GetFileContent(ctx context.Context, path, ref string) ([]byte, error)
	CompareCommits(ctx context.Context, base, head string) ([]git.ChangedFile, error)
}

// Backend reads candidate files through a remote Git provider API.
type Backend struct {
	client treeAndContent
	branch string
}

// New wraps an existing Git-API client. branch is the ref resolved for
// file content reads.
func New(client treeAndContent, branch string) *Backend {
	return &Backend{client: client, branch: branch}
}

// CurrentCommitIdentity always fetches the branch tip from the remote.
func (b *Backend) CurrentCommitIdentity(ctx context.Context) (string, error) {
	return b.client.GetLatestCommit(ctx)
}

// ListCandidateFiles lists the full repository tree, filtered by
// exclusion rules and configured languages.
func (b *Backend) ListCandidateFiles(ctx context.Context, languages []string) ([]string, error) {
	tree, err := b.client.GetRepositoryTree(ctx, true)
	if err != nil {
		return nil, err
	}

	exts := codeindex.ExtensionsFor(languages)
	var files []string
	for _, path := range tree {
		if codeindex.ExcludePath(path) {
			continue
		}
		if len(exts) > 0 && !exts[extOf(path)] {
			continue
		}
		files = append(files, path)
	}
	return files, nil
}

// Open fetches one file's content at the configured branch.
func (b *Backend) Open(ctx context.Context, path string) ([]byte, error) {
	return b.client.GetFileContent(ctx, path, b.branch)
}

// ChangedFilesBetween compares two commits via the provider's compare
// endpoint, excluding removed/deleted files (already filtered by the
// Git-API client) and applying the same path/extension rules.
func (b *Backend) ChangedFilesBetween(ctx context.Context, oldCommit, newCommit string, languages []string) ([]string, error) {
	changes, err := b.client.CompareCommits(ctx, oldCommit, newCommit)
	if err != nil {
		return nil, nil
	}

	exts := codeindex.ExtensionsFor(languages)
	var files []string
	for _, c := range changes {
		if codeindex.ExcludePath(c.Path) {
			continue
		}
		if len(exts) > 0 && !exts[extOf(c.Path)] {
			continue
		}
		files = append(files, c.Path)
	}
	return files, nil
}

func extOf(path string) string {
	i := strings.LastIndexByte(path, '.')
	if i < 0 {
		return ""
	}
	return strings.ToLower(path[i:])
}
