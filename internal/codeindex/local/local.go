// Package local implements the code indexer's local-filesystem back-end:
// it reads from a tree already checked out on disk and never writes to
// Git — pulling the tree up to date is the operator's responsibility.
package local

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"

	"github.com/opslens/sentinel/internal/codeindex"
)

// ErrNotADirectory marks a repo_path that doesn't resolve to a directory
// at construction time.
var ErrNotADirectory = errors.New("git_repo_path does not exist or is not a directory")

// Backend reads candidate files from a tree rooted at repoPath.
type Backend struct {
	repoPath     string
	versionLabel string
}

// New constructs a Backend rooted at repoPath. versionLabel is hashed
// into the commit identity only when the path isn't a Git working copy.
func New(repoPath, versionLabel string) (*Backend, error) {
	info, err := os.Stat(repoPath)
	if err != nil || !info.IsDir() {
		return nil, ErrNotADirectory
	}
	return &Backend{repoPath: repoPath, versionLabel: versionLabel}, nil
}

// CurrentCommitIdentity reads HEAD from the repository if `.git` is
// present, else hashes the operator-supplied version label.
func (b *Backend) CurrentCommitIdentity(ctx context.Context) (string, error) {
	if _, err := os.Stat(filepath.Join(b.repoPath, ".git")); err == nil {
		cmd := exec.CommandContext(ctx, "git", "rev-parse", "HEAD")
		cmd.Dir = b.repoPath
		out, err := cmd.Output()
		if err == nil {
			return strings.TrimSpace(string(out)), nil
		}
	}
	sum := sha256.Sum256([]byte(b.versionLabel))
	return hex.EncodeToString(sum[:]), nil
}

// ListCandidateFiles walks the tree, skipping excluded directories and
// extensions, returning paths relative to repoPath.
func (b *Backend) ListCandidateFiles(ctx context.Context, languages []string) ([]string, error) {
	exts := codeindex.ExtensionsFor(languages)

	var files []string
	err := filepath.Walk(b.repoPath, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		rel, relErr := filepath.Rel(b.repoPath, path)
		if relErr != nil {
			return relErr
		}
		if info.IsDir() {
			if codeindex.ExcludePath(rel) {
				return filepath.SkipDir
			}
			return nil
		}
		if codeindex.ExcludePath(rel) {
			return nil
		}
		if len(exts) > 0 && !exts[strings.ToLower(filepath.Ext(rel))] {
			return nil
		}
		files = append(files, filepath.ToSlash(rel))
		return nil
	})
	return files, err
}

// Open reads one file's bytes relative to repoPath.
func (b *Backend) Open(ctx context.Context, path string) ([]byte, error) {
	return os.ReadFile(filepath.Join(b.repoPath, filepath.FromSlash(path)))
}

// ChangedFilesBetween shells out to `git diff --name-only` when the tree
// is a Git working copy. It returns empty when the tree is not a working
// copy or the diff fails; IndexRepository then re-extracts no files and
// only records the new commit.
func (b *Backend) ChangedFilesBetween(ctx context.Context, oldCommit, newCommit string, languages []string) ([]string, error) {
	if _, err := os.Stat(filepath.Join(b.repoPath, ".git")); err != nil {
		return nil, nil
	}

	cmd := exec.CommandContext(ctx, "git", "diff", "--name-only", fmt.Sprintf("%s..%s", oldCommit, newCommit))
	cmd.Dir = b.repoPath
	out, err := cmd.Output()
	if err != nil {
		return nil, nil
	}

	exts := codeindex.ExtensionsFor(languages)
	var files []string
	for _, line := range strings.Split(strings.TrimSpace(string(out)), "\n") {
		if line == "" || codeindex.ExcludePath(line) {
			continue
		}
		if len(exts) > 0 && !exts[strings.ToLower(filepath.Ext(line))] {
			continue
		}
		if _, err := os.Stat(filepath.Join(b.repoPath, filepath.FromSlash(line))); err != nil {
			continue // deleted since the diff; nothing to re-extract
		}
		files = append(files, line)
	}
	return files, nil
}
