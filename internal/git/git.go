// Package git is the API-mode code indexer's back-end: one client per
// supported host, used to fetch commits, trees, files, and diffs without a
// local checkout.
package git

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"regexp"
	"strings"
	"time"
)

// Provider enumerates the code hosts this package supports.
type Provider string

const (
	ProviderGitHub Provider = "github"
	ProviderGitLab Provider = "gitlab"
)

// ChangeStatus is the per-file status CompareCommits reports.
type ChangeStatus string

const (
	ChangeAdded    ChangeStatus = "added"
	ChangeModified ChangeStatus = "modified"
	ChangeRenamed  ChangeStatus = "renamed"
	ChangeRemoved  ChangeStatus = "removed"
	ChangeDeleted  ChangeStatus = "deleted"
)

// ChangedFile is one entry of a commit comparison.
type ChangedFile struct {
	Path   string
	Status ChangeStatus
}

// Client is the API-mode Git back-end.
type Client struct {
	provider Provider
	owner    string
	repo     string
	branch   string
	token    string
	baseURL  string
	http     *http.Client
}

var repoURLPattern = regexp.MustCompile(`[:/]([\w.-]+)/([\w.-]+?)(?:\.git)?$`)

// New parses (owner, repo) from repositoryURL and constructs a client for
// the given provider. Unsupported providers — including Bitbucket — are
// rejected here rather than surfacing a runtime failure later.
func New(provider Provider, repositoryURL, branch, accessToken string) (*Client, error) {
	var baseURL string
	switch provider {
	case ProviderGitHub:
		baseURL = "https://api.github.com"
	case ProviderGitLab:
		baseURL = "https://gitlab.com/api/v4"
	default:
		return nil, fmt.Errorf("unsupported git provider %q", provider)
	}

	m := repoURLPattern.FindStringSubmatch(repositoryURL)
	if m == nil {
		return nil, fmt.Errorf("cannot parse owner/repo from %q", repositoryURL)
	}

	return &Client{
		provider: provider,
		owner:    m[1],
		repo:     m[2],
		branch:   branch,
		token:    accessToken,
		baseURL:  baseURL,
		http:     &http.Client{},
	}, nil
}

// GetLatestCommit returns the SHA at the head of the configured branch.
func (c *Client) GetLatestCommit(ctx context.Context) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	switch c.provider {
	case ProviderGitHub:
		var out struct {
			SHA string `json:"sha"`
		}
		path := fmt.Sprintf("/repos/%s/%s/commits/%s", c.owner, c.repo, c.branch)
		if err := c.getJSON(ctx, path, &out); err != nil {
			return "", err
		}
		return out.SHA, nil
	default:
		var out []struct {
			ID string `json:"id"`
		}
		path := fmt.Sprintf("/projects/%s/repository/commits?ref_name=%s", projectPath(c.owner, c.repo), c.branch)
		if err := c.getJSON(ctx, path, &out); err != nil {
			return "", err
		}
		if len(out) == 0 {
			return "", fmt.Errorf("no commits found on branch %q", c.branch)
		}
		return out[0].ID, nil
	}
}

// GetRepositoryTree lists every file path in the repository at the
// configured branch.
func (c *Client) GetRepositoryTree(ctx context.Context, recursive bool) ([]string, error) {
	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	switch c.provider {
	case ProviderGitHub:
		var out struct {
			Tree []struct {
				Path string `json:"path"`
				Type string `json:"type"`
			} `json:"tree"`
		}
		recParam := ""
		if recursive {
			recParam = "?recursive=1"
		}
		path := fmt.Sprintf("/repos/%s/%s/git/trees/%s%s", c.owner, c.repo, c.branch, recParam)
		if err := c.getJSON(ctx, path, &out); err != nil {
			return nil, err
		}
		var paths []string
		for _, entry := range out.Tree {
			if entry.Type == "blob" {
				paths = append(paths, entry.Path)
			}
		}
		return paths, nil
	default:
		var out []struct {
			Path string `json:"path"`
			Type string `json:"type"`
		}
		path := fmt.Sprintf("/projects/%s/repository/tree?ref=%s&recursive=%t&per_page=100", projectPath(c.owner, c.repo), c.branch, recursive)
		if err := c.getJSON(ctx, path, &out); err != nil {
			return nil, err
		}
		var paths []string
		for _, entry := range out {
			if entry.Type == "blob" {
				paths = append(paths, entry.Path)
			}
		}
		return paths, nil
	}
}

// GetFileContent fetches and base64-decodes a single file at a ref.
func (c *Client) GetFileContent(ctx context.Context, path, ref string) ([]byte, error) {
	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	switch c.provider {
	case ProviderGitHub:
		var out struct {
			Content string `json:"content"`
		}
		apiPath := fmt.Sprintf("/repos/%s/%s/contents/%s?ref=%s", c.owner, c.repo, path, ref)
		if err := c.getJSON(ctx, apiPath, &out); err != nil {
			return nil, err
		}
		return base64.StdEncoding.DecodeString(strings.ReplaceAll(out.Content, "\n", ""))
	default:
		var out struct {
			Content string `json:"content"`
		}
		apiPath := fmt.Sprintf("/projects/%s/repository/files/%s?ref=%s", projectPath(c.owner, c.repo), pathEscape(path), ref)
		if err := c.getJSON(ctx, apiPath, &out); err != nil {
			return nil, err
		}
		return base64.StdEncoding.DecodeString(out.Content)
	}
}

// CompareCommits returns the changed files between base and head, keeping
// only added/modified/renamed and excluding removed/deleted per contract.
func (c *Client) CompareCommits(ctx context.Context, base, head string) ([]ChangedFile, error) {
	ctx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()

	var raw []ChangedFile
	switch c.provider {
	case ProviderGitHub:
		var out struct {
			Files []struct {
				Filename string `json:"filename"`
				Status   string `json:"status"`
			} `json:"files"`
		}
		path := fmt.Sprintf("/repos/%s/%s/compare/%s...%s", c.owner, c.repo, base, head)
		if err := c.getJSON(ctx, path, &out); err != nil {
			return nil, err
		}
		for _, f := range out.Files {
			raw = append(raw, ChangedFile{Path: f.Filename, Status: ChangeStatus(f.Status)})
		}
	default:
		var out struct {
			Diffs []struct {
				NewPath     string `json:"new_path"`
				NewFile     bool   `json:"new_file"`
				RenamedFile bool   `json:"renamed_file"`
				DeletedFile bool   `json:"deleted_file"`
			} `json:"diffs"`
		}
		path := fmt.Sprintf("/projects/%s/repository/compare?from=%s&to=%s", projectPath(c.owner, c.repo), base, head)
		if err := c.getJSON(ctx, path, &out); err != nil {
			return nil, err
		}
		for _, d := range out.Diffs {
			status := ChangeModified
			switch {
			case d.NewFile:
				status = ChangeAdded
			case d.RenamedFile:
				status = ChangeRenamed
			case d.DeletedFile:
				status = ChangeRemoved
			}
			raw = append(raw, ChangedFile{Path: d.NewPath, Status: status})
		}
	}

	var out []ChangedFile
	for _, f := range raw {
		if f.Status == ChangeRemoved || f.Status == ChangeDeleted {
			continue
		}
		out = append(out, f)
	}
	return out, nil
}

func (c *Client) getJSON(ctx context.Context, path string, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+path, nil)
	if err != nil {
		return err
	}
	c.authorize(req)

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("git api request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		body, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("git api %s returned %d: %s", path, resp.StatusCode, string(body))
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

func (c *Client) authorize(req *http.Request) {
	if c.token == "" {
		return
	}
	switch c.provider {
	case ProviderGitHub:
		req.Header.Set("Authorization", "Bearer "+c.token)
		req.Header.Set("Accept", "application/vnd.github+json")
	case ProviderGitLab:
		req.Header.Set("PRIVATE-TOKEN", c.token)
	}
}

func projectPath(owner, repo string) string {
	return strings.ReplaceAll(owner+"/"+repo, "/", "%2F")
}

func pathEscape(path string) string {
	return strings.ReplaceAll(path, "/", "%2F")
}
