package storage

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"path"
	"strings"
	"time"

	"github.com/mzekb/mze-storage/interfaces"
)

// DefaultGitHubAPI is the public GitHub REST endpoint.
const DefaultGitHubAPI = "https://api.github.com"

// GitHubBackend is a read-only blob backend serving payloads committed to a
// repository as <dir>/<content id>, for example an exported archive. It is
// meant as a fallback behind a writable backend.
type GitHubBackend struct {
	apiBase     string
	owner       string
	repo        string
	dir         string
	ref         string
	client      *http.Client
	log         *slog.Logger
	locationURI string
}

// GitHubContent is the subset of the contents API response we use.
type GitHubContent struct {
	Content  string `json:"content"`
	Encoding string `json:"encoding"`
	SHA      string `json:"sha"`
	Size     int    `json:"size"`
}

// NewGitHubBackend creates a GitHub blob backend. An empty apiBase uses
// DefaultGitHubAPI; an empty ref uses the default branch.
func NewGitHubBackend(apiBase, owner, repo, dir, ref string, log *slog.Logger) *GitHubBackend {
	if apiBase == "" {
		apiBase = DefaultGitHubAPI
	}
	locationURI := fmt.Sprintf("github://%s/%s/%s", owner, repo, strings.Trim(dir, "/"))
	if ref != "" {
		locationURI += "?ref=" + url.QueryEscape(ref)
	}
	return &GitHubBackend{
		apiBase:     strings.TrimSuffix(apiBase, "/"),
		owner:       owner,
		repo:        repo,
		dir:         strings.Trim(dir, "/"),
		ref:         ref,
		client:      &http.Client{Timeout: 30 * time.Second},
		log:         log,
		locationURI: locationURI,
	}
}

// Fetch downloads a blob through the contents API.
func (b *GitHubBackend) Fetch(ctx context.Context, id interfaces.ContentID) ([]byte, error) {
	content, err := b.fetchContent(ctx, path.Join(b.dir, id.String()))
	if err != nil {
		return nil, err
	}

	if content.Encoding != "base64" {
		return nil, fmt.Errorf("unexpected content encoding: %s", content.Encoding)
	}

	data, err := base64.StdEncoding.DecodeString(strings.ReplaceAll(content.Content, "\n", ""))
	if err != nil {
		return nil, fmt.Errorf("failed to decode content: %w", err)
	}

	if actual := interfaces.ComputeID(data); !actual.Equal(id) {
		b.log.Warn("Content hash mismatch",
			slog.String("expected", id.String()),
			slog.String("actual", actual.String()))
		return nil, fmt.Errorf("content hash mismatch")
	}

	b.log.Debug("Fetched blob from GitHub",
		slog.String("gitSHA", content.SHA),
		slog.Int("size", len(data)))

	return data, nil
}

// Store always fails; the backend is read-only.
func (b *GitHubBackend) Store(ctx context.Context, data []byte) (interfaces.ContentID, error) {
	return interfaces.ComputeID(data), fmt.Errorf("GitHub backend is read-only")
}

// Available checks that the repository can be reached.
func (b *GitHubBackend) Available(ctx context.Context) bool {
	u := fmt.Sprintf("%s/repos/%s/%s", b.apiBase, b.owner, b.repo)

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		b.log.Debug("Failed to create request", "err", err)
		return false
	}
	req.Header.Set("Accept", "application/vnd.github.v3+json")

	resp, err := b.client.Do(req)
	if err != nil {
		b.log.Debug("GitHub backend unavailable", "err", err)
		return false
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		b.log.Debug("GitHub backend unavailable", slog.String("status", resp.Status))
		return false
	}

	return true
}

// Name returns a unique identifier for this storage backend.
func (b *GitHubBackend) Name() string {
	return fmt.Sprintf("github-%s-%s", b.owner, b.repo)
}

// LocationURI returns the URI that identifies this storage backend.
func (b *GitHubBackend) LocationURI() string {
	return b.locationURI
}

func (b *GitHubBackend) fetchContent(ctx context.Context, p string) (*GitHubContent, error) {
	u := fmt.Sprintf("%s/repos/%s/%s/contents/%s", b.apiBase, b.owner, b.repo, p)
	if b.ref != "" {
		u += "?ref=" + url.QueryEscape(b.ref)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Accept", "application/vnd.github.v3+json")

	resp, err := b.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", interfaces.ErrBackendUnavailable, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		return nil, fmt.Errorf("%w: %s", interfaces.ErrNotFound, p)
	}

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return nil, fmt.Errorf("GitHub API error: %s, %s", resp.Status, string(body))
	}

	var content GitHubContent
	if err := json.NewDecoder(resp.Body).Decode(&content); err != nil {
		return nil, fmt.Errorf("failed to decode content: %w", err)
	}

	return &content, nil
}
