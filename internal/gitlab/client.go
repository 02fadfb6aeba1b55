// Package gitlab provides an HTTP client for the GitLab REST v4 API with
// retry, pagination, and auth support.
package gitlab

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"sync"
	"time"

	"github.com/Overv/gitlabfs/internal/metrics"
	"github.com/Overv/gitlabfs/internal/retry"
)

// perPage is the page size used for all list endpoints.
const perPage = 100

// Client provides access to the GitLab REST v4 API.
type Client struct {
	baseURL     string
	httpClient  *http.Client
	retryConfig retry.Config

	mu       sync.RWMutex
	online   bool
	lastPing time.Time
	token    string
}

// Config holds client configuration.
type Config struct {
	BaseURL     string // e.g. https://gitlab.com
	Token       string // personal access token, optional for public instances
	Timeout     time.Duration
	RetryConfig retry.Config
}

// New creates a new client.
func New(cfg Config) *Client {
	if cfg.Timeout == 0 {
		cfg.Timeout = 30 * time.Second
	}
	if cfg.RetryConfig.MaxAttempts == 0 {
		cfg.RetryConfig = retry.DefaultConfig()
	}

	return &Client{
		baseURL: cfg.BaseURL,
		httpClient: &http.Client{
			Timeout: cfg.Timeout,
			Transport: &http.Transport{
				DialContext: (&net.Dialer{
					Timeout:   10 * time.Second,
					KeepAlive: 30 * time.Second,
				}).DialContext,
				MaxIdleConns:        100,
				IdleConnTimeout:     90 * time.Second,
				TLSHandshakeTimeout: 10 * time.Second,
			},
		},
		retryConfig: cfg.RetryConfig,
		online:      true,
		token:       cfg.Token,
	}
}

// SetToken sets the personal access token for requests.
func (c *Client) SetToken(token string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.token = token
}

// applyAuth adds the auth header to a request if a token is set.
func (c *Client) applyAuth(req *http.Request) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.token != "" {
		req.Header.Set("PRIVATE-TOKEN", c.token)
	}
}

// IsOnline returns true if the server is reachable.
func (c *Client) IsOnline() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.online
}

func (c *Client) setOnline(online bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.online = online
	c.lastPing = time.Now()
}

// Ping checks if the GitLab instance is reachable.
func (c *Client) Ping(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, "GET", c.baseURL+"/api/v4/version", nil)
	if err != nil {
		return err
	}
	c.applyAuth(req)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		c.setOnline(false)
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusUnauthorized {
		c.setOnline(false)
		return fmt.Errorf("gitlab returned %d", resp.StatusCode)
	}

	c.setOnline(true)
	return nil
}

// do performs one request, classifying transport and 5xx failures as
// retryable. The caller owns the response body.
func (c *Client) do(req *http.Request) (*http.Response, error) {
	c.applyAuth(req)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		c.setOnline(false)
		return nil, retry.Retryable(err)
	}

	if resp.StatusCode >= 500 {
		resp.Body.Close()
		c.setOnline(false)
		return nil, retry.Retryable(fmt.Errorf("gitlab server error: %d", resp.StatusCode))
	}
	if resp.StatusCode >= 400 {
		resp.Body.Close()
		return nil, fmt.Errorf("gitlab returned %d for %s", resp.StatusCode, req.URL.Path)
	}

	c.setOnline(true)
	return resp, nil
}

// getJSON fetches a single JSON document.
func (c *Client) getJSON(ctx context.Context, path string, query url.Values, out any) error {
	return retry.Do(ctx, c.retryConfig, func() error {
		u := c.baseURL + path
		if len(query) > 0 {
			u += "?" + query.Encode()
		}
		req, err := http.NewRequestWithContext(ctx, "GET", u, nil)
		if err != nil {
			return err
		}

		resp, err := c.do(req)
		if err != nil {
			return err
		}
		defer resp.Body.Close()

		return decodeJSON(resp.Body, out)
	})
}

// listPages fetches every page of a list endpoint, following the
// X-Next-Page header.
func listPages[T any](ctx context.Context, c *Client, path string, query url.Values) ([]T, error) {
	var all []T

	page := "1"
	for page != "" {
		q := url.Values{}
		for k, v := range query {
			q[k] = v
		}
		q.Set("per_page", strconv.Itoa(perPage))
		q.Set("page", page)

		var items []T
		var next string
		err := retry.Do(ctx, c.retryConfig, func() error {
			req, err := http.NewRequestWithContext(ctx, "GET", c.baseURL+path+"?"+q.Encode(), nil)
			if err != nil {
				return err
			}

			resp, err := c.do(req)
			if err != nil {
				return err
			}
			defer resp.Body.Close()

			items = items[:0]
			if err := decodeJSON(resp.Body, &items); err != nil {
				return err
			}
			next = resp.Header.Get("X-Next-Page")
			return nil
		})
		if err != nil {
			return nil, err
		}

		all = append(all, items...)
		page = next
	}

	return all, nil
}

// ListProjects lists all projects visible to the token.
func (c *Client) ListProjects(ctx context.Context) ([]Project, error) {
	start := time.Now()
	projects, err := listPages[Project](ctx, c, "/api/v4/projects", url.Values{"simple": {"true"}})
	metrics.RecordAPIRequest("list_projects", time.Since(start), err == nil)
	if err != nil {
		return nil, fmt.Errorf("list projects: %w", err)
	}
	return projects, nil
}

// ListGroups lists all groups and subgroups visible to the token.
func (c *Client) ListGroups(ctx context.Context) ([]Group, error) {
	start := time.Now()
	groups, err := listPages[Group](ctx, c, "/api/v4/groups", nil)
	metrics.RecordAPIRequest("list_groups", time.Since(start), err == nil)
	if err != nil {
		return nil, fmt.Errorf("list groups: %w", err)
	}
	return groups, nil
}

// ListUsers lists all users visible to the token.
func (c *Client) ListUsers(ctx context.Context) ([]User, error) {
	start := time.Now()
	users, err := listPages[User](ctx, c, "/api/v4/users", nil)
	metrics.RecordAPIRequest("list_users", time.Since(start), err == nil)
	if err != nil {
		return nil, fmt.Errorf("list users: %w", err)
	}
	return users, nil
}

// ListBranches lists all branches of a project as refs.
func (c *Client) ListBranches(ctx context.Context, projectID int) ([]Ref, error) {
	start := time.Now()
	path := fmt.Sprintf("/api/v4/projects/%d/repository/branches", projectID)
	branches, err := listPages[branch](ctx, c, path, nil)
	metrics.RecordAPIRequest("list_branches", time.Since(start), err == nil)
	if err != nil {
		return nil, fmt.Errorf("list branches: %w", err)
	}

	refs := make([]Ref, 0, len(branches))
	for _, b := range branches {
		refs = append(refs, Ref{Name: b.Name, CommittedAt: b.Commit.CommittedDate})
	}
	return refs, nil
}

// ListTags lists all tags of a project as refs.
func (c *Client) ListTags(ctx context.Context, projectID int) ([]Ref, error) {
	start := time.Now()
	path := fmt.Sprintf("/api/v4/projects/%d/repository/tags", projectID)
	tags, err := listPages[tag](ctx, c, path, nil)
	metrics.RecordAPIRequest("list_tags", time.Since(start), err == nil)
	if err != nil {
		return nil, fmt.Errorf("list tags: %w", err)
	}

	refs := make([]Ref, 0, len(tags))
	for _, t := range tags {
		refs = append(refs, Ref{Name: t.Name, CommittedAt: t.Commit.CommittedDate})
	}
	return refs, nil
}

// HeadFile issues a metadata-only request for a repository file. The size
// and last commit come back as response headers, so no content is
// transferred.
func (c *Client) HeadFile(ctx context.Context, projectID int, ref, path string) (FileMetadata, error) {
	start := time.Now()
	var meta FileMetadata

	err := retry.Do(ctx, c.retryConfig, func() error {
		u := fmt.Sprintf("%s/api/v4/projects/%d/repository/files/%s?ref=%s",
			c.baseURL, projectID, url.PathEscape(path), url.QueryEscape(ref))
		req, err := http.NewRequestWithContext(ctx, "HEAD", u, nil)
		if err != nil {
			return err
		}

		resp, err := c.do(req)
		if err != nil {
			return err
		}
		defer resp.Body.Close()

		size, err := strconv.ParseInt(resp.Header.Get("X-Gitlab-Size"), 10, 64)
		if err != nil {
			return fmt.Errorf("parse X-Gitlab-Size: %w", err)
		}

		meta = FileMetadata{
			Size:         size,
			LastCommitID: resp.Header.Get("X-Gitlab-Last-Commit-Id"),
		}
		return nil
	})
	metrics.RecordAPIRequest("head_file", time.Since(start), err == nil)
	if err != nil {
		return FileMetadata{}, fmt.Errorf("head file %s: %w", path, err)
	}
	return meta, nil
}

// GetCommit fetches a single commit by SHA.
func (c *Client) GetCommit(ctx context.Context, projectID int, sha string) (Commit, error) {
	start := time.Now()
	var commit Commit
	path := fmt.Sprintf("/api/v4/projects/%d/repository/commits/%s", projectID, url.PathEscape(sha))
	err := c.getJSON(ctx, path, nil, &commit)
	metrics.RecordAPIRequest("get_commit", time.Since(start), err == nil)
	if err != nil {
		return Commit{}, fmt.Errorf("get commit %s: %w", sha, err)
	}
	return commit, nil
}

// ListTree lists the immediate entries of one repository directory.
func (c *Client) ListTree(ctx context.Context, projectID int, ref, dir string) ([]TreeEntry, error) {
	start := time.Now()
	path := fmt.Sprintf("/api/v4/projects/%d/repository/tree", projectID)
	query := url.Values{"ref": {ref}}
	if dir != "" {
		query.Set("path", dir)
	}
	entries, err := listPages[TreeEntry](ctx, c, path, query)
	metrics.RecordAPIRequest("list_tree", time.Since(start), err == nil)
	if err != nil {
		return nil, fmt.Errorf("list tree %s: %w", dir, err)
	}
	return entries, nil
}

// ReadFile fetches the entire raw contents of a repository file. The API
// serves no byte ranges, so this is always the whole file.
func (c *Client) ReadFile(ctx context.Context, projectID int, ref, path string) ([]byte, error) {
	start := time.Now()
	var contents []byte

	err := retry.Do(ctx, c.retryConfig, func() error {
		u := fmt.Sprintf("%s/api/v4/projects/%d/repository/files/%s/raw?ref=%s",
			c.baseURL, projectID, url.PathEscape(path), url.QueryEscape(ref))
		req, err := http.NewRequestWithContext(ctx, "GET", u, nil)
		if err != nil {
			return err
		}

		resp, err := c.do(req)
		if err != nil {
			return err
		}
		defer resp.Body.Close()

		contents, err = io.ReadAll(resp.Body)
		return err
	})
	metrics.RecordAPIRequest("read_file", time.Since(start), err == nil)
	if err != nil {
		return nil, fmt.Errorf("read file %s: %w", path, err)
	}

	metrics.RecordContentDownload(int64(len(contents)))
	return contents, nil
}

func decodeJSON(r io.Reader, out any) error {
	return json.NewDecoder(r).Decode(out)
}
