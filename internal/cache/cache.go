// Package cache memoizes GitLab API responses with bounded staleness.
//
// Filesystem access patterns query the same things again and again: path
// resolution walks the namespace tree on every lookup, and the kernel
// reads file contents chunk by chunk while the API only serves whole
// files. Each remote operation therefore gets its own TTL-bounded cache
// table, and concurrent misses for the same key collapse into a single
// in-flight request. The trade-off is a view of GitLab that can lag by
// up to one TTL.
package cache

import (
	"context"
	"fmt"
	"strconv"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/Overv/gitlabfs/internal/gitlab"
	"github.com/Overv/gitlabfs/internal/logging"
	"github.com/Overv/gitlabfs/internal/metrics"
)

// API is the subset of the GitLab client the cache consumes.
type API interface {
	ListProjects(ctx context.Context) ([]gitlab.Project, error)
	ListGroups(ctx context.Context) ([]gitlab.Group, error)
	ListUsers(ctx context.Context) ([]gitlab.User, error)
	ListBranches(ctx context.Context, projectID int) ([]gitlab.Ref, error)
	ListTags(ctx context.Context, projectID int) ([]gitlab.Ref, error)
	HeadFile(ctx context.Context, projectID int, ref, path string) (gitlab.FileMetadata, error)
	GetCommit(ctx context.Context, projectID int, sha string) (gitlab.Commit, error)
	ListTree(ctx context.Context, projectID int, ref, dir string) ([]gitlab.TreeEntry, error)
	ReadFile(ctx context.Context, projectID int, ref, path string) ([]byte, error)
}

// Options holds cache configuration.
type Options struct {
	TTL        time.Duration // expiry for all cache tables
	ExpireTree bool          // when false, the namespace tree never expires

	RefCapacity      int // ref list cache entries
	MetadataCapacity int // file metadata / commit time cache entries
	ListingCapacity  int // repository directory listing cache entries
	ContentCapacity  int // whole-file content cache entries

	Now func() time.Time // injected clock, defaults to time.Now
}

// Cache exposes GitLab API operations with cached responses. Safe for
// concurrent use.
type Cache struct {
	api        API
	ttl        time.Duration
	expireTree bool
	now        func() time.Time

	treeSF    singleflight.Group
	treeMu    sync.RWMutex
	tree      *Tree
	treeUsers bool

	refs     *table[[]gitlab.Ref]
	meta     *table[gitlab.FileMetadata]
	commits  *table[time.Time]
	listings *table[[]gitlab.TreeEntry]
	contents *table[[]byte]
}

// New creates a cache in front of the given API client.
func New(api API, opts Options) *Cache {
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.RefCapacity <= 0 {
		opts.RefCapacity = 128
	}
	if opts.MetadataCapacity <= 0 {
		opts.MetadataCapacity = 128
	}
	if opts.ListingCapacity <= 0 {
		opts.ListingCapacity = 128
	}
	if opts.ContentCapacity <= 0 {
		opts.ContentCapacity = 32
	}

	return &Cache{
		api:        api,
		ttl:        opts.TTL,
		expireTree: opts.ExpireTree,
		now:        opts.Now,
		refs:       newTable[[]gitlab.Ref]("refs", opts.RefCapacity, opts.TTL, opts.Now),
		meta:       newTable[gitlab.FileMetadata]("metadata", opts.MetadataCapacity, opts.TTL, opts.Now),
		commits:    newTable[time.Time]("commit_time", opts.MetadataCapacity, opts.TTL, opts.Now),
		listings:   newTable[[]gitlab.TreeEntry]("listing", opts.ListingCapacity, opts.TTL, opts.Now),
		contents:   newTable[[]byte]("content", opts.ContentCapacity, opts.TTL, opts.Now),
	}
}

// Tree returns the whole-namespace index, rebuilding it when the cached
// one has expired. A rebuild replaces the previous tree atomically:
// concurrent readers see either the fully-old or fully-new tree.
func (c *Cache) Tree(ctx context.Context, includeUsers bool) (*Tree, error) {
	if t := c.freshTree(includeUsers); t != nil {
		metrics.RecordCacheHit("tree")
		return t, nil
	}
	metrics.RecordCacheMiss("tree")

	v, err, _ := c.treeSF.Do(strconv.FormatBool(includeUsers), func() (interface{}, error) {
		if t := c.freshTree(includeUsers); t != nil {
			return t, nil
		}

		t, err := c.buildTree(ctx, includeUsers)
		if err != nil {
			return nil, err
		}

		c.treeMu.Lock()
		c.tree = t
		c.treeUsers = includeUsers
		c.treeMu.Unlock()
		return t, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(*Tree), nil
}

// freshTree returns the cached tree if it is still valid for the given
// includeUsers setting, or nil.
func (c *Cache) freshTree(includeUsers bool) *Tree {
	c.treeMu.RLock()
	defer c.treeMu.RUnlock()

	if c.tree == nil || c.treeUsers != includeUsers {
		return nil
	}
	if c.expireTree && !c.now().Before(c.tree.BuiltAt.Add(c.ttl)) {
		return nil
	}
	return c.tree
}

// buildTree lists all projects, groups, and optionally users, and indexes
// them by filesystem path. Groups and users appear only when at least one
// project path lies strictly below them; projects are always included.
func (c *Cache) buildTree(ctx context.Context, includeUsers bool) (*Tree, error) {
	start := c.now()
	tree := &Tree{Nodes: make(map[string]Node)}

	projects, err := c.api.ListProjects(ctx)
	if err != nil {
		return nil, err
	}
	for _, p := range projects {
		tree.Nodes["/"+p.PathWithNamespace] = Node{Kind: NodeProject, Project: p}
	}

	groups, err := c.api.ListGroups(ctx)
	if err != nil {
		return nil, err
	}
	for _, g := range groups {
		if tree.HasStrictDescendant("/" + g.FullPath) {
			tree.Nodes["/"+g.FullPath] = Node{Kind: NodeGroup, Group: g}
		}
	}

	if includeUsers {
		users, err := c.api.ListUsers(ctx)
		if err != nil {
			return nil, err
		}
		for _, u := range users {
			if tree.HasStrictDescendant("/" + u.Username) {
				tree.Nodes["/"+u.Username] = Node{Kind: NodeUser, User: u}
			}
		}
	}

	tree.BuiltAt = c.now()
	metrics.RecordTreeRebuild(c.now().Sub(start), len(tree.Nodes))
	logging.Debug("namespace tree rebuilt",
		logging.Int("entries", len(tree.Nodes)),
		logging.Int("projects", len(projects)))
	return tree, nil
}

// Refs returns all branches, plus tags when requested, of one project.
func (c *Cache) Refs(ctx context.Context, projectID int, includeTags bool) ([]gitlab.Ref, error) {
	key := fmt.Sprintf("%d:%t", projectID, includeTags)
	return c.refs.get(key, func() ([]gitlab.Ref, error) {
		refs, err := c.api.ListBranches(ctx, projectID)
		if err != nil {
			return nil, err
		}
		if includeTags {
			tags, err := c.api.ListTags(ctx, projectID)
			if err != nil {
				return nil, err
			}
			refs = append(refs, tags...)
		}
		return refs, nil
	})
}

// FileMetadata returns the metadata headers of one repository file.
func (c *Cache) FileMetadata(ctx context.Context, projectID int, ref, path string) (gitlab.FileMetadata, error) {
	key := fmt.Sprintf("%d:%s:%s", projectID, ref, path)
	return c.meta.get(key, func() (gitlab.FileMetadata, error) {
		return c.api.HeadFile(ctx, projectID, ref, path)
	})
}

// FileSize returns the size of one repository file in bytes. Not cached
// separately; it rides on the metadata cache.
func (c *Cache) FileSize(ctx context.Context, projectID int, ref, path string) (int64, error) {
	meta, err := c.FileMetadata(ctx, projectID, ref, path)
	if err != nil {
		return 0, err
	}
	return meta.Size, nil
}

// FileCommitTime returns the timestamp of the commit that last touched a
// file, resolved via one extra commit lookup.
func (c *Cache) FileCommitTime(ctx context.Context, projectID int, ref, path string) (time.Time, error) {
	key := fmt.Sprintf("%d:%s:%s", projectID, ref, path)
	return c.commits.get(key, func() (time.Time, error) {
		meta, err := c.FileMetadata(ctx, projectID, ref, path)
		if err != nil {
			return time.Time{}, err
		}
		commit, err := c.api.GetCommit(ctx, projectID, meta.LastCommitID)
		if err != nil {
			return time.Time{}, err
		}
		return commit.CreatedAt, nil
	})
}

// RepositoryTree lists the immediate entries of one repository directory.
func (c *Cache) RepositoryTree(ctx context.Context, projectID int, ref, dir string) ([]gitlab.TreeEntry, error) {
	key := fmt.Sprintf("%d:%s:%s", projectID, ref, dir)
	return c.listings.get(key, func() ([]gitlab.TreeEntry, error) {
		return c.api.ListTree(ctx, projectID, ref, dir)
	})
}

// ReadFile returns the entire contents of one repository file. This is
// deliberately the most aggressively cached operation: the API serves no
// byte ranges while the kernel reads files as many small chunks.
func (c *Cache) ReadFile(ctx context.Context, projectID int, ref, path string) ([]byte, error) {
	key := fmt.Sprintf("%d:%s:%s", projectID, ref, path)
	return c.contents.get(key, func() ([]byte, error) {
		return c.api.ReadFile(ctx, projectID, ref, path)
	})
}
