// Package resolve maps filesystem paths onto GitLab objects.
//
// The namespace looks like the following:
//
//	/group
//	    /subgroup
//	        /project
//	            /master
//	                /README.md
//	            /feature
//	                /abc
//	                    /src
//	                        main.go
//	/user
//	    /project
//
// Every lookup runs a fixed sequence of resolution strategies against the
// cache layer; the first strategy that matches wins.
package resolve

import (
	"context"
	"errors"
	gopath "path"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/Overv/gitlabfs/internal/cache"
	"github.com/Overv/gitlabfs/internal/gitlab"
	"github.com/Overv/gitlabfs/internal/metrics"
)

// Options holds resolver configuration.
type Options struct {
	UserProjects bool // include users and their projects in the namespace
	TagRefs      bool // include tags alongside branches as refs
	CommitTimes  bool // approximate file times by their last commit (slower)

	// StartTime stamps entities without a remote timestamp (the root,
	// groups, users). Zero means the resolver's construction time.
	StartTime time.Time
}

// Resolver resolves filesystem paths to GitLab entities. All remote
// access goes through the cache layer; the resolver itself is stateless
// per call and safe for concurrent use.
type Resolver struct {
	cache     *cache.Cache
	opts      Options
	startTime time.Time
}

// New creates a resolver on top of the given cache.
func New(c *cache.Cache, opts Options) *Resolver {
	start := opts.StartTime
	if start.IsZero() {
		start = time.Now()
	}
	return &Resolver{cache: c, opts: opts, startTime: start}
}

// Resolve maps a filesystem path to an entity, or ErrNotFound.
func (r *Resolver) Resolve(ctx context.Context, path string) (*Entity, error) {
	entity, err := r.resolve(ctx, path)
	switch {
	case err == nil:
		metrics.RecordResolve("hit")
	case errors.Is(err, ErrNotFound):
		metrics.RecordResolve("notfound")
	default:
		metrics.RecordResolve("error")
	}
	return entity, err
}

func (r *Resolver) resolve(ctx context.Context, path string) (*Entity, error) {
	if !strings.HasPrefix(path, "/") {
		return nil, ErrNotFound
	}
	if path != "/" {
		path = strings.TrimSuffix(path, "/")
	}

	strategies := []func(context.Context, string) (*Entity, error){
		r.resolveRoot,
		r.resolveTree,
		r.resolveRef,
		r.resolveRefHierarchy,
		r.resolveRepositoryEntry,
	}

	for _, strategy := range strategies {
		entity, err := strategy(ctx, path)
		if err != nil {
			return nil, err
		}
		if entity != nil {
			return entity, nil
		}
	}

	return nil, ErrNotFound
}

// resolveRoot matches the filesystem root.
func (r *Resolver) resolveRoot(_ context.Context, path string) (*Entity, error) {
	if path != "/" {
		return nil, nil
	}
	return &Entity{
		Kind: KindRoot,
		Path: path,
		Attr: dirAttr(r.startTime),
	}, nil
}

// resolveTree matches the exact path of a group, user, or project.
func (r *Resolver) resolveTree(ctx context.Context, path string) (*Entity, error) {
	tree, err := r.cache.Tree(ctx, r.opts.UserProjects)
	if err != nil {
		return nil, err
	}

	node, ok := tree.Lookup(path)
	if !ok {
		return nil, nil
	}

	switch node.Kind {
	case cache.NodeGroup:
		// The groups API exposes no creation time.
		return &Entity{
			Kind: KindGroup,
			Path: path,
			Attr: dirAttr(r.startTime),
		}, nil
	case cache.NodeUser:
		// Neither does the users API.
		return &Entity{
			Kind: KindUser,
			Path: path,
			Attr: dirAttr(r.startTime),
		}, nil
	case cache.NodeProject:
		project := node.Project
		return &Entity{
			Kind: KindProject,
			Path: path,
			Attr: dirAttr(project.LastActivityAt),
			Refs: Refs{Project: &project},
		}, nil
	default:
		return nil, nil
	}
}

// projectPrefix finds the project whose path prefixes the requested path
// and returns the remainder relative to the project ("." when equal).
// When several project paths could prefix-match, the longest one wins.
func (r *Resolver) projectPrefix(ctx context.Context, path string) (*gitlab.Project, string, error) {
	tree, err := r.cache.Tree(ctx, r.opts.UserProjects)
	if err != nil {
		return nil, "", err
	}

	var bestPath string
	var best gitlab.Project
	found := false

	for nodePath, node := range tree.Nodes {
		if node.Kind != cache.NodeProject {
			continue
		}
		if path != nodePath && !strings.HasPrefix(path, nodePath+"/") {
			continue
		}
		if !found || len(nodePath) > len(bestPath) {
			bestPath = nodePath
			best = node.Project
			found = true
		}
	}

	if !found {
		return nil, "", nil
	}
	if path == bestPath {
		return &best, ".", nil
	}
	return &best, path[len(bestPath)+1:], nil
}

// refPrefix matches the remainder of a project path against the
// project's refs and returns the matched ref and the path relative to it
// ("." for the ref root). Longer ref names win over shorter ones so that
// a branch "feature/abc" shadows a branch "feature".
func (r *Resolver) refPrefix(ctx context.Context, project *gitlab.Project, remainder string) (*gitlab.Ref, string, error) {
	refs, err := r.cache.Refs(ctx, project.ID, r.opts.TagRefs)
	if err != nil {
		return nil, "", err
	}

	var best *gitlab.Ref
	var bestPath string

	for i := range refs {
		ref := refs[i]

		var treePath string
		switch {
		case remainder == ref.Name:
			treePath = "."
		case strings.HasPrefix(remainder, ref.Name+"/"):
			treePath = remainder[len(ref.Name)+1:]
		default:
			continue
		}

		if best == nil || len(ref.Name) > len(best.Name) {
			best = &ref
			bestPath = treePath
		}
	}

	return best, bestPath, nil
}

// resolveRef matches the root directory of a ref.
func (r *Resolver) resolveRef(ctx context.Context, path string) (*Entity, error) {
	project, remainder, err := r.projectPrefix(ctx, path)
	if err != nil {
		return nil, err
	}
	if project == nil || remainder == "." {
		return nil, nil
	}

	ref, treePath, err := r.refPrefix(ctx, project, remainder)
	if err != nil {
		return nil, err
	}
	if ref == nil || treePath != "." {
		return nil, nil
	}

	return &Entity{
		Kind: KindDirectory,
		Path: path,
		Attr: dirAttr(ref.CommittedAt),
		Refs: Refs{Project: project, Ref: ref},
	}, nil
}

// resolveRefHierarchy matches a level within a hierarchical ref, e.g.
// the "feature" directory for a branch "feature/abc". Of all refs under
// the prefix, the most recently committed one stamps the directory; on a
// timestamp tie the first match is kept.
func (r *Resolver) resolveRefHierarchy(ctx context.Context, path string) (*Entity, error) {
	project, remainder, err := r.projectPrefix(ctx, path)
	if err != nil {
		return nil, err
	}
	if project == nil || remainder == "." {
		return nil, nil
	}

	prefix := remainder + "/"

	refs, err := r.cache.Refs(ctx, project.ID, r.opts.TagRefs)
	if err != nil {
		return nil, err
	}

	var best *gitlab.Ref
	for i := range refs {
		ref := refs[i]
		if !strings.HasPrefix(ref.Name, prefix) {
			continue
		}
		if best == nil || ref.CommittedAt.After(best.CommittedAt) {
			best = &ref
		}
	}
	if best == nil {
		return nil, nil
	}

	return &Entity{
		Kind: KindRefLevel,
		Path: path,
		Attr: dirAttr(best.CommittedAt),
		Refs: Refs{Project: project, Ref: best, RefPrefix: prefix},
	}, nil
}

// entryProperties looks up the tree entry for a repository path by
// listing its parent directory. Listing the parent is the only way the
// API exposes metadata for non-file objects like directories.
func (r *Resolver) entryProperties(ctx context.Context, project *gitlab.Project, ref *gitlab.Ref, treePath string) (*gitlab.TreeEntry, error) {
	parent := gopath.Dir(treePath)
	if parent == "." {
		parent = ""
	}
	name := gopath.Base(treePath)

	entries, err := r.cache.RepositoryTree(ctx, project.ID, ref.Name, parent)
	if err != nil {
		return nil, err
	}

	for i := range entries {
		if entries[i].Name == name {
			return &entries[i], nil
		}
	}
	return nil, nil
}

// resolveRepositoryEntry matches a file or directory inside a ref.
func (r *Resolver) resolveRepositoryEntry(ctx context.Context, path string) (*Entity, error) {
	project, remainder, err := r.projectPrefix(ctx, path)
	if err != nil {
		return nil, err
	}
	if project == nil || remainder == "." {
		return nil, nil
	}

	ref, treePath, err := r.refPrefix(ctx, project, remainder)
	if err != nil {
		return nil, err
	}
	if ref == nil || treePath == "." {
		return nil, nil
	}

	entry, err := r.entryProperties(ctx, project, ref, treePath)
	if err != nil {
		return nil, err
	}
	if entry == nil {
		return nil, nil
	}

	switch entry.Type {
	case gitlab.EntryTypeBlob:
		size, err := r.cache.FileSize(ctx, project.ID, ref.Name, treePath)
		if err != nil {
			return nil, err
		}

		// Approximate entry age by the last commit to the containing
		// ref, or by the file's own last commit when configured.
		mtime := ref.CommittedAt
		if r.opts.CommitTimes {
			mtime, err = r.cache.FileCommitTime(ctx, project.ID, ref.Name, treePath)
			if err != nil {
				return nil, err
			}
		}

		return &Entity{
			Kind: KindFile,
			Path: path,
			Attr: fileAttr(modePerm(entry.Mode), mtime, size),
			Refs: Refs{Project: project, Ref: ref, Entry: entry},
		}, nil
	case gitlab.EntryTypeTree:
		return &Entity{
			Kind: KindDirectory,
			Path: path,
			Attr: dirAttr(ref.CommittedAt),
			Refs: Refs{Project: project, Ref: ref, Entry: entry},
		}, nil
	default:
		return nil, nil
	}
}

// List returns the member names of a directory entity, dispatched by
// entity kind. Listing a file yields ErrNotDirectory.
func (r *Resolver) List(ctx context.Context, entity *Entity) ([]string, error) {
	switch entity.Kind {
	case KindRoot, KindGroup, KindUser:
		return r.listTreeChildren(ctx, entity)
	case KindProject:
		return r.listProjectRefs(ctx, entity)
	case KindRefLevel:
		return r.listRefHierarchy(ctx, entity)
	case KindDirectory:
		return r.listRepositoryDir(ctx, entity)
	default:
		return nil, ErrNotDirectory
	}
}

// listTreeChildren lists the tree entries exactly one path segment below
// the entity.
func (r *Resolver) listTreeChildren(ctx context.Context, entity *Entity) ([]string, error) {
	tree, err := r.cache.Tree(ctx, r.opts.UserProjects)
	if err != nil {
		return nil, err
	}

	base := entity.Path + "/"
	if entity.Path == "/" {
		base = "/"
	}

	var names []string
	for nodePath, node := range tree.Nodes {
		if !strings.HasPrefix(nodePath, base) {
			continue
		}
		if rest := nodePath[len(base):]; rest == "" || strings.Contains(rest, "/") {
			continue
		}
		names = append(names, node.Name())
	}

	sort.Strings(names)
	return names, nil
}

// listProjectRefs lists the first level of a project's refs. A project
// with branches "master", "feature/abc" and "feature/def" lists as
// {"feature", "master"}.
func (r *Resolver) listProjectRefs(ctx context.Context, entity *Entity) ([]string, error) {
	refs, err := r.cache.Refs(ctx, entity.Refs.Project.ID, r.opts.TagRefs)
	if err != nil {
		return nil, err
	}

	var names []string
	seen := make(map[string]bool)
	for _, ref := range refs {
		segment, _, _ := strings.Cut(ref.Name, "/")
		if !seen[segment] {
			seen[segment] = true
			names = append(names, segment)
		}
	}

	sort.Strings(names)
	return names, nil
}

// listRefHierarchy lists the next level below a hierarchical ref prefix.
// With branches "feature/abc" and "feature/foo/bar", the "feature" level
// lists as {"abc", "foo"}.
func (r *Resolver) listRefHierarchy(ctx context.Context, entity *Entity) ([]string, error) {
	refs, err := r.cache.Refs(ctx, entity.Refs.Project.ID, r.opts.TagRefs)
	if err != nil {
		return nil, err
	}

	var names []string
	seen := make(map[string]bool)
	for _, ref := range refs {
		if !strings.HasPrefix(ref.Name, entity.Refs.RefPrefix) {
			continue
		}
		segment, _, _ := strings.Cut(ref.Name[len(entity.Refs.RefPrefix):], "/")
		if segment != "" && !seen[segment] {
			seen[segment] = true
			names = append(names, segment)
		}
	}

	sort.Strings(names)
	return names, nil
}

// listRepositoryDir lists the blob and tree entries of a repository
// directory. The ref root has no tree entry object and lists the
// repository root.
func (r *Resolver) listRepositoryDir(ctx context.Context, entity *Entity) ([]string, error) {
	dir := ""
	if entity.Refs.Entry != nil {
		dir = entity.Refs.Entry.Path
	}

	entries, err := r.cache.RepositoryTree(ctx, entity.Refs.Project.ID, entity.Refs.Ref.Name, dir)
	if err != nil {
		return nil, err
	}

	var names []string
	for _, entry := range entries {
		if entry.Type == gitlab.EntryTypeBlob || entry.Type == gitlab.EntryTypeTree {
			names = append(names, entry.Name)
		}
	}

	sort.Strings(names)
	return names, nil
}

// ReadFile returns the entire contents of a file entity. The remote API
// serves no byte ranges, so callers slice the result themselves; the
// cache layer absorbs the repeated chunked reads.
func (r *Resolver) ReadFile(ctx context.Context, entity *Entity) ([]byte, error) {
	if entity.Kind != KindFile {
		return nil, ErrIsDirectory
	}
	return r.cache.ReadFile(ctx, entity.Refs.Project.ID, entity.Refs.Ref.Name, entity.Refs.Entry.Path)
}

// modePerm converts a tree entry mode like "100644" to permission bits,
// stripped of all write bits.
func modePerm(mode string) uint32 {
	if len(mode) < 3 {
		return 0444
	}
	perm, err := strconv.ParseUint(mode[len(mode)-3:], 8, 32)
	if err != nil {
		return 0444
	}
	return uint32(perm) & 0555
}
