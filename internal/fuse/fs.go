// Package fuse exposes the resolved GitLab namespace as a read-only
// FUSE filesystem.
package fuse

import (
	"context"
	"fmt"
	"os"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/hanwen/go-fuse/v2/fs"
	gofuse "github.com/hanwen/go-fuse/v2/fuse"

	"github.com/Overv/gitlabfs/internal/gitlab"
	"github.com/Overv/gitlabfs/internal/logging"
	"github.com/Overv/gitlabfs/internal/resolve"
)

// GitLabFS is the main FUSE filesystem. It is a thin shim: every kernel
// request becomes a path resolution, and all remote state lives behind
// the resolver's cache.
type GitLabFS struct {
	resolver *resolve.Resolver
	client   *gitlab.Client
	cfg      Config

	healthCancel context.CancelFunc

	stats Stats
}

// Stats holds filesystem statistics.
type Stats struct {
	Lookups       atomic.Int64
	Getattrs      atomic.Int64
	Readdirs      atomic.Int64
	Opens         atomic.Int64
	Reads         atomic.Int64
	BytesRead     atomic.Int64
	NotFound      atomic.Int64
	UpstreamFails atomic.Int64
}

// Config holds FUSE filesystem configuration.
type Config struct {
	// AttrTimeout bounds how long the kernel may cache attributes and
	// directory entries. It should not exceed the resolver's cache TTL.
	AttrTimeout time.Duration

	HealthCheckPeriod time.Duration

	Debug bool
}

// Node represents one path in the filesystem. Nodes hold no remote
// state; they carry just the path and resolve on demand.
type Node struct {
	fs.Inode

	fsys *GitLabFS
	path string
}

// New creates a FUSE filesystem on top of the given resolver. The
// client is only consulted for liveness, never for data.
func New(resolver *resolve.Resolver, client *gitlab.Client, cfg Config) *GitLabFS {
	return &GitLabFS{
		resolver: resolver,
		client:   client,
		cfg:      cfg,
	}
}

// Mount mounts the filesystem at the given path.
func (f *GitLabFS) Mount(mountPoint string) (*gofuse.Server, error) {
	if err := os.MkdirAll(mountPoint, 0755); err != nil {
		return nil, fmt.Errorf("create mount point: %w", err)
	}

	root := &Node{
		fsys: f,
		path: "/",
	}

	attrTimeout := f.cfg.AttrTimeout
	opts := &fs.Options{
		MountOptions: gofuse.MountOptions{
			AllowOther: false,
			Debug:      f.cfg.Debug,
			FsName:     "gitlabfs",
			Name:       "gitlabfs",
			Options:    []string{"ro"},
		},
		AttrTimeout:  &attrTimeout,
		EntryTimeout: &attrTimeout,
		UID:          uint32(os.Getuid()),
		GID:          uint32(os.Getgid()),
	}

	server, err := fs.Mount(mountPoint, root, opts)
	if err != nil {
		return nil, fmt.Errorf("mount: %w", err)
	}

	return server, nil
}

// StartHealthCheck starts background liveness probing of the GitLab
// server.
func (f *GitLabFS) StartHealthCheck(ctx context.Context) {
	if f.cfg.HealthCheckPeriod <= 0 {
		return
	}

	healthCtx, cancel := context.WithCancel(ctx)
	f.healthCancel = cancel

	go func() {
		ticker := time.NewTicker(f.cfg.HealthCheckPeriod)
		defer ticker.Stop()

		for {
			select {
			case <-ticker.C:
				wasOnline := f.client.IsOnline()
				err := f.client.Ping(healthCtx)

				if err == nil && !wasOnline {
					logging.Info("GitLab is back online")
				} else if err != nil && wasOnline {
					logging.Warn("GitLab is unreachable", logging.Err(err))
				}
			case <-healthCtx.Done():
				return
			}
		}
	}()

	logging.Info("health check enabled", logging.Duration("period", f.cfg.HealthCheckPeriod))
}

// StopHealthCheck stops the health check loop.
func (f *GitLabFS) StopHealthCheck() {
	if f.healthCancel != nil {
		f.healthCancel()
		f.healthCancel = nil
	}
}

// GetStats returns filesystem statistics.
func (f *GitLabFS) GetStats() *Stats {
	return &f.stats
}

// IsOnline returns true if the GitLab server is reachable.
func (f *GitLabFS) IsOnline() bool {
	return f.client.IsOnline()
}

// errno maps resolver errors onto FUSE status codes.
func (f *GitLabFS) errno(err error) syscall.Errno {
	switch err {
	case nil:
		return 0
	case resolve.ErrNotFound:
		f.stats.NotFound.Add(1)
		return syscall.ENOENT
	case resolve.ErrNotDirectory:
		return syscall.ENOTDIR
	case resolve.ErrIsDirectory:
		return syscall.EISDIR
	default:
		f.stats.UpstreamFails.Add(1)
		logging.Error("upstream error", logging.Err(err))
		return syscall.EIO
	}
}

// Ensure Node implements the required interfaces
var _ fs.InodeEmbedder = (*Node)(nil)
var _ fs.NodeGetattrer = (*Node)(nil)
var _ fs.NodeLookuper = (*Node)(nil)
var _ fs.NodeReaddirer = (*Node)(nil)
var _ fs.NodeOpener = (*Node)(nil)
var _ fs.NodeReader = (*Node)(nil)
var _ fs.NodeGetxattrer = (*Node)(nil)
var _ fs.NodeListxattrer = (*Node)(nil)

func fillAttr(attr resolve.Attr, out *gofuse.Attr) {
	out.Mode = attr.Mode
	out.Size = uint64(attr.Size)
	out.Mtime = uint64(attr.Mtime.Unix())
	out.Atime = out.Mtime
	out.Ctime = out.Mtime
	out.Uid = attr.UID
	out.Gid = attr.GID
	out.Nlink = attr.Nlink
}

// Getattr returns file attributes. For files this may cost a metadata
// request, but never a content download.
func (n *Node) Getattr(ctx context.Context, fh fs.FileHandle, out *gofuse.AttrOut) syscall.Errno {
	n.fsys.stats.Getattrs.Add(1)

	entity, err := n.fsys.resolver.Resolve(ctx, n.path)
	if err != nil {
		return n.fsys.errno(err)
	}

	fillAttr(entity.Attr, &out.Attr)
	return 0
}

// Lookup finds a child by name.
func (n *Node) Lookup(ctx context.Context, name string, out *gofuse.EntryOut) (*fs.Inode, syscall.Errno) {
	n.fsys.stats.Lookups.Add(1)

	childPath := joinPath(n.path, name)
	entity, err := n.fsys.resolver.Resolve(ctx, childPath)
	if err != nil {
		return nil, n.fsys.errno(err)
	}

	fillAttr(entity.Attr, &out.Attr)

	child := &Node{
		fsys: n.fsys,
		path: childPath,
	}

	stableAttr := fs.StableAttr{Mode: entity.Attr.Mode & syscall.S_IFMT}
	return n.NewInode(ctx, child, stableAttr), 0
}

// Readdir lists directory contents. Entry modes are left for the kernel
// to discover via lookup; resolving every member here would fan out one
// remote request per entry.
func (n *Node) Readdir(ctx context.Context) (fs.DirStream, syscall.Errno) {
	n.fsys.stats.Readdirs.Add(1)

	entity, err := n.fsys.resolver.Resolve(ctx, n.path)
	if err != nil {
		return nil, n.fsys.errno(err)
	}

	names, err := n.fsys.resolver.List(ctx, entity)
	if err != nil {
		return nil, n.fsys.errno(err)
	}

	entries := make([]gofuse.DirEntry, 0, len(names))
	for _, name := range names {
		entries = append(entries, gofuse.DirEntry{Name: name})
	}

	return fs.NewListDirStream(entries), 0
}

// Open prepares a file for reading. The mount is read-only, so any
// write intent is rejected up front.
func (n *Node) Open(ctx context.Context, flags uint32) (fs.FileHandle, uint32, syscall.Errno) {
	n.fsys.stats.Opens.Add(1)

	if flags&(syscall.O_WRONLY|syscall.O_RDWR) != 0 {
		return nil, 0, syscall.EROFS
	}

	entity, err := n.fsys.resolver.Resolve(ctx, n.path)
	if err != nil {
		return nil, 0, n.fsys.errno(err)
	}
	if entity.Kind.IsDir() {
		return nil, 0, syscall.EISDIR
	}

	return &fileHandle{entity: entity}, gofuse.FOPEN_KEEP_CACHE, 0
}

// Read reads file content. The remote side serves whole files only, so
// each read fetches the full contents through the cache and slices out
// the requested window.
func (n *Node) Read(ctx context.Context, fh fs.FileHandle, dest []byte, off int64) (gofuse.ReadResult, syscall.Errno) {
	handle, ok := fh.(*fileHandle)
	if !ok {
		return nil, syscall.EIO
	}

	content, err := n.fsys.resolver.ReadFile(ctx, handle.entity)
	if err != nil {
		return nil, n.fsys.errno(err)
	}

	if off >= int64(len(content)) {
		return gofuse.ReadResultData(nil), 0
	}
	end := off + int64(len(dest))
	if end > int64(len(content)) {
		end = int64(len(content))
	}

	n.fsys.stats.Reads.Add(1)
	n.fsys.stats.BytesRead.Add(end - off)

	return gofuse.ReadResultData(content[off:end]), 0
}

// Getxattr returns extended attribute values.
func (n *Node) Getxattr(ctx context.Context, attr string, dest []byte) (uint32, syscall.Errno) {
	var value string

	switch attr {
	case "user.gitlabfs.kind":
		entity, err := n.fsys.resolver.Resolve(ctx, n.path)
		if err != nil {
			return 0, n.fsys.errno(err)
		}
		value = entity.Kind.String()
	case "user.gitlabfs.project":
		entity, err := n.fsys.resolver.Resolve(ctx, n.path)
		if err != nil {
			return 0, n.fsys.errno(err)
		}
		if entity.Refs.Project == nil {
			return 0, syscall.ENODATA
		}
		value = entity.Refs.Project.PathWithNamespace
	case "user.gitlabfs.ref":
		entity, err := n.fsys.resolver.Resolve(ctx, n.path)
		if err != nil {
			return 0, n.fsys.errno(err)
		}
		if entity.Refs.Ref == nil {
			return 0, syscall.ENODATA
		}
		value = entity.Refs.Ref.Name
	case "user.gitlabfs.online":
		if n.fsys.client.IsOnline() {
			value = "true"
		} else {
			value = "false"
		}
	default:
		return 0, syscall.ENODATA
	}

	if len(dest) == 0 {
		return uint32(len(value)), 0
	}
	if len(dest) < len(value) {
		return 0, syscall.ERANGE
	}

	copy(dest, value)
	return uint32(len(value)), 0
}

// Listxattr lists extended attributes.
func (n *Node) Listxattr(ctx context.Context, dest []byte) (uint32, syscall.Errno) {
	attrs := []string{
		"user.gitlabfs.kind",
		"user.gitlabfs.project",
		"user.gitlabfs.ref",
		"user.gitlabfs.online",
	}

	var total int
	for _, attr := range attrs {
		total += len(attr) + 1
	}

	if len(dest) == 0 {
		return uint32(total), 0
	}
	if len(dest) < total {
		return 0, syscall.ERANGE
	}

	offset := 0
	for _, attr := range attrs {
		copy(dest[offset:], attr)
		offset += len(attr)
		dest[offset] = 0
		offset++
	}

	return uint32(total), 0
}

// fileHandle represents an open file. Content is not pinned here; the
// resolver's cache keeps it hot between reads.
type fileHandle struct {
	entity *resolve.Entity
}

var _ fs.FileHandle = (*fileHandle)(nil)

func joinPath(parent, name string) string {
	if parent == "/" {
		return "/" + name
	}
	return parent + "/" + name
}
