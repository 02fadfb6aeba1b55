package resolve

import (
	"os"
	"syscall"
	"time"

	"github.com/Overv/gitlabfs/internal/gitlab"
)

// Kind identifies the GitLab object a filesystem path resolved to.
type Kind int

const (
	KindRoot Kind = iota
	KindGroup
	KindUser
	KindProject
	KindRefLevel
	KindFile
	KindDirectory
)

func (k Kind) String() string {
	switch k {
	case KindRoot:
		return "root"
	case KindGroup:
		return "group"
	case KindUser:
		return "user"
	case KindProject:
		return "project"
	case KindRefLevel:
		return "ref-level"
	case KindFile:
		return "file"
	case KindDirectory:
		return "directory"
	default:
		return "unknown"
	}
}

// IsDir reports whether the entity behaves as a directory.
func (k Kind) IsDir() bool {
	return k != KindFile
}

// Attr holds host-agnostic file attributes. One timestamp serves as
// access, modification, and change time alike; the remote side exposes
// nothing finer.
type Attr struct {
	Mode  uint32 // type and permission bits, never a write bit
	Size  int64
	Mtime time.Time
	UID   uint32
	GID   uint32
	Nlink uint32
}

// Refs carries the remote objects needed to service further operations
// on an entity. Fields are set as far as resolution got; a file carries
// its project, ref, and tree entry.
type Refs struct {
	Project   *gitlab.Project
	Ref       *gitlab.Ref
	RefPrefix string // matched prefix of a hierarchical ref, with trailing separator
	Entry     *gitlab.TreeEntry
}

// Entity is a resolved filesystem node. Entities are built fresh per
// resolution call and are never cached; only the underlying remote data
// is.
type Entity struct {
	Kind Kind
	Path string
	Attr Attr
	Refs Refs
}

// fileAttr builds attributes for a regular file.
func fileAttr(perm uint32, mtime time.Time, size int64) Attr {
	return Attr{
		Mode:  syscall.S_IFREG | perm,
		Size:  size,
		Mtime: mtime,
		UID:   uint32(os.Getuid()),
		GID:   uint32(os.Getgid()),
		Nlink: 1,
	}
}

// dirAttr builds attributes for a directory. Directories are always
// read+execute for everyone; the mount is read-only.
func dirAttr(mtime time.Time) Attr {
	return Attr{
		Mode:  syscall.S_IFDIR | 0555,
		Mtime: mtime,
		UID:   uint32(os.Getuid()),
		GID:   uint32(os.Getgid()),
		Nlink: 2,
	}
}
