package cache

import (
	"strings"
	"time"

	"github.com/Overv/gitlabfs/internal/gitlab"
)

// NodeKind discriminates the remote object behind a tree entry.
type NodeKind int

const (
	NodeGroup NodeKind = iota
	NodeUser
	NodeProject
)

// Node is a tagged variant describing one entry of the namespace tree.
// Exactly one of the payload fields is valid, selected by Kind.
type Node struct {
	Kind    NodeKind
	Group   gitlab.Group
	User    gitlab.User
	Project gitlab.Project
}

// Name returns the directory name the node contributes to its parent
// listing.
func (n Node) Name() string {
	switch n.Kind {
	case NodeGroup:
		return n.Group.Path
	case NodeUser:
		return n.User.Username
	case NodeProject:
		return n.Project.Path
	default:
		return ""
	}
}

// Tree is the whole-namespace index: absolute filesystem path to the
// group, user, or project behind it. A tree is immutable once built; a
// rebuild produces a fresh tree that replaces the previous one atomically.
type Tree struct {
	Nodes   map[string]Node
	BuiltAt time.Time
}

// Lookup returns the node at an exact path.
func (t *Tree) Lookup(path string) (Node, bool) {
	n, ok := t.Nodes[path]
	return n, ok
}

// HasStrictDescendant reports whether any tree path lies strictly below
// the given path. Used to hide groups and users without any projects.
func (t *Tree) HasStrictDescendant(path string) bool {
	prefix := path + "/"
	for p := range t.Nodes {
		if strings.HasPrefix(p, prefix) {
			return true
		}
	}
	return false
}
