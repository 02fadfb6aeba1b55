package gitlab

import "time"

// Project is a GitLab project as returned by the projects API.
type Project struct {
	ID                int       `json:"id"`
	Path              string    `json:"path"`
	PathWithNamespace string    `json:"path_with_namespace"`
	LastActivityAt    time.Time `json:"last_activity_at"`
}

// Group is a GitLab group or subgroup.
type Group struct {
	ID       int    `json:"id"`
	Path     string `json:"path"`
	FullPath string `json:"full_path"`
}

// User is a GitLab user account.
type User struct {
	ID       int    `json:"id"`
	Username string `json:"username"`
}

// Ref is a branch or tag. The name may contain path separators for
// hierarchical refs such as "feature/abc".
type Ref struct {
	Name        string
	CommittedAt time.Time
}

// Commit holds the subset of commit fields the filesystem needs.
type Commit struct {
	ID        string    `json:"id"`
	CreatedAt time.Time `json:"created_at"`
}

// Tree entry types as reported by the repository tree API.
const (
	EntryTypeBlob = "blob"
	EntryTypeTree = "tree"
)

// TreeEntry is one entry of a repository directory listing.
type TreeEntry struct {
	ID   string `json:"id"`
	Name string `json:"name"`
	Type string `json:"type"` // blob or tree
	Path string `json:"path"`
	Mode string `json:"mode"` // octal string, e.g. "100644"
}

// FileMetadata holds the headers of a metadata-only file request.
type FileMetadata struct {
	Size         int64
	LastCommitID string
}

// branch and tag mirror the wire format of the refs APIs. Both carry the
// last commit under a nested "commit" object.
type branch struct {
	Name   string `json:"name"`
	Commit struct {
		CommittedDate time.Time `json:"committed_date"`
	} `json:"commit"`
}

type tag struct {
	Name   string `json:"name"`
	Commit struct {
		CommittedDate time.Time `json:"committed_date"`
	} `json:"commit"`
}
