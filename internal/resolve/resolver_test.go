package resolve

import (
	"context"
	"errors"
	"fmt"
	"reflect"
	"syscall"
	"testing"
	"time"

	"github.com/Overv/gitlabfs/internal/cache"
	"github.com/Overv/gitlabfs/internal/gitlab"
)

var (
	timeMaster  = time.Date(2024, 3, 1, 10, 0, 0, 0, time.UTC)
	timeAbc     = time.Date(2024, 3, 2, 10, 0, 0, 0, time.UTC)
	timeDef     = time.Date(2024, 3, 5, 10, 0, 0, 0, time.UTC)
	timeTag     = time.Date(2024, 2, 1, 10, 0, 0, 0, time.UTC)
	timeCommit  = time.Date(2024, 1, 15, 10, 0, 0, 0, time.UTC)
	timeProject = time.Date(2024, 3, 6, 10, 0, 0, 0, time.UTC)
)

// fakeAPI serves a small fixed GitLab instance:
//
//	/group/project        branches master, feature/abc, feature/def; tag v1.0
//	/group/sub            project named "sub", branch "project2"
//	/group/sub/project2   branch master
//	/alice/tool           user project, branch master
type fakeAPI struct{}

func (fakeAPI) ListProjects(ctx context.Context) ([]gitlab.Project, error) {
	return []gitlab.Project{
		{ID: 1, Path: "project", PathWithNamespace: "group/project", LastActivityAt: timeProject},
		{ID: 2, Path: "sub", PathWithNamespace: "group/sub"},
		{ID: 3, Path: "project2", PathWithNamespace: "group/sub/project2"},
		{ID: 4, Path: "tool", PathWithNamespace: "alice/tool"},
	}, nil
}

func (fakeAPI) ListGroups(ctx context.Context) ([]gitlab.Group, error) {
	return []gitlab.Group{
		{ID: 10, Path: "group", FullPath: "group"},
		{ID: 11, Path: "empty", FullPath: "empty"},
	}, nil
}

func (fakeAPI) ListUsers(ctx context.Context) ([]gitlab.User, error) {
	return []gitlab.User{
		{ID: 20, Username: "alice"},
		{ID: 21, Username: "bob"},
	}, nil
}

func (fakeAPI) ListBranches(ctx context.Context, projectID int) ([]gitlab.Ref, error) {
	switch projectID {
	case 1:
		return []gitlab.Ref{
			{Name: "master", CommittedAt: timeMaster},
			{Name: "feature/abc", CommittedAt: timeAbc},
			{Name: "feature/def", CommittedAt: timeDef},
		}, nil
	case 2:
		return []gitlab.Ref{{Name: "project2", CommittedAt: timeMaster}}, nil
	case 3, 4:
		return []gitlab.Ref{{Name: "master", CommittedAt: timeMaster}}, nil
	}
	return nil, nil
}

func (fakeAPI) ListTags(ctx context.Context, projectID int) ([]gitlab.Ref, error) {
	if projectID == 1 {
		return []gitlab.Ref{{Name: "v1.0", CommittedAt: timeTag}}, nil
	}
	return nil, nil
}

func (fakeAPI) HeadFile(ctx context.Context, projectID int, ref, path string) (gitlab.FileMetadata, error) {
	if projectID == 1 {
		switch path {
		case "README.md":
			return gitlab.FileMetadata{Size: 6, LastCommitID: "abc123"}, nil
		case "src/main.go":
			return gitlab.FileMetadata{Size: 20, LastCommitID: "abc123"}, nil
		}
	}
	return gitlab.FileMetadata{}, errors.New("not found")
}

func (fakeAPI) GetCommit(ctx context.Context, projectID int, sha string) (gitlab.Commit, error) {
	if sha == "abc123" {
		return gitlab.Commit{ID: sha, CreatedAt: timeCommit}, nil
	}
	return gitlab.Commit{}, errors.New("not found")
}

func (fakeAPI) ListTree(ctx context.Context, projectID int, ref, dir string) ([]gitlab.TreeEntry, error) {
	if projectID != 1 {
		return nil, nil
	}
	switch dir {
	case "":
		return []gitlab.TreeEntry{
			{Name: "README.md", Type: gitlab.EntryTypeBlob, Path: "README.md", Mode: "100644"},
			{Name: "src", Type: gitlab.EntryTypeTree, Path: "src", Mode: "040000"},
		}, nil
	case "src":
		return []gitlab.TreeEntry{
			{Name: "main.go", Type: gitlab.EntryTypeBlob, Path: "src/main.go", Mode: "100755"},
		}, nil
	}
	return nil, nil
}

func (fakeAPI) ReadFile(ctx context.Context, projectID int, ref, path string) ([]byte, error) {
	if projectID == 1 && path == "README.md" {
		return []byte("hello\n"), nil
	}
	return nil, errors.New("not found")
}

func newTestResolver(opts Options) *Resolver {
	c := cache.New(fakeAPI{}, cache.Options{TTL: time.Minute})
	if opts.StartTime.IsZero() {
		opts.StartTime = time.Date(2024, 3, 10, 0, 0, 0, 0, time.UTC)
	}
	return New(c, opts)
}

func mustResolve(t *testing.T, r *Resolver, path string) *Entity {
	t.Helper()
	entity, err := r.Resolve(context.Background(), path)
	if err != nil {
		t.Fatalf("Resolve(%q): %v", path, err)
	}
	return entity
}

func TestResolver_Root(t *testing.T) {
	r := newTestResolver(Options{})

	entity := mustResolve(t, r, "/")
	if entity.Kind != KindRoot {
		t.Errorf("root kind: got %v", entity.Kind)
	}
	if entity.Attr.Mode != syscall.S_IFDIR|0555 {
		t.Errorf("root mode: got %o", entity.Attr.Mode)
	}
}

func TestResolver_GroupAndProject(t *testing.T) {
	r := newTestResolver(Options{})

	group := mustResolve(t, r, "/group")
	if group.Kind != KindGroup {
		t.Errorf("/group kind: got %v", group.Kind)
	}

	project := mustResolve(t, r, "/group/project")
	if project.Kind != KindProject {
		t.Errorf("/group/project kind: got %v", project.Kind)
	}
	if !project.Attr.Mtime.Equal(timeProject) {
		t.Errorf("project mtime: got %v, want %v", project.Attr.Mtime, timeProject)
	}
}

func TestResolver_NotFound(t *testing.T) {
	r := newTestResolver(Options{})

	for _, path := range []string{
		"/nope",
		"/empty",
		"/group/nope",
		"/group/project/nope",
		"/group/project/master/nope.txt",
		"/group/project/master/README.md/below",
	} {
		_, err := r.Resolve(context.Background(), path)
		if !errors.Is(err, ErrNotFound) {
			t.Errorf("Resolve(%q): got %v, want ErrNotFound", path, err)
		}
	}
}

func TestResolver_UserProjectsToggle(t *testing.T) {
	r := newTestResolver(Options{})
	if _, err := r.Resolve(context.Background(), "/alice"); !errors.Is(err, ErrNotFound) {
		t.Errorf("/alice without user projects: got %v, want ErrNotFound", err)
	}

	r = newTestResolver(Options{UserProjects: true})
	user := mustResolve(t, r, "/alice")
	if user.Kind != KindUser {
		t.Errorf("/alice kind: got %v", user.Kind)
	}
	project := mustResolve(t, r, "/alice/tool")
	if project.Kind != KindProject {
		t.Errorf("/alice/tool kind: got %v", project.Kind)
	}
}

func TestResolver_RefRoot(t *testing.T) {
	r := newTestResolver(Options{})

	entity := mustResolve(t, r, "/group/project/master")
	if entity.Kind != KindDirectory {
		t.Errorf("ref root kind: got %v", entity.Kind)
	}
	if entity.Refs.Ref == nil || entity.Refs.Ref.Name != "master" {
		t.Errorf("ref root ref: got %+v", entity.Refs.Ref)
	}
	if !entity.Attr.Mtime.Equal(timeMaster) {
		t.Errorf("ref root mtime: got %v, want %v", entity.Attr.Mtime, timeMaster)
	}
}

func TestResolver_HierarchicalRef(t *testing.T) {
	r := newTestResolver(Options{})

	level := mustResolve(t, r, "/group/project/feature")
	if level.Kind != KindRefLevel {
		t.Errorf("/group/project/feature kind: got %v", level.Kind)
	}
	// The most recently committed ref under the prefix stamps the level.
	if !level.Attr.Mtime.Equal(timeDef) {
		t.Errorf("ref level mtime: got %v, want %v", level.Attr.Mtime, timeDef)
	}

	branch := mustResolve(t, r, "/group/project/feature/abc")
	if branch.Kind != KindDirectory {
		t.Errorf("/group/project/feature/abc kind: got %v", branch.Kind)
	}
	if branch.Refs.Ref.Name != "feature/abc" {
		t.Errorf("branch ref: got %q", branch.Refs.Ref.Name)
	}
}

func TestResolver_TagRefs(t *testing.T) {
	r := newTestResolver(Options{})
	if _, err := r.Resolve(context.Background(), "/group/project/v1.0"); !errors.Is(err, ErrNotFound) {
		t.Errorf("tag without tag refs: got %v, want ErrNotFound", err)
	}

	r = newTestResolver(Options{TagRefs: true})
	entity := mustResolve(t, r, "/group/project/v1.0")
	if entity.Kind != KindDirectory || entity.Refs.Ref.Name != "v1.0" {
		t.Errorf("tag ref: got kind %v ref %+v", entity.Kind, entity.Refs.Ref)
	}
}

func TestResolver_File(t *testing.T) {
	r := newTestResolver(Options{})

	file := mustResolve(t, r, "/group/project/master/README.md")
	if file.Kind != KindFile {
		t.Fatalf("file kind: got %v", file.Kind)
	}
	if file.Attr.Size != 6 {
		t.Errorf("file size: got %d, want 6", file.Attr.Size)
	}
	// 100644 masked to read-only
	if file.Attr.Mode != syscall.S_IFREG|0444 {
		t.Errorf("file mode: got %o", file.Attr.Mode)
	}
	if file.Attr.Nlink != 1 {
		t.Errorf("file nlink: got %d", file.Attr.Nlink)
	}

	executable := mustResolve(t, r, "/group/project/master/src/main.go")
	if executable.Attr.Mode != syscall.S_IFREG|0555 {
		t.Errorf("executable mode: got %o", executable.Attr.Mode)
	}
}

func TestResolver_FileTimes(t *testing.T) {
	r := newTestResolver(Options{})
	file := mustResolve(t, r, "/group/project/master/README.md")
	if !file.Attr.Mtime.Equal(timeMaster) {
		t.Errorf("coarse file mtime: got %v, want %v", file.Attr.Mtime, timeMaster)
	}

	r = newTestResolver(Options{CommitTimes: true})
	file = mustResolve(t, r, "/group/project/master/README.md")
	if !file.Attr.Mtime.Equal(timeCommit) {
		t.Errorf("precise file mtime: got %v, want %v", file.Attr.Mtime, timeCommit)
	}
}

func TestResolver_RepositoryDirectory(t *testing.T) {
	r := newTestResolver(Options{})

	dir := mustResolve(t, r, "/group/project/master/src")
	if dir.Kind != KindDirectory {
		t.Errorf("src kind: got %v", dir.Kind)
	}
	if dir.Attr.Mode != syscall.S_IFDIR|0555 {
		t.Errorf("src mode: got %o", dir.Attr.Mode)
	}
}

func TestResolver_LongestProjectPrefixWins(t *testing.T) {
	r := newTestResolver(Options{})

	// Both project "group/sub" (with a branch "project2") and project
	// "group/sub/project2" could claim this path; the deeper project must.
	entity := mustResolve(t, r, "/group/sub/project2/master")
	if entity.Refs.Project.ID != 3 {
		t.Errorf("resolved against project %d, want 3", entity.Refs.Project.ID)
	}
}

func TestResolver_ListRoot(t *testing.T) {
	r := newTestResolver(Options{})

	root := mustResolve(t, r, "/")
	names, err := r.List(context.Background(), root)
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	// The empty group and users stay hidden.
	if want := []string{"group"}; !reflect.DeepEqual(names, want) {
		t.Errorf("root listing: got %v, want %v", names, want)
	}
}

func TestResolver_ListGroup(t *testing.T) {
	r := newTestResolver(Options{})

	group := mustResolve(t, r, "/group")
	names, err := r.List(context.Background(), group)
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if want := []string{"project", "sub"}; !reflect.DeepEqual(names, want) {
		t.Errorf("group listing: got %v, want %v", names, want)
	}
}

func TestResolver_ListProjectRefs(t *testing.T) {
	r := newTestResolver(Options{})

	project := mustResolve(t, r, "/group/project")
	names, err := r.List(context.Background(), project)
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	// Hierarchical branches collapse into their first segment.
	if want := []string{"feature", "master"}; !reflect.DeepEqual(names, want) {
		t.Errorf("project listing: got %v, want %v", names, want)
	}
}

func TestResolver_ListRefLevel(t *testing.T) {
	r := newTestResolver(Options{})

	level := mustResolve(t, r, "/group/project/feature")
	names, err := r.List(context.Background(), level)
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if want := []string{"abc", "def"}; !reflect.DeepEqual(names, want) {
		t.Errorf("ref level listing: got %v, want %v", names, want)
	}
}

func TestResolver_ListRepositoryDir(t *testing.T) {
	r := newTestResolver(Options{})

	refRoot := mustResolve(t, r, "/group/project/master")
	names, err := r.List(context.Background(), refRoot)
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if want := []string{"README.md", "src"}; !reflect.DeepEqual(names, want) {
		t.Errorf("ref root listing: got %v, want %v", names, want)
	}

	src := mustResolve(t, r, "/group/project/master/src")
	names, err = r.List(context.Background(), src)
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if want := []string{"main.go"}; !reflect.DeepEqual(names, want) {
		t.Errorf("src listing: got %v, want %v", names, want)
	}
}

func TestResolver_ListFileFails(t *testing.T) {
	r := newTestResolver(Options{})

	file := mustResolve(t, r, "/group/project/master/README.md")
	if _, err := r.List(context.Background(), file); !errors.Is(err, ErrNotDirectory) {
		t.Errorf("List on file: got %v, want ErrNotDirectory", err)
	}
}

func TestResolver_ReadFile(t *testing.T) {
	r := newTestResolver(Options{})

	file := mustResolve(t, r, "/group/project/master/README.md")
	content, err := r.ReadFile(context.Background(), file)
	if err != nil {
		t.Fatalf("ReadFile: %v", err)
	}
	if string(content) != "hello\n" {
		t.Errorf("ReadFile content: got %q", content)
	}
	if int64(len(content)) != file.Attr.Size {
		t.Errorf("content length %d disagrees with size %d", len(content), file.Attr.Size)
	}
}

func TestResolver_ReadDirectoryFails(t *testing.T) {
	r := newTestResolver(Options{})

	dir := mustResolve(t, r, "/group/project/master/src")
	if _, err := r.ReadFile(context.Background(), dir); !errors.Is(err, ErrIsDirectory) {
		t.Errorf("ReadFile on directory: got %v, want ErrIsDirectory", err)
	}
}

func TestResolver_TrailingSlash(t *testing.T) {
	r := newTestResolver(Options{})

	entity := mustResolve(t, r, "/group/project/")
	if entity.Kind != KindProject {
		t.Errorf("trailing slash kind: got %v", entity.Kind)
	}
}

func TestModePerm(t *testing.T) {
	cases := []struct {
		mode string
		want uint32
	}{
		{"100644", 0444},
		{"100755", 0555},
		{"100444", 0444},
		{"", 0444},
		{"bogus", 0444},
	}
	for _, c := range cases {
		if got := modePerm(c.mode); got != c.want {
			t.Errorf("modePerm(%q): got %o, want %o", c.mode, got, c.want)
		}
	}
}

func TestKindString(t *testing.T) {
	if got := fmt.Sprint(KindRefLevel); got != "ref-level" {
		t.Errorf("KindRefLevel string: got %q", got)
	}
	if KindFile.IsDir() {
		t.Error("KindFile reports as directory")
	}
	if !KindProject.IsDir() {
		t.Error("KindProject does not report as directory")
	}
}
