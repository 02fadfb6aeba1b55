package resolve

import "errors"

var (
	// ErrNotFound means a path resolves to nothing in GitLab.
	ErrNotFound = errors.New("no such file or directory")

	// ErrNotDirectory means a listing was requested on a file entity.
	ErrNotDirectory = errors.New("not a directory")

	// ErrIsDirectory means a read was requested on a non-file entity.
	ErrIsDirectory = errors.New("is a directory")
)
