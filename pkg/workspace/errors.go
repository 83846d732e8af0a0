package workspace

import (
	"errors"
	"io/fs"
)

// Category classifies why a path was rejected.
type Category string

const (
	InvalidPath      Category = "invalid_path"
	OutsideRoot      Category = "outside_root"
	NotFound         Category = "not_found"
	NotDirectory     Category = "not_directory"
	PermissionDenied Category = "permission_denied"
	IOFailure        Category = "io_error"
)

// PathError reports a rejected path. Err is the filesystem cause, if any.
type PathError struct {
	Category Category
	Path     string
	Reason   string
	Err      error
}

func (e *PathError) Error() string {
	msg := string(e.Category)
	if e.Path != "" {
		msg += " " + e.Path
	}
	if e.Reason != "" {
		msg += ": " + e.Reason
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *PathError) Unwrap() error { return e.Err }

// CategoryOf returns the category carried by err, or "" when err is not a
// *PathError.
func CategoryOf(err error) Category {
	var pathErr *PathError
	if errors.As(err, &pathErr) {
		return pathErr.Category
	}
	return ""
}

func rejected(category Category, path string, reason string) error {
	return &PathError{Category: category, Path: path, Reason: reason}
}

func fsFailure(path string, err error) error {
	category := IOFailure
	switch {
	case errors.Is(err, fs.ErrNotExist):
		category = NotFound
	case errors.Is(err, fs.ErrPermission):
		category = PermissionDenied
	}

	var inner *fs.PathError
	if errors.As(err, &inner) {
		err = inner.Err
	}
	return &PathError{Category: category, Path: path, Err: err}
}
