// Package workspace resolves the responder working directory and paths that
// the responder hands back relative to it.
package workspace

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// ResolveDir expands ~, makes dir absolute and requires an existing directory.
// Symlinks are resolved.
func ResolveDir(dir string) (string, error) {
	trimmed := strings.TrimSpace(dir)
	if trimmed == "" {
		return "", rejected(InvalidPath, dir, "directory must not be empty")
	}

	expanded, err := ExpandHome(trimmed)
	if err != nil {
		return "", err
	}

	absPath, err := filepath.Abs(expanded)
	if err != nil {
		return "", rejected(InvalidPath, trimmed, "directory could not be resolved")
	}

	resolved, err := filepath.EvalSymlinks(filepath.Clean(absPath))
	if err != nil {
		return "", fsFailure(trimmed, err)
	}

	info, err := os.Stat(resolved)
	if err != nil {
		return "", fsFailure(trimmed, err)
	}
	if !info.IsDir() {
		return "", rejected(NotDirectory, trimmed, "")
	}

	return filepath.Clean(resolved), nil
}

// ResolveWithin joins a relative path onto root and rejects results that
// escape it. Absolute paths are returned cleaned and unchecked.
func ResolveWithin(root string, path string) (string, error) {
	trimmed := strings.TrimSpace(path)
	if trimmed == "" {
		return "", rejected(InvalidPath, path, "path must not be empty")
	}

	expanded, err := ExpandHome(trimmed)
	if err != nil {
		return "", err
	}
	if filepath.IsAbs(expanded) {
		return filepath.Clean(expanded), nil
	}
	if root == "" {
		abs, err := filepath.Abs(expanded)
		if err != nil {
			return "", rejected(InvalidPath, trimmed, "path could not be resolved")
		}
		return abs, nil
	}

	candidate := filepath.Clean(filepath.Join(root, expanded))
	effective, err := canonicalPath(candidate)
	if err != nil {
		return "", err
	}
	canonicalRoot, err := canonicalPath(root)
	if err != nil {
		return "", err
	}

	if !isWithin(canonicalRoot, effective) {
		return "", rejected(OutsideRoot, trimmed, "escapes "+root)
	}

	return effective, nil
}

// ExpandHome replaces a leading ~ with the user's home directory.
func ExpandHome(path string) (string, error) {
	if path == "~" {
		home, err := os.UserHomeDir()
		if err != nil {
			return "", fmt.Errorf("resolve home directory: %w", err)
		}
		return home, nil
	}

	prefix := "~" + string(filepath.Separator)
	if strings.HasPrefix(path, prefix) {
		home, err := os.UserHomeDir()
		if err != nil {
			return "", fmt.Errorf("resolve home directory: %w", err)
		}
		return filepath.Join(home, strings.TrimPrefix(path, prefix)), nil
	}

	return path, nil
}

func canonicalPath(path string) (string, error) {
	evaluated, err := filepath.EvalSymlinks(path)
	if err == nil {
		return filepath.Clean(evaluated), nil
	}
	if !os.IsNotExist(err) {
		return "", fsFailure(path, err)
	}

	parent, remainder, splitErr := nearestExistingParent(path)
	if splitErr != nil {
		return "", splitErr
	}

	evaluatedParent, evalErr := filepath.EvalSymlinks(parent)
	if evalErr != nil {
		return "", fsFailure(parent, evalErr)
	}

	return filepath.Clean(filepath.Join(evaluatedParent, remainder)), nil
}

func nearestExistingParent(path string) (string, string, error) {
	current := filepath.Clean(path)
	parts := make([]string, 0)

	for {
		if _, err := os.Lstat(current); err == nil {
			remainder := ""
			for i := len(parts) - 1; i >= 0; i-- {
				remainder = filepath.Join(remainder, parts[i])
			}
			return current, remainder, nil
		}

		base := filepath.Base(current)
		if base == "." || base == string(filepath.Separator) {
			break
		}
		parts = append(parts, base)

		next := filepath.Dir(current)
		if next == current {
			break
		}
		current = next
	}

	return "", "", rejected(InvalidPath, path, "no existing parent")
}

func isWithin(root string, target string) bool {
	rel, err := filepath.Rel(root, target)
	if err != nil {
		return false
	}
	if rel == "." {
		return true
	}
	if rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return false
	}

	return !filepath.IsAbs(rel)
}
