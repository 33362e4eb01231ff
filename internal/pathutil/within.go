// Package pathutil keeps file operations inside a root directory.
package pathutil

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// Redact reduces a path to .../<parent>/<basename> for log lines and
// error messages. "/home/user/runs/archives/1-1-end.popln" becomes
// ".../archives/1-1-end.popln".
func Redact(path string) string {
	if path == "" {
		return ""
	}
	cleaned := filepath.Clean(path)
	parent := filepath.Base(filepath.Dir(cleaned))
	base := filepath.Base(cleaned)
	if parent == "." || parent == string(filepath.Separator) {
		return base
	}
	return ".../" + parent + "/" + base
}

// Within reports an error unless path, after cleaning and resolving
// symlinks on its existing ancestors, lies inside root.
func Within(path, root string) error {
	if path == "" {
		return fmt.Errorf("path is empty")
	}
	if strings.ContainsRune(path, '\x00') {
		return fmt.Errorf("path contains null byte")
	}

	abs, err := filepath.Abs(filepath.Clean(path))
	if err != nil {
		return fmt.Errorf("resolving %s: %w", Redact(path), err)
	}
	dir, err := resolveExisting(filepath.Dir(abs))
	if err != nil {
		return err
	}
	resolved := filepath.Join(dir, filepath.Base(abs))

	rootAbs, err := filepath.Abs(filepath.Clean(root))
	if err != nil {
		return fmt.Errorf("resolving root %s: %w", Redact(root), err)
	}
	rootResolved, err := resolveExisting(rootAbs)
	if err != nil {
		return err
	}

	if !isSubpath(resolved, rootResolved) {
		return fmt.Errorf("%q escapes %s", Redact(abs), Redact(rootAbs))
	}
	return nil
}

// resolveExisting resolves symlinks on the deepest existing ancestor of dir
// and re-appends the missing tail.
func resolveExisting(dir string) (string, error) {
	if resolved, err := filepath.EvalSymlinks(dir); err == nil {
		return resolved, nil
	}
	parent := filepath.Dir(dir)
	if parent == dir {
		return "", fmt.Errorf("cannot resolve path: %s", Redact(dir))
	}
	resolved, err := resolveExisting(parent)
	if err != nil {
		return "", err
	}
	return filepath.Join(resolved, filepath.Base(dir)), nil
}

// isSubpath reports whether path is base or lies below it. "/tmp/foo" is
// not below "/tmp/fo".
func isSubpath(path, base string) bool {
	if path == base {
		return true
	}
	return strings.HasPrefix(path, base+string(os.PathSeparator))
}
