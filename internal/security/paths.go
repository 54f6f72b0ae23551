// Package security guards the file paths built from session identifiers.
package security

import (
	"errors"
	"fmt"
	"path/filepath"
	"strings"
)

const maxNameLen = 128

// ErrUnsafeName reports an identifier that cannot be used as a path
// element as is.
var ErrUnsafeName = errors.New("unsafe path element")

// WithinDir checks that path resolves inside dir, following symlinks on
// the existing part of path. dir must exist.
func WithinDir(path, dir string) error {
	absPath, err := filepath.Abs(path)
	if err != nil {
		return fmt.Errorf("resolve %s: %w", path, err)
	}
	absDir, err := filepath.Abs(dir)
	if err != nil {
		return fmt.Errorf("resolve %s: %w", dir, err)
	}
	root, err := filepath.EvalSymlinks(absDir)
	if err != nil {
		return fmt.Errorf("resolve %s: %w", dir, err)
	}

	resolved, err := resolveExisting(absPath)
	if err != nil {
		return err
	}
	rel, err := filepath.Rel(root, resolved)
	if err != nil || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return fmt.Errorf("%s escapes %s", path, dir)
	}
	return nil
}

// resolveExisting evaluates symlinks on the longest existing prefix of
// path and re-attaches the rest.
func resolveExisting(path string) (string, error) {
	if r, err := filepath.EvalSymlinks(path); err == nil {
		return r, nil
	}
	for p := path; ; {
		parent := filepath.Dir(p)
		if parent == p {
			return path, nil
		}
		if r, err := filepath.EvalSymlinks(parent); err == nil {
			rest, err := filepath.Rel(parent, path)
			if err != nil {
				return "", err
			}
			return filepath.Join(r, rest), nil
		}
		p = parent
	}
}

// SanitizeName maps s to letters, digits, '.', '_' and '-', collapsing
// runs of anything else to one underscore.
func SanitizeName(s string) string {
	var b strings.Builder
	under := false
	for _, r := range s {
		if b.Len() >= maxNameLen {
			break
		}
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9',
			r == '.', r == '_', r == '-':
			b.WriteRune(r)
			under = false
		case !under:
			b.WriteByte('_')
			under = true
		}
	}
	if out := strings.Trim(b.String(), "._"); out != "" {
		return out
	}
	return "unknown"
}

// SessionPath joins root, sessionID and elems. The session ID must already
// be a safe name: it is the key shared with the database, so it is
// rejected rather than rewritten.
func SessionPath(root, sessionID string, elems ...string) (string, error) {
	if sessionID == "" || SanitizeName(sessionID) != sessionID {
		return "", fmt.Errorf("session id %q: %w", sessionID, ErrUnsafeName)
	}
	p := filepath.Join(append([]string{root, sessionID}, elems...)...)
	if err := WithinDir(p, root); err != nil {
		return "", err
	}
	return p, nil
}
