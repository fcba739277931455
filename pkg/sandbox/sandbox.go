// Package sandbox resolves path fragments against a fixed root directory and
// guarantees the result never leaves that root.
//
// Containment is checked twice: lexically after joining and cleaning the
// fragments, and again after every symlink in the resolved chain has been
// followed. A symlink inside the root that points outside it is an escape,
// even when the final path would not exist.
package sandbox

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

var (
	// ErrInvalidRoot indicates the sandbox root is not an absolute path. It is a
	// configuration error of the caller.
	ErrInvalidRoot = errors.New("invalid sandbox root")

	// ErrPathEscape indicates a resolved path would leave the sandbox root,
	// through traversal, an absolute override, or symlink indirection.
	ErrPathEscape = errors.New("path escapes sandbox")

	// ErrSymlinkLoop indicates symlink resolution did not terminate.
	ErrSymlinkLoop = errors.New("too many levels of symbolic links")
)

// maxSymlinkHops matches the Linux MAXSYMLINKS limit for a single lookup.
const maxSymlinkHops = 40

// Sandbox is an immutable absolute directory boundary.
type Sandbox struct {
	root  string // canonical, symlinks resolved
	given string // cleaned root as passed to New
}

// New returns a Sandbox rooted at root.
//
// root must be absolute. If root exists, symlinks in it are resolved so that
// containment checks compare canonical paths; otherwise it is only cleaned.
func New(root string) (*Sandbox, error) {
	if !filepath.IsAbs(root) {
		return nil, fmt.Errorf("%w: %q is not absolute", ErrInvalidRoot, root)
	}

	canonical := filepath.Clean(root)

	resolved, err := filepath.EvalSymlinks(canonical)
	if err == nil {
		canonical = resolved
	} else if !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("%w: resolving %q: %w", ErrInvalidRoot, root, err)
	}

	return &Sandbox{root: canonical, given: filepath.Clean(root)}, nil
}

// Resolve is a shorthand for New(root) followed by Resolve(fragments...).
func Resolve(root string, fragments ...string) (string, error) {
	sb, err := New(root)
	if err != nil {
		return "", err
	}

	return sb.Resolve(fragments...)
}

// Root returns the canonical root.
func (s *Sandbox) Root() string {
	return s.root
}

// Resolve joins fragments onto the root and returns the canonical absolute
// path, or an error matching [ErrPathEscape].
//
// An absolute fragment replaces everything joined so far and must itself lie
// under the root. Drive-letter and UNC forms ("C:\x", `\\host\share`) are
// always rejected. Missing path components are allowed; existing ones are
// resolved through their symlinks.
//
// Resolve has no side effects beyond the lookups needed to resolve symlinks.
func (s *Sandbox) Resolve(fragments ...string) (string, error) {
	joined := s.root

	for _, frag := range fragments {
		if isForeignAbs(frag) {
			return "", fmt.Errorf("%w: %q is a foreign absolute path", ErrPathEscape, frag)
		}

		if filepath.IsAbs(frag) {
			abs := s.canonicalPrefix(filepath.Clean(frag))
			if !s.contains(abs) {
				return "", fmt.Errorf("%w: absolute path %q is outside %q", ErrPathEscape, frag, s.root)
			}

			joined = abs

			continue
		}

		joined = filepath.Join(joined, frag)
	}

	joined = filepath.Clean(joined)

	if !s.contains(joined) {
		return "", fmt.Errorf("%w: %q resolves outside %q", ErrPathEscape, strings.Join(fragments, string(filepath.Separator)), s.root)
	}

	return s.followSymlinks(joined)
}

// followSymlinks walks p component by component from the root, following
// every symlink and re-verifying containment after each hop.
func (s *Sandbox) followSymlinks(p string) (string, error) {
	rel, err := filepath.Rel(s.root, p)
	if err != nil {
		return "", fmt.Errorf("%w: %w", ErrPathEscape, err)
	}

	rest := splitRel(rel)
	resolved := s.root
	hops := 0

	for len(rest) > 0 {
		name := rest[0]
		rest = rest[1:]

		next := filepath.Join(resolved, name)

		info, err := os.Lstat(next)
		if errors.Is(err, os.ErrNotExist) {
			// Nothing below a missing component exists, so no symlinks remain.
			return filepath.Join(append([]string{next}, rest...)...), nil
		}

		if err != nil {
			return "", fmt.Errorf("resolving %q: %w", next, err)
		}

		if info.Mode()&os.ModeSymlink == 0 {
			resolved = next

			continue
		}

		hops++
		if hops > maxSymlinkHops {
			return "", fmt.Errorf("%w: resolving %q", ErrSymlinkLoop, p)
		}

		target, err := os.Readlink(next)
		if err != nil {
			return "", fmt.Errorf("reading symlink %q: %w", next, err)
		}

		if isForeignAbs(target) {
			return "", fmt.Errorf("%w: symlink %q points to foreign path %q", ErrPathEscape, next, target)
		}

		dest := target
		if !filepath.IsAbs(dest) {
			dest = filepath.Join(resolved, dest)
		}

		dest = s.canonicalPrefix(filepath.Clean(dest))

		if !s.contains(dest) {
			return "", fmt.Errorf("%w: symlink %q points to %q", ErrPathEscape, next, target)
		}

		destRel, err := filepath.Rel(s.root, dest)
		if err != nil {
			return "", fmt.Errorf("%w: %w", ErrPathEscape, err)
		}

		rest = append(splitRel(destRel), rest...)
		resolved = s.root
	}

	return resolved, nil
}

// canonicalPrefix rewrites an absolute path spelled with the root as given
// to New (for example /tmp/ws when the canonical root is /private/tmp/ws) to
// the canonical root. Other paths are returned unchanged.
func (s *Sandbox) canonicalPrefix(p string) string {
	if s.given == s.root || s.contains(p) {
		return p
	}

	rel, err := filepath.Rel(s.given, p)
	if err != nil || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return p
	}

	return filepath.Join(s.root, rel)
}

func (s *Sandbox) contains(p string) bool {
	rel, err := filepath.Rel(s.root, p)
	if err != nil {
		return false
	}

	return rel != ".." && !strings.HasPrefix(rel, ".."+string(filepath.Separator))
}

func splitRel(rel string) []string {
	if rel == "." || rel == "" {
		return nil
	}

	return strings.Split(rel, string(filepath.Separator))
}

// isForeignAbs reports whether p is a drive-letter or UNC absolute path that
// this platform does not treat as absolute. On Unix "C:\x" would otherwise be
// joined as a relative name.
func isForeignAbs(p string) bool {
	if filepath.IsAbs(p) {
		return false
	}

	if strings.HasPrefix(p, `\\`) {
		return true
	}

	if len(p) >= 2 && p[1] == ':' {
		c := p[0]

		return ('a' <= c && c <= 'z') || ('A' <= c && c <= 'Z')
	}

	return false
}
