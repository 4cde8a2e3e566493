// Package profiles manages Chrome user-data directories: selection at
// launch time and background pruning of stale directories.
package profiles

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
)

// Prefix of every directory the worker creates under the profile root.
// The janitor only ever touches directories with this shape.
const dirPrefix = "p"

// Store hands out profile directories keyed by debug port.
type Store struct {
	root         string
	reuseEnabled bool
}

// NewStore creates a store rooted at root, creating it if necessary.
func NewStore(root string, reuseEnabled bool) (*Store, error) {
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, fmt.Errorf("create profile root %s: %w", root, err)
	}
	return &Store{root: root, reuseEnabled: reuseEnabled}, nil
}

// Root returns the profile root directory.
func (s *Store) Root() string {
	return s.root
}

// ReuseKey returns the cached-profile directory name for a port.
func ReuseKey(port int) string {
	return fmt.Sprintf("%s%d", dirPrefix, port)
}

// Select picks the user-data directory for a launch on the given port.
//
// A requested directory from the queue message is honored only when it
// resolves inside the profile root; anything else is ignored with a
// warning. With reuse enabled the directory is keyed by port so a
// session landing on the same port inherits the cached profile. With
// reuse disabled every launch gets a fresh uniquely-named directory.
func (s *Store) Select(port int, requested string) (path string, reused bool, err error) {
	if requested != "" {
		if p, ok := s.insideRoot(requested); ok {
			if err := os.MkdirAll(p, 0o755); err != nil {
				return "", false, fmt.Errorf("create requested profile dir: %w", err)
			}
			return p, true, nil
		}
		log.Warn().
			Str("requested", requested).
			Str("root", s.root).
			Msg("Requested user_data_dir outside profile root, ignoring")
	}

	if s.reuseEnabled {
		p := filepath.Join(s.root, ReuseKey(port))
		_, statErr := os.Stat(p)
		existed := statErr == nil
		if err := os.MkdirAll(p, 0o755); err != nil {
			return "", false, fmt.Errorf("create profile dir: %w", err)
		}
		return p, existed, nil
	}

	p := filepath.Join(s.root, fmt.Sprintf("%s%d-%s", dirPrefix, port, uuid.NewString()[:8]))
	if err := os.MkdirAll(p, 0o755); err != nil {
		return "", false, fmt.Errorf("create profile dir: %w", err)
	}
	return p, false, nil
}

// ScheduleDelete removes a profile directory asynchronously. Locked
// files (Chrome still flushing on Windows) fail silently here; the
// janitor retries them by age later.
func (s *Store) ScheduleDelete(path string) {
	if _, ok := s.insideRoot(path); !ok {
		log.Warn().Str("path", path).Msg("Refusing to delete directory outside profile root")
		return
	}
	go func() {
		if err := os.RemoveAll(path); err != nil {
			log.Debug().Err(err).Str("path", path).Msg("Profile delete deferred to janitor")
			return
		}
		log.Debug().Str("path", path).Msg("Profile directory deleted")
	}()
}

// insideRoot resolves a path and reports whether it is a strict
// descendant of the profile root.
func (s *Store) insideRoot(path string) (string, bool) {
	abs, err := filepath.Abs(path)
	if err != nil {
		return "", false
	}
	rootAbs, err := filepath.Abs(s.root)
	if err != nil {
		return "", false
	}
	rel, err := filepath.Rel(rootAbs, abs)
	if err != nil {
		return "", false
	}
	if rel == "." || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return "", false
	}
	return abs, true
}

// IsManagedDir reports whether a directory name matches the worker's
// profile naming pattern.
func IsManagedDir(name string) bool {
	if !strings.HasPrefix(name, dirPrefix) || len(name) < 2 {
		return false
	}
	rest := name[len(dirPrefix):]
	// p{port} or p{port}-{suffix}
	for i, r := range rest {
		if r >= '0' && r <= '9' {
			continue
		}
		if r == '-' && i > 0 {
			return true
		}
		return false
	}
	return true
}
