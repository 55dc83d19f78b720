// Package ignore implements the watcher's skip policy for version-control
// directories and editor lock files. It is applied at bootstrap and on
// every subsequent directory-content reconciliation (spec.md §4.1).
package ignore

// Policy decides which directory basenames and file-name prefixes the
// watcher should never open a descriptor for. The zero value is not usable;
// construct with Default or New.
type Policy struct {
	dirs     map[string]struct{}
	prefixes []string
}

// Default returns the policy matching spec.md §4.1: the directories
// ".git", "CVS", ".svn", ".hg" are skipped entirely, and files beginning
// with ".#" are skipped.
func Default() Policy {
	return New([]string{".git", "CVS", ".svn", ".hg"}, []string{".#"})
}

// New builds a Policy from explicit ignore-dir names and file-name prefixes,
// used when a tuning file (internal/config) overrides the defaults.
func New(dirs, prefixes []string) Policy {
	p := Policy{dirs: make(map[string]struct{}, len(dirs)), prefixes: append([]string(nil), prefixes...)}
	for _, d := range dirs {
		p.dirs[d] = struct{}{}
	}
	return p
}

// Dir reports whether a directory with this basename should be skipped
// entirely during bootstrap and reconciliation.
func (p Policy) Dir(basename string) bool {
	_, skip := p.dirs[basename]
	return skip
}

// File reports whether a file with this basename should be skipped. A file
// is ignored if its name begins with any configured prefix.
func (p Policy) File(basename string) bool {
	for _, prefix := range p.prefixes {
		if len(basename) >= len(prefix) && basename[:len(prefix)] == prefix {
			return true
		}
	}
	return false
}
