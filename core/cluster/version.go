package cluster

import "strings"

// sameBranch reports whether two server versions share the same major.minor
// prefix. "9.6" matches "9.6.24"; "16.2" does not match "16.4".
func sameBranch(a, b string) bool {
	if a == "" || b == "" {
		return false
	}
	return branch(a) == branch(b)
}

func branch(v string) string {
	// packaged builds report e.g. "16.2 (Debian 16.2-1.pgdg120+2)"
	if i := strings.IndexByte(v, ' '); i >= 0 {
		v = v[:i]
	}
	parts := strings.SplitN(v, ".", 3)
	if len(parts) > 2 {
		parts = parts[:2]
	}
	return strings.Join(parts, ".")
}
