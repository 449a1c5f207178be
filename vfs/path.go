package vfs

import (
	"path"
	"strings"
)

// simplify mirrors volume's path simplification (§4.G.1, reused for virtual
// paths by §4.H): collapse ".", "..", and duplicate separators into a
// canonical "/" or "/seg1/seg2/..." form.
func simplify(p string) string {
	if p == "" {
		return "/"
	}
	if !strings.HasPrefix(p, "/") {
		p = "/" + p
	}
	return path.Clean(p)
}

// join appends a (possibly empty) remainder path onto base.
func join(base, remainder string) string {
	if remainder == "" {
		return base
	}
	if base == "/" {
		return "/" + remainder
	}
	return base + "/" + remainder
}

// isPrefix reports whether mountPath is a path-segment prefix of v (not
// merely a string prefix: "/foo" must not match "/foobar").
func isPrefix(mountPath, v string) bool {
	if mountPath == "/" {
		return true
	}
	return v == mountPath || strings.HasPrefix(v, mountPath+"/")
}

// trimMountPrefix returns the remainder of v after stripping mountPath,
// without a leading separator.
func trimMountPrefix(mountPath, v string) string {
	r := strings.TrimPrefix(v, mountPath)
	return strings.TrimPrefix(r, "/")
}
