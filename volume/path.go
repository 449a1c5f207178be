package volume

import (
	"path"
	"strings"
)

// simplify collapses ".", "..", and duplicate/leading separators per §4.G.1,
// always returning "/" or "/seg1/seg2/...". Built on stdlib path.Clean, which
// implements exactly this stack-wise collapsing for an already-absolute path.
func simplify(p string) string {
	if p == "" {
		return "/"
	}
	if !strings.HasPrefix(p, "/") {
		p = "/" + p
	}
	return path.Clean(p)
}

// segments splits a simplified path into its non-empty components.
func segments(p string) []string {
	if p == "/" {
		return nil
	}
	return strings.Split(strings.TrimPrefix(p, "/"), "/")
}

// join appends name to the simplified path prefix.
func join(prefix, name string) string {
	if prefix == "/" {
		return "/" + name
	}
	return prefix + "/" + name
}

// prefixesDescending returns every prefix of p, from p itself down to "/",
// longest first — the "reverse-path iterator" of §4.G.1 step 1.
func prefixesDescending(p string) []string {
	segs := segments(p)
	prefixes := make([]string, 0, len(segs)+1)

	acc := "/"
	prefixes = append(prefixes, acc)
	for _, s := range segs {
		acc = join(acc, s)
		prefixes = append(prefixes, acc)
	}

	for i, j := 0, len(prefixes)-1; i < j; i, j = i+1, j-1 {
		prefixes[i], prefixes[j] = prefixes[j], prefixes[i]
	}
	return prefixes
}
