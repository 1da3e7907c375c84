package vfs

import "strings"

// PathMax bounds the normalized path length, per spec.md §4.4
// (VFS_PATH_MAX).
const PathMax = 4096

// NameMax bounds a single path component, per spec.md §4.4
// (VFS_NAME_MAX).
const NameMax = 255

// Normalize implements spec.md §4.4's path normalization: collapse
// repeated slashes, drop "." components, resolve ".." by popping one
// component (never crossing the root upward), force a leading slash,
// and strip any trailing slash except for the root itself.
//
// normalize(normalize(p)) == normalize(p) for every input, and the
// output never contains "//", a trailing slash (unless it is exactly
// "/"), or a "." or ".." component.
func Normalize(p string) string {
	var stack []string
	for _, part := range strings.Split(p, "/") {
		switch part {
		case "", ".":
			// skip
		case "..":
			if len(stack) > 0 {
				stack = stack[:len(stack)-1]
			}
		default:
			stack = append(stack, part)
		}
	}
	if len(stack) == 0 {
		return "/"
	}
	out := "/" + strings.Join(stack, "/")
	if len(out) > PathMax {
		out = out[:PathMax]
	}
	return out
}

// Split breaks a normalized path into its parent directory and final
// component, e.g. Split("/a/b/c") == ("/a/b", "c"); Split("/x") ==
// ("/", "x"); Split("/") == ("/", "").
func Split(p string) (dir, name string) {
	p = Normalize(p)
	if p == "/" {
		return "/", ""
	}
	i := strings.LastIndexByte(p, '/')
	dir = p[:i]
	if dir == "" {
		dir = "/"
	}
	return dir, p[i+1:]
}

// Components splits a normalized path into its non-empty components;
// Components("/") returns nil.
func Components(p string) []string {
	p = Normalize(p)
	if p == "/" {
		return nil
	}
	return strings.Split(p[1:], "/")
}
