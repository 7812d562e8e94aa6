package vfs

import (
	"errors"
	"strings"
)

// Path errors.
var (
	ErrEmptyPath   = errors.New("vfs: empty path")
	ErrInvalidPath = errors.New("vfs: invalid path")
	ErrSymlinkLoop = errors.New("vfs: too many levels of symbolic links")
	ErrPathTooLong = errors.New("vfs: path too long")
)

const (
	// MaxPathLength is the maximum allowed path length.
	MaxPathLength = 4096
	// MaxSymlinks bounds symlink expansion during one lookup.
	MaxSymlinks = 8
)

// Clean normalizes p into an absolute path without ".", ".." or repeated
// slashes. ".." at the root stays at the root.
func Clean(p string) string {
	var out []string
	for _, comp := range strings.Split(p, "/") {
		switch comp {
		case "", ".":
		case "..":
			if len(out) > 0 {
				out = out[:len(out)-1]
			}
		default:
			out = append(out, comp)
		}
	}
	return "/" + strings.Join(out, "/")
}

// IsAbs reports whether p is absolute.
func IsAbs(p string) bool {
	return strings.HasPrefix(p, "/")
}

// Abs resolves p against the directory cwd.
func Abs(cwd, p string) string {
	if IsAbs(p) {
		return Clean(p)
	}
	if !IsAbs(cwd) {
		cwd = "/"
	}
	return Clean(cwd + "/" + p)
}

// Split splits a cleaned path into its parent directory and final element.
// Split("/") returns ("/", "").
func Split(p string) (dir, base string) {
	p = Clean(p)
	i := strings.LastIndex(p, "/")
	if i == 0 {
		return "/", p[1:]
	}
	return p[:i], p[i+1:]
}

// Dir returns all but the last element of p.
func Dir(p string) string {
	d, _ := Split(p)
	return d
}

// Base returns the last element of p.
func Base(p string) string {
	_, b := Split(p)
	return b
}

// Components returns the elements of a cleaned path; nil for the root.
func Components(p string) []string {
	p = Clean(p)
	if p == "/" {
		return nil
	}
	return strings.Split(p[1:], "/")
}

// ValidatePath checks that p can be used as a path at all.
func ValidatePath(p string) error {
	switch {
	case p == "":
		return ErrEmptyPath
	case len(p) > MaxPathLength:
		return ErrPathTooLong
	case strings.IndexByte(p, 0) >= 0:
		return ErrInvalidPath
	}
	return nil
}
