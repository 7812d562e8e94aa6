// Package vfs defines the filesystem interface the process subsystem opens
// descriptors against.
//
// The process layer only needs a path namespace with regular files,
// directories and symbolic links, hard links, and handles with an offset.
// The in-memory implementation lives in package memfs:
//
//	fs := memfs.New()
//	_ = fs.MkdirAll("/bin", 0o755)
//	f, err := fs.OpenFile("/bin/init", vfs.O_RDWR|vfs.O_CREATE, 0o755)
//	if err != nil {
//		return err
//	}
//	defer f.Close()
package vfs
