// Package memfs provides an in-memory filesystem implementation.
// It backs the root filesystem the kernel boots from and every test that
// needs files.
package memfs

import (
	"fmt"
	"io"
	"os"
	"sort"
	"sync"
	"time"

	"taskos/pkg/vfs"
)

// umask is applied to the permission bits of new files.
const umask os.FileMode = 0o022

// inode is a file, directory or symlink. Names live in the parent's
// children map; the inode itself is shared by every hard link.
type inode struct {
	ino      uint64
	mode     os.FileMode
	data     []byte
	children map[string]*inode
	target   string
	nlink    int
	uid      int
	gid      int
	mtime    time.Time
}

func (n *inode) isDir() bool     { return n.mode.IsDir() }
func (n *inode) isSymlink() bool { return n.mode&os.ModeSymlink != 0 }

// FS is an in-memory filesystem. A single lock guards the whole tree.
type FS struct {
	mu      sync.RWMutex
	root    *inode
	nextIno uint64
}

// New creates an empty filesystem containing only the root directory.
func New() *FS {
	fs := &FS{nextIno: 1}
	fs.root = fs.newInode(vfs.ModeDir | 0o755)
	fs.root.nlink = 2
	return fs
}

func (fs *FS) newInode(mode os.FileMode) *inode {
	n := &inode{
		ino:   fs.nextIno,
		mode:  mode,
		nlink: 1,
		mtime: time.Now(),
	}
	fs.nextIno++
	if mode.IsDir() {
		n.children = make(map[string]*inode)
	}
	return n
}

// walk resolves p. Symlinks are expanded in every component, and in the last
// one only when followLast is set. Caller holds fs.mu.
func (fs *FS) walk(p string, followLast bool) (*inode, error) {
	if err := vfs.ValidatePath(p); err != nil {
		return nil, err
	}
	return fs.walkFrom(vfs.Components(p), followLast, 0)
}

func (fs *FS) walkFrom(comps []string, followLast bool, links int) (*inode, error) {
	node := fs.root
	for i := 0; i < len(comps); i++ {
		if !node.isDir() {
			return nil, vfs.ErrNotDir
		}
		child, ok := node.children[comps[i]]
		if !ok {
			return nil, vfs.ErrNotExist
		}
		last := i == len(comps)-1
		if child.isSymlink() && (!last || followLast) {
			links++
			if links > vfs.MaxSymlinks {
				return nil, vfs.ErrSymlinkLoop
			}
			// Splice the target in place of the resolved prefix.
			base := "/" + joinComps(comps[:i])
			rest := vfs.Components(vfs.Abs(base, child.target))
			rest = append(rest, comps[i+1:]...)
			return fs.walkFrom(rest, followLast, links)
		}
		node = child
	}
	return node, nil
}

// parent resolves the directory that holds p's final element.
func (fs *FS) parent(p string) (*inode, string, error) {
	if err := vfs.ValidatePath(p); err != nil {
		return nil, "", err
	}
	dir, name := vfs.Split(p)
	if name == "" {
		return nil, "", vfs.ErrInvalid
	}
	d, err := fs.walk(dir, true)
	if err != nil {
		return nil, "", err
	}
	if !d.isDir() {
		return nil, "", vfs.ErrNotDir
	}
	return d, name, nil
}

func joinComps(c []string) string {
	out := ""
	for i, s := range c {
		if i > 0 {
			out += "/"
		}
		out += s
	}
	return out
}

// OpenFile implements vfs.FileSystem.
func (fs *FS) OpenFile(path string, flags int, perm os.FileMode) (vfs.File, error) {
	fs.mu.Lock()
	defer fs.mu.Unlock()

	acc := flags & vfs.O_ACCMODE
	node, err := fs.walk(path, true)
	switch {
	case err == nil:
		if flags&vfs.O_CREATE != 0 && flags&vfs.O_EXCL != 0 {
			return nil, vfs.ErrExist
		}
	case err == vfs.ErrNotExist && flags&vfs.O_CREATE != 0:
		dir, name, perr := fs.parent(path)
		if perr != nil {
			return nil, perr
		}
		if existing, ok := dir.children[name]; ok && existing.isSymlink() {
			// Dangling symlink: create the target.
			target := vfs.Abs(vfs.Dir(path), existing.target)
			if dir, name, perr = fs.parent(target); perr != nil {
				return nil, perr
			}
		}
		node = fs.newInode(perm&vfs.ModePerm&^umask)
		dir.children[name] = node
		dir.mtime = node.mtime
	default:
		return nil, err
	}

	if node.isDir() {
		if acc != vfs.O_RDONLY {
			return nil, vfs.ErrIsDir
		}
	} else if flags&vfs.O_TRUNC != 0 && acc != vfs.O_RDONLY {
		node.data = nil
		node.mtime = time.Now()
	}

	return &handle{
		fs:       fs,
		node:     node,
		name:     vfs.Base(path),
		readable: acc != vfs.O_WRONLY,
		writable: acc != vfs.O_RDONLY,
		append:   flags&vfs.O_APPEND != 0,
	}, nil
}

// Stat implements vfs.FileSystem.
func (fs *FS) Stat(path string) (vfs.FileInfo, error) {
	fs.mu.RLock()
	defer fs.mu.RUnlock()
	n, err := fs.walk(path, true)
	if err != nil {
		return vfs.FileInfo{}, err
	}
	return info(vfs.Base(path), n), nil
}

// Lstat implements vfs.FileSystem.
func (fs *FS) Lstat(path string) (vfs.FileInfo, error) {
	fs.mu.RLock()
	defer fs.mu.RUnlock()
	n, err := fs.walk(path, false)
	if err != nil {
		return vfs.FileInfo{}, err
	}
	return info(vfs.Base(path), n), nil
}

func info(name string, n *inode) vfs.FileInfo {
	size := int64(len(n.data))
	if n.isSymlink() {
		size = int64(len(n.target))
	}
	return vfs.FileInfo{
		Name:    name,
		Ino:     n.ino,
		Size:    size,
		Mode:    n.mode,
		Nlink:   n.nlink,
		Uid:     n.uid,
		Gid:     n.gid,
		ModTime: n.mtime,
	}
}

// Mkdir implements vfs.FileSystem.
func (fs *FS) Mkdir(path string, perm os.FileMode) error {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	return fs.mkdirLocked(path, perm)
}

func (fs *FS) mkdirLocked(path string, perm os.FileMode) error {
	dir, name, err := fs.parent(path)
	if err != nil {
		return err
	}
	if _, ok := dir.children[name]; ok {
		return vfs.ErrExist
	}
	n := fs.newInode(vfs.ModeDir | perm&vfs.ModePerm&^umask)
	n.nlink = 2
	dir.children[name] = n
	dir.nlink++
	dir.mtime = n.mtime
	return nil
}

// MkdirAll implements vfs.FileSystem.
func (fs *FS) MkdirAll(path string, perm os.FileMode) error {
	fs.mu.Lock()
	defer fs.mu.Unlock()

	cur := ""
	for _, c := range vfs.Components(path) {
		cur += "/" + c
		n, err := fs.walk(cur, true)
		if err == nil {
			if !n.isDir() {
				return vfs.ErrNotDir
			}
			continue
		}
		if err != vfs.ErrNotExist {
			return err
		}
		if err := fs.mkdirLocked(cur, perm); err != nil {
			return err
		}
	}
	return nil
}

// Unlink implements vfs.FileSystem.
func (fs *FS) Unlink(path string) error {
	fs.mu.Lock()
	defer fs.mu.Unlock()

	dir, name, err := fs.parent(path)
	if err != nil {
		return err
	}
	n, ok := dir.children[name]
	if !ok {
		return vfs.ErrNotExist
	}
	if n.isDir() {
		return vfs.ErrIsDir
	}
	delete(dir.children, name)
	n.nlink--
	dir.mtime = time.Now()
	return nil
}

// Rmdir implements vfs.FileSystem.
func (fs *FS) Rmdir(path string) error {
	fs.mu.Lock()
	defer fs.mu.Unlock()

	if vfs.Clean(path) == "/" {
		return vfs.ErrPermission
	}
	dir, name, err := fs.parent(path)
	if err != nil {
		return err
	}
	n, ok := dir.children[name]
	if !ok {
		return vfs.ErrNotExist
	}
	if !n.isDir() {
		return vfs.ErrNotDir
	}
	if len(n.children) > 0 {
		return vfs.ErrNotEmpty
	}
	delete(dir.children, name)
	n.nlink = 0
	dir.nlink--
	dir.mtime = time.Now()
	return nil
}

// Link implements vfs.FileSystem. Directories cannot be hard linked.
func (fs *FS) Link(oldpath, newpath string) error {
	fs.mu.Lock()
	defer fs.mu.Unlock()

	n, err := fs.walk(oldpath, false)
	if err != nil {
		return err
	}
	if n.isDir() {
		return vfs.ErrPermission
	}
	dir, name, err := fs.parent(newpath)
	if err != nil {
		return err
	}
	if _, ok := dir.children[name]; ok {
		return vfs.ErrExist
	}
	dir.children[name] = n
	n.nlink++
	dir.mtime = time.Now()
	return nil
}

// Symlink implements vfs.FileSystem.
func (fs *FS) Symlink(target, newpath string) error {
	if err := vfs.ValidatePath(target); err != nil {
		return err
	}
	fs.mu.Lock()
	defer fs.mu.Unlock()

	dir, name, err := fs.parent(newpath)
	if err != nil {
		return err
	}
	if _, ok := dir.children[name]; ok {
		return vfs.ErrExist
	}
	n := fs.newInode(vfs.ModeSymlink | 0o777)
	n.target = target
	dir.children[name] = n
	dir.mtime = n.mtime
	return nil
}

// Readlink implements vfs.FileSystem.
func (fs *FS) Readlink(path string) (string, error) {
	fs.mu.RLock()
	defer fs.mu.RUnlock()
	n, err := fs.walk(path, false)
	if err != nil {
		return "", err
	}
	if !n.isSymlink() {
		return "", vfs.ErrInvalid
	}
	return n.target, nil
}

// Truncate implements vfs.FileSystem.
func (fs *FS) Truncate(path string, size int64) error {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	n, err := fs.walk(path, true)
	if err != nil {
		return err
	}
	return truncate(n, size)
}

func truncate(n *inode, size int64) error {
	if n.isDir() {
		return vfs.ErrIsDir
	}
	if size < 0 {
		return vfs.ErrInvalid
	}
	if size <= int64(len(n.data)) {
		n.data = n.data[:size]
	} else {
		grown := make([]byte, size)
		copy(grown, n.data)
		n.data = grown
	}
	n.mtime = time.Now()
	return nil
}

// ReadDir implements vfs.FileSystem. Entries are sorted by name.
func (fs *FS) ReadDir(path string) ([]vfs.DirEntry, error) {
	fs.mu.RLock()
	defer fs.mu.RUnlock()
	n, err := fs.walk(path, true)
	if err != nil {
		return nil, err
	}
	if !n.isDir() {
		return nil, vfs.ErrNotDir
	}
	return entries(n), nil
}

func entries(n *inode) []vfs.DirEntry {
	out := make([]vfs.DirEntry, 0, len(n.children))
	for name, c := range n.children {
		out = append(out, vfs.DirEntry{Name: name, Ino: c.ino, Type: c.mode.Type()})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// ReadFile returns the contents of the file at path.
func (fs *FS) ReadFile(path string) ([]byte, error) {
	f, err := fs.OpenFile(path, vfs.O_RDONLY, 0)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	return io.ReadAll(f)
}

// WriteFile creates or truncates path and writes data to it.
func (fs *FS) WriteFile(path string, data []byte, perm os.FileMode) error {
	f, err := fs.OpenFile(path, vfs.O_WRONLY|vfs.O_CREATE|vfs.O_TRUNC, perm)
	if err != nil {
		return err
	}
	if _, err := f.Write(data); err != nil {
		f.Close()
		return fmt.Errorf("memfs: write %s: %w", path, err)
	}
	return f.Close()
}

// handle is an open file. The inode outlives its last name while a handle
// refers to it.
type handle struct {
	fs       *FS
	node     *inode
	name     string
	mu       sync.Mutex
	off      int64
	dirPos   int
	readable bool
	writable bool
	append   bool
	closed   bool
}

func (h *handle) Read(b []byte) (int, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return 0, vfs.ErrClosed
	}
	if !h.readable {
		return 0, vfs.ErrPermission
	}
	h.fs.mu.RLock()
	defer h.fs.mu.RUnlock()
	if h.node.isDir() {
		return 0, vfs.ErrIsDir
	}
	if h.off >= int64(len(h.node.data)) {
		return 0, io.EOF
	}
	n := copy(b, h.node.data[h.off:])
	h.off += int64(n)
	return n, nil
}

func (h *handle) Write(b []byte) (int, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return 0, vfs.ErrClosed
	}
	if !h.writable {
		return 0, vfs.ErrPermission
	}
	h.fs.mu.Lock()
	defer h.fs.mu.Unlock()
	n := h.node
	if h.append {
		h.off = int64(len(n.data))
	}
	end := h.off + int64(len(b))
	if end > int64(len(n.data)) {
		grown := make([]byte, end)
		copy(grown, n.data)
		n.data = grown
	}
	copy(n.data[h.off:], b)
	h.off = end
	n.mtime = time.Now()
	return len(b), nil
}

func (h *handle) Seek(offset int64, whence int) (int64, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return 0, vfs.ErrClosed
	}
	var base int64
	switch whence {
	case vfs.SEEK_SET:
	case vfs.SEEK_CUR:
		base = h.off
	case vfs.SEEK_END:
		h.fs.mu.RLock()
		base = int64(len(h.node.data))
		h.fs.mu.RUnlock()
	default:
		return 0, vfs.ErrBadSeek
	}
	if base+offset < 0 {
		return 0, vfs.ErrBadSeek
	}
	h.off = base + offset
	if h.node.isDir() && whence == vfs.SEEK_SET && offset == 0 {
		h.dirPos = 0
	}
	return h.off, nil
}

func (h *handle) Close() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return vfs.ErrClosed
	}
	h.closed = true
	return nil
}

func (h *handle) Stat() (vfs.FileInfo, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return vfs.FileInfo{}, vfs.ErrClosed
	}
	h.fs.mu.RLock()
	defer h.fs.mu.RUnlock()
	return info(h.name, h.node), nil
}

func (h *handle) Truncate(size int64) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return vfs.ErrClosed
	}
	if !h.writable {
		return vfs.ErrPermission
	}
	h.fs.mu.Lock()
	defer h.fs.mu.Unlock()
	return truncate(h.node, size)
}

func (h *handle) ReadDir(n int) ([]vfs.DirEntry, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return nil, vfs.ErrClosed
	}
	h.fs.mu.RLock()
	defer h.fs.mu.RUnlock()
	if !h.node.isDir() {
		return nil, vfs.ErrNotDir
	}
	all := entries(h.node)
	if h.dirPos >= len(all) {
		return nil, nil
	}
	all = all[h.dirPos:]
	if n > 0 && n < len(all) {
		all = all[:n]
	}
	h.dirPos += len(all)
	return all, nil
}
