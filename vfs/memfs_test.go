package vfs

import (
	"context"
	"sync"

	"github.com/nullshell/corekernel/kerrno"
)

// memNode/memFS is a tiny in-memory filesystem used only to exercise
// the VFS core's contract (mount table, path walk, FD table, bind
// mounts) independent of fat32.
type memNode struct {
	UnsupportedOps
	mu       sync.Mutex
	name     string
	dir      bool
	data     []byte
	children map[string]*memNode
}

func newMemDir(name string) *memNode  { return &memNode{name: name, dir: true, children: map[string]*memNode{}} }
func newMemFile(name string) *memNode { return &memNode{name: name} }

type memFS struct {
	UnsupportedOps
	root *memNode
}

func (f *memFS) vnode(n *memNode) *Vnode {
	typ := FileType
	if n.dir {
		typ = DirType
	}
	return NewVnode(n.name, typ, f, nil, n)
}

func (f *memFS) Lookup(ctx context.Context, parent *Vnode, name string) (*Vnode, error) {
	pn := parent.Private.(*memNode)
	pn.mu.Lock()
	defer pn.mu.Unlock()
	child, ok := pn.children[name]
	if !ok {
		return nil, kerrno.Wrap(kerrno.NotFound, "%s", name)
	}
	return f.vnode(child), nil
}

func (f *memFS) Create(ctx context.Context, parent *Vnode, name string) (*Vnode, error) {
	pn := parent.Private.(*memNode)
	pn.mu.Lock()
	defer pn.mu.Unlock()
	if _, ok := pn.children[name]; ok {
		return nil, kerrno.Wrap(kerrno.AlreadyExists, "%s", name)
	}
	child := newMemFile(name)
	pn.children[name] = child
	return f.vnode(child), nil
}

func (f *memFS) Mkdir(ctx context.Context, parent *Vnode, name string) (*Vnode, error) {
	pn := parent.Private.(*memNode)
	pn.mu.Lock()
	defer pn.mu.Unlock()
	if existing, ok := pn.children[name]; ok {
		if !existing.dir {
			return nil, kerrno.Wrap(kerrno.NotADirectory, "%s", name)
		}
		return f.vnode(existing), nil
	}
	child := newMemDir(name)
	pn.children[name] = child
	return f.vnode(child), nil
}

func (f *memFS) Read(ctx context.Context, n *Vnode, buf []byte, off int64) (int, error) {
	mn := n.Private.(*memNode)
	mn.mu.Lock()
	defer mn.mu.Unlock()
	if off >= int64(len(mn.data)) {
		return 0, nil
	}
	return copy(buf, mn.data[off:]), nil
}

func (f *memFS) Write(ctx context.Context, n *Vnode, buf []byte, off int64) (int, error) {
	mn := n.Private.(*memNode)
	mn.mu.Lock()
	defer mn.mu.Unlock()
	end := off + int64(len(buf))
	if end > int64(len(mn.data)) {
		grown := make([]byte, end)
		copy(grown, mn.data)
		mn.data = grown
	}
	copy(mn.data[off:], buf)
	return len(buf), nil
}

func (f *memFS) Readdir(ctx context.Context, n *Vnode, max, offset int) ([]DirEntry, error) {
	mn := n.Private.(*memNode)
	mn.mu.Lock()
	defer mn.mu.Unlock()
	var out []DirEntry
	i := 0
	for name, c := range mn.children {
		if i < offset {
			i++
			continue
		}
		if len(out) >= max {
			break
		}
		typ := FileType
		if c.dir {
			typ = DirType
		}
		out = append(out, DirEntry{Name: name, Type: typ})
		i++
	}
	return out, nil
}

func (f *memFS) Unlink(ctx context.Context, parent *Vnode, name string) error {
	pn := parent.Private.(*memNode)
	pn.mu.Lock()
	defer pn.mu.Unlock()
	if _, ok := pn.children[name]; !ok {
		return kerrno.Wrap(kerrno.NotFound, "%s", name)
	}
	delete(pn.children, name)
	return nil
}

func (f *memFS) Getattr(ctx context.Context, n *Vnode) (Attr, error) {
	mn := n.Private.(*memNode)
	mn.mu.Lock()
	defer mn.mu.Unlock()
	typ := FileType
	if mn.dir {
		typ = DirType
	}
	return Attr{Type: typ, Size: uint64(len(mn.data))}, nil
}

func (f *memFS) Release(ctx context.Context, n *Vnode) error { return nil }

type memFSType struct{}

func (memFSType) Name() string { return "memfs" }

func (memFSType) Mount(device any) (*Superblock, error) {
	fs := &memFS{root: newMemDir("")}
	root := fs.vnode(fs.root)
	return NewSuperblock("memfs", root, fs, device), nil
}

func (memFSType) Unmount(sb *Superblock) error {
	return sb.Root.Ops.Release(context.Background(), sb.Root)
}
