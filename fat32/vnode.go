package fat32

import (
	"context"

	"github.com/nullshell/corekernel/kerrno"
	"github.com/nullshell/corekernel/vfs"
)

// fnode is the fat32-private state carried in every vfs.Vnode.Private
// for this filesystem: enough to walk/extend the backing chain and to
// rewrite the owning directory entry on write.
type fnode struct {
	parent       uint32 // parent directory's first cluster, 0 for root
	name         string // 8.3-displayable name, "" for root
	firstCluster uint32
	size         uint32
	isDir        bool
}

func (f *FileSystem) vnodeFor(parent uint32, info entryInfo) *vfs.Vnode {
	typ := vfs.FileType
	isDir := info.entry.Attr&AttrDirectory != 0
	if isDir {
		typ = vfs.DirType
	}
	n := &fnode{
		parent:       parent,
		name:         info.name,
		firstCluster: info.entry.firstCluster(),
		size:         info.entry.FileSize,
		isDir:        isDir,
	}
	return vfs.NewVnode(info.name, typ, f, nil, n)
}

// Lookup implements vfs.Ops.Lookup per spec.md §4.5's lookup.
func (f *FileSystem) Lookup(ctx context.Context, parent *vfs.Vnode, name string) (*vfs.Vnode, error) {
	pn := parent.Private.(*fnode)
	info, err := f.lookup(pn.firstCluster, name)
	if err != nil {
		return nil, err
	}
	return f.vnodeFor(pn.firstCluster, info), nil
}

// Create implements vfs.Ops.Create per spec.md §4.5's create.
func (f *FileSystem) Create(ctx context.Context, parent *vfs.Vnode, name string) (*vfs.Vnode, error) {
	pn := parent.Private.(*fnode)
	e, err := f.create(pn.firstCluster, name, AttrArchive)
	if err != nil {
		return nil, err
	}
	n := &fnode{parent: pn.firstCluster, name: name, firstCluster: e.firstCluster(), size: e.FileSize}
	return vfs.NewVnode(name, vfs.FileType, f, nil, n), nil
}

// Mkdir implements vfs.Ops.Mkdir per spec.md §4.5's mkdir.
func (f *FileSystem) Mkdir(ctx context.Context, parent *vfs.Vnode, name string) (*vfs.Vnode, error) {
	pn := parent.Private.(*fnode)
	e, err := f.mkdir(pn.firstCluster, name)
	if err != nil {
		return nil, err
	}
	n := &fnode{parent: pn.firstCluster, name: name, firstCluster: e.firstCluster(), isDir: true}
	return vfs.NewVnode(name, vfs.DirType, f, nil, n), nil
}

// Read implements vfs.Ops.Read per spec.md §4.5's read.
func (f *FileSystem) Read(ctx context.Context, v *vfs.Vnode, buf []byte, off int64) (int, error) {
	n := v.Private.(*fnode)
	return f.readFile(n.firstCluster, n.size, buf, off)
}

// Write implements vfs.Ops.Write per spec.md §4.5's write, then
// rewrites the owning directory entry with the new cluster/size.
func (f *FileSystem) Write(ctx context.Context, v *vfs.Vnode, buf []byte, off int64) (int, error) {
	n := v.Private.(*fnode)
	newFirst, newSize, written, err := f.writeFile(n.firstCluster, n.size, buf, off)
	if written > 0 {
		n.firstCluster = newFirst
		n.size = newSize
		if uerr := f.updateEntry(n.parent, n.name, newFirst, newSize); uerr != nil && err == nil {
			err = uerr
		}
	}
	return written, err
}

// Readdir implements vfs.Ops.Readdir per spec.md §4.5's readdir.
func (f *FileSystem) Readdir(ctx context.Context, v *vfs.Vnode, max, offset int) ([]vfs.DirEntry, error) {
	n := v.Private.(*fnode)
	infos, err := f.readdirEntries(n.firstCluster, max, offset)
	if err != nil {
		return nil, err
	}
	out := make([]vfs.DirEntry, 0, len(infos))
	for _, info := range infos {
		typ := vfs.FileType
		if info.entry.Attr&AttrDirectory != 0 {
			typ = vfs.DirType
		}
		out = append(out, vfs.DirEntry{Name: info.name, Type: typ})
	}
	return out, nil
}

// Unlink implements vfs.Ops.Unlink per spec.md §4.5's unlink.
func (f *FileSystem) Unlink(ctx context.Context, parent *vfs.Vnode, name string) error {
	pn := parent.Private.(*fnode)
	return f.unlink(pn.firstCluster, name)
}

// Symlink, Readlink and Truncate are out of scope for FAT32 (no
// symlink attribute in the 8.3 format spec.md documents, and truncate
// is not named among spec.md §4.5's operations); they fall back to
// UnsupportedOps via explicit delegation below.
func (f *FileSystem) Symlink(ctx context.Context, parent *vfs.Vnode, name, target string) (*vfs.Vnode, error) {
	return vfs.UnsupportedOps{}.Symlink(ctx, parent, name, target)
}
func (f *FileSystem) Readlink(ctx context.Context, v *vfs.Vnode) (string, error) {
	return vfs.UnsupportedOps{}.Readlink(ctx, v)
}
func (f *FileSystem) Truncate(ctx context.Context, v *vfs.Vnode, size int64) error {
	return vfs.UnsupportedOps{}.Truncate(ctx, v, size)
}

// Getattr implements vfs.Ops.Getattr.
func (f *FileSystem) Getattr(ctx context.Context, v *vfs.Vnode) (vfs.Attr, error) {
	n := v.Private.(*fnode)
	typ := vfs.FileType
	if n.isDir {
		typ = vfs.DirType
	}
	return vfs.Attr{Type: typ, Size: uint64(n.size)}, nil
}

// Release implements vfs.Ops.Release; fat32 vnodes carry no handle
// state beyond the directory-entry bookkeeping already flushed by
// Write, so Release is a no-op per vnode.
func (f *FileSystem) Release(ctx context.Context, v *vfs.Vnode) error { return nil }

// FileSystemType adapts FileSystem to vfs.FSType, the way loopbackfs
// adapts a host directory to fuse's pathfs.FileSystem.
type FileSystemType struct {
	Logger Logger
}

func (FileSystemType) Name() string { return "fat32" }

func (t FileSystemType) Mount(device any) (*vfs.Superblock, error) {
	dev, ok := device.(BlockDevice)
	if !ok {
		return nil, kerrno.Wrap(kerrno.InvalidArgument, "fat32: mount device does not implement BlockDevice")
	}
	var opts []Option
	if t.Logger != nil {
		opts = append(opts, WithLogger(t.Logger))
	}
	fs, err := Mount(context.Background(), dev, opts...)
	if err != nil {
		return nil, err
	}
	root := &fnode{firstCluster: fs.rootCluster, isDir: true}
	rootVnode := vfs.NewVnode("", vfs.DirType, fs, nil, root)
	return vfs.NewSuperblock("fat32", rootVnode, fs, device), nil
}

func (FileSystemType) Unmount(sb *vfs.Superblock) error {
	fs := sb.Private.(*FileSystem)
	return fs.Unmount(context.Background())
}
