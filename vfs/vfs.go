// Package vfs implements the virtual filesystem core from spec.md
// §4.4: a superblock/vnode/file model, path normalization, a mount
// table resolved by longest-prefix match, bind mounts, refcounted
// nodes and a fixed-size file-descriptor table.
package vfs

import (
	"context"
	"sync"

	"github.com/nullshell/corekernel/kerrno"
)

// MaxFDs bounds the global file-descriptor table, per spec.md §4.4
// (VFS_MAX_FDS).
const MaxFDs = 256

// Open flags, matching the POSIX-ish subset spec.md §4.4 references.
const (
	ORDONLY = 0
	OWRONLY = 1
	ORDWR   = 2
	OCREAT  = 1 << 3
)

// FD is one entry of the global file-descriptor table, per spec.md §3.
type FD struct {
	Vnode  *Vnode
	Flags  int
	Offset int64
}

// VFS is the kernel's single VFS instance: the mount table plus the
// FD table, per spec.md §9's "encapsulate singletons behind a single
// kernel context object".
type VFS struct {
	mounts *mountTable

	fdMu sync.Mutex
	fds  [MaxFDs]*FD
}

// New constructs an empty VFS with no mounts.
func New() *VFS {
	return &VFS{mounts: newMountTable()}
}

// RegisterFSType makes a filesystem driver available to Mount by
// name.
func (v *VFS) RegisterFSType(ft FSType) {
	v.mounts.RegisterFSType(ft)
}

// resolve finds the mount covering path and walks to the
// corresponding vnode, returning a reference the caller must Release.
func (v *VFS) resolve(ctx context.Context, path string) (*Vnode, error) {
	path = Normalize(path)
	entry, rel := v.mounts.findMount(path)
	if entry == nil {
		return nil, kerrno.Wrap(kerrno.NotFound, "no mount covers %q", path)
	}
	return walk(ctx, entry.SB, rel)
}

// Mount implements spec.md §4.4's Mount contract.
func (v *VFS) Mount(ctx context.Context, mountpoint, fsName string, device any) error {
	mountpoint = Normalize(mountpoint)

	if v.mounts.find(mountpoint) != nil {
		return kerrno.Wrap(kerrno.AlreadyExists, "mount: %q already mounted", mountpoint)
	}

	if sb := v.mounts.findReusable(device, fsName); sb != nil {
		sb.incref()
		v.mounts.prepend(&MountEntry{Mountpoint: mountpoint, FSName: fsName, SB: sb})
		return nil
	}

	if mountpoint != "/" {
		if err := v.mkdirAll(ctx, mountpoint); err != nil {
			return err
		}
	}

	v.mounts.mu.RLock()
	ft, ok := v.mounts.types[fsName]
	v.mounts.mu.RUnlock()
	if !ok {
		return kerrno.Wrap(kerrno.NotFound, "mount: unknown filesystem type %q", fsName)
	}

	sb, err := ft.Mount(device)
	if err != nil {
		return err
	}
	sb.Device = device
	v.mounts.prepend(&MountEntry{Mountpoint: mountpoint, FSName: fsName, SB: sb})
	return nil
}

// Unmount implements spec.md §4.4's Unmount contract: refuse while
// any FD still references a vnode owned by this superblock, then
// decref and, at zero, call the FS-specific Unmount (or, when no
// filesystem type is registered under the entry's name, fall back to
// releasing the root).
func (v *VFS) Unmount(ctx context.Context, mountpoint string) error {
	mountpoint = Normalize(mountpoint)
	entry := v.mounts.find(mountpoint)
	if entry == nil {
		return kerrno.Wrap(kerrno.NotFound, "unmount: %q not mounted", mountpoint)
	}

	v.fdMu.Lock()
	for _, fd := range v.fds {
		if fd != nil && fd.Vnode.SB == entry.SB {
			v.fdMu.Unlock()
			return kerrno.Wrap(kerrno.Busy, "unmount: %q has open file descriptors", mountpoint)
		}
	}
	v.fdMu.Unlock()

	if entry.SB.Decref() {
		v.mounts.mu.RLock()
		ft, ok := v.mounts.types[entry.FSName]
		v.mounts.mu.RUnlock()
		if ok {
			if err := ft.Unmount(entry.SB); err != nil {
				return err
			}
		} else {
			if err := entry.SB.Root.Ops.Release(ctx, entry.SB.Root); err != nil {
				return err
			}
		}
	}
	v.mounts.remove(entry)
	return nil
}

// bindOps forwards every operation to an underlying source vnode,
// implementing spec.md §4.4's bind-mount wrapper.
type bindOps struct {
	source *Vnode
}

func (b *bindOps) Lookup(ctx context.Context, _ *Vnode, name string) (*Vnode, error) {
	return b.source.Ops.Lookup(ctx, b.source, name)
}
func (b *bindOps) Create(ctx context.Context, _ *Vnode, name string) (*Vnode, error) {
	return b.source.Ops.Create(ctx, b.source, name)
}
func (b *bindOps) Mkdir(ctx context.Context, _ *Vnode, name string) (*Vnode, error) {
	return b.source.Ops.Mkdir(ctx, b.source, name)
}
func (b *bindOps) Read(ctx context.Context, _ *Vnode, buf []byte, off int64) (int, error) {
	return b.source.Ops.Read(ctx, b.source, buf, off)
}
func (b *bindOps) Write(ctx context.Context, _ *Vnode, buf []byte, off int64) (int, error) {
	return b.source.Ops.Write(ctx, b.source, buf, off)
}
func (b *bindOps) Readdir(ctx context.Context, _ *Vnode, max, offset int) ([]DirEntry, error) {
	return b.source.Ops.Readdir(ctx, b.source, max, offset)
}
func (b *bindOps) Unlink(ctx context.Context, _ *Vnode, name string) error {
	return b.source.Ops.Unlink(ctx, b.source, name)
}
func (b *bindOps) Symlink(ctx context.Context, _ *Vnode, name, target string) (*Vnode, error) {
	return b.source.Ops.Symlink(ctx, b.source, name, target)
}
func (b *bindOps) Readlink(ctx context.Context, _ *Vnode) (string, error) {
	return b.source.Ops.Readlink(ctx, b.source)
}
func (b *bindOps) Truncate(ctx context.Context, _ *Vnode, size int64) error {
	return b.source.Ops.Truncate(ctx, b.source, size)
}
func (b *bindOps) Getattr(ctx context.Context, _ *Vnode) (Attr, error) {
	return b.source.Ops.Getattr(ctx, b.source)
}
func (b *bindOps) Release(ctx context.Context, _ *Vnode) error {
	return b.source.Release(ctx)
}

// BindMount implements spec.md §4.4's bind_mount: resolve source to a
// directory vnode and expose it at target with no data copy.
func (v *VFS) BindMount(ctx context.Context, source, target string, recursive bool) error {
	src, err := v.resolve(ctx, source)
	if err != nil {
		return err
	}
	if src.Type != DirType {
		src.Release(ctx)
		return kerrno.Wrap(kerrno.NotADirectory, "bind_mount: %q is not a directory", source)
	}

	flags := FlagBind
	if recursive {
		flags |= FlagRecursive
	}
	root := NewVnode(src.Name, DirType, &bindOps{source: src}, nil, nil)
	sb := NewSuperblock("bind", root, nil, nil)
	sb.Flags = flags
	srcEntry, srcRel := v.mounts.findMount(Normalize(source))
	sb.BindSource = srcEntry.SB
	sb.BindRelative = srcRel

	target = Normalize(target)
	if err := v.mkdirAll(ctx, target); err != nil {
		return err
	}
	v.mounts.prepend(&MountEntry{Mountpoint: target, FSName: "bind", SB: sb, Flags: flags})
	return nil
}

// mkdirAll resolves path, creating any missing parent directories
// (and the final component) the way spec.md §4.4's Mount step 3 and
// Mkdir require; it is a no-op if path already names a directory.
func (v *VFS) mkdirAll(ctx context.Context, path string) error {
	path = Normalize(path)
	if path == "/" {
		return nil
	}
	comps := Components(path)
	built := ""
	for _, c := range comps {
		built += "/" + c
		n, err := v.resolve(ctx, built)
		if err == nil {
			if n.Type != DirType {
				n.Release(ctx)
				return kerrno.Wrap(kerrno.NotADirectory, "%q exists and is not a directory", built)
			}
			n.Release(ctx)
			continue
		}
		if err := v.Mkdir(ctx, built); err != nil {
			return err
		}
	}
	return nil
}

// Mkdir implements spec.md §4.4: idempotent, recursive parent
// creation.
func (v *VFS) Mkdir(ctx context.Context, path string) error {
	path = Normalize(path)
	if path == "/" {
		return nil
	}
	if n, err := v.resolve(ctx, path); err == nil {
		defer n.Release(ctx)
		if n.Type != DirType {
			return kerrno.Wrap(kerrno.NotADirectory, "%q exists and is not a directory", path)
		}
		return nil
	}
	dir, name := Split(path)
	if err := v.mkdirAll(ctx, dir); err != nil {
		return err
	}
	parent, err := v.resolve(ctx, dir)
	if err != nil {
		return err
	}
	defer parent.Release(ctx)
	child, err := parent.Ops.Mkdir(ctx, parent, name)
	if err != nil {
		return err
	}
	return child.Release(ctx)
}

// Open implements spec.md §4.4's open contract. It returns the
// smallest free FD, or an error on any failure.
func (v *VFS) Open(ctx context.Context, path string, flags int) (int, error) {
	path = Normalize(path)

	var n *Vnode
	if flags&OCREAT != 0 {
		dir, name := Split(path)
		if _, err := v.resolve(ctx, path); err == nil {
			return -1, kerrno.Wrap(kerrno.AlreadyExists, "open: %q already exists", path)
		}
		parent, err := v.resolve(ctx, dir)
		if err != nil {
			return -1, err
		}
		n, err = parent.Ops.Create(ctx, parent, name)
		parent.Release(ctx)
		if err != nil {
			return -1, err
		}
	} else {
		var err error
		n, err = v.resolve(ctx, path)
		if err != nil {
			return -1, err
		}
	}
	// Vnodes a filesystem hands out from Lookup/Create carry no
	// superblock; record the covering mount's so Unmount sees this FD.
	if n.SB == nil {
		if entry, _ := v.mounts.findMount(path); entry != nil {
			n.SB = entry.SB
		}
	}

	v.fdMu.Lock()
	defer v.fdMu.Unlock()
	for i, slot := range v.fds {
		if slot == nil {
			v.fds[i] = &FD{Vnode: n, Flags: flags}
			return i, nil
		}
	}
	n.Release(ctx)
	return -1, kerrno.Wrap(kerrno.NoSpace, "open: file descriptor table full")
}

func (v *VFS) fd(fdnum int) (*FD, error) {
	if fdnum < 0 || fdnum >= MaxFDs {
		return nil, kerrno.Wrap(kerrno.InvalidArgument, "bad fd %d", fdnum)
	}
	v.fdMu.Lock()
	defer v.fdMu.Unlock()
	f := v.fds[fdnum]
	if f == nil {
		return nil, kerrno.Wrap(kerrno.InvalidArgument, "fd %d not open", fdnum)
	}
	return f, nil
}

// Read implements spec.md §4.4's read contract: dispatch at the
// current offset and advance it by the bytes actually read.
func (v *VFS) Read(ctx context.Context, fdnum int, buf []byte) (int, error) {
	f, err := v.fd(fdnum)
	if err != nil {
		return 0, err
	}
	n, err := f.Vnode.Ops.Read(ctx, f.Vnode, buf, f.Offset)
	if err != nil {
		return 0, err
	}
	v.fdMu.Lock()
	f.Offset += int64(n)
	v.fdMu.Unlock()
	return n, nil
}

// Write implements spec.md §4.4's write contract.
func (v *VFS) Write(ctx context.Context, fdnum int, buf []byte) (int, error) {
	f, err := v.fd(fdnum)
	if err != nil {
		return 0, err
	}
	n, err := f.Vnode.Ops.Write(ctx, f.Vnode, buf, f.Offset)
	if err != nil {
		return 0, err
	}
	v.fdMu.Lock()
	f.Offset += int64(n)
	v.fdMu.Unlock()
	return n, nil
}

// Close implements spec.md §4.4's close contract.
func (v *VFS) Close(ctx context.Context, fdnum int) error {
	v.fdMu.Lock()
	if fdnum < 0 || fdnum >= MaxFDs || v.fds[fdnum] == nil {
		v.fdMu.Unlock()
		return kerrno.Wrap(kerrno.InvalidArgument, "close: fd %d not open", fdnum)
	}
	f := v.fds[fdnum]
	v.fds[fdnum] = nil
	v.fdMu.Unlock()
	return f.Vnode.Release(ctx)
}

// Unlink implements spec.md §4.4's unlink contract.
func (v *VFS) Unlink(ctx context.Context, path string) error {
	dir, name := Split(path)
	parent, err := v.resolve(ctx, dir)
	if err != nil {
		return err
	}
	defer parent.Release(ctx)
	return parent.Ops.Unlink(ctx, parent, name)
}

// Readdir lists up to max entries of the directory at path, starting
// at entry index offset.
func (v *VFS) Readdir(ctx context.Context, path string, max, offset int) ([]DirEntry, error) {
	n, err := v.resolve(ctx, path)
	if err != nil {
		return nil, err
	}
	defer n.Release(ctx)
	if n.Type != DirType {
		return nil, kerrno.Wrap(kerrno.NotADirectory, "readdir: %q is not a directory", path)
	}
	return n.Ops.Readdir(ctx, n, max, offset)
}

// Stat resolves path and returns its attributes.
func (v *VFS) Stat(ctx context.Context, path string) (Attr, error) {
	n, err := v.resolve(ctx, path)
	if err != nil {
		return Attr{}, err
	}
	defer n.Release(ctx)
	return n.Ops.Getattr(ctx, n)
}
