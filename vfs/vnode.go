package vfs

import (
	"context"
	"sync"

	"github.com/nullshell/corekernel/kerrno"
)

// Type is the vnode kind from spec.md §3.
type Type int

const (
	FileType Type = iota
	DirType
	SymlinkType
	CharDevType
	BlockDevType
)

// Attr is the subset of attributes Getattr reports.
type Attr struct {
	Type Type
	Size uint64
	Mode uint32
}

// DirEntry is one entry yielded by Readdir.
type DirEntry struct {
	Name string
	Type Type
}

// Ops is the per-vnode operation vtable from spec.md §3/§4.4. A
// filesystem implements only the operations relevant to a node kind;
// unimplemented operations are represented by returning
// kerrno.Unsupported, the way go-fuse's NodeEmbedder interfaces are
// each optional and fall back to a default behavior (fs/api.go).
type Ops interface {
	Lookup(ctx context.Context, parent *Vnode, name string) (*Vnode, error)
	Create(ctx context.Context, parent *Vnode, name string) (*Vnode, error)
	Mkdir(ctx context.Context, parent *Vnode, name string) (*Vnode, error)
	Read(ctx context.Context, n *Vnode, buf []byte, off int64) (int, error)
	Write(ctx context.Context, n *Vnode, buf []byte, off int64) (int, error)
	Readdir(ctx context.Context, n *Vnode, max int, offset int) ([]DirEntry, error)
	Unlink(ctx context.Context, parent *Vnode, name string) error
	Symlink(ctx context.Context, parent *Vnode, name, target string) (*Vnode, error)
	Readlink(ctx context.Context, n *Vnode) (string, error)
	Truncate(ctx context.Context, n *Vnode, size int64) error
	Getattr(ctx context.Context, n *Vnode) (Attr, error)
	Release(ctx context.Context, n *Vnode) error
}

// UnsupportedOps embeds into a filesystem's Ops implementation to
// satisfy every method with kerrno.Unsupported by default; a concrete
// filesystem overrides only the operations it actually supports, the
// same "optional interface" shape as go-fuse's NodeEmbedder methods.
type UnsupportedOps struct{}

func (UnsupportedOps) Lookup(context.Context, *Vnode, string) (*Vnode, error) {
	return nil, kerrno.Wrap(kerrno.Unsupported, "lookup")
}
func (UnsupportedOps) Create(context.Context, *Vnode, string) (*Vnode, error) {
	return nil, kerrno.Wrap(kerrno.Unsupported, "create")
}
func (UnsupportedOps) Mkdir(context.Context, *Vnode, string) (*Vnode, error) {
	return nil, kerrno.Wrap(kerrno.Unsupported, "mkdir")
}
func (UnsupportedOps) Read(context.Context, *Vnode, []byte, int64) (int, error) {
	return 0, kerrno.Wrap(kerrno.Unsupported, "read")
}
func (UnsupportedOps) Write(context.Context, *Vnode, []byte, int64) (int, error) {
	return 0, kerrno.Wrap(kerrno.Unsupported, "write")
}
func (UnsupportedOps) Readdir(context.Context, *Vnode, int, int) ([]DirEntry, error) {
	return nil, kerrno.Wrap(kerrno.Unsupported, "readdir")
}
func (UnsupportedOps) Unlink(context.Context, *Vnode, string) error {
	return kerrno.Wrap(kerrno.Unsupported, "unlink")
}
func (UnsupportedOps) Symlink(context.Context, *Vnode, string, string) (*Vnode, error) {
	return nil, kerrno.Wrap(kerrno.Unsupported, "symlink")
}
func (UnsupportedOps) Readlink(context.Context, *Vnode) (string, error) {
	return "", kerrno.Wrap(kerrno.Unsupported, "readlink")
}
func (UnsupportedOps) Truncate(context.Context, *Vnode, int64) error {
	return kerrno.Wrap(kerrno.Unsupported, "truncate")
}
func (UnsupportedOps) Getattr(context.Context, *Vnode) (Attr, error) {
	return Attr{}, kerrno.Wrap(kerrno.Unsupported, "getattr")
}
func (UnsupportedOps) Release(context.Context, *Vnode) error { return nil }

// Vnode is the in-memory handle to a filesystem object from
// spec.md §3. Per the spec, vnodes are never cached globally: every
// Lookup returns a fresh handle with refcount 1, and Release is
// called exactly once the count reaches zero.
type Vnode struct {
	Name string
	Type Type
	Ops  Ops
	SB   *Superblock

	// Private is filesystem-specific state (e.g. fat32's
	// first-cluster/size bookkeeping), opaque to vfs itself.
	Private any

	mu  sync.Mutex
	ref int
}

// NewVnode constructs a vnode with an initial refcount of 1, owned by
// sb.
func NewVnode(name string, typ Type, ops Ops, sb *Superblock, private any) *Vnode {
	return &Vnode{Name: name, Type: typ, Ops: ops, SB: sb, Private: private, ref: 1}
}

// Ref increments the refcount and returns the same vnode, for callers
// that hand out an additional reference to an existing handle (e.g.
// bind-mount wrappers).
func (v *Vnode) Ref() *Vnode {
	v.mu.Lock()
	v.ref++
	v.mu.Unlock()
	return v
}

// RefCount reports the current refcount; exposed for tests verifying
// spec.md §8's refcount-conservation property.
func (v *Vnode) RefCount() int {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.ref
}

// Release decrements the refcount and, at zero, calls the vnode's
// Release operation and detaches it so it cannot be reused.
func (v *Vnode) Release(ctx context.Context) error {
	v.mu.Lock()
	v.ref--
	zero := v.ref == 0
	v.mu.Unlock()
	if !zero {
		return nil
	}
	return v.Ops.Release(ctx, v)
}
