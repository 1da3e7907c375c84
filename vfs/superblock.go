package vfs

import "sync"

// SBFlag marks special superblock kinds, per spec.md §3.
type SBFlag int

const (
	FlagNone SBFlag = 0
	FlagBind SBFlag = 1 << iota
	FlagRecursive
)

// Superblock is filesystem-instance state from spec.md §3: a name, an
// owned root vnode, opaque private state, an optional backing device,
// a refcount (so one instance can back several mount points) and,
// for bind mounts, a pointer to the source superblock and the
// relative path within it.
type Superblock struct {
	Name    string
	Root    *Vnode
	Private any
	Device  any // nil if not device-backed (e.g. bind mounts, chardevs)
	Flags   SBFlag

	BindSource   *Superblock
	BindRelative string

	mu  sync.Mutex
	ref int
}

// NewSuperblock constructs a superblock with refcount 1, as
// spec.md §4.4's Mount step 4 requires.
func NewSuperblock(name string, root *Vnode, private any, device any) *Superblock {
	sb := &Superblock{Name: name, Root: root, Private: private, Device: device, ref: 1}
	root.SB = sb
	return sb
}

func (sb *Superblock) incref() {
	sb.mu.Lock()
	sb.ref++
	sb.mu.Unlock()
}

// Decref decrements the refcount and reports whether it reached zero.
func (sb *Superblock) Decref() (zero bool) {
	sb.mu.Lock()
	defer sb.mu.Unlock()
	sb.ref--
	return sb.ref == 0
}

// RefCount reports the current refcount.
func (sb *Superblock) RefCount() int {
	sb.mu.Lock()
	defer sb.mu.Unlock()
	return sb.ref
}

// FSType registers a named filesystem driver, per spec.md §4.4
// ("Registers filesystem types ({ name, mount, unmount })").
type FSType interface {
	Name() string
	Mount(device any) (*Superblock, error)
	Unmount(sb *Superblock) error
}
