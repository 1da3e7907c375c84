package vfs

import (
	"context"
	"strings"
	"sync"

	"github.com/nullshell/corekernel/kerrno"
)

// MountEntry binds a normalized mountpoint to a superblock, per
// spec.md §3.
type MountEntry struct {
	Mountpoint string
	FSName     string
	SB         *Superblock
	Flags      SBFlag
}

// mountTable is the VFS's list of mount entries (a slice), mutated only
// with mu held — standing in for spec.md §4.4's "IRQs disabled
// locally" requirement the way pathfs.PathNodeFs.pathLock guards its
// tree (fuse/pathfs/pathfs.go).
type mountTable struct {
	mu      sync.RWMutex
	entries []*MountEntry // most-recently-mounted first
	types   map[string]FSType
}

func newMountTable() *mountTable {
	return &mountTable{types: make(map[string]FSType)}
}

// RegisterFSType adds a filesystem driver that Mount can look up by
// name.
func (t *mountTable) RegisterFSType(ft FSType) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.types[ft.Name()] = ft
}

// findMount implements spec.md §4.4's longest-prefix mount lookup: Q
// matches M when M == "/", Q == M, or Q starts with M + "/"; the
// match with the longest M wins.
func (t *mountTable) findMount(query string) (*MountEntry, string) {
	t.mu.RLock()
	defer t.mu.RUnlock()

	var best *MountEntry
	for _, e := range t.entries {
		m := e.Mountpoint
		matches := m == "/" || query == m || strings.HasPrefix(query, m+"/")
		if !matches {
			continue
		}
		if best == nil || len(m) > len(best.Mountpoint) {
			best = e
		}
	}
	if best == nil {
		return nil, ""
	}
	rel := strings.TrimPrefix(query, best.Mountpoint)
	rel = strings.TrimPrefix(rel, "/")
	return best, rel
}

func (t *mountTable) find(mountpoint string) *MountEntry {
	t.mu.RLock()
	defer t.mu.RUnlock()
	for _, e := range t.entries {
		if e.Mountpoint == mountpoint {
			return e
		}
	}
	return nil
}

func (t *mountTable) prepend(e *MountEntry) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.entries = append([]*MountEntry{e}, t.entries...)
}

func (t *mountTable) remove(e *MountEntry) {
	t.mu.Lock()
	defer t.mu.Unlock()
	for i, x := range t.entries {
		if x == e {
			t.entries = append(t.entries[:i], t.entries[i+1:]...)
			return
		}
	}
}

// findReusable implements spec.md §4.4 Mount step 2: reuse an
// existing mount's superblock when a non-nil device matches both
// device identity and filesystem name.
func (t *mountTable) findReusable(device any, fsName string) *Superblock {
	if device == nil {
		return nil
	}
	t.mu.RLock()
	defer t.mu.RUnlock()
	for _, e := range t.entries {
		if e.FSName == fsName && e.SB.Device == device {
			return e.SB
		}
	}
	return nil
}

// walk implements spec.md §4.4's path walk: starting at sb.Root
// (ref++), descend one component at a time via Lookup, releasing the
// previous node as we go. The returned vnode carries one reference
// owed to the caller.
func walk(ctx context.Context, sb *Superblock, relpath string) (*Vnode, error) {
	cur := sb.Root.Ref()
	if relpath == "" {
		return cur, nil
	}
	for _, comp := range strings.Split(relpath, "/") {
		if comp == "" {
			continue
		}
		if cur.Type != DirType {
			cur.Release(ctx)
			return nil, kerrno.Wrap(kerrno.NotADirectory, "walk: %q is not a directory", cur.Name)
		}
		child, err := cur.Ops.Lookup(ctx, cur, comp)
		cur.Release(ctx)
		if err != nil {
			return nil, err
		}
		cur = child
	}
	return cur, nil
}
