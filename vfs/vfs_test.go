package vfs

import (
	"context"
	"errors"
	"testing"

	"github.com/nullshell/corekernel/kerrno"
)

func TestNormalize(t *testing.T) {
	cases := map[string]string{
		"/a//b/./c/../d/": "/a/b/d",
		"////":            "/",
		"/..":             "/",
		"":                "/",
		"/a/b":            "/a/b",
		"a/b":             "/a/b",
	}
	for in, want := range cases {
		if got := Normalize(in); got != want {
			t.Errorf("Normalize(%q) = %q, want %q", in, got, want)
		}
	}
}

func TestNormalizeIdempotent(t *testing.T) {
	inputs := []string{"/a//b/./c/../d/", "////", "/..", "/x/y/z", "/./.././.."}
	for _, in := range inputs {
		once := Normalize(in)
		twice := Normalize(once)
		if once != twice {
			t.Errorf("not idempotent: Normalize(%q) = %q, Normalize(that) = %q", in, once, twice)
		}
		if len(once) == 0 || once[0] != '/' {
			t.Errorf("Normalize(%q) = %q does not start with /", in, once)
		}
	}
}

func TestMountLongestPrefix(t *testing.T) {
	ctx := context.Background()
	v := New()
	v.RegisterFSType(memFSType{})
	if err := v.Mount(ctx, "/", "memfs", "dev-root"); err != nil {
		t.Fatal(err)
	}
	if err := v.Mount(ctx, "/mnt", "memfs", "dev-mnt"); err != nil {
		t.Fatal(err)
	}
	if err := v.Mount(ctx, "/mnt/data", "memfs", "dev-data"); err != nil {
		t.Fatal(err)
	}

	entry, rel := v.mounts.findMount("/mnt/data/x")
	if entry.Mountpoint != "/mnt/data" || rel != "x" {
		t.Fatalf("got mount %q rel %q", entry.Mountpoint, rel)
	}

	entry, rel = v.mounts.findMount("/mnt/other")
	if entry.Mountpoint != "/mnt" || rel != "other" {
		t.Fatalf("got mount %q rel %q", entry.Mountpoint, rel)
	}
}

func TestOpenWriteReadCloseRoundTrip(t *testing.T) {
	ctx := context.Background()
	v := New()
	v.RegisterFSType(memFSType{})
	if err := v.Mount(ctx, "/", "memfs", nil); err != nil {
		t.Fatal(err)
	}

	fd, err := v.Open(ctx, "/hello.txt", OCREAT|OWRONLY)
	if err != nil {
		t.Fatal(err)
	}
	n, err := v.Write(ctx, fd, []byte("hi\n"))
	if err != nil || n != 3 {
		t.Fatalf("Write = %d,%v", n, err)
	}
	if err := v.Close(ctx, fd); err != nil {
		t.Fatal(err)
	}

	fd, err = v.Open(ctx, "/hello.txt", ORDONLY)
	if err != nil {
		t.Fatal(err)
	}
	buf := make([]byte, 10)
	n, err = v.Read(ctx, fd, buf)
	if err != nil || n != 3 || string(buf[:3]) != "hi\n" {
		t.Fatalf("Read = %d,%v,%q", n, err, buf[:n])
	}
	if err := v.Close(ctx, fd); err != nil {
		t.Fatal(err)
	}

	entries, err := v.Readdir(ctx, "/", 10, 0)
	if err != nil || len(entries) != 1 || entries[0].Name != "hello.txt" {
		t.Fatalf("Readdir = %+v, %v", entries, err)
	}
}

func TestUnmountRefusesBusy(t *testing.T) {
	ctx := context.Background()
	v := New()
	v.RegisterFSType(memFSType{})
	if err := v.Mount(ctx, "/", "memfs", nil); err != nil {
		t.Fatal(err)
	}
	if err := v.Mount(ctx, "/mnt", "memfs", "devX"); err != nil {
		t.Fatal(err)
	}

	fd, err := v.Open(ctx, "/mnt/f", OCREAT|OWRONLY)
	if err != nil {
		t.Fatal(err)
	}

	if err := v.Unmount(ctx, "/mnt"); !errors.Is(err, kerrno.Busy) {
		t.Fatalf("Unmount with open fd = %v, want Busy", err)
	}

	if err := v.Close(ctx, fd); err != nil {
		t.Fatal(err)
	}
	if err := v.Unmount(ctx, "/mnt"); err != nil {
		t.Fatalf("Unmount after close: %v", err)
	}
	if entry, _ := v.mounts.findMount("/mnt/f"); entry.Mountpoint != "/" {
		t.Fatalf("expected /mnt mount gone, found %q", entry.Mountpoint)
	}
}

func TestMountReuseOnSameDevice(t *testing.T) {
	ctx := context.Background()
	v := New()
	v.RegisterFSType(memFSType{})
	if err := v.Mount(ctx, "/", "memfs", nil); err != nil {
		t.Fatal(err)
	}
	device := "same-device"
	if err := v.Mount(ctx, "/a", "memfs", device); err != nil {
		t.Fatal(err)
	}
	if err := v.Mount(ctx, "/b", "memfs", device); err != nil {
		t.Fatal(err)
	}
	entryA, _ := v.mounts.findMount("/a")
	entryB, _ := v.mounts.findMount("/b")
	if entryA.SB != entryB.SB {
		t.Fatalf("expected same superblock reused across mounts on one device")
	}
	if got := entryA.SB.RefCount(); got != 2 {
		t.Fatalf("refcount = %d, want 2", got)
	}
}

func TestRefcountConservation(t *testing.T) {
	ctx := context.Background()
	v := New()
	v.RegisterFSType(memFSType{})
	if err := v.Mount(ctx, "/", "memfs", nil); err != nil {
		t.Fatal(err)
	}
	if err := v.Mkdir(ctx, "/d"); err != nil {
		t.Fatal(err)
	}

	root := v.mounts.find("/").SB.Root
	rootBefore := root.RefCount()

	n, err := v.resolve(ctx, "/d")
	if err != nil {
		t.Fatal(err)
	}
	before := n.RefCount()
	if before != 1 {
		t.Fatalf("fresh lookup refcount = %d, want 1", before)
	}
	if err := n.Release(ctx); err != nil {
		t.Fatal(err)
	}
	if got := root.RefCount(); got != rootBefore {
		t.Fatalf("root refcount after lookup/release = %d, want %d", got, rootBefore)
	}
}

func TestBindMountForwardsOperations(t *testing.T) {
	ctx := context.Background()
	v := New()
	v.RegisterFSType(memFSType{})
	if err := v.Mount(ctx, "/", "memfs", nil); err != nil {
		t.Fatal(err)
	}
	if err := v.Mkdir(ctx, "/src"); err != nil {
		t.Fatal(err)
	}
	fd, err := v.Open(ctx, "/src/a", OCREAT|OWRONLY)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := v.Write(ctx, fd, []byte("data")); err != nil {
		t.Fatal(err)
	}
	v.Close(ctx, fd)

	if err := v.BindMount(ctx, "/src", "/view", false); err != nil {
		t.Fatal(err)
	}
	fd, err = v.Open(ctx, "/view/a", ORDONLY)
	if err != nil {
		t.Fatal(err)
	}
	buf := make([]byte, 10)
	n, _ := v.Read(ctx, fd, buf)
	if string(buf[:n]) != "data" {
		t.Fatalf("bind-mounted read = %q, want data", buf[:n])
	}
	v.Close(ctx, fd)
}

func TestMkdirIdempotent(t *testing.T) {
	ctx := context.Background()
	v := New()
	v.RegisterFSType(memFSType{})
	if err := v.Mount(ctx, "/", "memfs", nil); err != nil {
		t.Fatal(err)
	}
	if err := v.Mkdir(ctx, "/a/b/c"); err != nil {
		t.Fatal(err)
	}
	if err := v.Mkdir(ctx, "/a/b/c"); err != nil {
		t.Fatalf("second Mkdir should be idempotent, got %v", err)
	}
}

func TestUnlink(t *testing.T) {
	ctx := context.Background()
	v := New()
	v.RegisterFSType(memFSType{})
	if err := v.Mount(ctx, "/", "memfs", nil); err != nil {
		t.Fatal(err)
	}
	fd, err := v.Open(ctx, "/f", OCREAT|OWRONLY)
	if err != nil {
		t.Fatal(err)
	}
	v.Close(ctx, fd)
	if err := v.Unlink(ctx, "/f"); err != nil {
		t.Fatal(err)
	}
	if _, err := v.Open(ctx, "/f", ORDONLY); !errors.Is(err, kerrno.NotFound) {
		t.Fatalf("expected NotFound after unlink, got %v", err)
	}
}
