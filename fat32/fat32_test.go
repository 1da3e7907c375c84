package fat32

import (
	"bytes"
	"context"
	"log"
	"testing"

	"github.com/kylelemons/godebug/pretty"

	"github.com/nullshell/corekernel/hal"
	"github.com/nullshell/corekernel/ide"
	"github.com/nullshell/corekernel/vfs"
)

// newFormattedDisk wires a real ide.Disk atop an in-memory MemDisk,
// formats it FAT32, and returns the disk ready to mount.
func newFormattedDisk(t *testing.T, sizeBytes int) *ide.Disk {
	t.Helper()
	sim := hal.NewSim()
	logger := log.New(&bytes.Buffer{}, "IDE: ", 0)
	ctrl := ide.NewController(sim, logger)
	media := ide.NewMemDisk(sizeBytes, "TESTDISK", "SN1", "FW1")
	ctrl.Attach(ide.Slot{Bus: 0, Drive: 0}, media, ide.KindATA)
	disks := ctrl.Probe()
	if len(disks) != 1 {
		t.Fatalf("Probe returned %d disks, want 1", len(disks))
	}
	disk := disks[0]
	if err := Format(context.Background(), disk, FormatOptions{VolumeLabel: "TESTVOL"}); err != nil {
		t.Fatalf("Format: %v", err)
	}
	return disk
}

// newMountedVFS formats a 128 MiB disk and mounts it through the full
// vfs.FSType path, matching spec.md §8's "FAT32 create/read" scenario.
func newMountedVFS(t *testing.T) *vfs.VFS {
	t.Helper()
	disk := newFormattedDisk(t, 128*1024*1024)
	v := vfs.New()
	v.RegisterFSType(FileSystemType{})
	if err := v.Mount(context.Background(), "/", "fat32", disk); err != nil {
		t.Fatalf("Mount: %v", err)
	}
	return v
}

func TestFormatMountCreateReadRoundTrip(t *testing.T) {
	ctx := context.Background()
	v := newMountedVFS(t)

	fd, err := v.Open(ctx, "/hello.txt", vfs.OCREAT|vfs.OWRONLY)
	if err != nil {
		t.Fatalf("Open create: %v", err)
	}
	n, err := v.Write(ctx, fd, []byte("hi\n"))
	if err != nil || n != 3 {
		t.Fatalf("Write = %d,%v", n, err)
	}
	if err := v.Close(ctx, fd); err != nil {
		t.Fatalf("Close: %v", err)
	}

	fd, err = v.Open(ctx, "/hello.txt", vfs.ORDONLY)
	if err != nil {
		t.Fatalf("Open read: %v", err)
	}
	buf := make([]byte, 10)
	n, err = v.Read(ctx, fd, buf)
	if err != nil || n != 3 || string(buf[:3]) != "hi\n" {
		t.Fatalf("Read = %d,%v,%q", n, err, buf[:n])
	}
	if err := v.Close(ctx, fd); err != nil {
		t.Fatalf("Close: %v", err)
	}

	entries, err := v.Readdir(ctx, "/", 10, 0)
	if err != nil {
		t.Fatalf("Readdir: %v", err)
	}
	want := []vfs.DirEntry{{Name: "HELLO.TXT", Type: vfs.FileType}}
	if diff := pretty.Compare(want, entries); diff != "" {
		t.Fatalf("Readdir mismatch (-want +got):\n%s", diff)
	}

	attr, err := v.Stat(ctx, "/hello.txt")
	if err != nil || attr.Size != 3 {
		t.Fatalf("Stat size = %d,%v, want 3", attr.Size, err)
	}
}

func TestLargeWritePatternRoundTrip(t *testing.T) {
	ctx := context.Background()
	v := newMountedVFS(t)

	fd, err := v.Open(ctx, "/big.bin", vfs.OCREAT|vfs.OWRONLY)
	if err != nil {
		t.Fatalf("Open create: %v", err)
	}
	buf := make([]byte, 10000)
	for i := range buf {
		buf[i] = 'A' + byte(i%26)
	}
	n, err := v.Write(ctx, fd, buf)
	if err != nil || n != len(buf) {
		t.Fatalf("Write = %d,%v", n, err)
	}
	if err := v.Close(ctx, fd); err != nil {
		t.Fatalf("Close: %v", err)
	}

	fd, err = v.Open(ctx, "/big.bin", vfs.ORDONLY)
	if err != nil {
		t.Fatalf("Open read: %v", err)
	}
	readBuf := make([]byte, 512)
	n, err = v.Read(ctx, fd, readBuf)
	if err != nil || n != 512 {
		t.Fatalf("Read = %d,%v", n, err)
	}
	if string(readBuf[:26]) != "ABCDEFGHIJKLMNOPQRSTUVWXYZ" {
		t.Fatalf("first 26 bytes = %q", readBuf[:26])
	}
	if readBuf[26] != 'A' {
		t.Fatalf("byte 26 = %q, want 'A'", readBuf[26])
	}
	v.Close(ctx, fd)
}

func TestMkdirAndNestedFile(t *testing.T) {
	ctx := context.Background()
	v := newMountedVFS(t)

	if err := v.Mkdir(ctx, "/sub"); err != nil {
		t.Fatalf("Mkdir: %v", err)
	}
	fd, err := v.Open(ctx, "/sub/f.txt", vfs.OCREAT|vfs.OWRONLY)
	if err != nil {
		t.Fatalf("Open in subdir: %v", err)
	}
	if _, err := v.Write(ctx, fd, []byte("x")); err != nil {
		t.Fatalf("Write: %v", err)
	}
	v.Close(ctx, fd)

	entries, err := v.Readdir(ctx, "/sub", 10, 0)
	if err != nil {
		t.Fatalf("Readdir /sub: %v", err)
	}
	want := []vfs.DirEntry{
		{Name: ".", Type: vfs.DirType},
		{Name: "..", Type: vfs.DirType},
		{Name: "F.TXT", Type: vfs.FileType},
	}
	if diff := pretty.Compare(want, entries); diff != "" {
		t.Fatalf("Readdir /sub mismatch (-want +got):\n%s", diff)
	}
}

func TestUnlinkFreesChain(t *testing.T) {
	ctx := context.Background()
	disk := newFormattedDisk(t, 64*1024*1024)
	fs, err := Mount(ctx, disk)
	if err != nil {
		t.Fatalf("Mount: %v", err)
	}
	if _, err := fs.create(fs.rootCluster, "a.txt", AttrArchive); err != nil {
		t.Fatalf("create: %v", err)
	}
	first, err := fs.extendChain(0, 3)
	if err != nil {
		t.Fatalf("extendChain: %v", err)
	}
	if err := fs.updateEntry(fs.rootCluster, "a.txt", first, 100); err != nil {
		t.Fatalf("updateEntry: %v", err)
	}

	before := fs.fs.FreeClusters
	if err := fs.unlink(fs.rootCluster, "a.txt"); err != nil {
		t.Fatalf("unlink: %v", err)
	}
	if fs.fs.FreeClusters != before+3 {
		t.Fatalf("free clusters after unlink = %d, want %d", fs.fs.FreeClusters, before+3)
	}
	if _, err := fs.lookup(fs.rootCluster, "a.txt"); err == nil {
		t.Fatalf("expected NotFound after unlink")
	}
}

func TestValidateChainDetectsCycle(t *testing.T) {
	disk := newFormattedDisk(t, 64*1024*1024)
	fs, err := Mount(context.Background(), disk)
	if err != nil {
		t.Fatalf("Mount: %v", err)
	}
	a, err := fs.allocateCluster()
	if err != nil {
		t.Fatalf("allocateCluster: %v", err)
	}
	b, err := fs.allocateCluster()
	if err != nil {
		t.Fatalf("allocateCluster: %v", err)
	}
	// Wire a -> b -> a, an illegal cycle.
	if err := fs.setFATEntry(a, b); err != nil {
		t.Fatal(err)
	}
	if err := fs.setFATEntry(b, a); err != nil {
		t.Fatal(err)
	}
	fs.flushFATCache()

	ok, _, err := fs.validateChain(a)
	if ok || err == nil {
		t.Fatalf("validateChain over a cycle should fail, got ok=%v err=%v", ok, err)
	}
}

func TestAllocateAndFreeClusterRoundTrip(t *testing.T) {
	disk := newFormattedDisk(t, 64*1024*1024)
	fs, err := Mount(context.Background(), disk)
	if err != nil {
		t.Fatalf("Mount: %v", err)
	}
	before := fs.fs.FreeClusters
	c, err := fs.allocateCluster()
	if err != nil {
		t.Fatalf("allocateCluster: %v", err)
	}
	if v, err := fs.getFATEntry(c); err != nil || !isEOC(v) {
		t.Fatalf("allocated cluster entry = %#x, %v, want EOC", v, err)
	}
	if fs.fs.FreeClusters != before-1 {
		t.Fatalf("free clusters = %d, want %d", fs.fs.FreeClusters, before-1)
	}
	if err := fs.freeClusterChain(c); err != nil {
		t.Fatalf("freeClusterChain: %v", err)
	}
	if v, err := fs.getFATEntry(c); err != nil || v != fatFree {
		t.Fatalf("freed cluster entry = %#x, %v, want FREE", v, err)
	}
}

func TestTo83And83RoundTrip(t *testing.T) {
	cases := map[string]string{
		"hello.txt": "HELLO.TXT",
		"README":    "README",
		"a.b":       "A.B",
	}
	for in, want := range cases {
		raw := to83(in)
		if got := from83(raw); got != want {
			t.Errorf("to83/from83(%q) = %q, want %q", in, got, want)
		}
	}
}

func TestUnmountRemount(t *testing.T) {
	ctx := context.Background()
	disk := newFormattedDisk(t, 64*1024*1024)
	fs, err := Mount(ctx, disk)
	if err != nil {
		t.Fatalf("Mount: %v", err)
	}
	if _, err := fs.create(fs.rootCluster, "persist.txt", AttrArchive); err != nil {
		t.Fatalf("create: %v", err)
	}
	if err := fs.Unmount(ctx); err != nil {
		t.Fatalf("Unmount: %v", err)
	}

	fs2, err := Mount(ctx, disk)
	if err != nil {
		t.Fatalf("remount: %v", err)
	}
	if _, err := fs2.lookup(fs2.rootCluster, "persist.txt"); err != nil {
		t.Fatalf("persist.txt missing after remount: %v", err)
	}
}
