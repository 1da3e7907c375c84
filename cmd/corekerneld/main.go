// corekerneld boots a kernel.Context against an in-memory disk,
// formats it FAT32, spawns a handful of demo tasks exercising the
// scheduler, mutex and message queue, and prints what happened.
package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"log"
	"os"

	"golang.org/x/sync/errgroup"

	"github.com/nullshell/corekernel/fat32"
	"github.com/nullshell/corekernel/ide"
	"github.com/nullshell/corekernel/kernel"
	"github.com/nullshell/corekernel/msgqueue"
	"github.com/nullshell/corekernel/sched"
	"github.com/nullshell/corekernel/vfs"
)

func main() {
	log.SetFlags(log.Lmicroseconds)

	diskMB := flag.Int("disk-mb", 64, "size in MiB of the in-memory demo disk")
	workers := flag.Int("workers", 3, "number of demo counter tasks")
	incrementsPerWorker := flag.Int("increments", 100, "increments each counter task performs under the shared mutex")
	maxTicks := flag.Int("max-ticks", 10000, "scheduler ticks to run before giving up")
	verbose := flag.Bool("debug", false, "print per-subsystem log output")
	flag.Parse()

	out := os.Stdout
	var logOut io.Writer = io.Discard
	if *verbose {
		logOut = out
	}

	k := kernel.New(kernel.WithLogOutput(logOut))
	ctx := context.Background()

	media := ide.NewMemDisk(*diskMB*1024*1024, "COREKERNELD", "SN0001", "FW1")
	disk, err := k.AttachDisk(ide.Slot{Bus: 0, Drive: 0}, media, ide.KindATA)
	if err != nil {
		log.Fatalf("AttachDisk: %v", err)
	}
	if err := k.FormatAndMount(ctx, disk, "/", fat32.FormatOptions{VolumeLabel: "COREKRNL"}); err != nil {
		log.Fatalf("FormatAndMount: %v", err)
	}
	fmt.Fprintf(out, "mounted fat32 at / on a %d MiB disk\n", *diskMB)

	// Demo 1: workers counter tasks racing 0..incrementsPerWorker
	// increments each under a shared mutex, spec.md §8 scenario 5.
	counter := 0
	mu := sched.NewMutex()
	doneCh := make(chan struct{}, *workers)

	var spawnGroup errgroup.Group
	for i := 0; i < *workers; i++ {
		name := fmt.Sprintf("counter-%d", i)
		spawnGroup.Go(func() error {
			_, _, err := k.Spawn(name, 0, func(t *sched.Task) {
				for n := 0; n < *incrementsPerWorker; n++ {
					mu.Lock(t)
					counter++
					if err := mu.Unlock(t); err != nil {
						log.Printf("%s: unlock: %v", name, err)
					}
					t.Yield()
				}
				doneCh <- struct{}{}
			})
			return err
		})
	}

	// Demo 2: a pinger task sends three messages to an echo task,
	// spec.md §8 scenario 6's "N in order" property.
	var echoQueue *msgqueue.Queue
	echoTask, echoQueue, err := k.Spawn("echo", 1, func(t *sched.Task) {
		for i := 0; i < 3; i++ {
			m, ok := echoQueue.Receive(ctx, true)
			if !ok {
				return
			}
			fmt.Fprintf(out, "echo task received type=%d payload=%q\n", m.Type, string(m.Data))
		}
	})
	if err != nil {
		log.Fatalf("Spawn echo: %v", err)
	}

	if _, _, err := k.Spawn("pinger", 2, func(t *sched.Task) {
		for i := 0; i < 3; i++ {
			payload := []byte(fmt.Sprintf("ping-%d", i))
			if err := k.Queues.Send(echoTask.ID, uint32(200+i), payload); err != nil {
				log.Printf("pinger: send: %v", err)
			}
			t.Yield()
		}
	}); err != nil {
		log.Fatalf("Spawn pinger: %v", err)
	}

	if err := spawnGroup.Wait(); err != nil {
		log.Fatalf("spawning demo workers: %v", err)
	}

	k.Run(*maxTicks)

	for i := 0; i < *workers; i++ {
		<-doneCh
	}
	fmt.Fprintf(out, "counter tasks finished: counter=%d (want %d)\n", counter, (*workers)*(*incrementsPerWorker))

	fd, err := k.VFS.Open(ctx, "/hello.txt", vfs.OCREAT|vfs.OWRONLY)
	if err != nil {
		log.Fatalf("Open: %v", err)
	}
	if _, err := k.VFS.Write(ctx, fd, []byte("hi\n")); err != nil {
		log.Fatalf("Write: %v", err)
	}
	if err := k.VFS.Close(ctx, fd); err != nil {
		log.Fatalf("Close: %v", err)
	}

	entries, err := k.VFS.Readdir(ctx, "/", 64, 0)
	if err != nil {
		log.Fatalf("Readdir: %v", err)
	}
	fmt.Fprintln(out, "root directory:")
	for _, e := range entries {
		fmt.Fprintf(out, "  %s\n", e.Name)
	}

	if err := k.Shutdown(ctx, []string{"/"}); err != nil {
		log.Fatalf("Shutdown: %v", err)
	}
	fmt.Fprintln(out, "unmounted cleanly")
}
