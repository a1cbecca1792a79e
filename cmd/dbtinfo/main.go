package main

import (
	"flag"
	"fmt"
	"log"
	"os"

	"github.com/google/uuid"

	"dbt/pkg/codebuf"
	"dbt/pkg/config"
	"dbt/pkg/engine"
	"dbt/pkg/snapshot"
)

func main() {
	configPath := flag.String("config-path", "", "Path to a JSON configuration file")
	dataPath := flag.String("data-path", "", "Snapshot directory, overrides snapshot_path")
	imagePath := flag.String("image", "", "Raw image loaded at guest physical 0")
	save := flag.Bool("save", false, "Save a snapshot of guest RAM")
	incremental := flag.Bool("incremental", false, "Save only pages written since the last snapshot")
	restore := flag.String("restore", "", "Snapshot ID to restore before printing")
	list := flag.Bool("list", false, "List stored snapshots")
	disasm := flag.Bool("disasm", false, "Disassemble the entry/exit trampoline")

	flag.Parse()

	cfg := config.Default()
	if *configPath != "" {
		var err error
		cfg, err = config.Load(*configPath)
		if err != nil {
			log.Fatalf("Failed to load config: %v", err)
		}
	}
	if *dataPath != "" {
		cfg.SnapshotPath = *dataPath
	}

	eng, err := engine.New(cfg, nil)
	if err != nil {
		log.Fatalf("Failed to start engine: %v", err)
	}
	defer eng.Close()

	if *imagePath != "" {
		image, err := os.ReadFile(*imagePath)
		if err != nil {
			log.Fatalf("Failed to read image: %v", err)
		}
		if err := eng.Memory().DebugRW(0, image, true); err != nil {
			log.Fatalf("Failed to load image: %v", err)
		}
		log.Printf("Loaded %d bytes from %s", len(image), *imagePath)
	}

	if *save || *restore != "" || *list {
		if cfg.SnapshotPath == "" {
			log.Fatal("Error: snapshots need --data-path or snapshot_path")
		}
		store, err := snapshot.Open(cfg.SnapshotPath, cfg.SnapshotParityShards)
		if err != nil {
			log.Fatalf("Failed to open snapshot store: %v", err)
		}
		defer store.Close()

		if *restore != "" {
			id, err := uuid.Parse(*restore)
			if err != nil {
				log.Fatalf("Invalid snapshot ID %q: %v", *restore, err)
			}
			if err := store.Load(id, eng.RAM()); err != nil {
				log.Fatalf("Failed to restore snapshot: %v", err)
			}
			eng.Flush()
		}
		if *save {
			id, stats, err := store.Save(eng.RAM(), *incremental)
			if err != nil {
				log.Fatalf("Failed to save snapshot: %v", err)
			}
			fmt.Printf("snapshot %s: %d pages, %d new\n", id, stats.Pages, stats.NewPages)
		}
		if *list {
			manifests, err := store.List()
			if err != nil {
				log.Fatalf("Failed to list snapshots: %v", err)
			}
			for _, m := range manifests {
				kind := "full"
				if m.Incremental {
					kind = "incremental from " + m.Parent.String()
				}
				fmt.Printf("%s  %s  %s\n", m.ID, m.Created.Format("2006-01-02 15:04:05"), kind)
			}
		}
	}

	fmt.Println("physical memory:")
	for _, run := range eng.Memory().Runs() {
		fmt.Printf("  %s\n", run)
	}

	fmt.Println("ram blocks:")
	for _, b := range eng.RAM().Blocks() {
		fmt.Printf("  %-16s offset 0x%08x length 0x%08x fd %d\n", b.IDStr, b.Offset, b.Length, b.FD)
	}

	s := eng.Stats()
	fmt.Printf("code buffer: %d/%d bytes, %d/%d blocks\n", s.CodeBytes, s.CodeCapacity, s.Blocks, s.MaxBlocks)
	fmt.Printf("guest ram: 0x%x bytes\n", s.RAMBytes)
	fmt.Printf("flushes %d, invalidations %d, bitmaps %d, chained %d\n", s.Flushes, s.Invalidations, s.BitmapBuilds, s.Chained)

	if *disasm {
		code := eng.Code()
		t := code.Trampoline()
		if t.Exit == 0 {
			log.Fatalf("No trampoline for %s", cfg.HostArch)
		}
		// pop rcx, six callee-saved pops, ret
		end := t.Exit + 12
		fmt.Printf("trampoline entry 0x%x exit 0x%x:\n", t.Entry, t.Exit)
		fmt.Print(codebuf.Disassemble(code.Bytes(t.Entry, end-t.Entry), t.Entry))
	}
}
