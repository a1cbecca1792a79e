package snapshot

import (
	"bytes"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"log"
	"time"

	"github.com/cockroachdb/pebble"
	"github.com/google/uuid"
	"golang.org/x/crypto/blake2b"

	"dbt/pkg/constants"
	"dbt/pkg/ram"
)

// Manifest describes one snapshot. An incremental snapshot holds only the
// pages written since Parent was taken.
type Manifest struct {
	ID          uuid.UUID       `json:"id"`
	Parent      uuid.UUID       `json:"parent"`
	Incremental bool            `json:"incremental"`
	Created     time.Time       `json:"created"`
	Blocks      []BlockManifest `json:"blocks"`
}

// BlockManifest maps page indexes of one RAM block to page digests. An
// empty digest is a zero page. A full snapshot omits zero pages.
type BlockManifest struct {
	Name   string            `json:"name"`
	Offset uint64            `json:"offset"`
	Length uint64            `json:"length"`
	Pages  map[uint64]string `json:"pages"`
}

// SaveStats counts what a Save wrote
type SaveStats struct {
	Pages    int // pages recorded in the manifest
	NewPages int // pages whose content was not stored yet
}

var zeroPage = make([]byte, constants.TargetPageSize)

// Save records the RAM blocks of list. A full snapshot records every
// non-zero page; an incremental one records the pages carrying the
// migration dirty flag since the previous snapshot. Either way the flag is
// cleared for the saved blocks once the snapshot is committed.
func (s *Store) Save(list *ram.List, incremental bool) (uuid.UUID, SaveStats, error) {
	var stats SaveStats
	m := Manifest{
		ID:          uuid.New(),
		Incremental: incremental,
		Created:     time.Now().UTC(),
	}
	if incremental {
		parent, err := s.Latest()
		if err != nil {
			return uuid.Nil, stats, err
		}
		if parent == uuid.Nil {
			return uuid.Nil, stats, fmt.Errorf("incremental snapshot needs a previous snapshot")
		}
		m.Parent = parent
	}

	batch := s.db.NewBatch()
	defer batch.Close()
	written := make(map[[32]byte]bool)
	page := make([]byte, constants.TargetPageSize)

	blocks := list.Blocks()
	for _, b := range blocks {
		bm := BlockManifest{Name: b.IDStr, Offset: b.Offset, Length: b.Length, Pages: make(map[uint64]string)}
		for off := uint64(0); off < b.Length; off += constants.TargetPageSize {
			if incremental && !list.GetDirty(b.Offset+off, constants.MigrationDirtyFlag) {
				continue
			}
			copy(page, b.Host[off:off+constants.TargetPageSize])
			idx := off >> constants.TargetPageBits

			if bytes.Equal(page, zeroPage) {
				if incremental {
					bm.Pages[idx] = ""
					stats.Pages++
				}
				continue
			}
			digest := blake2b.Sum256(page)
			bm.Pages[idx] = hex.EncodeToString(digest[:])
			stats.Pages++

			if written[digest] {
				continue
			}
			stored, err := s.hasPage(digest)
			if err != nil {
				return uuid.Nil, stats, err
			}
			if !stored {
				if err := s.putPage(batch, digest, page); err != nil {
					return uuid.Nil, stats, err
				}
				stats.NewPages++
			}
			written[digest] = true
		}
		m.Blocks = append(m.Blocks, bm)
	}

	data, err := json.Marshal(m)
	if err != nil {
		return uuid.Nil, stats, err
	}
	if err := batch.Set(manifestKey(m.ID), data, nil); err != nil {
		return uuid.Nil, stats, err
	}
	if err := batch.Set(latestKey, m.ID[:], nil); err != nil {
		return uuid.Nil, stats, err
	}
	if err := batch.Commit(pebble.Sync); err != nil {
		return uuid.Nil, stats, fmt.Errorf("failed to commit snapshot: %w", err)
	}

	for _, b := range blocks {
		list.ResetDirty(b.Offset, b.Offset+b.Length, constants.MigrationDirtyFlag)
	}
	log.Printf("snapshot: saved %s (incremental=%v): %d pages, %d new", m.ID, incremental, stats.Pages, stats.NewPages)
	return m.ID, stats, nil
}

// Load restores snapshot id into list, applying its parents first. Blocks
// are matched by name and must keep their length. Every restored page is
// marked dirty. Code translated from the old contents is not invalidated
// here; the owner of the translation cache flushes it.
func (s *Store) Load(id uuid.UUID, list *ram.List) error {
	m, err := s.Manifest(id)
	if err != nil {
		return err
	}
	if m.Incremental {
		if err := s.Load(m.Parent, list); err != nil {
			return fmt.Errorf("failed to load parent of %s: %w", id, err)
		}
	}

	byName := make(map[string]ram.Block)
	for _, b := range list.Blocks() {
		byName[b.IDStr] = b
	}

	for _, bm := range m.Blocks {
		b, ok := byName[bm.Name]
		if !ok {
			return fmt.Errorf("snapshot %s: no ram block %q", id, bm.Name)
		}
		if b.Length != bm.Length {
			return fmt.Errorf("snapshot %s: ram block %q is 0x%x bytes, snapshot has 0x%x", id, bm.Name, b.Length, bm.Length)
		}

		for off := uint64(0); off < b.Length; off += constants.TargetPageSize {
			idx := off >> constants.TargetPageBits
			hexDigest, ok := bm.Pages[idx]
			if !ok && m.Incremental {
				continue
			}
			if hexDigest == "" {
				if err := list.Discard(b.Offset+off, constants.TargetPageSize); err != nil {
					return err
				}
				continue
			}
			digest, err := parseDigest(hexDigest)
			if err != nil {
				return err
			}
			page, err := s.getPage(digest)
			if err != nil {
				return fmt.Errorf("snapshot %s: block %q page %d: %w", id, bm.Name, idx, err)
			}
			copy(b.Host[off:], page)
		}
		list.SetDirtyRange(b.Offset, b.Length, constants.AllDirty)
	}
	log.Printf("snapshot: loaded %s into %d blocks", id, len(m.Blocks))
	return nil
}
