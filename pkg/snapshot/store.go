package snapshot

import (
	"bytes"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"sort"

	"github.com/cockroachdb/pebble"
	"github.com/google/uuid"
	"github.com/klauspost/reedsolomon"
	"golang.org/x/crypto/blake2b"

	"dbt/pkg/constants"
)

// DataShards splits every page; parity shards are added on top
const DataShards = 4

var (
	manifestPrefix = []byte("m/")
	pagePrefix     = []byte("p/")
	latestKey      = []byte("latest")
)

// Store keeps RAM snapshots in a pebble database. Pages are content
// addressed by their blake2b-256 digest and stored as Reed-Solomon shards,
// each prefixed by its own digest so damage is detected per shard.
type Store struct {
	db     *pebble.DB
	enc    reedsolomon.Encoder
	parity int
}

func Open(path string, parity int) (*Store, error) {
	enc, err := reedsolomon.New(DataShards, parity)
	if err != nil {
		return nil, fmt.Errorf("failed to create Reed-Solomon encoder: %w", err)
	}
	db, err := pebble.Open(path, &pebble.Options{})
	if err != nil {
		return nil, fmt.Errorf("failed to open snapshot store: %w", err)
	}
	return &Store{db: db, enc: enc, parity: parity}, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

func manifestKey(id uuid.UUID) []byte {
	return append(append([]byte(nil), manifestPrefix...), id[:]...)
}

func shardKey(digest [32]byte, i int) []byte {
	key := append(append([]byte(nil), pagePrefix...), digest[:]...)
	return append(key, byte(i))
}

// prefixEnd returns the first key after every key starting with prefix
func prefixEnd(prefix []byte) []byte {
	end := append([]byte(nil), prefix...)
	end[len(end)-1]++
	return end
}

// get copies the value of key out of the database
func (s *Store) get(key []byte) ([]byte, error) {
	val, closer, err := s.db.Get(key)
	if err != nil {
		return nil, err
	}
	defer closer.Close()
	return append([]byte(nil), val...), nil
}

func (s *Store) hasPage(digest [32]byte) (bool, error) {
	_, err := s.get(shardKey(digest, 0))
	if errors.Is(err, pebble.ErrNotFound) {
		return false, nil
	}
	return err == nil, err
}

// putPage encodes page into the batch unless it is already stored
func (s *Store) putPage(batch *pebble.Batch, digest [32]byte, page []byte) error {
	shards, err := s.enc.Split(page)
	if err != nil {
		return fmt.Errorf("failed to split page: %w", err)
	}
	if err := s.enc.Encode(shards); err != nil {
		return fmt.Errorf("failed to encode page: %w", err)
	}
	for i, shard := range shards {
		sum := blake2b.Sum256(shard)
		val := append(sum[:], shard...)
		if err := batch.Set(shardKey(digest, i), val, nil); err != nil {
			return err
		}
	}
	return nil
}

// getPage reads the shards of digest, rebuilding missing or damaged ones
func (s *Store) getPage(digest [32]byte) ([]byte, error) {
	shards := make([][]byte, DataShards+s.parity)
	for i := range shards {
		val, err := s.get(shardKey(digest, i))
		if errors.Is(err, pebble.ErrNotFound) {
			continue
		}
		if err != nil {
			return nil, err
		}
		if len(val) < blake2b.Size256 {
			continue
		}
		sum := blake2b.Sum256(val[blake2b.Size256:])
		if !bytes.Equal(sum[:], val[:blake2b.Size256]) {
			continue
		}
		shards[i] = val[blake2b.Size256:]
	}

	if err := s.enc.ReconstructData(shards); err != nil {
		return nil, fmt.Errorf("failed to reconstruct page %x: %w", digest[:8], err)
	}
	var buf bytes.Buffer
	if err := s.enc.Join(&buf, shards, int(constants.TargetPageSize)); err != nil {
		return nil, fmt.Errorf("failed to join page %x: %w", digest[:8], err)
	}
	page := buf.Bytes()
	if blake2b.Sum256(page) != digest {
		return nil, fmt.Errorf("page %x does not match its digest", digest[:8])
	}
	return page, nil
}

func parseDigest(s string) ([32]byte, error) {
	var d [32]byte
	b, err := hex.DecodeString(s)
	if err != nil || len(b) != len(d) {
		return d, fmt.Errorf("invalid page digest %q", s)
	}
	copy(d[:], b)
	return d, nil
}

// Manifest reads the manifest of snapshot id
func (s *Store) Manifest(id uuid.UUID) (Manifest, error) {
	var m Manifest
	data, err := s.get(manifestKey(id))
	if errors.Is(err, pebble.ErrNotFound) {
		return m, fmt.Errorf("no snapshot %s", id)
	}
	if err != nil {
		return m, err
	}
	if err := json.Unmarshal(data, &m); err != nil {
		return m, fmt.Errorf("failed to parse manifest %s: %w", id, err)
	}
	return m, nil
}

// Latest returns the most recent snapshot, uuid.Nil if there is none
func (s *Store) Latest() (uuid.UUID, error) {
	data, err := s.get(latestKey)
	if errors.Is(err, pebble.ErrNotFound) {
		return uuid.Nil, nil
	}
	if err != nil {
		return uuid.Nil, err
	}
	return uuid.FromBytes(data)
}

// List returns every manifest, oldest first
func (s *Store) List() ([]Manifest, error) {
	iter, err := s.db.NewIter(&pebble.IterOptions{
		LowerBound: manifestPrefix,
		UpperBound: prefixEnd(manifestPrefix),
	})
	if err != nil {
		return nil, err
	}
	defer iter.Close()

	var out []Manifest
	for iter.First(); iter.Valid(); iter.Next() {
		var m Manifest
		if err := json.Unmarshal(iter.Value(), &m); err != nil {
			return nil, fmt.Errorf("failed to parse manifest at %x: %w", iter.Key(), err)
		}
		out = append(out, m)
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].Created.Before(out[j].Created) })
	return out, nil
}
