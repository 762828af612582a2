package store

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"os"
	"path/filepath"
	"strconv"

	"github.com/rethinkkv/rethinkkv/internal/btree"
	"github.com/rethinkkv/rethinkkv/internal/serializer"
)

// engineManifest is the small plain file recording what Create wrote,
// read back by Open before any slice is touched — it has to be readable
// without knowing NumSlices yet (§9 "an additional metadata file records
// engine version, slice-count, and the multiplexer's slice→proxy map").
// JSON over a tiny, rarely-written struct is an ambient stdlib choice:
// this isn't a wire protocol or a hot path, just a handful of fields
// written once per Create and read once per Open.
type engineManifest struct {
	Version   int    `json:"version"`
	NumSlices int    `json:"num_slices"`
	EngineID  string `json:"engine_id"`
}

const engineManifestVersion = 1
const manifestFileName = "manifest.json"

func (s *Store) writeEngineManifest() error {
	man := engineManifest{Version: engineManifestVersion, NumSlices: s.opts.NumSlices, EngineID: s.engineID.String()}
	b, err := json.MarshalIndent(man, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(filepath.Join(s.dir, manifestFileName), b, 0644)
}

func readEngineManifest(dir string) (engineManifest, error) {
	b, err := os.ReadFile(filepath.Join(dir, manifestFileName))
	if err != nil {
		return engineManifest{}, err
	}
	var man engineManifest
	if err := json.Unmarshal(b, &man); err != nil {
		return engineManifest{}, err
	}
	return man, nil
}

// Metadata slice keys (§4.7 "stores engine-wide key/value pairs
// (replication clock, last-sync, persisted performance counters)").
var (
	metaKeyEngineID         = []byte("engine_id")
	metaKeyReplicationClock = []byte("replication_clock")
	metaKeyLastSync         = []byte("last_sync")
	metaCounterPrefix       = []byte("counter:")
)

func (s *Store) putMeta(ctx context.Context, key, value []byte) error {
	tok := s.meta.source.CheckIn()
	var err error
	s.meta.writeLocked(tok, func() {
		st := s.meta.ts.next()
		err = s.meta.slice.Set(ctx, key, value, st.recency)
	})
	return err
}

func (s *Store) getMeta(ctx context.Context, key []byte) ([]byte, error) {
	var val []byte
	var err error
	s.meta.dispatch(func() { val, err = s.meta.slice.Get(ctx, key) })
	return val, err
}

// ReplicationClock returns the persisted replication clock (§3
// "Superblock"'s replication bookkeeping, kept here engine-wide rather
// than duplicated per-slice — see DESIGN.md's "Open-question
// resolutions").
func (s *Store) ReplicationClock(ctx context.Context) (uint64, error) {
	v, err := s.getMeta(ctx, metaKeyReplicationClock)
	if err != nil {
		return 0, err
	}
	return binary.BigEndian.Uint64(v), nil
}

// SetReplicationClock persists clock as the new replication clock value.
func (s *Store) SetReplicationClock(ctx context.Context, clock uint64) error {
	var buf [8]byte
	binary.BigEndian.PutUint64(buf[:], clock)
	return s.putMeta(ctx, metaKeyReplicationClock, buf[:])
}

// LastSync returns the recency of the most recent successful backfill
// sync, or serializer.InvalidRecency if none has been recorded yet.
func (s *Store) LastSync(ctx context.Context) (serializer.Recency, error) {
	v, err := s.getMeta(ctx, metaKeyLastSync)
	if err != nil {
		return serializer.InvalidRecency, err
	}
	return serializer.Recency(binary.BigEndian.Uint64(v)), nil
}

// SetLastSync persists when as the most recent successful backfill sync
// point.
func (s *Store) SetLastSync(ctx context.Context, when serializer.Recency) error {
	var buf [8]byte
	binary.BigEndian.PutUint64(buf[:], uint64(when))
	return s.putMeta(ctx, metaKeyLastSync, buf[:])
}

// PersistCounters snapshots the running op counters into the metadata
// slice, one entry per counter, so they survive a restart
// (§4.7 "persisted performance counters").
func (s *Store) PersistCounters(ctx context.Context) error {
	for name, count := range s.metrics.Snapshot() {
		key := append(append([]byte(nil), metaCounterPrefix...), name...)
		if err := s.putMeta(ctx, key, []byte(strconv.FormatInt(count, 10))); err != nil {
			return err
		}
	}
	return nil
}

// LoadPersistedCounters reads back whatever PersistCounters last wrote,
// keyed by counter name, for a cold-start metrics report.
func (s *Store) LoadPersistedCounters(ctx context.Context) (map[string]int64, error) {
	out := make(map[string]int64)
	prefixEnd := btree.NextKey(metaCounterPrefix)
	_, err := s.meta.slice.RGet(ctx, metaCounterPrefix, prefixEnd, 0, func(key, value []byte) error {
		name := string(key[len(metaCounterPrefix):])
		n, err := strconv.ParseInt(string(value), 10, 64)
		if err != nil {
			return err
		}
		out[name] = n
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}
