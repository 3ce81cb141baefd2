// Package record persists per-cycle compaction statistics into an
// embedded bbolt store, grounded on the teacher's own choice of
// go.etcd.io/bbolt as its embedded KV comparator. spec.md scopes
// serviceability printing out as a mechanism; record gives that data a
// concrete, inspectable sink instead.
package record

import (
	"encoding/binary"
	"encoding/json"
	"fmt"

	bolt "go.etcd.io/bbolt"
)

var cycleBucket = []byte("cycles")

// CycleStats summarises one completed relocation cycle.
type CycleStats struct {
	CycleID        uint64
	Fragments      int
	BytesRelocated uint64
	PinnedCount    int
	PageBreaks     int
}

// Recorder writes CycleStats into a single-file bbolt database, one
// row per cycle keyed by its big-endian cycle id so cycles iterate in
// order.
type Recorder struct {
	db *bolt.DB
}

// Open opens (creating if necessary) a bbolt database at path for
// recording cycle statistics.
func Open(path string) (*Recorder, error) {
	db, err := bolt.Open(path, 0600, nil)
	if err != nil {
		return nil, fmt.Errorf("record: open %s: %w", path, err)
	}
	err = db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(cycleBucket)
		return err
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("record: create bucket: %w", err)
	}
	return &Recorder{db: db}, nil
}

// Close closes the underlying database.
func (r *Recorder) Close() error {
	return r.db.Close()
}

// Record persists stats under its CycleID, overwriting any prior
// record for the same cycle.
func (r *Recorder) Record(stats CycleStats) error {
	encoded, err := json.Marshal(stats)
	if err != nil {
		return fmt.Errorf("record: marshal cycle %d: %w", stats.CycleID, err)
	}
	return r.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(cycleBucket)
		return b.Put(cycleKey(stats.CycleID), encoded)
	})
}

// Get returns the stats recorded for cycleID, or (CycleStats{}, false)
// if no record exists.
func (r *Recorder) Get(cycleID uint64) (CycleStats, bool, error) {
	var stats CycleStats
	var found bool
	err := r.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(cycleBucket)
		v := b.Get(cycleKey(cycleID))
		if v == nil {
			return nil
		}
		found = true
		return json.Unmarshal(v, &stats)
	})
	if err != nil {
		return CycleStats{}, false, fmt.Errorf("record: get cycle %d: %w", cycleID, err)
	}
	return stats, found, nil
}

// Recent returns up to limit recorded cycles with the highest cycle
// ids, highest id first.
func (r *Recorder) Recent(limit int) ([]CycleStats, error) {
	var out []CycleStats
	err := r.db.View(func(tx *bolt.Tx) error {
		c := tx.Bucket(cycleBucket).Cursor()
		for k, v := c.Last(); k != nil && len(out) < limit; k, v = c.Prev() {
			var stats CycleStats
			if err := json.Unmarshal(v, &stats); err != nil {
				return err
			}
			out = append(out, stats)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("record: recent: %w", err)
	}
	return out, nil
}

// cycleKey encodes a cycle id as a big-endian key so bbolt's
// byte-lexicographic cursor order matches numeric cycle order.
func cycleKey(cycleID uint64) []byte {
	buf := make([]byte, 8)
	binary.BigEndian.PutUint64(buf, cycleID)
	return buf
}
