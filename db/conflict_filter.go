package db

import (
	"encoding/binary"
	"strconv"
	"sync"

	"github.com/cespare/xxhash/v2"
	cuckoo "github.com/linvon/cuckoo-filter"
	"github.com/maxpert/txsandbox/telemetry"
)

const (
	cuckooBucketSize      = 4
	cuckooFingerprintSize = 32 // FP rate ~2.3×10⁻¹⁰
)

// hashBufPool reduces allocations for hash-to-bytes conversion.
var hashBufPool = sync.Pool{
	New: func() any { return make([]byte, 8) },
}

// ConflictFilter remembers which rows were committed recently.
//
//   - Hash = XXH64(table:rowID) per committed row
//   - Filter MISS = no commit touched the row since the oldest active snapshot
//   - Filter HIT = maybe; SNAPSHOT validation walks the version chain
//
// Entries are grouped by commit sequence and pruned once no active
// transaction started before them. Each distinct hash is inserted into the
// cuckoo filter once, so hot rows never overflow a bucket.
//
// Thread-safe for concurrent access.
type ConflictFilter struct {
	filter  *cuckoo.Filter
	mu      sync.RWMutex
	bySeq   map[uint64][]uint64 // commit seq -> row hashes
	counts  map[uint64]int      // row hash -> live references, for safe deletes
	spilled map[uint64]struct{} // hashes the filter refused when full
}

// NewConflictFilter creates a filter sized for capacity distinct rows
func NewConflictFilter(capacity uint) *ConflictFilter {
	cf := cuckoo.NewFilter(cuckooBucketSize, cuckooFingerprintSize, capacity, cuckoo.TableTypePacked)
	return &ConflictFilter{
		filter:  cf,
		bySeq:   make(map[uint64][]uint64),
		counts:  make(map[uint64]int),
		spilled: make(map[uint64]struct{}),
	}
}

// RowHash computes the filter key of a row.
// Combines table name and row id to avoid cross-table collisions.
func RowHash(table string, rowID uint64) uint64 {
	h := xxhash.New()
	h.WriteString(table)
	h.WriteString(":")
	h.WriteString(strconv.FormatUint(rowID, 10))
	return h.Sum64()
}

// Check returns true if the row MIGHT have been committed recently.
// Returns false if it definitely was not (fast path safe).
func (f *ConflictFilter) Check(rowHash uint64) bool {
	f.mu.RLock()
	defer f.mu.RUnlock()

	if _, spilled := f.spilled[rowHash]; spilled {
		return true
	}
	buf := hashBufPool.Get().([]byte)
	binary.LittleEndian.PutUint64(buf, rowHash)
	result := f.filter.Contain(buf)
	hashBufPool.Put(buf)
	return result
}

// Add records the rows committed at seq
func (f *ConflictFilter) Add(seq uint64, rowHashes []uint64) {
	if len(rowHashes) == 0 {
		return
	}

	f.mu.Lock()
	buf := hashBufPool.Get().([]byte)
	for _, h := range rowHashes {
		if f.counts[h] == 0 {
			binary.LittleEndian.PutUint64(buf, h)
			if !f.filter.Add(buf) {
				f.spilled[h] = struct{}{}
			}
		}
		f.counts[h]++
	}
	hashBufPool.Put(buf)
	f.bySeq[seq] = append(f.bySeq[seq], rowHashes...)
	size := f.filter.Size()
	f.mu.Unlock()

	telemetry.ConflictFilterSize.Set(float64(size))
}

// Prune forgets every commit at or below horizon. Returns entries removed.
func (f *ConflictFilter) Prune(horizon uint64) int {
	f.mu.Lock()
	removed := 0
	buf := hashBufPool.Get().([]byte)
	for seq, hashes := range f.bySeq {
		if seq > horizon {
			continue
		}
		for _, h := range hashes {
			f.counts[h]--
			if f.counts[h] <= 0 {
				delete(f.counts, h)
				if _, spilled := f.spilled[h]; spilled {
					delete(f.spilled, h)
				} else {
					binary.LittleEndian.PutUint64(buf, h)
					f.filter.Delete(buf)
				}
				removed++
			}
		}
		delete(f.bySeq, seq)
	}
	hashBufPool.Put(buf)
	size := f.filter.Size()
	f.mu.Unlock()

	telemetry.ConflictFilterSize.Set(float64(size))
	return removed
}

// Size returns current number of entries in the filter.
func (f *ConflictFilter) Size() uint {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return f.filter.Size()
}

// SeqCount returns number of tracked commit sequences.
func (f *ConflictFilter) SeqCount() int {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return len(f.bySeq)
}
