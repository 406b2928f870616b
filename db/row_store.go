package db

import (
	"fmt"
	"maps"
	"sort"
	"sync"

	"github.com/cespare/xxhash/v2"
	"github.com/maxpert/txsandbox/encoding"
	"github.com/maxpert/txsandbox/id"
	"github.com/tidwall/btree"
)

// Payload maps column name to value. Committed payloads are never mutated;
// callers that hand payloads out clone them first.
type Payload map[string]any

// Clone returns a shallow copy. Values are scalars, so this is a full copy.
func (p Payload) Clone() Payload {
	if p == nil {
		return nil
	}
	return maps.Clone(p)
}

// RowVersion is one committed or in-flight state of a row.
// BeginSeq == 0 means in-flight; EndSeq == 0 means not superseded.
type RowVersion struct {
	VersionID    uint64
	RowID        uint64
	CreatorTxnID uint64
	DeleterTxnID uint64
	BeginSeq     uint64
	EndSeq       uint64
	Tombstone    bool
	Payload      Payload
}

func (v *RowVersion) committed() bool {
	return v.BeginSeq != 0
}

// visibleAt reports whether a committed version is the one visible at seq
func (v *RowVersion) visibleAt(seq uint64) bool {
	return v.BeginSeq != 0 && v.BeginSeq <= seq && (v.EndSeq == 0 || v.EndSeq > seq)
}

// Row is one logical record and its version chain, oldest first
type Row struct {
	ID    uint64
	Table string
	chain []*RowVersion
}

// RowStore owns every row and version chain. All access goes through the
// transaction manager and executor; the store only guards its own structure.
type RowStore struct {
	mu        sync.RWMutex
	tables    map[string]*btree.Map[uint64, *Row]
	rows      map[uint64]*Row
	allocated map[uint64]string // ids handed out by NewRowID with no version yet
	versions  int

	rowIDs     *id.Sequence
	versionIDs *id.Sequence
}

// NewRowStore creates an empty store
func NewRowStore() *RowStore {
	return &RowStore{
		tables:     make(map[string]*btree.Map[uint64, *Row]),
		rows:       make(map[uint64]*Row),
		allocated:  make(map[uint64]string),
		rowIDs:     id.NewSequence(0),
		versionIDs: id.NewSequence(0),
	}
}

// NewRowID allocates a fresh, never reused row id for table
func (s *RowStore) NewRowID(table string) uint64 {
	rowID := s.rowIDs.NextID()

	s.mu.Lock()
	s.allocated[rowID] = table
	s.mu.Unlock()

	return rowID
}

// forgetRowID drops an allocation that never received a version
func (s *RowStore) forgetRowID(rowID uint64) {
	s.mu.Lock()
	delete(s.allocated, rowID)
	s.mu.Unlock()
}

// AppendVersion appends an in-flight version to the row's chain
func (s *RowStore) AppendVersion(rowID uint64, v *RowVersion) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	row, ok := s.rows[rowID]
	if !ok {
		table, allocated := s.allocated[rowID]
		if !allocated {
			return fmt.Errorf("append version: %w: %d", ErrRowNotFound, rowID)
		}
		delete(s.allocated, rowID)

		row = &Row{ID: rowID, Table: table}
		s.rows[rowID] = row
		s.tableIndex(table).Set(rowID, row)
	}

	v.RowID = rowID
	v.VersionID = s.versionIDs.NextID()
	row.chain = append(row.chain, v)
	s.versions++
	return nil
}

// VersionChain returns copies of the row's versions, oldest first.
// Unknown ids yield an empty slice.
func (s *RowStore) VersionChain(rowID uint64) []*RowVersion {
	s.mu.RLock()
	defer s.mu.RUnlock()

	row, ok := s.rows[rowID]
	if !ok {
		return []*RowVersion{}
	}

	out := make([]*RowVersion, len(row.chain))
	for i, v := range row.chain {
		cp := *v
		out[i] = &cp
	}
	return out
}

// TableOf returns the table a row (or allocated row id) belongs to
func (s *RowStore) TableOf(rowID uint64) (string, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if row, ok := s.rows[rowID]; ok {
		return row.Table, true
	}
	table, ok := s.allocated[rowID]
	return table, ok
}

// RowIDs returns the row ids of table in ascending order
func (s *RowStore) RowIDs(table string) []uint64 {
	s.mu.RLock()
	defer s.mu.RUnlock()

	idx, ok := s.tables[table]
	if !ok {
		return nil
	}

	ids := make([]uint64, 0, idx.Len())
	idx.Scan(func(rowID uint64, _ *Row) bool {
		ids = append(ids, rowID)
		return true
	})
	return ids
}

// Tables returns the names of tables holding at least one row
func (s *RowStore) Tables() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()

	names := make([]string, 0, len(s.tables))
	for name, idx := range s.tables {
		if idx.Len() > 0 {
			names = append(names, name)
		}
	}
	sort.Strings(names)
	return names
}

// Stats returns the number of rows and retained versions
func (s *RowStore) Stats() (rows, versions int) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.rows), s.versions
}

func (s *RowStore) tableIndex(table string) *btree.Map[uint64, *Row] {
	idx, ok := s.tables[table]
	if !ok {
		idx = &btree.Map[uint64, *Row]{}
		s.tables[table] = idx
	}
	return idx
}

// removeVersionsLocked drops versions matching drop from a row and removes the
// row once its chain is empty. Caller holds s.mu for writing.
func (s *RowStore) removeVersionsLocked(row *Row, drop func(*RowVersion) bool) int {
	kept := row.chain[:0]
	removed := 0
	for _, v := range row.chain {
		if drop(v) {
			removed++
			continue
		}
		kept = append(kept, v)
	}
	for i := len(kept); i < len(row.chain); i++ {
		row.chain[i] = nil
	}
	row.chain = kept
	s.versions -= removed

	if len(row.chain) == 0 {
		s.removeRowLocked(row)
	}
	return removed
}

func (s *RowStore) removeRowLocked(row *Row) {
	s.versions -= len(row.chain)
	row.chain = nil
	delete(s.rows, row.ID)
	if idx, ok := s.tables[row.Table]; ok {
		idx.Delete(row.ID)
		if idx.Len() == 0 {
			delete(s.tables, row.Table)
		}
	}
}

// VersionImage is the serialized form of a RowVersion
type VersionImage struct {
	VersionID    uint64  `msgpack:"version_id" json:"version_id"`
	CreatorTxnID uint64  `msgpack:"creator_txn_id" json:"creator_txn_id"`
	DeleterTxnID uint64  `msgpack:"deleter_txn_id,omitempty" json:"deleter_txn_id,omitempty"`
	BeginSeq     uint64  `msgpack:"begin_seq,omitempty" json:"begin_seq,omitempty"`
	EndSeq       uint64  `msgpack:"end_seq,omitempty" json:"end_seq,omitempty"`
	Tombstone    bool    `msgpack:"tombstone,omitempty" json:"tombstone,omitempty"`
	Payload      Payload `msgpack:"payload" json:"payload"`
}

// RowImage is the serialized form of a row and its chain
type RowImage struct {
	Table    string         `msgpack:"table" json:"table"`
	RowID    uint64         `msgpack:"row_id" json:"row_id"`
	Versions []VersionImage `msgpack:"versions" json:"versions"`
}

// StoreImage is a full, deterministic image of the row store.
// The row id allocator is not part of the image.
type StoreImage struct {
	Rows []RowImage `msgpack:"rows" json:"rows"`
}

func imageOf(v *RowVersion) VersionImage {
	return VersionImage{
		VersionID:    v.VersionID,
		CreatorTxnID: v.CreatorTxnID,
		DeleterTxnID: v.DeleterTxnID,
		BeginSeq:     v.BeginSeq,
		EndSeq:       v.EndSeq,
		Tombstone:    v.Tombstone,
		Payload:      v.Payload.Clone(),
	}
}

// Image captures every row and version, tables sorted by name and rows by id
func (s *RowStore) Image() StoreImage {
	s.mu.RLock()
	defer s.mu.RUnlock()

	names := make([]string, 0, len(s.tables))
	for name := range s.tables {
		names = append(names, name)
	}
	sort.Strings(names)

	img := StoreImage{Rows: make([]RowImage, 0, len(s.rows))}
	for _, name := range names {
		s.tables[name].Scan(func(rowID uint64, row *Row) bool {
			ri := RowImage{Table: name, RowID: rowID, Versions: make([]VersionImage, len(row.chain))}
			for i, v := range row.chain {
				ri.Versions[i] = imageOf(v)
			}
			img.Rows = append(img.Rows, ri)
			return true
		})
	}
	return img
}

// Dump encodes Image() as msgpack. Equal stores produce identical bytes.
func (s *RowStore) Dump() ([]byte, error) {
	return encoding.Marshal(s.Image())
}

// Checksum is the xxhash digest of Dump()
func (s *RowStore) Checksum() (uint64, error) {
	data, err := s.Dump()
	if err != nil {
		return 0, err
	}
	return xxhash.Sum64(data), nil
}
