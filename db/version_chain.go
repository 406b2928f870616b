package db

import (
	"sync/atomic"
)

// VersionChainManager decides which version of a row a transaction sees and
// stamps versions on commit. It owns the global commit sequence.
type VersionChainManager struct {
	store *RowStore

	// seq is the commit_sequence. Only CommitTxn advances it, under both the
	// transaction manager's commit mutex and the store write lock.
	seq atomic.Uint64
}

// NewVersionChainManager creates a manager over store
func NewVersionChainManager(store *RowStore) *VersionChainManager {
	return &VersionChainManager{store: store}
}

// CurrentSeq returns the last assigned commit sequence
func (vm *VersionChainManager) CurrentSeq() uint64 {
	return vm.seq.Load()
}

// VisibleVersion returns a copy of the version of rowID visible to txn, or nil
// when the row does not exist for txn (never written, deleted, or only
// in-flight for someone else). The caller must own txn.
func (vm *VersionChainManager) VisibleVersion(rowID uint64, txn *Transaction) *RowVersion {
	vm.store.mu.RLock()
	defer vm.store.mu.RUnlock()

	row, ok := vm.store.rows[rowID]
	if !ok {
		return nil
	}
	return liveCopy(vm.visibleLocked(row, txn))
}

// WriteBase returns the version a write by txn replaces. Locking isolation
// levels write over the latest committed state; SNAPSHOT writes over its
// snapshot. Own in-flight writes always win.
func (vm *VersionChainManager) WriteBase(rowID uint64, txn *Transaction) *RowVersion {
	if txn.Isolation == Snapshot {
		return vm.VisibleVersion(rowID, txn)
	}

	vm.store.mu.RLock()
	defer vm.store.mu.RUnlock()

	row, ok := vm.store.rows[rowID]
	if !ok {
		return nil
	}
	if own := ownInFlight(row, txn.ID); own != nil {
		return liveCopy(own)
	}
	return liveCopy(currentCommitted(row))
}

func liveCopy(v *RowVersion) *RowVersion {
	if v == nil || v.Tombstone {
		return nil
	}
	cp := *v
	return &cp
}

func ownInFlight(row *Row, txnID uint64) *RowVersion {
	for i := len(row.chain) - 1; i >= 0; i-- {
		v := row.chain[i]
		if !v.committed() && v.CreatorTxnID == txnID {
			return v
		}
	}
	return nil
}

func currentCommitted(row *Row) *RowVersion {
	for i := len(row.chain) - 1; i >= 0; i-- {
		v := row.chain[i]
		if v.committed() && v.EndSeq == 0 {
			return v
		}
	}
	return nil
}

// visibleLocked applies the isolation rules. Caller holds store.mu.
func (vm *VersionChainManager) visibleLocked(row *Row, txn *Transaction) *RowVersion {
	if own := ownInFlight(row, txn.ID); own != nil {
		return own
	}

	asOf := vm.asOf(row.ID, txn)
	for i := len(row.chain) - 1; i >= 0; i-- {
		if v := row.chain[i]; v.visibleAt(asOf) {
			return v
		}
	}
	return nil
}

// asOf returns the commit sequence txn reads rowID at
func (vm *VersionChainManager) asOf(rowID uint64, txn *Transaction) uint64 {
	switch txn.Isolation {
	case Snapshot:
		return txn.StartSeq
	case RepeatableRead:
		if pinned, ok := txn.pins[rowID]; ok {
			return pinned
		}
		current := vm.seq.Load()
		txn.pins[rowID] = current
		return current
	default:
		// READ COMMITTED and SERIALIZABLE read the latest committed state
		return vm.seq.Load()
	}
}

// CommitVersion stamps a single in-flight version at seq and ends the version
// it supersedes. v must come from the chain, not a copy.
func (vm *VersionChainManager) CommitVersion(v *RowVersion, seq uint64) {
	vm.store.mu.Lock()
	defer vm.store.mu.Unlock()

	row, ok := vm.store.rows[v.RowID]
	if !ok {
		return
	}
	commitVersionLocked(currentCommitted(row), v, seq)
}

func commitVersionLocked(prev, v *RowVersion, seq uint64) {
	v.BeginSeq = seq
	if prev == nil {
		return
	}
	prev.EndSeq = seq
	if v.Tombstone {
		prev.DeleterTxnID = v.CreatorTxnID
	}
}

// CommitTxn assigns the next commit sequence and stamps the newest in-flight
// version txnID holds on each of rowIDs. Older in-flight versions of the same
// row are intermediate states and are dropped. Returns the assigned sequence
// and the number of rows committed.
func (vm *VersionChainManager) CommitTxn(txnID uint64, rowIDs []uint64) (uint64, int) {
	vm.store.mu.Lock()
	defer vm.store.mu.Unlock()

	seq := vm.seq.Load() + 1
	committed := 0
	for _, rowID := range rowIDs {
		row, ok := vm.store.rows[rowID]
		if !ok {
			continue
		}
		newest := ownInFlight(row, txnID)
		if newest == nil {
			continue
		}
		vm.store.removeVersionsLocked(row, func(v *RowVersion) bool {
			return !v.committed() && v.CreatorTxnID == txnID && v != newest
		})

		prev := currentCommitted(row)
		if prev == nil && newest.Tombstone {
			// inserted and deleted by the same transaction
			vm.store.removeVersionsLocked(row, func(v *RowVersion) bool { return v == newest })
			continue
		}
		commitVersionLocked(prev, newest, seq)
		committed++
	}

	vm.seq.Store(seq)
	return seq, committed
}

// DiscardUncommitted removes every in-flight version created by txnID
func (vm *VersionChainManager) DiscardUncommitted(txnID uint64) int {
	vm.store.mu.Lock()
	defer vm.store.mu.Unlock()

	removed := 0
	for _, row := range vm.store.rows {
		removed += vm.store.removeVersionsLocked(row, func(v *RowVersion) bool {
			return !v.committed() && v.CreatorTxnID == txnID
		})
	}
	return removed
}

// DiscardVersions removes specific in-flight versions (savepoint and
// statement scope). Committed versions are never removed here.
func (vm *VersionChainManager) DiscardVersions(versions []*RowVersion) int {
	if len(versions) == 0 {
		return 0
	}

	drop := make(map[*RowVersion]struct{}, len(versions))
	byRow := make(map[uint64]struct{})
	for _, v := range versions {
		drop[v] = struct{}{}
		byRow[v.RowID] = struct{}{}
	}

	vm.store.mu.Lock()
	defer vm.store.mu.Unlock()

	removed := 0
	for rowID := range byRow {
		row, ok := vm.store.rows[rowID]
		if !ok {
			continue
		}
		removed += vm.store.removeVersionsLocked(row, func(v *RowVersion) bool {
			_, hit := drop[v]
			return hit && !v.committed()
		})
	}
	return removed
}

// HasConflict reports whether a version of rowID was committed after
// startSeq, i.e. the base a SNAPSHOT writer read has been superseded.
func (vm *VersionChainManager) HasConflict(rowID uint64, startSeq uint64) bool {
	vm.store.mu.RLock()
	defer vm.store.mu.RUnlock()

	row, ok := vm.store.rows[rowID]
	if !ok {
		return false
	}
	for _, v := range row.chain {
		if v.committed() && v.BeginSeq > startSeq {
			return true
		}
	}
	return false
}

// Prune removes versions no active transaction can see: versions superseded
// at or before horizon, and rows whose only remaining version is a tombstone
// committed at or before horizon.
func (vm *VersionChainManager) Prune(horizon uint64) int {
	vm.store.mu.Lock()
	defer vm.store.mu.Unlock()

	pruned := 0
	for _, row := range vm.store.rows {
		pruned += vm.store.removeVersionsLocked(row, func(v *RowVersion) bool {
			return v.committed() && v.EndSeq != 0 && v.EndSeq <= horizon
		})
		if len(row.chain) == 1 {
			if v := row.chain[0]; v.committed() && v.Tombstone && v.BeginSeq <= horizon {
				vm.store.removeVersionsLocked(row, func(*RowVersion) bool { return true })
				pruned++
			}
		}
	}
	return pruned
}

// LatestCommitted returns a copy of the current committed version of rowID,
// outside any transaction. nil when the row is deleted or not yet committed.
func (vm *VersionChainManager) LatestCommitted(rowID uint64) *RowVersion {
	vm.store.mu.RLock()
	defer vm.store.mu.RUnlock()

	row, ok := vm.store.rows[rowID]
	if !ok {
		return nil
	}
	return liveCopy(currentCommitted(row))
}
