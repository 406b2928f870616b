package db

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/maxpert/txsandbox/telemetry"
	"github.com/rs/zerolog/log"
)

// LockMode is the mode of a lock
type LockMode int

const (
	LockShared LockMode = iota + 1
	LockExclusive
	LockRange
)

func (m LockMode) String() string {
	switch m {
	case LockShared:
		return "S"
	case LockExclusive:
		return "X"
	case LockRange:
		return "RANGE"
	}
	return "?"
}

// compatible implements the matrix: only SHARED with SHARED
func compatible(held, requested LockMode) bool {
	return held == LockShared && requested == LockShared
}

// covers reports whether holding mode held already satisfies requested
func covers(held, requested LockMode) bool {
	return held == requested || (held == LockExclusive && requested == LockShared)
}

// ResourceKind distinguishes row resources from key-range descriptors and
// primary key values
type ResourceKind int

const (
	ResourceRow ResourceKind = iota + 1
	ResourceRange
	ResourceKey
)

// Resource identifies a lockable thing. It is comparable and used as a map key.
type Resource struct {
	Kind      ResourceKind
	Table     string
	RowID     uint64
	Predicate string
}

// RowResource names a single row
func RowResource(table string, rowID uint64) Resource {
	return Resource{Kind: ResourceRow, Table: table, RowID: rowID}
}

// RangeResource names the key range a predicate covers on table
func RangeResource(table string, pred Predicate) Resource {
	return Resource{Kind: ResourceRange, Table: table, Predicate: pred.String()}
}

// KeyResource names one primary key value of table. Writers of the same key
// serialize on it, so two open transactions cannot both insert it.
func KeyResource(table string, key Predicate) Resource {
	return Resource{Kind: ResourceKey, Table: table, Predicate: key.String()}
}

func (r Resource) String() string {
	switch r.Kind {
	case ResourceRange:
		return fmt.Sprintf("RANGE %s[%s]", r.Table, r.Predicate)
	case ResourceKey:
		return fmt.Sprintf("KEY %s[%s]", r.Table, r.Predicate)
	}
	return fmt.Sprintf("ROW %s#%d", r.Table, r.RowID)
}

// LockRequest describes one acquisition
type LockRequest struct {
	Resource Resource
	Mode     LockMode

	// Images are the row states an EXCLUSIVE row lock covers (before and
	// after the write). A RANGE lock whose predicate matches any image
	// conflicts with it.
	Images []Payload

	// Predicate is the match function of a RANGE request
	Predicate Predicate

	// Timeout bounds a blocking wait; negative waits forever, zero fails at once
	Timeout time.Duration
}

// LockResult is the outcome of Acquire
type LockResult int

const (
	LockGranted  LockResult = iota + 1
	LockWaited              // queued, then granted
	LockConflict            // non-blocking request refused
	LockDeadlock
	LockTimedOut
	LockCancelled
)

func (r LockResult) String() string {
	switch r {
	case LockGranted:
		return "granted"
	case LockWaited:
		return "waited"
	case LockConflict:
		return "conflict"
	case LockDeadlock:
		return "deadlock"
	case LockTimedOut:
		return "timeout"
	case LockCancelled:
		return "cancelled"
	}
	return "unknown"
}

type holding struct {
	mode   LockMode
	images []Payload
	pred   Predicate
}

type lockEntry struct {
	holders map[uint64]*holding
}

// acquisition is one entry of a transaction's lock log. prev is the holding
// before this acquisition, nil when the lock was new.
type acquisition struct {
	resource Resource
	prev     *holding
}

type lockWaiter struct {
	txnID uint64
	req   LockRequest
	ch    chan error
	since time.Time
}

// HeldLock describes a lock holder
type HeldLock struct {
	TxnID uint64
	Mode  LockMode
}

// LockManager grants, queues and refuses lock requests and detects deadlocks
// on an explicit wait-for graph. Waiters are served FIFO per resource.
type LockManager struct {
	mu          sync.Mutex
	entries     map[Resource]*lockEntry
	byTable     map[string]map[Resource]struct{}
	acquired    map[uint64][]acquisition
	waiters     []*lockWaiter
	graph       *WaitForGraph
	interrupted map[uint64]error

	detectDeadlocks bool
	deadlocks       uint64
}

// NewLockManager creates a lock manager. With detectDeadlocks false, cycles
// are only broken by lock timeouts.
func NewLockManager(detectDeadlocks bool) *LockManager {
	return &LockManager{
		entries:         make(map[Resource]*lockEntry),
		byTable:         make(map[string]map[Resource]struct{}),
		acquired:        make(map[uint64][]acquisition),
		graph:           NewWaitForGraph(),
		interrupted:     make(map[uint64]error),
		detectDeadlocks: detectDeadlocks,
	}
}

// Acquire requests a lock for txnID. When blocking is false an incompatible
// request returns LockConflict with a nil error instead of waiting.
func (lm *LockManager) Acquire(ctx context.Context, txnID uint64, req LockRequest, blocking bool) (LockResult, error) {
	lm.mu.Lock()

	if err, ok := lm.interrupted[txnID]; ok {
		lm.mu.Unlock()
		return LockCancelled, err
	}

	blockers := lm.blockersLocked(txnID, req, len(lm.waiters), true)
	if len(blockers) == 0 {
		lm.grantLocked(txnID, req)
		lm.mu.Unlock()
		telemetry.LockAcquireTotal.With(req.Mode.String(), LockGranted.String()).Inc()
		return LockGranted, nil
	}

	if !blocking {
		lm.mu.Unlock()
		telemetry.LockAcquireTotal.With(req.Mode.String(), LockConflict.String()).Inc()
		return LockConflict, nil
	}

	if req.Timeout == 0 {
		lm.mu.Unlock()
		telemetry.LockAcquireTotal.With(req.Mode.String(), LockTimedOut.String()).Inc()
		return LockTimedOut, ErrLockTimeout{TxnID: txnID, Resource: req.Resource.String()}
	}

	w := &lockWaiter{txnID: txnID, req: req, ch: make(chan error, 1), since: time.Now()}
	lm.waiters = append(lm.waiters, w)
	lm.graph.SetEdges(txnID, blockers)

	log.Debug().
		Uint64("txn_id", txnID).
		Str("resource", req.Resource.String()).
		Str("mode", req.Mode.String()).
		Uints64("blocked_by", blockers).
		Msg("Lock wait")

	lm.settleLocked()
	lm.mu.Unlock()

	return lm.wait(ctx, w)
}

func (lm *LockManager) wait(ctx context.Context, w *lockWaiter) (LockResult, error) {
	var timeout <-chan time.Time
	if w.req.Timeout > 0 {
		timer := time.NewTimer(w.req.Timeout)
		defer timer.Stop()
		timeout = timer.C
	}

	select {
	case err := <-w.ch:
		return lm.finish(w, err)
	case <-ctx.Done():
		return lm.abandon(w, ctx.Err())
	case <-timeout:
		return lm.abandon(w, ErrLockTimeout{TxnID: w.txnID, Resource: w.req.Resource.String(), Timeout: w.req.Timeout})
	}
}

// abandon withdraws a waiter unless it was served concurrently
func (lm *LockManager) abandon(w *lockWaiter, cause error) (LockResult, error) {
	lm.mu.Lock()
	select {
	case err := <-w.ch:
		lm.mu.Unlock()
		return lm.finish(w, err)
	default:
	}
	lm.removeWaiterLocked(w)
	lm.settleLocked()
	lm.mu.Unlock()

	return lm.finish(w, cause)
}

func (lm *LockManager) finish(w *lockWaiter, err error) (LockResult, error) {
	telemetry.LockWaitSeconds.Observe(time.Since(w.since).Seconds())

	result := LockWaited
	switch KindOf(err) {
	case KindNone:
	case KindDeadlockVictim:
		result = LockDeadlock
	case KindLockTimeout:
		result = LockTimedOut
	default:
		result = LockCancelled
	}
	telemetry.LockAcquireTotal.With(w.req.Mode.String(), result.String()).Inc()
	return result, err
}

// blockersLocked returns the transactions that prevent txnID from getting
// req. position is req's place in the wait queue; only earlier waiters on the
// same resource count, which keeps grants FIFO. Caller holds lm.mu.
func (lm *LockManager) blockersLocked(txnID uint64, req LockRequest, position int, fair bool) []uint64 {
	set := make(map[uint64]struct{})

	entry := lm.entries[req.Resource]
	var held *holding
	if entry != nil {
		held = entry.holders[txnID]
	}

	if held == nil || !covers(held.mode, req.Mode) {
		if entry != nil {
			for holder, h := range entry.holders {
				if holder != txnID && !compatible(h.mode, req.Mode) {
					set[holder] = struct{}{}
				}
			}
		}
		// upgrades skip the queue; they already hold the resource
		if fair && held == nil {
			for _, w := range lm.waiters[:position] {
				if w.txnID != txnID && w.req.Resource == req.Resource && !compatible(w.req.Mode, req.Mode) {
					set[w.txnID] = struct{}{}
				}
			}
		}
	}

	for holder := range lm.crossConflictsLocked(txnID, req) {
		set[holder] = struct{}{}
	}

	return sortedKeys(set)
}

// crossConflictsLocked applies the predicate check between RANGE locks and
// EXCLUSIVE row locks on the same table
func (lm *LockManager) crossConflictsLocked(txnID uint64, req LockRequest) map[uint64]struct{} {
	out := make(map[uint64]struct{})

	switch {
	case req.Mode == LockExclusive && req.Resource.Kind == ResourceRow && len(req.Images) > 0:
		for res := range lm.byTable[req.Resource.Table] {
			if res.Kind != ResourceRange {
				continue
			}
			for holder, h := range lm.entries[res].holders {
				if holder != txnID && h.pred != nil && anyMatch(h.pred, req.Images) {
					out[holder] = struct{}{}
				}
			}
		}
	case req.Mode == LockRange && req.Predicate != nil:
		for res := range lm.byTable[req.Resource.Table] {
			if res.Kind != ResourceRow {
				continue
			}
			for holder, h := range lm.entries[res].holders {
				if holder != txnID && h.mode == LockExclusive && anyMatch(req.Predicate, h.images) {
					out[holder] = struct{}{}
				}
			}
		}
	}
	return out
}

func anyMatch(pred Predicate, images []Payload) bool {
	for _, img := range images {
		if img != nil && pred.Match(img) {
			return true
		}
	}
	return false
}

// grantLocked records req as held by txnID. Every change to a holding is
// logged so ReleaseSince can restore the earlier state.
func (lm *LockManager) grantLocked(txnID uint64, req LockRequest) {
	entry, ok := lm.entries[req.Resource]
	if !ok {
		entry = &lockEntry{holders: make(map[uint64]*holding)}
		lm.entries[req.Resource] = entry
		tableSet, ok := lm.byTable[req.Resource.Table]
		if !ok {
			tableSet = make(map[Resource]struct{})
			lm.byTable[req.Resource.Table] = tableSet
		}
		tableSet[req.Resource] = struct{}{}
	}

	held := entry.holders[txnID]
	switch {
	case held == nil:
		entry.holders[txnID] = &holding{
			mode:   req.Mode,
			images: append([]Payload(nil), req.Images...),
			pred:   req.Predicate,
		}
	case covers(held.mode, req.Mode) && len(req.Images) == 0:
		return
	default:
		prev := &holding{mode: held.mode, images: held.images, pred: held.pred}
		mode := held.mode
		if !covers(held.mode, req.Mode) {
			mode = req.Mode
		}
		images := make([]Payload, 0, len(held.images)+len(req.Images))
		images = append(images, held.images...)
		images = append(images, req.Images...)
		entry.holders[txnID] = &holding{mode: mode, images: images, pred: held.pred}
		lm.acquired[txnID] = append(lm.acquired[txnID], acquisition{resource: req.Resource, prev: prev})
		return
	}
	lm.acquired[txnID] = append(lm.acquired[txnID], acquisition{resource: req.Resource})
}

// settleLocked grants every waiter that can proceed, then breaks any cycle
// left in the wait-for graph. Repeats until stable.
func (lm *LockManager) settleLocked() {
	for {
		lm.grantWaitersLocked()
		if !lm.detectDeadlocks {
			return
		}

		var cycle []uint64
		for _, w := range lm.waiters {
			if cycle = lm.graph.FindCycle(w.txnID); cycle != nil {
				break
			}
		}
		if cycle == nil {
			return
		}
		lm.victimizeLocked(cycle)
	}
}

func (lm *LockManager) grantWaitersLocked() {
	for progress := true; progress; {
		progress = false
		for i, w := range lm.waiters {
			blockers := lm.blockersLocked(w.txnID, w.req, i, true)
			if len(blockers) > 0 {
				lm.graph.SetEdges(w.txnID, blockers)
				continue
			}
			lm.grantLocked(w.txnID, w.req)
			lm.removeWaiterLocked(w)
			w.ch <- nil
			progress = true
			break
		}
	}
}

// victimizeLocked aborts the wait of the youngest transaction in cycle
func (lm *LockManager) victimizeLocked(cycle []uint64) {
	victim := Youngest(cycle)
	lm.deadlocks++
	telemetry.DeadlocksTotal.Inc()

	log.Warn().
		Uint64("txn_id", victim).
		Uints64("cycle", cycle).
		Msg("Deadlock detected, choosing victim")

	w := lm.waiterOfLocked(victim)
	if w == nil {
		lm.graph.ClearWaits(victim)
		return
	}
	lm.removeWaiterLocked(w)
	w.ch <- ErrDeadlockVictim{TxnID: victim, Cycle: cycle}
}

func (lm *LockManager) waiterOfLocked(txnID uint64) *lockWaiter {
	for _, w := range lm.waiters {
		if w.txnID == txnID {
			return w
		}
	}
	return nil
}

func (lm *LockManager) removeWaiterLocked(w *lockWaiter) {
	for i, candidate := range lm.waiters {
		if candidate == w {
			lm.waiters = append(lm.waiters[:i], lm.waiters[i+1:]...)
			break
		}
	}
	lm.graph.ClearWaits(w.txnID)
}

// Interrupt ends a pending wait of txnID with err and makes every later
// Acquire by txnID fail with err until ReleaseAll. Returns true when a wait
// was interrupted.
func (lm *LockManager) Interrupt(txnID uint64, err error) bool {
	lm.mu.Lock()
	defer lm.mu.Unlock()

	lm.interrupted[txnID] = err
	w := lm.waiterOfLocked(txnID)
	if w == nil {
		return false
	}
	lm.removeWaiterLocked(w)
	w.ch <- err
	lm.settleLocked()
	return true
}

// ClearInterrupt drops a pending Interrupt of txnID
func (lm *LockManager) ClearInterrupt(txnID uint64) {
	lm.mu.Lock()
	defer lm.mu.Unlock()
	delete(lm.interrupted, txnID)
}

// Mark returns the position in txnID's lock log, for ReleaseSince
func (lm *LockManager) Mark(txnID uint64) int {
	lm.mu.Lock()
	defer lm.mu.Unlock()
	return len(lm.acquired[txnID])
}

// ReleaseSince undoes every acquisition txnID made after mark: new locks are
// released and upgrades revert to the earlier mode
func (lm *LockManager) ReleaseSince(txnID uint64, mark int) int {
	lm.mu.Lock()
	defer lm.mu.Unlock()

	history := lm.acquired[txnID]
	if mark < 0 || mark >= len(history) {
		return 0
	}

	for i := len(history) - 1; i >= mark; i-- {
		a := history[i]
		entry, ok := lm.entries[a.resource]
		if !ok {
			continue
		}
		if a.prev == nil {
			delete(entry.holders, txnID)
		} else {
			entry.holders[txnID] = a.prev
		}
		lm.dropIfEmptyLocked(a.resource, entry)
	}
	released := len(history) - mark
	lm.acquired[txnID] = history[:mark]

	lm.settleLocked()
	return released
}

// Release drops a SHARED lock txnID holds on res. Stronger locks are kept.
func (lm *LockManager) Release(txnID uint64, res Resource) bool {
	lm.mu.Lock()
	defer lm.mu.Unlock()

	entry, ok := lm.entries[res]
	if !ok {
		return false
	}
	held, ok := entry.holders[txnID]
	if !ok || held.mode != LockShared {
		return false
	}
	delete(entry.holders, txnID)
	lm.dropIfEmptyLocked(res, entry)

	history := lm.acquired[txnID]
	kept := history[:0]
	for _, a := range history {
		if a.resource != res {
			kept = append(kept, a)
		}
	}
	lm.acquired[txnID] = kept

	lm.settleLocked()
	return true
}

// ReleaseAll drops every lock of txnID, withdraws any wait and clears
// interrupts. Returns the number of resources released.
func (lm *LockManager) ReleaseAll(txnID uint64) int {
	lm.mu.Lock()
	defer lm.mu.Unlock()

	released := 0
	for _, a := range lm.acquired[txnID] {
		entry, ok := lm.entries[a.resource]
		if !ok {
			continue
		}
		if _, held := entry.holders[txnID]; held {
			delete(entry.holders, txnID)
			released++
		}
		lm.dropIfEmptyLocked(a.resource, entry)
	}
	delete(lm.acquired, txnID)
	delete(lm.interrupted, txnID)

	if w := lm.waiterOfLocked(txnID); w != nil {
		lm.removeWaiterLocked(w)
		w.ch <- ErrTxnNotActive
	}
	lm.graph.RemoveNode(txnID)

	lm.settleLocked()
	return released
}

func (lm *LockManager) dropIfEmptyLocked(res Resource, entry *lockEntry) {
	if len(entry.holders) > 0 {
		return
	}
	delete(lm.entries, res)
	if tableSet, ok := lm.byTable[res.Table]; ok {
		delete(tableSet, res)
		if len(tableSet) == 0 {
			delete(lm.byTable, res.Table)
		}
	}
}

// Holds reports whether txnID holds res in a mode covering mode
func (lm *LockManager) Holds(txnID uint64, res Resource, mode LockMode) bool {
	lm.mu.Lock()
	defer lm.mu.Unlock()

	entry, ok := lm.entries[res]
	if !ok {
		return false
	}
	held, ok := entry.holders[txnID]
	return ok && covers(held.mode, mode)
}

// HeldConflicts returns the granted locks of other transactions that are
// incompatible with req, ignoring the wait queue
func (lm *LockManager) HeldConflicts(txnID uint64, req LockRequest) []HeldLock {
	lm.mu.Lock()
	defer lm.mu.Unlock()

	var out []HeldLock
	for _, holder := range lm.blockersLocked(txnID, req, 0, false) {
		out = append(out, HeldLock{TxnID: holder, Mode: lm.strongestModeLocked(holder, req)})
	}
	return out
}

// strongestModeLocked reports the mode under which holder blocks req
func (lm *LockManager) strongestModeLocked(holder uint64, req LockRequest) LockMode {
	if entry, ok := lm.entries[req.Resource]; ok {
		if h, ok := entry.holders[holder]; ok {
			return h.mode
		}
	}
	if req.Mode == LockRange {
		return LockExclusive
	}
	return LockRange
}

// LockInfo is one row of the lock table
type LockInfo struct {
	Resource string `json:"resource"`
	Table    string `json:"table"`
	Mode     string `json:"mode"`
	TxnID    uint64 `json:"txn_id"`
	Status   string `json:"status"` // GRANT or WAIT
}

// Snapshot lists granted locks followed by waiting requests in queue order
func (lm *LockManager) Snapshot() []LockInfo {
	lm.mu.Lock()
	defer lm.mu.Unlock()

	out := make([]LockInfo, 0, len(lm.entries)+len(lm.waiters))
	for res, entry := range lm.entries {
		for holder, h := range entry.holders {
			out = append(out, LockInfo{
				Resource: res.String(),
				Table:    res.Table,
				Mode:     h.mode.String(),
				TxnID:    holder,
				Status:   "GRANT",
			})
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Resource != out[j].Resource {
			return out[i].Resource < out[j].Resource
		}
		return out[i].TxnID < out[j].TxnID
	})

	for _, w := range lm.waiters {
		out = append(out, LockInfo{
			Resource: w.req.Resource.String(),
			Table:    w.req.Resource.Table,
			Mode:     w.req.Mode.String(),
			TxnID:    w.txnID,
			Status:   "WAIT",
		})
	}
	return out
}

// WaitEdges returns the current wait-for graph
func (lm *LockManager) WaitEdges() map[uint64][]uint64 {
	lm.mu.Lock()
	defer lm.mu.Unlock()
	return lm.graph.Edges()
}

// Stats returns granted lock count, waiting request count and deadlocks seen
func (lm *LockManager) Stats() (held, waiting int, deadlocks uint64) {
	lm.mu.Lock()
	defer lm.mu.Unlock()

	for _, entry := range lm.entries {
		held += len(entry.holders)
	}
	return held, len(lm.waiters), lm.deadlocks
}
