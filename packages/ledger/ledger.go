// Package ledger implements the Fair-share Ledger (§4.2): per
// (group, pipeline, stage, user) counters used for admission and for the
// scheduler's fair-share ranking.
package ledger

import (
	"sync"

	"github.com/gabaker/thorium/packages/models"
)

// Quotas are the configuration inputs the fair-share rule is evaluated
// against (§4.2).
type Quotas struct {
	PerUserMaxRunning     int
	PerGroupMaxRunning    int
	PerPipelineMaxRunning int
	GlobalCPUBudget       int64
	GlobalMemoryBudget    int64
}

// Entry is one ledger bucket's counters (§3). Deadlines tracks
// pending+running.
type Entry struct {
	Deadlines int
	Running   int
	Completed int
	Failed    int
	Sleeping  int
	Total     int
}

// BlockedReason explains why RequestSlot refused a grant.
type BlockedReason string

const (
	BlockedNone        BlockedReason = ""
	BlockedUserQuota   BlockedReason = "user_quota"
	BlockedGroupQuota  BlockedReason = "group_quota"
	BlockedPipeQuota   BlockedReason = "pipeline_quota"
)

// Grant is the result of RequestSlot.
type Grant struct {
	Granted bool
	Reason  BlockedReason
}

// Ledger is the process-wide, mutex-serialized counter set of §4.2/§5.
// All mutations go through a single lock, matching the "linearisable
// under a single lock" ordering guarantee of §5.
type Ledger struct {
	mu      sync.Mutex
	entries map[models.LedgerKey]Entry
	quotas  Quotas

	// runningByUser, runningByGroup and runningByPipe are derived aggregates kept in
	// lock-step with entries, to evaluate quotas without a full scan.
	runningByUser  map[string]int
	runningByGroup map[string]int
	runningByPipe  map[string]int
}

// New constructs an empty Ledger with the given quota configuration.
func New(quotas Quotas) *Ledger {
	return &Ledger{
		entries:        make(map[models.LedgerKey]Entry),
		quotas:         quotas,
		runningByUser:  make(map[string]int),
		runningByGroup: make(map[string]int),
		runningByPipe:  make(map[string]int),
	}
}

// Snapshot returns a shallow copy of every entry, safe for concurrent
// readers (used by the stats endpoint, §6).
func (l *Ledger) Snapshot() map[models.LedgerKey]Entry {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make(map[models.LedgerKey]Entry, len(l.entries))
	for k, v := range l.entries {
		out[k] = v
	}
	return out
}

// Entry returns the current counters for key, or the zero Entry if absent.
func (l *Ledger) Entry(key models.LedgerKey) Entry {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.entries[key]
}

// AddDeadline registers one pending unit of work against key (a reaction
// stage that needs scheduling), incrementing Deadlines and Total.
func (l *Ledger) AddDeadline(key models.LedgerKey) {
	l.mu.Lock()
	defer l.mu.Unlock()
	e := l.entries[key]
	e.Deadlines++
	e.Total++
	l.entries[key] = e
}

// RequestSlot attempts to grant a running slot for key, checking user,
// group, and pipeline quotas (§4.2). Counters never go negative and
// Deadlines >= Running is maintained as an invariant by every mutator.
func (l *Ledger) RequestSlot(key models.LedgerKey) Grant {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.quotas.PerUserMaxRunning > 0 && l.runningByUser[key.User] >= l.quotas.PerUserMaxRunning {
		return Grant{Granted: false, Reason: BlockedUserQuota}
	}
	if l.quotas.PerGroupMaxRunning > 0 && l.runningByGroup[key.Group] >= l.quotas.PerGroupMaxRunning {
		return Grant{Granted: false, Reason: BlockedGroupQuota}
	}
	if l.quotas.PerPipelineMaxRunning > 0 && l.runningByPipe[pipeKey(key)] >= l.quotas.PerPipelineMaxRunning {
		return Grant{Granted: false, Reason: BlockedPipeQuota}
	}

	e := l.entries[key]
	if e.Deadlines <= e.Running {
		e.Deadlines++
		e.Total++
	}
	e.Running++
	l.entries[key] = e
	l.runningByUser[key.User]++
	l.runningByGroup[key.Group]++
	l.runningByPipe[pipeKey(key)]++
	return Grant{Granted: true}
}

// ReleaseSlot reverses a grant made by RequestSlot without recording a
// terminal outcome, used when a worker is despawned before completion
// (e.g. a zombie reclaim during §4.5 step 1).
func (l *Ledger) ReleaseSlot(key models.LedgerKey) {
	l.mu.Lock()
	defer l.mu.Unlock()
	e := l.entries[key]
	if e.Running > 0 {
		e.Running--
	}
	l.entries[key] = e
	decrementFloor(l.runningByUser, key.User)
	decrementFloor(l.runningByGroup, key.Group)
	decrementFloor(l.runningByPipe, pipeKey(key))
}

// Complete records a terminal success or failure for a previously granted
// slot.
func (l *Ledger) Complete(key models.LedgerKey, success bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	e := l.entries[key]
	if e.Running > 0 {
		e.Running--
	}
	if e.Deadlines > 0 {
		e.Deadlines--
	}
	if success {
		e.Completed++
	} else {
		e.Failed++
	}
	l.entries[key] = e
	decrementFloor(l.runningByUser, key.User)
	decrementFloor(l.runningByGroup, key.Group)
	decrementFloor(l.runningByPipe, pipeKey(key))
}

// Sleep moves a granted slot out of Running and Deadlines and into
// Sleeping, returning it to the Ledger as blocked until its wake predicate
// fires (§4.4).
func (l *Ledger) Sleep(key models.LedgerKey) {
	l.mu.Lock()
	defer l.mu.Unlock()
	e := l.entries[key]
	if e.Running > 0 {
		e.Running--
	}
	if e.Deadlines > 0 {
		e.Deadlines--
	}
	e.Sleeping++
	l.entries[key] = e
	decrementFloor(l.runningByUser, key.User)
	decrementFloor(l.runningByGroup, key.Group)
	decrementFloor(l.runningByPipe, pipeKey(key))
}

// Wake moves one unit out of Sleeping and back into Deadlines, making it
// eligible for scheduling again.
func (l *Ledger) Wake(key models.LedgerKey) {
	l.mu.Lock()
	defer l.mu.Unlock()
	e := l.entries[key]
	if e.Sleeping > 0 {
		e.Sleeping--
	}
	e.Deadlines++
	l.entries[key] = e
}

// FairShareRatio returns running/user_quota for the given key's user,
// used by the scheduler's candidate ranking (§4.2, §8 P4).
func (l *Ledger) FairShareRatio(key models.LedgerKey) float64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	quota := l.quotas.PerUserMaxRunning
	if quota <= 0 {
		quota = 1
	}
	return float64(l.runningByUser[key.User]) / float64(quota)
}

// Quotas returns the ledger's current quota configuration, used by the
// scheduler's candidate ranking so fair-share stays driven by the
// operator's configured limits rather than a disconnected default.
func (l *Ledger) Quotas() Quotas {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.quotas
}

// UpdateQuotas swaps in new quota configuration, applied to every
// RequestSlot call from this point on (config hot-reload, §4.2).
func (l *Ledger) UpdateQuotas(q Quotas) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.quotas = q
}

func pipeKey(key models.LedgerKey) string { return key.Group + "/" + key.Pipeline }

func decrementFloor(m map[string]int, key string) {
	if m[key] > 0 {
		m[key]--
	}
}
