package scheduler

import (
	"container/heap"
	"sync"
	"time"

	"github.com/gabaker/thorium/packages/ledger"
	"github.com/gabaker/thorium/packages/models"
)

// candidate is one (group, pipeline, stage, user) tuple with deadlines >
// running, ranked for spawn consideration this tick (§4.5 step 2).
type candidate struct {
	key         models.LedgerKey
	fairShare   float64
	oldestCreated time.Time
	index       int
}

// candidateQueue orders candidates by the §4.2 fair-share rule: ascending
// running/user_quota ratio, then oldest-created ascending, then pipeline
// name lexicographic. Adapted from a job-submission priority heap into a
// scheduler-internal ranking structure over ledger keys instead of jobs.
type candidateQueue struct {
	items []*candidate
	lock  sync.Mutex
}

func newCandidateQueue() *candidateQueue {
	pq := &candidateQueue{items: []*candidate{}}
	heap.Init(pq)
	return pq
}

func (pq *candidateQueue) Len() int { return len(pq.items) }

func (pq *candidateQueue) Less(i, j int) bool {
	a, b := pq.items[i], pq.items[j]
	if a.fairShare != b.fairShare {
		return a.fairShare < b.fairShare
	}
	if !a.oldestCreated.Equal(b.oldestCreated) {
		return a.oldestCreated.Before(b.oldestCreated)
	}
	return a.key.Pipeline < b.key.Pipeline
}

func (pq *candidateQueue) Swap(i, j int) {
	pq.items[i], pq.items[j] = pq.items[j], pq.items[i]
	pq.items[i].index, pq.items[j].index = i, j
}

func (pq *candidateQueue) Push(x interface{}) {
	c := x.(*candidate)
	c.index = len(pq.items)
	pq.items = append(pq.items, c)
}

func (pq *candidateQueue) Pop() interface{} {
	n := len(pq.items)
	item := pq.items[n-1]
	pq.items[n-1] = nil
	pq.items = pq.items[:n-1]
	return item
}

// buildCandidateQueue gathers every ledger key with deadlines > running
// into a ranked heap, implementing §4.5 step 2.
func buildCandidateQueue(entries map[models.LedgerKey]ledger.Entry, quotas ledger.Quotas, oldestByKey map[models.LedgerKey]time.Time) *candidateQueue {
	pq := newCandidateQueue()
	for key, e := range entries {
		if e.Deadlines <= e.Running {
			continue
		}
		userQuota := quotas.PerUserMaxRunning
		if userQuota <= 0 {
			userQuota = 1
		}
		pq.Push(&candidate{
			key:           key,
			fairShare:     float64(e.Running) / float64(userQuota),
			oldestCreated: oldestByKey[key],
		})
	}
	heap.Init(pq)
	return pq
}

// drain pops every candidate off the heap in priority order.
func (pq *candidateQueue) drain() []candidate {
	out := make([]candidate, 0, pq.Len())
	for pq.Len() > 0 {
		out = append(out, *heap.Pop(pq).(*candidate))
	}
	return out
}
