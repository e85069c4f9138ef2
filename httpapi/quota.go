package httpapi

import (
	"sync"

	"pkt.systems/screenstream/schema"
)

// quotaStore counts generations per project against a fixed free allowance.
type quotaStore struct {
	mu    sync.Mutex
	limit int
	used  map[schema.ProjectID]int
}

func newQuotaStore(limit int) *quotaStore {
	return &quotaStore{
		limit: limit,
		used:  make(map[schema.ProjectID]int),
	}
}

// take consumes one message for project. It returns the messages left after
// the call and false when the allowance was already spent.
func (q *quotaStore) take(project schema.ProjectID) (int, bool) {
	if q == nil || q.limit <= 0 {
		return -1, true
	}
	if project == "" {
		project = defaultProject
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	used := q.used[project]
	if used >= q.limit {
		return 0, false
	}
	q.used[project] = used + 1
	return q.limit - used - 1, true
}

func (q *quotaStore) remaining(project schema.ProjectID) int {
	if q == nil || q.limit <= 0 {
		return -1
	}
	if project == "" {
		project = defaultProject
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	left := q.limit - q.used[project]
	if left < 0 {
		return 0
	}
	return left
}

func (q *quotaStore) reset(project schema.ProjectID) {
	if q == nil {
		return
	}
	if project == "" {
		project = defaultProject
	}
	q.mu.Lock()
	delete(q.used, project)
	q.mu.Unlock()
}
