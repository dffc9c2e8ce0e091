// Package idqueue is the identification-task view over the catalog
// (spec section 4.4): claim, return, abandon, and list-done, plus the
// page images a claimed task's owner needs to identify a paper.
package idqueue

import (
	"github.com/plomorg/plomd/internal/catalog"
)

// Queue is a thin, stateless façade over *catalog.Catalog. It exists so
// the dispatcher depends on a narrow interface rather than the whole
// catalog surface, and so the identification wire semantics (which
// fields travel, which don't) live in one place.
type Queue struct {
	cat *catalog.Catalog
}

// New returns an identification queue view over cat.
func New(cat *catalog.Catalog) *Queue {
	return &Queue{cat: cat}
}

// ClaimedTask is what a successful claim or already-done lookup hands
// back to a client: the task plus the artifact ids of its source pages.
type ClaimedTask struct {
	Task   catalog.IDTask
	PageIDs []string
}

// ClaimNext claims the oldest ready identification task for user.
// Returns catalog.ErrNoneAvailable when the queue is empty.
func (q *Queue) ClaimNext(user string) (ClaimedTask, error) {
	t, ids, err := q.cat.ClaimNextID(user)
	if err != nil {
		return ClaimedTask{}, err
	}
	return ClaimedTask{Task: t, PageIDs: ids}, nil
}

// Return submits an identification for paper, claimed (or previously
// completed, when alreadyDone) by user.
func (q *Queue) Return(user string, paper int, studentID, studentName string, alreadyDone bool) error {
	return q.cat.ReturnID(user, paper, studentID, studentName, alreadyDone)
}

// Abandon releases user's claim on paper without completing it.
func (q *Queue) Abandon(user string, paper int) error {
	return q.cat.AbandonID(user, paper)
}

// ListDone returns every identification task user has completed.
func (q *Queue) ListDone(user string) []catalog.IDTask {
	return q.cat.ListDoneID(user)
}

// Images returns the current task for paper and its source page
// artifact ids, without claiming or mutating it.
func (q *Queue) Images(paper int) (ClaimedTask, error) {
	t, ids, err := q.cat.IDTaskByPaper(paper)
	if err != nil {
		return ClaimedTask{}, err
	}
	return ClaimedTask{Task: t, PageIDs: ids}, nil
}

// Snapshot returns every identification task, for progress accounting.
func (q *Queue) Snapshot() []catalog.IDTask {
	return q.cat.IDTasksSnapshot()
}
