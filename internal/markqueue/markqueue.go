// Package markqueue is the marking-task view over the catalog (spec
// section 4.5): claim, return, abandon, tag, list-done, max-score
// lookup, and the whole-paper projection recovered from the original
// client's MgetMaxMark / MrequestWholePaper calls.
package markqueue

import (
	"github.com/plomorg/plomd/internal/catalog"
)

// Queue is a thin façade over *catalog.Catalog scoped to marking.
type Queue struct {
	cat *catalog.Catalog
}

// New returns a marking queue view over cat.
func New(cat *catalog.Catalog) *Queue {
	return &Queue{cat: cat}
}

// ClaimedTask is what a successful claim hands back: the task, its
// source page artifact ids, and (on a re-claim of a previously Done
// task) the prior annotation so the client can display it.
type ClaimedTask struct {
	Task    catalog.MarkTask
	PageIDs []string
}

// ClaimNext claims the oldest ready (question, version) task for user.
// Returns catalog.ErrNoneAvailable when the queue is empty.
func (q *Queue) ClaimNext(user string, question, version int) (ClaimedTask, error) {
	t, ids, err := q.cat.ClaimNextMark(user, question, version)
	if err != nil {
		return ClaimedTask{}, err
	}
	return ClaimedTask{Task: t, PageIDs: ids}, nil
}

// Return submits a mark for (paper, question, version), claimed by
// user, along with the client's per-page digest list and the
// integrity_check value snapshot at claim time.
func (q *Queue) Return(user string, paper, question, version, score int, markingTimeSeconds int64, tags []string, annotatedArtifactID, annotationRecordID string, imageDigestList []string, integrityCheck string) error {
	return q.cat.ReturnMark(user, paper, question, version, score, markingTimeSeconds, tags, annotatedArtifactID, annotationRecordID, imageDigestList, integrityCheck)
}

// Abandon releases user's claim without completing it.
func (q *Queue) Abandon(user string, paper, question, version int) error {
	return q.cat.AbandonMark(user, paper, question, version)
}

// SetTags replaces the tags on a task owned by user.
func (q *Queue) SetTags(user string, paper, question, version int, tags []string) error {
	return q.cat.SetTags(user, paper, question, version, tags)
}

// ListDone returns every (question, version) task user has completed.
func (q *Queue) ListDone(user string, question, version int) []catalog.MarkTask {
	return q.cat.ListDoneMarks(user, question, version)
}

// Images returns the current task identified by code and its source
// page artifact ids, without claiming or mutating it.
func (q *Queue) Images(code string) (ClaimedTask, error) {
	t, ids, err := q.cat.MarkTaskByCode(code)
	if err != nil {
		return ClaimedTask{}, err
	}
	return ClaimedTask{Task: t, PageIDs: ids}, nil
}

// Snapshot returns every marking task, for progress accounting.
func (q *Queue) Snapshot() []catalog.MarkTask {
	return q.cat.MarkTasksSnapshot()
}

// MaxScore returns the configured maximum mark for (question, version).
func (q *Queue) MaxScore(question, version int) (int, error) {
	return q.cat.MaxScore(question, version)
}

// WholePaper returns the full id/mark state of paper for administrative
// and review UIs.
func (q *Queue) WholePaper(paper int) (catalog.Paper, *catalog.IDTask, []catalog.MarkTask, error) {
	return q.cat.WholePaper(paper)
}
