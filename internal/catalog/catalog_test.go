package catalog

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/plomorg/plomd/internal/apierr"
	"github.com/plomorg/plomd/internal/catalogstore"
)

func newTestCatalog(t *testing.T) *Catalog {
	t.Helper()
	c, err := Open(catalogstore.NewMemStore())
	require.NoError(t, err)
	return c
}

func registerSimplePaper(t *testing.T, c *Catalog, paper int) {
	t.Helper()
	err := c.RegisterPaper(Paper{
		PaperNumber: paper,
		MagicCode:   "magic",
		IDPageRefs:  []int{1},
		QuestionGroups: []QuestionGroup{
			{Question: 1, Version: 1, Pages: []int{2, 3}, MaxScore: 10},
		},
	})
	require.NoError(t, err)
}

func ingestAllPages(t *testing.T, c *Catalog, paper int) {
	t.Helper()
	for page := 1; page <= 3; page++ {
		err := c.IngestPage(PageImage{
			PaperNumber:    paper,
			PageNumber:     page,
			Version:        1,
			ArtifactID:     "artifact-" + string(rune('0'+page)),
			ImageBytesHash: "hash-" + string(rune('0'+page)),
		})
		require.NoError(t, err)
	}
}

func TestIngestPageMaterialisesTasksOnlyWhenComplete(t *testing.T) {
	c := newTestCatalog(t)
	registerSimplePaper(t, c, 1)

	require.NoError(t, c.IngestPage(PageImage{PaperNumber: 1, PageNumber: 1, ArtifactID: "a1", ImageBytesHash: "h1"}))
	assert.Empty(t, c.MarkTasksSnapshot())
	if assert.Len(t, c.IDTasksSnapshot(), 1) {
		assert.Equal(t, Todo, c.IDTasksSnapshot()[0].State)
	}

	require.NoError(t, c.IngestPage(PageImage{PaperNumber: 1, PageNumber: 2, ArtifactID: "a2", ImageBytesHash: "h2"}))
	assert.Empty(t, c.MarkTasksSnapshot(), "question group still missing page 3")

	require.NoError(t, c.IngestPage(PageImage{PaperNumber: 1, PageNumber: 3, ArtifactID: "a3", ImageBytesHash: "h3"}))
	require.Len(t, c.MarkTasksSnapshot(), 1)
	assert.Equal(t, Todo, c.MarkTasksSnapshot()[0].State)
}

func TestClaimNextIDIsFIFOAndExclusive(t *testing.T) {
	c := newTestCatalog(t)
	registerSimplePaper(t, c, 1)
	registerSimplePaper(t, c, 2)
	ingestAllPages(t, c, 1)
	ingestAllPages(t, c, 2)

	task, ids, err := c.ClaimNextID("alice")
	require.NoError(t, err)
	assert.Equal(t, 1, task.PaperNumber, "paper 1 was registered and ingested first")
	assert.Len(t, ids, 1)

	_, _, err = c.ClaimNextID("bob")
	require.NoError(t, err)

	_, _, err = c.ClaimNextID("carol")
	assert.ErrorIs(t, err, ErrNoneAvailable)
}

func TestReturnIDRejectsDuplicateStudentID(t *testing.T) {
	c := newTestCatalog(t)
	registerSimplePaper(t, c, 1)
	registerSimplePaper(t, c, 2)
	ingestAllPages(t, c, 1)
	ingestAllPages(t, c, 2)

	_, _, err := c.ClaimNextID("alice")
	require.NoError(t, err)
	require.NoError(t, c.ReturnID("alice", 1, "12345", "Ann", false))

	_, _, err = c.ClaimNextID("bob")
	require.NoError(t, err)
	err = c.ReturnID("bob", 2, "12345", "Ann Impostor", false)
	require.Error(t, err)

	// task 2 must remain claimed by bob, unchanged, after the rejected return
	snap := c.IDTasksSnapshot()
	var task2 IDTask
	for _, t := range snap {
		if t.PaperNumber == 2 {
			task2 = t
		}
	}
	assert.Equal(t, OutWith, task2.State)
	assert.Equal(t, "bob", task2.Owner)
}

func TestAbandonIDReturnsTaskToTodo(t *testing.T) {
	c := newTestCatalog(t)
	registerSimplePaper(t, c, 1)
	ingestAllPages(t, c, 1)

	_, _, err := c.ClaimNextID("alice")
	require.NoError(t, err)
	require.NoError(t, c.AbandonID("alice", 1))

	task := c.IDTasksSnapshot()[0]
	assert.Equal(t, Todo, task.State)
	assert.Empty(t, task.Owner)
}

func TestClaimReturnMarkRoundTrip(t *testing.T) {
	c := newTestCatalog(t)
	registerSimplePaper(t, c, 1)
	ingestAllPages(t, c, 1)

	task, ids, err := c.ClaimNextMark("alice", 1, 1)
	require.NoError(t, err)
	assert.Len(t, ids, 2)
	assert.NotEmpty(t, task.IntegrityCheck)

	err = c.ReturnMark("alice", 1, 1, 1, 7, 42, []string{"tricky"}, "ann-artifact", "rec-artifact", []string{"hash-2", "hash-3"}, task.IntegrityCheck)
	require.NoError(t, err)

	done := c.ListDoneMarks("alice", 1, 1)
	require.Len(t, done, 1)
	assert.Equal(t, 7, done[0].Score)
	assert.True(t, done[0].HasScore)
}

func TestReturnMarkRejectsStaleIntegrityCheck(t *testing.T) {
	c := newTestCatalog(t)
	registerSimplePaper(t, c, 1)
	ingestAllPages(t, c, 1)

	_, _, err := c.ClaimNextMark("alice", 1, 1)
	require.NoError(t, err)

	err = c.ReturnMark("alice", 1, 1, 1, 7, 42, nil, "ann", "rec", nil, "stale-or-wrong-digest")
	require.Error(t, err)
	assert.Equal(t, apierr.IntegrityMismatch, apierr.KindOf(err))

	task, ok := findMark(c, 1, 1, 1)
	require.True(t, ok)
	assert.Equal(t, OutWith, task.State, "rejected return must leave the task claimed, not silently advance it")
}

func TestReturnMarkDetectsPageSubstitutionSinceClaim(t *testing.T) {
	c := newTestCatalog(t)
	registerSimplePaper(t, c, 1)
	ingestAllPages(t, c, 1)

	task, _, err := c.ClaimNextMark("alice", 1, 1)
	require.NoError(t, err)

	// administrator substitutes page 2 mid-claim
	require.NoError(t, c.IngestPage(PageImage{PaperNumber: 1, PageNumber: 2, ArtifactID: "a2-new", ImageBytesHash: "h2-new"}))

	err = c.ReturnMark("alice", 1, 1, 1, 7, 42, nil, "ann", "rec", nil, task.IntegrityCheck)
	require.Error(t, err)
	assert.Equal(t, apierr.IntegrityMismatch, apierr.KindOf(err), "a page substituted mid-claim must be reported as an integrity mismatch, not a task change")
}

func TestReturnMarkRejectsInconsistentImageDigestList(t *testing.T) {
	c := newTestCatalog(t)
	registerSimplePaper(t, c, 1)
	ingestAllPages(t, c, 1)

	task, _, err := c.ClaimNextMark("alice", 1, 1)
	require.NoError(t, err)

	err = c.ReturnMark("alice", 1, 1, 1, 7, 42, nil, "ann", "rec", []string{"not-the-real-hash"}, task.IntegrityCheck)
	require.Error(t, err)
	assert.Equal(t, apierr.BadRequest, apierr.KindOf(err))

	got, ok := findMark(c, 1, 1, 1)
	require.True(t, ok)
	assert.Equal(t, OutWith, got.State)
}

func TestResetUserInFlightRevertsOnlyThatUsersClaims(t *testing.T) {
	c := newTestCatalog(t)
	registerSimplePaper(t, c, 1)
	registerSimplePaper(t, c, 2)
	ingestAllPages(t, c, 1)
	ingestAllPages(t, c, 2)

	_, _, err := c.ClaimNextID("alice")
	require.NoError(t, err)
	_, _, err = c.ClaimNextID("bob")
	require.NoError(t, err)

	c.ResetUserInFlight("alice")

	var aliceTask, bobTask IDTask
	for _, task := range c.IDTasksSnapshot() {
		if task.PaperNumber == 1 {
			aliceTask = task
		} else {
			bobTask = task
		}
	}
	assert.Equal(t, Todo, aliceTask.State)
	assert.Equal(t, OutWith, bobTask.State)
	assert.Equal(t, "bob", bobTask.Owner)
}

func TestAdminResetTaskRestoresTodoAndAudits(t *testing.T) {
	c := newTestCatalog(t)
	registerSimplePaper(t, c, 1)
	ingestAllPages(t, c, 1)

	_, _, err := c.ClaimNextID("alice")
	require.NoError(t, err)
	require.NoError(t, c.ReturnID("alice", 1, "999", "Zed", false))

	require.NoError(t, c.AdminResetTask("admin", taskCode(1, 0, 0)))

	task := c.IDTasksSnapshot()[0]
	assert.Equal(t, Todo, task.State)
	assert.Empty(t, task.StudentID)

	events, err := c.audit.All()
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, "admin_reset", events[0].Kind)
}

func TestMaxScoreLooksUpRegisteredQuestionGroup(t *testing.T) {
	c := newTestCatalog(t)
	registerSimplePaper(t, c, 1)

	max, err := c.MaxScore(1, 1)
	require.NoError(t, err)
	assert.Equal(t, 10, max)

	_, err = c.MaxScore(99, 1)
	assert.Error(t, err)
}

func findMark(c *Catalog, paper, question, version int) (MarkTask, bool) {
	t, ok := c.marktasks[taskCode(paper, question, version)]
	if !ok {
		return MarkTask{}, false
	}
	return *t, true
}
