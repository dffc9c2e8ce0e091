package progress

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/plomorg/plomd/internal/catalog"
)

func TestIDProgressTallies(t *testing.T) {
	tasks := []catalog.IDTask{
		{PaperNumber: 1, State: catalog.Todo},
		{PaperNumber: 2, State: catalog.OutWith},
		{PaperNumber: 3, State: catalog.Done},
		{PaperNumber: 4, State: catalog.Done},
	}
	c := IDProgress(tasks)
	assert.Equal(t, Counts{Todo: 1, OutWith: 1, Done: 2}, c)
	assert.Equal(t, 4, c.Total())
}

func TestMarkProgressFiltersByQuestionVersion(t *testing.T) {
	tasks := []catalog.MarkTask{
		{Question: 1, Version: 1, State: catalog.Done},
		{Question: 1, Version: 2, State: catalog.Done},
		{Question: 2, Version: 1, State: catalog.Todo},
	}
	c := MarkProgress(tasks, 1, 1)
	assert.Equal(t, Counts{Done: 1}, c)
}

func TestUserProgressComputesMeanTime(t *testing.T) {
	tasks := []catalog.MarkTask{
		{Question: 1, Version: 1, State: catalog.Done, Owner: "alice", MarkingTime: 10},
		{Question: 1, Version: 1, State: catalog.Done, Owner: "alice", MarkingTime: 30},
		{Question: 1, Version: 1, State: catalog.OutWith, Owner: "bob", MarkingTime: 5},
	}
	stats := UserProgress(tasks, 1, 1)
	if assert.Len(t, stats, 1) {
		assert.Equal(t, "alice", stats[0].Username)
		assert.Equal(t, 2, stats[0].TasksDone)
		assert.Equal(t, 20.0, stats[0].MeanSeconds)
	}
}

func TestHistogramsBucketDoneScoresOnly(t *testing.T) {
	tasks := []catalog.MarkTask{
		{Question: 1, Version: 1, State: catalog.Done, HasScore: true, Score: 5, Owner: "alice"},
		{Question: 1, Version: 1, State: catalog.Done, HasScore: true, Score: 5, Owner: "alice"},
		{Question: 1, Version: 1, State: catalog.OutWith, HasScore: false, Score: 0, Owner: "bob"},
	}
	byVersion := HistogramByVersion(tasks, 1)
	assert.Equal(t, 2, byVersion[1][5])

	byUser := HistogramByUser(tasks, 1, 1)
	assert.Equal(t, 2, byUser["alice"][5])
	assert.NotContains(t, byUser, "bob")
}
