// Package progress computes read-only progress projections over the
// catalog's current state (spec section 4.6): identification and
// marking completion counts, per-user throughput, and mark
// distributions. Every function here is a pure derivation — it takes a
// snapshot and returns a value, touching no store.
package progress

import (
	"sort"

	"github.com/plomorg/plomd/internal/catalog"
)

// Counts is a todo/out_with/done breakdown for one task population.
type Counts struct {
	Todo    int `json:"todo"`
	OutWith int `json:"out_with"`
	Done    int `json:"done"`
}

func (c *Counts) Total() int { return c.Todo + c.OutWith + c.Done }

func tally(state catalog.State, into *Counts) {
	switch state {
	case catalog.Todo:
		into.Todo++
	case catalog.OutWith:
		into.OutWith++
	case catalog.Done:
		into.Done++
	}
}

// IDProgress summarises identification task completion across every
// registered paper.
func IDProgress(tasks []catalog.IDTask) Counts {
	var c Counts
	for _, t := range tasks {
		tally(t.State, &c)
	}
	return c
}

// MarkProgress summarises marking task completion for one (question,
// version), or across all of them when question is 0.
func MarkProgress(tasks []catalog.MarkTask, question, version int) Counts {
	var c Counts
	for _, t := range tasks {
		if question != 0 && (t.Question != question || t.Version != version) {
			continue
		}
		tally(t.State, &c)
	}
	return c
}

// UserStat is one user's completed-task count and mean time per task.
type UserStat struct {
	Username      string `json:"username"`
	TasksDone     int    `json:"tasks_done"`
	MeanSeconds   float64 `json:"mean_seconds"`
}

// UserProgress returns, per user, how many marking tasks they have
// completed and their mean time per task, for (question, version).
func UserProgress(tasks []catalog.MarkTask, question, version int) []UserStat {
	sums := make(map[string]int64)
	counts := make(map[string]int)
	for _, t := range tasks {
		if t.State != catalog.Done || t.Question != question || t.Version != version || t.Owner == "" {
			continue
		}
		sums[t.Owner] += t.MarkingTime
		counts[t.Owner]++
	}
	out := make([]UserStat, 0, len(counts))
	for user, n := range counts {
		out = append(out, UserStat{
			Username:    user,
			TasksDone:   n,
			MeanSeconds: float64(sums[user]) / float64(n),
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Username < out[j].Username })
	return out
}

// HistogramByVersion buckets Done scores by version for (question).
func HistogramByVersion(tasks []catalog.MarkTask, question int) map[int]map[int]int {
	out := make(map[int]map[int]int)
	for _, t := range tasks {
		if t.State != catalog.Done || t.Question != question || !t.HasScore {
			continue
		}
		if out[t.Version] == nil {
			out[t.Version] = make(map[int]int)
		}
		out[t.Version][t.Score]++
	}
	return out
}

// HistogramByUser buckets Done scores by owner for (question, version).
func HistogramByUser(tasks []catalog.MarkTask, question, version int) map[string]map[int]int {
	out := make(map[string]map[int]int)
	for _, t := range tasks {
		if t.State != catalog.Done || t.Question != question || t.Version != version || !t.HasScore || t.Owner == "" {
			continue
		}
		if out[t.Owner] == nil {
			out[t.Owner] = make(map[int]int)
		}
		out[t.Owner][t.Score]++
	}
	return out
}
