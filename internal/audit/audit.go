// Package audit records the append-only trail of administrative and
// override transitions the catalog must never silently lose: re-identify
// or re-mark of a Done task, admin_reset_task, and a page replacement
// that demotes a Done task back to Todo (spec invariant I6, scenario 6).
package audit

import (
	"encoding/json"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/plomorg/plomd/internal/catalogstore"
)

var log = logrus.WithField("component", "audit")

// Event is one audit entry. PriorValue and NewValue are opaque JSON blobs
// so the same Event shape covers re-identify (sid/sname pairs), re-mark
// (scores), and administrative resets (full task snapshots).
type Event struct {
	Seq        int64           `json:"seq"`
	Timestamp  time.Time       `json:"timestamp"`
	Kind       string          `json:"kind"` // "reidentify", "remark", "admin_reset" (a page replacement that demotes a Done task is recorded as "admin_reset" by actor "system")
	TaskCode   string          `json:"task_code"`
	Actor      string          `json:"actor"`
	PriorValue json.RawMessage `json:"prior_value,omitempty"`
	NewValue   json.RawMessage `json:"new_value,omitempty"`
}

// Log is an append-only audit trail backed by a catalogstore bucket.
type Log struct {
	mu     sync.Mutex
	bucket catalogstore.Bucket
	seq    int64
}

// Open returns a Log backed by the "audit" bucket of store.
func Open(store catalogstore.Store) (*Log, error) {
	b, err := store.Bucket("audit")
	if err != nil {
		return nil, err
	}
	l := &Log{bucket: b}
	keys, err := b.Keys()
	if err == nil {
		l.seq = int64(len(keys))
	}
	return l, nil
}

// Record appends an audit event, assigning it the next sequence number.
func (l *Log) Record(kind, taskCode, actor string, prior, next any) {
	l.mu.Lock()
	l.seq++
	seq := l.seq
	l.mu.Unlock()

	priorJSON, _ := json.Marshal(prior)
	nextJSON, _ := json.Marshal(next)
	ev := Event{
		Seq:        seq,
		Timestamp:  time.Now().UTC(),
		Kind:       kind,
		TaskCode:   taskCode,
		Actor:      actor,
		PriorValue: priorJSON,
		NewValue:   nextJSON,
	}
	b, err := json.Marshal(ev)
	if err != nil {
		log.WithError(err).Error("marshalling audit event")
		return
	}
	key := eventKey(seq)
	if err := l.bucket.Put(key, b); err != nil {
		log.WithError(err).WithField("task_code", taskCode).Error("persisting audit event")
		return
	}
	log.WithFields(logrus.Fields{"kind": kind, "task_code": taskCode, "actor": actor}).Info("audit event recorded")
}

// All returns every recorded event, oldest first.
func (l *Log) All() ([]Event, error) {
	keys, err := l.bucket.Keys()
	if err != nil {
		return nil, err
	}
	events := make([]Event, 0, len(keys))
	for _, k := range keys {
		raw, err := l.bucket.Get(k)
		if err != nil {
			continue
		}
		var ev Event
		if err := json.Unmarshal(raw, &ev); err != nil {
			continue
		}
		events = append(events, ev)
	}
	sort.Slice(events, func(i, j int) bool { return events[i].Seq < events[j].Seq })
	return events, nil
}

func eventKey(seq int64) string {
	return "evt/" + strconv.FormatInt(seq, 10)
}
