package catalog

import (
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/plomorg/plomd/internal/apierr"
	"github.com/plomorg/plomd/internal/audit"
	"github.com/plomorg/plomd/internal/catalogstore"
	"github.com/plomorg/plomd/internal/store"
)

var log = logrus.WithField("component", "catalog")

func taskCode(paper, question, version int) string {
	if question == 0 {
		return fmt.Sprintf("i%04d", paper)
	}
	return fmt.Sprintf("q%04dg%dv%d", paper, question, version)
}

func pageKey(paper, page int) string {
	return fmt.Sprintf("%d/%d", paper, page)
}

// ParseMarkCode recovers (paper, question, version) from a mark task's
// wire code, the inverse of taskCode, so a handler can check a path
// parameter's code against the task identity carried in a request body.
func ParseMarkCode(code string) (paper, question, version int, err error) {
	if _, scanErr := fmt.Sscanf(code, "q%04dg%dv%d", &paper, &question, &version); scanErr != nil {
		return 0, 0, 0, fmt.Errorf("malformed mark task code %q: %w", code, scanErr)
	}
	return paper, question, version, nil
}

// Catalog owns every Paper, PageImage, IDTask, and MarkTask, and is the
// single point of serialisation for all of their state transitions
// (spec section 4.3). It keeps an authoritative in-memory index guarded
// by mu, and mirrors every mutation to its catalogstore buckets before
// returning, so a crash between "transition applied in memory" and
// "transition durably committed" cannot happen (spec section 5: the
// backing-store commit happens inside the critical section; only image
// I/O happens outside of it).
type Catalog struct {
	mu sync.Mutex

	papersB    catalogstore.Bucket
	pagesB     catalogstore.Bucket
	idtasksB   catalogstore.Bucket
	marktasksB catalogstore.Bucket
	usersB     catalogstore.Bucket

	audit *audit.Log

	papers    map[int]*Paper
	pages     map[string]*PageImage // keyed by pageKey(paper, page)
	idtasks   map[int]*IDTask       // keyed by paper number
	marktasks map[string]*MarkTask  // keyed by Code()
	users     map[string]*User

	studentIDOwner map[string]int // student_id -> paper number, for I5

	seq int64
}

// Open constructs a Catalog over store, loading any previously persisted
// records back into memory.
func Open(store catalogstore.Store) (*Catalog, error) {
	c := &Catalog{
		papers:         make(map[int]*Paper),
		pages:          make(map[string]*PageImage),
		idtasks:        make(map[int]*IDTask),
		marktasks:      make(map[string]*MarkTask),
		users:          make(map[string]*User),
		studentIDOwner: make(map[string]int),
	}

	var err error
	if c.papersB, err = store.Bucket("papers"); err != nil {
		return nil, err
	}
	if c.pagesB, err = store.Bucket("pages"); err != nil {
		return nil, err
	}
	if c.idtasksB, err = store.Bucket("idtasks"); err != nil {
		return nil, err
	}
	if c.marktasksB, err = store.Bucket("marktasks"); err != nil {
		return nil, err
	}
	if c.usersB, err = store.Bucket("users"); err != nil {
		return nil, err
	}
	if c.audit, err = audit.Open(store); err != nil {
		return nil, err
	}

	if err := c.loadAll(); err != nil {
		return nil, err
	}
	return c, nil
}

func (c *Catalog) loadAll() error {
	if err := loadBucket(c.papersB, func(k string, v []byte) error {
		var p Paper
		if err := json.Unmarshal(v, &p); err != nil {
			return err
		}
		c.papers[p.PaperNumber] = &p
		return nil
	}); err != nil {
		return err
	}
	if err := loadBucket(c.pagesB, func(k string, v []byte) error {
		var pi PageImage
		if err := json.Unmarshal(v, &pi); err != nil {
			return err
		}
		c.pages[pageKey(pi.PaperNumber, pi.PageNumber)] = &pi
		return nil
	}); err != nil {
		return err
	}
	if err := loadBucket(c.idtasksB, func(k string, v []byte) error {
		var t IDTask
		if err := json.Unmarshal(v, &t); err != nil {
			return err
		}
		c.idtasks[t.PaperNumber] = &t
		if t.Seq > c.seq {
			c.seq = t.Seq
		}
		if t.State == Done && t.StudentID != "" {
			c.studentIDOwner[t.StudentID] = t.PaperNumber
		}
		return nil
	}); err != nil {
		return err
	}
	if err := loadBucket(c.marktasksB, func(k string, v []byte) error {
		var t MarkTask
		if err := json.Unmarshal(v, &t); err != nil {
			return err
		}
		c.marktasks[t.Code()] = &t
		if t.Seq > c.seq {
			c.seq = t.Seq
		}
		return nil
	}); err != nil {
		return err
	}
	return loadBucket(c.usersB, func(k string, v []byte) error {
		var u User
		if err := json.Unmarshal(v, &u); err != nil {
			return err
		}
		c.users[u.Username] = &u
		return nil
	})
}

func loadBucket(b catalogstore.Bucket, apply func(key string, value []byte) error) error {
	keys, err := b.Keys()
	if err != nil {
		return err
	}
	for _, k := range keys {
		v, err := b.Get(k)
		if err != nil {
			continue
		}
		if err := apply(k, v); err != nil {
			log.WithError(err).WithField("key", k).Warn("skipping unreadable record")
		}
	}
	return nil
}

func (c *Catalog) nextSeq() int64 {
	c.seq++
	return c.seq
}

func (c *Catalog) persistIDTask(t *IDTask) error {
	b, err := json.Marshal(t)
	if err != nil {
		return apierr.Wrap(apierr.ServerError, "marshalling id task", err)
	}
	if err := c.idtasksB.Put(fmt.Sprintf("%d", t.PaperNumber), b); err != nil {
		return apierr.Wrap(apierr.ServerError, "persisting id task", err)
	}
	return nil
}

func (c *Catalog) persistMarkTask(t *MarkTask) error {
	b, err := json.Marshal(t)
	if err != nil {
		return apierr.Wrap(apierr.ServerError, "marshalling mark task", err)
	}
	if err := c.marktasksB.Put(t.Code(), b); err != nil {
		return apierr.Wrap(apierr.ServerError, "persisting mark task", err)
	}
	return nil
}

func (c *Catalog) persistPage(pi *PageImage) error {
	b, err := json.Marshal(pi)
	if err != nil {
		return apierr.Wrap(apierr.ServerError, "marshalling page image", err)
	}
	if err := c.pagesB.Put(pageKey(pi.PaperNumber, pi.PageNumber), b); err != nil {
		return apierr.Wrap(apierr.ServerError, "persisting page image", err)
	}
	return nil
}

// ─── Paper / user administration ─────────────────────────────────────────

// RegisterPaper adds a Paper to the catalog, as the (out-of-core)
// scanning pipeline does once a paper has been laid out. Papers are
// immutable once registered (spec section 3): a second call for the
// same paper number is rejected.
func (c *Catalog) RegisterPaper(p Paper) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, exists := c.papers[p.PaperNumber]; exists {
		return apierr.New(apierr.Conflict, fmt.Sprintf("paper %d already registered", p.PaperNumber))
	}
	cp := p
	c.papers[p.PaperNumber] = &cp
	b, err := json.Marshal(&cp)
	if err != nil {
		return apierr.Wrap(apierr.ServerError, "marshalling paper", err)
	}
	if err := c.papersB.Put(fmt.Sprintf("%d", p.PaperNumber), b); err != nil {
		return apierr.Wrap(apierr.ServerError, "persisting paper", err)
	}
	return nil
}

// UpsertUser creates or updates a user's enabled flag / admin flag.
func (c *Catalog) UpsertUser(u User) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	cp := u
	c.users[u.Username] = &cp
	b, err := json.Marshal(&cp)
	if err != nil {
		return apierr.Wrap(apierr.ServerError, "marshalling user", err)
	}
	if err := c.usersB.Put(u.Username, b); err != nil {
		return apierr.Wrap(apierr.ServerError, "persisting user", err)
	}
	return nil
}

// RemoveUser deletes a user's durable record entirely (reload_user_list
// diffing out a removed user, after reset_user_in_flight has run).
func (c *Catalog) RemoveUser(username string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.users, username)
	if err := c.usersB.Delete(username); err != nil {
		return apierr.Wrap(apierr.ServerError, "deleting user", err)
	}
	return nil
}

// User returns a copy of the named user's record, or ok=false.
func (c *Catalog) User(username string) (User, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	u, ok := c.users[username]
	if !ok {
		return User{}, false
	}
	return *u, true
}

// Users returns a snapshot of every known user.
func (c *Catalog) Users() []User {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]User, 0, len(c.users))
	for _, u := range c.users {
		out = append(out, *u)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Username < out[j].Username })
	return out
}

// ─── Ingestion & readiness ────────────────────────────────────────────────

// IngestPage records a decoded page scan and materialises any task whose
// readiness predicate it completes (spec section 4.3). Re-ingesting the
// same (paper, page, version) with identical content is a no-op beyond
// logging; re-ingesting with *different* content against a Done task
// demotes that task back to Todo and writes an audit entry (I4 upkeep).
func (c *Catalog) IngestPage(pi PageImage) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	paper, ok := c.papers[pi.PaperNumber]
	if !ok {
		return apierr.New(apierr.BadRequest, fmt.Sprintf("paper %d is not registered", pi.PaperNumber))
	}
	if pi.MagicCode != "" && pi.MagicCode != paper.MagicCode {
		return apierr.New(apierr.BadRequest, fmt.Sprintf("paper %d: magic code mismatch, page rejected", pi.PaperNumber))
	}

	key := pageKey(pi.PaperNumber, pi.PageNumber)
	prior, existed := c.pages[key]
	hashChanged := existed && prior.ImageBytesHash != pi.ImageBytesHash

	cp := pi
	c.pages[key] = &cp
	if err := c.persistPage(&cp); err != nil {
		return err
	}
	if existed {
		log.WithFields(logrus.Fields{"paper": pi.PaperNumber, "page": pi.PageNumber}).Info("duplicate page ingest replaced prior image")
	}

	// ID task readiness: every id-page of the paper must have an image.
	if containsInt(paper.IDPageRefs, pi.PageNumber) {
		if err := c.materialiseIDTask(paper, hashChanged); err != nil {
			return err
		}
	}

	// Mark task readiness: every page of a question group must have an image.
	for _, qg := range paper.QuestionGroups {
		if containsInt(qg.Pages, pi.PageNumber) {
			if err := c.materialiseMarkTask(paper, qg, hashChanged); err != nil {
				return err
			}
		}
	}
	return nil
}

func containsInt(xs []int, v int) bool {
	for _, x := range xs {
		if x == v {
			return true
		}
	}
	return false
}

func (c *Catalog) allPagesPresent(paper int, pages []int) bool {
	for _, p := range pages {
		if _, ok := c.pages[pageKey(paper, p)]; !ok {
			return false
		}
	}
	return true
}

func (c *Catalog) materialiseIDTask(paper *Paper, hashChanged bool) error {
	if !c.allPagesPresent(paper.PaperNumber, paper.IDPageRefs) {
		return nil
	}
	existing, ok := c.idtasks[paper.PaperNumber]
	if !ok {
		t := &IDTask{PaperNumber: paper.PaperNumber, State: Todo, Seq: c.nextSeq()}
		c.idtasks[paper.PaperNumber] = t
		return c.persistIDTask(t)
	}
	if existing.State == Done && hashChanged {
		prior := *existing
		existing.State = Todo
		existing.Owner = ""
		existing.StudentID = ""
		existing.StudentName = ""
		c.audit.Record("admin_reset", taskCode(paper.PaperNumber, 0, 0), "system", prior, *existing)
		return c.persistIDTask(existing)
	}
	return nil
}

func (c *Catalog) materialiseMarkTask(paper *Paper, qg QuestionGroup, hashChanged bool) error {
	if !c.allPagesPresent(paper.PaperNumber, qg.Pages) {
		return nil
	}
	code := taskCode(paper.PaperNumber, qg.Question, qg.Version)
	existing, ok := c.marktasks[code]
	if !ok {
		t := &MarkTask{
			PaperNumber: paper.PaperNumber,
			Question:    qg.Question,
			Version:     qg.Version,
			State:       Todo,
			Seq:         c.nextSeq(),
		}
		c.marktasks[code] = t
		return c.persistMarkTask(t)
	}
	if existing.State == Done && hashChanged {
		prior := *existing
		existing.State = Todo
		existing.Owner = ""
		existing.HasScore = false
		c.audit.Record("admin_reset", code, "system", prior, *existing)
		return c.persistMarkTask(existing)
	}
	return nil
}

func (c *Catalog) pageHashes(paper int, pages []int) []string {
	hashes := make([]string, 0, len(pages))
	sorted := append([]int(nil), pages...)
	sort.Ints(sorted)
	for _, p := range sorted {
		if pi, ok := c.pages[pageKey(paper, p)]; ok {
			hashes = append(hashes, pi.ImageBytesHash)
		}
	}
	return hashes
}

// integrityCheck computes the per-task digest snapshot defined in spec
// section 4.3: H(h(p1) || "|" || ... || h(pk)).
func integrityCheck(hashes []string) string {
	return store.Hash([]byte(strings.Join(hashes, "|")))
}

// ─── ID queue operations ─────────────────────────────────────────────────

// ClaimNextID picks the oldest Todo IDTask (FIFO by insertion order),
// transitions it to OutWith(user), and returns it along with the paper's
// id-page artifact ids. It returns ErrNoneAvailable if nothing is ready.
func (c *Catalog) ClaimNextID(user string) (IDTask, []string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	var best *IDTask
	for _, t := range c.idtasks {
		if t.State != Todo {
			continue
		}
		if best == nil || t.Seq < best.Seq {
			best = t
		}
	}
	if best == nil {
		return IDTask{}, nil, ErrNoneAvailable
	}

	best.State = OutWith
	best.Owner = user
	best.ClaimedAt = time.Now().UTC()
	if err := c.persistIDTask(best); err != nil {
		return IDTask{}, nil, err
	}

	paper := c.papers[best.PaperNumber]
	ids := make([]string, 0, len(paper.IDPageRefs))
	for _, p := range sortedCopy(paper.IDPageRefs) {
		if pi, ok := c.pages[pageKey(best.PaperNumber, p)]; ok {
			ids = append(ids, pi.ArtifactID)
		}
	}
	return *best, ids, nil
}

func sortedCopy(xs []int) []int {
	out := append([]int(nil), xs...)
	sort.Ints(out)
	return out
}

// ReturnID completes a claimed (or, with alreadyDone, a previously Done)
// IDTask. On a duplicate student id (I5) the task is placed back to
// OutWith(user) and Conflict is returned, matching scenario 2.
func (c *Catalog) ReturnID(user string, paper int, sid, sname string, alreadyDone bool) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	t, ok := c.idtasks[paper]
	if !ok {
		return apierr.New(apierr.NotFound, fmt.Sprintf("no id task for paper %d", paper))
	}

	switch {
	case t.State == OutWith && t.Owner == user:
		// normal return, fine
	case t.State == Done && alreadyDone:
		// re-identify, fine
	default:
		return apierr.New(apierr.TaskChanged, "task is not claimed by this user")
	}

	if owner, exists := c.studentIDOwner[sid]; exists && owner != paper {
		// leave the task exactly as it was: caller must retry with a different sid
		return apierr.New(apierr.Conflict, fmt.Sprintf("student id %s already assigned to paper %d", sid, owner))
	}

	if t.State == Done {
		prior := *t
		c.audit.Record("reidentify", taskCode(paper, 0, 0), user,
			map[string]string{"student_id": prior.StudentID, "student_name": prior.StudentName},
			map[string]string{"student_id": sid, "student_name": sname})
		delete(c.studentIDOwner, prior.StudentID)
	}

	t.State = Done
	t.Owner = user
	t.StudentID = sid
	t.StudentName = sname
	c.studentIDOwner[sid] = paper
	return c.persistIDTask(t)
}

// IDTaskByPaper returns the current IDTask for paper along with its
// source page artifact ids, without claiming or mutating it. Used to
// serve the task-images route for a task the caller already owns.
func (c *Catalog) IDTaskByPaper(paper int) (IDTask, []string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	t, ok := c.idtasks[paper]
	if !ok {
		return IDTask{}, nil, apierr.New(apierr.NotFound, fmt.Sprintf("no id task for paper %d", paper))
	}
	p, ok := c.papers[paper]
	if !ok {
		return IDTask{}, nil, apierr.New(apierr.NotFound, fmt.Sprintf("no such paper %d", paper))
	}
	ids := make([]string, 0, len(p.IDPageRefs))
	for _, pg := range sortedCopy(p.IDPageRefs) {
		if pi, ok := c.pages[pageKey(paper, pg)]; ok {
			ids = append(ids, pi.ArtifactID)
		}
	}
	return *t, ids, nil
}

// AbandonID releases a claimed IDTask back to Todo. No-op if the task is
// not currently OutWith(user).
func (c *Catalog) AbandonID(user string, paper int) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	t, ok := c.idtasks[paper]
	if !ok || t.State != OutWith || t.Owner != user {
		return nil
	}
	t.State = Todo
	t.Owner = ""
	return c.persistIDTask(t)
}

// ListDoneID returns every IDTask completed by user.
func (c *Catalog) ListDoneID(user string) []IDTask {
	c.mu.Lock()
	defer c.mu.Unlock()
	var out []IDTask
	for _, t := range c.idtasks {
		if t.State == Done && t.Owner == user {
			out = append(out, *t)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].PaperNumber < out[j].PaperNumber })
	return out
}

// ─── Mark queue operations ────────────────────────────────────────────────

// ClaimNextMark picks the oldest Todo MarkTask matching (question,
// version), transitions it to OutWith(user), and returns it with its
// page artifact ids, tags, and the integrity_check snapshot. If the task
// is being re-claimed after having been Done, the previously submitted
// annotated image and annotation record ids are also returned so the
// client can show the marker their prior work.
func (c *Catalog) ClaimNextMark(user string, question, version int) (MarkTask, []string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	var best *MarkTask
	for _, t := range c.marktasks {
		if t.State != Todo || t.Question != question || t.Version != version {
			continue
		}
		if best == nil || t.Seq < best.Seq {
			best = t
		}
	}
	if best == nil {
		return MarkTask{}, nil, ErrNoneAvailable
	}

	paper := c.papers[best.PaperNumber]
	var qg *QuestionGroup
	for i := range paper.QuestionGroups {
		if paper.QuestionGroups[i].Question == question && paper.QuestionGroups[i].Version == version {
			qg = &paper.QuestionGroups[i]
			break
		}
	}
	hashes := c.pageHashes(best.PaperNumber, qg.Pages)

	best.State = OutWith
	best.Owner = user
	best.ClaimedAt = time.Now().UTC()
	best.IntegrityCheck = integrityCheck(hashes)
	if err := c.persistMarkTask(best); err != nil {
		return MarkTask{}, nil, err
	}

	ids := make([]string, 0, len(qg.Pages))
	for _, p := range sortedCopy(qg.Pages) {
		if pi, ok := c.pages[pageKey(best.PaperNumber, p)]; ok {
			ids = append(ids, pi.ArtifactID)
		}
	}
	return *best, ids, nil
}

// MarkTaskByCode returns the current MarkTask identified by code along
// with its source page artifact ids, without claiming or mutating it.
func (c *Catalog) MarkTaskByCode(code string) (MarkTask, []string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	t, ok := c.marktasks[code]
	if !ok {
		return MarkTask{}, nil, apierr.New(apierr.NotFound, fmt.Sprintf("no mark task %s", code))
	}
	p, ok := c.papers[t.PaperNumber]
	if !ok {
		return MarkTask{}, nil, apierr.New(apierr.NotFound, fmt.Sprintf("no such paper %d", t.PaperNumber))
	}
	var qg *QuestionGroup
	for i := range p.QuestionGroups {
		if p.QuestionGroups[i].Question == t.Question && p.QuestionGroups[i].Version == t.Version {
			qg = &p.QuestionGroups[i]
			break
		}
	}
	ids := make([]string, 0)
	if qg != nil {
		for _, pg := range sortedCopy(qg.Pages) {
			if pi, ok := c.pages[pageKey(t.PaperNumber, pg)]; ok {
				ids = append(ids, pi.ArtifactID)
			}
		}
	}
	return *t, ids, nil
}

// ReturnMark completes a claimed MarkTask. A mismatched integrityCheck
// rejects the return with IntegrityMismatch and leaves the task
// OutWith(user) unchanged (invariant I3 / testable property P4).
// imageDigestList is the client's own record of the per-page digests it
// annotated against (recovered from the original client's image_md5s);
// it must hash to integrityCheckSupplied, or the client's submission is
// internally inconsistent and is rejected before touching task state.
func (c *Catalog) ReturnMark(user string, paper, question, version int, score int, mtimeSeconds int64, tags []string, annotatedArtifactID, annotationRecordID string, imageDigestList []string, integrityCheckSupplied string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	code := taskCode(paper, question, version)
	t, ok := c.marktasks[code]
	if !ok {
		return apierr.New(apierr.NotFound, fmt.Sprintf("no mark task %s", code))
	}
	if t.State != OutWith || t.Owner != user {
		return apierr.New(apierr.TaskChanged, "task is not claimed by this user")
	}

	if len(imageDigestList) > 0 && integrityCheck(imageDigestList) != integrityCheckSupplied {
		return apierr.New(apierr.BadRequest, "image_digest_list does not hash to the supplied integrity_check")
	}

	// Recompute the live integrity value: an administrator may have
	// substituted a page since claim (spec section 4.3). Either an
	// administrator's substitution or a stale client value surfaces the
	// same way to the caller: the digest they hold no longer matches
	// what the pages actually are. TaskChanged is reserved for ownership
	// having moved on (checked above); this is always IntegrityMismatch.
	pp := c.papers[paper]
	var qg *QuestionGroup
	for i := range pp.QuestionGroups {
		if pp.QuestionGroups[i].Question == question && pp.QuestionGroups[i].Version == version {
			qg = &pp.QuestionGroups[i]
			break
		}
	}
	live := integrityCheck(c.pageHashes(paper, qg.Pages))
	if integrityCheckSupplied != live {
		return apierr.New(apierr.IntegrityMismatch, "integrity_check does not match the task's current pages")
	}

	wasDone := t.State == Done
	prior := *t
	t.State = Done
	t.Score = score
	t.HasScore = true
	t.MarkingTime = mtimeSeconds
	t.Tags = tags
	t.AnnotatedImageID = annotatedArtifactID
	t.AnnotationRecordID = annotationRecordID
	if wasDone {
		c.audit.Record("remark", code, user, prior, *t)
	}
	return c.persistMarkTask(t)
}

// AbandonMark releases a claimed MarkTask back to Todo. No-op if the
// task is not currently OutWith(user).
func (c *Catalog) AbandonMark(user string, paper, question, version int) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	code := taskCode(paper, question, version)
	t, ok := c.marktasks[code]
	if !ok || t.State != OutWith || t.Owner != user {
		return nil
	}
	t.State = Todo
	t.Owner = ""
	return c.persistMarkTask(t)
}

// SetTags replaces the tags on a task owned by user.
func (c *Catalog) SetTags(user string, paper, question, version int, tags []string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	code := taskCode(paper, question, version)
	t, ok := c.marktasks[code]
	if !ok {
		return apierr.New(apierr.NotFound, fmt.Sprintf("no mark task %s", code))
	}
	if t.Owner != user {
		return apierr.New(apierr.Conflict, "task is owned by another user")
	}
	t.Tags = tags
	return c.persistMarkTask(t)
}

// ListDoneMarks returns every MarkTask for (question, version) completed
// by user.
func (c *Catalog) ListDoneMarks(user string, question, version int) []MarkTask {
	c.mu.Lock()
	defer c.mu.Unlock()
	var out []MarkTask
	for _, t := range c.marktasks {
		if t.State == Done && t.Question == question && t.Version == version && t.Owner == user {
			out = append(out, *t)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].PaperNumber < out[j].PaperNumber })
	return out
}

// MaxScore looks up the configured max score for (question, version),
// searching every registered paper's question-group plan (recovered
// from the original client's MgetMaxMark).
func (c *Catalog) MaxScore(question, version int) (int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, p := range c.papers {
		for _, qg := range p.QuestionGroups {
			if qg.Question == question && qg.Version == version {
				return qg.MaxScore, nil
			}
		}
	}
	return 0, apierr.New(apierr.OutOfRange, fmt.Sprintf("no such question/version %d/%d", question, version))
}

// WholePaper returns every mark/id task belonging to paper, plus the
// Paper record itself, for the "fetch whole-paper view" operation
// (spec section 6; recovered from MrequestWholePaper).
func (c *Catalog) WholePaper(paper int) (Paper, *IDTask, []MarkTask, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	p, ok := c.papers[paper]
	if !ok {
		return Paper{}, nil, nil, apierr.New(apierr.NotFound, fmt.Sprintf("no such paper %d", paper))
	}
	var idt *IDTask
	if t, ok := c.idtasks[paper]; ok {
		cp := *t
		idt = &cp
	}
	var marks []MarkTask
	for _, t := range c.marktasks {
		if t.PaperNumber == paper {
			marks = append(marks, *t)
		}
	}
	sort.Slice(marks, func(i, j int) bool { return marks[i].Question < marks[j].Question })
	return *p, idt, marks, nil
}

// ─── Ownership reclamation ────────────────────────────────────────────────

// ResetUserInFlight reverts every non-Done task currently OutWith(user)
// back to Todo. Invoked on login, logout, and token revocation (spec
// section 4.3), implementing invariant I1 and testable property P5.
func (c *Catalog) ResetUserInFlight(user string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	for _, t := range c.idtasks {
		if t.State == OutWith && t.Owner == user {
			t.State = Todo
			t.Owner = ""
			if err := c.persistIDTask(t); err != nil {
				log.WithError(err).WithField("paper", t.PaperNumber).Error("failed to persist reset id task")
			}
		}
	}
	for _, t := range c.marktasks {
		if t.State == OutWith && t.Owner == user {
			t.State = Todo
			t.Owner = ""
			if err := c.persistMarkTask(t); err != nil {
				log.WithError(err).WithField("code", t.Code()).Error("failed to persist reset mark task")
			}
		}
	}
}

// ─── Administrative overrides ─────────────────────────────────────────────

// AdminResetTask forces a Done task (id or mark, identified by code)
// back to Todo, preserving an audit entry of the value it held.
func (c *Catalog) AdminResetTask(actor, code string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if strings.HasPrefix(code, "i") {
		for _, t := range c.idtasks {
			if taskCode(t.PaperNumber, 0, 0) == code {
				prior := *t
				t.State = Todo
				t.Owner = ""
				t.StudentID = ""
				t.StudentName = ""
				if prior.StudentID != "" {
					delete(c.studentIDOwner, prior.StudentID)
				}
				c.audit.Record("admin_reset", code, actor, prior, *t)
				return c.persistIDTask(t)
			}
		}
		return apierr.New(apierr.NotFound, fmt.Sprintf("no such task %s", code))
	}

	t, ok := c.marktasks[code]
	if !ok {
		return apierr.New(apierr.NotFound, fmt.Sprintf("no such task %s", code))
	}
	prior := *t
	t.State = Todo
	t.Owner = ""
	t.HasScore = false
	c.audit.Record("admin_reset", code, actor, prior, *t)
	return c.persistMarkTask(t)
}

// AdminReplacePageImage re-ingests a page under administrative
// authority; IngestPage already implements the Done-task demotion and
// audit trail this triggers (spec section 4.3/4.8).
func (c *Catalog) AdminReplacePageImage(pi PageImage) error {
	return c.IngestPage(pi)
}

// ─── Snapshots for progress accounting ────────────────────────────────────

// Audit returns the catalog's audit log, for routes that list
// administrative history.
func (c *Catalog) Audit() *audit.Log {
	return c.audit
}

// IDTasksSnapshot returns a copy of every IDTask.
func (c *Catalog) IDTasksSnapshot() []IDTask {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]IDTask, 0, len(c.idtasks))
	for _, t := range c.idtasks {
		out = append(out, *t)
	}
	return out
}

// MarkTasksSnapshot returns a copy of every MarkTask.
func (c *Catalog) MarkTasksSnapshot() []MarkTask {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]MarkTask, 0, len(c.marktasks))
	for _, t := range c.marktasks {
		out = append(out, *t)
	}
	return out
}

// ErrNoneAvailable signals an empty queue. It is deliberately a plain
// sentinel, not an *apierr.Error: the dispatcher maps it to 204 No
// Content rather than any error status (spec section 7's "empty range
// available" case).
var ErrNoneAvailable = errors.New("catalog: no task available")
