package dispatch

import (
	"net/http"
	"strconv"

	"github.com/gorilla/mux"

	"github.com/plomorg/plomd/internal/apierr"
	"github.com/plomorg/plomd/internal/catalog"
	"github.com/plomorg/plomd/internal/progress"
	"github.com/plomorg/plomd/internal/store"
)

func questionVersionFromPath(r *http.Request) (int, int, error) {
	vars := mux.Vars(r)
	question, err := strconv.Atoi(vars["question"])
	if err != nil {
		return 0, 0, apierr.New(apierr.BadRequest, "question must be an integer")
	}
	version, err := strconv.Atoi(vars["version"])
	if err != nil {
		return 0, 0, apierr.New(apierr.BadRequest, "version must be an integer")
	}
	return question, version, nil
}

func questionVersionFromQuery(r *http.Request) (int, int, error) {
	q := r.URL.Query()
	question, err := strconv.Atoi(q.Get("question"))
	if err != nil {
		return 0, 0, apierr.New(apierr.BadRequest, "question query parameter must be an integer")
	}
	version, err := strconv.Atoi(q.Get("version"))
	if err != nil {
		return 0, 0, apierr.New(apierr.BadRequest, "version query parameter must be an integer")
	}
	return question, version, nil
}

func (s *Server) handleMaxMark(w http.ResponseWriter, r *http.Request) {
	question, version, err := questionVersionFromPath(r)
	if err != nil {
		writeAPIError(w, err)
		return
	}
	max, err := s.markq.MaxScore(question, version)
	if err != nil {
		writeAPIError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]int{"max_mark": max})
}

func (s *Server) handleMarkProgress(w http.ResponseWriter, r *http.Request) {
	question, version, err := questionVersionFromPath(r)
	if err != nil {
		writeAPIError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, progress.MarkProgress(s.markq.Snapshot(), question, version))
}

func (s *Server) handleClaimNextMark(w http.ResponseWriter, r *http.Request) {
	user := currentUser(r.Context())
	question, version, err := questionVersionFromQuery(r)
	if err != nil {
		writeAPIError(w, err)
		return
	}
	claimed, err := s.markq.ClaimNext(user, question, version)
	if err != nil {
		writeAPIError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, claimed)
}

func (s *Server) handleListDoneMarks(w http.ResponseWriter, r *http.Request) {
	user := currentUser(r.Context())
	question, version, err := questionVersionFromQuery(r)
	if err != nil {
		writeAPIError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, s.markq.ListDone(user, question, version))
}

func (s *Server) handleMarkTaskImages(w http.ResponseWriter, r *http.Request) {
	user := currentUser(r.Context())
	code := mux.Vars(r)["code"]

	claimed, err := s.markq.Images(code)
	if err != nil {
		writeAPIError(w, err)
		return
	}
	if claimed.Task.Owner != user {
		writeAPIError(w, apierr.New(apierr.Unauthorised, "task is not claimed by this user"))
		return
	}

	ids := append([]string(nil), claimed.PageIDs...)
	kinds := make([]store.Kind, len(ids))
	for i := range ids {
		kinds[i] = store.KindOriginalPage
	}
	if claimed.Task.State == catalog.Done {
		if claimed.Task.AnnotatedImageID != "" {
			ids = append(ids, claimed.Task.AnnotatedImageID)
			kinds = append(kinds, store.KindAnnotated)
		}
		if claimed.Task.AnnotationRecordID != "" {
			ids = append(ids, claimed.Task.AnnotationRecordID)
			kinds = append(kinds, store.KindAnnotationRecord)
		}
	}

	if err := writeMultipartImagesMixed(w, s.artifacts, claimed.Task, ids, kinds); err != nil {
		log.WithError(err).Warn("streaming mark task images")
	}
}

func (s *Server) handleReturnMark(w http.ResponseWriter, r *http.Request) {
	user := currentUser(r.Context())
	code := mux.Vars(r)["code"]

	upload, err := readMultipartMarkReturn(r)
	if err != nil {
		writeAPIError(w, err)
		return
	}
	var control struct {
		Paper           int      `json:"paper"`
		Question        int      `json:"question"`
		Version         int      `json:"version"`
		Score           int      `json:"score"`
		MarkingTime     int64    `json:"marking_time_seconds"`
		Tags            []string `json:"tags"`
		ImageDigestList []string `json:"image_digest_list"`
		IntegrityCheck  string   `json:"integrity_check"`
	}
	if err := unmarshalControl(upload.Control, &control); err != nil {
		writeAPIError(w, err)
		return
	}

	pathPaper, pathQuestion, pathVersion, err := catalog.ParseMarkCode(code)
	if err != nil {
		writeAPIError(w, apierr.New(apierr.BadRequest, err.Error()))
		return
	}
	if pathPaper != control.Paper || pathQuestion != control.Question || pathVersion != control.Version {
		writeAPIError(w, apierr.New(apierr.BadRequest, "task code in the URL does not match the task identity in the request body"))
		return
	}

	annotatedID, err := s.artifacts.Put(store.KindAnnotated, upload.AnnotatedImage)
	if err != nil {
		writeAPIError(w, err)
		return
	}
	recordID, err := s.artifacts.Put(store.KindAnnotationRecord, upload.AnnotationRecord)
	if err != nil {
		writeAPIError(w, err)
		return
	}

	if err := s.markq.Return(user, control.Paper, control.Question, control.Version, control.Score, control.MarkingTime, control.Tags, annotatedID, recordID, control.ImageDigestList, control.IntegrityCheck); err != nil {
		writeAPIError(w, err)
		return
	}
	w.WriteHeader(http.StatusOK)
}

func (s *Server) handleAbandonMark(w http.ResponseWriter, r *http.Request) {
	user := currentUser(r.Context())
	paper, question, version, err := taskTripleFromQuery(r)
	if err != nil {
		writeAPIError(w, err)
		return
	}
	if err := s.markq.Abandon(user, paper, question, version); err != nil {
		writeAPIError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleSetTags(w http.ResponseWriter, r *http.Request) {
	user := currentUser(r.Context())
	paper, question, version, err := taskTripleFromQuery(r)
	if err != nil {
		writeAPIError(w, err)
		return
	}
	var req struct {
		Tags []string `json:"tags"`
	}
	if err := decodeJSON(r, &req); err != nil {
		writeAPIError(w, err)
		return
	}
	if err := s.markq.SetTags(user, paper, question, version, req.Tags); err != nil {
		writeAPIError(w, err)
		return
	}
	w.WriteHeader(http.StatusOK)
}

func (s *Server) handleWholePaper(w http.ResponseWriter, r *http.Request) {
	paper, err := paperNumberFromPath(r, "paper")
	if err != nil {
		writeAPIError(w, err)
		return
	}
	p, idTask, marks, err := s.markq.WholePaper(paper)
	if err != nil {
		writeAPIError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, struct {
		Paper any `json:"paper"`
		ID    any `json:"id_task"`
		Marks any `json:"mark_tasks"`
	}{p, idTask, marks})
}

// taskTripleFromQuery reads paper, question, and version from the
// request's query string, used by the abandon/tag routes whose path
// only carries a {code}.
func taskTripleFromQuery(r *http.Request) (int, int, int, error) {
	q := r.URL.Query()
	paper, err := strconv.Atoi(q.Get("paper"))
	if err != nil {
		return 0, 0, 0, apierr.New(apierr.BadRequest, "paper query parameter must be an integer")
	}
	question, version, err := questionVersionFromQuery(r)
	if err != nil {
		return 0, 0, 0, err
	}
	return paper, question, version, nil
}
