package dispatch

import (
	"net/http"
	"strconv"

	"github.com/gorilla/mux"

	"github.com/plomorg/plomd/internal/apierr"
	"github.com/plomorg/plomd/internal/progress"
	"github.com/plomorg/plomd/internal/store"
)

func (s *Server) handleIDProgress(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, progress.IDProgress(s.idq.Snapshot()))
}

func (s *Server) handleClaimNextID(w http.ResponseWriter, r *http.Request) {
	user := currentUser(r.Context())
	claimed, err := s.idq.ClaimNext(user)
	if err != nil {
		writeAPIError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, claimed)
}

func (s *Server) handleListDoneID(w http.ResponseWriter, r *http.Request) {
	user := currentUser(r.Context())
	writeJSON(w, http.StatusOK, s.idq.ListDone(user))
}

func (s *Server) handleIDTaskImages(w http.ResponseWriter, r *http.Request) {
	user := currentUser(r.Context())
	paper, err := paperNumberFromPath(r, "paper")
	if err != nil {
		writeAPIError(w, err)
		return
	}
	claimed, err := s.idq.Images(paper)
	if err != nil {
		writeAPIError(w, err)
		return
	}
	if claimed.Task.Owner != user {
		writeAPIError(w, apierr.New(apierr.Unauthorised, "task is not claimed by this user"))
		return
	}
	if err := writeMultipartImages(w, s.artifacts, store.KindOriginalPage, claimed.Task, claimed.PageIDs...); err != nil {
		log.WithError(err).Warn("streaming id task images")
	}
}

func (s *Server) handleReturnID(w http.ResponseWriter, r *http.Request) {
	user := currentUser(r.Context())
	paper, err := paperNumberFromPath(r, "paper")
	if err != nil {
		writeAPIError(w, err)
		return
	}
	var req struct {
		StudentID   string `json:"sid"`
		StudentName string `json:"sname"`
		AlreadyDone bool   `json:"already_done"`
	}
	if err := decodeJSON(r, &req); err != nil {
		writeAPIError(w, err)
		return
	}
	if err := s.idq.Return(user, paper, req.StudentID, req.StudentName, req.AlreadyDone); err != nil {
		writeAPIError(w, err)
		return
	}
	w.WriteHeader(http.StatusOK)
}

func (s *Server) handleAbandonID(w http.ResponseWriter, r *http.Request) {
	user := currentUser(r.Context())
	paper, err := paperNumberFromPath(r, "paper")
	if err != nil {
		writeAPIError(w, err)
		return
	}
	if err := s.idq.Abandon(user, paper); err != nil {
		writeAPIError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func paperNumberFromPath(r *http.Request, field string) (int, error) {
	raw := mux.Vars(r)[field]
	n, err := strconv.Atoi(raw)
	if err != nil {
		return 0, apierr.New(apierr.BadRequest, field+" must be an integer")
	}
	return n, nil
}
