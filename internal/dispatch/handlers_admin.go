package dispatch

import (
	"net/http"

	"github.com/gorilla/mux"

	"github.com/plomorg/plomd/internal/catalog"
)

func (s *Server) handleAdminUpsertUser(w http.ResponseWriter, r *http.Request) {
	username := mux.Vars(r)["user"]
	var req struct {
		Password string `json:"password"`
		IsAdmin  bool   `json:"is_admin"`
	}
	if err := decodeJSON(r, &req); err != nil {
		writeAPIError(w, err)
		return
	}
	if err := s.admin.CreateOrUpdateUser(username, req.Password, req.IsAdmin, s.bcryptCost); err != nil {
		writeAPIError(w, err)
		return
	}
	w.WriteHeader(http.StatusOK)
}

func (s *Server) handleAdminEnableUser(w http.ResponseWriter, r *http.Request) {
	username := mux.Vars(r)["user"]
	var req struct {
		Enabled bool `json:"enabled"`
	}
	if err := decodeJSON(r, &req); err != nil {
		writeAPIError(w, err)
		return
	}
	if err := s.admin.EnableUser(username, req.Enabled); err != nil {
		writeAPIError(w, err)
		return
	}
	w.WriteHeader(http.StatusOK)
}

func (s *Server) handleAdminReloadUsers(w http.ResponseWriter, r *http.Request) {
	if err := s.admin.ReloadUserList(s.userListPath, s.bcryptCost); err != nil {
		writeAPIError(w, err)
		return
	}
	w.WriteHeader(http.StatusOK)
}

func (s *Server) handleAdminResetTask(w http.ResponseWriter, r *http.Request) {
	actor := currentUser(r.Context())
	code := mux.Vars(r)["code"]
	if err := s.admin.ResetTask(actor, code); err != nil {
		writeAPIError(w, err)
		return
	}
	w.WriteHeader(http.StatusOK)
}

func (s *Server) handleAdminReplacePage(w http.ResponseWriter, r *http.Request) {
	var pi catalog.PageImage
	if err := decodeJSON(r, &pi); err != nil {
		writeAPIError(w, err)
		return
	}
	if err := s.admin.ReplacePage(pi); err != nil {
		writeAPIError(w, err)
		return
	}
	w.WriteHeader(http.StatusOK)
}
