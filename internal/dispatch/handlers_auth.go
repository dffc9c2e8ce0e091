package dispatch

import (
	"net/http"

	"github.com/gorilla/mux"

	"github.com/plomorg/plomd/internal/apierr"
)

type loginRequest struct {
	User       string `json:"user"`
	Password   string `json:"password"`
	APIVersion string `json:"api_version"`
}

type loginResponse struct {
	Token string `json:"token"`
}

func (s *Server) handleLogin(w http.ResponseWriter, r *http.Request) {
	user := mux.Vars(r)["user"]

	var req loginRequest
	if err := decodeJSON(r, &req); err != nil {
		writeAPIError(w, err)
		return
	}
	if req.APIVersion != "" && req.APIVersion != s.info.APIVersion {
		writeAPIError(w, apierr.New(apierr.ApiMismatch, "client API version does not match server"))
		return
	}
	if !s.auth.VerifyPassword(user, req.Password) {
		writeAPIError(w, apierr.New(apierr.Unauthorised, "invalid username or password"))
		return
	}

	// A second login from the same user supersedes the first session:
	// drop its token and hand its in-flight claims back to Todo before
	// issuing the new one, rather than rejecting the login because a
	// token is already active.
	s.auth.Revoke(user)
	s.admin.ReleaseUserClaims(user)

	token, err := s.auth.IssueToken(user)
	if err != nil {
		writeAPIError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, loginResponse{Token: token})
}

type clearAuthorisationRequest struct {
	Password string `json:"password"`
}

// handleClearAuthorisation clears a stale token given the user's
// password, recovering the original server's clearAuthorisation.
func (s *Server) handleClearAuthorisation(w http.ResponseWriter, r *http.Request) {
	user := mux.Vars(r)["user"]

	var req clearAuthorisationRequest
	if err := decodeJSON(r, &req); err != nil {
		writeAPIError(w, err)
		return
	}
	if !s.auth.VerifyPassword(user, req.Password) {
		writeAPIError(w, apierr.New(apierr.Unauthorised, "invalid username or password"))
		return
	}
	s.auth.Revoke(user)
	s.admin.ReleaseUserClaims(user)
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleInfoShortName(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"shortName": s.info.ShortName})
}

func (s *Server) handleInfoSpec(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"shortName": s.info.ShortName, "version": s.info.Version})
}

func (s *Server) handleInfoVersion(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"version": s.info.APIVersion})
}
