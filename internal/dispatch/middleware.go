package dispatch

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"net/http"

	"github.com/sirupsen/logrus"

	"github.com/plomorg/plomd/internal/apierr"
)

type contextKey string

const (
	ctxRequestID contextKey = "request_id"
	ctxUser      contextKey = "user"
)

func (s *Server) requestIDMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := newRequestID()
		w.Header().Set("X-Request-Id", id)
		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), ctxRequestID, id)))
	})
}

func newRequestID() string {
	b := make([]byte, 8)
	_, _ = rand.Read(b)
	return hex.EncodeToString(b)
}

func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		entry := log.WithFields(logrus.Fields{
			"request_id":  requestID(r.Context()),
			"remote_addr": r.RemoteAddr,
			"method":      r.Method,
			"path":        r.URL.Path,
		})
		entry.Info("request received")
		next.ServeHTTP(w, r)
	})
}

// authMiddleware requires a valid user+token pair, supplied as query
// parameters (the original client always sends them this way, even on
// PUT/PATCH requests whose body carries other fields).
func (s *Server) authMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		user := r.URL.Query().Get("user")
		token := r.URL.Query().Get("token")
		if user == "" || token == "" || !s.auth.Validate(user, token) {
			writeAPIError(w, apierr.New(apierr.Unauthorised, "invalid or missing user/token"))
			return
		}
		ctx := context.WithValue(r.Context(), ctxUser, user)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func (s *Server) requireAdminMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		user := currentUser(r.Context())
		if !s.admin.IsAdmin(user) {
			writeAPIError(w, apierr.New(apierr.Unauthorised, "administrative privileges required"))
			return
		}
		next.ServeHTTP(w, r)
	})
}

func requestID(ctx context.Context) string {
	id, _ := ctx.Value(ctxRequestID).(string)
	return id
}

func currentUser(ctx context.Context) string {
	u, _ := ctx.Value(ctxUser).(string)
	return u
}
