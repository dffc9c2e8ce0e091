// Package dispatch implements the coordinator's HTTPS request dispatcher
// (spec section 4.7): TLS termination, authentication, routing to the
// authority/catalog/queue/admin components, and translating every
// *apierr.Error into the wire's status-code table.
package dispatch

import (
	"context"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/sirupsen/logrus"

	"github.com/plomorg/plomd/internal/admin"
	"github.com/plomorg/plomd/internal/audit"
	"github.com/plomorg/plomd/internal/authority"
	"github.com/plomorg/plomd/internal/idqueue"
	"github.com/plomorg/plomd/internal/markqueue"
	"github.com/plomorg/plomd/internal/store"
)

var log = logrus.WithField("component", "dispatch")

// Info is the static server identity returned by the unauthenticated
// /info/* routes.
type Info struct {
	ShortName  string
	APIVersion string
	Version    string
}

// Server wires every coordinator component onto a routed HTTPS handler.
type Server struct {
	httpServer *http.Server
	sem        chan struct{}

	auth      *authority.Authority
	idq       *idqueue.Queue
	markq     *markqueue.Queue
	artifacts *store.Store
	admin     *admin.Admin
	auditLog  *audit.Log
	info      Info

	bcryptCost   int
	userListPath string
}

// New builds a Server bound to addr. workerPoolSize bounds how many
// requests are processed concurrently, mirroring the bounded-channel
// concurrency pattern used throughout the pack's ingestion paths rather
// than leaving net/http's per-connection goroutines uncapped.
func New(addr string, workerPoolSize int, auth *authority.Authority, idq *idqueue.Queue, markq *markqueue.Queue, artifacts *store.Store, adm *admin.Admin, auditLog *audit.Log, info Info, bcryptCost int, userListPath string) *Server {
	if workerPoolSize <= 0 {
		workerPoolSize = 32
	}
	s := &Server{
		sem:          make(chan struct{}, workerPoolSize),
		auth:         auth,
		idq:          idq,
		markq:        markq,
		artifacts:    artifacts,
		admin:        adm,
		auditLog:     auditLog,
		info:         info,
		bcryptCost:   bcryptCost,
		userListPath: userListPath,
	}
	s.httpServer = &http.Server{
		Addr:              addr,
		Handler:           s.routes(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	return s
}

func (s *Server) routes() http.Handler {
	r := mux.NewRouter()
	r.Use(s.requestIDMiddleware)
	r.Use(s.loggingMiddleware)
	r.Use(s.boundedConcurrencyMiddleware)

	r.HandleFunc("/info/shortName", s.handleInfoShortName).Methods(http.MethodGet)
	r.HandleFunc("/info/spec", s.handleInfoSpec).Methods(http.MethodGet)
	r.HandleFunc("/info/version", s.handleInfoVersion).Methods(http.MethodGet)
	r.HandleFunc("/users/{user}", s.handleLogin).Methods(http.MethodPut)
	r.HandleFunc("/users/{user}", s.handleClearAuthorisation).Methods(http.MethodDelete)

	auth := r.NewRoute().Subrouter()
	auth.Use(s.authMiddleware)

	auth.HandleFunc("/ID/progress", s.handleIDProgress).Methods(http.MethodGet)
	auth.HandleFunc("/ID/tasks/next", s.handleClaimNextID).Methods(http.MethodPatch)
	auth.HandleFunc("/ID/tasks/complete", s.handleListDoneID).Methods(http.MethodGet)
	auth.HandleFunc("/ID/tasks/{paper}/images", s.handleIDTaskImages).Methods(http.MethodGet)
	auth.HandleFunc("/ID/tasks/{paper}", s.handleReturnID).Methods(http.MethodPut)
	auth.HandleFunc("/ID/tasks/{paper}", s.handleAbandonID).Methods(http.MethodDelete)

	auth.HandleFunc("/MK/maxMark/{question}/{version}", s.handleMaxMark).Methods(http.MethodGet)
	auth.HandleFunc("/MK/progress/{question}/{version}", s.handleMarkProgress).Methods(http.MethodGet)
	auth.HandleFunc("/MK/tasks/next", s.handleClaimNextMark).Methods(http.MethodPatch)
	auth.HandleFunc("/MK/tasks/complete", s.handleListDoneMarks).Methods(http.MethodGet)
	auth.HandleFunc("/MK/tasks/{code}/images", s.handleMarkTaskImages).Methods(http.MethodGet)
	auth.HandleFunc("/MK/tasks/{code}", s.handleReturnMark).Methods(http.MethodPut)
	auth.HandleFunc("/MK/tasks/{code}", s.handleAbandonMark).Methods(http.MethodDelete)
	auth.HandleFunc("/MK/tags/{code}", s.handleSetTags).Methods(http.MethodPatch)
	auth.HandleFunc("/MK/wholePaper/{paper}", s.handleWholePaper).Methods(http.MethodGet)

	adminRoutes := auth.NewRoute().Subrouter()
	adminRoutes.Use(s.requireAdminMiddleware)
	adminRoutes.HandleFunc("/admin/users/{user}", s.handleAdminUpsertUser).Methods(http.MethodPut)
	adminRoutes.HandleFunc("/admin/users/{user}/enable", s.handleAdminEnableUser).Methods(http.MethodPatch)
	adminRoutes.HandleFunc("/admin/users/reload", s.handleAdminReloadUsers).Methods(http.MethodPost)
	adminRoutes.HandleFunc("/admin/tasks/{code}/reset", s.handleAdminResetTask).Methods(http.MethodPost)
	adminRoutes.HandleFunc("/admin/pages", s.handleAdminReplacePage).Methods(http.MethodPost)

	return r
}

// ListenAndServeTLS starts serving, blocking until Shutdown is called or
// a fatal error occurs.
func (s *Server) ListenAndServeTLS(certFile, keyFile string) error {
	log.WithField("addr", s.httpServer.Addr).Info("starting coordinator dispatcher")
	err := s.httpServer.ListenAndServeTLS(certFile, keyFile)
	if err == http.ErrServerClosed {
		return nil
	}
	return err
}

// Shutdown gracefully stops the server, waiting for in-flight requests.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}

func (s *Server) boundedConcurrencyMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		s.sem <- struct{}{}
		defer func() { <-s.sem }()
		next.ServeHTTP(w, r)
	})
}
