// Package admin serves the node's operational HTTP interface. The repovault
// CLI talks to a running node through it.
package admin

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/repovault/repovault/internal/cleanup"
	"github.com/repovault/repovault/internal/freeze"
	"github.com/repovault/repovault/internal/guard"
	"github.com/repovault/repovault/internal/logging/audit"
	"github.com/repovault/repovault/internal/metrics"
	"github.com/repovault/repovault/internal/purge"
	"github.com/repovault/repovault/internal/quorum"
	"github.com/repovault/repovault/internal/quota"
	"github.com/repovault/repovault/pkg/blobref"
	"github.com/rs/zerolog/log"
)

// FreezeService is the freeze coordinator as used by the admin interface.
type FreezeService interface {
	RequestFreeze(ctx context.Context, req freeze.Request) (freeze.Request, error)
	Release(ctx context.Context, req freeze.Request) (bool, error)
	ReleaseAllRequests(ctx context.Context) ([]freeze.Request, error)
	IsFrozen() bool
	Requests() []freeze.Request
}

// QuorumSource reports write quorum.
type QuorumSource interface {
	GetQuorumStatus(ctx context.Context) (quorum.Status, error)
}

// Purger runs a purge.
type Purger interface {
	Purge(ctx context.Context, repository string, olderThanDays int) (purge.Stats, error)
}

// Backuper runs a backup into the configured directory.
type Backuper interface {
	Run(ctx context.Context, dir string) ([]string, error)
}

// PolicyStore manages cleanup policies.
type PolicyStore interface {
	Create(ctx context.Context, p cleanup.Policy) (cleanup.Policy, error)
	Get(ctx context.Context, name string) (cleanup.Policy, error)
	List(ctx context.Context) ([]cleanup.Policy, error)
	Replace(ctx context.Context, p cleanup.Policy) (cleanup.Policy, error)
	Delete(ctx context.Context, name string) error
}

// QuotaRunner evaluates every blob store quota once.
type QuotaRunner interface {
	Run(ctx context.Context) []quota.Result
}

// WriteGuard rejects mutations while frozen or without quorum.
type WriteGuard interface {
	CheckWritable(ctx context.Context, op string) error
}

// Deps are the services exposed by the admin server. Nil services disable
// their endpoints.
type Deps struct {
	NodeName  string
	Freeze    FreezeService
	Quorum    QuorumSource
	Guard     WriteGuard
	Purger    Purger
	Backup    Backuper
	BackupDir string
	Policies  PolicyStore
	Quota     QuotaRunner
	Events    http.Handler
}

// ActorHeader names the operator on mutating requests for the audit log.
const ActorHeader = "X-Repovault-Actor"

// Server is the admin HTTP server.
type Server struct {
	server   *http.Server
	mux      *http.ServeMux
	listener net.Listener
	deps     Deps
}

// ErrorResponse is the JSON body of every error reply.
type ErrorResponse struct {
	Error   string `json:"error"`
	Code    int    `json:"code"`
	Message string `json:"message"`
}

// StatusResponse is returned by /status.
type StatusResponse struct {
	Node           string           `json:"node"`
	Frozen         bool             `json:"frozen"`
	FreezeRequests []freeze.Request `json:"freeze_requests"`
	Quorum         *quorum.Status   `json:"quorum,omitempty"`
	QuorumError    string           `json:"quorum_error,omitempty"`
}

// FreezeRequestBody is accepted by POST /freeze and DELETE /freeze.
type FreezeRequestBody struct {
	Initiator     string               `json:"initiator"`
	InitiatorType freeze.InitiatorType `json:"initiator_type,omitempty"`
}

// PurgeRequestBody is accepted by POST /purge.
type PurgeRequestBody struct {
	Repository    string `json:"repository"`
	OlderThanDays int    `json:"older_than_days"`
}

// BlobRefResponse is returned by /blobref.
type BlobRefResponse struct {
	Canonical string `json:"canonical"`
	Store     string `json:"store"`
	BlobID    string `json:"blob_id"`
	Node      string `json:"node,omitempty"`
}

// NewServer creates the admin server.
func NewServer(deps Deps) *Server {
	s := &Server{mux: http.NewServeMux(), deps: deps}

	s.mux.HandleFunc("/health", healthHandler)
	s.mux.Handle("/metrics", metrics.Handler())
	s.mux.HandleFunc("/status", s.handleStatus)
	s.mux.HandleFunc("/blobref", s.handleBlobRef)
	if deps.Freeze != nil {
		s.mux.HandleFunc("/freeze", s.handleFreeze)
		s.mux.HandleFunc("/freeze/release-all", s.handleReleaseAll)
	}
	if deps.Purger != nil {
		s.mux.HandleFunc("/purge", s.handlePurge)
	}
	if deps.Backup != nil {
		s.mux.HandleFunc("/backup", s.handleBackup)
	}
	if deps.Policies != nil {
		s.mux.HandleFunc("/policies", s.handlePolicies)
		s.mux.HandleFunc("/policies/", s.handlePolicy)
	}
	if deps.Quota != nil {
		s.mux.HandleFunc("/quota", s.handleQuota)
	}
	if deps.Events != nil {
		s.mux.Handle("/events", deps.Events)
	}
	return s
}

// Handler returns the server's routes.
func (s *Server) Handler() http.Handler {
	return withActor(s.mux)
}

// withActor copies ActorHeader into the request context for audit logging.
func withActor(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if actor := r.Header.Get(ActorHeader); actor != "" {
			r = r.WithContext(audit.WithActor(r.Context(), actor))
		}
		next.ServeHTTP(w, r)
	})
}

// Start listens on addr and serves in the background.
func (s *Server) Start(addr string) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("listen %s: %w", addr, err)
	}
	s.listener = ln
	s.server = &http.Server{
		Handler:      withActor(s.mux),
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 5 * time.Minute, // backups and purges run inline
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		if err := s.server.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error().Err(err).Msg("admin server stopped")
		}
	}()
	log.Info().Str("listen", ln.Addr().String()).Msg("admin server started")
	return nil
}

// Addr returns the listening address once started.
func (s *Server) Addr() string {
	if s.listener == nil {
		return ""
	}
	return s.listener.Addr().String()
}

// Stop gracefully stops the admin server.
func (s *Server) Stop() error {
	if s.server == nil {
		return nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return s.server.Shutdown(ctx)
}

// healthHandler returns a simple health check response.
func healthHandler(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok\n"))
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		jsonError(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	resp := StatusResponse{Node: s.deps.NodeName, FreezeRequests: []freeze.Request{}}
	if s.deps.Freeze != nil {
		resp.Frozen = s.deps.Freeze.IsFrozen()
		resp.FreezeRequests = s.deps.Freeze.Requests()
	}
	if s.deps.Quorum != nil {
		status, err := s.deps.Quorum.GetQuorumStatus(r.Context())
		if err != nil {
			resp.QuorumError = err.Error()
		} else {
			resp.Quorum = &status
		}
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleFreeze(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		writeJSON(w, http.StatusOK, s.deps.Freeze.Requests())
	case http.MethodPost:
		s.handleFreezeRequest(w, r)
	case http.MethodDelete:
		s.handleFreezeRelease(w, r)
	default:
		jsonError(w, "method not allowed", http.StatusMethodNotAllowed)
	}
}

func decodeFreezeBody(r *http.Request) (freeze.Request, error) {
	var body FreezeRequestBody
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		return freeze.Request{}, fmt.Errorf("invalid request body: %w", err)
	}
	if body.Initiator == "" {
		return freeze.Request{}, errors.New("initiator is required")
	}
	if body.InitiatorType == "" {
		body.InitiatorType = freeze.UserInitiated
	}
	if !body.InitiatorType.Valid() {
		return freeze.Request{}, fmt.Errorf("unknown initiator_type %q", body.InitiatorType)
	}
	return freeze.NewRequest(body.InitiatorType, body.Initiator), nil
}

func (s *Server) handleFreezeRequest(w http.ResponseWriter, r *http.Request) {
	req, err := decodeFreezeBody(r)
	if err != nil {
		jsonError(w, err.Error(), http.StatusBadRequest)
		return
	}
	got, err := s.deps.Freeze.RequestFreeze(r.Context(), req)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, got)
}

func (s *Server) handleFreezeRelease(w http.ResponseWriter, r *http.Request) {
	req, err := decodeFreezeBody(r)
	if err != nil {
		jsonError(w, err.Error(), http.StatusBadRequest)
		return
	}
	removed, err := s.deps.Freeze.Release(r.Context(), req)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	if !removed {
		jsonError(w, "no matching freeze request", http.StatusNotFound)
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"frozen": s.deps.Freeze.IsFrozen()})
}

func (s *Server) handleReleaseAll(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		jsonError(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	removed, err := s.deps.Freeze.ReleaseAllRequests(r.Context())
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, removed)
}

func (s *Server) handlePurge(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		jsonError(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	var body PurgeRequestBody
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		jsonError(w, "invalid request body", http.StatusBadRequest)
		return
	}
	if body.Repository == "" {
		jsonError(w, "repository is required", http.StatusBadRequest)
		return
	}
	if !s.checkWritable(w, r, "purge") {
		return
	}
	stats, err := s.deps.Purger.Purge(r.Context(), body.Repository, body.OlderThanDays)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, stats)
}

func (s *Server) handleBackup(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		jsonError(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	files, err := s.deps.Backup.Run(r.Context(), s.deps.BackupDir)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string][]string{"files": files})
}

func (s *Server) handleQuota(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		jsonError(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	writeJSON(w, http.StatusOK, s.deps.Quota.Run(r.Context()))
}

func (s *Server) handlePolicies(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		policies, err := s.deps.Policies.List(r.Context())
		if err != nil {
			writeServiceError(w, err)
			return
		}
		if policies == nil {
			policies = []cleanup.Policy{}
		}
		writeJSON(w, http.StatusOK, policies)
	case http.MethodPost:
		var p cleanup.Policy
		if err := json.NewDecoder(r.Body).Decode(&p); err != nil {
			jsonError(w, "invalid request body", http.StatusBadRequest)
			return
		}
		if !s.checkWritable(w, r, "create cleanup policy") {
			return
		}
		created, err := s.deps.Policies.Create(r.Context(), p)
		if err != nil {
			writeServiceError(w, err)
			return
		}
		writeJSON(w, http.StatusCreated, created)
	default:
		jsonError(w, "method not allowed", http.StatusMethodNotAllowed)
	}
}

func (s *Server) handlePolicy(w http.ResponseWriter, r *http.Request) {
	name := strings.TrimPrefix(r.URL.Path, "/policies/")
	if name == "" || strings.Contains(name, "/") {
		jsonError(w, "policy name required", http.StatusBadRequest)
		return
	}

	switch r.Method {
	case http.MethodGet:
		p, err := s.deps.Policies.Get(r.Context(), name)
		if err != nil {
			writeServiceError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, p)
	case http.MethodPut:
		var p cleanup.Policy
		if err := json.NewDecoder(r.Body).Decode(&p); err != nil {
			jsonError(w, "invalid request body", http.StatusBadRequest)
			return
		}
		if p.Name != "" && p.Name != name {
			jsonError(w, "policy name does not match path", http.StatusBadRequest)
			return
		}
		p.Name = name
		if !s.checkWritable(w, r, "replace cleanup policy") {
			return
		}
		replaced, err := s.deps.Policies.Replace(r.Context(), p)
		if err != nil {
			writeServiceError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, replaced)
	case http.MethodDelete:
		if !s.checkWritable(w, r, "delete cleanup policy") {
			return
		}
		if err := s.deps.Policies.Delete(r.Context(), name); err != nil {
			writeServiceError(w, err)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	default:
		jsonError(w, "method not allowed", http.StatusMethodNotAllowed)
	}
}

func (s *Server) checkWritable(w http.ResponseWriter, r *http.Request, op string) bool {
	if s.deps.Guard == nil {
		return true
	}
	if err := s.deps.Guard.CheckWritable(r.Context(), op); err != nil {
		writeServiceError(w, err)
		return false
	}
	return true
}

func (s *Server) handleBlobRef(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		jsonError(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	ref, err := blobref.Parse(r.URL.Query().Get("ref"))
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, BlobRefResponse{
		Canonical: ref.String(),
		Store:     ref.Store(),
		BlobID:    ref.BlobID(),
		Node:      ref.Node(),
	})
}

// statusFor maps service errors onto HTTP status codes.
func statusFor(err error) int {
	switch {
	case errors.Is(err, freeze.ErrDatabaseFrozen), errors.Is(err, guard.ErrQuorumLost):
		return http.StatusServiceUnavailable
	case errors.Is(err, blobref.ErrInvalidReference), errors.Is(err, purge.ErrInvalidArgument),
		errors.Is(err, cleanup.ErrInvalid):
		return http.StatusBadRequest
	case errors.Is(err, cleanup.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, cleanup.ErrConflict):
		return http.StatusConflict
	default:
		return http.StatusInternalServerError
	}
}

func writeServiceError(w http.ResponseWriter, err error) {
	code := statusFor(err)
	if code == http.StatusInternalServerError {
		log.Error().Err(err).Msg("admin request failed")
	}
	jsonError(w, err.Error(), code)
}

func jsonError(w http.ResponseWriter, message string, code int) {
	writeJSON(w, code, ErrorResponse{
		Error:   http.StatusText(code),
		Code:    code,
		Message: message,
	})
}

func writeJSON(w http.ResponseWriter, code int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}
