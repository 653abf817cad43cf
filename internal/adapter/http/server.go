package http

import (
	"bytes"
	"context"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/cwygoda/uplink/internal/domain"
	"github.com/cwygoda/uplink/internal/scheduler"
)

// Jobs is the scheduling surface the server exposes.
type Jobs interface {
	Schedule(ctx context.Context, req domain.JobRequest) (string, error)
	Cancel(ctx context.Context, id string) (bool, error)
	ListScheduled(ctx context.Context) ([]scheduler.JobView, error)
	Get(ctx context.Context, id string) (scheduler.JobView, error)
	Running() bool
	InFlight() int
}

// CredentialStore persists platform secrets.
type CredentialStore interface {
	Load(ctx context.Context) domain.Credentials
	Save(ctx context.Context, creds domain.Credentials) error
	Clear(ctx context.Context) error
	Exists() bool
}

const maxBodySize = 1 << 20

// Server is the HTTP adapter for the upload scheduler.
type Server struct {
	jobs   Jobs
	vault  CredentialStore
	mux    *http.ServeMux
	server *http.Server
	secret string
	log    zerolog.Logger
}

// NewServer creates a new HTTP server. When secret is set, mutating routes
// require a valid X-Timestamp / X-Signature pair.
func NewServer(jobs Jobs, vault CredentialStore, addr, secret string, log zerolog.Logger) *Server {
	s := &Server{
		jobs:   jobs,
		vault:  vault,
		mux:    http.NewServeMux(),
		secret: secret,
		log:    log.With().Str("component", "http").Logger(),
	}
	s.routes()
	s.server = &http.Server{
		Addr:              addr,
		Handler:           s.mux,
		ReadHeaderTimeout: 10 * time.Second,
	}
	return s
}

func (s *Server) routes() {
	s.mux.HandleFunc("POST /jobs", s.signed(s.handleSchedule))
	s.mux.HandleFunc("GET /jobs", s.handleListJobs)
	s.mux.HandleFunc("GET /jobs/{id}", s.handleGetJob)
	s.mux.HandleFunc("DELETE /jobs/{id}", s.signed(s.handleCancelJob))
	s.mux.HandleFunc("GET /credentials", s.handleGetCredentials)
	s.mux.HandleFunc("PUT /credentials", s.signed(s.handlePutCredentials))
	s.mux.HandleFunc("DELETE /credentials", s.signed(s.handleDeleteCredentials))
	s.mux.HandleFunc("GET /health", s.handleHealth)
}

// scheduleRequest is the request body for POST /jobs.
type scheduleRequest struct {
	Platform      string    `json:"platform"`
	ScheduledTime time.Time `json:"scheduled_time"`
	domain.Payload
}

// credentialsRequest is the request body for PUT /credentials. Empty fields
// keep their stored value.
type credentialsRequest struct {
	InstagramUsername   string `json:"instagram_username"`
	InstagramPassword   string `json:"instagram_password"`
	InstagramSession    string `json:"instagram_session"`
	YouTubeRefreshToken string `json:"youtube_refresh_token"`
}

// errorResponse is the JSON error response.
type errorResponse struct {
	Error string `json:"error"`
	Field string `json:"field,omitempty"`
}

// credentialsResponse reports stored credentials without their values.
type credentialsResponse struct {
	Stored    bool                     `json:"stored"`
	Platforms map[domain.Platform]bool `json:"platforms"`
}

type cancelResponse struct {
	ID        string `json:"id"`
	Cancelled bool   `json:"cancelled"`
}

type healthResponse struct {
	Status   string `json:"status"`
	Running  bool   `json:"running"`
	InFlight int    `json:"in_flight"`
}

// signed reads the body, verifies the signature when a secret is set and
// hands the body on to next.
func (s *Server) signed(next func(http.ResponseWriter, *http.Request, []byte)) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		body, err := io.ReadAll(io.LimitReader(r.Body, maxBodySize+1))
		if err != nil {
			s.writeError(w, http.StatusBadRequest, "failed to read request body")
			return
		}
		if len(body) > maxBodySize {
			s.writeError(w, http.StatusRequestEntityTooLarge, "request body too large")
			return
		}
		if s.secret != "" {
			if err := s.verifySignature(r, body); err != nil {
				s.log.Warn().Str("path", r.URL.Path).Err(err).Msg("request verification failed")
				s.writeError(w, http.StatusUnauthorized, err.Error())
				return
			}
		}
		next(w, r, body)
	}
}

const maxTimestampSkew = 5 * time.Minute

func (s *Server) verifySignature(r *http.Request, body []byte) error {
	timestamp := r.Header.Get("X-Timestamp")
	if timestamp == "" {
		return fmt.Errorf("missing X-Timestamp header")
	}

	ts, err := time.Parse(time.RFC3339, timestamp)
	if err != nil {
		return fmt.Errorf("invalid X-Timestamp: must be ISO8601/RFC3339 format")
	}

	skew := time.Since(ts)
	if skew < 0 {
		skew = -skew
	}
	if skew > maxTimestampSkew {
		return fmt.Errorf("X-Timestamp too far from current time (skew: %v, max: %v)", skew.Truncate(time.Second), maxTimestampSkew)
	}

	signature := r.Header.Get("X-Signature")
	if signature == "" {
		return fmt.Errorf("missing X-Signature header")
	}

	if subtle.ConstantTimeCompare([]byte(signature), []byte(Sign(timestamp, body, s.secret))) != 1 {
		return fmt.Errorf("invalid signature")
	}
	return nil
}

// Sign computes SHA256("${timestamp}\n${body}\n${secret}") as hex.
func Sign(timestamp string, body []byte, secret string) string {
	payload := fmt.Sprintf("%s\n%s\n%s", timestamp, string(body), secret)
	hash := sha256.Sum256([]byte(payload))
	return hex.EncodeToString(hash[:])
}

func (s *Server) handleSchedule(w http.ResponseWriter, r *http.Request, body []byte) {
	var req scheduleRequest
	if err := json.NewDecoder(bytes.NewReader(body)).Decode(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid JSON")
		return
	}

	id, err := s.jobs.Schedule(r.Context(), domain.JobRequest{
		Platform:      req.Platform,
		ScheduledTime: req.ScheduledTime,
		Payload:       req.Payload,
	})
	if err != nil {
		s.writeJobError(w, err, "schedule")
		return
	}

	view, err := s.jobs.Get(r.Context(), id)
	if err != nil {
		s.writeJobError(w, err, "get job")
		return
	}
	w.Header().Set("Location", "/jobs/"+id)
	s.writeJSON(w, http.StatusCreated, view)
}

func (s *Server) handleListJobs(w http.ResponseWriter, r *http.Request) {
	views, err := s.jobs.ListScheduled(r.Context())
	if err != nil {
		s.writeJobError(w, err, "list jobs")
		return
	}
	if status := r.URL.Query().Get("status"); status != "" {
		filtered := views[:0]
		for _, v := range views {
			if strings.EqualFold(string(v.Status), status) {
				filtered = append(filtered, v)
			}
		}
		views = filtered
	}
	s.writeJSON(w, http.StatusOK, views)
}

func (s *Server) handleGetJob(w http.ResponseWriter, r *http.Request) {
	view, err := s.jobs.Get(r.Context(), r.PathValue("id"))
	if err != nil {
		s.writeJobError(w, err, "get job")
		return
	}
	s.writeJSON(w, http.StatusOK, view)
}

func (s *Server) handleCancelJob(w http.ResponseWriter, r *http.Request, _ []byte) {
	id := r.PathValue("id")
	ok, err := s.jobs.Cancel(r.Context(), id)
	if err != nil {
		s.writeJobError(w, err, "cancel job")
		return
	}
	if !ok {
		s.writeError(w, http.StatusConflict, "job is no longer pending")
		return
	}
	s.writeJSON(w, http.StatusOK, cancelResponse{ID: id, Cancelled: true})
}

func (s *Server) handleGetCredentials(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, credentialsResponse{
		Stored:    s.vault.Exists(),
		Platforms: s.vault.Load(r.Context()).Configured(),
	})
}

func (s *Server) handlePutCredentials(w http.ResponseWriter, r *http.Request, body []byte) {
	var req credentialsRequest
	if err := json.NewDecoder(bytes.NewReader(body)).Decode(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid JSON")
		return
	}
	update := domain.Credentials{
		InstagramUsername:   req.InstagramUsername,
		InstagramPassword:   req.InstagramPassword,
		InstagramSession:    req.InstagramSession,
		YouTubeRefreshToken: req.YouTubeRefreshToken,
	}
	if update.IsZero() {
		s.writeError(w, http.StatusBadRequest, "no credentials given")
		return
	}

	merged := s.vault.Load(r.Context()).Merge(update)
	if err := s.vault.Save(r.Context(), merged); err != nil {
		s.log.Error().Err(err).Msg("save credentials")
		s.writeError(w, http.StatusInternalServerError, "internal error")
		return
	}
	s.writeJSON(w, http.StatusOK, credentialsResponse{Stored: s.vault.Exists(), Platforms: merged.Configured()})
}

func (s *Server) handleDeleteCredentials(w http.ResponseWriter, r *http.Request, _ []byte) {
	if err := s.vault.Clear(r.Context()); err != nil {
		s.log.Error().Err(err).Msg("clear credentials")
		s.writeError(w, http.StatusInternalServerError, "internal error")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, healthResponse{
		Status:   "ok",
		Running:  s.jobs.Running(),
		InFlight: s.jobs.InFlight(),
	})
}

func (s *Server) writeJobError(w http.ResponseWriter, err error, op string) {
	var verr *domain.ValidationError
	switch {
	case errors.As(err, &verr):
		s.writeJSON(w, http.StatusBadRequest, errorResponse{Error: verr.Message, Field: verr.Field})
	case errors.Is(err, domain.ErrJobNotFound):
		s.writeError(w, http.StatusNotFound, "job not found")
	default:
		s.log.Error().Err(err).Msg(op)
		s.writeError(w, http.StatusInternalServerError, "internal error")
	}
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func (s *Server) writeError(w http.ResponseWriter, status int, msg string) {
	s.writeJSON(w, status, errorResponse{Error: msg})
}

// ListenAndServe starts the HTTP server.
func (s *Server) ListenAndServe() error {
	return s.server.ListenAndServe()
}

// Shutdown gracefully shuts down the server.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.server.Shutdown(ctx)
}

// ServeHTTP implements http.Handler for testing.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.mux.ServeHTTP(w, r)
}
