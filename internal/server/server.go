package server

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"xobattle/internal/arena"
	"xobattle/internal/battle"
	"xobattle/internal/game"
	"xobattle/internal/storage"
)

const leaderboardPageSize = 10

// Profiles is the read and admin surface of the profile store.
type Profiles interface {
	GetProfile(ctx context.Context, id string) (*storage.Profile, error)
	Leaderboard(ctx context.Context, limit, offset int) ([]storage.Profile, error)
	Grant(ctx context.Context, id string, amount decimal.Decimal, scoreDelta int, ref string) error
}

type Option func(*Server)

func WithAdminTokens(tokens []string) Option   { return func(s *Server) { s.adminTokens = tokens } }
func WithMetricsHandler(h http.Handler) Option { return func(s *Server) { s.metricsHandler = h } }
func WithLogger(l *zap.Logger) Option          { return func(s *Server) { s.logger = l } }

// Server is the HTTP server.
type Server struct {
	mux      *http.ServeMux
	arena    *arena.Arena
	matches  *battle.Manager
	registry *game.Registry
	profiles Profiles
	hub      *Hub

	adminTokens    []string
	metricsHandler http.Handler
	logger         *zap.Logger
}

// New creates a server with all routes. hub must be the notifier the arena
// and match manager publish to.
func New(a *arena.Arena, matches *battle.Manager, registry *game.Registry, profiles Profiles, hub *Hub, opts ...Option) *Server {
	s := &Server{
		mux:      http.NewServeMux(),
		arena:    a,
		matches:  matches,
		registry: registry,
		profiles: profiles,
		hub:      hub,
		logger:   zap.NewNop(),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.routes()
	return s
}

func (s *Server) routes() {
	s.mux.HandleFunc("GET /api/opponents", s.handleListOpponents)
	s.mux.HandleFunc("GET /api/profiles/{id}", s.handleGetProfile)
	s.mux.HandleFunc("GET /api/leaderboard", s.handleLeaderboard)
	s.mux.HandleFunc("GET /api/matches/{id}", s.handleGetMatch)
	s.mux.HandleFunc("GET /api/ws", s.handleWebSocket)

	s.mux.HandleFunc("DELETE /api/admin/matches/{id}", s.admin(s.handleCancelMatch))
	s.mux.HandleFunc("POST /api/admin/grant", s.admin(s.handleGrant))

	if s.metricsHandler != nil {
		s.mux.Handle("GET /metrics", s.metricsHandler)
	}
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.mux.ServeHTTP(w, r)
}

func (s *Server) handleListOpponents(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.registry.List())
}

func (s *Server) handleGetProfile(w http.ResponseWriter, r *http.Request) {
	p, err := s.profiles.GetProfile(r.Context(), r.PathValue("id"))
	if errors.Is(err, storage.ErrNotFound) {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "profile not found"})
		return
	}
	if err != nil {
		s.internalError(w, "get profile", err)
		return
	}
	writeJSON(w, http.StatusOK, p)
}

type leaderboardResponse struct {
	Page    int               `json:"page"`
	Entries []storage.Profile `json:"entries"`
}

func (s *Server) handleLeaderboard(w http.ResponseWriter, r *http.Request) {
	page := 1
	if raw := r.URL.Query().Get("page"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 1 {
			writeJSON(w, http.StatusBadRequest, map[string]string{"error": "page must be a positive integer"})
			return
		}
		page = n
	}
	entries, err := s.profiles.Leaderboard(r.Context(), leaderboardPageSize, (page-1)*leaderboardPageSize)
	if err != nil {
		s.internalError(w, "leaderboard", err)
		return
	}
	if entries == nil {
		entries = []storage.Profile{}
	}
	writeJSON(w, http.StatusOK, leaderboardResponse{Page: page, Entries: entries})
}

func (s *Server) handleGetMatch(w http.ResponseWriter, r *http.Request) {
	m, ok := s.matches.Get(r.PathValue("id"))
	if !ok {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "match not found"})
		return
	}
	writeJSON(w, http.StatusOK, m.View())
}

func (s *Server) handleCancelMatch(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	err := s.arena.Cancel(r.Context(), id)
	if errors.Is(err, battle.ErrNoActiveMatch) {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "match not found"})
		return
	}
	if err != nil {
		s.internalError(w, "cancel match", err)
		return
	}
	s.logger.Info("match cancelled by admin", zap.String("match", id))
	w.WriteHeader(http.StatusNoContent)
}

type grantRequest struct {
	ParticipantID string          `json:"participantId"`
	Amount        decimal.Decimal `json:"amount"`
	Score         int             `json:"score"`
	Ref           string          `json:"ref"`
}

func (s *Server) handleGrant(w http.ResponseWriter, r *http.Request) {
	var req grantRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid request body"})
		return
	}
	req.ParticipantID = strings.TrimSpace(req.ParticipantID)
	if req.ParticipantID == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "participantId required"})
		return
	}
	if req.Ref == "" {
		req.Ref = "grant:" + uuid.NewString()
	}
	if err := s.profiles.Grant(r.Context(), req.ParticipantID, req.Amount, req.Score, req.Ref); err != nil {
		s.internalError(w, "grant", err)
		return
	}
	p, err := s.profiles.GetProfile(r.Context(), req.ParticipantID)
	if err != nil {
		s.internalError(w, "get profile", err)
		return
	}
	s.logger.Info("grant applied",
		zap.String("participant", req.ParticipantID),
		zap.Stringer("amount", req.Amount),
		zap.Int("score", req.Score),
		zap.String("ref", req.Ref))
	writeJSON(w, http.StatusOK, p)
}

// admin rejects requests without one of the configured bearer tokens.
func (s *Server) admin(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		token := extractBearer(r)
		if token == "" || !s.validAdminToken(token) {
			writeJSON(w, http.StatusUnauthorized, map[string]string{"error": "unauthorized"})
			return
		}
		next(w, r)
	}
}

func (s *Server) validAdminToken(token string) bool {
	for _, t := range s.adminTokens {
		if subtle.ConstantTimeCompare([]byte(t), []byte(token)) == 1 {
			return true
		}
	}
	return false
}

func extractBearer(r *http.Request) string {
	h := r.Header.Get("Authorization")
	if len(h) > 7 && strings.EqualFold(h[:7], "bearer ") {
		return strings.TrimSpace(h[7:])
	}
	return ""
}

func (s *Server) internalError(w http.ResponseWriter, op string, err error) {
	s.logger.Error(op+" failed", zap.Error(err))
	writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "internal error"})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}
