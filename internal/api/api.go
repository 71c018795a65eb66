// Package api exposes the code-query pipeline over HTTP.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/rs/zerolog/hlog"
	"github.com/seanblong/codelense/internal/auth"
	"github.com/seanblong/codelense/internal/ratelimit"
	"github.com/seanblong/codelense/pkg/models"
)

const maxBodyBytes = 1 << 20

// Runner answers one query.
type Runner interface {
	Run(ctx context.Context, req models.QueryRequest) (string, error)
}

// Server holds the handlers' collaborators.
type Server struct {
	Runner   Runner
	Limiter  ratelimit.Limiter
	Requests int
	Window   time.Duration
}

// New builds a Server. requests and window only shape the 429 message; the
// limiter itself enforces them.
func New(r Runner, l ratelimit.Limiter, requests int, window time.Duration) *Server {
	if requests <= 0 {
		requests = ratelimit.DefaultRequests
	}
	if window <= 0 {
		window = ratelimit.DefaultWindow
	}
	return &Server{Runner: r, Limiter: l, Requests: requests, Window: window}
}

// Routes returns the service mux wrapped in CORS for origins.
func (s *Server) Routes(origins []string) http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) { w.WriteHeader(http.StatusOK) })
	mux.Handle("/code-query", auth.OptionalAuthMiddleware(http.HandlerFunc(s.CodeQuery)))
	return CORS(origins)(mux)
}

type answerResponse struct {
	Answer string `json:"answer"`
}

type errorResponse struct {
	Error string `json:"error"`
}

// CodeQuery handles POST /code-query.
func (s *Server) CodeQuery(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	if r.Method != http.MethodPost {
		w.Header().Set("Allow", http.MethodPost)
		writeJSON(w, http.StatusMethodNotAllowed, errorResponse{Error: "method not allowed"})
		return
	}

	req, err := decodeQuery(r.Body)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: err.Error()})
		return
	}
	logger := hlog.FromRequest(r).With().Str("account_id", req.AccountID).Str("repo", req.Repo).Logger()

	if !auth.CanAccess(r, req.AccountID) {
		writeJSON(w, http.StatusForbidden, errorResponse{Error: "token does not grant access to this account"})
		return
	}

	ok, err := s.Limiter.Allow(r.Context(), req.AccountID)
	if err != nil {
		logger.Error().Err(err).Msg("rate limiter unavailable")
		writeJSON(w, http.StatusOK, errorResponse{Error: fmt.Sprintf("rate limiter unavailable: %v", err)})
		return
	}
	if !ok {
		logger.Warn().Err(ratelimit.ErrLimited).Msg("rejected")
		writeJSON(w, http.StatusTooManyRequests, errorResponse{Error: s.limitMessage(req.AccountID)})
		return
	}

	answer, err := s.Runner.Run(r.Context(), req)
	if err != nil {
		logger.Error().Err(err).Dur("dur", time.Since(start)).Msg("code query failed")
		writeJSON(w, http.StatusOK, errorResponse{Error: err.Error()})
		return
	}

	writeJSON(w, http.StatusOK, answerResponse{Answer: answer})
	logger.Info().Int("answer_len", len(answer)).Dur("dur", time.Since(start)).Msg("served")
}

func (s *Server) limitMessage(accountID string) string {
	per := s.Window.String()
	if s.Window == time.Minute {
		per = "minute"
	}
	return fmt.Sprintf("Rate limit exceeded. Only %d requests per %s allowed for account %s", s.Requests, per, accountID)
}

func decodeQuery(body io.Reader) (models.QueryRequest, error) {
	var req models.QueryRequest
	if err := json.NewDecoder(io.LimitReader(body, maxBodyBytes)).Decode(&req); err != nil {
		return req, fmt.Errorf("invalid request body: %w", err)
	}
	var missing []string
	if strings.TrimSpace(req.UserQuery) == "" {
		missing = append(missing, "user_query")
	}
	if strings.TrimSpace(req.AccountID) == "" {
		missing = append(missing, "account_id")
	}
	if strings.TrimSpace(req.Repo) == "" {
		missing = append(missing, "repo")
	}
	if len(missing) > 0 {
		return req, errors.New("missing required fields: " + strings.Join(missing, ", "))
	}
	return req, nil
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		_, _ = w.Write([]byte(`{"error":"failed to encode response"}`))
	}
}
