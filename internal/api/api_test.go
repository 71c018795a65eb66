package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/seanblong/codelense/internal/auth"
	"github.com/seanblong/codelense/internal/ratelimit"
	"github.com/seanblong/codelense/pkg/models"
)

func init() {
	zerolog.SetGlobalLevel(zerolog.Disabled)
}

type MockRunner struct {
	RunFunc func(ctx context.Context, req models.QueryRequest) (string, error)
	Calls   []models.QueryRequest
}

func (m *MockRunner) Run(ctx context.Context, req models.QueryRequest) (string, error) {
	m.Calls = append(m.Calls, req)
	if m.RunFunc != nil {
		return m.RunFunc(ctx, req)
	}
	return "mock answer", nil
}

type MockLimiter struct {
	AllowFunc func(ctx context.Context, key string) (bool, error)
	Keys      []string
}

func (m *MockLimiter) Allow(ctx context.Context, key string) (bool, error) {
	m.Keys = append(m.Keys, key)
	if m.AllowFunc != nil {
		return m.AllowFunc(ctx, key)
	}
	return true, nil
}

const validBody = `{"user_query":"where is auth?","account_id":"acct-1","repo":"octo/app","owner":"octo","installation_id":7}`

func post(t *testing.T, h http.Handler, body string, hdr map[string]string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodPost, "/code-query", strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	for k, v := range hdr {
		req.Header.Set(k, v)
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func decode(t *testing.T, rec *httptest.ResponseRecorder) map[string]string {
	t.Helper()
	var out map[string]string
	if err := json.Unmarshal(rec.Body.Bytes(), &out); err != nil {
		t.Fatalf("response is not JSON: %v (%q)", err, rec.Body.String())
	}
	return out
}

func TestCodeQuery(t *testing.T) {
	auth.InitializeAuth("", false)

	tests := []struct {
		name       string
		body       string
		runner     *MockRunner
		limiter    *MockLimiter
		wantStatus int
		wantKey    string
		wantValue  string
		wantRun    bool
	}{
		{
			name:       "answer",
			body:       validBody,
			runner:     &MockRunner{},
			limiter:    &MockLimiter{},
			wantStatus: http.StatusOK,
			wantKey:    "answer",
			wantValue:  "mock answer",
			wantRun:    true,
		},
		{
			name: "pipeline failure is reported in body",
			body: validBody,
			runner: &MockRunner{RunFunc: func(ctx context.Context, req models.QueryRequest) (string, error) {
				return "", errors.New("llm down")
			}},
			limiter:    &MockLimiter{},
			wantStatus: http.StatusOK,
			wantKey:    "error",
			wantValue:  "llm down",
			wantRun:    true,
		},
		{
			name:   "rate limited",
			body:   validBody,
			runner: &MockRunner{},
			limiter: &MockLimiter{AllowFunc: func(ctx context.Context, key string) (bool, error) {
				return false, nil
			}},
			wantStatus: http.StatusTooManyRequests,
			wantKey:    "error",
			wantValue:  "Rate limit exceeded. Only 2 requests per minute allowed for account acct-1",
		},
		{
			name:   "limiter error",
			body:   validBody,
			runner: &MockRunner{},
			limiter: &MockLimiter{AllowFunc: func(ctx context.Context, key string) (bool, error) {
				return false, errors.New("redis: connection refused")
			}},
			wantStatus: http.StatusOK,
			wantKey:    "error",
			wantValue:  "rate limiter unavailable: redis: connection refused",
		},
		{
			name:       "malformed body",
			body:       `{"user_query":`,
			runner:     &MockRunner{},
			limiter:    &MockLimiter{},
			wantStatus: http.StatusBadRequest,
		},
		{
			name:       "missing fields",
			body:       `{"user_query":"q"}`,
			runner:     &MockRunner{},
			limiter:    &MockLimiter{},
			wantStatus: http.StatusBadRequest,
			wantKey:    "error",
			wantValue:  "missing required fields: account_id, repo",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := New(tt.runner, tt.limiter, 2, time.Minute)
			rec := post(t, s.Routes(nil), tt.body, nil)

			if rec.Code != tt.wantStatus {
				t.Fatalf("status = %d, want %d (%s)", rec.Code, tt.wantStatus, rec.Body.String())
			}
			if ct := rec.Header().Get("Content-Type"); ct != "application/json" {
				t.Errorf("Content-Type = %q", ct)
			}
			if tt.wantKey != "" {
				got := decode(t, rec)
				if got[tt.wantKey] != tt.wantValue {
					t.Errorf("%s = %q, want %q", tt.wantKey, got[tt.wantKey], tt.wantValue)
				}
			}
			if ran := len(tt.runner.Calls) > 0; ran != tt.wantRun {
				t.Errorf("runner called = %v, want %v", ran, tt.wantRun)
			}
		})
	}
}

func TestCodeQuery_PassesRequestThrough(t *testing.T) {
	auth.InitializeAuth("", false)
	runner := &MockRunner{}
	limiter := &MockLimiter{}
	s := New(runner, limiter, 0, 0)

	rec := post(t, s.Routes(nil), validBody, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	if len(limiter.Keys) != 1 || limiter.Keys[0] != "acct-1" {
		t.Errorf("limiter keys = %v, want [acct-1]", limiter.Keys)
	}
	want := models.QueryRequest{
		UserQuery:      "where is auth?",
		AccountID:      "acct-1",
		Repo:           "octo/app",
		Owner:          "octo",
		InstallationID: 7,
	}
	if len(runner.Calls) != 1 || runner.Calls[0] != want {
		t.Errorf("runner calls = %+v, want [%+v]", runner.Calls, want)
	}
}

func TestCodeQuery_MethodNotAllowed(t *testing.T) {
	auth.InitializeAuth("", false)
	s := New(&MockRunner{}, &MockLimiter{}, 2, time.Minute)

	req := httptest.NewRequest(http.MethodGet, "/code-query", nil)
	rec := httptest.NewRecorder()
	s.Routes(nil).ServeHTTP(rec, req)

	if rec.Code != http.StatusMethodNotAllowed {
		t.Errorf("status = %d, want 405", rec.Code)
	}
	if rec.Header().Get("Allow") != http.MethodPost {
		t.Errorf("Allow = %q", rec.Header().Get("Allow"))
	}
}

func TestCodeQuery_ThirdRequestLimited(t *testing.T) {
	auth.InitializeAuth("", false)
	runner := &MockRunner{}
	s := New(runner, ratelimit.NewMemory(2, time.Minute), 2, time.Minute)
	h := s.Routes(nil)

	for i, want := range []int{http.StatusOK, http.StatusOK, http.StatusTooManyRequests} {
		if rec := post(t, h, validBody, nil); rec.Code != want {
			t.Fatalf("request %d: status = %d, want %d", i+1, rec.Code, want)
		}
	}
	if len(runner.Calls) != 2 {
		t.Errorf("runner called %d times, want 2", len(runner.Calls))
	}

	other := strings.Replace(validBody, "acct-1", "acct-2", 1)
	if rec := post(t, h, other, nil); rec.Code != http.StatusOK {
		t.Errorf("other account: status = %d, want 200", rec.Code)
	}
}

func TestCodeQuery_Auth(t *testing.T) {
	auth.InitializeAuth("test-secret", true)
	defer auth.InitializeAuth("", false)

	own, err := auth.GenerateJWT(auth.Principal{AccountID: "acct-1"}, time.Hour)
	if err != nil {
		t.Fatalf("GenerateJWT: %v", err)
	}
	foreign, err := auth.GenerateJWT(auth.Principal{AccountID: "acct-2"}, time.Hour)
	if err != nil {
		t.Fatalf("GenerateJWT: %v", err)
	}

	tests := []struct {
		name       string
		header     map[string]string
		wantStatus int
	}{
		{"no token", nil, http.StatusUnauthorized},
		{"garbage token", map[string]string{"Authorization": "Bearer nope"}, http.StatusUnauthorized},
		{"other account", map[string]string{"Authorization": "Bearer " + foreign}, http.StatusForbidden},
		{"own account", map[string]string{"Authorization": "Bearer " + own}, http.StatusOK},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			limiter := &MockLimiter{}
			s := New(&MockRunner{}, limiter, 2, time.Minute)
			rec := post(t, s.Routes(nil), validBody, tt.header)
			if rec.Code != tt.wantStatus {
				t.Errorf("status = %d, want %d", rec.Code, tt.wantStatus)
			}
			if tt.wantStatus != http.StatusOK && len(limiter.Keys) != 0 {
				t.Error("rejected request should not reach the limiter")
			}
		})
	}
}

func TestHealthz(t *testing.T) {
	s := New(&MockRunner{}, &MockLimiter{}, 2, time.Minute)
	rec := httptest.NewRecorder()
	s.Routes(nil).ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	if rec.Code != http.StatusOK {
		t.Errorf("status = %d, want 200", rec.Code)
	}
}

func TestLimitMessage(t *testing.T) {
	s := New(nil, nil, 5, 30*time.Second)
	want := "Rate limit exceeded. Only 5 requests per 30s allowed for account a"
	if got := s.limitMessage("a"); got != want {
		t.Errorf("limitMessage = %q, want %q", got, want)
	}
}
