// Package forgetest provides an in-memory Gitea API for tests.
package forgetest

import (
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync"

	"github.com/go-chi/chi/v5"
)

// PullRequest is a review request recorded by the fake server.
type PullRequest struct {
	Number int64  `json:"number"`
	Repo   string `json:"-"`
	Head   string `json:"head"`
	Base   string `json:"base"`
	Title  string `json:"title"`
	Body   string `json:"body"`
	Merged bool   `json:"merged"`
}

// Server is a fake Gitea serving the handful of endpoints the publisher uses.
type Server struct {
	*httptest.Server

	Org   string
	Token string

	mu         sync.Mutex
	repos      map[string]bool
	pulls      []*PullRequest
	created    []string
	failLookup bool
	failMerge  bool
}

// NewServer starts a fake Gitea for org, accepting token.
func NewServer(org, token string) *Server {
	s := &Server{
		Org:   org,
		Token: token,
		repos: make(map[string]bool),
	}

	r := chi.NewRouter()
	r.Use(s.auth)
	r.Get("/api/v1/repos/{owner}/{repo}", s.getRepo)
	r.Post("/api/v1/org/{org}/repos", s.createRepo)
	r.Post("/api/v1/repos/{owner}/{repo}/pulls", s.createPull)
	r.Post("/api/v1/repos/{owner}/{repo}/pulls/{index}/merge", s.mergePull)

	s.Server = httptest.NewServer(r)
	return s
}

// FailRepoLookup makes the repository GET answer 500.
func (s *Server) FailRepoLookup(fail bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failLookup = fail
}

// FailMerge makes merge requests answer 405.
func (s *Server) FailMerge(fail bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failMerge = fail
}

// AddRepo marks a repository as existing.
func (s *Server) AddRepo(name string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.repos[name] = true
}

// HasRepo reports whether the repository exists.
func (s *Server) HasRepo(name string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.repos[name]
}

// Created lists repositories created through the API, in order.
func (s *Server) Created() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.created...)
}

// Pulls returns copies of every review request opened so far.
func (s *Server) Pulls() []PullRequest {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]PullRequest, 0, len(s.pulls))
	for _, pr := range s.pulls {
		out = append(out, *pr)
	}
	return out
}

func (s *Server) auth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") != "token "+s.Token {
			writeJSON(w, http.StatusUnauthorized, map[string]string{"message": "token is required"})
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) getRepo(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	fail := s.failLookup
	s.mu.Unlock()
	if fail {
		writeJSON(w, http.StatusInternalServerError, map[string]string{"message": "boom"})
		return
	}
	name := chi.URLParam(r, "repo")
	if chi.URLParam(r, "owner") != s.Org || !s.HasRepo(name) {
		writeJSON(w, http.StatusNotFound, map[string]string{"message": "The target couldn't be found."})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"name": name, "full_name": s.Org + "/" + name})
}

func (s *Server) createRepo(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Name string `json:"name"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil || body.Name == "" {
		writeJSON(w, http.StatusUnprocessableEntity, map[string]string{"message": "invalid body"})
		return
	}

	s.mu.Lock()
	if s.repos[body.Name] {
		s.mu.Unlock()
		writeJSON(w, http.StatusConflict, map[string]string{"message": "repository already exists"})
		return
	}
	s.repos[body.Name] = true
	s.created = append(s.created, body.Name)
	s.mu.Unlock()

	writeJSON(w, http.StatusCreated, map[string]any{"name": body.Name, "full_name": s.Org + "/" + body.Name})
}

func (s *Server) createPull(w http.ResponseWriter, r *http.Request) {
	repo := chi.URLParam(r, "repo")
	if !s.HasRepo(repo) {
		writeJSON(w, http.StatusNotFound, map[string]string{"message": "repo not found"})
		return
	}

	var pr PullRequest
	if err := json.NewDecoder(r.Body).Decode(&pr); err != nil {
		writeJSON(w, http.StatusUnprocessableEntity, map[string]string{"message": "invalid body"})
		return
	}

	s.mu.Lock()
	pr.Repo = repo
	pr.Number = int64(len(s.pulls) + 1)
	s.pulls = append(s.pulls, &pr)
	s.mu.Unlock()

	writeJSON(w, http.StatusCreated, map[string]any{
		"number": pr.Number,
		"title":  pr.Title,
		"body":   pr.Body,
		"state":  "open",
	})
}

func (s *Server) mergePull(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	fail := s.failMerge
	s.mu.Unlock()
	if fail {
		writeJSON(w, http.StatusMethodNotAllowed, map[string]string{"message": "not mergeable"})
		return
	}
	repo := chi.URLParam(r, "repo")
	var index int64
	if _, err := fmt.Sscan(chi.URLParam(r, "index"), &index); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"message": "bad index"})
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	for _, pr := range s.pulls {
		if pr.Repo == repo && pr.Number == index {
			pr.Merged = true
			w.WriteHeader(http.StatusOK)
			return
		}
	}
	writeJSON(w, http.StatusNotFound, map[string]string{"message": "pull request not found"})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
