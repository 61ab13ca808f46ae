// Package server exposes the HTTP API: token issuance, the websocket
// execution channel and the workspace file surface.
package server

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/ovictorfarias/pegasus/internal/auth"
	"github.com/ovictorfarias/pegasus/internal/channel"
	"github.com/ovictorfarias/pegasus/internal/log"
	"github.com/ovictorfarias/pegasus/internal/model"
	"github.com/ovictorfarias/pegasus/internal/workspace"
)

// maxUploadMemory bounds how much of a file upload is buffered in memory
// before spilling to disk.
const maxUploadMemory = 32 << 20

// Config is the configuration for the HTTP server.
type Config struct {
	Auth        *auth.Service
	Workspace   *workspace.Service
	Coordinator *channel.Coordinator
	Logger      log.Logger
}

func (c *Config) defaults() error {
	if c.Auth == nil {
		return fmt.Errorf("auth service is required")
	}
	if c.Workspace == nil {
		return fmt.Errorf("workspace service is required")
	}
	if c.Coordinator == nil {
		return fmt.Errorf("channel coordinator is required")
	}
	if c.Logger == nil {
		c.Logger = log.Noop
	}
	c.Logger = c.Logger.WithValues(log.Kv{"svc": "server.Server"})
	return nil
}

// Server is the HTTP API server.
type Server struct {
	auth        *auth.Service
	workspace   *workspace.Service
	coordinator *channel.Coordinator
	logger      log.Logger
}

// New creates a new HTTP API server.
func New(cfg Config) (*Server, error) {
	if err := cfg.defaults(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	return &Server{
		auth:        cfg.Auth,
		workspace:   cfg.Workspace,
		coordinator: cfg.Coordinator,
		logger:      cfg.Logger,
	}, nil
}

// Handler returns the routed API handler.
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)

	r.Route("/v1", func(r chi.Router) {
		r.Post("/auth/token", s.handleToken)
		r.Get("/status", s.handleStatus)
		// The channel authenticates through its own query token, browsers
		// can't set headers on websocket upgrades.
		r.Get("/execute", s.coordinator.Handle)

		r.Group(func(r chi.Router) {
			r.Use(s.bearerAuth)

			r.Route("/notebooks", func(r chi.Router) {
				r.Get("/", s.handleListNotebooks)
				r.Get("/{name}", s.handleReadNotebook)
				r.Put("/{name}", s.handleWriteNotebook)
				r.Patch("/{name}", s.handleRenameNotebook)
				r.Delete("/{name}", s.handleDeleteNotebook)
			})

			r.Route("/files", func(r chi.Router) {
				r.Get("/", s.handleListFiles)
				r.Post("/", s.handleUploadFile)
				r.Get("/{name}", s.handleDownloadFile)
				r.Delete("/{name}", s.handleDeleteFile)
			})
		})
	})

	return r
}

// bearerAuth guards the workspace surface with the issued tokens.
func (s *Server) bearerAuth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		header := r.Header.Get("Authorization")
		token, ok := strings.CutPrefix(header, "Bearer ")
		if !ok || token == "" {
			s.writeError(w, http.StatusUnauthorized, "missing bearer token")
			return
		}

		if _, err := s.auth.Verify(token); err != nil {
			s.writeError(w, http.StatusUnauthorized, "invalid token")
			return
		}

		next.ServeHTTP(w, r)
	})
}

func (s *Server) handleToken(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseForm(); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid form")
		return
	}

	token, err := s.auth.Login(r.PostFormValue("username"), r.PostFormValue("password"))
	if err != nil {
		if errors.Is(err, auth.ErrInvalidCredentials) {
			s.writeError(w, http.StatusUnauthorized, "invalid credentials")
			return
		}
		s.handleError(w, err)
		return
	}

	s.writeJSON(w, http.StatusOK, map[string]string{
		"access_token": token,
		"token_type":   "bearer",
	})
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleListNotebooks(w http.ResponseWriter, r *http.Request) {
	notebooks, err := s.workspace.ListNotebooks()
	if err != nil {
		s.handleError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, notebooks)
}

func (s *Server) handleReadNotebook(w http.ResponseWriter, r *http.Request) {
	content, err := s.workspace.ReadNotebook(chi.URLParam(r, "name"))
	if err != nil {
		s.handleError(w, err)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	_, _ = w.Write(content)
}

func (s *Server) handleWriteNotebook(w http.ResponseWriter, r *http.Request) {
	content, err := io.ReadAll(r.Body)
	if err != nil {
		s.writeError(w, http.StatusBadRequest, "could not read body")
		return
	}

	if err := s.workspace.WriteNotebook(chi.URLParam(r, "name"), content); err != nil {
		s.handleError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleRenameNotebook(w http.ResponseWriter, r *http.Request) {
	var req struct {
		NewName string `json:"new_name"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.NewName == "" {
		s.writeError(w, http.StatusBadRequest, "new_name is required")
		return
	}

	if err := s.workspace.RenameNotebook(chi.URLParam(r, "name"), req.NewName); err != nil {
		s.handleError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleDeleteNotebook(w http.ResponseWriter, r *http.Request) {
	if err := s.workspace.DeleteNotebook(chi.URLParam(r, "name")); err != nil {
		s.handleError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleListFiles(w http.ResponseWriter, r *http.Request) {
	files, err := s.workspace.ListFiles()
	if err != nil {
		s.handleError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, files)
}

func (s *Server) handleUploadFile(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseMultipartForm(maxUploadMemory); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid multipart form")
		return
	}

	file, header, err := r.FormFile("file")
	if err != nil {
		s.writeError(w, http.StatusBadRequest, "file field is required")
		return
	}
	defer file.Close()

	if err := s.workspace.SaveFile(header.Filename, file); err != nil {
		s.handleError(w, err)
		return
	}
	w.WriteHeader(http.StatusCreated)
}

func (s *Server) handleDownloadFile(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")
	f, err := s.workspace.OpenFile(name)
	if err != nil {
		s.handleError(w, err)
		return
	}
	defer f.Close()

	w.Header().Set("Content-Type", "application/octet-stream")
	w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", name))
	_, _ = io.Copy(w, f)
}

func (s *Server) handleDeleteFile(w http.ResponseWriter, r *http.Request) {
	if err := s.workspace.DeleteFile(chi.URLParam(r, "name")); err != nil {
		s.handleError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// handleError maps domain sentinels to HTTP statuses.
func (s *Server) handleError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, model.ErrNotValid):
		s.writeError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, model.ErrNotFound):
		s.writeError(w, http.StatusNotFound, err.Error())
	case errors.Is(err, model.ErrAlreadyExists):
		s.writeError(w, http.StatusConflict, err.Error())
	default:
		s.logger.Errorf("Unhandled API error: %v", err)
		s.writeError(w, http.StatusInternalServerError, "internal error")
	}
}

func (s *Server) writeError(w http.ResponseWriter, status int, msg string) {
	s.writeJSON(w, status, map[string]string{"error": msg})
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.Errorf("Could not encode response: %v", err)
	}
}
