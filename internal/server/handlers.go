package server

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/michaelbrown/breadboard/internal/build"
	"github.com/michaelbrown/breadboard/internal/compile"
	"github.com/michaelbrown/breadboard/internal/storage"
)

// --- JSON helpers ---

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

func decodeJSON(r *http.Request, v any) error {
	defer r.Body.Close()
	return json.NewDecoder(r.Body).Decode(v)
}

// --- Compile & status ---

type compileRequest struct {
	Code    string           `json:"code"`
	Headers []compile.Header `json:"headers,omitempty"`
}

type compileResponse struct {
	Success       bool   `json:"success"`
	Output        string `json:"output,omitempty"`
	Errors        string `json:"errors,omitempty"`
	ProcessedCode string `json:"processedCode,omitempty"`
	Cached        bool   `json:"cached"`
}

func (s *Server) handleCompile(w http.ResponseWriter, r *http.Request) {
	var req compileRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON: "+err.Error())
		return
	}
	if req.Code == "" {
		writeError(w, http.StatusBadRequest, "code is required")
		return
	}

	result, err := s.compileSvc.Compile(r.Context(), req.Code, req.Headers)
	if err != nil {
		if errors.Is(err, build.ErrToolchainMissing) {
			writeError(w, http.StatusServiceUnavailable, "compiler toolchain not available")
			return
		}
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	resp := compileResponse{
		Success:       result.Success,
		ProcessedCode: result.ProcessedCode,
		Cached:        result.Cached,
	}
	if result.Success {
		resp.Output = result.Output
	} else {
		resp.Errors = result.Output
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"sandbox":  s.probe,
		"sessions": s.sessions.Count(),
	})
}

// --- Sketch handlers ---

func (s *Server) handleListSketches(w http.ResponseWriter, r *http.Request) {
	opts := storage.ListOptions{}

	if limit := r.URL.Query().Get("limit"); limit != "" {
		if n, err := strconv.Atoi(limit); err == nil {
			opts.Limit = n
		}
	}
	if offset := r.URL.Query().Get("offset"); offset != "" {
		if n, err := strconv.Atoi(offset); err == nil {
			opts.Offset = n
		}
	}

	sketches, err := s.store.ListSketches(r.Context(), opts)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	if sketches == nil {
		sketches = []storage.Sketch{}
	}
	writeJSON(w, http.StatusOK, sketches)
}

type saveSketchRequest struct {
	Name    string            `json:"name"`
	Code    string            `json:"code"`
	Headers map[string]string `json:"headers,omitempty"`
}

func (s *Server) handleCreateSketch(w http.ResponseWriter, r *http.Request) {
	var req saveSketchRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON: "+err.Error())
		return
	}
	if req.Code == "" {
		writeError(w, http.StatusBadRequest, "code is required")
		return
	}

	sk := &storage.Sketch{
		ID:      uuid.New().String(),
		Name:    req.Name,
		Code:    req.Code,
		Headers: req.Headers,
	}
	if err := s.store.CreateSketch(r.Context(), sk); err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusCreated, sk)
}

func (s *Server) handleGetSketch(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	sk, err := s.store.GetSketch(r.Context(), id)
	if err != nil {
		if strings.Contains(err.Error(), "not found") {
			writeError(w, http.StatusNotFound, "sketch not found")
		} else {
			writeError(w, http.StatusInternalServerError, err.Error())
		}
		return
	}
	writeJSON(w, http.StatusOK, sk)
}

func (s *Server) handleUpdateSketch(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	var req saveSketchRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON: "+err.Error())
		return
	}

	sk, err := s.store.GetSketch(r.Context(), id)
	if err != nil {
		writeError(w, http.StatusNotFound, "sketch not found")
		return
	}

	if req.Name != "" {
		sk.Name = req.Name
	}
	if req.Code != "" {
		sk.Code = req.Code
	}
	if req.Headers != nil {
		sk.Headers = req.Headers
	}

	if err := s.store.UpdateSketch(r.Context(), sk); err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, sk)
}

func (s *Server) handleDeleteSketch(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if err := s.store.DeleteSketch(r.Context(), id); err != nil {
		if strings.Contains(err.Error(), "not found") {
			writeError(w, http.StatusNotFound, "sketch not found")
		} else {
			writeError(w, http.StatusInternalServerError, err.Error())
		}
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
