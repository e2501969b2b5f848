package transport

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strings"

	"github.com/roach88/loftsync/internal/ids"
)

// Handler serves the REST API that HTTPClient speaks, backed by any Client.
type Handler struct {
	backend Client
	tokens  map[string]struct{}
	logger  *slog.Logger
	mux     *http.ServeMux
}

// NewHandler creates a Handler. Requests must carry one of tokens as a
// bearer credential; with no tokens every request is accepted.
func NewHandler(backend Client, tokens []string, logger *slog.Logger) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	h := &Handler{backend: backend, tokens: make(map[string]struct{}), logger: logger}
	for _, t := range tokens {
		if t = strings.TrimSpace(t); t != "" {
			h.tokens[t] = struct{}{}
		}
	}
	h.mux = http.NewServeMux()
	h.mux.HandleFunc("POST /v1/{collection}", h.create)
	h.mux.HandleFunc("GET /v1/{collection}/{id}", h.get)
	h.mux.HandleFunc("PUT /v1/{collection}/{id}", h.update)
	return h
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if !h.authorized(r) {
		writeError(w, http.StatusUnauthorized, "unauthenticated", "missing or invalid bearer token")
		return
	}
	h.mux.ServeHTTP(w, r)
}

func (h *Handler) authorized(r *http.Request) bool {
	if len(h.tokens) == 0 {
		return true
	}
	token, ok := strings.CutPrefix(r.Header.Get("Authorization"), "Bearer ")
	if !ok {
		return false
	}
	_, ok = h.tokens[strings.TrimSpace(token)]
	return ok
}

func kindFor(coll string) (ids.Kind, bool) {
	switch coll {
	case "workspaces":
		return ids.KindWorkspace, true
	case "folders":
		return ids.KindFolder, true
	case "documents":
		return ids.KindDocument, true
	}
	return "", false
}

func (h *Handler) create(w http.ResponseWriter, r *http.Request) {
	kind, ok := kindFor(r.PathValue("collection"))
	if !ok {
		writeError(w, http.StatusNotFound, "unknown_collection", r.PathValue("collection"))
		return
	}
	var e Entity
	if err := json.NewDecoder(r.Body).Decode(&e); err != nil {
		writeError(w, http.StatusBadRequest, "bad_request", err.Error())
		return
	}
	e.Kind = kind
	out, err := h.backend.CreateRemote(r.Context(), e)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	h.logger.Info("remote entity created", "kind", kind, "id", out.ID)
	writeJSON(w, http.StatusCreated, out)
}

func (h *Handler) get(w http.ResponseWriter, r *http.Request) {
	kind, ok := kindFor(r.PathValue("collection"))
	if !ok {
		writeError(w, http.StatusNotFound, "unknown_collection", r.PathValue("collection"))
		return
	}
	out, err := h.backend.GetRemote(r.Context(), kind, r.PathValue("id"))
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, out)
}

func (h *Handler) update(w http.ResponseWriter, r *http.Request) {
	kind, ok := kindFor(r.PathValue("collection"))
	if !ok {
		writeError(w, http.StatusNotFound, "unknown_collection", r.PathValue("collection"))
		return
	}
	var e Entity
	if err := json.NewDecoder(r.Body).Decode(&e); err != nil {
		writeError(w, http.StatusBadRequest, "bad_request", err.Error())
		return
	}
	out, err := h.backend.UpdateRemote(r.Context(), kind, r.PathValue("id"), e)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	h.logger.Info("remote entity updated", "kind", kind, "id", out.ID, "version", out.Version)
	writeJSON(w, http.StatusOK, out)
}

func (h *Handler) fail(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, ErrNotFound):
		writeError(w, http.StatusNotFound, "not_found", err.Error())
	case errors.Is(err, ErrUnauthenticated):
		writeError(w, http.StatusUnauthorized, "unauthenticated", err.Error())
	default:
		h.logger.Error("remote request failed", "method", r.Method, "path", r.URL.Path, "error", err)
		writeError(w, http.StatusInternalServerError, "internal", err.Error())
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, code, message string) {
	writeJSON(w, status, map[string]string{"code": code, "message": message})
}
