package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"

	"github.com/gorilla/mux"
	"github.com/phuslu/log"

	"bilbo/internal/apperr"
	"bilbo/internal/middleware"
	"bilbo/internal/mistral"
	"bilbo/internal/models"
	"bilbo/internal/services"
)

// Handler serves the catalogue, chat and admin endpoints
type Handler struct {
	catalogue   Catalogue
	responder   Responder
	importer    Importer
	siteBaseURL string
}

func NewHandler(catalogue Catalogue, responder Responder, importer Importer, siteBaseURL string) *Handler {
	return &Handler{
		catalogue:   catalogue,
		responder:   responder,
		importer:    importer,
		siteBaseURL: siteBaseURL,
	}
}

type errorResponse struct {
	Error string `json:"error"`
}

type chatRequest struct {
	Messages []models.ChatMessage `json:"messages"`
	Tags     []string             `json:"tags"`
	Author   string               `json:"author"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Warn().Err(err).Msg("failed to write response")
	}
}

// writeError maps err to a status code and a JSON {error} payload. Internal
// details are logged, not returned.
func writeError(w http.ResponseWriter, r *http.Request, err error) {
	status, msg := http.StatusInternalServerError, "Internal Server Error"

	var ve *apperr.ValidationError
	var pe *mistral.ProviderError
	switch {
	case errors.As(err, &ve):
		status, msg = http.StatusBadRequest, ve.Error()
	case errors.Is(err, services.ErrNoUserMessage):
		status, msg = http.StatusBadRequest, "No user message"
	case errors.Is(err, apperr.ErrNotFound):
		status, msg = http.StatusNotFound, "Not found"
	case errors.Is(err, services.ErrImportRunning):
		status, msg = http.StatusConflict, "An import is already running"
	case errors.Is(err, services.ErrProviderNotConfigured):
		msg = "Mistral API key not configured"
	case errors.Is(err, services.ErrNoEmbedding):
		msg = "No embedding returned"
	case errors.As(err, &pe):
		msg = "Mistral API error"
	}

	ctx := r.Context()
	middleware.AddSpanError(ctx, err)
	entry := log.Warn()
	if status >= http.StatusInternalServerError {
		entry = log.Error()
	}
	entry.Err(err).
		Str("request_id", middleware.GetRequestID(ctx)).
		Str("path", r.URL.Path).
		Int("status", status).
		Msg("request failed")

	writeJSON(w, status, errorResponse{Error: msg})
}

func decodeBody(r *http.Request, into any) error {
	dec := json.NewDecoder(r.Body)
	if err := dec.Decode(into); err != nil {
		return apperr.NewValidationError("request", "invalid JSON body: %v", err)
	}
	return nil
}

func (h *Handler) Search(w http.ResponseWriter, r *http.Request) {
	var q models.SearchQuery
	if err := decodeBody(r, &q); err != nil {
		writeError(w, r, err)
		return
	}
	page, err := h.catalogue.Search(r.Context(), q)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, page)
}

func (h *Handler) ListTags(w http.ResponseWriter, r *http.Request) {
	tags, err := h.catalogue.ListTags(r.Context())
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, tags)
}

func (h *Handler) ListAuthors(w http.ResponseWriter, r *http.Request) {
	authors, err := h.catalogue.ListAuthors(r.Context())
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, authors)
}

func (h *Handler) GetBook(w http.ResponseWriter, r *http.Request) {
	reference := mux.Vars(r)["reference"]
	book, err := h.catalogue.GetBook(r.Context(), reference)
	if err != nil {
		writeError(w, r, err)
		return
	}
	if book == nil {
		writeError(w, r, apperr.ErrNotFound)
		return
	}
	writeJSON(w, http.StatusOK, book)
}

func (h *Handler) Chat(w http.ResponseWriter, r *http.Request) {
	req, err := decodeChat(r)
	if err != nil {
		writeError(w, r, err)
		return
	}
	reply, err := h.responder.Chat(r.Context(), req.Messages)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, reply)
}

// SearchChat answers from the books matching the tag and author filters
func (h *Handler) SearchChat(w http.ResponseWriter, r *http.Request) {
	req, err := decodeChat(r)
	if err != nil {
		writeError(w, r, err)
		return
	}
	filter := models.VectorFilter{Tags: req.Tags, Author: strings.TrimSpace(req.Author)}
	reply, err := h.responder.ChatWithFilters(r.Context(), req.Messages, filter)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, reply)
}

func decodeChat(r *http.Request) (*chatRequest, error) {
	var req chatRequest
	if err := decodeBody(r, &req); err != nil {
		return nil, err
	}
	for _, m := range req.Messages {
		if !m.Role.Valid() {
			return nil, apperr.NewValidationError("request", "invalid message role %q", m.Role)
		}
	}
	return &req, nil
}

// Import runs a batch over the data directory. The batch is not cancelled
// if the client goes away.
func (h *Handler) Import(w http.ResponseWriter, r *http.Request) {
	if p := middleware.PrincipalFrom(r.Context()); p != nil {
		log.Info().Str("user", p.ID).Msg("import requested")
	}
	report, err := h.importer.ImportDirectory(context.WithoutCancel(r.Context()))
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, report)
}

func (h *Handler) Sitemap(w http.ResponseWriter, r *http.Request) {
	out, err := h.catalogue.Sitemap(r.Context(), h.siteBaseURL)
	if err != nil {
		writeError(w, r, err)
		return
	}
	w.Header().Set("Content-Type", "application/xml")
	_, _ = w.Write(out)
}

func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}
