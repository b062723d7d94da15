package api

import (
	"net/http"

	"github.com/gorilla/mux"

	"bilbo/internal/middleware"
)

// SetupRoutes wires the handlers. Chat and admin routes require an
// authenticated caller; updates streams ingestion progress over WebSocket.
func SetupRoutes(h *Handler, verifier middleware.TokenVerifier, updates http.Handler) *mux.Router {
	r := mux.NewRouter()

	r.Use(middleware.TracingMiddleware)
	r.Use(middleware.ErrorRecoveryMiddleware)
	r.Use(middleware.CORSMiddleware)

	api := r.PathPrefix("/api").Subrouter()
	api.HandleFunc("/search", h.Search).Methods(http.MethodPost, http.MethodOptions)
	api.HandleFunc("/tags", h.ListTags).Methods(http.MethodGet)
	api.HandleFunc("/authors", h.ListAuthors).Methods(http.MethodGet)
	api.HandleFunc("/books/{reference}", h.GetBook).Methods(http.MethodGet)
	api.HandleFunc("/health", h.Health).Methods(http.MethodGet)

	auth := middleware.RequireAuth(verifier)
	api.Handle("/chat", auth(http.HandlerFunc(h.Chat))).Methods(http.MethodPost, http.MethodOptions)
	api.Handle("/search/chat", auth(http.HandlerFunc(h.SearchChat))).Methods(http.MethodPost, http.MethodOptions)
	api.Handle("/admin/import", auth(http.HandlerFunc(h.Import))).Methods(http.MethodPost, http.MethodOptions)

	if updates != nil {
		r.Handle("/ws/updates", updates)
	}
	r.HandleFunc("/sitemap.xml", h.Sitemap).Methods(http.MethodGet)

	return r
}
