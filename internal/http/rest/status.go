package rest

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/italolelis/gamecloud_sync/internal/actions"
	"github.com/italolelis/gamecloud_sync/internal/download"
	"github.com/italolelis/gamecloud_sync/internal/gamecloud"
	"github.com/italolelis/gamecloud_sync/internal/logctx"
	"github.com/italolelis/gamecloud_sync/internal/session"
	"github.com/italolelis/gamecloud_sync/internal/telemetry"
)

// SessionView is the read side of a session plus its lifecycle controls.
type SessionView interface {
	Status() session.Status
	Downloads() []download.View
	Library() []download.LibraryView
	Stats() (download.Stats, bool)
	RefreshAll(ctx context.Context) error
	End()
}

// Dispatcher performs download actions.
type Dispatcher interface {
	Download(ctx context.Context, id string, action gamecloud.Action) error
	Game(ctx context.Context, gameID string, action gamecloud.Action) error
}

// ErrorResponse is the body of every failed request.
type ErrorResponse struct {
	Error string `json:"error"`
}

// StatusHandler serves the local status and control API for one session.
type StatusHandler struct {
	session    SessionView
	dispatcher Dispatcher
	username   string
	password   string
	telemetry  *telemetry.Telemetry
}

// NewStatusHandler creates the local API handler. Mutating routes require
// basic auth when username is set.
func NewStatusHandler(sess SessionView, dispatcher Dispatcher, username, password string, t *telemetry.Telemetry) *StatusHandler {
	return &StatusHandler{
		session:    sess,
		dispatcher: dispatcher,
		username:   username,
		password:   password,
		telemetry:  t,
	}
}

// Routes returns the router with the logging, tracing and request id
// middleware applied.
func (h *StatusHandler) Routes() http.Handler {
	r := chi.NewRouter()
	r.Use(telemetry.RequestID)
	r.Use(telemetry.NewHTTPMiddleware(h.telemetry).Middleware)
	r.Use(telemetry.HTTPLogging)

	r.Get("/status", h.HandleStatus)
	r.Get("/downloads", h.HandleDownloads)
	r.Get("/library", h.HandleLibrary)
	r.Get("/stats", h.HandleStats)
	r.Method(http.MethodGet, "/metrics", h.telemetry.Handler())

	r.Group(func(r chi.Router) {
		r.Use(h.basicAuthMiddleware)

		r.Post("/downloads/{id}/{action}", h.HandleDownloadAction)
		r.Post("/games/{id}/{action}", h.HandleGameAction)
		r.Post("/session/refresh", h.HandleRefresh)
		r.Post("/session/end", h.HandleEnd)
	})

	return r
}

// HandleStatus reports the connection state and per-store metadata.
func (h *StatusHandler) HandleStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(r.Context(), w, http.StatusOK, h.session.Status())
}

// HandleDownloads lists downloads merged with live progress.
func (h *StatusHandler) HandleDownloads(w http.ResponseWriter, r *http.Request) {
	writeJSON(r.Context(), w, http.StatusOK, h.session.Downloads())
}

// HandleLibrary lists library entries merged with live progress.
func (h *StatusHandler) HandleLibrary(w http.ResponseWriter, r *http.Request) {
	writeJSON(r.Context(), w, http.StatusOK, h.session.Library())
}

// HandleStats returns the statistics, or 404 until they are loaded.
func (h *StatusHandler) HandleStats(w http.ResponseWriter, r *http.Request) {
	stats, ok := h.session.Stats()
	if !ok {
		writeJSON(r.Context(), w, http.StatusNotFound, ErrorResponse{Error: "statistics not loaded"})

		return
	}

	writeJSON(r.Context(), w, http.StatusOK, stats)
}

// HandleDownloadAction pauses, resumes or cancels a download by id.
func (h *StatusHandler) HandleDownloadAction(w http.ResponseWriter, r *http.Request) {
	h.handleAction(w, r, h.dispatcher.Download)
}

// HandleGameAction acts on the download linked to a library entry.
func (h *StatusHandler) HandleGameAction(w http.ResponseWriter, r *http.Request) {
	h.handleAction(w, r, h.dispatcher.Game)
}

func (h *StatusHandler) handleAction(w http.ResponseWriter, r *http.Request, do func(context.Context, string, gamecloud.Action) error) {
	ctx := r.Context()

	action, err := gamecloud.ParseAction(chi.URLParam(r, "action"))
	if err != nil {
		writeJSON(ctx, w, http.StatusBadRequest, ErrorResponse{Error: err.Error()})

		return
	}

	if err := do(ctx, chi.URLParam(r, "id"), action); err != nil {
		writeError(ctx, w, err)

		return
	}

	w.WriteHeader(http.StatusNoContent)
}

// HandleRefresh reloads every store and returns the new status.
func (h *StatusHandler) HandleRefresh(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	if err := h.session.RefreshAll(ctx); err != nil {
		writeError(ctx, w, err)

		return
	}

	writeJSON(ctx, w, http.StatusOK, h.session.Status())
}

// HandleEnd ends the session.
func (h *StatusHandler) HandleEnd(w http.ResponseWriter, r *http.Request) {
	h.session.End()

	w.WriteHeader(http.StatusNoContent)
}

func (h *StatusHandler) basicAuthMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if h.username == "" {
			next.ServeHTTP(w, r)

			return
		}

		username, password, ok := r.BasicAuth()
		if !ok {
			writeJSON(r.Context(), w, http.StatusUnauthorized, ErrorResponse{Error: "invalid authorization format"})

			return
		}

		if subtle.ConstantTimeCompare([]byte(username), []byte(h.username)) != 1 ||
			subtle.ConstantTimeCompare([]byte(password), []byte(h.password)) != 1 {
			writeJSON(r.Context(), w, http.StatusUnauthorized, ErrorResponse{Error: "invalid username or password"})

			return
		}

		next.ServeHTTP(w, r)
	})
}

// statusFor maps the error taxonomy to a response status.
func statusFor(err error) int {
	var (
		authErr    *gamecloud.AuthError
		httpErr    *gamecloud.HTTPError
		networkErr *gamecloud.NetworkError
	)

	switch {
	case errors.Is(err, actions.ErrDownloadNotFound), gamecloud.IsNotFound(err):
		return http.StatusNotFound
	case errors.Is(err, session.ErrEnded):
		return http.StatusConflict
	case errors.As(err, &authErr):
		return http.StatusUnauthorized
	case errors.As(err, &httpErr), errors.As(err, &networkErr):
		return http.StatusBadGateway
	case errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout
	default:
		return http.StatusInternalServerError
	}
}

func writeError(ctx context.Context, w http.ResponseWriter, err error) {
	logctx.LoggerFromContext(ctx).ErrorContext(ctx, "request failed", "err", err)

	writeJSON(ctx, w, statusFor(err), ErrorResponse{Error: err.Error()})
}

func writeJSON(ctx context.Context, w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)

	if err := json.NewEncoder(w).Encode(v); err != nil {
		logctx.LoggerFromContext(ctx).ErrorContext(ctx, "failed to encode response", "err", err)
	}
}
