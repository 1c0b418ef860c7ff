package api

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/lobby-research/lobby/internal/middleware"
	"github.com/lobby-research/lobby/internal/services"
	"github.com/lobby-research/lobby/internal/utils"
)

const maxBodyBytes = 64 << 10

type Options struct {
	Store           Store
	Clock           services.RoomClock
	StorageTimeout  time.Duration
	DefaultCapacity int
	Tokens          *middleware.TokenAuth
	TokenTTL        time.Duration
	Admins          []AdminCredential
}

type Router struct {
	waitroom *services.WaitroomService
	links    *services.LinkService
	auth     *services.AuthService
}

func NewRouter(opts Options) *Router {
	if opts.Store == nil {
		opts.Store = newMemoryStore()
	}
	if opts.Tokens == nil {
		opts.Tokens = middleware.NewTokenAuth("")
	}
	return &Router{
		waitroom: services.NewWaitroomService(opts.Store, opts.Clock, opts.StorageTimeout),
		links:    services.NewLinkService(opts.Store, opts.Clock, opts.DefaultCapacity),
		auth:     services.NewAuthService(newAuthStoreAdapter(opts.Admins), opts.Tokens.SignToken, opts.TokenTTL),
	}
}

func (rt *Router) Register(mux *http.ServeMux) {
	for _, prefix := range []string{"/proxy", "/api/proxy"} {
		mux.HandleFunc("GET "+prefix+"/{proxyId}", rt.handleInfo)
		mux.Handle("POST "+prefix+"/{proxyId}/join", middleware.NoStore(http.HandlerFunc(rt.handleJoin)))
		mux.Handle("GET "+prefix+"/{proxyId}/status", middleware.NoStore(http.HandlerFunc(rt.handleStatus)))
		mux.HandleFunc("GET "+prefix+"/{proxyId}/complete", rt.handleComplete)
	}

	mux.HandleFunc("POST /api/auth/login", rt.handleLogin)

	mux.Handle("GET /api/admin/links", admin(rt.handleListLinks))
	mux.Handle("POST /api/admin/links", admin(rt.handleCreateLink))
	mux.Handle("GET /api/admin/links/{proxyId}", admin(rt.handleGetLink))
	mux.Handle("PUT /api/admin/links/{proxyId}", admin(rt.handleUpdateLink))
	mux.Handle("DELETE /api/admin/links/{proxyId}", admin(rt.handleDeleteLink))
	mux.Handle("POST /api/admin/links/{proxyId}/activate", admin(rt.handleSetActive(true)))
	mux.Handle("POST /api/admin/links/{proxyId}/pause", admin(rt.handleSetActive(false)))
	mux.Handle("POST /api/admin/links/{proxyId}/reset", admin(rt.handleResetLink))
	mux.Handle("GET /api/admin/audit", admin(rt.handleAudit))
}

func admin(h http.HandlerFunc) http.Handler {
	return middleware.NoStore(middleware.RequireAuth(h))
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func decodeJSON(w http.ResponseWriter, r *http.Request, dst any) error {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err := dec.Decode(dst); err != nil && !errors.Is(err, io.EOF) {
		return services.NewInvalidError("malformed JSON body")
	}
	return nil
}

func statusForCode(code services.ErrorCode) int {
	switch code {
	case services.ErrorInvalid, services.ErrorGenderRequired:
		return http.StatusBadRequest
	case services.ErrorUnauthorized:
		return http.StatusUnauthorized
	case services.ErrorForbidden, services.ErrorGenderMismatch, services.ErrorLinkFull, services.ErrorRoomExpired:
		return http.StatusForbidden
	case services.ErrorNotFound:
		return http.StatusNotFound
	case services.ErrorConflict:
		return http.StatusConflict
	case services.ErrorStorageUnavailable:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func writeServiceError(w http.ResponseWriter, r *http.Request, err error) {
	se, ok := services.AsServiceError(err)
	if !ok {
		log.Error().Err(err).Str("module", "api").Str("path", r.URL.Path).Msg("unhandled error")
		writeJSON(w, http.StatusInternalServerError, map[string]any{"error": "internal", "message": "internal error"})
		return
	}
	status := statusForCode(se.Code)
	if status >= http.StatusInternalServerError {
		log.Warn().Err(se.Err).Str("module", "api").Str("code", string(se.Code)).Str("path", r.URL.Path).Msg("request failed")
	}
	locale := utils.DetermineLocale(r.URL.Query().Get("lang"), r.Header.Get("Accept-Language"), utils.SupportedLocales, "en")
	body := map[string]any{"error": se.Code, "message": utils.T(locale, "error."+string(se.Code), se.Message)}
	for k, v := range se.Details {
		body[k] = v
	}
	writeJSON(w, status, body)
}
