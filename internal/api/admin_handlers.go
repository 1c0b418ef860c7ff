package api

import (
	"net/http"

	"github.com/lobby-research/lobby/internal/middleware"
	"github.com/lobby-research/lobby/internal/services"
)

// POST /api/auth/login
func (rt *Router) handleLogin(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Email    string `json:"email"`
		Password string `json:"password"`
	}
	if err := decodeJSON(w, r, &req); err != nil {
		writeServiceError(w, r, err)
		return
	}
	res, err := rt.auth.Login(req.Email, req.Password)
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"token": res.Token, "user_id": res.UserID, "expires_at": res.ExpiresAt})
}

// GET /api/admin/links
func (rt *Router) handleListLinks(w http.ResponseWriter, r *http.Request) {
	list, err := rt.links.List(r.Context())
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"links": list})
}

// POST /api/admin/links
func (rt *Router) handleCreateLink(w http.ResponseWriter, r *http.Request) {
	var in services.LinkInput
	if err := decodeJSON(w, r, &in); err != nil {
		writeServiceError(w, r, err)
		return
	}
	l, err := rt.links.Create(r.Context(), in, middleware.ActorFromContext(r.Context()))
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, l)
}

// GET /api/admin/links/{proxyId}
func (rt *Router) handleGetLink(w http.ResponseWriter, r *http.Request) {
	d, err := rt.links.Get(r.Context(), r.PathValue("proxyId"))
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, d)
}

// PUT /api/admin/links/{proxyId}
func (rt *Router) handleUpdateLink(w http.ResponseWriter, r *http.Request) {
	var in services.LinkInput
	if err := decodeJSON(w, r, &in); err != nil {
		writeServiceError(w, r, err)
		return
	}
	l, err := rt.links.Update(r.Context(), r.PathValue("proxyId"), in, middleware.ActorFromContext(r.Context()))
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, l)
}

// DELETE /api/admin/links/{proxyId}
func (rt *Router) handleDeleteLink(w http.ResponseWriter, r *http.Request) {
	if err := rt.links.Delete(r.Context(), r.PathValue("proxyId"), middleware.ActorFromContext(r.Context())); err != nil {
		writeServiceError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// POST /api/admin/links/{proxyId}/activate|pause
func (rt *Router) handleSetActive(active bool) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := r.PathValue("proxyId")
		if err := rt.links.SetActive(r.Context(), id, active, middleware.ActorFromContext(r.Context())); err != nil {
			writeServiceError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"ok": true, "proxyId": id, "isActive": active})
	}
}

// POST /api/admin/links/{proxyId}/reset
func (rt *Router) handleResetLink(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("proxyId")
	if err := rt.links.Reset(r.Context(), id, middleware.ActorFromContext(r.Context())); err != nil {
		writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"ok": true, "proxyId": id})
}

// GET /api/admin/audit
func (rt *Router) handleAudit(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"entries": rt.links.Audit()})
}
