package api

import (
	"net/http"
	"time"

	"github.com/lobby-research/lobby/internal/services"
)

type userStatusView struct {
	Status            services.ParticipantStatus `json:"status"`
	ParticipantNumber int                        `json:"participantNumber"`
	GroupSessionID    string                     `json:"groupSessionId,omitempty"`
	JoinedAt          time.Time                  `json:"joinedAt"`
	RemainingTime     int                        `json:"remainingTime"`
}

// statusView keeps the field names polling clients already depend on.
type statusView struct {
	ProxyID         string            `json:"proxyId"`
	GroupName       string            `json:"groupName"`
	Category        services.Category `json:"category"`
	TreatmentTitle  string            `json:"treatmentTitle,omitempty"`
	Capacity        int               `json:"capacity"`
	IsActive        bool              `json:"isActive"`
	CurrentWaiting  int               `json:"currentWaiting"`
	RedirectedCount int               `json:"redirectedCount"`
	IsGroupComplete bool              `json:"isGroupComplete"`
	RoomStartTime   *time.Time        `json:"roomStartTime,omitempty"`
	RoomExpired     bool              `json:"roomExpired"`
	Status          string            `json:"status,omitempty"`
	RemainingTime   int               `json:"remainingTime"`
	RedirectURL     string            `json:"redirectUrl,omitempty"`
	GroupSessionID  string            `json:"groupSessionId,omitempty"`
	UserStatus      *userStatusView   `json:"userStatus,omitempty"`
}

type joinView struct {
	Kind          services.JoinKind `json:"kind"`
	AlreadyJoined bool              `json:"alreadyJoined"`
	statusView
}

func newStatusView(s *services.StatusSnapshot) statusView {
	v := statusView{
		ProxyID:         s.ProxyID,
		GroupName:       s.GroupName,
		Category:        s.Category,
		TreatmentTitle:  s.TreatmentTitle,
		Capacity:        s.Capacity,
		IsActive:        s.IsActive,
		CurrentWaiting:  s.WaitingCount,
		RedirectedCount: s.RedirectedCount,
		IsGroupComplete: s.GroupComplete,
		RoomStartTime:   s.RoomStartTime,
		RoomExpired:     s.RoomExpired,
	}
	if p := s.Participant; p != nil {
		secs := int(p.RemainingTime / time.Second)
		v.Status = string(p.Status)
		v.RemainingTime = secs
		v.RedirectURL = p.RedirectURL
		v.GroupSessionID = p.GroupSessionID
		v.UserStatus = &userStatusView{
			Status:            p.Status,
			ParticipantNumber: p.ParticipantNumber,
			GroupSessionID:    p.GroupSessionID,
			JoinedAt:          p.JoinedAt,
			RemainingTime:     secs,
		}
	}
	return v
}

// POST /proxy/{proxyId}/join  {fingerprint, gender?}
func (rt *Router) handleJoin(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Fingerprint string `json:"fingerprint"`
		Gender      string `json:"gender"`
	}
	if err := decodeJSON(w, r, &req); err != nil {
		writeServiceError(w, r, err)
		return
	}
	res, err := rt.waitroom.Join(r.Context(), services.JoinRequest{
		ProxyID:     r.PathValue("proxyId"),
		Fingerprint: req.Fingerprint,
		Gender:      req.Gender,
	})
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, joinView{
		Kind:          res.Kind,
		AlreadyJoined: res.Kind == services.JoinAlreadyJoined,
		statusView:    newStatusView(res.Snapshot),
	})
}

// GET /proxy/{proxyId}/status?fingerprint=...
func (rt *Router) handleStatus(w http.ResponseWriter, r *http.Request) {
	snap, err := rt.waitroom.Status(r.Context(), r.PathValue("proxyId"), r.URL.Query().Get("fingerprint"))
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, newStatusView(snap))
}

// GET /proxy/{proxyId}
func (rt *Router) handleInfo(w http.ResponseWriter, r *http.Request) {
	info, err := rt.waitroom.Info(r.Context(), r.PathValue("proxyId"))
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"proxyId":        info.ProxyID,
		"groupName":      info.GroupName,
		"category":       info.Category,
		"treatmentTitle": info.TreatmentTitle,
		"capacity":       info.Capacity,
		"isActive":       info.IsActive,
		"genderRequired": info.GenderRequired,
	})
}

// GET /proxy/{proxyId}/complete
func (rt *Router) handleComplete(w http.ResponseWriter, r *http.Request) {
	target, err := rt.waitroom.CompletionRedirect(r.Context(), r.PathValue("proxyId"))
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	http.Redirect(w, r, target, http.StatusFound)
}
