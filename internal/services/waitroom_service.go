package services

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/rs/zerolog/log"
)

const DefaultStorageTimeout = 3 * time.Second

type JoinKind string

const (
	JoinWaiting       JoinKind = "waiting"
	JoinRedirected    JoinKind = "redirected"
	JoinAlreadyJoined JoinKind = "already_joined"
)

type JoinRequest struct {
	ProxyID     string
	Fingerprint string
	Gender      string
}

// JoinResult is one of the JoinKind variants plus the snapshot taken at the
// end of the join.
type JoinResult struct {
	Kind     JoinKind
	Snapshot *StatusSnapshot
}

// ParticipantView is a participant's projected state at a point in time.
type ParticipantView struct {
	Status            ParticipantStatus
	ParticipantNumber int
	GroupSessionID    string
	RedirectURL       string
	JoinedAt          time.Time
	RemainingTime     time.Duration
}

// StatusSnapshot is the read-only payload a polling client receives.
type StatusSnapshot struct {
	ProxyID         string
	GroupName       string
	Category        Category
	TreatmentTitle  string
	Capacity        int
	IsActive        bool
	WaitingCount    int
	RedirectedCount int
	GroupComplete   bool
	GroupSessionID  string
	RoomStartTime   *time.Time
	RoomExpired     bool
	Participant     *ParticipantView
}

// LinkInfo is the public description a client needs before joining.
type LinkInfo struct {
	ProxyID        string
	GroupName      string
	Category       Category
	TreatmentTitle string
	Capacity       int
	IsActive       bool
	GenderRequired bool
}

type WaitroomService struct {
	store          WaitroomStore
	clock          RoomClock
	engine         *GroupFormationEngine
	now            func() time.Time
	storageTimeout time.Duration
}

func NewWaitroomService(store WaitroomStore, clock RoomClock, storageTimeout time.Duration) *WaitroomService {
	if storageTimeout <= 0 {
		storageTimeout = DefaultStorageTimeout
	}
	return &WaitroomService{
		store:          store,
		clock:          NewRoomClock(clock.ParticipantTimeout, clock.RoomTimeout),
		engine:         NewGroupFormationEngine(),
		now:            func() time.Time { return time.Now().UTC() },
		storageTimeout: storageTimeout,
	}
}

func (s *WaitroomService) Clock() RoomClock { return s.clock }

// Join admits a participant into a link's waiting room, or reports the
// current state of an existing admission for the same fingerprint.
func (s *WaitroomService) Join(ctx context.Context, req JoinRequest) (*JoinResult, error) {
	proxyID := strings.TrimSpace(req.ProxyID)
	fingerprint := strings.TrimSpace(req.Fingerprint)
	if proxyID == "" {
		return nil, NewLinkNotFoundError()
	}
	if fingerprint == "" {
		return nil, NewInvalidError("fingerprint required")
	}
	ctx, cancel := context.WithTimeout(ctx, s.storageTimeout)
	defer cancel()
	now := s.now()

	var (
		result    *JoinResult
		formation *FormationResult
	)
	err := s.store.WithinLink(ctx, proxyID, func(l Ledger) error {
		var err error
		result, formation, err = s.admit(ctx, l, proxyID, fingerprint, req.Gender, now)
		return err
	})
	if errors.Is(err, ErrDuplicateFingerprint) {
		// lost a race with another request for the same fingerprint
		return s.alreadyJoined(ctx, proxyID, fingerprint, now)
	}
	if err != nil {
		return nil, storageError(err)
	}
	if formation != nil && formation.Complete && len(formation.Members) > 0 {
		s.store.AddAudit(AuditEntry{Time: now, Actor: "system", Action: "group_formed", Target: proxyID, Note: formation.GroupSessionID})
	}
	return result, nil
}

func (s *WaitroomService) admit(ctx context.Context, l Ledger, proxyID, fingerprint, rawGender string, now time.Time) (*JoinResult, *FormationResult, error) {
	link, err := l.GetActiveLink(ctx, proxyID)
	if err != nil {
		return nil, nil, storageError(err)
	}
	if link == nil {
		return nil, nil, NewLinkNotFoundError()
	}
	participants, err := l.ListParticipants(ctx, proxyID)
	if err != nil {
		return nil, nil, storageError(err)
	}
	if s.clock.RoomExpired(link, participants, now) {
		return nil, nil, NewRoomExpiredError()
	}

	existing, err := l.FindParticipant(ctx, proxyID, fingerprint)
	if err != nil {
		return nil, nil, storageError(err)
	}
	if existing != nil {
		if s.clock.IsExpired(existing, now) {
			if _, err := l.MarkExpired(ctx, proxyID, fingerprint, now); err != nil {
				return nil, nil, storageError(err)
			}
		}
		snap, err := s.snapshot(ctx, l, proxyID, fingerprint, now)
		if err != nil {
			return nil, nil, err
		}
		return &JoinResult{Kind: JoinAlreadyJoined, Snapshot: snap}, nil, nil
	}

	var gender Gender
	if link.Category.RequiresGender() {
		g, ok := ParseGender(rawGender)
		if strings.TrimSpace(rawGender) == "" {
			return nil, nil, NewGenderRequiredError(link)
		}
		if !ok {
			return nil, nil, NewInvalidError("gender must be one of MALE, FEMALE, OTHER")
		}
		if !link.Category.Admits(g) {
			return nil, nil, NewGenderMismatchError(link)
		}
		gender = g
	}

	// Materialize expiry for anyone whose window elapsed so their slot is free.
	occupied, err := s.clock.Sweep(ctx, l, proxyID, participants, now)
	if err != nil {
		return nil, nil, err
	}
	if occupied >= link.Capacity || link.GroupFormed() {
		return nil, nil, NewLinkFullError()
	}

	if _, err := s.clock.EnsureRoomStarted(ctx, l, proxyID, now); err != nil {
		return nil, nil, storageError(err)
	}
	count, err := l.CountNonExpired(ctx, proxyID)
	if err != nil {
		return nil, nil, storageError(err)
	}
	p := &Participant{
		ProxyID:           proxyID,
		Fingerprint:       fingerprint,
		ParticipantNumber: nextParticipantNumber(count, participants),
		Gender:            gender,
		Status:            StatusWaiting,
		JoinedAt:          now,
	}
	if err := l.RecordArrival(ctx, p); err != nil {
		return nil, nil, err
	}
	formation, err := s.engine.EvaluateAndMaybeForm(ctx, l, link, now)
	if err != nil {
		return nil, nil, err
	}

	snap, err := s.snapshot(ctx, l, proxyID, fingerprint, now)
	if err != nil {
		return nil, nil, err
	}
	kind := JoinWaiting
	if snap.Participant != nil && snap.Participant.Status == StatusRedirected {
		kind = JoinRedirected
	}
	log.Debug().
		Str("module", "services.waitroom").
		Str("proxy_id", proxyID).
		Int("participant_number", p.ParticipantNumber).
		Str("kind", string(kind)).
		Msg("participant joined")
	return &JoinResult{Kind: kind, Snapshot: snap}, formation, nil
}

// nextParticipantNumber is the non-expired count plus one, bumped past the
// highest number already issued so an expiry never lets a number repeat.
func nextParticipantNumber(nonExpired int, participants []*Participant) int {
	next := nonExpired + 1
	for _, p := range participants {
		if p.ParticipantNumber >= next {
			next = p.ParticipantNumber + 1
		}
	}
	return next
}

func (s *WaitroomService) alreadyJoined(ctx context.Context, proxyID, fingerprint string, now time.Time) (*JoinResult, error) {
	snap, err := s.snapshot(ctx, s.store, proxyID, fingerprint, now)
	if err != nil {
		return nil, err
	}
	return &JoinResult{Kind: JoinAlreadyJoined, Snapshot: snap}, nil
}

// Status projects the room and, when fingerprint is known, the participant.
// A waiting participant whose window has elapsed is marked expired here.
func (s *WaitroomService) Status(ctx context.Context, proxyID, fingerprint string) (*StatusSnapshot, error) {
	proxyID = strings.TrimSpace(proxyID)
	fingerprint = strings.TrimSpace(fingerprint)
	ctx, cancel := context.WithTimeout(ctx, s.storageTimeout)
	defer cancel()
	now := s.now()

	if fingerprint != "" {
		p, err := s.store.FindParticipant(ctx, proxyID, fingerprint)
		if err != nil {
			return nil, storageError(err)
		}
		if p != nil && s.clock.IsExpired(p, now) {
			err := s.store.WithinLink(ctx, proxyID, func(l Ledger) error {
				cur, err := l.FindParticipant(ctx, proxyID, fingerprint)
				if err != nil || cur == nil || !s.clock.IsExpired(cur, now) {
					return err
				}
				_, err = l.MarkExpired(ctx, proxyID, fingerprint, now)
				return err
			})
			if err != nil {
				return nil, storageError(err)
			}
		}
	}
	return s.snapshot(ctx, s.store, proxyID, fingerprint, now)
}

// snapshot lists participants before reading the link. Outside a transaction
// the link row is then never older than the rows, and a redirected row still
// marks the group complete if the link read raced a reset.
func (s *WaitroomService) snapshot(ctx context.Context, l Ledger, proxyID, fingerprint string, now time.Time) (*StatusSnapshot, error) {
	participants, err := l.ListParticipants(ctx, proxyID)
	if err != nil {
		return nil, storageError(err)
	}
	link, err := l.GetLink(ctx, proxyID)
	if err != nil {
		return nil, storageError(err)
	}
	if link == nil {
		return nil, NewLinkNotFoundError()
	}
	snap := &StatusSnapshot{
		ProxyID:        link.ProxyID,
		GroupName:      link.GroupName,
		Category:       link.Category,
		TreatmentTitle: link.TreatmentTitle,
		Capacity:       link.Capacity,
		IsActive:       link.IsActive,
		GroupComplete:  link.GroupFormed(),
		GroupSessionID: link.GroupSessionID,
		RoomStartTime:  link.RoomStartTime,
		RoomExpired:    s.clock.RoomExpired(link, participants, now),
	}
	for _, p := range participants {
		switch {
		case p.Status == StatusRedirected:
			snap.RedirectedCount++
			if !snap.GroupComplete {
				snap.GroupComplete = true
				snap.GroupSessionID = p.GroupSessionID
			}
		case p.Status == StatusWaiting && !s.clock.IsExpired(p, now):
			snap.WaitingCount++
		}
		if fingerprint == "" || p.Fingerprint != fingerprint {
			continue
		}
		view := &ParticipantView{
			Status:            p.Status,
			ParticipantNumber: p.ParticipantNumber,
			GroupSessionID:    p.GroupSessionID,
			JoinedAt:          p.JoinedAt,
		}
		switch p.Status {
		case StatusWaiting:
			view.RemainingTime = s.clock.RemainingTime(p, now)
			if view.RemainingTime == 0 {
				view.Status = StatusExpired
			}
		case StatusRedirected:
			view.RedirectURL = link.DestinationURL
		}
		snap.Participant = view
	}
	return snap, nil
}

// Info describes a link for clients that have not joined yet.
func (s *WaitroomService) Info(ctx context.Context, proxyID string) (*LinkInfo, error) {
	ctx, cancel := context.WithTimeout(ctx, s.storageTimeout)
	defer cancel()
	link, err := s.store.GetActiveLink(ctx, strings.TrimSpace(proxyID))
	if err != nil {
		return nil, storageError(err)
	}
	if link == nil {
		return nil, NewLinkNotFoundError()
	}
	return &LinkInfo{
		ProxyID:        link.ProxyID,
		GroupName:      link.GroupName,
		Category:       link.Category,
		TreatmentTitle: link.TreatmentTitle,
		Capacity:       link.Capacity,
		IsActive:       link.IsActive,
		GenderRequired: link.Category.RequiresGender(),
	}, nil
}

// CompletionRedirect returns the post-experiment URL configured on a link.
func (s *WaitroomService) CompletionRedirect(ctx context.Context, proxyID string) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, s.storageTimeout)
	defer cancel()
	link, err := s.store.GetLink(ctx, strings.TrimSpace(proxyID))
	if err != nil {
		return "", storageError(err)
	}
	if link == nil || link.PostExperimentRedirectURL == "" {
		return "", NewLinkNotFoundError()
	}
	return link.PostExperimentRedirectURL, nil
}
