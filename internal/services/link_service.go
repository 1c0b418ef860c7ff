package services

import (
	"context"
	"net/url"
	"strings"
	"time"

	"github.com/google/uuid"
)

const DefaultCapacity = 3

// LinkInput carries admin-editable link fields. Nil pointers leave the
// stored value untouched on update.
type LinkInput struct {
	DestinationURL            *string `json:"destinationUrl"`
	GroupName                 *string `json:"groupName"`
	Category                  *string `json:"category"`
	TreatmentTitle            *string `json:"treatmentTitle"`
	Capacity                  *int    `json:"capacity"`
	PostExperimentRedirectURL *string `json:"postExperimentRedirectUrl"`
}

// LinkSummary is a link together with its participant counts.
type LinkSummary struct {
	Link            *Link `json:"link"`
	WaitingCount    int   `json:"waitingCount"`
	RedirectedCount int   `json:"redirectedCount"`
	ExpiredCount    int   `json:"expiredCount"`
}

type LinkDetail struct {
	LinkSummary
	Participants []*Participant `json:"participants"`
}

type LinkService struct {
	store           LinkStore
	clock           RoomClock
	engine          *GroupFormationEngine
	now             func() time.Time
	idGen           func() string
	defaultCapacity int
}

func NewLinkService(store LinkStore, clock RoomClock, defaultCapacity int) *LinkService {
	if defaultCapacity < 1 {
		defaultCapacity = DefaultCapacity
	}
	return &LinkService{
		store:           store,
		clock:           NewRoomClock(clock.ParticipantTimeout, clock.RoomTimeout),
		engine:          NewGroupFormationEngine(),
		now:             func() time.Time { return time.Now().UTC() },
		idGen:           func() string { return proxyID(12) },
		defaultCapacity: defaultCapacity,
	}
}

func (s *LinkService) Create(ctx context.Context, in LinkInput, actor string) (*Link, error) {
	now := s.now()
	l := &Link{
		Category:  CategoryNoGender,
		Capacity:  s.defaultCapacity,
		IsActive:  true,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if in.DestinationURL == nil {
		return nil, NewInvalidError("destinationUrl required")
	}
	if err := applyLinkInput(l, in); err != nil {
		return nil, err
	}
	l.ProxyID = s.idGen()
	if err := s.store.InsertLink(ctx, l); err != nil {
		return nil, storageError(err)
	}
	s.store.AddAudit(AuditEntry{Time: now, Actor: actor, Action: "link.create", Target: l.ProxyID, Note: l.GroupName})
	return l, nil
}

func (s *LinkService) List(ctx context.Context) ([]*LinkSummary, error) {
	links, err := s.store.ListLinks(ctx)
	if err != nil {
		return nil, storageError(err)
	}
	out := make([]*LinkSummary, 0, len(links))
	for _, l := range links {
		ps, err := s.store.ListParticipants(ctx, l.ProxyID)
		if err != nil {
			return nil, storageError(err)
		}
		out = append(out, summarize(l, ps))
	}
	return out, nil
}

func (s *LinkService) Get(ctx context.Context, proxyID string) (*LinkDetail, error) {
	l, err := s.store.GetLink(ctx, proxyID)
	if err != nil {
		return nil, storageError(err)
	}
	if l == nil {
		return nil, NewLinkNotFoundError()
	}
	ps, err := s.store.ListParticipants(ctx, proxyID)
	if err != nil {
		return nil, storageError(err)
	}
	return &LinkDetail{LinkSummary: *summarize(l, ps), Participants: ps}, nil
}

// Update edits a link under its WithinLink lock. A capacity change is checked
// against current occupancy after expired waiters are swept, and a room the
// new capacity already fills forms its group in the same transaction.
func (s *LinkService) Update(ctx context.Context, proxyID string, in LinkInput, actor string) (*Link, error) {
	now := s.now()
	var (
		updated   *Link
		formation *FormationResult
	)
	err := s.store.WithinLink(ctx, proxyID, func(lg Ledger) error {
		l, err := lg.GetLink(ctx, proxyID)
		if err != nil {
			return storageError(err)
		}
		if l == nil {
			return NewLinkNotFoundError()
		}
		if err := applyLinkInput(l, in); err != nil {
			return err
		}
		l.UpdatedAt = now
		if in.Capacity != nil {
			participants, err := lg.ListParticipants(ctx, proxyID)
			if err != nil {
				return storageError(err)
			}
			occupied, err := s.clock.Sweep(ctx, lg, proxyID, participants, now)
			if err != nil {
				return err
			}
			if l.Capacity < occupied {
				return NewConflictError("capacity below current participant count")
			}
		}
		ok, err := lg.UpdateLink(ctx, l)
		if err != nil {
			return storageError(err)
		}
		if !ok {
			return NewLinkNotFoundError()
		}
		if in.Capacity != nil && !l.GroupFormed() {
			formation, err = s.engine.EvaluateAndMaybeForm(ctx, lg, l, now)
			if err != nil {
				return err
			}
		}
		updated, err = lg.GetLink(ctx, proxyID)
		if err != nil {
			return storageError(err)
		}
		if updated == nil {
			return NewLinkNotFoundError()
		}
		return nil
	})
	if err != nil {
		return nil, storageError(err)
	}
	s.store.AddAudit(AuditEntry{Time: now, Actor: actor, Action: "link.update", Target: proxyID})
	if formation != nil && formation.Complete && len(formation.Members) > 0 {
		s.store.AddAudit(AuditEntry{Time: now, Actor: "system", Action: "group_formed", Target: proxyID, Note: formation.GroupSessionID})
	}
	return updated, nil
}

func (s *LinkService) SetActive(ctx context.Context, proxyID string, active bool, actor string) error {
	now := s.now()
	ok, err := s.store.SetLinkActive(ctx, proxyID, active, now)
	if err != nil {
		return storageError(err)
	}
	if !ok {
		return NewLinkNotFoundError()
	}
	action := "link.pause"
	if active {
		action = "link.activate"
	}
	s.store.AddAudit(AuditEntry{Time: now, Actor: actor, Action: action, Target: proxyID})
	return nil
}

// Reset clears every participant, the room start time and the group marker.
func (s *LinkService) Reset(ctx context.Context, proxyID, actor string) error {
	now := s.now()
	ok, err := s.store.ResetLink(ctx, proxyID, now)
	if err != nil {
		return storageError(err)
	}
	if !ok {
		return NewLinkNotFoundError()
	}
	s.store.AddAudit(AuditEntry{Time: now, Actor: actor, Action: "link.reset", Target: proxyID})
	return nil
}

func (s *LinkService) Delete(ctx context.Context, proxyID, actor string) error {
	ok, err := s.store.DeleteLink(ctx, proxyID)
	if err != nil {
		return storageError(err)
	}
	if !ok {
		return NewLinkNotFoundError()
	}
	s.store.AddAudit(AuditEntry{Time: s.now(), Actor: actor, Action: "link.delete", Target: proxyID})
	return nil
}

func (s *LinkService) Audit() []AuditEntry { return s.store.ListAudit() }

func applyLinkInput(l *Link, in LinkInput) error {
	if in.DestinationURL != nil {
		u, err := normalizeURL(*in.DestinationURL)
		if err != nil {
			return NewInvalidError("destinationUrl must be an absolute http(s) URL")
		}
		l.DestinationURL = u
	}
	if in.PostExperimentRedirectURL != nil {
		if strings.TrimSpace(*in.PostExperimentRedirectURL) == "" {
			l.PostExperimentRedirectURL = ""
		} else {
			u, err := normalizeURL(*in.PostExperimentRedirectURL)
			if err != nil {
				return NewInvalidError("postExperimentRedirectUrl must be an absolute http(s) URL")
			}
			l.PostExperimentRedirectURL = u
		}
	}
	if in.GroupName != nil {
		l.GroupName = strings.TrimSpace(*in.GroupName)
	}
	if in.TreatmentTitle != nil {
		l.TreatmentTitle = strings.TrimSpace(*in.TreatmentTitle)
	}
	if in.Category != nil {
		c, ok := ParseCategory(*in.Category)
		if !ok {
			return NewInvalidError("category must be one of AllMale, AllFemale, Mixed, NoGender")
		}
		l.Category = c
	}
	if in.Capacity != nil {
		if *in.Capacity < 1 {
			return NewInvalidError("capacity must be at least 1")
		}
		l.Capacity = *in.Capacity
	}
	return nil
}

func normalizeURL(raw string) (string, error) {
	u, err := url.Parse(strings.TrimSpace(raw))
	if err != nil {
		return "", err
	}
	if (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return "", NewInvalidError("absolute http(s) URL required")
	}
	return u.String(), nil
}

func summarize(l *Link, ps []*Participant) *LinkSummary {
	sum := &LinkSummary{Link: l}
	for _, p := range ps {
		switch p.Status {
		case StatusWaiting:
			sum.WaitingCount++
		case StatusRedirected:
			sum.RedirectedCount++
		case StatusExpired:
			sum.ExpiredCount++
		}
	}
	return sum
}

func proxyID(n int) string {
	return strings.ReplaceAll(uuid.NewString(), "-", "")[:n]
}
