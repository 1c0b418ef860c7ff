package services

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"
)

type stubState struct {
	links map[string]*Link
	parts map[string]map[string]*Participant
}

func (st *stubState) clone() *stubState {
	c := &stubState{links: map[string]*Link{}, parts: map[string]map[string]*Participant{}}
	for id, l := range st.links {
		cp := *l
		c.links[id] = &cp
	}
	for id, ps := range st.parts {
		m := map[string]*Participant{}
		for fp, p := range ps {
			cp := *p
			m[fp] = &cp
		}
		c.parts[id] = m
	}
	return c
}

// stubStore serializes everything behind one mutex and commits WithinLink
// callbacks by swapping in the mutated clone.
type stubStore struct {
	mu           sync.Mutex
	st           *stubState
	audit        []AuditEntry
	failRedirect error
	txCount      int
}

func newStubStore(links ...*Link) *stubStore {
	s := &stubStore{st: &stubState{links: map[string]*Link{}, parts: map[string]map[string]*Participant{}}}
	for _, l := range links {
		cp := *l
		s.st.links[l.ProxyID] = &cp
		s.st.parts[l.ProxyID] = map[string]*Participant{}
	}
	return s
}

func (s *stubStore) tx() *stubTx { return &stubTx{st: s.st, failRedirect: s.failRedirect} }

func (s *stubStore) WithinLink(ctx context.Context, proxyID string, fn func(Ledger) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := ctx.Err(); err != nil {
		return err
	}
	s.txCount++
	c := s.st.clone()
	if err := fn(&stubTx{st: c, failRedirect: s.failRedirect}); err != nil {
		return err
	}
	s.st = c
	return nil
}

func (s *stubStore) GetLink(ctx context.Context, proxyID string) (*Link, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.tx().GetLink(ctx, proxyID)
}

func (s *stubStore) GetActiveLink(ctx context.Context, proxyID string) (*Link, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.tx().GetActiveLink(ctx, proxyID)
}

func (s *stubStore) EnsureRoomStarted(ctx context.Context, proxyID string, now time.Time) (time.Time, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.tx().EnsureRoomStarted(ctx, proxyID, now)
}

func (s *stubStore) FindParticipant(ctx context.Context, proxyID, fingerprint string) (*Participant, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.tx().FindParticipant(ctx, proxyID, fingerprint)
}

func (s *stubStore) ListParticipants(ctx context.Context, proxyID string) ([]*Participant, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.tx().ListParticipants(ctx, proxyID)
}

func (s *stubStore) ListByStatus(ctx context.Context, proxyID string, status ParticipantStatus) ([]*Participant, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.tx().ListByStatus(ctx, proxyID, status)
}

func (s *stubStore) CountNonExpired(ctx context.Context, proxyID string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.tx().CountNonExpired(ctx, proxyID)
}

func (s *stubStore) RecordArrival(ctx context.Context, p *Participant) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.tx().RecordArrival(ctx, p)
}

func (s *stubStore) MarkGroupRedirected(ctx context.Context, proxyID string, fps []string, gsid string, at time.Time) error {
	return s.WithinLink(ctx, proxyID, func(l Ledger) error {
		return l.MarkGroupRedirected(ctx, proxyID, fps, gsid, at)
	})
}

func (s *stubStore) MarkExpired(ctx context.Context, proxyID, fingerprint string, at time.Time) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.tx().MarkExpired(ctx, proxyID, fingerprint, at)
}

func (s *stubStore) AddAudit(e AuditEntry) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.audit = append(s.audit, e)
}

func (s *stubStore) ListAudit() []AuditEntry {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]AuditEntry(nil), s.audit...)
}

func (s *stubStore) InsertLink(ctx context.Context, l *Link) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.st.links[l.ProxyID]; ok {
		return NewConflictError("proxy id exists")
	}
	cp := *l
	s.st.links[l.ProxyID] = &cp
	s.st.parts[l.ProxyID] = map[string]*Participant{}
	return nil
}

func (s *stubStore) ListLinks(ctx context.Context) ([]*Link, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := []*Link{}
	for _, l := range s.st.links {
		cp := *l
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ProxyID < out[j].ProxyID })
	return out, nil
}

func (s *stubStore) UpdateLink(ctx context.Context, l *Link) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.st.links[l.ProxyID]; !ok {
		return false, nil
	}
	cp := *l
	s.st.links[l.ProxyID] = &cp
	return true, nil
}

func (s *stubStore) SetLinkActive(ctx context.Context, proxyID string, active bool, at time.Time) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	l, ok := s.st.links[proxyID]
	if !ok {
		return false, nil
	}
	l.IsActive = active
	l.UpdatedAt = at
	return true, nil
}

func (s *stubStore) ResetLink(ctx context.Context, proxyID string, at time.Time) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	l, ok := s.st.links[proxyID]
	if !ok {
		return false, nil
	}
	l.RoomStartTime, l.GroupSessionID, l.GroupFormedAt = nil, "", nil
	l.UpdatedAt = at
	s.st.parts[proxyID] = map[string]*Participant{}
	return true, nil
}

func (s *stubStore) DeleteLink(ctx context.Context, proxyID string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.st.links[proxyID]; !ok {
		return false, nil
	}
	delete(s.st.links, proxyID)
	delete(s.st.parts, proxyID)
	return true, nil
}

// put seeds a participant directly, bypassing admission.
func (s *stubStore) put(p *Participant) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *p
	s.st.parts[p.ProxyID][p.Fingerprint] = &cp
}

type stubTx struct {
	st           *stubState
	failRedirect error
}

func (t *stubTx) GetLink(ctx context.Context, proxyID string) (*Link, error) {
	l, ok := t.st.links[proxyID]
	if !ok {
		return nil, nil
	}
	cp := *l
	return &cp, nil
}

func (t *stubTx) GetActiveLink(ctx context.Context, proxyID string) (*Link, error) {
	l, err := t.GetLink(ctx, proxyID)
	if err != nil || l == nil || !l.IsActive {
		return nil, err
	}
	return l, nil
}

func (t *stubTx) EnsureRoomStarted(ctx context.Context, proxyID string, now time.Time) (time.Time, error) {
	l, ok := t.st.links[proxyID]
	if !ok {
		return time.Time{}, NewLinkNotFoundError()
	}
	if l.RoomStartTime == nil {
		started := now
		l.RoomStartTime = &started
	}
	return *l.RoomStartTime, nil
}

func (t *stubTx) FindParticipant(ctx context.Context, proxyID, fingerprint string) (*Participant, error) {
	p, ok := t.st.parts[proxyID][fingerprint]
	if !ok {
		return nil, nil
	}
	cp := *p
	return &cp, nil
}

func (t *stubTx) ListParticipants(ctx context.Context, proxyID string) ([]*Participant, error) {
	return t.ListByStatus(ctx, proxyID, "")
}

func (t *stubTx) ListByStatus(ctx context.Context, proxyID string, status ParticipantStatus) ([]*Participant, error) {
	out := []*Participant{}
	for _, p := range t.st.parts[proxyID] {
		if status != "" && p.Status != status {
			continue
		}
		cp := *p
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ParticipantNumber < out[j].ParticipantNumber })
	return out, nil
}

func (t *stubTx) CountNonExpired(ctx context.Context, proxyID string) (int, error) {
	n := 0
	for _, p := range t.st.parts[proxyID] {
		if p.Status != StatusExpired {
			n++
		}
	}
	return n, nil
}

func (t *stubTx) RecordArrival(ctx context.Context, p *Participant) error {
	ps, ok := t.st.parts[p.ProxyID]
	if !ok {
		return NewLinkNotFoundError()
	}
	if _, exists := ps[p.Fingerprint]; exists {
		return fmt.Errorf("stub: %w", ErrDuplicateFingerprint)
	}
	cp := *p
	ps[p.Fingerprint] = &cp
	return nil
}

func (t *stubTx) MarkGroupRedirected(ctx context.Context, proxyID string, fps []string, gsid string, at time.Time) error {
	if t.failRedirect != nil {
		return t.failRedirect
	}
	l := t.st.links[proxyID]
	if l.GroupSessionID != "" {
		return ErrGroupAlreadyFormed
	}
	for _, fp := range fps {
		p := t.st.parts[proxyID][fp]
		p.Status = StatusRedirected
		p.GroupSessionID = gsid
		ts := at
		p.RedirectedAt = &ts
	}
	ts := at
	l.GroupSessionID = gsid
	l.GroupFormedAt = &ts
	return nil
}

func (t *stubTx) UpdateLink(ctx context.Context, l *Link) (bool, error) {
	cur, ok := t.st.links[l.ProxyID]
	if !ok {
		return false, nil
	}
	cur.DestinationURL, cur.GroupName, cur.Category = l.DestinationURL, l.GroupName, l.Category
	cur.TreatmentTitle, cur.Capacity = l.TreatmentTitle, l.Capacity
	cur.PostExperimentRedirectURL, cur.UpdatedAt = l.PostExperimentRedirectURL, l.UpdatedAt
	return true, nil
}

func (t *stubTx) MarkExpired(ctx context.Context, proxyID, fingerprint string, at time.Time) (bool, error) {
	p, ok := t.st.parts[proxyID][fingerprint]
	if !ok || p.Status != StatusWaiting {
		return false, nil
	}
	ts := at
	p.Status = StatusExpired
	p.ExpiredAt = &ts
	return true, nil
}

var (
	_ WaitroomStore = (*stubStore)(nil)
	_ LinkStore     = (*stubStore)(nil)
)
