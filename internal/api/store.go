package api

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/lobby-research/lobby/internal/services"
)

var errForeignLink = errors.New("ledger is scoped to another link")

type linkState struct {
	link         *services.Link
	participants map[string]*services.Participant
}

func (st *linkState) clone() *linkState {
	l := *st.link
	out := &linkState{link: &l, participants: make(map[string]*services.Participant, len(st.participants))}
	for fp, p := range st.participants {
		cp := *p
		out.participants[fp] = &cp
	}
	return out
}

// memoryStore keeps everything in process. Each link has its own semaphore so
// WithinLink calls on one link run one at a time; a transaction works on a
// copy of the link state that replaces the original only on success.
type memoryStore struct {
	mu    sync.RWMutex
	links map[string]*linkState
	locks map[string]chan struct{}
	audit []services.AuditEntry
}

func newMemoryStore() *memoryStore {
	return &memoryStore{
		links: map[string]*linkState{},
		locks: map[string]chan struct{}{},
		audit: []services.AuditEntry{},
	}
}

// NewMemoryStore returns a Store that does not persist across restarts.
func NewMemoryStore() Store { return newMemoryStore() }

// linkLock returns the semaphore of an existing link, or nil for an unknown
// one. Entries are created lazily and dropped by DeleteLink.
func (s *memoryStore) linkLock(proxyID string) chan struct{} {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.links[proxyID]; !ok {
		return nil
	}
	sem, ok := s.locks[proxyID]
	if !ok {
		sem = make(chan struct{}, 1)
		s.locks[proxyID] = sem
	}
	return sem
}

// lockLink holds the link's semaphore until the returned func runs. Unknown
// links have no state to guard and get a no-op release.
func (s *memoryStore) lockLink(ctx context.Context, proxyID string) (func(), error) {
	for {
		sem := s.linkLock(proxyID)
		if sem == nil {
			return func() {}, nil
		}
		select {
		case sem <- struct{}{}:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
		s.mu.RLock()
		current := s.locks[proxyID] == sem
		s.mu.RUnlock()
		if current {
			return func() { <-sem }, nil
		}
		// deleted while we waited
		<-sem
	}
}

func (s *memoryStore) WithinLink(ctx context.Context, proxyID string, fn func(services.Ledger) error) error {
	unlock, err := s.lockLink(ctx, proxyID)
	if err != nil {
		return err
	}
	defer unlock()

	s.mu.RLock()
	st, ok := s.links[proxyID]
	var work *linkState
	if ok {
		work = st.clone()
	}
	s.mu.RUnlock()

	tx := &memoryTx{proxyID: proxyID, state: work}
	if err := fn(tx); err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	if work == nil {
		return nil
	}
	s.mu.Lock()
	if _, still := s.links[proxyID]; still {
		s.links[proxyID] = work
	}
	s.mu.Unlock()
	return nil
}

// read runs fn against the committed state of one link.
func (s *memoryStore) read(proxyID string, fn func(*linkState)) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	fn(s.links[proxyID])
}

func (s *memoryStore) GetLink(ctx context.Context, proxyID string) (*services.Link, error) {
	var out *services.Link
	s.read(proxyID, func(st *linkState) {
		if st != nil {
			l := *st.link
			out = &l
		}
	})
	return out, nil
}

func (s *memoryStore) GetActiveLink(ctx context.Context, proxyID string) (*services.Link, error) {
	l, err := s.GetLink(ctx, proxyID)
	if err != nil || l == nil || !l.IsActive {
		return nil, err
	}
	return l, nil
}

func (s *memoryStore) FindParticipant(ctx context.Context, proxyID, fingerprint string) (*services.Participant, error) {
	var out *services.Participant
	s.read(proxyID, func(st *linkState) {
		if st == nil {
			return
		}
		if p, ok := st.participants[fingerprint]; ok {
			cp := *p
			out = &cp
		}
	})
	return out, nil
}

func (s *memoryStore) ListParticipants(ctx context.Context, proxyID string) ([]*services.Participant, error) {
	var out []*services.Participant
	s.read(proxyID, func(st *linkState) { out = listParticipants(st, "") })
	return out, nil
}

func (s *memoryStore) ListByStatus(ctx context.Context, proxyID string, status services.ParticipantStatus) ([]*services.Participant, error) {
	var out []*services.Participant
	s.read(proxyID, func(st *linkState) { out = listParticipants(st, status) })
	return out, nil
}

func (s *memoryStore) CountNonExpired(ctx context.Context, proxyID string) (int, error) {
	n := 0
	s.read(proxyID, func(st *linkState) { n = countNonExpired(st) })
	return n, nil
}

func (s *memoryStore) EnsureRoomStarted(ctx context.Context, proxyID string, now time.Time) (time.Time, error) {
	var out time.Time
	err := s.WithinLink(ctx, proxyID, func(l services.Ledger) error {
		var err error
		out, err = l.EnsureRoomStarted(ctx, proxyID, now)
		return err
	})
	return out, err
}

func (s *memoryStore) RecordArrival(ctx context.Context, p *services.Participant) error {
	return s.WithinLink(ctx, p.ProxyID, func(l services.Ledger) error { return l.RecordArrival(ctx, p) })
}

func (s *memoryStore) MarkGroupRedirected(ctx context.Context, proxyID string, fingerprints []string, groupSessionID string, at time.Time) error {
	return s.WithinLink(ctx, proxyID, func(l services.Ledger) error {
		return l.MarkGroupRedirected(ctx, proxyID, fingerprints, groupSessionID, at)
	})
}

func (s *memoryStore) MarkExpired(ctx context.Context, proxyID, fingerprint string, at time.Time) (bool, error) {
	var changed bool
	err := s.WithinLink(ctx, proxyID, func(l services.Ledger) error {
		var err error
		changed, err = l.MarkExpired(ctx, proxyID, fingerprint, at)
		return err
	})
	return changed, err
}

// --- link registry ---

func (s *memoryStore) InsertLink(ctx context.Context, l *services.Link) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.links[l.ProxyID]; exists {
		return services.NewConflictError("proxy id exists")
	}
	cp := *l
	s.links[l.ProxyID] = &linkState{link: &cp, participants: map[string]*services.Participant{}}
	return nil
}

func (s *memoryStore) ListLinks(ctx context.Context) ([]*services.Link, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*services.Link, 0, len(s.links))
	for _, st := range s.links {
		l := *st.link
		out = append(out, &l)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ProxyID < out[j].ProxyID
		}
		return out[i].CreatedAt.After(out[j].CreatedAt)
	})
	return out, nil
}

func (s *memoryStore) UpdateLink(ctx context.Context, l *services.Link) (bool, error) {
	return s.mutateLink(ctx, l.ProxyID, func(st *linkState) { applyLinkEdit(st.link, l) })
}

func applyLinkEdit(cur, l *services.Link) {
	cur.DestinationURL = l.DestinationURL
	cur.GroupName = l.GroupName
	cur.Category = l.Category
	cur.TreatmentTitle = l.TreatmentTitle
	cur.Capacity = l.Capacity
	cur.PostExperimentRedirectURL = l.PostExperimentRedirectURL
	cur.UpdatedAt = l.UpdatedAt
}

func (s *memoryStore) SetLinkActive(ctx context.Context, proxyID string, active bool, at time.Time) (bool, error) {
	return s.mutateLink(ctx, proxyID, func(st *linkState) {
		st.link.IsActive = active
		st.link.UpdatedAt = at
	})
}

func (s *memoryStore) ResetLink(ctx context.Context, proxyID string, at time.Time) (bool, error) {
	return s.mutateLink(ctx, proxyID, func(st *linkState) {
		st.participants = map[string]*services.Participant{}
		st.link.RoomStartTime = nil
		st.link.GroupSessionID = ""
		st.link.GroupFormedAt = nil
		st.link.UpdatedAt = at
	})
}

func (s *memoryStore) DeleteLink(ctx context.Context, proxyID string) (bool, error) {
	unlock, err := s.lockLink(ctx, proxyID)
	if err != nil {
		return false, err
	}
	defer unlock()
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.links[proxyID]; !ok {
		return false, nil
	}
	delete(s.links, proxyID)
	delete(s.locks, proxyID)
	return true, nil
}

// mutateLink applies fn to the committed link state under the link lock.
func (s *memoryStore) mutateLink(ctx context.Context, proxyID string, fn func(*linkState)) (bool, error) {
	unlock, err := s.lockLink(ctx, proxyID)
	if err != nil {
		return false, err
	}
	defer unlock()
	s.mu.Lock()
	defer s.mu.Unlock()
	st, ok := s.links[proxyID]
	if !ok {
		return false, nil
	}
	next := st.clone()
	fn(next)
	s.links[proxyID] = next
	return true, nil
}

// --- audit ---

func (s *memoryStore) AddAudit(e services.AuditEntry) {
	s.mu.Lock()
	s.audit = append(s.audit, e)
	s.mu.Unlock()
}

func (s *memoryStore) ListAudit() []services.AuditEntry {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]services.AuditEntry, len(s.audit))
	copy(out, s.audit)
	return out
}

// memoryTx is the Ledger handed to WithinLink callbacks.
type memoryTx struct {
	proxyID string
	state   *linkState
}

func (t *memoryTx) scoped(proxyID string) (*linkState, error) {
	if proxyID != t.proxyID {
		return nil, errForeignLink
	}
	return t.state, nil
}

func (t *memoryTx) GetLink(ctx context.Context, proxyID string) (*services.Link, error) {
	st, err := t.scoped(proxyID)
	if err != nil || st == nil {
		return nil, err
	}
	l := *st.link
	return &l, nil
}

func (t *memoryTx) GetActiveLink(ctx context.Context, proxyID string) (*services.Link, error) {
	l, err := t.GetLink(ctx, proxyID)
	if err != nil || l == nil || !l.IsActive {
		return nil, err
	}
	return l, nil
}

func (t *memoryTx) EnsureRoomStarted(ctx context.Context, proxyID string, now time.Time) (time.Time, error) {
	st, err := t.scoped(proxyID)
	if err != nil {
		return time.Time{}, err
	}
	if st == nil {
		return time.Time{}, services.NewLinkNotFoundError()
	}
	if st.link.RoomStartTime == nil {
		started := now
		st.link.RoomStartTime = &started
	}
	return *st.link.RoomStartTime, nil
}

func (t *memoryTx) FindParticipant(ctx context.Context, proxyID, fingerprint string) (*services.Participant, error) {
	st, err := t.scoped(proxyID)
	if err != nil || st == nil {
		return nil, err
	}
	p, ok := st.participants[fingerprint]
	if !ok {
		return nil, nil
	}
	cp := *p
	return &cp, nil
}

func (t *memoryTx) ListParticipants(ctx context.Context, proxyID string) ([]*services.Participant, error) {
	st, err := t.scoped(proxyID)
	if err != nil {
		return nil, err
	}
	return listParticipants(st, ""), nil
}

func (t *memoryTx) ListByStatus(ctx context.Context, proxyID string, status services.ParticipantStatus) ([]*services.Participant, error) {
	st, err := t.scoped(proxyID)
	if err != nil {
		return nil, err
	}
	return listParticipants(st, status), nil
}

func (t *memoryTx) CountNonExpired(ctx context.Context, proxyID string) (int, error) {
	st, err := t.scoped(proxyID)
	if err != nil {
		return 0, err
	}
	return countNonExpired(st), nil
}

func (t *memoryTx) RecordArrival(ctx context.Context, p *services.Participant) error {
	st, err := t.scoped(p.ProxyID)
	if err != nil {
		return err
	}
	if st == nil {
		return services.NewLinkNotFoundError()
	}
	if _, exists := st.participants[p.Fingerprint]; exists {
		return fmt.Errorf("record arrival %s: %w", p.ProxyID, services.ErrDuplicateFingerprint)
	}
	cp := *p
	st.participants[p.Fingerprint] = &cp
	return nil
}

func (t *memoryTx) MarkGroupRedirected(ctx context.Context, proxyID string, fingerprints []string, groupSessionID string, at time.Time) error {
	st, err := t.scoped(proxyID)
	if err != nil {
		return err
	}
	if st == nil {
		return services.NewLinkNotFoundError()
	}
	if st.link.GroupSessionID != "" {
		return services.ErrGroupAlreadyFormed
	}
	for _, fp := range fingerprints {
		p, ok := st.participants[fp]
		if !ok || p.Status == services.StatusExpired {
			return fmt.Errorf("mark redirected: participant %q not eligible", fp)
		}
	}
	redirectedAt := at
	for _, fp := range fingerprints {
		p := st.participants[fp]
		p.Status = services.StatusRedirected
		p.GroupSessionID = groupSessionID
		p.RedirectedAt = &redirectedAt
	}
	st.link.GroupSessionID = groupSessionID
	st.link.GroupFormedAt = &redirectedAt
	return nil
}

func (t *memoryTx) UpdateLink(ctx context.Context, l *services.Link) (bool, error) {
	st, err := t.scoped(l.ProxyID)
	if err != nil || st == nil {
		return false, err
	}
	applyLinkEdit(st.link, l)
	return true, nil
}

func (t *memoryTx) MarkExpired(ctx context.Context, proxyID, fingerprint string, at time.Time) (bool, error) {
	st, err := t.scoped(proxyID)
	if err != nil || st == nil {
		return false, err
	}
	p, ok := st.participants[fingerprint]
	if !ok || p.Status != services.StatusWaiting {
		return false, nil
	}
	expiredAt := at
	p.Status = services.StatusExpired
	p.ExpiredAt = &expiredAt
	return true, nil
}

func listParticipants(st *linkState, status services.ParticipantStatus) []*services.Participant {
	if st == nil {
		return []*services.Participant{}
	}
	out := make([]*services.Participant, 0, len(st.participants))
	for _, p := range st.participants {
		if status != "" && p.Status != status {
			continue
		}
		cp := *p
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].ParticipantNumber != out[j].ParticipantNumber {
			return out[i].ParticipantNumber < out[j].ParticipantNumber
		}
		return out[i].JoinedAt.Before(out[j].JoinedAt)
	})
	return out
}

func countNonExpired(st *linkState) int {
	if st == nil {
		return 0
	}
	n := 0
	for _, p := range st.participants {
		if p.Status != services.StatusExpired {
			n++
		}
	}
	return n
}
