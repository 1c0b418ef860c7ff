package services

import (
	"context"
	"errors"
	"testing"
	"time"
)

func strp(s string) *string { return &s }
func intp(n int) *int       { return &n }

func newTestLinkService(store *stubStore) *LinkService {
	svc := NewLinkService(store, RoomClock{}, 0)
	svc.now = func() time.Time { return t0 }
	svc.engine.idGen = func() string { return "gs-admin" }
	n := 0
	svc.idGen = func() string {
		n++
		return []string{"abc123def456", "fed654cba321", "000000000003"}[n-1]
	}
	return svc
}

func TestLinkCreateDefaultsAndValidation(t *testing.T) {
	store := newStubStore()
	svc := newTestLinkService(store)
	ctx := context.Background()

	if _, err := svc.Create(ctx, LinkInput{GroupName: strp("g")}, "admin"); !IsCode(err, ErrorInvalid) {
		t.Fatalf("missing destination should be invalid, got %v", err)
	}
	if _, err := svc.Create(ctx, LinkInput{DestinationURL: strp("/relative")}, "admin"); !IsCode(err, ErrorInvalid) {
		t.Fatalf("relative destination should be invalid, got %v", err)
	}
	if _, err := svc.Create(ctx, LinkInput{DestinationURL: strp("https://x.example"), Capacity: intp(0)}, "admin"); !IsCode(err, ErrorInvalid) {
		t.Fatalf("capacity 0 should be invalid, got %v", err)
	}
	if _, err := svc.Create(ctx, LinkInput{DestinationURL: strp("https://x.example"), Category: strp("Robots")}, "admin"); !IsCode(err, ErrorInvalid) {
		t.Fatalf("bad category should be invalid, got %v", err)
	}

	l, err := svc.Create(ctx, LinkInput{DestinationURL: strp(" https://otree.example/room/a "), GroupName: strp(" Group A "), Category: strp("allmale")}, "admin@example.com")
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if l.ProxyID != "abc123def456" || l.Capacity != DefaultCapacity || !l.IsActive {
		t.Fatalf("defaults: %+v", l)
	}
	if l.DestinationURL != "https://otree.example/room/a" || l.GroupName != "Group A" || l.Category != CategoryAllMale {
		t.Fatalf("normalization: %+v", l)
	}
	audit := store.ListAudit()
	if len(audit) != 1 || audit[0].Action != "link.create" || audit[0].Actor != "admin@example.com" {
		t.Fatalf("audit: %+v", audit)
	}
}

func TestLinkUpdateCapacityGuard(t *testing.T) {
	store := newStubStore(testLink("L1", 4, CategoryNoGender))
	seedWaiting(store, "L1", "F1", "F2")
	svc := newTestLinkService(store)
	ctx := context.Background()

	if _, err := svc.Update(ctx, "L1", LinkInput{Capacity: intp(1)}, "admin"); !IsCode(err, ErrorConflict) {
		t.Fatalf("expected conflict, got %v", err)
	}
	l, err := svc.Update(ctx, "L1", LinkInput{Capacity: intp(3), TreatmentTitle: strp("T2")}, "admin")
	if err != nil {
		t.Fatalf("update: %v", err)
	}
	if l.Capacity != 3 || l.TreatmentTitle != "T2" || l.GroupName != "Group L1" || l.GroupFormed() {
		t.Fatalf("update result: %+v", l)
	}
	if _, err := svc.Update(ctx, "missing", LinkInput{}, "admin"); !IsCode(err, ErrorNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
}

func TestLinkUpdateCapacityFillingRoomFormsGroup(t *testing.T) {
	store := newStubStore(testLink("L1", 3, CategoryNoGender))
	seedWaiting(store, "L1", "F1", "F2")
	svc := newTestLinkService(store)
	ctx := context.Background()

	l, err := svc.Update(ctx, "L1", LinkInput{Capacity: intp(2)}, "admin")
	if err != nil {
		t.Fatalf("update: %v", err)
	}
	if l.Capacity != 2 || l.GroupSessionID != "gs-admin" || l.GroupFormedAt == nil {
		t.Fatalf("link after capacity change: %+v", l)
	}
	for _, fp := range []string{"F1", "F2"} {
		p, _ := store.FindParticipant(ctx, "L1", fp)
		if p.Status != StatusRedirected || p.GroupSessionID != "gs-admin" {
			t.Fatalf("%s not redirected: %+v", fp, p)
		}
	}
	audit := store.ListAudit()
	if len(audit) != 2 || audit[0].Action != "link.update" || audit[1].Action != "group_formed" || audit[1].Note != "gs-admin" {
		t.Fatalf("audit: %+v", audit)
	}

	// capacity edits after formation never re-run it
	if _, err := svc.Update(ctx, "L1", LinkInput{Capacity: intp(5)}, "admin"); err != nil {
		t.Fatalf("raise after formation: %v", err)
	}
	if _, err := svc.Update(ctx, "L1", LinkInput{Capacity: intp(1)}, "admin"); !IsCode(err, ErrorConflict) {
		t.Fatalf("capacity below redirected count should conflict, got %v", err)
	}
}

func TestLinkUpdateCapacitySweepsExpiredWaiters(t *testing.T) {
	store := newStubStore(testLink("L1", 3, CategoryNoGender))
	store.put(&Participant{ProxyID: "L1", Fingerprint: "OLD", ParticipantNumber: 1, Status: StatusWaiting, JoinedAt: t0.Add(-DefaultParticipantTimeout)})
	store.put(&Participant{ProxyID: "L1", Fingerprint: "F2", ParticipantNumber: 2, Status: StatusWaiting, JoinedAt: t0})
	store.put(&Participant{ProxyID: "L1", Fingerprint: "F3", ParticipantNumber: 3, Status: StatusWaiting, JoinedAt: t0})
	svc := newTestLinkService(store)
	ctx := context.Background()

	l, err := svc.Update(ctx, "L1", LinkInput{Capacity: intp(2)}, "admin")
	if err != nil {
		t.Fatalf("expired waiter should not count toward occupancy: %v", err)
	}
	if l.GroupSessionID != "gs-admin" {
		t.Fatalf("F2 and F3 fill capacity 2: %+v", l)
	}
	old, _ := store.FindParticipant(ctx, "L1", "OLD")
	if old.Status != StatusExpired || old.GroupSessionID != "" {
		t.Fatalf("expired waiter pulled into group: %+v", old)
	}
}

func TestLinkUpdateFailedFormationRollsBack(t *testing.T) {
	store := newStubStore(testLink("L1", 3, CategoryNoGender))
	seedWaiting(store, "L1", "F1", "F2")
	store.failRedirect = errors.New("disk full")
	svc := newTestLinkService(store)
	ctx := context.Background()

	if _, err := svc.Update(ctx, "L1", LinkInput{Capacity: intp(2)}, "admin"); !IsCode(err, ErrorGroupFormationFailed) {
		t.Fatalf("expected group formation failure, got %v", err)
	}
	l, _ := store.GetLink(ctx, "L1")
	if l.Capacity != 3 || l.GroupFormed() {
		t.Fatalf("capacity change leaked from failed update: %+v", l)
	}
	if len(store.ListAudit()) != 0 {
		t.Fatalf("failed update audited: %+v", store.ListAudit())
	}
}

func TestLinkListAndGetCounts(t *testing.T) {
	store := newStubStore(testLink("L1", 3, CategoryNoGender))
	seedWaiting(store, "L1", "F1")
	store.put(&Participant{ProxyID: "L1", Fingerprint: "F2", ParticipantNumber: 2, Status: StatusExpired})
	svc := newTestLinkService(store)

	list, err := svc.List(context.Background())
	if err != nil || len(list) != 1 {
		t.Fatalf("list: %+v err=%v", list, err)
	}
	if list[0].WaitingCount != 1 || list[0].ExpiredCount != 1 || list[0].RedirectedCount != 0 {
		t.Fatalf("counts: %+v", list[0])
	}
	d, err := svc.Get(context.Background(), "L1")
	if err != nil || len(d.Participants) != 2 {
		t.Fatalf("detail: %+v err=%v", d, err)
	}
	if _, err := svc.Get(context.Background(), "missing"); !IsCode(err, ErrorNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
}

func TestLinkLifecycle(t *testing.T) {
	l := testLink("L1", 2, CategoryNoGender)
	start := t0
	l.RoomStartTime = &start
	l.GroupSessionID = "gs"
	store := newStubStore(l)
	seedWaiting(store, "L1", "F1", "F2")
	svc := newTestLinkService(store)
	ctx := context.Background()

	if err := svc.SetActive(ctx, "L1", false, "admin"); err != nil {
		t.Fatalf("pause: %v", err)
	}
	got, _ := store.GetLink(ctx, "L1")
	if got.IsActive {
		t.Fatalf("link still active")
	}
	if err := svc.Reset(ctx, "L1", "admin"); err != nil {
		t.Fatalf("reset: %v", err)
	}
	got, _ = store.GetLink(ctx, "L1")
	ps, _ := store.ListParticipants(ctx, "L1")
	if got.RoomStartTime != nil || got.GroupSessionID != "" || len(ps) != 0 {
		t.Fatalf("reset left state: %+v participants=%d", got, len(ps))
	}
	if err := svc.Delete(ctx, "L1", "admin"); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if err := svc.Delete(ctx, "L1", "admin"); !IsCode(err, ErrorNotFound) {
		t.Fatalf("second delete should be not found, got %v", err)
	}
	if err := svc.SetActive(ctx, "L1", true, "admin"); !IsCode(err, ErrorNotFound) {
		t.Fatalf("activate missing should be not found, got %v", err)
	}
	actions := []string{}
	for _, e := range svc.Audit() {
		actions = append(actions, e.Action)
	}
	want := []string{"link.pause", "link.reset", "link.delete"}
	if len(actions) != len(want) {
		t.Fatalf("audit actions %v", actions)
	}
	for i := range want {
		if actions[i] != want[i] {
			t.Fatalf("audit actions %v", actions)
		}
	}
}
