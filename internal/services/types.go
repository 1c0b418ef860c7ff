package services

import (
	"context"
	"strings"
	"time"
)

// Category is the gender-composition rule of a link.
type Category string

const (
	CategoryAllMale   Category = "AllMale"
	CategoryAllFemale Category = "AllFemale"
	CategoryMixed     Category = "Mixed"
	CategoryNoGender  Category = "NoGender"
)

func ParseCategory(s string) (Category, bool) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "allmale", "all_male":
		return CategoryAllMale, true
	case "allfemale", "all_female":
		return CategoryAllFemale, true
	case "mixed":
		return CategoryMixed, true
	case "nogender", "no_gender", "":
		return CategoryNoGender, true
	}
	return "", false
}

// RequiresGender reports whether participants must state a gender to join.
func (c Category) RequiresGender() bool { return c != CategoryNoGender && c != "" }

// Admits reports whether a participant of gender g may join a link of this category.
func (c Category) Admits(g Gender) bool {
	switch c {
	case CategoryAllMale:
		return g == GenderMale
	case CategoryAllFemale:
		return g == GenderFemale
	default:
		return true
	}
}

type Gender string

const (
	GenderMale   Gender = "MALE"
	GenderFemale Gender = "FEMALE"
	GenderOther  Gender = "OTHER"
)

func ParseGender(s string) (Gender, bool) {
	switch Gender(strings.ToUpper(strings.TrimSpace(s))) {
	case GenderMale:
		return GenderMale, true
	case GenderFemale:
		return GenderFemale, true
	case GenderOther:
		return GenderOther, true
	}
	return "", false
}

// Link is the configuration of one proxy room.
type Link struct {
	ProxyID                   string     `json:"proxyId"`
	DestinationURL            string     `json:"destinationUrl"`
	GroupName                 string     `json:"groupName"`
	Category                  Category   `json:"category"`
	TreatmentTitle            string     `json:"treatmentTitle"`
	Capacity                  int        `json:"capacity"`
	IsActive                  bool       `json:"isActive"`
	PostExperimentRedirectURL string     `json:"postExperimentRedirectUrl,omitempty"`
	RoomStartTime             *time.Time `json:"roomStartTime,omitempty"`
	GroupSessionID            string     `json:"groupSessionId,omitempty"`
	GroupFormedAt             *time.Time `json:"groupFormedAt,omitempty"`
	CreatedAt                 time.Time  `json:"createdAt"`
	UpdatedAt                 time.Time  `json:"updatedAt"`
}

// GroupFormed reports whether the link's single group session exists.
func (l *Link) GroupFormed() bool { return l.GroupSessionID != "" }

type ParticipantStatus string

const (
	StatusWaiting    ParticipantStatus = "waiting"
	StatusRedirected ParticipantStatus = "redirected"
	StatusExpired    ParticipantStatus = "expired"
)

// Participant is one arrival on one link, keyed by browser fingerprint.
type Participant struct {
	ProxyID           string            `json:"proxyId"`
	Fingerprint       string            `json:"fingerprint"`
	ParticipantNumber int               `json:"participantNumber"`
	Gender            Gender            `json:"gender,omitempty"`
	Status            ParticipantStatus `json:"status"`
	JoinedAt          time.Time         `json:"joinedAt"`
	GroupSessionID    string            `json:"groupSessionId,omitempty"`
	RedirectedAt      *time.Time        `json:"redirectedAt,omitempty"`
	ExpiredAt         *time.Time        `json:"expiredAt,omitempty"`
}

func (p *Participant) IsTerminal() bool {
	return p.Status == StatusRedirected || p.Status == StatusExpired
}

// Occupies reports whether the participant holds one of the link's capacity slots.
func (p *Participant) Occupies() bool {
	return p.Status == StatusWaiting || p.Status == StatusRedirected
}

type AuditEntry struct {
	Time   time.Time `json:"time"`
	Actor  string    `json:"actor"`
	Action string    `json:"action"`
	Target string    `json:"target"`
	Note   string    `json:"note,omitempty"`
}

// LinkRegistry is the read side of link configuration consumed by the waiting room.
type LinkRegistry interface {
	GetLink(ctx context.Context, proxyID string) (*Link, error)
	GetActiveLink(ctx context.Context, proxyID string) (*Link, error)
}

// Ledger holds participant records for links. Implementations return
// (nil, nil) for records that do not exist.
type Ledger interface {
	LinkRegistry
	EnsureRoomStarted(ctx context.Context, proxyID string, now time.Time) (time.Time, error)
	FindParticipant(ctx context.Context, proxyID, fingerprint string) (*Participant, error)
	ListParticipants(ctx context.Context, proxyID string) ([]*Participant, error)
	ListByStatus(ctx context.Context, proxyID string, status ParticipantStatus) ([]*Participant, error)
	CountNonExpired(ctx context.Context, proxyID string) (int, error)
	RecordArrival(ctx context.Context, p *Participant) error
	MarkGroupRedirected(ctx context.Context, proxyID string, fingerprints []string, groupSessionID string, at time.Time) error
	MarkExpired(ctx context.Context, proxyID, fingerprint string, at time.Time) (bool, error)
	// UpdateLink writes the admin-editable fields of l. Room start, active
	// flag and group marker are left as stored.
	UpdateLink(ctx context.Context, l *Link) (bool, error)
}

// WaitroomStore is the persistence required by WaitroomService.
type WaitroomStore interface {
	Ledger
	// WithinLink runs fn against a Ledger whose reads and writes for proxyID
	// are serialized with every other WithinLink call on the same link and
	// commit together only when fn returns nil.
	WithinLink(ctx context.Context, proxyID string, fn func(Ledger) error) error
	AddAudit(entry AuditEntry)
}

// LinkStore is the persistence required by LinkService.
type LinkStore interface {
	InsertLink(ctx context.Context, l *Link) error
	GetLink(ctx context.Context, proxyID string) (*Link, error)
	ListLinks(ctx context.Context) ([]*Link, error)
	WithinLink(ctx context.Context, proxyID string, fn func(Ledger) error) error
	SetLinkActive(ctx context.Context, proxyID string, active bool, at time.Time) (bool, error)
	ResetLink(ctx context.Context, proxyID string, at time.Time) (bool, error)
	DeleteLink(ctx context.Context, proxyID string) (bool, error)
	ListParticipants(ctx context.Context, proxyID string) ([]*Participant, error)
	AddAudit(entry AuditEntry)
	ListAudit() []AuditEntry
}
