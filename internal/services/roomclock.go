package services

import (
	"context"
	"time"
)

const (
	DefaultParticipantTimeout = 600 * time.Second
	DefaultRoomTimeout        = 600 * time.Second
)

// RoomClock derives timing facts from stored timestamps. Each participant's
// wait window is anchored to their own JoinedAt; RoomTimeout bounds how long
// an ungrouped room keeps accepting newcomers once nobody is left waiting.
type RoomClock struct {
	ParticipantTimeout time.Duration
	RoomTimeout        time.Duration
}

func NewRoomClock(participantTimeout, roomTimeout time.Duration) RoomClock {
	if participantTimeout <= 0 {
		participantTimeout = DefaultParticipantTimeout
	}
	if roomTimeout <= 0 {
		roomTimeout = DefaultRoomTimeout
	}
	return RoomClock{ParticipantTimeout: participantTimeout, RoomTimeout: roomTimeout}
}

// EnsureRoomStarted sets the link's room start time if unset and returns the
// stored value. The write is a compare-and-set in every store.
func (c RoomClock) EnsureRoomStarted(ctx context.Context, l Ledger, proxyID string, now time.Time) (time.Time, error) {
	return l.EnsureRoomStarted(ctx, proxyID, now)
}

func (c RoomClock) RemainingTime(p *Participant, now time.Time) time.Duration {
	remaining := c.ParticipantTimeout - now.Sub(p.JoinedAt)
	if remaining < 0 {
		return 0
	}
	return remaining
}

func (c RoomClock) IsExpired(p *Participant, now time.Time) bool {
	return p.Status == StatusWaiting && c.RemainingTime(p, now) == 0
}

// RoomExpired reports whether a started, ungrouped room has outlived
// RoomTimeout with no participant still inside their own window.
func (c RoomClock) RoomExpired(link *Link, participants []*Participant, now time.Time) bool {
	if link.RoomStartTime == nil || link.GroupFormed() {
		return false
	}
	if now.Sub(*link.RoomStartTime) < c.RoomTimeout {
		return false
	}
	for _, p := range participants {
		if p.Status == StatusRedirected {
			return false
		}
		if p.Status == StatusWaiting && !c.IsExpired(p, now) {
			return false
		}
	}
	return true
}

// Sweep marks every waiting participant whose window has elapsed as expired
// and returns how many of the rest still hold a capacity slot. It must run
// inside the link's WithinLink transaction.
func (c RoomClock) Sweep(ctx context.Context, l Ledger, proxyID string, participants []*Participant, now time.Time) (int, error) {
	occupied := 0
	for _, p := range participants {
		if c.IsExpired(p, now) {
			if _, err := l.MarkExpired(ctx, proxyID, p.Fingerprint, now); err != nil {
				return 0, storageError(err)
			}
			continue
		}
		if p.Occupies() {
			occupied++
		}
	}
	return occupied, nil
}
