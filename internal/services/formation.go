package services

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
)

// FormationResult reports the outcome of one capacity evaluation.
type FormationResult struct {
	Complete       bool
	GroupSessionID string
	Members        []string
}

// GroupFormationEngine closes a link's group once capacity participants
// hold a slot. A link forms exactly one group; admission is capacity-gated
// upstream so there is never a surplus to choose from.
type GroupFormationEngine struct {
	idGen func() string
}

func NewGroupFormationEngine() *GroupFormationEngine {
	return &GroupFormationEngine{idGen: uuid.NewString}
}

// EvaluateAndMaybeForm must run inside the link's WithinLink transaction.
func (e *GroupFormationEngine) EvaluateAndMaybeForm(ctx context.Context, l Ledger, link *Link, now time.Time) (*FormationResult, error) {
	waiting, err := l.ListByStatus(ctx, link.ProxyID, StatusWaiting)
	if err != nil {
		return nil, storageError(err)
	}
	redirected, err := l.ListByStatus(ctx, link.ProxyID, StatusRedirected)
	if err != nil {
		return nil, storageError(err)
	}
	if len(waiting)+len(redirected) < link.Capacity {
		return &FormationResult{Complete: false}, nil
	}
	if len(waiting) == 0 {
		// already formed; nothing left to move
		return &FormationResult{Complete: true, GroupSessionID: link.GroupSessionID}, nil
	}

	members := make([]string, 0, len(waiting)+len(redirected))
	for _, p := range redirected {
		members = append(members, p.Fingerprint)
	}
	for _, p := range waiting {
		members = append(members, p.Fingerprint)
	}
	groupSessionID := e.idGen()
	if err := l.MarkGroupRedirected(ctx, link.ProxyID, members, groupSessionID, now); err != nil {
		if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
			return nil, NewStorageUnavailableError(err)
		}
		log.Error().Err(err).
			Str("module", "services.formation").
			Str("alarm", "group_formation").
			Str("proxy_id", link.ProxyID).
			Int("members", len(members)).
			Msg("group formation failed")
		return nil, NewGroupFormationFailedError(err)
	}
	log.Info().
		Str("module", "services.formation").
		Str("proxy_id", link.ProxyID).
		Str("group_session_id", groupSessionID).
		Int("members", len(members)).
		Msg("group formed")
	return &FormationResult{Complete: true, GroupSessionID: groupSessionID, Members: members}, nil
}
