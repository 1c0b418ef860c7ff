package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/lobby-research/lobby/internal/services"
)

// ledger implements services.Ledger over either the pool or one transaction.
type ledger struct {
	q querier
}

func (l *ledger) GetLink(ctx context.Context, proxyID string) (*services.Link, error) {
	link, err := scanLink(l.q.QueryRowContext(ctx, `SELECT `+linkColumns+` FROM links WHERE proxy_id = ?`, proxyID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get link %s: %w", proxyID, err)
	}
	return link, nil
}

func (l *ledger) UpdateLink(ctx context.Context, link *services.Link) (bool, error) {
	res, err := l.q.ExecContext(ctx, `UPDATE links SET destination_url = ?, group_name = ?, category = ?, treatment_title = ?,
		capacity = ?, post_experiment_redirect_url = ?, updated_at = ? WHERE proxy_id = ?`,
		link.DestinationURL, link.GroupName, string(link.Category), link.TreatmentTitle, link.Capacity,
		toNullString(link.PostExperimentRedirectURL), formatTime(link.UpdatedAt), link.ProxyID)
	ok, err := affected(res, err)
	if err != nil {
		return false, fmt.Errorf("update link %s: %w", link.ProxyID, err)
	}
	return ok, nil
}

func (l *ledger) GetActiveLink(ctx context.Context, proxyID string) (*services.Link, error) {
	link, err := l.GetLink(ctx, proxyID)
	if err != nil || link == nil || !link.IsActive {
		return nil, err
	}
	return link, nil
}

// EnsureRoomStarted sets room_start_time only when it is still unset and
// returns whichever value is stored afterwards.
func (l *ledger) EnsureRoomStarted(ctx context.Context, proxyID string, now time.Time) (time.Time, error) {
	if _, err := l.q.ExecContext(ctx, `UPDATE links SET room_start_time = ? WHERE proxy_id = ? AND room_start_time IS NULL`,
		formatTime(now), proxyID); err != nil {
		return time.Time{}, fmt.Errorf("start room %s: %w", proxyID, err)
	}
	var started sql.NullString
	err := l.q.QueryRowContext(ctx, `SELECT room_start_time FROM links WHERE proxy_id = ?`, proxyID).Scan(&started)
	if errors.Is(err, sql.ErrNoRows) {
		return time.Time{}, services.NewLinkNotFoundError()
	}
	if err != nil {
		return time.Time{}, fmt.Errorf("read room start %s: %w", proxyID, err)
	}
	if t := parseNullTime(started); t != nil {
		return *t, nil
	}
	return now, nil
}

const participantColumns = `proxy_id, fingerprint, participant_number, gender, status, joined_at,
	group_session_id, redirected_at, expired_at`

func scanParticipant(rs rowScanner) (*services.Participant, error) {
	var (
		p                                 services.Participant
		number                            int64
		status, joinedAt                  string
		gender, gsid, redirected, expired sql.NullString
	)
	if err := rs.Scan(&p.ProxyID, &p.Fingerprint, &number, &gender, &status, &joinedAt,
		&gsid, &redirected, &expired); err != nil {
		return nil, err
	}
	p.ParticipantNumber = int(number)
	p.Gender = services.Gender(gender.String)
	p.Status = services.ParticipantStatus(status)
	p.JoinedAt = parseTime(joinedAt)
	p.GroupSessionID = gsid.String
	p.RedirectedAt = parseNullTime(redirected)
	p.ExpiredAt = parseNullTime(expired)
	return &p, nil
}

func (l *ledger) FindParticipant(ctx context.Context, proxyID, fingerprint string) (*services.Participant, error) {
	p, err := scanParticipant(l.q.QueryRowContext(ctx,
		`SELECT `+participantColumns+` FROM participants WHERE proxy_id = ? AND fingerprint = ?`, proxyID, fingerprint))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("find participant %s: %w", proxyID, err)
	}
	return p, nil
}

func (l *ledger) ListParticipants(ctx context.Context, proxyID string) ([]*services.Participant, error) {
	return l.queryParticipants(ctx, `SELECT `+participantColumns+` FROM participants
		WHERE proxy_id = ? ORDER BY participant_number ASC, joined_at ASC`, proxyID)
}

func (l *ledger) ListByStatus(ctx context.Context, proxyID string, status services.ParticipantStatus) ([]*services.Participant, error) {
	return l.queryParticipants(ctx, `SELECT `+participantColumns+` FROM participants
		WHERE proxy_id = ? AND status = ? ORDER BY participant_number ASC, joined_at ASC`, proxyID, string(status))
}

func (l *ledger) queryParticipants(ctx context.Context, query string, args ...any) ([]*services.Participant, error) {
	rows, err := l.q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list participants: %w", err)
	}
	defer func() {
		if cerr := rows.Close(); cerr != nil {
			logErr("queryParticipants: rows.Close", cerr)
		}
	}()
	out := []*services.Participant{}
	for rows.Next() {
		p, err := scanParticipant(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

func (l *ledger) CountNonExpired(ctx context.Context, proxyID string) (int, error) {
	var n int
	err := l.q.QueryRowContext(ctx, `SELECT COUNT(*) FROM participants WHERE proxy_id = ? AND status != 'expired'`, proxyID).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count participants %s: %w", proxyID, err)
	}
	return n, nil
}

func (l *ledger) RecordArrival(ctx context.Context, p *services.Participant) error {
	_, err := l.q.ExecContext(ctx, `INSERT INTO participants (`+participantColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		p.ProxyID, p.Fingerprint, p.ParticipantNumber, toNullString(string(p.Gender)), string(p.Status), formatTime(p.JoinedAt),
		toNullString(p.GroupSessionID), toNullTime(p.RedirectedAt), toNullTime(p.ExpiredAt))
	if isUniqueViolation(err) {
		return fmt.Errorf("record arrival %s: %w", p.ProxyID, services.ErrDuplicateFingerprint)
	}
	if err != nil {
		return fmt.Errorf("record arrival %s: %w", p.ProxyID, err)
	}
	return nil
}

// MarkGroupRedirected claims the link's group marker first; losing that
// compare-and-set means another writer already formed the group.
func (l *ledger) MarkGroupRedirected(ctx context.Context, proxyID string, fingerprints []string, groupSessionID string, at time.Time) error {
	ts := formatTime(at)
	res, err := l.q.ExecContext(ctx, `UPDATE links SET group_session_id = ?, group_formed_at = ?
		WHERE proxy_id = ? AND group_session_id IS NULL`, groupSessionID, ts, proxyID)
	claimed, err := affected(res, err)
	if err != nil {
		return fmt.Errorf("claim group %s: %w", proxyID, err)
	}
	if !claimed {
		link, err := l.GetLink(ctx, proxyID)
		if err != nil {
			return err
		}
		if link == nil {
			return services.NewLinkNotFoundError()
		}
		return services.ErrGroupAlreadyFormed
	}
	for _, fp := range fingerprints {
		res, err := l.q.ExecContext(ctx, `UPDATE participants SET status = 'redirected', group_session_id = ?, redirected_at = ?
			WHERE proxy_id = ? AND fingerprint = ? AND status != 'expired'`, groupSessionID, ts, proxyID, fp)
		ok, err := affected(res, err)
		if err != nil {
			return fmt.Errorf("redirect participant %s: %w", proxyID, err)
		}
		if !ok {
			return fmt.Errorf("mark redirected: participant %q not eligible", fp)
		}
	}
	return nil
}

func (l *ledger) MarkExpired(ctx context.Context, proxyID, fingerprint string, at time.Time) (bool, error) {
	res, err := l.q.ExecContext(ctx, `UPDATE participants SET status = 'expired', expired_at = ?
		WHERE proxy_id = ? AND fingerprint = ? AND status = 'waiting'`, formatTime(at), proxyID, fingerprint)
	ok, err := affected(res, err)
	if err != nil {
		return false, fmt.Errorf("expire participant %s: %w", proxyID, err)
	}
	return ok, nil
}
