package triage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	sq "github.com/Masterminds/squirrel"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/ehr/triage/internal/platform/resilience"
)

type queryable interface {
	Query(ctx context.Context, sql string, args ...interface{}) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...interface{}) pgx.Row
	Exec(ctx context.Context, sql string, args ...interface{}) (pgconn.CommandTag, error)
}

var psql = sq.StatementBuilder.PlaceholderFormat(sq.Dollar)

const sessionTable = "triage_session"

const sessionCols = `id, patient_id, state, risk_level, symptoms_reported, transcript,
	result, expired, created_at, last_activity_at, completed_at, version`

type sessionRepoPG struct{ db queryable }

func NewSessionRepoPG(pool *pgxpool.Pool) Repository { return &sessionRepoPG{db: pool} }

func (r *sessionRepoPG) scanSession(row pgx.Row) (*Session, error) {
	var (
		s                    Session
		symptoms, transcript []byte
		result               []byte
		state, risk          string
	)
	if err := row.Scan(&s.ID, &s.PatientID, &state, &risk, &symptoms, &transcript,
		&result, &s.Expired, &s.CreatedAt, &s.LastActivityAt, &s.CompletedAt, &s.Version); err != nil {
		return nil, err
	}
	s.State = State(state)
	s.RiskLevel = RiskLevel(risk)
	if err := json.Unmarshal(symptoms, &s.SymptomsReported); err != nil {
		return nil, fmt.Errorf("decode symptoms_reported: %w", err)
	}
	if err := json.Unmarshal(transcript, &s.Transcript); err != nil {
		return nil, fmt.Errorf("decode transcript: %w", err)
	}
	if len(result) > 0 && string(result) != "null" {
		var res ClassificationResult
		if err := json.Unmarshal(result, &res); err != nil {
			return nil, fmt.Errorf("decode result: %w", err)
		}
		s.Result = &res
	}
	return &s, nil
}

// Save upserts s. A snapshot older than the archived row is dropped, and a
// COMPLETED row is never moved back to ACTIVE, so saves that arrive out of
// order cannot regress history.
func (r *sessionRepoPG) Save(ctx context.Context, s *Session) error {
	symptoms, err := json.Marshal(s.SymptomsReported)
	if err != nil {
		return fmt.Errorf("encode symptoms_reported: %w", err)
	}
	transcript, err := json.Marshal(s.Transcript)
	if err != nil {
		return fmt.Errorf("encode transcript: %w", err)
	}
	var result []byte
	if s.Result != nil {
		if result, err = json.Marshal(s.Result); err != nil {
			return fmt.Errorf("encode result: %w", err)
		}
	}

	query, args, err := psql.Insert(sessionTable).
		Columns("id", "patient_id", "state", "risk_level", "symptoms_reported", "transcript",
			"result", "expired", "created_at", "last_activity_at", "completed_at", "version").
		Values(s.ID, s.PatientID, string(s.State), string(s.RiskLevel), symptoms, transcript,
			result, s.Expired, s.CreatedAt, s.LastActivityAt, s.CompletedAt, s.Version).
		Suffix(`ON CONFLICT (id) DO UPDATE SET
			state = EXCLUDED.state,
			risk_level = EXCLUDED.risk_level,
			symptoms_reported = EXCLUDED.symptoms_reported,
			transcript = EXCLUDED.transcript,
			result = EXCLUDED.result,
			expired = EXCLUDED.expired,
			last_activity_at = EXCLUDED.last_activity_at,
			completed_at = EXCLUDED.completed_at,
			version = EXCLUDED.version
		WHERE triage_session.version < EXCLUDED.version
			AND (triage_session.state = 'ACTIVE' OR EXCLUDED.state = 'COMPLETED')`).
		ToSql()
	if err != nil {
		return fmt.Errorf("build save query: %w", err)
	}
	if _, err := r.db.Exec(ctx, query, args...); err != nil {
		return fmt.Errorf("save triage session %s: %w", s.ID, err)
	}
	return nil
}

func (r *sessionRepoPG) ListByPatient(ctx context.Context, patientID uuid.UUID, filter HistoryFilter, limit, offset int) ([]*Session, int, error) {
	where := sq.And{sq.Eq{"patient_id": patientID}}
	if filter.State != "" {
		where = append(where, sq.Eq{"state": string(filter.State)})
	}
	if filter.RiskLevel != "" {
		where = append(where, sq.Eq{"risk_level": string(filter.RiskLevel)})
	}

	countSQL, countArgs, err := psql.Select("COUNT(*)").From(sessionTable).Where(where).ToSql()
	if err != nil {
		return nil, 0, fmt.Errorf("build count query: %w", err)
	}
	var total int
	if err := r.db.QueryRow(ctx, countSQL, countArgs...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("count triage sessions: %w", err)
	}

	list := psql.Select(sessionCols).From(sessionTable).Where(where).
		OrderBy("created_at DESC", "id DESC").
		Offset(uint64(offset))
	if limit > 0 {
		list = list.Limit(uint64(limit))
	}
	listSQL, listArgs, err := list.ToSql()
	if err != nil {
		return nil, 0, fmt.Errorf("build list query: %w", err)
	}
	rows, err := r.db.Query(ctx, listSQL, listArgs...)
	if err != nil {
		return nil, 0, fmt.Errorf("list triage sessions: %w", err)
	}
	defer rows.Close()

	items := []*Session{}
	for rows.Next() {
		s, err := r.scanSession(rows)
		if err != nil {
			return nil, 0, err
		}
		items = append(items, s)
	}
	if err := rows.Err(); err != nil {
		return nil, 0, err
	}
	return items, total, nil
}

func (r *sessionRepoPG) ExpireStale(ctx context.Context, cutoff time.Time) (int64, error) {
	query, args, err := psql.Update(sessionTable).
		Set("state", string(StateCompleted)).
		Set("risk_level", string(RiskUnknown)).
		Set("expired", true).
		Set("completed_at", sq.Expr("NOW()")).
		Where(sq.Eq{"state": string(StateActive)}).
		Where(sq.Lt{"last_activity_at": cutoff}).
		ToSql()
	if err != nil {
		return 0, fmt.Errorf("build expire query: %w", err)
	}
	tag, err := r.db.Exec(ctx, query, args...)
	if err != nil {
		return 0, fmt.Errorf("expire stale triage sessions: %w", err)
	}
	return tag.RowsAffected(), nil
}

// classifyArchiveError retries connection-level failures. Errors reported by
// the server itself are deterministic and neither retried nor counted
// against the breaker.
func classifyArchiveError(err error) resilience.ErrorClassification {
	if err == nil || resilience.IsContextError(err) || resilience.IsCircuitOpen(err) {
		return resilience.ErrorClassification{}
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return resilience.ErrorClassification{}
	}
	return resilience.ErrorClassification{Retryable: true, RecordFailure: true}
}
