package ledger

import (
	"context"
	"time"

	"github.com/jackc/pgx/v5"
)

// IntentRepo is the reconciliation outbox: an intent is written before an external side
// effect and closed once the ledger reflects it.
type IntentRepo struct{ DB DB }

const intentColumns = `id, kind, subject_id, reference, amount_cents, status, attempts, payload, result,
	last_error, created_at, updated_at`

// openIntentIndex allows one pending or processor_succeeded intent per (kind, subject_id).
const openIntentIndex = "reconciliation_intents_one_open_idx"

// CreateIntent records a pending intent. ErrConflict when an intent of the same kind is
// still open for the subject.
func (r *IntentRepo) CreateIntent(ctx context.Context, in *Intent) error {
	_, err := r.DB.Exec(ctx, `
		INSERT INTO reconciliation_intents (id, kind, subject_id, reference, amount_cents, status,
			attempts, payload, created_at, updated_at)
		VALUES ($1,$2,$3,$4,$5,$6,0,$7,$8,$8)`,
		in.ID, string(in.Kind), in.SubjectID, in.Reference, in.Amount, string(IntentPending),
		nullJSON(in.Payload), in.CreatedAt)
	if uniqueViolation(err, openIntentIndex) {
		return ErrConflict
	}
	return err
}

func (r *IntentRepo) GetIntent(ctx context.Context, id string) (*Intent, error) {
	in, err := scanIntent(r.DB.QueryRow(ctx,
		`SELECT `+intentColumns+` FROM reconciliation_intents WHERE id=$1`, id))
	if err != nil {
		return nil, notFound(err)
	}
	return in, nil
}

// MarkIntent moves an open intent to status, storing result when non-empty.
func (r *IntentRepo) MarkIntent(ctx context.Context, id string, status IntentStatus, result []byte, lastErr string) error {
	ct, err := r.DB.Exec(ctx, `
		UPDATE reconciliation_intents
		SET status=$2, result=COALESCE($3, result), last_error=$4, updated_at=now()
		WHERE id=$1 AND status IN ('pending','processor_succeeded')`,
		id, string(status), nullJSON(result), nullString(lastErr))
	if err != nil {
		return err
	}
	if ct.RowsAffected() == 0 {
		return ErrConflict
	}
	return nil
}

// RecordAttempt bumps attempts after a failed resolution and returns the new count.
func (r *IntentRepo) RecordAttempt(ctx context.Context, id, lastErr string) (int, error) {
	var n int
	err := r.DB.QueryRow(ctx, `
		UPDATE reconciliation_intents
		SET attempts=attempts+1, last_error=$2, updated_at=now()
		WHERE id=$1 RETURNING attempts`, id, lastErr).Scan(&n)
	return n, notFound(err)
}

// ListOpenIntents returns intents needing the sweeper: every processor_succeeded intent and
// pending intents untouched since olderThan.
func (r *IntentRepo) ListOpenIntents(ctx context.Context, olderThan time.Time, limit int) ([]Intent, error) {
	rows, err := r.DB.Query(ctx, `
		SELECT `+intentColumns+` FROM reconciliation_intents
		WHERE status='processor_succeeded' OR (status='pending' AND updated_at < $1)
		ORDER BY created_at
		LIMIT $2`, olderThan, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Intent
	for rows.Next() {
		in, err := scanIntent(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *in)
	}
	return out, rows.Err()
}

func scanIntent(row pgx.Row) (*Intent, error) {
	var (
		in              Intent
		kind, status    string
		payload, result []byte
		lastErr         *string
	)
	err := row.Scan(&in.ID, &kind, &in.SubjectID, &in.Reference, &in.Amount, &status, &in.Attempts,
		&payload, &result, &lastErr, &in.CreatedAt, &in.UpdatedAt)
	if err != nil {
		return nil, err
	}
	in.Kind, in.Status = IntentKind(kind), IntentStatus(status)
	in.Payload, in.Result, in.LastError = payload, result, deref(lastErr)
	return &in, nil
}
