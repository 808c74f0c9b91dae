package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"

	"github.com/kirillkom/invoice-pipeline/internal/core/domain"
)

// OutcomeRepository stores the terminal state of every item of a job.
type OutcomeRepository struct {
	db  *sql.DB
	now func() time.Time
}

func NewOutcomeRepository(db *sql.DB) *OutcomeRepository {
	return &OutcomeRepository{db: db, now: time.Now}
}

func OpenDB(dsn string) (*sql.DB, error) {
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, fmt.Errorf("sql open: %w", err)
	}
	db.SetMaxOpenConns(10)
	db.SetMaxIdleConns(10)
	db.SetConnMaxLifetime(30 * time.Minute)

	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("db ping: %w", err)
	}
	return db, nil
}

func (r *OutcomeRepository) EnsureSchema(ctx context.Context) error {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin schema tx: %w", err)
	}
	defer func() {
		_ = tx.Rollback()
	}()

	// Serialize bootstrap DDL across api/worker startups.
	if _, err := tx.ExecContext(ctx, `SELECT pg_advisory_xact_lock($1)`, int64(2026101701)); err != nil {
		return fmt.Errorf("acquire schema lock: %w", err)
	}

	const query = `
CREATE TABLE IF NOT EXISTS invoice_outcomes (
	job_id TEXT NOT NULL,
	seq INTEGER NOT NULL,
	file_ref TEXT NOT NULL,
	file_name TEXT NOT NULL,
	status TEXT NOT NULL,
	stage TEXT NOT NULL,
	batch_number INTEGER NOT NULL,
	data JSONB,
	error_message TEXT,
	recorded_at TIMESTAMPTZ NOT NULL,
	PRIMARY KEY (job_id, seq)
);

CREATE INDEX IF NOT EXISTS idx_invoice_outcomes_status ON invoice_outcomes(status);
CREATE INDEX IF NOT EXISTS idx_invoice_outcomes_recorded_at ON invoice_outcomes(recorded_at DESC);
`
	if _, err := tx.ExecContext(ctx, query); err != nil {
		return fmt.Errorf("execute schema ddl: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit schema tx: %w", err)
	}
	return nil
}

// RecordOutcomes replaces the stored outcomes of every job present in
// outcomes. Input order is kept through the seq column.
func (r *OutcomeRepository) RecordOutcomes(ctx context.Context, outcomes []domain.Outcome) error {
	if len(outcomes) == 0 {
		return nil
	}

	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin outcomes tx: %w", err)
	}
	defer func() {
		_ = tx.Rollback()
	}()

	cleared := make(map[string]bool)
	recordedAt := r.now().UTC()
	for i, o := range outcomes {
		if !cleared[o.JobID] {
			if _, err := tx.ExecContext(ctx, `DELETE FROM invoice_outcomes WHERE job_id = $1`, o.JobID); err != nil {
				return fmt.Errorf("delete previous outcomes: %w", err)
			}
			cleared[o.JobID] = true
		}

		var data []byte
		if o.Data != nil {
			data, err = json.Marshal(o.Data)
			if err != nil {
				return fmt.Errorf("marshal outcome data: %w", err)
			}
		}

		_, err = tx.ExecContext(ctx, `
INSERT INTO invoice_outcomes (
	job_id, seq, file_ref, file_name, status, stage, batch_number, data, error_message, recorded_at
) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10)
`,
			o.JobID, i, o.FileRef, o.FileName, string(o.Status), string(o.Stage), o.BatchNumber,
			nullableJSON(data), nullableString(o.Error), recordedAt,
		)
		if err != nil {
			return fmt.Errorf("insert outcome: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit outcomes tx: %w", err)
	}
	return nil
}

func (r *OutcomeRepository) ListOutcomes(ctx context.Context, jobID string) ([]domain.Outcome, error) {
	rows, err := r.db.QueryContext(ctx, `
SELECT job_id, file_ref, file_name, status, stage, batch_number, data, error_message
FROM invoice_outcomes
WHERE job_id = $1
ORDER BY seq
`, jobID)
	if err != nil {
		return nil, fmt.Errorf("query outcomes: %w", err)
	}
	defer rows.Close()

	out := make([]domain.Outcome, 0)
	for rows.Next() {
		var (
			o       domain.Outcome
			status  string
			stage   string
			data    []byte
			errText sql.NullString
		)
		if err := rows.Scan(&o.JobID, &o.FileRef, &o.FileName, &status, &stage, &o.BatchNumber, &data, &errText); err != nil {
			return nil, fmt.Errorf("scan outcome: %w", err)
		}
		o.Status = domain.ItemStatus(status)
		o.Stage = domain.Stage(stage)
		o.Error = errText.String
		if len(data) > 0 {
			var rec domain.InvoiceRecord
			if err := json.Unmarshal(data, &rec); err != nil {
				return nil, fmt.Errorf("unmarshal outcome data: %w", err)
			}
			o.Data = &rec
		}
		out = append(out, o)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate outcomes: %w", err)
	}
	if len(out) == 0 {
		return nil, domain.WrapError(domain.ErrJobNotFound, "list outcomes", fmt.Errorf("job %q", jobID))
	}
	return out, nil
}

func nullableJSON(data []byte) any {
	if len(data) == 0 {
		return nil
	}
	return data
}

func nullableString(s string) any {
	if s == "" {
		return nil
	}
	return s
}
