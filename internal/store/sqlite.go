package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"iter"
	"log/slog"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"

	"github.com/3liz/qgswps/internal/model"
)

// SQLite keeps jobs in a single database file. A single connection
// serializes every transaction.
type SQLite struct {
	db *sql.DB
}

func OpenSQLite(ctx context.Context, path string) (*SQLite, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(1)

	_, err = db.ExecContext(ctx,
		`CREATE TABLE IF NOT EXISTS jobs (
			uuid TEXT PRIMARY KEY,
			record TEXT NOT NULL,
			request BLOB DEFAULT NULL,
			response BLOB DEFAULT NULL
		)`,
	)
	if err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("creating jobs table: %w", err)
	}
	_, err = db.ExecContext(ctx,
		`CREATE TABLE IF NOT EXISTS tokens (
			token TEXT PRIMARY KEY,
			value TEXT NOT NULL,
			expire_at INTEGER NOT NULL
		)`,
	)
	if err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("creating tokens table: %w", err)
	}
	return &SQLite{db: db}, nil
}

func rollback(ctx context.Context, tx *sql.Tx, id string) {
	if err := tx.Rollback(); err != nil && !errors.Is(err, sql.ErrTxDone) {
		slog.ErrorContext(ctx, "rollback failed", "job_id", id, "error", err)
	}
}

func selectRecord(ctx context.Context, tx *sql.Tx, id string) (*model.JobRecord, error) {
	var raw string
	err := tx.QueryRowContext(ctx, `SELECT record FROM jobs WHERE uuid=?`, id).Scan(&raw)
	switch {
	case errors.Is(err, sql.ErrNoRows):
		return nil, nil
	case err != nil:
		return nil, fmt.Errorf("executing sql query failed: %w", err)
	}
	var rec model.JobRecord
	if err := json.Unmarshal([]byte(raw), &rec); err != nil {
		return nil, fmt.Errorf("decoding record %s: %w", id, err)
	}
	return &rec, nil
}

func upsertRecord(ctx context.Context, tx *sql.Tx, rec model.JobRecord) error {
	raw, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("encoding record: %w", err)
	}
	_, err = tx.ExecContext(ctx,
		`INSERT INTO jobs (uuid, record) VALUES (?, ?)
		ON CONFLICT(uuid) DO UPDATE SET record=excluded.record`,
		rec.UUID, string(raw),
	)
	if err != nil {
		return fmt.Errorf("executing sql upsert failed: %w", err)
	}
	return nil
}

func (s *SQLite) LogRequest(ctx context.Context, id string, req model.JobRequest) (model.JobRecord, error) {
	rec := newRecord(id, req, time.Now().UTC())
	raw, err := json.Marshal(rec)
	if err != nil {
		return rec, fmt.Errorf("encoding record: %w", err)
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO jobs (uuid, record, request, response) VALUES (?, ?, ?, NULL)
		ON CONFLICT(uuid) DO UPDATE SET record=excluded.record, request=excluded.request, response=NULL`,
		id, string(raw), req.Body,
	)
	if err != nil {
		return rec, fmt.Errorf("executing sql insert failed: %w", err)
	}
	return rec, nil
}

func (s *SQLite) UpdateResponse(ctx context.Context, id string, upd model.StatusUpdate) (model.JobRecord, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return model.JobRecord{}, err
	}
	defer rollback(ctx, tx, id)

	current, err := selectRecord(ctx, tx, id)
	if err != nil {
		return model.JobRecord{}, err
	}
	rec, err := apply(ctx, id, current, upd)
	if err != nil {
		return rec, err
	}
	if err := upsertRecord(ctx, tx, rec); err != nil {
		return rec, err
	}
	if err := tx.Commit(); err != nil {
		return rec, fmt.Errorf("committing transaction failed: %w", err)
	}
	return rec, nil
}

func (s *SQLite) WriteResponse(ctx context.Context, id string, body []byte) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer rollback(ctx, tx, id)

	current, err := selectRecord(ctx, tx, id)
	if err != nil {
		return err
	}
	if err := writable(id, current); err != nil {
		return err
	}
	if current != nil {
		if _, err := tx.ExecContext(ctx, `UPDATE jobs SET response=? WHERE uuid=?`, body, id); err != nil {
			return fmt.Errorf("executing sql update failed: %w", err)
		}
	} else {
		slog.WarnContext(ctx, "writing response of a job without record: creating it", "job_id", id)
		raw, err := json.Marshal(newRecord(id, model.JobRequest{}, time.Now().UTC()))
		if err != nil {
			return fmt.Errorf("encoding record: %w", err)
		}
		_, err = tx.ExecContext(ctx,
			`INSERT INTO jobs (uuid, record, response) VALUES (?, ?, ?)`, id, string(raw), body)
		if err != nil {
			return fmt.Errorf("executing sql insert failed: %w", err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("committing transaction failed: %w", err)
	}
	return nil
}

func (s *SQLite) GetStatus(ctx context.Context, id string) (*model.JobRecord, error) {
	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{ReadOnly: true})
	if err != nil {
		return nil, err
	}
	defer rollback(ctx, tx, id)
	return selectRecord(ctx, tx, id)
}

func (s *SQLite) ListStatus(ctx context.Context) ([]model.JobRecord, error) {
	return collect(ctx, s)
}

func (s *SQLite) blob(ctx context.Context, column, id string) ([]byte, error) {
	var b []byte
	err := s.db.QueryRowContext(ctx, `SELECT `+column+` FROM jobs WHERE uuid=?`, id).Scan(&b)
	switch {
	case errors.Is(err, sql.ErrNoRows):
		return nil, nil
	case err != nil:
		return nil, fmt.Errorf("executing sql query failed: %w", err)
	}
	return b, nil
}

func (s *SQLite) GetRequest(ctx context.Context, id string) ([]byte, error) {
	return s.blob(ctx, "request", id)
}

func (s *SQLite) GetResults(ctx context.Context, id string) ([]byte, error) {
	return s.blob(ctx, "response", id)
}

func (s *SQLite) DeleteResponse(ctx context.Context, id string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM jobs WHERE uuid=?`, id); err != nil {
		return fmt.Errorf("executing sql delete failed: %w", err)
	}
	return nil
}

func (s *SQLite) PinResponse(ctx context.Context, id string, value bool) (model.JobRecord, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return model.JobRecord{}, err
	}
	defer rollback(ctx, tx, id)

	current, err := selectRecord(ctx, tx, id)
	if err != nil {
		return model.JobRecord{}, err
	}
	if current == nil {
		return model.JobRecord{}, fmt.Errorf("pinning %s: %w", id, ErrNotFound)
	}
	rec, err := pin(*current, value)
	if err != nil {
		return rec, err
	}
	if err := upsertRecord(ctx, tx, rec); err != nil {
		return rec, err
	}
	if err := tx.Commit(); err != nil {
		return rec, fmt.Errorf("committing transaction failed: %w", err)
	}
	return rec, nil
}

func (s *SQLite) SetJSON(ctx context.Context, value any, ttl time.Duration) (string, error) {
	b, err := json.Marshal(value)
	if err != nil {
		return "", fmt.Errorf("encoding token value: %w", err)
	}
	token := uuid.NewString()
	now := time.Now()
	// expired tokens are swept on insert
	if _, err := s.db.ExecContext(ctx, `DELETE FROM tokens WHERE expire_at <= ?`, now.UnixMilli()); err != nil {
		return "", fmt.Errorf("executing sql delete failed: %w", err)
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO tokens (token, value, expire_at) VALUES (?, ?, ?)`,
		token, string(b), now.Add(ttl).UnixMilli(),
	)
	if err != nil {
		return "", fmt.Errorf("executing sql insert failed: %w", err)
	}
	return token, nil
}

func (s *SQLite) GetJSON(ctx context.Context, token string, dst any) (bool, error) {
	var raw string
	err := s.db.QueryRowContext(ctx,
		`SELECT value FROM tokens WHERE token=? AND expire_at > ?`, token, time.Now().UnixMilli(),
	).Scan(&raw)
	switch {
	case errors.Is(err, sql.ErrNoRows):
		return false, nil
	case err != nil:
		return false, fmt.Errorf("executing sql query failed: %w", err)
	}
	if err := json.Unmarshal([]byte(raw), dst); err != nil {
		return false, fmt.Errorf("decoding token value: %w", err)
	}
	return true, nil
}

// Records reads every record up front: the single connection must be free
// for callers deleting while they range.
func (s *SQLite) Records(ctx context.Context) iter.Seq2[model.JobRecord, error] {
	return func(yield func(model.JobRecord, error) bool) {
		rows, err := s.db.QueryContext(ctx, `SELECT uuid, record FROM jobs ORDER BY uuid`)
		if err != nil {
			yield(model.JobRecord{}, fmt.Errorf("executing sql query failed: %w", err))
			return
		}
		var recs []model.JobRecord
		var errs []error
		for rows.Next() {
			var id, raw string
			if err := rows.Scan(&id, &raw); err != nil {
				errs = append(errs, err)
				continue
			}
			var rec model.JobRecord
			if err := json.Unmarshal([]byte(raw), &rec); err != nil {
				errs = append(errs, fmt.Errorf("decoding record %s: %w", id, err))
				continue
			}
			recs = append(recs, rec)
		}
		if err := rows.Err(); err != nil {
			errs = append(errs, err)
		}
		_ = rows.Close()

		for _, rec := range recs {
			if !yield(rec, nil) {
				return
			}
		}
		if len(errs) > 0 {
			yield(model.JobRecord{}, errors.Join(errs...))
		}
	}
}

func (s *SQLite) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

func (s *SQLite) Close() error {
	return s.db.Close()
}
