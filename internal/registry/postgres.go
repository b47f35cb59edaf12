package registry

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/dharsanguruparan/OnceDrop/internal/clock"
	"github.com/dharsanguruparan/OnceDrop/internal/model"
)

// PostgresRegistry persists records in the documents table. Per-code mutual
// exclusion comes from SELECT ... FOR UPDATE inside a transaction; the
// unique index on access_code backs code uniqueness across processes.
type PostgresRegistry struct {
	pool  *pgxpool.Pool
	opts  Options
	codes CodeGenerator
	clock clock.Clock
}

var _ Registry = (*PostgresRegistry)(nil)

// NewPostgresRegistry constructs a registry over an existing pool.
func NewPostgresRegistry(pool *pgxpool.Pool, opts Options, codes CodeGenerator, clk clock.Clock) *PostgresRegistry {
	opts = opts.withDefaults()
	if codes == nil {
		codes = RandomCodes{Digits: opts.CodeDigits}
	}
	if clk == nil {
		clk = clock.Real{}
	}
	return &PostgresRegistry{pool: pool, opts: opts, codes: codes, clock: clk}
}

const recordColumns = `blob_id, access_code, encryption_key, file_name, mime_type, size, state, recipient_name, notes, created_at, expiry_time, cipher`

func (r *PostgresRegistry) Issue(ctx context.Context, draft model.DocumentDraft) (model.DocumentRecord, error) {
	now := r.clock.Now().UTC()
	rec := model.DocumentRecord{
		BlobID:        draft.BlobID,
		FileName:      draft.FileName,
		MimeType:      draft.MimeType,
		Size:          draft.Size,
		CreatedAt:     now,
		ExpiryTime:    now.Add(r.opts.ValidityWindow),
		State:         model.StateActive,
		RecipientName: draft.RecipientName,
		Notes:         draft.Notes,
		Cipher:        draft.Cipher,
	}
	for attempt := 0; attempt < maxIssueAttempts; attempt++ {
		code, err := r.codes.Generate()
		if err != nil {
			return model.DocumentRecord{}, err
		}
		tag, err := r.pool.Exec(ctx, `
			INSERT INTO documents (`+recordColumns+`)
			VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12)
			ON CONFLICT (access_code) DO NOTHING
		`, rec.BlobID, code, []byte(draft.EncryptionKey), rec.FileName, rec.MimeType, rec.Size,
			rec.State, rec.RecipientName, rec.Notes, rec.CreatedAt, rec.ExpiryTime, rec.Cipher)
		if err != nil {
			return model.DocumentRecord{}, fmt.Errorf("insert document: %w", err)
		}
		if tag.RowsAffected() == 0 {
			continue
		}
		rec.AccessCode = code
		return rec, nil
	}
	return model.DocumentRecord{}, fmt.Errorf("%w after %d attempts", ErrCodeSpaceExhausted, maxIssueAttempts)
}

func (r *PostgresRegistry) Consume(ctx context.Context, code string) (model.DocumentRecord, error) {
	var out model.DocumentRecord
	err := r.withLockedRecord(ctx, code, func(tx pgx.Tx, rec *model.DocumentRecord) error {
		if rec.Expired(r.clock.Now()) {
			if rec.State == model.StateActive || rec.State == model.StateConsumed {
				if err := setState(ctx, tx, code, model.StateExpired); err != nil {
					return err
				}
			}
			return ErrExpired
		}
		if rec.State != model.StateActive {
			return ErrAlreadyConsumed
		}
		if err := setState(ctx, tx, code, model.StateConsumed); err != nil {
			return err
		}
		rec.State = model.StateConsumed
		out = *rec
		return nil
	})
	if err != nil {
		return model.DocumentRecord{}, err
	}
	return out, nil
}

func (r *PostgresRegistry) Finalize(ctx context.Context, code string) (model.DocumentRecord, error) {
	var out model.DocumentRecord
	err := r.withLockedRecord(ctx, code, func(tx pgx.Tx, rec *model.DocumentRecord) error {
		switch rec.State {
		case model.StateActive:
			return ErrNotYetConsumed
		case model.StateExpired:
			return ErrExpired
		}
		if _, err := tx.Exec(ctx, `DELETE FROM documents WHERE access_code=$1`, code); err != nil {
			return fmt.Errorf("delete document: %w", err)
		}
		rec.State = model.StateDeleted
		out = rec.WithoutKey()
		return nil
	})
	if err != nil {
		return model.DocumentRecord{}, err
	}
	return out, nil
}

// Withdraw covers an INSERT that committed even though Exec reported an
// error, for example when ctx was cancelled during the round trip.
func (r *PostgresRegistry) Withdraw(ctx context.Context, blobID string) error {
	_, err := r.pool.Exec(ctx, `DELETE FROM documents WHERE blob_id=$1 AND state=$2`, blobID, model.StateActive)
	if err != nil {
		return fmt.Errorf("withdraw document: %w", err)
	}
	return nil
}

func (r *PostgresRegistry) SweepExpired(ctx context.Context, now time.Time) ([]model.DocumentRecord, error) {
	// DELETE takes the same row locks as consume, so a record in the middle
	// of being consumed is swept only after that transaction commits.
	rows, err := r.pool.Query(ctx, `
		DELETE FROM documents WHERE expiry_time < $1
		RETURNING `+recordColumns+`
	`, now.UTC())
	if err != nil {
		return nil, fmt.Errorf("sweep documents: %w", err)
	}
	defer rows.Close()
	var out []model.DocumentRecord
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, err
		}
		rec.EncryptionKey.Wipe()
		rec.State = model.StateExpired
		out = append(out, rec.WithoutKey())
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("sweep documents: %w", err)
	}
	return out, nil
}

// withLockedRecord runs fn against the row for code while holding its row
// lock. fn's error is returned after the transaction is resolved; sentinel
// errors still commit so state changes made alongside them stick.
func (r *PostgresRegistry) withLockedRecord(ctx context.Context, code string, fn func(pgx.Tx, *model.DocumentRecord) error) error {
	tx, err := r.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx) //nolint:errcheck

	row := tx.QueryRow(ctx, `SELECT `+recordColumns+` FROM documents WHERE access_code=$1 FOR UPDATE`, code)
	rec, err := scanRecord(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return ErrInvalidCode
		}
		return err
	}
	fnErr := fn(tx, &rec)
	if fnErr != nil && !isLifecycleError(fnErr) {
		return fnErr
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	return fnErr
}

func isLifecycleError(err error) bool {
	return errors.Is(err, ErrExpired) || errors.Is(err, ErrAlreadyConsumed) || errors.Is(err, ErrNotYetConsumed)
}

// setState transitions a row and drops its key; once a record leaves the
// active state nothing may decrypt its blob through the registry again.
func setState(ctx context.Context, tx pgx.Tx, code string, state model.DocumentState) error {
	_, err := tx.Exec(ctx, `UPDATE documents SET state=$1, encryption_key=NULL WHERE access_code=$2`, state, code)
	if err != nil {
		return fmt.Errorf("update document: %w", err)
	}
	return nil
}

func scanRecord(row pgx.Row) (model.DocumentRecord, error) {
	var (
		rec model.DocumentRecord
		key []byte
	)
	err := row.Scan(&rec.BlobID, &rec.AccessCode, &key, &rec.FileName, &rec.MimeType, &rec.Size,
		&rec.State, &rec.RecipientName, &rec.Notes, &rec.CreatedAt, &rec.ExpiryTime, &rec.Cipher)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return rec, err
		}
		return rec, fmt.Errorf("select document: %w", err)
	}
	rec.EncryptionKey = model.KeyMaterial(key)
	return rec, nil
}
