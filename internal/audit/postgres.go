package audit

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/dharsanguruparan/OnceDrop/internal/model"
)

// PostgresLog appends events to the audit_events table. The table rejects
// updates and deletes at the database level.
type PostgresLog struct {
	pool *pgxpool.Pool
}

func NewPostgresLog(pool *pgxpool.Pool) *PostgresLog {
	return &PostgresLog{pool: pool}
}

func (l *PostgresLog) Record(ctx context.Context, e model.AuditEvent) error {
	meta := e.Metadata
	if meta == nil {
		meta = map[string]string{}
	}
	raw, err := json.Marshal(meta)
	if err != nil {
		return fmt.Errorf("marshal audit metadata: %w", err)
	}
	_, err = l.pool.Exec(ctx, `
		INSERT INTO audit_events (id, occurred_at, action, access_code, blob_id, metadata, prev_signature, signature)
		VALUES ($1,$2,$3,$4,$5,$6::jsonb,$7,$8)
	`, e.ID, e.Timestamp, string(e.Action), e.AccessCode, e.BlobID, string(raw), e.PrevSignature, e.Signature)
	if err != nil {
		return fmt.Errorf("insert audit event: %w", err)
	}
	return nil
}
