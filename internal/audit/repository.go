package audit

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgtype"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/odyssey-erp/odyssey-access/internal/rbac"
)

// ErrDuplicateEntry dikembalikan ketika id entri sudah pernah ditulis.
var ErrDuplicateEntry = errors.New("audit: duplicate entry id")

// ListParams adalah parameter query timeline.
type ListParams struct {
	SubjectUserID pgtype.Int8
	ActingUserID  pgtype.Int8
	EntryType     pgtype.Text
	FromAt        pgtype.Timestamptz
	ToAt          pgtype.Timestamptz
	OffsetRows    int32
	LimitRows     int32
}

// Repository menyediakan akses ke tabel access_audit_log.
type Repository interface {
	InsertEntry(ctx context.Context, entry rbac.AuditEntry) error
	ListEntries(ctx context.Context, arg ListParams) ([]rbac.AuditEntry, error)
}

type dbtx interface {
	Exec(context.Context, string, ...interface{}) (pgconn.CommandTag, error)
	Query(context.Context, string, ...interface{}) (pgx.Rows, error)
}

// PGRepository menyimpan entri audit di PostgreSQL.
type PGRepository struct {
	db dbtx
}

// NewRepository membuat repository berbasis pool.
func NewRepository(pool *pgxpool.Pool) *PGRepository {
	return &PGRepository{db: pool}
}

// WithTx mengikat repository ke transaksi yang sedang berjalan.
func (r *PGRepository) WithTx(tx pgx.Tx) *PGRepository {
	return &PGRepository{db: tx}
}

const insertEntry = `INSERT INTO access_audit_log
	(id, entry_type, subject_user_id, acting_user_id, before_state, after_state, reason, occurred_at)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`

// InsertEntry menulis satu entri. Entri tidak pernah diubah atau dihapus.
func (r *PGRepository) InsertEntry(ctx context.Context, entry rbac.AuditEntry) error {
	before, err := json.Marshal(entry.Before)
	if err != nil {
		return fmt.Errorf("audit: encode before: %w", err)
	}
	after, err := json.Marshal(entry.After)
	if err != nil {
		return fmt.Errorf("audit: encode after: %w", err)
	}
	_, err = r.db.Exec(ctx, insertEntry,
		entry.ID, string(entry.Type), entry.SubjectUserID, entry.ActingUserID,
		before, after, optionalText(entry.Reason), entry.Timestamp)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			return fmt.Errorf("%w: %s", ErrDuplicateEntry, entry.ID)
		}
		return fmt.Errorf("audit: insert entry: %w", err)
	}
	return nil
}

const listEntries = `SELECT id, entry_type, subject_user_id, acting_user_id, before_state, after_state, reason, occurred_at
FROM access_audit_log
WHERE ($1::bigint IS NULL OR subject_user_id = $1)
  AND ($2::bigint IS NULL OR acting_user_id = $2)
  AND ($3::text IS NULL OR entry_type = $3)
  AND ($4::timestamptz IS NULL OR occurred_at >= $4)
  AND ($5::timestamptz IS NULL OR occurred_at <= $5)
ORDER BY occurred_at DESC, id DESC
OFFSET $6 LIMIT $7`

// ListEntries mengambil entri terbaru lebih dulu.
func (r *PGRepository) ListEntries(ctx context.Context, arg ListParams) ([]rbac.AuditEntry, error) {
	rows, err := r.db.Query(ctx, listEntries,
		arg.SubjectUserID, arg.ActingUserID, arg.EntryType, arg.FromAt, arg.ToAt, arg.OffsetRows, arg.LimitRows)
	if err != nil {
		return nil, fmt.Errorf("audit: list entries: %w", err)
	}
	defer rows.Close()

	var out []rbac.AuditEntry
	for rows.Next() {
		var (
			entry         rbac.AuditEntry
			entryType     string
			before, after []byte
			reason        pgtype.Text
			at            time.Time
		)
		if err := rows.Scan(&entry.ID, &entryType, &entry.SubjectUserID, &entry.ActingUserID, &before, &after, &reason, &at); err != nil {
			return nil, fmt.Errorf("audit: scan entry: %w", err)
		}
		if err := json.Unmarshal(before, &entry.Before); err != nil {
			return nil, fmt.Errorf("audit: decode before %s: %w", entry.ID, err)
		}
		if err := json.Unmarshal(after, &entry.After); err != nil {
			return nil, fmt.Errorf("audit: decode after %s: %w", entry.ID, err)
		}
		entry.Type = rbac.AuditType(entryType)
		entry.Reason = reason.String
		entry.Timestamp = at.UTC()
		out = append(out, entry)
	}
	return out, rows.Err()
}
