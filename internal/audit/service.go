package audit

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgtype"

	"github.com/odyssey-erp/odyssey-access/internal/rbac"
)

// ErrInvalidEntry dikembalikan untuk entri yang tidak lengkap.
var ErrInvalidEntry = errors.New("audit: invalid entry")

// Writer menulis entri audit perubahan akses. Writer memenuhi rbac.AuditSink.
type Writer struct {
	repo   Repository
	logger *slog.Logger
	now    func() time.Time
}

// NewWriter membuat writer baru. logger boleh nil.
func NewWriter(repo Repository, logger *slog.Logger) *Writer {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &Writer{repo: repo, logger: logger, now: time.Now}
}

// Append memvalidasi lalu menyimpan entri. ID dan waktu diisi bila kosong.
func (w *Writer) Append(ctx context.Context, entry rbac.AuditEntry) error {
	if w == nil || w.repo == nil {
		return fmt.Errorf("audit: repository not configured")
	}
	switch entry.Type {
	case rbac.AuditRoleChange, rbac.AuditPermissionAdded, rbac.AuditPermissionRemoved, rbac.AuditMigration, rbac.AuditRollback:
	default:
		return fmt.Errorf("%w: unknown type %q", ErrInvalidEntry, entry.Type)
	}
	if entry.SubjectUserID <= 0 {
		return fmt.Errorf("%w: subject user required", ErrInvalidEntry)
	}
	if entry.ID == "" {
		entry.ID = uuid.NewString()
	} else if _, err := uuid.Parse(entry.ID); err != nil {
		return fmt.Errorf("%w: id %q: %w", ErrInvalidEntry, entry.ID, err)
	}
	if entry.Timestamp.IsZero() {
		entry.Timestamp = w.now()
	}
	entry.Timestamp = entry.Timestamp.UTC()
	if err := w.repo.InsertEntry(ctx, entry); err != nil {
		return err
	}
	w.logger.Debug("access audit recorded",
		slog.String("id", entry.ID),
		slog.String("type", string(entry.Type)),
		slog.Int64("subject_user_id", entry.SubjectUserID))
	return nil
}

// Service mengoordinasikan pengambilan riwayat audit.
type Service struct {
	repo Repository
}

// NewService membuat service audit timeline baru.
func NewService(repo Repository) *Service {
	return &Service{repo: repo}
}

// Timeline mengambil data audit dengan paging, terbaru lebih dulu.
func (s *Service) Timeline(ctx context.Context, filters TimelineFilters) (Result, error) {
	if s.repo == nil {
		return Result{}, fmt.Errorf("audit: repository not configured")
	}
	pageSize := filters.PageSize
	if pageSize <= 0 {
		pageSize = 20
	}
	if pageSize > 50 {
		pageSize = 50
	}
	page := filters.Page
	if page <= 0 {
		page = 1
	}
	offset := (page - 1) * pageSize
	params := ListParams{
		SubjectUserID: optionalID(filters.SubjectUserID),
		ActingUserID:  optionalID(filters.ActingUserID),
		EntryType:     optionalText(string(filters.Type)),
		FromAt:        toPgTime(filters.From),
		ToAt:          toPgTime(filters.To),
		OffsetRows:    int32(offset),
		LimitRows:     int32(pageSize + 1),
	}
	entries, err := s.repo.ListEntries(ctx, params)
	if err != nil {
		return Result{}, err
	}
	hasNext := len(entries) > pageSize
	if hasNext {
		entries = entries[:pageSize]
	}
	paging := PagingInfo{Page: page, PageSize: pageSize, HasNext: hasNext}
	if page > 1 {
		paging.PrevPage = page - 1
	}
	if hasNext {
		paging.NextPage = page + 1
	}
	if entries == nil {
		entries = []rbac.AuditEntry{}
	}
	return Result{Entries: entries, Paging: paging}, nil
}

func toPgTime(t time.Time) pgtype.Timestamptz {
	if t.IsZero() {
		return pgtype.Timestamptz{}
	}
	return pgtype.Timestamptz{Time: t, Valid: true}
}

func optionalText(value string) pgtype.Text {
	trimmed := strings.TrimSpace(value)
	if trimmed == "" {
		return pgtype.Text{}
	}
	return pgtype.Text{String: trimmed, Valid: true}
}

func optionalID(id int64) pgtype.Int8 {
	if id <= 0 {
		return pgtype.Int8{}
	}
	return pgtype.Int8{Int64: id, Valid: true}
}
