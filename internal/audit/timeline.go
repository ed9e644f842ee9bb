package audit

import (
	"time"

	"github.com/odyssey-erp/odyssey-access/internal/rbac"
)

// TimelineFilters menampung filter untuk riwayat perubahan akses.
type TimelineFilters struct {
	SubjectUserID int64
	ActingUserID  int64
	Type          rbac.AuditType
	From          time.Time
	To            time.Time
	Page          int
	PageSize      int
}

// PagingInfo menyimpan metadata pagination sederhana.
type PagingInfo struct {
	Page     int  `json:"page"`
	HasNext  bool `json:"has_next"`
	PageSize int  `json:"page_size"`
	PrevPage int  `json:"prev_page,omitempty"`
	NextPage int  `json:"next_page,omitempty"`
}

// Result membungkus hasil timeline dengan informasi paging.
type Result struct {
	Entries []rbac.AuditEntry `json:"entries"`
	Paging  PagingInfo        `json:"paging"`
}
