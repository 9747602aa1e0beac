package model

import (
	"encoding/json"
	"fmt"
	"time"
)

// ExportType is the kind of report an export job produces.
type ExportType string

const (
	ExportTypeOrders                ExportType = "orders"
	ExportTypeWithdrawals           ExportType = "withdrawals"
	ExportTypeComplianceWithdrawals ExportType = "compliance_withdrawals"
	ExportTypeComplianceActivity    ExportType = "compliance_activity"
)

// ExportStatus is the lifecycle state of an export job.
type ExportStatus string

const (
	ExportStatusPending    ExportStatus = "PENDING"
	ExportStatusReady      ExportStatus = "READY"
	ExportStatusDownloaded ExportStatus = "DOWNLOADED"
	ExportStatusExpired    ExportStatus = "EXPIRED"
)

// ExportJob is a tenant-owned report generation request.
type ExportJob struct {
	ID           string          `json:"id"`
	TenantID     string          `json:"tenant_id"`
	ActorID      string          `json:"actor_id"`
	Type         ExportType      `json:"type"`
	Filters      json.RawMessage `json:"filters,omitempty"`
	Status       ExportStatus    `json:"status"`
	StorageKey   *string         `json:"storage_key,omitempty"`
	ExpiresAt    *time.Time      `json:"expires_at,omitempty"`
	DownloadedAt *time.Time      `json:"downloaded_at,omitempty"`
	CreatedAt    time.Time       `json:"created_at"`
	UpdatedAt    time.Time       `json:"updated_at"`
}

// ExportFilters narrows the rows an export includes.
type ExportFilters struct {
	Status   string     `json:"status,omitempty" validate:"omitempty,max=32"`
	DateFrom *time.Time `json:"date_from,omitempty"`
	DateTo   *time.Time `json:"date_to,omitempty"`
}

// CreateExportParams represents parameters for creating a new export job.
type CreateExportParams struct {
	Type    ExportType     `json:"type" validate:"required,oneof=orders withdrawals compliance_withdrawals compliance_activity"`
	Filters *ExportFilters `json:"filters,omitempty"`
}

// Validate validates the create export parameters.
func (p *CreateExportParams) Validate() error {
	if p == nil {
		return fmt.Errorf("%w: export parameters are required", ErrInvalidArgument)
	}

	if err := validate.Struct(p); err != nil {
		return fmt.Errorf("%w: %w", ErrInvalidArgument, err)
	}

	if f := p.Filters; f != nil && f.DateFrom != nil && f.DateTo != nil && f.DateTo.Before(*f.DateFrom) {
		return fmt.Errorf("%w: date_to is before date_from", ErrInvalidArgument)
	}

	return nil
}

// ExportFilter narrows FindMany results.
type ExportFilter struct {
	Status ExportStatus
	Limit  int
}

// ExportPatch holds optional column updates applied with a status transition.
type ExportPatch struct {
	StorageKey   *string
	ExpiresAt    *time.Time
	DownloadedAt *time.Time
}

// IsExpired reports whether the download window has closed at now.
func (j *ExportJob) IsExpired(now time.Time) bool {
	return j.ExpiresAt != nil && !now.Before(*j.ExpiresAt)
}
