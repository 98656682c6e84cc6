// Package storage persists terminal workflow snapshots and processed
// alerts. Two backends are provided: SQLite (default, zero-config) and
// PostgreSQL (production). All GORM usage stays inside this package and
// its backend subpackages; domain types remain ORM-free.
package storage

import (
	"context"
	"time"

	"github.com/coralproto/coral/internal/triage"
	"github.com/coralproto/coral/internal/workflow"
)

// Store is the archive interface both backends implement.
type Store interface {
	SaveWorkflow(ctx context.Context, snap *workflow.Snapshot) error
	GetWorkflow(ctx context.Context, workflowID string) (*workflow.Snapshot, error)
	ListWorkflows(ctx context.Context, status string, limit int) ([]*workflow.Snapshot, error)

	SaveAlert(ctx context.Context, alert *triage.SecurityAlert) error
	GetAlert(ctx context.Context, alertID string) (*triage.SecurityAlert, error)
	ListAlerts(ctx context.Context, status string, limit int) ([]*triage.SecurityAlert, error)

	// PurgeBefore removes archived rows older than the cutoff and
	// returns the number deleted. Used by the retention job.
	PurgeBefore(ctx context.Context, cutoff time.Time) (int64, error)

	Migrate(ctx context.Context) error
	Close() error

	// Driver returns the backend name ("sqlite" or "postgres").
	Driver() string
}
