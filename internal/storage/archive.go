package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"time"

	"gorm.io/gorm"

	"github.com/coralproto/coral/internal/protocol"
	"github.com/coralproto/coral/internal/triage"
	"github.com/coralproto/coral/internal/workflow"
)

// WorkflowRecord is the archived row for a terminal workflow instance.
// Tasks and context are stored as JSON text so the schema is identical
// across backends.
type WorkflowRecord struct {
	WorkflowID string `gorm:"primaryKey"`
	Type       string `gorm:"index"`
	Status     string `gorm:"index"`
	TotalSteps int
	Tasks      string `gorm:"type:text"`
	Context    string `gorm:"type:text"`
	Error      string
	CreatedAt  time.Time
	UpdatedAt  time.Time `gorm:"index"`
}

// TableName keeps the archive table apart from any live state tables.
func (WorkflowRecord) TableName() string { return "workflow_archive" }

// Archive implements Store over a GORM connection. The backend
// subpackages open the connection; everything else is shared here.
type Archive struct {
	db     *gorm.DB
	driver string
	logger *slog.Logger
}

// NewArchive wraps an open GORM connection.
func NewArchive(db *gorm.DB, driver string, logger *slog.Logger) *Archive {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &Archive{db: db, driver: driver, logger: logger}
}

// Migrate creates or updates the archive tables.
func (a *Archive) Migrate(ctx context.Context) error {
	if err := a.db.WithContext(ctx).AutoMigrate(&WorkflowRecord{}, &triage.SecurityAlert{}); err != nil {
		return fmt.Errorf("migrating archive schema: %w", err)
	}
	a.logger.Info("archive schema migrated", slog.String("driver", a.driver))
	return nil
}

// SaveWorkflow upserts a workflow snapshot. When the snapshot context
// carries a triaged alert, the alert is archived alongside it so the
// alert endpoints reflect finished pipelines.
func (a *Archive) SaveWorkflow(ctx context.Context, snap *workflow.Snapshot) error {
	rec, err := toRecord(snap)
	if err != nil {
		return err
	}
	if err := a.db.WithContext(ctx).Save(rec).Error; err != nil {
		return fmt.Errorf("saving workflow %s: %w", snap.WorkflowID, err)
	}

	if alertData := snap.Context.GetMap("alert"); alertData != nil {
		alert, err := triage.AlertFromMap(alertData)
		if err != nil {
			a.logger.Warn("archived workflow carries an undecodable alert",
				slog.String("workflow_id", snap.WorkflowID),
				slog.String("error", err.Error()),
			)
			return nil
		}
		if alert.WorkflowID == "" {
			alert.WorkflowID = snap.WorkflowID
		}
		if err := a.SaveAlert(ctx, alert); err != nil {
			return err
		}
	}
	return nil
}

// GetWorkflow loads an archived workflow by id.
func (a *Archive) GetWorkflow(ctx context.Context, workflowID string) (*workflow.Snapshot, error) {
	var rec WorkflowRecord
	err := a.db.WithContext(ctx).First(&rec, "workflow_id = ?", workflowID).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, fmt.Errorf("%w: workflow %q", protocol.ErrNotFound, workflowID)
	}
	if err != nil {
		return nil, fmt.Errorf("loading workflow %s: %w", workflowID, err)
	}
	return fromRecord(&rec)
}

// ListWorkflows returns archived workflows, newest first, optionally
// filtered by status.
func (a *Archive) ListWorkflows(ctx context.Context, status string, limit int) ([]*workflow.Snapshot, error) {
	if limit <= 0 {
		limit = 100
	}
	q := a.db.WithContext(ctx).Order("updated_at DESC").Limit(limit)
	if status != "" {
		q = q.Where("status = ?", status)
	}
	var recs []WorkflowRecord
	if err := q.Find(&recs).Error; err != nil {
		return nil, fmt.Errorf("listing workflows: %w", err)
	}
	out := make([]*workflow.Snapshot, 0, len(recs))
	for i := range recs {
		snap, err := fromRecord(&recs[i])
		if err != nil {
			return nil, err
		}
		out = append(out, snap)
	}
	return out, nil
}

// SaveAlert upserts a processed alert.
func (a *Archive) SaveAlert(ctx context.Context, alert *triage.SecurityAlert) error {
	if err := a.db.WithContext(ctx).Save(alert).Error; err != nil {
		return fmt.Errorf("saving alert %s: %w", alert.AlertID, err)
	}
	return nil
}

// GetAlert loads an archived alert by id.
func (a *Archive) GetAlert(ctx context.Context, alertID string) (*triage.SecurityAlert, error) {
	var alert triage.SecurityAlert
	err := a.db.WithContext(ctx).First(&alert, "alert_id = ?", alertID).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, fmt.Errorf("%w: alert %q", protocol.ErrNotFound, alertID)
	}
	if err != nil {
		return nil, fmt.Errorf("loading alert %s: %w", alertID, err)
	}
	return &alert, nil
}

// ListAlerts returns archived alerts, newest first, optionally filtered
// by status.
func (a *Archive) ListAlerts(ctx context.Context, status string, limit int) ([]*triage.SecurityAlert, error) {
	if limit <= 0 {
		limit = 100
	}
	q := a.db.WithContext(ctx).Order("timestamp DESC").Limit(limit)
	if status != "" {
		q = q.Where("status = ?", status)
	}
	var alerts []*triage.SecurityAlert
	if err := q.Find(&alerts).Error; err != nil {
		return nil, fmt.Errorf("listing alerts: %w", err)
	}
	return alerts, nil
}

// PurgeBefore deletes archived workflows and alerts older than cutoff.
func (a *Archive) PurgeBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	wf := a.db.WithContext(ctx).Where("updated_at < ?", cutoff).Delete(&WorkflowRecord{})
	if wf.Error != nil {
		return 0, fmt.Errorf("purging workflows: %w", wf.Error)
	}
	al := a.db.WithContext(ctx).Where("timestamp < ?", cutoff).Delete(&triage.SecurityAlert{})
	if al.Error != nil {
		return wf.RowsAffected, fmt.Errorf("purging alerts: %w", al.Error)
	}
	return wf.RowsAffected + al.RowsAffected, nil
}

// Close releases the underlying connection.
func (a *Archive) Close() error {
	sqlDB, err := a.db.DB()
	if err != nil {
		return fmt.Errorf("getting underlying sql.DB: %w", err)
	}
	return sqlDB.Close()
}

// Driver returns the backend name.
func (a *Archive) Driver() string { return a.driver }

func toRecord(snap *workflow.Snapshot) (*WorkflowRecord, error) {
	tasks, err := json.Marshal(snap.Tasks)
	if err != nil {
		return nil, fmt.Errorf("encoding workflow tasks: %w", err)
	}
	context, err := json.Marshal(snap.Context)
	if err != nil {
		return nil, fmt.Errorf("encoding workflow context: %w", err)
	}
	return &WorkflowRecord{
		WorkflowID: snap.WorkflowID,
		Type:       snap.Type,
		Status:     string(snap.Status),
		TotalSteps: snap.TotalSteps,
		Tasks:      string(tasks),
		Context:    string(context),
		Error:      snap.Error,
		CreatedAt:  snap.CreatedAt,
		UpdatedAt:  snap.UpdatedAt,
	}, nil
}

func fromRecord(rec *WorkflowRecord) (*workflow.Snapshot, error) {
	snap := &workflow.Snapshot{
		WorkflowID: rec.WorkflowID,
		Type:       rec.Type,
		Status:     workflow.Status(rec.Status),
		TotalSteps: rec.TotalSteps,
		Error:      rec.Error,
		CreatedAt:  rec.CreatedAt,
		UpdatedAt:  rec.UpdatedAt,
	}
	if rec.Tasks != "" {
		if err := json.Unmarshal([]byte(rec.Tasks), &snap.Tasks); err != nil {
			return nil, fmt.Errorf("decoding workflow tasks: %w", err)
		}
	}
	if rec.Context != "" {
		if err := json.Unmarshal([]byte(rec.Context), &snap.Context); err != nil {
			return nil, fmt.Errorf("decoding workflow context: %w", err)
		}
	}
	return snap, nil
}

// Compile-time check.
var _ Store = (*Archive)(nil)
