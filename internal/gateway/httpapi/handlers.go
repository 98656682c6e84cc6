package httpapi

import (
	"log/slog"
	"net/http"
	"strconv"

	"github.com/jkaninda/okapi"

	"github.com/coralproto/coral/internal/protocol"
	"github.com/coralproto/coral/internal/triage"
	"github.com/coralproto/coral/internal/workflow"
)

// AlertSubmitRequest is the JSON body for POST /v1/alerts. Unknown
// alert types are accepted and normalized.
type AlertSubmitRequest struct {
	AlertID      string         `json:"alert_id,omitempty"`
	SourceSystem string         `json:"source_system"`
	AlertType    string         `json:"alert_type"`
	Description  string         `json:"description"`
	Details      map[string]any `json:"details,omitempty"`
}

// AlertSubmitResponse is returned with HTTP 202.
type AlertSubmitResponse struct {
	AlertID       string `json:"alert_id"`
	WorkflowID    string `json:"workflow_id"`
	Status        string `json:"status"`
	CorrelationID string `json:"correlation_id"`
}

func (g *Gateway) handleAlertSubmit(c *okapi.Context) error {
	clientID := c.GetString("clientID")
	if err := g.rateLimit(c, clientID); err != nil {
		return err
	}

	var req AlertSubmitRequest
	if err := c.Bind(&req); err != nil {
		return c.AbortBadRequest("invalid request body")
	}
	if req.Description == "" && len(req.Details) == 0 {
		return c.AbortBadRequest("description is required")
	}

	data := map[string]any{}
	for k, v := range req.Details {
		data[k] = v
	}
	data["alert_id"] = req.AlertID
	data["source_system"] = req.SourceSystem
	data["alert_type"] = req.AlertType
	data["description"] = req.Description

	alert, err := triage.AlertFromMap(data)
	if err != nil {
		return c.AbortBadRequest("invalid alert payload")
	}

	correlationID := newCorrelationID()
	snap, err := g.engine.StartWorkflow(c.Context(), workflow.AlertTriageID, protocol.Payload{
		"alert": alert.Map(),
	})
	if err != nil {
		g.logger.Error("alert triage start failed",
			slog.String("correlation_id", correlationID),
			slog.String("alert_id", alert.AlertID),
			slog.String("error", err.Error()),
		)
		return statusError(c, err)
	}

	g.logger.Info("alert accepted",
		slog.String("client_id", clientID),
		slog.String("correlation_id", correlationID),
		slog.String("alert_id", alert.AlertID),
		slog.String("workflow_id", snap.WorkflowID),
	)

	return c.JSON(http.StatusAccepted, AlertSubmitResponse{
		AlertID:       alert.AlertID,
		WorkflowID:    snap.WorkflowID,
		Status:        string(snap.Status),
		CorrelationID: correlationID,
	})
}

func (g *Gateway) handleAlertList(c *okapi.Context) error {
	if g.store == nil {
		return c.OK([]*triage.SecurityAlert{})
	}
	q := c.Request().URL.Query()
	limit, _ := strconv.Atoi(q.Get("limit"))
	alerts, err := g.store.ListAlerts(c.Context(), q.Get("status"), limit)
	if err != nil {
		g.logger.Error("alert list failed", slog.String("error", err.Error()))
		return c.AbortInternalServerError("listing alerts failed")
	}
	return c.OK(alerts)
}

func (g *Gateway) handleAlertGet(c *okapi.Context) error {
	if g.store == nil {
		return c.JSON(http.StatusNotFound, okapi.M{"error": "archive not configured"})
	}
	alert, err := g.store.GetAlert(c.Context(), c.Param("id"))
	if err != nil {
		return statusError(c, err)
	}
	return c.OK(alert)
}

// WorkflowStartRequest is the JSON body for POST /v1/workflows.
type WorkflowStartRequest struct {
	WorkflowType string         `json:"workflow_type"`
	Context      map[string]any `json:"context,omitempty"`
}

func (g *Gateway) handleWorkflowStart(c *okapi.Context) error {
	clientID := c.GetString("clientID")
	if err := g.rateLimit(c, clientID); err != nil {
		return err
	}

	var req WorkflowStartRequest
	if err := c.Bind(&req); err != nil {
		return c.AbortBadRequest("invalid request body")
	}
	if req.WorkflowType == "" {
		return c.AbortBadRequest("workflow_type is required")
	}

	snap, err := g.engine.StartWorkflow(c.Context(), req.WorkflowType, protocol.Payload(req.Context))
	if err != nil {
		return statusError(c, err)
	}

	g.logger.Info("workflow submitted",
		slog.String("client_id", clientID),
		slog.String("workflow_type", req.WorkflowType),
		slog.String("workflow_id", snap.WorkflowID),
	)
	return c.JSON(http.StatusAccepted, snap)
}

func (g *Gateway) handleWorkflowList(c *okapi.Context) error {
	if g.store == nil {
		return c.OK([]*workflow.Snapshot{})
	}
	q := c.Request().URL.Query()
	limit, _ := strconv.Atoi(q.Get("limit"))
	snaps, err := g.store.ListWorkflows(c.Context(), q.Get("status"), limit)
	if err != nil {
		g.logger.Error("workflow list failed", slog.String("error", err.Error()))
		return c.AbortInternalServerError("listing workflows failed")
	}
	return c.OK(snaps)
}

func (g *Gateway) handleWorkflowStatus(c *okapi.Context) error {
	id := c.Param("id")

	// The engine falls back to the archive for evicted instances.
	snap, err := g.engine.WorkflowStatus(c.Context(), id)
	if err != nil {
		return statusError(c, err)
	}
	return c.OK(snap)
}

func (g *Gateway) handleWorkflowPause(c *okapi.Context) error {
	id := c.Param("id")
	if err := g.engine.PauseWorkflow(id); err != nil {
		return statusError(c, err)
	}
	return c.OK(map[string]string{"workflow_id": id, "status": string(workflow.StatusPaused)})
}

func (g *Gateway) handleWorkflowResume(c *okapi.Context) error {
	id := c.Param("id")
	if err := g.engine.ResumeWorkflow(c.Context(), id); err != nil {
		return statusError(c, err)
	}
	return c.OK(map[string]string{"workflow_id": id, "status": string(workflow.StatusRunning)})
}

func (g *Gateway) handleWorkflowCancel(c *okapi.Context) error {
	id := c.Param("id")
	if err := g.engine.CancelWorkflow(c.Context(), id); err != nil {
		return statusError(c, err)
	}
	return c.OK(map[string]string{"workflow_id": id, "status": string(workflow.StatusCancelled)})
}

func (g *Gateway) handleWorkerList(c *okapi.Context) error {
	return c.OK(g.reg.WorkerStatuses())
}

// ThreadResponse is the JSON response for GET /v1/threads/{id}.
type ThreadResponse struct {
	ThreadID     string               `json:"thread_id"`
	Participants []string             `json:"participants"`
	History      []registryAuditEntry `json:"history"`
}

// registryAuditEntry mirrors registry.AuditEntry for documentation.
type registryAuditEntry struct {
	EnvelopeID string `json:"envelope_id"`
	SenderID   string `json:"sender_id"`
	ReceiverID string `json:"receiver_id"`
	Type       string `json:"message_type"`
	Timestamp  string `json:"timestamp"`
	Delivered  bool   `json:"delivered"`
}

func (g *Gateway) handleThreadHistory(c *okapi.Context) error {
	id := c.Param("id")
	history, ok := g.reg.ThreadHistory(id)
	if !ok {
		return c.JSON(http.StatusNotFound, okapi.M{"error": "thread not found"})
	}
	participants, _ := g.reg.ThreadParticipants(id)

	entries := make([]registryAuditEntry, 0, len(history))
	for _, h := range history {
		entries = append(entries, registryAuditEntry{
			EnvelopeID: h.EnvelopeID,
			SenderID:   h.SenderID,
			ReceiverID: h.ReceiverID,
			Type:       string(h.Type),
			Timestamp:  h.Timestamp.Format(timeFormat),
			Delivered:  h.Delivered,
		})
	}
	return c.OK(ThreadResponse{ThreadID: id, Participants: participants, History: entries})
}

const timeFormat = "2006-01-02T15:04:05.000Z07:00"

// SystemResponse aggregates registry health and orchestrator status.
type SystemResponse struct {
	Registry     any `json:"registry"`
	Orchestrator any `json:"orchestrator"`
}

func (g *Gateway) handleSystemStatus(c *okapi.Context) error {
	return c.OK(SystemResponse{
		Registry:     g.reg.Health(),
		Orchestrator: g.engine.Status(),
	})
}
