package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/coralproto/coral/internal/orchestrator"
	"github.com/coralproto/coral/internal/protocol"
	"github.com/coralproto/coral/internal/registry"
	"github.com/coralproto/coral/internal/triage"
	"github.com/coralproto/coral/internal/worker"
	"github.com/coralproto/coral/internal/workflow"
)

var (
	triageTimeout time.Duration
	triageVerbose bool
)

var triageCmd = &cobra.Command{
	Use:   "triage <alert.json>",
	Short: "Run one alert through the triage pipeline and print the result",
	Long: `Runs a single alert through the full triage workflow using an
in-process mesh: no server, no persistence, no network. The final
workflow snapshot is printed as JSON on stdout.`,
	Args: cobra.ExactArgs(1),
	RunE: runTriage,
}

func init() {
	triageCmd.Flags().DurationVar(&triageTimeout, "timeout", 2*time.Minute, "give up after this long")
	triageCmd.Flags().BoolVarP(&triageVerbose, "verbose", "v", false, "log pipeline progress to stderr")
}

func runTriage(_ *cobra.Command, args []string) error {
	data, err := os.ReadFile(args[0])
	if err != nil {
		return fmt.Errorf("reading alert file: %w", err)
	}
	var raw map[string]any
	if err := json.Unmarshal(data, &raw); err != nil {
		return fmt.Errorf("parsing alert file: %w", err)
	}
	alert, err := triage.AlertFromMap(raw)
	if err != nil {
		return err
	}

	level := slog.LevelWarn
	if triageVerbose {
		level = slog.LevelInfo
	}
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))

	ctx, cancel := context.WithTimeout(context.Background(), triageTimeout)
	defer cancel()

	// Local in-process mesh.
	mesh := registry.New(registry.Config{}, logger, nil)
	mesh.Start(ctx)
	defer mesh.Stop()

	workerCfg := worker.Config{}
	engineRT := worker.NewRuntime("orchestrator", "triage-orchestrator",
		[]protocol.Capability{
			protocol.NewCapability("workflow_orchestration", "Coordinates multi-step triage workflows"),
		},
		workerCfg, logger)
	engineRT.AttachRouter(mesh)

	engine := orchestrator.New(engineRT, mesh, nil, nil, logger, orchestrator.Config{})
	if err := engine.RegisterDefinition(workflow.AlertTriageDefinition()); err != nil {
		return err
	}
	if err := mesh.Register(engineRT); err != nil {
		return err
	}
	engine.Start(ctx)
	defer engine.Shutdown(context.Background())

	for _, ex := range triage.NewWorkers(workerCfg, logger) {
		rt := ex.Runtime()
		rt.AttachRouter(mesh)
		if err := mesh.Register(rt); err != nil {
			return fmt.Errorf("registering worker %s: %w", rt.ID(), err)
		}
		rt.Start(ctx)
		defer rt.Shutdown(context.Background())
	}

	events, unsubscribe := engine.Subscribe()
	defer unsubscribe()

	snap, err := engine.StartWorkflow(ctx, workflow.AlertTriageID, protocol.Payload{
		"alert": alert.Map(),
	})
	if err != nil {
		return err
	}

	for !snap.Status.Terminal() {
		select {
		case <-ctx.Done():
			return fmt.Errorf("triage timed out after %s", triageTimeout)
		case ev, ok := <-events:
			if !ok {
				return fmt.Errorf("event stream closed before the workflow finished")
			}
			if ev.WorkflowID != snap.WorkflowID {
				continue
			}
			if triageVerbose {
				logger.Info("workflow event",
					slog.String("type", string(ev.Type)),
					slog.String("step_id", ev.StepID),
					slog.String("status", ev.Status),
				)
			}
			snap, err = engine.WorkflowStatus(ctx, snap.WorkflowID)
			if err != nil {
				return err
			}
		}
	}

	out, err := json.MarshalIndent(snap, "", "  ")
	if err != nil {
		return err
	}
	fmt.Println(string(out))

	if snap.Status != workflow.StatusCompleted {
		return fmt.Errorf("triage finished %s: %s", snap.Status, snap.Error)
	}
	return nil
}
