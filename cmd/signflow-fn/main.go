// Command signflow-fn hosts signflow on Cloud Functions. SigningAPI serves
// the HTTP API, including the provider webhook. ReconcileSignatures runs
// reconciliation on a Pub/Sub or Scheduler CloudEvent.
//
// The configuration file is read from SIGNFLOW_CONFIG.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"sync"
	"time"

	"github.com/GoogleCloudPlatform/functions-framework-go/functions"
	cloudevents "github.com/cloudevents/sdk-go/v2"

	"github.com/georgepadayatti/signflow/app"
	"github.com/georgepadayatti/signflow/config"
)

const configEnv = "SIGNFLOW_CONFIG"

var (
	instance *app.App
	handler  http.Handler
	once     sync.Once
	initErr  error
)

func init() {
	slog.SetDefault(slog.New(slog.NewJSONHandler(os.Stdout, nil)))

	functions.HTTP("SigningAPI", signingAPI)
	functions.CloudEvent("ReconcileSignatures", reconcileSignatures)
}

// main is required by the Go Functions Framework.
func main() {}

func setup() error {
	once.Do(func() {
		path := os.Getenv(configEnv)
		if path == "" {
			initErr = fmt.Errorf("%s is not set", configEnv)
			return
		}
		var cfg *config.AppConfig
		cfg, initErr = config.LoadConfig(path)
		if initErr != nil {
			return
		}
		instance, initErr = app.Build(context.Background(), cfg, slog.Default())
		if initErr != nil {
			return
		}
		handler = instance.Server().Routes()
	})
	return initErr
}

func signingAPI(w http.ResponseWriter, r *http.Request) {
	if err := setup(); err != nil {
		slog.Error("Critical error during function initialization", "error", err)
		http.Error(w, "Internal Server Error: failed to initialize service", http.StatusInternalServerError)
		return
	}
	handler.ServeHTTP(w, r)
}

// reconcileRequest is the optional event payload.
type reconcileRequest struct {
	OlderThan string `json:"older_than"`
}

// messagePublishedData is the Pub/Sub CloudEvent envelope.
type messagePublishedData struct {
	Message struct {
		Data []byte `json:"data"`
	} `json:"message"`
}

func reconcileSignatures(ctx context.Context, e cloudevents.Event) error {
	if err := setup(); err != nil {
		slog.Error("Critical error during function initialization", "error", err)
		return err
	}

	olderThan := instance.Config.Orchestrator.ReconcileAfter
	req, err := parseReconcileRequest(e.Data())
	if err != nil {
		slog.Error("Failed to unmarshal event data", "error", err, "event_id", e.ID())
		return err
	}
	if req.OlderThan != "" {
		d, err := time.ParseDuration(req.OlderThan)
		if err != nil {
			return fmt.Errorf("invalid older_than: %w", err)
		}
		olderThan = d
	}

	report, err := instance.Orchestrator.Reconcile(ctx, olderThan)
	if err != nil {
		return err
	}
	slog.Info("reconcile finished",
		"event_id", e.ID(),
		"checked", report.Checked,
		"finalized", report.Finalized,
		"still_pending", report.StillPending,
		"reconciliation", report.Reconciliation,
		"errors", report.Errors,
	)
	return nil
}

// parseReconcileRequest accepts an empty payload, a bare request or a
// Pub/Sub envelope carrying one.
func parseReconcileRequest(data []byte) (reconcileRequest, error) {
	var req reconcileRequest
	if len(data) == 0 {
		return req, nil
	}
	var env messagePublishedData
	if err := json.Unmarshal(data, &env); err == nil && len(env.Message.Data) > 0 {
		data = env.Message.Data
	}
	if err := json.Unmarshal(data, &req); err != nil {
		return req, fmt.Errorf("json.Unmarshal: %w", err)
	}
	return req, nil
}
