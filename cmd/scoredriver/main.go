// Command scoredriver runs a scoring engine subprocess and serves
// predict calls read as newline-delimited JSON from stdin, writing one
// JSON response per request to stdout. It is a thin wiring shell around
// pkg/driver; embed the driver directly in a Go program for anything
// beyond this line protocol.
package main

import (
	"bufio"
	"context"
	"encoding/json"
	"flag"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/oklog/ulid/v2"

	"github.com/aigoflow/scoredriver/internal/config"
	"github.com/aigoflow/scoredriver/internal/engine"
	"github.com/aigoflow/scoredriver/internal/formatter"
	"github.com/aigoflow/scoredriver/internal/scheduler"
	"github.com/aigoflow/scoredriver/internal/services"
	"github.com/aigoflow/scoredriver/internal/store"
	"github.com/aigoflow/scoredriver/pkg/driver"
)

// predictRequest is one line of stdin input.
type predictRequest struct {
	Common    formatter.NamespaceContext `json:"common"`
	Items     []itemFeatures             `json:"items"`
	TimeoutMs int64                      `json:"timeout_ms,omitempty"`
}

type itemFeatures struct {
	Namespace string             `json:"namespace"`
	Features  map[string]float64 `json:"features"`
}

type predictResponse struct {
	Scores []float64 `json:"scores"`
	Error  string    `json:"error,omitempty"`
}

func main() {
	var envFile = flag.String("env", "", "Optional .env file to load")
	flag.Parse()

	logger := slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelInfo}))
	slog.SetDefault(logger)

	cfg, err := config.Load(*envFile)
	if err != nil {
		slog.Error("failed to load config", "error", err)
		os.Exit(1)
	}

	_ = os.MkdirAll(filepath.Dir(cfg.DBPath), 0755)
	db, err := store.Open(cfg.DBPath)
	if err != nil {
		slog.Error("failed to open database", "error", err)
		os.Exit(1)
	}
	defer db.Close()

	db.Event("info", "startup", "scoring driver starting", map[string]interface{}{
		"engine_command": cfg.EngineCommand,
		"engine_name":    cfg.EngineName,
		"non_blocking":   cfg.NonBlocking,
	})

	drv, err := driver.New(driver.Config{
		Engine: engine.OpenConfig{
			Command:         cfg.EngineCommand,
			Args:            cfg.EngineArgs,
			WriteOnly:       cfg.WriteOnly,
			AuditMode:       cfg.AuditMode,
			NonBlocking:     cfg.NonBlocking,
			PipeBufferBytes: cfg.PipeBufferBytes,
			StderrRingBytes: cfg.StderrRingBytes,
		},
		Formatter: formatter.NamespaceFormatter{},
		Options: scheduler.Options{
			BatchSize:       cfg.BatchSize,
			MaxPendingLines: cfg.MaxPendingLines,
			PollSlice:       time.Duration(cfg.PollSliceMs) * time.Millisecond,
			WriteTimeout:    time.Duration(cfg.WriteTimeoutMs) * time.Millisecond,
		},
	})
	if err != nil {
		db.Event("error", "engine.failed", "engine failed to start", map[string]interface{}{"error": err.Error()})
		slog.Error("failed to start engine", "error", err)
		os.Exit(1)
	}
	defer drv.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var backlog *services.BacklogService
	if natsConn, err := nats.Connect(cfg.NatsURL); err != nil {
		slog.Warn("nats connect failed, ambient services disabled", "error", err)
	} else {
		defer natsConn.Close()
		heartbeat := services.NewHeartbeatService(natsConn, cfg, drv.Handle())
		if err := heartbeat.Start(ctx); err != nil {
			slog.Warn("heartbeat service failed to start", "error", err)
		}
		backlog = services.NewBacklogService(natsConn, cfg)
		if err := backlog.Start(ctx); err != nil {
			slog.Warn("backlog service failed to start", "error", err)
		}
	}

	db.Event("info", "ready", "scoring driver ready", nil)

	go serveStdin(ctx, drv, db, backlog, cfg.EngineName)

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	<-sig
	slog.Info("shutting down")
}

func serveStdin(ctx context.Context, drv *driver.Driver, db *store.DB, backlog *services.BacklogService, engineName string) {
	scanner := bufio.NewScanner(os.Stdin)
	scanner.Buffer(make([]byte, 0, 64*1024), 8*1024*1024)
	out := json.NewEncoder(os.Stdout)

	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		var req predictRequest
		if err := json.Unmarshal(line, &req); err != nil {
			out.Encode(predictResponse{Error: err.Error()})
			continue
		}
		out.Encode(handlePredict(ctx, drv, db, backlog, engineName, req))
	}
}

func handlePredict(ctx context.Context, drv *driver.Driver, db *store.DB, backlog *services.BacklogService, engineName string, req predictRequest) predictResponse {
	callCtx := ctx
	var cancel context.CancelFunc
	if req.TimeoutMs > 0 {
		callCtx, cancel = context.WithTimeout(ctx, time.Duration(req.TimeoutMs)*time.Millisecond)
		defer cancel()
	}

	items := make([]any, len(req.Items))
	for i, it := range req.Items {
		items[i] = formatter.NamespaceItem{Namespace: it.Namespace, Features: it.Features}
	}

	start := time.Now()
	call, err := drv.Predict(callCtx, req.Common, items, nil)
	if err != nil {
		return predictResponse{Error: err.Error()}
	}
	scores, err := call.All()
	counters := call.Counters()
	if backlog != nil {
		backlog.SetPendingLines(drv.Handle().EngineOwes())
	}
	db.RecordPredictCall(start, store.PredictCallRecord{
		CallID:          ulid.Make().String(),
		EngineName:      engineName,
		ItemsRequested:  len(items),
		BatchesWritten:  counters.BatchesWritten,
		LinesWritten:    counters.LinesWritten,
		LinesRead:       counters.LinesRead,
		PollCalls:       counters.PollCalls,
		ResidualDrained: counters.ResidualLinesDrained,
		FormatErrors:    counters.FormatErrors,
		ElapsedMs:       float64(counters.ElapsedNs) / 1e6,
		DeadlineHit:     len(scores) < len(items),
	})
	if err != nil {
		return predictResponse{Scores: scores, Error: err.Error()}
	}
	return predictResponse{Scores: scores}
}
