package services

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/aigoflow/scoredriver/internal/config"
)

// BacklogService reports, over NATS, how many lines the driver has
// written to the engine but not yet gotten scores back for — the
// residual-drain protocol's backlog (spec.md §4.5) made observable from
// the outside, analogous to the teacher's pending/active message
// counters for inference requests.
type BacklogService struct {
	nats         *nats.Conn
	cfg          *config.Config
	pendingLines int64
}

// BacklogReport is one published snapshot.
type BacklogReport struct {
	EngineName   string    `json:"engine_name"`
	PendingLines int64     `json:"pending_lines"`
	Timestamp    time.Time `json:"timestamp"`
	Status       string    `json:"status"` // healthy, warning, critical
}

func NewBacklogService(natsConn *nats.Conn, cfg *config.Config) *BacklogService {
	return &BacklogService{nats: natsConn, cfg: cfg}
}

func (b *BacklogService) Start(ctx context.Context) error {
	topic := fmt.Sprintf("%s.backlog", b.cfg.HeartbeatTopic)
	slog.Info("backlog service started", "topic", topic)

	go b.monitor(ctx, topic)
	return nil
}

func (b *BacklogService) monitor(ctx context.Context, topic string) {
	highLoad := time.NewTicker(time.Second)
	lowLoad := time.NewTicker(10 * time.Second)
	defer highLoad.Stop()
	defer lowLoad.Stop()

	current := lowLoad
	for {
		select {
		case <-ctx.Done():
			return
		case <-current.C:
			pending := atomic.LoadInt64(&b.pendingLines)
			if pending > 0 && current == lowLoad {
				current = highLoad
			} else if pending == 0 && current == highLoad {
				current = lowLoad
			}
			b.report(topic, pending)
		}
	}
}

func (b *BacklogService) report(topic string, pending int64) {
	report := BacklogReport{
		EngineName:   b.cfg.EngineName,
		PendingLines: pending,
		Timestamp:    time.Now(),
		Status:       b.status(pending),
	}
	data, err := json.Marshal(report)
	if err != nil {
		slog.Error("backlog: marshal failed", "error", err)
		return
	}
	if err := b.nats.Publish(topic, data); err != nil {
		slog.Warn("backlog: publish failed", "error", err)
	}
}

func (b *BacklogService) status(pending int64) string {
	switch {
	case pending == 0:
		return "healthy"
	case pending < int64(b.cfg.MaxPendingLines):
		return "warning"
	default:
		return "critical"
	}
}

// SetPendingLines updates the published backlog gauge. cmd/scoredriver
// calls this after each predict call with the handle's EngineOwes count.
func (b *BacklogService) SetPendingLines(n int64) {
	atomic.StoreInt64(&b.pendingLines, n)
}
