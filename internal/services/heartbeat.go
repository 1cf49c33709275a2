// Package services runs the driver's ambient NATS-facing background
// work: periodic engine heartbeats and backlog/backpressure reporting,
// adapted from the teacher's HealthService and MonitoringService.
package services

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/aigoflow/scoredriver/internal/config"
	"github.com/aigoflow/scoredriver/internal/engine"
)

// HeartbeatService publishes this engine handle's liveness periodically,
// so a dashboard or orchestrator can tell a wedged engine from a
// responsive one without issuing a predict call of its own.
type HeartbeatService struct {
	nats   *nats.Conn
	cfg    *config.Config
	handle *engine.Handle
}

// HeartbeatStatus is one published heartbeat.
type HeartbeatStatus struct {
	EngineName  string    `json:"engine_name"`
	Status      string    `json:"status"` // online, offline
	NonBlocking bool      `json:"non_blocking"`
	AuditMode   bool      `json:"audit_mode"`
	EngineOwes  int64     `json:"engine_owes"`
	Timestamp   time.Time `json:"timestamp"`
}

func NewHeartbeatService(natsConn *nats.Conn, cfg *config.Config, handle *engine.Handle) *HeartbeatService {
	return &HeartbeatService{nats: natsConn, cfg: cfg, handle: handle}
}

func (h *HeartbeatService) Start(ctx context.Context) error {
	topic := fmt.Sprintf("%s.%s", h.cfg.HeartbeatTopic, h.cfg.EngineName)

	go h.publishHeartbeats(ctx, topic)

	slog.Info("heartbeat service started", "topic", topic, "period", h.cfg.HeartbeatPeriod)
	return nil
}

func (h *HeartbeatService) publishHeartbeats(ctx context.Context, topic string) {
	ticker := time.NewTicker(h.cfg.HeartbeatPeriod)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			status := h.currentStatus()
			data, err := json.Marshal(status)
			if err != nil {
				continue
			}
			if err := h.nats.Publish(topic, data); err != nil {
				slog.Warn("heartbeat: publish failed", "error", err)
			}
		}
	}
}

func (h *HeartbeatService) currentStatus() HeartbeatStatus {
	status := "online"
	if !h.handle.IsAlive() {
		status = "offline"
	}
	return HeartbeatStatus{
		EngineName:  h.cfg.EngineName,
		Status:      status,
		NonBlocking: h.handle.NonBlocking(),
		AuditMode:   h.handle.AuditMode(),
		EngineOwes:  h.handle.EngineOwes(),
		Timestamp:   time.Now(),
	}
}
