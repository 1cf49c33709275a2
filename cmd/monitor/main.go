// Command monitor subscribes to scoring engine heartbeats and backlog
// reports over NATS and prints a running dashboard, adapted from the
// teacher's MonitorService heartbeat aggregator.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"sort"
	"sync"
	"syscall"
	"time"

	"github.com/nats-io/nats.go"
)

// engineStatus tracks the last-known heartbeat and backlog report for
// one engine.
type engineStatus struct {
	EngineName   string    `json:"engine_name"`
	Status       string    `json:"status"`
	NonBlocking  bool      `json:"non_blocking"`
	AuditMode    bool      `json:"audit_mode"`
	EngineOwes   int64     `json:"engine_owes"`
	PendingLines int64     `json:"pending_lines"`
	BacklogState string    `json:"backlog_state"`
	LastSeen     time.Time `json:"last_seen"`
	FirstSeen    time.Time `json:"first_seen"`
}

type monitor struct {
	nats    *nats.Conn
	mu      sync.RWMutex
	engines map[string]*engineStatus
	topic   string
}

func newMonitor(natsURL, heartbeatTopic string) (*monitor, error) {
	nc, err := nats.Connect(natsURL)
	if err != nil {
		return nil, fmt.Errorf("connect to NATS: %w", err)
	}
	return &monitor{nats: nc, engines: make(map[string]*engineStatus), topic: heartbeatTopic}, nil
}

func (m *monitor) start(ctx context.Context) error {
	if _, err := m.nats.Subscribe(m.topic+".*", m.onHeartbeat); err != nil {
		return fmt.Errorf("subscribe to heartbeats: %w", err)
	}
	if _, err := m.nats.Subscribe(m.topic+".backlog", m.onBacklog); err != nil {
		return fmt.Errorf("subscribe to backlog: %w", err)
	}

	go m.cleanupStale(ctx)
	return nil
}

func (m *monitor) onHeartbeat(msg *nats.Msg) {
	var hb struct {
		EngineName  string `json:"engine_name"`
		Status      string `json:"status"`
		NonBlocking bool   `json:"non_blocking"`
		AuditMode   bool   `json:"audit_mode"`
		EngineOwes  int64  `json:"engine_owes"`
	}
	if err := json.Unmarshal(msg.Data, &hb); err != nil {
		log.Printf("monitor: bad heartbeat on %s: %v", msg.Subject, err)
		return
	}

	now := time.Now()
	m.mu.Lock()
	defer m.mu.Unlock()

	s, exists := m.engines[hb.EngineName]
	if !exists {
		s = &engineStatus{EngineName: hb.EngineName, FirstSeen: now}
		m.engines[hb.EngineName] = s
	}
	s.Status = hb.Status
	s.NonBlocking = hb.NonBlocking
	s.AuditMode = hb.AuditMode
	s.EngineOwes = hb.EngineOwes
	s.LastSeen = now
}

func (m *monitor) onBacklog(msg *nats.Msg) {
	var bl struct {
		EngineName   string `json:"engine_name"`
		PendingLines int64  `json:"pending_lines"`
		Status       string `json:"status"`
	}
	if err := json.Unmarshal(msg.Data, &bl); err != nil {
		log.Printf("monitor: bad backlog report: %v", err)
		return
	}

	now := time.Now()
	m.mu.Lock()
	defer m.mu.Unlock()

	s, exists := m.engines[bl.EngineName]
	if !exists {
		s = &engineStatus{EngineName: bl.EngineName, FirstSeen: now}
		m.engines[bl.EngineName] = s
	}
	s.PendingLines = bl.PendingLines
	s.BacklogState = bl.Status
	s.LastSeen = now
}

func (m *monitor) cleanupStale(ctx context.Context) {
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.mu.Lock()
			for name, s := range m.engines {
				if time.Since(s.LastSeen) > 2*time.Minute && s.Status != "offline" {
					s.Status = "offline"
					log.Printf("monitor: %s marked offline (no heartbeat)", name)
				}
			}
			m.mu.Unlock()
		}
	}
}

func (m *monitor) snapshot() []engineStatus {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]engineStatus, 0, len(m.engines))
	for _, s := range m.engines {
		out = append(out, *s)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].EngineName < out[j].EngineName })
	return out
}

func (m *monitor) close() {
	if m.nats != nil {
		m.nats.Close()
	}
}

func main() {
	var (
		natsURL        = flag.String("nats", "nats://127.0.0.1:4222", "NATS server URL")
		heartbeatTopic = flag.String("topic", "scoring.heartbeat", "Heartbeat topic prefix")
		onceMode       = flag.Bool("once", false, "Print current status once and exit")
		interval       = flag.Duration("interval", 5*time.Second, "Dashboard refresh interval")
	)
	flag.Parse()

	m, err := newMonitor(*natsURL, *heartbeatTopic)
	if err != nil {
		log.Fatalf("monitor: %v", err)
	}
	defer m.close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := m.start(ctx); err != nil {
		log.Fatalf("monitor: %v", err)
	}

	if *onceMode {
		time.Sleep(2 * time.Second)
		printStatuses(m.snapshot())
		return
	}

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)

	ticker := time.NewTicker(*interval)
	defer ticker.Stop()
	for {
		select {
		case <-sig:
			return
		case <-ticker.C:
			printStatuses(m.snapshot())
		}
	}
}

func printStatuses(statuses []engineStatus) {
	if len(statuses) == 0 {
		fmt.Println("no scoring engines seen yet")
		return
	}
	fmt.Printf("%d scoring engine(s):\n\n", len(statuses))
	for _, s := range statuses {
		fmt.Printf("%s\n", s.EngineName)
		fmt.Printf("  status:        %s\n", s.Status)
		fmt.Printf("  mode:          non_blocking=%v audit=%v\n", s.NonBlocking, s.AuditMode)
		fmt.Printf("  engine_owes:   %d\n", s.EngineOwes)
		fmt.Printf("  pending_lines: %d (%s)\n", s.PendingLines, s.BacklogState)
		fmt.Printf("  last_seen:     %v ago\n\n", time.Since(s.LastSeen).Truncate(time.Second))
	}
}
