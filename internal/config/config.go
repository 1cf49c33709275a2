package config

import (
	"bufio"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config holds every tunable of the scoring driver: the engine process,
// the two schedulers, and the optional ambient sinks (sqlite, NATS).
type Config struct {
	// Engine process
	EngineCommand string
	EngineArgs    []string
	WriteOnly     bool
	AuditMode     bool
	NonBlocking   bool

	// Batch / scheduler tuning
	BatchSize       int
	MaxPendingLines int
	PollSliceMs     int
	WriteTimeoutMs  int
	PipeBufferBytes int
	StderrRingBytes int

	// Data directory / sqlite sink
	DataDir string
	DBPath  string

	// NATS heartbeat sink
	NatsURL         string
	EngineName      string
	HeartbeatTopic  string
	HeartbeatPeriod time.Duration
}

func Load(envFile string) (*Config, error) {
	if envFile != "" {
		if err := loadDotEnv(envFile); err != nil {
			slog.Warn("could not load env file", "file", envFile, "error", err)
		} else {
			slog.Info("environment loaded", "file", envFile)
		}
	}

	return &Config{
		EngineCommand:   getEnv("ENGINE_COMMAND", "vw"),
		EngineArgs:      strings.Fields(getEnv("ENGINE_ARGS", "")),
		WriteOnly:       getEnvBool("ENGINE_WRITE_ONLY", false),
		AuditMode:       getEnvBool("ENGINE_AUDIT_MODE", false),
		NonBlocking:     getEnvBool("ENGINE_NONBLOCKING", true),
		BatchSize:       getEnvInt("BATCH_SIZE", 500),
		MaxPendingLines: getEnvInt("MAX_PENDING_LINES", 500),
		PollSliceMs:     getEnvInt("POLL_SLICE_MS", 1),
		WriteTimeoutMs:  getEnvInt("WRITE_TIMEOUT_MS", 1),
		PipeBufferBytes: getEnvInt("PIPE_BUFFER_BYTES", 0),
		StderrRingBytes: getEnvInt("STDERR_RING_BYTES", 64*1024),
		DataDir:         getEnv("DATA_DIR", "data"),
		DBPath:          getEnv("DB_PATH", "data/scoredriver.sqlite"),
		NatsURL:         getEnv("NATS_URL", "nats://127.0.0.1:4222"),
		EngineName:      getEnv("ENGINE_NAME", "default"),
		HeartbeatTopic:  getEnv("HEARTBEAT_TOPIC", "scoring.heartbeat"),
		HeartbeatPeriod: getEnvDuration("HEARTBEAT_PERIOD", "30s"),
	}, nil
}

func loadDotEnv(filename string) error {
	file, err := os.Open(filename)
	if err != nil {
		return err
	}
	defer file.Close()

	scanner := bufio.NewScanner(file)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}

		parts := strings.SplitN(line, "=", 2)
		if len(parts) == 2 {
			key := strings.TrimSpace(parts[0])
			value := strings.TrimSpace(parts[1])
			os.Setenv(key, value)
		}
	}
	return scanner.Err()
}

func getEnv(key, defaultVal string) string {
	if val := os.Getenv(key); val != "" {
		return val
	}
	return defaultVal
}

func getEnvInt(key string, defaultVal int) int {
	if val := os.Getenv(key); val != "" {
		if i, err := strconv.Atoi(val); err == nil {
			return i
		}
	}
	return defaultVal
}

func getEnvBool(key string, defaultVal bool) bool {
	if val := os.Getenv(key); val != "" {
		if b, err := strconv.ParseBool(val); err == nil {
			return b
		}
	}
	return defaultVal
}

func getEnvDuration(key, defaultVal string) time.Duration {
	val := getEnv(key, defaultVal)
	if d, err := time.ParseDuration(val); err == nil {
		return d
	}
	d, _ := time.ParseDuration(defaultVal)
	return d
}
