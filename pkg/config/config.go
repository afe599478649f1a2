// Package config loads Taskforge's runtime configuration: a YAML file as
// the base, overridden key by key from the environment. The environment
// variable names are the platform's documented configuration keys, so an operator
// can run the binary with nothing but exported variables.
package config

import (
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/taskforge/taskforge/pkg/taskerr"
)

// Config is every tunable the master and worker binaries consume.
type Config struct {
	// Scheduler
	SchedulerRole      string `yaml:"scheduler_role"`       // master | control
	MaxConcurrentTasks int    `yaml:"max_concurrent_tasks"` // MAX_CONCURRENT_TASKS
	SchedulerTimezone  string `yaml:"scheduler_timezone"`   // SCHEDULER_TIMEZONE

	// Runs
	TaskExecutionTimeout time.Duration `yaml:"task_execution_timeout"` // TASK_EXECUTION_TIMEOUT
	TaskRetryDelay       time.Duration `yaml:"task_retry_delay"`       // TASK_RETRY_DELAY

	// Gateway transport
	GRPCPort              int           `yaml:"grpc_port"`
	GRPCHeartbeatInterval time.Duration `yaml:"grpc_heartbeat_interval"`
	GRPCHeartbeatTimeout  time.Duration `yaml:"grpc_heartbeat_timeout"`
	GRPCLogBufferMaxSize  int           `yaml:"grpc_log_buffer_max_size"`
	GRPCLogBatchSize      int           `yaml:"grpc_log_batch_size"`
	GRPCLogFlushInterval  time.Duration `yaml:"grpc_log_flush_interval"`
	GRPCCompressThreshold int           `yaml:"grpc_compress_threshold"`

	// WebSocket hub
	WebSocketMaxConnPerExecution int `yaml:"websocket_max_conn_per_execution"`
	WebSocketMaxTotalConn        int `yaml:"websocket_max_total_conn"`

	// Artifacts
	ObjectStoreBackend string `yaml:"object_store_backend"` // s3 | filesystem
	ObjectStoreBucket  string `yaml:"object_store_bucket"`
	ObjectStorePath    string `yaml:"object_store_path"` // filesystem backend root
	MaxExtractSize     int64  `yaml:"max_extract_size"`
	MaxExtractFiles    int    `yaml:"max_extract_files"`

	// Control-event bus
	NATSURL             string `yaml:"nats_url"`
	SchedulerEventMaxlen int64 `yaml:"scheduler_event_maxlen"` // SCHEDULER_EVENT_MAXLEN

	// Auth
	AuthMode  string `yaml:"auth_mode"` // api_key | mtls | hmac | jwt
	JWTSecret string `yaml:"jwt_secret"`

	// Process
	DataDir     string `yaml:"data_dir"`
	HTTPPort    int    `yaml:"http_port"`
	MetricsPort int    `yaml:"metrics_port"`
}

// Default is the configuration the binaries start from before the file and
// environment are applied.
func Default() Config {
	return Config{
		SchedulerRole:      "master",
		MaxConcurrentTasks: 50,
		SchedulerTimezone:  "UTC",

		TaskExecutionTimeout: time.Hour,
		TaskRetryDelay:       10 * time.Second,

		GRPCPort:              50051,
		GRPCHeartbeatInterval: 30 * time.Second,
		GRPCHeartbeatTimeout:  10 * time.Second,
		GRPCLogBufferMaxSize:  10_000,
		GRPCLogBatchSize:      200,
		GRPCLogFlushInterval:  2 * time.Second,
		GRPCCompressThreshold: 4096,

		WebSocketMaxConnPerExecution: 10,
		WebSocketMaxTotalConn:        5000,

		ObjectStoreBackend: "filesystem",
		ObjectStorePath:    "./data/blobs",
		MaxExtractSize:     500 << 20,
		MaxExtractFiles:    10_000,

		NATSURL:              "",
		SchedulerEventMaxlen: 100_000,

		AuthMode: "api_key",

		DataDir:     "./data",
		HTTPPort:    8080,
		MetricsPort: 9090,
	}
}

// Load reads path (if non-empty) over the defaults, then applies environment
// overrides.
func Load(path string) (Config, error) {
	cfg := Default()
	if path != "" {
		raw, err := os.ReadFile(path)
		if err != nil {
			return cfg, taskerr.Wrap(taskerr.KindValidation, "config: read "+path, err)
		}
		if err := yaml.Unmarshal(raw, &cfg); err != nil {
			return cfg, taskerr.Wrap(taskerr.KindValidation, "config: parse "+path, err)
		}
	}
	cfg.applyEnv()
	if err := cfg.validate(); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func (c *Config) applyEnv() {
	envString(&c.SchedulerRole, "SCHEDULER_ROLE")
	envInt(&c.MaxConcurrentTasks, "MAX_CONCURRENT_TASKS")
	envString(&c.SchedulerTimezone, "SCHEDULER_TIMEZONE")

	envDuration(&c.TaskExecutionTimeout, "TASK_EXECUTION_TIMEOUT")
	envDuration(&c.TaskRetryDelay, "TASK_RETRY_DELAY")

	envInt(&c.GRPCPort, "GRPC_PORT")
	envDuration(&c.GRPCHeartbeatInterval, "GRPC_HEARTBEAT_INTERVAL")
	envDuration(&c.GRPCHeartbeatTimeout, "GRPC_HEARTBEAT_TIMEOUT")
	envInt(&c.GRPCLogBufferMaxSize, "GRPC_LOG_BUFFER_MAX_SIZE")
	envInt(&c.GRPCLogBatchSize, "GRPC_LOG_BATCH_SIZE")
	envDuration(&c.GRPCLogFlushInterval, "GRPC_LOG_FLUSH_INTERVAL")
	envInt(&c.GRPCCompressThreshold, "GRPC_COMPRESS_THRESHOLD")

	envInt(&c.WebSocketMaxConnPerExecution, "WEBSOCKET_MAX_CONN_PER_EXECUTION")
	envInt(&c.WebSocketMaxTotalConn, "WEBSOCKET_MAX_TOTAL_CONN")

	envString(&c.ObjectStoreBackend, "OBJECT_STORE_BACKEND")
	envString(&c.ObjectStoreBucket, "OBJECT_STORE_BUCKET")
	envString(&c.ObjectStorePath, "OBJECT_STORE_PATH")
	envInt64(&c.MaxExtractSize, "MAX_EXTRACT_SIZE")
	envInt(&c.MaxExtractFiles, "MAX_EXTRACT_FILES")

	envString(&c.NATSURL, "NATS_URL")
	envInt64(&c.SchedulerEventMaxlen, "SCHEDULER_EVENT_MAXLEN")

	envString(&c.AuthMode, "AUTH_MODE")
	envString(&c.JWTSecret, "JWT_SECRET")

	envString(&c.DataDir, "DATA_DIR")
	envInt(&c.HTTPPort, "HTTP_PORT")
	envInt(&c.MetricsPort, "METRICS_PORT")
}

func (c *Config) validate() error {
	switch c.SchedulerRole {
	case "master", "control":
	default:
		return taskerr.New(taskerr.KindValidation, "config: scheduler_role must be master or control")
	}
	switch c.AuthMode {
	case "api_key", "mtls", "hmac", "jwt":
	default:
		return taskerr.New(taskerr.KindValidation, "config: unknown auth_mode "+c.AuthMode)
	}
	if c.MaxConcurrentTasks <= 0 {
		return taskerr.New(taskerr.KindValidation, "config: max_concurrent_tasks must be positive")
	}
	if _, err := time.LoadLocation(c.SchedulerTimezone); err != nil {
		return taskerr.Wrap(taskerr.KindValidation, "config: bad scheduler_timezone", err)
	}
	return nil
}

// Timezone resolves SchedulerTimezone, already validated by Load.
func (c *Config) Timezone() *time.Location {
	loc, err := time.LoadLocation(c.SchedulerTimezone)
	if err != nil {
		return time.UTC
	}
	return loc
}

func envString(dst *string, key string) {
	if v, ok := os.LookupEnv(key); ok {
		*dst = v
	}
}

func envInt(dst *int, key string) {
	if v, ok := os.LookupEnv(key); ok {
		if n, err := strconv.Atoi(v); err == nil {
			*dst = n
		}
	}
}

func envInt64(dst *int64, key string) {
	if v, ok := os.LookupEnv(key); ok {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil {
			*dst = n
		}
	}
}

// envDuration accepts either a Go duration string ("90s") or a bare number
// of seconds, matching how the original deployment expressed these keys.
func envDuration(dst *time.Duration, key string) {
	v, ok := os.LookupEnv(key)
	if !ok {
		return
	}
	if d, err := time.ParseDuration(v); err == nil {
		*dst = d
		return
	}
	if secs, err := strconv.ParseInt(v, 10, 64); err == nil {
		*dst = time.Duration(secs) * time.Second
	}
}
