package config

import (
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
)

type AppConfig struct {
	LogLevel    string
	ServiceName string

	// External reporting backends. All optional: when unset, the
	// supervisor still runs and crashes are only logged.
	DatabaseURL        string
	RabbitMQURL        string
	RedisURL           string
	RedisSentinelHosts string
	RedisMasterName    string

	// Path to the afl-fuzz binary. Defaults to whatever is on PATH.
	AFLFuzzPath string

	CampaignFile string
	CrashStore   string

	SupervisorConfig SupervisorConfig
}

type SupervisorConfig struct {
	// GracePeriod is how long a graceful Stop waits after SIGTERM
	// before escalating to SIGKILL of the process group.
	GracePeriod time.Duration

	// StatsInterval is how often the fuzzer_stats file is re-read.
	StatsInterval time.Duration

	// PollInterval is the rescan interval of the polling watcher backend.
	PollInterval time.Duration

	// JoinTimeout bounds how long Stop waits for monitor goroutines.
	JoinTimeout time.Duration

	// ExecTimeoutMs is the per-execution afl-fuzz -t value.
	ExecTimeoutMs int
}

func LoadConfig() *AppConfig {
	godotenv.Load()

	config := &AppConfig{
		LogLevel:           os.Getenv("LOG_LEVEL"),
		ServiceName:        os.Getenv("SERVICE_NAME"),
		DatabaseURL:        os.Getenv("DATABASE_URL"),
		RabbitMQURL:        os.Getenv("RABBITMQ_URL"),
		RedisURL:           os.Getenv("OVERRIDE_REDIS_URL"),
		RedisSentinelHosts: os.Getenv("REDIS_SENTINEL_HOSTS"),
		RedisMasterName:    os.Getenv("REDIS_MASTER_NAME"),
		AFLFuzzPath:        os.Getenv("AFL_FUZZ_PATH"),
		CampaignFile:       os.Getenv("CAMPAIGN_FILE"),
		CrashStore:         os.Getenv("CRASH_STORE"),
		SupervisorConfig: SupervisorConfig{
			GracePeriod:   parseDuration(os.Getenv("GRACE_PERIOD"), 10*time.Second),
			StatsInterval: parseDuration(os.Getenv("STATS_INTERVAL"), 5*time.Second),
			PollInterval:  parseDuration(os.Getenv("POLL_INTERVAL"), 5*time.Second),
			JoinTimeout:   parseDuration(os.Getenv("JOIN_TIMEOUT"), 5*time.Second),
			ExecTimeoutMs: parseInt(os.Getenv("EXEC_TIMEOUT_MS"), 1000),
		},
	}

	if config.LogLevel == "" {
		config.LogLevel = "info"
	}
	if config.ServiceName == "" {
		config.ServiceName = "aflwatch"
	}
	if config.AFLFuzzPath == "" {
		config.AFLFuzzPath = "afl-fuzz"
	}
	if config.CampaignFile == "" {
		config.CampaignFile = "campaign.yaml"
	}
	if config.CrashStore == "" {
		config.CrashStore = "/tmp/aflwatch/crashes"
	}

	return config
}

func parseDuration(val string, defaultVal time.Duration) time.Duration {
	if val == "" {
		return defaultVal
	}
	d, err := time.ParseDuration(val)
	if err != nil {
		return defaultVal
	}
	return d
}

func parseInt(val string, defaultVal int) int {
	if val == "" {
		return defaultVal
	}
	i, err := strconv.Atoi(val)
	if err != nil {
		return defaultVal
	}
	return i
}
