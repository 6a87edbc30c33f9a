package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

type WorkerConfig struct {
	Environment string
	Redis       RedisConfig
	Queue       QueueConfig
	Postgres    PostgresConfig
	Storage     StorageConfig
	Webhook     WebhookConfig
	Logging     LoggingConfig
}

type QueueConfig struct {
	Stream        string
	Group         string
	Consumer      string
	ClaimInterval time.Duration
}

// WebhookConfig describes where rendered notifications are handed off. An
// empty URL means notifications are only logged.
type WebhookConfig struct {
	URL            string
	Secret         string
	Timeout        time.Duration
	MaxElapsedTime time.Duration
}

type LoggingConfig struct {
	Level string
}

func LoadWorker() (*WorkerConfig, error) {
	_ = godotenv.Load()

	v := viper.New()
	v.SetConfigName("worker")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")
	v.AddConfigPath("./config")
	v.AddConfigPath("../../config")
	v.SetEnvPrefix("PORTALAUTH_WORKER")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setWorkerDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("load config: %w", err)
		}
	}

	var cfg WorkerConfig
	if err := v.Unmarshal(&cfg, decoderOptions); err != nil {
		return nil, fmt.Errorf("unmarshal: %w", err)
	}

	return &cfg, nil
}

func setWorkerDefaults(v *viper.Viper) {
	v.SetDefault("environment", "development")
	v.SetDefault("redis.addr", "127.0.0.1:6379")
	v.SetDefault("redis.password", "")
	v.SetDefault("redis.db", 0)

	v.SetDefault("queue.stream", "portalauth:tasks")
	v.SetDefault("queue.group", "portalauth-workers")
	v.SetDefault("queue.consumer", "worker-1")
	v.SetDefault("queue.claiminterval", "30s")

	v.SetDefault("postgres.dsn", "")
	v.SetDefault("postgres.maxopen", 5)
	v.SetDefault("postgres.maxidle", 1)
	v.SetDefault("postgres.connmaxlifetime", "30m")

	v.SetDefault("storage.endpoint", "")
	v.SetDefault("storage.accesskey", "")
	v.SetDefault("storage.secretkey", "")
	v.SetDefault("storage.bucketaudit", "portalauth-audit-archive")
	v.SetDefault("storage.usessl", false)
	v.SetDefault("storage.region", "us-east-1")

	v.SetDefault("webhook.url", "")
	v.SetDefault("webhook.secret", "")
	v.SetDefault("webhook.timeout", "5s")
	v.SetDefault("webhook.maxelapsedtime", "1m")

	v.SetDefault("logging.level", "info")
}
