package config

import (
	"time"

	"github.com/spf13/viper"
)

type Config struct {
	ServerPort        string
	RedisAddr         string
	RedisPass         string
	RedisDB           int
	WorkerCount       int
	HeartbeatInterval time.Duration
	EventStream       string
	ApprovalTTL       time.Duration
	RetryDelay        time.Duration
}

// Load reads configuration from the environment with sane local defaults.
func Load() *Config {
	v := viper.New()
	v.AutomaticEnv()

	v.SetDefault("server_port", "8080")
	v.SetDefault("redis_addr", "localhost:6379")
	v.SetDefault("redis_password", "")
	v.SetDefault("redis_db", 0)
	v.SetDefault("worker_count", 3)
	v.SetDefault("heartbeat_interval", time.Minute)
	v.SetDefault("event_stream", "autopilot:events")
	v.SetDefault("approval_ttl", 24*time.Hour)
	v.SetDefault("retry_delay", 30*time.Second)

	return &Config{
		ServerPort:        v.GetString("server_port"),
		RedisAddr:         v.GetString("redis_addr"),
		RedisPass:         v.GetString("redis_password"),
		RedisDB:           v.GetInt("redis_db"),
		WorkerCount:       v.GetInt("worker_count"),
		HeartbeatInterval: v.GetDuration("heartbeat_interval"),
		EventStream:       v.GetString("event_stream"),
		ApprovalTTL:       v.GetDuration("approval_ttl"),
		RetryDelay:        v.GetDuration("retry_delay"),
	}
}
