package config

import (
	"fmt"
	"os"
	"strconv"
)

type RedisConfig struct {
	URL            string
	ClientPassword string
	Database       int
}

type BrokerConfig struct {
	Prefix         string
	BreakerRetries int
	TokenSecret    string
}

type SchedulerConfig struct {
	MinTaskProcessors int
	MaxTaskProcessors int
	CheckTimeoutMs    int
	MasterLeaseMs     int
}

type WebConfig struct {
	Port int
}

type APIConfig struct {
	URI          string
	ServiceToken string
}

type Config struct {
	SERVICE_NAME string
	TRACE_URL    string
}

func env(key string) string {
	v := os.Getenv(key)
	return v
}

func convertStringToInt(s string, key string) (int, error) {
	sInt, err := strconv.Atoi(s)
	if err != nil {
		return -1, fmt.Errorf("error initializing config with key: %s, err: %v", key, err)
	}
	return sInt, nil
}

func intOrDefault(key string, def int) (int, error) {
	s := env(key)
	if s == "" {
		return def, nil
	}
	return convertStringToInt(s, key)
}

func GetRedisConfig() (*RedisConfig, error) {
	url := env("REDIS_ENDPOINT")
	if url == "" {
		return nil, fmt.Errorf("KEY: REDIS_ENDPOINT is empty")
	}

	db, err := intOrDefault("REDIS_DATABASE", 0)
	if err != nil {
		return nil, err
	}

	return &RedisConfig{
		URL:            url,
		ClientPassword: env("REDIS_CLIENT_PASSWORD"),
		Database:       db,
	}, nil
}

func GetBrokerConfig() (*BrokerConfig, error) {
	retries, err := intOrDefault("BREAKER_RETRIES", 3)
	if err != nil {
		return nil, err
	}

	secret := env("JWT_SECRET")
	if secret == "" {
		return nil, fmt.Errorf("KEY: JWT_SECRET is empty")
	}

	return &BrokerConfig{
		Prefix:         env("QUEUE_PREFIX"),
		BreakerRetries: retries,
		TokenSecret:    secret,
	}, nil
}

func GetSchedulerConfig() (*SchedulerConfig, error) {
	minProcs, err := intOrDefault("MIN_TASK_PROCESSORS", 1)
	if err != nil {
		return nil, err
	}
	maxProcs, err := intOrDefault("MAX_TASK_PROCESSORS", 10)
	if err != nil {
		return nil, err
	}
	if minProcs < 1 || maxProcs < minProcs {
		return nil, fmt.Errorf("invalid task processor bounds: min %d, max %d", minProcs, maxProcs)
	}
	checkMs, err := intOrDefault("CHECK_TIMEOUT_MS", 1000)
	if err != nil {
		return nil, err
	}
	leaseMs, err := intOrDefault("MASTER_LEASE_MS", 10000)
	if err != nil {
		return nil, err
	}

	return &SchedulerConfig{
		MinTaskProcessors: minProcs,
		MaxTaskProcessors: maxProcs,
		CheckTimeoutMs:    checkMs,
		MasterLeaseMs:     leaseMs,
	}, nil
}

func GetWebConfig() (*WebConfig, error) {
	port, err := intOrDefault("PORT", 8080)
	if err != nil {
		return nil, err
	}
	return &WebConfig{Port: port}, nil
}

// GetAPIConfig is optional wiring: without it the broker falls back to the
// tokens carried on each config.
func GetAPIConfig() (*APIConfig, error) {
	uri := env("SD_API_URI")
	tok := env("SD_API_TOKEN")
	if uri != "" && tok == "" {
		return nil, fmt.Errorf("KEY: SD_API_TOKEN is empty")
	}
	return &APIConfig{URI: uri, ServiceToken: tok}, nil
}

func GetConfig() (*Config, error) {
	sn := env("SERVICE_NAME")
	if sn == "" {
		sn = "queue-broker"
	}
	return &Config{
		SERVICE_NAME: sn,
		TRACE_URL:    env("TRACE_URL"),
	}, nil
}
