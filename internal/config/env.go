package config

import (
	"log"
	"os"
	"strconv"
	"strings"

	"github.com/joho/godotenv"
)

// applyEnvOverrides lets deployment-specific values (interfaces, endpoints,
// credentials) come from the environment or an optional .env file.
func applyEnvOverrides(cfg *Config) {
	// Load .env file if it exists
	_ = godotenv.Load()

	if v := os.Getenv("ARPGUARD_INTERFACES"); v != "" {
		cfg.Capture.Interfaces = splitList(v)
	}
	cfg.Capture.PcapFile = getEnv("ARPGUARD_PCAP_FILE", cfg.Capture.PcapFile)
	cfg.Capture.RecordPath = getEnv("ARPGUARD_RECORD_PATH", cfg.Capture.RecordPath)
	cfg.Classifier.ModelPath = getEnv("ARPGUARD_MODEL_PATH", cfg.Classifier.ModelPath)

	cfg.Learning.Enabled = getEnvBool("ARPGUARD_LEARNING_ENABLED", cfg.Learning.Enabled)
	cfg.Learning.StatePath = getEnv("ARPGUARD_LEARNING_STATE", cfg.Learning.StatePath)
	cfg.Fusion.HighSeverityThreshold = getEnvFloat("ARPGUARD_HIGH_SEVERITY_THRESHOLD", cfg.Fusion.HighSeverityThreshold)
	cfg.Fusion.ClassifyThreshold = getEnvFloat("ARPGUARD_CLASSIFY_THRESHOLD", cfg.Fusion.ClassifyThreshold)

	cfg.Registry.BackupDir = getEnv("ARPGUARD_BACKUP_DIR", cfg.Registry.BackupDir)
	cfg.Registry.RedisAddr = getEnv("ARPGUARD_REDIS_ADDR", cfg.Registry.RedisAddr)

	cfg.Stream.ClickHouse.Host = getEnv("ARPGUARD_CLICKHOUSE_HOST", cfg.Stream.ClickHouse.Host)
	cfg.Stream.ClickHouse.Password = getEnv("ARPGUARD_CLICKHOUSE_PASSWORD", cfg.Stream.ClickHouse.Password)

	cfg.Alerts.NATS.URL = getEnv("ARPGUARD_NATS_URL", cfg.Alerts.NATS.URL)
	cfg.Alerts.MQTT.Broker = getEnv("ARPGUARD_MQTT_BROKER", cfg.Alerts.MQTT.Broker)
	cfg.Alerts.MQTT.Username = getEnv("ARPGUARD_MQTT_USERNAME", cfg.Alerts.MQTT.Username)
	cfg.Alerts.MQTT.Password = getEnv("ARPGUARD_MQTT_PASSWORD", cfg.Alerts.MQTT.Password)

	cfg.API.ListenAddr = getEnv("ARPGUARD_API_ADDR", cfg.API.ListenAddr)
	cfg.API.GRPCHealthAddr = getEnv("ARPGUARD_GRPC_HEALTH_ADDR", cfg.API.GRPCHealthAddr)
}

func splitList(v string) []string {
	var out []string
	for _, part := range strings.Split(v, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

func getEnv(key, defaultValue string) string {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	return value
}

func getEnvFloat(key string, defaultValue float64) float64 {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}

	floatValue, err := strconv.ParseFloat(value, 64)
	if err != nil {
		log.Printf("Warning: failed to parse %s as float, using default: %v", key, err)
		return defaultValue
	}
	return floatValue
}

func getEnvBool(key string, defaultValue bool) bool {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}

	boolValue, err := strconv.ParseBool(value)
	if err != nil {
		log.Printf("Warning: failed to parse %s as bool, using default: %v", key, err)
		return defaultValue
	}
	return boolValue
}
