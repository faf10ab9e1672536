package config

import (
	"fmt"
	"log/slog"
	"math"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

type Config struct {
	AppEnv          string
	LogLevel        slog.Level
	DeviceStationID string

	QueueCapacity int
	StoreBackend  string
	StorePath     string

	MQTTBroker         string
	MQTTPort           int
	MQTTClientID       string
	MQTTTopic          string
	MQTTKeepAlive      time.Duration
	MQTTReconnectDelay time.Duration
	MQTTPublishTimeout time.Duration

	SensorSource       string
	BME280Address      uint16
	SensorPollInterval time.Duration

	DrainInterval   time.Duration
	DrainPause      time.Duration
	DrainRetryLimit int

	DiagHTTPAddr string
}

// Provisioning holds the values written to the node when it is deployed.
// Every field is optional; environment variables take precedence.
type Provisioning struct {
	StationID     string `yaml:"station_id"`
	QueueCapacity int    `yaml:"queue_capacity,omitempty"`
	StoreBackend  string `yaml:"store_backend,omitempty"`
	StorePath     string `yaml:"store_path,omitempty"`
	MQTTBroker    string `yaml:"mqtt_broker,omitempty"`
	MQTTPort      int    `yaml:"mqtt_port,omitempty"`
	MQTTTopic     string `yaml:"mqtt_topic,omitempty"`
}

func LoadProvisioning(path string) (Provisioning, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Provisioning{}, fmt.Errorf("read provisioning file: %w", err)
	}
	var p Provisioning
	if err := yaml.Unmarshal(data, &p); err != nil {
		return Provisioning{}, fmt.Errorf("parse provisioning file %s: %w", path, err)
	}
	return p, nil
}

func LoadFromEnv() (Config, error) {
	var prov Provisioning
	if path := strings.TrimSpace(os.Getenv("NODE_PROVISION_FILE")); path != "" {
		p, err := LoadProvisioning(path)
		if err != nil {
			return Config{}, err
		}
		prov = p
	}

	appEnv := strings.TrimSpace(os.Getenv("APP_ENV"))
	if appEnv == "" {
		appEnv = "dev"
	}
	switch appEnv {
	case "dev", "prod":
	default:
		return Config{}, fmt.Errorf("invalid APP_ENV %q (allowed: dev, prod)", appEnv)
	}

	logLevelStr := strings.TrimSpace(os.Getenv("LOG_LEVEL"))
	if logLevelStr == "" {
		logLevelStr = "info"
	}
	level, err := parseLogLevel(logLevelStr)
	if err != nil {
		return Config{}, err
	}

	stationID := envOr("DEVICE_STATION_ID", prov.StationID, "node")

	capacityStr := envOr("QUEUE_CAPACITY", itoa(prov.QueueCapacity), "256")
	capacity, err := strconv.Atoi(capacityStr)
	if err != nil {
		return Config{}, fmt.Errorf("invalid QUEUE_CAPACITY %q: %w", capacityStr, err)
	}
	if capacity < 1 || capacity > math.MaxUint16 {
		return Config{}, fmt.Errorf("QUEUE_CAPACITY must be in 1..%d, got %d", math.MaxUint16, capacity)
	}

	storeBackend := strings.ToLower(envOr("STORE_BACKEND", prov.StoreBackend, "bolt"))
	switch storeBackend {
	case "bolt", "sqlite", "memory":
	default:
		return Config{}, fmt.Errorf("invalid STORE_BACKEND %q (allowed: bolt, sqlite, memory)", storeBackend)
	}
	storePath := envOr("STORE_PATH", prov.StorePath, "data/queue.db")

	mqttBroker := envOr("MQTT_BROKER", prov.MQTTBroker, "localhost")

	mqttPortStr := envOr("MQTT_PORT", itoa(prov.MQTTPort), "1883")
	mqttPort, err := strconv.Atoi(mqttPortStr)
	if err != nil {
		return Config{}, fmt.Errorf("invalid MQTT_PORT %q: %w", mqttPortStr, err)
	}
	if mqttPort < 1 || mqttPort > 65535 {
		return Config{}, fmt.Errorf("MQTT_PORT must be in 1..65535, got %d", mqttPort)
	}

	mqttClientID := strings.TrimSpace(os.Getenv("MQTT_CLIENT_ID"))
	if mqttClientID == "" {
		mqttClientID = "cloudpico-node"
	}

	mqttTopic := envOr("MQTT_TOPIC", prov.MQTTTopic, fmt.Sprintf("kargo/sensors/%s/data", stationID))

	mqttKeepAlive, err := positiveDuration("MQTT_KEEPALIVE", "60s")
	if err != nil {
		return Config{}, err
	}
	mqttReconnectDelay, err := positiveDuration("MQTT_RECONNECT_DELAY", "5s")
	if err != nil {
		return Config{}, err
	}
	mqttPublishTimeout, err := positiveDuration("MQTT_PUBLISH_TIMEOUT", "5s")
	if err != nil {
		return Config{}, err
	}

	sensorSource := strings.ToLower(strings.TrimSpace(os.Getenv("SENSOR_SOURCE")))
	if sensorSource == "" {
		sensorSource = "simulated"
	}
	switch sensorSource {
	case "simulated", "bme280":
	default:
		return Config{}, fmt.Errorf("invalid SENSOR_SOURCE %q (allowed: simulated, bme280)", sensorSource)
	}

	bme280AddressStr := strings.TrimSpace(os.Getenv("BME280_ADDRESS"))
	if bme280AddressStr == "" {
		bme280AddressStr = "0x76"
	}
	bme280Address, err := strconv.ParseUint(bme280AddressStr, 0, 16)
	if err != nil {
		return Config{}, fmt.Errorf("invalid BME280_ADDRESS %q: %w", bme280AddressStr, err)
	}

	sensorPollInterval, err := positiveDuration("SENSOR_POLL_INTERVAL", "15m")
	if err != nil {
		return Config{}, err
	}
	// A connected submit waits up to the publish timeout for the PUBACK,
	// and the next sample must not be due before that wait ends.
	if sensorPollInterval <= mqttPublishTimeout {
		return Config{}, fmt.Errorf("SENSOR_POLL_INTERVAL (%v) must exceed MQTT_PUBLISH_TIMEOUT (%v)",
			sensorPollInterval, mqttPublishTimeout)
	}

	drainInterval, err := positiveDuration("DRAIN_INTERVAL", "1s")
	if err != nil {
		return Config{}, err
	}

	drainPauseStr := strings.TrimSpace(os.Getenv("DRAIN_PAUSE"))
	if drainPauseStr == "" {
		drainPauseStr = "100ms"
	}
	drainPause, err := time.ParseDuration(drainPauseStr)
	if err != nil {
		return Config{}, fmt.Errorf("invalid DRAIN_PAUSE %q: %w", drainPauseStr, err)
	}
	if drainPause < 0 {
		return Config{}, fmt.Errorf("DRAIN_PAUSE must not be negative, got %v", drainPause)
	}

	retryLimitStr := strings.TrimSpace(os.Getenv("DRAIN_RETRY_LIMIT"))
	if retryLimitStr == "" {
		retryLimitStr = "0"
	}
	retryLimit, err := strconv.Atoi(retryLimitStr)
	if err != nil {
		return Config{}, fmt.Errorf("invalid DRAIN_RETRY_LIMIT %q: %w", retryLimitStr, err)
	}
	if retryLimit < 0 {
		return Config{}, fmt.Errorf("DRAIN_RETRY_LIMIT must not be negative, got %d", retryLimit)
	}

	// Unset means the default; set to empty disables the listener.
	diagAddr, ok := os.LookupEnv("DIAG_HTTP_ADDR")
	if !ok {
		diagAddr = ":8080"
	}
	diagAddr = strings.TrimSpace(diagAddr)

	return Config{
		AppEnv:             appEnv,
		LogLevel:           level,
		DeviceStationID:    stationID,
		QueueCapacity:      capacity,
		StoreBackend:       storeBackend,
		StorePath:          storePath,
		MQTTBroker:         mqttBroker,
		MQTTPort:           mqttPort,
		MQTTClientID:       mqttClientID,
		MQTTTopic:          mqttTopic,
		MQTTKeepAlive:      mqttKeepAlive,
		MQTTReconnectDelay: mqttReconnectDelay,
		MQTTPublishTimeout: mqttPublishTimeout,
		SensorSource:       sensorSource,
		BME280Address:      uint16(bme280Address),
		SensorPollInterval: sensorPollInterval,
		DrainInterval:      drainInterval,
		DrainPause:         drainPause,
		DrainRetryLimit:    retryLimit,
		DiagHTTPAddr:       diagAddr,
	}, nil
}

// envOr returns the trimmed environment value, then the provisioned value,
// then def.
func envOr(key, provisioned, def string) string {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		return v
	}
	if v := strings.TrimSpace(provisioned); v != "" {
		return v
	}
	return def
}

func itoa(n int) string {
	if n == 0 {
		return ""
	}
	return strconv.Itoa(n)
}

func positiveDuration(key, def string) (time.Duration, error) {
	s := strings.TrimSpace(os.Getenv(key))
	if s == "" {
		s = def
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return 0, fmt.Errorf("invalid %s %q: %w", key, s, err)
	}
	if d <= 0 {
		return 0, fmt.Errorf("%s must be positive, got %v", key, d)
	}
	return d, nil
}

func parseLogLevel(s string) (slog.Level, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "debug":
		return slog.LevelDebug, nil
	case "info":
		return slog.LevelInfo, nil
	case "warn", "warning":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	default:
		return slog.LevelInfo, fmt.Errorf("invalid LOG_LEVEL %q (allowed: debug, info, warn, error)", s)
	}
}
