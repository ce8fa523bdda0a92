package config

import (
	"fmt"
	"log"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

const (
	CooldownScopeLane  = "lane"
	CooldownScopePlate = "plate"

	RecordModeImmediate = "immediate"
	RecordModeBatched   = "batched"

	DropNewest = "newest"
	DropOldest = "oldest"
)

type Config struct {
	Port     int
	APIToken string

	LogDirectory string

	// Classifier
	ModelPath          string
	ModelConfigPath    string
	ModelLabels        map[int]string
	DetectionThreshold float64
	AllowedLabels      []string
	ClassifyWidth      int
	ClassifyHeight     int

	// OCR
	OCREnabled    bool
	OCRLanguages  []string
	PlateAttempts int // classified frames a candidate may wait for a plate read

	// Sampling and debounce
	ProcessingInterval int // classify every Nth frame
	Cooldown           time.Duration
	CooldownScope      string
	ClassifyWorkers    int // 0 keeps classification on the lane goroutine
	ClassifyQueue      int
	DropPolicy         string

	// Evidence store
	DBDriver      string
	DBDSN         string
	EvidenceDir   string
	RecordMode    string
	BatchLimit    int
	FlushInterval time.Duration
	FlushRetries  int

	// Actuation
	MQTT MQTTConfig

	StreamEnabled bool

	Lanes []LaneConfig
}

type MQTTConfig struct {
	Broker         string        `yaml:"broker"`
	ClientID       string        `yaml:"client_id"`
	Username       string        `yaml:"username"`
	Password       string        `yaml:"password"`
	Topic          string        `yaml:"topic"`
	QoS            byte          `yaml:"qos"`
	ConnectTimeout time.Duration `yaml:"connect_timeout"`
	PublishTimeout time.Duration `yaml:"publish_timeout"`
	Retries        int           `yaml:"retries"`
	Backoff        time.Duration `yaml:"backoff"`
	QueueSize      int           `yaml:"queue_size"`
}

// LaneConfig describes one monitored camera feed.
type LaneConfig struct {
	Name      string            `yaml:"name"`
	Source    string            `yaml:"source"`
	Direction string            `yaml:"direction"`
	Topic     string            `yaml:"topic,omitempty"`
	Actions   map[string]string `yaml:"actions"`
}

type lanesFile struct {
	Lanes []LaneConfig `yaml:"lanes"`
}

// Load reads .env (if present), the environment and the optional lanes file.
func Load() (*Config, error) {
	if err := godotenv.Load(); err != nil && !os.IsNotExist(err) {
		log.Printf("Could not load .env file: %v", err)
	}

	cfg := &Config{
		Port:     getEnvAsInt("PORT", 8080),
		APIToken: getEnv("API_TOKEN", ""),

		LogDirectory: getEnv("LOG_DIR", filepath.Join(".", "logs")),

		ModelPath:          getEnv("MODEL_PATH", filepath.Join(".", "models", "frozen_inference_graph.pb")),
		ModelConfigPath:    getEnv("MODEL_CONFIG_PATH", filepath.Join(".", "models", "ssd_mobilenet_v1_coco_2017_11_17.pbtxt")),
		ModelLabels:        parseLabelMap(getEnv("MODEL_LABELS", "3=car,4=motorcycle,6=bus,8=truck")),
		DetectionThreshold: getEnvAsFloat("DETECTION_THRESHOLD", 0.5),
		AllowedLabels:      splitList(getEnv("ALLOWED_LABELS", "car,motorcycle")),
		ClassifyWidth:      getEnvAsInt("CLASSIFY_WIDTH", 0),
		ClassifyHeight:     getEnvAsInt("CLASSIFY_HEIGHT", 0),

		OCREnabled:    getEnvAsBool("OCR_ENABLED", false),
		OCRLanguages:  splitList(getEnv("OCR_LANGUAGES", "eng,ind")),
		PlateAttempts: getEnvAsInt("PLATE_ATTEMPTS", 3),

		ProcessingInterval: getEnvAsInt("PROCESSING_INTERVAL", 5),
		Cooldown:           getEnvAsDuration("COOLDOWN", 120*time.Second),
		CooldownScope:      getEnv("COOLDOWN_SCOPE", CooldownScopeLane),
		ClassifyWorkers:    getEnvAsInt("CLASSIFY_WORKERS", 0),
		ClassifyQueue:      getEnvAsInt("CLASSIFY_QUEUE", 8),
		DropPolicy:         getEnv("DROP_POLICY", DropNewest),

		DBDriver:      getEnv("DB_DRIVER", "sqlite3"),
		DBDSN:         getEnv("DB_DSN", filepath.Join(".", "data", "gatewatch.db")),
		EvidenceDir:   getEnv("EVIDENCE_DIR", filepath.Join(".", "annotations")),
		RecordMode:    getEnv("RECORD_MODE", RecordModeImmediate),
		BatchLimit:    getEnvAsInt("BATCH_LIMIT", 50),
		FlushInterval: getEnvAsDuration("FLUSH_INTERVAL", 30*time.Second),
		FlushRetries:  getEnvAsInt("FLUSH_RETRIES", 3),

		MQTT: MQTTConfig{
			Broker:         getEnv("MQTT_BROKER", ""),
			ClientID:       getEnv("MQTT_CLIENT_ID", "gatewatch"),
			Username:       getEnv("MQTT_USERNAME", ""),
			Password:       getEnv("MQTT_PASSWORD", ""),
			Topic:          getEnv("MQTT_TOPIC", "servo/control"),
			QoS:            byte(getEnvAsInt("MQTT_QOS", 1)),
			ConnectTimeout: getEnvAsDuration("MQTT_CONNECT_TIMEOUT", 5*time.Second),
			PublishTimeout: getEnvAsDuration("MQTT_PUBLISH_TIMEOUT", 2*time.Second),
			Retries:        getEnvAsInt("PUBLISH_RETRIES", 0),
			Backoff:        getEnvAsDuration("PUBLISH_BACKOFF", 500*time.Millisecond),
			QueueSize:      getEnvAsInt("PUBLISH_QUEUE", 32),
		},

		StreamEnabled: getEnvAsBool("STREAM_ENABLED", true),
	}

	if path := getEnv("LANES_FILE", ""); path != "" {
		lanes, err := LoadLanes(path)
		if err != nil {
			return nil, err
		}
		cfg.Lanes = lanes
	} else {
		cfg.Lanes = []LaneConfig{{
			Name:      getEnv("LANE_NAME", "entry"),
			Source:    getEnv("CAMERA_SOURCE", "0"),
			Direction: getEnv("LANE_DIRECTION", "entry"),
			Actions:   parseActions(getEnv("LANE_ACTIONS", "motorcycle=open_entry_bike,car=open_entry_car")),
		}}
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

// LoadLanes parses a YAML lanes file.
func LoadLanes(path string) ([]LaneConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read lanes file: %w", err)
	}

	var f lanesFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("failed to parse lanes file: %w", err)
	}
	return f.Lanes, nil
}

// TopicFor returns the lane's actuation topic, falling back to the broker default.
func (c *Config) TopicFor(lane LaneConfig) string {
	if lane.Topic != "" {
		return lane.Topic
	}
	return c.MQTT.Topic
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvAsInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intValue, err := strconv.Atoi(value); err == nil {
			return intValue
		}
	}
	return defaultValue
}

func getEnvAsFloat(key string, defaultValue float64) float64 {
	if value := os.Getenv(key); value != "" {
		if f, err := strconv.ParseFloat(value, 64); err == nil {
			return f
		}
	}
	return defaultValue
}

func getEnvAsBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if b, err := strconv.ParseBool(value); err == nil {
			return b
		}
	}
	return defaultValue
}

// getEnvAsDuration accepts Go durations ("2m") or plain seconds ("120").
func getEnvAsDuration(key string, defaultValue time.Duration) time.Duration {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	if d, err := time.ParseDuration(value); err == nil {
		return d
	}
	if secs, err := strconv.Atoi(value); err == nil {
		return time.Duration(secs) * time.Second
	}
	return defaultValue
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

// parseActions reads "label=command,label=command".
func parseActions(s string) map[string]string {
	actions := make(map[string]string)
	for _, pair := range splitList(s) {
		label, command, ok := strings.Cut(pair, "=")
		if !ok {
			continue
		}
		actions[strings.TrimSpace(label)] = strings.TrimSpace(command)
	}
	return actions
}

// parseLabelMap reads "3=car,4=motorcycle" into a class-id table.
func parseLabelMap(s string) map[int]string {
	labels := make(map[int]string)
	for id, label := range parseActions(s) {
		n, err := strconv.Atoi(id)
		if err != nil {
			continue
		}
		labels[n] = label
	}
	return labels
}
