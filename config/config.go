package config

import (
	"errors"
	"io/fs"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/eddielth/gadgetbridge-mqtt/logger"
	"github.com/fsnotify/fsnotify"
	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

// Config 表示应用程序的配置
type Config struct {
	MQTT         MQTTConfig             `mapstructure:"mqtt"`
	Topics       TopicConfig            `mapstructure:"topics"`
	Database     DatabaseConfig         `mapstructure:"database"`
	Scheduler    SchedulerConfig        `mapstructure:"scheduler"`
	Health       HealthConfig           `mapstructure:"health"`
	Metrics      MetricsConfig          `mapstructure:"metrics"`
	Logger       LoggerConfig           `mapstructure:"logger"`
	Transformers map[string]Transformer `mapstructure:"transformers"`
	DeviceFilter string                 `mapstructure:"device_filter"`
}

// MQTTConfig 表示MQTT连接的配置
type MQTTConfig struct {
	Broker         string        `mapstructure:"broker"`
	Port           int           `mapstructure:"port"`
	ClientID       string        `mapstructure:"client_id"`
	Username       string        `mapstructure:"username"`
	Password       string        `mapstructure:"password"`
	ConnectTimeout time.Duration `mapstructure:"connect_timeout"`
	RetainState    bool          `mapstructure:"retain_state"`
}

// TopicConfig holds the topic prefixes used for discovery and state messages.
type TopicConfig struct {
	DiscoveryPrefix string `mapstructure:"discovery_prefix"`
	BaseTopic       string `mapstructure:"base_topic"`
}

// DatabaseConfig describes the read-only datastore.
type DatabaseConfig struct {
	Driver      string        `mapstructure:"driver"`
	Path        string        `mapstructure:"path"`
	DSN         string        `mapstructure:"dsn"`
	BusyTimeout time.Duration `mapstructure:"busy_timeout"`
}

// Source returns the file path for sqlite and the DSN for server drivers.
func (d DatabaseConfig) Source() string {
	switch strings.ToLower(d.Driver) {
	case "", "sqlite":
		return d.Path
	default:
		return d.DSN
	}
}

// SchedulerConfig controls the publish cycle.
type SchedulerConfig struct {
	IntervalSeconds int `mapstructure:"interval_seconds"`
}

// Interval returns the cycle interval as a duration.
func (s SchedulerConfig) Interval() time.Duration {
	return time.Duration(s.IntervalSeconds) * time.Second
}

// HealthConfig configures the liveness side channel and the probe.
type HealthConfig struct {
	LivenessFile     string `mapstructure:"liveness_file"`
	StalenessSeconds int    `mapstructure:"staleness_seconds"`
}

// Staleness returns the probe threshold; zero means twice the interval.
func (h HealthConfig) Staleness(interval time.Duration) time.Duration {
	if h.StalenessSeconds > 0 {
		return time.Duration(h.StalenessSeconds) * time.Second
	}
	return 2 * interval
}

// MetricsConfig enables the HTTP status listener when Addr is set.
type MetricsConfig struct {
	Addr string `mapstructure:"addr"`
}

// Transformer 表示脚本化的指标转换器配置
type Transformer struct {
	Table           string   `mapstructure:"table"`
	DeviceColumn    string   `mapstructure:"device_column"`
	TimestampColumn string   `mapstructure:"timestamp_column"`
	TimeUnit        string   `mapstructure:"time_unit"`
	ScriptPath      string   `mapstructure:"script_path"`
	ScriptCode      string   `mapstructure:"script_code"`
	Sensors         []Sensor `mapstructure:"sensors"`
}

// Sensor describes one metric produced by a scripted transformer.
type Sensor struct {
	Key         string   `mapstructure:"key"`
	Name        string   `mapstructure:"name"`
	Unit        string   `mapstructure:"unit"`
	ValueType   string   `mapstructure:"value_type"`
	DeviceClass string   `mapstructure:"device_class"`
	StateClass  string   `mapstructure:"state_class"`
	Icon        string   `mapstructure:"icon"`
	Options     []string `mapstructure:"options"`
}

// LoggerConfig 表示日志配置
type LoggerConfig struct {
	Level      string `mapstructure:"level"`
	FilePath   string `mapstructure:"file_path"`
	MaxSize    int    `mapstructure:"max_size"`
	MaxBackups int    `mapstructure:"max_backups"`
	Console    bool   `mapstructure:"console"`
}

// envBindings maps config keys to the environment variables a deployment sets.
var envBindings = map[string]string{
	"mqtt.broker":                "MQTT_BROKER",
	"mqtt.port":                  "MQTT_PORT",
	"mqtt.client_id":             "MQTT_CLIENT_ID",
	"mqtt.username":              "MQTT_USERNAME",
	"mqtt.password":              "MQTT_PASSWORD",
	"mqtt.connect_timeout":       "MQTT_CONNECT_TIMEOUT",
	"mqtt.retain_state":          "MQTT_RETAIN_STATE",
	"topics.discovery_prefix":    "DISCOVERY_PREFIX",
	"topics.base_topic":          "BASE_TOPIC",
	"database.driver":            "DB_DRIVER",
	"database.path":              "GADGETBRIDGE_DB_PATH",
	"database.dsn":               "DB_DSN",
	"database.busy_timeout":      "DB_BUSY_TIMEOUT",
	"scheduler.interval_seconds": "PUBLISH_INTERVAL_SECONDS",
	"health.liveness_file":       "LIVENESS_FILE",
	"health.staleness_seconds":   "HEALTH_STALENESS_SECONDS",
	"metrics.addr":               "METRICS_ADDR",
	"logger.level":               "LOG_LEVEL",
	"logger.file_path":           "LOG_FILE",
	"logger.max_size":            "LOG_MAX_SIZE",
	"logger.max_backups":         "LOG_MAX_BACKUPS",
	"logger.console":             "LOG_CONSOLE",
	"device_filter":              "DEVICE_FILTER",
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("mqtt.broker", "localhost")
	v.SetDefault("mqtt.port", 1883)
	v.SetDefault("mqtt.client_id", "")
	v.SetDefault("mqtt.username", "")
	v.SetDefault("mqtt.password", "")
	v.SetDefault("mqtt.connect_timeout", "30s")
	v.SetDefault("mqtt.retain_state", true)
	v.SetDefault("topics.discovery_prefix", "homeassistant")
	v.SetDefault("topics.base_topic", "gadgetbridge")
	v.SetDefault("database.driver", "sqlite")
	v.SetDefault("database.path", "/data/Gadgetbridge.db")
	v.SetDefault("database.dsn", "")
	v.SetDefault("database.busy_timeout", "5s")
	v.SetDefault("scheduler.interval_seconds", 300)
	v.SetDefault("health.liveness_file", "/tmp/gadgetbridge-mqtt/liveness.json")
	v.SetDefault("health.staleness_seconds", 0)
	v.SetDefault("metrics.addr", "")
	v.SetDefault("logger.level", "info")
	v.SetDefault("logger.file_path", "")
	v.SetDefault("logger.max_size", 10)
	v.SetDefault("logger.max_backups", 5)
	v.SetDefault("logger.console", true)
	v.SetDefault("device_filter", "")
}

// ConfigChangeCallback 是配置文件变更时的回调函数类型
type ConfigChangeCallback func(cfg *Config) error

// Loader reads configuration from the environment, an optional .env file
// and an optional YAML file.
type Loader struct {
	v          *viper.Viper
	configPath string
	mu         sync.Mutex
}

// NewLoader creates a loader; configPath may be empty. Variables from a
// .env file in the working directory are loaded without overriding the
// process environment.
func NewLoader(configPath string) *Loader {
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		logger.Warn("failed to load .env file: %v", err)
	}

	v := viper.New()
	setDefaults(v)
	for key, env := range envBindings {
		// BindEnv only fails when called without a key
		_ = v.BindEnv(key, env)
	}

	return &Loader{v: v, configPath: configPath}
}

// Load 加载配置
func (l *Loader) Load() (*Config, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.configPath != "" {
		l.v.SetConfigFile(l.configPath)
		l.v.SetConfigType("yaml")
		if err := l.v.ReadInConfig(); err != nil {
			return nil, err
		}
	}

	var config Config
	if err := l.v.Unmarshal(&config); err != nil {
		return nil, err
	}

	return &config, nil
}

// LoadConfig 从环境变量和可选的配置文件加载配置
func LoadConfig(configPath string) (*Config, error) {
	return NewLoader(configPath).Load()
}

// Watch 监听配置文件变化并调用回调函数
func (l *Loader) Watch(callback ConfigChangeCallback) error {
	if l.configPath == "" {
		return errors.New("no config file to watch")
	}

	absPath, err := filepath.Abs(l.configPath)
	if err != nil {
		return err
	}

	l.v.SetConfigFile(absPath)

	var lastChangeTime time.Time
	debounceInterval := 2 * time.Second

	l.v.OnConfigChange(func(e fsnotify.Event) {
		if !e.Has(fsnotify.Write) && !e.Has(fsnotify.Create) {
			return
		}

		now := time.Now()
		if now.Sub(lastChangeTime) < debounceInterval {
			return
		}
		lastChangeTime = now

		logger.Info("config file changed: %s", e.Name)

		l.mu.Lock()
		var newConfig Config
		err := l.v.Unmarshal(&newConfig)
		l.mu.Unlock()
		if err != nil {
			logger.Error("failed to parse updated config: %v", err)
			return
		}

		if err := callback(&newConfig); err != nil {
			logger.Error("failed to apply updated config: %v", err)
		}
	})
	l.v.WatchConfig()

	return nil
}
