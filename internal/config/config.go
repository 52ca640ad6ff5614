package config

import (
	"fmt"
	"time"

	"github.com/spf13/viper"
)

// FileName is looked up in the config directory passed to Load.
const FileName = "aquarius.cfg.json"

// StorageConfig selects the history/settings backend.
type StorageConfig struct {
	Type     string // memory, sqlite, postgres, mongo
	Memory   MemoryConfig
	SQLite   SQLiteConfig
	Postgres PostgresConfig
	Mongo    MongoConfig
}

// MemoryConfig holds the in-memory backend settings. When OutputDir is set
// the history is exported there on Close.
type MemoryConfig struct {
	OutputDir      string `json:"outputDir" mapstructure:"outputDir"`
	CompressOutput bool   `json:"compressOutput" mapstructure:"compressOutput"`
}

type SQLiteConfig struct {
	Path           string
	BackupPath     string // VACUUM INTO target, empty disables backups
	BackupInterval time.Duration
}

type PostgresConfig struct {
	Host     string
	Port     string
	Username string
	Password string
	Database string
	SSLMode  string
}

type MongoConfig struct {
	URI      string
	Database string
	Timeout  time.Duration
}

// OTelConfig holds OpenTelemetry settings.
type OTelConfig struct {
	Enabled      bool
	ServiceName  string
	BatchTimeout time.Duration
	Endpoint     string // OTLP endpoint, empty disables the exporter
	Insecure     bool
}

// AcquisitionConfig configures the NMEA adapter. A source is
// "host:port", "tcp://host:port" or "serial:///dev/ttyUSB0?baud=9600";
// an empty source means the provider is not available on this host.
type AcquisitionConfig struct {
	GPSSource       string
	NetworkSource   string
	DialTimeout     time.Duration
	ReconnectPerSec int
	AutoStart       bool
	AccuracyPerHDOP float64
	LastKnownMaxAge time.Duration
}

type ServerConfig struct {
	Listen string
	APIKey string
	URL    string // used by CLI subcommands
}

type InfluxConfig struct {
	Enabled  bool
	Protocol string
	Host     string
	Port     string
	Token    string
	Org      string
	Bucket   string
	Backup   string // gzip line protocol file used while the server is unreachable
}

type RedisConfig struct {
	Enabled  bool
	Address  string
	Password string
	DB       int
	TTL      time.Duration
}

// RelayConfig points the history relay at a remote collector's WebSocket.
type RelayConfig struct {
	Enabled bool
	URL     string
	Secret  string
}

type EventLogConfig struct {
	Capacity int
}

type GraylogConfig struct {
	Enabled bool
	Address string
}

type MonitorConfig struct {
	Interval time.Duration
}

// Load sets defaults and reads FileName from configDir. A missing file is
// reported as an error; defaults remain in effect either way.
func Load(configDir string) error {
	viper.SetDefault("logLevel", "info")
	viper.SetDefault("logsDir", "./logs")

	viper.SetDefault("server.listen", "127.0.0.1:8088")
	viper.SetDefault("server.apiKey", "")
	viper.SetDefault("server.url", "http://127.0.0.1:8088")

	viper.SetDefault("storage.type", "sqlite")
	viper.SetDefault("storage.memory.outputDir", "")
	viper.SetDefault("storage.memory.compressOutput", true)
	viper.SetDefault("storage.sqlite.path", "./aquarius.db")
	viper.SetDefault("storage.sqlite.backupPath", "")
	viper.SetDefault("storage.sqlite.backupInterval", "1h")

	viper.SetDefault("db.host", "localhost")
	viper.SetDefault("db.port", "5432")
	viper.SetDefault("db.username", "postgres")
	viper.SetDefault("db.password", "postgres")
	viper.SetDefault("db.database", "aquarius")
	viper.SetDefault("db.sslmode", "disable")

	viper.SetDefault("mongo.uri", "mongodb://localhost:27017")
	viper.SetDefault("mongo.database", "aquarius")
	viper.SetDefault("mongo.timeout", "10s")

	viper.SetDefault("acquisition.gpsSource", "localhost:10110")
	viper.SetDefault("acquisition.networkSource", "")
	viper.SetDefault("acquisition.dialTimeout", "5s")
	viper.SetDefault("acquisition.reconnectPerSec", 1)
	viper.SetDefault("acquisition.autoStart", true)
	viper.SetDefault("acquisition.accuracyPerHdop", 5.0)
	viper.SetDefault("acquisition.lastKnownMaxAge", "10m")

	viper.SetDefault("eventLog.capacity", 1000)

	viper.SetDefault("influx.enabled", false)
	viper.SetDefault("influx.host", "localhost")
	viper.SetDefault("influx.port", "8086")
	viper.SetDefault("influx.protocol", "http")
	viper.SetDefault("influx.token", "")
	viper.SetDefault("influx.org", "aquarius")
	viper.SetDefault("influx.bucket", "aquarius")
	viper.SetDefault("influx.backup", "influx_backup.lp.gz")

	viper.SetDefault("redis.enabled", false)
	viper.SetDefault("redis.address", "localhost:6379")
	viper.SetDefault("redis.password", "")
	viper.SetDefault("redis.db", 0)
	viper.SetDefault("redis.ttl", "24h")

	viper.SetDefault("relay.enabled", false)
	viper.SetDefault("relay.url", "ws://localhost:5000/api/v1/stream")
	viper.SetDefault("relay.secret", "")

	viper.SetDefault("graylog.enabled", false)
	viper.SetDefault("graylog.address", "localhost:12201")

	viper.SetDefault("otel.enabled", false)
	viper.SetDefault("otel.serviceName", "aquarius")
	viper.SetDefault("otel.batchTimeout", "5s")
	viper.SetDefault("otel.endpoint", "")
	viper.SetDefault("otel.insecure", true)

	viper.SetDefault("monitor.interval", "30s")

	viper.SetConfigName(FileName)
	viper.AddConfigPath(configDir)
	viper.SetConfigType("json")

	if err := viper.ReadInConfig(); err != nil {
		return fmt.Errorf("error reading config file: %w", err)
	}
	return nil
}

func GetString(key string) string {
	return viper.GetString(key)
}

func GetInt(key string) int {
	return viper.GetInt(key)
}

func GetBool(key string) bool {
	return viper.GetBool(key)
}

func GetStorageConfig() StorageConfig {
	return StorageConfig{
		Type: viper.GetString("storage.type"),
		Memory: MemoryConfig{
			OutputDir:      viper.GetString("storage.memory.outputDir"),
			CompressOutput: viper.GetBool("storage.memory.compressOutput"),
		},
		SQLite: SQLiteConfig{
			Path:           viper.GetString("storage.sqlite.path"),
			BackupPath:     viper.GetString("storage.sqlite.backupPath"),
			BackupInterval: viper.GetDuration("storage.sqlite.backupInterval"),
		},
		Postgres: PostgresConfig{
			Host:     viper.GetString("db.host"),
			Port:     viper.GetString("db.port"),
			Username: viper.GetString("db.username"),
			Password: viper.GetString("db.password"),
			Database: viper.GetString("db.database"),
			SSLMode:  viper.GetString("db.sslmode"),
		},
		Mongo: MongoConfig{
			URI:      viper.GetString("mongo.uri"),
			Database: viper.GetString("mongo.database"),
			Timeout:  viper.GetDuration("mongo.timeout"),
		},
	}
}

func GetOTelConfig() OTelConfig {
	return OTelConfig{
		Enabled:      viper.GetBool("otel.enabled"),
		ServiceName:  viper.GetString("otel.serviceName"),
		BatchTimeout: viper.GetDuration("otel.batchTimeout"),
		Endpoint:     viper.GetString("otel.endpoint"),
		Insecure:     viper.GetBool("otel.insecure"),
	}
}

func GetAcquisitionConfig() AcquisitionConfig {
	return AcquisitionConfig{
		GPSSource:       viper.GetString("acquisition.gpsSource"),
		NetworkSource:   viper.GetString("acquisition.networkSource"),
		DialTimeout:     viper.GetDuration("acquisition.dialTimeout"),
		ReconnectPerSec: viper.GetInt("acquisition.reconnectPerSec"),
		AutoStart:       viper.GetBool("acquisition.autoStart"),
		AccuracyPerHDOP: viper.GetFloat64("acquisition.accuracyPerHdop"),
		LastKnownMaxAge: viper.GetDuration("acquisition.lastKnownMaxAge"),
	}
}

func GetServerConfig() ServerConfig {
	return ServerConfig{
		Listen: viper.GetString("server.listen"),
		APIKey: viper.GetString("server.apiKey"),
		URL:    viper.GetString("server.url"),
	}
}

func GetInfluxConfig() InfluxConfig {
	return InfluxConfig{
		Enabled:  viper.GetBool("influx.enabled"),
		Protocol: viper.GetString("influx.protocol"),
		Host:     viper.GetString("influx.host"),
		Port:     viper.GetString("influx.port"),
		Token:    viper.GetString("influx.token"),
		Org:      viper.GetString("influx.org"),
		Bucket:   viper.GetString("influx.bucket"),
		Backup:   viper.GetString("influx.backup"),
	}
}

func GetRedisConfig() RedisConfig {
	return RedisConfig{
		Enabled:  viper.GetBool("redis.enabled"),
		Address:  viper.GetString("redis.address"),
		Password: viper.GetString("redis.password"),
		DB:       viper.GetInt("redis.db"),
		TTL:      viper.GetDuration("redis.ttl"),
	}
}

func GetRelayConfig() RelayConfig {
	return RelayConfig{
		Enabled: viper.GetBool("relay.enabled"),
		URL:     viper.GetString("relay.url"),
		Secret:  viper.GetString("relay.secret"),
	}
}

func GetEventLogConfig() EventLogConfig {
	return EventLogConfig{Capacity: viper.GetInt("eventLog.capacity")}
}

func GetGraylogConfig() GraylogConfig {
	return GraylogConfig{
		Enabled: viper.GetBool("graylog.enabled"),
		Address: viper.GetString("graylog.address"),
	}
}

func GetMonitorConfig() MonitorConfig {
	return MonitorConfig{Interval: viper.GetDuration("monitor.interval")}
}
