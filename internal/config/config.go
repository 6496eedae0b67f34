// internal/config/config.go
package config

import (
	"errors"
	"fmt"
	"slices"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config represents the application configuration
type Config struct {
	App         AppConfig         `mapstructure:"app"`
	Logging     LoggingConfig     `mapstructure:"logging"`
	Transport   TransportConfig   `mapstructure:"transport"`
	Stream      StreamConfig      `mapstructure:"stream"`
	Queue       QueueConfig       `mapstructure:"queue"`
	Output      OutputConfig      `mapstructure:"output"`
	HTTP        HTTPConfig        `mapstructure:"http"`
	Security    SecurityConfig    `mapstructure:"security"`
	Database    DatabaseConfig    `mapstructure:"database"`
	Calibration CalibrationConfig `mapstructure:"calibration"`
}

// AppConfig represents application metadata
type AppConfig struct {
	Name        string `mapstructure:"name"`
	Version     string `mapstructure:"version"`
	Environment string `mapstructure:"environment"`
	Debug       bool   `mapstructure:"debug"`
}

// LoggingConfig represents logging configuration
type LoggingConfig struct {
	Level      string `mapstructure:"level"`
	Format     string `mapstructure:"format"`
	Output     string `mapstructure:"output"`
	MaxSize    int    `mapstructure:"max_size"`
	MaxBackups int    `mapstructure:"max_backups"`
	MaxAge     int    `mapstructure:"max_age"`
	Compress   bool   `mapstructure:"compress"`
}

// TransportConfig selects and configures the link to the sensor
type TransportConfig struct {
	Type      string          `mapstructure:"type"`
	Signature SignatureConfig `mapstructure:"signature"`
	BLE       BLEConfig       `mapstructure:"ble"`
	Serial    SerialConfig    `mapstructure:"serial"`
	Demo      DemoConfig      `mapstructure:"demo"`
}

// SignatureConfig identifies the sensor among nearby devices
type SignatureConfig struct {
	Name        string `mapstructure:"name"`
	ServiceUUID string `mapstructure:"service_uuid"`
}

// BLEConfig represents Bluetooth LE configuration
type BLEConfig struct {
	ConnectTimeout time.Duration `mapstructure:"connect_timeout"`
	NotifyBuffer   int           `mapstructure:"notify_buffer"`
}

// SerialConfig represents configuration for a UART bridge
type SerialConfig struct {
	Port        string `mapstructure:"port"`
	PortPattern string `mapstructure:"port_pattern"`
	VendorID    string `mapstructure:"vendor_id"`
	ProductID   string `mapstructure:"product_id"`
	BaudRate    int    `mapstructure:"baud_rate"`
	DataBits    int    `mapstructure:"data_bits"`
	StopBits    int    `mapstructure:"stop_bits"`
	Parity      string `mapstructure:"parity"`
}

// DemoConfig represents the simulated sensor
type DemoConfig struct {
	Interval       time.Duration `mapstructure:"interval"`
	MalformedEvery int           `mapstructure:"malformed_every"`
	Seed           int64         `mapstructure:"seed"`
	BaseReading    int64         `mapstructure:"base_reading"`
	// DisconnectAfter drops the simulated link after N packets; 0 never drops
	DisconnectAfter int `mapstructure:"disconnect_after"`
}

// StreamConfig represents connection timing
type StreamConfig struct {
	ReadingInterval time.Duration   `mapstructure:"reading_interval"`
	ReadTimeout     time.Duration   `mapstructure:"read_timeout"`
	ScanTimeout     time.Duration   `mapstructure:"scan_timeout"`
	MaxFrameSize    int             `mapstructure:"max_frame_size"`
	DrainTimeout    time.Duration   `mapstructure:"drain_timeout"`
	Reconnect       ReconnectConfig `mapstructure:"reconnect"`
}

// ReconnectConfig represents the policy applied after a failed session
type ReconnectConfig struct {
	Mode         string        `mapstructure:"mode"`
	InitialDelay time.Duration `mapstructure:"initial_delay"`
	MaxDelay     time.Duration `mapstructure:"max_delay"`
	Multiplier   float64       `mapstructure:"multiplier"`
	MaxAttempts  int           `mapstructure:"max_attempts"`
	Jitter       bool          `mapstructure:"jitter"`
}

// QueueConfig represents packet queue configuration
type QueueConfig struct {
	Capacity int `mapstructure:"capacity"`
}

// OutputConfig represents the sample log
type OutputConfig struct {
	Path            string `mapstructure:"path"`
	TruncateOnStart bool   `mapstructure:"truncate_on_start"`
}

// HTTPConfig represents the status server
type HTTPConfig struct {
	Enabled         bool          `mapstructure:"enabled"`
	Host            string        `mapstructure:"host"`
	Port            string        `mapstructure:"port"`
	ReadTimeout     time.Duration `mapstructure:"read_timeout"`
	WriteTimeout    time.Duration `mapstructure:"write_timeout"`
	IdleTimeout     time.Duration `mapstructure:"idle_timeout"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
}

// SecurityConfig represents security configuration
type SecurityConfig struct {
	AllowedOrigins []string `mapstructure:"allowed_origins"`
}

// DatabaseConfig represents the optional sample mirror
type DatabaseConfig struct {
	Enabled        bool          `mapstructure:"enabled"`
	Host           string        `mapstructure:"host"`
	Port           int           `mapstructure:"port"`
	User           string        `mapstructure:"user"`
	Password       string        `mapstructure:"password"`
	DBName         string        `mapstructure:"dbname"`
	SSLMode        string        `mapstructure:"sslmode"`
	MaxOpenConns   int           `mapstructure:"max_open_conns"`
	MaxIdleConns   int           `mapstructure:"max_idle_conns"`
	MaxLifetime    time.Duration `mapstructure:"max_lifetime"`
	MigrationsPath string        `mapstructure:"migrations_path"`
	Retention      time.Duration `mapstructure:"retention"`
}

// CalibrationConfig maps raw readings to a moisture percentage
type CalibrationConfig struct {
	DryReading int64 `mapstructure:"dry_reading"`
	WetReading int64 `mapstructure:"wet_reading"`
	Precision  int32 `mapstructure:"precision"`
}

// Transport types
const (
	TransportBLE    = "ble"
	TransportSerial = "serial"
	TransportDemo   = "demo"
)

// Reconnect modes
const (
	ReconnectBackoff = "backoff"
	ReconnectOnce    = "once"
)

// Load loads configuration from file and environment variables. When path
// is empty the standard locations are searched and a missing file falls back
// to defaults.
func Load(path string) (*Config, error) {
	v := viper.New()

	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("./config")
		v.AddConfigPath("/etc/sensor-reader")
	}

	// Environment variable support
	v.SetEnvPrefix("SENSOR_READER")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if path != "" || !errors.As(err, &notFound) {
			return nil, fmt.Errorf("error reading config file: %w", err)
		}
	}

	var config Config
	if err := v.Unmarshal(&config); err != nil {
		return nil, fmt.Errorf("unable to decode config: %w", err)
	}

	if err := validate(&config); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return &config, nil
}

// setDefaults sets default configuration values
func setDefaults(v *viper.Viper) {
	// App defaults
	v.SetDefault("app.name", "sensor-reader")
	v.SetDefault("app.version", "1.0.0")
	v.SetDefault("app.environment", "development")
	v.SetDefault("app.debug", false)

	// Logging defaults
	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")
	v.SetDefault("logging.output", "stdout")
	v.SetDefault("logging.max_size", 100)
	v.SetDefault("logging.max_backups", 3)
	v.SetDefault("logging.max_age", 28)
	v.SetDefault("logging.compress", true)

	// Transport defaults
	v.SetDefault("transport.type", TransportBLE)
	v.SetDefault("transport.signature.name", "")
	v.SetDefault("transport.signature.service_uuid", "6e400001-b5a3-f393-e0a9-e50e24dcca9e")
	v.SetDefault("transport.ble.connect_timeout", "20s")
	v.SetDefault("transport.ble.notify_buffer", 256)
	v.SetDefault("transport.serial.baud_rate", 9600)
	v.SetDefault("transport.serial.data_bits", 8)
	v.SetDefault("transport.serial.stop_bits", 1)
	v.SetDefault("transport.serial.parity", "none")
	v.SetDefault("transport.demo.interval", "2s")
	v.SetDefault("transport.demo.malformed_every", 7)
	v.SetDefault("transport.demo.seed", 1)
	v.SetDefault("transport.demo.base_reading", 420)
	v.SetDefault("transport.demo.disconnect_after", 0)

	// Stream defaults
	v.SetDefault("stream.reading_interval", "30m")
	v.SetDefault("stream.read_timeout", "60m")
	v.SetDefault("stream.scan_timeout", "30s")
	v.SetDefault("stream.max_frame_size", 64)
	v.SetDefault("stream.drain_timeout", "30s")
	v.SetDefault("stream.reconnect.mode", ReconnectBackoff)
	v.SetDefault("stream.reconnect.initial_delay", "1s")
	v.SetDefault("stream.reconnect.max_delay", "5m")
	v.SetDefault("stream.reconnect.multiplier", 2.0)
	v.SetDefault("stream.reconnect.max_attempts", 0)
	v.SetDefault("stream.reconnect.jitter", true)

	// Queue defaults
	v.SetDefault("queue.capacity", 1024)

	// Output defaults
	v.SetDefault("output.path", "./data/samples.csv")
	v.SetDefault("output.truncate_on_start", true)

	// HTTP defaults
	v.SetDefault("http.enabled", true)
	v.SetDefault("http.host", "0.0.0.0")
	v.SetDefault("http.port", "8086")
	v.SetDefault("http.read_timeout", "15s")
	v.SetDefault("http.write_timeout", "15s")
	v.SetDefault("http.idle_timeout", "120s")
	v.SetDefault("http.shutdown_timeout", "10s")

	// Security defaults
	v.SetDefault("security.allowed_origins", []string{"*"})

	// Database defaults
	v.SetDefault("database.enabled", false)
	v.SetDefault("database.host", "localhost")
	v.SetDefault("database.port", 5432)
	v.SetDefault("database.user", "postgres")
	v.SetDefault("database.password", "postgres")
	v.SetDefault("database.dbname", "sensor_reader")
	v.SetDefault("database.sslmode", "disable")
	v.SetDefault("database.max_open_conns", 5)
	v.SetDefault("database.max_idle_conns", 2)
	v.SetDefault("database.max_lifetime", "5m")
	v.SetDefault("database.migrations_path", "migrations")
	v.SetDefault("database.retention", 0)

	// Calibration defaults
	v.SetDefault("calibration.dry_reading", 520)
	v.SetDefault("calibration.wet_reading", 260)
	v.SetDefault("calibration.precision", 1)
}

// validate validates the configuration
func validate(config *Config) error {
	validEnvs := []string{"development", "staging", "production", "test"}
	if !slices.Contains(validEnvs, config.App.Environment) {
		return fmt.Errorf("app.environment must be one of: %v", validEnvs)
	}

	validLevels := []string{"debug", "info", "warn", "error", "fatal"}
	if !slices.Contains(validLevels, config.Logging.Level) {
		return fmt.Errorf("logging.level must be one of: %v", validLevels)
	}

	validTransports := []string{TransportBLE, TransportSerial, TransportDemo}
	if !slices.Contains(validTransports, config.Transport.Type) {
		return fmt.Errorf("transport.type must be one of: %v", validTransports)
	}

	if config.Stream.ReadingInterval <= 0 {
		return fmt.Errorf("stream.reading_interval must be positive")
	}
	// A read timeout at or below the cadence would drop a healthy link
	if config.Stream.ReadTimeout <= config.Stream.ReadingInterval {
		return fmt.Errorf("stream.read_timeout (%s) must exceed stream.reading_interval (%s)",
			config.Stream.ReadTimeout, config.Stream.ReadingInterval)
	}
	if config.Stream.ScanTimeout <= 0 {
		return fmt.Errorf("stream.scan_timeout must be positive")
	}
	if config.Stream.DrainTimeout <= 0 {
		return fmt.Errorf("stream.drain_timeout must be positive")
	}

	validModes := []string{ReconnectBackoff, ReconnectOnce}
	if !slices.Contains(validModes, config.Stream.Reconnect.Mode) {
		return fmt.Errorf("stream.reconnect.mode must be one of: %v", validModes)
	}
	if config.Stream.Reconnect.MaxAttempts < 0 {
		return fmt.Errorf("stream.reconnect.max_attempts must not be negative")
	}

	if config.Queue.Capacity <= 0 {
		return fmt.Errorf("queue.capacity must be positive")
	}
	if config.Output.Path == "" {
		return fmt.Errorf("output.path is required")
	}

	if config.Transport.Type == TransportSerial &&
		config.Transport.Serial.Port == "" &&
		config.Transport.Serial.PortPattern == "" &&
		config.Transport.Serial.VendorID == "" {
		return fmt.Errorf("transport.serial needs port, port_pattern or vendor_id")
	}

	if config.HTTP.Enabled && config.HTTP.Port == "" {
		return fmt.Errorf("http.port is required")
	}

	if config.Calibration.DryReading == config.Calibration.WetReading {
		return fmt.Errorf("calibration.dry_reading and calibration.wet_reading must differ")
	}

	return nil
}

// GetDatabaseDSN returns the database connection string
func (c *Config) GetDatabaseDSN() string {
	return c.Database.DSN()
}

// DSN returns the lib/pq connection string
func (d *DatabaseConfig) DSN() string {
	return fmt.Sprintf("host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		d.Host, d.Port, d.User, d.Password, d.DBName, d.SSLMode)
}

// GetServerAddr returns the status server address
func (c *Config) GetServerAddr() string {
	return fmt.Sprintf("%s:%s", c.HTTP.Host, c.HTTP.Port)
}

// IsProduction checks if the environment is production
func (c *Config) IsProduction() bool {
	return c.App.Environment == "production"
}

// IsDebugEnabled checks if debug mode is enabled
func (c *Config) IsDebugEnabled() bool {
	return c.App.Debug || c.App.Environment == "development"
}
