package ocppserver

import (
	"fmt"
	"strings"
	"time"

	"github.com/balu-dk/ocpp-csms-engine/internal/cache"
	"github.com/balu-dk/ocpp-csms-engine/internal/logstore"
	"github.com/balu-dk/ocpp-csms-engine/internal/telemetry"
	"github.com/balu-dk/ocpp-csms-engine/server/database"
	"github.com/spf13/viper"
)

// Config indeholder konfiguration til OCPP-serveren
type Config struct {
	// Host er domænenavn eller IP-adressen serveren skal bruge
	Host string

	// WebSocketPort er porten som OCPP WebSocket-serveren skal lytte på
	WebSocketPort int

	// APIPort er porten som HTTP API-serveren skal lytte på
	APIPort int

	// SystemName er navnet på centralserveren
	SystemName string

	// UseTLS slår wss:// til med CertFile og KeyFile
	UseTLS   bool
	CertFile string
	KeyFile  string

	// HeartbeatInterval sendes til ladestanderen i BootNotification-svaret
	HeartbeatInterval time.Duration

	// LogDir er roden for ladestander-logs og sessionsudskrifter. Tom betyder kun hukommelse
	LogDir            string
	LogCapacity       int
	SessionFlushLimit int
	LogMaxBytes       int64
	LogBackups        int

	// PendingTTL er levetiden for ubesvarede kald og uafhentede svar
	PendingTTL time.Duration

	// IPLimit er det maksimale antal samtidige forbindelser per IP
	IPLimit int
	IPTTL   time.Duration

	Redis     cache.Config
	Database  database.Config
	Telemetry telemetry.Config

	Debug bool
}

// setDefaults registrerer standardværdierne
func setDefaults(v *viper.Viper) {
	v.SetDefault("host", "localhost")
	v.SetDefault("websocket_port", 9000)
	v.SetDefault("api_port", 9001)
	v.SetDefault("system_name", "ocpp-central")
	v.SetDefault("use_tls", false)
	v.SetDefault("heartbeat_interval", "60s")

	v.SetDefault("log_dir", "logs")
	v.SetDefault("log_capacity", 1000)
	v.SetDefault("session_flush_limit", logstore.DefaultSessionFlushLimit)
	v.SetDefault("log_max_bytes", 10<<20)
	v.SetDefault("log_backups", 3)

	v.SetDefault("pending_ttl", "30m")
	v.SetDefault("ip_limit", 2)
	v.SetDefault("ip_ttl", "1h")

	v.SetDefault("redis.address", "")
	v.SetDefault("redis.database", 0)
	v.SetDefault("redis.prefix", "csms:")
	v.SetDefault("redis.timeout", "500ms")
	v.SetDefault("redis.pool_size", 10)

	v.SetDefault("db.type", string(database.SQLite))
	v.SetDefault("db.host", "localhost")
	v.SetDefault("db.port", 5432)
	v.SetDefault("db.user", "postgres")
	v.SetDefault("db.name", "ocpp_csms")
	v.SetDefault("db.ssl_mode", "disable")
	v.SetDefault("db.sqlite_path", "ocpp_csms.db")

	v.SetDefault("telemetry.enabled", false)
	v.SetDefault("telemetry.endpoint", "localhost:4317")
	v.SetDefault("telemetry.insecure", true)
	v.SetDefault("telemetry.sampling_ratio", 1.0)
	v.SetDefault("telemetry.environment", "development")

	v.SetDefault("debug", false)
}

// LoadConfig indlæser konfiguration fra standardværdier, en valgfri fil og
// miljøvariabler med OCPP_-præfiks (f.eks. OCPP_WEBSOCKET_PORT, OCPP_REDIS_ADDRESS)
func LoadConfig(configPath string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix("OCPP")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if configPath != "" {
		v.SetConfigFile(configPath)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	// adgangskoder må kun komme fra miljøet
	if v.InConfig("redis.password") || v.InConfig("db.password") {
		return nil, fmt.Errorf("passwords are not allowed in config files (use OCPP_REDIS_PASSWORD / OCPP_DB_PASSWORD)")
	}

	systemName := v.GetString("system_name")
	debug := v.GetBool("debug")

	redisCfg := cache.DefaultConfig(v.GetString("redis.address"))
	redisCfg.Password = v.GetString("redis.password")
	redisCfg.Database = v.GetInt("redis.database")
	redisCfg.Prefix = v.GetString("redis.prefix")
	redisCfg.Timeout = v.GetDuration("redis.timeout")
	redisCfg.PoolSize = v.GetInt("redis.pool_size")
	redisCfg.Debug = debug

	telemetryCfg := telemetry.DefaultConfig(systemName)
	telemetryCfg.Enabled = v.GetBool("telemetry.enabled")
	telemetryCfg.Endpoint = v.GetString("telemetry.endpoint")
	telemetryCfg.Insecure = v.GetBool("telemetry.insecure")
	telemetryCfg.SamplingRatio = v.GetFloat64("telemetry.sampling_ratio")
	telemetryCfg.Environment = v.GetString("telemetry.environment")

	cfg := &Config{
		Host:              v.GetString("host"),
		WebSocketPort:     v.GetInt("websocket_port"),
		APIPort:           v.GetInt("api_port"),
		SystemName:        systemName,
		UseTLS:            v.GetBool("use_tls"),
		CertFile:          v.GetString("cert_file"),
		KeyFile:           v.GetString("key_file"),
		HeartbeatInterval: v.GetDuration("heartbeat_interval"),
		LogDir:            v.GetString("log_dir"),
		LogCapacity:       v.GetInt("log_capacity"),
		SessionFlushLimit: v.GetInt("session_flush_limit"),
		LogMaxBytes:       v.GetInt64("log_max_bytes"),
		LogBackups:        v.GetInt("log_backups"),
		PendingTTL:        v.GetDuration("pending_ttl"),
		IPLimit:           v.GetInt("ip_limit"),
		IPTTL:             v.GetDuration("ip_ttl"),
		Redis:             redisCfg,
		Database: database.Config{
			Type:         database.DatabaseType(v.GetString("db.type")),
			Host:         v.GetString("db.host"),
			Port:         v.GetInt("db.port"),
			User:         v.GetString("db.user"),
			Password:     v.GetString("db.password"),
			DatabaseName: v.GetString("db.name"),
			SSLMode:      v.GetString("db.ssl_mode"),
			SQLitePath:   v.GetString("db.sqlite_path"),
		},
		Telemetry: telemetryCfg,
		Debug:     debug,
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) validate() error {
	if c.WebSocketPort <= 0 || c.WebSocketPort > 65535 {
		return fmt.Errorf("websocket_port must be between 1 and 65535, got %d", c.WebSocketPort)
	}
	if c.APIPort <= 0 || c.APIPort > 65535 {
		return fmt.Errorf("api_port must be between 1 and 65535, got %d", c.APIPort)
	}
	if c.UseTLS && (c.CertFile == "" || c.KeyFile == "") {
		return fmt.Errorf("use_tls requires cert_file and key_file")
	}
	if c.PendingTTL <= 0 {
		return fmt.Errorf("pending_ttl must be positive, got %v", c.PendingTTL)
	}
	return nil
}

// WebSocketAddr returnerer den fulde adresse for WebSocket-serveren i format "host:port"
func (c *Config) WebSocketAddr() string {
	return fmt.Sprintf("%s:%d", c.Host, c.WebSocketPort)
}

// APIAddr returnerer den fulde adresse for API-serveren i format "host:port"
func (c *Config) APIAddr() string {
	return fmt.Sprintf("%s:%d", c.Host, c.APIPort)
}

// WithHost sætter host eller IP for serverene
func (c *Config) WithHost(host string) *Config {
	c.Host = host
	return c
}

// WithWebSocketPort sætter porten for WebSocket-serveren
func (c *Config) WithWebSocketPort(port int) *Config {
	c.WebSocketPort = port
	return c
}

// WithAPIPort sætter porten for API-serveren
func (c *Config) WithAPIPort(port int) *Config {
	c.APIPort = port
	return c
}

// WithSystemName sætter systemnavnet
func (c *Config) WithSystemName(name string) *Config {
	c.SystemName = name
	return c
}

// WithLogDir sætter log-mappen
func (c *Config) WithLogDir(dir string) *Config {
	c.LogDir = dir
	return c
}

// WithRedisAddress sætter Redis-adressen. Tom adresse slår cachen fra
func (c *Config) WithRedisAddress(addr string) *Config {
	c.Redis.Address = addr
	return c
}
