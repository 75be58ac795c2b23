package infra

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config: корневая структура конфигурации шлюза и консоли.
type Config struct {
	Server   ServerConfig   `mapstructure:"server"`
	Console  ServerConfig   `mapstructure:"console"`
	Database DatabaseConfig `mapstructure:"database"`
	Redis    RedisConfig    `mapstructure:"redis"`
	AMQP     AMQPConfig     `mapstructure:"amqp"`
	Engine   EngineConfig   `mapstructure:"engine"`
	Logger   LoggerConfig   `mapstructure:"logger"`
	Metrics  MetricsConfig  `mapstructure:"metrics"`
}

// ServerConfig описывает настройки HTTP-сервера.
type ServerConfig struct {
	Host         string        `mapstructure:"host"`
	Port         int           `mapstructure:"port"`
	ReadTimeout  time.Duration `mapstructure:"read_timeout"`
	WriteTimeout time.Duration `mapstructure:"write_timeout"`
}

func (s ServerConfig) Addr() string {
	return fmt.Sprintf("%s:%d", s.Host, s.Port)
}

// DatabaseConfig: postgres (URL, пул) или встроенный sqlite (Path).
type DatabaseConfig struct {
	Driver   string `mapstructure:"driver"`
	URL      string `mapstructure:"url"`
	Path     string `mapstructure:"path"`
	MaxConns int32  `mapstructure:"max_conns"`
	MinConns int32  `mapstructure:"min_conns"`
}

// RedisConfig описывает подключение к Redis (Pub/Sub сигналов статуса и событий).
// Пустой Addr отключает Redis.
type RedisConfig struct {
	Addr     string `mapstructure:"addr"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
}

// AMQPConfig публикация событий транзакций в RabbitMQ. Пустой URL отключает.
type AMQPConfig struct {
	URL      string `mapstructure:"url"`
	Exchange string `mapstructure:"exchange"`
}

// EngineConfig содержит настройки ядра принятия решений.
type EngineConfig struct {
	SpendCacheTTL     time.Duration `mapstructure:"spend_cache_ttl"`
	AgentCacheTTL     time.Duration `mapstructure:"agent_cache_ttl"`
	SerializePerAgent bool          `mapstructure:"serialize_per_agent"`
	RequestTimeout    time.Duration `mapstructure:"request_timeout"`

	AuditBufferSize    int           `mapstructure:"audit_buffer_size"`
	AuditFlushInterval time.Duration `mapstructure:"audit_flush_interval"`

	// Настройки Circuit Breaker для провайдера расчетов
	CBMaxFailures uint32        `mapstructure:"cb_max_failures"`
	CBTimeout     time.Duration `mapstructure:"cb_timeout"`

	SettlementAttempts uint          `mapstructure:"settlement_attempts"`
	SettlementTimeout  time.Duration `mapstructure:"settlement_timeout"`
	SettlementLatency  time.Duration `mapstructure:"settlement_latency"`
	SettlementRPS      float64       `mapstructure:"settlement_rps"`
	SettlementBurst    int           `mapstructure:"settlement_burst"`
}

// LoggerConfig настраивает поведение zap логгера.
type LoggerConfig struct {
	Level  string `mapstructure:"level"`  // debug, info, warn, error
	Format string `mapstructure:"format"` // json, console
}

type MetricsConfig struct {
	Addr string `mapstructure:"addr"` // пусто: /metrics не поднимается
}

// LoadConfig инициализирует конфигурацию, объединяя значения из файла и ENV.
// paths переопределяет каталоги поиска config.yaml (по умолчанию "." и "./configs").
func LoadConfig(paths ...string) (*Config, error) {
	v := viper.New()

	// 1. Настройка поиска файла
	v.SetConfigName("config")
	v.SetConfigType("yaml")
	if len(paths) == 0 {
		paths = []string{".", "./configs"}
	}
	for _, p := range paths {
		v.AddConfigPath(p)
	}

	// 2. ENV перекрывает файл: ENGINE_SPEND_CACHE_TTL=2s перекроет engine.spend_cache_ttl
	v.AutomaticEnv()
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	// 3. Установка дефолтных значений
	setDefaults(v)

	// 4. Чтение файла
	if err := v.ReadInConfig(); err != nil {
		var configFileNotFoundError viper.ConfigFileNotFoundError
		if !errors.As(err, &configFileNotFoundError) {
			return nil, fmt.Errorf("error reading config file: %w", err)
		}
		// Если файла нет: работаем на ENV и дефолтах
	}

	// 5. Маппинг в структуру
	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unable to decode into struct: %w", err)
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) validate() error {
	switch c.Database.Driver {
	case "postgres":
		if c.Database.URL == "" {
			return errors.New("config: database.url is required for postgres driver")
		}
	case "sqlite":
		if c.Database.Path == "" {
			return errors.New("config: database.path is required for sqlite driver")
		}
	default:
		return fmt.Errorf("config: unknown database.driver %q", c.Database.Driver)
	}
	if c.Engine.SpendCacheTTL < 0 || c.Engine.AgentCacheTTL < 0 {
		return errors.New("config: cache ttl must not be negative")
	}
	return nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.host", "")
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.read_timeout", 5*time.Second)
	v.SetDefault("server.write_timeout", 10*time.Second)

	v.SetDefault("console.host", "")
	v.SetDefault("console.port", 8000)
	v.SetDefault("console.read_timeout", 5*time.Second)
	v.SetDefault("console.write_timeout", 10*time.Second)

	v.SetDefault("database.driver", "sqlite")
	v.SetDefault("database.url", "")
	v.SetDefault("database.path", "payguard.db")
	v.SetDefault("database.max_conns", 15)
	v.SetDefault("database.min_conns", 5)

	v.SetDefault("redis.addr", "")
	v.SetDefault("redis.password", "")
	v.SetDefault("redis.db", 0)

	v.SetDefault("amqp.url", "")
	v.SetDefault("amqp.exchange", "payguard.transactions")

	v.SetDefault("engine.spend_cache_ttl", 5*time.Second)
	v.SetDefault("engine.agent_cache_ttl", 2*time.Second)
	v.SetDefault("engine.serialize_per_agent", false)
	v.SetDefault("engine.request_timeout", 5*time.Second)
	v.SetDefault("engine.audit_buffer_size", 1000)
	v.SetDefault("engine.audit_flush_interval", 500*time.Millisecond)
	v.SetDefault("engine.cb_max_failures", 5)
	v.SetDefault("engine.cb_timeout", 30*time.Second)
	v.SetDefault("engine.settlement_attempts", 3)
	v.SetDefault("engine.settlement_timeout", 10*time.Second)
	v.SetDefault("engine.settlement_latency", 0)
	v.SetDefault("engine.settlement_rps", 100)
	v.SetDefault("engine.settlement_burst", 20)

	v.SetDefault("logger.level", "info")
	v.SetDefault("logger.format", "json")

	v.SetDefault("metrics.addr", ":9090")
}
