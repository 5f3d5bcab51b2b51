package infra

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config: корневая структура конфигурации шлюза и консоли.
type Config struct {
	Server    ServerConfig    `mapstructure:"server"`
	Console   ServerConfig    `mapstructure:"console"`
	Database  DatabaseConfig  `mapstructure:"database"`
	Redis     RedisConfig     `mapstructure:"redis"`
	Auth      AuthConfig      `mapstructure:"auth"`
	Logger    LoggerConfig    `mapstructure:"logger"`
	Audit     AuditConfig     `mapstructure:"audit"`
	Approval  ApprovalConfig  `mapstructure:"approval"`
	Safety    SafetyConfig    `mapstructure:"safety"`
	Lifecycle LifecycleConfig `mapstructure:"lifecycle"`
	Vault     VaultConfig     `mapstructure:"vault"`
	Runtime   RuntimeConfig   `mapstructure:"runtime"`
	Source    SourceConfig    `mapstructure:"source"`
	Policy    PolicyConfig    `mapstructure:"policy"`
}

// ServerConfig описывает настройки HTTP-сервера.
type ServerConfig struct {
	Host         string        `mapstructure:"host"`
	Port         int           `mapstructure:"port"`
	MetricsPort  int           `mapstructure:"metrics_port"`
	ReadTimeout  time.Duration `mapstructure:"read_timeout"`
	WriteTimeout time.Duration `mapstructure:"write_timeout"`
}

func (s ServerConfig) Addr() string { return fmt.Sprintf("%s:%d", s.Host, s.Port) }

// DatabaseConfig описывает подключение к PostgreSQL.
type DatabaseConfig struct {
	URL      string `mapstructure:"url"`
	MaxConns int32  `mapstructure:"max_conns"`
	MinConns int32  `mapstructure:"min_conns"`
}

// RedisConfig описывает подключение к Redis (Pub/Sub и состояние).
type RedisConfig struct {
	Addr     string `mapstructure:"addr"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
}

// AuthConfig содержит пути к RSA ключам и настройки JWT консоли.
type AuthConfig struct {
	PublicKeyPath  string        `mapstructure:"public_key_path"`
	PrivateKeyPath string        `mapstructure:"private_key_path"` // Только для Console API
	TokenTTL       time.Duration `mapstructure:"token_ttl"`
	BcryptCost     int           `mapstructure:"bcrypt_cost"`
	PublicKey      []byte
	PrivateKey     []byte
}

// LoggerConfig настраивает поведение zap логгера.
type LoggerConfig struct {
	Level  string `mapstructure:"level"`  // debug, info, warn, error
	Format string `mapstructure:"format"` // json, console
}

type AuditConfig struct {
	BufferSize    int           `mapstructure:"buffer_size"`
	BatchSize     int           `mapstructure:"batch_size"`
	FlushInterval time.Duration `mapstructure:"flush_interval"`
}

// ApprovalConfig: сроки и порог блокировки двойного подтверждения.
type ApprovalConfig struct {
	ConfirmTTL        time.Duration `mapstructure:"confirm_ttl"`
	SecretTTL         time.Duration `mapstructure:"secret_ttl"`
	MaxSecretAttempts int           `mapstructure:"max_secret_attempts"`
	PinHash           string        `mapstructure:"pin_hash"` // bcrypt, см. skillctl pin-hash
}

type SafetyConfig struct {
	TrialTimeout time.Duration `mapstructure:"trial_timeout"`
	MaxFiles     int           `mapstructure:"max_files"`
	MaxBytes     int64         `mapstructure:"max_bytes"`
}

type LifecycleConfig struct {
	MaxAgents        int64         `mapstructure:"max_agents"`
	QueueTimeout     time.Duration `mapstructure:"queue_timeout"`
	SpawnRate        float64       `mapstructure:"spawn_rate"`
	DefaultDeadline  time.Duration `mapstructure:"default_deadline"`
	Grace            time.Duration `mapstructure:"grace"`
	ScratchDir       string        `mapstructure:"scratch_dir"`
	ArtifactDir      string        `mapstructure:"artifact_dir"`
	RetainArtifacts  bool          `mapstructure:"retain_artifacts"`
	CredentialTTLCap time.Duration `mapstructure:"credential_ttl_cap"`
	DailyCostLimit   float64       `mapstructure:"daily_cost_limit"`
}

type VaultConfig struct {
	SigningKey string `mapstructure:"signing_key"`
	Issuer     string `mapstructure:"issuer"`
}

type RuntimeConfig struct {
	RemoteAddr  string `mapstructure:"remote_addr"` // пусто: только WASM
	MemoryPages uint32 `mapstructure:"memory_pages"`
	Token       string `mapstructure:"token"`      // x-skillgate-token для удаленного исполнителя
	ServeAddr   string `mapstructure:"serve_addr"` // адрес sandboxd

	// Circuit Breaker для удаленного исполнителя
	CBMaxRequests uint32        `mapstructure:"cb_max_requests"`
	CBInterval    time.Duration `mapstructure:"cb_interval"`
	CBTimeout     time.Duration `mapstructure:"cb_timeout"`
}

type SourceConfig struct {
	Kind     string  `mapstructure:"kind"` // dir | s3
	Dir      string  `mapstructure:"dir"`
	Bucket   string  `mapstructure:"bucket"`
	Region   string  `mapstructure:"region"`
	Endpoint string  `mapstructure:"endpoint"`
	Rate     float64 `mapstructure:"rate"`
	Attempts uint    `mapstructure:"attempts"`
}

type PolicyConfig struct {
	// RulesFile: YAML с правилами на случай, когда БД недоступна.
	RulesFile       string        `mapstructure:"rules_file"`
	RefreshInterval time.Duration `mapstructure:"refresh_interval"`
}

// LoadConfig инициализирует конфигурацию, объединяя значения из файла и ENV.
func LoadConfig() (*Config, error) {
	v := viper.New()

	// 1. Настройка поиска файла
	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")
	v.AddConfigPath("./configs")

	// 2. ENV: APPROVAL_CONFIRM_TTL=1m перекроет approval.confirm_ttl
	v.AutomaticEnv()
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	// 3. Дефолты
	setDefaults(v)

	// 4. Чтение файла
	if err := v.ReadInConfig(); err != nil {
		var configFileNotFoundError viper.ConfigFileNotFoundError
		if !errors.As(err, &configFileNotFoundError) {
			return nil, fmt.Errorf("error reading config file: %w", err)
		}
		// Если файла нет, работаем на ENV и дефолтах
	}

	// 5. Маппинг в структуру
	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unable to decode into struct: %w", err)
	}

	// 6. Ключи: PEM прямо из ENV (Docker/K8s) или из файла по пути
	cfg.Auth.PublicKey = loadKeyResource(cfg.Auth.PublicKeyPath, "AUTH_PUBLIC_KEY_DATA")
	cfg.Auth.PrivateKey = loadKeyResource(cfg.Auth.PrivateKeyPath, "AUTH_PRIVATE_KEY_DATA")

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// RunWriteBudget: сколько держать открытой запись ответа на /v1/runs.
// Запуск может ждать оба шага подтверждения и затем работать до дедлайна агента.
func (c *Config) RunWriteBudget() time.Duration {
	return c.Approval.ConfirmTTL + c.Approval.SecretTTL +
		c.Lifecycle.DefaultDeadline + c.Lifecycle.Grace + c.Server.WriteTimeout
}

// Validate отсекает значения, с которыми ядро не может быть безопасным.
func (c *Config) Validate() error {
	if c.Approval.MaxSecretAttempts < 1 {
		return fmt.Errorf("approval.max_secret_attempts must be >= 1")
	}
	if c.Approval.ConfirmTTL <= 0 || c.Approval.SecretTTL <= 0 {
		return fmt.Errorf("approval ttl values must be positive")
	}
	if c.Safety.TrialTimeout <= 0 {
		return fmt.Errorf("safety.trial_timeout must be positive")
	}
	if c.Lifecycle.MaxAgents < 1 {
		return fmt.Errorf("lifecycle.max_agents must be >= 1")
	}
	switch c.Source.Kind {
	case "dir", "s3":
	default:
		return fmt.Errorf("source.kind %q is not supported", c.Source.Kind)
	}
	return nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.metrics_port", 9090)
	v.SetDefault("server.read_timeout", 5*time.Second)
	v.SetDefault("server.write_timeout", 60*time.Second)
	v.SetDefault("console.port", 8081)
	v.SetDefault("console.read_timeout", 5*time.Second)
	v.SetDefault("console.write_timeout", 10*time.Second)
	v.SetDefault("database.max_conns", 15)
	v.SetDefault("database.min_conns", 5)
	v.SetDefault("redis.addr", "localhost:6379")
	v.SetDefault("auth.token_ttl", 12*time.Hour)
	v.SetDefault("auth.bcrypt_cost", 12)
	v.SetDefault("logger.level", "info")
	v.SetDefault("logger.format", "json")
	v.SetDefault("audit.buffer_size", 10000)
	v.SetDefault("audit.batch_size", 100)
	v.SetDefault("audit.flush_interval", 500*time.Millisecond)

	v.SetDefault("approval.confirm_ttl", 5*time.Minute)
	v.SetDefault("approval.secret_ttl", 2*time.Minute)
	v.SetDefault("approval.max_secret_attempts", 3)

	v.SetDefault("safety.trial_timeout", 4*time.Second)
	v.SetDefault("safety.max_files", 60)
	v.SetDefault("safety.max_bytes", 40<<20)

	v.SetDefault("lifecycle.max_agents", 8)
	v.SetDefault("lifecycle.queue_timeout", 2*time.Second)
	v.SetDefault("lifecycle.spawn_rate", 5.0)
	v.SetDefault("lifecycle.default_deadline", 60*time.Second)
	v.SetDefault("lifecycle.grace", 2*time.Second)
	v.SetDefault("lifecycle.scratch_dir", os.TempDir())
	v.SetDefault("lifecycle.artifact_dir", "./artifacts")
	v.SetDefault("lifecycle.retain_artifacts", true)
	v.SetDefault("lifecycle.credential_ttl_cap", 15*time.Minute)
	v.SetDefault("lifecycle.daily_cost_limit", 100.0)

	v.SetDefault("vault.issuer", "skillgate")

	v.SetDefault("runtime.memory_pages", 256) // 16 MiB
	v.SetDefault("runtime.serve_addr", ":50051")
	v.SetDefault("runtime.cb_max_requests", 3)
	v.SetDefault("runtime.cb_interval", 60*time.Second)
	v.SetDefault("runtime.cb_timeout", 30*time.Second)

	v.SetDefault("source.kind", "dir")
	v.SetDefault("source.dir", "./skills")
	v.SetDefault("source.rate", 20.0)
	v.SetDefault("source.attempts", 3)

	v.SetDefault("policy.refresh_interval", 5*time.Minute)
}

// loadKeyResource: ключ из ENV (PEM) либо из файла.
func loadKeyResource(path string, envDataKey string) []byte {
	if data := os.Getenv(envDataKey); data != "" {
		return []byte(data)
	}
	if path != "" {
		data, err := os.ReadFile(path)
		if err == nil {
			return data
		}
	}
	return nil
}
