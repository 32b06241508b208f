package config

import (
	"database/sql"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/kelseyhightower/envconfig"
)

type Config struct {
	App          AppConfig
	Service      ServiceConfig
	HTTP         HTTPConfig
	DB           DBConfig
	Redis        RedisConfig
	GCP          GCPConfig
	PubSub       PubSubConfig
	FeatureFlags FeatureFlagsConfig
	UnitOfWork   UnitOfWorkConfig
	Dispatch     DispatchConfig
	Outbox       OutboxConfig
	Inbox        InboxConfig
	Cron         CronConfig
}

func Load() (*Config, error) {
	var cfg Config
	if err := envconfig.Process(EnvPrefix, &cfg); err != nil {
		return nil, fmt.Errorf("parsing config: %w", err)
	}
	if err := cfg.DB.ensureDSN(cfg.FeatureFlags.UseSQLite); err != nil {
		return nil, err
	}
	if _, err := cfg.UnitOfWork.Isolation(); err != nil {
		return nil, err
	}
	if err := cfg.Dispatch.validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

type AppConfig struct {
	Env          string `envconfig:"AETHER_APP_ENV" required:"true"`
	Port         string `envconfig:"AETHER_APP_PORT" default:"8080"`
	LogLevel     string `envconfig:"AETHER_LOG_LEVEL" default:"info"`
	LogWarnStack bool   `envconfig:"AETHER_LOG_WARN_STACK" default:"false"`
	// MetricsAddr is where background workers expose /metrics. Empty
	// disables the listener.
	MetricsAddr string `envconfig:"AETHER_METRICS_ADDR" default:":9090"`
}

func (a AppConfig) IsDev() bool {
	return strings.EqualFold(a.Env, AppEnvDev)
}

func (a AppConfig) IsProd() bool {
	return strings.EqualFold(a.Env, AppEnvProd)
}

type ServiceConfig struct {
	Kind string `envconfig:"AETHER_SERVICE_KIND" default:"api"`
	// Name is stamped as the CloudEvent source of every dispatched envelope.
	Name string `envconfig:"AETHER_SERVICE_NAME" default:"aether"`
}

type HTTPConfig struct {
	CORSOrigins    []string      `envconfig:"AETHER_HTTP_CORS_ORIGINS" default:"http://localhost:3000"`
	IdempotencyTTL time.Duration `envconfig:"AETHER_HTTP_IDEMPOTENCY_TTL" default:"24h"`
	ReadTimeout    time.Duration `envconfig:"AETHER_HTTP_READ_TIMEOUT" default:"15s"`
	WriteTimeout   time.Duration `envconfig:"AETHER_HTTP_WRITE_TIMEOUT" default:"60s"`
	// AdminToken guards the /admin routes. Empty disables them.
	AdminToken string `envconfig:"AETHER_HTTP_ADMIN_TOKEN"`
}

type DBConfig struct {
	DSN    string `envconfig:"AETHER_DB_DSN"`
	Driver string `envconfig:"AETHER_DB_DRIVER" default:"postgres"`

	Host     string `envconfig:"AETHER_DB_HOST"`
	Port     int    `envconfig:"AETHER_DB_PORT" default:"5432"`
	User     string `envconfig:"AETHER_DB_USER"`
	Password string `envconfig:"AETHER_DB_PASSWORD"`
	Name     string `envconfig:"AETHER_DB_NAME"`
	SSLMode  string `envconfig:"AETHER_DB_SSLMODE" default:"disable"`

	MaxOpenConns    int           `envconfig:"AETHER_DB_MAX_OPEN_CONNS" default:"20"`
	MaxIdleConns    int           `envconfig:"AETHER_DB_MAX_IDLE_CONNS" default:"10"`
	ConnMaxLifetime time.Duration `envconfig:"AETHER_DB_CONN_MAX_LIFETIME" default:"1h"`
	ConnMaxIdleTime time.Duration `envconfig:"AETHER_DB_CONN_MAX_IDLE_TIME" default:"10m"`
}

type RedisConfig struct {
	URL          string        `envconfig:"AETHER_REDIS_URL"`
	Address      string        `envconfig:"AETHER_REDIS_ADDR"`
	Password     string        `envconfig:"AETHER_REDIS_PASSWORD"`
	DB           int           `envconfig:"AETHER_REDIS_DB" default:"0"`
	PoolSize     int           `envconfig:"AETHER_REDIS_POOL_SIZE" default:"10"`
	MinIdleConns int           `envconfig:"AETHER_REDIS_MIN_IDLE_CONNS" default:"2"`
	DialTimeout  time.Duration `envconfig:"AETHER_REDIS_DIAL_TIMEOUT" default:"5s"`
	ReadTimeout  time.Duration `envconfig:"AETHER_REDIS_READ_TIMEOUT" default:"5s"`
	WriteTimeout time.Duration `envconfig:"AETHER_REDIS_WRITE_TIMEOUT" default:"5s"`
}

// Enabled reports whether a redis endpoint is configured at all.
func (r RedisConfig) Enabled() bool {
	return r.URL != "" || r.Address != ""
}

type GCPConfig struct {
	ProjectID       string `envconfig:"AETHER_GCP_PROJECT_ID"`
	CredentialsJSON string `envconfig:"AETHER_GCP_CREDENTIALS_JSON"`
}

type PubSubConfig struct {
	// DefaultTopic receives events whose descriptor names no topic.
	DefaultTopic        string `envconfig:"AETHER_PUBSUB_DEFAULT_TOPIC" default:"aether-events"`
	OrdersTopic         string `envconfig:"AETHER_PUBSUB_ORDERS_TOPIC" default:"aether-orders"`
	InboxSubscription   string `envconfig:"AETHER_PUBSUB_INBOX_SUBSCRIPTION" default:"aether-inbox"`
	EnsureSubscriptions bool   `envconfig:"AETHER_PUBSUB_ENSURE_SUBSCRIPTIONS" default:"true"`
	MaxOutstanding      int    `envconfig:"AETHER_PUBSUB_MAX_OUTSTANDING" default:"100"`
}

type FeatureFlagsConfig struct {
	UseSQLite   bool `envconfig:"AETHER_USE_SQLITE" default:"false"`
	AutoMigrate bool `envconfig:"AETHER_AUTO_MIGRATE" default:"false"`
	InboxCache  bool `envconfig:"AETHER_INBOX_CACHE" default:"false"`
}

type UnitOfWorkConfig struct {
	IsolationLevel string `envconfig:"AETHER_UOW_ISOLATION_LEVEL" default:"read_committed"`
	// RequestTransactional makes the HTTP slot open its transaction eagerly
	// instead of waiting for the first write to escalate it.
	RequestTransactional bool          `envconfig:"AETHER_UOW_REQUEST_TRANSACTIONAL" default:"false"`
	RequestTimeout       time.Duration `envconfig:"AETHER_UOW_REQUEST_TIMEOUT" default:"30s"`
}

var isolationLevels = map[string]sql.IsolationLevel{
	"default":          sql.LevelDefault,
	"read_uncommitted": sql.LevelReadUncommitted,
	"read_committed":   sql.LevelReadCommitted,
	"repeatable_read":  sql.LevelRepeatableRead,
	"serializable":     sql.LevelSerializable,
}

// Isolation resolves the configured isolation level name.
func (u UnitOfWorkConfig) Isolation() (sql.IsolationLevel, error) {
	key := strings.ToLower(strings.TrimSpace(u.IsolationLevel))
	if key == "" {
		return sql.LevelDefault, nil
	}
	lvl, ok := isolationLevels[key]
	if !ok {
		return sql.LevelDefault, fmt.Errorf("unknown isolation level %q", u.IsolationLevel)
	}
	return lvl, nil
}

type DispatchConfig struct {
	// Policy is either always_outbox or publish_with_fallback.
	Policy         string        `envconfig:"AETHER_DISPATCH_POLICY" default:"always_outbox"`
	PublishTimeout time.Duration `envconfig:"AETHER_DISPATCH_PUBLISH_TIMEOUT" default:"15s"`
}

func (d DispatchConfig) validate() error {
	switch d.Policy {
	case DispatchPolicyAlwaysOutbox, DispatchPolicyPublishWithFallback:
		return nil
	default:
		return fmt.Errorf("%s must be %q or %q, got %q", EnvDispatchPolicy, DispatchPolicyAlwaysOutbox, DispatchPolicyPublishWithFallback, d.Policy)
	}
}

type OutboxConfig struct {
	ProcessingInterval time.Duration `envconfig:"AETHER_OUTBOX_PROCESSING_INTERVAL" default:"5s"`
	BatchSize          int           `envconfig:"AETHER_OUTBOX_BATCH_SIZE" default:"50"`
	MaxRetryCount      int           `envconfig:"AETHER_OUTBOX_MAX_RETRY_COUNT" default:"10"`
	RetryBaseDelay     time.Duration `envconfig:"AETHER_OUTBOX_RETRY_BASE_DELAY" default:"1m"`
	LeaseDuration      time.Duration `envconfig:"AETHER_OUTBOX_LEASE_DURATION" default:"2m"`
	RetentionPeriod    time.Duration `envconfig:"AETHER_OUTBOX_RETENTION_PERIOD" default:"168h"`
	CleanupBatchSize   int           `envconfig:"AETHER_OUTBOX_CLEANUP_BATCH_SIZE" default:"1000"`
	CleanupInterval    time.Duration `envconfig:"AETHER_OUTBOX_CLEANUP_INTERVAL" default:"1h"`
}

type InboxConfig struct {
	ProcessingInterval time.Duration `envconfig:"AETHER_INBOX_PROCESSING_INTERVAL" default:"5s"`
	BatchSize          int           `envconfig:"AETHER_INBOX_BATCH_SIZE" default:"50"`
	MaxRetryCount      int           `envconfig:"AETHER_INBOX_MAX_RETRY_COUNT" default:"10"`
	RetryBaseDelay     time.Duration `envconfig:"AETHER_INBOX_RETRY_BASE_DELAY" default:"1m"`
	LeaseDuration      time.Duration `envconfig:"AETHER_INBOX_LEASE_DURATION" default:"2m"`
	RetentionPeriod    time.Duration `envconfig:"AETHER_INBOX_RETENTION_PERIOD" default:"168h"`
	CleanupBatchSize   int           `envconfig:"AETHER_INBOX_CLEANUP_BATCH_SIZE" default:"1000"`
	CleanupInterval    time.Duration `envconfig:"AETHER_INBOX_CLEANUP_INTERVAL" default:"1h"`
	IdempotencyTTL     time.Duration `envconfig:"AETHER_INBOX_IDEMPOTENCY_TTL" default:"720h"`
}

type CronConfig struct {
	Interval time.Duration `envconfig:"AETHER_CRON_INTERVAL" default:"5m"`
	LockTTL  time.Duration `envconfig:"AETHER_CRON_LOCK_TTL" default:"4m"`
}

func (db *DBConfig) ensureDSN(useSQLite bool) error {
	if useSQLite {
		db.Driver = DriverSQLite
	}
	if db.DSN != "" {
		return nil
	}
	if db.Driver == DriverSQLite {
		return fmt.Errorf("%s is required when using sqlite", EnvDBDSN)
	}

	missing := []string{}
	values := map[string]string{
		EnvDBHost: db.Host,
		EnvDBUser: db.User,
		EnvDBName: db.Name,
	}
	for _, env := range discreteDBEnvVars {
		if values[env] == "" {
			missing = append(missing, env)
		}
	}
	if len(missing) > 0 {
		return fmt.Errorf("either %s or %s are required", EnvDBDSN, strings.Join(missing, ", "))
	}

	userInfo := url.User(db.User)
	if db.Password != "" {
		userInfo = url.UserPassword(db.User, db.Password)
	}

	u := &url.URL{
		Scheme: "postgres",
		User:   userInfo,
		Host:   fmt.Sprintf("%s:%d", db.Host, db.Port),
		Path:   db.Name,
	}
	if db.SSLMode != "" {
		q := u.Query()
		q.Set("sslmode", db.SSLMode)
		u.RawQuery = q.Encode()
	}

	db.DSN = u.String()
	return nil
}
