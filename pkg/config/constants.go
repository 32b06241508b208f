package config

const EnvPrefix = "AETHER"

const (
	AppEnvDev  = "dev"
	AppEnvProd = "prod"

	DriverPostgres = "postgres"
	DriverSQLite   = "sqlite"

	DispatchPolicyAlwaysOutbox        = "always_outbox"
	DispatchPolicyPublishWithFallback = "publish_with_fallback"
)

const (
	EnvAppEnv         = "AETHER_APP_ENV"
	EnvPort           = "AETHER_APP_PORT"
	EnvDBDSN          = "AETHER_DB_DSN"
	EnvDBHost         = "AETHER_DB_HOST"
	EnvDBUser         = "AETHER_DB_USER"
	EnvDBName         = "AETHER_DB_NAME"
	EnvDBPassword     = "AETHER_DB_PASSWORD"
	EnvUseSQLite      = "AETHER_USE_SQLITE"
	EnvRedisURL       = "AETHER_REDIS_URL"
	EnvGCPProjectID   = "AETHER_GCP_PROJECT_ID"
	EnvDispatchPolicy = "AETHER_DISPATCH_POLICY"
	EnvUoWIsolation   = "AETHER_UOW_ISOLATION_LEVEL"

	EnvOutboxBatchSize      = "AETHER_OUTBOX_BATCH_SIZE"
	EnvOutboxMaxRetryCount  = "AETHER_OUTBOX_MAX_RETRY_COUNT"
	EnvOutboxRetryBaseDelay = "AETHER_OUTBOX_RETRY_BASE_DELAY"
	EnvInboxLeaseDuration   = "AETHER_INBOX_LEASE_DURATION"
)

var discreteDBEnvVars = []string{EnvDBHost, EnvDBUser, EnvDBName}
