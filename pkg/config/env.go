package config

const EnvPrefix = "EVENTBUS"

const (
	AppEnvDev   = "dev"
	AppEnvProd  = "prod"
	AppEnvStage = "stage"
)

const (
	ServiceKindAPI      = "api"
	ServiceKindRelay    = "outbox-relay"
	ServiceKindRollup   = "rollup-worker"
	ServiceKindConsumer = "consumer-worker"
	ServiceKindCron     = "cron-worker"
)

const (
	BrokerDriverPubSub = "pubsub"
	BrokerDriverKafka  = "kafka"
	BrokerDriverMemory = "memory"
)

const (
	EnvAppEnv        = "EVENTBUS_APP_ENV"
	EnvPort          = "EVENTBUS_APP_PORT"
	EnvServiceKind   = "EVENTBUS_SERVICE_KIND"
	EnvDBDSN         = "EVENTBUS_DB_DSN"
	EnvDBHost        = "EVENTBUS_DB_HOST"
	EnvDBUser        = "EVENTBUS_DB_USER"
	EnvDBName        = "EVENTBUS_DB_NAME"
	EnvDBPassword    = "EVENTBUS_DB_PASSWORD"
	EnvRedisURL      = "EVENTBUS_REDIS_URL"
	EnvGCPProjectID  = "EVENTBUS_GCP_PROJECT_ID"
	EnvBrokerDriver  = "EVENTBUS_BROKER_DRIVER"
	EnvKafkaBrokers  = "EVENTBUS_KAFKA_BROKERS"
	EnvConsumerID    = "EVENTBUS_CONSUMER_ID"
	EnvConsumerTopic = "EVENTBUS_CONSUMER_TOPICS"
	EnvRollupWorkers = "EVENTBUS_ROLLUP_WORKERS"

	EnvAuthTokenSecret = "EVENTBUS_AUTH_TOKEN_SECRET"
)

var discreteDBEnvVars = []string{EnvDBHost, EnvDBUser, EnvDBName}
