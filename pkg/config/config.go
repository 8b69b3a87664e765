package config

import (
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/kelseyhightower/envconfig"
)

type Config struct {
	App       AppConfig
	Service   ServiceConfig
	DB        DBConfig
	Redis     RedisConfig
	Features  FeatureFlagsConfig
	GCP       GCPConfig
	Broker    BrokerConfig
	PubSub    PubSubConfig
	Kafka     KafkaConfig
	Consumer  ConsumerConfig
	Rollup    RollupConfig
	Relay     RelayConfig
	Cron      CronConfig
	Topics    TopicsConfig
	BigQuery  BigQueryConfig
	HTTPLimit HTTPLimitConfig
	Auth      AuthConfig
}

func Load() (*Config, error) {
	var cfg Config
	if err := envconfig.Process(EnvPrefix, &cfg); err != nil {
		return nil, fmt.Errorf("parsing config: %w", err)
	}
	if err := cfg.DB.ensureDSN(); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate rejects combinations that parse cleanly but cannot run.
func (c *Config) Validate() error {
	switch c.Broker.Driver {
	case BrokerDriverPubSub:
		if strings.TrimSpace(c.GCP.ProjectID) == "" {
			return fmt.Errorf("%s is required for the %s broker", EnvGCPProjectID, BrokerDriverPubSub)
		}
		if c.PubSub.EventsTopic == "" || c.PubSub.RollupTopic == "" {
			return fmt.Errorf("pubsub events and rollup topics are required")
		}
	case BrokerDriverKafka:
		if len(c.Kafka.Brokers) == 0 {
			return fmt.Errorf("%s is required for the %s broker", EnvKafkaBrokers, BrokerDriverKafka)
		}
		if c.Kafka.EventsTopic == "" || c.Kafka.RollupTopic == "" {
			return fmt.Errorf("kafka events and rollup topics are required")
		}
	case BrokerDriverMemory:
	default:
		return fmt.Errorf("unsupported broker driver %q", c.Broker.Driver)
	}

	kind := strings.ToLower(strings.TrimSpace(c.Service.Kind))
	switch {
	case kind == ServiceKindConsumer:
		if err := c.Consumer.requireBinding("the consumer worker"); err != nil {
			return err
		}
	case c.Broker.Driver == BrokerDriverMemory && kind == ServiceKindAPI:
		// Nothing outside the api process can drain the memory broker, so the
		// api runs the delivery listener itself.
		if err := c.Consumer.requireBinding("the memory broker"); err != nil {
			return err
		}
	case c.Broker.Driver == BrokerDriverMemory && kind != "":
		return fmt.Errorf("the %s broker only runs inside the %s process, not %s", BrokerDriverMemory, ServiceKindAPI, kind)
	}
	if c.App.IsProd() && kind == ServiceKindAPI && strings.TrimSpace(c.Auth.TokenSecret) == "" {
		return fmt.Errorf("%s is required for the %s in %s", EnvAuthTokenSecret, ServiceKindAPI, AppEnvProd)
	}
	if c.Rollup.Workers <= 0 {
		return fmt.Errorf("%s must be positive", EnvRollupWorkers)
	}
	return nil
}

// requireBinding checks the consumer has an id and at least one topic. A
// consumer with no topics would never be part of any event's fan-out.
func (c ConsumerConfig) requireBinding(who string) error {
	if strings.TrimSpace(c.ID) == "" {
		return fmt.Errorf("%s is required for %s", EnvConsumerID, who)
	}
	for _, topic := range c.Topics {
		if strings.TrimSpace(topic) != "" {
			return nil
		}
	}
	return fmt.Errorf("%s is required for %s", EnvConsumerTopic, who)
}

type AppConfig struct {
	Env          string `envconfig:"EVENTBUS_APP_ENV" required:"true"`
	Port         string `envconfig:"EVENTBUS_APP_PORT" default:"8080"`
	LogLevel     string `envconfig:"EVENTBUS_LOG_LEVEL" default:"info"`
	LogFormat    string `envconfig:"EVENTBUS_LOG_FORMAT" default:"json"`
	LogWarnStack bool   `envconfig:"EVENTBUS_LOG_WARN_STACK" default:"false"`
}

func (a AppConfig) IsDev() bool {
	return strings.EqualFold(a.Env, AppEnvDev)
}

func (a AppConfig) IsProd() bool {
	return strings.EqualFold(a.Env, AppEnvProd)
}

type ServiceConfig struct {
	Kind string `envconfig:"EVENTBUS_SERVICE_KIND" default:"api"`
}

type DBConfig struct {
	DSN    string `envconfig:"EVENTBUS_DB_DSN"`
	Driver string `envconfig:"EVENTBUS_DB_DRIVER" default:"postgres"`

	Host     string `envconfig:"EVENTBUS_DB_HOST"`
	Port     int    `envconfig:"EVENTBUS_DB_PORT" default:"5432"`
	User     string `envconfig:"EVENTBUS_DB_USER"`
	Password string `envconfig:"EVENTBUS_DB_PASSWORD"`
	Name     string `envconfig:"EVENTBUS_DB_NAME"`
	SSLMode  string `envconfig:"EVENTBUS_DB_SSLMODE" default:"disable"`

	MaxOpenConns    int           `envconfig:"EVENTBUS_DB_MAX_OPEN_CONNS" default:"20"`
	MaxIdleConns    int           `envconfig:"EVENTBUS_DB_MAX_IDLE_CONNS" default:"10"`
	ConnMaxLifetime time.Duration `envconfig:"EVENTBUS_DB_CONN_MAX_LIFETIME" default:"1h"`
	ConnMaxIdleTime time.Duration `envconfig:"EVENTBUS_DB_CONN_MAX_IDLE_TIME" default:"10m"`

	SlowQueryThreshold time.Duration `envconfig:"EVENTBUS_DB_SLOW_QUERY" default:"200ms"`
}

type RedisConfig struct {
	URL          string        `envconfig:"EVENTBUS_REDIS_URL" required:"true"`
	Address      string        `envconfig:"EVENTBUS_REDIS_ADDR"`
	Password     string        `envconfig:"EVENTBUS_REDIS_PASSWORD"`
	DB           int           `envconfig:"EVENTBUS_REDIS_DB" default:"0"`
	KeyPrefix    string        `envconfig:"EVENTBUS_REDIS_KEY_PREFIX" default:"eb"`
	PoolSize     int           `envconfig:"EVENTBUS_REDIS_POOL_SIZE" default:"10"`
	MinIdleConns int           `envconfig:"EVENTBUS_REDIS_MIN_IDLE_CONNS" default:"2"`
	DialTimeout  time.Duration `envconfig:"EVENTBUS_REDIS_DIAL_TIMEOUT" default:"5s"`
	ReadTimeout  time.Duration `envconfig:"EVENTBUS_REDIS_READ_TIMEOUT" default:"5s"`
	WriteTimeout time.Duration `envconfig:"EVENTBUS_REDIS_WRITE_TIMEOUT" default:"5s"`
}

type FeatureFlagsConfig struct {
	AutoMigrate bool `envconfig:"EVENTBUS_AUTO_MIGRATE" default:"false"`
}

type GCPConfig struct {
	ProjectID              string `envconfig:"EVENTBUS_GCP_PROJECT_ID"`
	CredentialsJSON        string `envconfig:"EVENTBUS_GCP_CREDENTIALS_JSON"`
	ApplicationCredentials string `envconfig:"EVENTBUS_GOOGLE_APPLICATION_CREDENTIALS"`
}

type BrokerConfig struct {
	Driver string `envconfig:"EVENTBUS_BROKER_DRIVER" default:"pubsub"`
}

type PubSubConfig struct {
	EventsTopic          string `envconfig:"EVENTBUS_PUBSUB_EVENTS_TOPIC" default:"eventbus-events"`
	RollupTopic          string `envconfig:"EVENTBUS_PUBSUB_ROLLUP_TOPIC" default:"eventbus-rollup"`
	RollupSubscription   string `envconfig:"EVENTBUS_PUBSUB_ROLLUP_SUBSCRIPTION" default:"eventbus-rollup-worker"`
	ConsumerSubscription string `envconfig:"EVENTBUS_PUBSUB_CONSUMER_SUBSCRIPTION"`
}

type KafkaConfig struct {
	Brokers       []string `envconfig:"EVENTBUS_KAFKA_BROKERS"`
	Version       string   `envconfig:"EVENTBUS_KAFKA_VERSION" default:"3.6.0"`
	ClientID      string   `envconfig:"EVENTBUS_KAFKA_CLIENT_ID" default:"eventbus"`
	EventsTopic   string   `envconfig:"EVENTBUS_KAFKA_EVENTS_TOPIC" default:"eventbus.events"`
	RollupTopic   string   `envconfig:"EVENTBUS_KAFKA_ROLLUP_TOPIC" default:"eventbus.rollup"`
	RollupGroup   string   `envconfig:"EVENTBUS_KAFKA_ROLLUP_GROUP" default:"eventbus-rollup-worker"`
	ConsumerGroup string   `envconfig:"EVENTBUS_KAFKA_CONSUMER_GROUP"`
}

// ConsumerConfig drives the consumer worker, which acts as one registered consumer id.
// A zero DedupeTTL disables delivery dedupe.
type ConsumerConfig struct {
	ID        string        `envconfig:"EVENTBUS_CONSUMER_ID"`
	Handler   string        `envconfig:"EVENTBUS_CONSUMER_HANDLER" default:"log"`
	Topics    []string      `envconfig:"EVENTBUS_CONSUMER_TOPICS"`
	DedupeTTL time.Duration `envconfig:"EVENTBUS_CONSUMER_DEDUPE_TTL" default:"24h"`
}

type RollupConfig struct {
	Workers  int           `envconfig:"EVENTBUS_ROLLUP_WORKERS" default:"8"`
	LockTTL  time.Duration `envconfig:"EVENTBUS_ROLLUP_LOCK_TTL" default:"30s"`
	LockWait time.Duration `envconfig:"EVENTBUS_ROLLUP_LOCK_WAIT" default:"200ms"`
}

type RelayConfig struct {
	BatchSize      int           `envconfig:"EVENTBUS_RELAY_BATCH_SIZE" default:"50"`
	PollIntervalMS int           `envconfig:"EVENTBUS_RELAY_POLL_MS" default:"500"`
	PendingGrace   time.Duration `envconfig:"EVENTBUS_RELAY_PENDING_GRACE" default:"5m"`
}

type CronConfig struct {
	Interval       time.Duration `envconfig:"EVENTBUS_CRON_INTERVAL" default:"1m"`
	LockTTL        time.Duration `envconfig:"EVENTBUS_CRON_LOCK_TTL" default:"5m"`
	ReconcileAfter time.Duration `envconfig:"EVENTBUS_CRON_RECONCILE_AFTER" default:"10m"`
	BatchSize      int           `envconfig:"EVENTBUS_CRON_BATCH_SIZE" default:"200"`
}

type TopicsConfig struct {
	CacheTTL time.Duration `envconfig:"EVENTBUS_TOPICS_CACHE_TTL" default:"30s"`
}

type BigQueryConfig struct {
	Dataset      string `envconfig:"EVENTBUS_BIGQUERY_DATASET" default:"eventbus"`
	ArchiveTable string `envconfig:"EVENTBUS_BIGQUERY_ARCHIVE_TABLE" default:"event_archive"`
}

type HTTPLimitConfig struct {
	MaxBodyBytes int64    `envconfig:"EVENTBUS_HTTP_MAX_BODY_BYTES" default:"1048576"`
	CORSOrigins  []string `envconfig:"EVENTBUS_HTTP_CORS_ORIGINS" default:"http://localhost:3000"`
}

// AuthConfig signs and verifies producer service tokens. With no secret the
// api trusts the X-Client-Id header, which is only acceptable outside prod.
type AuthConfig struct {
	TokenSecret string        `envconfig:"EVENTBUS_AUTH_TOKEN_SECRET"`
	TokenIssuer string        `envconfig:"EVENTBUS_AUTH_TOKEN_ISSUER" default:"eventbus"`
	TokenTTL    time.Duration `envconfig:"EVENTBUS_AUTH_TOKEN_TTL" default:"1h"`
}

// Enabled reports whether bearer tokens are required on the api.
func (a AuthConfig) Enabled() bool {
	return strings.TrimSpace(a.TokenSecret) != ""
}

func (db *DBConfig) ensureDSN() error {
	if db.DSN != "" {
		return nil
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
