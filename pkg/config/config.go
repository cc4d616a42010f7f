package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"roombooking/pkg/validator"

	"github.com/spf13/viper"
)

type Config struct {
	Server       Server       `mapstructure:"server"`
	Postgres     Postgres     `mapstructure:"postgres"`
	Broker       Broker       `mapstructure:"broker"`
	Cron         Cron         `mapstructure:"cron"`
	Outbox       OutboxConfig `mapstructure:"outbox"`
	Mail         Mail         `mapstructure:"mail"`
	HTTPClient   HTTPClient   `mapstructure:"httpClient"`
	LoggingLevel string       `mapstructure:"logging-level"`
}

type Server struct {
	Port      string `mapstructure:"port"`
	BodyLimit int    `mapstructure:"body_limit"`
}

type Postgres struct {
	ConnString     string `mapstructure:"conn_string"`
	MaxConnections int32  `mapstructure:"max_connections"`
	MigrationsDir  string `mapstructure:"migrations_dir"`
}

type Broker struct {
	Kafka Kafka `mapstructure:"kafka"`
}

// Kafka is optional: with empty Brokers the service runs without delivery events
// and without the requeue command consumer.
type Kafka struct {
	Brokers      string `mapstructure:"brokers"`
	ReaderTopic  string `mapstructure:"readerTopic"`
	ReaderUsr    string `mapstructure:"readerUsr"`
	ReaderUsrPwd string `mapstructure:"readerUsrPwd"`
	WriterTopic  string `mapstructure:"writerTopic"`
	WriterUsr    string `mapstructure:"writerUsr"`
	WriterUsrPwd string `mapstructure:"writerUsrPwd"`
	MaxAttempts  int    `mapstructure:"maxAttempts"`
	GroupID      string `mapstructure:"groupId"`
}

func (k Kafka) Enabled() bool {
	return strings.TrimSpace(k.Brokers) != ""
}

type Cron struct {
	Schedule string `mapstructure:"schedule"` // cron format, e.g. "0 */5 * * * *"
	Interval string `mapstructure:"interval"` // "@every 1m"; used when Schedule is empty
}

type OutboxConfig struct {
	WorkerID    string        `mapstructure:"workerId"`
	Workers     int           `mapstructure:"workers"`
	BatchSize   int           `mapstructure:"batchSize"`
	Lease       time.Duration `mapstructure:"lease"`
	PollPeriod  time.Duration `mapstructure:"pollPeriod"`
	MaxAttempts int           `mapstructure:"maxAttempts"`
	BackoffBase time.Duration `mapstructure:"backoffBase"`
	BackoffMax  time.Duration `mapstructure:"backoffMax"`
}

type Mail struct {
	Transport string        `mapstructure:"transport"` // smtp | http
	From      string        `mapstructure:"from"`
	Host      string        `mapstructure:"host"`
	Port      int           `mapstructure:"port"`
	Username  string        `mapstructure:"username"`
	Password  string        `mapstructure:"password"`
	RelayURL  string        `mapstructure:"relayUrl"`
	Timeout   time.Duration `mapstructure:"timeout"`
}

type HTTPClient struct {
	ConnectTimeout        time.Duration `mapstructure:"connectTimeout"`
	TLSHandshakeTimeout   time.Duration `mapstructure:"TLSHandshakeTimeout"`
	ResponseHeaderTimeout time.Duration `mapstructure:"responseHeaderTimeout"`
	ExpectContinueTimeout time.Duration `mapstructure:"expectContinueTimeout"`

	IdleConnTimeout     time.Duration `mapstructure:"idleConnTimeout"`
	MaxIdleConns        int           `mapstructure:"maxIdleConns"`
	MaxIdleConnsPerHost int           `mapstructure:"maxIdleConnsPerHost"`
	MaxConnsPerHost     int           `mapstructure:"maxConnsPerHost"`
	KeepAlives          bool          `mapstructure:"keepAlives"`

	// 0 means the deadline comes from the request context.
	ClientTimeout time.Duration `mapstructure:"clientTimeout"`

	UserAgent          string `mapstructure:"userAgent"`
	InsecureSkipVerify bool   `mapstructure:"insecureSkipVerify"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.port", "8080")
	v.SetDefault("server.body_limit", 1024*1024)

	v.SetDefault("postgres.conn_string", "")
	v.SetDefault("postgres.max_connections", 5)
	v.SetDefault("postgres.migrations_dir", "resources/migrations")

	v.SetDefault("broker.kafka.brokers", "")
	v.SetDefault("broker.kafka.readerTopic", "roombooking.outbox.commands")
	v.SetDefault("broker.kafka.readerUsr", "")
	v.SetDefault("broker.kafka.readerUsrPwd", "")
	v.SetDefault("broker.kafka.writerTopic", "roombooking.invitations")
	v.SetDefault("broker.kafka.writerUsr", "")
	v.SetDefault("broker.kafka.writerUsrPwd", "")
	v.SetDefault("broker.kafka.maxAttempts", 3)
	v.SetDefault("broker.kafka.groupId", "roombooking-outbox")

	v.SetDefault("cron.schedule", "")
	v.SetDefault("cron.interval", "@every 1m")

	v.SetDefault("outbox.workerId", "")
	v.SetDefault("outbox.workers", 4)
	v.SetDefault("outbox.batchSize", 50)
	v.SetDefault("outbox.lease", 2*time.Minute)
	v.SetDefault("outbox.pollPeriod", 2*time.Second)
	v.SetDefault("outbox.maxAttempts", 5)
	v.SetDefault("outbox.backoffBase", 30*time.Second)
	v.SetDefault("outbox.backoffMax", time.Hour)

	v.SetDefault("mail.transport", "smtp")
	v.SetDefault("mail.from", "")
	v.SetDefault("mail.host", "localhost")
	v.SetDefault("mail.port", 25)
	v.SetDefault("mail.username", "")
	v.SetDefault("mail.password", "")
	v.SetDefault("mail.relayUrl", "")
	v.SetDefault("mail.timeout", 30*time.Second)

	v.SetDefault("httpClient.connectTimeout", 5*time.Second)
	v.SetDefault("httpClient.TLSHandshakeTimeout", 5*time.Second)
	v.SetDefault("httpClient.responseHeaderTimeout", 20*time.Second)
	v.SetDefault("httpClient.expectContinueTimeout", time.Second)
	v.SetDefault("httpClient.idleConnTimeout", 90*time.Second)
	v.SetDefault("httpClient.maxIdleConns", 20)
	v.SetDefault("httpClient.maxIdleConnsPerHost", 10)
	v.SetDefault("httpClient.maxConnsPerHost", 20)
	v.SetDefault("httpClient.keepAlives", true)
	v.SetDefault("httpClient.clientTimeout", 0)
	v.SetDefault("httpClient.userAgent", "roombooking-mailer")
	v.SetDefault("httpClient.insecureSkipVerify", false)

	v.SetDefault("logging-level", "info")
}

func NewConfig() (Config, error) {
	return load(viper.New(), ".")
}

func load(v *viper.Viper, path string) (Config, error) {
	setDefaults(v)

	v.AutomaticEnv()
	// POSTGRES_CONN_STRING, OUTBOX_MAXATTEMPTS, LOGGING_LEVEL ...
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	v.SetConfigName(".env")
	v.SetConfigType("env")
	v.AddConfigPath(path)

	var conf Config
	if err := v.ReadInConfig(); err != nil {
		// no .env file is fine, the environment is enough
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return conf, err
		}
	}

	if err := v.Unmarshal(&conf); err != nil {
		return conf, err
	}

	return conf, conf.Validate()
}

// Validate checks the settings the dispatch loop relies on. A claim lease shorter than
// the mail timeout would let a second worker re-claim a job that is still being sent.
func (c Config) Validate() error {
	var errs []error

	if c.Postgres.ConnString == "" {
		errs = append(errs, errors.New("postgres.conn_string is required"))
	}
	if err := validator.Validate.Var(c.Mail.From, "required,email,mailto"); err != nil {
		errs = append(errs, fmt.Errorf("mail.from must be a bare email address, got %q", c.Mail.From))
	}
	switch strings.ToLower(c.Mail.Transport) {
	case "smtp":
		if c.Mail.Host == "" || c.Mail.Port <= 0 {
			errs = append(errs, errors.New("mail.host and mail.port are required for smtp transport"))
		}
	case "http":
		if c.Mail.RelayURL == "" {
			errs = append(errs, errors.New("mail.relayUrl is required for http transport"))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown mail.transport %q", c.Mail.Transport))
	}
	if c.Mail.Timeout <= 0 {
		errs = append(errs, errors.New("mail.timeout must be positive"))
	}

	o := c.Outbox
	if o.Workers < 1 {
		errs = append(errs, errors.New("outbox.workers must be >= 1"))
	}
	if o.BatchSize < 1 {
		errs = append(errs, errors.New("outbox.batchSize must be >= 1"))
	}
	if o.MaxAttempts < 1 {
		errs = append(errs, errors.New("outbox.maxAttempts must be >= 1"))
	}
	if o.PollPeriod <= 0 {
		errs = append(errs, errors.New("outbox.pollPeriod must be positive"))
	}
	if o.BackoffBase <= 0 || o.BackoffMax < o.BackoffBase {
		errs = append(errs, errors.New("outbox.backoffBase must be positive and not above outbox.backoffMax"))
	}
	if o.Lease <= c.Mail.Timeout {
		errs = append(errs, fmt.Errorf("outbox.lease (%s) must exceed mail.timeout (%s)", o.Lease, c.Mail.Timeout))
	}

	return errors.Join(errs...)
}
