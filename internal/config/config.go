package config

import (
	"crypto/sha256"
	"encoding/base64"
	"fmt"
	"os"
	"strconv"
	"time"
)

type DB struct {
	User     string
	Pass     string
	Host     string
	Port     string
	Name     string
	MaxConns int32
}

type Redis struct {
	Addr string
	Pass string
	DB   int
}

type NSQ struct {
	NsqdTCPAddr    string // e.g. nsqd:4150
	LookupHTTPAddr string // e.g. http://nsqlookupd:4161
	NotifyTopic    string // topic for email side-channel messages
	NotifyChannel  string // channel name for notifier consumers
}

type SMTP struct {
	Host string
	Port string
	From string
	User string
	Pass string
}

type Scheduler struct {
	CronSpec      string // robfig/cron spec for the pending-event sweep
	BatchSize     int    // max events claimed per sweep
	Parallelism   int    // concurrent endpoint deliveries per event
	RetentionDays int    // delivery rows older than this are purged
}

type Notify struct {
	Enabled     bool
	HourlyLimit int // max emails per user per rolling hour
}

type Defaults struct {
	TimeoutSeconds    int
	MaxRetries        int
	RetryDelaySeconds int
}

type FakeReceiver struct {
	FailFirstN           int           // number of requests to fail initially
	EndpointSecret       string        // secret for signature verification
	SigningLeewaySeconds int           // allowed timestamp skew in seconds
	ResponseDelayMS      int           // simulated response delay in milliseconds
	Port                 string        // server listen port
	ReadTimeout          time.Duration // HTTP read timeout
	WriteTimeout         time.Duration // HTTP write timeout
	IdleTimeout          time.Duration // HTTP idle timeout
}

type Config struct {
	AppName          string
	HTTPPort         string // :8080 admin API + health + metrics
	NotifierHTTPPort string // :8082 notifier health + metrics
	SealingKey       string // base64 or passphrase; see Key()
	DB               DB
	Redis            Redis
	NSQ              NSQ
	SMTP             SMTP
	Scheduler        Scheduler
	Notify           Notify
	Defaults         Defaults
	FakeReceiver     FakeReceiver
}

func getenv(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func getenvInt(key string, def int) int {
	if v := os.Getenv(key); v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			return i
		}
	}
	return def
}

func getenvBool(key string, def bool) bool {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			return b
		}
	}
	return def
}

func getenvDuration(key string, def time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return def
}

func FromEnv() Config {
	return Config{
		AppName:          getenv("APP_NAME", "hookline"),
		HTTPPort:         getenv("HTTP_PORT", ":8080"),
		NotifierHTTPPort: getenv("NOTIFIER_HTTP_PORT", ":8082"),
		SealingKey:       getenv("SECRET_SEALING_KEY", ""),
		DB: DB{
			User:     getenv("DB_USER", "postgres"),
			Pass:     getenv("DB_PASS", "postgres"),
			Host:     getenv("DB_HOST", "postgres"),
			Port:     getenv("DB_PORT", "5432"),
			Name:     getenv("DB_NAME", "hookline"),
			MaxConns: int32(getenvInt("DB_MAX_CONNS", 10)),
		},
		Redis: Redis{
			Addr: getenv("REDIS_ADDR", "redis:6379"),
			Pass: getenv("REDIS_PASS", ""),
			DB:   getenvInt("REDIS_DB", 0),
		},
		NSQ: NSQ{
			NsqdTCPAddr:    getenv("NSQD_TCP_ADDR", "nsqd:4150"),
			LookupHTTPAddr: getenv("NSQ_LOOKUP_HTTP_ADDR", "http://nsqlookupd:4161"),
			NotifyTopic:    getenv("NSQ_NOTIFY_TOPIC", "notifications"),
			NotifyChannel:  getenv("NSQ_NOTIFY_CHANNEL", "mailers"),
		},
		SMTP: SMTP{
			Host: getenv("SMTP_HOST", "localhost"),
			Port: getenv("SMTP_PORT", "25"),
			From: getenv("SMTP_FROM", "no-reply@vantagebank.example"),
			User: getenv("SMTP_USER", ""),
			Pass: getenv("SMTP_PASS", ""),
		},
		Scheduler: Scheduler{
			CronSpec:      getenv("SCHEDULER_CRON", "@every 30s"),
			BatchSize:     getenvInt("SCHEDULER_BATCH_SIZE", 50),
			Parallelism:   getenvInt("SCHEDULER_PARALLELISM", 8),
			RetentionDays: getenvInt("DELIVERY_RETENTION_DAYS", 90),
		},
		Notify: Notify{
			Enabled:     getenvBool("NOTIFY_ENABLED", true),
			HourlyLimit: getenvInt("NOTIFY_HOURLY_LIMIT", 10),
		},
		Defaults: Defaults{
			TimeoutSeconds:    getenvInt("DEFAULT_TIMEOUT_SECONDS", 30),
			MaxRetries:        getenvInt("DEFAULT_MAX_RETRIES", 3),
			RetryDelaySeconds: getenvInt("DEFAULT_RETRY_DELAY_SECONDS", 60),
		},
		FakeReceiver: FakeReceiver{
			FailFirstN:           getenvInt("FAIL_FIRST_N", 0),
			EndpointSecret:       getenv("ENDPOINT_SECRET", ""),
			SigningLeewaySeconds: getenvInt("SIGNING_LEEWAY_SECONDS", 300),
			ResponseDelayMS:      getenvInt("RESPONSE_DELAY_MS", 0),
			Port:                 getenv("FAKE_RECEIVER_PORT", ":8081"),
			ReadTimeout:          getenvDuration("FAKE_RECEIVER_READ_TIMEOUT", 10*time.Second),
			WriteTimeout:         getenvDuration("FAKE_RECEIVER_WRITE_TIMEOUT", 10*time.Second),
			IdleTimeout:          getenvDuration("FAKE_RECEIVER_IDLE_TIMEOUT", 60*time.Second),
		},
	}
}

func (c Config) DSN() string {
	return fmt.Sprintf("postgres://%s:%s@%s:%s/%s?sslmode=disable",
		c.DB.User, c.DB.Pass, c.DB.Host, c.DB.Port, c.DB.Name)
}

// Key derives the 32-byte secret-sealing key. A base64 value that decodes to
// exactly 32 bytes is used as-is; anything else is hashed, so operators can
// supply a passphrase.
func (c Config) Key() ([]byte, error) {
	if c.SealingKey == "" {
		return nil, fmt.Errorf("SECRET_SEALING_KEY is not set")
	}
	if raw, err := base64.StdEncoding.DecodeString(c.SealingKey); err == nil && len(raw) == 32 {
		return raw, nil
	}
	sum := sha256.Sum256([]byte(c.SealingKey))
	return sum[:], nil
}
