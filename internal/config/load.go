package config

import (
	"errors"
	"fmt"
	"io/fs"
	"net"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Transport names accepted by MAIL_TRANSPORT.
const (
	TransportSMTP   = "smtp"
	TransportSES    = "ses"
	TransportResend = "resend"
)

// Backoff strategies accepted by QUEUE_BACKOFF.
const (
	BackoffExponential = "exponential"
	BackoffFixed       = "fixed"
)

// DefaultFrom is used when neither the job nor SMTP_FROM names a sender.
const DefaultFrom = "no-reply@sunsets.local"

// Config is the process-wide configuration, read once at startup.
type Config struct {
	Redis     Redis
	Queue     Queue
	Transport string
	SMTP      SMTP
	SES       SES
	Resend    Resend
	DKIM      DKIM

	DeadLetterDir   string
	HealthAddr      string
	ShutdownTimeout time.Duration
	Debug           bool
}

// Redis describes the Queue Store connection.
type Redis struct {
	URL      string
	Host     string
	Port     string
	Password string
	TLS      bool
}

// Addr returns host:port for discrete-field connections.
func (r Redis) Addr() string {
	return net.JoinHostPort(r.Host, r.Port)
}

// Queue holds the Queue Store runtime and retry policy settings.
type Queue struct {
	Name          string
	Prefix        string
	Concurrency   int
	Attempts      int
	Backoff       string
	BackoffDelay  time.Duration
	BackoffMax    time.Duration
	KeepCompleted int
	LockTTL       time.Duration
	MaxStalled    int
	PollInterval  time.Duration
}

// SMTP holds the outbound relay settings.
type SMTP struct {
	Host               string
	Port               int
	Secure             bool
	User               string
	Password           string
	From               string
	InsecureSkipVerify bool
	HeloName           string
	SendTimeout        time.Duration
}

// Configured reports whether the required relay fields are present.
func (s SMTP) Configured() bool {
	return s.Host != "" && s.User != ""
}

// SES holds AWS SES credentials.
type SES struct {
	Region          string
	AccessKeyID     string
	SecretAccessKey string
}

// Resend holds the Resend API key.
type Resend struct {
	APIKey string
}

// DKIM holds optional signing settings. An all-empty value disables signing.
type DKIM struct {
	Selector   string
	KeyPath    string
	PrivateKey string
	Domain     string
}

// Enabled reports whether any DKIM setting was provided.
func (d DKIM) Enabled() bool {
	return d.Selector != "" || d.KeyPath != "" || d.PrivateKey != "" || d.Domain != ""
}

// LoadDotEnv loads a .env file from the working directory when one exists.
func LoadDotEnv() error {
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("load .env: %w", err)
	}
	return nil
}

// Load reads the configuration from the environment.
func Load() (Config, error) {
	cfg := Config{
		Redis: Redis{
			URL:      String("REDIS_URL", ""),
			Host:     String("REDIS_HOST", "127.0.0.1"),
			Port:     String("REDIS_PORT", "6379"),
			Password: String("REDIS_PASSWORD", ""),
			TLS:      Bool("REDIS_TLS", false),
		},
		Queue: Queue{
			Name:          String("QUEUE_NAME", "emailQueue"),
			Prefix:        String("QUEUE_PREFIX", "mailq"),
			Concurrency:   Concurrency(),
			Attempts:      Int("QUEUE_ATTEMPTS", 3),
			Backoff:       strings.ToLower(String("QUEUE_BACKOFF", BackoffExponential)),
			BackoffDelay:  Duration("QUEUE_BACKOFF_DELAY", 5*time.Second),
			BackoffMax:    Duration("QUEUE_BACKOFF_MAX", 30*time.Minute),
			KeepCompleted: Int("QUEUE_KEEP_COMPLETED", 1000),
			LockTTL:       Duration("QUEUE_LOCK_TTL", 30*time.Second),
			MaxStalled:    Int("QUEUE_MAX_STALLED", 1),
			PollInterval:  Duration("QUEUE_POLL_INTERVAL", 200*time.Millisecond),
		},
		Transport: strings.ToLower(String("MAIL_TRANSPORT", TransportSMTP)),
		SMTP: SMTP{
			Host:               String("SMTP_HOST", ""),
			Port:               Int("SMTP_PORT", 587),
			Secure:             Bool("SMTP_SECURE", false),
			User:               String("SMTP_USER", ""),
			Password:           String("SMTP_PASS", ""),
			From:               String("SMTP_FROM", DefaultFrom),
			InsecureSkipVerify: Bool("SMTP_TLS_INSECURE", false),
			HeloName:           Hostname(),
			SendTimeout:        Duration("SMTP_SEND_TIMEOUT", 0),
		},
		SES: SES{
			Region:          String("SES_REGION", "us-east-1"),
			AccessKeyID:     String("SES_ACCESS_KEY_ID", ""),
			SecretAccessKey: String("SES_SECRET_ACCESS_KEY", ""),
		},
		Resend: Resend{
			APIKey: String("RESEND_API_KEY", ""),
		},
		DKIM: DKIM{
			Selector:   String("MAIL_DKIM_SELECTOR", ""),
			KeyPath:    String("MAIL_DKIM_KEY_PATH", ""),
			PrivateKey: strings.TrimSpace(String("MAIL_DKIM_PRIVATE_KEY", "")),
			Domain:     String("MAIL_DKIM_DOMAIN", ""),
		},
		DeadLetterDir:   String("MAIL_DEADLETTER_DIR", ""),
		HealthAddr:      String("HEALTH_ADDR", ":8080"),
		ShutdownTimeout: Duration("WORKER_SHUTDOWN_TIMEOUT", 30*time.Second),
		Debug:           Bool("MAIL_DEBUG", false),
	}

	if err := cfg.validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c Config) validate() error {
	switch c.Transport {
	case TransportSMTP, TransportSES, TransportResend:
	default:
		return fmt.Errorf("config: unknown MAIL_TRANSPORT %q", c.Transport)
	}
	switch c.Queue.Backoff {
	case BackoffExponential, BackoffFixed:
	default:
		return fmt.Errorf("config: unknown QUEUE_BACKOFF %q", c.Queue.Backoff)
	}
	if c.Queue.Attempts < 1 {
		return fmt.Errorf("config: QUEUE_ATTEMPTS must be at least 1, got %d", c.Queue.Attempts)
	}
	if c.SMTP.Port < 1 || c.SMTP.Port > 65535 {
		return fmt.Errorf("config: SMTP_PORT out of range: %s", strconv.Itoa(c.SMTP.Port))
	}
	if c.Queue.LockTTL <= 0 {
		return errors.New("config: QUEUE_LOCK_TTL must be positive")
	}
	return nil
}
