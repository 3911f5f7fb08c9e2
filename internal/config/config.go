package config

import (
	"encoding/base64"
	"fmt"
	"time"

	"github.com/kelseyhightower/envconfig"
)

type Config struct {
	DatabaseDSN    string
	ServerAddr     string
	SigningKey     []byte
	AllowedOrigins []string
}

func decodeSigningSecret(base64Secret string) ([]byte, error) {
	if base64Secret == "" {
		return nil, fmt.Errorf("empty secret")
	}
	return base64.StdEncoding.DecodeString(base64Secret)
}

func NewConfig(serverAddr, databaseDSN, base64Secret string, allowedOrigins []string) (*Config, error) {
	if serverAddr == "" {
		return nil, fmt.Errorf("server address cannot be empty")
	}
	if databaseDSN == "" {
		return nil, fmt.Errorf("database DSN cannot be empty")
	}
	if base64Secret == "" {
		return nil, fmt.Errorf("signing secret cannot be empty")
	}

	signingKey, err := decodeSigningSecret(base64Secret)
	if err != nil {
		return nil, fmt.Errorf("decode signing secret: %w", err)
	}

	return &Config{
		DatabaseDSN:    databaseDSN,
		ServerAddr:     serverAddr,
		SigningKey:     signingKey,
		AllowedOrigins: allowedOrigins,
	}, nil
}

// Tunables holds the timings and limits of the chat coordinator. Every field
// can be overridden with a WANDERCHAT_ prefixed environment variable.
type Tunables struct {
	RequestExpiry           time.Duration `envconfig:"REQUEST_EXPIRY" default:"10m"`
	PendingWindow           time.Duration `envconfig:"PENDING_WINDOW" default:"5m"`
	RequestCooldown         time.Duration `envconfig:"REQUEST_COOLDOWN" default:"10s"`
	CooldownTTL             time.Duration `envconfig:"COOLDOWN_TTL" default:"30s"`
	NotificationRetention   time.Duration `envconfig:"NOTIFICATION_RETENTION" default:"168h"`
	NotificationFetchWindow time.Duration `envconfig:"NOTIFICATION_FETCH_WINDOW" default:"720h"`
	HistoryLimit            int           `envconfig:"HISTORY_LIMIT" default:"50"`
	MaxHistoryLimit         int           `envconfig:"MAX_HISTORY_LIMIT" default:"200"`
	SweepInterval           time.Duration `envconfig:"SWEEP_INTERVAL" default:"1m"`
	MessagesPerSecond       int           `envconfig:"MESSAGES_PER_SECOND" default:"20"`
	StoreTimeout            time.Duration `envconfig:"STORE_TIMEOUT" default:"5s"`
}

const envPrefix = "WANDERCHAT"

func LoadTunables() (Tunables, error) {
	var t Tunables
	if err := envconfig.Process(envPrefix, &t); err != nil {
		return Tunables{}, fmt.Errorf("process env: %w", err)
	}

	if err := t.Validate(); err != nil {
		return Tunables{}, err
	}

	return t, nil
}

// DefaultTunables returns the tunables with every default applied.
func DefaultTunables() Tunables {
	return Tunables{
		RequestExpiry:           10 * time.Minute,
		PendingWindow:           5 * time.Minute,
		RequestCooldown:         10 * time.Second,
		CooldownTTL:             30 * time.Second,
		NotificationRetention:   7 * 24 * time.Hour,
		NotificationFetchWindow: 30 * 24 * time.Hour,
		HistoryLimit:            50,
		MaxHistoryLimit:         200,
		SweepInterval:           time.Minute,
		MessagesPerSecond:       20,
		StoreTimeout:            5 * time.Second,
	}
}

func (t Tunables) Validate() error {
	durations := map[string]time.Duration{
		"request expiry":            t.RequestExpiry,
		"pending window":            t.PendingWindow,
		"request cooldown":          t.RequestCooldown,
		"cooldown ttl":              t.CooldownTTL,
		"notification retention":    t.NotificationRetention,
		"notification fetch window": t.NotificationFetchWindow,
		"sweep interval":            t.SweepInterval,
		"store timeout":             t.StoreTimeout,
	}
	for name, d := range durations {
		if d <= 0 {
			return fmt.Errorf("%s must be positive, got %s", name, d)
		}
	}

	if t.HistoryLimit <= 0 {
		return fmt.Errorf("history limit must be positive, got %d", t.HistoryLimit)
	}
	if t.MaxHistoryLimit < t.HistoryLimit {
		return fmt.Errorf("max history limit %d is below history limit %d", t.MaxHistoryLimit, t.HistoryLimit)
	}
	if t.MessagesPerSecond <= 0 {
		return fmt.Errorf("messages per second must be positive, got %d", t.MessagesPerSecond)
	}

	return nil
}
