// Package config provides the configuration structure for the tutor speech service.
package config

import (
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/book-expert/configurator"
	"github.com/book-expert/logger"
)

// Defaults applied by ApplyDefaults.
const (
	DefaultSpeechSubject       = "tts.speech.requested"
	DefaultQueueGroup          = "tts-speech-workers"
	DefaultAudioBucket         = "TUTOR_SPEECH_AUDIO"
	DefaultAudioTTLHours       = 24
	DefaultPremiumTimeout      = 10
	DefaultPremiumFormat       = "mp3"
	DefaultAPIKeyEnv           = "TUTOR_TTS_VENDOR_API_KEY"
	DefaultESpeakBinary        = "espeak-ng"
	DefaultKeepAliveSeconds    = 10
	DefaultCacheCapacity       = 100
	DefaultClientCacheCapacity = 50
	DefaultCacheTTLMinutes     = 30
	DefaultCachePrefixLength   = 200
	DefaultCharactersLimit     = 150000
	DefaultTermDays            = 30
	DefaultExpirySweepSeconds  = 300
	DefaultListenAddress       = ":8080"
	DefaultHTTPTimeoutSeconds  = 30
	DefaultRatePerSecond       = 2.0
	DefaultRateBurst           = 5
	DefaultSecretEnv           = "TUTOR_TTS_AUTH_SECRET"
	DefaultIssuer              = "tutor-tts-service"
	DefaultTokenTTLMinutes     = 60
	DefaultSessionIdleMinutes  = 30
	DefaultSessionSweepSeconds = 60
	DefaultClientsPerStudent   = 8
)

var (
	ErrAuthSecretMissing  = errors.New("auth secret is not set")
	ErrInvalidLimit       = errors.New("quota limits must be positive")
	ErrRateLimitInvalid   = errors.New("http rate limit must be positive")
	ErrLogsDirMissing     = errors.New("paths.base_logs_dir is required")
	ErrInvalidCacheConfig = errors.New("cache sizes must be positive")
)

// NATSConfig holds the configuration for NATS.
type NATSConfig struct {
	URL                    string `toml:"url"`
	SpeechSubject          string `toml:"speech_subject"`
	QueueGroup             string `toml:"queue_group"`
	AudioObjectStoreBucket string `toml:"audio_object_store_bucket"`
	AudioTTLHours          int    `toml:"audio_ttl_hours"`
}

// PremiumConfig describes the metered speech vendor.
type PremiumConfig struct {
	BaseURL        string `toml:"base_url"`
	APIKeyEnv      string `toml:"api_key_env"`
	Provider       string `toml:"provider"`
	TimeoutSeconds int    `toml:"timeout_seconds"`
	Format         string `toml:"format"`
	MaxInputChars  int    `toml:"max_input_chars"`
}

// FallbackConfig describes on-device speech.
type FallbackConfig struct {
	ESpeakBinary     string   `toml:"espeak_binary"`
	Preferences      []string `toml:"preferences"`
	KeepAliveSeconds int      `toml:"keep_alive_seconds"`
}

// CacheConfig sizes the premium audio caches.
type CacheConfig struct {
	Capacity       int `toml:"capacity"`
	ClientCapacity int `toml:"client_capacity"`
	TTLMinutes     int `toml:"ttl_minutes"`
	PrefixLength   int `toml:"prefix_length"`
}

// QuotaConfig holds plan limits and the subscription term.
type QuotaConfig struct {
	BasicLimit         int `toml:"basic_limit"`
	ProLimit           int `toml:"pro_limit"`
	TermDays           int `toml:"term_days"`
	ExpirySweepSeconds int `toml:"expiry_sweep_seconds"`
}

// PostgresConfig points at the subscription database. An empty DSN keeps
// subscriptions in memory.
type PostgresConfig struct {
	DSN string `toml:"dsn"`
}

// HTTPConfig configures the HTTP API.
type HTTPConfig struct {
	ListenAddress       string  `toml:"listen_address"`
	ReadTimeoutSeconds  int     `toml:"read_timeout_seconds"`
	WriteTimeoutSeconds int     `toml:"write_timeout_seconds"`
	RatePerSecond       float64 `toml:"rate_per_second"`
	RateBurst           int     `toml:"rate_burst"`
}

// AuthConfig configures bearer token verification. The secret itself is
// read from the environment variable named by SecretEnv.
type AuthConfig struct {
	SecretEnv       string `toml:"secret_env"`
	Issuer          string `toml:"issuer"`
	TokenTTLMinutes int    `toml:"token_ttl_minutes"`
}

// PlaybackConfig configures local playback and router sessions.
type PlaybackConfig struct {
	Command             []string `toml:"command"`
	SessionIdleMinutes  int      `toml:"session_idle_minutes"`
	SessionSweepSeconds int      `toml:"session_sweep_seconds"`
	ClientsPerStudent   int      `toml:"clients_per_student"`
}

// PathsConfig holds the configuration for file paths.
type PathsConfig struct {
	BaseLogsDir string `toml:"base_logs_dir"`
}

// Config is the root configuration structure.
type Config struct {
	NATS     NATSConfig     `toml:"nats"`
	Premium  PremiumConfig  `toml:"premium"`
	Fallback FallbackConfig `toml:"fallback"`
	Cache    CacheConfig    `toml:"cache"`
	Quota    QuotaConfig    `toml:"quota"`
	Postgres PostgresConfig `toml:"postgres"`
	HTTP     HTTPConfig     `toml:"http"`
	Auth     AuthConfig     `toml:"auth"`
	Playback PlaybackConfig `toml:"playback"`
	Paths    PathsConfig    `toml:"paths"`
}

// Load loads the configuration through the central configurator and
// applies defaults.
func Load(log *logger.Logger) (*Config, error) {
	var cfg Config

	err := configurator.Load(&cfg, log)
	if err != nil {
		return nil, fmt.Errorf("failed to load configuration from configurator: %w", err)
	}

	cfg.ApplyDefaults()

	return &cfg, nil
}

// ApplyDefaults fills every unset field.
func (c *Config) ApplyDefaults() {
	setString(&c.NATS.SpeechSubject, DefaultSpeechSubject)
	setString(&c.NATS.QueueGroup, DefaultQueueGroup)
	setString(&c.NATS.AudioObjectStoreBucket, DefaultAudioBucket)
	setInt(&c.NATS.AudioTTLHours, DefaultAudioTTLHours)

	setString(&c.Premium.APIKeyEnv, DefaultAPIKeyEnv)
	setString(&c.Premium.Format, DefaultPremiumFormat)
	setInt(&c.Premium.TimeoutSeconds, DefaultPremiumTimeout)

	setString(&c.Fallback.ESpeakBinary, DefaultESpeakBinary)
	setInt(&c.Fallback.KeepAliveSeconds, DefaultKeepAliveSeconds)

	setInt(&c.Cache.Capacity, DefaultCacheCapacity)
	setInt(&c.Cache.ClientCapacity, DefaultClientCacheCapacity)
	setInt(&c.Cache.TTLMinutes, DefaultCacheTTLMinutes)
	setInt(&c.Cache.PrefixLength, DefaultCachePrefixLength)

	setInt(&c.Quota.BasicLimit, DefaultCharactersLimit)
	setInt(&c.Quota.ProLimit, DefaultCharactersLimit)
	setInt(&c.Quota.TermDays, DefaultTermDays)
	setInt(&c.Quota.ExpirySweepSeconds, DefaultExpirySweepSeconds)

	setString(&c.HTTP.ListenAddress, DefaultListenAddress)
	setInt(&c.HTTP.ReadTimeoutSeconds, DefaultHTTPTimeoutSeconds)
	setInt(&c.HTTP.WriteTimeoutSeconds, DefaultHTTPTimeoutSeconds)
	setInt(&c.HTTP.RateBurst, DefaultRateBurst)

	if c.HTTP.RatePerSecond == 0 {
		c.HTTP.RatePerSecond = DefaultRatePerSecond
	}

	setString(&c.Auth.SecretEnv, DefaultSecretEnv)
	setString(&c.Auth.Issuer, DefaultIssuer)
	setInt(&c.Auth.TokenTTLMinutes, DefaultTokenTTLMinutes)

	setInt(&c.Playback.SessionIdleMinutes, DefaultSessionIdleMinutes)
	setInt(&c.Playback.SessionSweepSeconds, DefaultSessionSweepSeconds)
	setInt(&c.Playback.ClientsPerStudent, DefaultClientsPerStudent)
}

// Validate reports the first setting the service cannot run with. Premium
// may be left unconfigured, in which case all speech uses the fallback.
func (c *Config) Validate() error {
	if c.Paths.BaseLogsDir == "" {
		return ErrLogsDirMissing
	}

	if c.Quota.BasicLimit <= 0 || c.Quota.ProLimit <= 0 {
		return ErrInvalidLimit
	}

	if c.HTTP.RatePerSecond <= 0 || c.HTTP.RateBurst <= 0 {
		return ErrRateLimitInvalid
	}

	if c.Cache.Capacity <= 0 || c.Cache.ClientCapacity <= 0 || c.Cache.TTLMinutes <= 0 {
		return ErrInvalidCacheConfig
	}

	return nil
}

// PremiumEnabled reports whether a vendor endpoint is configured.
func (c *Config) PremiumEnabled() bool {
	return c.Premium.BaseURL != ""
}

// APIKey reads the vendor key from the environment.
func (p PremiumConfig) APIKey() string {
	return os.Getenv(p.APIKeyEnv)
}

// Timeout is the per-call vendor deadline.
func (p PremiumConfig) Timeout() time.Duration {
	return time.Duration(p.TimeoutSeconds) * time.Second
}

// Secret reads the token secret from the environment.
func (a AuthConfig) Secret() (string, error) {
	secret := os.Getenv(a.SecretEnv)
	if secret == "" {
		return "", fmt.Errorf("%w: %s", ErrAuthSecretMissing, a.SecretEnv)
	}

	return secret, nil
}

// TokenTTL is the lifetime of issued tokens.
func (a AuthConfig) TokenTTL() time.Duration {
	return time.Duration(a.TokenTTLMinutes) * time.Minute
}

// TTL is how long cached audio stays valid.
func (c CacheConfig) TTL() time.Duration {
	return time.Duration(c.TTLMinutes) * time.Minute
}

// KeepAlive is the fallback pause/resume interval.
func (f FallbackConfig) KeepAlive() time.Duration {
	return time.Duration(f.KeepAliveSeconds) * time.Second
}

// Term is the length of a pro subscription.
func (q QuotaConfig) Term() time.Duration {
	return time.Duration(q.TermDays) * 24 * time.Hour
}

// ExpirySweep is the interval of the pro expiry sweep.
func (q QuotaConfig) ExpirySweep() time.Duration {
	return time.Duration(q.ExpirySweepSeconds) * time.Second
}

// AudioTTL is how long archived audio is kept.
func (n NATSConfig) AudioTTL() time.Duration {
	return time.Duration(n.AudioTTLHours) * time.Hour
}

// SessionIdle is how long an unused router session is kept.
func (p PlaybackConfig) SessionIdle() time.Duration {
	return time.Duration(p.SessionIdleMinutes) * time.Minute
}

// SessionSweep is how often idle router sessions are dropped.
func (p PlaybackConfig) SessionSweep() time.Duration {
	return time.Duration(p.SessionSweepSeconds) * time.Second
}

func setString(field *string, value string) {
	if *field == "" {
		*field = value
	}
}

func setInt(field *int, value int) {
	if *field == 0 {
		*field = value
	}
}
