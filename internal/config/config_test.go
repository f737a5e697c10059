package config_test

import (
	"testing"
	"time"

	"github.com/book-expert/tutor-tts-service/internal/config"
	"github.com/pelletier/go-toml/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadConfig(t *testing.T) {
	t.Parallel()

	tomlData := `
[nats]
url = "nats://127.0.0.1:4222"
speech_subject = "tutor.speech"
audio_object_store_bucket = "SPEECH"

[premium]
base_url = "https://tts.example.com"
provider = "acme"
timeout_seconds = 8
format = "mp3"

[fallback]
espeak_binary = "/usr/bin/espeak-ng"
preferences = ["en-GB", "en"]

[cache]
capacity = 64
ttl_minutes = 15

[quota]
pro_limit = 200000
term_days = 30

[postgres]
dsn = "postgres://tutor@localhost/tutor"

[http]
listen_address = "127.0.0.1:9090"
rate_per_second = 1.5
rate_burst = 3

[auth]
issuer = "school-portal"

[playback]
command = ["mpv", "-"]

[paths]
base_logs_dir = "/var/log/tutor"
`

	var cfg config.Config

	err := toml.Unmarshal([]byte(tomlData), &cfg)
	require.NoError(t, err)

	cfg.ApplyDefaults()
	require.NoError(t, cfg.Validate())

	assert.Equal(t, "nats://127.0.0.1:4222", cfg.NATS.URL)
	assert.Equal(t, "tutor.speech", cfg.NATS.SpeechSubject)
	assert.Equal(t, config.DefaultQueueGroup, cfg.NATS.QueueGroup)
	assert.Equal(t, "SPEECH", cfg.NATS.AudioObjectStoreBucket)
	assert.Equal(t, 24*time.Hour, cfg.NATS.AudioTTL())

	assert.True(t, cfg.PremiumEnabled())
	assert.Equal(t, "acme", cfg.Premium.Provider)
	assert.Equal(t, 8*time.Second, cfg.Premium.Timeout())
	assert.Equal(t, config.DefaultAPIKeyEnv, cfg.Premium.APIKeyEnv)

	assert.Equal(t, []string{"en-GB", "en"}, cfg.Fallback.Preferences)
	assert.Equal(t, 10*time.Second, cfg.Fallback.KeepAlive())

	assert.Equal(t, 64, cfg.Cache.Capacity)
	assert.Equal(t, config.DefaultClientCacheCapacity, cfg.Cache.ClientCapacity)
	assert.Equal(t, 15*time.Minute, cfg.Cache.TTL())

	assert.Equal(t, 200000, cfg.Quota.ProLimit)
	assert.Equal(t, config.DefaultCharactersLimit, cfg.Quota.BasicLimit)
	assert.Equal(t, 30*24*time.Hour, cfg.Quota.Term())

	assert.Equal(t, "postgres://tutor@localhost/tutor", cfg.Postgres.DSN)
	assert.Equal(t, "127.0.0.1:9090", cfg.HTTP.ListenAddress)
	assert.InEpsilon(t, 1.5, cfg.HTTP.RatePerSecond, 0.001)
	assert.Equal(t, 3, cfg.HTTP.RateBurst)
	assert.Equal(t, "school-portal", cfg.Auth.Issuer)
	assert.Equal(t, time.Hour, cfg.Auth.TokenTTL())
	assert.Equal(t, []string{"mpv", "-"}, cfg.Playback.Command)
	assert.Equal(t, 30*time.Minute, cfg.Playback.SessionIdle())
	assert.Equal(t, config.DefaultClientsPerStudent, cfg.Playback.ClientsPerStudent)
	assert.Equal(t, "/var/log/tutor", cfg.Paths.BaseLogsDir)
}

func TestValidate(t *testing.T) {
	t.Parallel()

	valid := func() config.Config {
		cfg := config.Config{Paths: config.PathsConfig{BaseLogsDir: "/tmp"}}
		cfg.ApplyDefaults()

		return cfg
	}

	cfg := valid()
	require.NoError(t, cfg.Validate())
	assert.False(t, cfg.PremiumEnabled())

	cfg = valid()
	cfg.Paths.BaseLogsDir = ""
	require.ErrorIs(t, cfg.Validate(), config.ErrLogsDirMissing)

	cfg = valid()
	cfg.Quota.ProLimit = -1
	require.ErrorIs(t, cfg.Validate(), config.ErrInvalidLimit)

	cfg = valid()
	cfg.HTTP.RatePerSecond = -2
	require.ErrorIs(t, cfg.Validate(), config.ErrRateLimitInvalid)
}

func TestSecretsFromEnvironment(t *testing.T) {
	t.Setenv("TUTOR_TEST_SECRET", "s3cret")
	t.Setenv("TUTOR_TEST_VENDOR_KEY", "vk")

	auth := config.AuthConfig{SecretEnv: "TUTOR_TEST_SECRET"}
	secret, err := auth.Secret()
	require.NoError(t, err)
	assert.Equal(t, "s3cret", secret)

	_, err = config.AuthConfig{SecretEnv: "TUTOR_TEST_UNSET_SECRET"}.Secret()
	require.ErrorIs(t, err, config.ErrAuthSecretMissing)

	assert.Equal(t, "vk", config.PremiumConfig{APIKeyEnv: "TUTOR_TEST_VENDOR_KEY"}.APIKey())
}
