// Copyright (c) 2025 OpenClaw Contributors
//
// Licensed under the MIT License. See LICENSE for details.

package config

import (
	"fmt"
	"log"
	"os"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/spf13/viper"
)

// Inbound admission policies. Absence of an explicit policy rejects all
// inbound calls.
const (
	InboundPolicyDisabled  = "disabled"
	InboundPolicyOpen      = "open"
	InboundPolicyAllowlist = "allowlist"
)

// AppConfig is the full service configuration. Missing credentials or
// endpoints surface here at startup, never per call.
type AppConfig struct {
	ServiceName string `mapstructure:"service_name" validate:"required"`
	Host        string `mapstructure:"host" validate:"required"`
	Port        int    `mapstructure:"port" validate:"required"`
	LogLevel    string `mapstructure:"log_level" validate:"required"`
	LogFile     string `mapstructure:"log_file"`

	// PublicHost is the externally reachable host used to build the
	// media-stream URL handed to the telephony provider (no scheme).
	PublicHost string `mapstructure:"public_host" validate:"required"`

	TwilioAccountSID string `mapstructure:"twilio_account_sid" validate:"required"`
	TwilioAuthToken  string `mapstructure:"twilio_auth_token" validate:"required"`
	TwilioFromNumber string `mapstructure:"twilio_from_number" validate:"required"`

	OpenAIAPIKey string `mapstructure:"openai_api_key" validate:"required"`
	OpenAIModel  string `mapstructure:"openai_model" validate:"required"`
	Voice        string `mapstructure:"voice" validate:"required"`

	// Server VAD tuning forwarded verbatim into the model session config.
	VADThreshold         float64 `mapstructure:"vad_threshold"`
	VADPrefixPaddingMs   int     `mapstructure:"vad_prefix_padding_ms"`
	VADSilenceDurationMs int     `mapstructure:"vad_silence_duration_ms"`

	// InboundPolicy is one of disabled|open|allowlist. InboundAllowlist is a
	// comma-separated list of phone numbers, only used under allowlist.
	InboundPolicy    string `mapstructure:"inbound_policy"`
	InboundAllowlist string `mapstructure:"inbound_allowlist"`

	IdleTimeout        time.Duration `mapstructure:"idle_timeout"`
	GreetingFallback   time.Duration `mapstructure:"greeting_fallback"`
	AttachTimeout      time.Duration `mapstructure:"attach_timeout"`
	SocketWriteTimeout time.Duration `mapstructure:"socket_write_timeout"`

	// Debug augmentation: per-leg audio capture and protocol frame logging.
	DebugAudioDir  string `mapstructure:"debug_audio_dir"`
	DebugLogFrames bool   `mapstructure:"debug_log_frames"`
}

// AllowlistNumbers returns the configured allowlist entries, trimmed.
func (c *AppConfig) AllowlistNumbers() []string {
	if c.InboundAllowlist == "" {
		return nil
	}
	parts := strings.Split(c.InboundAllowlist, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if trimmed := strings.TrimSpace(p); trimmed != "" {
			out = append(out, trimmed)
		}
	}
	return out
}

// InitConfig reads configuration from .env (or ENV_PATH) with environment
// variable overrides.
func InitConfig() (*viper.Viper, error) {
	vConfig := viper.NewWithOptions(viper.KeyDelimiter("__"))

	vConfig.AddConfigPath(".")
	vConfig.SetConfigName(".env")
	path := os.Getenv("ENV_PATH")
	if path != "" {
		log.Printf("env path %v", path)
		vConfig.SetConfigFile(path)
	}
	vConfig.SetConfigType("env")
	vConfig.AutomaticEnv()

	setDefault(vConfig)
	if err := vConfig.ReadInConfig(); err != nil && !os.IsNotExist(err) {
		log.Printf("Reading from env variables.")
	}

	return vConfig, nil
}

func setDefault(v *viper.Viper) {
	v.SetDefault("SERVICE_NAME", "voicebridge")
	v.SetDefault("HOST", "0.0.0.0")
	v.SetDefault("PORT", 8080)
	v.SetDefault("LOG_LEVEL", "info")
	v.SetDefault("LOG_FILE", "")

	v.SetDefault("PUBLIC_HOST", "")

	// Credentials default empty so AutomaticEnv surfaces them to Unmarshal;
	// keys viper has never seen are invisible to it (spf13/viper#188).
	v.SetDefault("TWILIO_ACCOUNT_SID", "")
	v.SetDefault("TWILIO_AUTH_TOKEN", "")
	v.SetDefault("TWILIO_FROM_NUMBER", "")
	v.SetDefault("OPENAI_API_KEY", "")

	v.SetDefault("OPENAI_MODEL", "gpt-4o-realtime-preview-2024-12-17")
	v.SetDefault("VOICE", "alloy")
	v.SetDefault("VAD_THRESHOLD", 0.5)
	v.SetDefault("VAD_PREFIX_PADDING_MS", 300)
	v.SetDefault("VAD_SILENCE_DURATION_MS", 500)

	v.SetDefault("INBOUND_POLICY", "")
	v.SetDefault("INBOUND_ALLOWLIST", "")

	v.SetDefault("IDLE_TIMEOUT", "60s")
	v.SetDefault("GREETING_FALLBACK", "4s")
	v.SetDefault("ATTACH_TIMEOUT", "90s")
	v.SetDefault("SOCKET_WRITE_TIMEOUT", "5s")

	v.SetDefault("DEBUG_AUDIO_DIR", "")
	v.SetDefault("DEBUG_LOG_FRAMES", false)
}

// GetApplicationConfig unmarshals and validates the app configuration.
func GetApplicationConfig(v *viper.Viper) (*AppConfig, error) {
	var cfg AppConfig
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate checks required fields and value constraints.
func (c *AppConfig) Validate() error {
	validate := validator.New()
	if err := validate.Struct(c); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}
	switch c.InboundPolicy {
	case "", InboundPolicyDisabled, InboundPolicyOpen, InboundPolicyAllowlist:
	default:
		return fmt.Errorf("invalid configuration: unknown inbound_policy %q", c.InboundPolicy)
	}
	return nil
}
