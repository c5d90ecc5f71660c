package config

import (
	"fmt"
	"net/url"
	"time"
)

const (
	CaptureBackendWAV     = "wav"
	CaptureBackendDevice  = "device"
	CaptureBackendDiscord = "discord"

	RecognizerEngineVosk        = "vosk"
	RecognizerEngineCloudSpeech = "cloudspeech"
)

type Config struct {
	Env string

	CaptureBackend string
	CaptureWAVPath string
	CaptureDevice  string
	CaptureChunkMS int

	RecognizerEngine           string
	ModelDir                   string
	ModelID                    string
	VoskBridgeCommand          string
	GoogleCloudProjectID       string
	GoogleCloudCredentialsJSON string
	GoogleCloudSpeechLocation  string
	GoogleCloudSpeechLanguage  string

	CaptionMaxHistory int
	DatabaseURL       string

	DiscordToken          string
	DiscordGuildID        string
	DiscordCountOtherBots bool
	MaxCaptionDurationMin int
	TranscriptTimezone    string
	TranscriptWebhookURL  string

	NATSURL           string
	NATSSubjectPrefix string
	MetricsAddr       string
}

func (c *Config) Validate() error {
	switch c.CaptureBackend {
	case CaptureBackendWAV:
		if c.CaptureWAVPath == "" {
			return fmt.Errorf("CAPTURE_WAV_PATH is required when CAPTURE_BACKEND=%s", CaptureBackendWAV)
		}
	case CaptureBackendDevice:
	case CaptureBackendDiscord:
		for _, req := range c.discordRequiredFieldChecks() {
			if req.value == "" {
				return fmt.Errorf("%s is required when CAPTURE_BACKEND=%s", req.name, CaptureBackendDiscord)
			}
		}
		if c.MaxCaptionDurationMin <= 0 {
			return fmt.Errorf("MAX_CAPTION_DURATION_MIN must be positive, got %d", c.MaxCaptionDurationMin)
		}
	default:
		return fmt.Errorf("CAPTURE_BACKEND must be one of wav, device, discord, got %q", c.CaptureBackend)
	}
	if c.CaptureChunkMS <= 0 {
		return fmt.Errorf("CAPTURE_CHUNK_MS must be positive, got %d", c.CaptureChunkMS)
	}

	switch c.RecognizerEngine {
	case RecognizerEngineVosk:
		if c.ModelDir == "" {
			return fmt.Errorf("MODEL_DIR is required when RECOGNIZER_ENGINE=%s", RecognizerEngineVosk)
		}
		if c.VoskBridgeCommand == "" {
			return fmt.Errorf("VOSK_BRIDGE_COMMAND is required when RECOGNIZER_ENGINE=%s", RecognizerEngineVosk)
		}
	case RecognizerEngineCloudSpeech:
		for _, req := range c.cloudSpeechRequiredFieldChecks() {
			if req.value == "" {
				return fmt.Errorf("%s is required when RECOGNIZER_ENGINE=%s", req.name, RecognizerEngineCloudSpeech)
			}
		}
	default:
		return fmt.Errorf("RECOGNIZER_ENGINE must be one of vosk, cloudspeech, got %q", c.RecognizerEngine)
	}

	if c.CaptionMaxHistory < 0 {
		return fmt.Errorf("CAPTION_MAX_HISTORY must not be negative, got %d", c.CaptionMaxHistory)
	}
	if c.DatabaseURL != "" {
		if _, err := c.DatabaseScheme(); err != nil {
			return err
		}
	}
	if c.TranscriptTimezone == "" {
		return fmt.Errorf("TRANSCRIPT_TIMEZONE is required")
	}
	if _, err := time.LoadLocation(c.TranscriptTimezone); err != nil {
		return fmt.Errorf("TRANSCRIPT_TIMEZONE is invalid: %w", err)
	}
	return nil
}

// DatabaseScheme returns "postgres" or "sqlite" for DatabaseURL.
func (c *Config) DatabaseScheme() (string, error) {
	u, err := url.Parse(c.DatabaseURL)
	if err != nil {
		return "", fmt.Errorf("DATABASE_URL is invalid: %w", err)
	}
	switch u.Scheme {
	case "postgres", "postgresql":
		return "postgres", nil
	case "sqlite", "file":
		return "sqlite", nil
	default:
		return "", fmt.Errorf("DATABASE_URL scheme must be postgres or sqlite, got %q", u.Scheme)
	}
}

type requiredEnvField struct {
	name  string
	value string
}

func (c *Config) discordRequiredFieldChecks() []requiredEnvField {
	return []requiredEnvField{
		{name: "DISCORD_TOKEN", value: c.DiscordToken},
		{name: "DISCORD_GUILD_ID", value: c.DiscordGuildID},
		{name: "DATABASE_URL", value: c.DatabaseURL},
	}
}

func (c *Config) cloudSpeechRequiredFieldChecks() []requiredEnvField {
	return []requiredEnvField{
		{name: "GOOGLE_CLOUD_PROJECT_ID", value: c.GoogleCloudProjectID},
		{name: "GOOGLE_CLOUD_CREDENTIALS_JSON", value: c.GoogleCloudCredentialsJSON},
		{name: "GOOGLE_CLOUD_SPEECH_LOCATION", value: c.GoogleCloudSpeechLocation},
		{name: "GOOGLE_CLOUD_SPEECH_LANGUAGE", value: c.GoogleCloudSpeechLanguage},
	}
}

func (c *Config) IsDevelopment() bool {
	return c.Env == "development"
}

func (c *Config) MaxCaptionDuration() time.Duration {
	return time.Duration(c.MaxCaptionDurationMin) * time.Minute
}
