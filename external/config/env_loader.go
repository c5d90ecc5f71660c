package config

import (
	"fmt"

	"github.com/caarlos0/env/v11"
	internalconfig "github.com/foxseedlab/jimaku/internal/config"
)

type envConfig struct {
	Env                        string `env:"ENV" envDefault:"production"`
	CaptureBackend             string `env:"CAPTURE_BACKEND" envDefault:"wav"`
	CaptureWAVPath             string `env:"CAPTURE_WAV_PATH"`
	CaptureDevice              string `env:"CAPTURE_DEVICE"`
	CaptureChunkMS             int    `env:"CAPTURE_CHUNK_MS" envDefault:"100"`
	RecognizerEngine           string `env:"RECOGNIZER_ENGINE" envDefault:"vosk"`
	ModelDir                   string `env:"MODEL_DIR" envDefault:"./model"`
	ModelID                    string `env:"MODEL_ID"`
	VoskBridgeCommand          string `env:"VOSK_BRIDGE_COMMAND" envDefault:"vosk-bridge"`
	GoogleCloudProjectID       string `env:"GOOGLE_CLOUD_PROJECT_ID"`
	GoogleCloudCredentialsJSON string `env:"GOOGLE_CLOUD_CREDENTIALS_JSON"`
	GoogleCloudSpeechLocation  string `env:"GOOGLE_CLOUD_SPEECH_LOCATION" envDefault:"asia-northeast1"`
	GoogleCloudSpeechLanguage  string `env:"GOOGLE_CLOUD_SPEECH_LANGUAGE" envDefault:"ja-JP"`
	CaptionMaxHistory          int    `env:"CAPTION_MAX_HISTORY" envDefault:"100"`
	DatabaseURL                string `env:"DATABASE_URL" envDefault:"sqlite://./data/jimaku.db"`
	DiscordToken               string `env:"DISCORD_TOKEN"`
	DiscordGuildID             string `env:"DISCORD_GUILD_ID"`
	DiscordCountOtherBots      bool   `env:"DISCORD_COUNT_OTHER_BOTS_AS_PARTICIPANTS" envDefault:"false"`
	MaxCaptionDurationMin      int    `env:"MAX_CAPTION_DURATION_MIN" envDefault:"120"`
	TranscriptTimezone         string `env:"TRANSCRIPT_TIMEZONE" envDefault:"Asia/Tokyo"`
	TranscriptWebhookURL       string `env:"TRANSCRIPT_WEBHOOK_URL"`
	NATSURL                    string `env:"NATS_URL"`
	NATSSubjectPrefix          string `env:"NATS_SUBJECT_PREFIX" envDefault:"jimaku.caption"`
	MetricsAddr                string `env:"METRICS_ADDR"`
}

func Load() (*internalconfig.Config, error) {
	var raw envConfig
	if err := env.Parse(&raw); err != nil {
		return nil, fmt.Errorf("environment variables are invalid or missing: %w", err)
	}

	cfg := &internalconfig.Config{
		Env:                        raw.Env,
		CaptureBackend:             raw.CaptureBackend,
		CaptureWAVPath:             raw.CaptureWAVPath,
		CaptureDevice:              raw.CaptureDevice,
		CaptureChunkMS:             raw.CaptureChunkMS,
		RecognizerEngine:           raw.RecognizerEngine,
		ModelDir:                   raw.ModelDir,
		ModelID:                    raw.ModelID,
		VoskBridgeCommand:          raw.VoskBridgeCommand,
		GoogleCloudProjectID:       raw.GoogleCloudProjectID,
		GoogleCloudCredentialsJSON: raw.GoogleCloudCredentialsJSON,
		GoogleCloudSpeechLocation:  raw.GoogleCloudSpeechLocation,
		GoogleCloudSpeechLanguage:  raw.GoogleCloudSpeechLanguage,
		CaptionMaxHistory:          raw.CaptionMaxHistory,
		DatabaseURL:                raw.DatabaseURL,
		DiscordToken:               raw.DiscordToken,
		DiscordGuildID:             raw.DiscordGuildID,
		DiscordCountOtherBots:      raw.DiscordCountOtherBots,
		MaxCaptionDurationMin:      raw.MaxCaptionDurationMin,
		TranscriptTimezone:         raw.TranscriptTimezone,
		TranscriptWebhookURL:       raw.TranscriptWebhookURL,
		NATSURL:                    raw.NATSURL,
		NATSSubjectPrefix:          raw.NATSSubjectPrefix,
		MetricsAddr:                raw.MetricsAddr,
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}
