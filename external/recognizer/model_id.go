package recognizer

import (
	"context"
	"fmt"

	"github.com/foxseedlab/jimaku/internal/config"
	"github.com/foxseedlab/jimaku/internal/model"
)

// DefaultCloudSpeechModel is used when no model identifier is configured.
const DefaultCloudSpeechModel = "chirp_3"

// ResolveModelID returns the configured model identifier, or the engine's
// default: the first installed model for vosk, DefaultCloudSpeechModel for
// Cloud Speech.
func ResolveModelID(ctx context.Context, cfg *config.Config, models model.Repository) (string, error) {
	switch cfg.RecognizerEngine {
	case config.RecognizerEngineCloudSpeech:
		if cfg.ModelID != "" {
			return cfg.ModelID, nil
		}
		return DefaultCloudSpeechModel, nil
	case config.RecognizerEngineVosk:
		m, err := model.ResolveOrDefault(ctx, models, cfg.ModelID)
		if err != nil {
			return "", fmt.Errorf("resolve recognizer model: %w", err)
		}
		return m.ID, nil
	default:
		return "", fmt.Errorf("unknown recognizer engine %q", cfg.RecognizerEngine)
	}
}
