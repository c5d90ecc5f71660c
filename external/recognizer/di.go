package recognizer

import (
	"fmt"

	"github.com/foxseedlab/jimaku/internal/config"
	"github.com/foxseedlab/jimaku/internal/model"
	"github.com/foxseedlab/jimaku/internal/recognizer"
	"github.com/samber/do/v2"
)

func RegisterDI(injector do.Injector) {
	do.Provide(injector, func(i do.Injector) (recognizer.Engine, error) {
		c := do.MustInvoke[*config.Config](i)
		switch c.RecognizerEngine {
		case config.RecognizerEngineVosk:
			models := do.MustInvoke[model.Repository](i)
			return NewVoskBridgeEngine(c.VoskBridgeCommand, models)
		case config.RecognizerEngineCloudSpeech:
			return NewCloudSpeechEngine(CloudSpeechConfig{
				ProjectID:       c.GoogleCloudProjectID,
				CredentialsJSON: c.GoogleCloudCredentialsJSON,
				Language:        c.GoogleCloudSpeechLanguage,
				Location:        c.GoogleCloudSpeechLocation,
			}), nil
		default:
			return nil, fmt.Errorf("unknown recognizer engine %q", c.RecognizerEngine)
		}
	})
}
