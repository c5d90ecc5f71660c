package pipeline

import (
	"github.com/foxseedlab/jimaku/internal/config"
	"github.com/foxseedlab/jimaku/internal/metrics"
	"github.com/foxseedlab/jimaku/internal/recognizer"
	"github.com/samber/do/v2"
)

func RegisterDI(injector do.Injector) {
	do.Provide(injector, func(i do.Injector) (*Orchestrator, error) {
		cfg := do.MustInvoke[*config.Config](i)
		engine := do.MustInvoke[recognizer.Engine](i)
		m := do.MustInvoke[*metrics.Metrics](i)
		return NewOrchestrator(engine, Config{MaxHistory: cfg.CaptionMaxHistory}, m), nil
	})
}
