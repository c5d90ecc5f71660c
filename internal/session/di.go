package session

import (
	"github.com/foxseedlab/jimaku/internal/config"
	"github.com/foxseedlab/jimaku/internal/discord"
	"github.com/foxseedlab/jimaku/internal/pipeline"
	"github.com/foxseedlab/jimaku/internal/repository"
	"github.com/foxseedlab/jimaku/internal/webhook"
	"github.com/samber/do/v2"
)

func RegisterDI(injector do.Injector) {
	do.Provide(injector, func(i do.Injector) (*Manager, error) {
		cfg := do.MustInvoke[*config.Config](i)
		repo := do.MustInvoke[repository.Repository](i)
		dc := do.MustInvoke[discord.Client](i)
		orchestrator := do.MustInvoke[*pipeline.Orchestrator](i)
		wh := do.MustInvoke[webhook.Sender](i)
		newOpener := do.MustInvoke[VoiceOpenerFactory](i)
		return NewManager(cfg, repo, dc, orchestrator, wh, newOpener), nil
	})
}
