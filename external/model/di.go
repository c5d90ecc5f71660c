package model

import (
	"github.com/foxseedlab/jimaku/internal/config"
	"github.com/foxseedlab/jimaku/internal/model"
	"github.com/samber/do/v2"
)

func RegisterDI(injector do.Injector) {
	do.Provide(injector, func(i do.Injector) (model.Repository, error) {
		cfg := do.MustInvoke[*config.Config](i)
		return NewFilesystemRepository(cfg.ModelDir), nil
	})
}
