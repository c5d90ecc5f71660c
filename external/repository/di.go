package repository

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/foxseedlab/jimaku/internal/config"
	"github.com/foxseedlab/jimaku/internal/repository"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/samber/do/v2"
)

const databaseInitTimeout = 15 * time.Second

func RegisterDI(injector do.Injector) {
	do.Provide(injector, func(i do.Injector) (repository.Repository, error) {
		cfg := do.MustInvoke[*config.Config](i)
		ctx, cancel := context.WithTimeout(context.Background(), databaseInitTimeout)
		defer cancel()
		return Open(ctx, cfg.DatabaseURL)
	})
}

// Open connects to the database named by a postgres:// or sqlite:// URL and
// migrates it.
func Open(ctx context.Context, databaseURL string) (repository.Repository, error) {
	scheme, err := (&config.Config{DatabaseURL: databaseURL}).DatabaseScheme()
	if err != nil {
		return nil, err
	}
	if scheme == "sqlite" {
		return OpenSQLite(ctx, sqlitePath(databaseURL))
	}

	p, err := pgxpool.New(ctx, databaseURL)
	if err != nil {
		return nil, fmt.Errorf("failed to connect database: %w", err)
	}
	if err := p.Ping(ctx); err != nil {
		p.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}
	if err := RunPostgresMigration(ctx, p); err != nil {
		p.Close()
		return nil, fmt.Errorf("failed to run migration: %w", err)
	}
	return NewPostgresRepository(p), nil
}

func sqlitePath(databaseURL string) string {
	for _, prefix := range []string{"sqlite://", "file://", "sqlite:", "file:"} {
		if rest, ok := strings.CutPrefix(databaseURL, prefix); ok {
			return rest
		}
	}
	return databaseURL
}
