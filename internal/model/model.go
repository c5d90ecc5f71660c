package model

import (
	"context"
	"errors"
)

var (
	ErrNotFound   = errors.New("model not found")
	ErrIncomplete = errors.New("model assets incomplete")
	ErrNoModels   = errors.New("no models installed")
)

// RequiredAssets are the directories every recognizer model must contain.
var RequiredAssets = []string{"am", "conf", "graph", "ivector"}

type Model struct {
	ID   string
	Path string
}

// Repository resolves model identifiers to validated on-disk assets.
type Repository interface {
	List(ctx context.Context) ([]Model, error)
	Resolve(ctx context.Context, id string) (Model, error)
}

// ResolveOrDefault resolves id, or the first installed model when id is empty.
func ResolveOrDefault(ctx context.Context, repo Repository, id string) (Model, error) {
	if id != "" {
		return repo.Resolve(ctx, id)
	}
	models, err := repo.List(ctx)
	if err != nil {
		return Model{}, err
	}
	if len(models) == 0 {
		return Model{}, ErrNoModels
	}
	return models[0], nil
}
