package model

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/foxseedlab/jimaku/internal/model"
)

func installModel(t *testing.T, root, id string, assets ...string) {
	t.Helper()
	for _, asset := range assets {
		if err := os.MkdirAll(filepath.Join(root, id, asset), 0o755); err != nil {
			t.Fatalf("failed to create %s/%s: %v", id, asset, err)
		}
	}
}

func TestList_SkipsIncompleteModels(t *testing.T) {
	root := t.TempDir()
	installModel(t, root, "vosk-model-small-ja-0.22", model.RequiredAssets...)
	installModel(t, root, "vosk-model-en-us-0.22", model.RequiredAssets...)
	installModel(t, root, "broken", "am", "conf")

	repo := NewFilesystemRepository(root)
	models, err := repo.List(context.Background())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(models) != 2 {
		t.Fatalf("expected 2 models, got %+v", models)
	}
	if models[0].ID != "vosk-model-en-us-0.22" || models[1].ID != "vosk-model-small-ja-0.22" {
		t.Fatalf("unexpected order: %+v", models)
	}
}

func TestList_MissingRootIsEmpty(t *testing.T) {
	repo := NewFilesystemRepository(filepath.Join(t.TempDir(), "absent"))
	models, err := repo.List(context.Background())
	if err != nil || len(models) != 0 {
		t.Fatalf("expected no models and no error, got %+v, %v", models, err)
	}
}

func TestResolve(t *testing.T) {
	root := t.TempDir()
	installModel(t, root, "ja", model.RequiredAssets...)
	installModel(t, root, "partial", "am", "graph")
	repo := NewFilesystemRepository(root)

	m, err := repo.Resolve(context.Background(), "ja")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if m.Path != filepath.Join(root, "ja") {
		t.Fatalf("unexpected path %s", m.Path)
	}

	if _, err := repo.Resolve(context.Background(), "partial"); !errors.Is(err, model.ErrIncomplete) {
		t.Fatalf("expected ErrIncomplete, got %v", err)
	}
	if _, err := repo.Resolve(context.Background(), "missing"); !errors.Is(err, model.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
	if _, err := repo.Resolve(context.Background(), "../ja"); !errors.Is(err, model.ErrNotFound) {
		t.Fatalf("expected traversal to be rejected, got %v", err)
	}
}

func TestResolveOrDefault_PicksFirstInstalled(t *testing.T) {
	root := t.TempDir()
	installModel(t, root, "b-model", model.RequiredAssets...)
	installModel(t, root, "a-model", model.RequiredAssets...)
	repo := NewFilesystemRepository(root)

	m, err := model.ResolveOrDefault(context.Background(), repo, "")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if m.ID != "a-model" {
		t.Fatalf("expected first model, got %s", m.ID)
	}

	empty := NewFilesystemRepository(t.TempDir())
	if _, err := model.ResolveOrDefault(context.Background(), empty, ""); !errors.Is(err, model.ErrNoModels) {
		t.Fatalf("expected ErrNoModels, got %v", err)
	}
}
