package model

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"strings"

	"github.com/foxseedlab/jimaku/internal/model"
)

// FilesystemRepository treats each subdirectory of Root as one model.
type FilesystemRepository struct {
	Root string
}

func NewFilesystemRepository(root string) *FilesystemRepository {
	return &FilesystemRepository{Root: root}
}

// List returns complete models sorted by identifier. Incomplete directories are skipped.
func (r *FilesystemRepository) List(ctx context.Context) ([]model.Model, error) {
	entries, err := os.ReadDir(r.Root)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("read model directory %s: %w", r.Root, err)
	}
	var models []model.Model
	for _, entry := range entries {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		if !entry.IsDir() || strings.HasPrefix(entry.Name(), ".") {
			continue
		}
		path := filepath.Join(r.Root, entry.Name())
		if err := checkAssets(path); err != nil {
			continue
		}
		models = append(models, model.Model{ID: entry.Name(), Path: path})
	}
	slices.SortFunc(models, func(a, b model.Model) int { return strings.Compare(a.ID, b.ID) })
	return models, nil
}

func (r *FilesystemRepository) Resolve(_ context.Context, id string) (model.Model, error) {
	if id == "" || id != filepath.Base(id) || id == "." || id == ".." {
		return model.Model{}, fmt.Errorf("%w: invalid model identifier %q", model.ErrNotFound, id)
	}
	path := filepath.Join(r.Root, id)
	info, err := os.Stat(path)
	if err != nil || !info.IsDir() {
		return model.Model{}, fmt.Errorf("%w: %s", model.ErrNotFound, path)
	}
	if err := checkAssets(path); err != nil {
		return model.Model{}, err
	}
	return model.Model{ID: id, Path: path}, nil
}

func checkAssets(dir string) error {
	var missing []string
	for _, name := range model.RequiredAssets {
		info, err := os.Stat(filepath.Join(dir, name))
		if err != nil || !info.IsDir() {
			missing = append(missing, name)
		}
	}
	if len(missing) > 0 {
		return fmt.Errorf("%w: %s is missing %s", model.ErrIncomplete, dir, strings.Join(missing, ", "))
	}
	return nil
}
