package caption

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/raphaelgruber/structcap/internal/models"
)

// DefaultImagesSubdir is the directory under the parent dir holding one folder per item.
const DefaultImagesSubdir = "Cap3D_imgs"

// ErrDirNotExist is wrapped when the images directory is missing.
var ErrDirNotExist = os.ErrNotExist

// Discover lists every item directory under imagesDir, sorted by uid.
func Discover(imagesDir string) ([]models.Item, error) {
	info, err := os.Stat(imagesDir)
	if err != nil || !info.IsDir() {
		return nil, fmt.Errorf("%s does not exist: %w", imagesDir, ErrDirNotExist)
	}

	entries, err := os.ReadDir(imagesDir)
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", imagesDir, err)
	}

	var items []models.Item
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		path := filepath.Join(imagesDir, e.Name())
		items = append(items, models.Item{
			UID:       e.Name(),
			Path:      path,
			NumImages: countImages(path),
			HasOutput: fileExists(filepath.Join(path, models.OutputFileName)),
		})
	}

	sort.Slice(items, func(i, j int) bool { return items[i].UID < items[j].UID })
	return items, nil
}

// LookupItem returns the item named uid under imagesDir.
func LookupItem(imagesDir, uid string) (models.Item, error) {
	if uid == "" || uid != filepath.Base(uid) || strings.HasPrefix(uid, ".") {
		return models.Item{}, fmt.Errorf("invalid item id %q", uid)
	}
	path := filepath.Join(imagesDir, uid)
	info, err := os.Stat(path)
	if err != nil || !info.IsDir() {
		return models.Item{}, fmt.Errorf("item %s: %w", uid, ErrDirNotExist)
	}
	return models.Item{
		UID:       uid,
		Path:      path,
		NumImages: countImages(path),
		HasOutput: fileExists(filepath.Join(path, models.OutputFileName)),
	}, nil
}

// ListImages returns up to limit PNG files of an item in name order, falling back to JPG.
func ListImages(dir string, limit int) []string {
	paths := listImages(dir, "*.png")
	if len(paths) == 0 {
		paths = listImages(dir, "*.jpg")
	}
	if limit > 0 && len(paths) > limit {
		paths = paths[:limit]
	}
	return paths
}

func countImages(dir string) int {
	return len(listImages(dir, "*.png")) + len(listImages(dir, "*.jpg"))
}
