// Package caption implements the batch captioning pipeline: view selection, prompt
// construction, response extraction, per-item processing and the sequential batch runner.
package caption

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"

	"github.com/raphaelgruber/structcap/internal/models"
)

// ViewFileName returns the conventional filename of the view at index i.
func ViewFileName(i int) string {
	return fmt.Sprintf("%05d.png", i)
}

// SelectViews returns at most n image paths from dir. The first non-empty stage wins:
// ranked views, then conventionally numbered views, then any PNG (or JPG) in name order.
// An empty result means the item has no usable images.
func SelectViews(dir string, n int, useRanking bool) []string {
	if n <= 0 {
		return nil
	}

	if useRanking {
		if paths := rankedViews(dir, n); len(paths) > 0 {
			return paths
		}
	}

	if paths := numberedViews(dir, n); len(paths) > 0 {
		return paths
	}

	return ListImages(dir, n)
}

// rankedViews orders views by descending ranking score. A missing or unreadable
// ranking artifact yields nil.
func rankedViews(dir string, n int) []string {
	rankingPath := filepath.Join(dir, models.RankingFileName)
	data, err := os.ReadFile(rankingPath)
	if err != nil {
		if !os.IsNotExist(err) {
			slog.Warn("could not read ranking scores", "path", rankingPath, "error", err)
		}
		return nil
	}

	var scores []float64
	if err := json.Unmarshal(data, &scores); err != nil {
		slog.Warn("could not load ranking scores", "path", rankingPath, "error", err)
		return nil
	}

	order := RankIndices(scores)
	if len(order) > n {
		order = order[:n]
	}

	var paths []string
	for _, idx := range order {
		p := filepath.Join(dir, ViewFileName(idx))
		if fileExists(p) {
			paths = append(paths, p)
		}
	}
	return paths
}

// RankIndices returns view indices sorted by descending score. Equal scores keep ascending index order.
func RankIndices(scores []float64) []int {
	order := make([]int, len(scores))
	for i := range order {
		order[i] = i
	}
	sort.SliceStable(order, func(a, b int) bool {
		return scores[order[a]] > scores[order[b]]
	})
	return order
}

func numberedViews(dir string, n int) []string {
	var paths []string
	for i := range n {
		p := filepath.Join(dir, ViewFileName(i))
		if fileExists(p) {
			paths = append(paths, p)
		}
	}
	return paths
}

// listImages returns regular files matching pattern in dir, sorted by name.
func listImages(dir, pattern string) []string {
	// Patterns are constant, so Glob can only fail on a malformed pattern.
	matches, _ := filepath.Glob(filepath.Join(dir, pattern))
	paths := matches[:0]
	for _, m := range matches {
		if fileExists(m) {
			paths = append(paths, m)
		}
	}
	sort.Strings(paths)
	return paths
}

func fileExists(path string) bool {
	info, err := os.Stat(path)
	return err == nil && info.Mode().IsRegular()
}
