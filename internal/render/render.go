// Package render runs the external renderer that turns 3D objects into view images.
package render

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/raphaelgruber/structcap/internal/jobs"
)

// ManifestFileName is the name of the manifest written into each workspace.
const ManifestFileName = "manifest.json"

// DefaultArgs is used when no renderer arguments are configured.
var DefaultArgs = []string{"--manifest", "{manifest}", "--workdir", "{workdir}", "--output", "{output}"}

var (
	// ErrNotConfigured is returned when no renderer command is set.
	ErrNotConfigured = errors.New("renderer command not configured")
	// ErrNoObjects is returned when a render is requested without object paths.
	ErrNoObjects = errors.New("no object paths to render")
)

// Manifest lists the objects a renderer should process.
type Manifest struct {
	Objects   []string `json:"objects"`
	OutputDir string   `json:"output_dir"`
}

// Workspace is a temporary directory holding the manifest for one render.
type Workspace struct {
	dir string
}

// NewWorkspace creates a temp directory and writes the manifest into it.
func NewWorkspace(m Manifest) (*Workspace, error) {
	if len(m.Objects) == 0 {
		return nil, ErrNoObjects
	}

	dir, err := os.MkdirTemp("", "structcap-render-*")
	if err != nil {
		return nil, fmt.Errorf("create render workspace: %w", err)
	}
	w := &Workspace{dir: dir}

	data, err := json.MarshalIndent(m, "", "  ")
	if err != nil {
		_ = w.Release()
		return nil, fmt.Errorf("encode manifest: %w", err)
	}
	data = append(data, '\n')
	if err := os.WriteFile(w.ManifestPath(), data, 0o644); err != nil {
		_ = w.Release()
		return nil, fmt.Errorf("write manifest: %w", err)
	}
	return w, nil
}

// Dir returns the workspace directory.
func (w *Workspace) Dir() string { return w.dir }

// ManifestPath returns the path of the manifest file.
func (w *Workspace) ManifestPath() string {
	return filepath.Join(w.dir, ManifestFileName)
}

// Release removes the workspace. It is safe to call more than once.
func (w *Workspace) Release() error {
	if w == nil || w.dir == "" {
		return nil
	}
	if err := os.RemoveAll(w.dir); err != nil {
		return err
	}
	w.dir = ""
	return nil
}

// Renderer invokes an external render command.
type Renderer struct {
	Command string
	Args    []string
	Grace   time.Duration
}

// New creates a renderer. Empty args fall back to DefaultArgs.
func New(command string, args []string, grace time.Duration) *Renderer {
	if len(args) == 0 {
		args = DefaultArgs
	}
	return &Renderer{Command: command, Args: args, Grace: grace}
}

// Task returns a job task that renders objectPaths into outputDir. The workspace
// lives for the duration of the task.
func (r *Renderer) Task(objectPaths []string, outputDir string) (jobs.Task, error) {
	if r == nil || r.Command == "" {
		return nil, ErrNotConfigured
	}
	if len(objectPaths) == 0 {
		return nil, ErrNoObjects
	}
	paths := append([]string(nil), objectPaths...)

	return func(ctx context.Context, emit func(string)) (jobs.Result, error) {
		if err := os.MkdirAll(outputDir, 0o755); err != nil {
			return jobs.Result{}, fmt.Errorf("create output dir: %w", err)
		}

		ws, err := NewWorkspace(Manifest{Objects: paths, OutputDir: outputDir})
		if err != nil {
			return jobs.Result{}, err
		}
		defer func() {
			if err := ws.Release(); err != nil {
				slog.Warn("failed to release render workspace", "error", err)
			}
		}()

		emit(fmt.Sprintf("Rendering %d objects", len(paths)))
		args := ExpandArgs(r.Args, map[string]string{
			"manifest": ws.ManifestPath(),
			"workdir":  ws.Dir(),
			"output":   outputDir,
		})
		res, err := jobs.CommandTask(jobs.Command{
			Name:  r.Command,
			Args:  args,
			Dir:   ws.Dir(),
			Grace: r.Grace,
		})(ctx, emit)
		if err != nil {
			return res, fmt.Errorf("render: %w", err)
		}
		if res.ExitCode != 0 {
			slog.Warn("renderer exited with non-zero code", "code", res.ExitCode)
			emit(fmt.Sprintf("Renderer exited with code %d", res.ExitCode))
		}
		return res, nil
	}, nil
}

// ExpandArgs replaces {name} placeholders in args with values from vars.
func ExpandArgs(args []string, vars map[string]string) []string {
	pairs := make([]string, 0, len(vars)*2)
	for k, v := range vars {
		pairs = append(pairs, "{"+k+"}", v)
	}
	replacer := strings.NewReplacer(pairs...)

	out := make([]string, len(args))
	for i, a := range args {
		out[i] = replacer.Replace(a)
	}
	return out
}
