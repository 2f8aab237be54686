package cli

import (
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/raphaelgruber/structcap/internal/render"
)

var renderParentDir string

var renderCmd = &cobra.Command{
	Use:   "render <object-path>...",
	Short: "Render 3D objects into view folders",
	Long: `Run the configured render command (STRUCTCAP_RENDER_COMMAND) for the given
objects, producing one view folder per object under <parent-dir>/Cap3D_imgs.

The command receives a manifest.json listing the objects; {manifest},
{workdir} and {output} in STRUCTCAP_RENDER_ARGS are replaced accordingly.
The exit code of the render command is passed through.`,
	Args: cobra.MinimumNArgs(1),
	RunE: runRender,
}

func init() {
	renderCmd.Flags().StringVar(&renderParentDir, "parent-dir", "", "parent directory (default from config)")
}

func runRender(cmd *cobra.Command, args []string) error {
	parentDir := renderParentDir
	if parentDir == "" {
		parentDir = cfg.ParentDir
	}

	task, err := render.New(cfg.RenderCommand, cfg.RenderArgs, cfg.StopGrace).Task(args, cfg.ImagesDir(parentDir))
	if errors.Is(err, render.ErrNotConfigured) {
		return errors.New("no render command configured (set STRUCTCAP_RENDER_COMMAND)")
	}
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	out := cmd.OutOrStdout()
	res, err := task(ctx, func(line string) {
		fmt.Fprintln(out, line)
	})
	if err != nil {
		return err
	}
	if res.ExitCode != 0 {
		return &ExitError{Code: res.ExitCode}
	}
	return nil
}
