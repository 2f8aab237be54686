package cli

import (
	"bytes"
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"
)

var (
	foldersParentDir string
	showParentDir    string
	showImages       bool
)

var foldersCmd = &cobra.Command{
	Use:   "folders",
	Short: "List object folders known to the server",
	Args:  cobra.NoArgs,
	RunE:  runFolders,
}

var showCmd = &cobra.Command{
	Use:   "show <uid>",
	Short: "Print the structured output of an object",
	Long: `Print the structured output of one object folder as indented JSON.

Examples:
  structcap show 0a1b2c3d
  structcap show 0a1b2c3d --images`,
	Args: cobra.ExactArgs(1),
	RunE: runShow,
}

func init() {
	foldersCmd.Flags().StringVar(&foldersParentDir, "parent-dir", "", "parent directory (server default if empty)")
	showCmd.Flags().StringVar(&showParentDir, "parent-dir", "", "parent directory (server default if empty)")
	showCmd.Flags().BoolVar(&showImages, "images", false, "list the preview images instead of the output")
}

func runFolders(cmd *cobra.Command, args []string) error {
	items, err := apiClient.Folders(cmd.Context(), foldersParentDir)
	if err != nil {
		return fmt.Errorf("list folders: %w", err)
	}

	out := cmd.OutOrStdout()
	if len(items) == 0 {
		fmt.Fprintln(out, "No folders found.")
		return nil
	}

	done := 0
	for _, item := range items {
		if item.HasOutput {
			done++
		}
	}
	fmt.Fprintf(out, "Folders (%d, %d captioned):\n\n", len(items), done)
	for _, item := range items {
		mark := " "
		if item.HasOutput {
			mark = "✓"
		}
		fmt.Fprintf(out, "%s %s (%d images)\n", mark, item.UID, item.NumImages)
		if verbose {
			fmt.Fprintf(out, "  %s\n", item.Path)
		}
	}
	return nil
}

func runShow(cmd *cobra.Command, args []string) error {
	uid := args[0]
	out := cmd.OutOrStdout()

	if showImages {
		images, err := apiClient.Images(cmd.Context(), uid, showParentDir, 0)
		if err != nil {
			return fmt.Errorf("list images: %w", err)
		}
		for _, img := range images {
			fmt.Fprintln(out, img.Name)
		}
		return nil
	}

	raw, err := apiClient.Output(cmd.Context(), uid, showParentDir)
	if err != nil {
		return fmt.Errorf("get output: %w", err)
	}
	// Indent keeps the template's key order.
	var buf bytes.Buffer
	if err := json.Indent(&buf, raw, "", "  "); err != nil {
		return fmt.Errorf("decode output: %w", err)
	}
	fmt.Fprintln(out, buf.String())
	return nil
}
