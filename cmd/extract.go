package cmd

import (
	"context"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/spf13/cobra"

	"mathtutor/internal/service/assistant"
)

var extractTimeout time.Duration

var extractCmd = &cobra.Command{
	Use:   "extract <archive.zip>",
	Short: "Print the equations found in a ZIP of PDFs",
	Args:  cobra.ExactArgs(1),
	RunE:  runExtract,
}

func init() {
	extractCmd.Flags().DurationVar(&extractTimeout, "timeout", 10*time.Minute, "overall time limit")
	rootCmd.AddCommand(extractCmd)
}

func runExtract(cmd *cobra.Command, args []string) error {
	data, err := os.ReadFile(args[0])
	if err != nil {
		return fmt.Errorf("read archive: %w", err)
	}
	cfg, log, err := loadConfig()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	defer func() { _ = log.Sync() }()

	ctx, cancel := context.WithTimeout(cmd.Context(), extractTimeout)
	defer cancel()

	parts, err := buildComponents(ctx, cfg, log)
	if err != nil {
		return err
	}
	found, err := extractEquations(ctx, data, parts.rasterizer, parts.extractor, cmd.ErrOrStderr())
	if err != nil {
		return err
	}
	for _, eq := range found {
		fmt.Fprintln(cmd.OutOrStdout(), eq)
	}
	return nil
}

// extractEquations runs the pipeline stages up to equation extraction and
// writes one progress line per status change to progress.
func extractEquations(ctx context.Context, data []byte, renderer assistant.Renderer, extractor assistant.EquationExtractor, progress io.Writer) ([]string, error) {
	found, err := assistant.Collect(ctx, data, renderer, extractor, func(line string) {
		fmt.Fprintln(progress, line)
	})
	if err != nil {
		return nil, err
	}
	return found.Equations, nil
}
