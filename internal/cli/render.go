// Package cli implements the mmdrender command line tool.
package cli

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/cobra"

	"mermaid2img/internal/renderer"
	u "mermaid2img/internal/utils"
)

const defaultOutputBase = "diagram"

// renderOpts holds the flags of the root command.
type renderOpts struct {
	code       string
	file       string
	output     string
	format     string
	theme      string
	configPath string
	verbose    bool
}

// NewRootCommand builds the mmdrender command. Logs go to stderr.
func NewRootCommand(stderr io.Writer) *cobra.Command {
	opts := renderOpts{
		format: string(renderer.FormatPNG),
		theme:  string(renderer.ThemeDefault),
	}

	cmd := &cobra.Command{
		Use:           "mmdrender",
		Short:         "Render a Mermaid diagram to png, svg or pdf",
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRun: func(cmd *cobra.Command, args []string) {
			level := "info"
			if opts.verbose {
				level = "debug"
			}
			u.InitConsoleLogger(stderr, level)
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			out, err := runRender(cmd, &opts)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Diagram saved to %s\n", out)
			return nil
		},
	}

	cmd.Flags().StringVarP(&opts.code, "code", "c", "", "Mermaid source text")
	cmd.Flags().StringVarP(&opts.file, "file", "f", "", "file containing Mermaid source")
	cmd.Flags().StringVarP(&opts.output, "output", "o", "", "output file (default diagram.<type>)")
	cmd.Flags().StringVarP(&opts.format, "type", "t", opts.format, "output format: png, svg, pdf")
	cmd.Flags().StringVar(&opts.theme, "theme", opts.theme, "theme: default, forest, dark, neutral")
	cmd.Flags().StringVar(&opts.configPath, "config", "", "YAML config file for renderer settings")
	cmd.Flags().BoolVarP(&opts.verbose, "verbose", "v", false, "enable verbose logging")
	cmd.MarkFlagsMutuallyExclusive("code", "file")
	cmd.MarkFlagsOneRequired("code", "file")

	return cmd
}

// runRender renders the diagram described by opts and returns the written path.
func runRender(cmd *cobra.Command, opts *renderOpts) (string, error) {
	cfg, err := loadConfig(opts.configPath)
	if err != nil {
		return "", err
	}

	source := opts.code
	if opts.file != "" {
		raw, err := os.ReadFile(opts.file)
		if err != nil {
			return "", fmt.Errorf("read %s: %w", opts.file, err)
		}
		source = string(raw)
	}

	req := renderer.Request{
		Source: source,
		Format: renderer.Format(strings.ToLower(opts.format)),
		Theme:  renderer.Theme(strings.ToLower(opts.theme)),
	}

	r, err := renderer.New(cfg.Renderer, cfg.Limits.MaxSourceBytes)
	if err != nil {
		return "", err
	}

	u.Debug("Rendering diagram", "backend", r.Name(), "format", req.Format, "theme", req.Theme)
	res, err := r.Render(cmd.Context(), req)
	if err != nil {
		return "", err
	}

	out := opts.output
	if out == "" {
		out = defaultOutputBase + "." + string(res.Format)
	}
	if dir := filepath.Dir(out); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return "", fmt.Errorf("create output dir: %w", err)
		}
	}
	if err := os.WriteFile(out, res.Data, 0o644); err != nil {
		return "", fmt.Errorf("write %s: %w", out, err)
	}
	u.Info("Diagram written", "path", out, "bytes", len(res.Data))
	return out, nil
}

// loadConfig reads path when given. LoadConfigFrom panics on bad input, which
// is turned into an error here.
func loadConfig(path string) (cfg u.Config, err error) {
	if path == "" {
		return u.DefaultConfig(), nil
	}
	defer func() {
		if r := recover(); r != nil {
			err = errors.New(fmt.Sprint(r))
		}
	}()
	return u.LoadConfigFrom(path), nil
}
