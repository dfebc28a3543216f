package renderer

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"strconv"
	"strings"
	"time"

	u "mermaid2img/internal/utils"
)

// CLIRenderer runs the Mermaid CLI (mmdc or npx @mermaid-js/mermaid-cli) once
// per request.
type CLIRenderer struct {
	cfg            u.RendererConfig
	maxSourceBytes int
}

// NewCLIRenderer returns a renderer for cfg. Defaults are applied to a copy.
func NewCLIRenderer(cfg u.RendererConfig, maxSourceBytes int) *CLIRenderer {
	cfg.ApplyDefaults()
	return &CLIRenderer{cfg: cfg, maxSourceBytes: maxSourceBytes}
}

func (r *CLIRenderer) Name() string { return u.BackendCLI }

// Command is the executable that will be started.
func (r *CLIRenderer) Command() string { return r.cfg.Command }

func (r *CLIRenderer) Available() error {
	if _, err := exec.LookPath(r.cfg.Command); err != nil {
		return fmt.Errorf("%w: %s not found: %v", ErrRendererUnavailable, r.cfg.Command, err)
	}
	return nil
}

// args builds the command line for one render.
func (r *CLIRenderer) args(in, out string, req Request) []string {
	args := append([]string{}, r.cfg.Args...)
	args = append(args,
		"-i", in,
		"-o", out,
		"-t", string(req.Theme),
		"-e", string(req.Format),
	)
	if r.cfg.Background != "" {
		args = append(args, "-b", r.cfg.Background)
	}
	if r.cfg.Width > 0 {
		args = append(args, "-w", strconv.Itoa(r.cfg.Width))
	}
	if r.cfg.Height > 0 {
		args = append(args, "-H", strconv.Itoa(r.cfg.Height))
	}
	if r.cfg.Scale > 0 {
		args = append(args, "-s", strconv.FormatFloat(r.cfg.Scale, 'f', -1, 64))
	}
	if r.cfg.PuppeteerConfig != "" {
		args = append(args, "-p", r.cfg.PuppeteerConfig)
	}
	return args
}

// Render validates req, runs the CLI against a pair of scratch files and
// returns the produced bytes. Both scratch files are removed before Render
// returns, whatever the outcome.
func (r *CLIRenderer) Render(ctx context.Context, req Request) (*Result, error) {
	if err := req.Validate(r.maxSourceBytes); err != nil {
		return nil, err
	}
	if err := r.Available(); err != nil {
		return nil, err
	}

	sc, err := newScratch(r.cfg.ScratchDir, req.Format)
	if err != nil {
		return nil, fmt.Errorf("create scratch files: %w", err)
	}
	defer sc.release()

	if err := sc.writeSource(req.Source); err != nil {
		return nil, fmt.Errorf("write scratch input: %w", err)
	}

	ctx, cancel := context.WithTimeout(ctx, r.cfg.Timeout())
	defer cancel()

	args := r.args(sc.input, sc.output, req)
	cmd := exec.CommandContext(ctx, r.cfg.Command, args...)
	cmd.WaitDelay = 2 * time.Second
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	u.Debug("Running renderer", "command", r.cfg.Command, "args", strings.Join(args, " "), "scratch_id", sc.id)
	start := time.Now()
	runErr := cmd.Run()
	diag := strings.TrimSpace(stderr.String())

	if runErr != nil {
		if ctxErr := ctx.Err(); errors.Is(ctxErr, context.DeadlineExceeded) {
			return nil, fmt.Errorf("renderer timed out after %s: %w", r.cfg.Timeout(), ctxErr)
		} else if ctxErr != nil {
			return nil, fmt.Errorf("renderer interrupted: %w", ctxErr)
		}
		if diag == "" {
			diag = strings.TrimSpace(stdout.String())
		}
		if diag == "" {
			diag = runErr.Error()
		}
		u.Error("Renderer exited with error", "error", runErr, "stderr", diag, "scratch_id", sc.id)
		return nil, fmt.Errorf("%w: %s", ErrRenderFailed, diag)
	}
	if diag != "" {
		u.Warn("Renderer wrote to stderr", "stderr", diag, "scratch_id", sc.id)
	}

	data, err := os.ReadFile(sc.output)
	if err != nil {
		return nil, fmt.Errorf("read scratch output: %w", err)
	}
	if len(data) == 0 {
		return nil, fmt.Errorf("%w: renderer produced no output", ErrRenderFailed)
	}

	u.Info("Diagram rendered", "backend", r.Name(), "format", req.Format, "theme", req.Theme,
		"bytes", len(data), "elapsed_ms", time.Since(start).Milliseconds())

	return &Result{
		Data:        data,
		Format:      req.Format,
		ContentType: req.Format.ContentType(),
		Diagnostics: diag,
	}, nil
}
