package renderer

import (
	"context"
	"errors"
	"fmt"
	"html"
	"os"
	"os/exec"
	"strconv"
	"time"

	"github.com/chromedp/cdproto/page"
	"github.com/chromedp/chromedp"

	u "mermaid2img/internal/utils"
)

var chromeCandidates = []string{"headless-shell", "chromium", "chromium-browser", "google-chrome", "google-chrome-stable"}

// ChromeRenderer renders with mermaid.js inside a headless Chrome started per
// request. It needs no Node.js toolchain, only a browser and network (or file)
// access to the mermaid script.
type ChromeRenderer struct {
	cfg            u.RendererConfig
	maxSourceBytes int
}

func NewChromeRenderer(cfg u.RendererConfig, maxSourceBytes int) *ChromeRenderer {
	cfg.ApplyDefaults()
	return &ChromeRenderer{cfg: cfg, maxSourceBytes: maxSourceBytes}
}

func (r *ChromeRenderer) Name() string { return u.BackendChrome }

// Command is the browser binary, or "" when chromedp should search for it.
func (r *ChromeRenderer) Command() string { return r.cfg.ChromePath }

func (r *ChromeRenderer) Available() error {
	if r.cfg.ChromePath != "" {
		if _, err := os.Stat(r.cfg.ChromePath); err != nil {
			return fmt.Errorf("%w: chrome not found at %s: %v", ErrRendererUnavailable, r.cfg.ChromePath, err)
		}
		return nil
	}
	for _, name := range chromeCandidates {
		if _, err := exec.LookPath(name); err == nil {
			return nil
		}
	}
	return fmt.Errorf("%w: no chrome executable in PATH", ErrRendererUnavailable)
}

// page builds the HTML document that renders src. Completion is signalled
// through data-rendered / data-error attributes on <body>.
func (r *ChromeRenderer) page(req Request) string {
	return `<!DOCTYPE html><html><head><meta charset="utf-8">` +
		`<script src="` + html.EscapeString(r.cfg.MermaidScriptURL) + `"></script></head>` +
		`<body style="margin:0"><pre class="mermaid">` + html.EscapeString(req.Source) + `</pre>` +
		`<script>mermaid.initialize({startOnLoad:false,theme:` + strconv.Quote(string(req.Theme)) + `});` +
		`mermaid.run().then(function(){document.body.setAttribute('data-rendered','1')})` +
		`.catch(function(e){document.body.setAttribute('data-error',String(e&&e.message||e))});</script>` +
		`</body></html>`
}

func (r *ChromeRenderer) Render(ctx context.Context, req Request) (*Result, error) {
	if err := req.Validate(r.maxSourceBytes); err != nil {
		return nil, err
	}
	if err := r.Available(); err != nil {
		return nil, err
	}

	profileDir, err := os.MkdirTemp(r.cfg.ScratchDir, "mermaid-chrome-*")
	if err != nil {
		return nil, fmt.Errorf("cannot create temp profile dir: %w", err)
	}
	defer func() {
		if err := os.RemoveAll(profileDir); err != nil {
			u.Warn("Failed to delete chrome profile dir", "path", profileDir, "error", err)
		}
	}()

	opts := append(chromedp.DefaultExecAllocatorOptions[:],
		chromedp.UserDataDir(profileDir),
		// Software rendering for minimal containers.
		chromedp.Flag("disable-gpu", true),
		chromedp.Flag("disable-dev-shm-usage", true),
		chromedp.Flag("use-gl", "swiftshader"),
	)
	if r.cfg.ChromePath != "" {
		opts = append(opts, chromedp.ExecPath(r.cfg.ChromePath))
	}
	if r.cfg.ChromeNoSandbox {
		opts = append(opts, chromedp.Flag("no-sandbox", true))
	}

	allocCtx, cancelAlloc := chromedp.NewExecAllocator(ctx, opts...)
	defer cancelAlloc()
	chromeCtx, cancelChrome := chromedp.NewContext(allocCtx)
	defer cancelChrome()
	chromeCtx, cancelTimeout := context.WithTimeout(chromeCtx, r.cfg.Timeout())
	defer cancelTimeout()

	start := time.Now()
	data, err := r.renderInTab(chromeCtx, req)
	if err != nil {
		if errors.Is(chromeCtx.Err(), context.DeadlineExceeded) {
			return nil, fmt.Errorf("renderer timed out after %s: %w", r.cfg.Timeout(), context.DeadlineExceeded)
		}
		return nil, err
	}
	if len(data) == 0 {
		return nil, fmt.Errorf("%w: renderer produced no output", ErrRenderFailed)
	}

	u.Info("Diagram rendered", "backend", r.Name(), "format", req.Format, "theme", req.Theme,
		"bytes", len(data), "elapsed_ms", time.Since(start).Milliseconds())

	return &Result{Data: data, Format: req.Format, ContentType: req.Format.ContentType()}, nil
}

// renderInTab loads the page into a blank tab, waits for mermaid and extracts
// the requested format.
func (r *ChromeRenderer) renderInTab(ctx context.Context, req Request) ([]byte, error) {
	var (
		done     bool
		mermaidE string
		svg      string
		out      []byte
	)

	actions := []chromedp.Action{
		chromedp.Navigate("about:blank"),
		chromedp.ActionFunc(func(ctx context.Context) error {
			tree, err := page.GetFrameTree().Do(ctx)
			if err != nil {
				return err
			}
			return page.SetDocumentContent(tree.Frame.ID, r.page(req)).Do(ctx)
		}),
		chromedp.Poll(`document.body.hasAttribute('data-rendered') || document.body.hasAttribute('data-error')`, &done),
		chromedp.Evaluate(`document.body.getAttribute('data-error') || ''`, &mermaidE),
	}
	if err := chromedp.Run(ctx, actions...); err != nil {
		return nil, err
	}
	if mermaidE != "" {
		return nil, fmt.Errorf("%w: %s", ErrRenderFailed, mermaidE)
	}

	var extract chromedp.Action
	switch req.Format {
	case FormatSVG:
		extract = chromedp.OuterHTML("pre.mermaid svg", &svg, chromedp.ByQuery)
	case FormatPNG:
		extract = chromedp.Screenshot("pre.mermaid svg", &out, chromedp.NodeVisible, chromedp.ByQuery)
	case FormatPDF:
		extract = chromedp.ActionFunc(func(ctx context.Context) error {
			var err error
			out, _, err = page.PrintToPDF().WithPrintBackground(true).Do(ctx)
			return err
		})
	}
	if err := chromedp.Run(ctx, extract); err != nil {
		return nil, err
	}
	if req.Format == FormatSVG {
		return []byte(svg), nil
	}
	return out, nil
}
