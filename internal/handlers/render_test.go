package handlers

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"os"
	"strings"
	"sync/atomic"
	"testing"
	"unicode/utf8"

	"github.com/gofiber/fiber/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"mermaid2img/internal/renderer"
	"mermaid2img/internal/renderer/renderertest"
	u "mermaid2img/internal/utils"
)

const diagram = "graph TD\n  A[Client] --> B[Gateway]\n"

// stubRenderer records calls and returns canned results.
type stubRenderer struct {
	calls    atomic.Int32
	data     []byte
	err      error
	availErr error
}

func (s *stubRenderer) Name() string     { return "stub" }
func (s *stubRenderer) Available() error { return s.availErr }

func (s *stubRenderer) Render(ctx context.Context, req renderer.Request) (*renderer.Result, error) {
	s.calls.Add(1)
	if s.err != nil {
		return nil, s.err
	}
	data := s.data
	if data == nil {
		data = []byte("<svg>" + string(req.Theme) + "</svg>")
	}
	return &renderer.Result{Data: data, Format: req.Format, ContentType: req.Format.ContentType()}, nil
}

func testRenderCfg() u.Config {
	var cfg u.Config
	cfg.ApplyDefaults()
	cfg.Limits.MaxSourceBytes = 4096
	cfg.Limits.MaxOutputBytes = 1024 * 1024
	cfg.Renderer.TimeoutSecs = 2
	return cfg
}

// fakeCLIService wires a RenderService to the fake Mermaid CLI and returns the
// scratch dir it renders in.
func fakeCLIService(t *testing.T) (*RenderService, string) {
	t.Helper()
	cfg := testRenderCfg()
	cfg.Renderer.Command = renderertest.Command(t)
	cfg.Renderer.ScratchDir = t.TempDir()
	r, err := renderer.New(cfg.Renderer, cfg.Limits.MaxSourceBytes)
	require.NoError(t, err)
	return NewRenderService(cfg, nil, r), cfg.Renderer.ScratchDir
}

func newTestApp(svc *RenderService) *fiber.App {
	app := fiber.New()
	app.Get("/", svc.HandleIndex)
	app.Post("/render", svc.HandleRender)
	app.Post("/preview", svc.HandlePreview)
	app.Get("/info", svc.HandleRendererInfo)
	return app
}

func formRequest(values url.Values) *http.Request {
	req := httptest.NewRequest(http.MethodPost, "/render", strings.NewReader(values.Encode()))
	req.Header.Set(fiber.HeaderContentType, fiber.MIMEApplicationForm)
	return req
}

func jsonRequest(body string) *http.Request {
	req := httptest.NewRequest(http.MethodPost, "/preview", strings.NewReader(body))
	req.Header.Set(fiber.HeaderContentType, fiber.MIMEApplicationJSON)
	return req
}

func assertScratchEmpty(t *testing.T, dir string) {
	t.Helper()
	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	assert.Empty(t, entries, "scratch files left behind")
}

func TestHandleIndex(t *testing.T) {
	app := newTestApp(NewRenderService(testRenderCfg(), nil, &stubRenderer{}))
	resp, err := app.Test(httptest.NewRequest(http.MethodGet, "/", nil))
	require.NoError(t, err)
	body, _ := io.ReadAll(resp.Body)
	assert.Equal(t, fiber.StatusOK, resp.StatusCode)
	assert.Contains(t, string(body), "running")
}

func TestHandleRender_DownloadsEveryFormat(t *testing.T) {
	svc, scratchDir := fakeCLIService(t)
	app := newTestApp(svc)

	for _, f := range renderer.Formats {
		t.Run(string(f), func(t *testing.T) {
			resp, err := app.Test(formRequest(url.Values{
				"mermaid_code":  {diagram},
				"output_format": {string(f)},
				"theme":         {"forest"},
			}), -1)
			require.NoError(t, err)
			body, _ := io.ReadAll(resp.Body)

			assert.Equal(t, fiber.StatusOK, resp.StatusCode, string(body))
			assert.Equal(t, f.ContentType(), resp.Header.Get(fiber.HeaderContentType))
			assert.Equal(t, "attachment; filename=diagram."+string(f), resp.Header.Get(fiber.HeaderContentDisposition))
			assert.NotEmpty(t, body)
			assertScratchEmpty(t, scratchDir)
		})
	}
}

func TestHandleRender_Defaults(t *testing.T) {
	stub := &stubRenderer{data: []byte("png-bytes")}
	app := newTestApp(NewRenderService(testRenderCfg(), nil, stub))

	resp, err := app.Test(formRequest(url.Values{"mermaid_code": {diagram}}), -1)
	require.NoError(t, err)
	assert.Equal(t, fiber.StatusOK, resp.StatusCode)
	assert.Equal(t, "image/png", resp.Header.Get(fiber.HeaderContentType))
	assert.Equal(t, int32(1), stub.calls.Load())
}

func TestHandleRender_ValidationNeverInvokesRenderer(t *testing.T) {
	stub := &stubRenderer{}
	app := newTestApp(NewRenderService(testRenderCfg(), nil, stub))

	tests := []struct {
		name string
		form url.Values
		code int
	}{
		{"missing code", url.Values{"output_format": {"png"}}, fiber.StatusBadRequest},
		{"whitespace code", url.Values{"mermaid_code": {"  \n\t"}}, fiber.StatusBadRequest},
		{"invalid format", url.Values{"mermaid_code": {diagram}, "output_format": {"gif"}}, fiber.StatusBadRequest},
		{"invalid theme", url.Values{"mermaid_code": {diagram}, "theme": {"solarized"}}, fiber.StatusBadRequest},
		{"code too large", url.Values{"mermaid_code": {strings.Repeat("x", 5000)}}, fiber.StatusRequestEntityTooLarge},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			resp, err := app.Test(formRequest(tc.form))
			require.NoError(t, err)
			assert.Equal(t, tc.code, resp.StatusCode)
		})
	}
	assert.Equal(t, int32(0), stub.calls.Load())
}

func TestHandleRender_RendererFailureIncludesDiagnostics(t *testing.T) {
	svc, scratchDir := fakeCLIService(t)
	app := newTestApp(svc)

	resp, err := app.Test(formRequest(url.Values{"mermaid_code": {"graph TD\n" + renderertest.MarkerFail}}), -1)
	require.NoError(t, err)
	body, _ := io.ReadAll(resp.Body)

	assert.Equal(t, fiber.StatusInternalServerError, resp.StatusCode)
	assert.Contains(t, string(body), renderertest.Diagnostic)
	assertScratchEmpty(t, scratchDir)
}

func TestHandleRender_RendererUnavailable(t *testing.T) {
	cfg := testRenderCfg()
	cfg.Renderer.Command = "/definitely/missing/mmdc"
	r, err := renderer.New(cfg.Renderer, 0)
	require.NoError(t, err)
	app := newTestApp(NewRenderService(cfg, nil, r))

	resp, err := app.Test(formRequest(url.Values{"mermaid_code": {diagram}}))
	require.NoError(t, err)
	assert.Equal(t, fiber.StatusServiceUnavailable, resp.StatusCode)
}

func TestHandleRender_ErrorMapping(t *testing.T) {
	tests := []struct {
		name       string
		err        error
		code       int
		notInBody  string
		wantInBody string
	}{
		{"timeout", fmt.Errorf("renderer timed out: %w", context.DeadlineExceeded), fiber.StatusRequestTimeout, "", "too long"},
		{"unexpected", errors.New("disk on fire at /var/secret"), fiber.StatusInternalServerError, "/var/secret", "unexpected"},
		{"unavailable", fmt.Errorf("%w: mmdc not found", renderer.ErrRendererUnavailable), fiber.StatusServiceUnavailable, "", "unavailable"},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			app := newTestApp(NewRenderService(testRenderCfg(), nil, &stubRenderer{err: tc.err}))
			resp, err := app.Test(formRequest(url.Values{"mermaid_code": {diagram}}))
			require.NoError(t, err)
			body, _ := io.ReadAll(resp.Body)
			assert.Equal(t, tc.code, resp.StatusCode)
			assert.Contains(t, string(body), tc.wantInBody)
			if tc.notInBody != "" {
				assert.NotContains(t, string(body), tc.notInBody)
			}
		})
	}
}

func TestHandleRender_OutputTooLarge(t *testing.T) {
	cfg := testRenderCfg()
	cfg.Limits.MaxOutputBytes = 4
	app := newTestApp(NewRenderService(cfg, nil, &stubRenderer{data: []byte("0123456789")}))

	resp, err := app.Test(formRequest(url.Values{"mermaid_code": {diagram}}))
	require.NoError(t, err)
	assert.Equal(t, fiber.StatusRequestEntityTooLarge, resp.StatusCode)
}

func decodePreview(t *testing.T, resp *http.Response) PreviewResponse {
	t.Helper()
	var out PreviewResponse
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&out))
	return out
}

func TestHandlePreview_SVGIsUTF8Text(t *testing.T) {
	svc, scratchDir := fakeCLIService(t)
	app := newTestApp(svc)

	resp, err := app.Test(jsonRequest(`{"mermaid_code":"graph TD; A-->B","theme":"dark"}`), -1)
	require.NoError(t, err)
	require.Equal(t, fiber.StatusOK, resp.StatusCode)

	out := decodePreview(t, resp)
	assert.Equal(t, "svg", out.Format)
	assert.True(t, utf8.ValidString(out.Data))
	assert.Contains(t, out.Data, "<svg")
	assert.Contains(t, out.Data, "diagrâm")
	assertScratchEmpty(t, scratchDir)
}

func TestHandlePreview_PNGIsBase64(t *testing.T) {
	svc, scratchDir := fakeCLIService(t)
	app := newTestApp(svc)

	resp, err := app.Test(jsonRequest(`{"mermaid_code":"graph TD; A-->B","output_format":"png"}`), -1)
	require.NoError(t, err)
	require.Equal(t, fiber.StatusOK, resp.StatusCode)

	out := decodePreview(t, resp)
	assert.Equal(t, "png", out.Format)
	raw, err := base64.StdEncoding.DecodeString(out.Data)
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(string(raw), "\x89PNG"))
	assertScratchEmpty(t, scratchDir)
}

func TestHandlePreview_Rejections(t *testing.T) {
	stub := &stubRenderer{}
	app := newTestApp(NewRenderService(testRenderCfg(), nil, stub))

	tests := []struct {
		name string
		body string
	}{
		{"not json", `mermaid_code=graph`},
		{"empty body", ``},
		{"empty code", `{"mermaid_code":"   "}`},
		{"pdf not previewable", `{"mermaid_code":"graph TD","output_format":"pdf"}`},
		{"invalid format", `{"mermaid_code":"graph TD","output_format":"bmp"}`},
		{"invalid theme", `{"mermaid_code":"graph TD","theme":"neon"}`},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			resp, err := app.Test(jsonRequest(tc.body))
			require.NoError(t, err)
			assert.Equal(t, fiber.StatusBadRequest, resp.StatusCode)
		})
	}
	assert.Equal(t, int32(0), stub.calls.Load())
}

func TestHandlePreview_InvalidUTF8SVG(t *testing.T) {
	app := newTestApp(NewRenderService(testRenderCfg(), nil, &stubRenderer{data: []byte{0xff, 0xfe, 0xfd}}))

	resp, err := app.Test(jsonRequest(`{"mermaid_code":"graph TD"}`))
	require.NoError(t, err)
	assert.Equal(t, fiber.StatusInternalServerError, resp.StatusCode)
}

func TestHandleRendererInfoAndReady(t *testing.T) {
	ok := NewRenderService(testRenderCfg(), nil, &stubRenderer{})
	resp, err := newTestApp(ok).Test(httptest.NewRequest(http.MethodGet, "/info", nil))
	require.NoError(t, err)
	var info map[string]any
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&info))
	assert.Equal(t, "stub", info["backend"])
	assert.Equal(t, true, info["available"])
	assert.Equal(t, false, info["cache_enabled"])
	assert.True(t, ok.Ready(nil))

	down := NewRenderService(testRenderCfg(), nil, &stubRenderer{availErr: renderer.ErrRendererUnavailable})
	resp, err = newTestApp(down).Test(httptest.NewRequest(http.MethodGet, "/info", nil))
	require.NoError(t, err)
	info = nil
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&info))
	assert.Equal(t, false, info["available"])
	assert.NotEmpty(t, info["reason"])
	assert.False(t, down.Ready(nil))
}
