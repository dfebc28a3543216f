package handlers

import (
	"context"
	"errors"
	"strings"

	"github.com/gofiber/fiber/v2"
	"github.com/redis/go-redis/v9"

	"mermaid2img/internal/renderer"
	u "mermaid2img/internal/utils"
)

// RenderParams holds validated input parameters.
type RenderParams struct {
	Source string
	Format renderer.Format
	Theme  renderer.Theme
}

func (p *RenderParams) request() renderer.Request {
	return renderer.Request{Source: p.Source, Format: p.Format, Theme: p.Theme}
}

// previewBody is the JSON accepted by /preview.
type previewBody struct {
	MermaidCode  string `json:"mermaid_code"`
	OutputFormat string `json:"output_format"`
	Theme        string `json:"theme"`
}

// PreviewResponse is the JSON returned by /preview.
type PreviewResponse struct {
	Format string `json:"format"`
	Data   string `json:"data"`
}

// RenderService bundles configuration and dependencies for diagram rendering.
// All fields are read-only after construction.
type RenderService struct {
	Config   *u.Config
	Redis    *redis.Client
	Renderer renderer.Renderer

	variant string
}

// NewRenderService creates a RenderService. rdb may be nil.
func NewRenderService(cfg u.Config, rdb *redis.Client, r renderer.Renderer) *RenderService {
	return &RenderService{
		Config:   &cfg,
		Redis:    rdb,
		Renderer: r,
		variant:  renderVariant(r.Name(), cfg.Renderer),
	}
}

// HandleIndex answers the root path.
func (svc *RenderService) HandleIndex(c *fiber.Ctx) error {
	return c.SendString("Mermaid Renderer App is running!")
}

// HandleRender renders a form submission and sends it as an attachment.
func (svc *RenderService) HandleRender(c *fiber.Ctx) error {
	params, err := validateAndExtractRenderParams(c, *svc.Config)
	if err != nil {
		return err
	}

	u.Info("Download request", "format", params.Format, "theme", params.Theme, "request_id", requestID(c))
	res, err := svc.processRender(c, params)
	if err != nil {
		return err
	}

	c.Set(fiber.HeaderContentType, res.ContentType)
	c.Set(fiber.HeaderContentDisposition, "attachment; filename=diagram."+string(res.Format))
	return c.Send(res.Data)
}

// HandlePreview renders a JSON request and returns the image inline.
func (svc *RenderService) HandlePreview(c *fiber.Ctx) error {
	params, err := validateAndExtractPreviewParams(c, *svc.Config)
	if err != nil {
		return err
	}

	u.Info("Preview request", "format", params.Format, "theme", params.Theme, "request_id", requestID(c))
	res, err := svc.processRender(c, params)
	if err != nil {
		return err
	}

	data, err := renderer.EncodePreview(res.Format, res.Data)
	if err != nil {
		u.Error("Preview encoding failed", "error", err, "request_id", requestID(c))
		return fiber.NewError(fiber.StatusInternalServerError, "Error rendering preview: "+err.Error())
	}
	return c.JSON(PreviewResponse{Format: string(res.Format), Data: data})
}

// HandleRendererInfo describes the configured backend.
func (svc *RenderService) HandleRendererInfo(c *fiber.Ctx) error {
	availErr := svc.Renderer.Available()
	info := fiber.Map{
		"backend":       svc.Renderer.Name(),
		"available":     availErr == nil,
		"timeout_secs":  svc.Config.Renderer.TimeoutSecs,
		"cache_enabled": svc.cacheEnabled(),
		"formats":       renderer.Formats,
		"themes":        renderer.Themes,
	}
	if cr, ok := svc.Renderer.(interface{ Command() string }); ok {
		info["command"] = cr.Command()
	}
	if availErr != nil {
		info["reason"] = availErr.Error()
	}
	return c.JSON(info)
}

// Ready reports whether the backend can render. Used by the readiness probe.
func (svc *RenderService) Ready(c *fiber.Ctx) bool {
	return svc.Renderer.Available() == nil
}

func (svc *RenderService) cacheEnabled() bool {
	return svc.Redis != nil && svc.Config.Cache.RenderCacheEnabled
}

// processRender serves from cache or renders, enforcing the output limit.
func (svc *RenderService) processRender(c *fiber.Ctx, params *RenderParams) (*renderer.Result, error) {
	cacheKey := computeRenderCacheKey(svc.variant, params)

	if svc.cacheEnabled() {
		if cached, err := getCachedRender(c.UserContext(), svc.Redis, cacheKey); err == nil && cached != nil {
			return &renderer.Result{Data: cached, Format: params.Format, ContentType: params.Format.ContentType()}, nil
		}
	}

	res, err := svc.Renderer.Render(c.UserContext(), params.request())
	if err != nil {
		return nil, renderError(err, requestID(c))
	}

	if limit := svc.Config.Limits.MaxOutputBytes; limit > 0 && len(res.Data) > limit {
		return nil, fiber.NewError(fiber.StatusRequestEntityTooLarge, "Rendered diagram exceeds allowed size")
	}

	if svc.cacheEnabled() {
		setCachedRender(c.UserContext(), svc.Redis, cacheKey, res.Data, svc.Config.Cache.RenderCacheTTL)
	}
	return res, nil
}

// renderError maps renderer errors to HTTP errors. Unknown errors are logged
// in full and reported generically.
func renderError(err error, reqID string) error {
	switch {
	case errors.Is(err, renderer.ErrEmptySource),
		errors.Is(err, renderer.ErrInvalidFormat),
		errors.Is(err, renderer.ErrInvalidTheme):
		return fiber.NewError(fiber.StatusBadRequest, err.Error())
	case errors.Is(err, renderer.ErrSourceTooLarge):
		return fiber.NewError(fiber.StatusRequestEntityTooLarge, err.Error())
	case errors.Is(err, renderer.ErrRendererUnavailable):
		u.Error("Renderer unavailable", "error", err, "request_id", reqID)
		return fiber.NewError(fiber.StatusServiceUnavailable, "Mermaid rendering service is unavailable.")
	case errors.Is(err, context.DeadlineExceeded):
		u.Error("Diagram rendering timeout", "error", err, "request_id", reqID)
		return fiber.NewError(fiber.StatusRequestTimeout, "Diagram rendering took too long")
	case errors.Is(err, renderer.ErrRenderFailed):
		u.Error("Diagram rendering failed", "error", err, "request_id", reqID)
		return fiber.NewError(fiber.StatusInternalServerError, capitalize(err.Error()))
	default:
		u.Error("Unexpected rendering error", "error", err, "request_id", reqID)
		return fiber.NewError(fiber.StatusInternalServerError, "An unexpected server error occurred. Please try again later.")
	}
}

func capitalize(s string) string {
	if s == "" {
		return s
	}
	return strings.ToUpper(s[:1]) + s[1:]
}

func requestID(c *fiber.Ctx) string {
	if id := c.GetRespHeader(fiber.HeaderXRequestID); id != "" {
		return id
	}
	return c.Get(fiber.HeaderXRequestID)
}

// validateAndExtractRenderParams reads the /render form. Missing format
// defaults to png, missing theme to default.
func validateAndExtractRenderParams(c *fiber.Ctx, cfg u.Config) (*RenderParams, error) {
	params := &RenderParams{
		Source: c.FormValue("mermaid_code"),
		Format: renderer.Format(strings.ToLower(strings.TrimSpace(c.FormValue("output_format", string(renderer.FormatPNG))))),
		Theme:  renderer.Theme(strings.ToLower(strings.TrimSpace(c.FormValue("theme", string(renderer.ThemeDefault))))),
	}
	if err := params.request().Validate(cfg.Limits.MaxSourceBytes); err != nil {
		return nil, renderError(err, requestID(c))
	}
	return params, nil
}

// validateAndExtractPreviewParams reads the /preview JSON body. Missing format
// defaults to svg; only svg and png can be previewed.
func validateAndExtractPreviewParams(c *fiber.Ctx, cfg u.Config) (*RenderParams, error) {
	var body previewBody
	if err := c.BodyParser(&body); err != nil {
		return nil, fiber.NewError(fiber.StatusBadRequest, "Invalid request data.")
	}

	format := strings.ToLower(strings.TrimSpace(body.OutputFormat))
	if format == "" {
		format = string(renderer.FormatSVG)
	}
	theme := strings.ToLower(strings.TrimSpace(body.Theme))
	if theme == "" {
		theme = string(renderer.ThemeDefault)
	}

	params := &RenderParams{
		Source: body.MermaidCode,
		Format: renderer.Format(format),
		Theme:  renderer.Theme(theme),
	}
	if err := params.request().Validate(cfg.Limits.MaxSourceBytes); err != nil {
		return nil, renderError(err, requestID(c))
	}
	if params.Format != renderer.FormatSVG && params.Format != renderer.FormatPNG {
		return nil, fiber.NewError(fiber.StatusBadRequest, "Invalid output format: preview supports svg and png")
	}
	return params, nil
}
