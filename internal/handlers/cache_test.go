package handlers

import (
	"context"
	"net/http"
	"net/url"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/gofiber/fiber/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	u "mermaid2img/internal/utils"
)

func newMiniredis(t *testing.T) (*miniredis.Miniredis, *redis.Client) {
	t.Helper()
	mrs, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(mrs.Close)
	return mrs, redis.NewClient(&redis.Options{Addr: mrs.Addr()})
}

func TestComputeRenderCacheKey(t *testing.T) {
	v := renderVariant("cli", testRenderCfg().Renderer)
	base := &RenderParams{Source: diagram, Format: "svg", Theme: "dark"}
	key := computeRenderCacheKey(v, base)
	assert.Len(t, key, len(renderCachePrefix)+64)
	assert.Equal(t, key, computeRenderCacheKey(v, &RenderParams{Source: diagram, Format: "svg", Theme: "dark"}))

	assert.NotEqual(t, key, computeRenderCacheKey(v, &RenderParams{Source: diagram, Format: "png", Theme: "dark"}))
	assert.NotEqual(t, key, computeRenderCacheKey(v, &RenderParams{Source: diagram, Format: "svg", Theme: "forest"}))
	assert.NotEqual(t, key, computeRenderCacheKey(v, &RenderParams{Source: diagram + " ", Format: "svg", Theme: "dark"}))
}

func TestRenderVariant_TracksOutputSettings(t *testing.T) {
	base := testRenderCfg().Renderer
	v := renderVariant("cli", base)
	assert.Equal(t, v, renderVariant("cli", base))
	assert.NotEqual(t, v, renderVariant("chrome", base))

	changes := map[string]func(rc *u.RendererConfig){
		"background":       func(rc *u.RendererConfig) { rc.Background = "transparent" },
		"width":            func(rc *u.RendererConfig) { rc.Width = 1200 },
		"height":           func(rc *u.RendererConfig) { rc.Height = 900 },
		"scale":            func(rc *u.RendererConfig) { rc.Scale = 2 },
		"puppeteer config": func(rc *u.RendererConfig) { rc.PuppeteerConfig = "/etc/puppeteer.json" },
		"args":             func(rc *u.RendererConfig) { rc.Args = []string{"--quiet"} },
		"mermaid script":   func(rc *u.RendererConfig) { rc.MermaidScriptURL = "http://local/mermaid.js" },
	}
	for name, change := range changes {
		rc := base
		change(&rc)
		assert.NotEqual(t, v, renderVariant("cli", rc), name)
	}

	rc := base
	rc.TimeoutSecs = 99
	assert.Equal(t, v, renderVariant("cli", rc), "timeout does not change output")
}

func TestProcessRender_ConfigChangeMissesCache(t *testing.T) {
	_, rdb := newMiniredis(t)
	cfg := testRenderCfg()
	cfg.Cache.RenderCacheEnabled = true
	stub := &stubRenderer{data: []byte("<svg/>")}
	form := url.Values{"mermaid_code": {diagram}, "output_format": {"svg"}}

	first := newTestApp(NewRenderService(cfg, rdb, stub))
	resp, err := first.Test(formRequest(form))
	require.NoError(t, err)
	require.Equal(t, fiber.StatusOK, resp.StatusCode)

	cfg.Renderer.Background = "transparent"
	second := newTestApp(NewRenderService(cfg, rdb, stub))
	resp, err = second.Test(formRequest(form))
	require.NoError(t, err)
	require.Equal(t, fiber.StatusOK, resp.StatusCode)

	assert.Equal(t, int32(2), stub.calls.Load())
}

func TestSetCachedRender_DefaultTTL(t *testing.T) {
	mrs, rdb := newMiniredis(t)

	setCachedRender(context.Background(), rdb, "k", []byte("svg"), 0)
	ttl := mrs.TTL("k")
	assert.True(t, ttl >= 50*time.Second && ttl <= 70*time.Second, "ttl %v", ttl)

	got, err := getCachedRender(context.Background(), rdb, "k")
	require.NoError(t, err)
	assert.Equal(t, []byte("svg"), got)

	miss, err := getCachedRender(context.Background(), rdb, "other")
	require.NoError(t, err)
	assert.Nil(t, miss)
}

func TestProcessRender_CachesSuccessfulRenders(t *testing.T) {
	mrs, rdb := newMiniredis(t)
	cfg := testRenderCfg()
	cfg.Cache.RenderCacheEnabled = true
	cfg.Cache.RenderCacheTTL = 5 * time.Minute
	stub := &stubRenderer{data: []byte("<svg/>")}
	app := newTestApp(NewRenderService(cfg, rdb, stub))

	form := url.Values{"mermaid_code": {diagram}, "output_format": {"svg"}}
	for i := 0; i < 3; i++ {
		resp, err := app.Test(formRequest(form))
		require.NoError(t, err)
		assert.Equal(t, fiber.StatusOK, resp.StatusCode)
		assert.Equal(t, "image/svg+xml", resp.Header.Get(fiber.HeaderContentType))
	}
	assert.Equal(t, int32(1), stub.calls.Load())

	key := computeRenderCacheKey(renderVariant(stub.Name(), cfg.Renderer), &RenderParams{Source: diagram, Format: "svg", Theme: "default"})
	assert.True(t, mrs.Exists(key))
	assert.True(t, mrs.TTL(key) > time.Minute)
}

func TestProcessRender_FailuresAreNotCached(t *testing.T) {
	mrs, rdb := newMiniredis(t)
	cfg := testRenderCfg()
	cfg.Cache.RenderCacheEnabled = true
	stub := &stubRenderer{data: []byte("0123456789")}
	cfg.Limits.MaxOutputBytes = 4
	app := newTestApp(NewRenderService(cfg, rdb, stub))

	resp, err := app.Test(formRequest(url.Values{"mermaid_code": {diagram}}))
	require.NoError(t, err)
	assert.Equal(t, fiber.StatusRequestEntityTooLarge, resp.StatusCode)
	assert.Empty(t, mrs.Keys())
}

func TestProcessRender_RedisDownStillRenders(t *testing.T) {
	cfg := testRenderCfg()
	cfg.Cache.RenderCacheEnabled = true
	rdb := redis.NewClient(&redis.Options{Addr: "127.0.0.1:1", MaxRetries: -1})
	stub := &stubRenderer{}
	app := newTestApp(NewRenderService(cfg, rdb, stub))

	req := formRequest(url.Values{"mermaid_code": {diagram}})
	resp, err := app.Test(req, -1)
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, int32(1), stub.calls.Load())
}
