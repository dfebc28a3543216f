package handlers

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	u "mermaid2img/internal/utils"
)

const renderCachePrefix = "mermaidcache:"

// renderVariant digests the backend name and the renderer settings that affect
// output bytes.
func renderVariant(backend string, rc u.RendererConfig) string {
	h := sha256.New()
	fmt.Fprintf(h, "%s\x00%s\x00%s\x00%s\x00%s\x00%d\x00%d\x00%g\x00%s\x00%s",
		backend,
		rc.Command,
		strings.Join(rc.Args, "\x1f"),
		rc.PuppeteerConfig,
		rc.Background,
		rc.Width,
		rc.Height,
		rc.Scale,
		rc.ChromePath,
		rc.MermaidScriptURL,
	)
	return hex.EncodeToString(h.Sum(nil))
}

// computeRenderCacheKey hashes everything that influences the rendered bytes.
func computeRenderCacheKey(variant string, params *RenderParams) string {
	h := sha256.New()
	h.Write([]byte(variant))
	h.Write([]byte{0})
	h.Write([]byte(params.Source))
	h.Write([]byte{0})
	h.Write([]byte(params.Format))
	h.Write([]byte{0})
	h.Write([]byte(params.Theme))
	return renderCachePrefix + hex.EncodeToString(h.Sum(nil))
}

// getCachedRender returns (nil, nil) on a miss.
func getCachedRender(ctx context.Context, rdb *redis.Client, key string) ([]byte, error) {
	ctx, cancel := context.WithTimeout(ctx, time.Second)
	defer cancel()

	cached, err := rdb.Get(ctx, key).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		u.Warn("Redis read failed", "error", err)
		return nil, err
	}

	u.Info("Render cache hit", "key", key)
	return cached, nil
}

// setCachedRender stores data for ttl, or one minute when ttl is not positive.
func setCachedRender(ctx context.Context, rdb *redis.Client, key string, data []byte, ttl time.Duration) {
	ctx, cancel := context.WithTimeout(ctx, time.Second)
	defer cancel()

	if ttl <= 0 {
		ttl = time.Minute
	}
	if err := rdb.Set(ctx, key, data, ttl).Err(); err != nil {
		u.Warn("Redis write failed", "error", err)
	}
}
