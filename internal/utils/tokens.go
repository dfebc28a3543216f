package utils

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

var (
	// ErrInvalidAPIKey signals that the provided API key is not known.
	ErrInvalidAPIKey = errors.New("invalid api key")
	// ErrTokenStoreNotReady signals that no token list has been loaded yet,
	// typically because Postgres was not reachable at startup.
	ErrTokenStoreNotReady = errors.New("token store not ready")
)

// TokenStore caches API tokens and their per-interval request limits.
type TokenStore struct {
	mu    sync.RWMutex
	cache map[string]int

	poolMu sync.Mutex
	pool   *pgxpool.Pool
	dsn    string
}

// NewTokenStore returns an empty store. It is not ready until a load succeeds.
func NewTokenStore() *TokenStore {
	return &TokenStore{}
}

func postgresDSN(cfg PostgresConfig) (string, error) {
	if strings.HasPrefix(cfg.Host, "postgres://") || strings.HasPrefix(cfg.Host, "postgresql://") {
		return cfg.Host, nil
	}
	switch {
	case cfg.Host == "":
		return "", fmt.Errorf("postgres host is empty")
	case cfg.Database == "":
		return "", fmt.Errorf("postgres database is empty")
	case cfg.User == "":
		return "", fmt.Errorf("postgres user is empty")
	}

	port := cfg.Port
	if port == 0 {
		port = 5432
	}
	hostPort := cfg.Host
	switch {
	case strings.HasPrefix(hostPort, "["):
		if !strings.Contains(hostPort, "]:") {
			hostPort = fmt.Sprintf("%s:%d", hostPort, port)
		}
	case strings.Count(hostPort, ":") >= 2:
		hostPort = fmt.Sprintf("[%s]:%d", hostPort, port)
	case !strings.Contains(hostPort, ":"):
		hostPort = fmt.Sprintf("%s:%d", hostPort, port)
	}

	u := &url.URL{Scheme: "postgres", Host: hostPort, Path: "/" + cfg.Database}
	if cfg.Password != "" {
		u.User = url.UserPassword(cfg.User, cfg.Password)
	} else {
		u.User = url.User(cfg.User)
	}
	if cfg.SSLMode != "" {
		q := u.Query()
		q.Set("sslmode", cfg.SSLMode)
		u.RawQuery = q.Encode()
	}
	return u.String(), nil
}

// connect returns a pool for cfg, replacing the previous one when the DSN changed.
func (s *TokenStore) connect(ctx context.Context, cfg PostgresConfig) (*pgxpool.Pool, error) {
	dsn, err := postgresDSN(cfg)
	if err != nil {
		return nil, err
	}

	s.poolMu.Lock()
	defer s.poolMu.Unlock()

	if s.pool != nil && s.dsn == dsn {
		return s.pool, nil
	}
	if s.pool != nil {
		s.pool.Close()
		s.pool, s.dsn = nil, ""
	}

	pcfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, err
	}
	// Low-traffic control table.
	pcfg.MaxConns = 4
	pcfg.MaxConnLifetime = 30 * time.Minute

	pool, err := pgxpool.NewWithConfig(ctx, pcfg)
	if err != nil {
		return nil, err
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, err
	}
	s.pool, s.dsn = pool, dsn
	return pool, nil
}

const tokensDDL = `CREATE TABLE IF NOT EXISTS api_tokens (
	token TEXT PRIMARY KEY,
	rate_limit INTEGER NOT NULL DEFAULT 60,
	created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
	comment TEXT
)`

type tokenRow struct {
	Token     string `db:"token"`
	RateLimit int    `db:"rate_limit"`
}

// LoadFromPostgres replaces the cached tokens with the contents of api_tokens.
// On failure the previous cache is kept.
func (s *TokenStore) LoadFromPostgres(ctx context.Context, cfg PostgresConfig) error {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	pool, err := s.connect(ctx, cfg)
	if err != nil {
		return fmt.Errorf("connect token db: %w", err)
	}
	if _, err := pool.Exec(ctx, tokensDDL); err != nil {
		return fmt.Errorf("ensure api_tokens: %w", err)
	}

	rows, err := pool.Query(ctx, `SELECT token, rate_limit FROM api_tokens`)
	if err != nil {
		return fmt.Errorf("query api_tokens: %w", err)
	}
	list, err := pgx.CollectRows(rows, pgx.RowToStructByName[tokenRow])
	if err != nil {
		return fmt.Errorf("scan api_tokens: %w", err)
	}

	cache := make(map[string]int, len(list))
	for _, r := range list {
		cache[r.Token] = r.RateLimit
	}
	s.Replace(cache)
	return nil
}

// Replace swaps in a copy of m as the token cache.
func (s *TokenStore) Replace(m map[string]int) {
	cache := make(map[string]int, len(m))
	for k, v := range m {
		cache[k] = v
	}
	s.mu.Lock()
	s.cache = cache
	s.mu.Unlock()
}

// Ready reports whether a token list has been loaded at least once.
func (s *TokenStore) Ready() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.cache != nil
}

// Validate checks whether token is known.
func (s *TokenStore) Validate(token string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.cache[token]
	return ok
}

// RateLimit returns the limit for token, or 0 (no limit) if unknown.
func (s *TokenStore) RateLimit(token string) int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.cache[token]
}

// RefreshPeriodically reloads tokens every interval until stop is closed.
func (s *TokenStore) RefreshPeriodically(cfg PostgresConfig, interval time.Duration, stop <-chan struct{}) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			if err := s.LoadFromPostgres(context.Background(), cfg); err != nil {
				Error("Failed to reload API tokens", "error", err)
			}
		case <-stop:
			s.Close()
			return
		}
	}
}

// Close releases the database pool.
func (s *TokenStore) Close() {
	s.poolMu.Lock()
	defer s.poolMu.Unlock()
	if s.pool != nil {
		s.pool.Close()
		s.pool, s.dsn = nil, ""
	}
}
