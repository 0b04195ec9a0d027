// Package settings resolves runtime configuration values from the
// configurations table, falling back to the process environment.
package settings

import (
	"context"
	"database/sql"
	"os"
	"sync"
	"time"

	"github.com/cockroachdb/errors"
	"go.uber.org/zap"
)

const DefaultCacheTTL = 5 * time.Minute

type Provider interface {
	Get(ctx context.Context, key string) (string, error)
}

// EnvProvider reads the process environment. Unset keys resolve to "".
type EnvProvider struct{}

func (EnvProvider) Get(_ context.Context, key string) (string, error) {
	return os.Getenv(key), nil
}

type cacheEntry struct {
	value    string
	loadedAt time.Time
}

// DBProvider caches each key for ttl. Keys missing from the table, and
// lookups that fail, are answered by the fallback.
type DBProvider struct {
	db       *sql.DB
	cipher   *Cipher
	fallback Provider
	ttl      time.Duration
	logger   *zap.SugaredLogger
	now      func() time.Time

	mu    sync.RWMutex
	cache map[string]cacheEntry
}

func NewDBProvider(db *sql.DB, c *Cipher, ttl time.Duration, logger *zap.SugaredLogger) *DBProvider {
	if ttl <= 0 {
		ttl = DefaultCacheTTL
	}
	return &DBProvider{
		db:       db,
		cipher:   c,
		fallback: EnvProvider{},
		ttl:      ttl,
		logger:   logger.Named("settings"),
		now:      time.Now,
		cache:    make(map[string]cacheEntry),
	}
}

func (p *DBProvider) Get(ctx context.Context, key string) (string, error) {
	if value, ok := p.cached(key); ok {
		return value, nil
	}

	var (
		stored    sql.NullString
		encrypted bool
	)
	err := p.db.QueryRowContext(ctx, `
SELECT config_value, is_encrypted
FROM configurations
WHERE config_key = $1
`, key).Scan(&stored, &encrypted)
	if errors.Is(err, sql.ErrNoRows) {
		return p.fallback.Get(ctx, key)
	}
	if err != nil {
		p.logger.Warnw("configuration lookup failed, using environment", "key", key, "error", err)
		return p.fallback.Get(ctx, key)
	}

	value := stored.String
	if encrypted && value != "" {
		if p.cipher == nil {
			return "", errors.Newf("configuration %s is encrypted but no key is configured", key)
		}
		value, err = p.cipher.Open(value)
		if err != nil {
			return "", errors.Wrapf(err, "decrypt configuration %s", key)
		}
	}

	p.store(key, value)
	return value, nil
}

// Set upserts key, sealing the value first when encrypt is set.
func (p *DBProvider) Set(ctx context.Context, key, value string, encrypt bool) error {
	stored := value
	if encrypt {
		if p.cipher == nil {
			return errors.Newf("cannot encrypt configuration %s without a key", key)
		}
		sealed, err := p.cipher.Seal(value)
		if err != nil {
			return err
		}
		stored = sealed
	}

	_, err := p.db.ExecContext(ctx, `
INSERT INTO configurations (config_key, config_value, is_encrypted)
VALUES ($1, $2, $3)
ON CONFLICT (config_key) DO UPDATE
SET config_value = EXCLUDED.config_value, is_encrypted = EXCLUDED.is_encrypted
`, key, stored, encrypt)
	if err != nil {
		return errors.Wrapf(err, "store configuration %s", key)
	}

	p.store(key, value)
	return nil
}

func (p *DBProvider) ClearCache() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.cache = make(map[string]cacheEntry)
}

func (p *DBProvider) cached(key string) (string, bool) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	entry, ok := p.cache[key]
	if !ok || p.now().Sub(entry.loadedAt) >= p.ttl {
		return "", false
	}
	return entry.value, true
}

func (p *DBProvider) store(key, value string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.cache[key] = cacheEntry{value: value, loadedAt: p.now()}
}

// Lookup returns the first non-empty value among keys.
func Lookup(ctx context.Context, p Provider, keys ...string) string {
	for _, key := range keys {
		value, err := p.Get(ctx, key)
		if err == nil && value != "" {
			return value
		}
	}
	return ""
}
