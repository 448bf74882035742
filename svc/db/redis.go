package db

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"encoding/json"
	"fmt"
	"os"
	"time"

	"pastebin/cfg"
	"pastebin/pkg/domain"

	"github.com/pkg/errors"
	"github.com/redis/go-redis/v9"
)

const pasteKeyPrefix = "paste:"

// Redis is the shared paste cache and the global rate window.
type Redis struct {
	client  *redis.Client
	timeout time.Duration
}

// NewRedisClient wraps an existing client.
func NewRedisClient(client *redis.Client, timeout time.Duration) *Redis {
	return &Redis{client: client, timeout: timeout}
}

func NewRedis(url string, cfg *cfg.Cfg) (*Redis, error) {
	opt, err := redis.ParseURL(url)
	if err != nil {
		return nil, errors.Wrap(err, "parse redis url")
	}
	opt.PoolSize = 50
	opt.MinIdleConns = 10
	opt.PoolTimeout = 4 * time.Second
	opt.ConnMaxIdleTime = 5 * time.Minute
	opt.MaxRetries = 3
	opt.MinRetryBackoff = 8 * time.Millisecond
	opt.MaxRetryBackoff = 512 * time.Millisecond
	if cfg.RedisTLS {
		tlsConfig, err := buildRedisTLSConfig()
		if err != nil {
			return nil, errors.Wrap(err, "failed to build Redis TLS config")
		}
		opt.TLSConfig = tlsConfig
	}
	if cfg.RedisUsername != "" {
		opt.Username = cfg.RedisUsername
	}
	if cfg.RedisPassword.Value() != "" {
		opt.Password = cfg.RedisPassword.Value()
	}
	client := redis.NewClient(opt)
	pingCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		client.Close()
		return nil, errors.Wrap(err, "ping redis")
	}
	return &Redis{
		client:  client,
		timeout: cfg.RedisTimeout,
	}, nil
}
func buildRedisTLSConfig() (*tls.Config, error) {
	serverName := os.Getenv("REDIS_HOSTNAME")
	if serverName == "" {
		return nil, errors.New("REDIS_HOSTNAME must be set when REDIS_TLS=true")
	}
	tlsConfig := &tls.Config{MinVersion: tls.VersionTLS12, ServerName: serverName}
	certPath := os.Getenv("REDIS_TLS_CA_CERT")
	if certPath == "" {
		pool, err := x509.SystemCertPool()
		if err != nil {
			return nil, errors.Wrap(err, "load system cert pool")
		}
		tlsConfig.RootCAs = pool
		return tlsConfig, nil
	}
	caCert, err := os.ReadFile(certPath)
	if err != nil {
		return nil, errors.Wrap(err, "read redis CA cert")
	}
	pool := x509.NewCertPool()
	if !pool.AppendCertsFromPEM(caCert) {
		return nil, fmt.Errorf("no certificates found in %s", certPath)
	}
	tlsConfig.RootCAs = pool
	return tlsConfig, nil
}

// cachedPaste keeps the fields domain.Paste hides from JSON so a cache hit
// still passes the password gate.
type cachedPaste struct {
	*domain.Paste
	PasswordHash string `json:"password_hash,omitempty"`
	IsBurned     bool   `json:"is_burned,omitempty"`
}

func pasteKey(shortID string) string {
	return pasteKeyPrefix + shortID
}

func (r *Redis) CachePaste(ctx context.Context, p *domain.Paste, ttl time.Duration) error {
	if ttl <= 0 {
		return nil
	}
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()
	data, err := encodeCached(p)
	if err != nil {
		return err
	}
	return errors.Wrap(r.client.Set(ctx, pasteKey(p.ShortID), data, ttl).Err(), "set paste")
}

// GetPaste returns nil, nil on a miss.
func (r *Redis) GetPaste(ctx context.Context, shortID string) (*domain.Paste, error) {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()
	data, err := r.client.Get(ctx, pasteKey(shortID)).Bytes()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, errors.Wrap(err, "get paste")
	}
	return decodeCached(data)
}

func encodeCached(p *domain.Paste) ([]byte, error) {
	data, err := json.Marshal(cachedPaste{Paste: p, PasswordHash: p.PasswordHash, IsBurned: p.IsBurned})
	return data, errors.Wrap(err, "marshal paste")
}

func decodeCached(data []byte) (*domain.Paste, error) {
	c := cachedPaste{Paste: &domain.Paste{}}
	if err := json.Unmarshal(data, &c); err != nil {
		return nil, errors.Wrap(err, "unmarshal paste")
	}
	c.Paste.PasswordHash = c.PasswordHash
	c.Paste.IsBurned = c.IsBurned
	return c.Paste, nil
}

func (r *Redis) DeletePaste(ctx context.Context, shortID string) error {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()
	return errors.Wrap(r.client.Del(ctx, pasteKey(shortID)).Err(), "delete paste")
}

var rateScript = redis.NewScript(`
	local current = redis.call("GET", KEYS[1])
	if current == false then
		current = 0
	else
		current = tonumber(current)
	end
	if current >= tonumber(ARGV[2]) then
		return current + 1
	end
	local new_val = redis.call("INCR", KEYS[1])
	if new_val == 1 then
		redis.call("PEXPIRE", KEYS[1], ARGV[1])
	end
	return new_val
`)

// RateLimit counts a hit in a fixed window and returns the usage including
// this hit. Usage above limit means the hit was refused.
func (r *Redis) RateLimit(ctx context.Context, key string, limit int, window time.Duration) (int, error) {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()
	usage, err := rateScript.Run(ctx, r.client, []string{"rate:" + key}, int(window.Milliseconds()), limit).Int()
	if err != nil {
		return 0, errors.Wrap(err, "rate limit lua")
	}
	return usage, nil
}

func (r *Redis) Ping(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()
	return errors.Wrap(r.client.Ping(ctx).Err(), "redis ping")
}

func (r *Redis) Close() error {
	if r.client != nil {
		return r.client.Close()
	}
	return nil
}
