package config

import (
	"context"
	"sync"
	"sync/atomic"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"
)

// RefreshChannel is the Redis pub/sub channel a config-management tool
// publishes to after writing a new config file. §5 calls config "read-mostly
// ... cache it but invalidate on config updates"; this is that invalidation
// signal.
const RefreshChannel = "config:refresh"

// Watcher caches an *EngineConfig in memory (load-on-first-use, per §9's
// "Global state" note) and reloads it from disk whenever RefreshChannel
// receives a message.
type Watcher struct {
	path    string
	current atomic.Pointer[EngineConfig]
	redis   *redis.Client
	mu      sync.Mutex
}

// NewWatcher loads the config once synchronously, then returns a Watcher
// that will keep it fresh as refresh signals arrive. redisClient may be nil,
// in which case the cached config never refreshes automatically (the caller
// can still call Reload explicitly).
func NewWatcher(path string, redisClient *redis.Client) (*Watcher, error) {
	cfg, err := Load(path)
	if err != nil {
		return nil, err
	}
	w := &Watcher{path: path, redis: redisClient}
	w.current.Store(cfg)
	return w, nil
}

// Current returns the cached config. Safe for concurrent use.
func (w *Watcher) Current() *EngineConfig {
	return w.current.Load()
}

// Reload re-reads and re-validates the config file, swapping it in only on
// success so a bad edit never blanks out a working cache.
func (w *Watcher) Reload() error {
	w.mu.Lock()
	defer w.mu.Unlock()

	cfg, err := Load(w.path)
	if err != nil {
		log.Warn().Err(err).Str("path", w.path).Msg("config reload failed, keeping previous config")
		return err
	}
	w.current.Store(cfg)
	log.Info().Str("path", w.path).Msg("engine config reloaded")
	return nil
}

// Watch subscribes to RefreshChannel and reloads on every message until ctx
// is cancelled. Intended to run in its own goroutine.
func (w *Watcher) Watch(ctx context.Context) {
	if w.redis == nil {
		return
	}

	sub := w.redis.Subscribe(ctx, RefreshChannel)
	defer sub.Close()

	ch := sub.Channel()
	for {
		select {
		case <-ctx.Done():
			return
		case msg, ok := <-ch:
			if !ok {
				return
			}
			log.Info().Str("channel", msg.Channel).Msg("config refresh signal received")
			_ = w.Reload()
		}
	}
}

// PublishRefresh notifies other engine processes sharing this Redis instance
// that the config file has changed.
func PublishRefresh(ctx context.Context, client *redis.Client) error {
	return client.Publish(ctx, RefreshChannel, "reload").Err()
}
