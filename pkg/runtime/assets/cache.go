package assets

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/vango-go/avatar-lite/pkg/core"
	"github.com/vango-go/avatar-lite/pkg/runtime/telemetry"
)

// LoadState tracks an asset through its lifetime.
type LoadState string

const (
	StateLoading LoadState = "loading"
	StateReady   LoadState = "ready"
	StateFailed  LoadState = "failed"
)

// Asset is one cached avatar resource, keyed by source URL.
type Asset struct {
	URL      string
	State    LoadState
	Resource *Resource

	pinned     bool
	lastAccess time.Time
}

// Options configures a Cache.
type Options struct {
	// MaxSize bounds the number of Ready assets retained; the pinned
	// default does not count against it.
	MaxSize     int
	LoadTimeout time.Duration
	// DefaultURL is the well-known fallback asset. When empty (or
	// unreachable) a built-in resource is used so degraded mode works
	// fully offline.
	DefaultURL string

	HTTPClient *http.Client
	Logger     *slog.Logger
	Metrics    *telemetry.Metrics

	// Fetch overrides the HTTP loader; used by tests.
	Fetch func(ctx context.Context, url string) ([]byte, error)
}

type inflight struct {
	done  chan struct{}
	asset *Asset
	err   error
}

// Cache is the bounded avatar-asset cache. Load is idempotent per URL:
// concurrent callers share a single underlying fetch.
type Cache struct {
	opts    Options
	logger  *slog.Logger
	metrics *telemetry.Metrics
	fetch   func(ctx context.Context, url string) ([]byte, error)

	// mu guards the entry map and the in-flight registry; fetches happen
	// outside the lock.
	mu       sync.Mutex
	entries  map[string]*Asset
	inflight map[string]*inflight
	fallback *Asset
}

// NewCache builds an asset cache.
func NewCache(opts Options) *Cache {
	if opts.MaxSize < 1 {
		opts.MaxSize = 1
	}
	if opts.LoadTimeout <= 0 {
		opts.LoadTimeout = 30 * time.Second
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.Metrics == nil {
		opts.Metrics = telemetry.NewMetrics("avatar")
	}
	c := &Cache{
		opts:     opts,
		logger:   opts.Logger,
		metrics:  opts.Metrics,
		entries:  make(map[string]*Asset),
		inflight: make(map[string]*inflight),
	}
	c.fetch = opts.Fetch
	if c.fetch == nil {
		httpClient := opts.HTTPClient
		if httpClient == nil {
			httpClient = &http.Client{}
		}
		c.fetch = func(ctx context.Context, url string) ([]byte, error) {
			return fetchHTTP(ctx, httpClient, url)
		}
	}
	return c
}

// Load returns the asset for url, fetching it if necessary. A second call
// while a load is in flight joins the same fetch. On failure the caller
// receives the pinned default asset so there is always something to render.
func (c *Cache) Load(ctx context.Context, url string) (*Asset, error) {
	c.mu.Lock()
	if asset, ok := c.entries[url]; ok && asset.State == StateReady {
		asset.lastAccess = time.Now()
		c.mu.Unlock()
		return asset, nil
	}
	if fl, ok := c.inflight[url]; ok {
		c.mu.Unlock()
		select {
		case <-fl.done:
			return fl.asset, fl.err
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	fl := &inflight{done: make(chan struct{})}
	c.inflight[url] = fl
	c.mu.Unlock()

	fl.asset, fl.err = c.doLoad(ctx, url)

	c.mu.Lock()
	delete(c.inflight, url)
	c.mu.Unlock()
	close(fl.done)
	return fl.asset, fl.err
}

func (c *Cache) doLoad(ctx context.Context, url string) (*Asset, error) {
	loadCtx, cancel := context.WithTimeout(ctx, c.opts.LoadTimeout)
	defer cancel()

	data, err := c.fetch(loadCtx, url)
	if err != nil {
		// A failed or timed-out load must still leave the slot usable.
		c.logger.Warn("asset load failed, falling back to default", "url", url, "error", err)
		c.metrics.RecordAssetLoad("failed")
		c.metrics.RecordError(string(core.ErrAsset))
		return c.loadDefault(ctx)
	}

	asset := &Asset{
		URL:        url,
		State:      StateReady,
		Resource:   NewResource(data),
		lastAccess: time.Now(),
	}

	c.mu.Lock()
	c.evictIfNeededLocked()
	c.entries[url] = asset
	c.metrics.CacheReady.Set(float64(c.readyCountLocked()))
	c.mu.Unlock()

	c.metrics.RecordAssetLoad("ready")
	return asset, nil
}

// Touch updates recency on every activation of an asset.
func (c *Cache) Touch(url string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if asset, ok := c.entries[url]; ok {
		asset.lastAccess = time.Now()
	}
}

// Default returns the pinned fallback asset, loading it on first use. It is
// never evicted and never fails: when the well-known URL is unreachable a
// built-in resource is used instead.
func (c *Cache) Default(ctx context.Context) *Asset {
	asset, _ := c.loadDefault(ctx)
	return asset
}

func (c *Cache) loadDefault(ctx context.Context) (*Asset, error) {
	c.mu.Lock()
	if c.fallback != nil {
		c.fallback.lastAccess = time.Now()
		asset := c.fallback
		c.mu.Unlock()
		c.metrics.RecordAssetLoad("fallback")
		return asset, nil
	}
	c.mu.Unlock()

	var resource *Resource
	if c.opts.DefaultURL != "" {
		loadCtx, cancel := context.WithTimeout(ctx, c.opts.LoadTimeout)
		data, err := c.fetch(loadCtx, c.opts.DefaultURL)
		cancel()
		if err != nil {
			c.logger.Warn("default asset unreachable, using built-in resource", "url", c.opts.DefaultURL, "error", err)
		} else {
			resource = NewResource(data)
		}
	}
	if resource == nil {
		resource = NewResource(nil)
	}

	c.mu.Lock()
	if c.fallback == nil {
		c.fallback = &Asset{
			URL:        c.opts.DefaultURL,
			State:      StateReady,
			Resource:   resource,
			pinned:     true,
			lastAccess: time.Now(),
		}
	}
	asset := c.fallback
	c.mu.Unlock()

	c.metrics.RecordAssetLoad("fallback")
	return asset, nil
}

// ReadyCount reports how many Ready assets are cached (excluding the
// pinned default).
func (c *Cache) ReadyCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.readyCountLocked()
}

// Contains reports whether the url is currently cached and Ready.
func (c *Cache) Contains(url string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	asset, ok := c.entries[url]
	return ok && asset.State == StateReady
}

// Close releases every cached resource.
func (c *Cache) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	for url, asset := range c.entries {
		asset.Resource.Release()
		delete(c.entries, url)
	}
	if c.fallback != nil {
		c.fallback.Resource.Release()
		c.fallback = nil
	}
	c.metrics.CacheReady.Set(0)
}

func (c *Cache) readyCountLocked() int {
	n := 0
	for _, asset := range c.entries {
		if asset.State == StateReady && !asset.pinned {
			n++
		}
	}
	return n
}

// evictIfNeededLocked drops the least-recently-touched Ready entry to make
// room for one insertion. Caller holds the mutex.
func (c *Cache) evictIfNeededLocked() {
	if c.readyCountLocked() < c.opts.MaxSize {
		return
	}
	var victim *Asset
	for _, asset := range c.entries {
		if asset.State != StateReady || asset.pinned {
			continue
		}
		if victim == nil || asset.lastAccess.Before(victim.lastAccess) {
			victim = asset
		}
	}
	if victim == nil {
		return
	}
	c.logger.Debug("evicting least-recently-used asset", "url", victim.URL)
	victim.Resource.Release()
	delete(c.entries, victim.URL)
	c.metrics.EvictionsTotal.Inc()
}

func fetchHTTP(ctx context.Context, client *http.Client, url string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("build asset request: %w", err)
	}
	resp, err := client.Do(req)
	if err != nil {
		return nil, &core.TransportError{Op: "GET", URL: url, Err: err}
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, core.NewAssetError(fmt.Sprintf("asset source returned status %d", resp.StatusCode))
	}
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, &core.TransportError{Op: "GET", URL: url, Err: err}
	}
	if len(data) == 0 {
		return nil, core.NewAssetError("asset source returned an empty body")
	}
	return data, nil
}
