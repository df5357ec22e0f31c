// Package assets provides read access to the Asset inventory service with a
// two-tier cache in front of it: a small in-process tier for hot assets and
// the shared Redis tier for everything the process has seen recently. The
// upstream sits behind a circuit breaker so a dead inventory degrades
// enrichment instead of stalling the pipeline.
package assets

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"time"

	"github.com/sony/gobreaker"

	"github.com/opsconductor/opsconductor/pkg/cache"
	"github.com/opsconductor/opsconductor/pkg/config"
	"github.com/opsconductor/opsconductor/pkg/masking"
	"github.com/opsconductor/opsconductor/pkg/models"
)

// ErrNotConfigured is returned when no Asset service base URL is set.
// Stages treat it as "enrichment off" rather than a failure.
var ErrNotConfigured = errors.New("asset service not configured")

// ErrNotFound is returned when the Asset service has no asset under the
// requested id.
var ErrNotFound = errors.New("asset not found")

// Provider is the read-through client for asset context. Lookups go
// L1 (in-process) -> L2 (Redis) -> Asset service; fetched assets are masked
// before they touch any cache tier.
type Provider struct {
	cfg        *config.AssetsConfig
	httpClient *http.Client
	cache      *cache.Manager
	l1         *cache.AssetL1
	masker     *masking.Service
	breaker    *gobreaker.CircuitBreaker
	logger     *slog.Logger
}

// NewProvider creates the asset client. The breaker opens after 5
// consecutive upstream failures and probes recovery with a single request
// after 30s.
func NewProvider(cfg *config.AssetsConfig, mgr *cache.Manager, l1 *cache.AssetL1, masker *masking.Service) *Provider {
	logger := slog.Default().With("component", "assets")

	p := &Provider{
		cfg:        cfg,
		httpClient: &http.Client{Timeout: cfg.Timeout()},
		cache:      mgr,
		l1:         l1,
		masker:     masker,
		logger:     logger,
	}
	p.breaker = gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        "asset-service",
		MaxRequests: 1,
		Timeout:     30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 5
		},
		OnStateChange: func(name string, from gobreaker.State, to gobreaker.State) {
			logger.Warn("Circuit breaker state changed",
				"breaker", name,
				"from", from.String(),
				"to", to.String())
		},
	})
	return p
}

// Enabled reports whether an Asset service is configured. When false, every
// lookup returns ErrNotConfigured and stages skip enrichment quietly.
func (p *Provider) Enabled() bool {
	return p.cfg.BaseURL != ""
}

// Get returns the asset context for one asset id. Cache hits skip the
// upstream entirely; misses fetch, mask, and populate both tiers. Errors
// other than ErrNotFound mean the inventory was unreachable; callers record
// a data gap and continue.
func (p *Provider) Get(ctx context.Context, assetID string) (*models.AssetContext, error) {
	if !p.Enabled() {
		return nil, ErrNotConfigured
	}
	if assetID == "" {
		return nil, fmt.Errorf("empty asset id")
	}

	if p.cache.Enabled() {
		if asset, ok := p.l1.Get(assetID); ok {
			return asset, nil
		}
		if asset := p.fromL2(ctx, assetID); asset != nil {
			p.l1.Set(assetID, asset)
			return asset, nil
		}
	}

	asset, err := p.fetchAsset(ctx, assetID)
	if err != nil {
		return nil, err
	}
	p.sanitize(asset)
	p.store(ctx, asset)
	return asset, nil
}

// Search returns assets matching a filter expression, e.g.
// "environment=production,type=host". Result lists are cached under the
// asset namespace; individual assets from the list also populate both
// per-asset tiers.
func (p *Provider) Search(ctx context.Context, filter string) ([]*models.AssetContext, error) {
	if !p.Enabled() {
		return nil, ErrNotConfigured
	}

	key := searchKey(filter)
	if p.cache.Enabled() {
		var cached []*models.AssetContext
		if p.cache.Get(ctx, cache.NamespaceAsset, key, &cached) {
			return cached, nil
		}
	}

	assets, err := p.fetchList(ctx, filter)
	if err != nil {
		return nil, err
	}
	for _, asset := range assets {
		p.sanitize(asset)
		p.store(ctx, asset)
	}
	if p.cache.Enabled() {
		p.cache.Set(ctx, cache.NamespaceAsset, key, assets)
	}
	return assets, nil
}

// fromL2 resolves the current version pointer for an asset id, then the
// versioned entry it points at. Either miss falls through to the upstream.
func (p *Provider) fromL2(ctx context.Context, assetID string) *models.AssetContext {
	var version string
	if !p.cache.Get(ctx, cache.NamespaceAsset, versionPointerKey(assetID), &version) {
		return nil
	}
	var asset models.AssetContext
	if !p.cache.Get(ctx, cache.NamespaceAsset, cache.AssetKey(assetID, version), &asset) {
		return nil
	}
	return &asset
}

// sanitize masks attribute values and stamps the fetch time. Runs before
// the asset reaches any cache tier so secrets never persist.
func (p *Provider) sanitize(asset *models.AssetContext) {
	asset.Attributes = p.masker.MaskAttributes(asset.Attributes)
	asset.FetchedAt = time.Now().UTC()
}

// store writes an asset into L1 and L2. The L2 entry key carries the asset
// version; the pointer key records which version is current, so a version
// change redirects readers while stale entries age out by TTL.
func (p *Provider) store(ctx context.Context, asset *models.AssetContext) {
	if !p.cache.Enabled() || ctx.Err() != nil {
		return
	}
	p.l1.Set(asset.AssetID, asset)
	p.cache.Set(ctx, cache.NamespaceAsset, cache.AssetKey(asset.AssetID, asset.Version), asset)
	p.cache.Set(ctx, cache.NamespaceAsset, versionPointerKey(asset.AssetID), asset.Version)
}

func (p *Provider) fetchAsset(ctx context.Context, assetID string) (*models.AssetContext, error) {
	res, err := p.breaker.Execute(func() (any, error) {
		endpoint := p.cfg.BaseURL + "/assets/" + url.PathEscape(assetID)
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
		if err != nil {
			return nil, fmt.Errorf("create request: %w", err)
		}

		resp, err := p.httpClient.Do(req)
		if err != nil {
			return nil, fmt.Errorf("fetch asset %s: %w", assetID, err)
		}
		defer resp.Body.Close()

		if resp.StatusCode == http.StatusNotFound {
			// A 404 is an answer, not an outage; it must not trip the breaker.
			return nil, nil
		}
		if resp.StatusCode != http.StatusOK {
			return nil, fmt.Errorf("asset service returned HTTP %d for %s", resp.StatusCode, assetID)
		}

		var asset models.AssetContext
		if err := json.NewDecoder(resp.Body).Decode(&asset); err != nil {
			return nil, fmt.Errorf("decode asset %s: %w", assetID, err)
		}
		return &asset, nil
	})
	if err != nil {
		return nil, p.classify(err)
	}
	if res == nil {
		return nil, ErrNotFound
	}
	return res.(*models.AssetContext), nil
}

// assetListResponse is the Asset service's search payload.
type assetListResponse struct {
	Assets []*models.AssetContext `json:"assets"`
}

func (p *Provider) fetchList(ctx context.Context, filter string) ([]*models.AssetContext, error) {
	res, err := p.breaker.Execute(func() (any, error) {
		endpoint := p.cfg.BaseURL + "/assets"
		if filter != "" {
			endpoint += "?filter=" + url.QueryEscape(filter)
		}
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
		if err != nil {
			return nil, fmt.Errorf("create request: %w", err)
		}

		resp, err := p.httpClient.Do(req)
		if err != nil {
			return nil, fmt.Errorf("search assets: %w", err)
		}
		defer resp.Body.Close()

		if resp.StatusCode != http.StatusOK {
			return nil, fmt.Errorf("asset service returned HTTP %d for filter %q", resp.StatusCode, filter)
		}

		var payload assetListResponse
		if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
			return nil, fmt.Errorf("decode asset list: %w", err)
		}
		return payload.Assets, nil
	})
	if err != nil {
		return nil, p.classify(err)
	}
	return res.([]*models.AssetContext), nil
}

// classify rewords breaker rejections so callers see an availability
// failure instead of a bare gobreaker sentinel. errors.Is still matches the
// sentinel through the wrap.
func (p *Provider) classify(err error) error {
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		return fmt.Errorf("asset service circuit open: %w", err)
	}
	return err
}

// versionPointerKey addresses the "current version" record for an asset id.
func versionPointerKey(assetID string) string {
	return cache.Key(cache.NamespaceAsset, "current|"+assetID)
}

// searchKey addresses a cached filter result list.
func searchKey(filter string) string {
	return cache.Key(cache.NamespaceAsset, "search|"+cache.CanonicalizeText(filter))
}
