// Package resolver turns link ids into destination sets via cache-aside and
// picks a destination per country.
package resolver

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"github.com/JakeFAU/geolink/internal/links"
	"github.com/JakeFAU/geolink/internal/metrics"
)

const (
	// DefaultTTL is how long a cached link stays valid.
	DefaultTTL = 24 * time.Hour
	// DefaultLoadTimeout bounds a shared store lookup.
	DefaultLoadTimeout = 5 * time.Second
)

// Config tunes the resolver.
type Config struct {
	TTL time.Duration
	// LoadTimeout bounds a store lookup shared by concurrent callers. It is
	// independent of any single caller's deadline.
	LoadTimeout time.Duration
}

// Resolver reads links from the cache first and backfills it from the store.
type Resolver struct {
	cache  links.Cache
	store  links.LinkStore
	ttl         time.Duration
	loadTimeout time.Duration
	logger      *zap.Logger
	group  singleflight.Group
}

// New constructs a Resolver. cache may be nil, in which case every lookup
// goes to the store.
func New(cache links.Cache, store links.LinkStore, cfg Config, logger *zap.Logger) (*Resolver, error) {
	if store == nil {
		return nil, errors.New("link store is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.TTL <= 0 {
		cfg.TTL = DefaultTTL
	}
	if cfg.LoadTimeout <= 0 {
		cfg.LoadTimeout = DefaultLoadTimeout
	}
	return &Resolver{
		cache:       cache,
		store:       store,
		ttl:         cfg.TTL,
		loadTimeout: cfg.LoadTimeout,
		logger:      logger.Named("resolver"),
	}, nil
}

// CacheKey returns the cache key for a link id.
func CacheKey(linkID string) string {
	return "link:" + linkID
}

// Resolve returns the link for linkID or links.ErrNotFound.
func (r *Resolver) Resolve(ctx context.Context, linkID string) (links.Link, error) {
	if strings.TrimSpace(linkID) == "" {
		return links.Link{}, fmt.Errorf("resolve link: %w", links.ErrNotFound)
	}
	if link, ok := r.fromCache(ctx, linkID); ok {
		return link, nil
	}

	// The shared lookup outlives any one caller so a departing caller cannot
	// fail the others waiting on the same key.
	ch := r.group.DoChan(linkID, func() (any, error) {
		loadCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), r.loadTimeout)
		defer cancel()
		return r.fromStore(loadCtx, linkID)
	})
	var res singleflight.Result
	select {
	case <-ctx.Done():
		return links.Link{}, fmt.Errorf("resolve link %s: %w", linkID, ctx.Err())
	case res = <-ch:
	}
	if res.Err != nil {
		return links.Link{}, res.Err
	}
	link, ok := res.Val.(links.Link)
	if !ok {
		return links.Link{}, fmt.Errorf("resolve link %s: unexpected result type %T", linkID, res.Val)
	}
	return link, nil
}

func (r *Resolver) fromCache(ctx context.Context, linkID string) (links.Link, bool) {
	if r.cache == nil {
		return links.Link{}, false
	}
	payload, found, err := r.cache.Get(ctx, CacheKey(linkID))
	if err != nil {
		metrics.ObserveCacheLookup("error")
		r.logger.Warn("cache read failed", zap.String("link_id", linkID), zap.Error(err))
		return links.Link{}, false
	}
	if !found {
		metrics.ObserveCacheLookup("miss")
		return links.Link{}, false
	}
	var link links.Link
	if err := json.Unmarshal(payload, &link); err != nil || link.Validate() != nil || link.ID != linkID {
		metrics.ObserveCacheLookup("invalid")
		r.logger.Debug("malformed cache entry treated as miss", zap.String("link_id", linkID))
		return links.Link{}, false
	}
	metrics.ObserveCacheLookup("hit")
	return link, true
}

func (r *Resolver) fromStore(ctx context.Context, linkID string) (links.Link, error) {
	link, err := r.store.GetLink(ctx, linkID)
	if err != nil {
		if errors.Is(err, links.ErrNotFound) {
			return links.Link{}, fmt.Errorf("resolve link %s: %w", linkID, links.ErrNotFound)
		}
		return links.Link{}, fmt.Errorf("load link %s: %w", linkID, err)
	}
	if link.ID == "" {
		link.ID = linkID
	}
	r.backfill(ctx, link)
	return link, nil
}

// backfill is best effort; failures never reach the caller.
func (r *Resolver) backfill(ctx context.Context, link links.Link) {
	if r.cache == nil {
		return
	}
	payload, err := json.Marshal(link)
	if err != nil {
		r.logger.Warn("encode cache entry", zap.String("link_id", link.ID), zap.Error(err))
		return
	}
	if err := r.cache.Put(ctx, CacheKey(link.ID), payload, r.ttl); err != nil {
		r.logger.Warn("cache write-back failed",
			zap.String("link_id", link.ID),
			zap.Error(fmt.Errorf("%w: %w", links.ErrPersistenceUnavailable, err)),
		)
	}
}

// SelectDestination returns the URL mapped to country, or the default entry
// when country is empty or unmapped. Matching is exact after upper-casing.
func SelectDestination(set links.DestinationSet, country string) string {
	country = strings.ToUpper(strings.TrimSpace(country))
	if country != "" && !strings.EqualFold(country, links.DefaultDestination) {
		if url, ok := set[country]; ok && url != "" {
			return url
		}
	}
	return set[links.DefaultDestination]
}
