// Package redis keeps tracker aggregates and scheduler trigger state durable
// in Redis so they survive actor eviction and process restarts.
package redis

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"

	goredis "github.com/redis/go-redis/v9"

	"github.com/JakeFAU/geolink/internal/links"
	"github.com/JakeFAU/geolink/internal/tracker"
)

const (
	fieldCount = "count"
	fieldLat   = "lat"
	fieldLon   = "lon"
)

// TrackerStore implements tracker.Store with one hash per (account, window).
// Fields are "{country}:count", "{country}:lat" and "{country}:lon"; lat and
// lon hold running sums.
type TrackerStore struct {
	client    goredis.UniversalClient
	prefix    string
	retention time.Duration
}

// NewTrackerStore wraps an existing client. Hashes expire after retention.
func NewTrackerStore(client goredis.UniversalClient, prefix string, retention time.Duration) (*TrackerStore, error) {
	if client == nil {
		return nil, errors.New("redis client is required")
	}
	if retention <= 0 {
		return nil, errors.New("retention must be positive")
	}
	return &TrackerStore{client: client, prefix: prefix, retention: retention}, nil
}

func (s *TrackerStore) key(accountID string, window time.Time) string {
	k := "tracker:" + accountID + ":" + strconv.FormatInt(window.Unix(), 10)
	if s.prefix == "" {
		return k
	}
	return s.prefix + ":" + k
}

// Record increments the bucket sums in a single transaction.
func (s *TrackerStore) Record(ctx context.Context, accountID string, windowStart time.Time, click links.TrackedClick) error {
	key := s.key(accountID, windowStart)
	pipe := s.client.TxPipeline()
	pipe.HIncrBy(ctx, key, click.Country+":"+fieldCount, 1)
	pipe.HIncrByFloat(ctx, key, click.Country+":"+fieldLat, click.Latitude)
	pipe.HIncrByFloat(ctx, key, click.Country+":"+fieldLon, click.Longitude)
	pipe.Expire(ctx, key, s.retention)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("redis record click for %s: %w", accountID, err)
	}
	return nil
}

// Load reads the given windows in one round trip. Empty windows are skipped.
func (s *TrackerStore) Load(ctx context.Context, accountID string, windows []time.Time) ([]tracker.Totals, error) {
	if len(windows) == 0 {
		return nil, nil
	}
	pipe := s.client.Pipeline()
	cmds := make([]*goredis.MapStringStringCmd, len(windows))
	for i, w := range windows {
		cmds[i] = pipe.HGetAll(ctx, s.key(accountID, w))
	}
	if _, err := pipe.Exec(ctx); err != nil && !errors.Is(err, goredis.Nil) {
		return nil, fmt.Errorf("redis load aggregate for %s: %w", accountID, err)
	}

	var out []tracker.Totals
	for i, cmd := range cmds {
		fields, err := cmd.Result()
		if err != nil {
			return nil, fmt.Errorf("redis load aggregate for %s: %w", accountID, err)
		}
		totals, err := parseWindow(windows[i], fields)
		if err != nil {
			return nil, fmt.Errorf("decode aggregate for %s: %w", accountID, err)
		}
		out = append(out, totals...)
	}
	return out, nil
}

func parseWindow(window time.Time, fields map[string]string) ([]tracker.Totals, error) {
	byCountry := make(map[string]*tracker.Totals)
	for field, raw := range fields {
		country, kind, ok := strings.Cut(field, ":")
		if !ok {
			continue
		}
		t := byCountry[country]
		if t == nil {
			t = &tracker.Totals{WindowStart: window, Country: country}
			byCountry[country] = t
		}
		switch kind {
		case fieldCount:
			n, err := strconv.ParseInt(raw, 10, 64)
			if err != nil {
				return nil, fmt.Errorf("field %s: %w", field, err)
			}
			t.Count = n
		case fieldLat, fieldLon:
			f, err := strconv.ParseFloat(raw, 64)
			if err != nil {
				return nil, fmt.Errorf("field %s: %w", field, err)
			}
			if kind == fieldLat {
				t.LatSum = f
			} else {
				t.LonSum = f
			}
		}
	}

	out := make([]tracker.Totals, 0, len(byCountry))
	for _, t := range byCountry {
		if t.Count > 0 {
			out = append(out, *t)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Country < out[j].Country })
	return out, nil
}
