package tracker

import (
	"context"
	"time"

	"github.com/JakeFAU/geolink/internal/links"
)

// Totals are the raw sums kept for one (window, country) bucket. Storing sums
// instead of a centroid lets concurrent writers merge with plain increments.
type Totals struct {
	WindowStart time.Time
	Country     string
	Count       int64
	LatSum      float64
	LonSum      float64
}

// Bucket is the observer-facing view of Totals.
type Bucket struct {
	WindowStart time.Time `json:"window_start"`
	Country     string    `json:"country"`
	Count       int64     `json:"count"`
	Latitude    float64   `json:"latitude"`
	Longitude   float64   `json:"longitude"`
}

func (t Totals) bucket() Bucket {
	b := Bucket{WindowStart: t.WindowStart, Country: t.Country, Count: t.Count}
	if t.Count > 0 {
		b.Latitude = t.LatSum / float64(t.Count)
		b.Longitude = t.LonSum / float64(t.Count)
	}
	return b
}

// Aggregate is the rolling per-account view.
type Aggregate struct {
	AccountID string   `json:"account_id"`
	Total     int64    `json:"total"`
	Buckets   []Bucket `json:"buckets"`
}

// Update kinds streamed to observers.
const (
	UpdateSnapshot = "snapshot"
	UpdateClick    = "click"
)

// Update is one message on a Subscription.
type Update struct {
	Type      string              `json:"type"`
	AccountID string              `json:"account_id"`
	Snapshot  *Aggregate          `json:"snapshot,omitempty"`
	Click     *links.TrackedClick `json:"click,omitempty"`
	Bucket    *Bucket             `json:"bucket,omitempty"`
}

// Store keeps the aggregate durable across evictions and restarts.
type Store interface {
	// Record adds one click to the (window, country) bucket.
	Record(ctx context.Context, accountID string, windowStart time.Time, click links.TrackedClick) error
	// Load returns the non-empty buckets for the given windows.
	Load(ctx context.Context, accountID string, windows []time.Time) ([]Totals, error)
}
