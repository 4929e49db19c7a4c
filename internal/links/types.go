// Package links defines the core types shared across the routing, telemetry,
// and evaluation subsystems.
package links

import (
	"fmt"
	"strings"
	"time"
)

// DefaultDestination is the mandatory destination key used when no country matches.
const DefaultDestination = "default"

// reservedIDs are top-level HTTP routes that shadow the redirect route.
var reservedIDs = map[string]struct{}{
	"healthz":      {},
	"readyz":       {},
	"metrics":      {},
	"click-socket": {},
}

// IsReservedID reports whether id collides with a service route and so can
// never be redirected.
func IsReservedID(id string) bool {
	_, ok := reservedIDs[strings.ToLower(id)]
	return ok
}

// DestinationSet maps ISO country codes to destination URLs. The "default"
// entry is always present on a valid set.
type DestinationSet map[string]string

// Validate reports whether the set carries a usable default destination.
func (d DestinationSet) Validate() error {
	if strings.TrimSpace(d[DefaultDestination]) == "" {
		return fmt.Errorf("destinations.default is required: %w", ErrInvalidInput)
	}
	return nil
}

// Clone returns a copy that can be mutated independently.
func (d DestinationSet) Clone() DestinationSet {
	if d == nil {
		return nil
	}
	out := make(DestinationSet, len(d))
	for k, v := range d {
		out[k] = v
	}
	return out
}

// Link is the routing-relevant view of a short link.
type Link struct {
	ID           string         `json:"link_id"`
	AccountID    string         `json:"account_id"`
	Destinations DestinationSet `json:"destinations"`
}

// Validate enforces the invariants a link must satisfy before it is routed or cached.
func (l Link) Validate() error {
	if strings.TrimSpace(l.ID) == "" {
		return fmt.Errorf("link id is required: %w", ErrInvalidInput)
	}
	if IsReservedID(l.ID) {
		return fmt.Errorf("link id %q is reserved: %w", l.ID, ErrInvalidInput)
	}
	if strings.TrimSpace(l.AccountID) == "" {
		return fmt.Errorf("account id is required: %w", ErrInvalidInput)
	}
	return l.Destinations.Validate()
}

// ClickEvent is captured for every redirect. It is immutable once built.
type ClickEvent struct {
	LinkID      string    `json:"link_id"`
	AccountID   string    `json:"account_id"`
	Country     string    `json:"country,omitempty"`
	Destination string    `json:"destination"`
	Latitude    *float64  `json:"latitude,omitempty"`
	Longitude   *float64  `json:"longitude,omitempty"`
	Timestamp   time.Time `json:"timestamp"`
}

// HasGeo reports whether the event carries coordinates and a country code.
func (e ClickEvent) HasGeo() bool {
	return e.Latitude != nil && e.Longitude != nil && e.Country != ""
}

// Tracked converts the event into the compact tuple used by the live tracker.
// Callers must check HasGeo first.
func (e ClickEvent) Tracked() TrackedClick {
	return TrackedClick{
		Latitude:        *e.Latitude,
		Longitude:       *e.Longitude,
		Country:         e.Country,
		TimestampMillis: e.Timestamp.UnixMilli(),
	}
}

// TrackedClick is the (latitude, longitude, country, capture time) tuple.
type TrackedClick struct {
	Latitude        float64 `json:"latitude"`
	Longitude       float64 `json:"longitude"`
	Country         string  `json:"country"`
	TimestampMillis int64   `json:"timestamp_ms"`
}

// EvaluationRequest asks for a health evaluation of one link destination.
type EvaluationRequest struct {
	LinkID         string `json:"link_id"`
	AccountID      string `json:"account_id"`
	DestinationURL string `json:"destination_url"`
}

// Validate checks required fields.
func (r EvaluationRequest) Validate() error {
	switch {
	case r.LinkID == "":
		return fmt.Errorf("link id is required: %w", ErrInvalidInput)
	case r.AccountID == "":
		return fmt.Errorf("account id is required: %w", ErrInvalidInput)
	case r.DestinationURL == "":
		return fmt.Errorf("destination url is required: %w", ErrInvalidInput)
	}
	return nil
}

// Evaluation status values produced by the classifiers shipped with the service.
const (
	StatusLive        = "live"
	StatusUnavailable = "unavailable"
	StatusUnknown     = "unknown"
)

// Evaluation is the persisted outcome of one completed evaluation run.
type Evaluation struct {
	ID             string    `json:"evaluation_id"`
	LinkID         string    `json:"link_id"`
	AccountID      string    `json:"account_id"`
	DestinationURL string    `json:"destination_url"`
	Status         string    `json:"status"`
	Reason         string    `json:"reason"`
	HTMLPath       string    `json:"html_path"`
	BodyTextPath   string    `json:"body_text_path"`
	ScreenshotPath string    `json:"screenshot_path"`
	CreatedAt      time.Time `json:"created_at"`
}

// RenderResult is what the render capability extracts from a destination.
type RenderResult struct {
	URL        string
	HTML       string
	BodyText   string
	StatusCode int
	Screenshot []byte
	Duration   time.Duration
}

// Classification is the classifier verdict for a page's text.
type Classification struct {
	Status string `json:"status"`
	Reason string `json:"reason"`
}
