package api

import (
	"context"
	"errors"
	"fmt"
	"math"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/JakeFAU/geolink/internal/links"
	"github.com/JakeFAU/geolink/internal/metrics"
	"github.com/JakeFAU/geolink/internal/resolver"
)

// Geolocation headers set by the edge proxy.
const (
	HeaderCountry   = "CF-IPCountry"
	HeaderLatitude  = "CF-IPLatitude"
	HeaderLongitude = "CF-IPLongitude"
)

// Geo is the visitor location derived from edge headers. Country is empty
// when unknown; coordinates are set together or not at all.
type Geo struct {
	Country   string
	Latitude  *float64
	Longitude *float64
}

// ParseGeo validates the geolocation headers. Missing headers are not an
// error; malformed ones wrap links.ErrInvalidInput.
func ParseGeo(h http.Header) (Geo, error) {
	var geo Geo

	country := strings.ToUpper(strings.TrimSpace(h.Get(HeaderCountry)))
	switch country {
	case "", "XX", "T1":
	default:
		if !isCountryCode(country) {
			return Geo{}, fmt.Errorf("country %q: %w", country, links.ErrInvalidInput)
		}
		geo.Country = country
	}

	rawLat := strings.TrimSpace(h.Get(HeaderLatitude))
	rawLon := strings.TrimSpace(h.Get(HeaderLongitude))
	if rawLat == "" && rawLon == "" {
		return geo, nil
	}
	if rawLat == "" || rawLon == "" {
		return Geo{}, fmt.Errorf("latitude and longitude must be sent together: %w", links.ErrInvalidInput)
	}
	lat, err := parseCoordinate(rawLat, 90)
	if err != nil {
		return Geo{}, fmt.Errorf("latitude: %w", err)
	}
	lon, err := parseCoordinate(rawLon, 180)
	if err != nil {
		return Geo{}, fmt.Errorf("longitude: %w", err)
	}
	geo.Latitude = &lat
	geo.Longitude = &lon
	return geo, nil
}

func isCountryCode(s string) bool {
	if len(s) != 2 {
		return false
	}
	for i := 0; i < len(s); i++ {
		if s[i] < 'A' || s[i] > 'Z' {
			return false
		}
	}
	return true
}

func parseCoordinate(raw string, limit float64) (float64, error) {
	v, err := strconv.ParseFloat(raw, 64)
	if err != nil {
		return 0, fmt.Errorf("%q is not a number: %w", raw, links.ErrInvalidInput)
	}
	if math.IsNaN(v) || v < -limit || v > limit {
		return 0, fmt.Errorf("%q out of range: %w", raw, links.ErrInvalidInput)
	}
	return v, nil
}

func (s *Server) redirect(w http.ResponseWriter, r *http.Request) {
	linkID := chi.URLParam(r, "linkID")
	logger := s.logger.With(zap.String("link_id", linkID), zap.String("request_id", requestID(r.Context())))

	ctx, cancel := context.WithTimeout(r.Context(), s.cfg.RedirectTimeout)
	link, err := s.cfg.Resolver.Resolve(ctx, linkID)
	cancel()
	if err != nil {
		if errors.Is(err, links.ErrNotFound) {
			metrics.ObserveRedirect("not_found")
			writeText(w, http.StatusNotFound, "Destination not found")
			return
		}
		metrics.ObserveRedirect("error")
		logger.Error("resolve link", zap.Error(err))
		writeText(w, http.StatusServiceUnavailable, "Service unavailable")
		return
	}

	geo, err := ParseGeo(r.Header)
	if err != nil {
		metrics.ObserveRedirect("invalid_geo")
		logger.Debug("rejecting geolocation headers", zap.Error(err))
		writeText(w, http.StatusBadRequest, "Invalid geolocation headers")
		return
	}

	destination := resolver.SelectDestination(link.Destinations, geo.Country)
	http.Redirect(w, r, destination, http.StatusFound)
	metrics.ObserveRedirect("redirected")
	_ = http.NewResponseController(w).Flush()

	event := links.ClickEvent{
		LinkID:      link.ID,
		AccountID:   link.AccountID,
		Country:     geo.Country,
		Destination: destination,
		Latitude:    geo.Latitude,
		Longitude:   geo.Longitude,
		Timestamp:   s.cfg.Clock.Now().UTC(),
	}
	if err := s.cfg.Capturer.Capture(event); err != nil {
		logger.Debug("click not captured", zap.Error(err))
	}
}
