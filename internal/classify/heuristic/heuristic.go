// Package heuristic classifies destination pages with keyword rules.
package heuristic

import (
	"context"
	"strings"

	"github.com/JakeFAU/geolink/internal/links"
)

// DefaultMinChars is the shortest body text treated as a real page.
const DefaultMinChars = 40

type rule struct {
	marker string
	reason string
}

var unavailableMarkers = []rule{
	{"page not found", "page reports not found"},
	{"404 not found", "page reports not found"},
	{"this page could not be found", "page reports not found"},
	{"no longer available", "content no longer available"},
	{"has been removed", "content removed"},
	{"out of stock", "product out of stock"},
	{"sold out", "product sold out"},
	{"currently unavailable", "product unavailable"},
	{"domain is for sale", "domain parked"},
	{"this domain may be for sale", "domain parked"},
	{"account suspended", "hosting account suspended"},
	{"502 bad gateway", "upstream error"},
	{"503 service unavailable", "upstream error"},
	{"internal server error", "upstream error"},
}

var challengeMarkers = []rule{
	{"verify you are human", "bot challenge"},
	{"checking your browser", "bot challenge"},
	{"enable javascript", "requires javascript"},
	{"access denied", "access denied"},
}

// Classifier implements links.Classifier with a fixed rule set.
type Classifier struct {
	MinChars int
}

// New creates a classifier. minChars <= 0 selects DefaultMinChars.
func New(minChars int) *Classifier {
	if minChars <= 0 {
		minChars = DefaultMinChars
	}
	return &Classifier{MinChars: minChars}
}

// Classify never fails; text it cannot judge is reported as unknown.
func (c *Classifier) Classify(_ context.Context, text string) (links.Classification, error) {
	lower := strings.ToLower(strings.Join(strings.Fields(text), " "))
	if lower == "" {
		return links.Classification{Status: links.StatusUnknown, Reason: "empty page"}, nil
	}
	if r, ok := match(lower, unavailableMarkers); ok {
		return links.Classification{Status: links.StatusUnavailable, Reason: r.reason}, nil
	}
	if r, ok := match(lower, challengeMarkers); ok {
		return links.Classification{Status: links.StatusUnknown, Reason: r.reason}, nil
	}
	if len(lower) < c.MinChars {
		return links.Classification{Status: links.StatusUnknown, Reason: "too little text"}, nil
	}
	return links.Classification{Status: links.StatusLive, Reason: "no unavailability markers"}, nil
}

func match(text string, rules []rule) (rule, bool) {
	for _, r := range rules {
		if strings.Contains(text, r.marker) {
			return r, true
		}
	}
	return rule{}, false
}
