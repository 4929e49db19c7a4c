// Package remote classifies destination pages through an HTTP model endpoint.
package remote

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"golang.org/x/oauth2"

	"github.com/JakeFAU/geolink/internal/links"
)

const (
	defaultTimeout  = 30 * time.Second
	maxErrorPreview = 512
)

// Config describes the classification endpoint.
type Config struct {
	Endpoint string
	APIKey   string
	Model    string
	Timeout  time.Duration
}

// Classifier implements links.Classifier against a JSON endpoint.
type Classifier struct {
	cfg    Config
	client *http.Client
}

type request struct {
	Model string `json:"model,omitempty"`
	Text  string `json:"text"`
}

type response struct {
	Status string `json:"status"`
	Reason string `json:"reason"`
}

// New builds a classifier. A nil client uses a fresh http.Client. When an API
// key is set the client sends it as a bearer token.
func New(cfg Config, client *http.Client) (*Classifier, error) {
	if strings.TrimSpace(cfg.Endpoint) == "" {
		return nil, errors.New("classifier endpoint is required")
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = defaultTimeout
	}
	if client == nil {
		client = &http.Client{}
	} else {
		copied := *client
		client = &copied
	}
	if cfg.APIKey != "" {
		ctx := context.WithValue(context.Background(), oauth2.HTTPClient, client)
		client = oauth2.NewClient(ctx, oauth2.StaticTokenSource(&oauth2.Token{AccessToken: cfg.APIKey}))
	}
	client.Timeout = cfg.Timeout
	return &Classifier{cfg: cfg, client: client}, nil
}

// Classify posts the text and decodes the verdict. Non-2xx responses and
// verdicts without a status are errors.
func (c *Classifier) Classify(ctx context.Context, text string) (links.Classification, error) {
	payload, err := json.Marshal(request{Model: c.cfg.Model, Text: text})
	if err != nil {
		return links.Classification{}, fmt.Errorf("encode classify request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.cfg.Endpoint, bytes.NewReader(payload))
	if err != nil {
		return links.Classification{}, fmt.Errorf("build classify request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")

	resp, err := c.client.Do(req)
	if err != nil {
		return links.Classification{}, fmt.Errorf("call classifier: %w", err)
	}
	defer func() {
		_ = resp.Body.Close()
	}()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		preview, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorPreview))
		return links.Classification{}, fmt.Errorf("classifier returned %d: %s", resp.StatusCode, strings.TrimSpace(string(preview)))
	}

	var out response
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return links.Classification{}, fmt.Errorf("decode classify response: %w", err)
	}
	if strings.TrimSpace(out.Status) == "" {
		return links.Classification{}, errors.New("classifier response missing status")
	}
	return links.Classification{Status: out.Status, Reason: out.Reason}, nil
}
