package remote

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/geolink/internal/links"
)

func TestClassifySendsModelAndBearer(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "Bearer secret", r.Header.Get("Authorization"))
		var body request
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		assert.Equal(t, "small", body.Model)
		assert.Equal(t, "Spring sale", body.Text)
		_, _ = w.Write([]byte(`{"status":"live","reason":"storefront"}`))
	}))
	defer srv.Close()

	classifier, err := New(Config{Endpoint: srv.URL, APIKey: "secret", Model: "small"}, srv.Client())
	require.NoError(t, err)
	got, err := classifier.Classify(context.Background(), "Spring sale")
	require.NoError(t, err)
	require.Equal(t, links.Classification{Status: "live", Reason: "storefront"}, got)
}

func TestClassifyWithoutKeyOmitsAuthorization(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Empty(t, r.Header.Get("Authorization"))
		_, _ = w.Write([]byte(`{"status":"unavailable","reason":"404"}`))
	}))
	defer srv.Close()

	classifier, err := New(Config{Endpoint: srv.URL}, nil)
	require.NoError(t, err)
	got, err := classifier.Classify(context.Background(), "gone")
	require.NoError(t, err)
	require.Equal(t, "unavailable", got.Status)
}

func TestClassifyErrors(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		status  int
		body    string
		wantErr string
	}{
		{name: "server error", status: http.StatusBadGateway, body: "upstream down", wantErr: "classifier returned 502: upstream down"},
		{name: "missing status", status: http.StatusOK, body: `{"reason":"?"}`, wantErr: "missing status"},
		{name: "bad json", status: http.StatusOK, body: `{`, wantErr: "decode classify response"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
				w.WriteHeader(tt.status)
				_, _ = w.Write([]byte(tt.body))
			}))
			defer srv.Close()

			classifier, err := New(Config{Endpoint: srv.URL}, nil)
			require.NoError(t, err)
			_, err = classifier.Classify(context.Background(), "text")
			require.ErrorContains(t, err, tt.wantErr)
		})
	}
}

func TestClassifyTimeout(t *testing.T) {
	t.Parallel()

	block := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(_ http.ResponseWriter, _ *http.Request) {
		<-block
	}))
	defer srv.Close()
	defer close(block)

	classifier, err := New(Config{Endpoint: srv.URL, Timeout: 20 * time.Millisecond}, nil)
	require.NoError(t, err)
	_, err = classifier.Classify(context.Background(), "text")
	require.Error(t, err)
}

func TestNewRequiresEndpoint(t *testing.T) {
	t.Parallel()

	_, err := New(Config{}, nil)
	require.Error(t, err)
}
