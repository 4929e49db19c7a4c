package api

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/coder/websocket"
	"github.com/go-chi/chi/v5"
	"github.com/coder/websocket/wsjson"
	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/geolink/internal/clock/manual"
	"github.com/JakeFAU/geolink/internal/links"
	"github.com/JakeFAU/geolink/internal/tracker"
)

type fakeResolver struct {
	links map[string]links.Link
	err   error
}

func (f *fakeResolver) Resolve(_ context.Context, linkID string) (links.Link, error) {
	if f.err != nil {
		return links.Link{}, f.err
	}
	link, ok := f.links[linkID]
	if !ok {
		return links.Link{}, links.ErrNotFound
	}
	return link, nil
}

type fakeCapturer struct {
	mu     sync.Mutex
	events []links.ClickEvent
	err    error
}

func (f *fakeCapturer) Capture(event links.ClickEvent) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.events = append(f.events, event)
	return f.err
}

func (f *fakeCapturer) captured() []links.ClickEvent {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]links.ClickEvent(nil), f.events...)
}

var testLink = links.Link{
	ID:        "abc",
	AccountID: "acct",
	Destinations: links.DestinationSet{
		"default": "https://example.com",
		"DE":      "https://example.de",
	},
}

var testNow = time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)

func newTestServer(t *testing.T, mutate func(*Config)) (*Server, *fakeCapturer) {
	t.Helper()
	capturer := &fakeCapturer{}
	cfg := Config{
		Resolver: &fakeResolver{links: map[string]links.Link{"abc": testLink}},
		Capturer: capturer,
		Clock:    manual.New(testNow),
	}
	if mutate != nil {
		mutate(&cfg)
	}
	srv, err := NewServer(cfg)
	require.NoError(t, err)
	return srv, capturer
}

func doGet(srv *Server, path string, headers map[string]string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodGet, path, nil)
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)
	return rec
}

func TestRedirectByCountryCapturesClick(t *testing.T) {
	t.Parallel()

	srv, capturer := newTestServer(t, nil)
	rec := doGet(srv, "/abc", map[string]string{
		HeaderCountry:   "de",
		HeaderLatitude:  "52.52",
		HeaderLongitude: "13.40",
	})

	require.Equal(t, http.StatusFound, rec.Code)
	require.Equal(t, "https://example.de", rec.Header().Get("Location"))
	require.NotEmpty(t, rec.Header().Get("X-Request-ID"))

	events := capturer.captured()
	require.Len(t, events, 1)
	event := events[0]
	require.Equal(t, "abc", event.LinkID)
	require.Equal(t, "acct", event.AccountID)
	require.Equal(t, "DE", event.Country)
	require.Equal(t, "https://example.de", event.Destination)
	require.True(t, event.HasGeo())
	require.InDelta(t, 52.52, *event.Latitude, 1e-9)
	require.Equal(t, testNow, event.Timestamp)
}

func TestRedirectFallsBackToDefault(t *testing.T) {
	t.Parallel()

	srv, capturer := newTestServer(t, nil)
	for _, country := range []string{"", "FR", "XX", "T1"} {
		rec := doGet(srv, "/abc", map[string]string{HeaderCountry: country})
		require.Equal(t, http.StatusFound, rec.Code, country)
		require.Equal(t, "https://example.com", rec.Header().Get("Location"), country)
	}
	events := capturer.captured()
	require.Len(t, events, 4)
	require.Equal(t, "", events[2].Country)
	require.False(t, events[0].HasGeo())
}

func TestRedirectCaptureFailureDoesNotAffectResponse(t *testing.T) {
	t.Parallel()

	srv, capturer := newTestServer(t, nil)
	capturer.err = links.ErrQueueFull
	rec := doGet(srv, "/abc", nil)
	require.Equal(t, http.StatusFound, rec.Code)
}

func TestRedirectUnknownLink(t *testing.T) {
	t.Parallel()

	srv, capturer := newTestServer(t, nil)
	rec := doGet(srv, "/missing", nil)
	require.Equal(t, http.StatusNotFound, rec.Code)
	require.Equal(t, "Destination not found", rec.Body.String())
	require.Empty(t, capturer.captured())
}

func TestRedirectInvalidGeoHeaders(t *testing.T) {
	t.Parallel()

	srv, capturer := newTestServer(t, nil)
	rec := doGet(srv, "/abc", map[string]string{HeaderCountry: "DE", HeaderLatitude: "north"})
	require.Equal(t, http.StatusBadRequest, rec.Code)
	require.Equal(t, "Invalid geolocation headers", rec.Body.String())
	require.Empty(t, capturer.captured())
}

func TestRedirectResolverFailure(t *testing.T) {
	t.Parallel()

	srv, _ := newTestServer(t, func(cfg *Config) {
		cfg.Resolver = &fakeResolver{err: errors.New("db down")}
	})
	rec := doGet(srv, "/abc", nil)
	require.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

func TestParseGeo(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		headers map[string]string
		country string
		hasGeo  bool
		wantErr bool
	}{
		{name: "none", headers: nil},
		{name: "country only", headers: map[string]string{HeaderCountry: "us"}, country: "US"},
		{name: "unknown country", headers: map[string]string{HeaderCountry: "XX"}},
		{name: "tor", headers: map[string]string{HeaderCountry: "T1"}},
		{name: "full", headers: map[string]string{HeaderCountry: "US", HeaderLatitude: "40.7", HeaderLongitude: "-74"}, country: "US", hasGeo: true},
		{name: "bad country", headers: map[string]string{HeaderCountry: "USA"}, wantErr: true},
		{name: "digits in country", headers: map[string]string{HeaderCountry: "U1"}, wantErr: true},
		{name: "lat only", headers: map[string]string{HeaderLatitude: "40.7"}, wantErr: true},
		{name: "lat out of range", headers: map[string]string{HeaderLatitude: "91", HeaderLongitude: "0"}, wantErr: true},
		{name: "lon out of range", headers: map[string]string{HeaderLatitude: "0", HeaderLongitude: "-180.5"}, wantErr: true},
		{name: "nan", headers: map[string]string{HeaderLatitude: "NaN", HeaderLongitude: "0"}, wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			h := http.Header{}
			for k, v := range tt.headers {
				h.Set(k, v)
			}
			geo, err := ParseGeo(h)
			if tt.wantErr {
				require.ErrorIs(t, err, links.ErrInvalidInput)
				return
			}
			require.NoError(t, err)
			require.Equal(t, tt.country, geo.Country)
			require.Equal(t, tt.hasGeo, geo.Latitude != nil && geo.Longitude != nil)
		})
	}
}

func TestHealthReadyMetrics(t *testing.T) {
	t.Parallel()

	srv, _ := newTestServer(t, nil)
	require.Equal(t, http.StatusOK, doGet(srv, "/healthz", nil).Code)
	require.Equal(t, http.StatusOK, doGet(srv, "/readyz", nil).Code)

	rec := doGet(srv, "/metrics", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	require.Contains(t, rec.Body.String(), "http_requests_total")

	failing, _ := newTestServer(t, func(cfg *Config) {
		cfg.Ready = map[string]ReadinessCheck{"redis": func(context.Context) error { return errors.New("down") }}
	})
	rec = doGet(failing, "/readyz", nil)
	require.Equal(t, http.StatusServiceUnavailable, rec.Code)
	require.Equal(t, "redis unavailable", rec.Body.String())
}

func TestRecoverMiddleware(t *testing.T) {
	t.Parallel()

	srv, _ := newTestServer(t, func(cfg *Config) {
		cfg.Capturer = panicCapturer{}
	})
	rec := doGet(srv, "/abc", nil)
	// The redirect was already written before capture panicked.
	require.Equal(t, http.StatusFound, rec.Code)
}

type panicCapturer struct{}

func (panicCapturer) Capture(links.ClickEvent) error { panic("boom") }

func TestClickSocketRejections(t *testing.T) {
	t.Parallel()

	srv, _ := newTestServer(t, nil)
	rec := doGet(srv, "/click-socket", map[string]string{HeaderAccountID: "acct"})
	require.Equal(t, http.StatusUpgradeRequired, rec.Code)

	rec = doGet(srv, "/click-socket", map[string]string{"Upgrade": "websocket"})
	require.Equal(t, http.StatusNotFound, rec.Code)

	rec = doGet(srv, "/click-socket", map[string]string{"Upgrade": "websocket", HeaderAccountID: "acct"})
	require.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

func TestClickSocketStreamsSnapshotThenUpdates(t *testing.T) {
	t.Parallel()

	clk := manual.New(testNow)
	trk, err := tracker.New(tracker.Config{Window: time.Minute, Retention: time.Hour, Clock: clk})
	require.NoError(t, err)
	t.Cleanup(func() { _ = trk.Close(context.Background()) })

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, trk.AddClick(ctx, "acct", links.TrackedClick{Country: "US", Latitude: 40, Longitude: -74, TimestampMillis: testNow.UnixMilli()}))

	srv, _ := newTestServer(t, func(cfg *Config) { cfg.Stream = trk })
	httpSrv := httptest.NewServer(srv.Handler())
	defer httpSrv.Close()

	url := "ws" + strings.TrimPrefix(httpSrv.URL, "http") + "/click-socket"
	conn, _, err := websocket.Dial(ctx, url, &websocket.DialOptions{
		HTTPHeader: http.Header{HeaderAccountID: {"acct"}},
	})
	require.NoError(t, err)
	defer func() { _ = conn.CloseNow() }()

	var first tracker.Update
	require.NoError(t, wsjson.Read(ctx, conn, &first))
	require.Equal(t, tracker.UpdateSnapshot, first.Type)
	require.NotNil(t, first.Snapshot)
	require.Equal(t, int64(1), first.Snapshot.Total)

	require.NoError(t, trk.AddClick(ctx, "acct", links.TrackedClick{Country: "DE", Latitude: 52, Longitude: 13, TimestampMillis: testNow.UnixMilli()}))

	var second tracker.Update
	require.NoError(t, wsjson.Read(ctx, conn, &second))
	require.Equal(t, tracker.UpdateClick, second.Type)
	require.Equal(t, "DE", second.Click.Country)

	require.NoError(t, conn.Close(websocket.StatusNormalClosure, "done"))
}

func TestNewServerValidation(t *testing.T) {
	t.Parallel()

	_, err := NewServer(Config{})
	require.Error(t, err)
	_, err = NewServer(Config{Resolver: &fakeResolver{}})
	require.Error(t, err)
	_, err = NewServer(Config{Resolver: &fakeResolver{}, Capturer: &fakeCapturer{}})
	require.Error(t, err)
}

func TestStaticRoutesAreReservedLinkIDs(t *testing.T) {
	t.Parallel()

	srv, _ := newTestServer(t, nil)
	var static []string
	err := chi.Walk(srv.router, func(_ string, route string, _ http.Handler, _ ...func(http.Handler) http.Handler) error {
		if !strings.Contains(route, "{") {
			static = append(static, strings.Trim(route, "/"))
		}
		return nil
	})
	require.NoError(t, err)
	require.NotEmpty(t, static)
	for _, id := range static {
		require.True(t, links.IsReservedID(id), "route /%s shadows a link id but is not reserved", id)
	}
}
