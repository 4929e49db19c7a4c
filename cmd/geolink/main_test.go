package main

import (
	"bytes"
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/geolink/internal/config"
	"github.com/JakeFAU/geolink/internal/links"
)

type fakeApp struct {
	served    bool
	consumed  bool
	closed    bool
	evaluated links.EvaluationRequest
}

func (f *fakeApp) Serve(context.Context) error   { f.served = true; return nil }
func (f *fakeApp) Consume(context.Context) error { f.consumed = true; return nil }
func (f *fakeApp) Close(context.Context) error   { f.closed = true; return nil }

func (f *fakeApp) Evaluate(_ context.Context, req links.EvaluationRequest) (links.Evaluation, error) {
	f.evaluated = req
	return links.Evaluation{ID: "eval-1", Status: links.StatusLive}, nil
}

// These tests swap package-level factories, so they do not run in parallel.
func withFakeApp(t *testing.T) *fakeApp {
	t.Helper()
	fake := &fakeApp{}
	orig := newApp
	newApp = func(context.Context, *config.Config) (App, error) { return fake, nil }
	t.Cleanup(func() { newApp = orig })
	return fake
}

func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()
	cmd := newRootCmd()
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetErr(&out)
	cmd.SetArgs(args)
	err := cmd.ExecuteContext(context.Background())
	return out.String(), err
}

func TestServeRunsAndClosesApp(t *testing.T) {
	fake := withFakeApp(t)
	_, err := execute(t, "serve")
	require.NoError(t, err)
	assert.True(t, fake.served)
	assert.True(t, fake.closed)
}

func TestConsumeRunsApp(t *testing.T) {
	fake := withFakeApp(t)
	_, err := execute(t, "consume")
	require.NoError(t, err)
	assert.True(t, fake.consumed)
}

func TestEvaluatePrintsID(t *testing.T) {
	fake := withFakeApp(t)
	out, err := execute(t, "evaluate", "--link-id", "abc", "--account-id", "acct", "--url", "https://example.com")
	require.NoError(t, err)
	assert.Equal(t, "eval-1\n", out)
	assert.Equal(t, links.EvaluationRequest{LinkID: "abc", AccountID: "acct", DestinationURL: "https://example.com"}, fake.evaluated)
}

func TestEvaluateRequiresFlags(t *testing.T) {
	withFakeApp(t)
	_, err := execute(t, "evaluate", "--link-id", "abc")
	require.Error(t, err)
}

func TestMigrateSkipsAppAndRequiresDSN(t *testing.T) {
	orig := newApp
	newApp = func(context.Context, *config.Config) (App, error) {
		t.Fatal("migrate must not build the app")
		return nil, nil
	}
	t.Cleanup(func() { newApp = orig })

	_, err := execute(t, "migrate")
	require.ErrorContains(t, err, "database.dsn")

	var gotDSN string
	origMigrate := runMigrations
	runMigrations = func(_ context.Context, cfg *config.Config) error {
		gotDSN = cfg.Database.DSN
		return nil
	}
	t.Cleanup(func() { runMigrations = origMigrate })
	t.Setenv("GEOLINK_DATABASE_DSN", "postgres://localhost/geolink")

	out, err := execute(t, "migrate")
	require.NoError(t, err)
	assert.Equal(t, "schema applied\n", out)
	assert.Equal(t, "postgres://localhost/geolink", gotDSN)
}
