package app

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/raphaelgruber/igsnharvest/internal/config"
	"github.com/raphaelgruber/igsnharvest/internal/sqlstore"
	"github.com/raphaelgruber/igsnharvest/internal/store"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var discard = slog.New(slog.NewTextHandler(io.Discard, nil))

const identifyXML = `<?xml version="1.0" encoding="UTF-8"?>
<OAI-PMH xmlns="http://www.openarchives.org/OAI/2.0/"><responseDate>2021-01-01T00:00:00Z</responseDate>
<Identify><repositoryName>Test Samples</repositoryName><baseURL>%s</baseURL><protocolVersion>2.0</protocolVersion>
<adminEmail>admin@example.org</adminEmail><earliestDatestamp>2019-06-01T00:00:00Z</earliestDatestamp>
<deletedRecord>persistent</deletedRecord><granularity>YYYY-MM-DDThh:mm:ssZ</granularity></Identify></OAI-PMH>`

func TestNewWiresCredentialsAndMetrics(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		user, pass, ok := r.BasicAuth()
		if !ok || user != "harvester" || pass != "secret" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		fmt.Fprintf(w, identifyXML, "http://"+r.Host)
	}))
	t.Cleanup(srv.Close)

	credsPath := filepath.Join(t.TempDir(), "creds.yaml")
	require.NoError(t, os.WriteFile(credsPath, []byte(fmt.Sprintf(`
providers:
  %s:
    username: harvester
    password: secret
`, srv.URL)), 0o600))

	ctx := context.Background()
	a, err := New(ctx, config.Config{
		Backend:           config.BackendMemory,
		CredentialsFile:   credsPath,
		RequestsPerSecond: -1,
		MaxRetries:        -1,
	}, nil, discard)
	require.NoError(t, err)
	t.Cleanup(func() { a.Close(ctx) })

	svc, err := a.Registry.AddService(ctx, srv.URL)
	require.NoError(t, err)
	assert.Equal(t, "Test Samples", svc.Name)
	require.NotNil(t, svc.EarliestDatestamp)
	assert.Equal(t, 2019, svc.EarliestDatestamp.Year())

	assert.Equal(t, 1.0, testutil.ToFloat64(a.Metrics.RequestsTotal.WithLabelValues("Identify", "ok")))
}

func TestOpenStore(t *testing.T) {
	ctx := context.Background()

	st, err := OpenStore(ctx, config.Config{Backend: config.BackendMemory}, discard)
	require.NoError(t, err)
	assert.IsType(t, &store.MemoryStore{}, st)

	st, err = OpenStore(ctx, config.Config{
		Backend:    config.BackendSQLite,
		SQLitePath: filepath.Join(t.TempDir(), "igsnh.db"),
	}, discard)
	require.NoError(t, err)
	assert.IsType(t, &sqlstore.Store{}, st)
	require.NoError(t, st.Close(ctx))

	_, err = OpenStore(ctx, config.Config{Backend: "mongo"}, discard)
	assert.ErrorContains(t, err, `unknown backend "mongo"`)
}

func TestNewRejectsMissingCredentialsFile(t *testing.T) {
	_, err := New(context.Background(), config.Config{
		Backend:         config.BackendMemory,
		CredentialsFile: filepath.Join(t.TempDir(), "nope.yaml"),
	}, nil, discard)
	assert.Error(t, err)
}
