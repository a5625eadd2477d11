package reporter

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/stavrobot/coder/internal/observability"
	"github.com/stavrobot/coder/pkg/types"
)

func newTestReporter(url string) *Reporter {
	return New(types.ReporterConfig{
		ChatURL:        url,
		TimeoutSeconds: 5,
	}, observability.NewNopLogger(), nil)
}

func TestDeliver_PostsChatPayload(t *testing.T) {
	var (
		gotBody        []byte
		gotContentType string
		gotMethod      string
	)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotMethod = r.Method
		gotContentType = r.Header.Get("Content-Type")
		gotBody, _ = io.ReadAll(r.Body)
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	r := newTestReporter(srv.URL)
	require.NoError(t, r.Deliver(context.Background(), "done, see the new tool"))

	assert.Equal(t, http.MethodPost, gotMethod)
	assert.Equal(t, "application/json", gotContentType)

	var decoded map[string]string
	require.NoError(t, json.Unmarshal(gotBody, &decoded))
	assert.Equal(t, map[string]string{
		"message": "done, see the new tool",
		"source":  "coder",
		"sender":  "coder-agent",
	}, decoded)
}

func TestDeliver_RejectedStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	err := newTestReporter(srv.URL).Deliver(context.Background(), "msg")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "502")
}

func TestDeliver_UpstreamUnreachable(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	srv.Close()

	err := newTestReporter(srv.URL).Deliver(context.Background(), "msg")
	assert.Error(t, err)
}

func TestDeliver_ContextCanceled(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := newTestReporter(srv.URL).Deliver(ctx, "msg")
	assert.Error(t, err)
}
