package api

import (
	"bytes"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/stavrobot/coder/internal/observability"
	"github.com/stavrobot/coder/pkg/types"
)

type fakeSubmitter struct {
	mu    sync.Mutex
	tasks []*types.Task
	err   error
}

func (f *fakeSubmitter) Submit(task *types.Task) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return f.err
	}
	f.tasks = append(f.tasks, task)
	return nil
}

func (f *fakeSubmitter) submitted() []*types.Task {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]*types.Task(nil), f.tasks...)
}

func newTestRouter(t *testing.T) (*Router, *fakeSubmitter) {
	t.Helper()

	pluginsRoot := t.TempDir()
	require.NoError(t, os.Mkdir(filepath.Join(pluginsRoot, "weather"), 0o755))

	submitter := &fakeSubmitter{}
	router := NewRouter(pluginsRoot, submitter, observability.NewNopLogger())
	return router, submitter
}

func performRequest(handler http.Handler, method, path string, body []byte) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, path, bytes.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	handler.ServeHTTP(w, req)
	return w
}

func decodeBody(t *testing.T, w *httptest.ResponseRecorder) map[string]string {
	t.Helper()

	var out map[string]string
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &out))
	return out
}

func codeBody(t *testing.T, taskID, message, plugin string) []byte {
	t.Helper()

	body, err := json.Marshal(map[string]string{
		"taskId":  taskID,
		"message": message,
		"plugin":  plugin,
	})
	require.NoError(t, err)
	return body
}

func TestHealth(t *testing.T) {
	router, _ := newTestRouter(t)

	w := performRequest(router.Handler(), http.MethodGet, "/health", nil)

	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, map[string]string{"status": "ok"}, decodeBody(t, w))
}

func TestSubmitCode_Accepted(t *testing.T) {
	router, submitter := newTestRouter(t)

	w := performRequest(router.Handler(), http.MethodPost, "/code",
		codeBody(t, "task-1", "add a forecast tool", "weather"))

	assert.Equal(t, http.StatusAccepted, w.Code)
	assert.Equal(t, map[string]string{"taskId": "task-1"}, decodeBody(t, w))

	tasks := submitter.submitted()
	require.Len(t, tasks, 1)
	assert.Equal(t, "task-1", tasks[0].ID)
	assert.Equal(t, "weather", tasks[0].Plugin)
	assert.Equal(t, "add a forecast tool", tasks[0].Message)
}

func TestSubmitCode_InvalidPluginName(t *testing.T) {
	router, submitter := newTestRouter(t)

	for _, plugin := range []string{"Weather", "has_underscore", "../escape", "a b"} {
		w := performRequest(router.Handler(), http.MethodPost, "/code",
			codeBody(t, "task-1", "hi", plugin))

		assert.Equal(t, http.StatusBadRequest, w.Code, plugin)
		assert.Contains(t, decodeBody(t, w)["error"], "Invalid plugin name", plugin)
	}

	assert.Empty(t, submitter.submitted())
}

func TestSubmitCode_PluginDirectoryMissing(t *testing.T) {
	router, submitter := newTestRouter(t)

	w := performRequest(router.Handler(), http.MethodPost, "/code",
		codeBody(t, "task-1", "hi", "ghost"))

	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Contains(t, decodeBody(t, w)["error"], "Plugin directory not found")
	assert.Empty(t, submitter.submitted())
}

func TestSubmitCode_MalformedJSON(t *testing.T) {
	router, submitter := newTestRouter(t)

	w := performRequest(router.Handler(), http.MethodPost, "/code", []byte("{not json"))

	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Empty(t, submitter.submitted())
}

func TestSubmitCode_MissingFields(t *testing.T) {
	router, submitter := newTestRouter(t)

	cases := []map[string]string{
		{"message": "hi", "plugin": "weather"},
		{"taskId": "task-1", "plugin": "weather"},
		{"taskId": "task-1", "message": "hi"},
		{"taskId": "task-1", "message": "", "plugin": "weather"},
	}
	for i, payload := range cases {
		body, err := json.Marshal(payload)
		require.NoError(t, err)

		w := performRequest(router.Handler(), http.MethodPost, "/code", body)
		assert.Equal(t, http.StatusBadRequest, w.Code, "case %d", i)
	}

	assert.Empty(t, submitter.submitted())
}

func TestSubmitCode_RunnerClosed(t *testing.T) {
	router, submitter := newTestRouter(t)
	submitter.err = errors.New("runner is shutting down")

	w := performRequest(router.Handler(), http.MethodPost, "/code",
		codeBody(t, "task-1", "hi", "weather"))

	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
}

func TestUnknownPath(t *testing.T) {
	router, _ := newTestRouter(t)

	w := performRequest(router.Handler(), http.MethodGet, "/nope", nil)

	assert.Equal(t, http.StatusNotFound, w.Code)
	assert.Equal(t, map[string]string{"error": "not found"}, decodeBody(t, w))
}

func TestUnknownMethod(t *testing.T) {
	router, _ := newTestRouter(t)

	w := performRequest(router.Handler(), http.MethodGet, "/code", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)

	w = performRequest(router.Handler(), http.MethodPost, "/health", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
}
