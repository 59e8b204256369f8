package server

import (
	"context"
	"net"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/ajitpratap0/crmsync/internal/pipeline"
	"github.com/ajitpratap0/crmsync/pkg/errors"
	"github.com/ajitpratap0/crmsync/pkg/jobs"
)

type fakeRunner struct {
	mu      sync.Mutex
	tracker *jobs.Tracker
	active  string
	starts  []pipeline.RunOptions
	err     error
}

func (f *fakeRunner) Start(_ context.Context, opts pipeline.RunOptions) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return "", f.err
	}
	if f.active != "" {
		return f.active, errors.New(errors.ErrorTypeConflict, "a sync run is already in progress")
	}
	f.starts = append(f.starts, opts)
	f.active = f.tracker.Create()
	return f.active, nil
}

func (f *fakeRunner) ActiveJob() (string, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.active, f.active != ""
}

func (f *fakeRunner) finish() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.tracker.Finish(f.active, false)
	f.active = ""
}

func (f *fakeRunner) startCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.starts)
}

func newTestServer(t *testing.T, basePath string) (*Server, *fakeRunner) {
	runner := &fakeRunner{tracker: jobs.NewTracker(time.Hour, 16)}
	s := New(Config{BasePath: basePath, EnableMetrics: true}, runner, runner.tracker, zaptest.NewLogger(t))
	return s, runner
}

func get(t *testing.T, h http.Handler, target string) *httptest.ResponseRecorder {
	t.Helper()
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, target, nil))
	return rec
}

func TestSyncRedirectsToProgress(t *testing.T) {
	s, runner := newTestServer(t, "/apos/salesforce")

	rec := get(t, s.Handler(), "/apos/salesforce/sync")
	require.Equal(t, http.StatusSeeOther, rec.Code)
	jobID, _ := runner.ActiveJob()
	assert.Equal(t, "/apos/salesforce/progress?jobId="+jobID, rec.Header().Get("Location"))
	assert.False(t, runner.starts[0].Resync)
	assert.NotEmpty(t, rec.Header().Get("X-Request-ID"))

	rec = get(t, s.Handler(), "/apos/salesforce/progress?jobId="+jobID)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"jobId":"`+jobID+`","finished":false,"error":false}`, rec.Body.String())

	runner.finish()
	rec = get(t, s.Handler(), "/apos/salesforce/progress?jobId="+jobID)
	assert.JSONEq(t, `{"jobId":"`+jobID+`","finished":true,"error":false}`, rec.Body.String())
}

func TestSyncResync(t *testing.T) {
	s, runner := newTestServer(t, "")

	rec := get(t, s.Handler(), "/sync?resync=1")
	require.Equal(t, http.StatusSeeOther, rec.Code)
	assert.True(t, runner.starts[0].Resync)
}

func TestSyncWhileRunning(t *testing.T) {
	s, runner := newTestServer(t, "")

	first := get(t, s.Handler(), "/sync")
	second := get(t, s.Handler(), "/sync")

	assert.Equal(t, http.StatusSeeOther, second.Code)
	assert.Equal(t, first.Header().Get("Location"), second.Header().Get("Location"))
	assert.Equal(t, 1, runner.startCount())
}

func TestSyncStartFailure(t *testing.T) {
	s, runner := newTestServer(t, "")
	runner.err = errors.New(errors.ErrorTypeInternal, "boom")

	rec := get(t, s.Handler(), "/sync")
	assert.Equal(t, http.StatusInternalServerError, rec.Code)
}

func TestProgress(t *testing.T) {
	s, _ := newTestServer(t, "")

	tests := []struct {
		name   string
		target string
		code   int
		body   string
	}{
		{"unknown job", "/progress?jobId=nope", http.StatusNotFound, `{"error":"job not found"}`},
		{"missing job id", "/progress", http.StatusBadRequest, `{"error":"jobId is required"}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := get(t, s.Handler(), tt.target)
			assert.Equal(t, tt.code, rec.Code)
			assert.JSONEq(t, tt.body, rec.Body.String())
		})
	}
}

func TestHealthAndMetrics(t *testing.T) {
	s, runner := newTestServer(t, "/crm")

	rec := get(t, s.Handler(), "/health")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"status":"ok"}`, rec.Body.String())

	get(t, s.Handler(), "/crm/sync")
	id, _ := runner.ActiveJob()
	rec = get(t, s.Handler(), "/health")
	assert.JSONEq(t, `{"status":"ok","activeJob":"`+id+`"}`, rec.Body.String())

	rec = get(t, s.Handler(), "/metrics")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "crmsync_http_requests_total")
}

func TestRoutesRespectBasePath(t *testing.T) {
	s, _ := newTestServer(t, "/crm")
	assert.Equal(t, http.StatusNotFound, get(t, s.Handler(), "/sync").Code)
}

func TestServeShutsDownOnCancel(t *testing.T) {
	s, _ := newTestServer(t, "")
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.Serve(ctx, ln) }()

	require.Eventually(t, func() bool {
		resp, err := http.Get("http://" + ln.Addr().String() + "/health")
		if err != nil {
			return false
		}
		resp.Body.Close()
		return resp.StatusCode == http.StatusOK
	}, 2*time.Second, 10*time.Millisecond)

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("server did not shut down")
	}
}
