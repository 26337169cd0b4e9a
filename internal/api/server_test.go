package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/inkbound/novelgrab/internal/broadcast"
	"github.com/inkbound/novelgrab/internal/config"
	"github.com/inkbound/novelgrab/internal/crawl"
	"github.com/inkbound/novelgrab/internal/fetch"
	"github.com/inkbound/novelgrab/internal/netguard"
)

type fakeSubmitter struct {
	err     error
	lastURL string
	lastJob string
}

func (f *fakeSubmitter) Submit(rawURL, jobID string) error {
	f.lastURL = rawURL
	f.lastJob = jobID
	return f.err
}

type fakeBatch struct {
	results []fetch.ChapterResult
	err     error
	gotJob  string
}

func (f *fakeBatch) FetchBatch(_ context.Context, chapters []fetch.ChapterRequest, jobID, _ string) ([]fetch.ChapterResult, error) {
	f.gotJob = jobID
	if f.err != nil {
		return nil, f.err
	}
	if f.results != nil {
		return f.results, nil
	}
	out := make([]fetch.ChapterResult, len(chapters))
	for i, ch := range chapters {
		out[i] = fetch.ChapterResult{URL: ch.URL, Status: fetch.StatusSuccess}
	}
	return out, nil
}

type fakeImages struct {
	result fetch.Result
	err    error
}

func (f *fakeImages) Fetch(context.Context, string) (fetch.Result, error) {
	return f.result, f.err
}

func newTestServer(jobs JobSubmitter, batch BatchRunner, images ImageFetcher) *Server {
	if jobs == nil {
		jobs = &fakeSubmitter{}
	}
	if batch == nil {
		batch = &fakeBatch{}
	}
	if images == nil {
		images = &fakeImages{}
	}
	cfg := config.Config{
		CORS: config.CORSConfig{AllowedOrigins: []string{"*"}},
	}
	return NewServer(jobs, batch, images, broadcast.NewHub(zap.NewNop()), cfg, zap.NewNop())
}

func TestServer_NovelInfo_Queued(t *testing.T) {
	t.Parallel()

	jobs := &fakeSubmitter{}
	server := newTestServer(jobs, nil, nil)

	body := []byte(`{"url":"https://books.example/novel/1","jobId":"job-1"}`)
	req := httptest.NewRequest(http.MethodPost, "/novel-info", bytes.NewReader(body))
	rec := httptest.NewRecorder()
	server.Handler().ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	require.Contains(t, rec.Body.String(), "queued")
	require.Equal(t, "https://books.example/novel/1", jobs.lastURL)
	require.Equal(t, "job-1", jobs.lastJob)
}

func TestServer_NovelInfo_InvalidJSON(t *testing.T) {
	t.Parallel()

	server := newTestServer(nil, nil, nil)
	req := httptest.NewRequest(http.MethodPost, "/novel-info", strings.NewReader("{invalid"))
	rec := httptest.NewRecorder()
	server.Handler().ServeHTTP(rec, req)

	require.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestServer_NovelInfo_ValidationError(t *testing.T) {
	t.Parallel()

	jobs := &fakeSubmitter{err: &crawl.ValidationError{Reason: "url is required"}}
	server := newTestServer(jobs, nil, nil)

	req := httptest.NewRequest(http.MethodPost, "/novel-info", strings.NewReader(`{"jobId":"job-1"}`))
	rec := httptest.NewRecorder()
	server.Handler().ServeHTTP(rec, req)

	require.Equal(t, http.StatusBadRequest, rec.Code)
	require.Contains(t, rec.Body.String(), "url is required")
}

func TestServer_ChaptersBatch_Succeeds(t *testing.T) {
	t.Parallel()

	batch := &fakeBatch{}
	server := newTestServer(nil, batch, nil)

	body := []byte(`{"chapters":[{"title":"One","url":"https://books.example/c/1"}],"jobId":"job-9"}`)
	req := httptest.NewRequest(http.MethodPost, "/chapters-batch", bytes.NewReader(body))
	rec := httptest.NewRecorder()
	server.Handler().ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, "job-9", batch.gotJob)

	var resp struct {
		Results []fetch.ChapterResult `json:"results"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	require.Len(t, resp.Results, 1)
	require.Equal(t, fetch.StatusSuccess, resp.Results[0].Status)
}

func TestServer_ChaptersBatch_RejectsNonArray(t *testing.T) {
	t.Parallel()

	server := newTestServer(nil, nil, nil)

	for _, body := range []string{
		`{"chapters":{"title":"One"}}`,
		`{"chapters":"not a list"}`,
		`{"chapters":42}`,
		`{"chapters":null}`,
		`{}`,
	} {
		req := httptest.NewRequest(http.MethodPost, "/chapters-batch", strings.NewReader(body))
		rec := httptest.NewRecorder()
		server.Handler().ServeHTTP(rec, req)
		require.Equalf(t, http.StatusBadRequest, rec.Code, "body %s", body)
	}
}

func TestServer_ChaptersBatch_EmptyArrayIsValid(t *testing.T) {
	t.Parallel()

	server := newTestServer(nil, nil, nil)
	req := httptest.NewRequest(http.MethodPost, "/chapters-batch", strings.NewReader(`{"chapters":[]}`))
	rec := httptest.NewRecorder()
	server.Handler().ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
}

func TestServer_ChaptersBatch_SystemicFailure(t *testing.T) {
	t.Parallel()

	batch := &fakeBatch{err: errors.New("worker pool unavailable")}
	server := newTestServer(nil, batch, nil)

	req := httptest.NewRequest(http.MethodPost, "/chapters-batch", strings.NewReader(`{"chapters":[{"url":"https://books.example/c/1"}]}`))
	rec := httptest.NewRecorder()
	server.Handler().ServeHTTP(rec, req)

	require.Equal(t, http.StatusInternalServerError, rec.Code)
	require.Contains(t, rec.Body.String(), "worker pool unavailable")
}

func TestServer_ProxyImage_Succeeds(t *testing.T) {
	t.Parallel()

	images := &fakeImages{result: fetch.Result{
		ContentType: "image/png",
		Body:        []byte("png-bytes"),
	}}
	server := newTestServer(nil, nil, images)

	req := httptest.NewRequest(http.MethodGet, "/proxy-image?url=https%3A%2F%2Fbooks.example%2Fcover.png", nil)
	rec := httptest.NewRecorder()
	server.Handler().ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, "image/png", rec.Header().Get("Content-Type"))
	require.Equal(t, "png-bytes", rec.Body.String())
}

func TestServer_ProxyImage_ErrorMapping(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		err  error
		want int
	}{
		{
			name: "missing url",
			err:  nil,
			want: http.StatusBadRequest,
		},
		{
			name: "validation failure",
			err:  &fetch.ValidationError{Reason: "unsupported scheme"},
			want: http.StatusBadRequest,
		},
		{
			name: "unsafe target",
			err:  &netguard.UnsafeTargetError{Host: "internal.example", Addr: "10.0.0.5"},
			want: http.StatusForbidden,
		},
		{
			name: "payload too large",
			err:  &fetch.PayloadTooLargeError{Limit: 10 << 20},
			want: http.StatusRequestEntityTooLarge,
		},
		{
			name: "network failure",
			err:  &fetch.NetworkError{URL: "https://books.example/x.png", Err: errors.New("refused")},
			want: http.StatusInternalServerError,
		},
		{
			name: "too many redirects",
			err:  &fetch.TooManyRedirectsError{Redirects: 6},
			want: http.StatusInternalServerError,
		},
	}

	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			server := newTestServer(nil, nil, &fakeImages{err: tt.err})
			target := "/proxy-image?url=https%3A%2F%2Fbooks.example%2Fcover.png"
			if tt.name == "missing url" {
				target = "/proxy-image"
			}
			req := httptest.NewRequest(http.MethodGet, target, nil)
			rec := httptest.NewRecorder()
			server.Handler().ServeHTTP(rec, req)
			require.Equal(t, tt.want, rec.Code)
		})
	}
}

func TestServer_EventsEndpointUpgrades(t *testing.T) {
	t.Parallel()

	hub := broadcast.NewHub(zap.NewNop())
	cfg := config.Config{CORS: config.CORSConfig{AllowedOrigins: []string{"*"}}}
	server := NewServer(&fakeSubmitter{}, &fakeBatch{}, &fakeImages{}, hub, cfg, zap.NewNop())

	srv := httptest.NewServer(server.Handler())
	defer srv.Close()

	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http") + "/events"
	conn, resp, err := websocket.DefaultDialer.Dial(wsURL, nil)
	require.NoError(t, err)
	defer conn.Close()
	defer resp.Body.Close()

	require.NoError(t, conn.WriteJSON(map[string]string{"action": "subscribe", "job_id": "job-42"}))
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))

	var ack map[string]any
	require.NoError(t, conn.ReadJSON(&ack))
	require.Equal(t, "subscribed", ack["event"])

	hub.Publish("job-42", "status", map[string]string{"status": "running"})
	var ev map[string]any
	require.NoError(t, conn.ReadJSON(&ev))
	require.Equal(t, "status", ev["event"])
	require.Equal(t, "job-42", ev["job_id"])
}

func TestServer_Healthz(t *testing.T) {
	t.Parallel()

	server := newTestServer(nil, nil, nil)
	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	rec := httptest.NewRecorder()
	server.Handler().ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	require.Contains(t, rec.Body.String(), "ok")
}
