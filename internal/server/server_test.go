package server

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/huyhandes/aurcache/internal/aur"
	"github.com/huyhandes/aurcache/internal/cache"
	"github.com/huyhandes/aurcache/internal/config"
	"github.com/huyhandes/aurcache/internal/planner"
)

// upstream is an in-memory stand-in for the AUR.
type upstream struct {
	mu       sync.Mutex
	packages map[string]aur.Record
	searches map[string][]string
	err      error
	calls    int
}

func (u *upstream) URILength(req aur.Request) int {
	return len("https://aur.example/rpc?" + req.Query())
}

func (u *upstream) Call(_ context.Context, req aur.Request) ([]aur.Record, error) {
	u.mu.Lock()
	defer u.mu.Unlock()
	u.calls++
	if u.err != nil {
		return nil, u.err
	}

	var out []aur.Record
	if req.Kind == aur.KindSearch {
		for _, name := range u.searches[string(req.By)+":"+req.Args[0]] {
			r := u.packages[name]
			r.Depends = nil
			out = append(out, r)
		}
		return out, nil
	}
	for _, name := range req.Args {
		if r, ok := u.packages[name]; ok {
			r.Full = true
			out = append(out, r)
		}
	}
	return out, nil
}

func (u *upstream) callCount() int {
	u.mu.Lock()
	defer u.mu.Unlock()
	return u.calls
}

func newUpstream() *upstream {
	u := &upstream{
		packages: make(map[string]aur.Record),
		searches: map[string][]string{
			"name-desc:yay": {"yay", "yay-bin"},
			"name:yay":      {"yay"},
			"maintainer:":   {"lonely"},
		},
	}
	for _, name := range []string{"yay", "yay-bin", "lonely"} {
		u.packages[name] = aur.Record{
			Name:        name,
			PackageBase: name,
			Version:     "1.0-1",
			Depends:     []string{"pacman"},
		}
	}
	return u
}

func testConfig() *config.Config {
	return &config.Config{
		RPCURL:       "https://aur.example/rpc",
		CacheBackend: config.BackendMemory,
		TTL:          15 * time.Minute,
		MaxURILength: 8000,
		MaxArgs:      250,
		LogLevel:     "INFO",
	}
}

func newTestServer(t *testing.T) (*Server, *upstream) {
	t.Helper()
	up := newUpstream()
	cfg := testConfig()
	records := cache.New(cache.NewMemoryStore(), cache.Options{TTL: cfg.TTL})
	p := planner.New(up, records, planner.OptionsFromConfig(cfg))
	return New(cfg, p), up
}

func doRequest(s *Server, method, target string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, target, nil)
	w := httptest.NewRecorder()
	s.Router().ServeHTTP(w, req)
	return w
}

func decode(t *testing.T, w *httptest.ResponseRecorder) rpcResponse {
	t.Helper()
	var resp rpcResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp), w.Body.String())
	return resp
}

func resultNames(resp rpcResponse) []string {
	names := make([]string, len(resp.Results))
	for i, r := range resp.Results {
		names[i] = r.Name
	}
	return names
}

func TestServer_Info(t *testing.T) {
	s, up := newTestServer(t)

	for _, path := range []string{"/rpc", "/rpc.php", "/rpc/"} {
		t.Run(path, func(t *testing.T) {
			w := doRequest(s, http.MethodGet, path+"?v=5&type=info&arg[]=yay&arg[]=missing&arg[]=lonely")
			require.Equal(t, http.StatusOK, w.Code)
			assert.Contains(t, w.Header().Get("Content-Type"), "application/json")

			resp := decode(t, w)
			assert.Equal(t, 5, resp.Version)
			assert.Equal(t, "multiinfo", resp.Type)
			assert.Equal(t, 2, resp.ResultCount)
			assert.Equal(t, []string{"yay", "lonely"}, resultNames(resp))
			assert.Equal(t, []string{"pacman"}, resp.Results[0].Depends)
		})
	}

	assert.Equal(t, 1, up.callCount(), "repeat requests are served from cache")
}

func TestServer_MultiinfoAlias(t *testing.T) {
	s, _ := newTestServer(t)
	w := doRequest(s, http.MethodGet, "/rpc?v=5&type=multiinfo&arg[]=yay")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "multiinfo", decode(t, w).Type)
}

func TestServer_Search(t *testing.T) {
	s, up := newTestServer(t)

	w := doRequest(s, http.MethodGet, "/rpc?v=5&type=search&arg=yay")
	require.Equal(t, http.StatusOK, w.Code)
	resp := decode(t, w)
	assert.Equal(t, "search", resp.Type)
	assert.Equal(t, []string{"yay", "yay-bin"}, resultNames(resp))
	assert.Empty(t, resp.Results[0].Depends, "search results are brief")

	w = doRequest(s, http.MethodGet, "/rpc?v=5&type=search&by=name&arg=yay")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, []string{"yay"}, resultNames(decode(t, w)))

	w = doRequest(s, http.MethodGet, "/rpc?v=5&type=search&arg=yay")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, 2, up.callCount())

	w = doRequest(s, http.MethodGet, "/rpc?v=5&type=search&arg=yay&refresh=1")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, 3, up.callCount())
}

func TestServer_SearchFull(t *testing.T) {
	s, _ := newTestServer(t)
	w := doRequest(s, http.MethodGet, "/rpc?v=5&type=search&arg=yay&full=1")
	require.Equal(t, http.StatusOK, w.Code)
	resp := decode(t, w)
	assert.Equal(t, []string{"yay", "yay-bin"}, resultNames(resp))
	assert.Equal(t, []string{"pacman"}, resp.Results[1].Depends)
}

func TestServer_MSearchOrphans(t *testing.T) {
	s, _ := newTestServer(t)

	for _, target := range []string{
		"/rpc?v=5&type=msearch&arg=",
		"/rpc?v=5&type=msearch",
		"/rpc?v=5&type=search&by=maintainer",
	} {
		w := doRequest(s, http.MethodGet, target)
		require.Equal(t, http.StatusOK, w.Code, target)
		assert.Equal(t, []string{"lonely"}, resultNames(decode(t, w)), target)
	}
}

func TestServer_BadRequests(t *testing.T) {
	s, up := newTestServer(t)

	tests := []struct {
		target string
		want   string
	}{
		{"/rpc?type=info&arg[]=yay", "Please specify an API version."},
		{"/rpc?v=4&type=info&arg[]=yay", "Invalid version specified."},
		{"/rpc?v=5", "No request type/data specified."},
		{"/rpc?v=5&type=suggest&arg=y", "Incorrect request type specified."},
		{"/rpc?v=5&type=search&by=votes&arg=y", "Incorrect by field specified."},
		{"/rpc?v=5&type=search", "No request type/data specified."},
	}

	for _, tt := range tests {
		t.Run(tt.target, func(t *testing.T) {
			w := doRequest(s, http.MethodGet, tt.target)
			assert.Equal(t, http.StatusBadRequest, w.Code)
			resp := decode(t, w)
			assert.Equal(t, "error", resp.Type)
			assert.Equal(t, tt.want, resp.Error)
			assert.Zero(t, resp.ResultCount)
		})
	}
	assert.Zero(t, up.callCount())
}

func TestServer_UpstreamFailure(t *testing.T) {
	s, up := newTestServer(t)
	up.err = &aur.TransportError{URL: "https://aur.example/rpc", Status: http.StatusServiceUnavailable}

	w := doRequest(s, http.MethodGet, "/rpc?v=5&type=search&arg=yay")
	assert.Equal(t, http.StatusBadGateway, w.Code)
	resp := decode(t, w)
	assert.Equal(t, "error", resp.Type)
	assert.Contains(t, resp.Error, "503")

	// Info failures are per package, so the response is simply empty.
	w = doRequest(s, http.MethodGet, "/rpc?v=5&type=info&arg[]=yay")
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Zero(t, decode(t, w).ResultCount)
}

func TestServer_Purge(t *testing.T) {
	s, _ := newTestServer(t)
	doRequest(s, http.MethodGet, "/rpc?v=5&type=info&arg[]=yay")

	w := doRequest(s, http.MethodDelete, "/cache")
	require.Equal(t, http.StatusOK, w.Code)

	var body struct {
		Status string `json:"status"`
		Data   struct {
			Removed int `json:"removed"`
		} `json:"data"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	assert.Equal(t, "success", body.Status)
	assert.Zero(t, body.Data.Removed, "fresh entries survive")
}

func TestServer_Health(t *testing.T) {
	s, _ := newTestServer(t)
	w := doRequest(s, http.MethodGet, "/health")
	require.Equal(t, http.StatusOK, w.Code)

	var body map[string]any
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	assert.Equal(t, "success", body["status"])
	data := body["data"].(map[string]any)
	assert.Equal(t, "memory", data["cache_backend"])
	assert.Equal(t, true, data["cache_enabled"])
	assert.Equal(t, float64(900), data["ttl_seconds"])
}

func TestServer_HomeAndNotFound(t *testing.T) {
	s, _ := newTestServer(t)

	w := doRequest(s, http.MethodGet, "/")
	assert.Equal(t, http.StatusOK, w.Code)
	assert.True(t, strings.Contains(w.Body.String(), "aurcache - AUR RPC Cache"))

	w = doRequest(s, http.MethodGet, "/simple/")
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestServer_Gzip(t *testing.T) {
	s, _ := newTestServer(t)
	req := httptest.NewRequest(http.MethodGet, "/rpc?v=5&type=info&arg[]=yay", nil)
	req.Header.Set("Accept-Encoding", "gzip")
	w := httptest.NewRecorder()
	s.Router().ServeHTTP(w, req)

	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "gzip", w.Header().Get("Content-Encoding"))
}

func TestServer_ListenAndServe(t *testing.T) {
	s, _ := newTestServer(t)
	ctx, cancel := context.WithCancel(context.Background())

	done := make(chan error, 1)
	go func() {
		done <- s.ListenAndServe(ctx, "127.0.0.1:0", time.Second)
	}()

	time.Sleep(50 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("server did not shut down")
	}
}
