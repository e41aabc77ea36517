package apiclient

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

// fakeAPI 模拟服务端：/api/meetings/stats 只接受当前有效的访问令牌。
type fakeAPI struct {
	mu         sync.Mutex
	valid      string
	refresh    string
	failAll    bool
	refreshOK  bool
	refreshes  atomic.Int32
	protected  atomic.Int32
	refreshHit chan struct{}
}

func (f *fakeAPI) handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/api/meetings/stats", func(w http.ResponseWriter, r *http.Request) {
		f.protected.Add(1)
		f.mu.Lock()
		ok := !f.failAll && r.Header.Get("Authorization") == "Bearer "+f.valid
		f.mu.Unlock()
		if !ok {
			writeJSON(w, http.StatusUnauthorized, "Unauthorized", nil)
			return
		}
		writeJSON(w, http.StatusOK, "ok", map[string]int{"totalCreated": 3})
	})
	mux.HandleFunc(refreshPath, func(w http.ResponseWriter, r *http.Request) {
		f.refreshes.Add(1)
		if f.refreshHit != nil {
			<-f.refreshHit
		}
		var in struct {
			RefreshToken string `json:"refreshToken"`
		}
		_ = json.NewDecoder(r.Body).Decode(&in)
		f.mu.Lock()
		defer f.mu.Unlock()
		if !f.refreshOK || in.RefreshToken != f.refresh {
			writeJSON(w, http.StatusUnauthorized, "Invalid refresh token", nil)
			return
		}
		f.valid, f.refresh = "access-2", "refresh-2"
		writeJSON(w, http.StatusOK, "refreshed", tokenPair{AccessToken: f.valid, RefreshToken: f.refresh})
	})
	return mux
}

func writeJSON(w http.ResponseWriter, status int, msg string, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]any{"statusCode": status, "success": status < 300, "message": msg, "data": data})
}

// newFake 在启动服务前完成所有配置；gated 为 true 时刷新请求会阻塞到 refreshHit 关闭。
func newFake(t *testing.T, gated bool, configure func(*fakeAPI)) (*fakeAPI, *Client) {
	t.Helper()
	f := &fakeAPI{valid: "access-2-not-yet", refresh: "refresh-1", refreshOK: true}
	if gated {
		f.refreshHit = make(chan struct{})
	}
	if configure != nil {
		configure(f)
	}
	srv := httptest.NewServer(f.handler())
	t.Cleanup(srv.Close)
	c := New(srv.URL, srv.Client())
	c.SetTokens("access-1", "refresh-1")
	return f, c
}

type stats struct {
	TotalCreated int `json:"totalCreated"`
}

// runConcurrent 并发发起 n 个请求，等全部请求都已收到 401 后再放行刷新。
func runConcurrent(t *testing.T, f *fakeAPI, c *Client, n int) []error {
	t.Helper()
	errs := make([]error, n)
	results := make([]stats, n)
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			errs[i] = c.Do(context.Background(), http.MethodGet, "/api/meetings/stats", nil, &results[i])
		}(i)
	}
	deadline := time.Now().Add(2 * time.Second)
	for f.protected.Load() < int32(n) && time.Now().Before(deadline) {
		time.Sleep(time.Millisecond)
	}
	// 留出时间让所有请求进入等待
	time.Sleep(20 * time.Millisecond)
	close(f.refreshHit)
	wg.Wait()
	for i, err := range errs {
		if err == nil && results[i].TotalCreated != 3 {
			t.Errorf("request %d decoded %+v", i, results[i])
		}
	}
	return errs
}

func TestClient_ConcurrentUnauthorizedSharesOneRefresh(t *testing.T) {
	f, c := newFake(t, true, nil)
	errs := runConcurrent(t, f, c, 8)

	for i, err := range errs {
		if err != nil {
			t.Errorf("request %d error = %v", i, err)
		}
	}
	if got := f.refreshes.Load(); got != 1 {
		t.Errorf("refresh calls = %d, want 1", got)
	}
	if at, rt := c.Tokens(); at != "access-2" || rt != "refresh-2" {
		t.Errorf("tokens = %q/%q, want rotated pair", at, rt)
	}
}

func TestClient_RefreshFailureRejectsAllWaiters(t *testing.T) {
	f, c := newFake(t, true, func(f *fakeAPI) { f.refreshOK = false })
	var cleared atomic.Int32
	c.OnAuthCleared = func() { cleared.Add(1) }

	errs := runConcurrent(t, f, c, 5)
	for i, err := range errs {
		var apiErr *APIError
		if !errors.As(err, &apiErr) && !errors.Is(err, ErrNotAuthenticated) {
			t.Errorf("request %d error = %v, want refresh failure", i, err)
		}
	}
	if got := f.refreshes.Load(); got != 1 {
		t.Errorf("refresh calls = %d, want 1", got)
	}
	if got := cleared.Load(); got != 1 {
		t.Errorf("OnAuthCleared calls = %d, want 1", got)
	}
	if at, rt := c.Tokens(); at != "" || rt != "" {
		t.Errorf("tokens = %q/%q, want cleared", at, rt)
	}
}

func TestClient_RetriesAtMostOnce(t *testing.T) {
	f, c := newFake(t, false, func(f *fakeAPI) { f.failAll = true })

	err := c.Do(context.Background(), http.MethodGet, "/api/meetings/stats", nil, nil)
	var apiErr *APIError
	if !errors.As(err, &apiErr) || apiErr.StatusCode != http.StatusUnauthorized {
		t.Fatalf("Do() error = %v, want 401 APIError", err)
	}
	if got := f.protected.Load(); got != 2 {
		t.Errorf("protected calls = %d, want 2", got)
	}
	if got := f.refreshes.Load(); got != 1 {
		t.Errorf("refresh calls = %d, want 1", got)
	}
}

func TestClient_StaleTokenRetriesWithoutRefresh(t *testing.T) {
	f, c := newFake(t, false, func(f *fakeAPI) { f.valid = "access-2" })
	c.SetTokens("access-2", "refresh-1")

	// 以旧令牌失败的请求直接用新令牌重试
	tok, err := c.renew(context.Background(), "access-1")
	if err != nil || tok != "access-2" {
		t.Fatalf("renew() = %q, %v", tok, err)
	}
	if got := f.refreshes.Load(); got != 0 {
		t.Errorf("refresh calls = %d, want 0", got)
	}
}

func TestClient_NoRefreshToken(t *testing.T) {
	f, c := newFake(t, false, nil)
	c.SetTokens("access-1", "")

	err := c.Do(context.Background(), http.MethodGet, "/api/meetings/stats", nil, nil)
	if !errors.Is(err, ErrNotAuthenticated) {
		t.Errorf("Do() error = %v, want ErrNotAuthenticated", err)
	}
	if f.refreshes.Load() != 0 {
		t.Error("refresh called without a refresh token")
	}
}
