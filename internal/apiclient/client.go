// Package apiclient 是 DeMeet HTTP API 的 Go 客户端，负责附加访问令牌并在 401 时统一刷新。
package apiclient

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	"golang.org/x/sync/singleflight"
)

const refreshPath = "/api/users/refreshAccess"

var ErrNotAuthenticated = errors.New("apiclient: not authenticated")

// APIError 是服务端返回的非 2xx 响应。
type APIError struct {
	StatusCode int
	Message    string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("apiclient: %d %s", e.StatusCode, e.Message)
}

type envelope struct {
	StatusCode int             `json:"statusCode"`
	Success    bool            `json:"success"`
	Message    string          `json:"message"`
	Data       json.RawMessage `json:"data"`
}

type Client struct {
	baseURL string
	http    *http.Client

	mu      sync.RWMutex
	access  string
	refresh string

	group singleflight.Group

	// OnAuthCleared 在刷新失败、本地令牌被清空后调用。
	OnAuthCleared func()
}

func New(baseURL string, hc *http.Client) *Client {
	if hc == nil {
		hc = &http.Client{Timeout: 15 * time.Second}
	}
	return &Client{baseURL: strings.TrimRight(baseURL, "/"), http: hc}
}

func (c *Client) SetTokens(access, refresh string) {
	c.mu.Lock()
	c.access, c.refresh = access, refresh
	c.mu.Unlock()
}

func (c *Client) Tokens() (access, refresh string) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.access, c.refresh
}

// clear 清空本地令牌；只有确实清掉了令牌才触发 OnAuthCleared。
func (c *Client) clear() {
	c.mu.Lock()
	had := c.access != "" || c.refresh != ""
	c.access, c.refresh = "", ""
	c.mu.Unlock()
	if had && c.OnAuthCleared != nil {
		c.OnAuthCleared()
	}
}

func (c *Client) send(ctx context.Context, method, path string, body []byte, token string) (*http.Response, error) {
	var r io.Reader
	if body != nil {
		r = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, r)
	if err != nil {
		return nil, err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	return c.http.Do(req)
}

func decode(resp *http.Response, out any) error {
	defer resp.Body.Close()
	var env envelope
	if err := json.NewDecoder(resp.Body).Decode(&env); err != nil && !errors.Is(err, io.EOF) {
		if resp.StatusCode >= 300 {
			return &APIError{StatusCode: resp.StatusCode, Message: http.StatusText(resp.StatusCode)}
		}
		return fmt.Errorf("apiclient: decode response: %w", err)
	}
	if resp.StatusCode >= 300 {
		msg := env.Message
		if msg == "" {
			msg = http.StatusText(resp.StatusCode)
		}
		return &APIError{StatusCode: resp.StatusCode, Message: msg}
	}
	if out != nil && len(env.Data) > 0 && string(env.Data) != "null" {
		return json.Unmarshal(env.Data, out)
	}
	return nil
}

// Do 发送 JSON 请求并把响应 data 解码到 out。
// 收到 401 时最多重试一次：并发的 401 共享同一次刷新；若令牌已被其他请求换新则直接重试。
func (c *Client) Do(ctx context.Context, method, path string, in, out any) error {
	var body []byte
	if in != nil {
		b, err := json.Marshal(in)
		if err != nil {
			return err
		}
		body = b
	}
	token, _ := c.Tokens()
	resp, err := c.send(ctx, method, path, body, token)
	if err != nil {
		return err
	}
	if resp.StatusCode != http.StatusUnauthorized {
		return decode(resp, out)
	}
	resp.Body.Close()

	next, err := c.renew(ctx, token)
	if err != nil {
		return err
	}
	resp, err = c.send(ctx, method, path, body, next)
	if err != nil {
		return err
	}
	return decode(resp, out)
}

// renew 返回一个比 failed 更新的访问令牌，必要时发起一次（合并的）刷新。
func (c *Client) renew(ctx context.Context, failed string) (string, error) {
	if cur, _ := c.Tokens(); cur != "" && cur != failed {
		return cur, nil
	}
	v, err, shared := c.group.Do("refresh", func() (any, error) {
		if cur, _ := c.Tokens(); cur != "" && cur != failed {
			return cur, nil
		}
		// 刷新结果由所有等待者共享，不随发起者取消
		return c.doRefresh(context.WithoutCancel(ctx))
	})
	if err != nil {
		return "", err
	}
	log.Debug().Bool("shared", shared).Msg("apiclient token renewed")
	return v.(string), nil
}

type tokenPair struct {
	AccessToken  string `json:"accessToken"`
	RefreshToken string `json:"refreshToken"`
}

func (c *Client) doRefresh(ctx context.Context) (string, error) {
	_, rt := c.Tokens()
	if rt == "" {
		c.clear()
		return "", ErrNotAuthenticated
	}
	body, err := json.Marshal(map[string]string{"refreshToken": rt})
	if err != nil {
		return "", err
	}
	resp, err := c.send(ctx, http.MethodPost, refreshPath, body, "")
	if err != nil {
		c.clear()
		return "", fmt.Errorf("apiclient: refresh: %w", err)
	}
	var pair tokenPair
	if err := decode(resp, &pair); err != nil {
		c.clear()
		return "", fmt.Errorf("apiclient: refresh: %w", err)
	}
	if pair.AccessToken == "" {
		c.clear()
		return "", fmt.Errorf("apiclient: refresh: %w", ErrNotAuthenticated)
	}
	c.SetTokens(pair.AccessToken, pair.RefreshToken)
	return pair.AccessToken, nil
}

// Login 登录并保存返回的令牌对。
func (c *Client) Login(ctx context.Context, email, password string) error {
	body, err := json.Marshal(map[string]string{"email": email, "password": password})
	if err != nil {
		return err
	}
	resp, err := c.send(ctx, http.MethodPost, "/api/users/login", body, "")
	if err != nil {
		return err
	}
	var pair tokenPair
	if err := decode(resp, &pair); err != nil {
		return err
	}
	c.SetTokens(pair.AccessToken, pair.RefreshToken)
	return nil
}

// Logout 通知服务端作废 refresh token，并清空本地令牌。
func (c *Client) Logout(ctx context.Context) error {
	err := c.Do(ctx, http.MethodPost, "/api/users/logout", nil, nil)
	c.SetTokens("", "")
	return err
}
