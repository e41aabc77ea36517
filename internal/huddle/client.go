package huddle

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

// Client 调用 Huddle01 SDK 的 REST 接口创建视频房间。
type Client struct {
	baseURL string
	apiKey  string
	http    *http.Client
}

func NewClient(baseURL, apiKey string) *Client {
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		apiKey:  apiKey,
		http:    &http.Client{Timeout: 10 * time.Second},
	}
}

// Enabled 报告是否配置了 API key；未配置时调用方应自行生成房间 id。
func (c *Client) Enabled() bool { return c != nil && c.apiKey != "" }

type createRoomRequest struct {
	RoomLocked bool         `json:"roomLocked"`
	Metadata   roomMetadata `json:"metadata"`
}

type roomMetadata struct {
	Title       string `json:"title"`
	Description string `json:"description"`
}

type createRoomResponse struct {
	Message string `json:"message"`
	Data    struct {
		RoomID string `json:"roomId"`
	} `json:"data"`
}

func (c *Client) CreateRoom(ctx context.Context, title, description string, locked bool) (string, error) {
	if !c.Enabled() {
		return "", errors.New("huddle01: api key not configured")
	}
	body, err := json.Marshal(createRoomRequest{RoomLocked: locked, Metadata: roomMetadata{Title: title, Description: description}})
	if err != nil {
		return "", err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/rooms/create-room", bytes.NewReader(body))
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("x-api-key", c.apiKey)
	resp, err := c.http.Do(req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()
	if resp.StatusCode/100 != 2 {
		b, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return "", fmt.Errorf("huddle01: create-room status %d: %s", resp.StatusCode, strings.TrimSpace(string(b)))
	}
	var out createRoomResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return "", fmt.Errorf("huddle01: decode create-room: %w", err)
	}
	if out.Data.RoomID == "" {
		return "", errors.New("huddle01: empty roomId")
	}
	return out.Data.RoomID, nil
}
