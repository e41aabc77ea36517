package ws

import (
	"context"
	"net/http"
	"sync"
	"time"

	"demeet/internal/auth"
	"demeet/internal/config"
	"demeet/internal/metrics"
	"demeet/internal/models"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"
	"gorm.io/gorm"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = 30 * time.Second
	maxMessageSize = 64 << 10
	sendBuffer     = 256
)

// Client 是一条 websocket 连接；room 只在读循环 goroutine 中读写。
type Client struct {
	hub       *Hub
	room      *RoomHub
	conn      *websocket.Conn
	send      chan []byte
	done      chan struct{}
	closeOnce sync.Once
	userID    uint
	uname     string
	// 钱包访客：wallet 为地址，scope 为令牌绑定的房间，只能加入该房间。
	wallet string
	scope  string
}

// identity 是握手时解析出的身份：登录用户，或持有房间令牌的钱包访客。
type identity struct {
	userID uint
	name   string
	wallet string
	scope  string
}

func newClient(h *Hub, conn *websocket.Conn, id identity) *Client {
	return &Client{
		hub:    h,
		conn:   conn,
		send:   make(chan []byte, sendBuffer),
		done:   make(chan struct{}),
		userID: id.userID,
		uname:  id.name,
		wallet: id.wallet,
		scope:  id.scope,
	}
}

// authenticate 先按用户访问令牌解析，失败时再按钱包房间令牌解析。
func authenticate(ctx context.Context, db *gorm.DB, secret, token string) (identity, bool) {
	if claims, err := auth.ParseAccessToken(token, secret); err == nil && claims.UserID != 0 {
		var user models.User
		if err := db.WithContext(ctx).First(&user, claims.UserID).Error; err != nil {
			return identity{}, false
		}
		return identity{userID: user.ID, name: user.Name}, true
	}
	rc, err := auth.ParseRoomToken(token, secret)
	if err != nil || rc.Address == "" {
		return identity{}, false
	}
	return identity{name: rc.DisplayName, wallet: rc.Address, scope: rc.RoomID}, true
}

// enqueue 非阻塞投递；缓冲区已满或连接已关闭时返回 false。
func (c *Client) enqueue(b []byte) bool {
	select {
	case <-c.done:
		return false
	default:
	}
	select {
	case c.send <- b:
		return true
	default:
		return false
	}
}

func (c *Client) kick() {
	c.closeOnce.Do(func() {
		close(c.done)
		if c.conn != nil {
			_ = c.conn.Close()
		}
	})
}

func checkOrigin(cfg config.Config) func(r *http.Request) bool {
	allowed := make(map[string]bool, len(cfg.CORSOrigins))
	for _, o := range cfg.CORSOrigins {
		allowed[o] = true
	}
	return func(r *http.Request) bool {
		origin := r.Header.Get("Origin")
		return origin == "" || cfg.Env == "dev" || allowed[origin] || allowed["*"]
	}
}

// Serve 校验访问令牌后升级为 websocket；房间通过 join-room 事件加入。
func Serve(h *Hub, db *gorm.DB, cfg config.Config) gin.HandlerFunc {
	upgrader := websocket.Upgrader{CheckOrigin: checkOrigin(cfg)}
	return func(c *gin.Context) {
		token := auth.TokenFromRequest(c.Request)
		if token == "" {
			_ = c.Error(auth.ErrUnauthorized)
			c.Abort()
			return
		}
		id, ok := authenticate(c.Request.Context(), db, cfg.JWTSecret, token)
		if !ok {
			_ = c.Error(auth.ErrUnauthorized)
			c.Abort()
			return
		}

		conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
		if err != nil {
			log.Debug().Err(err).Msg("ws upgrade")
			return
		}
		client := newClient(h, conn, id)
		metrics.WsConnections.Inc()
		log.Info().Uint("user_id", id.userID).Str("wallet", id.wallet).Msg("ws connected")

		go client.writePump()
		client.readPump(c.Request.Context())
	}
}

func (c *Client) readPump(ctx context.Context) {
	defer func() {
		// 异常断开只移除成员关系，不通知其他成员
		if c.room != nil {
			c.room.unregister <- c
			log.Info().Str("room_id", c.room.roomID).Uint("user_id", c.userID).Msg("ws disconnected")
			c.room = nil
		}
		c.kick()
		metrics.WsConnections.Dec()
	}()
	c.conn.SetReadLimit(maxMessageSize)
	_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})
	for {
		mt, data, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				log.Debug().Err(err).Uint("user_id", c.userID).Msg("ws read")
			}
			return
		}
		if mt != websocket.TextMessage {
			continue
		}
		c.dispatch(ctx, data)
	}
}

func (c *Client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.kick()
	}()
	for {
		select {
		case <-c.done:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			_ = c.conn.WriteMessage(websocket.CloseMessage, []byte{})
			return
		case message := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
				return
			}
		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
