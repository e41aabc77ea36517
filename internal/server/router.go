package server

import (
	"net/http"
	"time"

	"demeet/internal/auth"
	"demeet/internal/config"
	"demeet/internal/metrics"
	"demeet/internal/mw"
	"demeet/internal/service"
	"demeet/internal/wallet"
	"demeet/internal/ws"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/time/rate"
	"gorm.io/gorm"
)

// Services 汇总路由依赖的业务层对象。
type Services struct {
	Users    *service.UserService
	Meetings *service.MeetingService
	Chat     *service.ChatService
	Wallet   *wallet.Verifier
}

// NewServices 基于同一个数据库连接构造全部业务服务。
func NewServices(cfg config.Config, gdb *gorm.DB, rooms service.RoomCreator) Services {
	return Services{
		Users:    service.NewUserService(gdb, cfg),
		Meetings: service.NewMeetingService(gdb, rooms),
		Chat:     service.NewChatService(gdb),
		Wallet:   wallet.NewVerifier(),
	}
}

func baseEngine(cfg config.Config) *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(mw.RequestLogger())
	r.Use(metrics.GinMiddleware())
	r.Use(mw.CORS(cfg.Env, cfg.CORSOrigins))
	r.Use(ErrorHandler())
	r.GET("/healthz", func(c *gin.Context) { c.JSON(http.StatusOK, gin.H{"status": "ok"}) })
	r.GET("/metrics", gin.WrapH(promhttp.Handler()))
	return r
}

// SetupRouter 初始化 API 监听端口上的中间件与 REST 路由；返回的 Limiter 需在停服时 Stop。
func SetupRouter(cfg config.Config, gdb *gorm.DB, svc Services) (*gin.Engine, *mw.Limiter) {
	r := baseEngine(cfg)
	rl := mw.NewLimiter(rate.Every(time.Second/20), 40, 2*time.Minute)
	go rl.Run(30 * time.Second)
	// 未登录接口按 IP+路由限速，登录后按用户+路由限速
	byIP := rl.ByIP()
	authed := []gin.HandlerFunc{auth.AuthMiddleware(cfg, gdb), rl.ByUser()}

	users := NewUserHandler(cfg, svc.Users)
	u := r.Group("/api/users")
	u.POST("/register", byIP, users.Register)
	u.POST("/login", byIP, users.Login)
	u.POST("/refresh", byIP, users.Refresh)
	u.POST("/refreshAccess", byIP, users.Refresh)
	u.POST("/logout", append(authed, users.Logout)...)
	u.GET("/me", append(authed, users.Me)...)

	meetings := NewMeetingHandler(cfg, svc.Meetings, svc.Wallet)
	// 钱包签名本身即身份凭证，不要求登录
	r.POST("/api/meetings/:roomId/wallet-access", byIP, meetings.WalletAccess)

	m := r.Group("/api/meetings", authed...)
	m.POST("/create", meetings.Create)
	m.GET("/created", meetings.ListCreated)
	m.GET("/public", meetings.ListPublic)
	m.GET("/joined", meetings.ListJoined)
	m.GET("/stats", meetings.Stats)
	m.POST("/rooms/create-room", meetings.CreateRoom)
	m.GET("/:roomId", meetings.Get)
	m.PUT("/:roomId", meetings.Update)
	m.DELETE("/:roomId", meetings.Delete)
	m.POST("/:roomId/join", meetings.Join)
	m.POST("/:roomId/leave", meetings.Leave)

	chat := NewChatHandler(svc.Chat)
	r.GET("/api/chat/:roomId", append(authed, chat.History)...)

	return r, rl
}

// SetupRealtimeRouter 初始化实时端口：websocket 入口与健康检查。
func SetupRealtimeRouter(cfg config.Config, gdb *gorm.DB, hub *ws.Hub) *gin.Engine {
	r := baseEngine(cfg)
	r.GET("/socket", ws.Serve(hub, gdb, cfg))
	r.GET("/rooms/:roomId/online", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"roomId": c.Param("roomId"), "online": hub.Online(c.Param("roomId"))})
	})
	return r
}
