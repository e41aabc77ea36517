package server

import (
	"net/http"
	"strconv"
	"strings"
	"time"

	"demeet/internal/auth"
	"demeet/internal/config"
	"demeet/internal/models"
	"demeet/internal/service"
	"demeet/internal/wallet"

	"github.com/gin-gonic/gin"
)

const roomTokenTTL = time.Hour

// UserHandler 处理 /api/users 下的接口。
type UserHandler struct {
	cfg   config.Config
	users *service.UserService
}

func NewUserHandler(cfg config.Config, users *service.UserService) *UserHandler {
	return &UserHandler{cfg: cfg, users: users}
}

func (h *UserHandler) Register(c *gin.Context) {
	var req struct {
		Name        string `json:"name" binding:"required,min=2,max=50"`
		Email       string `json:"email" binding:"required,email"`
		Password    string `json:"password" binding:"required,min=6,max=128"`
		PhoneNumber string `json:"phoneNumber" binding:"required,min=7,max=20"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		_ = c.Error(bindError(err))
		return
	}
	user, err := h.users.Register(c.Request.Context(), service.RegisterInput{
		Name:        req.Name,
		Email:       req.Email,
		Password:    req.Password,
		PhoneNumber: req.PhoneNumber,
	})
	if err != nil {
		_ = c.Error(err)
		return
	}
	respond(c, http.StatusCreated, user, "User registered successfully")
}

func (h *UserHandler) Login(c *gin.Context) {
	var req struct {
		Email    string `json:"email" binding:"required,email"`
		Password string `json:"password" binding:"required"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		_ = c.Error(bindError(err))
		return
	}
	res, err := h.users.Login(c.Request.Context(), req.Email, req.Password)
	if err != nil {
		_ = c.Error(err)
		return
	}
	auth.SetAuthCookies(c, h.cfg, res.AccessToken, res.RefreshToken)
	respond(c, http.StatusOK, res, "User logged in successfully")
}

// Refresh 从 refreshToken cookie 或请求体中读取 refresh token 并轮换令牌对。
func (h *UserHandler) Refresh(c *gin.Context) {
	rt, _ := c.Cookie(auth.RefreshCookie)
	if rt == "" {
		var req struct {
			RefreshToken string `json:"refreshToken"`
		}
		// 请求体可以为空
		_ = c.ShouldBindJSON(&req)
		rt = req.RefreshToken
	}
	res, err := h.users.RefreshTokens(c.Request.Context(), rt)
	if err != nil {
		_ = c.Error(err)
		return
	}
	auth.SetAuthCookies(c, h.cfg, res.AccessToken, res.RefreshToken)
	respond(c, http.StatusOK, gin.H{"accessToken": res.AccessToken, "refreshToken": res.RefreshToken}, "Access token refreshed")
}

func (h *UserHandler) Logout(c *gin.Context) {
	if err := h.users.Logout(c.Request.Context(), auth.GetUserID(c)); err != nil {
		_ = c.Error(err)
		return
	}
	auth.ClearAuthCookies(c, h.cfg)
	respond(c, http.StatusOK, gin.H{}, "User logged out")
}

func (h *UserHandler) Me(c *gin.Context) {
	user, err := h.users.Get(c.Request.Context(), auth.GetUserID(c))
	if err != nil {
		_ = c.Error(err)
		return
	}
	respond(c, http.StatusOK, user, "Current user fetched successfully")
}

// MeetingHandler 处理 /api/meetings 下的接口。
type MeetingHandler struct {
	cfg      config.Config
	meetings *service.MeetingService
	verifier *wallet.Verifier
}

func NewMeetingHandler(cfg config.Config, meetings *service.MeetingService, verifier *wallet.Verifier) *MeetingHandler {
	return &MeetingHandler{cfg: cfg, meetings: meetings, verifier: verifier}
}

type createMeetingRequest struct {
	Title              string     `json:"title" binding:"required,min=3,max=100"`
	Description        string     `json:"description" binding:"max=500"`
	Type               string     `json:"type" binding:"omitempty,oneof=web2 solana"`
	IsPublic           *bool      `json:"isPublic"`
	IsLocked           bool       `json:"isLocked"`
	MaxParticipants    int        `json:"maxParticipants" binding:"omitempty,min=2,max=100"`
	ScheduledStartTime *time.Time `json:"scheduledStartTime"`
	ScheduledEndTime   *time.Time `json:"scheduledEndTime"`
	Tags               []string   `json:"tags" binding:"omitempty,max=10,dive,min=1,max=20"`
}

type updateMeetingRequest struct {
	Title              *string    `json:"title" binding:"omitempty,min=3,max=100"`
	Description        *string    `json:"description" binding:"omitempty,max=500"`
	IsPublic           *bool      `json:"isPublic"`
	IsLocked           *bool      `json:"isLocked"`
	MaxParticipants    *int       `json:"maxParticipants" binding:"omitempty,min=2,max=100"`
	ScheduledStartTime *time.Time `json:"scheduledStartTime"`
	ScheduledEndTime   *time.Time `json:"scheduledEndTime"`
	Tags               *[]string  `json:"tags" binding:"omitempty,max=10,dive,min=1,max=20"`
	Status             *string    `json:"status" binding:"omitempty,oneof=scheduled ongoing completed cancelled"`
}

func (h *MeetingHandler) Create(c *gin.Context) {
	var req createMeetingRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		_ = c.Error(bindError(err))
		return
	}
	m, err := h.meetings.Create(c.Request.Context(), auth.GetUserID(c), service.CreateMeetingInput{
		Title:              req.Title,
		Description:        req.Description,
		Type:               req.Type,
		IsPublic:           req.IsPublic,
		IsLocked:           req.IsLocked,
		MaxParticipants:    req.MaxParticipants,
		ScheduledStartTime: req.ScheduledStartTime,
		ScheduledEndTime:   req.ScheduledEndTime,
		Tags:               req.Tags,
	})
	if err != nil {
		_ = c.Error(err)
		return
	}
	respond(c, http.StatusCreated, m, "Meeting created successfully")
}

// CreateRoom 是快速建会的兼容接口：使用默认标题，5 秒后开始，持续两小时。
func (h *MeetingHandler) CreateRoom(c *gin.Context) {
	var req struct {
		RoomLocked bool `json:"roomLocked"`
		Metadata   struct {
			Title       string `json:"title"`
			Description string `json:"description"`
		} `json:"metadata"`
	}
	if c.Request.ContentLength != 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			_ = c.Error(bindError(err))
			return
		}
	}
	title := strings.TrimSpace(req.Metadata.Title)
	if title == "" {
		title = "Quick Meeting"
	}
	start := time.Now().UTC().Add(5 * time.Second)
	end := start.Add(2 * time.Hour)
	m, err := h.meetings.Create(c.Request.Context(), auth.GetUserID(c), service.CreateMeetingInput{
		Title:              title,
		Description:        req.Metadata.Description,
		Type:               models.MeetingTypeWeb2,
		IsLocked:           req.RoomLocked,
		ScheduledStartTime: &start,
		ScheduledEndTime:   &end,
	})
	if err != nil {
		_ = c.Error(err)
		return
	}
	respond(c, http.StatusCreated, gin.H{"roomId": m.RoomID, "meeting": m}, "Room created successfully")
}

func queryInt(c *gin.Context, key string) int {
	n, _ := strconv.Atoi(c.Query(key))
	return n
}

func queryTime(c *gin.Context, key string) (*time.Time, error) {
	v := c.Query(key)
	if v == "" {
		return nil, nil
	}
	t, err := time.Parse(time.RFC3339, v)
	if err != nil {
		return nil, &service.Error{Kind: service.ErrValidation, Msg: key + ": must be an ISO-8601 date"}
	}
	return &t, nil
}

func listFilter(c *gin.Context) (service.ListFilter, error) {
	f := service.ListFilter{
		Page:   queryInt(c, "page"),
		Limit:  queryInt(c, "limit"),
		Status: c.Query("status"),
		Type:   c.Query("type"),
	}
	if tags := c.Query("tags"); tags != "" {
		for _, t := range strings.Split(tags, ",") {
			if t = strings.TrimSpace(t); t != "" {
				f.Tags = append(f.Tags, t)
			}
		}
	}
	var err error
	if f.StartTime, err = queryTime(c, "startTime"); err != nil {
		return f, err
	}
	if f.EndTime, err = queryTime(c, "endTime"); err != nil {
		return f, err
	}
	return f, nil
}

func (h *MeetingHandler) list(c *gin.Context, fetch func(service.ListFilter) (*service.MeetingPage, error), msg string) {
	f, err := listFilter(c)
	if err != nil {
		_ = c.Error(err)
		return
	}
	page, err := fetch(f)
	if err != nil {
		_ = c.Error(err)
		return
	}
	respond(c, http.StatusOK, page, msg)
}

func (h *MeetingHandler) ListCreated(c *gin.Context) {
	uid := auth.GetUserID(c)
	h.list(c, func(f service.ListFilter) (*service.MeetingPage, error) {
		return h.meetings.ListCreated(c.Request.Context(), uid, f)
	}, "Created meetings fetched successfully")
}

func (h *MeetingHandler) ListPublic(c *gin.Context) {
	h.list(c, func(f service.ListFilter) (*service.MeetingPage, error) {
		return h.meetings.ListPublic(c.Request.Context(), f)
	}, "Public meetings fetched successfully")
}

func (h *MeetingHandler) ListJoined(c *gin.Context) {
	uid := auth.GetUserID(c)
	h.list(c, func(f service.ListFilter) (*service.MeetingPage, error) {
		return h.meetings.ListJoined(c.Request.Context(), uid, f)
	}, "Joined meetings fetched successfully")
}

func (h *MeetingHandler) Stats(c *gin.Context) {
	st, err := h.meetings.Stats(c.Request.Context(), auth.GetUserID(c))
	if err != nil {
		_ = c.Error(err)
		return
	}
	respond(c, http.StatusOK, st, "Meeting stats fetched successfully")
}

func (h *MeetingHandler) Get(c *gin.Context) {
	m, err := h.meetings.Get(c.Request.Context(), c.Param("roomId"))
	if err != nil {
		_ = c.Error(err)
		return
	}
	respond(c, http.StatusOK, m, "Meeting fetched successfully")
}

func (h *MeetingHandler) Update(c *gin.Context) {
	var req updateMeetingRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		_ = c.Error(bindError(err))
		return
	}
	m, err := h.meetings.Update(c.Request.Context(), c.Param("roomId"), auth.GetUserID(c), service.UpdateMeetingInput{
		Title:              req.Title,
		Description:        req.Description,
		IsPublic:           req.IsPublic,
		IsLocked:           req.IsLocked,
		MaxParticipants:    req.MaxParticipants,
		ScheduledStartTime: req.ScheduledStartTime,
		ScheduledEndTime:   req.ScheduledEndTime,
		Tags:               req.Tags,
		Status:             req.Status,
	})
	if err != nil {
		_ = c.Error(err)
		return
	}
	respond(c, http.StatusOK, m, "Meeting updated successfully")
}

func (h *MeetingHandler) Delete(c *gin.Context) {
	if err := h.meetings.Delete(c.Request.Context(), c.Param("roomId"), auth.GetUserID(c)); err != nil {
		_ = c.Error(err)
		return
	}
	respond(c, http.StatusOK, gin.H{}, "Meeting deleted successfully")
}

func (h *MeetingHandler) Join(c *gin.Context) {
	m, err := h.meetings.Join(c.Request.Context(), c.Param("roomId"), auth.GetUserID(c))
	if err != nil {
		_ = c.Error(err)
		return
	}
	respond(c, http.StatusOK, m, "Joined meeting successfully")
}

func (h *MeetingHandler) Leave(c *gin.Context) {
	m, err := h.meetings.Leave(c.Request.Context(), c.Param("roomId"), auth.GetUserID(c))
	if err != nil {
		_ = c.Error(err)
		return
	}
	respond(c, http.StatusOK, m, "Left meeting successfully")
}

// WalletAccess 校验 Solana 钱包签名，通过后签发房间级访问令牌。
func (h *MeetingHandler) WalletAccess(c *gin.Context) {
	var req struct {
		DisplayName    string `json:"displayName" binding:"required,max=50"`
		Address        string `json:"address" binding:"required"`
		ExpirationTime int64  `json:"expirationTime" binding:"required"`
		Domain         string `json:"domain" binding:"required"`
		Signature      string `json:"signature" binding:"required"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		_ = c.Error(bindError(err))
		return
	}
	roomID := c.Param("roomId")
	m, err := h.meetings.Get(c.Request.Context(), roomID)
	if err != nil {
		_ = c.Error(err)
		return
	}
	if m.Type != models.MeetingTypeSolana {
		_ = c.Error(&service.Error{Kind: service.ErrValidation, Msg: "Wallet access is only available for solana meetings"})
		return
	}
	if err := h.verifier.Verify(wallet.SignIn{
		Address:        req.Address,
		Domain:         req.Domain,
		ExpirationTime: req.ExpirationTime,
		Signature:      req.Signature,
	}); err != nil {
		_ = c.Error(&service.Error{Kind: service.ErrInvalidCredentials, Msg: err.Error()})
		return
	}
	token, err := auth.GenerateRoomToken(roomID, req.Address, req.DisplayName, h.cfg.JWTSecret, roomTokenTTL)
	if err != nil {
		_ = c.Error(err)
		return
	}
	respond(c, http.StatusOK, gin.H{"token": token, "roomId": roomID}, "Wallet verified")
}

// ChatHandler 处理聊天记录分页查询。
type ChatHandler struct {
	chat *service.ChatService
}

func NewChatHandler(chat *service.ChatService) *ChatHandler { return &ChatHandler{chat: chat} }

func (h *ChatHandler) History(c *gin.Context) {
	page, err := h.chat.History(c.Request.Context(), c.Param("roomId"), c.Query("cursor"), queryInt(c, "limit"))
	if err != nil {
		_ = c.Error(err)
		return
	}
	respond(c, http.StatusOK, page, "Chat history fetched successfully")
}
