package service

import (
	"context"
	"strings"
	"time"

	"demeet/internal/ids"
	"demeet/internal/models"

	"gorm.io/gorm"
)

const (
	DefaultHistoryLimit = 20
	MaxHistoryLimit     = 50
	MaxMessageLength    = 2000
)

// ChatService 负责房间聊天消息的持久化与游标分页。
type ChatService struct {
	db *gorm.DB
}

func NewChatService(db *gorm.DB) *ChatService {
	return &ChatService{db: db}
}

// ChatMessageDTO 是对外输出的聊天消息。
type ChatMessageDTO struct {
	ID         string    `json:"_id"`
	RoomID     string    `json:"roomId"`
	SenderID   string    `json:"senderId"`
	SenderName string    `json:"senderName"`
	Message    string    `json:"message"`
	CreatedAt  time.Time `json:"createdAt"`
}

func toChatDTO(m models.ChatMessage) ChatMessageDTO {
	return ChatMessageDTO{ID: m.ID, RoomID: m.RoomID, SenderID: m.SenderID, SenderName: m.SenderName, Message: m.Message, CreatedAt: m.CreatedAt}
}

// HistoryPage 是一页聊天记录，Messages 按时间升序排列。
type HistoryPage struct {
	Messages   []ChatMessageDTO `json:"messages"`
	HasMore    bool             `json:"hasMore"`
	NextCursor *string          `json:"nextCursor"`
}

// ClampLimit 将分页大小限制在 [1, MaxHistoryLimit]，非正数取默认值。
func ClampLimit(limit int) int {
	if limit <= 0 {
		return DefaultHistoryLimit
	}
	if limit > MaxHistoryLimit {
		return MaxHistoryLimit
	}
	return limit
}

// Save 持久化一条消息；id 与时间戳由服务端分配。
func (s *ChatService) Save(ctx context.Context, roomID, senderID, senderName, body string) (*ChatMessageDTO, error) {
	body = strings.TrimSpace(body)
	if roomID == "" || body == "" {
		return nil, newError(ErrValidation, "roomId and message are required")
	}
	if r := []rune(body); len(r) > MaxMessageLength {
		body = string(r[:MaxMessageLength])
	}
	if senderName = strings.TrimSpace(senderName); senderName == "" {
		senderName = "Anonymous"
	}
	msg := models.ChatMessage{
		ID:         ids.Message(),
		RoomID:     roomID,
		SenderID:   senderID,
		SenderName: senderName,
		Message:    body,
		CreatedAt:  time.Now().UTC(),
	}
	if err := s.db.WithContext(ctx).Create(&msg).Error; err != nil {
		return nil, err
	}
	out := toChatDTO(msg)
	return &out, nil
}

// History 返回 cursor 之前（不含）的最多 limit 条消息；多取一条用于判断 hasMore。
func (s *ChatService) History(ctx context.Context, roomID, cursor string, limit int) (*HistoryPage, error) {
	if roomID == "" {
		return nil, newError(ErrValidation, "Room ID is required")
	}
	if cursor != "" {
		canonical, ok := ids.ParseMessage(cursor)
		if !ok {
			return nil, newError(ErrValidation, "cursor: invalid message id")
		}
		cursor = canonical
	}
	limit = ClampLimit(limit)

	q := s.db.WithContext(ctx).Where("room_id = ?", roomID)
	if cursor != "" {
		q = q.Where("id < ?", cursor)
	}
	var rows []models.ChatMessage
	if err := q.Order("id desc").Limit(limit + 1).Find(&rows).Error; err != nil {
		return nil, err
	}
	page := &HistoryPage{HasMore: len(rows) > limit}
	if page.HasMore {
		rows = rows[:limit]
	}
	// 反转为升序
	page.Messages = make([]ChatMessageDTO, len(rows))
	for i, m := range rows {
		page.Messages[len(rows)-1-i] = toChatDTO(m)
	}
	if len(page.Messages) > 0 {
		oldest := page.Messages[0].ID
		page.NextCursor = &oldest
	}
	return page, nil
}
