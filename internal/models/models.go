package models

import "time"

// User.RefreshToken 为当前有效的 refresh token，登出或轮换后被替换。
type User struct {
	ID               uint   `gorm:"primaryKey"`
	Name             string `gorm:"size:128;not null"`
	Email            string `gorm:"uniqueIndex;size:255;not null"`
	PhoneNumber      string `gorm:"uniqueIndex;size:32;not null"`
	PasswordHash     string `gorm:"not null"`
	Avatar           string `gorm:"size:512"`
	RefreshToken     string `gorm:"index;size:128"`
	RefreshExpiresAt time.Time
	CreatedAt        time.Time
	UpdatedAt        time.Time
}

const (
	MeetingTypeWeb2   = "web2"
	MeetingTypeSolana = "solana"
)

const (
	StatusScheduled = "scheduled"
	StatusOngoing   = "ongoing"
	StatusCompleted = "completed"
	StatusCancelled = "cancelled"
)

const (
	RoleHost        = "host"
	RoleParticipant = "participant"
)

type Meeting struct {
	ID                 uint      `gorm:"primaryKey"`
	RoomID             string    `gorm:"uniqueIndex;size:64;not null"`
	Title              string    `gorm:"size:100;not null"`
	Description        string    `gorm:"size:500"`
	CreatorID          uint      `gorm:"index:idx_meeting_creator;not null"`
	Creator            User      `gorm:"foreignKey:CreatorID"`
	Type               string    `gorm:"size:16;not null;default:web2"`
	Status             string    `gorm:"size:16;not null;default:scheduled;index:idx_meeting_status_start,priority:1"`
	IsPublic           bool      `gorm:"not null"`
	IsLocked           bool      `gorm:"not null"`
	MaxParticipants    int       `gorm:"not null;default:50"`
	ScheduledStartTime time.Time `gorm:"not null;index:idx_meeting_status_start,priority:2"`
	ScheduledEndTime   time.Time `gorm:"not null"`
	ActualStartTime    *time.Time
	ActualEndTime      *time.Time
	HuddleRoomID       string        `gorm:"size:64"`
	Participants       []Participant `gorm:"constraint:OnDelete:CASCADE"`
	Tags               []MeetingTag  `gorm:"constraint:OnDelete:CASCADE"`
	CreatedAt          time.Time
	UpdatedAt          time.Time
}

type Participant struct {
	ID        uint   `gorm:"primaryKey"`
	MeetingID uint   `gorm:"index;not null"`
	UserID    uint   `gorm:"index;not null"`
	User      User   `gorm:"foreignKey:UserID"`
	Role      string `gorm:"size:16;not null;default:participant"`
	JoinedAt  time.Time
	LeftAt    *time.Time
}

type MeetingTag struct {
	ID        uint   `gorm:"primaryKey"`
	MeetingID uint   `gorm:"index;not null"`
	Tag       string `gorm:"size:20;index;not null"`
}

// ChatMessage 的 ID 为单调递增的 ULID，游标分页直接比较 id。
type ChatMessage struct {
	ID         string    `gorm:"primaryKey;size:26"`
	RoomID     string    `gorm:"index;index:idx_chat_room_created,priority:1;size:64;not null"`
	SenderID   string    `gorm:"size:64;not null"`
	SenderName string    `gorm:"size:128;not null"`
	Message    string    `gorm:"type:text;not null"`
	CreatedAt  time.Time `gorm:"index:idx_chat_room_created,priority:2,sort:desc"`
}
