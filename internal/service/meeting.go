package service

import (
	"context"
	"errors"
	"math"
	"strings"
	"time"

	"demeet/internal/ids"
	"demeet/internal/metrics"
	"demeet/internal/models"

	"github.com/rs/zerolog/log"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

const (
	defaultMaxParticipants = 50
	defaultMeetingLength   = 2 * time.Hour
	startTimeGrace         = time.Minute
)

// RoomCreator 抽象视频 SDK 的建房接口（Huddle01）。
type RoomCreator interface {
	Enabled() bool
	CreateRoom(ctx context.Context, title, description string, locked bool) (string, error)
}

// MeetingService 封装会议的增删改查、加入/离开与过期清理。
type MeetingService struct {
	db    *gorm.DB
	rooms RoomCreator
	now   func() time.Time
}

func NewMeetingService(db *gorm.DB, rooms RoomCreator) *MeetingService {
	return &MeetingService{db: db, rooms: rooms, now: func() time.Time { return time.Now().UTC() }}
}

type UserRef struct {
	ID     uint   `json:"id"`
	Name   string `json:"name"`
	Email  string `json:"email"`
	Avatar string `json:"avatar,omitempty"`
}

type ParticipantDTO struct {
	User     UserRef    `json:"user"`
	Role     string     `json:"role"`
	JoinedAt time.Time  `json:"joinedAt"`
	LeftAt   *time.Time `json:"leftAt,omitempty"`
}

// MeetingDTO 是对外输出的会议数据。
type MeetingDTO struct {
	RoomID             string           `json:"roomId"`
	Title              string           `json:"title"`
	Description        string           `json:"description"`
	Creator            UserRef          `json:"creator"`
	Type               string           `json:"type"`
	Status             string           `json:"status"`
	IsPublic           bool             `json:"isPublic"`
	IsLocked           bool             `json:"isLocked"`
	MaxParticipants    int              `json:"maxParticipants"`
	ScheduledStartTime time.Time        `json:"scheduledStartTime"`
	ScheduledEndTime   time.Time        `json:"scheduledEndTime"`
	ActualStartTime    *time.Time       `json:"actualStartTime,omitempty"`
	ActualEndTime      *time.Time       `json:"actualEndTime,omitempty"`
	Participants       []ParticipantDTO `json:"participants"`
	Tags               []string         `json:"tags"`
	HuddleRoomID       string           `json:"huddle01RoomId,omitempty"`
	CreatedAt          time.Time        `json:"createdAt"`
	UpdatedAt          time.Time        `json:"updatedAt"`
}

func userRef(u models.User) UserRef {
	return UserRef{ID: u.ID, Name: u.Name, Email: u.Email, Avatar: u.Avatar}
}

func toMeetingDTO(m models.Meeting) MeetingDTO {
	out := MeetingDTO{
		RoomID:             m.RoomID,
		Title:              m.Title,
		Description:        m.Description,
		Creator:            userRef(m.Creator),
		Type:               m.Type,
		Status:             m.Status,
		IsPublic:           m.IsPublic,
		IsLocked:           m.IsLocked,
		MaxParticipants:    m.MaxParticipants,
		ScheduledStartTime: m.ScheduledStartTime,
		ScheduledEndTime:   m.ScheduledEndTime,
		ActualStartTime:    m.ActualStartTime,
		ActualEndTime:      m.ActualEndTime,
		Participants:       make([]ParticipantDTO, 0, len(m.Participants)),
		Tags:               make([]string, 0, len(m.Tags)),
		HuddleRoomID:       m.HuddleRoomID,
		CreatedAt:          m.CreatedAt,
		UpdatedAt:          m.UpdatedAt,
	}
	for _, p := range m.Participants {
		out.Participants = append(out.Participants, ParticipantDTO{User: userRef(p.User), Role: p.Role, JoinedAt: p.JoinedAt, LeftAt: p.LeftAt})
	}
	for _, t := range m.Tags {
		out.Tags = append(out.Tags, t.Tag)
	}
	return out
}

type Pagination struct {
	Page  int   `json:"page"`
	Pages int   `json:"pages"`
	Total int64 `json:"total"`
}

type MeetingPage struct {
	Meetings   []MeetingDTO `json:"meetings"`
	Pagination Pagination   `json:"pagination"`
}

type CreateMeetingInput struct {
	Title              string
	Description        string
	Type               string
	IsPublic           *bool
	IsLocked           bool
	MaxParticipants    int
	ScheduledStartTime *time.Time
	ScheduledEndTime   *time.Time
	Tags               []string
}

// UpdateMeetingInput 中为 nil 的字段保持不变。
type UpdateMeetingInput struct {
	Title              *string
	Description        *string
	IsPublic           *bool
	IsLocked           *bool
	MaxParticipants    *int
	ScheduledStartTime *time.Time
	ScheduledEndTime   *time.Time
	Tags               *[]string
	Status             *string
}

type ListFilter struct {
	Page      int
	Limit     int
	Status    string
	Tags      []string
	Type      string
	StartTime *time.Time
	EndTime   *time.Time
}

func (s *MeetingService) preload(db *gorm.DB) *gorm.DB {
	return db.Preload("Creator").
		Preload("Participants", func(db *gorm.DB) *gorm.DB { return db.Order("id asc") }).
		Preload("Participants.User").
		Preload("Tags", func(db *gorm.DB) *gorm.DB { return db.Order("id asc") })
}

func validateTitle(title string) error {
	if n := len([]rune(title)); n < 3 || n > 100 {
		return newError(ErrValidation, "title: Title must be between 3 and 100 characters")
	}
	return nil
}

func validateDescription(desc string) error {
	if len([]rune(desc)) > 500 {
		return newError(ErrValidation, "description: Description cannot exceed 500 characters")
	}
	return nil
}

func validateCapacity(n int) error {
	if n < 2 || n > 100 {
		return newError(ErrValidation, "maxParticipants: Max participants must be between 2 and 100")
	}
	return nil
}

func normalizeTags(tags []string) ([]models.MeetingTag, error) {
	if len(tags) > 10 {
		return nil, newError(ErrValidation, "tags: Cannot have more than 10 tags")
	}
	out := make([]models.MeetingTag, 0, len(tags))
	for _, t := range tags {
		t = strings.TrimSpace(t)
		if n := len([]rune(t)); n < 1 || n > 20 {
			return nil, newError(ErrValidation, "tags: Each tag must be 1-20 characters long")
		}
		out = append(out, models.MeetingTag{Tag: t})
	}
	return out, nil
}

var statusRank = map[string]int{
	models.StatusScheduled: 0,
	models.StatusOngoing:   1,
	models.StatusCompleted: 2,
	models.StatusCancelled: 2,
}

// canTransition 只允许状态单调前进：completed 与 cancelled 为终态。
func canTransition(from, to string) bool {
	if from == to {
		return true
	}
	if from == models.StatusCompleted || from == models.StatusCancelled {
		return false
	}
	return statusRank[to] > statusRank[from]
}

func applyStatus(m *models.Meeting, status string, now time.Time) {
	m.Status = status
	switch status {
	case models.StatusOngoing:
		if m.ActualStartTime == nil {
			m.ActualStartTime = &now
		}
	case models.StatusCompleted:
		if m.ActualEndTime == nil {
			m.ActualEndTime = &now
		}
	}
}

func activeParticipants(m models.Meeting) []models.Participant {
	var out []models.Participant
	for _, p := range m.Participants {
		if p.LeftAt == nil {
			out = append(out, p)
		}
	}
	return out
}

// canUserJoin：私有会议只允许创建者或曾经的参与者加入。
func canUserJoin(m models.Meeting, userID uint) bool {
	if m.IsPublic || m.CreatorID == userID {
		return true
	}
	for _, p := range m.Participants {
		if p.UserID == userID {
			return true
		}
	}
	return false
}

// Create 创建会议；配置了 Huddle01 时使用其返回的房间 id，失败则回退为本地 UUID。
func (s *MeetingService) Create(ctx context.Context, creatorID uint, in CreateMeetingInput) (*MeetingDTO, error) {
	now := s.now()
	in.Title = strings.TrimSpace(in.Title)
	in.Description = strings.TrimSpace(in.Description)
	if err := validateTitle(in.Title); err != nil {
		return nil, err
	}
	if err := validateDescription(in.Description); err != nil {
		return nil, err
	}
	if in.Type == "" {
		in.Type = models.MeetingTypeWeb2
	}
	if in.Type != models.MeetingTypeWeb2 && in.Type != models.MeetingTypeSolana {
		return nil, newError(ErrValidation, "type: Type must be either 'web2' or 'solana'")
	}
	if in.MaxParticipants == 0 {
		in.MaxParticipants = defaultMaxParticipants
	}
	if err := validateCapacity(in.MaxParticipants); err != nil {
		return nil, err
	}
	tags, err := normalizeTags(in.Tags)
	if err != nil {
		return nil, err
	}
	start := now
	if in.ScheduledStartTime != nil {
		start = in.ScheduledStartTime.UTC()
		if start.Before(now.Add(-startTimeGrace)) {
			return nil, newError(ErrValidation, "scheduledStartTime: Scheduled start time cannot be more than 1 minute in the past")
		}
	}
	end := start.Add(defaultMeetingLength)
	if in.ScheduledEndTime != nil {
		end = in.ScheduledEndTime.UTC()
	}
	if !end.After(start) {
		return nil, newError(ErrValidation, "scheduledEndTime: Scheduled end time must be after start time")
	}
	isPublic := true
	if in.IsPublic != nil {
		isPublic = *in.IsPublic
	}

	roomID, huddleID := ids.Room(), ""
	if s.rooms != nil && s.rooms.Enabled() {
		if rid, err := s.rooms.CreateRoom(ctx, in.Title, in.Description, in.IsLocked); err != nil {
			log.Warn().Err(err).Str("title", in.Title).Msg("huddle01 create room, falling back to local id")
		} else {
			roomID, huddleID = rid, rid
		}
	}

	m := models.Meeting{
		RoomID:             roomID,
		Title:              in.Title,
		Description:        in.Description,
		CreatorID:          creatorID,
		Type:               in.Type,
		Status:             models.StatusScheduled,
		IsPublic:           isPublic,
		IsLocked:           in.IsLocked,
		MaxParticipants:    in.MaxParticipants,
		ScheduledStartTime: start,
		ScheduledEndTime:   end,
		HuddleRoomID:       huddleID,
		Participants:       []models.Participant{{UserID: creatorID, Role: models.RoleHost, JoinedAt: now}},
		Tags:               tags,
	}
	if err := s.db.WithContext(ctx).Omit("Creator").Create(&m).Error; err != nil {
		return nil, err
	}
	return s.Get(ctx, roomID)
}

func (s *MeetingService) find(db *gorm.DB, roomID string) (*models.Meeting, error) {
	var m models.Meeting
	if err := db.Where("room_id = ?", roomID).First(&m).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, newError(ErrNotFound, "Meeting not found")
		}
		return nil, err
	}
	return &m, nil
}

// Get 按房间 id 查询会议详情。
func (s *MeetingService) Get(ctx context.Context, roomID string) (*MeetingDTO, error) {
	m, err := s.find(s.preload(s.db.WithContext(ctx)), roomID)
	if err != nil {
		return nil, err
	}
	out := toMeetingDTO(*m)
	return &out, nil
}

func pageParams(page, limit int) (int, int) {
	if page < 1 {
		page = 1
	}
	if limit < 1 || limit > 50 {
		limit = 10
	}
	return page, limit
}

func (s *MeetingService) paginate(q *gorm.DB, order string, page, limit int) (*MeetingPage, error) {
	page, limit = pageParams(page, limit)
	var total int64
	if err := q.Session(&gorm.Session{}).Model(&models.Meeting{}).Count(&total).Error; err != nil {
		return nil, err
	}
	var rows []models.Meeting
	if err := s.preload(q).Order(order).Order("id desc").Limit(limit).Offset((page - 1) * limit).Find(&rows).Error; err != nil {
		return nil, err
	}
	out := &MeetingPage{
		Meetings:   make([]MeetingDTO, 0, len(rows)),
		Pagination: Pagination{Page: page, Pages: int(math.Ceil(float64(total) / float64(limit))), Total: total},
	}
	for _, m := range rows {
		out.Meetings = append(out.Meetings, toMeetingDTO(m))
	}
	return out, nil
}

func (s *MeetingService) participantSubquery(db *gorm.DB, userID uint) *gorm.DB {
	return db.Model(&models.Participant{}).Select("meeting_id").Where("user_id = ?", userID)
}

// ListCreated 返回用户创建的会议，按创建时间倒序。
func (s *MeetingService) ListCreated(ctx context.Context, userID uint, f ListFilter) (*MeetingPage, error) {
	q := s.db.WithContext(ctx).Where("creator_id = ?", userID)
	if f.Status != "" {
		q = q.Where("status = ?", f.Status)
	}
	return s.paginate(q, "created_at desc", f.Page, f.Limit)
}

// ListPublic 返回可发现的公开会议（scheduled/ongoing），按开始时间升序。
func (s *MeetingService) ListPublic(ctx context.Context, f ListFilter) (*MeetingPage, error) {
	db := s.db.WithContext(ctx)
	q := db.Where("is_public = ? AND status IN ?", true, []string{models.StatusScheduled, models.StatusOngoing})
	if len(f.Tags) > 0 {
		q = q.Where("id IN (?)", db.Model(&models.MeetingTag{}).Select("meeting_id").Where("tag IN ?", f.Tags))
	}
	if f.Type != "" {
		q = q.Where("type = ?", f.Type)
	}
	if f.StartTime != nil && f.EndTime != nil {
		q = q.Where("scheduled_start_time >= ? AND scheduled_start_time <= ?", f.StartTime.UTC(), f.EndTime.UTC())
	}
	return s.paginate(q, "scheduled_start_time asc", f.Page, f.Limit)
}

// ListJoined 返回用户参与过的会议，按开始时间倒序。
func (s *MeetingService) ListJoined(ctx context.Context, userID uint, f ListFilter) (*MeetingPage, error) {
	db := s.db.WithContext(ctx)
	q := db.Where("id IN (?)", s.participantSubquery(db, userID))
	if f.Status != "" {
		q = q.Where("status = ?", f.Status)
	}
	return s.paginate(q, "scheduled_start_time desc", f.Page, f.Limit)
}

// lockRow 对会议行加 FOR UPDATE 锁，使同一会议的 join/leave 串行执行；SQLite 驱动会忽略该子句。
func lockRow(tx *gorm.DB) *gorm.DB {
	return tx.Clauses(clause.Locking{Strength: "UPDATE"})
}

// Join 在一个事务内完成权限、容量校验并登记参与者；首个加入者使会议进入 ongoing。
func (s *MeetingService) Join(ctx context.Context, roomID string, userID uint) (*MeetingDTO, error) {
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		m, err := s.find(lockRow(tx).Preload("Participants"), roomID)
		if err != nil {
			return err
		}
		if m.Status == models.StatusCompleted || m.Status == models.StatusCancelled {
			return newError(ErrConflict, "Meeting has already ended")
		}
		if !canUserJoin(*m, userID) {
			return newError(ErrForbidden, "You don't have permission to join this meeting")
		}
		active := activeParticipants(*m)
		isActive := false
		for _, p := range active {
			if p.UserID == userID {
				isActive = true
				break
			}
		}
		if !isActive {
			if m.IsLocked && m.CreatorID != userID {
				return newError(ErrForbidden, "Meeting is locked")
			}
			if len(active) >= m.MaxParticipants {
				return newError(ErrConflict, "Meeting is at maximum capacity")
			}
			role := models.RoleParticipant
			if m.CreatorID == userID {
				role = models.RoleHost
			}
			p := models.Participant{MeetingID: m.ID, UserID: userID, Role: role, JoinedAt: s.now()}
			if err := tx.Omit("User").Create(&p).Error; err != nil {
				return err
			}
		}
		if m.Status == models.StatusScheduled {
			applyStatus(m, models.StatusOngoing, s.now())
			return tx.Model(&models.Meeting{}).Where("id = ?", m.ID).
				Updates(map[string]any{"status": m.Status, "actual_start_time": m.ActualStartTime}).Error
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return s.Get(ctx, roomID)
}

// Leave 标记用户离开；重复调用无副作用。最后一个活跃参与者离开时会议结束。
func (s *MeetingService) Leave(ctx context.Context, roomID string, userID uint) (*MeetingDTO, error) {
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		m, err := s.find(lockRow(tx).Preload("Participants"), roomID)
		if err != nil {
			return err
		}
		now := s.now()
		remaining := 0
		for _, p := range m.Participants {
			if p.LeftAt != nil {
				continue
			}
			if p.UserID == userID {
				if err := tx.Model(&models.Participant{}).Where("id = ?", p.ID).Update("left_at", now).Error; err != nil {
					return err
				}
				continue
			}
			remaining++
		}
		if remaining == 0 && m.Status == models.StatusOngoing {
			applyStatus(m, models.StatusCompleted, now)
			return tx.Model(&models.Meeting{}).Where("id = ?", m.ID).
				Updates(map[string]any{"status": m.Status, "actual_end_time": m.ActualEndTime}).Error
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return s.Get(ctx, roomID)
}

// Update 仅创建者可修改；只更新允许的字段，状态只能前进。
func (s *MeetingService) Update(ctx context.Context, roomID string, userID uint, in UpdateMeetingInput) (*MeetingDTO, error) {
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		m, err := s.find(tx, roomID)
		if err != nil {
			return err
		}
		if m.CreatorID != userID {
			return newError(ErrForbidden, "Only the creator can update this meeting")
		}
		if in.Title != nil {
			t := strings.TrimSpace(*in.Title)
			if err := validateTitle(t); err != nil {
				return err
			}
			m.Title = t
		}
		if in.Description != nil {
			d := strings.TrimSpace(*in.Description)
			if err := validateDescription(d); err != nil {
				return err
			}
			m.Description = d
		}
		if in.IsPublic != nil {
			m.IsPublic = *in.IsPublic
		}
		if in.IsLocked != nil {
			m.IsLocked = *in.IsLocked
		}
		if in.MaxParticipants != nil {
			if err := validateCapacity(*in.MaxParticipants); err != nil {
				return err
			}
			m.MaxParticipants = *in.MaxParticipants
		}
		if in.ScheduledStartTime != nil {
			m.ScheduledStartTime = in.ScheduledStartTime.UTC()
		}
		if in.ScheduledEndTime != nil {
			m.ScheduledEndTime = in.ScheduledEndTime.UTC()
		}
		if !m.ScheduledEndTime.After(m.ScheduledStartTime) {
			return newError(ErrValidation, "scheduledEndTime: Scheduled end time must be after start time")
		}
		if in.Status != nil {
			if _, ok := statusRank[*in.Status]; !ok {
				return newError(ErrValidation, "status: Status must be one of: scheduled, ongoing, completed, cancelled")
			}
			if !canTransition(m.Status, *in.Status) {
				return newError(ErrValidation, "status: Cannot move meeting from %s to %s", m.Status, *in.Status)
			}
			applyStatus(m, *in.Status, s.now())
		}
		if err := tx.Omit(clause.Associations).Save(m).Error; err != nil {
			return err
		}
		if in.Tags != nil {
			tags, err := normalizeTags(*in.Tags)
			if err != nil {
				return err
			}
			if err := tx.Where("meeting_id = ?", m.ID).Delete(&models.MeetingTag{}).Error; err != nil {
				return err
			}
			for i := range tags {
				tags[i].MeetingID = m.ID
			}
			if len(tags) > 0 {
				if err := tx.Create(&tags).Error; err != nil {
					return err
				}
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return s.Get(ctx, roomID)
}

// Delete 仅创建者可删除会议，同时删除参与者与标签记录。
func (s *MeetingService) Delete(ctx context.Context, roomID string, userID uint) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		m, err := s.find(tx, roomID)
		if err != nil {
			return err
		}
		if m.CreatorID != userID {
			return newError(ErrForbidden, "Only the creator can delete this meeting")
		}
		if err := tx.Where("meeting_id = ?", m.ID).Delete(&models.Participant{}).Error; err != nil {
			return err
		}
		if err := tx.Where("meeting_id = ?", m.ID).Delete(&models.MeetingTag{}).Error; err != nil {
			return err
		}
		return tx.Delete(&models.Meeting{}, m.ID).Error
	})
}

// SweepExpired 将已过计划结束时间的 ongoing/scheduled 会议置为 completed，返回受影响行数。
func (s *MeetingService) SweepExpired(ctx context.Context) (int64, error) {
	now := s.now()
	db := s.db.WithContext(ctx)
	res := db.Model(&models.Meeting{}).
		Where("status = ? AND scheduled_end_time < ?", models.StatusOngoing, now).
		Updates(map[string]any{"status": models.StatusCompleted, "actual_end_time": now})
	if res.Error != nil {
		return 0, res.Error
	}
	n := res.RowsAffected
	res = db.Model(&models.Meeting{}).
		Where("status = ? AND scheduled_end_time < ?", models.StatusScheduled, now).
		Update("status", models.StatusCompleted)
	if res.Error != nil {
		return n, res.Error
	}
	return n + res.RowsAffected, nil
}

type MeetingStats struct {
	TotalCreated     int64 `json:"totalCreated"`
	TotalJoined      int64 `json:"totalJoined"`
	UpcomingMeetings int64 `json:"upcomingMeetings"`
	OngoingMeetings  int64 `json:"ongoingMeetings"`
}

// Stats 先执行一次过期清理，再统计用户相关的会议数量。
func (s *MeetingService) Stats(ctx context.Context, userID uint) (*MeetingStats, error) {
	if _, err := s.SweepExpired(ctx); err != nil {
		log.Error().Err(err).Msg("sweep expired meetings")
	}
	now := s.now()
	db := s.db.WithContext(ctx)
	mine := func() *gorm.DB {
		return db.Model(&models.Meeting{}).Where("(creator_id = ? OR id IN (?))", userID, s.participantSubquery(db, userID))
	}
	var st MeetingStats
	if err := db.Model(&models.Meeting{}).Where("creator_id = ?", userID).Count(&st.TotalCreated).Error; err != nil {
		return nil, err
	}
	if err := db.Model(&models.Meeting{}).Where("id IN (?)", s.participantSubquery(db, userID)).Count(&st.TotalJoined).Error; err != nil {
		return nil, err
	}
	if err := mine().Where("status = ? AND scheduled_start_time >= ?", models.StatusScheduled, now).Count(&st.UpcomingMeetings).Error; err != nil {
		return nil, err
	}
	if err := mine().Where("status = ? AND scheduled_start_time <= ? AND scheduled_end_time >= ?", models.StatusOngoing, now, now).Count(&st.OngoingMeetings).Error; err != nil {
		return nil, err
	}
	return &st, nil
}

// RunSweeper 按固定间隔执行过期清理，直到 ctx 结束。
func (s *MeetingService) RunSweeper(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			n, err := s.SweepExpired(ctx)
			if err != nil {
				log.Error().Err(err).Msg("sweep expired meetings")
				continue
			}
			if n > 0 {
				metrics.MeetingsSweptTotal.Add(float64(n))
				log.Info().Int64("completed", n).Msg("sweep expired meetings")
			}
		}
	}
}
