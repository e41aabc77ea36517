package service

import (
	"context"
	"errors"
	"strings"
	"time"

	"demeet/internal/auth"
	"demeet/internal/config"
	"demeet/internal/models"

	"gorm.io/gorm"
)

// UserService 封装用户注册、登录与 token 轮换。
type UserService struct {
	db  *gorm.DB
	cfg config.Config
}

func NewUserService(db *gorm.DB, cfg config.Config) *UserService {
	return &UserService{db: db, cfg: cfg}
}

// UserDTO 是对外输出的用户数据，不含密码与 refresh token。
type UserDTO struct {
	ID          uint      `json:"id"`
	Name        string    `json:"name"`
	Email       string    `json:"email"`
	PhoneNumber string    `json:"phoneNumber"`
	Avatar      string    `json:"avatar,omitempty"`
	CreatedAt   time.Time `json:"createdAt"`
}

func toUserDTO(u models.User) UserDTO {
	return UserDTO{ID: u.ID, Name: u.Name, Email: u.Email, PhoneNumber: u.PhoneNumber, Avatar: u.Avatar, CreatedAt: u.CreatedAt}
}

type RegisterInput struct {
	Name        string
	Email       string
	Password    string
	PhoneNumber string
}

func normalizeEmail(email string) string { return strings.ToLower(strings.TrimSpace(email)) }

// Register 注册新用户，邮箱或手机号重复时返回 ErrConflict。
func (s *UserService) Register(ctx context.Context, in RegisterInput) (*UserDTO, error) {
	in.Email = normalizeEmail(in.Email)
	in.Name = strings.TrimSpace(in.Name)
	in.PhoneNumber = strings.TrimSpace(in.PhoneNumber)
	db := s.db.WithContext(ctx)

	var count int64
	if err := db.Model(&models.User{}).Where("email = ? OR phone_number = ?", in.Email, in.PhoneNumber).Count(&count).Error; err != nil {
		return nil, err
	}
	if count > 0 {
		return nil, newError(ErrConflict, "User with email or phoneNumber already exist")
	}
	hash, err := auth.HashPassword(in.Password)
	if err != nil {
		return nil, err
	}
	user := models.User{Name: in.Name, Email: in.Email, PhoneNumber: in.PhoneNumber, PasswordHash: hash}
	if err := db.Create(&user).Error; err != nil {
		return nil, err
	}
	out := toUserDTO(user)
	return &out, nil
}

// TokenResult 登录或刷新成功后返回的 token 对。
type TokenResult struct {
	AccessToken  string  `json:"accessToken"`
	RefreshToken string  `json:"refreshToken"`
	User         UserDTO `json:"user"`
}

func (s *UserService) issue(db *gorm.DB, user models.User, prevRT string) (*TokenResult, error) {
	at, err := auth.GenerateAccessToken(user.ID, s.cfg.JWTSecret, s.cfg.AccessTokenTTLMinutes)
	if err != nil {
		return nil, err
	}
	rt, err := auth.GenerateRefreshToken()
	if err != nil {
		return nil, err
	}
	q := db.Model(&models.User{}).Where("id = ?", user.ID)
	if prevRT != "" {
		// 比较并交换：旧 token 只能成功轮换一次。
		q = q.Where("refresh_token = ?", prevRT)
	}
	exp := time.Now().UTC().Add(time.Duration(s.cfg.RefreshTokenTTLDays) * 24 * time.Hour)
	res := q.Updates(map[string]any{"refresh_token": rt, "refresh_expires_at": exp})
	if res.Error != nil {
		return nil, res.Error
	}
	if res.RowsAffected != 1 {
		return nil, newError(ErrInvalidRefresh, "Invalid refresh token")
	}
	return &TokenResult{AccessToken: at, RefreshToken: rt, User: toUserDTO(user)}, nil
}

// Login 校验邮箱密码并签发 token 对，新的 refresh token 覆盖旧值。
func (s *UserService) Login(ctx context.Context, email, password string) (*TokenResult, error) {
	db := s.db.WithContext(ctx)
	var user models.User
	if err := db.Where("email = ?", normalizeEmail(email)).First(&user).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, newError(ErrInvalidCredentials, "Invalid email or password")
		}
		return nil, err
	}
	if !auth.VerifyPassword(user.PasswordHash, password) {
		return nil, newError(ErrInvalidCredentials, "Invalid email or password")
	}
	return s.issue(db, user, "")
}

// RefreshTokens 校验 refresh token 与用户记录中的值一致后轮换 token 对。
func (s *UserService) RefreshTokens(ctx context.Context, oldRT string) (*TokenResult, error) {
	if oldRT == "" {
		return nil, newError(ErrInvalidRefresh, "Refresh token is required")
	}
	db := s.db.WithContext(ctx)
	var user models.User
	if err := db.Where("refresh_token = ? AND refresh_expires_at > ?", oldRT, time.Now().UTC()).First(&user).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, newError(ErrInvalidRefresh, "Refresh token is expired or used")
		}
		return nil, err
	}
	return s.issue(db, user, oldRT)
}

// Logout 清空用户记录上的 refresh token。
func (s *UserService) Logout(ctx context.Context, userID uint) error {
	return s.db.WithContext(ctx).Model(&models.User{}).Where("id = ?", userID).Update("refresh_token", "").Error
}

func (s *UserService) Get(ctx context.Context, userID uint) (*UserDTO, error) {
	var user models.User
	if err := s.db.WithContext(ctx).First(&user, userID).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, newError(ErrNotFound, "User not found")
		}
		return nil, err
	}
	out := toUserDTO(user)
	return &out, nil
}
