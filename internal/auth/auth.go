package auth

import (
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"demeet/internal/config"
	"demeet/internal/models"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
	"golang.org/x/crypto/bcrypt"
	"gorm.io/gorm"
)

const (
	AccessCookie  = "accessToken"
	RefreshCookie = "refreshToken"
)

// ErrUnauthorized 由中间件写入 gin.Context.Errors，统一错误处理映射为 401。
var ErrUnauthorized = errors.New("unauthorized")

type Claims struct {
	UserID uint `json:"uid"`
	jwt.RegisteredClaims
}

// RoomClaims 是钱包验签通过后签发的房间级访问令牌。
type RoomClaims struct {
	RoomID      string `json:"rid"`
	Address     string `json:"addr"`
	DisplayName string `json:"name"`
	jwt.RegisteredClaims
}

func HashPassword(pw string) (string, error) {
	b, err := bcrypt.GenerateFromPassword([]byte(pw), bcrypt.DefaultCost)
	return string(b), err
}

func VerifyPassword(hash, pw string) bool {
	return bcrypt.CompareHashAndPassword([]byte(hash), []byte(pw)) == nil
}

func GenerateAccessToken(userID uint, secret string, ttlMinutes int) (string, error) {
	now := time.Now()
	claims := Claims{
		UserID: userID,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   strconv.FormatUint(uint64(userID), 10),
			ExpiresAt: jwt.NewNumericDate(now.Add(time.Duration(ttlMinutes) * time.Minute)),
			IssuedAt:  jwt.NewNumericDate(now),
		},
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString([]byte(secret))
}

func keyFunc(secret string) jwt.Keyfunc {
	return func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method %v", token.Header["alg"])
		}
		return []byte(secret), nil
	}
}

func ParseAccessToken(tokenStr, secret string) (*Claims, error) {
	token, err := jwt.ParseWithClaims(tokenStr, &Claims{}, keyFunc(secret))
	if err != nil {
		return nil, err
	}
	if claims, ok := token.Claims.(*Claims); ok && token.Valid {
		return claims, nil
	}
	return nil, errors.New("invalid token")
}

func GenerateRoomToken(roomID, address, displayName, secret string, ttl time.Duration) (string, error) {
	now := time.Now()
	claims := RoomClaims{
		RoomID:      roomID,
		Address:     address,
		DisplayName: displayName,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   address,
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
			IssuedAt:  jwt.NewNumericDate(now),
		},
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(secret))
}

func ParseRoomToken(tokenStr, secret string) (*RoomClaims, error) {
	token, err := jwt.ParseWithClaims(tokenStr, &RoomClaims{}, keyFunc(secret))
	if err != nil {
		return nil, err
	}
	if claims, ok := token.Claims.(*RoomClaims); ok && token.Valid && claims.RoomID != "" {
		return claims, nil
	}
	return nil, errors.New("invalid room token")
}

func GenerateRefreshToken() (string, error) {
	b := make([]byte, 32)
	_, err := rand.Read(b)
	if err != nil {
		return "", err
	}
	return hex.EncodeToString(b), nil
}

// TokenFromRequest 依次从 token 查询参数、Authorization 头、accessToken cookie 中取访问令牌。
func TokenFromRequest(r *http.Request) string {
	if t := r.URL.Query().Get("token"); t != "" {
		return t
	}
	authz := r.Header.Get("Authorization")
	if len(authz) > 7 && strings.EqualFold(authz[:7], "bearer ") {
		return strings.TrimSpace(authz[7:])
	}
	if ck, err := r.Cookie(AccessCookie); err == nil {
		return ck.Value
	}
	return ""
}

func AuthMiddleware(cfg config.Config, db *gorm.DB) gin.HandlerFunc {
	return func(c *gin.Context) {
		tokenStr := TokenFromRequest(c.Request)
		if tokenStr == "" {
			_ = c.Error(fmt.Errorf("%w: missing access token", ErrUnauthorized))
			c.Abort()
			return
		}
		claims, err := ParseAccessToken(tokenStr, cfg.JWTSecret)
		if err != nil {
			_ = c.Error(fmt.Errorf("%w: invalid access token", ErrUnauthorized))
			c.Abort()
			return
		}
		var user models.User
		if err := db.WithContext(c.Request.Context()).First(&user, claims.UserID).Error; err != nil {
			_ = c.Error(fmt.Errorf("%w: user not found", ErrUnauthorized))
			c.Abort()
			return
		}
		c.Set("userID", user.ID)
		c.Set("user", user)
		c.Next()
	}
}

func GetUserID(c *gin.Context) uint {
	if v, ok := c.Get("userID"); ok {
		if id, ok2 := v.(uint); ok2 {
			return id
		}
	}
	return 0
}

func sameSite(cfg config.Config) http.SameSite {
	if cfg.Secure() {
		return http.SameSiteNoneMode
	}
	return http.SameSiteLaxMode
}

// SetAuthCookies 以 httpOnly cookie 下发 token 对。
func SetAuthCookies(c *gin.Context, cfg config.Config, access, refresh string) {
	c.SetSameSite(sameSite(cfg))
	c.SetCookie(AccessCookie, access, cfg.AccessTokenTTLMinutes*60, "/", "", cfg.Secure(), true)
	c.SetCookie(RefreshCookie, refresh, cfg.RefreshTokenTTLDays*24*3600, "/", "", cfg.Secure(), true)
}

func ClearAuthCookies(c *gin.Context, cfg config.Config) {
	c.SetSameSite(sameSite(cfg))
	c.SetCookie(AccessCookie, "", -1, "/", "", cfg.Secure(), true)
	c.SetCookie(RefreshCookie, "", -1, "/", "", cfg.Secure(), true)
}
