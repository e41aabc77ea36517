package config

import (
	"errors"
	"os"
	"strconv"
	"strings"
)

const defaultJWTSecret = "dev-secret-change-me"

type Config struct {
	Port                  string
	SocketPort            string
	DatabaseDriver        string
	DatabaseDSN           string
	JWTSecret             string
	Env                   string
	AccessTokenTTLMinutes int
	RefreshTokenTTLDays   int
	CORSOrigins           []string
	HuddleAPIKey          string
	HuddleBaseURL         string
	SweepIntervalSeconds  int
}

func getenv(key, def string) string {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	return v
}

// getenvInt 解析正整数环境变量，非法值回退到默认值。
func getenvInt(key string, def int) int {
	v, err := strconv.Atoi(getenv(key, ""))
	if err != nil || v <= 0 {
		return def
	}
	return v
}

func Load() Config {
	env := getenv("APP_ENV", "dev")
	defOrigin := "http://localhost:5173"
	var origins []string
	for _, o := range strings.Split(getenv("CORS_ORIGINS", defOrigin), ",") {
		if o = strings.TrimSpace(o); o != "" {
			origins = append(origins, o)
		}
	}
	return Config{
		Port:                  getenv("APP_PORT", "8000"),
		SocketPort:            getenv("SOCKET_PORT", "5000"),
		DatabaseDriver:        getenv("DATABASE_DRIVER", "postgres"),
		DatabaseDSN:           getenv("DATABASE_DSN", "host=localhost user=postgres password=postgres dbname=demeet port=5432 sslmode=disable TimeZone=UTC"),
		JWTSecret:             getenv("JWT_SECRET", defaultJWTSecret),
		Env:                   env,
		AccessTokenTTLMinutes: getenvInt("ACCESS_TOKEN_TTL_MINUTES", 15),
		RefreshTokenTTLDays:   getenvInt("REFRESH_TOKEN_TTL_DAYS", 15),
		CORSOrigins:           origins,
		HuddleAPIKey:          getenv("HUDDLE01_API_KEY", ""),
		HuddleBaseURL:         getenv("HUDDLE01_BASE_URL", "https://api.huddle01.com/api/v2/sdk"),
		SweepIntervalSeconds:  getenvInt("SWEEP_INTERVAL_SECONDS", 60),
	}
}

// Validate 在启动时校验关键配置，非 dev 环境禁止使用默认密钥。
func Validate(cfg Config) error {
	if cfg.Port == "" {
		return errors.New("config: empty APP_PORT")
	}
	if cfg.DatabaseDSN == "" {
		return errors.New("config: empty DATABASE_DSN")
	}
	switch cfg.DatabaseDriver {
	case "", "postgres", "sqlite":
	default:
		return errors.New("config: unsupported DATABASE_DRIVER " + cfg.DatabaseDriver)
	}
	if cfg.JWTSecret == "" {
		return errors.New("config: empty JWT_SECRET")
	}
	if cfg.Env != "dev" && cfg.JWTSecret == defaultJWTSecret {
		return errors.New("config: default JWT_SECRET outside dev")
	}
	return nil
}

// Secure 报告 cookie 是否需要 Secure/SameSite=None。
func (c Config) Secure() bool { return c.Env == "prod" }
